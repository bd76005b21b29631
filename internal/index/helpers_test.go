package index

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/RosMarinas/OpenWRT-AutoConfigure/internal/chunk"
	"github.com/RosMarinas/OpenWRT-AutoConfigure/internal/embed"
	agenterrors "github.com/RosMarinas/OpenWRT-AutoConfigure/internal/errors"
	"github.com/RosMarinas/OpenWRT-AutoConfigure/internal/source"
	"github.com/RosMarinas/OpenWRT-AutoConfigure/internal/store"
)

const testDimensions = 64

const networkExport = `package network

config interface 'loopback'
	option device 'lo'
	option proto 'static'
	option ipaddr '127.0.0.1'
	option netmask '255.0.0.0'

config interface 'lan'
	option device 'br-lan'
	option proto 'static'
	option ipaddr '192.168.1.1'
	option netmask '255.255.255.0'

config interface 'wan'
	option device 'eth1'
	option proto 'dhcp'
`

const wirelessExport = `package wireless

config wifi-device 'radio0'
	option type 'mac80211'
	option channel '36'
	option band '5g'

config wifi-iface 'default_radio0'
	option device 'radio0'
	option network 'lan'
	option mode 'ap'
	option ssid 'HomeWifi'
	option encryption 'psk2'
	option key 'wifi password secret'
`

const systemExport = `package system

config system
	option hostname 'gateway'
	option timezone 'UTC'
	option zonename 'UTC'

config timeserver 'ntp'
	option enabled '1'
	list server '0.pool.ntp.org'
`

// fakeExporter serves exports from memory.
type fakeExporter struct {
	mu      sync.Mutex
	modules map[string]string
	fail    map[string]error
	calls   []string
}

func newFakeExporter(modules map[string]string) *fakeExporter {
	return &fakeExporter{modules: modules, fail: make(map[string]error)}
}

func (f *fakeExporter) Export(_ context.Context, module string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, module)
	if err := f.fail[module]; err != nil {
		return "", agenterrors.SourceError(module, err)
	}
	if module != source.All {
		return f.modules[module], nil
	}

	names := make([]string, 0, len(f.modules))
	for name := range f.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, name := range names {
		b.WriteString(f.modules[name])
	}
	return b.String(), nil
}

func (f *fakeExporter) set(module, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modules[module] = text
}

func (f *fakeExporter) failWith(module string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[module] = err
}

// flakyEmbedder fails every batch while failing is set.
type flakyEmbedder struct {
	embed.Embedder
	failing atomic.Bool
}

func (e *flakyEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if e.failing.Load() {
		return nil, errors.New("embedding backend unavailable")
	}
	return e.Embedder.EmbedBatch(ctx, texts)
}

type testOptions struct {
	dataDir  string
	splitter *chunk.Splitter
	embedder embed.Embedder
	state    store.StateStore
}

type testOption func(*testOptions)

func withDataDir(dir string) testOption {
	return func(o *testOptions) { o.dataDir = dir }
}

func withSplitter(s *chunk.Splitter) testOption {
	return func(o *testOptions) { o.splitter = s }
}

func withEmbedder(e embed.Embedder) testOption {
	return func(o *testOptions) { o.embedder = e }
}

func withState(s store.StateStore) testOption {
	return func(o *testOptions) { o.state = s }
}

func newTestCoordinator(t *testing.T, exp source.Exporter, opts ...testOption) *Coordinator {
	t.Helper()

	o := &testOptions{
		dataDir:  t.TempDir(),
		embedder: embed.NewStaticEmbedder(testDimensions),
		state:    store.NewMemoryStateStore(),
	}
	for _, opt := range opts {
		opt(o)
	}

	c, err := NewCoordinator(CoordinatorConfig{
		DataDir:  o.dataDir,
		Splitter: o.splitter,
		Embedder: o.embedder,
		Exporter: exp,
		State:    o.state,
		PersistRetry: agenterrors.RetryConfig{
			MaxRetries:   1,
			InitialDelay: time.Millisecond,
			MaxDelay:     time.Millisecond,
			Multiplier:   1,
		},
		LockTimeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)

	_, err = c.Open(context.Background())
	require.NoError(t, err)
	return c
}

// tinySplitter cuts every three 8-byte lines, with no overlap.
func tinySplitter(t *testing.T) *chunk.Splitter {
	t.Helper()
	s, err := chunk.NewSplitter(chunk.Options{MaxChunkSize: 30, Overlap: 0})
	require.NoError(t, err)
	return s
}

// lineExport builds "package <module>" followed by n distinct 8-byte lines.
func lineExport(module string, n int) string {
	var b strings.Builder
	b.WriteString("package " + module + "\n")
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&b, "\topt%03d\n", i)
	}
	return b.String()
}

// requireConsistent asserts the mapping is a bijection onto the live ids and
// that every mapped file exists.
func requireConsistent(t *testing.T, c *Coordinator) {
	t.Helper()

	require.NoError(t, c.mapping.Verify())
	require.Equal(t, c.index.Count(), c.mapping.Len(), "live vectors and mapping entries differ")
	for _, id := range c.index.IDs() {
		path, ok := c.mapping.PathFor(id)
		require.True(t, ok, "live id %d has no mapping entry", id)
		got, ok := c.mapping.IDFor(path)
		require.True(t, ok)
		require.Equal(t, id, got)
		require.True(t, c.chunks.Exists(path), "mapped file %s is missing", path)
	}
}

// moduleIDs returns the ids currently mapped to module's chunk files.
func moduleIDs(t *testing.T, c *Coordinator, module string) []uint64 {
	t.Helper()
	files, err := c.chunks.ModuleFiles(module)
	require.NoError(t, err)
	var ids []uint64
	for _, f := range files {
		if id, ok := c.mapping.IDFor(f); ok {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

func moduleState(t *testing.T, c *Coordinator, module string) store.ModuleState {
	t.Helper()
	st, err := c.state.Get(context.Background(), module)
	require.NoError(t, err)
	require.NotNil(t, st, "no state for module %s", module)
	return st.State
}

// failingQueryEmbedder cannot embed single texts.
type failingQueryEmbedder struct {
	embed.Embedder
}

func (failingQueryEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, errors.New("model not loaded")
}
