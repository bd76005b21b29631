package watcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func change(module string, op Operation) Change {
	return Change{Module: module, Path: module, Operation: op, Timestamp: time.Now()}
}

func waitBatch(t *testing.T, d *Debouncer, timeout time.Duration) []Change {
	t.Helper()
	select {
	case batch := <-d.Output():
		return batch
	case <-time.After(timeout):
		t.Fatal("timeout waiting for debounced batch")
		return nil
	}
}

func TestDebouncer_SingleChange_PassesThrough(t *testing.T) {
	// Given: a debouncer with a short window
	d := NewDebouncer(50 * time.Millisecond)
	defer d.Stop()

	// When: one change is added
	d.Add(change("network", OpModify))

	// Then: it comes out after the window
	batch := waitBatch(t, d, 300*time.Millisecond)
	require.Len(t, batch, 1)
	assert.Equal(t, "network", batch[0].Module)
	assert.Equal(t, OpModify, batch[0].Operation)
}

func TestDebouncer_RepeatedWrites_Coalesce(t *testing.T) {
	// Given: a debouncer
	d := NewDebouncer(100 * time.Millisecond)
	defer d.Stop()

	// When: the same export is rewritten several times in quick succession
	for i := 0; i < 5; i++ {
		d.Add(change("wireless", OpModify))
		time.Sleep(10 * time.Millisecond)
	}

	// Then: one change comes out
	batch := waitBatch(t, d, 500*time.Millisecond)
	require.Len(t, batch, 1)
	assert.Equal(t, "wireless", batch[0].Module)
}

func TestDebouncer_CoalesceRules(t *testing.T) {
	tests := []struct {
		name string
		ops  []Operation
		want []Operation
	}{
		{"create then modify", []Operation{OpCreate, OpModify}, []Operation{OpCreate}},
		{"create then delete", []Operation{OpCreate, OpDelete}, nil},
		{"delete then create", []Operation{OpDelete, OpCreate}, []Operation{OpModify}},
		{"modify then delete", []Operation{OpModify, OpDelete}, []Operation{OpDelete}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Given: a debouncer
			d := NewDebouncer(40 * time.Millisecond)
			defer d.Stop()

			// When: the operations arrive for one module
			for _, op := range tt.ops {
				d.Add(change("firewall", op))
			}

			// Then: the coalesced operation comes out, or nothing
			if tt.want == nil {
				select {
				case batch := <-d.Output():
					t.Fatalf("unexpected batch: %v", batch)
				case <-time.After(150 * time.Millisecond):
				}
				return
			}
			batch := waitBatch(t, d, 300*time.Millisecond)
			require.Len(t, batch, 1)
			assert.Equal(t, tt.want[0], batch[0].Operation)
		})
	}
}

func TestDebouncer_Batch_SortedByModule(t *testing.T) {
	// Given: a debouncer
	d := NewDebouncer(50 * time.Millisecond)
	defer d.Stop()

	// When: several modules change together
	d.Add(change("wireless", OpModify))
	d.Add(change("dhcp", OpModify))
	d.Add(change("network", OpCreate))

	// Then: they arrive as one batch in module order
	batch := waitBatch(t, d, 300*time.Millisecond)
	require.Len(t, batch, 3)
	assert.Equal(t, "dhcp", batch[0].Module)
	assert.Equal(t, "network", batch[1].Module)
	assert.Equal(t, "wireless", batch[2].Module)
}

func TestDebouncer_Stop_ClosesOutputAndIgnoresAdds(t *testing.T) {
	// Given: a debouncer with a pending change
	d := NewDebouncer(time.Second)
	d.Add(change("network", OpModify))

	// When: it is stopped twice and then fed again
	d.Stop()
	d.Stop()
	d.Add(change("system", OpModify))

	// Then: the output is closed without a batch
	_, ok := <-d.Output()
	assert.False(t, ok)
}
