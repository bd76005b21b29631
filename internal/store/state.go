package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// ModuleState is the sync state of one module.
type ModuleState string

const (
	StateClean     ModuleState = "clean"
	StateStale     ModuleState = "stale"
	StateResyncing ModuleState = "resyncing"
)

// ModuleStatus is the persisted record for one module.
type ModuleStatus struct {
	Module    string
	State     ModuleState
	Chunks    int
	LastError string
	UpdatedAt time.Time
}

// SyncRun records one completed sync operation.
type SyncRun struct {
	ID         int64
	Kind       string
	Modules    []string
	StartedAt  time.Time
	FinishedAt time.Time
	Added      int
	Removed    int
	Error      string
}

// StateStore persists module states and sync history.
type StateStore interface {
	// Put upserts a module status. UpdatedAt is set by the store.
	Put(ctx context.Context, status ModuleStatus) error
	// Get returns nil, nil for an unknown module.
	Get(ctx context.Context, module string) (*ModuleStatus, error)
	List(ctx context.Context) ([]*ModuleStatus, error)
	// InState returns the modules currently in state, sorted.
	InState(ctx context.Context, state ModuleState) ([]string, error)
	Delete(ctx context.Context, module string) error
	RecordRun(ctx context.Context, run *SyncRun) error
	// Runs returns the most recent runs first.
	Runs(ctx context.Context, limit int) ([]*SyncRun, error)
	Close() error
}

// SQLiteStateStore implements StateStore on modernc.org/sqlite.
type SQLiteStateStore struct {
	db *sql.DB
}

// NewSQLiteStateStore opens (creating if needed) the state database at path.
func NewSQLiteStateStore(path string) (*SQLiteStateStore, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	// single writer; WAL still lets other processes read
	db.SetMaxOpenConns(1)

	if err := initStateSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStateStore{db: db}, nil
}

func initStateSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS module_state (
		module TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		chunks INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_module_state_state ON module_state(state);

	CREATE TABLE IF NOT EXISTS sync_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		modules TEXT NOT NULL DEFAULT '',
		started_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL,
		added INTEGER NOT NULL DEFAULT 0,
		removed INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT ''
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("create state schema: %w", err)
	}
	return nil
}

// Put implements StateStore.
func (s *SQLiteStateStore) Put(ctx context.Context, st ModuleStatus) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO module_state (module, state, chunks, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(module) DO UPDATE SET
			state = excluded.state,
			chunks = excluded.chunks,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
	`, st.Module, string(st.State), st.Chunks, st.LastError, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("put module state %s: %w", st.Module, err)
	}
	return nil
}

// Get implements StateStore.
func (s *SQLiteStateStore) Get(ctx context.Context, module string) (*ModuleStatus, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT module, state, chunks, last_error, updated_at FROM module_state WHERE module = ?
	`, module)
	st, err := scanStatus(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return st, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStatus(row rowScanner) (*ModuleStatus, error) {
	var (
		st      ModuleStatus
		state   string
		updated int64
	)
	if err := row.Scan(&st.Module, &state, &st.Chunks, &st.LastError, &updated); err != nil {
		return nil, err
	}
	st.State = ModuleState(state)
	st.UpdatedAt = time.Unix(0, updated)
	return &st, nil
}

// List implements StateStore.
func (s *SQLiteStateStore) List(ctx context.Context) ([]*ModuleStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT module, state, chunks, last_error, updated_at FROM module_state ORDER BY module
	`)
	if err != nil {
		return nil, fmt.Errorf("list module states: %w", err)
	}
	defer rows.Close()

	var out []*ModuleStatus
	for rows.Next() {
		st, err := scanStatus(rows)
		if err != nil {
			return nil, fmt.Errorf("scan module state: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// InState implements StateStore.
func (s *SQLiteStateStore) InState(ctx context.Context, state ModuleState) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT module FROM module_state WHERE state = ? ORDER BY module`, string(state))
	if err != nil {
		return nil, fmt.Errorf("query %s modules: %w", state, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Delete implements StateStore.
func (s *SQLiteStateStore) Delete(ctx context.Context, module string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM module_state WHERE module = ?`, module); err != nil {
		return fmt.Errorf("delete module state %s: %w", module, err)
	}
	return nil
}

// RecordRun implements StateStore.
func (s *SQLiteStateStore) RecordRun(ctx context.Context, run *SyncRun) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_runs (kind, modules, started_at, finished_at, added, removed, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, run.Kind, strings.Join(run.Modules, ","), run.StartedAt.UnixNano(), run.FinishedAt.UnixNano(),
		run.Added, run.Removed, run.Error)
	if err != nil {
		return fmt.Errorf("record sync run: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		run.ID = id
	}
	return nil
}

// Runs implements StateStore.
func (s *SQLiteStateStore) Runs(ctx context.Context, limit int) ([]*SyncRun, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, modules, started_at, finished_at, added, removed, error
		FROM sync_runs ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sync runs: %w", err)
	}
	defer rows.Close()

	var out []*SyncRun
	for rows.Next() {
		var (
			run             SyncRun
			modules         string
			started, finish int64
		)
		if err := rows.Scan(&run.ID, &run.Kind, &modules, &started, &finish, &run.Added, &run.Removed, &run.Error); err != nil {
			return nil, fmt.Errorf("scan sync run: %w", err)
		}
		if modules != "" {
			run.Modules = strings.Split(modules, ",")
		}
		run.StartedAt = time.Unix(0, started)
		run.FinishedAt = time.Unix(0, finish)
		out = append(out, &run)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteStateStore) Close() error {
	return s.db.Close()
}

// MemoryStateStore is an in-process StateStore.
type MemoryStateStore struct {
	mu      sync.Mutex
	modules map[string]ModuleStatus
	runs    []*SyncRun
}

// NewMemoryStateStore returns an empty in-memory store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{modules: make(map[string]ModuleStatus)}
}

// Put implements StateStore.
func (m *MemoryStateStore) Put(_ context.Context, st ModuleStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st.UpdatedAt = time.Now()
	m.modules[st.Module] = st
	return nil
}

// Get implements StateStore.
func (m *MemoryStateStore) Get(_ context.Context, module string) (*ModuleStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.modules[module]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

// List implements StateStore.
func (m *MemoryStateStore) List(context.Context) ([]*ModuleStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*ModuleStatus, 0, len(m.modules))
	for _, st := range m.modules {
		st := st
		out = append(out, &st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Module < out[j].Module })
	return out, nil
}

// InState implements StateStore.
func (m *MemoryStateStore) InState(_ context.Context, state ModuleState) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for name, st := range m.modules {
		if st.State == state {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Delete implements StateStore.
func (m *MemoryStateStore) Delete(_ context.Context, module string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.modules, module)
	return nil
}

// RecordRun implements StateStore.
func (m *MemoryStateStore) RecordRun(_ context.Context, run *SyncRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run.ID = int64(len(m.runs) + 1)
	m.runs = append(m.runs, run)
	return nil
}

// Runs implements StateStore.
func (m *MemoryStateStore) Runs(_ context.Context, limit int) ([]*SyncRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 10
	}
	var out []*SyncRun
	for i := len(m.runs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.runs[i])
	}
	return out, nil
}

// Close implements StateStore.
func (m *MemoryStateStore) Close() error { return nil }

var (
	_ StateStore = (*SQLiteStateStore)(nil)
	_ StateStore = (*MemoryStateStore)(nil)
)
