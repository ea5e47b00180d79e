package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"retail-pos/internal/domain"
	"retail-pos/internal/repository/sqlite"
	"retail-pos/internal/snapshot"
	"retail-pos/internal/storage"
)

type flakyKV struct {
	storage.KV
	failSet atomic.Bool
}

func (f *flakyKV) Set(ctx context.Context, key string, value []byte) error {
	if f.failSet.Load() {
		return errors.New("disk full")
	}
	return f.KV.Set(ctx, key, value)
}

type memRemote struct {
	mu      sync.Mutex
	objects map[string][]byte
	fail    bool
}

func newMemRemote() *memRemote {
	return &memRemote{objects: map[string][]byte{}}
}

func (r *memRemote) UploadFile(_ context.Context, localPath string, opts storage.UploadOptions) (string, error) {
	if r.fail {
		return "", errors.New("remote unavailable")
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", err
	}
	key := opts.KeyPrefix + "/" + filepath.Base(localPath)
	if opts.ProgressCallback != nil {
		opts.ProgressCallback(0, int64(len(data)))
		opts.ProgressCallback(int64(len(data)), int64(len(data)))
	}
	r.mu.Lock()
	r.objects[key] = data
	r.mu.Unlock()
	return fmt.Sprintf("s3://%s/%s", opts.Bucket, key), nil
}

func (r *memRemote) ListObjects(_ context.Context, _, prefix string) ([]storage.ObjectInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []storage.ObjectInfo
	for key, data := range r.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, storage.ObjectInfo{Key: key, Size: int64(len(data))})
		}
	}
	return out, nil
}

func (r *memRemote) Download(_ context.Context, _, key string) (io.ReadCloser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, ok := r.objects[key]
	if !ok {
		return nil, fmt.Errorf("no such key %s", key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

var testNow = time.Date(2024, 3, 9, 14, 30, 0, 0, time.UTC)

func newKV(t *testing.T) *flakyKV {
	t.Helper()
	kv, err := storage.OpenBadger(storage.BadgerConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })
	return &flakyKV{KV: kv}
}

func newTestManager(t *testing.T, kv storage.KV, mutate func(*Config)) (*Manager, *testclock.Clock) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	clk := testclock.NewClock(testNow)
	cfg := Config{
		ExportDir: t.TempDir(),
		Clock:     clk,
		Logger:    logger,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	guard := sqlite.NewGuard(sqlite.GuardConfig{Logger: logger})
	m := NewManager(cfg, snapshot.NewCodec(), kv, guard)
	return m, clk
}

func initialized(t *testing.T, kv storage.KV) *Manager {
	t.Helper()
	m, _ := newTestManager(t, kv, nil)
	require.NoError(t, m.Initialize(context.Background()))
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	return m
}

func queryRows(t *testing.T, m *Manager, query string) [][]any {
	t.Helper()
	rs, err := m.Query(context.Background(), query)
	require.NoError(t, err)
	return rs.Rows
}

// slotRows restores the durability slot into a scratch handle and runs query there.
func slotRows(t *testing.T, kv storage.KV, query string) [][]any {
	t.Helper()
	ctx := context.Background()
	raw, err := kv.Get(ctx, storage.DatabaseSlot)
	require.NoError(t, err)
	image, _, err := snapshot.DecodeEnvelope(raw)
	require.NoError(t, err)
	db, err := snapshot.NewCodec().Deserialize(ctx, image)
	require.NoError(t, err)
	defer db.Close()

	rows, err := db.QueryContext(ctx, query)
	require.NoError(t, err)
	defer rows.Close()
	rs, err := materialize(rows)
	require.NoError(t, err)
	return rs.Rows
}

const representativeQuery = `SELECT id, username, role, is_active FROM users ORDER BY id`

func TestInitialize_FreshStore(t *testing.T) {
	kv := newKV(t)
	m := initialized(t, kv)

	assert.Equal(t, StateReady, m.State())
	admins := queryRows(t, m, `SELECT username FROM users WHERE role = 'admin'`)
	require.Len(t, admins, 1)
	assert.Equal(t, "admin", admins[0][0])
	assert.Len(t, queryRows(t, m, `SELECT id FROM products`), 3)

	_, err := kv.Get(context.Background(), storage.DatabaseSlot)
	assert.NoError(t, err, "fresh store is saved immediately")
}

func TestInitialize_RestoresDurableSnapshot(t *testing.T) {
	kv := newKV(t)
	ctx := context.Background()

	first, _ := newTestManager(t, kv, nil)
	require.NoError(t, first.Initialize(ctx))
	_, err := first.Exec(ctx, `INSERT INTO products (name, price, cost, stock, category) VALUES (?, ?, ?, ?, ?)`, "Cafe 250g", 45.5, 30.0, 12, "Abarrotes")
	require.NoError(t, err)
	require.NoError(t, first.Shutdown(ctx))
	assert.Equal(t, StateUninitialized, first.State())

	second := initialized(t, kv)
	rows := queryRows(t, second, `SELECT name FROM products WHERE name = 'Cafe 250g'`)
	assert.Len(t, rows, 1)
	assert.Len(t, queryRows(t, second, `SELECT id FROM products`), 4, "sample products are not seeded again")
}

func TestInitialize_CorruptSnapshotIsAnError(t *testing.T) {
	kv := newKV(t)
	ctx := context.Background()
	require.NoError(t, kv.Set(ctx, storage.DatabaseSlot, []byte(`{"version":1,"checksum":"00","data":"AAAA"}`)))

	m, _ := newTestManager(t, kv, nil)
	err := m.Initialize(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEngineInit)
	assert.ErrorIs(t, err, snapshot.ErrCorruptSnapshot)
	assert.Equal(t, StateUninitialized, m.State())

	raw, err := kv.Get(ctx, storage.DatabaseSlot)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"checksum":"00"`, "corrupt slot is not replaced by a bootstrap")

	_, err = m.Query(ctx, representativeQuery)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestSave_Idempotent(t *testing.T) {
	kv := newKV(t)
	m := initialized(t, kv)
	ctx := context.Background()

	require.NoError(t, m.Save(ctx))
	first := slotRows(t, kv, representativeQuery)
	require.NoError(t, m.Save(ctx))
	second := slotRows(t, kv, representativeQuery)

	assert.Equal(t, first, second)
	assert.Equal(t, queryRows(t, m, representativeQuery), second)
}

func TestSave_NotifiesSubscribers(t *testing.T) {
	m := initialized(t, newKV(t))

	var events []SaveEvent
	m.OnSave(func(ev SaveEvent) { events = append(events, ev) })
	require.NoError(t, m.Save(context.Background()))

	require.Len(t, events, 1)
	assert.Equal(t, "save", events[0].Reason)
	assert.Equal(t, testNow, events[0].SavedAt)
	assert.Positive(t, events[0].Size)
}

func TestAutosave_FiresOnInterval(t *testing.T) {
	kv := newKV(t)
	m, clk := newTestManager(t, kv, func(cfg *Config) { cfg.Interval = 30 * time.Second })
	ctx := context.Background()
	require.NoError(t, m.Initialize(ctx))

	saves := make(chan SaveEvent, 4)
	m.OnSave(func(ev SaveEvent) { saves <- ev })

	m.Start(ctx)
	require.NoError(t, clk.WaitAdvance(30*time.Second, time.Second, 1))

	select {
	case ev := <-saves:
		assert.Equal(t, "save", ev.Reason)
	case <-time.After(5 * time.Second):
		t.Fatal("autosave did not run")
	}

	require.NoError(t, m.Shutdown(ctx))
	select {
	case <-saves:
	default:
		t.Fatal("shutdown did not write a final save")
	}
}

func TestStatements(t *testing.T) {
	m := initialized(t, newKV(t))
	ctx := context.Background()

	res, err := m.Exec(ctx, `INSERT INTO cash_movements (type, amount, description) VALUES (?, ?, ?)`, "in", 100.0, "apertura")
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.RowsAffected)
	assert.Positive(t, res.LastInsertID)

	rs, err := m.Query(ctx, `SELECT type, amount, description FROM cash_movements WHERE id = ?`, res.LastInsertID)
	require.NoError(t, err)
	assert.Equal(t, []string{"type", "amount", "description"}, rs.Columns)
	require.Len(t, rs.Rows, 1)
	assert.Equal(t, "in", rs.Rows[0][0])
	assert.Equal(t, 100.0, rs.Rows[0][1])

	_, err = m.Exec(ctx, `INSERT INTO missing_table VALUES (1)`)
	assert.Error(t, err)

	err = m.Update(ctx, func(q Querier) error {
		if _, err := q.ExecContext(ctx, `INSERT INTO cash_movements (type, amount, description) VALUES ('out', 5, 'x')`); err != nil {
			return err
		}
		return errors.New("abort")
	})
	assert.EqualError(t, err, "abort")
	assert.Len(t, queryRows(t, m, `SELECT id FROM cash_movements`), 1, "failed update rolls back")
}

func TestExport_WritesUniqueArtifacts(t *testing.T) {
	kv := newKV(t)
	m := initialized(t, kv)
	ctx := context.Background()

	before, err := kv.Get(ctx, storage.DatabaseSlot)
	require.NoError(t, err)

	first, err := m.Export(ctx)
	require.NoError(t, err)
	second, err := m.Export(ctx)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(first.Name, "pos_backup_2024-03-09T14-30-00.000Z"))
	assert.True(t, strings.HasSuffix(first.Name, ".sqlite"))
	assert.NotEqual(t, first.Path, second.Path, "same timestamp must not overwrite")

	data, err := os.ReadFile(first.Path)
	require.NoError(t, err)
	assert.EqualValues(t, len(data), first.Size)
	assert.True(t, bytes.HasPrefix(data, []byte("SQLite format 3\x00")))

	after, err := kv.Get(ctx, storage.DatabaseSlot)
	require.NoError(t, err)
	assert.Equal(t, before, after, "export never touches the durability slot")
}

func TestImport_CorruptLeavesStoreUntouched(t *testing.T) {
	kv := newKV(t)
	m := initialized(t, kv)
	ctx := context.Background()

	before := queryRows(t, m, representativeQuery)
	products := queryRows(t, m, `SELECT name FROM products ORDER BY id`)
	slot, err := kv.Get(ctx, storage.DatabaseSlot)
	require.NoError(t, err)

	for name, data := range map[string][]byte{
		"empty":     nil,
		"garbage":   []byte("definitely not a database"),
		"truncated": append([]byte("SQLite format 3\x00"), make([]byte, 200)...),
	} {
		t.Run(name, func(t *testing.T) {
			err := m.Import(ctx, bytes.NewReader(data))
			assert.ErrorIs(t, err, snapshot.ErrCorruptSnapshot)
			assert.Equal(t, StateReady, m.State())
		})
	}

	assert.Equal(t, before, queryRows(t, m, representativeQuery))
	assert.Equal(t, products, queryRows(t, m, `SELECT name FROM products ORDER BY id`))
	after, err := kv.Get(ctx, storage.DatabaseSlot)
	require.NoError(t, err)
	assert.Equal(t, slot, after)
}

func TestImport_RestoresExportedState(t *testing.T) {
	kv := newKV(t)
	m := initialized(t, kv)
	ctx := context.Background()

	var replaced int
	m.OnReplace(func(context.Context) { replaced++ })

	var bobID int64
	require.NoError(t, m.Update(ctx, func(q Querier) error {
		var err error
		bobID, err = sqlite.NewUserRepository(q).Create(ctx, &domain.User{Username: "bob", Password: "pw1", Role: domain.RoleUser, IsActive: true})
		return err
	}))

	artifact, err := m.Export(ctx)
	require.NoError(t, err)

	_, err = m.Exec(ctx, `DELETE FROM users WHERE id = ?`, bobID)
	require.NoError(t, err)
	assert.Empty(t, queryRows(t, m, `SELECT id FROM users WHERE username = 'bob'`))

	f, err := os.Open(artifact.Path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, m.Import(ctx, f))

	assert.Len(t, queryRows(t, m, `SELECT id FROM users WHERE username = 'bob'`), 1)
	assert.Equal(t, 1, replaced)

	restored := slotRows(t, kv, `SELECT username FROM users WHERE username = 'bob'`)
	assert.Len(t, restored, 1, "imported state is persisted immediately")
}

func TestImport_UpgradesOlderSnapshot(t *testing.T) {
	m := initialized(t, newKV(t))
	ctx := context.Background()

	legacy, err := snapshot.NewCodec().Open(ctx)
	require.NoError(t, err)
	_, err = legacy.ExecContext(ctx, `CREATE TABLE tasks (id INTEGER PRIMARY KEY AUTOINCREMENT, title TEXT NOT NULL, description TEXT, completed BOOLEAN DEFAULT FALSE, created_at TEXT DEFAULT CURRENT_TIMESTAMP, due_date TEXT)`)
	require.NoError(t, err)
	_, err = legacy.ExecContext(ctx, `INSERT INTO tasks (title) VALUES ('inventario')`)
	require.NoError(t, err)
	image, err := snapshot.NewCodec().Serialize(ctx, legacy)
	require.NoError(t, err)
	legacy.Close()

	require.NoError(t, m.Import(ctx, bytes.NewReader(image)))

	assert.Len(t, queryRows(t, m, `SELECT id FROM users WHERE role = 'admin'`), 1)
	rows := queryRows(t, m, `SELECT title, assigned_to FROM tasks`)
	require.Len(t, rows, 1)
	assert.Equal(t, "inventario", rows[0][0])
	assert.Nil(t, rows[0][1])
	assert.Empty(t, queryRows(t, m, `SELECT id FROM products`), "imports never get sample data")
}

func TestImport_PersistFailureRevertsSwap(t *testing.T) {
	kv := newKV(t)
	m := initialized(t, kv)
	ctx := context.Background()

	image, err := m.Snapshot(ctx)
	require.NoError(t, err)
	_, err = m.Exec(ctx, `INSERT INTO suppliers (name) VALUES ('Distribuidora Norte')`)
	require.NoError(t, err)

	kv.failSet.Store(true)
	err = m.Import(ctx, bytes.NewReader(image))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persist imported store")

	kv.failSet.Store(false)
	assert.Len(t, queryRows(t, m, `SELECT id FROM suppliers`), 1, "live store kept after failed persist")
	assert.NoError(t, m.Save(ctx))
}

type gatedReader struct {
	release chan struct{}
	r       io.Reader
}

func (g *gatedReader) Read(p []byte) (int, error) {
	<-g.release
	return g.r.Read(p)
}

func TestImport_RejectsConcurrentImport(t *testing.T) {
	m := initialized(t, newKV(t))
	ctx := context.Background()

	image, err := m.Snapshot(ctx)
	require.NoError(t, err)

	gate := &gatedReader{release: make(chan struct{}), r: bytes.NewReader(image)}
	done := make(chan error, 1)
	go func() { done <- m.Import(ctx, gate) }()

	require.Eventually(t, m.importing.Load, 5*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, m.Import(ctx, bytes.NewReader(image)), ErrImportInProgress)

	// Statements keep working while the import is reading.
	_, err = m.Query(ctx, representativeQuery)
	assert.NoError(t, err)

	close(gate.release)
	require.NoError(t, <-done)
	assert.NoError(t, m.Import(ctx, bytes.NewReader(image)))
}

func TestImport_CancelledRead(t *testing.T) {
	m := initialized(t, newKV(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := m.Import(ctx, strings.NewReader("anything"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateReady, m.State())
}

func TestRemoteMirror(t *testing.T) {
	remote := newMemRemote()
	kv := newKV(t)
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	m, _ := newTestManager(t, kv, func(cfg *Config) {
		cfg.Logger = logger
		cfg.Remote = remote
		cfg.RemoteBucket = "pos-backups"
		cfg.RemotePrefix = "store-1"
	})
	ctx := context.Background()
	require.NoError(t, m.Initialize(ctx))
	t.Cleanup(func() { m.Shutdown(ctx) })

	artifact, err := m.Export(ctx)
	require.NoError(t, err)
	assert.Equal(t, "s3://pos-backups/store-1/"+artifact.Name, artifact.RemoteURI)

	var progress []logrus.Fields
	for _, entry := range hook.AllEntries() {
		if entry.Message == "mirror progress" {
			progress = append(progress, entry.Data)
		}
	}
	require.NotEmpty(t, progress)
	last := progress[len(progress)-1]
	assert.Equal(t, artifact.Size, last["done"])
	assert.Equal(t, artifact.Size, last["total"])
	assert.Equal(t, artifact.Name, last["file"])

	objects, err := m.ListRemote(ctx)
	require.NoError(t, err)
	require.Len(t, objects, 1)

	_, err = m.Exec(ctx, `DELETE FROM products`)
	require.NoError(t, err)
	require.NoError(t, m.ImportRemote(ctx, objects[0].Key))
	assert.Len(t, queryRows(t, m, `SELECT id FROM products`), 3)

	remote.fail = true
	artifact, err = m.Export(ctx)
	require.NoError(t, err, "mirror failure does not fail the export")
	assert.Empty(t, artifact.RemoteURI)
	assert.Contains(t, artifact.RemoteError, "remote unavailable")
	assert.FileExists(t, artifact.Path)
}

func TestRemoteDisabled(t *testing.T) {
	m := initialized(t, newKV(t))
	ctx := context.Background()

	_, err := m.ListRemote(ctx)
	assert.ErrorIs(t, err, ErrRemoteDisabled)
	assert.ErrorIs(t, m.ImportRemote(ctx, "x"), ErrRemoteDisabled)
}

func TestStatements_RejectReservedVerbs(t *testing.T) {
	m := initialized(t, newKV(t))
	ctx := context.Background()

	for _, stmt := range []string{
		"BEGIN",
		"  begin immediate",
		"-- open one\nBEGIN TRANSACTION",
		"/* x */ COMMIT",
		"END",
		"ROLLBACK",
		"SAVEPOINT sp1",
		"RELEASE sp1",
		"ATTACH DATABASE '/tmp/other.db' AS other",
		"DETACH other",
		"VACUUM INTO '/tmp/copy.db'",
	} {
		_, err := m.Exec(ctx, stmt)
		assert.ErrorIs(t, err, ErrStatementNotAllowed, stmt)
		_, err = m.Query(ctx, stmt)
		assert.ErrorIs(t, err, ErrStatementNotAllowed, stmt)
	}

	_, err := m.Exec(ctx, `CREATE TRIGGER stock_floor AFTER UPDATE ON products WHEN NEW.stock < 0
BEGIN UPDATE products SET stock = 0 WHERE id = NEW.id; END`)
	assert.NoError(t, err, "trigger bodies are not transaction control")
}

func TestStatements_ConnectionNeverLeftInTransaction(t *testing.T) {
	kv := newKV(t)
	m := initialized(t, kv)
	ctx := context.Background()

	_, err := m.Exec(ctx, `INSERT INTO suppliers (name) VALUES ('Lacteos del Valle'); BEGIN`)
	assert.Error(t, err)
	assert.Empty(t, queryRows(t, m, `SELECT id FROM suppliers`), "failed batch rolls back")

	_, err = m.Exec(ctx, `INSERT INTO suppliers (name) VALUES ('Panificadora'); COMMIT; BEGIN`)
	require.NoError(t, err)

	require.NoError(t, m.Update(ctx, func(q Querier) error {
		_, err := q.ExecContext(ctx, `INSERT INTO suppliers (name) VALUES ('Carnes Finas')`)
		return err
	}))
	require.NoError(t, m.Save(ctx))
	assert.Len(t, slotRows(t, kv, `SELECT id FROM suppliers`), 2)
}

// damagedImage returns a valid snapshot of m with every page after the first
// overwritten.
func damagedImage(t *testing.T, m *Manager) []byte {
	t.Helper()
	image, err := m.Snapshot(context.Background())
	require.NoError(t, err)
	pageSize := int(image[16])<<8 | int(image[17])
	require.Greater(t, len(image), pageSize)
	for i := pageSize; i < len(image); i++ {
		image[i] = 0xAB
	}
	return image
}

func TestImport_DamagedPagesRejected(t *testing.T) {
	kv := newKV(t)
	m := initialized(t, kv)
	ctx := context.Background()

	before := queryRows(t, m, representativeQuery)
	slot, err := kv.Get(ctx, storage.DatabaseSlot)
	require.NoError(t, err)

	err = m.Import(ctx, bytes.NewReader(damagedImage(t, m)))
	assert.ErrorIs(t, err, snapshot.ErrCorruptSnapshot)
	assert.Equal(t, StateReady, m.State())

	assert.Equal(t, before, queryRows(t, m, representativeQuery))
	after, err := kv.Get(ctx, storage.DatabaseSlot)
	require.NoError(t, err)
	assert.Equal(t, slot, after)
	assert.NoError(t, m.Shutdown(ctx))
}

func TestShutdown_AfterRestoreAndImport(t *testing.T) {
	kv := newKV(t)
	ctx := context.Background()

	first, _ := newTestManager(t, kv, nil)
	require.NoError(t, first.Initialize(ctx))
	require.NoError(t, first.Shutdown(ctx))

	restored, _ := newTestManager(t, kv, nil)
	require.NoError(t, restored.Initialize(ctx))
	image, err := restored.Snapshot(ctx)
	require.NoError(t, err)
	require.NoError(t, restored.Import(ctx, bytes.NewReader(image)))
	require.NoError(t, restored.Import(ctx, bytes.NewReader(image)))
	require.NoError(t, restored.Shutdown(ctx))
	assert.Equal(t, StateUninitialized, restored.State())

	again, _ := newTestManager(t, kv, nil)
	require.NoError(t, again.Initialize(ctx))
	assert.Equal(t, queryRows(t, again, representativeQuery), slotRows(t, kv, representativeQuery))
	require.NoError(t, again.Shutdown(ctx))
}

func TestAutosave_DuringImport(t *testing.T) {
	kv := newKV(t)
	m, clk := newTestManager(t, kv, func(cfg *Config) { cfg.Interval = 30 * time.Second })
	ctx := context.Background()
	require.NoError(t, m.Initialize(ctx))
	t.Cleanup(func() { m.Shutdown(ctx) })

	saves := make(chan SaveEvent, 8)
	m.OnSave(func(ev SaveEvent) { saves <- ev })
	nextSave := func(reason string) {
		t.Helper()
		select {
		case ev := <-saves:
			assert.Equal(t, reason, ev.Reason)
		case <-time.After(5 * time.Second):
			t.Fatalf("no %s event", reason)
		}
	}

	image, err := m.Snapshot(ctx)
	require.NoError(t, err)
	_, err = m.Exec(ctx, `INSERT INTO suppliers (name) VALUES ('Abarrotes Lupita')`)
	require.NoError(t, err)

	m.Start(ctx)

	gate := &gatedReader{release: make(chan struct{}), r: bytes.NewReader(image)}
	done := make(chan error, 1)
	go func() { done <- m.Import(ctx, gate) }()
	require.Eventually(t, m.importing.Load, 5*time.Second, 10*time.Millisecond)

	// An autosave while the import is still reading completes on the old store.
	require.NoError(t, clk.WaitAdvance(30*time.Second, time.Second, 1))
	nextSave("save")
	assert.Len(t, slotRows(t, kv, `SELECT id FROM suppliers`), 1)

	close(gate.release)
	require.NoError(t, <-done)
	nextSave("import")

	require.NoError(t, clk.WaitAdvance(30*time.Second, time.Second, 1))
	nextSave("save")

	assert.Empty(t, queryRows(t, m, `SELECT id FROM suppliers`))
	assert.Empty(t, slotRows(t, kv, `SELECT id FROM suppliers`), "autosave after the swap writes the imported store")
}
