// Package store owns the live in-memory database and keeps it durable.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/sirupsen/logrus"

	"retail-pos/internal/snapshot"
	"retail-pos/internal/storage"
)

var (
	// ErrEngineInit is returned when no usable store could be produced.
	ErrEngineInit = snapshot.ErrEngineInit
	// ErrImportInProgress rejects an import while another one is pending.
	ErrImportInProgress = errors.New("import already in progress")
	// ErrNotReady is returned by operations issued before Initialize or after Shutdown.
	ErrNotReady = errors.New("store is not ready")
	// ErrRemoteDisabled is returned by remote backup operations when no mirror is configured.
	ErrRemoteDisabled = errors.New("remote backup is not configured")
)

const defaultAutosaveInterval = 30 * time.Second

// State is the lifecycle state of the manager.
type State int32

const (
	StateUninitialized State = iota
	StateRestoring
	StateBootstrapping
	StateReady
	StateSaving
	StateReplacing
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateRestoring:
		return "restoring"
	case StateBootstrapping:
		return "bootstrapping"
	case StateReady:
		return "ready"
	case StateSaving:
		return "saving"
	case StateReplacing:
		return "replacing"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Querier is the statement surface lent to View and Update callbacks.
// Both *sql.DB and *sql.Tx satisfy it.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Bootstrapper brings a handle up to the current schema inside tx. fresh is
// set only for a brand new store.
type Bootstrapper interface {
	Bootstrap(ctx context.Context, tx *sql.Tx, fresh bool) error
}

type Config struct {
	// Interval between autosaves. Defaults to 30s.
	Interval  time.Duration
	ExportDir string
	Clock     clock.Clock
	Logger    *logrus.Logger

	// Remote, when set, receives a copy of every export artifact.
	Remote       storage.Service
	RemoteBucket string
	RemotePrefix string
}

// SaveEvent is delivered to OnSave subscribers after the durability slot was
// written.
type SaveEvent struct {
	SavedAt time.Time
	Size    int
	Reason  string
}

// Manager owns the single live store handle. Statements share the gate;
// saving and swapping the handle take it exclusively.
type Manager struct {
	cfg   Config
	codec *snapshot.Codec
	kv    storage.KV
	guard Bootstrapper
	log   *logrus.Entry

	gate  sync.RWMutex
	db    *sql.DB
	state atomic.Int32

	importing atomic.Bool

	hookMu    sync.Mutex
	onSave    []func(SaveEvent)
	onReplace []func(context.Context)

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewManager(cfg Config, codec *snapshot.Codec, kv storage.KV, guard Bootstrapper) *Manager {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultAutosaveInterval
	}
	if cfg.ExportDir == "" {
		cfg.ExportDir = "exports"
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if codec == nil {
		codec = snapshot.NewCodec()
	}
	return &Manager{
		cfg:   cfg,
		codec: codec,
		kv:    kv,
		guard: guard,
		log:   cfg.Logger.WithField("component", "store"),
	}
}

func (m *Manager) State() State {
	return State(m.state.Load())
}

func (m *Manager) setState(s State) {
	m.state.Store(int32(s))
}

// OnSave registers fn to run after every successful write of the durability
// slot, including the one that follows an import.
func (m *Manager) OnSave(fn func(SaveEvent)) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.onSave = append(m.onSave, fn)
}

// OnReplace registers fn to run after an import replaced the live handle.
func (m *Manager) OnReplace(fn func(context.Context)) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.onReplace = append(m.onReplace, fn)
}

// Initialize restores the store from the durability slot, or bootstraps and
// saves a fresh one when the slot is empty. A slot that cannot be restored is
// an error; it is never replaced by a fresh store.
func (m *Manager) Initialize(ctx context.Context) error {
	if !m.state.CompareAndSwap(int32(StateUninitialized), int32(StateRestoring)) {
		return fmt.Errorf("initialize: store is %s", m.State())
	}

	start := time.Now()
	fresh, err := m.initialize(ctx)
	observe("initialize", start, err)
	if err != nil {
		m.setState(StateUninitialized)
		return err
	}

	if fresh {
		if err := m.Save(ctx); err != nil {
			return fmt.Errorf("save bootstrapped store: %w", err)
		}
	}
	return nil
}

func (m *Manager) initialize(ctx context.Context) (bool, error) {
	raw, err := m.kv.Get(ctx, storage.DatabaseSlot)
	switch {
	case err == nil:
		db, err := m.restore(ctx, raw)
		if err != nil {
			return false, fmt.Errorf("%w: restore durable snapshot: %w", ErrEngineInit, err)
		}
		m.install(db)
		m.log.Info("store restored from durable snapshot")
		return false, nil
	case errors.Is(err, storage.ErrKeyNotFound):
	default:
		return false, fmt.Errorf("%w: read durable snapshot: %w", ErrEngineInit, err)
	}

	m.setState(StateBootstrapping)
	db, err := m.codec.Open(ctx)
	if err != nil {
		return false, err
	}
	if err := m.bootstrap(ctx, db, true); err != nil {
		db.Close()
		return false, fmt.Errorf("%w: bootstrap store: %w", ErrEngineInit, err)
	}
	m.install(db)
	m.log.Info("bootstrapped new store")
	return true, nil
}

func (m *Manager) restore(ctx context.Context, raw []byte) (*sql.DB, error) {
	image, savedAt, err := snapshot.DecodeEnvelope(raw)
	if err != nil {
		return nil, err
	}
	db, err := m.codec.Deserialize(ctx, image)
	if err != nil {
		return nil, err
	}
	if err := m.bootstrap(ctx, db, false); err != nil {
		db.Close()
		return nil, err
	}
	m.log.WithField("saved_at", savedAt).Debug("durable snapshot loaded")
	return db, nil
}

func (m *Manager) install(db *sql.DB) {
	m.gate.Lock()
	m.db = db
	m.setState(StateReady)
	m.gate.Unlock()
}

func (m *Manager) bootstrap(ctx context.Context, db *sql.DB, fresh bool) error {
	if m.guard == nil {
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin bootstrap: %w", err)
	}
	if err := m.guard.Bootstrap(ctx, tx, fresh); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit bootstrap: %w", err)
	}
	return nil
}

// Save serializes the live handle and overwrites the durability slot.
func (m *Manager) Save(ctx context.Context) error {
	start := time.Now()
	ev, err := m.save(ctx)
	observe("save", start, err)
	if err != nil {
		return err
	}
	m.emitSave(ev)
	return nil
}

func (m *Manager) save(ctx context.Context) (SaveEvent, error) {
	m.gate.Lock()
	defer m.gate.Unlock()

	if m.db == nil || m.State() != StateReady {
		return SaveEvent{}, ErrNotReady
	}
	m.setState(StateSaving)
	defer m.setState(StateReady)

	return m.persistLocked(ctx, "save")
}

// persistLocked writes the live handle to the durability slot. The caller
// holds the gate exclusively.
func (m *Manager) persistLocked(ctx context.Context, reason string) (SaveEvent, error) {
	image, err := m.codec.Serialize(ctx, m.db)
	if err != nil {
		return SaveEvent{}, err
	}

	now := m.cfg.Clock.Now()
	raw, err := snapshot.EncodeEnvelope(image, now)
	if err != nil {
		return SaveEvent{}, err
	}
	if err := m.kv.Set(ctx, storage.DatabaseSlot, raw); err != nil {
		return SaveEvent{}, fmt.Errorf("write durable snapshot: %w", err)
	}

	snapshotSizeGauge.Set(float64(len(image)))
	lastSaveGauge.Set(float64(now.Unix()))
	return SaveEvent{SavedAt: now, Size: len(image), Reason: reason}, nil
}

func (m *Manager) emitSave(ev SaveEvent) {
	m.hookMu.Lock()
	hooks := append([]func(SaveEvent){}, m.onSave...)
	m.hookMu.Unlock()

	for _, fn := range hooks {
		fn(ev)
	}
}

func (m *Manager) emitReplace(ctx context.Context) {
	m.hookMu.Lock()
	hooks := append([]func(context.Context){}, m.onReplace...)
	m.hookMu.Unlock()

	for _, fn := range hooks {
		fn(ctx)
	}
}

// Start runs the autosave loop until ctx is cancelled or Shutdown is called.
func (m *Manager) Start(ctx context.Context) {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.cancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.autosave(loopCtx, m.done)
	m.log.Infof("autosave started, interval %s", m.cfg.Interval)
}

func (m *Manager) autosave(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.cfg.Clock.After(m.cfg.Interval):
			if err := m.Save(ctx); err != nil {
				if errors.Is(err, ErrNotReady) || ctx.Err() != nil {
					continue
				}
				m.log.WithError(err).Warn("autosave failed")
			}
		}
	}
}

// Shutdown stops the autosave loop, writes a final save and closes the handle.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.loopMu.Lock()
	if m.cancel != nil {
		m.cancel()
		<-m.done
		m.cancel = nil
	}
	m.loopMu.Unlock()

	var saveErr error
	if m.State() == StateReady {
		saveErr = m.Save(ctx)
		if saveErr != nil {
			m.log.WithError(saveErr).Error("final save failed")
		}
	}

	m.gate.Lock()
	defer m.gate.Unlock()
	if m.db != nil {
		if err := m.db.Close(); err != nil && saveErr == nil {
			saveErr = fmt.Errorf("close store: %w", err)
		}
		m.db = nil
	}
	m.setState(StateUninitialized)
	m.log.Info("store stopped")
	return saveErr
}

// Snapshot returns the database image of the live handle.
func (m *Manager) Snapshot(ctx context.Context) ([]byte, error) {
	m.gate.RLock()
	defer m.gate.RUnlock()

	if m.db == nil {
		return nil, ErrNotReady
	}
	return m.codec.Serialize(ctx, m.db)
}
