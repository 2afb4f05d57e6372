// Package coord is the entry point for protected file writes. A Manager
// owns one coordination store and wires the lock, backup, ledger and
// recovery components around it.
package coord

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/mistakeknot/interlock/internal/backup"
	"github.com/mistakeknot/interlock/internal/config"
	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/ledger"
	"github.com/mistakeknot/interlock/internal/liveness"
	"github.com/mistakeknot/interlock/internal/lock"
	"github.com/mistakeknot/interlock/internal/metrics"
	"github.com/mistakeknot/interlock/internal/recovery"
	"github.com/mistakeknot/interlock/internal/storage"
	"github.com/mistakeknot/interlock/internal/storage/sqlite"
)

type Manager struct {
	cfg       config.Config
	root      string
	store     storage.Store
	breaker   func() string
	locks     *lock.Locker
	backups   *backup.Manager
	ledger    *ledger.Ledger
	reclaimer *recovery.Reclaimer
	registry  *core.AgentRegistry
	log       *log.Logger
	bus       *eventBus
	now       func() time.Time
}

type options struct {
	logger  *log.Logger
	checker liveness.Checker
	store   storage.Store
}

type Option func(*options)

func WithLogger(l *log.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithChecker replaces the OS process checker.
func WithChecker(c liveness.Checker) Option {
	return func(o *options) { o.checker = c }
}

// WithStore uses st instead of opening the SQLite store from cfg. The
// Manager takes ownership and closes it.
func WithStore(st storage.Store) Option {
	return func(o *options) { o.store = st }
}

// Open validates cfg, opens the coordination store and wires every
// component. A corrupt store is refused with *core.StorageCorruptionError.
func Open(cfg config.Config, opts ...Option) (*Manager, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	logger := o.logger
	if logger == nil {
		logger = cfg.Logger()
	}
	registry, err := cfg.Registry()
	if err != nil {
		return nil, err
	}
	root := cfg.Root
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}

	m := &Manager{
		cfg:      cfg,
		root:     root,
		registry: registry,
		log:      logger,
		bus:      &eventBus{},
		breaker:  func() string { return "" },
		now:      func() time.Time { return time.Now().UTC() },
	}

	if o.store != nil {
		m.store = o.store
	} else {
		st, err := sqlite.New(cfg.DBPath(), sqlite.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		rs := sqlite.NewResilient(st)
		m.store = rs
		m.breaker = rs.CircuitBreakerState
	}

	checker := o.checker
	if checker == nil {
		checker = liveness.NewOS(logger)
	}
	m.reclaimer = recovery.New(m.store, checker,
		recovery.WithLogger(logger),
		recovery.WithBroadcaster(m.bus),
		recovery.WithConcurrency(cfg.Recovery.Concurrency))
	m.locks = lock.New(m.store, m.reclaimer,
		lock.WithConfig(lock.Config{
			InitialBackoff: cfg.Lock.InitialBackoff,
			MaxBackoff:     cfg.Lock.MaxBackoff,
			LeaseTTL:       cfg.Lock.LeaseTTL,
		}),
		lock.WithLogger(logger),
		lock.WithBroadcaster(m.bus))
	m.backups = backup.New(m.store, root, cfg.BackupDir(),
		backup.WithLogger(logger),
		backup.WithBroadcaster(m.bus),
		backup.WithGuard(m.underLock))
	m.ledger = ledger.New(m.store,
		ledger.WithWriteTimeout(cfg.Ledger.WriteTimeout),
		ledger.WithLogger(logger),
		ledger.WithBroadcaster(m.bus))
	return m, nil
}

func (m *Manager) Close() error {
	return m.store.Close()
}

func (m *Manager) Config() config.Config { return m.cfg }

func (m *Manager) Logger() *log.Logger { return m.log }

func (m *Manager) Reclaimer() *recovery.Reclaimer { return m.reclaimer }

// Subscribe adds b to the receivers of coordination events.
func (m *Manager) Subscribe(b core.Broadcaster) {
	m.bus.add(b)
}

// Holder fingerprints the calling process as agent.
func (m *Manager) Holder(agent string) core.Holder {
	return liveness.Self(agent)
}

// BeginOperation returns a fresh id that groups the writes of a multi-file
// change so they can be rolled back together with RestoreBatch.
func (m *Manager) BeginOperation(name string) string {
	id := uuid.NewString()
	m.log.Info("operation started", "name", name, "operation", id)
	return id
}

// Canonicalize resolves path to the absolute, symlink-free form used as the
// lock key. A file that does not exist yet is resolved through its parent.
func (m *Manager) Canonicalize(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("file path required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	if dir, err := filepath.EvalSymlinks(filepath.Dir(abs)); err == nil {
		return filepath.Join(dir, filepath.Base(abs)), nil
	}
	return abs, nil
}

// WithProtectedWrite runs fn against req.Path while holding the file's lock,
// after a backup of the current contents has been committed and the attempt
// recorded in the ledger. The lock is released on every exit path.
//
// A zero req.Timeout uses the agent kind's configured timeout; a negative one
// makes a single attempt. An empty req.Holder is filled in with the calling
// process, named after req.Kind.
func (m *Manager) WithProtectedWrite(ctx context.Context, req core.WriteRequest, fn core.WriteFunc) (res core.WriteResult, err error) {
	start := m.now()
	if fn == nil {
		return res, fmt.Errorf("write function required")
	}
	path, err := m.Canonicalize(req.Path)
	if err != nil {
		return res, err
	}
	res.FilePath = path

	holder, err := m.resolveHolder(req)
	if err != nil {
		return res, err
	}
	timeout, err := m.resolveTimeout(req)
	if err != nil {
		return res, err
	}

	lk, err := m.locks.Acquire(ctx, path, holder, timeout)
	if err != nil {
		return res, err
	}
	res.LockToken = lk.Token
	res.Waited = lk.AcquiredAt.Sub(start)

	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.Ledger.WriteTimeout)
		defer cancel()
		if _, rerr := m.locks.ReleaseLock(rctx, lk); rerr != nil {
			m.log.Error("release after protected write", "file", path, "token", lk.Token, "err", rerr)
			if err == nil {
				err = rerr
			}
		}
		res.Duration = m.now().Sub(start)
		metrics.ProtectedWriteDuration.Observe(res.Duration.Seconds())
	}()

	attempt := core.ModificationStart{
		FilePath:    path,
		Agent:       holder.Agent,
		LockToken:   lk.Token,
		OperationID: req.OperationID,
	}

	bk, err := m.backups.SnapshotFor(ctx, path, holder.Agent, req.OperationID)
	if err != nil {
		// The attempt still goes in the ledger, as a failure that never ran.
		if id, lerr := m.ledger.RecordStart(ctx, attempt); lerr == nil {
			res.ModificationID = id
			if lerr := m.ledger.RecordFinish(ctx, id, false, err.Error()); lerr != nil {
				m.log.Error("ledger finish", "modification", id, "err", lerr)
			}
		} else {
			m.log.Error("ledger start", "file", path, "err", lerr)
		}
		return res, err
	}
	res.Backup = bk
	attempt.BackupID = bk.ID

	id, err := m.ledger.RecordStart(ctx, attempt)
	if err != nil {
		return res, err
	}
	res.ModificationID = id

	panicked, ferr := runWrite(ctx, path, fn)
	msg := ""
	if ferr != nil {
		msg = ferr.Error()
	}
	if lerr := m.ledger.RecordFinish(ctx, id, ferr == nil, msg); lerr != nil {
		m.log.Error("ledger finish", "modification", id, "err", lerr)
		if ferr == nil {
			return res, lerr
		}
	}
	if ferr != nil {
		return res, &core.ModificationFailure{
			Path:           path,
			ModificationID: id,
			BackupID:       bk.ID,
			Panicked:       panicked,
			Err:            ferr,
		}
	}
	return res, nil
}

// restoreAgent is the holder name used while a backup is copied back.
const restoreAgent = "interlock-restore"

func (m *Manager) underLock(ctx context.Context, path string, fn func() error) error {
	lk, err := m.locks.Acquire(ctx, path, liveness.Self(restoreAgent), m.cfg.Lock.Timeout)
	if err != nil {
		return err
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.Ledger.WriteTimeout)
		defer cancel()
		if _, err := m.locks.ReleaseLock(rctx, lk); err != nil {
			m.log.Error("release after restore", "file", path, "err", err)
		}
	}()
	return fn()
}

func runWrite(ctx context.Context, path string, fn core.WriteFunc) (panicked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return false, fn(ctx, path)
}

func (m *Manager) resolveHolder(req core.WriteRequest) (core.Holder, error) {
	h := req.Holder
	if h.Agent == "" {
		h.Agent = string(req.Kind)
	}
	if h.Agent == "" {
		return core.Holder{}, fmt.Errorf("%w: agent name required", core.ErrInvalidHolder)
	}
	if h.PID == 0 {
		h = liveness.Self(h.Agent)
	}
	return h, nil
}

func (m *Manager) resolveTimeout(req core.WriteRequest) (time.Duration, error) {
	policy, err := m.registry.Policy(req.Kind)
	if err != nil {
		return 0, err
	}
	switch {
	case req.Timeout > 0:
		return req.Timeout, nil
	case req.Timeout < 0:
		return 0, nil
	default:
		return policy.LockTimeout, nil
	}
}

func (m *Manager) Acquire(ctx context.Context, path string, holder core.Holder, timeout time.Duration) (core.LockRecord, error) {
	p, err := m.Canonicalize(path)
	if err != nil {
		return core.LockRecord{}, err
	}
	return m.locks.Acquire(ctx, p, holder, timeout)
}

func (m *Manager) Release(ctx context.Context, token string) (bool, error) {
	return m.locks.Release(ctx, token)
}

func (m *Manager) IsLocked(ctx context.Context, path string) (bool, error) {
	p, err := m.Canonicalize(path)
	if err != nil {
		return false, err
	}
	return m.locks.IsLocked(ctx, p)
}

func (m *Manager) ListActiveLocks(ctx context.Context) ([]core.LockRecord, error) {
	return m.locks.ListActiveLocks(ctx)
}

func (m *Manager) Snapshot(ctx context.Context, path, agent string) (core.BackupRecord, error) {
	p, err := m.Canonicalize(path)
	if err != nil {
		return core.BackupRecord{}, err
	}
	return m.backups.Snapshot(ctx, p, agent)
}

func (m *Manager) Restore(ctx context.Context, backupID string) error {
	return m.backups.Restore(ctx, backupID)
}

func (m *Manager) RestoreBatch(ctx context.Context, operationID string) ([]core.BackupRecord, error) {
	return m.backups.RestoreBatch(ctx, operationID)
}

func (m *Manager) Prune(ctx context.Context, policy core.RetentionPolicy) (backup.PruneReport, error) {
	if policy.FilePath != "" {
		p, err := m.Canonicalize(policy.FilePath)
		if err != nil {
			return backup.PruneReport{}, err
		}
		policy.FilePath = p
	}
	return m.backups.Prune(ctx, policy)
}

func (m *Manager) LatestBackup(ctx context.Context, path string) (core.BackupRecord, error) {
	p, err := m.Canonicalize(path)
	if err != nil {
		return core.BackupRecord{}, err
	}
	return m.backups.Latest(ctx, p)
}

func (m *Manager) ListBackups(ctx context.Context, filter core.BackupFilter) ([]core.BackupRecord, error) {
	if filter.FilePath != "" {
		p, err := m.Canonicalize(filter.FilePath)
		if err != nil {
			return nil, err
		}
		filter.FilePath = p
	}
	return m.backups.List(ctx, filter)
}

func (m *Manager) History(ctx context.Context, path string, limit int) ([]core.ModificationRecord, error) {
	p, err := m.Canonicalize(path)
	if err != nil {
		return nil, err
	}
	return m.ledger.History(ctx, p, limit)
}

func (m *Manager) Recent(ctx context.Context, limit int) ([]core.ModificationRecord, error) {
	return m.ledger.Recent(ctx, limit)
}

func (m *Manager) CleanupStaleLocks(ctx context.Context) ([]core.LockRecord, error) {
	return m.reclaimer.CleanupStaleLocks(ctx)
}

// LockStatus is a lock row as seen by an operator.
type LockStatus struct {
	core.LockRecord
	State   core.LockState `json:"state"`
	Age     time.Duration  `json:"age"`
	Overdue bool           `json:"overdue"`
}

type Status struct {
	Locks   []LockStatus              `json:"locks"`
	Recent  []core.ModificationRecord `json:"recent"`
	Store   string                    `json:"store"`
	Breaker string                    `json:"breaker,omitempty"`
}

const statusRecent = 10

// Status reports the active locks with their liveness and the latest ledger
// entries. With file set, only that file is reported.
func (m *Manager) Status(ctx context.Context, file string) (Status, error) {
	st := Status{Store: m.cfg.DBPath(), Breaker: m.breaker()}
	var locks []core.LockRecord
	if file != "" {
		p, err := m.Canonicalize(file)
		if err != nil {
			return Status{}, err
		}
		rec, err := m.locks.Holder(ctx, p)
		switch {
		case err == nil:
			locks = []core.LockRecord{rec}
		case !errors.Is(err, core.ErrNotFound):
			return Status{}, err
		}
		if st.Recent, err = m.ledger.History(ctx, p, statusRecent); err != nil {
			return Status{}, err
		}
	} else {
		var err error
		if locks, err = m.locks.ListActiveLocks(ctx); err != nil {
			return Status{}, err
		}
		if st.Recent, err = m.ledger.Recent(ctx, statusRecent); err != nil {
			return Status{}, err
		}
	}
	now := m.now()
	st.Locks = make([]LockStatus, 0, len(locks))
	for _, rec := range locks {
		st.Locks = append(st.Locks, LockStatus{
			LockRecord: rec,
			State:      m.reclaimer.Classify(ctx, rec),
			Age:        now.Sub(rec.AcquiredAt),
			Overdue:    rec.Overdue(now),
		})
	}
	return st, nil
}

// RelPath renders path relative to the project root when it lies inside it.
func (m *Manager) RelPath(path string) string {
	rel, err := filepath.Rel(m.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return path
	}
	return rel
}

// eventBus fans events out to subscribers added after the components were
// built.
type eventBus struct {
	mu   sync.RWMutex
	subs []core.Broadcaster
}

func (b *eventBus) add(s core.Broadcaster) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, s)
}

func (b *eventBus) Broadcast(ev core.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		s.Broadcast(ev)
	}
}
