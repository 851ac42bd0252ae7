package worker

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rcliao/persona-fleet/internal/config"
	"github.com/rcliao/persona-fleet/internal/model"
	"github.com/rcliao/persona-fleet/internal/store"
	"github.com/rcliao/persona-fleet/internal/transport"
)

var (
	// ErrAlreadyRunning is returned by Start for an account whose worker is live.
	ErrAlreadyRunning = errors.New("worker already running")
	// ErrNotRunning is returned by Stop for an account without a worker.
	ErrNotRunning = errors.New("worker not running")
)

const (
	startParallelism = 4
	notifyTimeout    = 10 * time.Second
)

// AccountRepository is what the fleet needs from the store.
type AccountRepository interface {
	GetAccount(ctx context.Context, id int64) (*model.Account, error)
	GetPersona(ctx context.Context, name string) (*model.Persona, error)
	ListAccounts(ctx context.Context, activeOnly bool) ([]model.Account, error)
	DeleteAccount(ctx context.Context, id int64) error
}

type entry struct {
	worker *Worker
	tr     transport.Transport
	cancel context.CancelFunc
	done   chan struct{}
}

// Fleet supervises workers. Workers are never restarted automatically; a
// faulted worker stays listed until it is stopped or started again.
type Fleet struct {
	accounts AccountRepository
	factory  transport.Factory
	deps     Deps
	owner    config.OwnerConfig
	log      *zap.Logger

	base   context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	starting map[int64]bool
	workers  map[int64]*entry

	// OnTurn, if set, is attached to every worker started afterwards.
	OnTurn func(model.InboundEvent, TurnResult)
	// Debounce is copied to every worker started afterwards.
	Debounce time.Duration
}

// NewFleet creates a supervisor. deps.Notifier is replaced by the fleet,
// which forwards notifications to the owner chats.
func NewFleet(accounts AccountRepository, factory transport.Factory, deps Deps, owner config.OwnerConfig, log *zap.Logger) *Fleet {
	if log == nil {
		log = zap.NewNop()
	}
	base, cancel := context.WithCancel(context.Background())
	f := &Fleet{
		accounts: accounts,
		factory:  factory,
		owner:    owner,
		log:      log.Named("fleet"),
		base:     base,
		cancel:   cancel,
		starting: make(map[int64]bool),
		workers:  make(map[int64]*entry),
	}
	deps.Notifier = f
	if deps.Log == nil {
		deps.Log = log
	}
	f.deps = deps
	return f
}

// Start connects and runs the worker for accountID. The worker outlives ctx;
// ctx only bounds loading and connecting.
func (f *Fleet) Start(ctx context.Context, accountID int64) error {
	f.mu.Lock()
	if f.starting[accountID] {
		f.mu.Unlock()
		return ErrAlreadyRunning
	}
	if e, ok := f.workers[accountID]; ok {
		if st, _ := e.worker.State(); st != model.StateFaulted && st != model.StateStopped {
			f.mu.Unlock()
			return ErrAlreadyRunning
		}
	}
	f.starting[accountID] = true
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		delete(f.starting, accountID)
		f.mu.Unlock()
	}()

	// Clear a faulted predecessor before connecting again.
	if err := f.Stop(accountID); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}

	acct, err := f.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return fmt.Errorf("load account: %w", err)
	}
	var persona *model.Persona
	if acct.PersonaName != "" {
		persona, err = f.accounts.GetPersona(ctx, acct.PersonaName)
		if errors.Is(err, store.ErrNotFound) {
			f.log.Warn("persona not found, using default", zap.Int64("account", accountID), zap.String("persona", acct.PersonaName))
		} else if err != nil {
			return fmt.Errorf("load persona: %w", err)
		}
	}

	tr, err := f.factory(ctx, accountID)
	if err != nil {
		return fmt.Errorf("connect account %d: %w", accountID, err)
	}

	pipe := NewPipeline(f.deps, *acct, persona, tr)
	w := NewWorker(*acct, tr, pipe, f, f.deps.Log)
	w.OnTurn = f.OnTurn
	w.Debounce = f.Debounce
	w.setState(model.StateStarting, nil)

	runCtx, cancel := context.WithCancel(f.base)
	e := &entry{worker: w, tr: tr, cancel: cancel, done: make(chan struct{})}

	f.mu.Lock()
	f.workers[accountID] = e
	f.mu.Unlock()

	go func() {
		defer close(e.done)
		w.Run(runCtx)
	}()
	f.log.Info("account started", zap.Int64("account", accountID), zap.String("name", acct.Name))
	return nil
}

// StartAll starts every active account. It returns the first failure after
// attempting all of them.
func (f *Fleet) StartAll(ctx context.Context) error {
	accts, err := f.accounts.ListAccounts(ctx, true)
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}
	var g errgroup.Group
	g.SetLimit(startParallelism)
	for _, a := range accts {
		g.Go(func() error {
			if err := f.Start(ctx, a.ID); err != nil && !errors.Is(err, ErrAlreadyRunning) {
				f.log.Error("start account", zap.Int64("account", a.ID), zap.Error(err))
				return fmt.Errorf("account %d: %w", a.ID, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Stop cancels the worker, waits for its in-flight turn to unwind and closes
// its transport. Pending delivery is abandoned; nothing more is sent.
func (f *Fleet) Stop(accountID int64) error {
	f.mu.Lock()
	e, ok := f.workers[accountID]
	delete(f.workers, accountID)
	f.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}

	e.cancel()
	<-e.done
	if err := e.tr.Close(); err != nil {
		f.log.Debug("close transport", zap.Int64("account", accountID), zap.Error(err))
	}
	f.log.Info("account stopped", zap.Int64("account", accountID))
	return nil
}

// StopAll stops every worker concurrently.
func (f *Fleet) StopAll() {
	f.mu.Lock()
	ids := make([]int64, 0, len(f.workers))
	for id := range f.workers {
		ids = append(ids, id)
	}
	f.mu.Unlock()

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			f.Stop(id)
			return nil
		})
	}
	g.Wait()
}

// Close stops every worker and releases the fleet.
func (f *Fleet) Close() {
	f.StopAll()
	f.cancel()
}

// Delete stops the account's worker and removes the account with all of its
// stored state.
func (f *Fleet) Delete(ctx context.Context, accountID int64) error {
	if err := f.Stop(accountID); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	return f.accounts.DeleteAccount(ctx, accountID)
}

// WorkerStatus describes one supervised worker.
type WorkerStatus struct {
	AccountID int64         `json:"account_id"`
	Name      string        `json:"name"`
	State     string        `json:"state"`
	Error     string        `json:"error,omitempty"`
	Stats     StatsSnapshot `json:"stats"`
}

// Status lists workers ordered by account id.
func (f *Fleet) Status() []WorkerStatus {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]WorkerStatus, 0, len(f.workers))
	for id, e := range f.workers {
		st, err := e.worker.State()
		ws := WorkerStatus{
			AccountID: id,
			Name:      e.worker.account.Name,
			State:     st.String(),
			Stats:     e.worker.pipe.Stats().Snapshot(),
		}
		if err != nil {
			ws.Error = err.Error()
		}
		out = append(out, ws)
	}
	slices.SortFunc(out, func(a, b WorkerStatus) int { return cmp.Compare(a.AccountID, b.AccountID) })
	return out
}

// Notify logs msg and, when an owner notification account is running,
// sends it to every owner chat through that account.
func (f *Fleet) Notify(ctx context.Context, accountID int64, msg string) {
	f.log.Warn("owner notification", zap.Int64("account", accountID), zap.String("msg", msg))
	if f.owner.NotifyAccountID == 0 || len(f.owner.ChatIDs) == 0 {
		return
	}

	f.mu.Lock()
	e, ok := f.workers[f.owner.NotifyAccountID]
	f.mu.Unlock()
	if !ok {
		return
	}
	if st, _ := e.worker.State(); st != model.StateRunning {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()
	for _, chat := range f.owner.ChatIDs {
		if err := e.tr.SendText(ctx, chat, msg, 0); err != nil {
			f.log.Warn("owner notification failed", zap.Int64("chat", chat), zap.Error(err))
		}
	}
}
