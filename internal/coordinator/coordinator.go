// Package coordinator schedules and runs sync cycles between the local store
// and the remote authority.
//
// A cycle pushes every unsynced outbox entry, then pulls remote changes
// after the persisted cursor and reconciles them through the conflict
// resolver. At most one cycle runs at a time; a trigger that arrives while a
// cycle is running is dropped, not queued.
//
// Cycles are triggered by:
//   - local writes (Enqueue), debounced so bursts coalesce
//   - a periodic timer (SyncInterval)
//   - every offline to online transition
//   - explicit calls to TriggerSync and ForceSyncNow
//
// After a failed cycle, timer and debounce triggers back off exponentially
// from BackoffMin to BackoffMax. Connectivity transitions and explicit calls
// ignore the backoff.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mschirtzinger/tasksync/internal/conflict"
	"github.com/mschirtzinger/tasksync/internal/connectivity"
	"github.com/mschirtzinger/tasksync/internal/outbox"
	"github.com/mschirtzinger/tasksync/internal/remote"
	"github.com/mschirtzinger/tasksync/internal/schema"
	"github.com/mschirtzinger/tasksync/internal/store"
	"github.com/mschirtzinger/tasksync/internal/syncerr"
	"github.com/mschirtzinger/tasksync/internal/syncstate"
)

// Session is the part of the authenticated session the coordinator needs.
type Session interface {
	Authenticated() bool
	Invalidate(reason error)
	Logout() error
}

// Deps are the collaborators of a Coordinator.
type Deps struct {
	Store        *store.DB
	Outbox       *outbox.Queue
	Gateway      remote.Gateway
	Connectivity connectivity.Observer
	Session      Session
	State        *syncstate.Publisher
	Logger       *log.Logger
}

// Config holds configuration for the coordinator.
type Config struct {
	// DebounceInterval is how long after the last local write to wait
	// before syncing. Bursts of writes coalesce into one cycle.
	DebounceInterval time.Duration

	// SyncInterval is the period of the background timer
	SyncInterval time.Duration

	// RequestTimeout bounds each remote call
	RequestTimeout time.Duration

	// BackoffMin and BackoffMax bound the delay after failed cycles
	BackoffMin time.Duration
	BackoffMax time.Duration

	// Retention is how long synced outbox entries are kept
	Retention time.Duration

	// MaxPullPages caps the pages fetched in one cycle
	MaxPullPages int

	// Now is the clock (nil = time.Now)
	Now func() time.Time

	// OnEntryRejected is called for every entry the remote refuses
	OnEntryRejected func(entry schema.OutboxEntry, reason string)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 750 * time.Millisecond,
		SyncInterval:     5 * time.Minute,
		RequestTimeout:   30 * time.Second,
		BackoffMin:       2 * time.Second,
		BackoffMax:       5 * time.Minute,
		Retention:        7 * 24 * time.Hour,
		MaxPullPages:     20,
		Now:              time.Now,
	}
}

// Outcome is how a trigger ended.
type Outcome string

const (
	// OutcomeBusy means another cycle was running; the trigger was dropped.
	OutcomeBusy Outcome = "busy"
	// OutcomeSkipped means the device was offline or unauthenticated.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeCompleted means push and pull both finished.
	OutcomeCompleted Outcome = "completed"
	// OutcomeFailed means the cycle aborted; see SyncState.LastError.
	OutcomeFailed Outcome = "failed"
)

// CycleResult summarizes one trigger.
type CycleResult struct {
	Outcome  Outcome
	Pushed   int // entries submitted
	Accepted int
	Rejected int
	Missing  int // submitted but absent from the ack map
	Pulled   int // remote entities received
	Applied  int // remote entities written locally
	Pages    int
	Duration time.Duration
}

func (r CycleResult) String() string {
	switch r.Outcome {
	case OutcomeCompleted, OutcomeFailed:
		return fmt.Sprintf("%s: pushed %d (accepted %d, rejected %d, missing %d), pulled %d in %d page(s), applied %d, took %s",
			r.Outcome, r.Pushed, r.Accepted, r.Rejected, r.Missing, r.Pulled, r.Pages, r.Applied, r.Duration.Round(time.Millisecond))
	}
	return string(r.Outcome)
}

// LocalCommit confirms that a mutation and its outbox entry are durable.
// Remote acknowledgment is observed later through SyncState.
type LocalCommit struct {
	Entry       *schema.OutboxEntry
	CommittedAt time.Time
}

// Coordinator runs sync cycles.
type Coordinator struct {
	deps     Deps
	config   *Config
	resolver *conflict.Resolver
	logger   *log.Logger

	syncing atomic.Bool

	// Signals to the scheduling loop. Each has capacity one and senders
	// never block, so repeated signals coalesce.
	kick           chan struct{}
	cancelDebounce chan struct{}
	online         chan struct{}
	retry          chan struct{}
	interval       chan struct{}

	mu          sync.Mutex
	failures    int
	nextAttempt time.Time
	started     bool
	unsubscribe func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a coordinator. Call Initialize to restore state and start
// background scheduling.
func New(deps Deps, config *Config) (*Coordinator, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if deps.Outbox == nil {
		return nil, fmt.Errorf("outbox cannot be nil")
	}
	if deps.Gateway == nil {
		return nil, fmt.Errorf("gateway cannot be nil")
	}
	if deps.Connectivity == nil {
		return nil, fmt.Errorf("connectivity observer cannot be nil")
	}
	if deps.Session == nil {
		return nil, fmt.Errorf("session cannot be nil")
	}
	if deps.State == nil {
		deps.State = syncstate.NewPublisher(syncstate.State{})
	}
	if deps.Logger == nil {
		deps.Logger = log.New(os.Stderr, "[coordinator] ", log.LstdFlags)
	}

	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = defaults.DebounceInterval
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = defaults.SyncInterval
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaults.RequestTimeout
	}
	if config.BackoffMin <= 0 {
		config.BackoffMin = defaults.BackoffMin
	}
	if config.BackoffMax < config.BackoffMin {
		config.BackoffMax = max(defaults.BackoffMax, config.BackoffMin)
	}
	if config.Retention <= 0 {
		config.Retention = defaults.Retention
	}
	if config.MaxPullPages <= 0 {
		config.MaxPullPages = defaults.MaxPullPages
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Coordinator{
		deps:           deps,
		config:         config,
		resolver:       conflict.New(),
		logger:         deps.Logger,
		kick:           make(chan struct{}, 1),
		cancelDebounce: make(chan struct{}, 1),
		online:         make(chan struct{}, 1),
		retry:          make(chan struct{}, 1),
		interval:       make(chan struct{}, 1),
		ctx:            ctx,
		cancel:         cancel,
	}, nil
}

// State returns the read-only view of the sync state.
func (c *Coordinator) State() syncstate.Reader {
	return c.deps.State
}

// Initialize restores the persisted sync status, subscribes to
// connectivity, starts the background timer and, when authenticated, runs
// one cycle. A failure of that first cycle is recorded in SyncState, not
// returned.
func (c *Coordinator) Initialize(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("coordinator already initialized")
	}
	c.started = true
	c.mu.Unlock()

	meta, err := c.deps.Store.LoadSyncMeta(ctx)
	if err != nil {
		return fmt.Errorf("failed to load sync metadata: %w", err)
	}
	pending, err := c.deps.Outbox.PendingCount(ctx)
	if err != nil {
		return fmt.Errorf("failed to count pending entries: %w", err)
	}

	c.deps.State.Set(syncstate.State{
		LastSyncAt:       meta.LastSyncAt,
		PendingCount:     pending,
		LastError:        syncerr.Kind(meta.LastError),
		LastErrorMessage: meta.LastErrorMessage,
	})
	pendingGauge.Set(float64(pending))

	unsubscribe := c.deps.Connectivity.OnChange(func(online bool) {
		if online {
			signal(c.online)
		}
	})
	c.mu.Lock()
	c.unsubscribe = unsubscribe
	c.mu.Unlock()

	c.wg.Add(1)
	go c.loop()

	c.logger.Printf("Initialized (pending=%d, cursor=%q)", pending, meta.Cursor)

	if c.deps.Session.Authenticated() {
		res, err := c.TriggerSync(ctx)
		if err != nil {
			c.logger.Printf("Initial sync failed: %v", err)
		} else {
			c.logger.Printf("Initial sync %s", res)
		}
	}
	return nil
}

// TriggerSync runs one cycle now unless one is already running, in which
// case it returns OutcomeBusy immediately.
func (c *Coordinator) TriggerSync(ctx context.Context) (CycleResult, error) {
	if !c.syncing.CompareAndSwap(false, true) {
		cyclesTotal.WithLabelValues(string(OutcomeBusy)).Inc()
		return CycleResult{Outcome: OutcomeBusy}, nil
	}
	defer c.syncing.Store(false)
	// A panicking cycle must not leave IsSyncing published.
	defer c.deps.State.Update(func(s *syncstate.State) { s.IsSyncing = false })

	res, err := c.runCycle(ctx)
	cyclesTotal.WithLabelValues(string(res.Outcome)).Inc()
	return res, err
}

// ForceSyncNow drops any pending debounce and runs a cycle immediately,
// ignoring backoff.
func (c *Coordinator) ForceSyncNow(ctx context.Context) (CycleResult, error) {
	signal(c.cancelDebounce)
	return c.TriggerSync(ctx)
}

// Enqueue runs mutate and appends the outbox entry for payload in one write
// block, then schedules a debounced sync. On error nothing was written.
// Errors from mutate are returned unchanged.
func (c *Coordinator) Enqueue(ctx context.Context, entityID string, payload schema.Payload, mutate func(tx *store.Tx) error) (*LocalCommit, error) {
	var entry *schema.OutboxEntry
	err := c.deps.Store.AtomicWrite(ctx, func(tx *store.Tx) error {
		if mutate != nil {
			if err := mutate(tx); err != nil {
				return err
			}
		}
		e, err := c.deps.Outbox.Append(ctx, tx, entityID, payload)
		if err != nil {
			return err
		}
		entry = e
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.refreshPending(ctx, func(s *syncstate.State) { s.PendingCount++ })
	signal(c.kick)

	return &LocalCommit{Entry: entry, CommittedAt: c.config.Now()}, nil
}

// SetSyncInterval changes the background timer period.
func (c *Coordinator) SetSyncInterval(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("sync interval must be positive")
	}
	c.mu.Lock()
	c.config.SyncInterval = d
	c.mu.Unlock()

	// The loop reads the period from the config, so one pending signal
	// covers any number of calls.
	signal(c.interval)
	c.logger.Printf("Sync interval set to %s", d)
	return nil
}

// Logout waits for any running cycle, then clears the outbox, cursor,
// persisted status, tasks and session token, and resets SyncState.
func (c *Coordinator) Logout(ctx context.Context) error {
	for !c.syncing.CompareAndSwap(false, true) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	defer c.syncing.Store(false)

	signal(c.cancelDebounce)

	if err := c.deps.Store.Reset(ctx); err != nil {
		return fmt.Errorf("failed to clear local state: %w", err)
	}
	if err := c.deps.Session.Logout(); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}

	c.mu.Lock()
	c.failures = 0
	c.nextAttempt = time.Time{}
	c.mu.Unlock()

	c.deps.State.Set(syncstate.State{})
	pendingGauge.Set(0)
	c.logger.Println("Logged out; local state cleared")
	return nil
}

// Close stops background scheduling and waits for it to finish. A cycle
// started by the loop is cancelled.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	c.cancel()
	c.wg.Wait()
	return nil
}

// runCycle executes push then pull. The caller holds the syncing guard.
func (c *Coordinator) runCycle(ctx context.Context) (CycleResult, error) {
	res := CycleResult{}

	if !c.deps.Connectivity.Online() || !c.deps.Session.Authenticated() {
		res.Outcome = OutcomeSkipped
		return res, nil
	}

	start := c.config.Now()
	c.deps.State.Update(func(s *syncstate.State) { s.IsSyncing = true })

	err := c.push(ctx, &res)
	if err == nil {
		err = c.pull(ctx, &res)
	}

	res.Duration = c.config.Now().Sub(start)
	cycleDuration.Observe(res.Duration.Seconds())

	if err != nil {
		res.Outcome = OutcomeFailed
		c.recordFailure(ctx, err)
		return res, err
	}

	res.Outcome = OutcomeCompleted
	c.recordSuccess(ctx)
	return res, nil
}

// push submits every unsynced entry in one batch and applies the verdicts.
func (c *Coordinator) push(ctx context.Context, res *CycleResult) error {
	entries, err := c.deps.Outbox.ListUnsynced(ctx)
	if err != nil {
		return fmt.Errorf("push: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	groups, err := remote.GroupEntries(entries)
	if err != nil {
		return fmt.Errorf("push: %w: %w", syncerr.ErrLocalStorage, err)
	}
	res.Pushed = len(entries)

	callCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	acks, err := c.deps.Gateway.ApplyChanges(callCtx, groups)
	cancel()
	if err != nil {
		return fmt.Errorf("push: %w", classify(err))
	}

	var accepted []string
	for _, entry := range entries {
		ack, ok := acks[entry.ID]
		switch {
		case !ok:
			res.Missing++
		case ack.Accepted():
			accepted = append(accepted, entry.ID)
		default:
			res.Rejected++
			c.reject(ctx, entry, ack.Reason)
		}
	}
	res.Accepted = len(accepted)

	acksTotal.WithLabelValues("accepted").Add(float64(res.Accepted))
	acksTotal.WithLabelValues("rejected").Add(float64(res.Rejected))
	acksTotal.WithLabelValues("missing").Add(float64(res.Missing))

	if res.Missing > 0 {
		c.logger.Printf("Remote did not acknowledge %d of %d entries; they stay pending", res.Missing, res.Pushed)
	}

	// Marking after the remote has acknowledged means a crash here only
	// causes a replay, which the remote deduplicates by entry id.
	if err := c.deps.Outbox.MarkSynced(ctx, accepted); err != nil {
		return fmt.Errorf("push: %w", err)
	}
	return nil
}

func (c *Coordinator) reject(ctx context.Context, entry schema.OutboxEntry, reason string) {
	if reason == "" {
		reason = "no reason given"
	}
	msg := fmt.Sprintf("%v: %s", syncerr.ErrEntryRejected, reason)
	c.logger.Printf("Entry %s (%s %s/%s) rejected: %s", entry.ID, entry.Operation, entry.EntityType, entry.EntityID, reason)

	if err := c.deps.Outbox.RecordFailure(ctx, entry.ID, msg); err != nil {
		c.logger.Printf("Warning: failed to record rejection of %s: %v", entry.ID, err)
	}
	if hook := c.config.OnEntryRejected; hook != nil {
		entry.AttemptCount++
		entry.LastError = msg
		hook(entry, reason)
	}
}

// pull fetches pages after the persisted cursor. Each page is resolved,
// applied and its cursor saved in one write block, so the cursor never
// moves past changes that were not applied.
func (c *Coordinator) pull(ctx context.Context, res *CycleResult) error {
	meta, err := c.deps.Store.LoadSyncMeta(ctx)
	if err != nil {
		return fmt.Errorf("pull: %w", err)
	}
	cursor := meta.Cursor

	for page := 0; page < c.config.MaxPullPages; page++ {
		callCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
		set, err := c.deps.Gateway.FetchChanges(callCtx, cursor)
		cancel()
		if err != nil {
			return fmt.Errorf("pull: %w", classify(err))
		}

		applied := 0
		err = c.deps.Store.AtomicWrite(ctx, func(tx *store.Tx) error {
			view := conflict.NewTxView(tx, c.deps.Outbox)
			for _, e := range set.Entities {
				action, err := c.resolver.Resolve(ctx, view, e)
				if err != nil {
					return err
				}
				if err := conflict.Apply(ctx, tx, action, e); err != nil {
					return fmt.Errorf("failed to apply %s to %s: %w", action, e.ID, err)
				}
				if action != conflict.ActionSkip {
					applied++
				}
			}
			if set.NextCursor != "" && set.NextCursor != cursor {
				return tx.SaveCursor(ctx, set.NextCursor)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("pull: page %d: %w", page+1, err)
		}

		res.Pages++
		res.Pulled += len(set.Entities)
		res.Applied += applied
		if set.NextCursor != "" {
			cursor = set.NextCursor
		}

		if !set.HasMore {
			return nil
		}
	}

	c.logger.Printf("Pull stopped after %d pages; the rest follows next cycle", c.config.MaxPullPages)
	return nil
}

func (c *Coordinator) recordSuccess(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	now := c.config.Now()

	if n, err := c.deps.Outbox.PruneSynced(ctx, now.Add(-c.config.Retention)); err != nil {
		c.logger.Printf("Warning: failed to prune outbox: %v", err)
	} else if n > 0 {
		c.logger.Printf("Pruned %d synced outbox entries", n)
	}

	if err := c.deps.Store.SaveSyncStatus(ctx, &now, "", ""); err != nil {
		c.logger.Printf("Warning: failed to persist sync status: %v", err)
	}

	c.mu.Lock()
	c.failures = 0
	c.nextAttempt = time.Time{}
	c.mu.Unlock()

	c.refreshPending(ctx, func(s *syncstate.State) {
		s.IsSyncing = false
		s.LastSyncAt = &now
		s.LastError = syncerr.KindNone
		s.LastErrorMessage = ""
	})
}

func (c *Coordinator) recordFailure(ctx context.Context, err error) {
	ctx = context.WithoutCancel(ctx)
	kind := syncerr.KindOf(err)
	c.logger.Printf("Sync failed (%s): %v", kind, err)

	if kind == syncerr.KindAuthExpired {
		c.deps.Session.Invalidate(err)
	}

	if serr := c.deps.Store.SaveSyncStatus(ctx, nil, string(kind), err.Error()); serr != nil {
		c.logger.Printf("Warning: failed to persist sync status: %v", serr)
	}

	c.mu.Lock()
	c.failures++
	delay := c.config.BackoffMin << min(c.failures-1, 30)
	if delay <= 0 || delay > c.config.BackoffMax {
		delay = c.config.BackoffMax
	}
	c.nextAttempt = c.config.Now().Add(delay)
	c.mu.Unlock()

	c.refreshPending(ctx, func(s *syncstate.State) {
		s.IsSyncing = false
		s.LastError = kind
		s.LastErrorMessage = err.Error()
	})

	if syncerr.IsRetryable(err) {
		signal(c.retry)
	}
}

// refreshPending applies fn and sets PendingCount from the outbox. If the
// count cannot be read, fn's own PendingCount stands.
func (c *Coordinator) refreshPending(ctx context.Context, fn func(*syncstate.State)) {
	pending, err := c.deps.Outbox.PendingCount(ctx)
	if err != nil {
		c.logger.Printf("Warning: failed to count pending entries: %v", err)
	}
	s := c.deps.State.Update(func(s *syncstate.State) {
		fn(s)
		if err == nil {
			s.PendingCount = pending
		}
	})
	pendingGauge.Set(float64(s.PendingCount))
}

// backoffRemaining returns how long scheduled triggers must still wait.
func (c *Coordinator) backoffRemaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nextAttempt.IsZero() {
		return 0
	}
	return c.nextAttempt.Sub(c.config.Now())
}

// classify tags bare context errors from a remote call as transient.
func classify(err error) error {
	if syncerr.KindOf(err) != syncerr.KindUnknown {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", syncerr.ErrTransientNetwork, err)
	}
	return err
}

// signal does a non-blocking send on a capacity-one channel.
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
