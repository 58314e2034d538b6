package shoresync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/fathomops/shoresync/internal/remotestore"
)

type Mode string

const (
	ModeOffline  Mode = "offline"
	ModePolling  Mode = "polling"
	ModeRealtime Mode = "realtime"
)

type ConflictPolicy string

const (
	ConflictLocal  ConflictPolicy = "local"
	ConflictRemote ConflictPolicy = "remote"
	ConflictLatest ConflictPolicy = "latest"
)

// EngineStatus is the read-only projection broadcast to status listeners.
type EngineStatus struct {
	Online         bool      `json:"isOnline"`
	Syncing        bool      `json:"isSyncing"`
	LastSync       time.Time `json:"lastSync"`
	PendingChanges int       `json:"pendingChanges"`
	Mode           Mode      `json:"mode"`
}

type DrainResult struct {
	Synced    int `json:"synced"`
	Failed    int `json:"failed"`
	Remaining int `json:"remaining"`
}

type EngineOptions struct {
	Queue           *SyncQueue
	Store           *LocalStore
	Remote          remotestore.Store
	Feed            remotestore.Feed
	Monitor         *NetworkMonitor
	Tables          []string
	PollInterval    time.Duration
	RealtimeEnabled bool
	Conflict        ConflictPolicy
	BatchSize       int
	Logger          zerolog.Logger
}

// Engine orchestrates the offline/polling/realtime state machine: it drains
// the sync queue into the remote store and ingests remote changes back into
// the local cache, with conflict resolution in between.
type Engine struct {
	queue           *SyncQueue
	store           *LocalStore
	remote          remotestore.Store
	feed            remotestore.Feed
	monitor         *NetworkMonitor
	tables          []string
	pollInterval    time.Duration
	realtimeEnabled bool
	conflict        ConflictPolicy
	batchSize       int
	logger          zerolog.Logger

	// draining guards the system-wide single-drain invariant.
	draining int32
	syncing  int32

	mu            sync.Mutex
	mode          Mode
	gen           int
	lastSync      time.Time
	subs          map[string]remotestore.Subscription
	pollingTables map[string]struct{}
	onlineCancel  context.CancelFunc
	listeners     map[int]chan EngineStatus
	nextListener  int
	unsubMonitor  func()

	runCtx    context.Context
	runCancel context.CancelFunc
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Queue == nil || opts.Store == nil || opts.Remote == nil {
		return nil, ErrInvalidInput
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 15
	}
	conflict := opts.Conflict
	if conflict == "" {
		conflict = ConflictLatest
	}
	runCtx, runCancel := context.WithCancel(context.Background())
	e := &Engine{
		queue:           opts.Queue,
		store:           opts.Store,
		remote:          opts.Remote,
		feed:            opts.Feed,
		monitor:         opts.Monitor,
		tables:          append([]string(nil), opts.Tables...),
		pollInterval:    pollInterval,
		realtimeEnabled: opts.RealtimeEnabled,
		conflict:        conflict,
		batchSize:       batchSize,
		logger:          opts.Logger,
		mode:            ModeOffline,
		subs:            map[string]remotestore.Subscription{},
		pollingTables:   map[string]struct{}{},
		listeners:       map[int]chan EngineStatus{},
		runCtx:          runCtx,
		runCancel:       runCancel,
		closed:          make(chan struct{}),
	}
	e.loadLastSync()
	// Queue writers outside the engine (mission pushes, operator deletes)
	// must surface in status too, so listen at the queue.
	e.queue.OnChange(e.broadcast)
	return e, nil
}

// Start wires the engine to network transitions and applies the current
// connectivity state.
func (e *Engine) Start() {
	if e.monitor != nil {
		e.mu.Lock()
		if e.unsubMonitor == nil {
			e.unsubMonitor = e.monitor.OnChange(e.handleNetworkChange)
		}
		e.mu.Unlock()
		e.handleNetworkChange(e.monitor.Status())
		return
	}
	// Without a monitor the engine assumes connectivity.
	e.handleNetworkChange(NetworkStatus{Online: true, Tier: TierHigh})
}

func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		if e.unsubMonitor != nil {
			e.unsubMonitor()
			e.unsubMonitor = nil
		}
		e.mu.Unlock()
		e.teardownOnline()
		close(e.closed)
		e.runCancel()
		e.wg.Wait()
	})
}

func (e *Engine) handleNetworkChange(status NetworkStatus) {
	if status.Online {
		e.goOnline()
		return
	}
	e.goOffline()
}

func (e *Engine) goOnline() {
	e.mu.Lock()
	if e.mode != ModeOffline {
		e.mu.Unlock()
		return
	}
	target := ModePolling
	if e.realtimeEnabled && e.feed != nil {
		target = ModeRealtime
	}
	e.mode = target
	e.gen++
	gen := e.gen
	onlineCtx, cancel := context.WithCancel(e.runCtx)
	e.onlineCancel = cancel
	e.mu.Unlock()

	e.logger.Info().Str("mode", string(target)).Msg("connectivity restored")
	e.broadcast()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		// Queue drains before ingress starts: local truth reaches the
		// remote store before remote truth overwrites the cache.
		if _, err := e.Drain(e.runCtx); err != nil {
			e.logger.Warn().Err(err).Msg("drain after reconnect failed")
		}
		if target == ModeRealtime {
			e.startRealtime(onlineCtx, gen)
		}
		e.runPollLoop(onlineCtx, gen)
	}()
}

func (e *Engine) goOffline() {
	if !e.teardownOnline() {
		return
	}
	e.logger.Info().Msg("connectivity lost; queueing locally")
	e.broadcast()
}

// teardownOnline cancels polling and closes every realtime subscription.
// Undrained queue items simply stay queued.
func (e *Engine) teardownOnline() bool {
	e.mu.Lock()
	if e.mode == ModeOffline {
		e.mu.Unlock()
		return false
	}
	e.mode = ModeOffline
	e.gen++
	if e.onlineCancel != nil {
		e.onlineCancel()
		e.onlineCancel = nil
	}
	subs := e.subs
	e.subs = map[string]remotestore.Subscription{}
	e.pollingTables = map[string]struct{}{}
	e.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	return true
}

func (e *Engine) startRealtime(ctx context.Context, gen int) {
	for _, table := range e.tables {
		e.mu.Lock()
		stale := e.gen != gen || e.mode != ModeRealtime
		exists := e.subs[table] != nil
		e.mu.Unlock()
		if stale {
			return
		}
		if exists {
			continue
		}
		sub, err := e.feed.Subscribe(ctx, table)
		if err != nil {
			e.logger.Warn().Str("table", table).Err(err).Msg("realtime subscribe failed; polling instead")
			e.fallbackToPolling(gen, table)
			continue
		}
		e.mu.Lock()
		if e.gen != gen || e.mode != ModeRealtime || e.subs[table] != nil {
			e.mu.Unlock()
			_ = sub.Close()
			continue
		}
		e.subs[table] = sub
		e.mu.Unlock()
		e.wg.Add(1)
		go func(table string, sub remotestore.Subscription) {
			defer e.wg.Done()
			e.consumeFeed(ctx, gen, table, sub)
		}(table, sub)
	}
}

func (e *Engine) consumeFeed(ctx context.Context, gen int, table string, sub remotestore.Subscription) {
	for ev := range sub.Changes() {
		e.applyRemoteChange(e.runCtx, table, ev)
		e.advanceLastSync(table, ev.Timestamp)
		e.broadcast()
	}
	e.mu.Lock()
	if e.subs[table] == sub {
		delete(e.subs, table)
	}
	stale := e.gen != gen
	e.mu.Unlock()
	if stale {
		return
	}
	if err := sub.Err(); err != nil {
		// Per-table fallback: this table degrades to polling, the rest
		// stay realtime.
		e.logger.Warn().Str("table", table).Err(err).Msg("realtime channel failed; falling back to polling")
		e.fallbackToPolling(gen, table)
		e.broadcast()
	}
}

func (e *Engine) fallbackToPolling(gen int, table string) {
	e.mu.Lock()
	if e.gen == gen && e.mode != ModeOffline {
		e.pollingTables[table] = struct{}{}
	}
	e.mu.Unlock()
}

func (e *Engine) runPollLoop(ctx context.Context, gen int) {
	for {
		interval := e.pollInterval * time.Duration(e.tierMultiplier())
		timer := time.NewTimer(interval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		case <-e.closed:
			timer.Stop()
			return
		}
		e.mu.Lock()
		stale := e.gen != gen
		e.mu.Unlock()
		if stale {
			return
		}
		if err := e.PollOnce(e.runCtx); err != nil {
			e.logger.Warn().Err(err).Msg("poll cycle failed")
		}
	}
}

// tierMultiplier stretches the polling cadence on poor links.
func (e *Engine) tierMultiplier() int {
	if e.monitor == nil {
		return 1
	}
	switch e.monitor.Status().Tier {
	case TierLow:
		return 4
	case TierModerate:
		return 2
	default:
		return 1
	}
}

func (e *Engine) isOnline() bool {
	if e.monitor == nil {
		return true
	}
	return e.monitor.Status().Online
}

// Drain submits queued mutations to the remote store in priority order,
// in fixed-size batches. At most one drain runs system-wide; a re-entrant
// call is a no-op returning a zero-progress result. Going offline mid-drain
// stops new submissions but leaves in-flight calls to finish.
func (e *Engine) Drain(ctx context.Context) (DrainResult, error) {
	if !atomic.CompareAndSwapInt32(&e.draining, 0, 1) {
		return DrainResult{}, nil
	}
	defer atomic.StoreInt32(&e.draining, 0)
	atomic.StoreInt32(&e.syncing, 1)
	defer atomic.StoreInt32(&e.syncing, 0)
	e.broadcast()

	var result DrainResult
	var drainErr error
drain:
	for {
		if ctx.Err() != nil || !e.isOnline() {
			break
		}
		batch, err := e.queue.UnsyncedRecords(ctx, e.batchSize)
		if err != nil {
			drainErr = err
			break
		}
		if len(batch) == 0 {
			break
		}
		progressed := false
		for _, record := range batch {
			if ctx.Err() != nil || !e.isOnline() {
				break drain
			}
			if err := e.submit(ctx, record); err != nil {
				result.Failed++
				count, retryErr := e.queue.IncrementRetry(ctx, record.ID, err.Error())
				if retryErr != nil {
					e.logger.Error().Str("record", record.ID).Err(retryErr).Msg("failed to record retry")
				}
				if count >= e.queue.MaxRetries() {
					e.logger.Error().Str("record", record.ID).Str("table", record.Table).
						Int("attempts", count).Err(err).Msg("record permanently failed")
				} else {
					e.logger.Warn().Str("record", record.ID).Int("attempts", count).Err(err).Msg("sync attempt failed")
				}
				continue
			}
			if err := e.queue.MarkSynced(ctx, record.ID); err != nil && !errors.Is(err, ErrNotFound) {
				drainErr = err
				break drain
			}
			result.Synced++
			progressed = true
		}
		if !progressed {
			break
		}
	}

	if stats, err := e.queue.Stats(ctx); err == nil {
		result.Remaining = stats.Unsynced
	}
	if result.Synced > 0 {
		e.advanceLastSync("", time.Now().UTC())
	}
	e.broadcast()
	return result, drainErr
}

func (e *Engine) submit(ctx context.Context, record SyncRecord) error {
	switch record.Action {
	case ActionCreate:
		return e.remote.Insert(ctx, record.Table, record.Payload)
	case ActionUpdate:
		id := payloadKey(record.Payload)
		if id == "" {
			return ErrInvalidInput
		}
		return e.remote.Update(ctx, record.Table, id, record.Payload)
	case ActionDelete:
		id := payloadKey(record.Payload)
		if id == "" {
			return ErrInvalidInput
		}
		err := e.remote.Delete(ctx, record.Table, id)
		if errors.Is(err, remotestore.ErrNotFound) {
			// already gone remotely; the intent is satisfied
			return nil
		}
		return err
	default:
		return ErrInvalidInput
	}
}

// PollOnce fetches remote changes since the per-table watermark for every
// table currently served by polling, applies them through the conflict
// policy, and advances the watermark only after a successful fetch.
func (e *Engine) PollOnce(ctx context.Context) error {
	if !e.isOnline() {
		return nil
	}
	tables := e.tablesToPoll()
	if len(tables) == 0 {
		return nil
	}
	atomic.StoreInt32(&e.syncing, 1)
	defer atomic.StoreInt32(&e.syncing, 0)

	var firstErr error
	for _, table := range tables {
		since := e.lastSyncFor(table)
		records, err := e.remote.ChangedSince(ctx, table, since, 500)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		watermark := since
		for _, rec := range records {
			ev := remotestore.ChangeEvent{
				Table:     table,
				Type:      remotestore.ChangeUpdate,
				New:       rec.Doc,
				Timestamp: rec.UpdatedAt,
			}
			if rec.Deleted {
				ev.Type = remotestore.ChangeDelete
				ev.Old = rec.Doc
				ev.New = nil
			}
			e.applyRemoteChange(ctx, table, ev)
			if rec.UpdatedAt.After(watermark) {
				watermark = rec.UpdatedAt
			}
		}
		// Watermark advances monotonically, and only after a fetch that
		// succeeded.
		e.advanceLastSync(table, watermark)
	}
	e.broadcast()
	return firstErr
}

func (e *Engine) tablesToPoll() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.mode == ModePolling {
		return append([]string(nil), e.tables...)
	}
	if e.mode == ModeRealtime {
		tables := make([]string, 0, len(e.pollingTables))
		for _, table := range e.tables {
			if _, ok := e.pollingTables[table]; ok {
				tables = append(tables, table)
			}
		}
		return tables
	}
	return nil
}

// applyRemoteChange routes an inbound change through the conflict policy
// before it touches the local cache.
func (e *Engine) applyRemoteChange(ctx context.Context, table string, ev remotestore.ChangeEvent) {
	key := changeKey(ev)
	if key == "" {
		return
	}
	pending, err := e.queue.UnsyncedForKey(ctx, table, key)
	if err != nil {
		e.logger.Warn().Str("table", table).Str("key", key).Err(err).Msg("conflict lookup failed")
		return
	}
	if len(pending) > 0 {
		if !e.resolveConflict(ctx, table, key, pending, ev) {
			return
		}
	}
	e.writeRemoteChange(ctx, table, key, ev)
}

// resolveConflict decides whether the inbound remote change should be
// applied over outstanding local queued changes for the same record.
// Returns true when the remote side wins.
func (e *Engine) resolveConflict(ctx context.Context, table, key string, pending []SyncRecord, ev remotestore.ChangeEvent) bool {
	switch e.conflict {
	case ConflictLocal:
		e.logger.Debug().Str("table", table).Str("key", key).Msg("conflict: local change kept")
		return false
	case ConflictRemote:
	case ConflictLatest:
		newest := pending[len(pending)-1].EnqueuedAt
		// Ties favor the local write: optimistic bias.
		if !ev.Timestamp.After(newest) {
			e.logger.Debug().Str("table", table).Str("key", key).Msg("conflict: local change newer, kept")
			return false
		}
	default:
		return false
	}
	// Remote wins: the local queued changes are superseded and dropped.
	for _, record := range pending {
		if err := e.queue.DeleteRecord(ctx, record.ID); err != nil {
			e.logger.Warn().Str("record", record.ID).Err(err).Msg("failed to drop superseded record")
		}
	}
	e.logger.Debug().Str("table", table).Str("key", key).Msg("conflict: remote change accepted")
	return true
}

// writeRemoteChange materializes the winning remote change in the local
// cache, including the remote-wins overwrite.
func (e *Engine) writeRemoteChange(ctx context.Context, table, key string, ev remotestore.ChangeEvent) {
	switch ev.Type {
	case remotestore.ChangeDelete:
		if err := e.store.Delete(ctx, table, key); err != nil {
			e.logger.Warn().Str("table", table).Str("key", key).Err(err).Msg("failed to apply remote delete")
		}
	default:
		if len(ev.New) == 0 {
			return
		}
		if err := e.store.Set(ctx, table, key, ev.New, 0); err != nil {
			e.logger.Warn().Str("table", table).Str("key", key).Err(err).Msg("failed to apply remote change")
		}
	}
}

func changeKey(ev remotestore.ChangeEvent) string {
	if key := payloadKey(ev.New); key != "" {
		return key
	}
	return payloadKey(ev.Old)
}

// Enqueue is the write path for local mutations. The queue change hook
// fires the status broadcast.
func (e *Engine) Enqueue(ctx context.Context, table string, payload json.RawMessage, action Action) (string, error) {
	return e.queue.Enqueue(ctx, table, payload, action)
}

func (e *Engine) Status() EngineStatus {
	e.mu.Lock()
	mode := e.mode
	lastSync := e.lastSync
	e.mu.Unlock()
	status := EngineStatus{
		Online:   e.isOnline(),
		Syncing:  atomic.LoadInt32(&e.syncing) == 1,
		LastSync: lastSync,
		Mode:     mode,
	}
	if stats, err := e.queue.Stats(context.Background()); err == nil {
		status.PendingChanges = stats.Unsynced
	}
	return status
}

// Subscribe returns a status channel and its unsubscribe. Slow consumers
// miss intermediate updates rather than blocking the engine.
func (e *Engine) Subscribe() (<-chan EngineStatus, func()) {
	ch := make(chan EngineStatus, 8)
	e.mu.Lock()
	id := e.nextListener
	e.nextListener++
	e.listeners[id] = ch
	e.mu.Unlock()
	return ch, func() {
		e.mu.Lock()
		if _, ok := e.listeners[id]; ok {
			delete(e.listeners, id)
			close(ch)
		}
		e.mu.Unlock()
	}
}

func (e *Engine) broadcast() {
	status := e.Status()
	e.mu.Lock()
	listeners := make([]chan EngineStatus, 0, len(e.listeners))
	for _, ch := range e.listeners {
		listeners = append(listeners, ch)
	}
	e.mu.Unlock()
	for _, ch := range listeners {
		select {
		case ch <- status:
		default:
		}
	}
}

// SubscriptionCount reports live realtime subscriptions (used to verify the
// flap-leak property).
func (e *Engine) SubscriptionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}

func (e *Engine) lastSyncFor(table string) time.Time {
	raw, err := e.store.GetMeta(context.Background(), "lastSync:"+table)
	if err != nil {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (e *Engine) advanceLastSync(table string, t time.Time) {
	if t.IsZero() {
		return
	}
	if table != "" {
		current := e.lastSyncFor(table)
		if t.After(current) {
			_ = e.store.SetMeta(context.Background(), "lastSync:"+table, t.UTC().Format(time.RFC3339Nano))
		}
	}
	e.mu.Lock()
	if t.After(e.lastSync) {
		e.lastSync = t
	}
	e.mu.Unlock()
	_ = e.store.SetMeta(context.Background(), "lastSync", e.lastSyncSnapshot().UTC().Format(time.RFC3339Nano))
}

func (e *Engine) lastSyncSnapshot() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSync
}

func (e *Engine) loadLastSync() {
	raw, err := e.store.GetMeta(context.Background(), "lastSync")
	if err != nil {
		return
	}
	if t, parseErr := time.Parse(time.RFC3339Nano, raw); parseErr == nil {
		e.lastSync = t
	}
}
