package shoresync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultCheckpointInterval = 30 * time.Second
	defaultRecoveryBudget     = 3
	defaultRecoveryDelay      = 5 * time.Second
	missionsTable             = "missions"
)

// missionEnvelope is the persisted shape: the state plus the recovery
// bookkeeping that must survive a restart.
type missionEnvelope struct {
	State            MissionState `json:"state"`
	RecoveryAttempts int          `json:"recoveryAttempts"`
}

type missionEntry struct {
	mu       sync.Mutex
	state    MissionState
	attempts int
	retry    *time.Timer
}

type MissionEngineOptions struct {
	Store              *LocalStore
	Monitor            *NetworkMonitor
	Queue              *SyncQueue
	CheckpointInterval time.Duration
	RecoveryBudget     int
	RecoveryDelay      time.Duration
	// FallbackToLocal lets a failed mission resume from its in-memory
	// state while the link is down instead of waiting for reconnect.
	FallbackToLocal bool
	Logger          zerolog.Logger
}

// MissionEngine tracks long-running missions, checkpoints them on a cadence,
// and restores them from the latest usable checkpoint after failures. Every
// state change is written through to the local store so a process restart
// resumes where the last write left off.
type MissionEngine struct {
	store              *LocalStore
	monitor            *NetworkMonitor
	queue              *SyncQueue
	checkpointInterval time.Duration
	recoveryBudget     int
	recoveryDelay      time.Duration
	fallbackToLocal    bool
	logger             zerolog.Logger

	mu       sync.Mutex
	missions map[string]*missionEntry

	unsubMonitor func()
	done         chan struct{}
	closeOnce    sync.Once
	wg           sync.WaitGroup
}

func NewMissionEngine(opts MissionEngineOptions) (*MissionEngine, error) {
	if opts.Store == nil {
		return nil, ErrInvalidInput
	}
	interval := opts.CheckpointInterval
	if interval <= 0 {
		interval = defaultCheckpointInterval
	}
	budget := opts.RecoveryBudget
	if budget <= 0 {
		budget = defaultRecoveryBudget
	}
	delay := opts.RecoveryDelay
	if delay <= 0 {
		delay = defaultRecoveryDelay
	}
	return &MissionEngine{
		store:              opts.Store,
		monitor:            opts.Monitor,
		queue:              opts.Queue,
		checkpointInterval: interval,
		recoveryBudget:     budget,
		recoveryDelay:      delay,
		fallbackToLocal:    opts.FallbackToLocal,
		logger:             opts.Logger,
		missions:           map[string]*missionEntry{},
		done:               make(chan struct{}),
	}, nil
}

// Start restores persisted missions, begins the checkpoint ticker, and hooks
// reconnects so failed recoverable missions get another attempt when the
// link returns.
func (m *MissionEngine) Start(ctx context.Context) error {
	if err := m.RestoreMissions(ctx); err != nil {
		return err
	}
	m.wg.Add(1)
	go m.checkpointLoop()
	if m.monitor != nil {
		m.unsubMonitor = m.monitor.OnChange(func(status NetworkStatus) {
			if status.Online {
				m.recoverFailed()
			}
		})
	}
	if m.monitor == nil || m.monitor.Status().Online {
		m.recoverFailed()
	}
	return nil
}

func (m *MissionEngine) Close() {
	m.closeOnce.Do(func() {
		if m.unsubMonitor != nil {
			m.unsubMonitor()
		}
		close(m.done)
		m.mu.Lock()
		for _, entry := range m.missions {
			entry.mu.Lock()
			if entry.retry != nil {
				entry.retry.Stop()
				entry.retry = nil
			}
			entry.mu.Unlock()
		}
		m.mu.Unlock()
		m.wg.Wait()
	})
}

func (m *MissionEngine) checkpointLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.checkpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			for _, id := range m.missionsWithStatus(MissionActive) {
				if err := m.Checkpoint(ctx, id, CheckpointCompleted); err != nil {
					m.logger.Warn().Str("mission", id).Err(err).Msg("auto checkpoint failed")
				}
			}
			cancel()
		}
	}
}

func (m *MissionEngine) missionsWithStatus(status MissionStatus) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.missions))
	for id, entry := range m.missions {
		entry.mu.Lock()
		if entry.state.Status == status {
			ids = append(ids, id)
		}
		entry.mu.Unlock()
	}
	return ids
}

func (m *MissionEngine) entry(id string) (*missionEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.missions[id]
	if !ok {
		return nil, ErrMissionNotFound
	}
	return entry, nil
}

func (m *MissionEngine) persistLocked(ctx context.Context, entry *missionEntry) error {
	entry.state.LastUpdated = time.Now().UTC()
	raw, err := json.Marshal(missionEnvelope{State: entry.state, RecoveryAttempts: entry.attempts})
	if err != nil {
		return err
	}
	return m.store.SetMission(ctx, entry.state.MissionID, string(entry.state.Status), raw)
}

// StartMission registers a new mission at step zero. Restarting an existing
// non-terminal mission id is rejected.
func (m *MissionEngine) StartMission(ctx context.Context, id string, totalSteps int, data map[string]any) (MissionState, error) {
	if id == "" || totalSteps <= 0 {
		return MissionState{}, ErrInvalidInput
	}
	m.mu.Lock()
	if existing, ok := m.missions[id]; ok {
		existing.mu.Lock()
		status := existing.state.Status
		existing.mu.Unlock()
		if status == MissionActive || status == MissionPaused || status == MissionFailed {
			m.mu.Unlock()
			return MissionState{}, ErrInvalidInput
		}
	}
	now := time.Now().UTC()
	entry := &missionEntry{
		state: MissionState{
			MissionID:   id,
			Status:      MissionActive,
			CurrentStep: 0,
			TotalSteps:  totalSteps,
			Progress:    0,
			Data:        cloneData(data),
			StartedAt:   now,
			LastUpdated: now,
		},
	}
	m.missions[id] = entry
	m.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if err := m.persistLocked(ctx, entry); err != nil {
		return MissionState{}, err
	}
	m.logger.Info().Str("mission", id).Int("totalSteps", totalSteps).Msg("mission started")
	return entry.state, nil
}

// UpdateProgress advances the mission to currentStep and merges data.
// Progress is always recomputed from the step counters.
func (m *MissionEngine) UpdateProgress(ctx context.Context, id string, currentStep int, data map[string]any) (MissionState, error) {
	entry, err := m.entry(id)
	if err != nil {
		return MissionState{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.state.Status != MissionActive {
		return MissionState{}, ErrMissionTerminal
	}
	if currentStep < 0 || currentStep > entry.state.TotalSteps {
		return MissionState{}, ErrInvalidInput
	}
	entry.state.CurrentStep = currentStep
	entry.state.Progress = progressFor(currentStep, entry.state.TotalSteps)
	mergeData(&entry.state, data)
	if err := m.persistLocked(ctx, entry); err != nil {
		return MissionState{}, err
	}
	return entry.state, nil
}

// Checkpoint snapshots the mission's current step and data.
func (m *MissionEngine) Checkpoint(ctx context.Context, id string, status CheckpointStatus) error {
	entry, err := m.entry(id)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.state.Status == MissionCompleted {
		return ErrMissionTerminal
	}
	entry.state.Checkpoints = append(entry.state.Checkpoints, MissionCheckpoint{
		Step:      entry.state.CurrentStep,
		Timestamp: time.Now().UTC(),
		Data:      cloneData(entry.state.Data),
		Status:    status,
	})
	return m.persistLocked(ctx, entry)
}

// HandleFailure marks the mission failed and records the cause. Recoverable
// failures get an automatic recovery attempt after the recovery delay.
func (m *MissionEngine) HandleFailure(ctx context.Context, id, message string, recoverable bool) error {
	entry, err := m.entry(id)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	if entry.state.Status == MissionCompleted {
		entry.mu.Unlock()
		return ErrMissionTerminal
	}
	entry.state.Status = MissionFailed
	entry.state.Error = &MissionError{
		Message:     message,
		Timestamp:   time.Now().UTC(),
		Recoverable: recoverable,
	}
	persistErr := m.persistLocked(ctx, entry)
	entry.mu.Unlock()
	if persistErr != nil {
		return persistErr
	}
	m.logger.Warn().Str("mission", id).Bool("recoverable", recoverable).Str("cause", message).Msg("mission failed")
	// The armed attempt resolves connectivity itself: offline it either
	// resumes locally or re-arms until the link returns.
	if recoverable {
		m.scheduleRecovery(id, entry)
	}
	return nil
}

// scheduleRecovery arms a cancellable delayed recovery. A Close or an
// earlier recovery cancels the pending timer.
func (m *MissionEngine) scheduleRecovery(id string, entry *missionEntry) {
	entry.mu.Lock()
	defer entry.mu.Unlock()
	m.scheduleRecoveryLocked(id, entry)
}

func (m *MissionEngine) scheduleRecoveryLocked(id string, entry *missionEntry) {
	if entry.retry != nil {
		return
	}
	entry.retry = time.AfterFunc(m.recoveryDelay, func() {
		entry.mu.Lock()
		entry.retry = nil
		entry.mu.Unlock()
		select {
		case <-m.done:
			return
		default:
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := m.AttemptRecovery(ctx, id); err != nil &&
			!errors.Is(err, ErrNotRecoverable) && !errors.Is(err, ErrRecoveryExhausted) &&
			!errors.Is(err, ErrOffline) {
			m.logger.Warn().Str("mission", id).Err(err).Msg("scheduled recovery failed")
		}
	})
}

// recoverFailed retries every failed recoverable mission, used on reconnect.
func (m *MissionEngine) recoverFailed() {
	for _, id := range m.missionsWithStatus(MissionFailed) {
		entry, err := m.entry(id)
		if err != nil {
			continue
		}
		entry.mu.Lock()
		recoverable := entry.state.Error != nil && entry.state.Error.Recoverable
		entry.mu.Unlock()
		if recoverable {
			m.scheduleRecovery(id, entry)
		}
	}
}

// AttemptRecovery brings a failed mission back to active. A non-recoverable
// failure is refused and an exhausted budget is refused. While the link is
// down the mission resumes from its in-memory state when local fallback is
// enabled, or the attempt is deferred with ErrOffline and re-armed. Online, a
// usable checkpoint restores the mission to that step, and with no checkpoint
// the mission restarts from step zero.
func (m *MissionEngine) AttemptRecovery(ctx context.Context, id string) (MissionState, error) {
	entry, err := m.entry(id)
	if err != nil {
		return MissionState{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.retry != nil {
		entry.retry.Stop()
		entry.retry = nil
	}
	if entry.state.Status != MissionFailed {
		return MissionState{}, ErrInvalidInput
	}
	if entry.state.Error != nil && !entry.state.Error.Recoverable {
		return MissionState{}, ErrNotRecoverable
	}
	if entry.attempts >= m.recoveryBudget {
		return MissionState{}, ErrRecoveryExhausted
	}

	if m.monitor != nil && !m.monitor.Status().Online {
		if !m.fallbackToLocal {
			m.scheduleRecoveryLocked(id, entry)
			return MissionState{}, ErrOffline
		}
		// Resume from the state as it stands. No checkpoint rewind and
		// no remote contact until the link returns.
		entry.attempts++
		entry.state.Status = MissionActive
		entry.state.Error = nil
		if err := m.persistLocked(ctx, entry); err != nil {
			return MissionState{}, err
		}
		m.logger.Info().Str("mission", id).Int("step", entry.state.CurrentStep).Int("attempt", entry.attempts).
			Msg("mission resumed from local state while offline")
		return entry.state, nil
	}
	entry.attempts++

	if cp, ok := entry.state.LatestCheckpoint(); ok {
		entry.state.CurrentStep = cp.Step
		entry.state.Data = cloneData(cp.Data)
		m.logger.Info().Str("mission", id).Int("step", cp.Step).Int("attempt", entry.attempts).
			Msg("mission restored from checkpoint")
	} else {
		entry.state.CurrentStep = 0
		m.logger.Info().Str("mission", id).Int("attempt", entry.attempts).
			Msg("no checkpoint; mission restarted from the beginning")
	}
	entry.state.Progress = progressFor(entry.state.CurrentStep, entry.state.TotalSteps)
	entry.state.Status = MissionActive
	entry.state.Error = nil
	if err := m.persistLocked(ctx, entry); err != nil {
		return MissionState{}, err
	}
	m.queueStatePushLocked(ctx, entry)
	return entry.state, nil
}

// queueStatePushLocked enqueues the mission's current state so the sync
// engine relays it shoreside on the next drain. Queuing failures do not
// undo the local recovery.
func (m *MissionEngine) queueStatePushLocked(ctx context.Context, entry *missionEntry) {
	if m.queue == nil {
		return
	}
	payload, err := json.Marshal(struct {
		ID string `json:"id"`
		MissionState
	}{ID: entry.state.MissionID, MissionState: snapshotState(entry.state)})
	if err != nil {
		m.logger.Warn().Str("mission", entry.state.MissionID).Err(err).Msg("mission state push skipped")
		return
	}
	if _, err := m.queue.Enqueue(ctx, missionsTable, payload, ActionCreate); err != nil {
		m.logger.Warn().Str("mission", entry.state.MissionID).Err(err).Msg("mission state push not queued")
	}
}

func (m *MissionEngine) CompleteMission(ctx context.Context, id string) (MissionState, error) {
	return m.transition(ctx, id, MissionCompleted, func(state *MissionState) error {
		state.CurrentStep = state.TotalSteps
		state.Progress = 100
		state.Error = nil
		return nil
	})
}

func (m *MissionEngine) PauseMission(ctx context.Context, id string) (MissionState, error) {
	return m.transition(ctx, id, MissionPaused, func(state *MissionState) error {
		if state.Status != MissionActive {
			return ErrInvalidInput
		}
		return nil
	})
}

func (m *MissionEngine) ResumeMission(ctx context.Context, id string) (MissionState, error) {
	return m.transition(ctx, id, MissionActive, func(state *MissionState) error {
		if state.Status != MissionPaused {
			return ErrInvalidInput
		}
		return nil
	})
}

func (m *MissionEngine) transition(ctx context.Context, id string, to MissionStatus, check func(*MissionState) error) (MissionState, error) {
	entry, err := m.entry(id)
	if err != nil {
		return MissionState{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.state.Status == MissionCompleted {
		return MissionState{}, ErrMissionTerminal
	}
	if err := check(&entry.state); err != nil {
		return MissionState{}, err
	}
	entry.state.Status = to
	if err := m.persistLocked(ctx, entry); err != nil {
		return MissionState{}, err
	}
	return entry.state, nil
}

// AbandonMission removes the mission from tracking and from the store.
func (m *MissionEngine) AbandonMission(ctx context.Context, id string) error {
	entry, err := m.entry(id)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	if entry.retry != nil {
		entry.retry.Stop()
		entry.retry = nil
	}
	entry.mu.Unlock()
	m.mu.Lock()
	delete(m.missions, id)
	m.mu.Unlock()
	return m.store.DeleteMission(ctx, id)
}

// RestoreMissions loads persisted missions back into memory. Corrupt rows
// are quarantined instead of aborting the restore.
func (m *MissionEngine) RestoreMissions(ctx context.Context) error {
	rows, err := m.store.Missions(ctx)
	if err != nil {
		return err
	}
	restored := 0
	for _, row := range rows {
		var envelope missionEnvelope
		if err := json.Unmarshal(row.State, &envelope); err != nil || envelope.State.MissionID == "" {
			m.store.quarantineMission(ctx, row.MissionID, err)
			continue
		}
		entry := &missionEntry{state: envelope.State, attempts: envelope.RecoveryAttempts}
		m.mu.Lock()
		m.missions[envelope.State.MissionID] = entry
		m.mu.Unlock()
		restored++
	}
	if restored > 0 {
		m.logger.Info().Int("missions", restored).Msg("missions restored from disk")
	}
	return nil
}

func (m *MissionEngine) MissionState(id string) (MissionState, error) {
	entry, err := m.entry(id)
	if err != nil {
		return MissionState{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return snapshotState(entry.state), nil
}

func (m *MissionEngine) ActiveMissions() []MissionState {
	m.mu.Lock()
	entries := make([]*missionEntry, 0, len(m.missions))
	for _, entry := range m.missions {
		entries = append(entries, entry)
	}
	m.mu.Unlock()
	states := make([]MissionState, 0, len(entries))
	for _, entry := range entries {
		entry.mu.Lock()
		if entry.state.Status == MissionActive || entry.state.Status == MissionPaused {
			states = append(states, snapshotState(entry.state))
		}
		entry.mu.Unlock()
	}
	return states
}

// AllMissions returns every tracked mission regardless of status.
func (m *MissionEngine) AllMissions() []MissionState {
	m.mu.Lock()
	entries := make([]*missionEntry, 0, len(m.missions))
	for _, entry := range m.missions {
		entries = append(entries, entry)
	}
	m.mu.Unlock()
	states := make([]MissionState, 0, len(entries))
	for _, entry := range entries {
		entry.mu.Lock()
		states = append(states, snapshotState(entry.state))
		entry.mu.Unlock()
	}
	return states
}

func snapshotState(state MissionState) MissionState {
	out := state
	out.Data = cloneData(state.Data)
	out.Checkpoints = append([]MissionCheckpoint(nil), state.Checkpoints...)
	if state.Error != nil {
		errCopy := *state.Error
		out.Error = &errCopy
	}
	return out
}

func cloneData(data map[string]any) map[string]any {
	if data == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}

func mergeData(state *MissionState, data map[string]any) {
	if len(data) == 0 {
		return
	}
	if state.Data == nil {
		state.Data = map[string]any{}
	}
	for k, v := range data {
		state.Data[k] = v
	}
}
