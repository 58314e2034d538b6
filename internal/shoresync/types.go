package shoresync

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrClosed            = errors.New("closed")
	ErrMissionNotFound   = errors.New("mission not found")
	ErrMissionTerminal   = errors.New("mission in terminal state")
	ErrNotRecoverable    = errors.New("mission not recoverable")
	ErrRecoveryExhausted = errors.New("recovery attempts exhausted")
	ErrPayloadRejected   = errors.New("payload rejected by schema")
	ErrOffline           = errors.New("offline")
)

// QuarantineError wraps a decode failure for a single stored entry. The
// affected row is removed; everything else keeps flowing.
type QuarantineError struct {
	Table string
	Key   string
	Cause error
}

func (e *QuarantineError) Error() string {
	return fmt.Sprintf("quarantined corrupt entry %s/%s: %v", e.Table, e.Key, e.Cause)
}

func (e *QuarantineError) Unwrap() error {
	return e.Cause
}

type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// Priority orders queue drains: lower values drain first.
type Priority int

const (
	PriorityHigh   Priority = 0
	PriorityMedium Priority = 1
	PriorityLow    Priority = 2
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

type SyncRecord struct {
	ID         string          `json:"id"`
	Table      string          `json:"table"`
	Action     Action          `json:"action"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	Synced     bool            `json:"synced"`
	Priority   Priority        `json:"priority"`
	RetryCount int             `json:"retryCount"`
	LastError  string          `json:"lastError,omitempty"`
}

type CacheEntry struct {
	Table     string          `json:"table"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	CachedAt  time.Time       `json:"cachedAt"`
	ExpiresAt *time.Time      `json:"expiresAt,omitempty"`
}

func (e CacheEntry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// LinkTier is a coarse classification of link quality used to adapt polling
// cadence and to gate background syncs.
type LinkTier int

const (
	TierOffline LinkTier = iota
	TierLow
	TierModerate
	TierHigh
)

func (t LinkTier) String() string {
	switch t {
	case TierOffline:
		return "offline"
	case TierLow:
		return "low"
	case TierModerate:
		return "moderate"
	case TierHigh:
		return "high"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

type NetworkStatus struct {
	Online       bool          `json:"online"`
	Tier         LinkTier      `json:"tier"`
	DownlinkMbps float64       `json:"downlinkMbps,omitempty"`
	RTT          time.Duration `json:"rtt,omitempty"`
}

type MissionStatus string

const (
	MissionActive    MissionStatus = "active"
	MissionPaused    MissionStatus = "paused"
	MissionFailed    MissionStatus = "failed"
	MissionCompleted MissionStatus = "completed"
)

type CheckpointStatus string

const (
	CheckpointCompleted CheckpointStatus = "completed"
	CheckpointFailed    CheckpointStatus = "failed"
)

// MissionCheckpoint is immutable once appended to its parent mission.
type MissionCheckpoint struct {
	Step      int              `json:"step"`
	Timestamp time.Time        `json:"timestamp"`
	Data      map[string]any   `json:"data,omitempty"`
	Status    CheckpointStatus `json:"status"`
}

type MissionError struct {
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	Recoverable bool      `json:"recoverable"`
}

type MissionState struct {
	MissionID   string              `json:"missionId"`
	Status      MissionStatus       `json:"status"`
	Progress    float64             `json:"progress"`
	CurrentStep int                 `json:"currentStep"`
	TotalSteps  int                 `json:"totalSteps"`
	Data        map[string]any      `json:"data,omitempty"`
	Checkpoints []MissionCheckpoint `json:"checkpoints"`
	StartedAt   time.Time           `json:"startedAt"`
	LastUpdated time.Time           `json:"lastUpdated"`
	Error       *MissionError       `json:"error,omitempty"`
}

// LatestCheckpoint returns the most recent checkpoint, preferring completed
// ones as recovery anchors.
func (m MissionState) LatestCheckpoint() (MissionCheckpoint, bool) {
	for i := len(m.Checkpoints) - 1; i >= 0; i-- {
		if m.Checkpoints[i].Status == CheckpointCompleted {
			return m.Checkpoints[i], true
		}
	}
	if len(m.Checkpoints) > 0 {
		return m.Checkpoints[len(m.Checkpoints)-1], true
	}
	return MissionCheckpoint{}, false
}

func progressFor(currentStep, totalSteps int) float64 {
	if totalSteps <= 0 {
		return 0
	}
	return float64(currentStep) / float64(totalSteps) * 100
}
