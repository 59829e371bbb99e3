// Package costcontrol implements cost estimation, budget enforcement, and
// the persisted daily spending ledger.
//
// DESIGN: Cost estimation is pure (token counts in, dollars out). The Ledger
// owns all mutable budget state: the running session total and the on-disk
// per-user, per-day aggregates. Budget checks happen before a remote call is
// issued, so a denied call never incurs cost.
package costcontrol

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnknownModel is returned when a model has no entry in the pricing table.
var ErrUnknownModel = errors.New("unknown model")

// ErrInvalidArgument is returned for negative token counts. Normal input
// paths cannot produce these; this guards against caller bugs.
var ErrInvalidArgument = errors.New("invalid argument")

// ErrDailyBudgetExceeded is returned when a session refuses to start because
// the user's persisted daily total already meets the daily budget.
var ErrDailyBudgetExceeded = errors.New("daily budget exceeded")

// SessionPhase is the lifecycle state of a chat session.
type SessionPhase int

const (
	// SessionActive accepts messages.
	SessionActive SessionPhase = iota
	// SessionBlocked is terminal: the budget was exceeded and no further
	// messages are accepted until a new session starts.
	SessionBlocked
	// SessionClosed is terminal: the user exited and totals were flushed.
	SessionClosed
)

// BudgetPolicy holds spending limits. Zero means unlimited.
type BudgetPolicy struct {
	SessionBudget    float64 `env:"CHAT_SESSION_BUDGET" env-default:"0"`    // USD per session
	DailyBudget      float64 `env:"CHAT_DAILY_BUDGET" env-default:"0"`      // USD per user per day
	WarningThreshold float64 `env:"CHAT_BUDGET_WARNING" env-default:"0.75"` // fraction of session budget
}

// Validate checks budget policy values.
func (p *BudgetPolicy) Validate() error {
	if p.SessionBudget < 0 {
		return fmt.Errorf("session budget must be >= 0, got %f", p.SessionBudget)
	}
	if p.DailyBudget < 0 {
		return fmt.Errorf("daily budget must be >= 0, got %f", p.DailyBudget)
	}
	if p.WarningThreshold < 0 || p.WarningThreshold > 1 {
		return fmt.Errorf("warning threshold must be in [0,1], got %f", p.WarningThreshold)
	}
	return nil
}

// UsageRecord is one realized, costed API call. Created after a successful
// remote call and never mutated.
type UsageRecord struct {
	SessionID    string
	UserID       string
	Model        string
	InputTokens  int
	OutputTokens int
	CachedTokens int
	Cost         float64
	Timestamp    time.Time
}

// SessionState tracks one running session. Mutated only by Ledger.Record.
type SessionState struct {
	SessionID    string
	UserID       string
	Model        string
	Phase        SessionPhase
	SessionCost  float64
	MessageCount int
	StartedAt    time.Time
}

// WarningLevel classifies session budget usage after a recorded cost.
type WarningLevel int

const (
	WarnNone WarningLevel = iota
	WarnApproaching
	WarnCritical
)

// criticalFraction is the usage fraction at which warnings escalate to critical.
const criticalFraction = 0.9

// SessionEntry is one flushed session inside a day's persisted aggregate.
type SessionEntry struct {
	SessionID string    `json:"session_id"`
	Cost      float64   `json:"cost"`
	Messages  int       `json:"messages"`
	Timestamp time.Time `json:"timestamp"`
}

// DayEntry aggregates one user's spending for one calendar date.
// Invariant: TotalCost and TotalMessages equal the sums over Sessions.
type DayEntry struct {
	Sessions      []SessionEntry `json:"sessions"`
	TotalCost     float64        `json:"total_cost"`
	TotalMessages int            `json:"total_messages"`
}
