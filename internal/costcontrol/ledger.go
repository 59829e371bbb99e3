package costcontrol

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Ledger is the sole arbiter of whether a call may proceed and the durable
// record of what was spent. One Ledger is constructed at process start and
// handed to the session loop; nothing else touches the persisted store.
type Ledger struct {
	policy BudgetPolicy
	store  *Store
	now    func() time.Time
}

// NewLedger creates a Ledger over the given store.
func NewLedger(policy BudgetPolicy, store *Store) *Ledger {
	return &Ledger{policy: policy, store: store, now: time.Now}
}

// Policy returns the configured budget policy.
func (l *Ledger) Policy() BudgetPolicy { return l.policy }

// NewSession creates session state for a fresh run. Session IDs are short
// so they stay readable in logs and reports.
func (l *Ledger) NewSession(userID, model string) *SessionState {
	return &SessionState{
		SessionID: uuid.NewString()[:8],
		UserID:    userID,
		Model:     model,
		Phase:     SessionActive,
		StartedAt: l.now(),
	}
}

// CheckDaily reports whether a new session may start for userID today.
// Evaluated once at session start, not per message.
func (l *Ledger) CheckDaily(userID string) (allowed bool, spent float64) {
	spent = l.store.DailyCost(userID, l.now())
	if l.policy.DailyBudget <= 0 {
		return true, spent
	}
	if spent >= l.policy.DailyBudget {
		log.Warn().
			Str("user_id", userID).
			Float64("daily_cost", spent).
			Float64("daily_budget", l.policy.DailyBudget).
			Msg("daily budget already exceeded")
		return false, spent
	}
	return true, spent
}

// CheckSession reports whether a call with the given estimated cost fits the
// session budget. Called before the remote call; a denial moves the session
// to Blocked and no cost is ever recorded for the denied call.
func (l *Ledger) CheckSession(s *SessionState, estimatedCost float64) bool {
	if s.Phase != SessionActive {
		return false
	}
	if l.policy.SessionBudget <= 0 {
		return true
	}
	projected := s.SessionCost + estimatedCost
	if projected > l.policy.SessionBudget {
		log.Warn().
			Str("session_id", s.SessionID).
			Str("user_id", s.UserID).
			Float64("session_cost", s.SessionCost).
			Float64("estimated_cost", estimatedCost).
			Float64("budget", l.policy.SessionBudget).
			Msg("session budget exceeded")
		s.Phase = SessionBlocked
		return false
	}
	return true
}

// Record adds a realized call's cost to the session total.
func (l *Ledger) Record(s *SessionState, rec UsageRecord) {
	s.SessionCost += rec.Cost
	s.MessageCount++

	log.Info().
		Str("session_id", s.SessionID).
		Str("user_id", s.UserID).
		Str("model", rec.Model).
		Int("input_tokens", rec.InputTokens).
		Int("output_tokens", rec.OutputTokens).
		Float64("cost", rec.Cost).
		Float64("session_total", s.SessionCost).
		Int("message_count", s.MessageCount).
		Msg("api call recorded")
}

// WarningLevel classifies the session's budget usage. No budget configured
// means no warnings.
func (l *Ledger) WarningLevel(s *SessionState) (WarningLevel, float64) {
	if l.policy.SessionBudget <= 0 {
		return WarnNone, 0
	}
	used := s.SessionCost / l.policy.SessionBudget
	switch {
	case used >= criticalFraction:
		return WarnCritical, used
	case used >= l.policy.WarningThreshold:
		return WarnApproaching, used
	default:
		return WarnNone, used
	}
}

// DailyCost returns the persisted total for userID today.
func (l *Ledger) DailyCost(userID string) float64 {
	return l.store.DailyCost(userID, l.now())
}

// Flush closes the session and persists its aggregate into today's entry.
// A save failure is surfaced but the in-memory state is not lost. Blocked
// sessions stay Blocked: their spend is persisted, but the terminal state
// records why the session ended.
func (l *Ledger) Flush(s *SessionState) error {
	if s.Phase == SessionActive {
		s.Phase = SessionClosed
	}
	err := l.store.AddSession(s.UserID, l.now(), SessionEntry{
		SessionID: s.SessionID,
		Cost:      s.SessionCost,
		Messages:  s.MessageCount,
		Timestamp: l.now(),
	})
	if err != nil {
		log.Error().Err(err).Str("session_id", s.SessionID).Msg("failed to persist session costs")
		return err
	}
	log.Info().
		Str("session_id", s.SessionID).
		Str("user_id", s.UserID).
		Float64("total_cost", s.SessionCost).
		Int("messages", s.MessageCount).
		Msg("chat session ended")
	return nil
}
