package costcontrol

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T, policy BudgetPolicy) *Ledger {
	t.Helper()
	store := OpenStore(filepath.Join(t.TempDir(), "costs.json"))
	return NewLedger(policy, store)
}

func record(l *Ledger, s *SessionState, cost float64) {
	l.Record(s, UsageRecord{
		SessionID: s.SessionID,
		UserID:    s.UserID,
		Model:     s.Model,
		Cost:      cost,
		Timestamp: time.Now(),
	})
}

func TestLedger_ZeroBudgetNeverDenies(t *testing.T) {
	l := newTestLedger(t, BudgetPolicy{SessionBudget: 0, WarningThreshold: 0.75})
	s := l.NewSession("alice", "gpt-4o")

	record(l, s, 1000.0)
	assert.True(t, l.CheckSession(s, 1000.0))
	assert.Equal(t, SessionActive, s.Phase)
}

func TestLedger_DenyOverBudget(t *testing.T) {
	l := newTestLedger(t, BudgetPolicy{SessionBudget: 0.01, WarningThreshold: 0.75})
	s := l.NewSession("alice", "gpt-4o")

	record(l, s, 0.009)
	before := s.SessionCost

	// Projected 0.009 + 0.002 > 0.01: deny, block, and leave the total alone.
	assert.False(t, l.CheckSession(s, 0.002))
	assert.Equal(t, SessionBlocked, s.Phase)
	assert.Equal(t, before, s.SessionCost)

	// Blocked is terminal: even a free message is refused.
	assert.False(t, l.CheckSession(s, 0))
}

func TestLedger_ExactBudgetAllowed(t *testing.T) {
	l := newTestLedger(t, BudgetPolicy{SessionBudget: 0.01, WarningThreshold: 0.75})
	s := l.NewSession("alice", "gpt-4o")

	// Projection landing exactly on the budget does not exceed it.
	assert.True(t, l.CheckSession(s, 0.01))
}

func TestLedger_BlockedAfterSpendOverBudget(t *testing.T) {
	// Session budget 0.00001; a realized cost of 0.0000135 already exceeds
	// it, so the next message, however trivial, is denied before any call.
	l := newTestLedger(t, BudgetPolicy{SessionBudget: 0.00001, WarningThreshold: 0.75})
	s := l.NewSession("alice", "gpt-4o-mini")

	record(l, s, 0.0000135)
	assert.False(t, l.CheckSession(s, 0.0000001))
	assert.Equal(t, SessionBlocked, s.Phase)
}

func TestLedger_CostAccumulatesWithoutDrift(t *testing.T) {
	l := newTestLedger(t, BudgetPolicy{})
	s := l.NewSession("alice", "gpt-4o")

	costs := []float64{0.0001, 0.0002, 0.0004, 0.0008}
	var want float64
	for _, c := range costs {
		record(l, s, c)
		want += c
	}
	assert.InDelta(t, want, s.SessionCost, 1e-12)
	assert.Equal(t, len(costs), s.MessageCount)
}

func TestLedger_WarningLevels(t *testing.T) {
	l := newTestLedger(t, BudgetPolicy{SessionBudget: 1.0, WarningThreshold: 0.75})
	s := l.NewSession("alice", "gpt-4o")

	level, _ := l.WarningLevel(s)
	assert.Equal(t, WarnNone, level)

	record(l, s, 0.74)
	level, _ = l.WarningLevel(s)
	assert.Equal(t, WarnNone, level)

	record(l, s, 0.01) // exactly at the threshold
	level, used := l.WarningLevel(s)
	assert.Equal(t, WarnApproaching, level)
	assert.InDelta(t, 0.75, used, 1e-9)

	record(l, s, 0.15) // 0.90 used
	level, used = l.WarningLevel(s)
	assert.Equal(t, WarnCritical, level)
	assert.InDelta(t, 0.90, used, 1e-9)
}

func TestLedger_NoBudgetNoWarnings(t *testing.T) {
	l := newTestLedger(t, BudgetPolicy{SessionBudget: 0, WarningThreshold: 0.75})
	s := l.NewSession("alice", "gpt-4o")

	record(l, s, 1_000_000)
	level, _ := l.WarningLevel(s)
	assert.Equal(t, WarnNone, level)
}

func TestLedger_CheckDaily(t *testing.T) {
	store := OpenStore(filepath.Join(t.TempDir(), "costs.json"))
	require.NoError(t, store.AddSession("alice", time.Now(), SessionEntry{
		SessionID: "prev", Cost: 5.00, Messages: 10, Timestamp: time.Now(),
	}))

	l := NewLedger(BudgetPolicy{DailyBudget: 5.00, WarningThreshold: 0.75}, store)

	// Persisted total already meets the budget: refuse to start.
	ok, spent := l.CheckDaily("alice")
	assert.False(t, ok)
	assert.InDelta(t, 5.00, spent, 1e-9)

	// A different user is unaffected.
	ok, spent = l.CheckDaily("bob")
	assert.True(t, ok)
	assert.Zero(t, spent)

	// No daily budget configured: always allowed.
	unlimited := NewLedger(BudgetPolicy{}, store)
	ok, _ = unlimited.CheckDaily("alice")
	assert.True(t, ok)
}

func TestLedger_FlushPersistsAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "costs.json")
	l := NewLedger(BudgetPolicy{}, OpenStore(path))

	s := l.NewSession("alice", "gpt-4o")
	record(l, s, 0.02)
	record(l, s, 0.03)
	s.Phase = SessionClosed
	require.NoError(t, l.Flush(s))

	// Fresh ledger over a fresh store sees yesterday's process totals.
	l2 := NewLedger(BudgetPolicy{}, OpenStore(path))
	assert.InDelta(t, 0.05, l2.DailyCost("alice"), 1e-9)

	entry := OpenStore(path).Day("alice", time.Now())
	require.NotNil(t, entry)
	assert.Equal(t, 2, entry.TotalMessages)
	require.Len(t, entry.Sessions, 1)
	assert.Equal(t, s.SessionID, entry.Sessions[0].SessionID)
}

func TestLedger_FlushKeepsBlockedPhase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "costs.json")
	l := NewLedger(BudgetPolicy{SessionBudget: 0.00001, WarningThreshold: 0.75}, OpenStore(path))

	s := l.NewSession("alice", "gpt-4o-mini")
	record(l, s, 0.0000135)
	require.False(t, l.CheckSession(s, 0.000001))
	require.Equal(t, SessionBlocked, s.Phase)

	// Flushing a blocked session persists its spend without relabeling it
	// as a user exit.
	require.NoError(t, l.Flush(s))
	assert.Equal(t, SessionBlocked, s.Phase)
	assert.InDelta(t, 0.0000135, OpenStore(path).DailyCost("alice", time.Now()), 1e-12)
}

func TestLedger_FlushClosesActiveSession(t *testing.T) {
	l := newTestLedger(t, BudgetPolicy{})
	s := l.NewSession("alice", "gpt-4o")

	require.NoError(t, l.Flush(s))
	assert.Equal(t, SessionClosed, s.Phase)
}

func TestLedger_NewSessionIDsUnique(t *testing.T) {
	l := newTestLedger(t, BudgetPolicy{})
	a := l.NewSession("alice", "gpt-4o")
	b := l.NewSession("alice", "gpt-4o")
	assert.NotEqual(t, a.SessionID, b.SessionID)
	assert.Len(t, a.SessionID, 8)
}

func TestBudgetPolicy_Validate(t *testing.T) {
	tests := []struct {
		name    string
		policy  BudgetPolicy
		wantErr bool
	}{
		{"defaults", BudgetPolicy{WarningThreshold: 0.75}, false},
		{"unlimited", BudgetPolicy{}, false},
		{"negative session", BudgetPolicy{SessionBudget: -1}, true},
		{"negative daily", BudgetPolicy{DailyBudget: -1}, true},
		{"threshold over one", BudgetPolicy{WarningThreshold: 1.5}, true},
		{"threshold negative", BudgetPolicy{WarningThreshold: -0.1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
