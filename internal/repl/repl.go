// Package repl implements the interactive chat session loop: it reads user
// input, gates each message on the budget ledger, issues the remote model
// call, and reports costs back to the user.
package repl

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tinytools/chatcli/internal/config"
	"github.com/tinytools/chatcli/internal/costcontrol"
	"github.com/tinytools/chatcli/internal/llm"
	"github.com/tinytools/chatcli/internal/usagelog"
)

// REPL runs one interactive chat session. Single-threaded and blocking: one
// message at a time, and the remote call blocks the loop until it completes.
type REPL struct {
	cfg       *config.Config
	pricing   *costcontrol.PricingTable
	ledger    *costcontrol.Ledger
	completer llm.Completer
	usage     *usagelog.Log // optional per-call audit log

	in          io.Reader
	out         io.Writer
	interactive bool

	session *costcontrol.SessionState
	flushed bool
}

// Option configures a REPL.
type Option func(*REPL)

// WithUsageLog attaches a per-call usage log.
func WithUsageLog(l *usagelog.Log) Option {
	return func(r *REPL) { r.usage = l }
}

// WithInteractive controls whether the prompt and banner are printed.
func WithInteractive(on bool) Option {
	return func(r *REPL) { r.interactive = on }
}

// New creates a REPL wired to the given collaborators.
func New(cfg *config.Config, pricing *costcontrol.PricingTable, ledger *costcontrol.Ledger,
	completer llm.Completer, in io.Reader, out io.Writer, opts ...Option) *REPL {
	r := &REPL{
		cfg:         cfg,
		pricing:     pricing,
		ledger:      ledger,
		completer:   completer,
		in:          in,
		out:         out,
		interactive: true,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Session returns the current session state, or nil before Run.
func (r *REPL) Session() *costcontrol.SessionState { return r.session }

// Run starts the session loop and blocks until the user exits, input ends,
// the budget blocks the session, or ctx is cancelled. Cancellation at the
// read point (e.g. an interrupt signal) behaves like the exit command.
func (r *REPL) Run(ctx context.Context) error {
	// The derived cancel releases the reader goroutine on every return path,
	// even when input lines are still pending.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.session = r.ledger.NewSession(r.cfg.UserID, r.cfg.Model)

	log.Info().
		Str("session_id", r.session.SessionID).
		Str("user_id", r.cfg.UserID).
		Str("model", r.cfg.Model).
		Msg("chat session started")

	// Daily budget is evaluated once, before the session accepts anything.
	if ok, spent := r.ledger.CheckDaily(r.cfg.UserID); !ok {
		fmt.Fprintf(r.out, "Daily budget exceeded ($%.4f). The session cannot start.\n", spent)
		fmt.Fprintln(r.out, "Contact your administrator to increase the budget.")
		r.session.Phase = costcontrol.SessionBlocked
		return costcontrol.ErrDailyBudgetExceeded
	}

	if r.interactive {
		fmt.Fprintf(r.out, "Chat session %s (model %s). Type 'exit' to quit, 'help' for commands.\n\n",
			r.session.SessionID, r.cfg.Model)
	}

	lines := r.readLines(ctx)
	for r.session.Phase == costcontrol.SessionActive {
		if r.interactive {
			fmt.Fprint(r.out, "You: ")
		}
		select {
		case <-ctx.Done():
			fmt.Fprintln(r.out)
			r.exit()
			return nil
		case line, ok := <-lines:
			if !ok {
				fmt.Fprintln(r.out, "\nGoodbye!")
				r.exit()
				return nil
			}
			r.processMessage(ctx, strings.TrimSpace(line))
		}
	}

	// Blocked sessions still flush: the spend already recorded must land in
	// the daily totals.
	r.flush()
	return nil
}

// readLines feeds input lines through a channel so Run can also observe
// context cancellation. The goroutine exits when the input closes or the
// context ends with a line still pending.
func (r *REPL) readLines(ctx context.Context) <-chan string {
	ch := make(chan string)
	scanner := bufio.NewScanner(r.in)
	go func() {
		defer close(ch)
		for scanner.Scan() {
			select {
			case ch <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// processMessage runs the per-message pipeline: control commands short-circuit,
// everything else is estimated, budget-checked, sent, and recorded.
func (r *REPL) processMessage(ctx context.Context, message string) {
	if message == "" {
		return
	}

	switch strings.ToLower(message) {
	case "exit":
		r.exit()
		return
	case "help":
		r.printHelp()
		return
	case "/cost":
		r.printCostReport()
		return
	case "/budget":
		r.printBudgetStatus()
		return
	}

	// Pre-flight estimate: worst case assumes the reply uses the full
	// configured output allowance. Deliberately conservative; it only gates
	// and warns, the realized cost is what gets charged.
	inputTokens := costcontrol.CountTokens(message, r.cfg.Model)
	estimated, err := r.pricing.EstimateCost(r.cfg.Model, inputTokens, r.cfg.MaxTokens)
	if err != nil {
		// The configured model is validated at startup, so this is a bug.
		log.Error().Err(err).Str("model", r.cfg.Model).Msg("pre-flight estimate failed")
		fmt.Fprintf(r.out, "Error: %v\n", err)
		return
	}

	fmt.Fprintf(r.out, "\n[Estimated cost: $%.6f]\n", estimated)

	if !r.ledger.CheckSession(r.session, estimated) {
		fmt.Fprintln(r.out, "\nBudget exceeded!")
		fmt.Fprintf(r.out, "Session cost:   $%.4f\n", r.session.SessionCost)
		fmt.Fprintf(r.out, "Session budget: $%.4f\n", r.ledger.Policy().SessionBudget)
		fmt.Fprintf(r.out, "This message would cost up to $%.6f.\n", estimated)
		fmt.Fprintln(r.out, "\nSession ended due to budget limit.")
		return
	}

	completion, err := r.completer.Complete(ctx, llm.Request{
		Model:       r.cfg.Model,
		Message:     message,
		MaxTokens:   r.cfg.MaxTokens,
		Temperature: r.cfg.Temperature,
	})
	if err != nil {
		// Non-fatal: no usage was returned, so the failed call costs nothing
		// and the session stays open.
		log.Error().Err(err).
			Str("session_id", r.session.SessionID).
			Str("user_id", r.cfg.UserID).
			Msg("api call failed")
		fmt.Fprintf(r.out, "\nError: %v\n", err)
		return
	}

	actual, err := r.pricing.RealizedCost(r.cfg.Model,
		completion.InputTokens, completion.OutputTokens, completion.CachedTokens)
	if err != nil {
		log.Error().Err(err).Str("model", r.cfg.Model).Msg("realized cost computation failed")
		fmt.Fprintf(r.out, "\nError: %v\n", err)
		return
	}

	rec := costcontrol.UsageRecord{
		SessionID:    r.session.SessionID,
		UserID:       r.cfg.UserID,
		Model:        r.cfg.Model,
		InputTokens:  completion.InputTokens,
		OutputTokens: completion.OutputTokens,
		CachedTokens: completion.CachedTokens,
		Cost:         actual,
		Timestamp:    time.Now(),
	}
	r.ledger.Record(r.session, rec)
	r.appendUsage(ctx, rec)
	r.printWarnings()

	total := completion.InputTokens + completion.OutputTokens
	fmt.Fprintf(r.out, "\nAI: %s\n", completion.Reply)
	fmt.Fprintf(r.out, "\n[Tokens: %d in + %d out = %d total]\n",
		completion.InputTokens, completion.OutputTokens, total)
	fmt.Fprintf(r.out, "[Cost: $%.6f | Session: $%.6f]\n", actual, r.session.SessionCost)
}

// appendUsage writes to the audit log. Failures are logged, never surfaced:
// the log is an aid, not a gate.
func (r *REPL) appendUsage(ctx context.Context, rec costcontrol.UsageRecord) {
	if r.usage == nil {
		return
	}
	if err := r.usage.Append(ctx, rec); err != nil {
		log.Warn().Err(err).Str("session_id", rec.SessionID).Msg("usage log append failed")
	}
}

func (r *REPL) printWarnings() {
	level, used := r.ledger.WarningLevel(r.session)
	switch level {
	case costcontrol.WarnCritical:
		fmt.Fprintf(r.out, "\nCritical: %.0f%% of session budget used!\n", used*100)
	case costcontrol.WarnApproaching:
		fmt.Fprintf(r.out, "\nWarning: %.0f%% of session budget used\n", used*100)
	}
}

func (r *REPL) printHelp() {
	fmt.Fprintln(r.out, "\nAvailable commands:")
	fmt.Fprintln(r.out, "  exit    - Exit the chat")
	fmt.Fprintln(r.out, "  help    - Show this help message")
	fmt.Fprintln(r.out, "  /cost   - Show cost report")
	fmt.Fprintln(r.out, "  /budget - Show budget status")
	fmt.Fprintln(r.out, "\nCurrent settings:")
	fmt.Fprintf(r.out, "  Model: %s\n", r.cfg.Model)
	fmt.Fprintf(r.out, "  Max tokens: %d\n", r.cfg.MaxTokens)
	fmt.Fprintf(r.out, "  Temperature: %.1f\n", r.cfg.Temperature)
	fmt.Fprintln(r.out, "\nSession stats:")
	fmt.Fprintf(r.out, "  Messages: %d\n", r.session.MessageCount)
	fmt.Fprintf(r.out, "  Total cost: $%.6f\n", r.session.SessionCost)
}

// printCostReport renders current state only, so repeated calls without an
// intervening message produce identical output.
func (r *REPL) printCostReport() {
	fmt.Fprintln(r.out, "\nCost Report")
	fmt.Fprintln(r.out, strings.Repeat("=", 50))
	fmt.Fprintf(r.out, "Session: $%.6f (%d messages)\n", r.session.SessionCost, r.session.MessageCount)

	policy := r.ledger.Policy()
	if policy.DailyBudget > 0 {
		daily := r.ledger.DailyCost(r.cfg.UserID)
		fmt.Fprintf(r.out, "Today: $%.4f / $%.2f (%.1f%%)\n",
			daily, policy.DailyBudget, daily/policy.DailyBudget*100)
	}
	if r.session.MessageCount > 0 {
		fmt.Fprintf(r.out, "Average per message: $%.6f\n",
			r.session.SessionCost/float64(r.session.MessageCount))
	}
}

func (r *REPL) printBudgetStatus() {
	fmt.Fprintln(r.out, "\nBudget Status")
	fmt.Fprintln(r.out, strings.Repeat("=", 50))

	policy := r.ledger.Policy()
	if policy.SessionBudget > 0 {
		fmt.Fprintf(r.out, "Session: $%.6f / $%.2f (%.1f%%)\n",
			r.session.SessionCost, policy.SessionBudget,
			r.session.SessionCost/policy.SessionBudget*100)
	} else {
		fmt.Fprintf(r.out, "Session: $%.6f (no limit)\n", r.session.SessionCost)
	}

	if policy.DailyBudget > 0 {
		daily := r.ledger.DailyCost(r.cfg.UserID)
		fmt.Fprintf(r.out, "Daily: $%.4f / $%.2f (%.1f%%)\n",
			daily, policy.DailyBudget, daily/policy.DailyBudget*100)
	} else {
		fmt.Fprintln(r.out, "Daily: No limit set")
	}
}

func (r *REPL) exit() {
	r.session.Phase = costcontrol.SessionClosed
	r.flush()
	fmt.Fprintf(r.out, "\nGoodbye! Total cost: $%.6f\n", r.session.SessionCost)
}

func (r *REPL) flush() {
	if r.flushed {
		return
	}
	r.flushed = true
	if err := r.ledger.Flush(r.session); err != nil {
		fmt.Fprintf(r.out, "Warning: could not save session costs: %v\n", err)
	}
}
