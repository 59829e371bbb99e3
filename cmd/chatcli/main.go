package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"

	"github.com/tinytools/chatcli/internal/config"
	"github.com/tinytools/chatcli/internal/costcontrol"
	"github.com/tinytools/chatcli/internal/llm"
	"github.com/tinytools/chatcli/internal/repl"
	"github.com/tinytools/chatcli/internal/usagelog"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run holds the real entry point so deferred cleanup still executes before
// the process exits with a status code.
func run(args []string) int {
	var (
		envFlag    string
		userFlag   string
		modelFlag  string
		ledgerFlag string
		debugFlag  bool
	)

	i := 0
	for i < len(args) {
		switch args[i] {
		case "-h", "--help":
			printHelp()
			return 0
		case "-e", "--env":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "Error: --env requires a value")
				return 1
			}
			envFlag = args[i+1]
			i += 2
		case "-u", "--user":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "Error: --user requires a value")
				return 1
			}
			userFlag = args[i+1]
			i += 2
		case "-m", "--model":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "Error: --model requires a value")
				return 1
			}
			modelFlag = args[i+1]
			i += 2
		case "--ledger":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "Error: --ledger requires a value")
				return 1
			}
			ledgerFlag = args[i+1]
			i += 2
		case "-d", "--debug":
			debugFlag = true
			i++
		default:
			fmt.Fprintf(os.Stderr, "Error: unknown option: %s\n", args[i])
			return 1
		}
	}

	if err := loadEnvFiles(envFlag); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if userFlag != "" {
		cfg.UserID = userFlag
	}
	if modelFlag != "" {
		cfg.Model = modelFlag
	}
	if ledgerFlag != "" {
		cfg.LedgerFile = ledgerFlag
	}

	initLogging(cfg, debugFlag)

	pricing, err := loadPricing(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	// An unpriced configured model is a configuration error; failing here is
	// cheaper than failing on the first message.
	if !pricing.Has(cfg.Model) {
		fmt.Fprintf(os.Stderr, "Error: no pricing for model %q\n", cfg.Model)
		return 1
	}

	store := costcontrol.OpenStore(cfg.LedgerFile)
	ledger := costcontrol.NewLedger(cfg.Budget, store)

	var replOpts []repl.Option
	if cfg.UsageDBFile != "" {
		usage, err := usagelog.Open(cfg.UsageDBFile)
		if err != nil {
			log.Warn().Err(err).Str("path", cfg.UsageDBFile).Msg("usage log unavailable")
		} else {
			defer usage.Close()
			replOpts = append(replOpts, repl.WithUsageLog(usage))
		}
	}
	replOpts = append(replOpts, repl.WithInteractive(term.IsTerminal(int(os.Stdin.Fd()))))

	client := llm.NewClient(cfg.BaseURL, cfg.APIKey)

	// An interrupt at the input-read point behaves like the exit command.
	// There is no mid-call cancellation: an issued call runs to completion.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loop := repl.New(cfg, pricing, ledger, client, os.Stdin, os.Stdout, replOpts...)
	if err := loop.Run(ctx); err != nil {
		return 1
	}
	return 0
}

// loadEnvFiles loads a .env file into the environment. Existing variables
// win over file values.
func loadEnvFiles(explicit string) error {
	if explicit != "" {
		if err := godotenv.Load(explicit); err != nil {
			return fmt.Errorf("cannot load env file %s: %w", explicit, err)
		}
		return nil
	}
	_ = godotenv.Load()
	if home, err := os.UserHomeDir(); err == nil {
		_ = godotenv.Load(filepath.Join(home, ".config", "chatcli", ".env"))
	}
	return nil
}

func initLogging(cfg *config.Config, debug bool) {
	zerolog.TimeFieldFormat = time.RFC3339

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	if debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: cannot open log file %s: %v\n", cfg.LogFile, err)
		} else {
			log.Logger = zerolog.New(f).With().Timestamp().Logger()
			return
		}
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
}

func loadPricing(cfg *config.Config) (*costcontrol.PricingTable, error) {
	if cfg.PricingFile == "" {
		return costcontrol.NewPricingTable(), nil
	}
	return costcontrol.LoadPricingTable(cfg.PricingFile)
}

func printHelp() {
	fmt.Println(`chatcli - budget-aware chat REPL

Usage: chatcli [options]

Options:
  -e, --env FILE      Load environment from FILE instead of ./.env
  -u, --user ID       Override CHAT_USER_ID
  -m, --model NAME    Override CHAT_MODEL
      --ledger FILE   Override CHAT_COST_LOG_FILE
  -d, --debug         Enable debug logging
  -h, --help          Show this help

Configuration is read from the environment (and .env files):
  CHAT_MODEL, CHAT_MAX_TOKENS, CHAT_TEMPERATURE,
  CHAT_SESSION_BUDGET, CHAT_DAILY_BUDGET, CHAT_BUDGET_WARNING,
  CHAT_USER_ID, CHAT_COST_LOG_FILE, CHAT_USAGE_DB_FILE,
  CHAT_PRICING_FILE, CHAT_LOG_LEVEL, CHAT_LOG_FILE,
  OPENAI_BASE_URL, OPENAI_API_KEY`)
}
