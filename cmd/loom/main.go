// Loom reconciles conversation state for an AI chat stack.
//
// It merges the agent runtime's coarse checkpoints with the serving
// layer's fine-grained message log into one canonical history, and
// serves bounded keyword-window context over HTTP. Configuration is
// loaded from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	loom serve               Start the API server
//	loom reindex <session>   Recompute keywords for a session
//	loom version             Print version and build information
//	loom -o json version     Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/loomchat/loom/internal/api"
	"github.com/loomchat/loom/internal/buildinfo"
	"github.com/loomchat/loom/internal/checkpoint"
	"github.com/loomchat/loom/internal/config"
	"github.com/loomchat/loom/internal/conversation"
	"github.com/loomchat/loom/internal/events"
	"github.com/loomchat/loom/internal/keywords"
	"github.com/loomchat/loom/internal/llm"
	"github.com/loomchat/loom/internal/memory"
	"github.com/loomchat/loom/internal/window"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the loom command. All OS-level
// dependencies are injected as parameters: ctx controls process
// lifetime, stdout and stderr receive output, and args is os.Args[1:].
// Arguments are parsed by hand. The flag package relies on
// package-level globals (flag.CommandLine), which makes it impossible
// to call run() concurrently from tests, and the argument surface here
// is small enough that manual parsing is clearer than a CLI framework.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "reindex":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: loom reindex <session-id>")
		}
		return runReindex(ctx, stdout, configPath, cmdArgs[0])
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.RuntimeInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w. It is called when
// loom is invoked with no arguments, or with -h / --help.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Loom - Conversation State Reconciliation Engine")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: loom [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve              Start the API server")
	fmt.Fprintln(w, "  reindex <session>  Recompute keywords for a session's log events")
	fmt.Fprintln(w, "  version            Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/loom/config.yaml, /etc/loom/config.yaml")
	return nil
}

// engine holds every wired component of a running loom instance.
type engine struct {
	store     *memory.SQLiteStore
	service   *conversation.Service
	retriever *window.Retriever
	indexer   *keywords.Indexer
	bus       *events.Bus
	logger    *slog.Logger
}

// buildEngine opens the stores and wires the service graph shared by
// serve and reindex.
func buildEngine(cfg *config.Config, logger *slog.Logger) (*engine, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	store, err := memory.NewSQLiteStore(cfg.DataDir + "/loom.db")
	if err != nil {
		return nil, fmt.Errorf("open message log: %w", err)
	}

	// Checkpoints share the log's database file. One sqlite connection
	// pool, one WAL.
	checkpoints, err := checkpoint.NewStore(store.DB())
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}

	bus := events.New()
	service := conversation.New(checkpoints, store, bus, logger.With("component", "conversation"))
	retriever := window.NewRetriever(store, bus, logger.With("component", "window"))

	// The extractor degrades to the deterministic tokenizer when the
	// LLM is disabled or unreachable, so the indexer is always wired.
	var client llm.Client
	model := ""
	if cfg.Extractor.Enabled {
		client = llm.NewOllamaClient(cfg.Extractor.BaseURL)
		model = cfg.Extractor.Model
	}
	extractor := keywords.NewExtractor(client, model, logger.With("component", "keywords"))
	if cfg.Extractor.TimeoutSec > 0 {
		extractor.SetTimeout(time.Duration(cfg.Extractor.TimeoutSec) * time.Second)
	}
	indexer := keywords.NewIndexer(store, extractor, bus, logger.With("component", "indexer"))

	return &engine{
		store:     store,
		service:   service,
		retriever: retriever,
		indexer:   indexer,
		bus:       bus,
		logger:    logger,
	}, nil
}

// runServe handles the "loom serve" subcommand. It is the primary
// operating mode: loads config, opens the database, starts the keyword
// indexer and the API server, and blocks until a shutdown signal
// arrives.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting Loom", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure logger now that we know the desired level. The initial
	// Info-level logger covers only the startup banner and config load.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = newLogger(stdout, level)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"data_dir", cfg.DataDir,
		"extractor", cfg.Extractor.Enabled,
	)

	eng, err := buildEngine(cfg, logger)
	if err != nil {
		return err
	}
	defer eng.store.Close()

	// Signal handling and graceful shutdown. NotifyContext wraps the
	// parent context so SIGINT/SIGTERM cancellation flows through the
	// same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	eng.indexer.Start(ctx)
	defer eng.indexer.Stop()

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, eng.service, eng.retriever, eng.bus, logger.With("component", "api"))
	server.SetIndexer(eng.indexer)
	server.SetRetrievalDefaults(cfg.Retrieval.WindowSize, cfg.Retrieval.MaxMessages)

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		_ = server.Shutdown(context.Background())
	}()

	// Blocks until the server is shut down via context cancellation or
	// fatal error.
	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("Loom stopped")
	return nil
}

// runReindex handles the "loom reindex <session>" subcommand. It runs
// one synchronous keyword pass over a session's log events and prints
// the result.
func runReindex(ctx context.Context, stdout io.Writer, configPath string, sessionID string) error {
	logger := newLogger(stdout, slog.LevelInfo)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger.Info("config loaded", "path", cfgPath)

	eng, err := buildEngine(cfg, logger)
	if err != nil {
		return err
	}
	defer eng.store.Close()

	indexed, err := eng.indexer.ReindexSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("reindex %s: %w", sessionID, err)
	}

	fmt.Fprintf(stdout, "Reindexed %d events in session %s\n", indexed, sessionID)
	return nil
}

// newLogger creates a structured text logger that writes to w at the
// given level. All log output in Loom goes through slog; this helper
// standardizes the handler configuration across subcommands.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig preloads a .env file when present, then locates and parses
// the YAML config. Environment variables referenced in the YAML (via
// ${VAR}) are expanded after the .env preload, so secrets can live
// outside the config file. A missing config file is not fatal; defaults
// serve a local instance out of the box.
func loadConfig(explicit string) (*config.Config, string, error) {
	_ = godotenv.Load()

	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, "", err
		}
		return config.Default(), "(defaults)", nil
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
