// Oracle is a conversational companion service with layered memory.
//
// It answers each user input from a five-layer memory context, falls
// back across text providers so a reply always exists, persists the turn
// in the background, and synthesizes speech without holding up the
// reply. Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	oracle serve                            Start the API server
//	oracle init [dir]                       Write a starter config.yaml
//	oracle ask <text>                       Run a single turn (for testing)
//	oracle ingest-journal <user> <file.md>  Import a markdown document into the journal
//	oracle ingest-url <user> <url>          Import a web page into external memory
//	oracle version                          Print version and build information
//	oracle -o json version                  Output version information as JSON
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spiralogic/oracle/internal/api"
	"github.com/spiralogic/oracle/internal/assembler"
	"github.com/spiralogic/oracle/internal/buildinfo"
	"github.com/spiralogic/oracle/internal/config"
	"github.com/spiralogic/oracle/internal/connwatch"
	"github.com/spiralogic/oracle/internal/database"
	"github.com/spiralogic/oracle/internal/embeddings"
	"github.com/spiralogic/oracle/internal/fetch"
	"github.com/spiralogic/oracle/internal/generate"
	"github.com/spiralogic/oracle/internal/housekeeping"
	"github.com/spiralogic/oracle/internal/ingest"
	"github.com/spiralogic/oracle/internal/memory"
	"github.com/spiralogic/oracle/internal/mqtt"
	"github.com/spiralogic/oracle/internal/notify"
	"github.com/spiralogic/oracle/internal/pipeline"
	"github.com/spiralogic/oracle/internal/turns"
	"github.com/spiralogic/oracle/internal/usage"
	"github.com/spiralogic/oracle/internal/voice"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// shutdownTimeout bounds the whole graceful shutdown sequence.
const shutdownTimeout = 20 * time.Second

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

// run is the real entry point for the oracle command. All OS-level
// dependencies are injected as parameters:
//
//   - ctx controls the lifetime of the process. Cancelling it triggers
//     graceful shutdown of the server and background workers.
//   - stdout and stderr receive all program output. Structured logs go
//     to stdout; fatal error messages go to stderr.
//   - args is os.Args[1:]. We parse these manually rather than using the
//     flag package to avoid global state that interferes with parallel
//     tests.
//
// run returns nil on clean shutdown and a non-nil error for any failure.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
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
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: oracle ask <text>")
		}
		return runAsk(ctx, stdout, configPath, outputFmt, strings.Join(cmdArgs, " "))
	case "ingest-journal":
		if len(cmdArgs) != 2 {
			return fmt.Errorf("usage: oracle ingest-journal <user> <file.md>")
		}
		return runIngestJournal(ctx, stdout, configPath, cmdArgs[0], cmdArgs[1])
	case "ingest-url":
		if len(cmdArgs) != 2 {
			return fmt.Errorf("usage: oracle ingest-url <user> <url>")
		}
		return runIngestURL(ctx, stdout, configPath, cmdArgs[0], cmdArgs[1])
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
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch", "uptime"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Oracle - conversational companion with layered memory")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: oracle [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                           Start the API server")
	fmt.Fprintln(w, "  init [dir]                      Write a starter config.yaml (default: .)")
	fmt.Fprintln(w, "  ask <text>                      Run a single turn (for testing)")
	fmt.Fprintln(w, "  ingest-journal <user> <file.md> Import a markdown document into the journal")
	fmt.Fprintln(w, "  ingest-url <user> <url>         Import a web page into external memory")
	fmt.Fprintln(w, "  version                         Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/oracle/config.yaml, /etc/oracle/config.yaml")
	return nil
}

// runAsk handles "oracle ask <text>". It runs one turn through the full
// pipeline without speech and prints the reply. Without a config file
// it uses the built-in defaults and a throwaway data directory.
func runAsk(ctx context.Context, stdout io.Writer, configPath, outputFmt, text string) error {
	cfg, dataDir, cleanup, err := loadConfigOrDefault(configPath)
	if err != nil {
		return err
	}
	defer cleanup()

	logger, err := config.NewLogger(io.Discard, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}

	c, err := newCore(ctx, cfg, dataDir, logger)
	if err != nil {
		return err
	}
	defer c.close()

	p, err := c.pipeline(cfg, logger)
	if err != nil {
		return err
	}

	res, err := p.Submit(ctx, pipeline.SubmitRequest{
		UserID:    "cli",
		SessionID: "cli",
		Text:      text,
		NoVoice:   true,
	})
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := p.Shutdown(shutdownCtx); err != nil {
		logger.Warn("background persistence did not finish", "error", err)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	fmt.Fprintln(stdout, res.ReplyText)
	return nil
}

// runIngestJournal handles "oracle ingest-journal <user> <file.md>".
func runIngestJournal(ctx context.Context, stdout io.Writer, configPath, userID, path string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := config.NewLogger(stdout, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}

	c, err := newCore(ctx, cfg, cfg.DataDir, logger)
	if err != nil {
		return err
	}
	defer c.close()

	count, err := ingest.NewMarkdownIngester(c.journal).IngestFile(ctx, userID, path)
	if err != nil {
		return fmt.Errorf("ingestion failed: %w", err)
	}

	logger.Info("ingestion complete", "user_id", userID, "file", path, "entries", count)
	fmt.Fprintf(stdout, "Successfully ingested %d journal entries from %s\n", count, path)
	return nil
}

// runIngestURL handles "oracle ingest-url <user> <url>".
func runIngestURL(ctx context.Context, stdout io.Writer, configPath, userID, rawURL string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := config.NewLogger(stdout, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}

	c, err := newCore(ctx, cfg, cfg.DataDir, logger)
	if err != nil {
		return err
	}
	defer c.close()

	res, err := ingest.NewURLIngester(fetch.New(), c.external).IngestURL(ctx, userID, rawURL)
	if err != nil {
		return fmt.Errorf("ingestion failed: %w", err)
	}

	logger.Info("ingestion complete", "user_id", userID, "url", rawURL, "passages", res.Passages, "truncated", res.Truncated)
	fmt.Fprintf(stdout, "Successfully ingested %d passages from %s\n", res.Passages, rawURL)
	return nil
}

// runServe handles "oracle serve". It opens the stores, builds the turn
// pipeline, starts the API server and the optional MQTT mirror and
// housekeeping jobs, and blocks until a shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The HTTP server drains in-flight requests and closes event streams
//  3. Background persistence finishes
//  4. The voice queue drains; unfinished tasks fail with "shutdown"
//  5. Housekeeping, provider watchers and the MQTT mirror stop, then
//     the event hub closes
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger, err := config.NewLogger(stdout, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	logger.Info("starting oracle",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"config", cfgPath,
	)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := newCore(ctx, cfg, cfg.DataDir, logger)
	if err != nil {
		return err
	}
	defer c.close()

	// MQTT mirror (optional). The hub forwards voice events to it.
	var mirror *mqtt.Mirror
	var hubOpts []notify.Option
	hubOpts = append(hubOpts, notify.WithLogger(logger))
	if cfg.MQTT.Enabled {
		clientID, err := mqtt.ResolveClientID(cfg.DataDir, cfg.MQTT.ClientID)
		if err != nil {
			return fmt.Errorf("mqtt client id: %w", err)
		}
		mirror = mqtt.New(cfg.MQTT, clientID, logger)
		hubOpts = append(hubOpts, notify.WithSink(mirror.Sink))
	}
	hub := notify.New(hubOpts...)

	// Voice queue (optional).
	var queue *voice.Queue
	if cfg.Voice.Enabled {
		queue, err = voice.FromConfig(cfg.Voice, c.turns, hub, logger)
		if err != nil {
			return fmt.Errorf("voice: %w", err)
		}
		logger.Info("voice enabled",
			"providers", queue.Providers(),
			"workers", cfg.Voice.Workers,
			"audio_dir", cfg.Voice.AudioDir,
		)
	}

	var pipeOpts []pipeline.Option
	if queue != nil {
		pipeOpts = append(pipeOpts, pipeline.WithVoice(queue))
	}
	p, err := c.pipeline(cfg, logger, pipeOpts...)
	if err != nil {
		return err
	}

	// Reachability of remote text providers, reported on /health.
	monitor := connwatch.NewMonitor(connwatch.Backoff{}, logger)
	for _, pc := range cfg.Generation.Providers {
		if pc.Kind == "echo" {
			continue
		}
		client, err := generate.NewClient(pc, logger)
		if err != nil {
			return fmt.Errorf("generation: %w", err)
		}
		monitor.Watch(ctx, pc.Name, client.Ping)
	}

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, p, logger)
	server.SetHeartbeat(cfg.Listen.Heartbeat)
	server.SetTurnReader(c.turns)
	server.SetEvents(hub)
	server.SetProviders(monitor)
	server.SetUsage(c.usage)
	server.AddCheck("turns", c.turns)
	if queue != nil {
		server.SetVoice(queue)
		server.SetAudio(queue.Cache())
	}
	if c.redis != nil {
		server.AddCheck("redis", c.redis)
	}
	server.SetMemory(&api.MemoryHandlers{
		Journal:  ingest.NewMarkdownIngester(c.journal),
		External: ingest.NewURLIngester(fetch.New(), c.external),
		Profile:  c.profile,
		Stats:    c.stats,
	})

	if mirror != nil {
		if queue != nil {
			mirror.SetCanceller(queue)
		}
		server.AddCheck("mqtt", api.CheckerFunc(func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, time.Second)
			defer cancel()
			return mirror.AwaitConnection(ctx)
		}))
		go func() {
			if err := mirror.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("mqtt mirror stopped", "error", err)
			}
		}()
	}

	hkOpts := []housekeeping.Option{
		housekeeping.WithPublisher(hub),
		housekeeping.WithLogger(logger),
	}
	if queue != nil {
		hkOpts = append(hkOpts,
			housekeeping.WithAudio(queue.Cache()),
			housekeeping.WithTurns(c.turns, queue),
		)
	} else {
		hkOpts = append(hkOpts, housekeeping.WithTurns(c.turns, nil))
	}
	hk := housekeeping.New(cfg.Housekeeping, hkOpts...)
	if err := hk.Start(); err != nil {
		return fmt.Errorf("housekeeping: %w", err)
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err = <-serverErr:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		if err != nil {
			logger.Error("api server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api server shutdown", "error", err)
	}
	if err := p.Shutdown(shutdownCtx); err != nil {
		logger.Warn("background persistence did not finish", "error", err)
	}
	if queue != nil {
		if err := queue.Stop(shutdownCtx); err != nil {
			logger.Warn("voice queue did not drain", "error", err)
		}
	}
	hk.Stop(shutdownCtx)
	monitor.Stop()
	if mirror != nil {
		if err := mirror.Stop(shutdownCtx); err != nil {
			logger.Warn("mqtt mirror shutdown", "error", err)
		}
	}
	hub.Close()

	logger.Info("oracle stopped")
	return err
}

// core holds the stores every command needs.
type core struct {
	db       *sql.DB
	turns    *turns.Store
	profile  *memory.ProfileStore
	session  memory.SessionStore
	redis    *memory.RedisSessionStore
	symbolic *memory.SymbolicStore
	journal  *memory.JournalStore
	external *memory.ExternalStore
	usage    *usage.Store
}

// newCore opens the database under dataDir and every memory layer.
func newCore(ctx context.Context, cfg *config.Config, dataDir string, logger *slog.Logger) (*core, error) {
	db, err := database.Open(filepath.Join(dataDir, "oracle.db"))
	if err != nil {
		return nil, err
	}
	c := &core{db: db}

	fail := func(what string, err error) (*core, error) {
		c.close()
		return nil, fmt.Errorf("%s: %w", what, err)
	}

	if c.turns, err = turns.NewStore(db); err != nil {
		return fail("turn store", err)
	}
	if c.usage, err = usage.NewStore(db, usage.PricingFromConfig(cfg.Generation.Providers)); err != nil {
		return fail("usage store", err)
	}
	if c.profile, err = memory.NewProfileStore(db); err != nil {
		return fail("profile store", err)
	}
	if c.symbolic, err = memory.NewSymbolicStore(db); err != nil {
		return fail("symbolic store", err)
	}

	switch cfg.Memory.SessionBackend {
	case "redis":
		c.redis, err = memory.NewRedisSessionStore(ctx, memory.RedisConfig{
			Addr:     cfg.Memory.Redis.Addr,
			Password: cfg.Memory.Redis.Password,
			DB:       cfg.Memory.Redis.DB,
		}, cfg.Memory.SessionWindow)
		if err != nil {
			return fail("redis session store", err)
		}
		c.session = c.redis
	default:
		if c.session, err = memory.NewSQLiteSessionStore(db, cfg.Memory.SessionWindow); err != nil {
			return fail("session store", err)
		}
	}

	docOpts := []memory.DocOption{memory.WithLogger(logger)}
	if cfg.Memory.Embeddings.Enabled {
		docOpts = append(docOpts, memory.WithEmbedder(embeddings.New(embeddings.Config{
			BaseURL: cfg.Memory.Embeddings.BaseURL,
			Model:   cfg.Memory.Embeddings.Model,
		})))
		logger.Info("embeddings enabled", "model", cfg.Memory.Embeddings.Model)
	}
	if c.journal, err = memory.NewJournalStore(db, docOpts...); err != nil {
		return fail("journal store", err)
	}
	if c.external, err = memory.NewExternalStore(db, docOpts...); err != nil {
		return fail("external store", err)
	}

	logger.Info("memory opened",
		"data_dir", dataDir,
		"session_backend", cfg.Memory.SessionBackend,
	)
	return c, nil
}

// layers returns the memory stores in priority order.
func (c *core) layers() []memory.Querier {
	return []memory.Querier{c.profile, c.session, c.symbolic, c.journal, c.external}
}

func (c *core) stats(ctx context.Context, userID string) (map[string]int, error) {
	return memory.Stats(ctx, userID, c.layers()...)
}

// pipeline assembles the turn pipeline over the core stores.
func (c *core) pipeline(cfg *config.Config, logger *slog.Logger, opts ...pipeline.Option) (*pipeline.Pipeline, error) {
	asmOpts := []assembler.Option{
		assembler.WithLayerTimeout(cfg.Assembler.LayerTimeout),
		assembler.WithTopK(cfg.Assembler.TopK),
		assembler.WithLogger(logger),
	}
	for name, d := range cfg.Assembler.LayerTimeouts {
		l, err := memory.ParseLayer(name)
		if err != nil {
			return nil, fmt.Errorf("assembler.layer_timeouts: %w", err)
		}
		asmOpts = append(asmOpts, assembler.WithLayerTimeoutFor(l, d))
	}
	asm := assembler.New(c.layers(), asmOpts...)

	gen, err := generate.FromConfig(cfg.Generation, logger)
	if err != nil {
		return nil, fmt.Errorf("generation: %w", err)
	}
	logger.Info("text providers configured", "providers", gen.Providers())

	extractor, err := newExtractor(cfg, logger)
	if err != nil {
		return nil, err
	}

	persister := turns.NewPersister(c.turns, c.session, c.journal, c.symbolic,
		turns.WithExtractor(extractor),
		turns.WithEnrichmentBudget(cfg.Persist.EnrichmentBudget),
		turns.WithLogger(logger),
	)

	opts = append([]pipeline.Option{
		pipeline.WithUsage(c.usage),
		pipeline.WithContextBudget(cfg.Assembler.BudgetTokens),
		pipeline.WithBackgroundWorkers(cfg.Persist.Workers),
		pipeline.WithLogger(logger),
	}, opts...)
	return pipeline.New(asm, gen, persister, opts...), nil
}

// newExtractor returns the keyword extractor, or an LLM extractor when
// persist.extractor names a generation provider.
func newExtractor(cfg *config.Config, logger *slog.Logger) (turns.Extractor, error) {
	if cfg.Persist.Extractor == "keywords" {
		return turns.KeywordExtractor{}, nil
	}
	for _, pc := range cfg.Generation.Providers {
		if pc.Name != cfg.Persist.Extractor {
			continue
		}
		client, err := generate.NewClient(pc, logger)
		if err != nil {
			return nil, fmt.Errorf("persist.extractor: %w", err)
		}
		return turns.NewLLMExtractor(client, pc.Model, logger), nil
	}
	return nil, fmt.Errorf("persist.extractor: no generation provider named %q", cfg.Persist.Extractor)
}

func (c *core) close() {
	if c.redis != nil {
		c.redis.Close()
	}
	c.db.Close()
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches the default locations.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// loadConfigOrDefault loads the config file when one exists. Without
// one it returns [config.Default] and a temporary data directory that
// cleanup removes. An explicit path that does not exist is an error.
func loadConfigOrDefault(explicit string) (cfg *config.Config, dataDir string, cleanup func(), err error) {
	if _, findErr := config.FindConfig(explicit); findErr == nil || explicit != "" {
		cfg, _, err = loadConfig(explicit)
		if err != nil {
			return nil, "", nil, err
		}
		return cfg, cfg.DataDir, func() {}, nil
	}

	dir, err := os.MkdirTemp("", "oracle-ask-*")
	if err != nil {
		return nil, "", nil, fmt.Errorf("create temp data dir: %w", err)
	}
	cfg = config.Default()
	cfg.DataDir = dir
	return cfg, dir, func() { os.RemoveAll(dir) }, nil
}
