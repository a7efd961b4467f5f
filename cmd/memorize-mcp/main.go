// Command memorize-mcp runs the persistent semantic memory server: a
// JSON-RPC tool surface (store_qa, query_qa, merge_knowledge) over stdio,
// with an optional HTTP recall hook and periodic merge scheduling.
//
// CLI scaffolding follows the teacher's ad hoc os.Args/env style
// (examples/distributed_enqueue/main.go's getenv/getenvInt helpers),
// upgraded to the standard flag package per SPEC_FULL.md §10.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/memorize-mcp/memorize-mcp/internal/cache"
	"github.com/memorize-mcp/memorize-mcp/internal/dispatch"
	"github.com/memorize-mcp/memorize-mcp/internal/embedding"
	"github.com/memorize-mcp/memorize-mcp/internal/engine"
	"github.com/memorize-mcp/memorize-mcp/internal/hook"
	"github.com/memorize-mcp/memorize-mcp/internal/model"
	"github.com/memorize-mcp/memorize-mcp/internal/sampling"
	"github.com/memorize-mcp/memorize-mcp/internal/scheduler"
	"github.com/memorize-mcp/memorize-mcp/internal/snapshot"
	"github.com/memorize-mcp/memorize-mcp/internal/telemetry"
	"github.com/memorize-mcp/memorize-mcp/internal/transport"
	"github.com/memorize-mcp/memorize-mcp/internal/vectorstore"
)

type config struct {
	dbPath          string
	snapshotPath    string
	sharedImportDir string
	vectorDim       int
	debug           bool
	hookEnabled     bool
	hookHost        string
	hookPort        int
	hookMaxConns    int
	mergeCron       string
	redisAddr       string
	samplingBackend string
	genaiAPIKey     string
	genaiModel      string
}

func main() {
	cfg := parseFlags()

	sink, closeSink, err := buildSink(cfg)
	if err != nil {
		log.Fatalf("memorize-mcp: %v", err)
	}
	defer closeSink()

	tracer, shutdownTracer := telemetry.NewTracer("memorize-mcp", sink)
	defer func() { _ = shutdownTracer(context.Background()) }()

	store, err := vectorstore.Open(cfg.dbPath, cfg.vectorDim)
	if err != nil {
		log.Fatalf("memorize-mcp: open store: %v", err)
	}
	defer store.Close()

	embedder := embedding.NewLocal(cfg.vectorDim)

	if err := snapshot.SyncOnStartup(context.Background(), store, embedder, cfg.snapshotPath); err != nil {
		log.Fatalf("memorize-mcp: sync on startup: %v", err)
	}
	if cfg.sharedImportDir != "" {
		if err := snapshot.ImportShared(context.Background(), store, embedder, cfg.sharedImportDir, sink); err != nil {
			_ = sink.Emit(context.Background(), telemetry.Event{Op: "startup.import_shared", Level: "error", Err: err})
		}
	}

	sampler, err := buildSampler(cfg)
	if err != nil {
		_ = sink.Emit(context.Background(), telemetry.Event{Op: "startup.sampler", Level: "warn", Err: err})
	}

	eng := engine.New(store, embedder,
		engine.WithSink(sink),
		engine.WithTracer(tracer),
		engine.WithSampler(sampler),
		engine.WithThresholds(model.TopicThreshold, model.RecallTopicThreshold, model.MergeThreshold),
		engine.WithSearchLimit(model.DefaultSearchLimit),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var dispatchEngine cache.Inner = eng
	if cfg.redisAddr != "" {
		qcache := cache.New(cfg.redisAddr, 5*time.Minute)
		if err := qcache.Ping(ctx); err != nil {
			_ = sink.Emit(ctx, telemetry.Event{Op: "startup.cache", Level: "warn", Err: err})
		} else {
			defer qcache.Close()
			dispatchEngine = cache.NewCachingEngine(eng, qcache)
		}
	}

	sched := scheduler.New(mergeLister{store}, mergeAdapter{eng}, sink)
	if cfg.mergeCron != "" {
		if err := sched.Start(cfg.mergeCron); err != nil {
			_ = sink.Emit(ctx, telemetry.Event{Op: "startup.scheduler", Level: "error", Err: err})
		} else {
			defer sched.Stop()
		}
	}

	if cfg.hookEnabled {
		hookSrv := hook.New(eng, sink, cfg.hookMaxConns)
		go func() {
			if err := hookSrv.ListenAndServe(ctx, cfg.hookHost, cfg.hookPort); err != nil {
				_ = sink.Emit(ctx, telemetry.Event{Op: "hook.serve", Level: "error", Err: err})
			}
		}()
	}

	disp := dispatch.New(dispatchEngine)
	t := transport.New(os.Stdin, os.Stdout)

	serveErr := make(chan error, 1)
	go func() { serveErr <- t.Serve(ctx, disp.Handle) }()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			_ = sink.Emit(context.Background(), telemetry.Event{Op: "transport.serve", Level: "error", Err: err})
		}
	}

	if err := snapshot.Export(context.Background(), store, cfg.snapshotPath); err != nil {
		log.Printf("memorize-mcp: export on shutdown: %v", err)
		os.Exit(1)
	}
}

func parseFlags() config {
	var cfg config
	flag.StringVar(&cfg.dbPath, "db-path", getenv("MEMORIZE_DB_PATH", "./memorize-mcp.db"), "sqlite database file path")
	flag.StringVar(&cfg.snapshotPath, "snapshot-path", getenv("MEMORIZE_SNAPSHOT_PATH", "./memorize-mcp.snapshot.json"), "JSON snapshot file path")
	flag.StringVar(&cfg.sharedImportDir, "shared-import-dir", getenv("MEMORIZE_SHARED_IMPORT_DIR", ""), "directory scanned for *_shared.json files to import (disabled if empty)")
	flag.IntVar(&cfg.vectorDim, "vector-dim", getenvInt("MEMORIZE_VECTOR_DIM", model.DefaultDim), "embedding vector dimension")
	flag.BoolVar(&cfg.debug, "debug", false, "redirect logs to a file next to the executable")
	flag.BoolVar(&cfg.hookEnabled, "hook", getenvBool("MEMORIZE_HOOK_ENABLED", false), "enable the read-only HTTP recall hook")
	flag.StringVar(&cfg.hookHost, "hook-host", getenv("MEMORIZE_HOOK_HOST", "127.0.0.1"), "HTTP recall hook bind host")
	flag.IntVar(&cfg.hookPort, "hook-port", getenvInt("MEMORIZE_HOOK_PORT", 8787), "HTTP recall hook bind port (retries the next 9 ports if taken)")
	flag.IntVar(&cfg.hookMaxConns, "hook-max-conns", getenvInt("MEMORIZE_HOOK_MAX_CONNS", 64), "HTTP recall hook concurrent connection limit")
	flag.StringVar(&cfg.mergeCron, "merge-cron", getenv("MEMORIZE_MERGE_CRON", "@every 10m"), "cron expression for periodic merge_knowledge sweeps (empty disables)")
	flag.StringVar(&cfg.redisAddr, "redis-addr", getenv("MEMORIZE_REDIS_ADDR", ""), "optional Redis address for the query_qa result cache")
	flag.StringVar(&cfg.samplingBackend, "sampling-backend", getenv("MEMORIZE_SAMPLING_BACKEND", "peer"), "\"peer\" (MCP client sampling, default) or \"genai\" (standalone Gemini fallback)")
	flag.StringVar(&cfg.genaiAPIKey, "genai-api-key", getenv("GEMINI_API_KEY", ""), "Gemini API key for --sampling-backend=genai")
	flag.StringVar(&cfg.genaiModel, "genai-model", getenv("MEMORIZE_GENAI_MODEL", "gemini-2.0-flash"), "Gemini model for --sampling-backend=genai")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "memorize-mcp: persistent semantic memory server\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	return cfg
}

func buildSink(cfg config) (telemetry.Sink, func(), error) {
	if !cfg.debug {
		filtered := telemetry.NewLevelFilterSink(telemetry.NewWriterSink(os.Stderr), "warn")
		return filtered, func() {}, nil
	}
	fileSink, f, err := telemetry.NewDebugFileSink()
	if err != nil {
		return nil, nil, fmt.Errorf("build debug sink: %w", err)
	}
	async := telemetry.NewAsyncSink(telemetry.NewLevelFilterSink(fileSink, "debug"), 512)
	return async, func() { async.Close(); _ = f.Close() }, nil
}

// buildSampler wires the configured sampling backend. The "peer" backend is
// a placeholder here — the real peer-sampling Sampler is supplied by the
// MCP host process over its own channel in a full MCP runtime; this binary
// standalone-tests against genai when selected, and otherwise fails closed
// with a clear error surfaced only when merge_knowledge is actually called.
func buildSampler(cfg config) (engine.Sampler, error) {
	if cfg.samplingBackend != "genai" {
		return nil, nil
	}
	s, err := sampling.NewGenAISampler(context.Background(), cfg.genaiAPIKey, cfg.genaiModel)
	if err != nil {
		return nil, fmt.Errorf("build genai sampler: %w", err)
	}
	return s, nil
}

type mergeLister struct{ store *vectorstore.Store }

func (m mergeLister) ListTopics(ctx context.Context) ([]string, error) { return m.store.ListTopics(ctx) }

type mergeAdapter struct{ eng *engine.Engine }

func (m mergeAdapter) MergeKnowledge(ctx context.Context, topic string) (int, error) {
	result, err := m.eng.MergeKnowledge(ctx, topic, 0)
	if err != nil {
		return 0, err
	}
	return result.Merged, nil
}

func getenv(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func getenvInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return fallback
	}
	return n
}

func getenvBool(key string, fallback bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	switch v {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	default:
		return fallback
	}
}
