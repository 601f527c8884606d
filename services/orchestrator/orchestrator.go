// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator assembles the athlete governance Q&A service.
//
// This package is the composition root: it builds the answer pipeline
// (classification, retrieval, research, synthesis, quality gate,
// escalation), session memory, the PII scanner, the retention sweeper,
// and the analytics sink, then wires them into the HTTP surface under
// one lifecycle.
//
// # Hard Dependencies
//
// Weaviate holds the governance corpus, the turn log, and the session
// anchors; startup aborts when WEAVIATE_URL is missing or malformed.
// The LLM backend is likewise required. Everything else (web search,
// embedding cache, analytics, retention audit log) degrades gracefully
// when unconfigured.
//
// # Usage
//
//	cfg := orchestrator.Config{
//	    Port:        12210,
//	    WeaviateURL: "http://localhost:8080",
//	}
//	svc, err := orchestrator.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(svc.Run())
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/AleutianAI/Rulebook/services/llm"
	"github.com/AleutianAI/Rulebook/services/orchestrator/analytics"
	"github.com/AleutianAI/Rulebook/services/orchestrator/conversation"
	"github.com/AleutianAI/Rulebook/services/orchestrator/datatypes"
	"github.com/AleutianAI/Rulebook/services/orchestrator/escalation"
	"github.com/AleutianAI/Rulebook/services/orchestrator/handlers"
	"github.com/AleutianAI/Rulebook/services/orchestrator/observability"
	"github.com/AleutianAI/Rulebook/services/orchestrator/pipeline"
	"github.com/AleutianAI/Rulebook/services/orchestrator/privacy"
	"github.com/AleutianAI/Rulebook/services/orchestrator/resilience"
	"github.com/AleutianAI/Rulebook/services/orchestrator/retention"
	"github.com/AleutianAI/Rulebook/services/orchestrator/retrieval"
	"github.com/AleutianAI/Rulebook/services/orchestrator/routes"
	"github.com/gin-gonic/gin"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service defines the contract for the orchestrator service.
//
// # Description
//
// Service abstracts the orchestrator lifecycle, enabling testing and
// alternative implementations. Only essential lifecycle methods are
// exposed.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Run() blocks and
// should only be called once per instance.
//
// # Limitations
//
//   - No graceful shutdown method yet; Run() blocks until server error
//
// # Assumptions
//
//   - Service is fully initialized before Run() is called
//   - Run() is called at most once per Service instance
type Service interface {
	// Run starts the HTTP server and blocks until shutdown or error.
	//
	// # Outputs
	//
	//   - error: Non-nil if the server fails to start or encounters a
	//     fatal error
	Run() error

	// Router returns the underlying Gin engine for integration testing.
	// Callers must not modify the router after construction.
	Router() *gin.Engine
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds orchestrator configuration options.
//
// # Description
//
// Config centralizes the top-level knobs for the orchestrator service.
// Component tuning (pipeline timeouts, retrieval top-k, breaker
// thresholds, retention TTLs) is read from the environment by the
// owning packages, so this struct stays small.
//
// # Required Fields
//
//   - WeaviateURL: The service cannot answer without its corpus.
//
// # Examples
//
//	// Minimal config
//	cfg := Config{WeaviateURL: "http://localhost:8080"}
//
//	// Custom port and pinned LLM backend
//	cfg := Config{
//	    Port:        8080,
//	    LLMBackend:  "anthropic",
//	    WeaviateURL: "http://weaviate:8080",
//	}
type Config struct {
	// Port is the HTTP server port. Default: 12210
	Port int

	// LLMBackend pins the LLM provider.
	// Valid values: "local", "openai", "ollama", "claude", "anthropic"
	// Empty defers to the LLM_PROVIDER environment variable, which
	// defaults to ollama.
	LLMBackend string

	// WeaviateURL is the Weaviate vector database URL. Required: the
	// governance corpus, the turn log, and the retention sweeper's
	// targets all live there.
	// Example: "http://localhost:8080"
	WeaviateURL string

	// OTelEndpoint is the OpenTelemetry collector endpoint. Empty
	// exports spans to stdout, which suits development.
	OTelEndpoint string

	// EnableMetrics enables Prometheus metrics collection.
	// Default: true
	EnableMetrics bool

	// GinMode sets the Gin framework mode.
	// Valid values: "debug", "release", "test"
	// Default: uses GIN_MODE env var or "debug"
	GinMode string

	// RetentionEnabled runs the background retention sweeper.
	// Default: true
	RetentionEnabled bool

	// RetentionAuditPath is the path of the hash-chained deletion audit
	// log. Default: "./logs/retention_audit.log"
	RetentionAuditPath string
}

// =============================================================================
// Implementation
// =============================================================================

// service implements Service for production use.
//
// # Description
//
// service coordinates:
//   - HTTP routing via Gin
//   - the staged answer pipeline and its circuit breakers
//   - session memory and rolling summaries in Weaviate
//   - PII scanning of persisted questions
//   - the retention sweeper and its audit log
//   - the per-turn analytics sink
//   - OpenTelemetry tracing and Prometheus metrics
//
// # Thread Safety
//
// Thread-safe after construction. All fields are read-only after New()
// returns.
//
// # Assumptions
//
//   - All required external services (Weaviate, LLM) are reachable
type service struct {
	config        Config
	router        *gin.Engine
	llmClient     llm.LLMClient
	weaviate      *weaviate.Client
	breakers      *resilience.Registry
	embedCache    *retrieval.CachedEmbedder
	pipeline      *pipeline.Pipeline
	store         *conversation.WeaviateSessionStore
	summarizer    *conversation.Summarizer
	scanner       *privacy.Scanner
	sink          analytics.TurnSink
	directory     *escalation.Directory
	watcher       *escalation.Watcher
	sweeper       *retention.Sweeper
	auditLog      *retention.AuditLog
	tracerCleanup func(context.Context)
}

// =============================================================================
// Constructor
// =============================================================================

// New creates a new orchestrator Service with the given configuration.
//
// # Description
//
// New initializes all orchestrator components:
//  1. Applies default configuration for missing values
//  2. Initializes OpenTelemetry tracing
//  3. Initializes Prometheus metrics
//  4. Connects to Weaviate and ensures the schema
//  5. Builds the circuit breaker registry
//  6. Creates the LLM client
//  7. Assembles the answer pipeline (retrieval, escalation directory,
//     web search, dedup)
//  8. Wires session memory, the PII scanner, and the analytics sink
//  9. Starts the retention sweeper
//  10. Sets up HTTP routes
//
// # Inputs
//
//   - cfg: Service configuration. Zero values use defaults, except
//     WeaviateURL, which is required.
//
// # Outputs
//
//   - Service: Ready-to-run orchestrator service
//   - error: Non-nil if a required component fails to initialize
//
// # Examples
//
//	cfg := Config{Port: 12210, WeaviateURL: "http://localhost:8080"}
//	svc, err := New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(svc.Run())
//
// # Limitations
//
//   - InitMetrics registers on the Prometheus default registry, so New
//     with metrics enabled must only run once per process
//
// # Assumptions
//
//   - Environment variables are set for the chosen LLM provider
func New(cfg Config) (Service, error) {
	s := &service{
		config: applyConfigDefaults(cfg),
	}

	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}

	// Initialize OpenTelemetry tracer
	cleanup, err := s.initTracer()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	// Initialize Prometheus metrics
	if s.config.EnableMetrics {
		observability.InitMetrics()
		slog.Info("Initialized Prometheus metrics")
	}

	// The vector store is a hard dependency: it holds the governance
	// corpus the retriever searches and the turn log behind /v1/sessions.
	if err := s.initWeaviate(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize Weaviate: %w", err)
	}

	// One breaker per external dependency, shared by every turn.
	s.breakers = resilience.NewRegistry(resilience.ConfigFromEnv())

	// Initialize LLM client
	if err := s.initLLMClient(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize LLM client: %w", err)
	}

	// Assemble the staged answer pipeline
	if err := s.initPipeline(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize answer pipeline: %w", err)
	}

	// Session memory and the rolling summarizer share the Weaviate
	// instance; the summarizer reuses the main model.
	s.store = conversation.NewWeaviateSessionStore(s.weaviate)
	s.summarizer = conversation.NewSummarizer(s.llmClient, s.store,
		conversation.DefaultSummaryConfig())

	// Unparsable embedded PII patterns are a build defect, not a
	// runtime condition.
	s.scanner, err = privacy.NewScanner()
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize PII scanner: %w", err)
	}

	s.sink = analytics.NewSinkFromEnv()

	// Start the retention sweeper
	if s.config.RetentionEnabled {
		if err := s.initRetention(); err != nil {
			slog.Warn("Retention sweeper initialization failed",
				"error", err)
			// Not fatal - continue without scheduled cleanup
		}
	}

	// Setup HTTP router
	s.initRouter()

	return s, nil
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run starts the HTTP server and blocks until shutdown or error.
//
// # Description
//
// Starts the Gin HTTP server on the configured port. This method
// blocks until the server stops due to error or shutdown signal.
// Cleanup is automatic on return.
//
// # Outputs
//
//   - error: Non-nil if the server fails to start or encounters a
//     fatal error
//
// # Assumptions
//
//   - Service was successfully created via New()
//   - Port is available
func (s *service) Run() error {
	defer s.cleanup()

	addr := fmt.Sprintf(":%d", s.config.Port)
	slog.Info("Starting orchestrator server", "port", s.config.Port)

	return s.router.Run(addr)
}

// Router returns the underlying Gin engine for testing.
func (s *service) Router() *gin.Engine {
	return s.router
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// applyConfigDefaults fills in missing configuration values.
//
// # Inputs
//
//   - cfg: User-provided configuration
//
// # Outputs
//
//   - Config: Configuration with defaults applied
func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12210
	}
	if cfg.RetentionAuditPath == "" {
		cfg.RetentionAuditPath = "./logs/retention_audit.log"
	}
	// A bool zero value cannot distinguish unset from false, and the
	// question handlers record request metrics unconditionally, so both
	// switches are forced on here.
	cfg.EnableMetrics = true
	cfg.RetentionEnabled = true

	return cfg
}

// initTracer initializes OpenTelemetry distributed tracing.
//
// # Description
//
// Sets up an OTLP trace exporter toward the configured collector, or a
// stdout exporter when no collector endpoint is configured.
//
// # Outputs
//
//   - func(context.Context): Cleanup function to call on shutdown
//   - error: Non-nil if tracer setup fails
//
// # Limitations
//
//   - Uses an insecure gRPC connection (appropriate for internal
//     networks)
func (s *service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	var traceExporter sdktrace.SpanExporter
	if s.config.OTelEndpoint == "" {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout trace exporter: %w", err)
		}
		traceExporter = exporter
		slog.Info("OTel endpoint not configured, exporting spans to stdout")
	} else {
		conn, err := grpc.NewClient(s.config.OTelEndpoint,
			grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
		}
		exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
		traceExporter = exporter
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("orchestrator-service")))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	cleanup := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown trace exporter", "error", err)
		}
	}

	return cleanup, nil
}

// initWeaviate connects to the Weaviate vector database.
//
// # Description
//
// Validates the configured URL, creates the client, and ensures the
// GovernanceDocument, Conversation, and Session classes exist.
//
// # Outputs
//
//   - error: Non-nil if the URL is missing or malformed, or the client
//     cannot be created
func (s *service) initWeaviate() error {
	clientConf, err := parseWeaviateURL(s.config.WeaviateURL)
	if err != nil {
		return err
	}

	s.weaviate, err = weaviate.NewClient(clientConf)
	if err != nil {
		return fmt.Errorf("failed to create Weaviate client: %w", err)
	}

	datatypes.EnsureWeaviateSchema(s.weaviate)
	slog.Info("Weaviate client initialized", "url", s.config.WeaviateURL)

	return nil
}

// parseWeaviateURL validates a Weaviate URL and splits it into client
// config. Surrounding quotes survive some compose-file env quoting, so
// they are stripped first.
func parseWeaviateURL(raw string) (weaviate.Config, error) {
	trimmed := strings.Trim(raw, "\"' ")

	if trimmed == "" {
		return weaviate.Config{}, fmt.Errorf("WEAVIATE_URL is required: the governance corpus and session log live there")
	}
	if !strings.Contains(trimmed, "http") {
		return weaviate.Config{}, fmt.Errorf("invalid Weaviate URL: %s", trimmed)
	}

	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return weaviate.Config{}, fmt.Errorf("invalid Weaviate URL: %s", trimmed)
	}

	return weaviate.Config{
		Host:   parsed.Host,
		Scheme: parsed.Scheme,
	}, nil
}

// initLLMClient initializes the LLM provider client.
//
// # Description
//
// Creates the client for the pinned backend, or defers to the
// LLM_PROVIDER environment variable when no backend is pinned.
//
// # Outputs
//
//   - error: Non-nil if client creation fails (for example a missing
//     API key)
func (s *service) initLLMClient() error {
	var err error

	switch s.config.LLMBackend {
	case "":
		s.llmClient, err = llm.NewClientFromEnv()
	case "local", "llamacpp":
		s.llmClient, err = llm.NewLocalLlamaCppClient()
		slog.Info("Using local llama.cpp LLM backend")
	case "openai":
		s.llmClient, err = llm.NewOpenAIClient()
		slog.Info("Using OpenAI LLM backend")
	case "ollama":
		s.llmClient, err = llm.NewOllamaClient()
		slog.Info("Using Ollama LLM backend")
	case "claude", "anthropic":
		s.llmClient, err = llm.NewAnthropicClient()
		slog.Info("Using Anthropic (Claude) LLM backend")
	default:
		slog.Warn("Unknown LLM backend, deferring to LLM_PROVIDER",
			"backend", s.config.LLMBackend)
		s.llmClient, err = llm.NewClientFromEnv()
	}

	return err
}

// initPipeline assembles the staged answer pipeline.
//
// # Description
//
// Builds the retrieval chain (embedder, optional Badger cache,
// Weaviate searcher), the optional web search client, and the
// escalation directory, then constructs the Pipeline with the shared
// breaker registry. The escalation directory gets a file watcher when
// an external override is configured, so contact edits apply without a
// restart.
//
// # Outputs
//
//   - error: Non-nil if the escalation directory cannot be loaded or
//     the pipeline's required dependencies are incomplete
func (s *service) initPipeline() error {
	var embedder retrieval.Embedder = retrieval.NewServiceEmbedder(
		s.breakers.Get(resilience.DepEmbedding), 0)

	if cacheCfg := retrieval.EmbedCacheConfigFromEnv(); cacheCfg.Path != "" {
		cached, err := retrieval.NewCachedEmbedder(embedder, cacheCfg)
		if err != nil {
			slog.Warn("Embedding cache unavailable, continuing uncached",
				"dir", cacheCfg.Path, "error", err)
		} else {
			s.embedCache = cached
			embedder = cached
		}
	}

	searcher := retrieval.NewWeaviateSearcher(s.weaviate, embedder,
		s.breakers.Get(resilience.DepVectorSearch), retrieval.SearchConfigFromEnv())

	// Without web search the researcher stage is a no-op and gray-zone
	// questions synthesize from corpus results alone.
	var webSearcher retrieval.WebSearcher
	webClient, err := retrieval.NewWebSearchClient(retrieval.WebSearchConfigFromEnv(),
		s.breakers.Get(resilience.DepWebSearch))
	if err != nil {
		slog.Info("Web search not configured, researcher stage disabled",
			"reason", err)
	} else {
		webSearcher = webClient
	}

	s.directory, err = escalation.NewDirectory()
	if err != nil {
		return fmt.Errorf("load escalation directory: %w", err)
	}

	if s.directory.Path() != "" {
		watcher, err := escalation.NewWatcher(s.directory)
		if err != nil {
			slog.Warn("Escalation directory watcher unavailable, edits apply on restart only",
				"error", err)
		} else {
			s.watcher = watcher
			go watcher.Start(context.Background())
		}
	}

	s.pipeline, err = pipeline.New(pipeline.Dependencies{
		LLM:         s.llmClient,
		Searcher:    searcher,
		WebSearcher: webSearcher,
		Dedup:       retrieval.NewDeduplicator(retrieval.DedupThresholdFromEnv()),
		Directory:   s.directory,
		Breakers:    s.breakers,
		Window:      conversation.WindowConfigFromEnv(),
	}, pipeline.ConfigFromEnv())
	if err != nil {
		return err
	}

	return nil
}

// initRetention starts the background retention sweeper.
//
// # Description
//
// Creates the hash-chained deletion audit log and the sweeper that
// deletes expired turns and session summaries from Weaviate. A failed
// audit log is not fatal: the sweeper still runs and slog captures the
// purge outcomes.
//
// # Outputs
//
//   - error: Non-nil if the sweeper fails to start
func (s *service) initRetention() error {
	auditLog, err := retention.NewAuditLog(s.config.RetentionAuditPath)
	if err != nil {
		slog.Warn("Failed to create retention audit log, continuing without audit trail",
			"log_path", s.config.RetentionAuditPath,
			"error", err)
	} else {
		s.auditLog = auditLog
	}

	var audit retention.AuditSink
	if s.auditLog != nil {
		audit = s.auditLog
	}

	s.sweeper = retention.NewSweeper(
		retention.NewWeaviateBatchDelete(s.weaviate), audit, retention.ConfigFromEnv())

	if err := s.sweeper.Start(context.Background()); err != nil {
		return fmt.Errorf("start retention sweeper: %w", err)
	}

	return nil
}

// initRouter sets up the Gin HTTP router with all routes.
//
// # Limitations
//
//   - Routes are fixed after initialization
//
// # Assumptions
//
//   - All dependencies (pipeline, store, breakers) are initialized
func (s *service) initRouter() {
	s.router = gin.Default()
	s.router.Use(otelgin.Middleware("orchestrator-service"))

	routes.SetupRoutes(s.router, routes.Deps{
		Turn: handlers.TurnDeps{
			Runner:     s.pipeline,
			Store:      s.store,
			Summarizer: s.summarizer,
			Scanner:    s.scanner,
			Analytics:  s.sink,
		},
		Weaviate:  s.weaviate,
		Analytics: s.sink,
		Breakers:  s.breakers,
	})
}

// cleanup releases all resources held by the service.
//
// # Description
//
// Called when Run() exits or on initialization failure. Stops the
// escalation watcher and retention sweeper, closes the audit log, the
// embedding cache, and the analytics sink, then shuts down the tracer.
func (s *service) cleanup() {
	if s.watcher != nil {
		if err := s.watcher.Stop(); err != nil {
			slog.Warn("Escalation watcher stop error", "error", err)
		}
	}

	if s.sweeper != nil {
		if err := s.sweeper.Stop(); err != nil {
			slog.Warn("Retention sweeper stop error", "error", err)
		}
	}

	if s.auditLog != nil {
		if err := s.auditLog.Close(); err != nil {
			slog.Warn("Retention audit log close error", "error", err)
		}
	}

	if s.embedCache != nil {
		if err := s.embedCache.Close(); err != nil {
			slog.Warn("Embedding cache close error", "error", err)
		}
	}

	if s.sink != nil {
		s.sink.Close()
	}

	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var _ Service = (*service)(nil)
