// Arbiter triages security alerts by fusing a feature classifier with an
// LLM reasoner grounded on retrieved knowledge.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/prof"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	otelpyroscope "github.com/grafana/otel-profiling-go"

	"github.com/linnemanlabs/go-core/health"

	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/otelx"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/arbiter/internal/alert"
	"github.com/linnemanlabs/arbiter/internal/alertapi"
	"github.com/linnemanlabs/arbiter/internal/authmw"
	"github.com/linnemanlabs/arbiter/internal/batch"
	ac "github.com/linnemanlabs/arbiter/internal/cfg"
	"github.com/linnemanlabs/arbiter/internal/classifier"
	"github.com/linnemanlabs/arbiter/internal/consensus"
	"github.com/linnemanlabs/arbiter/internal/notify/slack"
	"github.com/linnemanlabs/arbiter/internal/postgres"
	"github.com/linnemanlabs/arbiter/internal/queue"
	"github.com/linnemanlabs/arbiter/internal/ratelimit"
	"github.com/linnemanlabs/arbiter/internal/reasoner"
	"github.com/linnemanlabs/arbiter/internal/reasoner/claude"
	"github.com/linnemanlabs/arbiter/internal/retrieval"
	"github.com/linnemanlabs/arbiter/internal/safety"
	"github.com/linnemanlabs/arbiter/internal/triage"
	"github.com/linnemanlabs/arbiter/internal/triage/memstore"
	"github.com/linnemanlabs/arbiter/internal/triage/pgstore"
)

const appName = "arbiter"
const component = "server"

// auditCapacity bounds the in-memory sanitizer audit trail.
const auditCapacity = 4096

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Set app name and component
	v.AppName = appName
	v.Component = component

	// Get build/version info
	vi := v.Get()

	// each package registers its own flags and options struct
	var (
		appCfg    ac.Config
		httpCfg   httpserver.Config
		httpmwCfg httpmw.Config
		logCfg    log.Config
		opsCfg    opshttp.Config
		profCfg   prof.Config
		traceCfg  otelx.Config
	)

	// register flags for each package, which will be parsed into the shared config struct
	appCfg.RegisterFlags(flag.CommandLine)
	httpCfg.RegisterFlags(flag.CommandLine)
	httpmwCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	opsCfg.RegisterFlags(flag.CommandLine)
	profCfg.RegisterFlags(flag.CommandLine)
	traceCfg.RegisterFlags(flag.CommandLine)
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	// parse flags to get config values from cmdline, we check env vars next which do not override cmdline flags
	flag.Parse()
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	// Fill in config values from environment variables with prefix ARBITER_,
	// these do not override cmdline flags
	cfg.FillFromEnv(flag.CommandLine, "ARBITER_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := errors.Join(
		appCfg.Validate(),
		httpCfg.Validate(),
		httpmwCfg.Validate(),
		logCfg.Validate(),
		opsCfg.Validate(),
		profCfg.Validate(),
		traceCfg.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	// cross-cutting checks that only main can validate
	if appCfg.APIPort == opsCfg.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", appCfg.APIPort)
	}

	// initialize logger early
	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = lg.Sync() }()

	L := lg.With("component", vi.Component)
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", appCfg.APIPort,
		"admin_port", opsCfg.Port,
		"enable_pprof", opsCfg.EnablePprof,
		"enable_pyroscope", profCfg.EnablePyroscope,
		"enable_tracing", traceCfg.EnableTracing,
		"trace_sample", traceCfg.TraceSample,
		"otlp_endpoint", traceCfg.OTLPEndpoint,
		"trusted_proxy_hops", httpmwCfg.TrustedProxyHops,
		"primary_model", appCfg.PrimaryModel,
		"fallback_model", appCfg.FallbackModel,
		"rate_limit_profile", appCfg.RateLimitProfile,
		"auth_enabled", appCfg.APIToken != "",
	)

	// Setup pyroscope profiling early so we get profiles from the entire app lifetime
	profOpts := profCfg.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
		"source":    "lmlabs-go-agent",
	}
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", profCfg.PyroServer)
	}
	if stopProf != nil {
		defer stopProf()
	}

	// Setup otel for tracing
	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version

	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx == nil {
		shutdownOtelx = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownOtelx(context.Background()) }()

	// Link spans to profiles so a slow triage span opens its CPU profile.
	if profErr == nil && profCfg.EnablePyroscope {
		otel.SetTracerProvider(otelpyroscope.NewTracerProvider(otel.GetTracerProvider()))
	}

	var m = metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, component, &vi)
	m.SetProfilingActive(profErr == nil && profCfg.EnablePyroscope)

	triageMetrics := triage.NewMetrics(m.Registry())
	edge := newEdgeMetrics(m.Registry())

	// Classifier. A missing or corrupt artifact is fatal.
	model, err := classifier.LoadFile(appCfg.ModelPath)
	if err != nil {
		return fmt.Errorf("classifier: %w", err)
	}
	info := model.Info()
	L.Info(ctx, "classifier loaded",
		"model", info.Model,
		"trees", info.Trees,
		"precision", info.Precision,
		"calibration_disagreement_pct", info.DisagreementPct,
	)

	aggregator := batch.New(model, batch.Options{
		MaxSize: appCfg.BatchSize,
		MaxWait: appCfg.BatchMaxWait,
	}, triageMetrics.BatchHooks())

	// Retrieval engine, seeded from the knowledge directory if configured.
	var embedder retrieval.Embedder = retrieval.NewHashEmbedder(retrieval.HashDimensions)
	if appCfg.EmbedderURL != "" {
		embedder = retrieval.NewOllamaEmbedder(appCfg.EmbedderURL, appCfg.EmbedderModel, appCfg.RetrievalTimeout)
	}
	kb := retrieval.New(L, embedder, appCfg.EmbedCacheSize, triageMetrics.RetrievalHooks())
	if appCfg.KnowledgeDir != "" {
		n, err := kb.LoadDir(ctx, appCfg.KnowledgeDir)
		if err != nil {
			return fmt.Errorf("seed knowledge: %w", err)
		}
		L.Info(ctx, "knowledge seeded", "dir", appCfg.KnowledgeDir, "documents", n, "embedder", kb.Embedder())
	}

	// Reasoner on the Claude provider; primary and fallback are two models on it.
	llm := reasoner.New(L, claude.New(appCfg.ClaudeAPIKey), reasoner.Options{
		Primary:         appCfg.PrimaryModel,
		Fallback:        appCfg.FallbackModel,
		Timeout:         appCfg.LLMTimeout,
		Temperature:     appCfg.Temperature,
		MaxTokens:       appCfg.MaxTokens,
		ConfidenceFloor: appCfg.ConfidenceFloor,
	}, triageMetrics.ReasonerHooks())
	primary, fallback := llm.Models()
	L.Info(ctx, "initialized LLM provider", "provider", "claude", "primary", primary, "fallback", fallback)

	collections, _ := appCfg.CollectionList()
	pipeline := triage.NewPipeline(L, triage.PipelineDeps{
		Sanitizer:  safety.New(L, appCfg.MaxFieldLength, safety.NewMemoryAudit(auditCapacity), triageMetrics.SafetyHooks()),
		Classifier: aggregator,
		Retriever:  kb,
		Reasoner:   llm,
		Consensus:  consensus.New(appCfg.ConfidenceFloor),
	}, triage.PipelineOptions{
		ClassifierTimeout: appCfg.ClassifierTimeout,
		RetrievalTimeout:  appCfg.RetrievalTimeout,
		TopK:              appCfg.TopK,
		MinSimilarity:     appCfg.MinSimilarity,
		Collections:       collections,
	}, triageMetrics.Hooks())

	// Health probes shared by GET /api/v1/health.
	probes := []alertapi.Probe{
		{Name: "classifier", Check: func(ctx context.Context) error {
			_, err := aggregator.Classify(ctx, make([]float64, alert.FeatureCount))
			return err
		}},
		{Name: "retrieval", Check: kb.Ping},
		{Name: "llm", Check: llm.Ping},
	}

	// Initialize the triage store
	var triageStore triage.Store
	if appCfg.DatabaseURL != "" {
		poolOpts := []postgres.PoolOption{
			postgres.WithMaxConns(int32(appCfg.DBMaxConns)), //nolint:gosec // G115: validated > 0, small
			postgres.WithSlowQueryThreshold(appCfg.DBSlowQuery),
		}
		if appCfg.DBLogQueryArgs {
			poolOpts = append(poolOpts, postgres.WithQueryArgs())
		}
		pool, err := postgres.NewPool(ctx, appCfg.DatabaseURL, poolOpts...)
		if err != nil {
			return fmt.Errorf("postgres pool: %w", err)
		}
		defer pool.Close()
		pgStore, err := pgstore.New(ctx, pool)
		if err != nil {
			return fmt.Errorf("pgstore init: %w", err)
		}
		triageStore = pgStore
		probes = append(probes, alertapi.Probe{Name: "store", Check: pgStore.Ping})
		L.Info(ctx, "using postgres store")
	} else {
		triageStore = memstore.New(appCfg.StoreCapacity)
		L.Info(ctx, "using in-memory store (no database-url configured)", "capacity", appCfg.StoreCapacity)
	}

	// Register per-query DB duration histogram and wire the observer.
	dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "arbiter_db_query_duration_seconds",
		Help:    "Duration of individual database queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "outcome"})
	dbQueriesPerRequest := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "arbiter_db_queries_per_request",
		Help:    "Database queries issued while serving one HTTP request, by route.",
		Buckets: []float64{1, 2, 4, 8, 16, 32},
	}, []string{"route"})
	m.Registry().MustRegister(dbQueryDuration, dbQueriesPerRequest)

	postgres.SetQueryObserver(postgres.QueryObserverFunc(
		func(_ context.Context, method, route, outcome string, dur time.Duration) {
			dbQueryDuration.WithLabelValues(method, route, outcome).Observe(dur.Seconds())
		},
	))

	// Notifiers see every finished triage and pick what they forward.
	var notifiers []triage.Notifier
	if appCfg.SlackWebhookURL != "" {
		notifiers = append(notifiers, slack.New(appCfg.SlackWebhookURL, L))
		L.Info(ctx, "notifier enabled", "type", "slack")
	}

	var natsConn interface {
		Drain() error
	}
	var publishConn queue.Conn
	if appCfg.NATSURL != "" {
		nc, err := queue.Connect(ctx, appCfg.NATSURL, appName, L)
		if err != nil {
			return err
		}
		natsConn, publishConn = nc, nc
		notifiers = append(notifiers, queue.NewPublisher(nc, appCfg.NATSOutSubject))
		L.Info(ctx, "notifier enabled", "type", "nats", "subject", appCfg.NATSOutSubject)
	}

	// Initialize the triage service (owns dedup, lifecycle, async dispatch).
	triageSvc := triage.NewService(triageStore, pipeline, L, triageMetrics, triage.ServiceOptions{
		Workers:    appCfg.Workers,
		QueueDepth: appCfg.QueueDepth,
	}, notifiers...)

	// Inbound alerts over NATS share the service with the HTTP API.
	var consumer *queue.Consumer
	if publishConn != nil {
		consumer = queue.NewConsumer(L, publishConn, triageSvc, appCfg.NATSInSubject, appCfg.NATSQueueGroup, queue.Hooks{
			OnMessage: func(result string) { edge.queueMessages.WithLabelValues(result).Inc() },
		})
		if err := consumer.Start(ctx); err != nil {
			return err
		}
	}

	// setup toggle for server shutdown. this is used to fail readiness checks
	// during shutdown to drain connections from load balancer before killing the process.
	var shutdownGate health.ShutdownGate

	readiness := health.All(
		shutdownGate.Probe(),
	)
	liveness := health.Fixed(true, "")

	// Configure ops http server for metrics, health checks, pprof, etc
	opsOpts := opsCfg.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic

	opsHTTPStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}
	defer func() {
		err := opsHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop ops http listener")
		}
	}()

	// setup main api chi router and middleware stack
	r := chi.NewRouter()

	// Compress text responses (we are JSON only)
	r.Use(middleware.Compress(5, "application/json"))

	// Annotate logger (and tracer if trace is recording) with http.route from chi route pattern
	r.Use(httpmw.AnnotateHTTPRoute)

	// Label DB queries with the HTTP method and count them per request.
	r.Use(postgres.RequestStats(func(req *http.Request, st *postgres.ReqDBStats) {
		n, total, failed := st.Snapshot()
		if n == 0 {
			return
		}
		route := chi.RouteContext(req.Context()).RoutePattern()
		dbQueriesPerRequest.WithLabelValues(route).Observe(float64(n))
		if failed > 0 {
			L.Warn(req.Context(), "request had failed db queries",
				"route", route, "db.queries", n, "db.failed", failed, "db.total_duration", total.Seconds())
		}
	}))

	// Access log middleware
	r.Use(httpmw.AccessLog())

	// Rate limiting runs before body reads so rejected clients cost nothing.
	if profile := appCfg.Profile(); profile != ratelimit.Off {
		rules, _ := ratelimit.RulesFor(profile)
		limiter, err := ratelimit.New(L, ratelimit.Options{
			Rules:  rules,
			Exempt: []string{"/api/v1/health", "/-/healthy", "/-/ready"},
			OnReject: func(route string) {
				edge.rateLimited.WithLabelValues(route).Inc()
			},
		})
		if err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
		r.Use(limiter.Middleware)
	}

	// Limit request body size, returns 413 if exceeded
	r.Use(httpmw.MaxBody(appCfg.MaxBodyBytes))

	// add health check endpoints to main listener
	r.Get("/-/healthy", health.HealthzHandler(liveness))
	r.Get("/-/ready", health.ReadyzHandler(readiness))

	var guards []func(http.Handler) http.Handler
	if appCfg.APIToken != "" {
		guards = append(guards, authmw.APIToken(authmw.Options{
			OnReject: func(reason string) { edge.authRejected.WithLabelValues(reason).Inc() },
		}, appCfg.APIToken))
	} else {
		L.Warn(ctx, "api token not configured, /api/v1 is unauthenticated")
	}

	alertapiHTTP := alertapi.New(L, triageSvc, kb, probes...)
	alertapiHTTP.RegisterRoutes(r, guards...)

	// middleware stack for main listener, order matters these are wrappers, outermost sees raw request
	// first and is last to see response
	var h http.Handler = r

	// Request-scoped logging (inner so it sees trace_id, chi route, etc)
	h = httpmw.WithLogger(L)(h)

	// add trace-id and span-id headers to any requests with a recording trace
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)

	// otel instrumentation for automatic spans and trace context propagation
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready" && r.URL.Path != "/api/v1/health"
		}),
		// AnnotateHTTPRoute will rename the span later to the final route pattern
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
	)

	// Metrics middleware for prometheus instrumentation
	h = m.Middleware(h)

	// Client IP resolution and spoofing protection middleware
	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{
		TrustedHops: httpmwCfg.TrustedProxyHops,
	})(h)

	// Request ID (outer so everything downstream sees it)
	h = httpmw.RequestID("X-Request-Id")(h)

	// Recovery middleware, outer to catch panics from any downstream middleware or handlers
	h = httpmw.Recover(L, nil)(h)

	// Security headers outermost to ensure they are served on every response
	h = httpmw.SecurityHeaders(h)

	alertapiOpts, err := httpCfg.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return err
	}

	alertapiHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, alertapiOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start alertapi http listener")
		return err
	}
	defer func() {
		err := alertapiHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop alertapi http listener")
		}
	}()

	// Notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// Wait for ctrl+c / sigterm
	<-ctx.Done()

	L.Info(context.Background(), "shutdown signal received")

	// fail health checks to drain connections
	shutdownGate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	drainDuration := time.Duration(appCfg.DrainSeconds) * time.Second
	L.Info(context.Background(), "sleeping for drain period", "drain_seconds", appCfg.DrainSeconds)
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainDuration):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	// Shutdown components with per-component budget sliced from total.
	// Intake stops first, then queued triages finish, then their outputs flush.
	type stopFn struct {
		name string
		fn   func(context.Context) error
	}
	stopFns := []stopFn{
		{"alertapi http server", alertapiHTTPStop},
	}
	if consumer != nil {
		stopFns = append(stopFns, stopFn{"nats consumer", func(context.Context) error { return consumer.Close() }})
	}
	stopFns = append(stopFns,
		stopFn{"triage service", triageSvc.Close},
		stopFn{"classifier aggregator", func(context.Context) error { aggregator.Close(); return nil }},
	)
	if natsConn != nil {
		stopFns = append(stopFns, stopFn{"nats connection", func(context.Context) error { return natsConn.Drain() }})
	}
	stopFns = append(stopFns,
		stopFn{"ops http server", opsHTTPStop},
		stopFn{"otel", shutdownOtelx},
	)

	budget := time.Duration(appCfg.ShutdownBudgetSeconds) * time.Second
	perComponent := budget / time.Duration(len(stopFns))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, s := range stopFns {
		cctx, ccancel := context.WithTimeout(shutdownCtx, perComponent)
		if err := s.fn(cctx); err != nil {
			L.Error(context.Background(), err, s.name+" shutdown")
		}
		ccancel()
	}

	if stopProf != nil {
		stopProf()
	}

	L.Info(context.Background(), "shutdown complete")
	return nil
}

// edgeMetrics count requests and messages turned away before they reach
// the triage service.
type edgeMetrics struct {
	rateLimited   *prometheus.CounterVec
	authRejected  *prometheus.CounterVec
	queueMessages *prometheus.CounterVec
}

func newEdgeMetrics(reg prometheus.Registerer) *edgeMetrics {
	e := &edgeMetrics{
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arbiter_rate_limited_total",
			Help: "Requests rejected by the rate limiter, by route pattern.",
		}, []string{"route"}),
		authRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arbiter_auth_rejected_total",
			Help: "Requests rejected by API token auth, by reason.",
		}, []string{"reason"}),
		queueMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arbiter_queue_alerts_total",
			Help: "Alerts consumed from NATS, by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(e.rateLimited, e.authRejected, e.queueMessages)
	return e
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // G704: addr is from NOTIFY_SOCKET set by systemd not user input, no context support in net package for unixgram sockets
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
