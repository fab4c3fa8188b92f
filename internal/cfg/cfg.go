package cfg

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/arbiter/internal/ratelimit"
	"github.com/linnemanlabs/arbiter/internal/reasoner"
	"github.com/linnemanlabs/arbiter/internal/retrieval"
)

// Config holds arbiter's application settings. It follows the same
// RegisterFlags/Validate contract as the go-core package configs.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	MaxBodyBytes          int64

	// Classifier and batching
	ModelPath         string
	BatchSize         int
	BatchMaxWait      time.Duration
	ClassifierTimeout time.Duration

	// Retrieval
	KnowledgeDir     string
	EmbedderURL      string
	EmbedderModel    string
	EmbedCacheSize   int
	RetrievalTimeout time.Duration
	TopK             int
	MinSimilarity    float64
	Collections      string

	// Reasoner
	ClaudeAPIKey  string
	PrimaryModel  string
	FallbackModel string
	LLMTimeout    time.Duration
	Temperature   float64
	MaxTokens     int

	ConfidenceFloor float64
	MaxFieldLength  int

	// Service
	Workers       int
	QueueDepth    int
	StoreCapacity int

	// Edge
	APIToken         string
	RateLimitProfile string

	// Storage
	DatabaseURL    string
	DBMaxConns     int
	DBSlowQuery    time.Duration
	DBLogQueryArgs bool

	// Messaging and notification
	NATSURL         string
	NATSInSubject   string
	NATSOutSubject  string
	NATSQueueGroup  string
	SlackWebhookURL string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.Int64Var(&c.MaxBodyBytes, "max-body-bytes", 1<<20, "maximum request body size in bytes (batches of 100 alerts fit in 1MiB)")

	fs.StringVar(&c.ModelPath, "model-path", "models/classifier.json", "path to the classifier model artifact")
	fs.IntVar(&c.BatchSize, "batch-size", 100, "classifier batch size (1..1024)")
	fs.DurationVar(&c.BatchMaxWait, "batch-max-wait", 10*time.Millisecond, "longest a classifier request waits for its batch to fill")
	fs.DurationVar(&c.ClassifierTimeout, "classifier-timeout", 500*time.Millisecond, "classifier deadline per alert")

	fs.StringVar(&c.KnowledgeDir, "knowledge-dir", "", "directory of <collection>.jsonl files seeded at startup (empty = start empty)")
	fs.StringVar(&c.EmbedderURL, "embedder-url", "", "Ollama base URL for embeddings (empty = built-in hash embedder)")
	fs.StringVar(&c.EmbedderModel, "embedder-model", "nomic-embed-text", "Ollama embedding model")
	fs.IntVar(&c.EmbedCacheSize, "embed-cache-size", 1024, "query embedding LRU cache entries")
	fs.DurationVar(&c.RetrievalTimeout, "retrieval-timeout", 2*time.Second, "retrieval deadline per alert")
	fs.IntVar(&c.TopK, "retrieval-top-k", 3, "snippets retrieved per alert (1..10)")
	fs.Float64Var(&c.MinSimilarity, "retrieval-min-similarity", 0.3, "minimum cosine similarity for a snippet (0..1)")
	fs.StringVar(&c.Collections, "retrieval-collections", "", "comma-separated collections searched per alert (empty = all)")

	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for accessing the Claude LLM provider")
	fs.StringVar(&c.PrimaryModel, "primary-model", reasoner.DefaultPrimaryModel, "primary reasoner model")
	fs.StringVar(&c.FallbackModel, "fallback-model", reasoner.DefaultFallbackModel, "fallback reasoner model (empty = no fallback)")
	fs.DurationVar(&c.LLMTimeout, "llm-timeout", 5*time.Second, "deadline for each LLM call")
	fs.Float64Var(&c.Temperature, "llm-temperature", 0.1, "sampling temperature (0..1)")
	fs.IntVar(&c.MaxTokens, "llm-max-tokens", 2048, "max output tokens per LLM call")

	fs.Float64Var(&c.ConfidenceFloor, "confidence-floor", 0.5, "confidence below which a verdict is not trusted on its own (0..1)")
	fs.IntVar(&c.MaxFieldLength, "max-field-length", 10000, "alert text fields are truncated to this many bytes before reaching the LLM")

	fs.IntVar(&c.Workers, "workers", 10, "triage worker goroutines")
	fs.IntVar(&c.QueueDepth, "queue-depth", 256, "pending triage queue depth")
	fs.IntVar(&c.StoreCapacity, "store-capacity", 10000, "results kept by the in-memory store")

	fs.StringVar(&c.APIToken, "api-token", "", "bearer token required on /api/v1 (empty = no auth)")
	fs.StringVar(&c.RateLimitProfile, "rate-limit-profile", string(ratelimit.Moderate), "rate limit profile: strict, moderate, permissive or off")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.IntVar(&c.DBMaxConns, "db-max-conns", 10, "maximum PostgreSQL pool connections")
	fs.DurationVar(&c.DBSlowQuery, "db-slow-query", 200*time.Millisecond, "log queries slower than this (0 = log every query)")
	fs.BoolVar(&c.DBLogQueryArgs, "db-log-query-args", false, "include bind arguments in query logs")

	fs.StringVar(&c.NATSURL, "nats-url", "", "NATS server URL (empty = no queue consumer)")
	fs.StringVar(&c.NATSInSubject, "nats-in-subject", "alerts.triage", "subject alerts are consumed from")
	fs.StringVar(&c.NATSOutSubject, "nats-out-subject", "alerts.triaged", "subject triage results are published to")
	fs.StringVar(&c.NATSQueueGroup, "nats-queue-group", "arbiter", "NATS queue group shared by replicas")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for notifications")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}
	if c.MaxBodyBytes < 1024 {
		errs = append(errs, fmt.Errorf("invalid MAX_BODY_BYTES %d (must be >= 1024)", c.MaxBodyBytes))
	}

	if c.ModelPath == "" {
		errs = append(errs, errors.New("MODEL_PATH is required"))
	}
	if c.BatchSize <= 0 || c.BatchSize > 1024 {
		errs = append(errs, fmt.Errorf("invalid BATCH_SIZE %d (must be 1..1024)", c.BatchSize))
	}
	if c.BatchMaxWait <= 0 {
		errs = append(errs, fmt.Errorf("invalid BATCH_MAX_WAIT %s (must be > 0)", c.BatchMaxWait))
	}
	if c.ClassifierTimeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid CLASSIFIER_TIMEOUT %s (must be > 0)", c.ClassifierTimeout))
	}

	if c.RetrievalTimeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid RETRIEVAL_TIMEOUT %s (must be > 0)", c.RetrievalTimeout))
	}
	if c.TopK <= 0 || c.TopK > retrieval.MaxTopK {
		errs = append(errs, fmt.Errorf("invalid RETRIEVAL_TOP_K %d (must be 1..%d)", c.TopK, retrieval.MaxTopK))
	}
	if c.MinSimilarity < 0 || c.MinSimilarity > 1 {
		errs = append(errs, fmt.Errorf("invalid RETRIEVAL_MIN_SIMILARITY %g (must be 0..1)", c.MinSimilarity))
	}
	if _, err := c.CollectionList(); err != nil {
		errs = append(errs, fmt.Errorf("invalid RETRIEVAL_COLLECTIONS: %w", err))
	}
	if c.EmbedderURL != "" && c.EmbedderModel == "" {
		errs = append(errs, errors.New("EMBEDDER_MODEL is required when EMBEDDER_URL is set"))
	}

	// Claude API key is required for LLM access
	if c.ClaudeAPIKey == "" {
		errs = append(errs, errors.New("CLAUDE_API_KEY is required"))
	}
	if _, err := reasoner.LookupModel(c.PrimaryModel); err != nil {
		errs = append(errs, fmt.Errorf("invalid PRIMARY_MODEL: %w", err))
	}
	if c.FallbackModel != "" {
		if _, err := reasoner.LookupModel(c.FallbackModel); err != nil {
			errs = append(errs, fmt.Errorf("invalid FALLBACK_MODEL: %w", err))
		}
		if c.FallbackModel == c.PrimaryModel {
			errs = append(errs, fmt.Errorf("FALLBACK_MODEL must differ from PRIMARY_MODEL (both %q)", c.PrimaryModel))
		}
	}
	if c.LLMTimeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid LLM_TIMEOUT %s (must be > 0)", c.LLMTimeout))
	}
	if c.Temperature < 0 || c.Temperature > 1 {
		errs = append(errs, fmt.Errorf("invalid LLM_TEMPERATURE %g (must be 0..1)", c.Temperature))
	}
	if c.MaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("invalid LLM_MAX_TOKENS %d (must be > 0)", c.MaxTokens))
	}

	if c.ConfidenceFloor <= 0 || c.ConfidenceFloor > 1 {
		errs = append(errs, fmt.Errorf("invalid CONFIDENCE_FLOOR %g (must be in (0, 1])", c.ConfidenceFloor))
	}
	if c.MaxFieldLength <= 0 {
		errs = append(errs, fmt.Errorf("invalid MAX_FIELD_LENGTH %d (must be > 0)", c.MaxFieldLength))
	}

	if c.Workers <= 0 || c.Workers > 1000 {
		errs = append(errs, fmt.Errorf("invalid WORKERS %d (must be 1..1000)", c.Workers))
	}
	if c.QueueDepth <= 0 {
		errs = append(errs, fmt.Errorf("invalid QUEUE_DEPTH %d (must be > 0)", c.QueueDepth))
	}
	if c.StoreCapacity <= 0 {
		errs = append(errs, fmt.Errorf("invalid STORE_CAPACITY %d (must be > 0)", c.StoreCapacity))
	}

	if _, err := ratelimit.ParseProfile(c.RateLimitProfile); err != nil {
		errs = append(errs, fmt.Errorf("invalid RATE_LIMIT_PROFILE: %w", err))
	}

	if c.DBMaxConns <= 0 {
		errs = append(errs, fmt.Errorf("invalid DB_MAX_CONNS %d (must be > 0)", c.DBMaxConns))
	}
	if c.DBSlowQuery < 0 {
		errs = append(errs, fmt.Errorf("invalid DB_SLOW_QUERY %s (must be >= 0)", c.DBSlowQuery))
	}

	if c.NATSURL != "" && (c.NATSInSubject == "" || c.NATSOutSubject == "") {
		errs = append(errs, errors.New("NATS_IN_SUBJECT and NATS_OUT_SUBJECT are required when NATS_URL is set"))
	}
	if c.NATSURL != "" && c.NATSInSubject == c.NATSOutSubject {
		errs = append(errs, fmt.Errorf("NATS_IN_SUBJECT and NATS_OUT_SUBJECT must differ (both %q)", c.NATSInSubject))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// CollectionList parses Collections. Empty selects every collection.
func (c *Config) CollectionList() ([]retrieval.Collection, error) {
	if strings.TrimSpace(c.Collections) == "" {
		return retrieval.AllCollections, nil
	}
	var out []retrieval.Collection
	for _, name := range strings.Split(c.Collections, ",") {
		coll, err := retrieval.ParseCollection(strings.TrimSpace(name))
		if err != nil {
			return nil, err
		}
		out = append(out, coll)
	}
	return out, nil
}

// Profile returns the parsed rate-limit profile. Call after Validate.
func (c *Config) Profile() ratelimit.Profile {
	p, _ := ratelimit.ParseProfile(c.RateLimitProfile)
	return p
}
