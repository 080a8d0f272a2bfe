package cfg

import (
	"errors"
	"flag"
	"fmt"
	"time"
)

// Config adds app-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	ClaudeAPIKey          string
	ClaudeModel           string
	DatabaseURL           string
	SlackWebhookURL       string
	APIAuthToken          string

	DedupWindow       time.Duration
	DedupThreshold    float64
	CorrelationWindow time.Duration
	PipelineWorkers   int
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for accessing the Claude LLM provider")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model to use")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for notifications")
	fs.StringVar(&c.APIAuthToken, "api-auth-token", "", "bearer token required on API requests (empty = no auth)")
	fs.DurationVar(&c.DedupWindow, "dedup-window", 30*time.Minute, "recent-triage window scored for duplicates")
	fs.Float64Var(&c.DedupThreshold, "dedup-threshold", 0.80, "similarity score above which an alert is a duplicate (0..1)")
	fs.DurationVar(&c.CorrelationWindow, "correlation-window", 24*time.Hour, "lookback window for correlation evidence")
	fs.IntVar(&c.PipelineWorkers, "pipeline-workers", 8, "max concurrent pipeline continuations (1..64)")
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

	// Claude API key is required for LLM access
	if c.ClaudeAPIKey == "" {
		errs = append(errs, errors.New("CLAUDE_API_KEY is required"))
	}

	// Claude model is required for LLM access
	if c.ClaudeModel == "" {
		errs = append(errs, errors.New("CLAUDE_MODEL is required"))
	}

	if c.DedupWindow <= 0 {
		errs = append(errs, fmt.Errorf("invalid DEDUP_WINDOW %s (must be positive)", c.DedupWindow))
	}
	if c.DedupThreshold <= 0 || c.DedupThreshold >= 1 {
		errs = append(errs, fmt.Errorf("invalid DEDUP_THRESHOLD %g (must be in (0,1))", c.DedupThreshold))
	}
	if c.CorrelationWindow <= 0 {
		errs = append(errs, fmt.Errorf("invalid CORRELATION_WINDOW %s (must be positive)", c.CorrelationWindow))
	}
	if c.PipelineWorkers <= 0 || c.PipelineWorkers > 64 {
		errs = append(errs, fmt.Errorf("invalid PIPELINE_WORKERS %d (must be 1..64)", c.PipelineWorkers))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
