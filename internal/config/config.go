package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the pipeline. Loaded once at startup
// and treated as immutable afterwards; components receive the sections they
// need through their constructors.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Mailbox   MailboxConfig   `yaml:"mailbox"`
	Graph     GraphConfig     `yaml:"graph"`
	Chat      ChatConfig      `yaml:"chat"`
	LLM       LLMConfig       `yaml:"llm"`
	Vendor    VendorConfig    `yaml:"vendor"`
	Queue     QueueConfig     `yaml:"queue"`
	Storage   StorageConfig   `yaml:"storage"`
	Redis     RedisConfig     `yaml:"redis"`
	Poller    PollerConfig    `yaml:"poller"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Mail      MailConfig      `yaml:"mail"`
	Admin     AdminConfig     `yaml:"admin"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration for the webhook receiver.
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the server host, with ECS detection
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	// Allow override via environment
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// MailboxConfig names the mailboxes the pipeline reads from and routes to.
type MailboxConfig struct {
	IngestMailbox           string   `yaml:"ingest_mailbox"`
	APEmailAddress          string   `yaml:"ap_email_address"`
	AllowedAPEmails         []string `yaml:"allowed_ap_emails"`
	ResellerEmailAddress    string   `yaml:"reseller_email_address"`
	VendorRegistrationEmail string   `yaml:"vendor_registration_email"`
	FunctionAppURL          string   `yaml:"function_app_url"`
}

// IsIngestMailbox reports whether addr is the ingest mailbox,
// case-insensitively. Every loop guard goes through here.
func (c MailboxConfig) IsIngestMailbox(addr string) bool {
	return strings.EqualFold(strings.TrimSpace(addr), strings.TrimSpace(c.IngestMailbox))
}

// AllowedRecipient reports whether addr may receive outbound routed mail.
// An empty allowlist admits anything except the ingest mailbox.
func (c MailboxConfig) AllowedRecipient(addr string) bool {
	if c.IsIngestMailbox(addr) {
		return false
	}
	if len(c.AllowedAPEmails) == 0 {
		return true
	}
	for _, allowed := range c.AllowedAPEmails {
		if strings.EqualFold(strings.TrimSpace(allowed), strings.TrimSpace(addr)) {
			return true
		}
	}
	return false
}

// GraphConfig holds the mail provider API configuration.
type GraphConfig struct {
	TenantID       string `yaml:"tenant_id"`
	ClientID       string `yaml:"client_id"`
	ClientSecret   string `yaml:"client_secret"`
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`

	WebhookURL  string `yaml:"webhook_url"`
	ClientState string `yaml:"client_state"`

	// Subscription lifecycle windows.
	RenewThresholdHours     int `yaml:"renew_threshold_hours"`
	MaxSubscriptionMinutes  int `yaml:"max_subscription_minutes"`
	ManagerIntervalHours    int `yaml:"manager_interval_hours"`
}

// Timeout returns the configured timeout as a duration
func (c GraphConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// RenewThreshold returns how close to expiry a subscription may get before
// renewal.
func (c GraphConfig) RenewThreshold() time.Duration {
	return time.Duration(c.RenewThresholdHours) * time.Hour
}

// MaxSubscriptionAge returns the provider's maximum subscription lifetime.
func (c GraphConfig) MaxSubscriptionAge() time.Duration {
	return time.Duration(c.MaxSubscriptionMinutes) * time.Minute
}

// ManagerInterval returns the subscription manager's schedule.
func (c GraphConfig) ManagerInterval() time.Duration {
	return time.Duration(c.ManagerIntervalHours) * time.Hour
}

// ChatConfig holds the chat webhook configuration.
type ChatConfig struct {
	WebhookURL     string `yaml:"webhook_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the configured timeout as a duration
func (c ChatConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// LLMConfig holds vendor-inference LLM configuration. Provider "bedrock"
// uses the AWS SDK; "openai" posts to an OpenAI-compatible endpoint.
type LLMConfig struct {
	Provider       string `yaml:"provider"`
	Endpoint       string `yaml:"endpoint"`
	APIKey         string `yaml:"api_key"`
	Model          string `yaml:"model"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Enabled        bool   `yaml:"enabled"`
}

// Timeout returns the configured timeout as a duration
func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// VendorConfig tunes vendor matching.
type VendorConfig struct {
	FuzzyThreshold          int  `yaml:"fuzzy_threshold"`
	CacheTTLMinutes         int  `yaml:"cache_ttl_minutes"`
	DuplicateCandidateBlock bool `yaml:"duplicate_candidate_block"`
}

// CacheTTL returns the vendor read-through cache TTL.
func (c VendorConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLMinutes) * time.Minute
}

// QueueConfig holds queue fabric configuration.
type QueueConfig struct {
	DatabaseURL              string         `yaml:"database_url"`
	VisibilityTimeoutSeconds int            `yaml:"visibility_timeout_seconds"`
	PerQueueVisibility       map[string]int `yaml:"per_queue_visibility"`
	MaxDequeueCount          int            `yaml:"max_dequeue_count"`
	PollIntervalSeconds      int            `yaml:"poll_interval_seconds"`
	BatchSize                int            `yaml:"batch_size"`
}

// Visibility returns the visibility timeout for a queue, falling back to
// the fabric-wide default.
func (c QueueConfig) Visibility(queue string) time.Duration {
	if secs, ok := c.PerQueueVisibility[queue]; ok && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return time.Duration(c.VisibilityTimeoutSeconds) * time.Second
}

// PollInterval returns how long a worker sleeps between empty dequeues.
func (c QueueConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// StorageConfig holds AWS storage configuration.
type StorageConfig struct {
	AWSRegion         string `yaml:"aws_region"`
	AWSProfile        string `yaml:"aws_profile"` // Empty string uses default credential chain (IAM role on ECS)
	DynamoDBTable     string `yaml:"dynamodb_table"`
	AttachmentsBucket string `yaml:"attachments_bucket"`
	TimeoutSeconds    int    `yaml:"timeout_seconds"`
}

// Timeout returns the configured timeout as a duration
func (c StorageConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// GetAWSProfile returns the AWS profile, with environment variable override
func (c StorageConfig) GetAWSProfile() string {
	if envProfile := os.Getenv("AWS_PROFILE_OVERRIDE"); envProfile != "" {
		if envProfile == "none" || envProfile == "iam" {
			return "" // Use default credential chain (IAM role)
		}
		return envProfile
	}
	// On ECS/Lambda, don't use a profile - use IAM role
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return ""
	}
	return c.AWSProfile
}

// RedisConfig holds Redis configuration for rate limiting and distlock.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Enabled  bool   `yaml:"enabled"`
}

// PollerConfig holds the fallback timer poller configuration.
type PollerConfig struct {
	Enabled         bool `yaml:"enabled"`
	IntervalMinutes int  `yaml:"interval_minutes"`
	PageSize        int  `yaml:"page_size"`
	MaxPages        int  `yaml:"max_pages"`
}

// Interval returns the poll interval as a duration
func (c PollerConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMinutes) * time.Minute
}

// RateLimitConfig holds the webhook per-source rate limit.
type RateLimitConfig struct {
	Disabled         bool `yaml:"disabled"`
	RequestsPerMin   int  `yaml:"requests_per_min"`
}

// MailConfig selects the outbound mail transport.
type MailConfig struct {
	Sender    string `yaml:"sender"` // "graph" or "ses"
	SESRegion string `yaml:"ses_region"`
	SESFrom   string `yaml:"ses_from"`
}

// AdminConfig guards the operator endpoints.
type AdminConfig struct {
	APIToken string `yaml:"api_token"`
}

// LoggingConfig tunes the structured logger.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	RedactPII *bool  `yaml:"redact_pii"`
}

// Load reads and parses the configuration file, applying defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Graph.BaseURL == "" {
		cfg.Graph.BaseURL = "https://graph.microsoft.com/v1.0"
	}
	if cfg.Graph.TimeoutSeconds == 0 {
		cfg.Graph.TimeoutSeconds = 30
	}
	if cfg.Graph.RenewThresholdHours == 0 {
		cfg.Graph.RenewThresholdHours = 48
	}
	if cfg.Graph.MaxSubscriptionMinutes == 0 {
		cfg.Graph.MaxSubscriptionMinutes = 4230
	}
	if cfg.Graph.ManagerIntervalHours == 0 {
		cfg.Graph.ManagerIntervalHours = 144 // every 6 days
	}
	if cfg.Chat.TimeoutSeconds == 0 {
		cfg.Chat.TimeoutSeconds = 30
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "bedrock"
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "anthropic.claude-3-5-sonnet-20240620-v1:0"
	}
	if cfg.LLM.TimeoutSeconds == 0 {
		cfg.LLM.TimeoutSeconds = 60
	}
	if cfg.Vendor.FuzzyThreshold == 0 {
		cfg.Vendor.FuzzyThreshold = 85
	}
	if cfg.Vendor.CacheTTLMinutes == 0 {
		cfg.Vendor.CacheTTLMinutes = 60
	}
	if cfg.Queue.VisibilityTimeoutSeconds == 0 {
		cfg.Queue.VisibilityTimeoutSeconds = 300
	}
	if cfg.Queue.MaxDequeueCount == 0 {
		cfg.Queue.MaxDequeueCount = 3
	}
	if cfg.Queue.PollIntervalSeconds == 0 {
		cfg.Queue.PollIntervalSeconds = 5
	}
	if cfg.Queue.BatchSize == 0 {
		cfg.Queue.BatchSize = 10
	}
	if cfg.Storage.AWSRegion == "" {
		cfg.Storage.AWSRegion = "us-west-2"
	}
	if cfg.Storage.DynamoDBTable == "" {
		cfg.Storage.DynamoDBTable = "invoice-relay"
	}
	if cfg.Storage.TimeoutSeconds == 0 {
		cfg.Storage.TimeoutSeconds = 10
	}
	if cfg.Poller.IntervalMinutes == 0 {
		cfg.Poller.IntervalMinutes = 60
	}
	if cfg.Poller.PageSize == 0 {
		cfg.Poller.PageSize = 25
	}
	if cfg.Poller.MaxPages == 0 {
		cfg.Poller.MaxPages = 4
	}
	if cfg.RateLimit.RequestsPerMin == 0 {
		cfg.RateLimit.RequestsPerMin = 10
	}
	if cfg.Mail.Sender == "" {
		cfg.Mail.Sender = "graph"
	}
	if cfg.Mail.SESRegion == "" {
		cfg.Mail.SESRegion = cfg.Storage.AWSRegion
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on ECS.
// Missing config file is fine: the whole surface is settable from env.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	var cfg *Config
	if path != "" {
		loaded, err := Load(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
			cfg = &Config{}
			cfg.applyDefaults()
		} else {
			cfg = loaded
		}
	} else {
		cfg = &Config{}
		cfg.applyDefaults()
	}

	// Mailboxes and routing
	if v := os.Getenv("INGEST_MAILBOX"); v != "" {
		cfg.Mailbox.IngestMailbox = v
	}
	if v := os.Getenv("AP_EMAIL_ADDRESS"); v != "" {
		cfg.Mailbox.APEmailAddress = v
	}
	if v := os.Getenv("ALLOWED_AP_EMAILS"); v != "" {
		cfg.Mailbox.AllowedAPEmails = splitCSV(v)
	}
	if v := os.Getenv("RESELLER_EMAIL_ADDRESS"); v != "" {
		cfg.Mailbox.ResellerEmailAddress = v
	}
	if v := os.Getenv("VENDOR_REGISTRATION_EMAIL"); v != "" {
		cfg.Mailbox.VendorRegistrationEmail = v
	}
	if v := os.Getenv("FUNCTION_APP_URL"); v != "" {
		cfg.Mailbox.FunctionAppURL = v
	}

	// Provider
	if v := os.Getenv("GRAPH_TENANT_ID"); v != "" {
		cfg.Graph.TenantID = v
	}
	if v := os.Getenv("GRAPH_CLIENT_ID"); v != "" {
		cfg.Graph.ClientID = v
	}
	if v := os.Getenv("GRAPH_CLIENT_SECRET"); v != "" {
		cfg.Graph.ClientSecret = v
	}
	if v := os.Getenv("GRAPH_BASE_URL"); v != "" {
		cfg.Graph.BaseURL = v
	}
	if v := os.Getenv("MAIL_WEBHOOK_URL"); v != "" {
		cfg.Graph.WebhookURL = v
	}
	if v := os.Getenv("GRAPH_CLIENT_STATE"); v != "" {
		cfg.Graph.ClientState = v
	}

	// Chat
	if v := os.Getenv("CHAT_WEBHOOK_URL"); v != "" {
		cfg.Chat.WebhookURL = v
	}

	// LLM
	if v := os.Getenv("LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}
	if v := os.Getenv("LLM_ENDPOINT"); v != "" {
		cfg.LLM.Endpoint = v
		cfg.LLM.Enabled = true
	}
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}

	// Matching
	if v := os.Getenv("VENDOR_FUZZY_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			cfg.Vendor.FuzzyThreshold = n
		}
	}
	if v := os.Getenv("DUPLICATE_CANDIDATE_BLOCK"); v != "" {
		cfg.Vendor.DuplicateCandidateBlock = isTruthy(v)
	}

	// Queue fabric
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Queue.DatabaseURL = v
	}

	// Storage
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.Storage.AWSRegion = v
	}
	if v := os.Getenv("DYNAMODB_TABLE"); v != "" {
		cfg.Storage.DynamoDBTable = v
	}
	if v := os.Getenv("ATTACHMENTS_BUCKET"); v != "" {
		cfg.Storage.AttachmentsBucket = v
	}

	// Redis
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}

	// Toggles
	if v := os.Getenv("MAIL_INGEST_ENABLED"); v != "" {
		cfg.Poller.Enabled = isTruthy(v)
	}
	if v := os.Getenv("RATE_LIMIT_DISABLED"); v != "" {
		cfg.RateLimit.Disabled = isTruthy(v)
	}

	// Outbound transport
	if v := os.Getenv("MAIL_SENDER"); v != "" {
		cfg.Mail.Sender = strings.ToLower(v)
	}
	if v := os.Getenv("SES_FROM_ADDRESS"); v != "" {
		cfg.Mail.SESFrom = v
	}

	// Admin + logging
	if v := os.Getenv("ADMIN_API_TOKEN"); v != "" {
		cfg.Admin.APIToken = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	return cfg, nil
}

// Validate rejects configurations that would break pipeline invariants.
// Called from both composition roots before anything starts.
func (cfg *Config) Validate() error {
	if cfg.Mailbox.IngestMailbox == "" {
		return fmt.Errorf("config: INGEST_MAILBOX is required")
	}
	if cfg.Mailbox.APEmailAddress == "" {
		return fmt.Errorf("config: AP_EMAIL_ADDRESS is required")
	}
	if cfg.Mailbox.IsIngestMailbox(cfg.Mailbox.APEmailAddress) {
		return fmt.Errorf("config: AP_EMAIL_ADDRESS must differ from INGEST_MAILBOX")
	}
	if cfg.Graph.ClientState == "" {
		return fmt.Errorf("config: GRAPH_CLIENT_STATE is required")
	}
	switch cfg.Mail.Sender {
	case "graph", "ses":
	default:
		return fmt.Errorf("config: mail sender %q not supported (graph, ses)", cfg.Mail.Sender)
	}
	switch cfg.LLM.Provider {
	case "bedrock", "openai":
	default:
		return fmt.Errorf("config: llm provider %q not supported (bedrock, openai)", cfg.LLM.Provider)
	}
	return nil
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func isTruthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
