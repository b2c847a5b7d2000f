// Package config defines the process configuration for the commerce hub API.
// Configuration is loaded once at startup and is immutable thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// A missing secret or an invalid value aborts startup. Webhook routes must
// never come up without the secret that authenticates them.
package config

import (
	"strings"
	"time"

	"commercehub/internal/types"
)

// oauthCallbackPath is where the integration handler mounts the OAuth
// callback.
const oauthCallbackPath = "/v1/integrations/callback"

// SecretString is an alias for types.SecretString so configuration secrets
// stay redacted in logs.
type SecretString = types.SecretString

// Config is the top-level configuration struct.
// Sub-components receive only the config subsets they require.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"commercehub-api"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	AWS           AWSConfig
	Billing       BillingConfig
	Ecosystem     EcosystemConfig
	OAuth         OAuthConfig
	Security      SecurityConfig
	Observability ObservabilityConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// IsLocal reports whether the process runs against local collaborators.
func (c *Config) IsLocal() bool {
	return c.Environment == localEnv
}

// OAuthRedirectURL is the callback registered with the social graph
// provider. GRAPH_REDIRECT_URL wins; otherwise it is the callback route
// under API_EXTERNAL_URL.
func (c *Config) OAuthRedirectURL() string {
	if c.OAuth.RedirectURL != "" {
		return c.OAuth.RedirectURL
	}
	return strings.TrimSuffix(c.Server.APIExternalURL, "/") + oauthCallbackPath
}

// ServerConfig holds HTTP server and public URL configuration.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	APIExternalURL  string        `envconfig:"API_EXTERNAL_URL" validate:"required,url"` // public base of this API
	DashboardURL    string        `envconfig:"DASHBOARD_URL" validate:"required,url"` // OAuth callback lands the browser here
	RequestTimeout  time.Duration `envconfig:"REQUEST_TIMEOUT" default:"30s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns          int32         `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int32         `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// RedisConfig selects the OAuth state store. Empty URL means in-memory.
type RedisConfig struct {
	URL       SecretString `envconfig:"REDIS_URL"`
	KeyPrefix string       `envconfig:"REDIS_KEY_PREFIX" default:"commercehub:"`
}

// AWSConfig holds regional configuration for SSM and CloudWatch.
type AWSConfig struct {
	Region      string `envconfig:"AWS_REGION" default:"us-east-1"`
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"` // LocalStack
}

// BillingConfig holds credentials for both payment rails.
type BillingConfig struct {
	StripeSecretKey     SecretString  `envconfig:"STRIPE_SECRET_KEY" validate:"required"`
	StripeWebhookSecret SecretString  `envconfig:"STRIPE_WEBHOOK_SECRET" validate:"required"`
	StripeAPIURL        string        `envconfig:"STRIPE_API_URL" default:"https://api.stripe.com" validate:"url"`
	ChargeWebhookSecret SecretString  `envconfig:"CHARGE_WEBHOOK_SECRET" validate:"required"`
	ChargeAPIKey        SecretString  `envconfig:"CHARGE_API_KEY"`
	ChargeAPIURL        string        `envconfig:"CHARGE_API_URL" default:"https://api.commerce.coinbase.com" validate:"url"`
	CheckoutSuccessURL  string        `envconfig:"CHECKOUT_SUCCESS_URL" validate:"required,url"`
	CheckoutCancelURL   string        `envconfig:"CHECKOUT_CANCEL_URL" validate:"required,url"`
	HTTPTimeout         time.Duration `envconfig:"PAYMENT_HTTP_TIMEOUT" default:"10s"`
}

// EcosystemConfig holds partner hub credentials. BaseURL may be empty in
// local mode, in which case a logging stub stands in for the hub.
type EcosystemConfig struct {
	BaseURL       string        `envconfig:"ECOSYSTEM_BASE_URL" validate:"omitempty,url"`
	APIKey        SecretString  `envconfig:"ECOSYSTEM_API_KEY" validate:"required_with=BaseURL"`
	APISecret     SecretString  `envconfig:"ECOSYSTEM_API_SECRET" validate:"required_with=BaseURL"`
	WebhookSecret SecretString  `envconfig:"ECOSYSTEM_WEBHOOK_SECRET" validate:"required"`
	HTTPTimeout   time.Duration `envconfig:"ECOSYSTEM_HTTP_TIMEOUT" default:"10s"`
	SyncWorkers   int           `envconfig:"ECOSYSTEM_SYNC_WORKERS" default:"4" validate:"min=1,max=32"`
}

// OAuthConfig holds the social graph application credentials.
type OAuthConfig struct {
	ClientID     string        `envconfig:"GRAPH_CLIENT_ID" validate:"required"`
	ClientSecret SecretString  `envconfig:"GRAPH_CLIENT_SECRET" validate:"required"`
	RedirectURL  string        `envconfig:"GRAPH_REDIRECT_URL" validate:"omitempty,url"` // defaults under APIExternalURL
	AuthURL      string        `envconfig:"GRAPH_AUTH_URL" default:"https://www.facebook.com/v19.0/dialog/oauth" validate:"url"`
	TokenURL     string        `envconfig:"GRAPH_TOKEN_URL" default:"https://graph.facebook.com/v19.0/oauth/access_token" validate:"url"`
	GraphURL     string        `envconfig:"GRAPH_API_URL" default:"https://graph.facebook.com/v19.0" validate:"url"`
	HTTPTimeout  time.Duration `envconfig:"OAUTH_HTTP_TIMEOUT" default:"10s"`
	StateTTL     time.Duration `envconfig:"OAUTH_STATE_TTL" default:"10m"`

	// TokenKey seals page tokens at rest: 32 bytes, hex encoded.
	TokenKey SecretString `envconfig:"INTEGRATION_TOKEN_KEY" validate:"required,len=64,hexadecimal"`
}

// SecurityConfig holds admin access and CORS settings.
type SecurityConfig struct {
	AdminAPIKey        SecretString `envconfig:"ADMIN_API_KEY" validate:"required,min=16"`
	CorsAllowedOrigins []string     `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"CommerceHub"`
	EnableMetrics   bool   `envconfig:"ENABLE_METRICS" default:"true"`
}

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required environment variable was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrSSMResolution indicates a failure when fetching secrets from AWS SSM.
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
