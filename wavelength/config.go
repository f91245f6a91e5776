//nolint:lll // struct tags can't be split
package wavelength

import (
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
)

const (
	EnvvarSetEnvPrefix  = "WAVELENGTH_ENV_PREFIX"
	DefaultEnvPrefix    = "WL"
	DefaultDatabaseType = "sqlite"
	DefaultDatabase     = "wavelength.sqlite3"
	DefaultLogLevel     = slog.LevelInfo

	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 60 * time.Second

	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second

	// DefaultCorrespondenceTTL is how long the link between a relayed copy
	// and its origin message is kept. Replies and reactions on copies older
	// than this are no longer mirrored.
	DefaultCorrespondenceTTL           = 24 * time.Hour
	DefaultCorrespondenceMaxEntries    = 100000
	DefaultCorrespondenceSweepInterval = 10 * time.Minute

	// DefaultWebhookCacheTTL is how long an unused delivery webhook handle
	// stays cached before it's re-verified against the channel.
	DefaultWebhookCacheTTL           = time.Hour
	DefaultWebhookNegativeCacheTTL   = time.Minute
	DefaultWebhookCacheSweepInterval = 10 * time.Minute

	// DefaultMaxAttachmentBytes is the size ceiling for re-uploaded
	// attachments. Anything over this is silently dropped from the relay.
	DefaultMaxAttachmentBytes = 8 * 1024 * 1024

	// DefaultMaxMentionResolutions caps how many ID-mentions are resolved
	// to display names per message, to bound latency on the slow path.
	DefaultMaxMentionResolutions = 5

	// DefaultPersistDebounce is the window over which registry mutations
	// are coalesced into a single durable write.
	DefaultPersistDebounce = 5 * time.Second

	DefaultRelayRatePerSecond = 5.0
	DefaultRelayRateBurst     = 10

	DefaultDiscordLogLevel    = slog.LevelWarn
	DefaultDiscordgoLogLevel  = slog.LevelWarn
	DefaultDatabaseLogLevel   = slog.LevelInfo
	DefaultAPILogLevel        = slog.LevelInfo
	DefaultAPIListen          = "127.0.0.1:5000"
	DefaultAPITLSMinVersion   = tls.VersionTLS12
	defaultListenNetwork      = "tcp"
	DefaultDatabaseSlowThreshold = 200 * time.Millisecond

	DefaultDiscordStartupMessage = "Wavelength is back online and relaying."
	DefaultDiscordCustomStatus   = "/frequency to connect servers"

	// The relay needs guilds, guild messages, message content and reactions.
	DefaultDiscordGatewayIntent = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentMessageContent |
		discordgo.IntentsGuildMessageReactions

	discordMaxMessageLength = 2000

	frequencyKeyLength    = 8
	frequencySecretLength = 16
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Cache-Control",
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

type Config struct {
	// Database connection string
	Database string `yaml:"database" mapstructure:"database" json:"database"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// Relay holds the configuration for the message relay engine
	Relay *RelayConfig `yaml:"relay" mapstructure:"relay" json:"relay"`

	// Discord configures aspects of the Discord bot itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// API configures the read-only status API server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// initialize. If this is passed, the bot will abort startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After this
	// elapses, the bot will force close all connections and exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// RelayConfig configures the message relay engine: correspondence retention,
// webhook caching, attachment limits, mention handling and rate limits.
type RelayConfig struct {
	// How long a delivered-message -> origin correspondence is usable for
	// reply threading and reaction mirroring
	CorrespondenceTTL time.Duration `yaml:"correspondence_ttl" mapstructure:"correspondence_ttl" json:"correspondence_ttl" binding:"min=1m"`

	// Maximum number of correspondence entries kept in memory. Oldest
	// entries are evicted first when the table would exceed this. 0=unlimited
	CorrespondenceMaxEntries int `yaml:"correspondence_max_entries" mapstructure:"correspondence_max_entries" json:"correspondence_max_entries" binding:"min=0"`

	// Interval between background sweeps of expired correspondences
	CorrespondenceSweepInterval time.Duration `yaml:"correspondence_sweep_interval" mapstructure:"correspondence_sweep_interval" json:"correspondence_sweep_interval"`

	// How long a cached delivery webhook is trusted without re-verification
	WebhookCacheTTL time.Duration `yaml:"webhook_cache_ttl" mapstructure:"webhook_cache_ttl" json:"webhook_cache_ttl"`

	// How long a channel that failed resolution is skipped before retrying.
	// Kept short so a permission fix takes effect quickly.
	WebhookNegativeCacheTTL time.Duration `yaml:"webhook_negative_cache_ttl" mapstructure:"webhook_negative_cache_ttl" json:"webhook_negative_cache_ttl"`

	// Interval between background sweeps of the webhook cache
	WebhookCacheSweepInterval time.Duration `yaml:"webhook_cache_sweep_interval" mapstructure:"webhook_cache_sweep_interval" json:"webhook_cache_sweep_interval"`

	// Attachments larger than this are not forwarded
	MaxAttachmentBytes int `yaml:"max_attachment_bytes" mapstructure:"max_attachment_bytes" json:"max_attachment_bytes" binding:"min=0"`

	// If true, ID-mentions are resolved to display names via the origin
	// guild before relaying. Otherwise they're rendered inert without any
	// network calls.
	ResolveMentions bool `yaml:"resolve_mentions" mapstructure:"resolve_mentions" json:"resolve_mentions"`

	// Maximum number of ID-mentions resolved per message
	MaxMentionResolutions int `yaml:"max_mention_resolutions" mapstructure:"max_mention_resolutions" json:"max_mention_resolutions" binding:"min=0"`

	// Registry mutations within this window produce a single durable write
	PersistDebounce time.Duration `yaml:"persist_debounce" mapstructure:"persist_debounce" json:"persist_debounce"`

	// Per-frequency relay rate limit (messages per second, with burst)
	RatePerSecond float64 `yaml:"rate_per_second" mapstructure:"rate_per_second" json:"rate_per_second" binding:"min=0"`
	RateBurst     int     `yaml:"rate_burst" mapstructure:"rate_burst" json:"rate_burst" binding:"min=0"`
}

// DiscordConfig configures the discord bot itself.
//
//nolint:lll // can't break tags
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// GuildID specifies the guild ID used when registering slash commands.
	// Leave empty for commands to be registered as global.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Sent to each frequency's owner channel when the bot connects
	StartupMessage string `yaml:"startup_message" mapstructure:"startup_message" json:"startup_message"`

	// Custom status shown on the bot user
	CustomStatus string `yaml:"custom_status" mapstructure:"custom_status" json:"custom_status"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	httpClient *http.Client
}

// APIConfig configures the read-only status API server
type APIConfig struct {
	// Determines if the status API should be active.
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true,hostname|filepath"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required_if=Enabled true,oneof=tcp tcp4 tcp6 unix"`

	// Configuration for SSL/TLS.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"required_if=Enabled true,min=1s"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"  binding:"required_if=Enabled true,min=1s"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"  binding:"required_if=Enabled true,min=1s"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"  binding:"required_if=Enabled true,min=1s"`

	// If true, pprof endpoints are mounted under /debug
	Development bool `yaml:"development" mapstructure:"development" json:"development"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	// Path to an SSL certificate
	Cert string `yaml:"cert" mapstructure:"cert" json:"cert"`

	// Path to an SSL cert key
	Key string `yaml:"key" mapstructure:"key" json:"key"`

	// Minimum TLS version
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	defaultMethods := make([]string, len(DefaultCORSAllowMethods))
	copy(defaultMethods, DefaultCORSAllowMethods)

	defaultHeaders := make([]string, len(DefaultCORSAllowHeaders))
	copy(defaultHeaders, DefaultCORSAllowHeaders)

	defaultExpose := make([]string, len(DefaultCORSExposeHeaders))
	copy(defaultExpose, DefaultCORSExposeHeaders)

	return CORSConfig{
		AllowOrigins:  []string{},
		AllowMethods:  defaultMethods,
		AllowHeaders:  defaultHeaders,
		ExposeHeaders: defaultExpose,
		MaxAge:        DefaultCORSMaxAge,
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Relay: &RelayConfig{
			CorrespondenceTTL:           DefaultCorrespondenceTTL,
			CorrespondenceMaxEntries:    DefaultCorrespondenceMaxEntries,
			CorrespondenceSweepInterval: DefaultCorrespondenceSweepInterval,
			WebhookCacheTTL:             DefaultWebhookCacheTTL,
			WebhookNegativeCacheTTL:     DefaultWebhookNegativeCacheTTL,
			WebhookCacheSweepInterval:   DefaultWebhookCacheSweepInterval,
			MaxAttachmentBytes:          DefaultMaxAttachmentBytes,
			MaxMentionResolutions:       DefaultMaxMentionResolutions,
			PersistDebounce:             DefaultPersistDebounce,
			RatePerSecond:               DefaultRelayRatePerSecond,
			RateBurst:                   DefaultRelayRateBurst,
		},
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
			StartupMessage:    DefaultDiscordStartupMessage,
			CustomStatus:      DefaultDiscordCustomStatus,
		},
		API: &APIConfig{
			Enabled:       false,
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultAPITLSMinVersion,
			},
			LogLevel:          apiLogLevel,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			CORS:              DefaultCORSConfig(),
		},
	}
}
