//nolint:lll // struct tags can't be split
package avabot

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"github.com/go-playground/validator/v10"
)

const (
	DefaultEnvPrefix      = "AVA"
	EnvvarSetEnvPrefix    = "AVABOT_ENV_PREFIX"
	DefaultDatabaseType   = "sqlite"
	DefaultDatabase       = "avabot.sqlite3"
	DefaultLogLevel       = slog.LevelInfo
	DefaultStartupTimeout = 30 * time.Second

	DefaultShutdownTimeout = 60 * time.Second

	// DefaultRestartInterval is how long the bot runs before exiting
	// cleanly so the supervisor replaces the process.
	DefaultRestartInterval = 24 * time.Hour

	DefaultKnowledgeFile       = "vector_store/faq.json"
	DefaultKnowledgeMaxBackups = 5

	DefaultOpenAIPollInterval         = time.Second
	DefaultOpenAIMaxRequestsPerSecond = 1
	DefaultOpenAIRunRetries           = 3

	DefaultDiscordGatewayIntent = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMembers |
		discordgo.IntentMessageContent

	DefaultDiscordStartupMessage = "I'm here!"
	discordMaxMessageLength      = 2000

	DefaultAPIListen               = "127.0.0.1:5000"
	defaultListenNetwork           = "tcp"
	DefaultReadTimeout             = 5 * time.Second
	DefaultReadHeaderTimeout       = 5 * time.Second
	DefaultWriteTimeout            = 10 * time.Second
	DefaultIdleTimeout             = 30 * time.Second
	DefaultAPICORSAllowCredentials = true

	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelInfo
	DefaultDiscordLogLevel       = slog.LevelWarn
	DefaultDiscordgoLogLevel     = slog.LevelWarn
	DefaultOpenAILogLevel        = slog.LevelInfo
	DefaultAPILogLevel           = slog.LevelInfo

	// DefaultLogFileMaxSize is the size, in megabytes, at which the log
	// file is rotated.
	DefaultLogFileMaxSize     = 50
	DefaultLogFileMaxBackups  = 5
	DefaultWaitlistWelcomeMsg = "Hello! 👋 Your role has been assigned - welcome aboard!"
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-Requested-With",
		"Cache-Control",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		"Accept-Encoding",
		xRequestIDHeader,
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

type Config struct {
	// Database connection string, or SQLite file path
	Database string `yaml:"database" mapstructure:"database" json:"database"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" validate:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// Knowledge configures the FAQ knowledge base file
	Knowledge *KnowledgeConfig `yaml:"knowledge" mapstructure:"knowledge" json:"knowledge"`

	// OpenAI holds the configuration for OpenAI integration
	OpenAI *OpenAIConfig `yaml:"openai" mapstructure:"openai" json:"openai"`

	// API configures the status API server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	// Discord configures aspects of the Discord bot itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// LogFile, if set, duplicates log output to a size-rotated file
	LogFile string `yaml:"log_file" mapstructure:"log_file" json:"log_file"`

	// LogFileMaxSize is the maximum size, in megabytes, of the log file
	// before rotation
	LogFileMaxSize int `yaml:"log_file_max_size" mapstructure:"log_file_max_size" json:"log_file_max_size"`

	// LogFileMaxBackups is the number of rotated log files to retain
	LogFileMaxBackups int `yaml:"log_file_max_backups" mapstructure:"log_file_max_backups" json:"log_file_max_backups"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// initialize. If this is passed, the bot will abort startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After this
	// elapses, the bot will force close all connections and exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// RestartInterval is how long Run executes before returning cleanly,
	// so the supervising process manager can replace the process.
	// 0 disables the periodic restart.
	RestartInterval time.Duration `yaml:"restart_interval" mapstructure:"restart_interval" json:"restart_interval"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// KnowledgeConfig configures the FAQ knowledge base file.
type KnowledgeConfig struct {
	// File is the path of the FAQ JSON file. Sibling files in the
	// same directory are uploaded during a vector store sync.
	File string `yaml:"file" mapstructure:"file" json:"file" validate:"required"`

	// MaxBackups is the number of timestamped .bak copies to retain
	MaxBackups int `yaml:"max_backups" mapstructure:"max_backups" json:"max_backups" validate:"min=0"`
}

// DiscordConfig configures the discord bot itself.
//
//nolint:lll // can't break tags
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" validate:"required"`

	// GuildID of the server the bot operates in. Used to enumerate
	// active forum threads.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// ForumChannelID is the forum channel watched for new Q&A threads
	ForumChannelID string `yaml:"forum_channel_id" mapstructure:"forum_channel_id" json:"forum_channel_id"`

	// AllowedChannels is the set of channel IDs the bot will relay
	// messages from. Empty means all channels are allowed.
	AllowedChannels []string `yaml:"allowed_channels" mapstructure:"allowed_channels" json:"allowed_channels"`

	// WaitlistRoleID is the role assigned to waitlisted members
	WaitlistRoleID string `yaml:"waitlist_role_id" mapstructure:"waitlist_role_id" json:"waitlist_role_id"`

	// WelcomeMessage is DM'd to members after their role is assigned
	WelcomeMessage string `yaml:"welcome_message" mapstructure:"welcome_message" json:"welcome_message"`

	// NotificationChannelID, if set, receives StartupMessage whenever
	// the bot connects to the gateway
	NotificationChannelID string `yaml:"notification_channel_id" mapstructure:"notification_channel_id" json:"notification_channel_id"`

	// StartupMessage is sent to NotificationChannelID on connect
	StartupMessage string `yaml:"startup_message" mapstructure:"startup_message" json:"startup_message"`

	// CustomStatus, if set, is applied as the bot user's status once the
	// gateway is ready
	CustomStatus string `yaml:"custom_status" mapstructure:"custom_status" json:"custom_status"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	httpClient *http.Client
}

// OpenAIConfig configures OpenAI API integration and assistant parameters
type OpenAIConfig struct {
	// OpenAI API token
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" validate:"required"`

	// OpenAI organization ID, sent with each request when set
	OrgID string `yaml:"org_id" mapstructure:"org_id" json:"org_id"`

	// ID of the OpenAI assistant to use
	AssistantID string `yaml:"assistant_id" mapstructure:"assistant_id" json:"assistant_id" validate:"required"`

	// OpenAI base log level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// PollInterval is the delay between run status checks
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval" json:"poll_interval" validate:"min=0"`

	// MaxRequestsPerSecond caps OpenAI API requests
	MaxRequestsPerSecond int `yaml:"max_requests_per_second" mapstructure:"max_requests_per_second" json:"max_requests_per_second" validate:"min=1"`

	// RunRetries is the number of attempts to create and complete a run
	RunRetries int `yaml:"run_retries" mapstructure:"run_retries" json:"run_retries" validate:"min=1"`
}

// APIConfig configures the status API server
type APIConfig struct {
	// Enabled determines whether the API server is started
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" validate:"required_if=Enabled true"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" validate:"required_if=Enabled true,omitempty,oneof=tcp tcp4 tcp6 unix"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`
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
		AllowOrigins:     []string{},
		AllowMethods:     defaultMethods,
		AllowHeaders:     defaultHeaders,
		ExposeHeaders:    defaultExpose,
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	openaiLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	openaiLogLevel.Set(DefaultOpenAILogLevel)
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
		LogFileMaxSize:        DefaultLogFileMaxSize,
		LogFileMaxBackups:     DefaultLogFileMaxBackups,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		RestartInterval:       DefaultRestartInterval,
		Knowledge: &KnowledgeConfig{
			File:       DefaultKnowledgeFile,
			MaxBackups: DefaultKnowledgeMaxBackups,
		},
		OpenAI: &OpenAIConfig{
			LogLevel:             openaiLogLevel,
			PollInterval:         DefaultOpenAIPollInterval,
			MaxRequestsPerSecond: DefaultOpenAIMaxRequestsPerSecond,
			RunRetries:           DefaultOpenAIRunRetries,
		},
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
			StartupMessage:    DefaultDiscordStartupMessage,
			WelcomeMessage:    DefaultWaitlistWelcomeMsg,
		},
		API: &APIConfig{
			Listen:            DefaultAPIListen,
			ListenNetwork:     defaultListenNetwork,
			LogLevel:          apiLogLevel,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			CORS:              DefaultCORSConfig(),
		},
	}
}

// Validate checks required fields and value ranges. Called once at
// startup; a failure here is the only fatal error class.
func (c *Config) Validate() error {
	validate := validator.New()
	return validate.Struct(c)
}
