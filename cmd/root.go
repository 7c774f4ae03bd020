package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/Rovis91/bot-project/avabot"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = avabot.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "avabot [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					mapstructure.StringToSliceHookFunc(","),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch level {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("database", avabot.DefaultDatabase)
	viper.SetDefault("database_type", avabot.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		avabot.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		avabot.DefaultDatabaseLogLevel.String(),
	)

	viper.SetDefault("log_level", avabot.DefaultLogLevel.String())
	viper.SetDefault("log_file", "")
	viper.SetDefault("log_file_max_size", avabot.DefaultLogFileMaxSize)
	viper.SetDefault("log_file_max_backups", avabot.DefaultLogFileMaxBackups)

	viper.SetDefault("startup_timeout", avabot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", avabot.DefaultShutdownTimeout)
	viper.SetDefault("restart_interval", avabot.DefaultRestartInterval)

	// Knowledge base config
	viper.SetDefault("knowledge.file", avabot.DefaultKnowledgeFile)
	viper.SetDefault("knowledge.max_backups", avabot.DefaultKnowledgeMaxBackups)

	// OpenAI config
	viper.SetDefault("openai.log_level", avabot.DefaultOpenAILogLevel.String())
	viper.SetDefault("openai.token", "")
	viper.SetDefault("openai.org_id", "")
	viper.SetDefault("openai.assistant_id", "")
	viper.SetDefault("openai.poll_interval", avabot.DefaultOpenAIPollInterval)
	viper.SetDefault(
		"openai.max_requests_per_second",
		avabot.DefaultOpenAIMaxRequestsPerSecond,
	)
	viper.SetDefault("openai.run_retries", avabot.DefaultOpenAIRunRetries)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.forum_channel_id", "")
	viper.SetDefault("discord.allowed_channels", []string{})
	viper.SetDefault("discord.waitlist_role_id", "")
	viper.SetDefault("discord.welcome_message", avabot.DefaultWaitlistWelcomeMsg)
	viper.SetDefault("discord.notification_channel_id", "")
	viper.SetDefault(
		"discord.log_level",
		avabot.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		avabot.DefaultDiscordgoLogLevel.String(),
	)
	// stored as a plain int so spf13/cast can convert it
	viper.SetDefault(
		"discord.gateway_intents",
		int(avabot.DefaultDiscordGatewayIntent),
	)
	viper.SetDefault("discord.startup_message", avabot.DefaultDiscordStartupMessage)
	viper.SetDefault("discord.custom_status", "")

	// API config
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.listen", avabot.DefaultAPIListen)
	viper.SetDefault("api.log_level", avabot.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", avabot.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		avabot.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", avabot.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", avabot.DefaultIdleTimeout)

	// API: CORS config
	viper.SetDefault(
		"api.cors.allow_headers",
		avabot.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_methods",
		avabot.DefaultCORSAllowMethods,
	)
	viper.SetDefault(
		"api.cors.expose_headers",
		avabot.DefaultCORSExposeHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_origins",
		[]string{},
	)
	viper.SetDefault("api.cors.max_age", avabot.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		avabot.DefaultAPICORSAllowCredentials,
	)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// Bare env var names, matching the original deployment
	fatalErr(viper.BindEnv("discord.token", "DISCORD_TOKEN"))
	fatalErr(viper.BindEnv("openai.token", "OPENAI_API_KEY"))
	fatalErr(viper.BindEnv("openai.org_id", "OPENAI_ORG_ID"))
	fatalErr(viper.BindEnv("openai.assistant_id", "ASSISTANT_ID"))
	fatalErr(viper.BindEnv("discord.allowed_channels", "ALLOWED_CHANNELS"))
	fatalErr(viper.BindEnv("discord.waitlist_role_id", "ROLE_ID"))
	fatalErr(viper.BindEnv("discord.forum_channel_id", "FORUM_ID"))
	fatalErr(viper.BindEnv("discord.guild_id", "GUILD_ID"))

	envPrefix := os.Getenv(avabot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = avabot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	viper.Set(
		"api.cors.allow_headers",
		viper.GetStringSlice("api.cors.allow_headers"),
	)
	viper.Set(
		"api.cors.allow_origins",
		viper.GetStringSlice("api.cors.allow_origins"),
	)
	viper.Set(
		"api.cors.allow_methods",
		viper.GetStringSlice("api.cors.allow_methods"),
	)
	viper.Set(
		"api.cors.expose_headers",
		viper.GetStringSlice("api.cors.expose_headers"),
	)
	// ALLOWED_CHANNELS is comma-separated
	allowedChannels := viper.GetStringSlice("discord.allowed_channels")
	if len(allowedChannels) == 1 && strings.Contains(allowedChannels[0], ",") {
		split := strings.Split(allowedChannels[0], ",")
		allowedChannels = allowedChannels[:0]
		for _, channelID := range split {
			if channelID = strings.TrimSpace(channelID); channelID != "" {
				allowedChannels = append(allowedChannels, channelID)
			}
		}
	}
	viper.Set("discord.allowed_channels", allowedChannels)

	// normalizes string env overrides, so mapstructure sees an int
	viper.Set(
		"discord.gateway_intents",
		viper.GetInt("discord.gateway_intents"),
	)

	for _, key := range []string{
		"log_level",
		"database_log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
		"openai.log_level",
		"api.log_level",
	} {
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
