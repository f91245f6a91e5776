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

	"github.com/ajmoreau/wavelength/wavelength"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = wavelength.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "wavelength [flags]",
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		if err := unmarshalConfig(cfg); err != nil {
			log.Fatalln(err)
		}
	},
}

// unmarshalConfig decodes the loaded viper state into cfg. Env values
// arrive as strings, so weakly typed input handles the numeric and bool
// fields; durations and log levels get explicit hooks.
func unmarshalConfig(target *wavelength.Config) error {
	return viper.Unmarshal(
		target,
		viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				LevelToStringHookFunc(),
			),
		),
		func(dc *mapstructure.DecoderConfig) {
			dc.WeaklyTypedInput = true
		},
	)
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

// LevelToStringHookFunc decodes log level strings into *slog.LevelVar
// during viper unmarshaling.
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
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
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

	viper.SetDefault("database", wavelength.DefaultDatabase)
	viper.SetDefault("database_type", wavelength.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		wavelength.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		wavelength.DefaultDatabaseLogLevel.String(),
	)

	viper.SetDefault("log_level", wavelength.DefaultLogLevel.String())

	viper.SetDefault("startup_timeout", wavelength.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", wavelength.DefaultShutdownTimeout)

	// Relay config
	viper.SetDefault(
		"relay.correspondence_ttl",
		wavelength.DefaultCorrespondenceTTL,
	)
	viper.SetDefault(
		"relay.correspondence_max_entries",
		wavelength.DefaultCorrespondenceMaxEntries,
	)
	viper.SetDefault(
		"relay.correspondence_sweep_interval",
		wavelength.DefaultCorrespondenceSweepInterval,
	)
	viper.SetDefault(
		"relay.webhook_cache_ttl",
		wavelength.DefaultWebhookCacheTTL,
	)
	viper.SetDefault(
		"relay.webhook_negative_cache_ttl",
		wavelength.DefaultWebhookNegativeCacheTTL,
	)
	viper.SetDefault(
		"relay.webhook_cache_sweep_interval",
		wavelength.DefaultWebhookCacheSweepInterval,
	)
	viper.SetDefault(
		"relay.max_attachment_bytes",
		wavelength.DefaultMaxAttachmentBytes,
	)
	viper.SetDefault("relay.resolve_mentions", false)
	viper.SetDefault(
		"relay.max_mention_resolutions",
		wavelength.DefaultMaxMentionResolutions,
	)
	viper.SetDefault(
		"relay.persist_debounce",
		wavelength.DefaultPersistDebounce,
	)
	viper.SetDefault(
		"relay.rate_per_second",
		wavelength.DefaultRelayRatePerSecond,
	)
	viper.SetDefault("relay.rate_burst", wavelength.DefaultRelayRateBurst)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault(
		"discord.log_level",
		wavelength.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		wavelength.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		wavelength.DefaultDiscordGatewayIntent,
	)
	viper.SetDefault(
		"discord.startup_message",
		wavelength.DefaultDiscordStartupMessage,
	)
	viper.SetDefault(
		"discord.custom_status",
		wavelength.DefaultDiscordCustomStatus,
	)

	// API config
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.listen", wavelength.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.log_level", wavelength.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", wavelength.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		wavelength.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", wavelength.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", wavelength.DefaultIdleTimeout)
	viper.SetDefault("api.development", false)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// API: SSL config
	fatalErr(viper.BindEnv("api.ssl.cert"))
	fatalErr(viper.BindEnv("api.ssl.key"))
	fatalErr(viper.BindEnv("api.ssl.tls_min_version"))

	// API: CORS config
	viper.SetDefault(
		"api.cors.allow_headers",
		wavelength.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_methods",
		wavelength.DefaultCORSAllowMethods,
	)
	viper.SetDefault(
		"api.cors.expose_headers",
		wavelength.DefaultCORSExposeHeaders,
	)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", wavelength.DefaultCORSMaxAge)
	viper.SetDefault("api.cors.allow_credentials", false)

	envPrefix := os.Getenv(wavelength.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = wavelength.DefaultEnvPrefix
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

	for _, key := range []string{
		"log_level",
		"database_log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
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

//nolint:gochecknoinits
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
