package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ajmoreau/wavelength/wavelength"
	"github.com/bwmarrin/discordgo"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigFromEnvFile(t *testing.T) {
	// Save the original environment
	originalEnv := os.Environ()
	t.Cleanup(
		func() {
			os.Clearenv()
			for _, envVar := range originalEnv {
				parts := strings.SplitN(envVar, "=", 2)
				os.Setenv(parts[0], parts[1])
			}
		},
	)

	// Clear the environment before the test
	os.Clearenv()

	tmpdir := t.TempDir()

	// Set up the test environment file
	envFile := filepath.Join(tmpdir, "test.env")

	envContent := `
# General/database config

WL_DATABASE=/home/foo/wavelength.sqlite3
WL_DATABASE_TYPE=sqlite
WL_DATABASE_LOG_LEVEL=INFO
WL_DATABASE_SLOW_THRESHOLD=200ms
WL_LOG_LEVEL=INFO
WL_STARTUP_TIMEOUT=30s
WL_SHUTDOWN_TIMEOUT=60s

# Relay config

WL_RELAY_CORRESPONDENCE_TTL=24h
WL_RELAY_CORRESPONDENCE_MAX_ENTRIES=50000
WL_RELAY_WEBHOOK_CACHE_TTL=1h
WL_RELAY_WEBHOOK_NEGATIVE_CACHE_TTL=1m
WL_RELAY_MAX_ATTACHMENT_BYTES=8388608
WL_RELAY_RESOLVE_MENTIONS=true
WL_RELAY_MAX_MENTION_RESOLUTIONS=5
WL_RELAY_PERSIST_DEBOUNCE=5s
WL_RELAY_RATE_PER_SECOND=5
WL_RELAY_RATE_BURST=10

# Discord bot config

WL_DISCORD_TOKEN=your-discord-bot-token
WL_DISCORD_APPLICATION_ID=your-discord-bot-app-id
WL_DISCORD_GUILD_ID=
WL_DISCORD_LOG_LEVEL=WARN
WL_DISCORD_DISCORDGO_LOG_LEVEL=WARN
WL_DISCORD_STARTUP_MESSAGE="I'm back!"
WL_DISCORD_GATEWAY_INTENTS=38915

# Status API

WL_API_ENABLED=true
WL_API_LISTEN=127.0.0.1:5000
WL_API_LISTEN_NETWORK=tcp
WL_API_LOG_LEVEL=INFO
WL_API_READ_TIMEOUT=5s
WL_API_READ_HEADER_TIMEOUT=5s
WL_API_WRITE_TIMEOUT=10s
WL_API_IDLE_TIMEOUT=30s
`
	require.NoError(t, os.WriteFile(envFile, []byte(envContent), 0600))

	configFile = envFile
	t.Cleanup(
		func() {
			configFile = ""
			viper.Reset()
		},
	)

	initConfig()

	testCfg := wavelength.DefaultConfig()
	require.NoError(t, unmarshalConfig(testCfg))

	assert.Equal(t, "/home/foo/wavelength.sqlite3", testCfg.Database)
	assert.Equal(t, "sqlite", testCfg.DatabaseType)
	assert.Equal(t, 200*time.Millisecond, testCfg.DatabaseSlowThreshold)
	assert.Equal(t, slog.LevelInfo, testCfg.LogLevel.Level())
	assert.Equal(t, 30*time.Second, testCfg.StartupTimeout)
	assert.Equal(t, 60*time.Second, testCfg.ShutdownTimeout)

	assert.Equal(t, 24*time.Hour, testCfg.Relay.CorrespondenceTTL)
	assert.Equal(t, 50000, testCfg.Relay.CorrespondenceMaxEntries)
	assert.Equal(t, time.Hour, testCfg.Relay.WebhookCacheTTL)
	assert.Equal(t, time.Minute, testCfg.Relay.WebhookNegativeCacheTTL)
	assert.Equal(t, 8388608, testCfg.Relay.MaxAttachmentBytes)
	assert.True(t, testCfg.Relay.ResolveMentions)
	assert.Equal(t, 5, testCfg.Relay.MaxMentionResolutions)
	assert.Equal(t, 5*time.Second, testCfg.Relay.PersistDebounce)
	assert.Equal(t, 5.0, testCfg.Relay.RatePerSecond)
	assert.Equal(t, 10, testCfg.Relay.RateBurst)

	assert.Equal(t, "your-discord-bot-token", testCfg.Discord.Token)
	assert.Equal(t, "your-discord-bot-app-id", testCfg.Discord.ApplicationID)
	assert.Equal(t, slog.LevelWarn, testCfg.Discord.LogLevel.Level())
	assert.Equal(t, slog.LevelWarn, testCfg.Discord.DiscordGoLogLevel.Level())
	assert.Equal(t, "I'm back!", testCfg.Discord.StartupMessage)
	assert.Equal(
		t,
		discordgo.Intent(38915),
		testCfg.Discord.GatewayIntents,
	)

	assert.True(t, testCfg.API.Enabled)
	assert.Equal(t, "127.0.0.1:5000", testCfg.API.Listen)
	assert.Equal(t, "tcp", testCfg.API.ListenNetwork)
	assert.Equal(t, 5*time.Second, testCfg.API.ReadTimeout)
	assert.Equal(t, 10*time.Second, testCfg.API.WriteTimeout)
}

func TestGetLogLevel(t *testing.T) {
	for _, tc := range []struct {
		input    string
		expected slog.Level
	}{
		{"DEBUG", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
		{"ERROR", slog.LevelError},
	} {
		t.Run(
			tc.input, func(t *testing.T) {
				lvl, err := getLogLevel(tc.input)
				require.NoError(t, err)
				assert.Equal(t, tc.expected, lvl)
			},
		)
	}

	_, err := getLogLevel("LOUD")
	assert.Error(t, err)
	assert.Equal(t, fmt.Sprintf("invalid log level: %s", "LOUD"), err.Error())
}
