package main

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hrygo/chatsync/internal/profile"
	"github.com/hrygo/chatsync/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: `Keeps streamed chat conversations in sync with a durable server-side record.`,
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		setupLogger(viper.GetString("mode"), viper.GetString("log-level"))
	},
}

func init() {
	viper.SetDefault("mode", "dev")
	viper.SetDefault("driver", "sqlite")
	viper.SetDefault("port", 8081)
	viper.SetDefault("log-level", "info")

	flags := rootCmd.PersistentFlags()
	flags.String("mode", "dev", `mode of server, can be "prod" or "dev" or "demo"`)
	flags.String("log-level", "info", "log level: debug, info, warn or error")
	flags.String("addr", "", "address of server")
	flags.Int("port", 8081, "port of server")
	flags.String("data", "", "data directory")
	flags.String("driver", "sqlite", "database driver: sqlite or postgres")
	flags.String("dsn", "", "database source name")
	flags.String("secret", "", "secret used to sign access tokens")

	flags.String("server-url", profile.DefaultServerURL, "URL of the chatsync server")
	flags.String("token", "", "access token issued by `chatsync token`")
	flags.Duration("refresh-interval", profile.DefaultRefreshInterval, "how often the open conversation is re-fetched")
	flags.Duration("list-interval", profile.DefaultListInterval, "how often the conversation list is re-fetched")
	flags.Duration("save-timeout", profile.DefaultSaveTimeout, "timeout of every request to the server")
	flags.String("llm-provider", profile.DefaultLLMProvider, "LLM provider: deepseek, openai or ollama")
	flags.String("llm-base-url", "", "base URL of the OpenAI-compatible endpoint")
	flags.String("llm-api-key", "", "API key of the LLM endpoint")
	flags.String("llm-model", profile.DefaultLLMModel, "model used for replies")

	for _, name := range []string{
		"mode", "log-level", "addr", "port", "data", "driver", "dsn", "secret",
		"server-url", "token", "refresh-interval", "list-interval", "save-timeout",
		"llm-provider", "llm-base-url", "llm-api-key", "llm-model",
	} {
		if err := viper.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("chatsync")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	rootCmd.AddCommand(serveCmd, tokenCmd, chatCmd)
}

// profileFromViper collects flags and CHATSYNC_* environment variables.
func profileFromViper() *profile.Profile {
	return &profile.Profile{
		Mode:            viper.GetString("mode"),
		Addr:            viper.GetString("addr"),
		Port:            viper.GetInt("port"),
		Data:            viper.GetString("data"),
		Driver:          viper.GetString("driver"),
		DSN:             viper.GetString("dsn"),
		Secret:          viper.GetString("secret"),
		Version:         version.GetCurrentVersion(viper.GetString("mode")),
		ServerURL:       viper.GetString("server-url"),
		Token:           viper.GetString("token"),
		RefreshInterval: viper.GetDuration("refresh-interval"),
		ListInterval:    viper.GetDuration("list-interval"),
		SaveTimeout:     viper.GetDuration("save-timeout"),
		LLMProvider:     viper.GetString("llm-provider"),
		LLMBaseURL:      viper.GetString("llm-base-url"),
		LLMAPIKey:       viper.GetString("llm-api-key"),
		LLMModel:        viper.GetString("llm-model"),
	}
}

// setupLogger installs a JSON handler in prod and a text handler otherwise.
func setupLogger(mode, level string) {
	var logLevel slog.Level
	if err := logLevel.UnmarshalText([]byte(level)); err != nil {
		logLevel = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: logLevel}

	var handler slog.Handler
	if mode == "prod" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// parseTTL accepts Go durations plus a "d" suffix for days.
func parseTTL(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		d, err := time.ParseDuration(days + "h")
		return d * 24, err
	}
	return time.ParseDuration(s)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
