package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/pavelanni/modeluniversity/internal/config"
	"github.com/pavelanni/modeluniversity/internal/llm"
	"github.com/pavelanni/modeluniversity/internal/metrics"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "modeluniversity",
		Short:        "Generate course material with an LLM and examine candidate models on it",
		SilenceUsage: true,
	}
	root.AddCommand(
		configCmd(),
		curriculumCmd(),
		questionsCmd(),
		transformCmd(),
		textbookCmd(),
		evalCmd(),
		exportCmd(),
		serveCmd(),
	)
	return root
}

// flagKeys maps flat flag names onto nested configuration keys. Flags not
// listed here keep their own name.
var flagKeys = map[string]string{
	"db":              "files.database",
	"llm-url":         "llm.base_url",
	"llm-key":         "llm.api_key",
	"curriculum-file": "files.curriculum",
	"training-file":   "files.training",
	"testing-file":    "files.testing",
	"output-file":     "files.trainable",
	"models":          "models.evals",
	"datagen-model":   "models.datagen",
	"judge-model":     "models.judge",
	"dataset":         "eval.dataset",
	"threads":         "eval.threads",
	"judge":           "eval.judge",
	"textbook":        "eval.open_book",
	"closed-book":     "eval.closed_book",
	"prefix":          "eval.experiment_prefix",
	"top-k":           "textbook.top_k",
	"textbook-db":     "textbook.path",
}

// addCommonFlags registers the flags every command accepts.
func addCommonFlags(f *pflag.FlagSet) {
	def := config.Default()
	f.String("db", def.Files.Database, "SQLite database path")
	f.String("llm-url", def.LLM.BaseURL, "OpenAI-compatible API base URL")
	f.String("llm-key", def.LLM.APIKey, "API key for LLM")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func setupLogging(v *viper.Viper) {
	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		key := f.Name
		if nested, ok := flagKeys[f.Name]; ok {
			key = nested
		}
		_ = v.BindPFlag(key, f)
	})

	v.SetEnvPrefix("MODELUNIVERSITY")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("modeluniversity")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/modeluniversity")
	v.AddConfigPath("/etc/modeluniversity")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

// loadConfig sets up logging and resolves the validated configuration for cmd.
func loadConfig(cmd *cobra.Command) (config.Config, *viper.Viper, error) {
	v := viperForCmd(cmd)
	setupLogging(v)

	cfg, err := config.FromViper(v)
	if err != nil {
		return cfg, v, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, v, err
	}
	return cfg, v, nil
}

func newLLMClient(cfg config.Config, m *metrics.Metrics) *llm.Client {
	return llm.New(cfg.LLM, llm.WithMetrics(m))
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration",
		RunE:  runConfigInit,
	}
	f := initCmd.Flags()
	f.StringP("output", "o", "modeluniversity.yaml", "Configuration file to write")
	f.Bool("force", false, "Overwrite an existing file")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	cmd.AddCommand(initCmd)
	return cmd
}

func runConfigInit(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)
	setupLogging(v)

	path := v.GetString("output")
	if _, err := os.Stat(path); err == nil && !v.GetBool("force") {
		return fmt.Errorf("%s already exists, use --force to overwrite", path)
	}
	if err := config.Default().Save(path); err != nil {
		return err
	}
	slog.Info("wrote default configuration", "path", path)
	return nil
}
