package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/andresmejia3/realitycheck/internal/config"
	"github.com/andresmejia3/realitycheck/internal/engine"
	"github.com/andresmejia3/realitycheck/internal/logger"
	"github.com/andresmejia3/realitycheck/internal/store"
	"github.com/andresmejia3/realitycheck/internal/worker"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

var (
	// DB is the global database connection shared by subcommands. It is nil
	// when no database is configured.
	DB *store.Store
	// Cfg is the environment configuration with command-line overrides applied
	Cfg *config.Config
	// Logger is the process logger
	Logger *zap.Logger

	rootFlags struct {
		dbURL         string
		logLevel      string
		workers       int
		python        string
		workerScript  string
		model         string
		workerTimeout time.Duration
		debug         bool
	}
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "realitycheck",
	Short:   "Deepfake video analysis: frame sampling, face scoring, verdicts",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		Cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		applyRootFlags(Cfg, cmd.Root().PersistentFlags())

		Logger, err = newLogger(cmd, Cfg.LogLevel)
		if err != nil {
			return err
		}

		engine.Configure(engine.Settings{
			Workers: Cfg.Workers,
			Worker: worker.Config{
				Python:      Cfg.PythonBin,
				Script:      Cfg.WorkerScript,
				Model:       Cfg.Model,
				Debug:       rootFlags.debug,
				ReadTimeout: Cfg.WorkerTimeout,
			},
			Logger: Logger,
		})

		dbURL := resolveDBURL(Cfg.DatabaseURL)
		if dbURL == "" {
			return nil
		}
		// Use the command's context (which will be cancellable) for the connection
		DB, err = store.New(cmd.Context(), dbURL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		engine.CloseDefault()
		if DB != nil {
			DB.Close()
		}
		if Logger != nil {
			Logger.Sync()
		}
	},
}

// newLogger gives the long-running server JSON logs and every other command
// a console logger on stderr.
func newLogger(cmd *cobra.Command, level string) (*zap.Logger, error) {
	if cmd.Name() == serveCmd.Name() {
		return logger.New(level)
	}
	return logger.NewConsole(level)
}

// applyRootFlags copies the explicitly set flags of the root's persistent set
// over their environment values. Subcommand flags are never consulted, so a
// local flag that shares a name cannot clear a setting.
func applyRootFlags(cfg *config.Config, fs *pflag.FlagSet) {
	fs.Visit(func(f *pflag.Flag) { applyFlag(cfg, f.Name) })
}

// applyFlag copies an explicitly set root flag over its environment value.
func applyFlag(cfg *config.Config, name string) {
	switch name {
	case "db":
		cfg.DatabaseURL = rootFlags.dbURL
	case "log-level":
		cfg.LogLevel = rootFlags.logLevel
	case "workers":
		cfg.Workers = rootFlags.workers
	case "python":
		cfg.PythonBin = rootFlags.python
	case "worker-script":
		cfg.WorkerScript = rootFlags.workerScript
	case "model":
		cfg.Model = rootFlags.model
	case "worker-timeout":
		cfg.WorkerTimeout = rootFlags.workerTimeout
	}
}

// resolveDBURL falls back to the POSTGRES_* variables when no URL is given.
// An empty result means the database is disabled.
func resolveDBURL(url string) string {
	if url != "" {
		return url
	}
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		return ""
	}
	user := os.Getenv("POSTGRES_USER")
	pass := os.Getenv("POSTGRES_PASSWORD")
	name := os.Getenv("POSTGRES_DB")
	port := os.Getenv("POSTGRES_PORT")
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
}

// requireDB is used by commands that cannot work without history.
func requireDB() error {
	if DB == nil {
		return fmt.Errorf("no database configured (use --db, DATABASE_URL or POSTGRES_HOST)")
	}
	return nil
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&rootFlags.dbURL, "db", "", "PostgreSQL connection string (default: $DATABASE_URL, history disabled if unset)")
	pf.StringVar(&rootFlags.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	pf.IntVarP(&rootFlags.workers, "workers", "w", 1, "Number of oracle worker processes")
	pf.StringVar(&rootFlags.python, "python", "python3", "Python interpreter for the oracle workers")
	pf.StringVar(&rootFlags.workerScript, "worker-script", "python/worker.py", "Oracle worker entrypoint")
	pf.StringVar(&rootFlags.model, "model", "dima806/deepfake_vs_real_image_detection", "Classifier checkpoint loaded by the workers")
	pf.DurationVar(&rootFlags.workerTimeout, "worker-timeout", 2*time.Minute, "Max time to wait for one oracle response")
	pf.BoolVar(&rootFlags.debug, "debug", false, "Let the oracle workers log to stderr")
}
