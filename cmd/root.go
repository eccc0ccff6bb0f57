package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/spf13/cobra"

	"github.com/kamusis/persona/internal/backend"
	"github.com/kamusis/persona/internal/config"
	"github.com/kamusis/persona/internal/errdefs"
	"github.com/kamusis/persona/internal/logger"
	"github.com/kamusis/persona/internal/registry"
)

var (
	flagConfig string
	appCfg     *config.Config
	appBackend *backend.Backend
)

var rootCmd = &cobra.Command{
	Use:          "persona",
	Short:        "persona — a local registry of role and skill templates for AI agents",
	SilenceUsage: true, // don't print usage on operational errors
	Long: `persona stores reusable markdown templates ("roles" and "skills"), indexes
their descriptions with embeddings and finds the right one for a task.

Templates live under ~/.persona by default (override with --root or PERSONA_ROOT).`,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		v := config.NewViper()
		pf := cmd.Root().PersistentFlags()
		_ = v.BindPFlag("root", pf.Lookup("root"))
		_ = v.BindPFlag("log.level", pf.Lookup("log-level"))
		_ = v.BindPFlag("log.format", pf.Lookup("log-format"))
		cfg, err := config.Load(v, flagConfig)
		if err != nil {
			return fmt.Errorf("cannot load config: %w", err)
		}
		appCfg = cfg
		appBackend = nil
		logger.SetLogFormat(cfg.Log.Format)
		if err := logger.SetLogLevel(cfg.Log.Level); err != nil {
			return err
		}
		cmd.SetContext(logger.WithLogger(cmd.Context(), logger.L.WithField("cmd", cmd.CommandPath())))
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagConfig, "config", "", "config file (default ~/.persona/config.yaml)")
	pf.String("root", "", "storage root for templates and the index")
	pf.String("log-level", "", "log level (panic, fatal, error, warn, info, debug, trace)")
	pf.String("log-format", "", "log format (text or json)")
}

// Execute is called by main.go.
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openBackend builds the registry selected by the loaded configuration once
// per process.
func openBackend() (*backend.Backend, error) {
	if appBackend != nil {
		return appBackend, nil
	}
	if appCfg == nil {
		return nil, fmt.Errorf("configuration not loaded")
	}
	b, err := backend.New(appCfg)
	if err != nil {
		return nil, err
	}
	appBackend = b
	return b, nil
}

// retryLocked runs fn, retrying with backoff while another process holds the
// store lock. Every other error is returned immediately.
func retryLocked(ctx context.Context, fn func() error) error {
	attempts := uint(1)
	if appCfg != nil {
		attempts += appCfg.Lock.Retries
	}
	return retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(200*time.Millisecond),
		retry.MaxDelay(2*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(errdefs.IsStoreLocked),
		retry.OnRetry(func(n uint, err error) {
			logger.G(ctx).WithError(err).Debugf("store locked, retry %d", n+1)
		}),
	)
}

// update runs fn in a writable registry session, retrying lock contention.
func update(ctx context.Context, fn func(*registry.Session) error) error {
	b, err := openBackend()
	if err != nil {
		return err
	}
	return retryLocked(ctx, func() error { return b.Registry.Update(ctx, fn) })
}

// view runs fn in a read-only registry session, retrying lock contention.
func view(ctx context.Context, fn func(*registry.Session) error) error {
	b, err := openBackend()
	if err != nil {
		return err
	}
	return retryLocked(ctx, func() error { return b.Registry.View(ctx, fn) })
}
