package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/newthinker/quantbase/internal/app"
	"github.com/newthinker/quantbase/internal/config"
	"github.com/newthinker/quantbase/internal/core"
	"github.com/newthinker/quantbase/internal/logger"
)

var (
	cfgFile string
	debug   bool
)

var rootCmd = &cobra.Command{
	Use:   "quantbase",
	Short: "quantbase - multi-market financial data backbone",
	Long: `quantbase fetches market data for US, HK, CN and crypto assets, refines it
into a canonical store and derives valuation, risk and behavior snapshots.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug mode")
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return core.WrapError(core.ErrConfigInvalid, err)
	})
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	os.Exit(exitCode(err))
}

// exitError carries an explicit process exit code.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

func exitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return core.ExitCode(err)
}

// args validates the positional argument count as a user error.
func args(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, a []string) error {
		if len(a) != n {
			return core.Errorf(core.ErrConfigInvalid, "%s: want %d argument(s), got %d", cmd.Name(), n, len(a))
		}
		return nil
	}
}

// loadConfig reads .env, the config file and the environment.
func loadConfig() (*config.Config, error) {
	config.LoadDotEnv()
	return config.Load(cfgFile)
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logger.New(logger.Options{
		Development: debug || cfg.Log.Development,
		Level:       cfg.Log.Level,
		Dir:         cfg.Log.Dir,
		MaxSizeMB:   cfg.Log.MaxSizeMB,
		MaxBackups:  cfg.Log.MaxBackups,
		MaxAgeDays:  cfg.Log.MaxAgeDays,
	})
}

// setup builds the application. The returned cleanup closes it and flushes
// the logger.
func setup(ctx context.Context) (*app.App, *zap.Logger, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return nil, nil, nil, core.WrapError(core.ErrConfigInvalid, err)
	}
	if cfgFile == "" {
		log.Debug("no config file specified, using defaults and environment")
	}
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		_ = log.Sync()
		return nil, nil, nil, err
	}
	return a, log, func() {
		if err := a.Close(); err != nil {
			log.Warn("closing app", zap.Error(err))
		}
		_ = log.Sync()
	}, nil
}

// parseDate parses a YYYY-MM-DD flag value. Empty yields the zero time.
func parseDate(flag, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(core.DateLayout, v)
	if err != nil {
		return time.Time{}, core.Errorf(core.ErrConfigInvalid, "--%s: want YYYY-MM-DD, got %q", flag, v)
	}
	return t, nil
}
