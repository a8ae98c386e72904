package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/reglet-dev/macro-overlay/config"
	"github.com/reglet-dev/macro-overlay/overlay"
	"github.com/reglet-dev/macro-overlay/sqlquery"
	"github.com/spf13/cobra"
)

// app carries the persistent flags and the objects built from them.
type app struct {
	out    io.Writer
	errOut io.Writer
	logger *slog.Logger
	cfg    config.Overlay

	sourcePath string
	configPath string
	logLevel   string
	enable     bool
}

// session is one bound runtime.
type session struct {
	rt *overlay.Runtime
	db *sql.DB
}

func (s *session) Close() error { return s.db.Close() }

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	a := &app{out: out, errOut: errOut}

	root := &cobra.Command{
		Use:   "macro-overlay",
		Short: "Review and approve macro capabilities from an external source",
		Long: `macro-overlay discovers macro functions in a SQLite source and only
exposes those a reviewer approved into the allowlist stored next to it.

The allowlist is re-checked on every scan: an approval stops applying as
soon as the approved definition changes.`,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
	}
	root.SetOut(out)
	root.SetErr(errOut)

	flags := root.PersistentFlags()
	flags.StringVarP(&a.sourcePath, "source", "s", "", "Path to the SQLite macro source")
	flags.StringVarP(&a.configPath, "config", "c", "", "Path to the overlay configuration file")
	flags.StringVar(&a.logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	flags.BoolVar(&a.enable, "enable", false, "Enable the overlay regardless of configuration")

	root.AddCommand(
		a.statusCmd(),
		a.diffCmd(),
		a.schemaCmd(),
		a.approveCmd(),
		a.deactivateCmd(),
		a.acceptFingerprintCmd(),
		a.reviewCmd(),
		a.watchCmd(),
		a.exportCmd(),
		a.entrySchemaCmd(),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(a.logLevel)); err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", a.logLevel, err)
	}
	a.logger = slog.New(slog.NewTextHandler(a.errOut, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if cfg, err = cfg.ApplyEnv(os.LookupEnv); err != nil {
		return err
	}
	if a.enable {
		cfg.Enabled = true
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg
	return nil
}

// bind opens the source and binds a fresh runtime to it.
func (a *app) bind(ctx context.Context) (*session, error) {
	if a.sourcePath == "" {
		return nil, errors.New("--source is required")
	}
	if !a.cfg.Enabled {
		return nil, errors.New("overlay is disabled; enable it in the configuration, via " +
			config.EnvEnabled + " or with --enable")
	}
	db, err := sqlquery.Open(ctx, a.sourcePath)
	if err != nil {
		return nil, err
	}
	rt := overlay.New(a.cfg, overlay.WithLogger(a.logger))
	if err := rt.BindToDatabase(ctx, a.sourcePath, sqlquery.Factory(db)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("binding %s: %w", a.sourcePath, err)
	}
	return &session{rt: rt, db: db}, nil
}

// withSession runs fn against a bound runtime.
func (a *app) withSession(fn func(cmd *cobra.Command, args []string, s *session) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		s, err := a.bind(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()
		return fn(cmd, args, s)
	}
}
