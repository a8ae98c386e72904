package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"slices"
	"strconv"
	"strings"
	"syscall"

	"github.com/reglet-dev/macro-overlay/allowliststore"
	"github.com/reglet-dev/macro-overlay/gatekeeper"
	"github.com/reglet-dev/macro-overlay/sqlquery"
	"github.com/reglet-dev/macro-overlay/values"
	"github.com/reglet-dev/macro-overlay/watcher"
	"github.com/spf13/cobra"
)

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the overlay state for the source",
		Args:  cobra.NoArgs,
		RunE: a.withSession(func(cmd *cobra.Command, _ []string, s *session) error {
			a.printStatus(s)
			return nil
		}),
	}
}

func (a *app) printStatus(s *session) {
	state := s.rt.State()
	fmt.Fprintf(a.out, "phase:     %s\n", state.Phase)
	fmt.Fprintf(a.out, "allowlist: %s\n", s.rt.StorePath())
	if fp := s.rt.Fingerprint(); fp != nil {
		fmt.Fprintf(a.out, "source:    %s\n", fp.Hash())
	}
	fmt.Fprintf(a.out, "approved:  %d\n", len(s.rt.MacroMap()))
	if names := s.rt.Catalog().MacroNames(); len(names) > 0 {
		fmt.Fprintf(a.out, "macros:    %s\n", strings.Join(names, ", "))
	}
	if state.Diff != nil {
		fmt.Fprintf(a.out, "pending:   %d added, %d changed, %d removed\n",
			len(state.Diff.Added), len(state.Diff.Changed), len(state.Diff.Removed))
		if ids := state.Diff.PendingIdentities(); len(ids) > 0 {
			fmt.Fprintf(a.out, "review:    %s\n", joinIdentities(ids))
		}
	}
	if state.FingerprintPending {
		fmt.Fprintln(a.out, "the source changed since it was last trusted; run accept-fingerprint or review")
	}
}

func (a *app) diffCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "diff",
		Short: "List bundles that differ from the allowlist",
		Args:  cobra.NoArgs,
		RunE: a.withSession(func(cmd *cobra.Command, _ []string, s *session) error {
			diff := s.rt.State().Diff
			if diff == nil || diff.IsEmpty() {
				fmt.Fprintln(a.out, "no pending changes")
				return nil
			}
			for _, id := range sortedKeys(diff.Added) {
				b := diff.Added[id]
				fmt.Fprintf(a.out, "added    %-10s %s/%s\n", id, b.FunctionName(), b.VariantName())
			}
			for _, id := range sortedKeys(diff.Changed) {
				c := diff.Changed[id]
				fmt.Fprintf(a.out, "changed  %-10s %s/%s (%s)\n", id, c.Discovered.FunctionName(), c.Discovered.VariantName(), c.Kind)
			}
			for _, id := range sortedKeys(diff.Removed) {
				e := diff.Removed[id]
				fmt.Fprintf(a.out, "removed  %-10s %s/%s\n", id, e.FunctionName, e.VariantName)
			}
			return nil
		}),
	}
}

func (a *app) schemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the schema of approved macros as JSON",
		Args:  cobra.NoArgs,
		RunE: a.withSession(func(cmd *cobra.Command, _ []string, s *session) error {
			enc := json.NewEncoder(a.out)
			enc.SetIndent("", "  ")
			return enc.Encode(s.rt.RuntimeSchema())
		}),
	}
}

func (a *app) entrySchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "entry-schema",
		Short: "Print the JSON Schema for allowlist entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := allowliststore.EntrySchema()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(a.out, string(data))
			return err
		},
	}
}

func (a *app) approveCmd() *cobra.Command {
	var (
		match       []string
		sessionOnly bool
		user        string
	)
	cmd := &cobra.Command{
		Use:   "approve [FUNCTION:VARIANT...]",
		Short: "Approve pending bundles",
		Long: `Approve bundles by identity, or every pending bundle whose function name
matches one of the --match patterns.`,
		RunE: a.withSession(func(cmd *cobra.Command, args []string, s *session) error {
			ids, err := parseIdentities(args)
			if err != nil {
				return err
			}
			if len(match) > 0 {
				matched, err := pendingMatching(s, match)
				if err != nil {
					return err
				}
				ids = append(ids, matched...)
			}
			if len(ids) == 0 {
				return errors.New("nothing to approve: pass identities or --match")
			}
			for _, id := range ids {
				if err := s.rt.ApproveBundle(id, !sessionOnly, user); err != nil {
					return fmt.Errorf("approving %s: %w", id, err)
				}
				fmt.Fprintf(a.out, "approved %s\n", id)
			}
			return nil
		}),
	}
	cmd.Flags().StringSliceVar(&match, "match", nil, "Approve pending bundles whose function name matches the pattern")
	cmd.Flags().BoolVar(&sessionOnly, "session", false, "Approve for this process only")
	cmd.Flags().StringVar(&user, "user", "", "User recorded in the audit log")
	return cmd
}

func (a *app) deactivateCmd() *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "deactivate FUNCTION:VARIANT...",
		Short: "Withdraw approval for bundles",
		Args:  cobra.MinimumNArgs(1),
		RunE: a.withSession(func(cmd *cobra.Command, args []string, s *session) error {
			ids, err := parseIdentities(args)
			if err != nil {
				return err
			}
			for _, id := range ids {
				s.rt.DeactivateBundle(id, true, user)
				fmt.Fprintf(a.out, "deactivated %s\n", id)
			}
			return nil
		}),
	}
	cmd.Flags().StringVar(&user, "user", "", "User recorded in the audit log")
	return cmd
}

func (a *app) acceptFingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "accept-fingerprint",
		Short: "Trust the changed source and re-scan it",
		Args:  cobra.NoArgs,
		RunE: a.withSession(func(cmd *cobra.Command, _ []string, s *session) error {
			if !s.rt.State().FingerprintPending {
				fmt.Fprintln(a.out, "source fingerprint is already trusted")
				return nil
			}
			if err := s.rt.AcceptFingerprint(cmd.Context()); err != nil {
				return err
			}
			a.printStatus(s)
			return nil
		}),
	}
}

func (a *app) reviewCmd() *cobra.Command {
	var (
		match []string
		user  string
	)
	cmd := &cobra.Command{
		Use:   "review",
		Short: "Interactively review the changed source and pending bundles",
		Args:  cobra.NoArgs,
		RunE: a.withSession(func(cmd *cobra.Command, _ []string, s *session) error {
			gk := gatekeeper.New(
				gatekeeper.WithSecurityLevel(a.cfg.SecurityLevel),
				gatekeeper.WithSessionApprovals(a.cfg.AllowSessionApprovals),
				gatekeeper.WithUser(user),
				gatekeeper.WithFilter(match...),
				gatekeeper.WithLogger(a.logger),
			)
			summary, err := gk.Review(cmd.Context(), s.rt)
			a.printSummary(summary)
			return err
		}),
	}
	cmd.Flags().StringSliceVar(&match, "match", nil, "Only review functions whose name matches the pattern")
	cmd.Flags().StringVar(&user, "user", "", "User recorded in the audit log")
	return cmd
}

func (a *app) printSummary(summary gatekeeper.Summary) {
	if summary.FingerprintAccepted {
		fmt.Fprintln(a.out, "source fingerprint accepted")
	}
	if summary.FingerprintDeclined {
		fmt.Fprintln(a.out, "source fingerprint declined; overlay stays suspended")
	}
	for _, id := range summary.Persisted {
		fmt.Fprintf(a.out, "approved %s\n", id)
	}
	for _, id := range summary.Session {
		fmt.Fprintf(a.out, "approved %s (session)\n", id)
	}
	for _, id := range summary.Skipped {
		fmt.Fprintf(a.out, "skipped  %s\n", id)
	}
	for _, e := range summary.Removed {
		fmt.Fprintf(a.out, "removed from source: %s %s\n", e.Identity, e.FunctionName)
	}
}

func (a *app) watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Re-scan the source whenever it changes",
		Args:  cobra.NoArgs,
		RunE: a.withSession(func(cmd *cobra.Command, _ []string, s *session) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a.printStatus(s)
			return watcher.Watch(ctx, a.sourcePath, func(ctx context.Context) {
				if err := s.rt.Refresh(ctx); err != nil {
					a.logger.Error("refresh failed", "error", err)
				}
				a.printStatus(s)
			}, watcher.WithLogger(a.logger))
		}),
	}
}

func (a *app) exportCmd() *cobra.Command {
	var (
		target    string
		functions []string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Copy approved macros into another database",
		Long: `Copy the approved macros into the target SQLite database and import their
approvals into the allowlist next to it.`,
		Args: cobra.NoArgs,
		RunE: a.withSession(func(cmd *cobra.Command, _ []string, s *session) error {
			ids, err := parseFunctionIDs(functions)
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				ids = approvedFunctionIDs(s)
			}
			if len(ids) == 0 {
				fmt.Fprintln(a.out, "nothing approved to export")
				return nil
			}

			ctx := cmd.Context()
			db, err := sqlquery.Open(ctx, target)
			if err != nil {
				return err
			}
			defer db.Close()
			tx, err := sqlquery.Begin(ctx, db)
			if err != nil {
				return err
			}
			defer func() {
				if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
					a.logger.Warn("failed to roll back export transaction", "target", target, "error", err)
				}
			}()

			s.rt.PrepareExportTarget(ctx, target, tx, ids)
			fmt.Fprintf(a.out, "exported function(s) %s to %s\n", joinInts(ids), target)
			return nil
		}),
	}
	cmd.Flags().StringVar(&target, "target", "", "Target SQLite database")
	cmd.Flags().StringSliceVar(&functions, "functions", nil, "Function ids to export (default: all approved)")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func joinInts(ids []int) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, strconv.Itoa(id))
	}
	return strings.Join(parts, ", ")
}

func parseIdentities(args []string) ([]values.Identity, error) {
	ids := make([]values.Identity, 0, len(args))
	for _, arg := range args {
		id, err := values.ParseIdentity(arg)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func parseFunctionIDs(args []string) ([]int, error) {
	ids := make([]int, 0, len(args))
	for _, arg := range args {
		id, err := strconv.Atoi(strings.TrimSpace(arg))
		if err != nil {
			return nil, fmt.Errorf("invalid function id %q: %w", arg, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func pendingMatching(s *session, patterns []string) ([]values.Identity, error) {
	diff := s.rt.State().Diff
	if diff == nil {
		return nil, nil
	}
	var ids []values.Identity
	for _, id := range diff.PendingIdentities() {
		name := diff.Changed[id].Discovered.FunctionName()
		if b, ok := diff.Added[id]; ok {
			name = b.FunctionName()
		}
		ok, err := gatekeeper.MatchName(patterns, name)
		if err != nil {
			return nil, err
		}
		if ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// approvedFunctionIDs lists the function ids of every trusted bundle.
func approvedFunctionIDs(s *session) []int {
	var ids []int
	for _, def := range s.rt.MacroMap() {
		if !slices.Contains(ids, def.FunctionID) {
			ids = append(ids, def.FunctionID)
		}
	}
	slices.Sort(ids)
	return ids
}

func joinIdentities(ids []values.Identity) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, id.String())
	}
	return strings.Join(parts, ", ")
}

func sortedKeys[V any](m map[values.Identity]V) []values.Identity {
	ids := make([]values.Identity, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, values.Identity.Compare)
	return ids
}
