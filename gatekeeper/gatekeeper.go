// Package gatekeeper walks a reviewer through the pending changes of an
// overlay runtime: a changed source fingerprint first, then every added or
// changed bundle, applying the configured security level.
package gatekeeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/reglet-dev/macro-overlay/config"
	"github.com/reglet-dev/macro-overlay/entities"
	"github.com/reglet-dev/macro-overlay/values"
)

// ErrFingerprintPending is returned when a changed source needs a human
// decision but nobody can be asked.
var ErrFingerprintPending = errors.New("overlay source changed since its fingerprint was recorded")

// Gatekeeper applies review policy to an overlay runtime.
type Gatekeeper struct {
	prompter      Prompter
	logger        *slog.Logger
	securityLevel config.SecurityLevel
	user          string
	patterns      []string
	allowSession  bool
}

// Option configures a Gatekeeper.
type Option func(*Gatekeeper)

// WithPrompter sets the prompter.
func WithPrompter(p Prompter) Option {
	return func(g *Gatekeeper) { g.prompter = p }
}

// WithSecurityLevel sets the security policy level.
func WithSecurityLevel(level config.SecurityLevel) Option {
	return func(g *Gatekeeper) { g.securityLevel = level }
}

// WithSessionApprovals offers session-scoped approval. Ignored under strict.
func WithSessionApprovals(allowed bool) Option {
	return func(g *Gatekeeper) { g.allowSession = allowed }
}

// WithUser records who approved in the audit log.
func WithUser(user string) Option {
	return func(g *Gatekeeper) { g.user = user }
}

// WithFilter limits review to functions whose name matches one of the
// doublestar patterns.
func WithFilter(patterns ...string) Option {
	return func(g *Gatekeeper) { g.patterns = append(g.patterns, patterns...) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gatekeeper) { g.logger = l }
}

// New creates a gatekeeper. The terminal prompter is used unless another is
// configured.
func New(opts ...Option) *Gatekeeper {
	g := &Gatekeeper{
		securityLevel: config.SecurityStandard,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.prompter == nil {
		g.prompter = NewTerminalPrompter()
	}
	return g
}

// MatchName reports whether name matches any pattern. No patterns match
// everything.
func MatchName(patterns []string, name string) (bool, error) {
	if len(patterns) == 0 {
		return true, nil
	}
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return false, fmt.Errorf("invalid pattern %q: %w", p, doublestar.ErrBadPattern)
		}
		ok, err := doublestar.Match(p, name)
		if err != nil {
			return false, fmt.Errorf("invalid pattern %q: %w", p, err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// Review resolves a pending fingerprint and then every pending bundle.
func (g *Gatekeeper) Review(ctx context.Context, rt Runtime) (Summary, error) {
	var summary Summary

	if rt.State().FingerprintPending {
		accepted, err := g.reviewFingerprint(ctx, rt)
		if err != nil {
			return summary, err
		}
		if !accepted {
			summary.FingerprintDeclined = true
			return summary, nil
		}
		summary.FingerprintAccepted = true
	}

	state := rt.State()
	if !state.Ready || state.Diff == nil {
		return summary, nil
	}
	for _, id := range sortedIdentities(state.Diff.Removed) {
		summary.Removed = append(summary.Removed, state.Diff.Removed[id])
	}

	requests, err := g.buildRequests(state.Diff)
	if err != nil {
		return summary, err
	}

	var remaining []Request
	for _, req := range requests {
		if g.autoApproves(req) {
			g.logger.Warn("auto-approving soft change (permissive mode)", "identity", req.Identity.String())
			if err := rt.ApproveBundle(req.Identity, true, g.user); err != nil {
				return summary, err
			}
			summary.Persisted = append(summary.Persisted, req.Identity)
			continue
		}
		remaining = append(remaining, req)
	}
	if len(remaining) == 0 {
		return summary, nil
	}

	if !g.prompter.IsInteractive() {
		return summary, g.prompter.FormatNonInteractiveError(remaining)
	}

	for _, req := range remaining {
		decision, err := g.prompter.PromptForBundle(req)
		if err != nil {
			return summary, err
		}
		switch decision {
		case DecisionPersist:
			if err := rt.ApproveBundle(req.Identity, true, g.user); err != nil {
				return summary, err
			}
			summary.Persisted = append(summary.Persisted, req.Identity)
		case DecisionSession:
			if !req.AllowSession {
				return summary, entities.ErrSessionApprovalsDisabled
			}
			if err := rt.ApproveBundle(req.Identity, false, g.user); err != nil {
				return summary, err
			}
			summary.Session = append(summary.Session, req.Identity)
		default:
			summary.Skipped = append(summary.Skipped, req.Identity)
		}
	}
	return summary, nil
}

// autoApproves reports whether permissive mode trusts req without asking.
// Withdrawn approvals always go back to a reviewer.
func (g *Gatekeeper) autoApproves(req Request) bool {
	return g.securityLevel == config.SecurityPermissive &&
		req.Kind == KindChanged &&
		!req.Withdrawn &&
		req.Risk.Level == RiskLow
}

func (g *Gatekeeper) reviewFingerprint(ctx context.Context, rt Runtime) (bool, error) {
	stored, current := rt.PendingFingerprint()
	if !g.prompter.IsInteractive() {
		return false, ErrFingerprintPending
	}
	accepted, err := g.prompter.PromptForFingerprint(stored, current)
	if err != nil || !accepted {
		return false, err
	}
	if err := rt.AcceptFingerprint(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (g *Gatekeeper) buildRequests(diff *entities.BundleDiff) ([]Request, error) {
	allowSession := g.allowSession && g.securityLevel != config.SecurityStrict
	var requests []Request

	for _, id := range sortedIdentities(diff.Added) {
		b := diff.Added[id]
		ok, err := MatchName(g.patterns, b.FunctionName())
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		requests = append(requests, Request{
			Identity:     id,
			Kind:         KindAdded,
			FunctionName: b.FunctionName(),
			VariantName:  b.VariantName(),
			Description:  fmt.Sprintf("%s/%s (%s): new, %d parameter(s)", b.FunctionName(), b.VariantName(), id, b.ParamCount()),
			Risk:         AnalyzeAdded(b),
			AllowSession: allowSession,
		})
	}

	for _, id := range sortedIdentities(diff.Changed) {
		change := diff.Changed[id]
		b := change.Discovered
		ok, err := MatchName(g.patterns, b.FunctionName())
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		requests = append(requests, Request{
			Identity:     id,
			Kind:         KindChanged,
			FunctionName: b.FunctionName(),
			VariantName:  b.VariantName(),
			Description: fmt.Sprintf("%s/%s (%s): %s change, %d -> %d parameter(s)",
				b.FunctionName(), b.VariantName(), id, change.Kind, len(change.Current.Params), b.ParamCount()),
			Risk:         AnalyzeChange(change),
			AllowSession: allowSession,
			Withdrawn:    !change.Current.Active,
		})
	}

	slices.SortFunc(requests, func(a, b Request) int { return a.Identity.Compare(b.Identity) })
	return requests, nil
}

func sortedIdentities[V any](m map[values.Identity]V) []values.Identity {
	ids := make([]values.Identity, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, values.Identity.Compare)
	return ids
}
