package gatekeeper

import (
	"context"

	"github.com/reglet-dev/macro-overlay/entities"
	"github.com/reglet-dev/macro-overlay/overlay"
	"github.com/reglet-dev/macro-overlay/values"
)

// Request describes one pending bundle for a reviewer.
type Request struct {
	Identity     values.Identity
	Kind         string
	FunctionName string
	VariantName  string
	Description  string
	Risk         RiskReport
	AllowSession bool
	// Withdrawn marks a changed bundle whose approval a reviewer deactivated.
	Withdrawn    bool
}

// Request kinds.
const (
	KindAdded   = "added"
	KindChanged = "changed"
)

// Decision is a reviewer's answer for one request.
type Decision int

const (
	// DecisionSkip leaves the bundle untrusted.
	DecisionSkip Decision = iota
	// DecisionSession trusts the bundle until the next scan.
	DecisionSession
	// DecisionPersist records the approval in the allowlist.
	DecisionPersist
)

// Prompter asks a reviewer about pending changes.
type Prompter interface {
	IsInteractive() bool
	PromptForBundle(req Request) (Decision, error)
	PromptForFingerprint(stored, current *values.Fingerprint) (bool, error)
	FormatNonInteractiveError(pending []Request) error
}

// Runtime is the part of the overlay runtime the review flow drives.
type Runtime interface {
	State() overlay.State
	PendingFingerprint() (stored, current *values.Fingerprint)
	AcceptFingerprint(ctx context.Context) error
	ApproveBundle(id values.Identity, persist bool, user string) error
}

// Summary reports what a review did.
type Summary struct {
	Persisted           []values.Identity
	Session             []values.Identity
	Skipped             []values.Identity
	Removed             []entities.AllowlistEntry
	FingerprintAccepted bool
	FingerprintDeclined bool
}
