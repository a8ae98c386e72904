package gatekeeper

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/reglet-dev/macro-overlay/values"
)

// TerminalPrompter provides interactive terminal prompting for overlay reviews.
type TerminalPrompter struct {
	out io.Writer
}

// NewTerminalPrompter creates a new TerminalPrompter writing notices to stderr.
func NewTerminalPrompter() *TerminalPrompter {
	return &TerminalPrompter{out: os.Stderr}
}

// IsInteractive checks if we're running in an interactive terminal.
func (p *TerminalPrompter) IsInteractive() bool {
	fileInfo, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (fileInfo.Mode() & os.ModeCharDevice) != 0
}

// PromptForBundle asks whether to trust one pending bundle.
func (p *TerminalPrompter) PromptForBundle(req Request) (Decision, error) {
	if req.Risk.Level >= RiskHigh {
		fmt.Fprintf(p.out, "\n\033[1;33mSecurity Warning: %s risk change\033[0m\n\n", req.Risk.Level)
		for _, f := range req.Risk.Factors {
			fmt.Fprintf(p.out, "  - %s\n", f.Description)
		}
		fmt.Fprintln(p.out)
	}

	const (
		OptionPersist = "Approve and save to allowlist"
		OptionSession = "Approve for this session only"
		OptionSkip    = "Skip"
	)
	options := []huh.Option[string]{huh.NewOption(OptionPersist, OptionPersist)}
	if req.AllowSession {
		options = append(options, huh.NewOption(OptionSession, OptionSession))
	}
	options = append(options, huh.NewOption(OptionSkip, OptionSkip))

	var selection string
	err := huh.NewSelect[string]().
		Title("Trust macro " + req.FunctionName + "?").
		Description(req.Description).
		Options(options...).
		Value(&selection).
		Run()
	if err != nil {
		return DecisionSkip, err
	}

	switch selection {
	case OptionPersist:
		return DecisionPersist, nil
	case OptionSession:
		return DecisionSession, nil
	default:
		return DecisionSkip, nil
	}
}

// PromptForFingerprint asks whether the changed source may be trusted again.
func (p *TerminalPrompter) PromptForFingerprint(stored, current *values.Fingerprint) (bool, error) {
	fmt.Fprintf(p.out, "\n\033[1;33mOverlay source changed\033[0m\n\n")
	fmt.Fprint(p.out, describeFingerprints(stored, current))
	fmt.Fprintln(p.out)

	const (
		OptionYes = "Yes, trust the changed source and re-scan"
		OptionNo  = "No, keep overlay capabilities suspended"
	)

	var selection string
	err := huh.NewSelect[string]().
		Title("Accept new source fingerprint?").
		Description("Approvals are re-checked against the new contents.").
		Options(
			huh.NewOption(OptionYes, OptionYes),
			huh.NewOption(OptionNo, OptionNo),
		).
		Value(&selection).
		Run()
	if err != nil {
		return false, err
	}
	return selection == OptionYes, nil
}

// FormatNonInteractiveError creates a helpful error message for non-interactive mode.
func (p *TerminalPrompter) FormatNonInteractiveError(pending []Request) error {
	var msg strings.Builder
	msg.WriteString("Overlay macros need review (running in non-interactive mode)\n\n")
	msg.WriteString("Pending:\n")
	for _, req := range pending {
		fmt.Fprintf(&msg, "  - [%s] %s\n", req.Risk.Level, req.Description)
	}
	msg.WriteString("\nTo trust them:\n")
	msg.WriteString("  1. Run `macro-overlay review` interactively\n")
	msg.WriteString("  2. Approve explicitly: `macro-overlay approve <function:variant>...`\n")
	return fmt.Errorf("%s", msg.String())
}

func describeFingerprints(stored, current *values.Fingerprint) string {
	var b strings.Builder
	line := func(label string, fp *values.Fingerprint) {
		if fp == nil {
			fmt.Fprintf(&b, "  %-8s (none)\n", label)
			return
		}
		fmt.Fprintf(&b, "  %-8s %s  %d bytes  modified %s\n",
			label, fp.Hash(), fp.Size(), fp.ModTime().Format("2006-01-02 15:04:05"))
	}
	line("stored:", stored)
	line("current:", current)
	return b.String()
}
