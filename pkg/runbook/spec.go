// Package runbook provides runbook specification parsing, validation,
// input binding, and caching.
package runbook

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/codeready-toolchain/remedy/pkg/models"
)

// ApprovalState is the runbook lifecycle state. Specs are immutable once
// approved; archived runbooks are never matched.
type ApprovalState string

// Approval states.
const (
	StateDraft    ApprovalState = "draft"
	StateApproved ApprovalState = "approved"
	StateArchived ApprovalState = "archived"
)

// MatchKind discriminates the expected-output matcher variants.
type MatchKind string

// Expected-output matcher kinds. None means any output is accepted.
const (
	MatchNone    MatchKind = "none"
	MatchLiteral MatchKind = "literal"
	MatchRegex   MatchKind = "regex"
)

// OutputMatcher is the expected-output sum type: none, literal substring, or
// regex. Modeling it explicitly makes matching total.
type OutputMatcher struct {
	Kind    MatchKind `yaml:"kind" json:"kind"`
	Pattern string    `yaml:"pattern,omitempty" json:"pattern,omitempty"`

	compiled *regexp.Regexp
}

// Matches reports whether the output satisfies the matcher.
func (m *OutputMatcher) Matches(output string) bool {
	switch m.Kind {
	case MatchNone, "":
		return true
	case MatchLiteral:
		return strings.Contains(output, m.Pattern)
	case MatchRegex:
		if m.compiled == nil {
			re, err := regexp.Compile(m.Pattern)
			if err != nil {
				return false
			}
			m.compiled = re
		}
		return m.compiled.MatchString(output)
	}
	return false
}

// InputSpec declares one runbook input bound into command templates via
// {name} placeholders.
type InputSpec struct {
	Name        string `yaml:"name" json:"name"`
	Type        string `yaml:"type" json:"type"` // string, int, bool
	Required    bool   `yaml:"required" json:"required"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// StepType discriminates command steps from manual acknowledgment steps.
type StepType string

// Step types.
const (
	StepCommand StepType = "command"
	StepManual  StepType = "manual"
)

// StepSpec is one step of a runbook. Command steps execute on a connector;
// manual steps pause for an explicit operator acknowledgment.
type StepSpec struct {
	Name             string         `yaml:"name" json:"name"`
	Type             StepType       `yaml:"type" json:"type"`
	Command          string         `yaml:"command,omitempty" json:"command,omitempty"`
	ExpectedOutput   *OutputMatcher `yaml:"expected_output,omitempty" json:"expected_output,omitempty"`
	RollbackCommand  string         `yaml:"rollback_command,omitempty" json:"rollback_command,omitempty"`
	RequiresApproval *bool          `yaml:"requires_approval,omitempty" json:"requires_approval,omitempty"`
	TimeoutSeconds   int            `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	RetryAttempts    *int           `yaml:"retry_attempts,omitempty" json:"retry_attempts,omitempty"`
	Idempotent       bool           `yaml:"idempotent,omitempty" json:"idempotent,omitempty"`
	Destructive      bool           `yaml:"destructive,omitempty" json:"destructive,omitempty"`

	// RequiresShell marks steps whose command must be interpolated into a
	// shell instead of bound as argv. Inputs are single-quote wrapped.
	RequiresShell bool `yaml:"requires_shell,omitempty" json:"requires_shell,omitempty"`
}

// Spec is an immutable runbook specification.
type Spec struct {
	RunbookID   string             `yaml:"runbook_id" json:"runbook_id"`
	Version     string             `yaml:"version" json:"version"`
	Title       string             `yaml:"title" json:"title"`
	Service     string             `yaml:"service" json:"service"`
	Environment string             `yaml:"env" json:"env"`
	Risk        models.BlastRadius `yaml:"risk" json:"risk"`
	Description string             `yaml:"description,omitempty" json:"description,omitempty"`

	Inputs     []InputSpec `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Prechecks  []StepSpec  `yaml:"prechecks,omitempty" json:"prechecks,omitempty"`
	Steps      []StepSpec  `yaml:"steps" json:"steps"`
	Postchecks []StepSpec  `yaml:"postchecks,omitempty" json:"postchecks,omitempty"`

	State      ApprovalState `yaml:"-" json:"state"`
	ApprovedAt time.Time     `yaml:"-" json:"approved_at,omitempty"`
}

// semverRe accepts the semantic version grammar used by runbook versions.
var semverRe = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

// placeholderRe matches {name} input placeholders in command templates.
var placeholderRe = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

// Parse parses and validates a runbook YAML document.
func Parse(data []byte) (*Spec, error) {
	var spec Spec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parsing runbook yaml: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// Validate checks structural invariants of the spec. A zero-step runbook is
// valid: the session completes immediately with a warning event.
func (s *Spec) Validate() error {
	if s.RunbookID == "" {
		return &ValidationError{Field: "runbook_id", Message: "is required"}
	}
	if !semverRe.MatchString(s.Version) {
		return &ValidationError{Field: "version", Message: "must be a semantic version (x.y.z)"}
	}
	if !models.ValidBlastRadius(s.Risk) {
		return &ValidationError{Field: "risk", Message: fmt.Sprintf("unknown blast radius %q", s.Risk)}
	}

	declared := make(map[string]bool, len(s.Inputs))
	for _, in := range s.Inputs {
		if in.Name == "" {
			return &ValidationError{Field: "inputs", Message: "input name is required"}
		}
		if declared[in.Name] {
			return &ValidationError{Field: "inputs", Message: fmt.Sprintf("duplicate input %q", in.Name)}
		}
		declared[in.Name] = true
	}

	for phase, steps := range map[string][]StepSpec{
		"prechecks": s.Prechecks, "steps": s.Steps, "postchecks": s.Postchecks,
	} {
		for i, st := range steps {
			if st.Name == "" {
				return &ValidationError{Field: phase, Message: fmt.Sprintf("step %d: name is required", i)}
			}
			switch st.Type {
			case StepCommand, "":
				if st.Command == "" {
					return &ValidationError{Field: phase, Message: fmt.Sprintf("step %q: command is required", st.Name)}
				}
			case StepManual:
				if st.Command != "" {
					return &ValidationError{Field: phase, Message: fmt.Sprintf("step %q: manual steps take no command", st.Name)}
				}
			default:
				return &ValidationError{Field: phase, Message: fmt.Sprintf("step %q: unknown type %q", st.Name, st.Type)}
			}
			if st.ExpectedOutput != nil && st.ExpectedOutput.Kind == MatchRegex {
				if _, err := regexp.Compile(st.ExpectedOutput.Pattern); err != nil {
					return &ValidationError{Field: phase, Message: fmt.Sprintf("step %q: invalid expected_output regex: %v", st.Name, err)}
				}
			}
			for _, ref := range placeholderRe.FindAllStringSubmatch(st.Command+" "+st.RollbackCommand, -1) {
				if !declared[ref[1]] {
					return &ValidationError{Field: phase, Message: fmt.Sprintf("step %q: undeclared input {%s}", st.Name, ref[1])}
				}
			}
		}
	}
	return nil
}

// AllSteps returns the ordered step list (prechecks, main, postchecks) with
// per-step phase tags and spec defaults applied.
func (s *Spec) AllSteps() []ResolvedStep {
	out := make([]ResolvedStep, 0, len(s.Prechecks)+len(s.Steps)+len(s.Postchecks))
	appendPhase := func(steps []StepSpec, phase models.RunbookPhase) {
		for _, st := range steps {
			out = append(out, ResolvedStep{
				Spec:             st,
				Phase:            phase,
				RequiresApproval: s.stepRequiresApproval(st),
				RetryAttempts:    s.stepRetryAttempts(st, phase),
			})
		}
	}
	appendPhase(s.Prechecks, models.PhasePrecheck)
	appendPhase(s.Steps, models.PhaseMain)
	appendPhase(s.Postchecks, models.PhasePostcheck)
	return out
}

// ResolvedStep is a StepSpec with runbook-level defaults resolved.
type ResolvedStep struct {
	Spec             StepSpec
	Phase            models.RunbookPhase
	RequiresApproval bool
	RetryAttempts    int
}

// stepRequiresApproval applies the default: approval required for medium and
// above unless the step says otherwise.
func (s *Spec) stepRequiresApproval(st StepSpec) bool {
	if st.RequiresApproval != nil {
		return *st.RequiresApproval
	}
	return s.Risk.AtLeast(models.BlastMedium)
}

// stepRetryAttempts applies the default retry policy: zero retries for
// destructive steps, one for idempotent checks, zero otherwise.
func (s *Spec) stepRetryAttempts(st StepSpec, phase models.RunbookPhase) int {
	if st.RetryAttempts != nil {
		return *st.RetryAttempts
	}
	if st.Destructive || s.Risk == models.BlastDestructive {
		return 0
	}
	if st.Idempotent && (phase == models.PhasePrecheck || phase == models.PhasePostcheck) {
		return 1
	}
	return 0
}

// ValidationError reports a structural problem in a runbook spec.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("runbook validation: %s %s", e.Field, e.Message)
}
