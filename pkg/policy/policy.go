// Package policy evaluates execution policy over a realized command, its
// target, and the invoking worker. Rules are declarative predicates
// evaluated in a fixed order; the first deny wins. Non-deny opinions
// escalate: require_two_person > require_approval > allow.
package policy

import (
	"log/slog"

	"github.com/codeready-toolchain/remedy/pkg/models"
)

// Decision is a policy outcome.
type Decision string

// Decisions, ordered by strictness.
const (
	Allow            Decision = "allow"
	RequireApproval  Decision = "require_approval"
	RequireTwoPerson Decision = "require_two_person"
	Deny             Decision = "deny"
)

var decisionRank = map[Decision]int{
	Allow:            0,
	RequireApproval:  1,
	RequireTwoPerson: 2,
	Deny:             3,
}

// Request carries everything a rule may inspect.
type Request struct {
	TenantID    string
	Command     string
	Target      models.InfrastructureConnection
	Environment string
	Worker      *models.AgentWorker
	BlastRadius models.BlastRadius

	// StepDestructive is the runbook author's explicit destructive marking.
	StepDestructive bool

	// ApprovedByAdmin is set when the step carries an admin approval claim.
	ApprovedByAdmin bool

	// RegisteredTargets is the set of hosts the tenant has registered
	// connections for. Egress is allowed only to these.
	RegisteredTargets map[string]bool
}

// Verdict is one rule's opinion.
type Verdict struct {
	Decision Decision `json:"decision"`
	Rule     string   `json:"rule"`
	Reason   string   `json:"reason,omitempty"`
}

// Rule is one ordered predicate. Evaluate returns nil when the rule has no
// opinion on the request.
type Rule struct {
	Name     string
	Evaluate func(*Request) *Verdict
}

// Engine evaluates the ordered rule table.
type Engine struct {
	rules []Rule
}

// NewEngine creates an engine with the mandatory rules followed by any
// extra rules, preserving order.
func NewEngine(extra ...Rule) *Engine {
	rules := make([]Rule, 0, len(mandatoryRules)+len(extra))
	rules = append(rules, mandatoryRules...)
	rules = append(rules, extra...)
	return &Engine{rules: rules}
}

// Evaluate runs the rule table. The first deny short-circuits; otherwise
// the strictest non-deny opinion is returned.
func (e *Engine) Evaluate(req *Request) Verdict {
	result := Verdict{Decision: Allow, Rule: "default"}
	for _, rule := range e.rules {
		v := rule.Evaluate(req)
		if v == nil {
			continue
		}
		v.Rule = rule.Name
		if v.Decision == Deny {
			slog.Info("Policy denied command",
				"rule", rule.Name, "tenant_id", req.TenantID, "reason", v.Reason)
			return *v
		}
		if decisionRank[v.Decision] > decisionRank[result.Decision] {
			result = *v
		}
	}
	return result
}

func isProduction(env string) bool {
	return env == "prod" || env == "production"
}

var mandatoryRules = []Rule{
	{
		Name: "production_worker_scope",
		Evaluate: func(req *Request) *Verdict {
			if !isProduction(req.Environment) {
				return nil
			}
			if req.Worker == nil || !isProduction(req.Worker.NetworkSegment) {
				return &Verdict{
					Decision: Deny,
					Reason:   "production credentials are accessible only from workers scoped to production",
				}
			}
			return nil
		},
	},
	{
		Name: "destructive_lexicon",
		Evaluate: func(req *Request) *Verdict {
			match := matchDestructiveLexicon(req.Command)
			if match == "" {
				return nil
			}
			if !req.StepDestructive {
				return &Verdict{
					Decision: Deny,
					Reason:   "command matches destructive lexicon (" + match + ") but step is not marked destructive",
				}
			}
			if !req.ApprovedByAdmin {
				return &Verdict{
					Decision: RequireTwoPerson,
					Reason:   "destructive lexicon match (" + match + ") requires admin approval",
				}
			}
			return nil
		},
	},
	{
		Name: "destructive_two_person",
		Evaluate: func(req *Request) *Verdict {
			destructive := req.StepDestructive || req.BlastRadius == models.BlastDestructive
			if !destructive {
				return nil
			}
			if !req.ApprovedByAdmin {
				return &Verdict{
					Decision: RequireTwoPerson,
					Reason:   "destructive commands require two-person approval with an admin claim",
				}
			}
			return nil
		},
	},
	{
		Name: "registered_egress",
		Evaluate: func(req *Request) *Verdict {
			// Local commands run on the worker itself; no egress involved.
			if req.Target.Kind == models.ConnectorLocal || req.Target.Host == "" {
				return nil
			}
			if req.RegisteredTargets != nil && !req.RegisteredTargets[req.Target.Host] {
				return &Verdict{
					Decision: Deny,
					Reason:   "egress to unregistered target " + req.Target.Host,
				}
			}
			return nil
		},
	},
}
