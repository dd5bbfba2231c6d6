package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/codeready-toolchain/remedy/pkg/models"
)

func prodWorker() *models.AgentWorker {
	return &models.AgentWorker{WorkerID: "w1", NetworkSegment: "production"}
}

func stagingWorker() *models.AgentWorker {
	return &models.AgentWorker{WorkerID: "w2", NetworkSegment: "staging"}
}

func TestProductionWorkerScope(t *testing.T) {
	engine := NewEngine()

	v := engine.Evaluate(&Request{
		Environment: "prod",
		Command:     "uptime",
		Worker:      stagingWorker(),
	})
	assert.Equal(t, Deny, v.Decision)
	assert.Equal(t, "production_worker_scope", v.Rule)

	v = engine.Evaluate(&Request{
		Environment: "prod",
		Command:     "uptime",
		Worker:      prodWorker(),
	})
	assert.Equal(t, Allow, v.Decision)

	// Non-production environments do not care about worker segment.
	v = engine.Evaluate(&Request{
		Environment: "staging",
		Command:     "uptime",
		Worker:      stagingWorker(),
	})
	assert.Equal(t, Allow, v.Decision)
}

func TestDestructiveLexicon(t *testing.T) {
	engine := NewEngine()

	lexiconCommands := []string{
		"psql -c 'DROP TABLE users'",
		"DELETE FROM orders;",
		"truncate table sessions",
		"rm -rf / ",
		"mkfs.ext4 /dev/sdb1",
		"dd if=/dev/zero of=/dev/sda",
		"shutdown now",
		"wipefs /dev/sdc",
	}

	for _, cmd := range lexiconCommands {
		// Unmarked step: hard deny.
		v := engine.Evaluate(&Request{Command: cmd, Worker: prodWorker()})
		assert.Equal(t, Deny, v.Decision, cmd)
		assert.Equal(t, "destructive_lexicon", v.Rule, cmd)

		// Marked destructive but unapproved: two-person required.
		v = engine.Evaluate(&Request{Command: cmd, Worker: prodWorker(), StepDestructive: true})
		assert.Equal(t, RequireTwoPerson, v.Decision, cmd)

		// Marked and admin-approved: allowed through the lexicon rule.
		v = engine.Evaluate(&Request{
			Command: cmd, Worker: prodWorker(), StepDestructive: true, ApprovedByAdmin: true,
		})
		assert.Equal(t, Allow, v.Decision, cmd)
	}
}

func TestDestructiveLexicon_ConditionalDeleteAllowed(t *testing.T) {
	engine := NewEngine()
	v := engine.Evaluate(&Request{
		Command: "DELETE FROM orders WHERE created_at < now() - interval '90 days'",
		Worker:  prodWorker(),
	})
	assert.Equal(t, Allow, v.Decision)
}

func TestDestructiveLexicon_DropGuard(t *testing.T) {
	engine := NewEngine()

	v := engine.Evaluate(&Request{
		Command: "psql -c 'DROP TABLE old_partitions'",
		Worker:  prodWorker(),
	})
	assert.Equal(t, Deny, v.Decision)
	assert.Equal(t, "destructive_lexicon", v.Rule)

	// A qualifier after the drop suppresses the lexicon entry.
	v = engine.Evaluate(&Request{
		Command: "scripts/prune.sh 'drop table partitions where day < 2024-01-01'",
		Worker:  prodWorker(),
	})
	assert.Equal(t, Allow, v.Decision)

	// A qualifier before the drop does not.
	v = engine.Evaluate(&Request{
		Command: "echo 'where backups live' && psql -c 'DROP DATABASE staging'",
		Worker:  prodWorker(),
	})
	assert.Equal(t, Deny, v.Decision)
}

func TestDestructiveTwoPerson(t *testing.T) {
	engine := NewEngine()

	// Destructive blast radius without an admin claim.
	v := engine.Evaluate(&Request{
		Command:     "scripts/decommission-node.sh",
		BlastRadius: models.BlastDestructive,
		Worker:      prodWorker(),
	})
	assert.Equal(t, RequireTwoPerson, v.Decision)
	assert.Equal(t, "destructive_two_person", v.Rule)

	v = engine.Evaluate(&Request{
		Command:         "scripts/decommission-node.sh",
		BlastRadius:     models.BlastDestructive,
		Worker:          prodWorker(),
		ApprovedByAdmin: true,
	})
	assert.Equal(t, Allow, v.Decision)
}

func TestRegisteredEgress(t *testing.T) {
	engine := NewEngine()
	registered := map[string]bool{"db-1.internal": true}

	v := engine.Evaluate(&Request{
		Command:           "uptime",
		Worker:            prodWorker(),
		Target:            models.InfrastructureConnection{Kind: models.ConnectorSSH, Host: "evil.example.com"},
		RegisteredTargets: registered,
	})
	assert.Equal(t, Deny, v.Decision)
	assert.Equal(t, "registered_egress", v.Rule)

	v = engine.Evaluate(&Request{
		Command:           "uptime",
		Worker:            prodWorker(),
		Target:            models.InfrastructureConnection{Kind: models.ConnectorSSH, Host: "db-1.internal"},
		RegisteredTargets: registered,
	})
	assert.Equal(t, Allow, v.Decision)

	// Local commands have no egress.
	v = engine.Evaluate(&Request{
		Command:           "df -h",
		Worker:            prodWorker(),
		Target:            models.InfrastructureConnection{Kind: models.ConnectorLocal},
		RegisteredTargets: registered,
	})
	assert.Equal(t, Allow, v.Decision)
}

func TestEvaluate_FirstDenyWins(t *testing.T) {
	engine := NewEngine()

	// Both scope and lexicon violations: the earlier rule's deny is returned.
	v := engine.Evaluate(&Request{
		Environment: "production",
		Command:     "truncate table x",
		Worker:      stagingWorker(),
	})
	assert.Equal(t, Deny, v.Decision)
	assert.Equal(t, "production_worker_scope", v.Rule)
}

func TestEvaluate_StrictestNonDenyWins(t *testing.T) {
	engine := NewEngine(Rule{
		Name: "always_approval",
		Evaluate: func(*Request) *Verdict {
			return &Verdict{Decision: RequireApproval, Reason: "custom"}
		},
	})

	v := engine.Evaluate(&Request{
		Command:         "rm -rf / ",
		Worker:          prodWorker(),
		StepDestructive: true,
	})
	// Two-person from the lexicon outranks the custom approval rule.
	assert.Equal(t, RequireTwoPerson, v.Decision)
}
