// Package matcher picks runbook candidates for a normalized ticket.
//
// Confidence combines embedding similarity on title+description, exact
// token overlap on service/environment, and a recency prior favoring
// recently approved runbooks with recent successes. The matcher never
// executes anything; it only ranks.
package matcher

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/codeready-toolchain/remedy/pkg/models"
	"github.com/codeready-toolchain/remedy/pkg/runbook"
	"github.com/codeready-toolchain/remedy/pkg/storage"
)

// Embedder produces vector embeddings for similarity scoring. The vector
// store is an external collaborator; when it is unavailable the matcher
// degrades to keyword-only scoring.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Stats supplies the historical success rate used for tie-breaking.
// Implementations may return 0 when no history exists.
type Stats interface {
	SuccessRate(ctx context.Context, tenantID, runbookID string) float64
}

// Candidate is one ranked runbook reference.
type Candidate struct {
	RunbookID    string  `json:"runbook_id"`
	Version      string  `json:"version"`
	Confidence   float64 `json:"confidence"`
	Rationale    string  `json:"rationale"`
	Degraded     bool    `json:"degraded,omitempty"`
	AutoEligible bool    `json:"auto_eligible"`
}

// Config holds matcher thresholds.
type Config struct {
	MatchMinimum         float64
	AutoExecuteThreshold float64
	MaxCandidates        int
}

// Matcher ranks approved runbooks for tickets.
type Matcher struct {
	store    storage.Store
	embedder Embedder
	stats    Stats
	cfg      Config
}

// New creates a matcher. embedder and stats may be nil: a nil embedder
// makes every match degraded, a nil stats provider disables the success
// rate tie-break.
func New(store storage.Store, embedder Embedder, stats Stats, cfg Config) *Matcher {
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = 5
	}
	return &Matcher{store: store, embedder: embedder, stats: stats, cfg: cfg}
}

// Score weights. Embedding similarity dominates; the recency prior nudges
// ties toward runbooks that ran successfully lately.
const (
	weightSimilarity = 0.60
	weightTokens     = 0.25
	weightRecency    = 0.15
)

// Match returns candidates above match_minimum sorted by confidence
// descending, truncated to the configured K. Archived runbooks are never
// candidates; only approved ones are considered.
func (m *Matcher) Match(ctx context.Context, ticket *models.Ticket) ([]Candidate, error) {
	specs, err := m.store.Tenant(ticket.TenantID).ListRunbooks(ctx, runbook.StateApproved)
	if err != nil {
		return nil, fmt.Errorf("listing approved runbooks: %w", err)
	}
	if len(specs) == 0 {
		return nil, nil
	}

	ticketText := ticket.Title + " " + ticket.Description

	degraded := false
	var ticketVec []float32
	if m.embedder != nil {
		ticketVec, err = m.embedder.Embed(ctx, ticketText)
		if err != nil {
			slog.Warn("Embedding unavailable, degrading to keyword matching",
				"ticket_id", ticket.TicketID, "error", err)
			degraded = true
		}
	} else {
		degraded = true
	}

	var out []Candidate
	for _, spec := range specs {
		specText := spec.Title + " " + spec.Description + " " + spec.Service

		var similarity float64
		if !degraded {
			specVec, err := m.embedder.Embed(ctx, specText)
			if err != nil {
				slog.Warn("Embedding unavailable, degrading to keyword matching",
					"runbook_id", spec.RunbookID, "error", err)
				degraded = true
			} else {
				similarity = cosine(ticketVec, specVec)
			}
		}
		if degraded {
			similarity = tokenJaccard(ticketText, specText)
		}

		overlap := exactTagOverlap(ticket, spec)
		recency := recencyPrior(spec.ApprovedAt)

		confidence := weightSimilarity*similarity + weightTokens*overlap + weightRecency*recency
		if confidence < m.cfg.MatchMinimum {
			continue
		}

		out = append(out, Candidate{
			RunbookID:    spec.RunbookID,
			Version:      spec.Version,
			Confidence:   confidence,
			Rationale:    rationale(similarity, overlap, degraded),
			Degraded:     degraded,
			AutoEligible: confidence >= m.cfg.AutoExecuteThreshold,
		})
	}

	m.sortCandidates(ctx, ticket.TenantID, specs, out)

	if len(out) > m.cfg.MaxCandidates {
		out = out[:m.cfg.MaxCandidates]
	}
	return out, nil
}

// sortCandidates orders by confidence desc; ties break by higher
// historical success rate, then by more recent approval timestamp.
func (m *Matcher) sortCandidates(ctx context.Context, tenantID string, specs []*runbook.Spec, out []Candidate) {
	approvedAt := make(map[string]time.Time, len(specs))
	for _, s := range specs {
		approvedAt[s.RunbookID+"@"+s.Version] = s.ApprovedAt
	}

	const epsilon = 1e-9
	sort.SliceStable(out, func(i, j int) bool {
		di := out[i].Confidence - out[j].Confidence
		if math.Abs(di) > epsilon {
			return di > 0
		}
		if m.stats != nil {
			ri := m.stats.SuccessRate(ctx, tenantID, out[i].RunbookID)
			rj := m.stats.SuccessRate(ctx, tenantID, out[j].RunbookID)
			if ri != rj {
				return ri > rj
			}
		}
		return approvedAt[out[i].RunbookID+"@"+out[i].Version].
			After(approvedAt[out[j].RunbookID+"@"+out[j].Version])
	})
}

func rationale(similarity, overlap float64, degraded bool) string {
	mode := "embedding"
	if degraded {
		mode = "keyword (degraded)"
	}
	return fmt.Sprintf("%s similarity %.2f, tag overlap %.2f", mode, similarity, overlap)
}

// exactTagOverlap scores exact matches on service and environment tags.
func exactTagOverlap(ticket *models.Ticket, spec *runbook.Spec) float64 {
	score := 0.0
	if ticket.Service != "" && strings.EqualFold(ticket.Service, spec.Service) {
		score += 0.6
	}
	if ticket.Environment != "" && strings.EqualFold(ticket.Environment, spec.Environment) {
		score += 0.4
	}
	return score
}

// recencyPrior decays from 1 at approval time to 0 after 90 days.
func recencyPrior(approvedAt time.Time) float64 {
	if approvedAt.IsZero() {
		return 0
	}
	age := time.Since(approvedAt)
	const window = 90 * 24 * time.Hour
	if age >= window {
		return 0
	}
	return 1 - float64(age)/float64(window)
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// tokenJaccard is the keyword-only degrade path: Jaccard similarity over
// lowercased alphanumeric tokens.
func tokenJaccard(a, b string) float64 {
	ta := tokenize(a)
	tb := tokenize(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	inter := 0
	for tok := range ta {
		if tb[tok] {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	return float64(inter) / float64(union)
}

func tokenize(s string) map[string]bool {
	out := make(map[string]bool)
	for _, tok := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(tok) > 1 {
			out[tok] = true
		}
	}
	return out
}
