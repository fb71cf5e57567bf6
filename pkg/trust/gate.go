package trust

import (
	"fmt"
	"log/slog"
	"regexp"
	"slices"

	"github.com/bosun-dev/bosun/pkg/config"
	"github.com/bosun-dev/bosun/pkg/models"
)

// Action is what the gate wants done with an external item.
type Action string

const (
	// ActionReject refuses the item outright: ingestion is disabled or the
	// creator is missing.
	ActionReject Action = "reject"

	// ActionQuarantine holds the item for human review: unknown creator or
	// suspicious text.
	ActionQuarantine Action = "quarantine"

	// ActionIngestBacklog accepts the item into the backlog, where a human
	// must promote it before it runs.
	ActionIngestBacklog Action = "ingest_backlog"

	// ActionIngestTodo accepts the item directly into the schedulable
	// column.
	ActionIngestTodo Action = "ingest_todo"
)

// maxExcerpts caps how many matched snippets a quarantine decision carries;
// maxExcerptLen caps each snippet so a greedy pattern cannot bloat the
// quarantine comment.
const (
	maxExcerpts   = 3
	maxExcerptLen = 80
)

// Decision is the full outcome of evaluating one item.
type Decision struct {
	// Trusted reports whether the creator is on the allow list.
	Trusted bool

	Action Action
	Reason string

	// InjectionRisk is set when quarantine was caused by pattern matches
	// rather than an unknown creator.
	InjectionRisk bool

	// Excerpts holds up to three redacted snippets of the matching text.
	Excerpts []string

	// Sanitised, redacted text, safe to place in a prompt.
	Title       string
	Description string
}

// Status returns the task status an ingest action maps to.
func (d Decision) Status() models.TaskStatus {
	if d.Action == ActionIngestTodo {
		return models.StatusTodo
	}
	return models.StatusBacklog
}

// Ingested reports whether the item was accepted.
func (d Decision) Ingested() bool {
	return d.Action == ActionIngestBacklog || d.Action == ActionIngestTodo
}

// Item is the externally authored input under evaluation.
type Item struct {
	ID           string
	Title        string
	Description  string
	CreatorLogin string
}

// Gate evaluates external items. Patterns are compiled once at
// construction; evaluation is read-only and safe for concurrent use.
type Gate struct {
	cfg       *config.TrustConfig
	injection []*CompiledPattern
	redactors []*regexp.Regexp
}

// NewGate compiles the built-in injection patterns plus any configured
// additions. Invalid configured patterns are logged and skipped.
func NewGate(cfg *config.TrustConfig) *Gate {
	patterns := compilePatterns(builtinInjectionPatterns)
	for i, raw := range cfg.InjectionPatterns {
		compiled, err := regexp.Compile(raw)
		if err != nil {
			slog.Error("Failed to compile configured injection pattern, skipping",
				"index", i, "error", err)
			continue
		}
		patterns = append(patterns, &CompiledPattern{
			Name:  fmt.Sprintf("custom:%d", i),
			Regex: compiled,
		})
	}

	g := &Gate{
		cfg:       cfg,
		injection: patterns,
		redactors: compileRedactors(),
	}
	slog.Info("Trust gate initialized",
		"ingestion_enabled", cfg.IngestionEnabled,
		"trusted_users", len(cfg.TrustedUsers),
		"injection_patterns", len(patterns))
	return g
}

// Evaluate runs the decision sequence for one item: ingestion switch,
// creator presence, creator trust, injection scan, then acceptance.
func (g *Gate) Evaluate(item Item) Decision {
	trusted := slices.Contains(g.cfg.TrustedUsers, item.CreatorLogin)

	if !g.cfg.IngestionEnabled {
		return Decision{
			Trusted: trusted,
			Action:  ActionReject,
			Reason:  "external task ingestion is disabled",
		}
	}

	if item.CreatorLogin == "" {
		return Decision{
			Action: ActionReject,
			Reason: "item has no identifiable creator",
		}
	}

	if g.cfg.CreatorRequired() && !trusted {
		return Decision{
			Action: ActionQuarantine,
			Reason: fmt.Sprintf("creator %q is not in the trusted user list", item.CreatorLogin),
		}
	}

	title := g.Redact(Sanitize(item.Title))
	description := g.Redact(Sanitize(item.Description))

	if excerpts := g.scan(title + "\n" + description); len(excerpts) > 0 {
		return Decision{
			Trusted:       trusted,
			Action:        ActionQuarantine,
			Reason:        "task text matched prompt injection patterns",
			InjectionRisk: true,
			Excerpts:      excerpts,
			Title:         title,
			Description:   description,
		}
	}

	action := ActionIngestBacklog
	if g.cfg.NewExternalTaskStatus == string(models.StatusTodo) {
		action = ActionIngestTodo
	}
	return Decision{
		Trusted:     trusted,
		Action:      action,
		Title:       title,
		Description: description,
	}
}

// scan collects up to maxExcerpts redacted snippets of injection matches,
// each capped at maxExcerptLen bytes.
func (g *Gate) scan(text string) []string {
	var excerpts []string
	for _, pattern := range g.injection {
		match := pattern.Regex.FindString(text)
		if match == "" {
			continue
		}
		excerpt := g.Redact(match)
		if len(excerpt) > maxExcerptLen {
			excerpt = excerpt[:maxExcerptLen]
		}
		excerpts = append(excerpts, excerpt)
		if len(excerpts) == maxExcerpts {
			break
		}
	}
	return excerpts
}

// Redact replaces credential material in text with a fixed marker.
func (g *Gate) Redact(text string) string {
	for _, re := range g.redactors {
		text = re.ReplaceAllString(text, Redacted)
	}
	return text
}
