// Package router classifies normalized utterances into routing decisions.
// Classification is a pure function of the rule table: every rule pattern is
// evaluated, the lowest priority value wins, and ties surface as a conflict
// list for the caller to disambiguate.
package router

import (
	"regexp"
	"strings"
)

// RouteType is the kind of handling a decision asks for.
type RouteType string

const (
	RouteCommand  RouteType = "command"
	RouteFacet    RouteType = "facet"
	RouteResearch RouteType = "research"
	RouteChat     RouteType = "chat"
)

// Urgency is a coarse priority hint carried through to the orchestrator.
type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyNormal Urgency = "normal"
	UrgencyHigh   Urgency = "high"
)

// Rule is one immutable routing rule. Rules are data: the matcher never
// special-cases individual rules.
type Rule struct {
	Name           string
	Pattern        string
	Type           RouteType
	Priority       int // lower wins
	CommandID      string
	FacetID        string
	RequireConfirm bool
	Urgency        Urgency
	AuthorityLevel int
	TopicGroup     int // capture group for topic extraction, 0 = none
	Macro          string
	IsMacroRoot    bool
	ChainID        string

	re *regexp.Regexp
}

// Decision is the routing outcome for one utterance. Optional fields are
// zero-valued when absent.
type Decision struct {
	Type           RouteType `json:"type"`
	CommandID      string    `json:"command_id,omitempty"`
	FacetID        string    `json:"facet_id,omitempty"`
	Topic          string    `json:"topic,omitempty"`
	Urgency        Urgency   `json:"urgency,omitempty"`
	RequireConfirm bool      `json:"require_confirm"`
	AuthorityLevel int       `json:"authority_level,omitempty"`
	Macro          string    `json:"macro,omitempty"`
	IsMacroRoot    bool      `json:"is_macro_root,omitempty"`
	SourceRule     string    `json:"source_rule,omitempty"`
	ChainID        string    `json:"chain_id,omitempty"`
	Conflicts      []string  `json:"conflicts,omitempty"`
}

var (
	nonWord    = regexp.MustCompile(`[^\w\s-]`)
	whitespace = regexp.MustCompile(`\s+`)
)

// Normalize lowercases the text, strips everything but word characters,
// whitespace, and hyphens, and collapses whitespace runs.
func Normalize(text string) string {
	cleaned := nonWord.ReplaceAllString(strings.ToLower(text), " ")
	return strings.TrimSpace(whitespace.ReplaceAllString(cleaned, " "))
}

// Table is an ordered rule table. Order matters only as the tie-break for
// equal priorities.
type Table []*Rule

// compile fills defaults and compiles patterns. Called once at startup for
// the default table.
func (t Table) compile() Table {
	for _, r := range t {
		if r.Urgency == "" {
			r.Urgency = UrgencyNormal
		}
		if r.AuthorityLevel == 0 {
			r.AuthorityLevel = 1
		}
		r.re = regexp.MustCompile(`(?i)` + r.Pattern)
	}
	return t
}

// Classify routes the given text against the table.
func (t Table) Classify(text string) Decision {
	normalized := Normalize(text)

	type candidate struct {
		rule  *Rule
		match []string
	}
	bestPriority := 0
	var best []candidate

	for _, r := range t {
		m := r.re.FindStringSubmatch(normalized)
		if m == nil {
			continue
		}
		if best == nil || r.Priority < bestPriority {
			bestPriority = r.Priority
			best = []candidate{{r, m}}
		} else if r.Priority == bestPriority {
			best = append(best, candidate{r, m})
		}
	}

	if best == nil {
		return Decision{Type: RouteChat, Topic: normalized}
	}

	r, m := best[0].rule, best[0].match
	d := Decision{
		Type:           r.Type,
		CommandID:      r.CommandID,
		FacetID:        r.FacetID,
		Topic:          extractTopic(r, m),
		Urgency:        r.Urgency,
		RequireConfirm: r.RequireConfirm,
		AuthorityLevel: r.AuthorityLevel,
		Macro:          r.Macro,
		IsMacroRoot:    r.IsMacroRoot,
		SourceRule:     r.Name,
		ChainID:        r.ChainID,
	}

	if len(best) > 1 {
		for _, c := range best {
			switch {
			case c.rule.CommandID != "":
				d.Conflicts = append(d.Conflicts, c.rule.CommandID)
			case c.rule.FacetID != "":
				d.Conflicts = append(d.Conflicts, c.rule.FacetID)
			}
		}
	}

	return d
}

// extractTopic pulls the rule's designated capture group out of the match.
// An absent or out-of-range group yields no topic, not an error.
func extractTopic(r *Rule, m []string) string {
	if r.TopicGroup <= 0 || r.TopicGroup >= len(m) {
		return ""
	}
	return strings.TrimSpace(m[r.TopicGroup])
}

// Classify routes text against the default rule table.
func Classify(text string) Decision {
	return DefaultRules.Classify(text)
}
