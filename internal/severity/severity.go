// Package severity classifies conversation turns into ordered escalation
// tiers and folds them into a session's current tier.
package severity

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Tier is ordered: Low < Elevated < Critical. The zero value is Low.
type Tier int

const (
	Low Tier = iota
	Elevated
	Critical
)

var tierNames = [...]string{"low", "elevated", "critical"}

// aliases accepts the descriptive labels models sometimes emit instead of
// the canonical tag.
var aliases = map[string]Tier{
	"low":           Low,
	"general":       Low,
	"informational": Low,
	"elevated":      Elevated,
	"planning":      Elevated,
	"complex":       Elevated,
	"critical":      Critical,
	"urgent":        Critical,
	"adverse":       Critical,
}

// Tags lists the canonical wire tags in tier order.
func Tags() []string {
	return append([]string(nil), tierNames[:]...)
}

func (t Tier) String() string {
	if t < Low || t > Critical {
		return fmt.Sprintf("tier(%d)", int(t))
	}
	return tierNames[t]
}

// Parse maps a tag (case-insensitive, aliases allowed) to its tier.
func Parse(value string) (Tier, bool) {
	tier, ok := aliases[strings.ToLower(strings.TrimSpace(value))]
	return tier, ok
}

func (t Tier) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *Tier) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("severity must be a string: %w", err)
	}
	parsed, ok := Parse(raw)
	if !ok {
		return fmt.Errorf("unknown severity %q", raw)
	}
	*t = parsed
	return nil
}

// Policy folds the tier observed on the newest assistant turn into the
// session's current tier.
type Policy interface {
	Apply(current, observed Tier) Tier
	Name() string
}

// Latest overwrites the current tier with the newest observation. A general
// answer after an urgent one downgrades the session.
type Latest struct{}

func (Latest) Apply(_, observed Tier) Tier { return observed }
func (Latest) Name() string                { return "latest" }

// EscalateOnly keeps the highest tier ever observed.
type EscalateOnly struct{}

func (EscalateOnly) Apply(current, observed Tier) Tier {
	if observed > current {
		return observed
	}
	return current
}

func (EscalateOnly) Name() string { return "escalate" }

// PolicyByName resolves the SEVERITY_POLICY setting.
func PolicyByName(name string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "latest":
		return Latest{}, nil
	case "escalate":
		return EscalateOnly{}, nil
	default:
		return nil, fmt.Errorf("unknown severity policy %q", name)
	}
}

// Classify returns the tier carried by a model reply's severity tag. Unlike
// Parse it reports which tag was rejected.
func Classify(tag string) (Tier, error) {
	tier, ok := Parse(tag)
	if !ok {
		return Low, fmt.Errorf("severity %q is not one of %s", tag, strings.Join(tierNames[:], "|"))
	}
	return tier, nil
}
