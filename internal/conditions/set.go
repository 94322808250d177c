package conditions

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"pulse/internal/events"
)

// Operator combines the conditions of a Set.
type Operator string

const (
	// OperatorAny is the flat-array form: any condition on the current event.
	OperatorAny      Operator = "ANY"
	OperatorAnd      Operator = "AND"
	OperatorOr       Operator = "OR"
	OperatorSequence Operator = "SEQUENCE"
)

// Set is a parsed goal condition definition.
type Set struct {
	Operator   Operator    `json:"operator" yaml:"operator"`
	Conditions []Condition `json:"conditions" yaml:"conditions"`
}

// ErrEmpty is returned for definitions without any condition.
var ErrEmpty = errors.New("conditions: at least one condition is required")

// ParseSet decodes and validates a stored definition. Three shapes are
// accepted: a JSON array (any-match), a compound object with "operator" and
// "conditions", or a single condition object.
func ParseSet(raw []byte) (*Set, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, ErrEmpty
	}

	var set Set
	switch raw[0] {
	case '[':
		if err := json.Unmarshal(raw, &set.Conditions); err != nil {
			return nil, fmt.Errorf("conditions: invalid condition list: %w", err)
		}
		set.Operator = OperatorAny

	case '{':
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(raw, &probe); err != nil {
			return nil, fmt.Errorf("conditions: invalid condition object: %w", err)
		}
		if _, compound := probe["conditions"]; compound {
			if err := json.Unmarshal(raw, &set); err != nil {
				return nil, fmt.Errorf("conditions: invalid compound condition: %w", err)
			}
		} else {
			var single Condition
			if err := json.Unmarshal(raw, &single); err != nil {
				return nil, fmt.Errorf("conditions: invalid condition: %w", err)
			}
			set = Set{Operator: OperatorAny, Conditions: []Condition{single}}
		}

	default:
		return nil, fmt.Errorf("conditions: expected an array or object")
	}

	if err := set.Validate(); err != nil {
		return nil, err
	}
	return &set, nil
}

// Validate checks the operator and every condition.
func (s *Set) Validate() error {
	s.Operator = Operator(strings.ToUpper(strings.TrimSpace(string(s.Operator))))
	switch s.Operator {
	case OperatorAny, OperatorAnd, OperatorOr, OperatorSequence:
	case "":
		s.Operator = OperatorAny
	default:
		return &ValidationError{Field: "operator", Reason: fmt.Sprintf("%q is not one of AND, OR, SEQUENCE", s.Operator)}
	}

	if len(s.Conditions) == 0 {
		return ErrEmpty
	}
	for i, c := range s.Conditions {
		if err := c.Validate(); err != nil {
			var verr *ValidationError
			if errors.As(err, &verr) {
				verr.Index = i
			}
			return err
		}
	}
	return nil
}

// NeedsHistory reports whether evaluation looks beyond the current event.
func (s *Set) NeedsHistory() bool {
	return s.Operator == OperatorAnd || s.Operator == OperatorSequence
}

// Evaluate decides whether the set is satisfied. Single-event operators only
// look at current; AND and SEQUENCE look at history, which must be the
// session's events in chronological order including current.
func (s *Set) Evaluate(current *events.Event, history []events.Event) bool {
	switch s.Operator {
	case OperatorAny, OperatorOr:
		return MatchesAny(s.Conditions, current)
	case OperatorAnd:
		return MatchAll(s.Conditions, history)
	case OperatorSequence:
		return MatchSequence(s.Conditions, history)
	}
	return false
}

// MatchAll reports whether every condition is satisfied by at least one event.
// Different conditions may be satisfied by different events.
func MatchAll(list []Condition, history []events.Event) bool {
	if len(list) == 0 {
		return false
	}
	for _, c := range list {
		satisfied := false
		for i := range history {
			if Matches(c, &history[i]) {
				satisfied = true
				break
			}
		}
		if !satisfied {
			return false
		}
	}
	return true
}

// MatchSequence reports whether the conditions are satisfied in order by a
// chronological walk of history. Events that do not match the next pending
// condition are skipped; one event advances at most one step.
func MatchSequence(list []Condition, history []events.Event) bool {
	if len(list) == 0 {
		return false
	}
	next := 0
	for i := range history {
		if Matches(list[next], &history[i]) {
			next++
			if next == len(list) {
				return true
			}
		}
	}
	return false
}
