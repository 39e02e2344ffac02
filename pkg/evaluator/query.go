package evaluator

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/scenepilot/scenepilot/pkg/engine"
)

// CountClause is the optional "count <op> <n>" part of a world-state query.
type CountClause struct {
	Op engine.CompareOp
	N  int
}

// String renders the clause in query syntax.
func (c CountClause) String() string {
	return fmt.Sprintf("count %s %d", c.Op, c.N)
}

// FormatQuery renders a filter and optional count clause as a query string.
func FormatQuery(filter engine.EntityFilter, count *CountClause) string {
	q := filter.String()
	if count == nil {
		return q
	}
	if q == "*" {
		return count.String()
	}
	return q + ", " + count.String()
}

// ParseQuery parses the world-state query mini-language:
//
//	class=<substring>
//	label contains '<substring>'
//	label='<exact>'
//	tag=<value>
//	count <op> <n>
//
// Clauses are comma separated. Commas inside quotes do not split.
func ParseQuery(query string) (engine.EntityFilter, *CountClause, error) {
	var filter engine.EntityFilter
	var count *CountClause

	clauses := splitClauses(query)
	if len(clauses) == 0 {
		return filter, nil, fmt.Errorf("empty query")
	}

	for _, clause := range clauses {
		lower := strings.ToLower(clause)
		switch {
		case strings.HasPrefix(lower, "count"):
			c, err := parseCount(clause[len("count"):])
			if err != nil {
				return filter, nil, fmt.Errorf("clause %q: %w", clause, err)
			}
			count = c

		case strings.HasPrefix(lower, "label") && strings.HasPrefix(strings.TrimSpace(lower[len("label"):]), "contains"):
			rest := strings.TrimSpace(clause[len("label"):])
			filter.Label = unquote(strings.TrimSpace(rest[len("contains"):]))
			if filter.Label == "" {
				return filter, nil, fmt.Errorf("clause %q: empty label", clause)
			}

		case strings.HasPrefix(lower, "label"):
			value, err := assignment(clause, "label")
			if err != nil {
				return filter, nil, err
			}
			filter.LabelExact = value

		case strings.HasPrefix(lower, "class"):
			value, err := assignment(clause, "class")
			if err != nil {
				return filter, nil, err
			}
			filter.Class = value

		case strings.HasPrefix(lower, "tag"):
			value, err := assignment(clause, "tag")
			if err != nil {
				return filter, nil, err
			}
			filter.Tag = value

		case clause == "*":

		default:
			return filter, nil, fmt.Errorf("unrecognized clause %q", clause)
		}
	}

	return filter, count, nil
}

func parseCount(s string) (*CountClause, error) {
	s = strings.TrimSpace(s)
	for _, op := range []engine.CompareOp{engine.OpGreaterOrEqual, engine.OpLessOrEqual, engine.OpEqual, engine.OpGreater, engine.OpLess} {
		if !strings.HasPrefix(s, string(op)) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(s[len(op):]))
		if err != nil {
			return nil, fmt.Errorf("invalid count: %w", err)
		}
		return &CountClause{Op: op, N: n}, nil
	}
	return nil, fmt.Errorf("missing comparison operator")
}

func assignment(clause, key string) (string, error) {
	rest := strings.TrimSpace(clause[len(key):])
	if !strings.HasPrefix(rest, "=") || strings.HasPrefix(rest, "==") {
		return "", fmt.Errorf("clause %q: expected %s=<value>", clause, key)
	}
	value := unquote(strings.TrimSpace(rest[1:]))
	if value == "" {
		return "", fmt.Errorf("clause %q: empty value", clause)
	}
	return value, nil
}

func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

func splitClauses(query string) []string {
	var out []string
	var current strings.Builder
	var quote rune

	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			out = append(out, s)
		}
		current.Reset()
	}

	for _, r := range query {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
			current.WriteRune(r)
		case r == '\'' || r == '"':
			quote = r
			current.WriteRune(r)
		case r == ',':
			flush()
		default:
			current.WriteRune(r)
		}
	}
	flush()
	return out
}
