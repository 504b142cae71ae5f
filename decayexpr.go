package engram

import (
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

const millisPerDay = 24 * 60 * 60 * 1000

// Decay conditions are user-supplied strings, so they are never executed:
// they are parsed into a closed grammar and anything outside it is
// rejected. The grammar is an OR of AND clauses over four atom shapes:
//
//	importance > 0.5              property comparison
//	type == "episodic"            (importance, resonance, accessCount, type)
//	keywords.includes("project")  keyword membership
//	daysSinceCreated() > 30       age in days, also daysSinceAccessed()
//	metadata.source == "import"   metadata comparison
//
// Operators: < <= > >= == !=. Literals: numbers, 'single'- or
// "double"-quoted strings, true, false. No parentheses; && binds tighter
// than ||.

type atomKind int

const (
	atomProperty atomKind = iota
	atomKeywords
	atomDays
	atomMetadata
)

type valueKind int

const (
	valNumber valueKind = iota
	valString
	valBool
)

// decayAtom is one comparison in a parsed condition.
type decayAtom struct {
	kind  atomKind
	field string // property name, metadata key, or days function variant
	op    string
	vkind valueKind
	num   float64
	str   string
	b     bool
}

// decayCondition is an OR of AND clauses.
type decayCondition struct {
	clauses [][]decayAtom
}

var (
	propertyAtomRe = regexp.MustCompile(`^(importance|resonance|accessCount|type)\s*(<=|>=|==|!=|<|>)\s*(.+)$`)
	keywordsAtomRe = regexp.MustCompile(`^keywords\.includes\(\s*('[^']*'|"[^"]*")\s*\)$`)
	daysAtomRe     = regexp.MustCompile(`^daysSince(Created|Accessed)\(\)\s*(<=|>=|==|!=|<|>)\s*(\d+(?:\.\d+)?)$`)
	metadataAtomRe = regexp.MustCompile(`^metadata\.([A-Za-z_][A-Za-z0-9_]*)\s*(<=|>=|==|!=|<|>)\s*(.+)$`)
)

// parseDecayCondition parses cond or rejects it. Empty conditions are
// invalid: a match-everything rule must say so explicitly (for example
// "importance >= 0").
func parseDecayCondition(cond string) (*decayCondition, error) {
	cond = strings.TrimSpace(cond)
	if cond == "" {
		return nil, fmt.Errorf("empty condition")
	}
	var c decayCondition
	for _, clause := range splitOutsideQuotes(cond, "||") {
		var atoms []decayAtom
		for _, raw := range splitOutsideQuotes(clause, "&&") {
			atom, err := parseDecayAtom(strings.TrimSpace(raw))
			if err != nil {
				return nil, err
			}
			atoms = append(atoms, atom)
		}
		c.clauses = append(c.clauses, atoms)
	}
	return &c, nil
}

func parseDecayAtom(s string) (decayAtom, error) {
	if m := keywordsAtomRe.FindStringSubmatch(s); m != nil {
		lit := m[1]
		return decayAtom{kind: atomKeywords, vkind: valString, str: lit[1 : len(lit)-1]}, nil
	}
	if m := daysAtomRe.FindStringSubmatch(s); m != nil {
		n, err := strconv.ParseFloat(m[3], 64)
		if err != nil {
			return decayAtom{}, fmt.Errorf("bad number in %q", s)
		}
		return decayAtom{kind: atomDays, field: m[1], op: m[2], vkind: valNumber, num: n}, nil
	}
	if m := metadataAtomRe.FindStringSubmatch(s); m != nil {
		a := decayAtom{kind: atomMetadata, field: m[1], op: m[2]}
		if err := a.parseValue(m[3]); err != nil {
			return decayAtom{}, err
		}
		return a, nil
	}
	if m := propertyAtomRe.FindStringSubmatch(s); m != nil {
		a := decayAtom{kind: atomProperty, field: m[1], op: m[2]}
		if err := a.parseValue(m[3]); err != nil {
			return decayAtom{}, err
		}
		return a, nil
	}
	return decayAtom{}, fmt.Errorf("unsupported expression %q", s)
}

func (a *decayAtom) parseValue(raw string) error {
	raw = strings.TrimSpace(raw)
	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		a.vkind, a.num = valNumber, n
		return nil
	}
	if len(raw) >= 2 {
		if (raw[0] == '\'' && raw[len(raw)-1] == '\'') || (raw[0] == '"' && raw[len(raw)-1] == '"') {
			a.vkind, a.str = valString, raw[1:len(raw)-1]
			return nil
		}
	}
	if raw == "true" || raw == "false" {
		a.vkind, a.b = valBool, raw == "true"
		return nil
	}
	return fmt.Errorf("unsupported literal %q", raw)
}

// splitOutsideQuotes splits on sep, ignoring separators inside single or
// double quotes so quoted literals may contain them.
func splitOutsideQuotes(s, sep string) []string {
	var (
		parts []string
		start int
		quote byte
	)
	for i := 0; i < len(s); i++ {
		switch {
		case quote != 0:
			if s[i] == quote {
				quote = 0
			}
		case s[i] == '\'' || s[i] == '"':
			quote = s[i]
		case strings.HasPrefix(s[i:], sep):
			parts = append(parts, s[start:i])
			i += len(sep) - 1
			start = i + 1
		}
	}
	return append(parts, s[start:])
}

// eval reports whether the condition holds for m at now (ms epoch).
func (c *decayCondition) eval(m *Memory, now int64) bool {
	for _, clause := range c.clauses {
		matched := true
		for i := range clause {
			if !clause[i].eval(m, now) {
				matched = false
				break
			}
		}
		if matched {
			return true
		}
	}
	return false
}

func (a *decayAtom) eval(m *Memory, now int64) bool {
	switch a.kind {
	case atomKeywords:
		return slices.Contains(m.Keywords, a.str)
	case atomDays:
		ts := m.CreatedAt
		if a.field == "Accessed" {
			ts = m.LastAccessedAt
			if ts == 0 {
				ts = m.CreatedAt
			}
		}
		days := float64(now-ts) / millisPerDay
		return cmpNumber(days, a.op, a.num)
	case atomMetadata:
		v, ok := m.Metadata[a.field]
		if !ok {
			return false
		}
		return a.cmpAny(v)
	case atomProperty:
		switch a.field {
		case "importance":
			return a.vkind == valNumber && cmpNumber(m.Importance, a.op, a.num)
		case "resonance":
			return a.vkind == valNumber && cmpNumber(m.Resonance, a.op, a.num)
		case "accessCount":
			return a.vkind == valNumber && cmpNumber(float64(m.AccessCount), a.op, a.num)
		case "type":
			return a.vkind == valString && cmpString(string(m.Type), a.op, a.str)
		}
	}
	return false
}

// cmpAny compares a metadata value of unknown dynamic type. A type
// mismatch is false, never an error.
func (a *decayAtom) cmpAny(v any) bool {
	switch a.vkind {
	case valNumber:
		f, ok := toFloat(v)
		return ok && cmpNumber(f, a.op, a.num)
	case valString:
		s, ok := v.(string)
		return ok && cmpString(s, a.op, a.str)
	case valBool:
		b, ok := v.(bool)
		if !ok {
			return false
		}
		switch a.op {
		case "==":
			return b == a.b
		case "!=":
			return b != a.b
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func cmpNumber(a float64, op string, b float64) bool {
	switch op {
	case "<":
		return a < b
	case "<=":
		return a <= b
	case ">":
		return a > b
	case ">=":
		return a >= b
	case "==":
		return a == b
	case "!=":
		return a != b
	}
	return false
}

// cmpString supports equality only; ordering comparisons on strings are
// outside the grammar.
func cmpString(a, op, b string) bool {
	switch op {
	case "==":
		return a == b
	case "!=":
		return a != b
	}
	return false
}
