package rules

import (
	"fmt"
	"sort"
	"strings"
)

// Query selects non-retired records by example. Every non-zero field of
// Template is a predicate; zero fields impose nothing.
type Query struct {
	Template   RuleRecord
	IgnoreCase bool
	// Substring matches text fields anywhere in the stored value
	Substring  bool
	SortColumn string
}

type columnKind int

const (
	textColumn columnKind = iota
	intColumn
	timeColumn
)

type column struct {
	name string
	kind columnKind
	text func(r *RuleRecord) string
	num  func(r *RuleRecord) int64
}

// columns lists every queryable field by its storage column name, in the
// order predicates are emitted
var columns = []column{
	{name: "id", kind: intColumn, num: func(r *RuleRecord) int64 { return r.ID }},
	{name: "name", kind: textColumn, text: func(r *RuleRecord) string { return r.Name }},
	{name: "type", kind: textColumn, text: func(r *RuleRecord) string { return r.Type }},
	{name: "priority", kind: intColumn, num: func(r *RuleRecord) int64 { return int64(r.Priority) }},
	{name: "version", kind: intColumn, num: func(r *RuleRecord) int64 { return int64(r.Version) }},
	{name: "implementation", kind: textColumn, text: func(r *RuleRecord) string { return r.Implementation }},
	{name: "title", kind: textColumn, text: func(r *RuleRecord) string { return r.Title }},
	{name: "author", kind: textColumn, text: func(r *RuleRecord) string { return r.Author }},
	{name: "institution", kind: textColumn, text: func(r *RuleRecord) string { return r.Institution }},
	{name: "specialist", kind: textColumn, text: func(r *RuleRecord) string { return r.Specialist }},
	{name: "purpose", kind: textColumn, text: func(r *RuleRecord) string { return r.Purpose }},
	{name: "explanation", kind: textColumn, text: func(r *RuleRecord) string { return r.Explanation }},
	{name: "keywords", kind: textColumn, text: func(r *RuleRecord) string { return r.Keywords }},
	{name: "citations", kind: textColumn, text: func(r *RuleRecord) string { return r.Citations }},
	{name: "links", kind: textColumn, text: func(r *RuleRecord) string { return r.Links }},
	{name: "action", kind: textColumn, text: func(r *RuleRecord) string { return r.Action }},
	{name: "created_at", kind: timeColumn, num: func(r *RuleRecord) int64 { return r.CreatedAt.UnixNano() }},
	{name: "updated_at", kind: timeColumn, num: func(r *RuleRecord) int64 { return r.UpdatedAt.UnixNano() }},
}

var columnAliases = map[string]string{
	"ruleid":    "id",
	"rule_id":   "id",
	"createdat": "created_at",
	"updatedat": "updated_at",
}

// sortColumn resolves a caller-supplied sort column. Empty means id.
func sortColumn(name string) (column, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		key = "id"
	}
	if alias, ok := columnAliases[key]; ok {
		key = alias
	}
	for _, c := range columns {
		if c.name == key {
			return c, nil
		}
	}
	return column{}, fmt.Errorf("%w: %q is not a sortable column", ErrInvalidArgument, name)
}

// predicate is one active filter extracted from the template
type predicate struct {
	col  column
	text string
	num  int64
}

func (q Query) predicates() []predicate {
	var preds []predicate
	for _, c := range columns {
		switch c.kind {
		case textColumn:
			if v := c.text(&q.Template); v != "" {
				preds = append(preds, predicate{col: c, text: v})
			}
		case intColumn:
			if v := c.num(&q.Template); v != 0 {
				preds = append(preds, predicate{col: c, num: v})
			}
		}
	}
	return preds
}

func (q Query) matches(r *RuleRecord) bool {
	if r.Retired {
		return false
	}
	for _, p := range q.predicates() {
		if p.col.kind == intColumn {
			if p.col.num(r) != p.num {
				return false
			}
			continue
		}
		got, want := p.col.text(r), p.text
		if q.IgnoreCase {
			got, want = strings.ToLower(got), strings.ToLower(want)
		}
		if q.Substring {
			if !strings.Contains(got, want) {
				return false
			}
		} else if got != want {
			return false
		}
	}
	return true
}

// sortRecords orders records ascending by the column, then by id
func sortRecords(records []*RuleRecord, c column) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if c.kind == textColumn {
			if av, bv := c.text(a), c.text(b); av != bv {
				return av < bv
			}
		} else if av, bv := c.num(a), c.num(b); av != bv {
			return av < bv
		}
		return a.ID < b.ID
	})
}

// sortPrioritized orders by priority, then name, then id
func sortPrioritized(records []*RuleRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.ID < b.ID
	})
}
