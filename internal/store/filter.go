package store

import (
	"fmt"
	"strings"
)

// Field names a filterable entry attribute. Only these map to SQL.
type Field string

const (
	FieldType       Field = "type"
	FieldSource     Field = "source"
	FieldAgentID    Field = "agentId"
	FieldSessionID  Field = "sessionId"
	FieldImportance Field = "importance"
	FieldCreatedAt  Field = "createdAt"
)

var fieldExpr = map[Field]string{
	FieldType:       `json_extract(e.metadata_json, '$.type')`,
	FieldSource:     `json_extract(e.metadata_json, '$.source')`,
	FieldAgentID:    `json_extract(e.metadata_json, '$.agentId')`,
	FieldSessionID:  `json_extract(e.metadata_json, '$.sessionId')`,
	FieldImportance: `json_extract(e.metadata_json, '$.importance')`,
	FieldCreatedAt:  `e.created_at_ms`,
}

// Predicate is one conjunctive filter term.
type Predicate interface {
	clause() (string, []any, error)
}

// Equals matches Field = Value.
type Equals struct {
	Field Field
	Value any
}

// OneOf matches Field IN Values.
type OneOf struct {
	Field  Field
	Values []any
}

// ContainsTag matches entries whose tag list contains Tag.
type ContainsTag struct {
	Tag string
}

// Range matches Min <= Field <= Max; a nil bound is open.
type Range struct {
	Field Field
	Min   any
	Max   any
}

func expr(f Field) (string, error) {
	e, ok := fieldExpr[f]
	if !ok {
		return "", fmt.Errorf("unsupported filter field %q", f)
	}
	return e, nil
}

func (p Equals) clause() (string, []any, error) {
	e, err := expr(p.Field)
	if err != nil {
		return "", nil, err
	}
	return e + " = ?", []any{p.Value}, nil
}

func (p OneOf) clause() (string, []any, error) {
	e, err := expr(p.Field)
	if err != nil {
		return "", nil, err
	}
	if len(p.Values) == 0 {
		return "0", nil, nil
	}
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(p.Values)), ", ")
	return e + " IN (" + marks + ")", append([]any(nil), p.Values...), nil
}

func (p ContainsTag) clause() (string, []any, error) {
	return `EXISTS (SELECT 1 FROM json_each(e.metadata_json, '$.tags') WHERE json_each.value = ?)`, []any{p.Tag}, nil
}

func (p Range) clause() (string, []any, error) {
	e, err := expr(p.Field)
	if err != nil {
		return "", nil, err
	}
	var parts []string
	var args []any
	if p.Min != nil {
		parts = append(parts, e+" >= ?")
		args = append(args, p.Min)
	}
	if p.Max != nil {
		parts = append(parts, e+" <= ?")
		args = append(args, p.Max)
	}
	if len(parts) == 0 {
		return "1", nil, nil
	}
	return strings.Join(parts, " AND "), args, nil
}

// buildWhere renders " WHERE a AND b", or "" for no predicates.
func buildWhere(preds []Predicate) (string, []any, error) {
	if len(preds) == 0 {
		return "", nil, nil
	}
	parts := make([]string, 0, len(preds))
	var args []any
	for _, p := range preds {
		c, a, err := p.clause()
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, "("+c+")")
		args = append(args, a...)
	}
	return " WHERE " + strings.Join(parts, " AND "), args, nil
}
