// Package database builds parameterized SELECT statements for list endpoints.
package database

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/jackc/pgx/v5"
)

type ConditionType string

const (
	Equal              ConditionType = "="
	NotEqual           ConditionType = "!="
	GreaterThan        ConditionType = ">"
	GreaterThanOrEqual ConditionType = ">="
	LessThan           ConditionType = "<"
	LessThanOrEqual    ConditionType = "<="
	In                 ConditionType = "IN"

	noLimit = -1
)

// Condition is a single "field op $n" predicate. Conditions are ANDed.
type Condition struct {
	Field string
	Type  ConditionType
	Value any
}

func WhereCond(field string, condType ConditionType, value any) Condition {
	return Condition{Field: field, Type: condType, Value: value}
}

// OrderTerm is one ORDER BY column. Dir is ASC or DESC; anything else uses the server default.
type OrderTerm struct {
	Column string
	Dir    string
}

type ListQueryOptions struct {
	Table      string
	Columns    []string
	CountOnly  bool
	Conditions []Condition
	Order      []OrderTerm
	Limit      int
	Offset     int
}

type ListQueryOption func(*ListQueryOptions)

func NewListQueryOptions(table string, opts ...ListQueryOption) *ListQueryOptions {
	o := &ListQueryOptions{Table: table, Limit: noLimit, Offset: noLimit}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithColumns sets the columns to select.
func WithColumns(cols ...string) ListQueryOption {
	return func(o *ListQueryOptions) { o.Columns = cols }
}

// WithCondition adds a condition. A nil-valued condition is skipped so optional filters can be passed unconditionally.
func WithCondition(cond Condition) ListQueryOption {
	return func(o *ListQueryOptions) {
		if isNil(cond.Value) {
			return
		}
		o.Conditions = append(o.Conditions, cond)
	}
}

// WithOrderBy appends an ordering column.
func WithOrderBy(column, direction string) ListQueryOption {
	return func(o *ListQueryOptions) {
		o.Order = append(o.Order, OrderTerm{Column: column, Dir: direction})
	}
}

// WithLimit sets the limit. Accepts 0.
func WithLimit(limit int) ListQueryOption {
	return func(o *ListQueryOptions) {
		if limit >= 0 {
			o.Limit = limit
		}
	}
}

// WithOffset sets the offset. Accepts 0.
func WithOffset(offset int) ListQueryOption {
	return func(o *ListQueryOptions) {
		if offset >= 0 {
			o.Offset = offset
		}
	}
}

func WithCountOnly() ListQueryOption {
	return func(o *ListQueryOptions) { o.CountOnly = true }
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Pointer && rv.IsNil()
}

// deref unwraps pointer values so drivers receive the underlying type.
func deref(v any) any {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer && !rv.IsNil() {
		return rv.Elem().Interface()
	}
	return v
}

// quoteIdent sanitizes an identifier, keeping "table.column" qualification.
func quoteIdent(ident string) string {
	ident = strings.TrimSpace(ident)
	if ident == "" {
		return ""
	}
	return pgx.Identifier(strings.Split(ident, ".")).Sanitize()
}

func buildSelect(o *ListQueryOptions) string {
	if o.CountOnly {
		return "SELECT COUNT(*)"
	}
	if len(o.Columns) == 0 {
		return "SELECT *"
	}
	cols := make([]string, 0, len(o.Columns))
	for _, c := range o.Columns {
		if q := quoteIdent(c); q != "" {
			cols = append(cols, q)
		}
	}
	return "SELECT " + strings.Join(cols, ", ")
}

func buildWhere(conds []Condition, next int) (string, []any, int) {
	var (
		parts []string
		args  []any
	)
	for _, c := range conds {
		field := quoteIdent(c.Field)
		if field == "" {
			continue
		}
		if c.Type != In {
			parts = append(parts, fmt.Sprintf("%s %s $%d", field, c.Type, next))
			args = append(args, deref(c.Value))
			next++
			continue
		}
		rv := reflect.ValueOf(c.Value)
		if rv.Kind() != reflect.Slice || rv.Len() == 0 {
			continue
		}
		ph := make([]string, rv.Len())
		for i := range rv.Len() {
			ph[i] = fmt.Sprintf("$%d", next)
			args = append(args, rv.Index(i).Interface())
			next++
		}
		parts = append(parts, fmt.Sprintf("%s IN (%s)", field, strings.Join(ph, ", ")))
	}
	if len(parts) == 0 {
		return "", args, next
	}
	return " WHERE " + strings.Join(parts, " AND "), args, next
}

func buildOrder(terms []OrderTerm) string {
	parts := make([]string, 0, len(terms))
	for _, t := range terms {
		col := quoteIdent(t.Column)
		if col == "" {
			continue
		}
		if dir := strings.ToUpper(t.Dir); dir == "ASC" || dir == "DESC" {
			col += " " + dir
		}
		parts = append(parts, col)
	}
	if len(parts) == 0 {
		return ""
	}
	return " ORDER BY " + strings.Join(parts, ", ")
}

// BuildListQuery renders options into a query string and its positional arguments.
//
//	query, args := BuildListQuery(NewListQueryOptions("tasks",
//		WithColumns("id", "status"),
//		WithCondition(WhereCond("status", Equal, "failed")),
//		WithOrderBy("created_at", "DESC"),
//		WithLimit(50),
//	))
func BuildListQuery(o *ListQueryOptions) (string, []any) {
	if o == nil {
		return "", nil
	}
	var q strings.Builder
	q.WriteString(buildSelect(o))
	q.WriteString(" FROM ")
	q.WriteString(quoteIdent(o.Table))

	where, args, next := buildWhere(o.Conditions, 1)
	q.WriteString(where)
	if o.CountOnly {
		return q.String(), args
	}

	q.WriteString(buildOrder(o.Order))
	if o.Limit != noLimit {
		fmt.Fprintf(&q, " LIMIT $%d", next)
		args = append(args, o.Limit)
		next++
	}
	if o.Offset != noLimit {
		fmt.Fprintf(&q, " OFFSET $%d", next)
		args = append(args, o.Offset)
	}
	return q.String(), args
}
