package db

import (
	"fmt"
	"strings"
)

// SearchQuery builds a filtered SELECT with a matching COUNT over the same
// WHERE clause. Placeholders are numbered in the order clauses are added.
type SearchQuery struct {
	table   string
	cols    string
	where   string
	args    []interface{}
	idx     int
	orderBy string
}

func NewSearchQuery(table, cols string) *SearchQuery {
	return &SearchQuery{table: table, cols: cols, idx: 1}
}

// Idx returns the next available parameter index.
func (q *SearchQuery) Idx() int { return q.idx }

// Add appends a raw WHERE fragment (without leading "AND") that consumes len(args) placeholders.
func (q *SearchQuery) Add(clause string, args ...interface{}) {
	q.where += " AND " + clause
	q.args = append(q.args, args...)
	q.idx += len(args)
}

// AddEq adds "column = $n" when value is non-empty.
func (q *SearchQuery) AddEq(column, value string) {
	if value == "" {
		return
	}
	q.Add(fmt.Sprintf("%s = $%d", column, q.idx), value)
}

// AddIn adds "column = ANY($n)" when values is non-empty.
func (q *SearchQuery) AddIn(column string, values []string) {
	if len(values) == 0 {
		return
	}
	q.Add(fmt.Sprintf("%s = ANY($%d)", column, q.idx), values)
}

// AddContains adds a case-insensitive substring match over one or more
// columns, OR-ed together and sharing one placeholder.
func (q *SearchQuery) AddContains(value string, columns ...string) {
	if value == "" || len(columns) == 0 {
		return
	}
	parts := make([]string, len(columns))
	for i, col := range columns {
		parts[i] = fmt.Sprintf("%s ILIKE $%d", col, q.idx)
	}
	q.Add("("+strings.Join(parts, " OR ")+")", "%"+escapeLike(value)+"%")
}

func (q *SearchQuery) OrderBy(orderBy string) {
	q.orderBy = orderBy
}

func (q *SearchQuery) CountSQL() string {
	return fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE 1=1%s", q.table, q.where)
}

func (q *SearchQuery) CountArgs() []interface{} {
	return q.args
}

// DataSQL returns the data query with ORDER BY and LIMIT/OFFSET.
func (q *SearchQuery) DataSQL() string {
	sql := fmt.Sprintf("SELECT %s FROM %s WHERE 1=1%s", q.cols, q.table, q.where)
	if q.orderBy != "" {
		sql += " ORDER BY " + q.orderBy
	}
	sql += fmt.Sprintf(" LIMIT $%d OFFSET $%d", q.idx, q.idx+1)
	return sql
}

// DataArgs returns the search args followed by limit and offset.
func (q *SearchQuery) DataArgs(limit, offset int) []interface{} {
	result := make([]interface{}, len(q.args)+2)
	copy(result, q.args)
	result[len(q.args)] = limit
	result[len(q.args)+1] = offset
	return result
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
