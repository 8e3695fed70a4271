package postgres

import (
	"fmt"
	"strings"
)

// query assembles a SELECT with numbered placeholders. Each '?' passed to
// where is replaced by the next $n.
type query struct {
	sql  string
	args []any
}

func newQuery(base string) *query {
	return &query{sql: base}
}

func (q *query) bind(v any) string {
	q.args = append(q.args, v)
	return fmt.Sprintf("$%d", len(q.args))
}

func (q *query) where(cond string, vals ...any) {
	for _, v := range vals {
		cond = strings.Replace(cond, "?", q.bind(v), 1)
	}
	q.sql += " AND " + cond
}

func (q *query) order(by string) {
	q.sql += " ORDER BY " + by
}

func (q *query) page(limit, offset int) {
	if limit > 0 {
		q.sql += " LIMIT " + q.bind(limit)
	}
	if offset > 0 {
		q.sql += " OFFSET " + q.bind(offset)
	}
}
