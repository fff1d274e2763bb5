package sqlite

import (
	"strings"
	"time"

	"github.com/BrianLeishman/mailkit"
	"github.com/BrianLeishman/mailkit/query"
)

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// like returns a pattern matching s anywhere. SQLite LIKE folds ASCII case
// only, which the in-memory matcher also approximates for addresses.
func like(s string) string {
	return "%" + likeEscaper.Replace(s) + "%"
}

func likeClause(column string) string {
	return column + ` LIKE ? ESCAPE '\'`
}

// Where translates q into a SQL condition over the envelopes table. A nil
// query matches every row.
func Where(q query.Query) (string, []any, error) {
	if q == nil {
		return "1", nil, nil
	}
	switch q := q.(type) {
	case query.Term:
		return term(q)
	case query.Flag:
		f, ok := mailkit.ParseFlag(q.Name)
		if !ok {
			return "", nil, mailkit.Errorf(mailkit.KindValue, "unknown flag %q", q.Name)
		}
		return "(flags & ?) != 0", []any{int64(f)}, nil
	case query.Before:
		return "sort_date < ?", []any{query.Day(q.Date).Unix()}, nil
	case query.After:
		return "sort_date >= ?", []any{nextDay(q.Date)}, nil
	case query.On:
		return "(sort_date >= ? AND sort_date < ?)", []any{query.Day(q.Date).Unix(), nextDay(q.Date)}, nil
	case query.Between:
		return "(sort_date >= ? AND sort_date < ?)", []any{query.Day(q.Start).Unix(), nextDay(q.End)}, nil
	case query.And:
		return binary(q.Left, "AND", q.Right)
	case query.Or:
		return binary(q.Left, "OR", q.Right)
	case query.Not:
		s, args, err := Where(q.Query)
		if err != nil {
			return "", nil, err
		}
		return "(NOT " + s + ")", args, nil
	}
	return "", nil, mailkit.Errorf(mailkit.KindBug, "sqlite: unhandled query node %T", q)
}

func nextDay(t time.Time) int64 {
	return query.Day(t).AddDate(0, 0, 1).Unix()
}

func binary(l query.Query, op string, r query.Query) (string, []any, error) {
	ls, largs, err := Where(l)
	if err != nil {
		return "", nil, err
	}
	rs, rargs, err := Where(r)
	if err != nil {
		return "", nil, err
	}
	return "(" + ls + " " + op + " " + rs + ")", append(largs, rargs...), nil
}

// anyOf ORs a LIKE over each column with the same pattern.
func anyOf(pattern string, columns ...string) (string, []any) {
	parts := make([]string, len(columns))
	args := make([]any, len(columns))
	for i, c := range columns {
		parts[i] = likeClause(c)
		args[i] = pattern
	}
	return "(" + strings.Join(parts, " OR ") + ")", args
}

const bodyMatch = `EXISTS (SELECT 1 FROM bodies b WHERE b.hash = envelopes.hash AND b.text LIKE ? ESCAPE '\')`

func term(t query.Term) (string, []any, error) {
	p := like(t.Value)
	switch t.Field {
	case query.FieldFrom:
		return likeClause("from_addr"), []any{p}, nil
	case query.FieldTo:
		return likeClause("to_addr"), []any{p}, nil
	case query.FieldCc:
		return likeClause("cc_addr"), []any{p}, nil
	case query.FieldBcc:
		return likeClause("bcc_addr"), []any{p}, nil
	case query.FieldAllAddresses:
		s, args := anyOf(p, "from_addr", "to_addr", "cc_addr", "bcc_addr")
		return s, args, nil
	case query.FieldInReplyTo:
		return likeClause("in_reply_to"), []any{p}, nil
	case query.FieldReferences:
		return likeClause("refs"), []any{p}, nil
	case query.FieldSubject:
		return likeClause("subject"), []any{p}, nil
	case query.FieldTag:
		return likeClause("tags"), []any{"%," + likeEscaper.Replace(t.Value) + ",%"}, nil
	case query.FieldBody:
		return bodyMatch, []any{p}, nil
	case query.FieldAllText:
		s, args := anyOf(p, "subject", "from_addr", "to_addr", "cc_addr")
		return "(" + s + " OR " + bodyMatch + ")", append(args, p), nil
	}
	return "", nil, mailkit.Errorf(mailkit.KindBug, "sqlite: unhandled field %d", t.Field)
}
