package jmap

import (
	"time"

	"github.com/BrianLeishman/mailkit"
	"github.com/BrianLeishman/mailkit/query"
)

// Filter translates a query into an Email/query filter.
func Filter(q query.Query) (any, error) {
	switch q := q.(type) {
	case query.Term:
		return termFilter(q)
	case query.Flag:
		f, ok := mailkit.ParseFlag(q.Name)
		if !ok {
			return nil, mailkit.Errorf(mailkit.KindValue, "unknown flag %q", q.Name)
		}
		kw := mailkit.FlagKeyword(f)
		if kw == "" {
			return nil, mailkit.NotSupported("jmap", "searching for "+q.Name+" messages")
		}
		return FilterCondition{HasKeyword: kw}, nil
	case query.Before:
		d := query.Day(q.Date).UTC()
		return FilterCondition{Before: &d}, nil
	case query.After:
		d := query.Day(q.Date).AddDate(0, 0, 1).UTC()
		return FilterCondition{After: &d}, nil
	case query.On:
		return dayRange(q.Date, q.Date), nil
	case query.Between:
		return dayRange(q.Start, q.End), nil
	case query.And:
		return operator("AND", q.Left, q.Right)
	case query.Or:
		return operator("OR", q.Left, q.Right)
	case query.Not:
		return operator("NOT", q.Query)
	}
	return nil, mailkit.Errorf(mailkit.KindBug, "jmap: unhandled query node %T", q)
}

func dayRange(from, to time.Time) FilterCondition {
	a := query.Day(from).UTC()
	b := query.Day(to).AddDate(0, 0, 1).UTC()
	return FilterCondition{After: &a, Before: &b}
}

func operator(op string, qs ...query.Query) (any, error) {
	out := FilterOperator{Operator: op}
	for _, q := range qs {
		f, err := Filter(q)
		if err != nil {
			return nil, err
		}
		out.Conditions = append(out.Conditions, f)
	}
	return out, nil
}

func termFilter(t query.Term) (any, error) {
	v := t.Value
	switch t.Field {
	case query.FieldFrom:
		return FilterCondition{From: v}, nil
	case query.FieldTo:
		return FilterCondition{To: v}, nil
	case query.FieldCc:
		return FilterCondition{Cc: v}, nil
	case query.FieldBcc:
		return FilterCondition{Bcc: v}, nil
	case query.FieldSubject:
		return FilterCondition{Subject: v}, nil
	case query.FieldBody:
		return FilterCondition{Body: v}, nil
	case query.FieldAllText:
		return FilterCondition{Text: v}, nil
	case query.FieldInReplyTo:
		return FilterCondition{Header: []string{"In-Reply-To", v}}, nil
	case query.FieldReferences:
		return FilterCondition{Header: []string{"References", v}}, nil
	case query.FieldTag:
		return FilterCondition{HasKeyword: v}, nil
	case query.FieldAllAddresses:
		return FilterOperator{Operator: "OR", Conditions: []any{
			FilterCondition{From: v}, FilterCondition{To: v},
			FilterCondition{Cc: v}, FilterCondition{Bcc: v},
		}}, nil
	}
	return nil, mailkit.Errorf(mailkit.KindBug, "jmap: unhandled field %v", t.Field)
}
