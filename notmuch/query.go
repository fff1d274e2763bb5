package notmuch

import (
	"strings"

	"github.com/BrianLeishman/mailkit"
	"github.com/BrianLeishman/mailkit/query"
)

const dateLayout = "2006-01-02"

// Query translates q into notmuch search syntax. A nil query matches
// everything.
func Query(q query.Query) (string, error) {
	if q == nil {
		return "*", nil
	}
	switch q := q.(type) {
	case query.Term:
		v := quoteTerm(q.Value)
		switch q.Field {
		case query.FieldFrom:
			return "from:" + v, nil
		case query.FieldTo, query.FieldCc:
			return "to:" + v, nil
		case query.FieldBcc:
			return "", mailkit.NotSupported("notmuch", "searching Bcc")
		case query.FieldSubject:
			return "subject:" + v, nil
		case query.FieldBody:
			return "body:" + v, nil
		case query.FieldAllText:
			return v, nil
		case query.FieldTag:
			return "tag:" + v, nil
		case query.FieldAllAddresses:
			return "(from:" + v + " or to:" + v + ")", nil
		case query.FieldInReplyTo, query.FieldReferences:
			return "", mailkit.NotSupported("notmuch", "searching "+q.Field.String())
		}
	case query.Flag:
		f, ok := mailkit.ParseFlag(q.Name)
		if !ok {
			return "", mailkit.Errorf(mailkit.KindValue, "unknown flag %q", q.Name)
		}
		if f == mailkit.FlagSeen {
			return "not tag:" + unreadTag, nil
		}
		for _, tf := range tagFlags {
			if tf.flag == f {
				return "tag:" + tf.tag, nil
			}
		}
	case query.Before:
		return "date:.." + query.Day(q.Date).AddDate(0, 0, -1).Format(dateLayout), nil
	case query.After:
		return "date:" + query.Day(q.Date).AddDate(0, 0, 1).Format(dateLayout) + "..", nil
	case query.On:
		d := q.Date.Format(dateLayout)
		return "date:" + d + ".." + d, nil
	case query.Between:
		return "date:" + q.Start.Format(dateLayout) + ".." + q.End.Format(dateLayout), nil
	case query.And:
		return binary(q.Left, "and", q.Right)
	case query.Or:
		return binary(q.Left, "or", q.Right)
	case query.Not:
		s, err := Query(q.Query)
		if err != nil {
			return "", err
		}
		return "(not " + s + ")", nil
	}
	return "", mailkit.Errorf(mailkit.KindBug, "notmuch: unhandled query node %T", q)
}

func binary(l query.Query, op string, r query.Query) (string, error) {
	ls, err := Query(l)
	if err != nil {
		return "", err
	}
	rs, err := Query(r)
	if err != nil {
		return "", err
	}
	return "(" + ls + " " + op + " " + rs + ")", nil
}

// quoteTerm quotes values notmuch would split or misread.
func quoteTerm(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\"()") {
		return s
	}
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
