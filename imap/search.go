package imap

import (
	"fmt"
	"strings"
	"time"

	"github.com/BrianLeishman/mailkit"
	"github.com/BrianLeishman/mailkit/query"
)

// searchDate is the IMAP date format used by SEARCH.
const searchDate = "2-Jan-2006"

// SearchCriteria renders q as IMAP SEARCH keys. Non-ASCII values are sent as
// literals; the caller adds CHARSET UTF-8 (SearchUIDs does).
func SearchCriteria(q query.Query) (string, error) {
	switch q := q.(type) {
	case query.Term:
		v := astring(q.Value)
		switch q.Field {
		case query.FieldSubject:
			return "SUBJECT " + v, nil
		case query.FieldFrom:
			return "FROM " + v, nil
		case query.FieldTo:
			return "TO " + v, nil
		case query.FieldCc:
			return "CC " + v, nil
		case query.FieldBcc:
			return "BCC " + v, nil
		case query.FieldBody:
			return "BODY " + v, nil
		case query.FieldAllText:
			return "TEXT " + v, nil
		case query.FieldAllAddresses:
			return fmt.Sprintf("OR FROM %s OR TO %s OR CC %s BCC %s", v, v, v, v), nil
		case query.FieldInReplyTo:
			return "HEADER In-Reply-To " + v, nil
		case query.FieldReferences:
			return "HEADER References " + v, nil
		case query.FieldTag:
			return "KEYWORD " + q.Value, nil
		}
		return "", fmt.Errorf("imap: cannot search field %v", q.Field)
	case query.Flag:
		f, ok := mailkit.ParseFlag(q.Name)
		if !ok {
			return "", fmt.Errorf("imap: unknown flag %q", q.Name)
		}
		switch f {
		case mailkit.FlagSeen:
			return "SEEN", nil
		case mailkit.FlagReplied:
			return "ANSWERED", nil
		case mailkit.FlagFlagged:
			return "FLAGGED", nil
		case mailkit.FlagDraft:
			return "DRAFT", nil
		case mailkit.FlagTrashed:
			return "DELETED", nil
		}
		return "KEYWORD " + mailkit.FlagIMAP(f), nil
	case query.Before:
		return "BEFORE " + query.Day(q.Date).Format(searchDate), nil
	case query.After:
		return "SINCE " + nextDay(q.Date), nil
	case query.On:
		return "ON " + query.Day(q.Date).Format(searchDate), nil
	case query.Between:
		return "SINCE " + query.Day(q.Start).Format(searchDate) + " BEFORE " + nextDay(q.End), nil
	case query.And:
		l, err := SearchCriteria(q.Left)
		if err != nil {
			return "", err
		}
		r, err := SearchCriteria(q.Right)
		if err != nil {
			return "", err
		}
		return "(" + l + " " + r + ")", nil
	case query.Or:
		l, err := SearchCriteria(q.Left)
		if err != nil {
			return "", err
		}
		r, err := SearchCriteria(q.Right)
		if err != nil {
			return "", err
		}
		return "OR " + group(l) + " " + group(r), nil
	case query.Not:
		if f, ok := q.Query.(query.Flag); ok {
			switch inner, _ := SearchCriteria(f); inner {
			case "SEEN", "ANSWERED", "FLAGGED", "DRAFT", "DELETED":
				return "UN" + inner, nil
			}
		}
		inner, err := SearchCriteria(q.Query)
		if err != nil {
			return "", err
		}
		return "NOT " + group(inner), nil
	}
	return "", fmt.Errorf("imap: unsupported query node %T", q)
}

func nextDay(t time.Time) string {
	return query.Day(t).AddDate(0, 0, 1).Format(searchDate)
}

// group parenthesizes criteria made of more than one token.
func group(s string) string {
	if strings.HasPrefix(s, "(") || !strings.Contains(s, " ") {
		return s
	}
	return "(" + s + ")"
}
