// Package query is the search language shared by every backend: an AST, a
// parser for the textual syntax and a renderer back to that syntax.
//
// Backends translate a Query into their native form (IMAP SEARCH keys, JMAP
// filters, SQL, notmuch queries). The collection package evaluates a Query
// in memory.
package query

import (
	"strings"
	"time"
)

// Query is a node of the search AST: Term, Flag, Before, After, On,
// Between, And, Or or Not.
type Query interface {
	String() string
	query()
}

// Field is the part of a message a Term looks at.
type Field uint8

const (
	FieldFrom Field = iota + 1
	FieldTo
	FieldCc
	FieldBcc
	FieldInReplyTo
	FieldReferences
	// FieldAllAddresses matches any of From, To, Cc and Bcc.
	FieldAllAddresses
	FieldBody
	FieldSubject
	// FieldAllText matches any header value or the body.
	FieldAllText
	FieldTag
)

var fieldNames = map[Field]string{
	FieldFrom:         "from",
	FieldTo:           "to",
	FieldCc:           "cc",
	FieldBcc:          "bcc",
	FieldInReplyTo:    "in-reply-to",
	FieldReferences:   "references",
	FieldAllAddresses: "addresses",
	FieldBody:         "body",
	FieldSubject:      "subject",
	FieldAllText:      "",
	FieldTag:          "tag",
}

func (f Field) String() string { return fieldNames[f] }

// IsAddress reports whether the field holds addresses.
func (f Field) IsAddress() bool {
	switch f {
	case FieldFrom, FieldTo, FieldCc, FieldBcc, FieldAllAddresses:
		return true
	}
	return false
}

// Term matches messages whose Field contains Value, case-insensitively.
type Term struct {
	Field Field
	Value string
}

// Flag matches messages carrying a system flag: seen, replied, flagged,
// draft, trashed or passed.
type Flag struct {
	Name string
}

// Before matches messages dated strictly before the start of Date's day.
type Before struct{ Date time.Time }

// After matches messages dated on or after the day following Date.
type After struct{ Date time.Time }

// On matches messages dated on Date's day.
type On struct{ Date time.Time }

// Between matches messages dated from Start's day through End's day.
type Between struct{ Start, End time.Time }

type And struct{ Left, Right Query }

type Or struct{ Left, Right Query }

type Not struct{ Query Query }

func (Term) query()    {}
func (Flag) query()    {}
func (Before) query()  {}
func (After) query()   {}
func (On) query()      {}
func (Between) query() {}
func (And) query()     {}
func (Or) query()      {}
func (Not) query()     {}

// Constructors for the common terms.
func Subject(s string) Query      { return Term{FieldSubject, s} }
func From(s string) Query         { return Term{FieldFrom, s} }
func To(s string) Query           { return Term{FieldTo, s} }
func Cc(s string) Query           { return Term{FieldCc, s} }
func Bcc(s string) Query          { return Term{FieldBcc, s} }
func Body(s string) Query         { return Term{FieldBody, s} }
func AllText(s string) Query      { return Term{FieldAllText, s} }
func AllAddresses(s string) Query { return Term{FieldAllAddresses, s} }
func InReplyTo(s string) Query    { return Term{FieldInReplyTo, s} }
func References(s string) Query   { return Term{FieldReferences, s} }
func Tag(s string) Query          { return Term{FieldTag, s} }

// Negate returns Not{q}, unwrapping q instead when it is already a Not.
func Negate(q Query) Query {
	if n, ok := q.(Not); ok {
		return n.Query
	}
	return Not{q}
}

// Day truncates t to midnight in its location.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

const dateLayout = "2006-01-02"

func (t Term) String() string {
	if t.Field == FieldAllText {
		return quote(t.Value)
	}
	return t.Field.String() + ":" + quote(t.Value)
}

func (f Flag) String() string   { return "is:" + f.Name }
func (b Before) String() string { return "before:" + b.Date.Format(dateLayout) }
func (a After) String() string  { return "after:" + a.Date.Format(dateLayout) }
func (o On) String() string     { return "on:" + o.Date.Format(dateLayout) }
func (b Between) String() string {
	return "date:" + b.Start.Format(dateLayout) + ".." + b.End.Format(dateLayout)
}
func (a And) String() string { return "(" + a.Left.String() + " and " + a.Right.String() + ")" }
func (o Or) String() string  { return "(" + o.Left.String() + " or " + o.Right.String() + ")" }
func (n Not) String() string { return "(not " + n.Query.String() + ")" }

// quote renders a literal, quoting it when it would not survive as a bare
// word.
func quote(s string) string {
	if s == "" || strings.ContainsAny(s, " \t\r\n()\"") || isKeyword(s) || hasFieldPrefix(s) {
		return `"` + quoteEscaper.Replace(s) + `"`
	}
	return s
}

var quoteEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

func isKeyword(s string) bool {
	switch strings.ToLower(s) {
	case "and", "or", "not", "!":
		return true
	}
	return false
}

// Walk calls fn for q and every sub-query, depth first. Returning false stops
// descent below that node.
func Walk(q Query, fn func(Query) bool) {
	if q == nil || !fn(q) {
		return
	}
	switch q := q.(type) {
	case And:
		Walk(q.Left, fn)
		Walk(q.Right, fn)
	case Or:
		Walk(q.Left, fn)
		Walk(q.Right, fn)
	case Not:
		Walk(q.Query, fn)
	}
}

// NeedsBody reports whether evaluating q requires the message body.
func NeedsBody(q Query) bool {
	need := false
	Walk(q, func(n Query) bool {
		if t, ok := n.(Term); ok && (t.Field == FieldBody || t.Field == FieldAllText) {
			need = true
		}
		return !need
	})
	return need
}
