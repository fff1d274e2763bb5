package query

import (
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// Parse parses the textual query syntax:
//
//	subject:"weekly report" and (from:alice or from:bob)
//	not is:seen after:2024-01-31
//	tag:work !is:flagged
//
// Operators are "and", "or" and "not" (or "!"), matched case-insensitively.
// Two terms side by side are joined with "or". Binary operators associate to
// the right and have no relative precedence; use parentheses. A word without
// a field prefix searches all text. Dates are YYYY-MM-DD in UTC; date:A..B is
// an inclusive range.
func Parse(s string) (Query, error) {
	p := &parser{s: s}
	q, err := p.query()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if q == nil {
		if p.pos >= len(p.s) {
			return nil, fmt.Errorf("query: empty query")
		}
		return nil, fmt.Errorf("query: unexpected %q at offset %d", p.s[p.pos:], p.pos)
	}
	if p.pos < len(p.s) {
		return nil, fmt.Errorf("query: unexpected %q at offset %d", p.s[p.pos:], p.pos)
	}
	return q, nil
}

// MustParse is like Parse but panics on error. It is meant for tests and
// static queries.
func MustParse(s string) Query {
	q, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return q
}

type parser struct {
	s   string
	pos int
}

type prefix struct {
	name  string
	field Field
}

// prefixes are tried in order, so longer names sharing a start come first.
var prefixes = []prefix{
	{"subject", FieldSubject},
	{"from", FieldFrom},
	{"to", FieldTo},
	{"cc", FieldCc},
	{"bcc", FieldBcc},
	{"body", FieldBody},
	{"in-reply-to", FieldInReplyTo},
	{"references", FieldReferences},
	{"addresses", FieldAllAddresses},
	{"tag", FieldTag},
	{"keyword", FieldTag},
}

var specialPrefixes = []string{"is", "flags", "before", "after", "on", "date"}

func hasFieldPrefix(s string) bool {
	for _, p := range prefixes {
		if hasPrefixFold(s, p.name+":") {
			return true
		}
	}
	for _, p := range specialPrefixes {
		if hasPrefixFold(s, p+":") {
			return true
		}
	}
	return false
}

func hasPrefixFold(s, p string) bool {
	return len(s) >= len(p) && strings.EqualFold(s[:len(p)], p)
}

func (p *parser) skipSpace() {
	for p.pos < len(p.s) {
		r, n := utf8.DecodeRuneInString(p.s[p.pos:])
		if !unicode.IsSpace(r) {
			return
		}
		p.pos += n
	}
}

// query parses one primary and, when possible, the operator and query that
// follow it. A nil Query with a nil error means nothing matched and the
// position is unchanged.
func (p *parser) query() (Query, error) {
	a, err := p.primary()
	if a == nil || err != nil {
		return nil, err
	}

	save := p.pos
	p.skipSpace()
	if p.pos >= len(p.s) {
		return a, nil
	}

	if p.keyword("and") {
		b, err := p.query()
		if err != nil {
			return nil, err
		}
		if b != nil {
			return And{a, b}, nil
		}
	}
	p.pos = save
	p.skipSpace()
	if p.keyword("or") {
		b, err := p.query()
		if err != nil {
			return nil, err
		}
		if b != nil {
			return Or{a, b}, nil
		}
	}
	p.pos = save
	b, err := p.query()
	if err != nil {
		return nil, err
	}
	if b != nil {
		return Or{a, b}, nil
	}
	p.pos = save
	return a, nil
}

func (p *parser) primary() (Query, error) {
	start := p.pos
	p.skipSpace()
	if p.pos >= len(p.s) {
		p.pos = start
		return nil, nil
	}

	if p.s[p.pos] == '(' {
		p.pos++
		q, err := p.query()
		if err != nil {
			return nil, err
		}
		p.skipSpace()
		if q != nil && p.pos < len(p.s) && p.s[p.pos] == ')' {
			p.pos++
			return q, nil
		}
		p.pos = start
		return nil, nil
	}

	if q, ok, err := p.fieldTerm(); ok || err != nil {
		return q, err
	}

	if p.keyword("not") || p.keyword("!") {
		q, err := p.query()
		if err != nil {
			return nil, err
		}
		if q != nil {
			return Negate(q), nil
		}
		p.pos = start
		return nil, nil
	}

	lit, quoted, ok, err := p.literal()
	if err != nil {
		return nil, err
	}
	if !ok || (!quoted && isKeyword(lit)) {
		p.pos = start
		return nil, nil
	}
	return AllText(lit), nil
}

// fieldTerm parses "name: literal".
func (p *parser) fieldTerm() (Query, bool, error) {
	start := p.pos
	rest := p.s[p.pos:]
	for _, pre := range prefixes {
		if hasPrefixFold(rest, pre.name+":") {
			p.pos += len(pre.name) + 1
			p.skipSpace()
			lit, _, ok, err := p.literal()
			if err != nil {
				return nil, false, err
			}
			if !ok {
				p.pos = start
				return nil, false, nil
			}
			return Term{pre.field, lit}, true, nil
		}
	}
	for _, name := range specialPrefixes {
		if !hasPrefixFold(rest, name+":") {
			continue
		}
		p.pos += len(name) + 1
		p.skipSpace()
		lit, _, ok, err := p.literal()
		if err != nil {
			return nil, false, err
		}
		if !ok {
			p.pos = start
			return nil, false, nil
		}
		q, err := special(name, lit)
		if err != nil {
			return nil, false, err
		}
		return q, true, nil
	}
	return nil, false, nil
}

func special(name, lit string) (Query, error) {
	switch name {
	case "is", "flags":
		return flagQuery(lit)
	case "before", "after", "on":
		d, err := parseDate(lit)
		if err != nil {
			return nil, err
		}
		switch name {
		case "before":
			return Before{d}, nil
		case "after":
			return After{d}, nil
		}
		return On{d}, nil
	case "date":
		if a, b, ok := strings.Cut(lit, ".."); ok {
			start, err := parseDate(a)
			if err != nil {
				return nil, err
			}
			end, err := parseDate(b)
			if err != nil {
				return nil, err
			}
			if end.Before(start) {
				return nil, fmt.Errorf("query: date range %s ends before it starts", lit)
			}
			return Between{start, end}, nil
		}
		d, err := parseDate(lit)
		if err != nil {
			return nil, err
		}
		return On{d}, nil
	}
	return nil, fmt.Errorf("query: unknown prefix %s:", name)
}

var flagNames = map[string]string{
	"seen":      "seen",
	"read":      "seen",
	"replied":   "replied",
	"answered":  "replied",
	"flagged":   "flagged",
	"starred":   "flagged",
	"draft":     "draft",
	"trashed":   "trashed",
	"deleted":   "trashed",
	"passed":    "passed",
	"forwarded": "passed",
}

func flagQuery(lit string) (Query, error) {
	name := strings.ToLower(lit)
	switch name {
	case "unseen", "unread":
		return Not{Flag{"seen"}}, nil
	case "unflagged":
		return Not{Flag{"flagged"}}, nil
	}
	if f, ok := flagNames[name]; ok {
		return Flag{f}, nil
	}
	return nil, fmt.Errorf("query: unknown flag %q", lit)
}

func parseDate(s string) (time.Time, error) {
	switch strings.ToLower(s) {
	case "today":
		return Day(time.Now().UTC()), nil
	case "yesterday":
		return Day(time.Now().UTC()).AddDate(0, 0, -1), nil
	}
	for _, layout := range []string{dateLayout, "2006/01/02", "2006-01"} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("query: invalid date %q, expected YYYY-MM-DD", s)
}

// keyword consumes k if it is next and ends at a word boundary. The caller
// must have skipped leading space.
func (p *parser) keyword(k string) bool {
	if !hasPrefixFold(p.s[p.pos:], k) {
		return false
	}
	end := p.pos + len(k)
	if k != "!" && end < len(p.s) {
		r, _ := utf8.DecodeRuneInString(p.s[end:])
		if !unicode.IsSpace(r) && r != '(' && r != '"' {
			return false
		}
	}
	p.pos = end
	return true
}

// literal reads a quoted string or a bare word. Bare words end at space or a
// parenthesis. A quote without its closing quote is an error.
func (p *parser) literal() (string, bool, bool, error) {
	p.skipSpace()
	if p.pos >= len(p.s) {
		return "", false, false, nil
	}
	if p.s[p.pos] == '"' {
		var b strings.Builder
		for i := p.pos + 1; i < len(p.s); i++ {
			switch c := p.s[i]; c {
			case '\\':
				if i+1 < len(p.s) {
					i++
					b.WriteByte(p.s[i])
				}
			case '"':
				p.pos = i + 1
				return b.String(), true, true, nil
			default:
				b.WriteByte(c)
			}
		}
		return "", true, false, fmt.Errorf("query: unterminated quoted string at position %d", p.pos)
	}
	start := p.pos
	for p.pos < len(p.s) {
		r, n := utf8.DecodeRuneInString(p.s[p.pos:])
		if unicode.IsSpace(r) || r == '(' || r == ')' {
			break
		}
		p.pos += n
	}
	if p.pos == start {
		return "", false, false, nil
	}
	return p.s[start:p.pos], false, true, nil
}
