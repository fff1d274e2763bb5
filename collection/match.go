package collection

import (
	"strings"
	"time"

	"github.com/BrianLeishman/mailkit"
	"github.com/BrianLeishman/mailkit/query"
)

// Match evaluates q against env. body is called at most once, and only when
// q has a body or all-text term; it may be nil, in which case such terms
// match headers only.
func Match(q query.Query, env *mailkit.Envelope, body func() string) bool {
	m := matcher{env: env, loadBody: body}
	return m.match(q)
}

type matcher struct {
	env      *mailkit.Envelope
	loadBody func() string
	body     *string
}

func (m *matcher) bodyText() string {
	if m.body == nil {
		s := ""
		if m.loadBody != nil {
			s = strings.ToLower(m.loadBody())
		}
		m.body = &s
	}
	return *m.body
}

func contains(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), needle)
}

func addressesContain(as mailkit.Addresses, needle string) bool {
	for _, a := range as {
		if contains(a.Email, needle) || contains(a.Name, needle) {
			return true
		}
	}
	return false
}

func (m *matcher) match(q query.Query) bool {
	e := m.env
	switch q := q.(type) {
	case query.And:
		return m.match(q.Left) && m.match(q.Right)
	case query.Or:
		return m.match(q.Left) || m.match(q.Right)
	case query.Not:
		return !m.match(q.Query)
	case query.Flag:
		f, ok := mailkit.ParseFlag(q.Name)
		return ok && e.Flags.Has(f)
	case query.Before:
		return e.SortDate().Before(query.Day(q.Date))
	case query.After:
		return !e.SortDate().Before(query.Day(q.Date).AddDate(0, 0, 1))
	case query.On:
		return sameDay(e.SortDate(), q.Date)
	case query.Between:
		d := e.SortDate()
		return !d.Before(query.Day(q.Start)) && d.Before(query.Day(q.End).AddDate(0, 0, 1))
	case query.Term:
		needle := strings.ToLower(q.Value)
		switch q.Field {
		case query.FieldFrom:
			return addressesContain(e.From, needle)
		case query.FieldTo:
			return addressesContain(e.To, needle)
		case query.FieldCc:
			return addressesContain(e.Cc, needle)
		case query.FieldBcc:
			return addressesContain(e.Bcc, needle)
		case query.FieldAllAddresses:
			return addressesContain(e.From, needle) || addressesContain(e.To, needle) ||
				addressesContain(e.Cc, needle) || addressesContain(e.Bcc, needle)
		case query.FieldInReplyTo:
			return contains(e.InReplyTo, needle)
		case query.FieldReferences:
			for _, r := range e.References {
				if contains(r, needle) {
					return true
				}
			}
			return false
		case query.FieldSubject:
			return contains(e.Subject, needle)
		case query.FieldTag:
			return e.HasTag(q.Value)
		case query.FieldBody:
			return strings.Contains(m.bodyText(), needle)
		case query.FieldAllText:
			if contains(e.Subject, needle) || addressesContain(e.From, needle) ||
				addressesContain(e.To, needle) || addressesContain(e.Cc, needle) {
				return true
			}
			return strings.Contains(m.bodyText(), needle)
		}
	}
	return false
}

func sameDay(a, b time.Time) bool {
	a = a.In(b.Location())
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// Search returns the hashes in mailbox matching q, newest first. A zero
// mailbox searches every mailbox. body loads a message's text for body terms
// and may be nil.
func (c *Collection) Search(q query.Query, mailbox mailkit.MailboxHash, body func(mailkit.EnvelopeHash) string) []mailkit.EnvelopeHash {
	var envs []*mailkit.Envelope
	if mailbox != 0 {
		envs = c.Mailbox(mailbox)
	} else {
		envs = c.All()
	}
	var out []mailkit.EnvelopeHash
	for _, e := range envs {
		var load func() string
		if body != nil {
			h := e.Hash
			load = func() string { return body(h) }
		}
		if Match(q, e, load) {
			out = append(out, e.Hash)
		}
	}
	return out
}
