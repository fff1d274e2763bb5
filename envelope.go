package mailkit

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"golang.org/x/net/html/charset"
)

func init() {
	message.CharsetReader = charset.NewReaderLabel
}

// Envelope is the parsed header summary of a message, enough to list, thread
// and search it without fetching the body.
type Envelope struct {
	Hash        EnvelopeHash
	MailboxHash MailboxHash

	MessageID  string
	InReplyTo  string
	References []string
	Subject    string
	From       Addresses
	To         Addresses
	Cc         Addresses
	Bcc        Addresses
	ReplyTo    Addresses
	Date       time.Time
	Received   time.Time
	Size       uint64

	Flags          Flag
	Tags           []string
	HasAttachments bool

	// UID is the IMAP UID or zero.
	UID uint32
	// Key is the backend's own identifier (file path, JMAP id, notmuch id).
	Key string
}

// IsSeen reports whether the message has been read.
func (e *Envelope) IsSeen() bool { return e.Flags.Has(FlagSeen) }

// Apply applies flag operations to the envelope.
func (e *Envelope) Apply(ops ...FlagOp) {
	e.Flags, e.Tags = ApplyFlagOps(e.Flags, e.Tags, ops)
}

// HasTag reports whether tag is set on the envelope.
func (e *Envelope) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// Parents returns the message ids this message refers to, closest last.
// In-Reply-To is appended when it is not already the last reference.
func (e *Envelope) Parents() []string {
	refs := append([]string(nil), e.References...)
	if e.InReplyTo != "" && (len(refs) == 0 || refs[len(refs)-1] != e.InReplyTo) {
		refs = append(refs, e.InReplyTo)
	}
	return refs
}

// SortDate is the date used for ordering: the sent date, falling back to the
// received date.
func (e *Envelope) SortDate() time.Time {
	if e.Date.IsZero() {
		return e.Received
	}
	return e.Date
}

// Clone returns a deep copy.
func (e *Envelope) Clone() *Envelope {
	c := *e
	c.References = append([]string(nil), e.References...)
	c.From = append(Addresses(nil), e.From...)
	c.To = append(Addresses(nil), e.To...)
	c.Cc = append(Addresses(nil), e.Cc...)
	c.Bcc = append(Addresses(nil), e.Bcc...)
	c.ReplyTo = append(Addresses(nil), e.ReplyTo...)
	c.Tags = append([]string(nil), e.Tags...)
	return &c
}

// String returns a short human readable summary.
func (e *Envelope) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Subject: %s\n", e.Subject)
	if len(e.From) != 0 {
		fmt.Fprintf(&b, "From: %s\n", e.From)
	}
	if len(e.To) != 0 {
		fmt.Fprintf(&b, "To: %s\n", e.To)
	}
	if len(e.Cc) != 0 {
		fmt.Fprintf(&b, "Cc: %s\n", e.Cc)
	}
	if !e.Date.IsZero() {
		fmt.Fprintf(&b, "Date: %s (%s)\n", e.Date.Format(time.RFC1123Z), humanize.Time(e.Date))
	}
	fmt.Fprintf(&b, "Size: %s Flags: %s\n", humanize.Bytes(e.Size), e.Flags)
	return b.String()
}

// ParseEnvelope parses the header of a raw RFC 5322 message. Only the header
// block is read. Messages without a Message-ID get a synthetic one.
func ParseEnvelope(raw []byte) (*Envelope, error) {
	env, err := ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	env.Size = uint64(len(raw))
	if env.MessageID == "" {
		env.MessageID = fmt.Sprintf("%x@mailkit.invalid", HashOf(string(raw)))
	}
	return env, nil
}

// ReadEnvelope parses a message header from r.
func ReadEnvelope(r io.Reader) (*Envelope, error) {
	th, err := textproto.ReadHeader(bufio.NewReader(r))
	if err != nil {
		return nil, Errorf(KindValue, "read header: %w", err)
	}
	return EnvelopeFromHeader(mail.Header{Header: message.Header{Header: th}}), nil
}

// EnvelopeFromHeader builds an Envelope from an already parsed header.
// Malformed fields are left empty rather than failing the whole message.
func EnvelopeFromHeader(h mail.Header) *Envelope {
	env := &Envelope{}

	if s, err := h.Subject(); err == nil {
		env.Subject = s
	} else {
		env.Subject = h.Get("Subject")
	}
	if d, err := h.Date(); err == nil {
		env.Date = d
	}
	if id, err := h.MessageID(); err == nil {
		env.MessageID = id
	}
	if ids, err := h.MsgIDList("In-Reply-To"); err == nil && len(ids) > 0 {
		env.InReplyTo = ids[0]
	}
	if ids, err := h.MsgIDList("References"); err == nil {
		env.References = ids
	}

	for _, a := range []struct {
		dest   *Addresses
		header string
	}{
		{&env.From, "From"},
		{&env.To, "To"},
		{&env.Cc, "Cc"},
		{&env.Bcc, "Bcc"},
		{&env.ReplyTo, "Reply-To"},
	} {
		list, err := h.AddressList(a.header)
		if err != nil {
			// Fall back to the raw value so the sender is at least visible.
			if raw := h.Get(a.header); raw != "" {
				*a.dest = Addresses{{Email: raw}}
			}
			continue
		}
		*a.dest = fromMailAddresses(list)
	}

	if t, _, err := h.ContentType(); err == nil {
		env.HasAttachments = strings.EqualFold(t, "multipart/mixed")
	}
	if st := h.Get("Status") + h.Get("X-Status"); st != "" {
		env.Flags |= flagsFromStatus(st)
	}
	return env
}

// flagsFromStatus reads mbox style Status / X-Status letters.
func flagsFromStatus(s string) Flag {
	var f Flag
	for _, c := range s {
		switch c {
		case 'R':
			f |= FlagSeen
		case 'A':
			f |= FlagReplied
		case 'F':
			f |= FlagFlagged
		case 'T':
			f |= FlagDraft
		case 'D':
			f |= FlagTrashed
		}
	}
	return f
}
