// Package compose builds outgoing messages: new drafts, replies and the
// final RFC 5322 bytes handed to SMTP or saved to a Sent mailbox.
package compose

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"os"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/rs/xid"

	"github.com/BrianLeishman/mailkit"
)

// UserAgent is written to new drafts.
var UserAgent = "mailkit"

// DefaultHeaders is the header order of a new draft.
var DefaultHeaders = []string{"Date", "From", "To", "Cc", "Bcc", "Subject", "Message-ID", "User-Agent"}

var knownHeaders = map[string]bool{
	"date": true, "from": true, "to": true, "cc": true, "bcc": true,
	"reply-to": true, "subject": true, "message-id": true, "in-reply-to": true,
	"references": true, "user-agent": true, "mail-followup-to": true,
	"mail-reply-to": true, "sender": true,
}

func keepHeader(name string) bool {
	l := strings.ToLower(name)
	return knownHeaders[l] || strings.HasPrefix(l, "x-")
}

// Attachment is a file attached to a draft.
type Attachment struct {
	Name     string
	MimeType string
	Content  []byte
}

// Draft is a message being composed. Header names are case-insensitive and
// keep their insertion order.
type Draft struct {
	names  []string
	values map[string]string

	Body        string
	Attachments []Attachment
}

func empty() *Draft {
	return &Draft{values: make(map[string]string)}
}

// New returns a draft with the default headers, a current Date and a fresh
// Message-ID.
func New() *Draft {
	d := empty()
	for _, h := range DefaultHeaders {
		d.Set(h, "")
	}
	d.Set("Date", time.Now().Format(time.RFC1123Z))
	d.Set("Message-ID", MessageID())
	d.Set("User-Agent", UserAgent)
	return d
}

// MessageID generates a new Message-ID of the form <xid@hostname>.
func MessageID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return "<" + xid.New().String() + "@" + host + ">"
}

// Get returns the value of a header, or "" when absent.
func (d *Draft) Get(name string) string {
	return d.values[strings.ToLower(name)]
}

// Has reports whether the header is present, even if empty.
func (d *Draft) Has(name string) bool {
	_, ok := d.values[strings.ToLower(name)]
	return ok
}

// Set sets a header. New headers are appended after the existing ones.
func (d *Draft) Set(name, value string) {
	key := strings.ToLower(name)
	if _, ok := d.values[key]; !ok {
		d.names = append(d.names, name)
	}
	d.values[key] = value
}

// Del removes a header.
func (d *Draft) Del(name string) {
	key := strings.ToLower(name)
	if _, ok := d.values[key]; !ok {
		return
	}
	delete(d.values, key)
	for i, n := range d.names {
		if strings.ToLower(n) == key {
			d.names = append(d.names[:i], d.names[i+1:]...)
			break
		}
	}
}

// Headers returns header names in order.
func (d *Draft) Headers() []string {
	return append([]string(nil), d.names...)
}

// Attach adds a file. An empty mime type is guessed from the name.
func (d *Draft) Attach(name, mimeType string, content []byte) {
	if mimeType == "" {
		mimeType = guessType(name)
	}
	d.Attachments = append(d.Attachments, Attachment{Name: name, MimeType: mimeType, Content: content})
}

func guessType(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		if t := mime.TypeByExtension(name[i:]); t != "" {
			return t
		}
	}
	return "application/octet-stream"
}

// Parse reads a draft as edited by a user: headers, a blank line, the body.
// Only well known headers and X- headers are kept. Encoded bodies and
// multipart messages are decoded, with non-text parts becoming attachments.
func Parse(s string) (*Draft, error) {
	if strings.TrimSpace(s) == "" {
		return nil, mailkit.Errorf(mailkit.KindValue, "empty draft")
	}
	if !strings.Contains(s, "\n\n") && !strings.Contains(s, "\r\n\r\n") {
		s = strings.TrimRight(s, "\r\n") + "\n\n"
	}
	e, err := message.Read(bufio.NewReader(strings.NewReader(s)))
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return nil, mailkit.Errorf(mailkit.KindValue, "parse draft: %w", err)
	}

	d := empty()
	fields := e.Header.Fields()
	var raw []struct{ k, v string }
	for fields.Next() {
		raw = append(raw, struct{ k, v string }{fields.Key(), fields.Value()})
	}
	// Keep the order the user wrote the headers in.
	sort.SliceStable(raw, func(i, j int) bool {
		return headerPos(s, raw[i].k) < headerPos(s, raw[j].k)
	})
	for _, f := range raw {
		if !keepHeader(f.k) {
			continue
		}
		v := f.v
		if dec, err := new(mime.WordDecoder).DecodeHeader(v); err == nil {
			v = dec
		}
		d.Set(f.k, v)
	}

	if err := d.readBody(e); err != nil {
		return nil, err
	}
	return d, nil
}

func headerPos(s, name string) int {
	ls := strings.ToLower(s)
	key := strings.ToLower(name) + ":"
	if strings.HasPrefix(ls, key) {
		return 0
	}
	if i := strings.Index(ls, "\n"+key); i >= 0 {
		return i + 1
	}
	return len(s)
}

func (d *Draft) readBody(e *message.Entity) error {
	if mr := e.MultipartReader(); mr != nil {
		for {
			p, err := mr.NextPart()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return mailkit.Errorf(mailkit.KindValue, "read draft part: %w", err)
			}
			if err := d.readPart(p); err != nil {
				return err
			}
		}
	}
	b, err := io.ReadAll(e.Body)
	if err != nil {
		return mailkit.Errorf(mailkit.KindValue, "read draft body: %w", err)
	}
	d.Body = string(b)
	return nil
}

func (d *Draft) readPart(p *message.Entity) error {
	if p.MultipartReader() != nil {
		return d.readBody(p)
	}
	ct, _, _ := p.Header.ContentType()
	disp, params, _ := p.Header.ContentDisposition()
	b, err := io.ReadAll(p.Body)
	if err != nil {
		return mailkit.Errorf(mailkit.KindValue, "read draft part: %w", err)
	}
	if disp != "attachment" && (ct == "" || ct == "text/plain") && d.Body == "" {
		d.Body = string(b)
		return nil
	}
	name := params["filename"]
	if name == "" {
		_, cp, _ := p.Header.ContentType()
		name = cp["name"]
	}
	d.Attach(name, ct, b)
	return nil
}

// NewReply starts a reply to env. raw is the original message, used to quote
// its text body; it may be nil.
func NewReply(env *mailkit.Envelope, raw []byte) *Draft {
	d := New()

	refs := append([]string(nil), env.References...)
	if env.MessageID != "" {
		id := "<" + env.MessageID + ">"
		d.Set("In-Reply-To", id)
		refs = append(refs, id)
	}
	if len(refs) > 0 {
		for i, r := range refs {
			if !strings.HasPrefix(r, "<") {
				refs[i] = "<" + r + ">"
			}
		}
		d.Set("References", strings.Join(refs, " "))
	}

	to := env.From
	if len(env.ReplyTo) > 0 {
		to = env.ReplyTo
	}
	d.Set("To", to.String())
	d.Set("Cc", env.Cc.String())
	d.Set("Subject", replySubject(env.Subject))

	if len(raw) > 0 {
		if body, err := mailkit.ParseBody(raw); err == nil {
			d.Body = Quote(body.Text)
		}
	}
	return d
}

func replySubject(s string) string {
	if len(s) >= 3 && strings.EqualFold(s[:3], "re:") {
		return s
	}
	return "Re: " + s
}

// Quote prefixes every line of text with "> ".
func Quote(text string) string {
	text = strings.TrimRight(text, "\r\n")
	if text == "" {
		return ""
	}
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	var b strings.Builder
	for _, l := range lines {
		l = strings.TrimRight(l, " \t")
		if l == "" {
			b.WriteString(">\n")
			continue
		}
		b.WriteString("> ")
		b.WriteString(l)
		b.WriteByte('\n')
	}
	return b.String()
}

// String renders the draft for editing, without any encoding.
func (d *Draft) String() string {
	var b strings.Builder
	for _, n := range d.names {
		fmt.Fprintf(&b, "%s: %s\n", n, d.values[strings.ToLower(n)])
	}
	b.WriteByte('\n')
	b.WriteString(d.Body)
	return b.String()
}

// Recipients returns the addresses of To, Cc and Bcc without duplicates.
func (d *Draft) Recipients() ([]string, error) {
	var out []string
	seen := make(map[string]bool)
	for _, h := range []string{"To", "Cc", "Bcc"} {
		list, err := mailkit.ParseAddressList(d.Get(h))
		if err != nil {
			return nil, err
		}
		for _, a := range list {
			k := strings.ToLower(a.Email)
			if seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, a.Email)
		}
	}
	return out, nil
}

var addressHeaders = map[string]bool{
	"from": true, "to": true, "cc": true, "bcc": true, "reply-to": true,
	"sender": true, "mail-followup-to": true, "mail-reply-to": true,
}

// encodeHeader makes a header value ASCII: address lists are reformatted,
// anything else becomes an RFC 2047 encoded word.
func encodeHeader(name, value string) (string, error) {
	if isASCII(value) {
		return value, nil
	}
	if addressHeaders[strings.ToLower(name)] {
		list, err := mail.ParseAddressList(value)
		if err != nil {
			return "", mailkit.Errorf(mailkit.KindValue, "header %s: %w", name, err)
		}
		return formatAddressList(list), nil
	}
	return mime.QEncoding.Encode("utf-8", value), nil
}

func formatAddressList(list []*mail.Address) string {
	parts := make([]string, len(list))
	for i, a := range list {
		parts[i] = a.String()
	}
	return strings.Join(parts, ", ")
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

// Finalise produces the message to send. Empty headers are left out. An ASCII
// body without attachments is written as is; a non-ASCII one is base64
// encoded UTF-8. Attachments turn the message into multipart/mixed.
func (d *Draft) Finalise() ([]byte, error) {
	if len(d.Attachments) > 0 {
		return d.finaliseMultipart()
	}

	var buf bytes.Buffer
	if err := d.writeHeaders(&buf); err != nil {
		return nil, err
	}
	body := strings.ReplaceAll(d.Body, "\r\n", "\n")
	if isASCII(body) {
		buf.WriteString("\r\n")
		buf.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
		return buf.Bytes(), nil
	}
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	buf.WriteString("Content-Transfer-Encoding: base64\r\n\r\n")
	writeBase64(&buf, []byte(d.Body))
	return buf.Bytes(), nil
}

func (d *Draft) writeHeaders(w io.Writer) error {
	for _, n := range d.names {
		v := d.values[strings.ToLower(n)]
		if v == "" {
			continue
		}
		enc, err := encodeHeader(n, v)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "%s: %s\r\n", n, enc); err != nil {
			return err
		}
	}
	return nil
}

func writeBase64(buf *bytes.Buffer, b []byte) {
	s := base64.StdEncoding.EncodeToString(b)
	for len(s) > 76 {
		buf.WriteString(s[:76])
		buf.WriteString("\r\n")
		s = s[76:]
	}
	if s != "" {
		buf.WriteString(s)
		buf.WriteString("\r\n")
	}
}

func (d *Draft) finaliseMultipart() ([]byte, error) {
	var h mail.Header
	for _, n := range d.names {
		v := d.values[strings.ToLower(n)]
		if v == "" {
			continue
		}
		enc, err := encodeHeader(n, v)
		if err != nil {
			return nil, err
		}
		h.Set(n, enc)
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, mailkit.Errorf(mailkit.KindValue, "create message: %w", err)
	}

	var th mail.InlineHeader
	th.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	if isASCII(d.Body) {
		th.Set("Content-Transfer-Encoding", "7bit")
	} else {
		th.Set("Content-Transfer-Encoding", "base64")
	}
	tw, err := mw.CreateSingleInline(th)
	if err != nil {
		return nil, mailkit.Errorf(mailkit.KindValue, "create text part: %w", err)
	}
	if _, err := io.WriteString(tw, strings.ReplaceAll(strings.ReplaceAll(d.Body, "\r\n", "\n"), "\n", "\r\n")); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}

	for _, a := range d.Attachments {
		var ah mail.AttachmentHeader
		ah.SetContentType(a.MimeType, nil)
		ah.SetFilename(a.Name)
		ah.Set("Content-Transfer-Encoding", "base64")
		aw, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, mailkit.Errorf(mailkit.KindValue, "create attachment %s: %w", a.Name, err)
		}
		if _, err := aw.Write(a.Content); err != nil {
			return nil, err
		}
		if err := aw.Close(); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WithoutBcc returns raw with any Bcc header removed. Submission uses it so
// blind recipients stay hidden.
func WithoutBcc(raw []byte) []byte {
	end := bytes.Index(raw, []byte("\r\n\r\n"))
	sep := 4
	if end < 0 {
		end = bytes.Index(raw, []byte("\n\n"))
		sep = 2
	}
	if end < 0 {
		return raw
	}
	head, body := raw[:end+sep/2], raw[end+sep/2:]

	var out bytes.Buffer
	skipping := false
	for _, line := range bytes.SplitAfter(head, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			if !skipping {
				out.Write(line)
			}
			continue
		}
		skipping = len(line) >= 4 && strings.EqualFold(string(line[:4]), "bcc:")
		if !skipping {
			out.Write(line)
		}
	}
	out.Write(body)
	return out.Bytes()
}
