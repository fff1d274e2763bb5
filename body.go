package mailkit

import (
	"bytes"
	"fmt"
	"strings"

	humanize "github.com/dustin/go-humanize"
	"github.com/jhillyerd/enmime/v2"
)

// Body is a fully parsed message.
type Body struct {
	Text        string
	HTML        string
	Attachments []Attachment
	Errors      []string
}

// Attachment represents an attachment or inline part.
type Attachment struct {
	Name     string
	MimeType string
	Inline   bool
	Content  []byte
}

// String returns a formatted string representation of an Attachment
func (a Attachment) String() string {
	return fmt.Sprintf("%s (%s %s)", a.Name, a.MimeType, humanize.Bytes(uint64(len(a.Content))))
}

// ParseBody parses the whole message with enmime. Recoverable MIME problems
// are reported in Body.Errors instead of failing.
func ParseBody(raw []byte) (*Body, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, Errorf(KindValue, "parse body: %w", err)
	}
	b := &Body{Text: env.Text, HTML: env.HTML}
	for _, a := range env.Attachments {
		b.Attachments = append(b.Attachments, Attachment{Name: a.FileName, MimeType: a.ContentType, Content: a.Content})
	}
	for _, a := range env.Inlines {
		if a.FileName == "" && isTextBody(a.ContentType) {
			continue
		}
		b.Attachments = append(b.Attachments, Attachment{Name: a.FileName, MimeType: a.ContentType, Inline: true, Content: a.Content})
	}
	for _, e := range env.Errors {
		b.Errors = append(b.Errors, e.Error())
	}
	return b, nil
}

// isTextBody reports whether an unnamed inline part is the message text,
// which enmime already returns as Text or HTML.
func isTextBody(mimeType string) bool {
	mt := strings.ToLower(mimeType)
	return mt == "text/plain" || mt == "text/html"
}
