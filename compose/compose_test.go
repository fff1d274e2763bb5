package compose

import (
	"encoding/base64"
	"reflect"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/BrianLeishman/mailkit"
)

func TestNew(t *testing.T) {
	d := New()
	if got := d.Headers(); !reflect.DeepEqual(got, DefaultHeaders) {
		t.Errorf("headers = %v", got)
	}
	if !regexp.MustCompile(`^<[0-9a-v]{20}@.+>$`).MatchString(d.Get("message-id")) {
		t.Errorf("message id = %q", d.Get("Message-ID"))
	}
	if _, err := time.Parse(time.RFC1123Z, d.Get("Date")); err != nil {
		t.Errorf("date: %v", err)
	}
	if d.Get("User-Agent") != UserAgent {
		t.Errorf("user agent = %q", d.Get("User-Agent"))
	}
	if New().Get("Message-ID") == d.Get("Message-ID") {
		t.Error("message ids should be unique")
	}
}

func TestSetDel(t *testing.T) {
	d := empty()
	d.Set("Subject", "a")
	d.Set("X-Foo", "b")
	d.Set("subject", "c")
	if d.Get("SUBJECT") != "c" {
		t.Errorf("subject = %q", d.Get("Subject"))
	}
	if got := d.Headers(); !reflect.DeepEqual(got, []string{"Subject", "X-Foo"}) {
		t.Errorf("headers = %v", got)
	}
	d.Del("x-foo")
	if d.Has("X-Foo") || len(d.Headers()) != 1 {
		t.Errorf("headers after delete = %v", d.Headers())
	}
}

func TestParse(t *testing.T) {
	if _, err := Parse(" \n"); err == nil {
		t.Fatal("expected an error for an empty draft")
	}

	d, err := Parse("Subject: hi\nX-Custom: 1\nFoo: bar\nTo: a@example.com\n\nbody\n")
	if err != nil {
		t.Fatal(err)
	}
	if got := d.Headers(); !reflect.DeepEqual(got, []string{"Subject", "X-Custom", "To"}) {
		t.Errorf("headers = %v", got)
	}
	if d.Body != "body\n" {
		t.Errorf("body = %q", d.Body)
	}

	d, err = Parse("Subject: =?utf-8?q?caf=C3=A9?=\nContent-Transfer-Encoding: quoted-printable\n\ncaf=C3=A9\n")
	if err != nil {
		t.Fatal(err)
	}
	if d.Get("Subject") != "café" {
		t.Errorf("subject = %q", d.Get("Subject"))
	}
	if d.Body != "café\n" {
		t.Errorf("body = %q", d.Body)
	}

	d, err = Parse("Subject: only headers\n")
	if err != nil {
		t.Fatal(err)
	}
	if d.Get("Subject") != "only headers" || d.Body != "" {
		t.Errorf("got %q %q", d.Get("Subject"), d.Body)
	}
}

func TestNewReply(t *testing.T) {
	env := &mailkit.Envelope{
		MessageID:  "orig@example.com",
		References: []string{"root@example.com"},
		Subject:    "Hello",
		From:       mailkit.Addresses{{Name: "Alice", Email: "alice@example.com"}},
		Cc:         mailkit.Addresses{{Email: "bob@example.com"}},
	}
	raw := []byte("From: Alice <alice@example.com>\r\nSubject: Hello\r\n\r\nline one\r\n\r\nline two\r\n")

	d := NewReply(env, raw)
	want := map[string]string{
		"In-Reply-To": "<orig@example.com>",
		"References":  "<root@example.com> <orig@example.com>",
		"To":          "Alice <alice@example.com>",
		"Cc":          "bob@example.com",
		"Subject":     "Re: Hello",
	}
	for k, v := range want {
		if got := d.Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
	if d.Body != "> line one\n>\n> line two\n" {
		t.Errorf("body = %q", d.Body)
	}

	env.Subject = "RE: again"
	env.ReplyTo = mailkit.Addresses{{Email: "list@example.com"}}
	d = NewReply(env, nil)
	if d.Get("Subject") != "RE: again" {
		t.Errorf("subject = %q", d.Get("Subject"))
	}
	if d.Get("To") != "list@example.com" {
		t.Errorf("to = %q", d.Get("To"))
	}
	if d.Body != "" {
		t.Errorf("body = %q", d.Body)
	}
}

func TestQuote(t *testing.T) {
	tests := []struct{ in, want string }{
		{"", ""},
		{"a", "> a\n"},
		{"a  \r\n\r\nb\r\n\r\n", "> a\n>\n> b\n"},
	}
	for _, tt := range tests {
		if got := Quote(tt.in); got != tt.want {
			t.Errorf("Quote(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestString(t *testing.T) {
	d := empty()
	d.Set("Subject", "x")
	d.Set("To", "")
	d.Body = "body"
	if got := d.String(); got != "Subject: x\nTo: \n\nbody" {
		t.Errorf("String() = %q", got)
	}
}

func TestFinalise(t *testing.T) {
	t.Run("ascii", func(t *testing.T) {
		d := New()
		d.Set("From", "me@example.com")
		d.Set("To", "you@example.com")
		d.Set("Subject", "test")
		d.Body = "hi\nthere\n"
		raw, err := d.Finalise()
		if err != nil {
			t.Fatal(err)
		}
		s := string(raw)
		if !strings.Contains(s, "Subject: test\r\n") {
			t.Errorf("missing subject in %q", s)
		}
		if strings.Contains(s, "Cc:") || strings.Contains(s, "Content-Transfer-Encoding") {
			t.Errorf("unexpected header in %q", s)
		}
		if !strings.HasSuffix(s, "\r\n\r\nhi\r\nthere\r\n") {
			t.Errorf("body not verbatim: %q", s)
		}
	})

	t.Run("utf-8", func(t *testing.T) {
		d := New()
		d.Set("From", "Zoë <zoe@example.com>")
		d.Set("Subject", "Grüße")
		d.Body = "héllo"
		raw, err := d.Finalise()
		if err != nil {
			t.Fatal(err)
		}
		s := string(raw)
		if !strings.Contains(s, `Content-Type: text/plain; charset="utf-8"`) ||
			!strings.Contains(s, "Content-Transfer-Encoding: base64") {
			t.Errorf("missing mime headers in %q", s)
		}
		if !strings.Contains(s, base64.StdEncoding.EncodeToString([]byte("héllo"))) {
			t.Errorf("body not base64 encoded: %q", s)
		}
		env, err := mailkit.ParseEnvelope(raw)
		if err != nil {
			t.Fatal(err)
		}
		if env.Subject != "Grüße" {
			t.Errorf("subject = %q", env.Subject)
		}
		if len(env.From) != 1 || env.From[0].Name != "Zoë" {
			t.Errorf("from = %v", env.From)
		}
	})

	t.Run("attachments", func(t *testing.T) {
		d := New()
		d.Set("From", "me@example.com")
		d.Set("Subject", "files")
		d.Body = "see attached\n"
		d.Attach("notes.txt", "text/plain", []byte("some notes"))
		d.Attach("blob", "", []byte{0, 1, 2})
		if d.Attachments[1].MimeType != "application/octet-stream" {
			t.Errorf("guessed type = %q", d.Attachments[1].MimeType)
		}
		raw, err := d.Finalise()
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(string(raw), "multipart/mixed") {
			t.Errorf("not multipart: %q", raw)
		}

		body, err := mailkit.ParseBody(raw)
		if err != nil {
			t.Fatal(err)
		}
		if strings.TrimSpace(body.Text) != "see attached" {
			t.Errorf("text = %q", body.Text)
		}
		if len(body.Attachments) != 2 || string(body.Attachments[0].Content) != "some notes" || body.Attachments[0].Name != "notes.txt" {
			t.Errorf("attachments = %v", body.Attachments)
		}

		back, err := Parse(string(raw))
		if err != nil {
			t.Fatal(err)
		}
		if back.Get("Subject") != "files" || strings.TrimSpace(back.Body) != "see attached" || len(back.Attachments) != 2 {
			t.Errorf("parsed back %q %q %d", back.Get("Subject"), back.Body, len(back.Attachments))
		}
	})
}

func TestRecipients(t *testing.T) {
	d := New()
	d.Set("To", "a@example.com, B <b@example.com>")
	d.Set("Cc", "A@example.com")
	d.Set("Bcc", "c@example.com")
	got, err := d.Recipients()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"a@example.com", "b@example.com", "c@example.com"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v want %v", got, want)
	}

	d.Set("To", "not an address <")
	if _, err := d.Recipients(); err == nil {
		t.Error("expected an error")
	}
}

func TestWithoutBcc(t *testing.T) {
	tests := []struct{ in, want string }{
		{
			"From: a\r\nBcc: x@example.com,\r\n y@example.com\r\nTo: b\r\n\r\nBcc: body\r\n",
			"From: a\r\nTo: b\r\n\r\nBcc: body\r\n",
		},
		{"From: a\nBCC: x\n\nbody\n", "From: a\n\nbody\n"},
		{"From: a\r\n\r\n", "From: a\r\n\r\n"},
	}
	for _, tt := range tests {
		if got := string(WithoutBcc([]byte(tt.in))); got != tt.want {
			t.Errorf("WithoutBcc(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
