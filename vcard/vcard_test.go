package vcard

import (
	"bytes"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/BrianLeishman/mailkit"
)

const twoCards = "BEGIN:VCARD\r\n" +
	"VERSION:3.0\r\n" +
	"UID:alice-1\r\n" +
	"FN:Alice Smith\r\n" +
	"N:Smith;Alice;;Dr.;\r\n" +
	"EMAIL;TYPE=work:alice@work.example\r\n" +
	"EMAIL;TYPE=home;PREF=1:alice@example.com\r\n" +
	"TEL:+1 555 0100\r\n" +
	"ORG:Example Corp\r\n" +
	"X-NICK-COLOR:blue\r\n" +
	"END:VCARD\r\n" +
	"BEGIN:VCARD\r\n" +
	"VERSION:4.0\r\n" +
	"EMAIL:bob@example.org\r\n" +
	"END:VCARD\r\n"

func TestParse(t *testing.T) {
	cards, err := Parse(strings.NewReader(twoCards))
	if err != nil {
		t.Fatal(err)
	}
	if len(cards) != 2 {
		t.Fatalf("got %d cards", len(cards))
	}
	alice := cards[0]
	if alice.ID != "alice-1" || alice.FormattedName != "Alice Smith" || alice.Name != "Dr. Alice Smith" {
		t.Errorf("alice = %+v", alice)
	}
	if !slices.Equal(alice.Emails, []string{"alice@example.com", "alice@work.example"}) {
		t.Errorf("emails = %v", alice.Emails)
	}
	if alice.Org != "Example Corp" || !slices.Equal(alice.Phones, []string{"+1 555 0100"}) {
		t.Errorf("org/phones = %q %v", alice.Org, alice.Phones)
	}
	if alice.Extra["X-NICK-COLOR"] != "blue" {
		t.Errorf("extra = %v", alice.Extra)
	}
	if got := alice.Address(); got != (mailkit.Address{Name: "Alice Smith", Email: "alice@example.com"}) {
		t.Errorf("Address = %v", got)
	}

	bob := cards[1]
	if bob.ID == "" {
		t.Error("card without UID got no ID")
	}
	if bob.DisplayName() != "bob@example.org" {
		t.Errorf("bob display name = %q", bob.DisplayName())
	}
}

func TestParseError(t *testing.T) {
	_, err := Parse(strings.NewReader("BEGIN:VCARD\r\nthis is not a field\r\n"))
	if mailkit.KindOf(err) != mailkit.KindValue {
		t.Errorf("error = %v", err)
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	in := &Card{
		ID:            "c-1",
		Name:          "Carol Jones",
		FormattedName: "Carol J.",
		Emails:        []string{"carol@example.com", "cj@example.net"},
		Phones:        []string{"+44 20 7946 0000"},
		Org:           "Acme",
		Notes:         "met at the conference",
		Extra:         map[string]string{"X-ROLE": "editor"},
	}
	var buf bytes.Buffer
	if err := Encode(&buf, in); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "VERSION:4.0") {
		t.Errorf("encoded = %q", buf.String())
	}
	out, err := Parse(&buf)
	if err != nil || len(out) != 1 {
		t.Fatalf("reparse = %v, %v", out, err)
	}
	got := out[0]
	if got.ID != in.ID || got.Name != in.Name || got.FormattedName != in.FormattedName || got.Org != in.Org || got.Notes != in.Notes {
		t.Errorf("got %+v", got)
	}
	if !slices.Equal(got.Emails, in.Emails) || !slices.Equal(got.Phones, in.Phones) {
		t.Errorf("emails/phones = %v %v", got.Emails, got.Phones)
	}
	if got.Extra["X-ROLE"] != "editor" {
		t.Errorf("extra = %v", got.Extra)
	}
}

func TestAddressBook(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "people.vcf"), []byte(twoCards), 0o644); err != nil {
		t.Fatal(err)
	}
	sub := filepath.Join(dir, "work")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := Encode(&buf, &Card{ID: "d", FormattedName: "Dave", Emails: []string{"dave@example.com"}, Org: "Example Corp"}); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sub, "dave.VCF"), buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatal(err)
	}

	book, err := LoadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if book.Len() != 3 {
		t.Fatalf("Len = %d", book.Len())
	}

	names := func(cards []*Card) []string {
		var out []string
		for _, c := range cards {
			out = append(out, c.DisplayName())
		}
		return out
	}
	if got := names(book.Search("example corp")); !slices.Equal(got, []string{"Alice Smith", "Dave"}) {
		t.Errorf("Search(example corp) = %v", got)
	}
	if got := names(book.Search("ALICE@WORK")); !slices.Equal(got, []string{"Alice Smith"}) {
		t.Errorf("Search(email) = %v", got)
	}
	if got := names(book.Cards()); !slices.Equal(got, []string{"Alice Smith", "bob@example.org", "Dave"}) {
		t.Errorf("Cards = %v", got)
	}
	if c, ok := book.Lookup("Alice@Example.com"); !ok || c.ID != "alice-1" {
		t.Errorf("Lookup = %v, %v", c, ok)
	}
	if !book.Remove("alice-1") || book.Remove("alice-1") {
		t.Error("Remove should report existence once")
	}
	if _, ok := book.Lookup("alice@example.com"); ok {
		t.Error("removed card still found")
	}

	if _, err := LoadDir(filepath.Join(dir, "missing")); mailkit.KindOf(err) != mailkit.KindConfiguration {
		t.Errorf("missing dir error = %v", err)
	}
}
