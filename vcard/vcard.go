// Package vcard reads and writes address books of vCard (RFC 6350) contacts.
package vcard

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/emersion/go-vcard"
	"github.com/google/uuid"

	"github.com/BrianLeishman/mailkit"
)

func init() {
	mailkit.RegisterFeature("vcard")
}

// Card is one contact.
type Card struct {
	ID            string
	Name          string
	FormattedName string
	Emails        []string
	Phones        []string
	Org           string
	Birthday      string
	Notes         string
	URL           string
	// Extra keeps the first value of fields Card does not model, keyed by
	// upper case field name.
	Extra map[string]string
}

var modelled = map[string]bool{
	vcard.FieldVersion:       true,
	vcard.FieldUID:           true,
	vcard.FieldName:          true,
	vcard.FieldFormattedName: true,
	vcard.FieldEmail:         true,
	vcard.FieldTelephone:     true,
	vcard.FieldOrganization:  true,
	vcard.FieldBirthday:      true,
	vcard.FieldNote:          true,
	vcard.FieldURL:           true,
}

// Address returns the contact's preferred address.
func (c *Card) Address() mailkit.Address {
	a := mailkit.Address{Name: c.DisplayName()}
	if len(c.Emails) > 0 {
		a.Email = c.Emails[0]
	}
	return a
}

// DisplayName is FN, falling back to N and then the first email.
func (c *Card) DisplayName() string {
	switch {
	case c.FormattedName != "":
		return c.FormattedName
	case c.Name != "":
		return c.Name
	case len(c.Emails) > 0:
		return c.Emails[0]
	}
	return ""
}

func fromVCard(vc vcard.Card) *Card {
	c := &Card{
		ID:            vc.Value(vcard.FieldUID),
		FormattedName: vc.Value(vcard.FieldFormattedName),
		Org:           vc.Value(vcard.FieldOrganization),
		Birthday:      vc.Value(vcard.FieldBirthday),
		Notes:         vc.Value(vcard.FieldNote),
		URL:           vc.Value(vcard.FieldURL),
	}
	if pref := vc.PreferredValue(vcard.FieldEmail); pref != "" {
		c.Emails = append(c.Emails, pref)
	}
	for _, e := range vc.Values(vcard.FieldEmail) {
		if e != "" && !contains(c.Emails, e) {
			c.Emails = append(c.Emails, e)
		}
	}
	c.Phones = vc.Values(vcard.FieldTelephone)
	if n := vc.Name(); n != nil {
		parts := []string{n.HonorificPrefix, n.GivenName, n.AdditionalName, n.FamilyName, n.HonorificSuffix}
		c.Name = strings.Join(strings.Fields(strings.Join(parts, " ")), " ")
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	for k, fields := range vc {
		if modelled[k] || len(fields) == 0 {
			continue
		}
		if c.Extra == nil {
			c.Extra = make(map[string]string)
		}
		c.Extra[k] = fields[0].Value
	}
	return c
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// VCard converts the card for encoding as vCard 4.0.
func (c *Card) VCard() vcard.Card {
	vc := make(vcard.Card)
	vc.SetValue(vcard.FieldVersion, "4.0")
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	vc.SetValue(vcard.FieldUID, c.ID)
	vc.SetValue(vcard.FieldFormattedName, c.DisplayName())
	if c.Name != "" {
		given, family := c.Name, ""
		if i := strings.LastIndexByte(c.Name, ' '); i > 0 {
			given, family = c.Name[:i], c.Name[i+1:]
		}
		vc.SetName(&vcard.Name{GivenName: given, FamilyName: family})
	}
	for _, e := range c.Emails {
		vc.AddValue(vcard.FieldEmail, e)
	}
	for _, p := range c.Phones {
		vc.AddValue(vcard.FieldTelephone, p)
	}
	for field, v := range map[string]string{
		vcard.FieldOrganization: c.Org,
		vcard.FieldBirthday:     c.Birthday,
		vcard.FieldNote:         c.Notes,
		vcard.FieldURL:          c.URL,
	} {
		if v != "" {
			vc.SetValue(field, v)
		}
	}
	for k, v := range c.Extra {
		vc.SetValue(k, v)
	}
	return vc
}

// Parse reads every card in r.
func Parse(r io.Reader) ([]*Card, error) {
	dec := vcard.NewDecoder(r)
	var cards []*Card
	for {
		vc, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			return cards, nil
		}
		if err != nil {
			return cards, mailkit.WrapError(mailkit.KindValue, "parse vcard", err)
		}
		cards = append(cards, fromVCard(vc))
	}
}

// Encode writes cards to w as vCard 4.0.
func Encode(w io.Writer, cards ...*Card) error {
	enc := vcard.NewEncoder(w)
	for _, c := range cards {
		if err := enc.Encode(c.VCard()); err != nil {
			return err
		}
	}
	return nil
}

// LoadDir reads every .vcf file under dir. Unparsable files are logged and
// skipped.
func LoadDir(dir string) (*AddressBook, error) {
	log := mailkit.ComponentLogger("mailkit/vcard").WithAttrs("dir", dir)
	book := NewAddressBook()
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".vcf") {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		cards, err := Parse(f)
		if err != nil {
			log.Warn("skipping contact file", "file", path, "error", err)
		}
		for _, c := range cards {
			book.Add(c)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, mailkit.WrapError(mailkit.KindConfiguration, "contacts directory", err)
		}
		return nil, err
	}
	log.Debug("loaded contacts", "count", book.Len())
	return book, nil
}

// AddressBook holds contacts by ID. It is safe for concurrent use.
type AddressBook struct {
	mu    sync.RWMutex
	cards map[string]*Card
}

func NewAddressBook() *AddressBook {
	return &AddressBook{cards: make(map[string]*Card)}
}

// Add inserts or replaces a card, assigning an ID when it has none.
func (b *AddressBook) Add(c *Card) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	b.mu.Lock()
	b.cards[c.ID] = c
	b.mu.Unlock()
}

// Remove deletes a card, reporting whether it existed.
func (b *AddressBook) Remove(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.cards[id]
	delete(b.cards, id)
	return ok
}

func (b *AddressBook) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.cards)
}

// Cards returns every card sorted by display name.
func (b *AddressBook) Cards() []*Card {
	return b.filter(func(*Card) bool { return true })
}

// Search returns the cards whose names, emails or organisation contain term,
// case-insensitively, sorted by display name.
func (b *AddressBook) Search(term string) []*Card {
	term = strings.ToLower(strings.TrimSpace(term))
	return b.filter(func(c *Card) bool {
		if term == "" {
			return true
		}
		for _, s := range append([]string{c.Name, c.FormattedName, c.Org}, c.Emails...) {
			if strings.Contains(strings.ToLower(s), term) {
				return true
			}
		}
		return false
	})
}

// Lookup finds the card with the given email address.
func (b *AddressBook) Lookup(email string) (*Card, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, c := range b.cards {
		if contains(c.Emails, email) {
			return c, true
		}
	}
	return nil, false
}

func (b *AddressBook) filter(keep func(*Card) bool) []*Card {
	b.mu.RLock()
	var out []*Card
	for _, c := range b.cards {
		if keep(c) {
			out = append(out, c)
		}
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		a, c := strings.ToLower(out[i].DisplayName()), strings.ToLower(out[j].DisplayName())
		if a != c {
			return a < c
		}
		return out[i].ID < out[j].ID
	})
	return out
}
