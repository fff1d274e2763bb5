package mailkit

import (
	"fmt"
	"strings"

	"github.com/emersion/go-message/mail"
)

// Address is a single mailbox address.
type Address struct {
	Name  string
	Email string
}

// String formats the address for a header. Names containing specials are
// quoted.
func (a Address) String() string {
	if a.Name == "" {
		return a.Email
	}
	if strings.ContainsAny(a.Name, `,;:<>@()[]."\`) {
		return fmt.Sprintf(`"%s" <%s>`, escapeQuotes.Replace(a.Name), a.Email)
	}
	return fmt.Sprintf("%s <%s>", a.Name, a.Email)
}

var escapeQuotes = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

// Equal compares addresses by email, ignoring case.
func (a Address) Equal(o Address) bool {
	return strings.EqualFold(a.Email, o.Email)
}

// Addresses is a list of addresses as it appears in a header.
type Addresses []Address

func (as Addresses) String() string {
	parts := make([]string, len(as))
	for i, a := range as {
		parts[i] = a.String()
	}
	return strings.Join(parts, ", ")
}

// Emails returns just the address parts.
func (as Addresses) Emails() []string {
	out := make([]string, len(as))
	for i, a := range as {
		out[i] = a.Email
	}
	return out
}

// Contains reports whether email is one of the addresses.
func (as Addresses) Contains(email string) bool {
	for _, a := range as {
		if strings.EqualFold(a.Email, email) {
			return true
		}
	}
	return false
}

// ParseAddressList parses an RFC 5322 address list.
func ParseAddressList(s string) (Addresses, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	list, err := mail.ParseAddressList(s)
	if err != nil {
		return nil, Errorf(KindValue, "parse address list %q: %w", s, err)
	}
	return fromMailAddresses(list), nil
}

// ParseAddress parses a single address.
func ParseAddress(s string) (Address, error) {
	a, err := mail.ParseAddress(strings.TrimSpace(s))
	if err != nil {
		return Address{}, Errorf(KindValue, "parse address %q: %w", s, err)
	}
	return Address{Name: a.Name, Email: a.Address}, nil
}

func fromMailAddresses(list []*mail.Address) Addresses {
	out := make(Addresses, 0, len(list))
	for _, a := range list {
		out = append(out, Address{Name: a.Name, Email: a.Address})
	}
	return out
}
