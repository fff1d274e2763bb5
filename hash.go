package mailkit

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// EnvelopeHash identifies a message within an account. Backends derive it from
// a stable identity (path, UID and UIDVALIDITY, JMAP id) so it survives restarts.
type EnvelopeHash uint64

// MailboxHash identifies a mailbox within an account.
type MailboxHash uint64

// AccountHash identifies an account.
type AccountHash uint64

func (h EnvelopeHash) String() string { return strconv.FormatUint(uint64(h), 16) }
func (h MailboxHash) String() string  { return strconv.FormatUint(uint64(h), 16) }

// ParseEnvelopeHash parses the hexadecimal form produced by String.
func ParseEnvelopeHash(s string) (EnvelopeHash, error) {
	n, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, Errorf(KindValue, "invalid envelope hash %q: %w", s, err)
	}
	return EnvelopeHash(n), nil
}

// HashOf hashes parts with xxhash64. Parts are separated by a NUL byte so
// ("ab", "c") and ("a", "bc") differ.
func HashOf(parts ...string) uint64 {
	d := xxhash.New()
	for i, p := range parts {
		if i != 0 {
			_, _ = d.Write([]byte{0})
		}
		_, _ = d.WriteString(p)
	}
	return d.Sum64()
}

// MailboxHashOf returns the hash of a mailbox path within an account.
func MailboxHashOf(account, path string) MailboxHash {
	return MailboxHash(HashOf(account, path))
}
