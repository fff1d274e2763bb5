package mailkit

import (
	"fmt"
	"path"
	"sort"
	"strings"

	humanize "github.com/dustin/go-humanize"
)

// SpecialUsage is the role of a mailbox (RFC 6154).
type SpecialUsage uint8

const (
	UsageNormal SpecialUsage = iota
	UsageInbox
	UsageArchive
	UsageDrafts
	UsageFlagged
	UsageJunk
	UsageSent
	UsageTrash
)

var usageNames = map[SpecialUsage]string{
	UsageNormal:  "Normal",
	UsageInbox:   "Inbox",
	UsageArchive: "Archive",
	UsageDrafts:  "Drafts",
	UsageFlagged: "Flagged",
	UsageJunk:    "Junk",
	UsageSent:    "Sent",
	UsageTrash:   "Trash",
}

func (u SpecialUsage) String() string { return usageNames[u] }

// ParseUsage parses a usage name as written in configuration.
func ParseUsage(s string) (SpecialUsage, error) {
	for u, n := range usageNames {
		if strings.EqualFold(n, s) {
			return u, nil
		}
	}
	return UsageNormal, Errorf(KindConfiguration, "unknown mailbox usage %q", s)
}

// ParseSpecialUse maps an IMAP LIST special-use attribute such as \Sent.
func ParseSpecialUse(attr string) (SpecialUsage, bool) {
	switch strings.ToLower(strings.TrimPrefix(attr, `\`)) {
	case "all", "archive":
		return UsageArchive, true
	case "drafts":
		return UsageDrafts, true
	case "flagged":
		return UsageFlagged, true
	case "junk":
		return UsageJunk, true
	case "sent":
		return UsageSent, true
	case "trash":
		return UsageTrash, true
	}
	return UsageNormal, false
}

// DetectUsage guesses a mailbox role from its last path component.
func DetectUsage(name string) SpecialUsage {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "inbox":
		return UsageInbox
	case "archive", "archives", "all mail", "[gmail]/all mail":
		return UsageArchive
	case "drafts", "draft":
		return UsageDrafts
	case "flagged", "starred":
		return UsageFlagged
	case "junk", "spam", "bulk mail":
		return UsageJunk
	case "sent", "sent items", "sent mail", "sent messages":
		return UsageSent
	case "trash", "deleted", "deleted items", "deleted messages", "bin":
		return UsageTrash
	}
	return UsageNormal
}

// LastComponent returns the last element of a mailbox path split on '/',
// or on '.' when the path has no '/'.
func LastComponent(p string) string {
	sep := "."
	if strings.Contains(p, "/") {
		sep = "/"
	}
	parts := strings.Split(p, sep)
	return parts[len(parts)-1]
}

// Mailbox is a folder of mail.
type Mailbox struct {
	Hash       MailboxHash
	Name       string
	Path       string
	Parent     MailboxHash
	Children   []MailboxHash
	Usage      SpecialUsage
	Delimiter  string
	Total      int
	Unseen     int
	Subscribed bool
	ReadOnly   bool
	// NoSelect is set for container-only mailboxes that hold no messages.
	NoSelect bool
}

func (m *Mailbox) String() string {
	return fmt.Sprintf("%s (%s messages, %s unseen)", m.Path, humanize.Comma(int64(m.Total)), humanize.Comma(int64(m.Unseen)))
}

// Depth returns the nesting level of the mailbox, 0 for top level.
func (m *Mailbox) Depth() int {
	d := m.Delimiter
	if d == "" {
		d = "/"
	}
	return strings.Count(m.Path, d)
}

// LinkMailboxes fills Parent and Children from the mailbox paths. Paths are
// split on each mailbox's delimiter.
func LinkMailboxes(mailboxes map[MailboxHash]*Mailbox) {
	byPath := make(map[string]*Mailbox, len(mailboxes))
	for _, m := range mailboxes {
		m.Children = nil
		byPath[m.Path] = m
	}
	for _, m := range mailboxes {
		d := m.Delimiter
		if d == "" {
			d = "/"
		}
		i := strings.LastIndex(m.Path, d)
		if i <= 0 {
			m.Parent = 0
			continue
		}
		if p, ok := byPath[m.Path[:i]]; ok {
			m.Parent = p.Hash
			p.Children = append(p.Children, m.Hash)
		}
	}
	for _, m := range mailboxes {
		sort.Slice(m.Children, func(i, j int) bool {
			return mailboxes[m.Children[i]].Path < mailboxes[m.Children[j]].Path
		})
	}
}

// SortedMailboxes returns mailboxes ordered by path with INBOX first.
func SortedMailboxes(mailboxes map[MailboxHash]*Mailbox) []*Mailbox {
	out := make([]*Mailbox, 0, len(mailboxes))
	for _, m := range mailboxes {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		ii, ji := out[i].Usage == UsageInbox, out[j].Usage == UsageInbox
		if ii != ji {
			return ii
		}
		return out[i].Path < out[j].Path
	})
	return out
}

// FindMailbox looks a mailbox up by path, then by name.
func FindMailbox(mailboxes map[MailboxHash]*Mailbox, name string) (*Mailbox, bool) {
	for _, m := range mailboxes {
		if m.Path == name {
			return m, true
		}
	}
	for _, m := range mailboxes {
		if strings.EqualFold(m.Name, name) || strings.EqualFold(path.Base(m.Path), name) {
			return m, true
		}
	}
	return nil, false
}
