package mailkit

import (
	"sort"
	"strings"
)

// Flag is the set of system flags a message can carry.
type Flag uint8

const (
	FlagPassed Flag = 1 << iota
	FlagReplied
	FlagSeen
	FlagTrashed
	FlagDraft
	FlagFlagged
)

// flagOrder is the maildir info order (alphabetical by letter).
var flagOrder = []struct {
	flag    Flag
	letter  byte
	imap    string
	keyword string
	name    string
}{
	{FlagDraft, 'D', `\Draft`, "$draft", "draft"},
	{FlagFlagged, 'F', `\Flagged`, "$flagged", "flagged"},
	{FlagPassed, 'P', "$Forwarded", "$forwarded", "passed"},
	{FlagReplied, 'R', `\Answered`, "$answered", "replied"},
	{FlagSeen, 'S', `\Seen`, "$seen", "seen"},
	{FlagTrashed, 'T', `\Deleted`, "", "trashed"},
}

func (f Flag) Has(o Flag) bool { return f&o == o }

// Set returns f with o added or removed.
func (f Flag) Set(o Flag, on bool) Flag {
	if on {
		return f | o
	}
	return f &^ o
}

func (f Flag) String() string {
	var names []string
	for _, o := range flagOrder {
		if f.Has(o.flag) {
			names = append(names, o.name)
		}
	}
	return strings.Join(names, ",")
}

// MaildirInfo returns the maildir "2," info letters for f, sorted.
func (f Flag) MaildirInfo() string {
	var b strings.Builder
	for _, o := range flagOrder {
		if f.Has(o.flag) {
			b.WriteByte(o.letter)
		}
	}
	return b.String()
}

// FlagsFromMaildirInfo parses maildir info letters. Unknown letters are
// ignored.
func FlagsFromMaildirInfo(info string) Flag {
	var f Flag
	for i := 0; i < len(info); i++ {
		for _, o := range flagOrder {
			if info[i] == o.letter {
				f |= o.flag
			}
		}
	}
	return f
}

// IMAPFlags returns the IMAP system flags for f.
func (f Flag) IMAPFlags() []string {
	var out []string
	for _, o := range flagOrder {
		if f.Has(o.flag) {
			out = append(out, o.imap)
		}
	}
	return out
}

// FlagsFromIMAP converts IMAP flags into a Flag set plus the keywords that
// have no system flag equivalent.
func FlagsFromIMAP(flags []string) (f Flag, keywords []string) {
	for _, s := range flags {
		found := false
		for _, o := range flagOrder {
			if strings.EqualFold(s, o.imap) {
				f |= o.flag
				found = true
				break
			}
		}
		if found || strings.EqualFold(s, `\Recent`) {
			continue
		}
		keywords = append(keywords, s)
	}
	return f, keywords
}

// Keywords returns the JMAP keywords for f.
func (f Flag) Keywords() []string {
	var out []string
	for _, o := range flagOrder {
		if o.keyword != "" && f.Has(o.flag) {
			out = append(out, o.keyword)
		}
	}
	return out
}

// FlagsFromKeywords maps JMAP keywords to flags. $junk and $notjunk are
// dropped; everything else is returned as a tag.
func FlagsFromKeywords(keywords map[string]bool) (f Flag, tags []string) {
	for k, on := range keywords {
		if !on {
			continue
		}
		switch strings.ToLower(k) {
		case "$draft":
			f |= FlagDraft
		case "$seen":
			f |= FlagSeen
		case "$flagged":
			f |= FlagFlagged
		case "$answered":
			f |= FlagReplied
		case "$forwarded":
			f |= FlagPassed
		case "$junk", "$notjunk":
		default:
			tags = append(tags, k)
		}
	}
	sort.Strings(tags)
	return f, tags
}

// FlagKeyword returns the JMAP keyword for a single flag, or "" when there is
// none.
func FlagKeyword(f Flag) string {
	for _, o := range flagOrder {
		if o.flag == f {
			return o.keyword
		}
	}
	return ""
}

// FlagIMAP returns the IMAP flag for a single flag.
func FlagIMAP(f Flag) string {
	for _, o := range flagOrder {
		if o.flag == f {
			return o.imap
		}
	}
	return ""
}

// ParseFlag maps a flag name ("seen", "flagged", ...) to a Flag.
func ParseFlag(name string) (Flag, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	switch name {
	case "read":
		name = "seen"
	case "answered":
		name = "replied"
	case "forwarded":
		name = "passed"
	case "deleted":
		name = "trashed"
	}
	for _, o := range flagOrder {
		if o.name == name {
			return o.flag, true
		}
	}
	return 0, false
}

// FlagOp adds or removes one flag, or one tag when Tag is set.
type FlagOp struct {
	Flag Flag
	Tag  string
	Set  bool
}

func SetFlag(f Flag) FlagOp   { return FlagOp{Flag: f, Set: true} }
func UnsetFlag(f Flag) FlagOp { return FlagOp{Flag: f} }
func SetTag(t string) FlagOp  { return FlagOp{Tag: t, Set: true} }
func UnsetTag(t string) FlagOp {
	return FlagOp{Tag: t}
}

// ApplyFlagOps applies ops to flags and tags and returns the result. Tags are
// kept sorted and unique.
func ApplyFlagOps(flags Flag, tags []string, ops []FlagOp) (Flag, []string) {
	set := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		set[t] = struct{}{}
	}
	for _, op := range ops {
		if op.Tag != "" {
			if op.Set {
				set[op.Tag] = struct{}{}
			} else {
				delete(set, op.Tag)
			}
			continue
		}
		flags = flags.Set(op.Flag, op.Set)
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return flags, out
}
