package imap

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ListEntry is one LIST response.
type ListEntry struct {
	Attributes []string
	Delimiter  string
	Name       string
}

// HasAttribute reports whether the entry carries attr, ignoring case.
func (l ListEntry) HasAttribute(attr string) bool {
	for _, a := range l.Attributes {
		if strings.EqualFold(a, attr) {
			return true
		}
	}
	return false
}

// parseListLine parses "* LIST (attrs) delim name". ok is false for other
// responses.
func parseListLine(line string) (entry ListEntry, ok bool, err error) {
	line = string(dropNl([]byte(line)))
	upper := strings.ToUpper(line)
	var rest string
	switch {
	case strings.HasPrefix(upper, "* LIST "):
		rest = line[len("* LIST "):]
	case strings.HasPrefix(upper, "* LSUB "):
		rest = line[len("* LSUB "):]
	default:
		return entry, false, nil
	}

	tks, err := parseFetchTokens(rest)
	if err != nil {
		return entry, false, err
	}
	if len(tks) < 3 || tks[0].Type != TContainer {
		return entry, false, fmt.Errorf("imap: malformed LIST response %q", line)
	}
	for _, a := range tks[0].Tokens {
		entry.Attributes = append(entry.Attributes, a.Str)
	}
	switch tks[1].Type {
	case TQuoted, TAtom:
		entry.Delimiter = tks[1].Str
	case TNil:
	default:
		return entry, false, fmt.Errorf("imap: malformed LIST delimiter in %q", line)
	}
	name, err := tokenString(tks[2])
	if err != nil {
		return entry, false, fmt.Errorf("imap: malformed LIST name in %q: %w", line, err)
	}
	entry.Name = name
	return entry, true, nil
}

// tokenString returns the text of an astring token.
func tokenString(t *Token) (string, error) {
	switch t.Type {
	case TQuoted, TAtom, TLiteral:
		return t.Str, nil
	case TNumber:
		return strconv.Itoa(t.Num), nil
	case TNil:
		return "", nil
	}
	return "", fmt.Errorf("unexpected %s token", t.Type)
}

// MailboxStatus is the answer to STATUS.
type MailboxStatus struct {
	Name          string
	Messages      int
	Unseen        int
	UIDNext       uint32
	UIDValidity   uint32
	HighestModSeq uint64
}

// parseStatusLine parses "* STATUS name (MESSAGES n UNSEEN n ...)".
func parseStatusLine(line string) (st MailboxStatus, ok bool, err error) {
	line = string(dropNl([]byte(line)))
	if !strings.HasPrefix(strings.ToUpper(line), "* STATUS ") {
		return st, false, nil
	}
	tks, err := parseFetchTokens(line[len("* STATUS "):])
	if err != nil {
		return st, false, err
	}
	if len(tks) != 2 || tks[1].Type != TContainer {
		return st, false, fmt.Errorf("imap: malformed STATUS response %q", line)
	}
	if st.Name, err = tokenString(tks[0]); err != nil {
		return st, false, err
	}
	items := tks[1].Tokens
	for i := 0; i+1 < len(items); i += 2 {
		if items[i+1].Type != TNumber {
			continue
		}
		n := items[i+1].Num
		switch strings.ToUpper(items[i].Str) {
		case "MESSAGES":
			st.Messages = n
		case "UNSEEN":
			st.Unseen = n
		case "UIDNEXT":
			st.UIDNext = uint32(n)
		case "UIDVALIDITY":
			st.UIDValidity = uint32(n)
		case "HIGHESTMODSEQ":
			st.HighestModSeq = uint64(n)
		}
	}
	return st, true, nil
}

// SelectInfo is what SELECT and EXAMINE report about a mailbox.
type SelectInfo struct {
	Mailbox        string
	Exists         int
	Recent         int
	UIDValidity    uint32
	UIDNext        uint32
	HighestModSeq  uint64
	Flags          []string
	PermanentFlags []string
	ReadOnly       bool
}

var (
	regexExists        = regexp.MustCompile(`(?im)^\*\s+(\d+)\s+EXISTS`)
	regexRecent        = regexp.MustCompile(`(?im)^\*\s+(\d+)\s+RECENT`)
	regexUIDValidity   = regexp.MustCompile(`(?i)\[UIDVALIDITY\s+(\d+)\]`)
	regexUIDNext       = regexp.MustCompile(`(?i)\[UIDNEXT\s+(\d+)\]`)
	regexHighestModSeq = regexp.MustCompile(`(?i)\[HIGHESTMODSEQ\s+(\d+)\]`)
	regexFlags         = regexp.MustCompile(`(?im)^\*\s+FLAGS\s+\(([^)]*)\)`)
	regexPermFlags     = regexp.MustCompile(`(?i)\[PERMANENTFLAGS\s+\(([^)]*)\)\]`)
)

func submatchUint(re *regexp.Regexp, s string) uint64 {
	if m := re.FindStringSubmatch(s); len(m) > 1 {
		n, _ := strconv.ParseUint(m[1], 10, 64)
		return n
	}
	return 0
}

// parseSelectResponse collects the untagged data of a SELECT or EXAMINE.
func parseSelectResponse(mailbox, resp string, readOnly bool) SelectInfo {
	info := SelectInfo{
		Mailbox:       mailbox,
		Exists:        int(submatchUint(regexExists, resp)),
		Recent:        int(submatchUint(regexRecent, resp)),
		UIDValidity:   uint32(submatchUint(regexUIDValidity, resp)),
		UIDNext:       uint32(submatchUint(regexUIDNext, resp)),
		HighestModSeq: submatchUint(regexHighestModSeq, resp),
		ReadOnly:      readOnly,
	}
	if m := regexFlags.FindStringSubmatch(resp); len(m) > 1 {
		info.Flags = strings.Fields(m[1])
	}
	if m := regexPermFlags.FindStringSubmatch(resp); len(m) > 1 {
		info.PermanentFlags = strings.Fields(m[1])
	}
	return info
}

// parseSearchResponse parses UID SEARCH output, tolerating several SEARCH
// lines and a trailing (MODSEQ n).
func parseSearchResponse(r string) ([]uint32, error) {
	var uids []uint32
	for _, line := range strings.Split(r, nl) {
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[0] != "*" || !strings.EqualFold(fields[1], "SEARCH") {
			continue
		}
		for _, f := range fields[2:] {
			if strings.HasPrefix(f, "(") {
				break
			}
			u, err := strconv.ParseUint(f, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("imap: bad SEARCH response %q: %w", line, err)
			}
			uids = append(uids, uint32(u))
		}
	}
	return uids, nil
}
