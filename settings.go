package mailkit

import (
	"path/filepath"
	"strconv"
	"strings"
)

// Toggle is a configuration boolean that remembers whether it was set by
// the user, set internally by a default rule, or left unset.
type Toggle uint8

const (
	ToggleUnset Toggle = iota
	ToggleFalse
	ToggleTrue
	// ToggleInternalFalse and ToggleInternalTrue are defaults applied by
	// mailkit rather than the user; a user value always wins over them.
	ToggleInternalFalse
	ToggleInternalTrue
)

func (t Toggle) IsUnset() bool { return t == ToggleUnset }

// IsTrue reports the effective value.
func (t Toggle) IsTrue() bool { return t == ToggleTrue || t == ToggleInternalTrue }

// IsInternal reports whether the value came from a default rule.
func (t Toggle) IsInternal() bool { return t == ToggleInternalFalse || t == ToggleInternalTrue }

// ToggleOf converts a user supplied boolean.
func ToggleOf(b bool) Toggle {
	if b {
		return ToggleTrue
	}
	return ToggleFalse
}

// MailboxConf is per mailbox configuration.
type MailboxConf struct {
	Alias     string
	Autoload  bool
	Subscribe Toggle
	Ignore    Toggle
	// Usage is nil until configured or detected.
	Usage *SpecialUsage
	// Query defines a virtual mailbox for query based backends (notmuch).
	Query string
}

// AccountSettings is what a backend factory receives.
type AccountSettings struct {
	Name                string
	RootMailbox         string
	Format              string
	Identity            string
	ExtraIdentities     []string
	DisplayName         string
	ReadOnly            bool
	SubscribedMailboxes []string
	Mailboxes           map[string]MailboxConf
	ManualRefresh       bool
	RefreshCommand      string
	// Extra holds backend specific settings, e.g. server_hostname.
	Extra map[string]string
}

// Hash returns the account hash.
func (s *AccountSettings) Hash() AccountHash {
	return AccountHash(HashOf(s.Name))
}

// Get returns an extra setting.
func (s *AccountSettings) Get(key string) (string, bool) {
	v, ok := s.Extra[key]
	return v, ok
}

// GetString returns an extra setting or def.
func (s *AccountSettings) GetString(key, def string) string {
	if v, ok := s.Extra[key]; ok && v != "" {
		return v
	}
	return def
}

// GetBool returns a boolean extra setting or def. Malformed values are a
// configuration error.
func (s *AccountSettings) GetBool(key string, def bool) (bool, error) {
	v, ok := s.Extra[key]
	if !ok || v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, Errorf(KindConfiguration, "account %s: %s: expected boolean, got %q", s.Name, key, v)
	}
	return b, nil
}

// GetInt returns an integer extra setting or def.
func (s *AccountSettings) GetInt(key string, def int) (int, error) {
	v, ok := s.Extra[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, Errorf(KindConfiguration, "account %s: %s: expected integer, got %q", s.Name, key, v)
	}
	return n, nil
}

// Require returns an extra setting that must be present.
func (s *AccountSettings) Require(key string) (string, error) {
	v, ok := s.Extra[key]
	if !ok || v == "" {
		return "", Errorf(KindConfiguration, "account %s: missing required setting %s", s.Name, key)
	}
	return v, nil
}

// Normalize applies the default mailbox rules: the format is lower-cased,
// the root mailbox's last path component is always subscribed, every
// subscribed mailbox gets a conf entry with Subscribe set, usage is detected
// from names, and Junk, Sent and Trash are ignored unless configured.
// Glob patterns in the subscription list are kept but get no conf entry.
func (s *AccountSettings) Normalize(isGlob func(string) bool) {
	s.Format = strings.ToLower(s.Format)
	if s.Mailboxes == nil {
		s.Mailboxes = make(map[string]MailboxConf)
	}

	if s.RootMailbox != "" {
		root := filepath.Base(filepath.Clean(s.RootMailbox))
		found := false
		for _, m := range s.SubscribedMailboxes {
			if m == root {
				found = true
				break
			}
		}
		if !found {
			s.SubscribedMailboxes = append(s.SubscribedMailboxes, root)
		}
	}

	for _, name := range s.SubscribedMailboxes {
		conf, ok := s.Mailboxes[name]
		if !ok {
			if isGlob != nil && isGlob(name) {
				continue
			}
			conf = MailboxConf{Subscribe: ToggleTrue}
		} else {
			if !conf.Subscribe.IsUnset() {
				continue
			}
			conf.Subscribe = ToggleTrue
		}
		s.Mailboxes[name] = conf
	}

	for name, conf := range s.Mailboxes {
		if conf.Usage == nil {
			u := DetectUsage(LastComponent(name))
			conf.Usage = &u
		}
		if conf.Ignore.IsUnset() {
			switch *conf.Usage {
			case UsageJunk, UsageSent, UsageTrash:
				conf.Ignore = ToggleInternalTrue
			}
		}
		s.Mailboxes[name] = conf
	}
}

// MailboxConfFor returns the conf for a mailbox path.
func (s *AccountSettings) MailboxConfFor(path string) (MailboxConf, bool) {
	c, ok := s.Mailboxes[path]
	return c, ok
}

// IsSubscribed reports whether path should be loaded, given the subscription
// list (with glob support through match) and per mailbox confs.
func (s *AccountSettings) IsSubscribed(path string, match func(pattern, name string) bool) bool {
	if c, ok := s.Mailboxes[path]; ok && !c.Subscribe.IsUnset() {
		return c.Subscribe.IsTrue()
	}
	if len(s.SubscribedMailboxes) == 0 {
		return true
	}
	for _, m := range s.SubscribedMailboxes {
		if m == path {
			return true
		}
		if match != nil && match(m, path) {
			return true
		}
	}
	return false
}

// IsIgnored reports whether a mailbox's envelopes should be left out of the
// account views.
func (s *AccountSettings) IsIgnored(path string) bool {
	c, ok := s.Mailboxes[path]
	return ok && c.Ignore.IsTrue()
}
