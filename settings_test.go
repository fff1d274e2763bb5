package mailkit

import (
	"path"
	"strings"
	"testing"
)

func isGlob(s string) bool { return strings.ContainsAny(s, "*?[") }

func TestNormalize(t *testing.T) {
	s := AccountSettings{
		Name:                "work",
		Format:              "Maildir",
		RootMailbox:         "/home/u/Mail/",
		SubscribedMailboxes: []string{"INBOX", "Lists/*", "Sent"},
		Mailboxes: map[string]MailboxConf{
			"Spam":    {},
			"Archive": {Subscribe: ToggleFalse},
			"Trash":   {Ignore: ToggleFalse},
		},
	}
	s.Normalize(isGlob)

	if s.Format != "maildir" {
		t.Errorf("Format = %q", s.Format)
	}
	if s.SubscribedMailboxes[len(s.SubscribedMailboxes)-1] != "Mail" {
		t.Errorf("root not subscribed: %v", s.SubscribedMailboxes)
	}
	if _, ok := s.Mailboxes["Lists/*"]; ok {
		t.Error("glob pattern got a mailbox conf")
	}
	if c := s.Mailboxes["INBOX"]; c.Subscribe != ToggleTrue || *c.Usage != UsageInbox || c.Ignore.IsTrue() {
		t.Errorf("INBOX conf = %+v", c)
	}
	if c := s.Mailboxes["Sent"]; c.Ignore != ToggleInternalTrue || !c.Ignore.IsInternal() {
		t.Errorf("Sent Ignore = %v", c.Ignore)
	}
	if c := s.Mailboxes["Spam"]; *c.Usage != UsageJunk || !c.Ignore.IsTrue() {
		t.Errorf("Spam conf = %+v", c)
	}
	if c := s.Mailboxes["Trash"]; c.Ignore != ToggleFalse {
		t.Errorf("user Ignore overridden: %v", c.Ignore)
	}
	if c := s.Mailboxes["Archive"]; c.Subscribe != ToggleFalse {
		t.Errorf("user Subscribe overridden: %v", c.Subscribe)
	}

	match := func(p, n string) bool { ok, _ := path.Match(p, n); return ok }
	tests := []struct {
		path string
		want bool
	}{
		{"INBOX", true},
		{"Lists/go", true},
		{"Lists/go/nuts", false},
		{"Archive", false},
		{"Other", false},
	}
	for _, tt := range tests {
		if got := s.IsSubscribed(tt.path, match); got != tt.want {
			t.Errorf("IsSubscribed(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
	if !s.IsIgnored("Sent") || s.IsIgnored("INBOX") || s.IsIgnored("nope") {
		t.Error("IsIgnored mismatch")
	}
}

func TestIsSubscribedEmptyList(t *testing.T) {
	var s AccountSettings
	if !s.IsSubscribed("anything", nil) {
		t.Error("empty subscription list should mean every mailbox")
	}
}

func TestExtraSettings(t *testing.T) {
	s := AccountSettings{Name: "a", Extra: map[string]string{
		"server_hostname": "imap.example.com",
		"use_starttls":    "yes please",
		"server_port":     "993",
		"use_idle":        "false",
	}}
	if v := s.GetString("server_hostname", "x"); v != "imap.example.com" {
		t.Errorf("GetString = %q", v)
	}
	if v := s.GetString("missing", "x"); v != "x" {
		t.Errorf("GetString default = %q", v)
	}
	if _, err := s.GetBool("use_starttls", false); KindOf(err) != KindConfiguration {
		t.Errorf("GetBool error = %v", err)
	}
	if b, err := s.GetBool("use_idle", true); err != nil || b {
		t.Errorf("GetBool = %v, %v", b, err)
	}
	if n, err := s.GetInt("server_port", 143); err != nil || n != 993 {
		t.Errorf("GetInt = %v, %v", n, err)
	}
	if _, err := s.Require("server_password"); KindOf(err) != KindConfiguration {
		t.Errorf("Require error = %v", err)
	}
	if v, err := s.Require("server_hostname"); err != nil || v != "imap.example.com" {
		t.Errorf("Require = %q, %v", v, err)
	}
}
