package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/BrianLeishman/mailkit"
)

const sampleTOML = `
[composing]
signature = "-- \nAlice"

[accounts.Work]
format = "IMAP"
root_mailbox = "INBOX"
identity = "alice@work.example"
display_name = "Alice Smith"
subscribed_mailboxes = ["INBOX", "Projects/*", "Archive"]
cache_type = "sqlite3"
server_hostname = "imap.work.example"
server_username = "alice"
server_password_command = "printf 'hunter2\\nsecond line'"

[accounts.Work.smtp]
hostname = "smtp.work.example"
port = 465

[accounts.Work.mailboxes.Archive]
usage = "archive"
subscribe = false

[accounts.Work.mailboxes.Spam]
ignore = false

[accounts.home]
format = "maildir"
root_mailbox = "~/Mail"
server_password_keyring = "home-mail"
`

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultPath(t *testing.T) {
	t.Setenv(EnvConfig, "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	if got := DefaultPath(); got != "/xdg/mailkit/config.toml" {
		t.Errorf("DefaultPath = %q", got)
	}
	t.Setenv(EnvConfig, "/etc/mailkit.yaml")
	if got := DefaultPath(); got != "/etc/mailkit.yaml" {
		t.Errorf("DefaultPath with env = %q", got)
	}
}

func TestLoad(t *testing.T) {
	f, err := Load(writeConfig(t, "config.toml", sampleTOML))
	if err != nil {
		t.Fatal(err)
	}
	if got := f.AccountNames(); !slices.Equal(got, []string{"home", "work"}) {
		t.Errorf("AccountNames = %v", got)
	}
	if f.Composing.Signature != "-- \nAlice" || !f.Composing.SaveSent {
		t.Errorf("composing = %+v", f.Composing)
	}
	if _, err := f.Account("missing"); !errors.Is(err, mailkit.ErrNotFound) {
		t.Errorf("missing account error = %v", err)
	}
}

func TestSettings(t *testing.T) {
	f, err := Load(writeConfig(t, "config.toml", sampleTOML))
	if err != nil {
		t.Fatal(err)
	}
	s, err := f.Settings(context.Background(), "Work")
	if err != nil {
		t.Fatal(err)
	}
	if s.Name != "work" || s.Format != "imap" || s.Identity != "alice@work.example" || s.DisplayName != "Alice Smith" {
		t.Errorf("settings = %+v", s)
	}
	for key, want := range map[string]string{
		"server_hostname": "imap.work.example",
		"server_username": "alice",
		"server_password": "hunter2",
		"smtp_hostname":   "smtp.work.example",
		"smtp_port":       "465",
		"cache_type":      "sqlite3",
	} {
		if got := s.GetString(key, ""); got != want {
			t.Errorf("%s = %q, want %q", key, got, want)
		}
	}

	archive, ok := s.MailboxConfFor("Archive")
	if !ok || archive.Usage == nil || *archive.Usage != mailkit.UsageArchive || archive.Subscribe.IsTrue() {
		t.Errorf("Archive conf = %+v", archive)
	}
	if s.IsSubscribed("Archive", nil) {
		t.Error("Archive should be unsubscribed")
	}
	// Spam was explicitly un-ignored; detected Junk usage would ignore it.
	// It is not subscribed, so its key keeps viper's lower case.
	if spam, ok := s.MailboxConfFor("spam"); !ok || spam.Usage == nil || *spam.Usage != mailkit.UsageJunk {
		t.Errorf("spam conf = %+v", spam)
	}
	if s.IsIgnored("spam") {
		t.Error("spam should not be ignored")
	}
	if _, ok := s.MailboxConfFor("INBOX"); !ok {
		t.Error("INBOX conf missing")
	}
	if _, ok := s.MailboxConfFor("Projects/*"); ok {
		t.Error("glob subscriptions should get no conf")
	}
}

func TestPasswordKeyring(t *testing.T) {
	old := keyringGet
	defer func() { keyringGet = old }()
	var asked string
	keyringGet = func(key string) (string, error) {
		asked = key
		return "from-keyring", nil
	}

	f, err := Load(writeConfig(t, "config.toml", sampleTOML))
	if err != nil {
		t.Fatal(err)
	}
	s, err := f.Settings(context.Background(), "home")
	if err != nil {
		t.Fatal(err)
	}
	if asked != "home-mail" || s.GetString("server_password", "") != "from-keyring" {
		t.Errorf("keyring lookup %q gave %q", asked, s.GetString("server_password", ""))
	}
	home, _ := os.UserHomeDir()
	if s.RootMailbox != filepath.Join(home, "Mail") {
		t.Errorf("root mailbox = %q", s.RootMailbox)
	}

	keyringGet = func(string) (string, error) { return "", errors.New("locked") }
	if _, err := f.Settings(context.Background(), "home"); mailkit.KindOf(err) != mailkit.KindConfiguration {
		t.Errorf("keyring failure = %v", err)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
accounts:
  notes:
    format: notmuch
    root_mailbox: /var/mail/db
    mailboxes:
      INBOX:
        query: "tag:inbox"
      Todo:
        query: "tag:todo"
`)
	f, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	s, err := f.Settings(context.Background(), "notes")
	if err != nil {
		t.Fatal(err)
	}
	if c, ok := s.MailboxConfFor("INBOX"); !ok || c.Query != "tag:inbox" {
		t.Errorf("INBOX = %+v", c)
	}
	// without a subscription entry the lower-cased key is kept
	if c, ok := s.MailboxConfFor("todo"); !ok || c.Query != "tag:todo" {
		t.Errorf("todo = %+v", c)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"empty.toml", ""},
		{"noformat.toml", "[accounts.x]\nroot_mailbox = \"/tmp\"\n"},
		{"broken.toml", "[accounts\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.name, tt.content))
			if mailkit.KindOf(err) != mailkit.KindConfiguration {
				t.Errorf("error = %v", err)
			}
		})
	}
	if _, err := Load(filepath.Join(t.TempDir(), "none.toml")); mailkit.KindOf(err) != mailkit.KindConfiguration {
		t.Errorf("missing file error = %v", err)
	}
}
