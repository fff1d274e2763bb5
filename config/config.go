// Package config loads account settings from a TOML or YAML file with viper
// and resolves account passwords.
package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/99designs/keyring"
	"github.com/spf13/viper"

	"github.com/BrianLeishman/mailkit"
	"github.com/BrianLeishman/mailkit/textproc"
)

// EnvConfig names the environment variable overriding the config path.
const EnvConfig = "MAILKIT_CONFIG"

// PasswordCommandTimeout bounds server_password_command.
var PasswordCommandTimeout = 30 * time.Second

// MailboxConf is the file form of mailkit.MailboxConf. Pointers distinguish
// unset from false.
type MailboxConf struct {
	Alias     string `mapstructure:"alias"`
	Autoload  bool   `mapstructure:"autoload"`
	Subscribe *bool  `mapstructure:"subscribe"`
	Ignore    *bool  `mapstructure:"ignore"`
	Usage     string `mapstructure:"usage"`
	Query     string `mapstructure:"query"`
}

// Account is one [accounts.<name>] section. Keys not listed here end up in
// Extra and reach the backend as settings (server_hostname, ...). A nested
// smtp table is flattened to smtp_* keys.
type Account struct {
	RootMailbox         string                 `mapstructure:"root_mailbox"`
	Format              string                 `mapstructure:"format"`
	Identity            string                 `mapstructure:"identity"`
	ExtraIdentities     []string               `mapstructure:"extra_identities"`
	DisplayName         string                 `mapstructure:"display_name"`
	ReadOnly            bool                   `mapstructure:"read_only"`
	SubscribedMailboxes []string               `mapstructure:"subscribed_mailboxes"`
	Mailboxes           map[string]MailboxConf `mapstructure:"mailboxes"`
	ManualRefresh       bool                   `mapstructure:"manual_refresh"`
	RefreshCommand      string                 `mapstructure:"refresh_command"`
	// CacheType is "sqlite3" or "none".
	CacheType string         `mapstructure:"cache_type"`
	CachePath string         `mapstructure:"cache_path"`
	Extra     map[string]any `mapstructure:",remain"`
}

// Composing holds message composition preferences.
type Composing struct {
	Signature   string `mapstructure:"signature"`
	SaveSent    bool   `mapstructure:"save_sent"`
	SentMailbox string `mapstructure:"sent_mailbox"`
}

// File is the whole configuration.
type File struct {
	Accounts  map[string]Account `mapstructure:"accounts"`
	Composing Composing          `mapstructure:"composing"`
	// Path is where the file was read from.
	Path string `mapstructure:"-"`
}

// DefaultPath is $MAILKIT_CONFIG, else $XDG_CONFIG_HOME/mailkit/config.toml,
// else ~/.config/mailkit/config.toml.
func DefaultPath() string {
	if p := os.Getenv(EnvConfig); p != "" {
		return p
	}
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "mailkit", "config.toml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.toml")
	}
	return filepath.Join(home, ".config", "mailkit", "config.toml")
}

// Load reads the configuration at path; an empty path means DefaultPath.
// The format follows the extension, TOML when there is none.
func Load(path string) (*File, error) {
	if path == "" {
		path = DefaultPath()
	}
	v := viper.New()
	v.SetConfigFile(path)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		v.SetConfigType("yaml")
	case ".json":
		v.SetConfigType("json")
	default:
		v.SetConfigType("toml")
	}
	v.SetDefault("composing.save_sent", true)

	if err := v.ReadInConfig(); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, mailkit.WrapError(mailkit.KindConfiguration, "config file "+path+" not found", err)
		}
		return nil, mailkit.WrapError(mailkit.KindConfiguration, "reading config "+path, err)
	}

	f := &File{}
	if err := v.Unmarshal(f); err != nil {
		return nil, mailkit.WrapError(mailkit.KindConfiguration, "parsing config "+path, err)
	}
	f.Path = path
	if len(f.Accounts) == 0 {
		return nil, mailkit.Errorf(mailkit.KindConfiguration, "config %s: no accounts", path)
	}
	for name, acc := range f.Accounts {
		if acc.Format == "" {
			return nil, mailkit.Errorf(mailkit.KindConfiguration, "account %s: format is required", name)
		}
	}
	return f, nil
}

// AccountNames lists the configured accounts, sorted.
func (f *File) AccountNames() []string {
	names := make([]string, 0, len(f.Accounts))
	for n := range f.Accounts {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Account returns the named account section.
func (f *File) Account(name string) (Account, error) {
	acc, ok := f.Accounts[strings.ToLower(name)]
	if !ok {
		return Account{}, mailkit.Errorf(mailkit.KindNotFound, "no account named %q in %s", name, f.Path)
	}
	return acc, nil
}

// Settings builds the normalised backend settings of an account, resolving
// its password.
func (f *File) Settings(ctx context.Context, name string) (mailkit.AccountSettings, error) {
	acc, err := f.Account(name)
	if err != nil {
		return mailkit.AccountSettings{}, err
	}
	s := acc.settings(strings.ToLower(name))
	if err := ResolvePassword(ctx, &s); err != nil {
		return mailkit.AccountSettings{}, err
	}
	s.Normalize(textproc.IsGlob)
	return s, nil
}

func (a Account) settings(name string) mailkit.AccountSettings {
	s := mailkit.AccountSettings{
		Name:                name,
		RootMailbox:         expandHome(a.RootMailbox),
		Format:              a.Format,
		Identity:            a.Identity,
		ExtraIdentities:     a.ExtraIdentities,
		DisplayName:         a.DisplayName,
		ReadOnly:            a.ReadOnly,
		SubscribedMailboxes: a.SubscribedMailboxes,
		Mailboxes:           make(map[string]mailkit.MailboxConf, len(a.Mailboxes)),
		ManualRefresh:       a.ManualRefresh,
		RefreshCommand:      a.RefreshCommand,
		Extra:               make(map[string]string),
	}
	flatten("", a.Extra, s.Extra)
	if a.CacheType != "" {
		s.Extra["cache_type"] = a.CacheType
	}
	if a.CachePath != "" {
		s.Extra["cache_path"] = expandHome(a.CachePath)
	}
	for path, mc := range a.Mailboxes {
		conf := mailkit.MailboxConf{Alias: mc.Alias, Autoload: mc.Autoload, Query: mc.Query}
		if mc.Subscribe != nil {
			conf.Subscribe = mailkit.ToggleOf(*mc.Subscribe)
		}
		if mc.Ignore != nil {
			conf.Ignore = mailkit.ToggleOf(*mc.Ignore)
		}
		if mc.Usage != "" {
			if u, err := mailkit.ParseUsage(mc.Usage); err == nil {
				conf.Usage = &u
			}
		}
		s.Mailboxes[originalCase(path, a.SubscribedMailboxes)] = conf
	}
	return s
}

// originalCase undoes viper's lower-casing of map keys using the spelling in
// the subscription list. INBOX is always upper case.
func originalCase(path string, subscribed []string) string {
	for _, m := range subscribed {
		if strings.EqualFold(m, path) {
			return m
		}
	}
	if strings.EqualFold(path, "inbox") {
		return "INBOX"
	}
	return path
}

// flatten writes nested tables as prefix_key.
func flatten(prefix string, in map[string]any, out map[string]string) {
	for k, v := range in {
		key := strings.ToLower(k)
		if prefix != "" {
			key = prefix + "_" + key
		}
		switch v := v.(type) {
		case map[string]any:
			flatten(key, v, out)
		case []any:
			parts := make([]string, len(v))
			for i, p := range v {
				parts[i] = fmt.Sprint(p)
			}
			out[key] = strings.Join(parts, ",")
		default:
			out[key] = fmt.Sprint(v)
		}
	}
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[1:])
		}
	}
	return p
}

// KeyringService is the service name passwords are looked up under.
var KeyringService = "mailkit"

// keyringGet is replaced in tests.
var keyringGet = func(key string) (string, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: KeyringService,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
		},
		KeychainTrustApplication: true,
	})
	if err != nil {
		return "", fmt.Errorf("opening keyring: %w", err)
	}
	item, err := ring.Get(key)
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}
	return string(item.Data), nil
}

// ResolvePassword fills server_password (and smtp_password) from
// *_password_command or *_password_keyring when not given literally.
func ResolvePassword(ctx context.Context, s *mailkit.AccountSettings) error {
	for _, prefix := range []string{"server", "smtp"} {
		key := prefix + "_password"
		if s.GetString(key, "") != "" {
			continue
		}
		var (
			pw  string
			err error
		)
		switch {
		case s.GetString(key+"_command", "") != "":
			pw, err = runPasswordCommand(ctx, s.GetString(key+"_command", ""))
		case s.GetString(key+"_keyring", "") != "":
			pw, err = keyringGet(s.GetString(key+"_keyring", ""))
		default:
			continue
		}
		if err != nil {
			return mailkit.WrapError(mailkit.KindConfiguration, fmt.Sprintf("account %s: %s", s.Name, key), err)
		}
		if s.Extra == nil {
			s.Extra = make(map[string]string)
		}
		s.Extra[key] = pw
	}
	return nil
}

// runPasswordCommand runs cmd through the shell and returns the first line of
// its output.
func runPasswordCommand(ctx context.Context, cmd string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, PasswordCommandTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, "sh", "-c", cmd).Output()
	if err != nil {
		return "", fmt.Errorf("password command: %w", err)
	}
	line, _, _ := strings.Cut(string(out), "\n")
	return strings.TrimRight(line, "\r"), nil
}
