// Package gpg verifies, decrypts, signs and encrypts message parts through
// hooks. Exec runs the gpg binary and reads its machine readable status
// output.
package gpg

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"

	"github.com/BrianLeishman/mailkit"
)

func init() {
	mailkit.RegisterFeature("gpgme")
}

// Hook is a cryptography provider.
type Hook interface {
	Verify(ctx context.Context, signed, sig []byte) (Verification, error)
	Decrypt(ctx context.Context, data []byte) ([]byte, error)
	// Sign returns an ASCII armored detached signature by key.
	Sign(ctx context.Context, data []byte, key string) ([]byte, error)
	// Encrypt returns data ASCII armored for recipients.
	Encrypt(ctx context.Context, data []byte, recipients []string) ([]byte, error)
}

// Status is one "[GNUPG:] KEYWORD args" line.
type Status struct {
	Keyword string
	Args    []string
}

// Verification is the outcome of a signature check.
type Verification struct {
	Valid       bool
	KeyID       string
	Fingerprint string
	Signer      string
	// Problem names the failing status (BADSIG, ERRSIG, NO_PUBKEY, EXPKEYSIG,
	// REVKEYSIG) when Valid is false.
	Problem string
	Status  []Status
}

const statusPrefix = "[GNUPG:] "

// ParseStatus extracts the status lines from gpg output, ignoring other
// text.
func ParseStatus(out []byte) []Status {
	var lines []Status
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		l, ok := strings.CutPrefix(sc.Text(), statusPrefix)
		if !ok {
			continue
		}
		f := strings.Fields(l)
		if len(f) == 0 {
			continue
		}
		lines = append(lines, Status{Keyword: f[0], Args: f[1:]})
	}
	return lines
}

// VerificationOf interprets status lines of a --verify run.
func VerificationOf(status []Status) Verification {
	v := Verification{Status: status}
	for _, s := range status {
		switch s.Keyword {
		case "GOODSIG":
			v.Valid = v.Problem == ""
			if len(s.Args) > 0 {
				v.KeyID = s.Args[0]
				v.Signer = strings.Join(s.Args[1:], " ")
			}
		case "VALIDSIG":
			if len(s.Args) > 0 {
				v.Fingerprint = s.Args[0]
			}
		case "BADSIG", "EXPKEYSIG", "REVKEYSIG", "ERRSIG", "NO_PUBKEY":
			v.Valid = false
			if v.Problem == "" {
				v.Problem = s.Keyword
			}
			if len(s.Args) > 0 && v.KeyID == "" {
				v.KeyID = s.Args[0]
			}
			if s.Keyword == "BADSIG" || s.Keyword == "EXPKEYSIG" || s.Keyword == "REVKEYSIG" {
				v.Signer = strings.Join(s.Args[1:], " ")
			}
		}
	}
	return v
}

// RunFunc runs gpg with args and stdin, returning stdout and stderr.
type RunFunc func(ctx context.Context, stdin []byte, args ...string) (stdout, stderr []byte, err error)

// Exec is the Hook backed by the gpg binary.
type Exec struct {
	// Binary defaults to "gpg".
	Binary string
	// Home is passed as --homedir when set.
	Home string
	// Run replaces process execution, for tests.
	Run RunFunc
}

func (e *Exec) run(ctx context.Context, stdin []byte, args ...string) ([]byte, []byte, error) {
	base := []string{"--batch", "--no-tty", "--status-fd", "2"}
	if e.Home != "" {
		base = append(base, "--homedir", e.Home)
	}
	args = append(base, args...)
	if e.Run != nil {
		return e.Run(ctx, stdin, args...)
	}
	bin := e.Binary
	if bin == "" {
		bin = "gpg"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdin = bytes.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout, cmd.Stderr = &stdout, &stderr
	err := cmd.Run()
	if errors.Is(err, exec.ErrNotFound) {
		return nil, nil, mailkit.WrapError(mailkit.KindConfiguration, "gpg binary", err)
	}
	return stdout.Bytes(), stderr.Bytes(), err
}

// failure turns a failed gpg run into an error naming its last status.
func failure(op string, stderr []byte, err error) error {
	if mailkit.KindOf(err) != mailkit.KindNone {
		return err
	}
	msg := op
	if st := ParseStatus(stderr); len(st) > 0 {
		last := st[len(st)-1]
		msg += ": " + strings.TrimSpace(last.Keyword+" "+strings.Join(last.Args, " "))
	}
	return mailkit.WrapError(mailkit.KindExternal, msg, err)
}

// Verify checks a detached signature. A bad signature is not an error:
// inspect the returned Verification.
func (e *Exec) Verify(ctx context.Context, signed, sig []byte) (Verification, error) {
	f, err := os.CreateTemp("", "mailkit-sig-*.asc")
	if err != nil {
		return Verification{}, err
	}
	defer os.Remove(f.Name())
	if _, err := f.Write(sig); err != nil {
		f.Close()
		return Verification{}, err
	}
	if err := f.Close(); err != nil {
		return Verification{}, err
	}

	_, stderr, err := e.run(ctx, signed, "--verify", f.Name(), "-")
	v := VerificationOf(ParseStatus(stderr))
	if err != nil && len(v.Status) == 0 {
		return v, failure("gpg verify", stderr, err)
	}
	return v, nil
}

func (e *Exec) Decrypt(ctx context.Context, data []byte) ([]byte, error) {
	out, stderr, err := e.run(ctx, data, "--decrypt")
	if err != nil {
		return nil, failure("gpg decrypt", stderr, err)
	}
	return out, nil
}

func (e *Exec) Sign(ctx context.Context, data []byte, key string) ([]byte, error) {
	args := []string{"--armor", "--detach-sign"}
	if key != "" {
		args = append(args, "--local-user", key)
	}
	out, stderr, err := e.run(ctx, data, args...)
	if err != nil {
		return nil, failure("gpg sign", stderr, err)
	}
	return out, nil
}

func (e *Exec) Encrypt(ctx context.Context, data []byte, recipients []string) ([]byte, error) {
	if len(recipients) == 0 {
		return nil, mailkit.Errorf(mailkit.KindValue, "gpg encrypt: no recipients")
	}
	args := []string{"--armor", "--encrypt"}
	for _, r := range recipients {
		args = append(args, "--recipient", r)
	}
	out, stderr, err := e.run(ctx, data, args...)
	if err != nil {
		return nil, failure("gpg encrypt", stderr, err)
	}
	return out, nil
}

// Registry holds hooks by name.
type Registry struct {
	mu    sync.RWMutex
	hooks map[string]Hook
}

// DefaultRegistry has the gpg binary registered as "gpg".
var DefaultRegistry = NewRegistry()

func init() {
	DefaultRegistry.Register("gpg", &Exec{})
}

func NewRegistry() *Registry {
	return &Registry{hooks: make(map[string]Hook)}
}

// Register adds or replaces a hook.
func (r *Registry) Register(name string, h Hook) {
	r.mu.Lock()
	r.hooks[name] = h
	r.mu.Unlock()
}

// Get returns the named hook.
func (r *Registry) Get(name string) (Hook, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.hooks[name]
	if !ok {
		return nil, mailkit.Errorf(mailkit.KindNotFound, "gpg: no hook named %q", name)
	}
	return h, nil
}

// Names lists the registered hooks, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.hooks))
	for n := range r.hooks {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
