package notmuch

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"

	"github.com/BrianLeishman/mailkit"
)

// Runner runs the notmuch command line tool.
type Runner interface {
	Run(ctx context.Context, stdin []byte, args ...string) ([]byte, error)
}

// ExecRunner runs a notmuch binary.
type ExecRunner struct {
	// Binary defaults to "notmuch" from PATH.
	Binary string
	// Config is passed as NOTMUCH_CONFIG when set.
	Config string
	// Database is passed as NOTMUCH_DATABASE when set.
	Database string
}

func (r ExecRunner) Run(ctx context.Context, stdin []byte, args ...string) ([]byte, error) {
	bin := r.Binary
	if bin == "" {
		bin = "notmuch"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Env = os.Environ()
	if r.Config != "" {
		cmd.Env = append(cmd.Env, "NOTMUCH_CONFIG="+r.Config)
	}
	if r.Database != "" {
		cmd.Env = append(cmd.Env, "NOTMUCH_DATABASE="+r.Database)
	}
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			return nil, mailkit.Errorf(mailkit.KindExternal, "notmuch %s: %s", args[0], strings.TrimSpace(stderr.String()))
		}
		if errors.Is(err, exec.ErrNotFound) {
			return nil, mailkit.WrapError(mailkit.KindConfiguration, "notmuch binary", err)
		}
		return nil, mailkit.WrapError(mailkit.KindExternal, "run notmuch", err)
	}
	return out, nil
}
