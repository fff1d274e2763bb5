package imap

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	retry "github.com/StirlingMarketingGroup/go-retry"
	"github.com/rs/xid"

	"github.com/BrianLeishman/mailkit"
)

// commandLiteral finds synchronizing literals inside an outgoing command.
var commandLiteral = regexp.MustCompile(`\{(\d+)\}\r\n`)

// CommandError is a tagged NO or BAD reply. It is returned as is and never
// causes a reconnect.
type CommandError struct {
	Status string
	Text   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("imap command failed: %s %s", e.Status, e.Text)
}

// errBye is returned when the server closes the session unasked.
var errBye = errors.New("imap: server sent BYE")

func newTag() []byte {
	return []byte(strings.ToUpper(xid.New().String()))
}

func (d *Dialer) sanitize(c string) string {
	if d.Password == "" {
		return c
	}
	return strings.ReplaceAll(c, `"`+AddSlashes.Replace(d.Password)+`"`, `"****"`)
}

// writeCommand sends tag and command, waiting for the server's continuation
// request before each synchronizing literal.
func (d *Dialer) writeCommand(tag []byte, command string) error {
	c := string(tag) + " " + command + nl
	for {
		loc := commandLiteral.FindStringSubmatchIndex(c)
		if loc == nil {
			return d.write([]byte(c))
		}
		n, err := strconv.Atoi(c[loc[2]:loc[3]])
		if err != nil {
			return err
		}
		if err := d.write([]byte(c[:loc[1]])); err != nil {
			return err
		}
		if err := d.waitContinuation(tag); err != nil {
			return err
		}
		rest := c[loc[1]:]
		if n > len(rest) {
			return fmt.Errorf("imap: literal of %d bytes truncated to %d", n, len(rest))
		}
		if err := d.write([]byte(rest[:n])); err != nil {
			return err
		}
		c = rest[n:]
	}
}

// waitContinuation reads until a "+" line. A tagged reply means the server
// refused the literal.
func (d *Dialer) waitContinuation(tag []byte) error {
	for {
		line, err := d.r.ReadBytes('\n')
		if err != nil {
			return err
		}
		debugLog(d.ConnNum, d.Folder, "server response", "response", string(dropNl(line)))
		switch {
		case bytes.HasPrefix(line, []byte("+")):
			return nil
		case bytes.HasPrefix(line, tag):
			return parseTagged(line, tag)
		case bytes.HasPrefix(bytes.ToUpper(line), []byte("* BYE")):
			d.closeConn()
			return mailkit.WrapError(mailkit.KindNetwork, string(dropNl(line)), errBye)
		}
	}
}

// parseTagged turns a tagged status line into nil or a CommandError.
func parseTagged(line, tag []byte) error {
	rest := strings.TrimSpace(string(dropNl(line[len(tag):])))
	status, text, _ := strings.Cut(rest, " ")
	if strings.EqualFold(status, "OK") {
		return nil
	}
	return &CommandError{Status: strings.ToUpper(status), Text: text}
}

// readLine reads one response line including any literals it announces.
func (d *Dialer) readLine() (line []byte, err error) {
	line, err = d.r.ReadBytes('\n')
	if err != nil {
		return line, err
	}
	for {
		a := literalRE.Find(dropNl(line))
		if a == nil {
			return line, nil
		}
		var n int
		n, err = strconv.Atoi(string(a[1 : len(a)-1]))
		if err != nil {
			return line, err
		}

		buf := make([]byte, n)
		if _, err = io.ReadFull(d.r, buf); err != nil {
			return line, err
		}
		line = append(line, buf...)

		buf, err = d.r.ReadBytes('\n')
		if err != nil {
			return line, err
		}
		line = append(line, buf...)
	}
}

// Exec executes an IMAP command with retry logic and response building.
// Network failures close the connection and are retried after a reconnect;
// a tagged NO or BAD is returned immediately as a *CommandError.
func (d *Dialer) Exec(command string, buildResponse bool, retryCount int, processLine func(line []byte) error) (response string, err error) {
	if d.Connected && time.Since(d.lastUsed) > ProtocolTimeout {
		warnLog(d.ConnNum, d.Folder, "connection unused for too long, reconnecting", "idle", time.Since(d.lastUsed).Round(time.Second))
		_ = d.Close()
	}
	if !d.Connected {
		if err := d.Reconnect(); err != nil {
			return "", err
		}
	}

	var resp strings.Builder
	var cmdErr, reconnErr error
	err = retry.Retry(func() (err error) {
		if reconnErr != nil {
			return &retry.PermFail{Err: reconnErr}
		}
		tag := newTag()
		cmdErr = nil

		if CommandTimeout != 0 && command != "IDLE" {
			_ = d.conn.SetDeadline(time.Now().Add(CommandTimeout))
			defer func() {
				if d.conn != nil {
					_ = d.conn.SetDeadline(time.Time{})
				}
			}()
		}

		if Verbose {
			debugLog(d.ConnNum, d.Folder, "sending command", "command", d.sanitize(command))
		}

		if err = d.writeCommand(tag, command); err != nil {
			var ce *CommandError
			if errors.As(err, &ce) {
				cmdErr = err
				return nil
			}
			return err
		}
		d.lastUsed = time.Now()

		if buildResponse {
			resp = strings.Builder{}
		}
		var line []byte
		for {
			line, err = d.readLine()
			if err != nil {
				return err
			}

			if Verbose && !SkipResponses {
				debugLog(d.ConnNum, d.Folder, "server response", "response", string(dropNl(line)))
			}

			// XID tags are 20 uppercase base32hex characters (0-9, A-V).
			taglen := len(tag)
			if len(line) > taglen && bytes.Equal(line[:taglen], tag) && line[taglen] == ' ' {
				d.lastTagged = string(dropNl(line))
				cmdErr = parseTagged(line, tag)
				return nil
			}

			if bytes.HasPrefix(bytes.ToUpper(line), []byte("* BYE")) && command != "LOGOUT" {
				d.closeConn()
				return mailkit.WrapError(mailkit.KindNetwork, string(dropNl(line)), errBye)
			}

			if processLine != nil {
				if err = processLine(line); err != nil {
					return err
				}
			}
			if buildResponse {
				resp.Write(line)
			}
		}
	}, retryCount, func(err error) error {
		if Verbose {
			warnLog(d.ConnNum, d.Folder, "command failed, closing connection", "error", err)
		}
		_ = d.Close()
		return nil
	}, func() error {
		reconnErr = d.Reconnect()
		return nil
	})
	if err != nil {
		errorLog(d.ConnNum, d.Folder, "command retries exhausted", "error", err)
		if mailkit.KindOf(err) == mailkit.KindNone {
			err = mailkit.WrapError(mailkit.KindNetwork, "imap "+firstWord(command), err)
		}
		return "", err
	}
	if cmdErr != nil {
		return "", cmdErr
	}

	if buildResponse {
		if resp.Len() != 0 {
			return resp.String(), nil
		}
		return "", nil
	}
	return response, nil
}

func firstWord(command string) string {
	w, _, _ := strings.Cut(command, " ")
	if strings.EqualFold(w, "UID") {
		w2, _, _ := strings.Cut(strings.TrimPrefix(command, w+" "), " ")
		return w + " " + w2
	}
	return w
}
