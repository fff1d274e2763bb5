// Package smtp submits finished messages to an SMTP server.
//
// Connecting is retried like the IMAP client does; authentication and
// protocol errors are not.
package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	retry "github.com/StirlingMarketingGroup/go-retry"
	"github.com/emersion/go-sasl"
	"github.com/sqs/go-xoauth2"

	"github.com/BrianLeishman/mailkit"
	"github.com/BrianLeishman/mailkit/compose"
)

const component = "mailkit/smtp"

func init() {
	mailkit.RegisterFeature("smtp")
}

// RetryCount is how many times a failed connection is retried.
var RetryCount = 3

// Security selects how the connection is protected.
type Security string

const (
	// SecurityAuto uses implicit TLS on port 465 and STARTTLS elsewhere.
	SecurityAuto     Security = "auto"
	SecurityTLS      Security = "tls"
	SecurityStartTLS Security = "starttls"
	SecurityNone     Security = "none"
)

// AuthMethod selects the SASL mechanism.
type AuthMethod string

const (
	AuthNone    AuthMethod = "none"
	AuthPlain   AuthMethod = "plain"
	AuthLogin   AuthMethod = "login"
	AuthXOAuth2 AuthMethod = "xoauth2"
)

// ServerConf describes a submission server.
type ServerConf struct {
	Hostname string
	Port     int
	Security Security
	Auth     AuthMethod
	Username string
	// Password is the access token for AuthXOAuth2.
	Password string
	// EnvelopeFrom overrides the MAIL FROM address, which defaults to the
	// From header.
	EnvelopeFrom             string
	DangerAcceptInvalidCerts bool
	Timeout                  time.Duration
	// LocalName is sent with EHLO; "localhost" when empty.
	LocalName string
}

func (c ServerConf) security() Security {
	switch Security(strings.ToLower(string(c.Security))) {
	case SecurityTLS, SecurityStartTLS, SecurityNone:
		return Security(strings.ToLower(string(c.Security)))
	}
	if c.Port == 465 {
		return SecurityTLS
	}
	return SecurityStartTLS
}

func (c ServerConf) port() int {
	if c.Port != 0 {
		return c.Port
	}
	if c.security() == SecurityTLS {
		return 465
	}
	return 587
}

func (c ServerConf) addr() string {
	return net.JoinHostPort(c.Hostname, strconv.Itoa(c.port()))
}

// ConfFromSettings reads the smtp_* keys of an account.
func ConfFromSettings(s *mailkit.AccountSettings) (ServerConf, error) {
	host, err := s.Require("smtp_hostname")
	if err != nil {
		return ServerConf{}, err
	}
	port, err := s.GetInt("smtp_port", 0)
	if err != nil {
		return ServerConf{}, err
	}
	insecure, err := s.GetBool("smtp_danger_accept_invalid_certs", false)
	if err != nil {
		return ServerConf{}, err
	}
	timeout, err := s.GetInt("smtp_timeout", 30)
	if err != nil {
		return ServerConf{}, err
	}
	conf := ServerConf{
		Hostname:                 host,
		Port:                     port,
		Security:                 Security(s.GetString("smtp_security", string(SecurityAuto))),
		Auth:                     AuthMethod(strings.ToLower(s.GetString("smtp_auth", string(AuthPlain)))),
		Username:                 s.GetString("smtp_username", s.GetString("server_username", "")),
		Password:                 s.GetString("smtp_password", s.GetString("server_password", "")),
		EnvelopeFrom:             s.GetString("smtp_envelope_from", ""),
		DangerAcceptInvalidCerts: insecure,
		Timeout:                  time.Duration(timeout) * time.Second,
	}
	switch conf.Auth {
	case AuthNone, AuthPlain, AuthLogin, AuthXOAuth2:
	default:
		return ServerConf{}, mailkit.Errorf(mailkit.KindConfiguration, "smtp_auth: unknown method %q", conf.Auth)
	}
	return conf, nil
}

// saslAuth adapts a go-sasl client to net/smtp.
type saslAuth struct {
	client sasl.Client
}

func (a saslAuth) Start(*smtp.ServerInfo) (string, []byte, error) {
	return a.client.Start()
}

func (a saslAuth) Next(fromServer []byte, more bool) ([]byte, error) {
	if !more {
		return nil, nil
	}
	return a.client.Next(fromServer)
}

// xoauth2Auth sends the XOAUTH2 initial response. A challenge means the
// token was refused; the empty reply lets the server finish with an error.
type xoauth2Auth struct {
	username, token string
}

func (a xoauth2Auth) Start(*smtp.ServerInfo) (string, []byte, error) {
	return "XOAUTH2", []byte(xoauth2.OAuth2String(a.username, a.token)), nil
}

func (a xoauth2Auth) Next(fromServer []byte, more bool) ([]byte, error) {
	if more {
		return []byte{}, nil
	}
	return nil, nil
}

func (c ServerConf) auth() smtp.Auth {
	switch c.Auth {
	case AuthPlain:
		return saslAuth{sasl.NewPlainClient("", c.Username, c.Password)}
	case AuthLogin:
		return saslAuth{sasl.NewLoginClient(c.Username, c.Password)}
	case AuthXOAuth2:
		return xoauth2Auth{c.Username, c.Password}
	}
	return nil
}

func (c ServerConf) tlsConfig() *tls.Config {
	return &tls.Config{
		ServerName:         c.Hostname,
		InsecureSkipVerify: c.DangerAcceptInvalidCerts,
	}
}

func (c ServerConf) dial(ctx context.Context) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: c.Timeout}
	if c.security() == SecurityTLS {
		td := &tls.Dialer{NetDialer: dialer, Config: c.tlsConfig()}
		return td.DialContext(ctx, "tcp", c.addr())
	}
	return dialer.DialContext(ctx, "tcp", c.addr())
}

// Submit sends raw to conf. Without explicit rcpts the recipients are read
// from the To, Cc and Bcc headers. The Bcc header itself is never sent.
func Submit(ctx context.Context, conf ServerConf, raw []byte, rcpts ...string) error {
	log := mailkit.ComponentLogger(component).WithAttrs("host", conf.Hostname)

	draft, err := compose.Parse(string(raw))
	if err != nil {
		return err
	}
	if len(rcpts) == 0 {
		if rcpts, err = draft.Recipients(); err != nil {
			return err
		}
	}
	if len(rcpts) == 0 {
		return mailkit.Errorf(mailkit.KindValue, "message has no recipients")
	}
	from := conf.EnvelopeFrom
	if from == "" {
		addr, err := mailkit.ParseAddress(draft.Get("From"))
		if err != nil {
			return mailkit.Errorf(mailkit.KindValue, "no envelope sender: %w", err)
		}
		from = addr.Email
	}

	var conn net.Conn
	err = retry.Retry(func() error {
		if err := ctx.Err(); err != nil {
			return &retry.PermFail{Err: err}
		}
		var err error
		conn, err = conf.dial(ctx)
		return err
	}, RetryCount, func(err error) error {
		log.Warn("could not connect, retrying shortly", "error", err)
		return nil
	}, nil)
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return mailkit.WrapError(mailkit.KindTimeout, "could not connect to "+conf.addr(), err)
	}
	if err != nil {
		return mailkit.WrapError(mailkit.KindNetwork, "could not connect to "+conf.addr(), err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else if conf.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(conf.Timeout))
	}

	c, err := smtp.NewClient(conn, conf.Hostname)
	if err != nil {
		_ = conn.Close()
		return classify("greeting", err)
	}
	defer c.Close()

	if err := send(c, conf, from, rcpts, compose.WithoutBcc(raw)); err != nil {
		return err
	}
	log.Info("message submitted", "from", from, "recipients", len(rcpts), "size", len(raw))
	return nil
}

func send(c *smtp.Client, conf ServerConf, from string, rcpts []string, raw []byte) error {
	local := conf.LocalName
	if local == "" {
		local = "localhost"
	}
	if err := c.Hello(local); err != nil {
		return classify("EHLO", err)
	}

	if conf.security() == SecurityStartTLS {
		if ok, _ := c.Extension("STARTTLS"); !ok {
			return mailkit.Errorf(mailkit.KindNotSupported, "server %s does not offer STARTTLS", conf.Hostname)
		}
		if err := c.StartTLS(conf.tlsConfig()); err != nil {
			return classify("STARTTLS", err)
		}
	}

	if a := conf.auth(); a != nil {
		if ok, _ := c.Extension("AUTH"); !ok {
			return mailkit.Errorf(mailkit.KindNotSupported, "server %s does not offer AUTH", conf.Hostname)
		}
		if err := c.Auth(a); err != nil {
			return mailkit.WrapError(mailkit.KindAuthentication, "authentication failed", err)
		}
	}

	if err := c.Mail(from); err != nil {
		return classify("MAIL FROM", err)
	}
	for _, r := range rcpts {
		if err := c.Rcpt(r); err != nil {
			return classify("RCPT TO "+r, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return classify("DATA", err)
	}
	if _, err := w.Write(raw); err != nil {
		return classify("DATA", err)
	}
	if err := w.Close(); err != nil {
		return classify("DATA", err)
	}
	return classify("QUIT", c.Quit())
}

// classify maps SMTP replies to error kinds: 5xx is a rejection by the
// server, anything else is a network problem.
func classify(step string, err error) error {
	if err == nil {
		return nil
	}
	var perr *textproto.Error
	if errors.As(err, &perr) {
		kind := mailkit.KindExternal
		if perr.Code == 535 || perr.Code == 534 || perr.Code == 530 {
			kind = mailkit.KindAuthentication
		}
		return mailkit.WrapError(kind, fmt.Sprintf("%s rejected", step), err)
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return mailkit.WrapError(mailkit.KindTimeout, step, err)
	}
	return mailkit.WrapError(mailkit.KindNetwork, step, err)
}
