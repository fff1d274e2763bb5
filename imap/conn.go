package imap

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	retry "github.com/StirlingMarketingGroup/go-retry"
	"github.com/mjl-/flate"

	"github.com/BrianLeishman/mailkit"
)

var (
	nextConnNum      = 0
	nextConnNumMutex = sync.Mutex{}
)

func takeConnNum() int {
	nextConnNumMutex.Lock()
	defer nextConnNumMutex.Unlock()
	n := nextConnNum
	nextConnNum++
	return n
}

// Security selects how the transport is protected.
type Security uint8

const (
	// SecurityTLS connects with implicit TLS (port 993).
	SecurityTLS Security = iota
	// SecurityStartTLS connects in plain text and upgrades with STARTTLS.
	SecurityStartTLS
	// SecurityNone never encrypts. Only for tests and local servers.
	SecurityNone
)

// Options describes how to reach and log into a server.
type Options struct {
	Host     string
	Port     int
	Username string
	// Password is the account password, or the access token with OAuth2.
	Password string
	Security Security
	// OAuth2 authenticates with AUTHENTICATE XOAUTH2 instead of LOGIN.
	OAuth2 bool
	// Compress asks for COMPRESS=DEFLATE when the server offers it.
	Compress bool
	// Condstore enables CONDSTORE when the server offers it.
	Condstore bool
	// TLSConfig overrides the default TLS settings.
	TLSConfig *tls.Config
}

// Dialer represents an IMAP connection
type Dialer struct {
	conn      net.Conn
	r         *bufio.Reader
	fw        *flate.Writer
	writeMu   sync.Mutex
	Folder    string
	ReadOnly  bool
	Username  string
	Password  string
	Host      string
	Port      int
	Connected bool
	ConnNum   int

	// Capabilities holds the upper-cased capabilities last advertised.
	Capabilities map[string]bool
	// Enabled holds extensions turned on with ENABLE.
	Enabled map[string]bool
	// Compressed reports whether COMPRESS=DEFLATE is active.
	Compressed bool
	// Selected describes the mailbox opened by the last SELECT or EXAMINE.
	Selected SelectInfo

	opts       Options
	lastUsed   time.Time
	lastTagged string
	state      int
	stateMu    sync.Mutex
	idleQuit   chan struct{}
	idleExit   chan struct{}
	idleStop   chan struct{}
}

func (o Options) tlsConfig() *tls.Config {
	if o.TLSConfig != nil {
		return o.TLSConfig.Clone()
	}
	return &tls.Config{ServerName: o.Host, InsecureSkipVerify: TLSSkipVerify}
}

// dialHost opens the transport described by opts
func dialHost(opts Options) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: DialTimeout}
	addr := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	if opts.Security == SecurityTLS {
		conn, err := tls.DialWithDialer(dialer, "tcp", addr, opts.tlsConfig())
		if err != nil && strings.Contains(err.Error(), "first record does not look like a TLS handshake") {
			return nil, fmt.Errorf("%w (the server may expect STARTTLS on this port)", err)
		}
		return conn, err
	}
	return dialer.Dial("tcp", addr)
}

// NewWithOAuth2 creates a new IMAP connection over TLS using OAuth2 authentication
func NewWithOAuth2(username string, accessToken string, host string, port int) (d *Dialer, err error) {
	return Dial(Options{Host: host, Port: port, Username: username, Password: accessToken, OAuth2: true})
}

// New creates a new IMAP connection over TLS using username/password authentication
func New(username string, password string, host string, port int) (d *Dialer, err error) {
	return Dial(Options{Host: host, Port: port, Username: username, Password: password})
}

// Dial connects, negotiates capabilities and logs in. Establishing the
// connection is retried; authentication failures are not.
func Dial(opts Options) (d *Dialer, err error) {
	d = &Dialer{
		Username: opts.Username,
		Password: opts.Password,
		Host:     opts.Host,
		Port:     opts.Port,
		ConnNum:  takeConnNum(),
		opts:     opts,
	}

	err = retry.Retry(func() error {
		debugLog(d.ConnNum, "", "establishing connection", "host", opts.Host, "port", opts.Port)
		if err := d.connect(); err != nil {
			debugLog(d.ConnNum, "", "failed to connect", "error", err)
			return err
		}
		return nil
	}, RetryCount, func(err error) error {
		debugLog(d.ConnNum, "", "failed to connect, retrying shortly", "error", err)
		d.closeConn()
		return nil
	}, func() error {
		debugLog(d.ConnNum, "", "retrying connection now")
		return nil
	})
	if err != nil {
		d.closeConn()
		errorLog(d.ConnNum, "", "failed to establish connection", "error", err)
		return nil, mailkit.WrapError(mailkit.KindNetwork, "could not connect to "+opts.Host, err)
	}

	if err = d.login(); err != nil {
		debugLog(d.ConnNum, "", "authentication failed", "error", err)
		_ = d.Close()
		return nil, err
	}
	return d, nil
}

// connect opens the transport, reads the greeting and upgrades with
// STARTTLS when asked to.
func (d *Dialer) connect() error {
	conn, err := dialHost(d.opts)
	if err != nil {
		return err
	}
	d.conn = conn
	d.r = bufio.NewReader(conn)
	d.fw = nil
	d.Compressed = false
	d.Capabilities = nil
	d.Enabled = nil
	d.Connected = true
	d.lastUsed = time.Now()
	d.setState(StateConnected)

	if err := d.readGreeting(); err != nil {
		return err
	}

	if d.opts.Security == SecurityStartTLS {
		if err := d.startTLS(); err != nil {
			return err
		}
	}
	if d.Capabilities == nil {
		if err := d.Capability(); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dialer) readGreeting() error {
	if DialTimeout != 0 {
		_ = d.conn.SetReadDeadline(time.Now().Add(DialTimeout))
		defer func() { _ = d.conn.SetReadDeadline(time.Time{}) }()
	}
	line, err := d.r.ReadString('\n')
	if err != nil {
		return fmt.Errorf("imap greeting: %w", err)
	}
	debugLog(d.ConnNum, "", "server greeting", "response", strings.TrimSpace(line))
	upper := strings.ToUpper(line)
	switch {
	case strings.HasPrefix(upper, "* OK"), strings.HasPrefix(upper, "* PREAUTH"):
	case strings.HasPrefix(upper, "* BYE"):
		return mailkit.Errorf(mailkit.KindNetwork, "server refused connection: %s", strings.TrimSpace(line))
	default:
		return fmt.Errorf("imap greeting: unexpected %q", strings.TrimSpace(line))
	}
	if caps := parseCapabilities(line); caps != nil {
		d.Capabilities = caps
	}
	return nil
}

func (d *Dialer) startTLS() error {
	if !d.Capabilities["STARTTLS"] && d.Capabilities != nil {
		return mailkit.Errorf(mailkit.KindConfiguration, "server %s does not offer STARTTLS", d.Host)
	}
	if _, err := d.Exec("STARTTLS", false, 0, nil); err != nil {
		if d.Port == 993 {
			return fmt.Errorf("STARTTLS failed, port 993 normally uses implicit TLS: %w", err)
		}
		return fmt.Errorf("STARTTLS failed, is the connection already encrypted? %w", err)
	}
	tc := tls.Client(d.conn, d.opts.tlsConfig())
	if err := tc.Handshake(); err != nil {
		return fmt.Errorf("STARTTLS handshake: %w", err)
	}
	d.conn = tc
	d.r = bufio.NewReader(tc)
	// Capabilities learned before TLS must be discarded.
	d.Capabilities = nil
	return nil
}

// parseCapabilities extracts capabilities from a CAPABILITY response or a
// [CAPABILITY ...] response code. It returns nil if line has neither.
func parseCapabilities(line string) map[string]bool {
	line = strings.TrimSpace(line)
	upper := strings.ToUpper(line)
	var list string
	if i := strings.Index(upper, "[CAPABILITY "); i != -1 {
		list = line[i+len("[CAPABILITY "):]
		if j := strings.IndexByte(list, ']'); j != -1 {
			list = list[:j]
		}
	} else if strings.HasPrefix(upper, "* CAPABILITY ") {
		list = line[len("* CAPABILITY "):]
	} else {
		return nil
	}
	caps := make(map[string]bool)
	for _, c := range strings.Fields(list) {
		caps[strings.ToUpper(c)] = true
	}
	return caps
}

// Capability asks the server for its capabilities.
func (d *Dialer) Capability() error {
	var caps map[string]bool
	_, err := d.Exec("CAPABILITY", false, 0, func(line []byte) error {
		if c := parseCapabilities(string(line)); c != nil {
			caps = c
		}
		return nil
	})
	if err != nil {
		return err
	}
	if caps == nil {
		return fmt.Errorf("imap: server sent no CAPABILITY response")
	}
	d.Capabilities = caps
	return nil
}

// HasCapability reports whether the server advertised c.
func (d *Dialer) HasCapability(c string) bool {
	return d.Capabilities[strings.ToUpper(c)]
}

// CapabilityList returns the advertised capabilities, sorted.
func (d *Dialer) CapabilityList() []string {
	out := make([]string, 0, len(d.Capabilities))
	for c := range d.Capabilities {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// checkCapabilities rejects servers we cannot log into before sending
// credentials.
func (d *Dialer) checkCapabilities() error {
	if !d.Capabilities["IMAP4REV1"] && !d.Capabilities["IMAP4REV2"] {
		return mailkit.Errorf(mailkit.KindNotSupported, "server %s is not IMAP4rev1 compliant (capabilities: %s)",
			d.Host, strings.Join(d.CapabilityList(), " "))
	}
	if d.opts.OAuth2 {
		if !d.Capabilities["AUTH=XOAUTH2"] {
			return mailkit.Errorf(mailkit.KindAuthentication, "server %s does not support XOAUTH2 (capabilities: %s)",
				d.Host, strings.Join(d.CapabilityList(), " "))
		}
		return nil
	}
	if d.Capabilities["LOGINDISABLED"] {
		return mailkit.Errorf(mailkit.KindAuthentication, "server %s does not accept logins [LOGINDISABLED]", d.Host)
	}
	return nil
}

// login authenticates and negotiates the post-login extensions.
func (d *Dialer) login() error {
	if err := d.checkCapabilities(); err != nil {
		return err
	}
	var err error
	if d.opts.OAuth2 {
		err = d.Authenticate(d.Username, d.Password)
	} else {
		err = d.Login(d.Username, d.Password)
	}
	if err != nil {
		return mailkit.WrapError(mailkit.KindAuthentication, "could not log in to "+d.Host, err)
	}

	// Servers are not required to send capabilities after login.
	if caps := parseCapabilities(d.lastTagged); caps != nil {
		d.Capabilities = caps
	} else if err := d.Capability(); err != nil {
		return err
	}

	if d.opts.Condstore && d.Capabilities["CONDSTORE"] && d.Capabilities["ENABLE"] {
		if err := d.Enable("CONDSTORE"); err != nil {
			warnLog(d.ConnNum, "", "could not enable CONDSTORE", "error", err)
		}
	}
	if d.opts.Compress && d.Capabilities["COMPRESS=DEFLATE"] {
		if err := d.compress(); err != nil {
			return err
		}
	}
	return nil
}

// Enable turns on extensions with the ENABLE command.
func (d *Dialer) Enable(exts ...string) error {
	enabled := make(map[string]bool)
	_, err := d.Exec("ENABLE "+strings.Join(exts, " "), false, 0, func(line []byte) error {
		fields := strings.Fields(strings.ToUpper(string(dropNl(line))))
		if len(fields) >= 2 && fields[0] == "*" && fields[1] == "ENABLED" {
			for _, f := range fields[2:] {
				enabled[f] = true
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	d.Enabled = enabled
	return nil
}

// Condstore reports whether CONDSTORE is usable on this connection.
func (d *Dialer) Condstore() bool {
	return d.Enabled["CONDSTORE"]
}

// compress switches the connection to COMPRESS=DEFLATE. A refusal from the
// server is logged and the connection stays uncompressed.
func (d *Dialer) compress() error {
	if d.Compressed {
		return nil
	}
	if _, err := d.Exec("COMPRESS DEFLATE", false, 0, nil); err != nil {
		warnLog(d.ConnNum, "", "could not use COMPRESS=DEFLATE", "error", err)
		return nil
	}
	fw, err := flate.NewWriter(d.conn, flate.DefaultCompression)
	if err != nil {
		return err
	}
	var src io.Reader = d.conn
	if n := d.r.Buffered(); n > 0 {
		buf, _ := d.r.Peek(n)
		src = io.MultiReader(bytes.NewReader(append([]byte(nil), buf...)), d.conn)
	}
	d.r = bufio.NewReader(flate.NewReaderPartial(src))
	d.fw = fw
	d.Compressed = true
	debugLog(d.ConnNum, "", "compression enabled")
	return nil
}

// write sends raw bytes, flushing the compressor if one is active.
func (d *Dialer) write(b []byte) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if d.conn == nil {
		return mailkit.Errorf(mailkit.KindNetwork, "imap: not connected")
	}
	if d.fw != nil {
		if _, err := d.fw.Write(b); err != nil {
			return err
		}
		return d.fw.Flush()
	}
	_, err := d.conn.Write(b)
	return err
}

func (d *Dialer) closeConn() {
	if d.conn != nil {
		_ = d.conn.Close()
	}
	d.Connected = false
	d.setState(StateDisconnected)
}

// Close closes the IMAP connection
func (d *Dialer) Close() (err error) {
	if d.Connected {
		debugLog(d.ConnNum, d.Folder, "closing connection")
		err = d.conn.Close()
		d.Connected = false
		d.setState(StateDisconnected)
		if err != nil {
			return fmt.Errorf("imap close: %w", err)
		}
	}
	return nil
}

// Logout ends the session politely and closes the connection.
func (d *Dialer) Logout() error {
	if d.Connected {
		_, _ = d.Exec("LOGOUT", false, 0, nil)
	}
	return d.Close()
}

// Reconnect closes and reopens the IMAP connection with re-authentication
func (d *Dialer) Reconnect() (err error) {
	_ = d.Close()
	debugLog(d.ConnNum, d.Folder, "reopening connection")

	if err = d.connect(); err != nil {
		d.closeConn()
		return mailkit.WrapError(mailkit.KindNetwork, "imap reconnect", err)
	}
	if err = d.login(); err != nil {
		d.closeConn()
		return fmt.Errorf("imap reconnect: %w", err)
	}

	// Restore selected folder state if any
	if d.Folder != "" {
		if d.ReadOnly {
			if err := d.ExamineFolder(d.Folder); err != nil {
				return fmt.Errorf("imap reconnect examine: %w", err)
			}
		} else {
			if err := d.SelectFolder(d.Folder); err != nil {
				return fmt.Errorf("imap reconnect select: %w", err)
			}
		}
	}
	return nil
}

// Noop checks that the connection is alive, reconnecting if it is not.
func (d *Dialer) Noop() error {
	_, err := d.Exec("NOOP", false, RetryCount, nil)
	return err
}
