package smtp

import (
	"context"
	"encoding/base64"
	"errors"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BrianLeishman/mailkit"
)

// fakeServer is a scripted SMTP server that records what it receives.
type fakeServer struct {
	ln       net.Listener
	password string
	extra    string

	mu    sync.Mutex
	from  string
	rcpts []string
	data  string
	auth  []string
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := &fakeServer{ln: ln, password: "secret"}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.serve(conn)
		}
	}()
	return s
}

func (s *fakeServer) conf() ServerConf {
	addr := s.ln.Addr().(*net.TCPAddr)
	return ServerConf{
		Hostname: "127.0.0.1",
		Port:     addr.Port,
		Security: SecurityNone,
		Auth:     AuthPlain,
		Username: "user",
		Password: "secret",
		Timeout:  5 * time.Second,
	}
}

func (s *fakeServer) serve(conn net.Conn) {
	defer conn.Close()
	tp := textproto.NewConn(conn)
	reply := func(line string) { _ = tp.PrintfLine("%s", line) }

	reply("220 fake ESMTP")
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return
		}
		cmd := strings.ToUpper(strings.SplitN(line, " ", 2)[0])
		switch cmd {
		case "EHLO":
			reply("250-fake")
			if s.extra != "" {
				reply("250-" + s.extra)
			}
			reply("250 AUTH PLAIN LOGIN")
		case "AUTH":
			fields := strings.Fields(line)
			s.mu.Lock()
			s.auth = append(s.auth, fields[1])
			s.mu.Unlock()
			ok := false
			switch fields[1] {
			case "PLAIN":
				ir, _ := base64.StdEncoding.DecodeString(fields[2])
				ok = string(ir) == "\x00user\x00"+s.password
			case "LOGIN":
				user, _ := base64.StdEncoding.DecodeString(fields[2])
				reply("334 UGFzc3dvcmQ6")
				l, err := tp.ReadLine()
				if err != nil {
					return
				}
				pass, _ := base64.StdEncoding.DecodeString(l)
				ok = string(user) == "user" && string(pass) == s.password
			}
			if ok {
				reply("235 2.7.0 Authentication successful")
			} else {
				reply("535 5.7.8 Authentication credentials invalid")
			}
		case "MAIL":
			s.mu.Lock()
			s.from = line
			s.mu.Unlock()
			reply("250 OK")
		case "RCPT":
			s.mu.Lock()
			s.rcpts = append(s.rcpts, line)
			s.mu.Unlock()
			reply("250 OK")
		case "DATA":
			reply("354 End data with <CR><LF>.<CR><LF>")
			b, err := tp.ReadDotBytes()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.data = string(b)
			s.mu.Unlock()
			reply("250 OK queued")
		case "QUIT":
			reply("221 bye")
			return
		default:
			reply("502 unknown command")
		}
	}
}

const testMessage = "From: Me <me@example.com>\r\n" +
	"To: a@example.com\r\n" +
	"Cc: b@example.com\r\n" +
	"Bcc: hidden@example.com\r\n" +
	"Subject: hello\r\n" +
	"\r\n" +
	"body\r\n" +
	".leading dot\r\n"

func TestSubmit(t *testing.T) {
	s := newFakeServer(t)
	if err := Submit(context.Background(), s.conf(), []byte(testMessage)); err != nil {
		t.Fatal(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.from != "MAIL FROM:<me@example.com>" && !strings.HasPrefix(s.from, "MAIL FROM:<me@example.com> ") {
		t.Errorf("from = %q", s.from)
	}
	want := []string{"RCPT TO:<a@example.com>", "RCPT TO:<b@example.com>", "RCPT TO:<hidden@example.com>"}
	if strings.Join(s.rcpts, "|") != strings.Join(want, "|") {
		t.Errorf("rcpts = %v", s.rcpts)
	}
	if strings.Contains(s.data, "hidden@example.com") {
		t.Errorf("bcc leaked: %q", s.data)
	}
	if !strings.Contains(s.data, "Subject: hello") || !strings.Contains(s.data, "\n.leading dot") {
		t.Errorf("data = %q", s.data)
	}
	if len(s.auth) != 1 || s.auth[0] != "PLAIN" {
		t.Errorf("auth = %v", s.auth)
	}
}

func TestSubmitExplicitRecipients(t *testing.T) {
	s := newFakeServer(t)
	conf := s.conf()
	conf.Auth = AuthLogin
	conf.EnvelopeFrom = "bounce@example.com"
	if err := Submit(context.Background(), conf, []byte(testMessage), "only@example.com"); err != nil {
		t.Fatal(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.rcpts) != 1 || s.rcpts[0] != "RCPT TO:<only@example.com>" {
		t.Errorf("rcpts = %v", s.rcpts)
	}
	if !strings.HasPrefix(s.from, "MAIL FROM:<bounce@example.com>") {
		t.Errorf("from = %q", s.from)
	}
	if len(s.auth) != 1 || s.auth[0] != "LOGIN" {
		t.Errorf("auth = %v", s.auth)
	}
}

func TestSubmitErrors(t *testing.T) {
	t.Run("bad password", func(t *testing.T) {
		s := newFakeServer(t)
		conf := s.conf()
		conf.Password = "wrong"
		err := Submit(context.Background(), conf, []byte(testMessage))
		if !errors.Is(err, mailkit.ErrAuthentication) {
			t.Fatalf("got %v, want an authentication error", err)
		}
	})

	t.Run("starttls not offered", func(t *testing.T) {
		s := newFakeServer(t)
		conf := s.conf()
		conf.Security = SecurityStartTLS
		err := Submit(context.Background(), conf, []byte(testMessage))
		if !errors.Is(err, mailkit.ErrNotSupported) {
			t.Fatalf("got %v, want not supported", err)
		}
	})

	t.Run("no recipients", func(t *testing.T) {
		err := Submit(context.Background(), ServerConf{Hostname: "127.0.0.1"}, []byte("From: me@example.com\r\nSubject: x\r\n\r\nbody\r\n"))
		if mailkit.KindOf(err) != mailkit.KindValue {
			t.Fatalf("got %v", err)
		}
	})

	t.Run("connection refused", func(t *testing.T) {
		old := RetryCount
		RetryCount = 1 // keep the test fast
		defer func() { RetryCount = old }()

		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatal(err)
		}
		port := ln.Addr().(*net.TCPAddr).Port
		_ = ln.Close()

		conf := ServerConf{Hostname: "127.0.0.1", Port: port, Security: SecurityNone, Auth: AuthNone, Timeout: time.Second}
		err = Submit(context.Background(), conf, []byte(testMessage))
		if !errors.Is(err, mailkit.ErrNetwork) {
			t.Fatalf("got %v, want a network error", err)
		}
	})

	t.Run("canceled", func(t *testing.T) {
		s := newFakeServer(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		start := time.Now()
		err := Submit(ctx, s.conf(), []byte(testMessage))
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("got %v, want context.Canceled", err)
		}
		if time.Since(start) > time.Second {
			t.Errorf("canceled submit was retried")
		}
	})
}

func TestConfDefaults(t *testing.T) {
	tests := []struct {
		conf     ServerConf
		security Security
		port     int
	}{
		{ServerConf{}, SecurityStartTLS, 587},
		{ServerConf{Port: 465}, SecurityTLS, 465},
		{ServerConf{Security: "TLS"}, SecurityTLS, 465},
		{ServerConf{Security: SecurityNone, Port: 25}, SecurityNone, 25},
	}
	for i, tt := range tests {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			if got := tt.conf.security(); got != tt.security {
				t.Errorf("security = %s, want %s", got, tt.security)
			}
			if got := tt.conf.port(); got != tt.port {
				t.Errorf("port = %d, want %d", got, tt.port)
			}
		})
	}
}

func TestConfFromSettings(t *testing.T) {
	s := &mailkit.AccountSettings{Name: "test", Extra: map[string]string{
		"smtp_hostname":   "smtp.example.com",
		"smtp_port":       "2525",
		"smtp_auth":       "LOGIN",
		"server_username": "me",
		"server_password": "pw",
	}}
	conf, err := ConfFromSettings(s)
	if err != nil {
		t.Fatal(err)
	}
	if conf.Hostname != "smtp.example.com" || conf.Port != 2525 || conf.Auth != AuthLogin ||
		conf.Username != "me" || conf.Password != "pw" || conf.Timeout != 30*time.Second {
		t.Errorf("conf = %+v", conf)
	}

	s.Extra["smtp_auth"] = "cram-md5"
	if _, err := ConfFromSettings(s); !errors.Is(err, mailkit.ErrConfiguration) {
		t.Errorf("got %v, want a configuration error", err)
	}

	delete(s.Extra, "smtp_hostname")
	if _, err := ConfFromSettings(s); !errors.Is(err, mailkit.ErrConfiguration) {
		t.Errorf("got %v, want a configuration error", err)
	}
}

func TestFeatureRegistered(t *testing.T) {
	if !mailkit.HasFeature("smtp") {
		t.Error("smtp feature not registered")
	}
}

func TestXOAuth2Auth(t *testing.T) {
	a := xoauth2Auth{"me@example.com", "tok"}
	mech, ir, err := a.Start(nil)
	if err != nil || mech != "XOAUTH2" {
		t.Fatalf("start = %s %v", mech, err)
	}
	if string(ir) != "user=me@example.com\x01auth=Bearer tok\x01\x01" {
		t.Errorf("initial response = %q", ir)
	}
}
