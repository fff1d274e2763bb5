//go:build integration

package imap

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/BrianLeishman/mailkit"
	"github.com/BrianLeishman/mailkit/query"
)

// Integration tests require a running IMAP server.
// Start GreenMail with:
//
//	docker run -d -p 3025:3025 -p 3143:3143 -p 3993:3993 greenmail/standalone
//
// Run tests with: go test -tags=integration -v ./...
//
// Note: These tests modify the global TLSSkipVerify variable and use a mutex
// to prevent race conditions. Do not run with t.Parallel() at the top level.

const (
	testIMAPHost = "localhost"
	testIMAPPort = 3143
	testSMTPHost = "localhost"
	testSMTPPort = 3025
	testUser     = "testuser@localhost"
	testPass     = "testpass"
)

// tlsSkipVerifyMu protects access to the global TLSSkipVerify variable
// to prevent race conditions when tests run concurrently.
var tlsSkipVerifyMu sync.Mutex

func getTestConfig() (host string, imapPort, smtpPort int) {
	host = testIMAPHost
	imapPort = testIMAPPort
	smtpPort = testSMTPPort

	if h := os.Getenv("IMAP_TEST_HOST"); h != "" {
		host = h
	}
	return host, imapPort, smtpPort
}

func waitForServer(host string, port int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", host, port), time.Second)
		if err == nil {
			conn.Close()
			return nil
		}
		time.Sleep(500 * time.Millisecond)
	}
	return fmt.Errorf("server %s:%d not ready after %v", host, port, timeout)
}

func sendTestEmail(host string, port int, from, to, subject, body string) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s", from, to, subject, body)
	return smtp.SendMail(addr, nil, from, []string{to}, []byte(msg))
}

func setupTestConnection(t *testing.T) *Dialer {
	t.Helper()

	host, imapPort, smtpPort := getTestConfig()

	// Wait for servers to be ready
	if err := waitForServer(host, imapPort, 30*time.Second); err != nil {
		t.Skipf("IMAP server not available: %v (start GreenMail)", err)
	}
	if err := waitForServer(host, smtpPort, 30*time.Second); err != nil {
		t.Skipf("SMTP server not available: %v (start GreenMail)", err)
	}

	// GreenMail uses non-TLS on port 3143, so we need to connect without TLS
	// For now, let's use the TLS port with skip verify
	tlsSkipVerifyMu.Lock()
	oldSkipVerify := TLSSkipVerify
	TLSSkipVerify = true
	t.Cleanup(func() {
		TLSSkipVerify = oldSkipVerify
		tlsSkipVerifyMu.Unlock()
	})

	// GreenMail creates users on first login attempt
	// Try connecting to the IMAPS port (3993)
	conn, err := New(testUser, testPass, host, 3993)
	if err != nil {
		// If TLS fails, try a plain connection approach
		t.Skipf("Could not connect to IMAP server: %v", err)
	}

	t.Cleanup(func() {
		if conn != nil {
			conn.Close()
		}
	})

	return conn
}

func integrationBackend(t *testing.T) *Backend {
	t.Helper()
	host, _, _ := getTestConfig()
	b, err := NewBackend(mailkit.AccountSettings{
		Name:   "integration",
		Format: "imap",
		Extra: map[string]string{
			"server_hostname":             host,
			"server_port":                 "3993",
			"server_username":             testUser,
			"server_password":             testPass,
			"danger_accept_invalid_certs": "true",
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestIntegration_SearchAndFetch(t *testing.T) {
	conn := setupTestConnection(t)

	host, _, smtpPort := getTestConfig()

	numEmails := 15
	for i := 1; i <= numEmails; i++ {
		subject := fmt.Sprintf("Test Email %d", i)
		body := fmt.Sprintf("This is test email number %d", i)
		if err := sendTestEmail(host, smtpPort, "sender@localhost", testUser, subject, body); err != nil {
			t.Fatalf("Failed to send test email %d: %v", i, err)
		}
		time.Sleep(100 * time.Millisecond)
	}

	// Give server time to process
	time.Sleep(500 * time.Millisecond)

	if err := conn.SelectFolder("INBOX"); err != nil {
		t.Fatalf("Failed to select INBOX: %v", err)
	}

	t.Run("SearchUIDs ALL returns ascending UIDs", func(t *testing.T) {
		uids, err := conn.SearchUIDs("ALL")
		if err != nil {
			t.Fatalf("SearchUIDs(ALL) failed: %v", err)
		}
		if len(uids) < numEmails {
			t.Errorf("Expected at least %d UIDs, got %d", numEmails, len(uids))
		}
		for i := 1; i < len(uids); i++ {
			if uids[i] <= uids[i-1] {
				t.Errorf("UIDs not in ascending order: %v", uids)
				break
			}
		}
	})

	t.Run("FetchHeaders batches", func(t *testing.T) {
		old := FetchBatchSize
		FetchBatchSize = 4
		defer func() { FetchBatchSize = old }()

		uids, err := conn.SearchUIDs("ALL")
		if err != nil {
			t.Fatal(err)
		}
		var batches, total int
		err = conn.FetchHeaders(uids, func(recs []FetchRecord) error {
			batches++
			total += len(recs)
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
		if total != len(uids) || batches != (len(uids)+3)/4 {
			t.Errorf("fetched %d records in %d batches for %d UIDs", total, batches, len(uids))
		}
	})

	t.Run("Backend fetch and search", func(t *testing.T) {
		b := integrationBackend(t)
		ctx := context.Background()
		mailboxes, err := b.Mailboxes(ctx)
		if err != nil {
			t.Fatal(err)
		}
		inbox, ok := mailkit.FindMailbox(mailboxes, "INBOX")
		if !ok {
			t.Fatal("no INBOX")
		}
		subjects := make(map[string]mailkit.EnvelopeHash)
		err = b.Fetch(ctx, inbox.Hash, func(envs []*mailkit.Envelope) error {
			for _, e := range envs {
				subjects[e.Subject] = e.Hash
			}
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
		h, ok := subjects["Test Email 7"]
		if !ok {
			t.Fatalf("Test Email 7 not fetched")
		}
		hits, err := b.Search(ctx, query.Subject("Test Email 7"), inbox.Hash)
		if err != nil {
			t.Fatal(err)
		}
		found := false
		for _, hit := range hits {
			found = found || hit == h
		}
		if !found {
			t.Errorf("search hits %v do not include %v", hits, h)
		}
	})
}

func TestIntegration_Connection(t *testing.T) {
	host, imapPort, _ := getTestConfig()

	if err := waitForServer(host, imapPort, 10*time.Second); err != nil {
		t.Skipf("IMAP server not available: %v", err)
	}

	tlsSkipVerifyMu.Lock()
	oldSkipVerify := TLSSkipVerify
	TLSSkipVerify = true
	defer func() {
		TLSSkipVerify = oldSkipVerify
		tlsSkipVerifyMu.Unlock()
	}()

	t.Run("Connect and authenticate", func(t *testing.T) {
		conn, err := New(testUser, testPass, host, 3993)
		if err != nil {
			t.Fatalf("Failed to connect: %v", err)
		}
		defer conn.Logout()

		folders, err := conn.GetFolders()
		if err != nil {
			t.Fatalf("Failed to get folders: %v", err)
		}

		if len(folders) == 0 {
			t.Error("Expected at least one folder")
		}
	})
}
