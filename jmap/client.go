package jmap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	retry "github.com/StirlingMarketingGroup/go-retry"
	json "github.com/goccy/go-json"

	"github.com/BrianLeishman/mailkit"
)

// RetryCount is how many times a request failing with a network error or a
// 5xx status is attempted.
var RetryCount = 3

// RequestTimeout bounds every HTTP request. Zero means no timeout.
var RequestTimeout = 60 * time.Second

// Client speaks JMAP over HTTP to one server.
type Client struct {
	URL      string
	Username string
	Password string
	// Token, when set, is sent as a bearer token instead of basic auth.
	Token string

	HTTP *http.Client

	log    mailkit.Logger
	callID atomic.Uint64

	mu      sync.Mutex
	session *Session
}

// NewClient returns a client for the server at serverURL. The session is
// discovered on first use.
func NewClient(serverURL, username, password string) *Client {
	return &Client{
		URL:      strings.TrimRight(serverURL, "/"),
		Username: username,
		Password: password,
		HTTP:     &http.Client{Timeout: RequestTimeout},
		log:      mailkit.ComponentLogger("mailkit/jmap"),
	}
}

// httpError is a non-2xx response.
type httpError struct {
	Status int
	Body   string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.Status, e.Body)
}

func (c *Client) authorize(req *http.Request) {
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
		return
	}
	req.SetBasicAuth(c.Username, c.Password)
}

// do sends a request, retrying transient failures, and returns the body of
// a 2xx response.
func (c *Client) do(ctx context.Context, method, u, contentType string, body []byte) ([]byte, error) {
	var out []byte
	err := retry.Retry(func() error {
		if err := ctx.Err(); err != nil {
			return &retry.PermFail{Err: err}
		}
		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, u, rd)
		if err != nil {
			return err
		}
		c.authorize(req)
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.HTTP.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode/100 != 2 {
			he := &httpError{Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
			if he.Status < 500 {
				return &retry.PermFail{Err: he}
			}
			return he
		}
		out = b
		return nil
	}, RetryCount, func(err error) error {
		c.log.Warn("jmap request failed, retrying", "url", u, "error", err)
		return nil
	}, nil)
	if err != nil {
		return nil, classify(err)
	}
	return out, nil
}

func classify(err error) error {
	var he *httpError
	var ne net.Error
	switch {
	case errors.As(err, &he) && (he.Status == http.StatusUnauthorized || he.Status == http.StatusForbidden):
		return mailkit.WrapError(mailkit.KindAuthentication, "jmap", err)
	case errors.As(err, &he) && he.Status == http.StatusNotFound:
		return mailkit.WrapError(mailkit.KindNotFound, "jmap", err)
	case errors.As(err, &he):
		return mailkit.WrapError(mailkit.KindExternal, "jmap", err)
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &ne) && ne.Timeout():
		return mailkit.WrapError(mailkit.KindTimeout, "jmap", err)
	case errors.Is(err, context.Canceled):
		return err
	}
	return mailkit.WrapError(mailkit.KindNetwork, "jmap", err)
}

// Session returns the session resource, fetching it from
// <url>/.well-known/jmap the first time.
func (c *Client) Session(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		return c.session, nil
	}
	b, err := c.do(ctx, http.MethodGet, c.URL+"/.well-known/jmap", "", nil)
	if err != nil {
		return nil, err
	}
	var s Session
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, mailkit.WrapError(mailkit.KindExternal, "decode jmap session", err)
	}
	if _, ok := s.Capabilities[CapMail]; !ok {
		return nil, mailkit.Errorf(mailkit.KindNotSupported, "jmap: server does not offer %s", CapMail)
	}
	if s.MailAccountID() == "" {
		return nil, mailkit.Errorf(mailkit.KindExternal, "jmap: session has no primary mail account")
	}
	if s.APIURL == "" {
		return nil, mailkit.Errorf(mailkit.KindExternal, "jmap: session has no apiUrl")
	}
	c.session = &s
	return c.session, nil
}

// ResetSession forgets the session so the next call discovers it again.
func (c *Client) ResetSession() {
	c.mu.Lock()
	c.session = nil
	c.mu.Unlock()
}

// NextCallID returns a connection wide unique method call id.
func (c *Client) NextCallID() string {
	return "m" + strconv.FormatUint(c.callID.Add(1), 10)
}

// Call sends the method calls in one request. Responses come back in call
// order; a method level error is returned as *MethodError.
func (c *Client) Call(ctx context.Context, calls ...Invocation) ([]Invocation, error) {
	s, err := c.Session(ctx)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(Request{Using: []string{CapCore, CapMail}, MethodCalls: calls})
	if err != nil {
		return nil, mailkit.WrapError(mailkit.KindBug, "encode jmap request", err)
	}
	b, err := c.do(ctx, http.MethodPost, s.APIURL, "application/json", body)
	if err != nil {
		return nil, err
	}
	var resp Response
	if err := json.Unmarshal(b, &resp); err != nil {
		return nil, mailkit.WrapError(mailkit.KindExternal, "decode jmap response", err)
	}
	if resp.SessionState != "" && resp.SessionState != s.State {
		c.log.Debug("jmap session state changed", "old", s.State, "new", resp.SessionState)
		c.ResetSession()
	}
	for _, r := range resp.MethodResponses {
		if r.Name != "error" {
			continue
		}
		var me MethodError
		if err := decodeArgs(r, &me); err != nil {
			return nil, mailkit.WrapError(mailkit.KindExternal, "decode jmap error", err)
		}
		return nil, mailkit.WrapError(kindOfMethodError(me.Type), "jmap call "+r.CallID, &me)
	}
	return resp.MethodResponses, nil
}

func kindOfMethodError(t string) mailkit.ErrorKind {
	switch t {
	case "unknownMethod", "unsupportedFilter", "unsupportedSort":
		return mailkit.KindNotSupported
	case "accountNotFound":
		return mailkit.KindNotFound
	case "forbidden", "accountReadOnly":
		return mailkit.KindAuthentication
	case "invalidArguments", "invalidResultReference", "tooManyChanges", "cannotCalculateChanges", "anchorNotFound":
		return mailkit.KindValue
	}
	return mailkit.KindExternal
}

// response finds the response to callID.
func response(resps []Invocation, callID string, v any) error {
	for _, r := range resps {
		if r.CallID == callID {
			if err := decodeArgs(r, v); err != nil {
				return mailkit.WrapError(mailkit.KindExternal, "decode "+r.Name+" response", err)
			}
			return nil
		}
	}
	return mailkit.Errorf(mailkit.KindExternal, "jmap: no response for call %s", callID)
}

// expand fills a URL template from the session (RFC 6570 level 1).
func expand(template string, vars map[string]string) string {
	for k, v := range vars {
		template = strings.ReplaceAll(template, "{"+k+"}", url.PathEscape(v))
	}
	return template
}

// Download returns the bytes of a blob.
func (c *Client) Download(ctx context.Context, blobID string) ([]byte, error) {
	s, err := c.Session(ctx)
	if err != nil {
		return nil, err
	}
	u := expand(s.DownloadURL, map[string]string{
		"accountId": s.MailAccountID(),
		"blobId":    blobID,
		"name":      "message.eml",
		"type":      "message/rfc822",
	})
	return c.do(ctx, http.MethodGet, u, "", nil)
}

// Upload stores data as a blob and returns its id.
func (c *Client) Upload(ctx context.Context, data []byte, contentType string) (string, error) {
	s, err := c.Session(ctx)
	if err != nil {
		return "", err
	}
	u := expand(s.UploadURL, map[string]string{"accountId": s.MailAccountID()})
	b, err := c.do(ctx, http.MethodPost, u, contentType, data)
	if err != nil {
		return "", err
	}
	var r uploadResponse
	if err := json.Unmarshal(b, &r); err != nil {
		return "", mailkit.WrapError(mailkit.KindExternal, "decode upload response", err)
	}
	return r.BlobID, nil
}
