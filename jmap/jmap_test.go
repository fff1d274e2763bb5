package jmap

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/BrianLeishman/mailkit"
	"github.com/BrianLeishman/mailkit/query"
)

type fakeEmail struct {
	Email
	raw []byte
}

type change struct {
	state int
	id    string
	kind  string
}

// fakeServer is a small in-memory JMAP server.
type fakeServer struct {
	t   *testing.T
	srv *httptest.Server

	mu        sync.Mutex
	mailboxes []Mailbox
	emails    map[string]*fakeEmail
	blobs     map[string][]byte
	state     int
	floor     int
	history   []change
	seq       int
	failNext  int
	requests  int
	refused   int
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	f := &fakeServer{
		t:      t,
		emails: make(map[string]*fakeEmail),
		blobs:  make(map[string][]byte),
		state:  1,
		mailboxes: []Mailbox{
			{ID: "mb-inbox", Name: "Inbox", Role: "inbox", MyRights: MailboxRight{MayAddItems: true}},
			{ID: "mb-archive", Name: "Archive", Role: "archive", MyRights: MailboxRight{MayAddItems: true}},
			{ID: "mb-2024", Name: "2024", ParentID: "mb-archive", MyRights: MailboxRight{MayAddItems: true}},
			{ID: "mb-lists", Name: "Lists"},
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/jmap", f.session)
	mux.HandleFunc("/api", f.api)
	mux.HandleFunc("/download/", f.download)
	mux.HandleFunc("/upload/", f.upload)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeServer) authorized(w http.ResponseWriter, r *http.Request) bool {
	u, p, ok := r.BasicAuth()
	if !ok || u != "alice" || p != "secret" {
		f.mu.Lock()
		f.refused++
		f.mu.Unlock()
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

func (f *fakeServer) session(w http.ResponseWriter, r *http.Request) {
	if !f.authorized(w, r) {
		return
	}
	writeJSON(w, map[string]any{
		"capabilities":    map[string]any{CapCore: map[string]any{}, CapMail: map[string]any{}},
		"accounts":        map[string]any{"a1": map[string]any{"name": "alice", "isPersonal": true}},
		"primaryAccounts": map[string]string{CapMail: "a1"},
		"username":        "alice",
		"apiUrl":          f.srv.URL + "/api",
		"downloadUrl":     f.srv.URL + "/download/{accountId}/{blobId}/{name}?type={type}",
		"uploadUrl":       f.srv.URL + "/upload/{accountId}/",
		"state":           "s1",
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeServer) download(w http.ResponseWriter, r *http.Request) {
	if !f.authorized(w, r) {
		return
	}
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/download/"), "/")
	f.mu.Lock()
	b, ok := f.blobs[parts[1]]
	f.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	_, _ = w.Write(b)
}

func (f *fakeServer) upload(w http.ResponseWriter, r *http.Request) {
	if !f.authorized(w, r) {
		return
	}
	b, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.seq++
	id := "blob-" + strconv.Itoa(f.seq)
	f.blobs[id] = b
	f.mu.Unlock()
	writeJSON(w, uploadResponse{AccountID: "a1", BlobID: id, Type: r.Header.Get("Content-Type"), Size: int64(len(b))})
}

// addEmail stores a message as if delivered by another client.
func (f *fakeServer) addEmail(subject, mailbox string, received time.Time, keywords ...string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := "e" + strconv.Itoa(f.seq)
	raw := "From: Bob <bob@example.com>\r\nTo: alice@example.com\r\nSubject: " + subject + "\r\nMessage-ID: <" + id + "@example.com>\r\n\r\nbody of " + subject + "\r\n"
	kw := make(map[string]bool)
	for _, k := range keywords {
		kw[k] = true
	}
	f.blobs["blob-"+id] = []byte(raw)
	f.emails[id] = &fakeEmail{raw: []byte(raw), Email: Email{
		ID:         id,
		BlobID:     "blob-" + id,
		MailboxIDs: map[string]bool{mailbox: true},
		Keywords:   kw,
		Size:       uint64(len(raw)),
		ReceivedAt: received,
		MessageID:  []string{id + "@example.com"},
		From:       []EmailAddress{{Name: "Bob", Email: "bob@example.com"}},
		To:         []EmailAddress{{Email: "alice@example.com"}},
		Subject:    subject,
		SentAt:     &received,
	}}
	f.bumpLocked(id, "created")
	return id
}

func (f *fakeServer) bumpLocked(id, kind string) {
	f.state++
	f.history = append(f.history, change{state: f.state, id: id, kind: kind})
}

func (f *fakeServer) setKeyword(id, kw string, on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if on {
		f.emails[id].Keywords[kw] = true
	} else {
		delete(f.emails[id].Keywords, kw)
	}
	f.bumpLocked(id, "updated")
}

func (f *fakeServer) api(w http.ResponseWriter, r *http.Request) {
	if !f.authorized(w, r) {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests++
	if f.failNext > 0 {
		f.failNext--
		http.Error(w, "try later", http.StatusServiceUnavailable)
		return
	}
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	results := make(map[string]map[string]any)
	var out []Invocation
	for _, call := range req.MethodCalls {
		raw := call.Args.(json.RawMessage)
		res, errType := f.method(call.Name, raw, results)
		if errType != "" {
			out = append(out, Invocation{Name: "error", Args: map[string]string{"type": errType}, CallID: call.CallID})
			continue
		}
		results[call.CallID] = res
		out = append(out, Invocation{Name: call.Name, Args: res, CallID: call.CallID})
	}
	writeJSON(w, Response{MethodResponses: out, SessionState: "s1"})
}

func (f *fakeServer) method(name string, raw json.RawMessage, results map[string]map[string]any) (map[string]any, string) {
	state := strconv.Itoa(f.state)
	switch name {
	case "Core/echo":
		return map[string]any{}, ""
	case "Mailbox/get":
		return map[string]any{"state": "m", "list": f.mailboxes}, ""
	case "Mailbox/set":
		var args struct {
			Create  map[string]map[string]any `json:"create"`
			Destroy []string                  `json:"destroy"`
		}
		_ = json.Unmarshal(raw, &args)
		created := map[string]any{}
		for cid, c := range args.Create {
			f.seq++
			id := "mb-" + strconv.Itoa(f.seq)
			m := Mailbox{ID: id, Name: c["name"].(string), MyRights: MailboxRight{MayAddItems: true}}
			if p, ok := c["parentId"].(string); ok {
				m.ParentID = p
			}
			f.mailboxes = append(f.mailboxes, m)
			created[cid] = map[string]string{"id": id}
		}
		for _, id := range args.Destroy {
			for i, m := range f.mailboxes {
				if m.ID == id {
					f.mailboxes = append(f.mailboxes[:i], f.mailboxes[i+1:]...)
					break
				}
			}
		}
		return map[string]any{"created": created, "destroyed": args.Destroy}, ""
	case "Email/query":
		var args struct {
			Filter   any `json:"filter"`
			Position int `json:"position"`
			Limit    int `json:"limit"`
		}
		_ = json.Unmarshal(raw, &args)
		var matched []*fakeEmail
		for _, e := range f.emails {
			if matchFilter(args.Filter, e) {
				matched = append(matched, e)
			}
		}
		sort.Slice(matched, func(i, j int) bool { return matched[i].ReceivedAt.After(matched[j].ReceivedAt) })
		ids := []string{}
		for i := args.Position; i < len(matched) && (args.Limit == 0 || i < args.Position+args.Limit); i++ {
			ids = append(ids, matched[i].ID)
		}
		return map[string]any{"ids": ids, "total": len(matched), "position": args.Position, "queryState": state}, ""
	case "Email/get":
		var args struct {
			IDs []string         `json:"ids"`
			Ref *ResultReference `json:"#ids"`
		}
		_ = json.Unmarshal(raw, &args)
		if args.Ref != nil {
			res, ok := results[args.Ref.ResultOf]
			if !ok {
				return nil, "invalidResultReference"
			}
			args.IDs, _ = res[strings.TrimPrefix(args.Ref.Path, "/")].([]string)
		}
		list := []Email{}
		notFound := []string{}
		for _, id := range args.IDs {
			if e, ok := f.emails[id]; ok {
				list = append(list, e.Email)
			} else {
				notFound = append(notFound, id)
			}
		}
		return map[string]any{"state": state, "list": list, "notFound": notFound}, ""
	case "Email/changes":
		var args changesArgs
		_ = json.Unmarshal(raw, &args)
		since, err := strconv.Atoi(args.SinceState)
		if err != nil || since < f.floor {
			return nil, "cannotCalculateChanges"
		}
		kinds := make(map[string]string)
		var order []string
		for _, c := range f.history {
			if c.state <= since {
				continue
			}
			prev, seen := kinds[c.id]
			if !seen {
				order = append(order, c.id)
			}
			switch {
			case c.kind == "destroyed" && prev == "created":
				kinds[c.id] = "gone"
			case c.kind == "updated" && prev == "created":
			default:
				kinds[c.id] = c.kind
			}
		}
		created, updated, destroyed := []string{}, []string{}, []string{}
		for _, id := range order {
			switch kinds[id] {
			case "created":
				created = append(created, id)
			case "updated":
				updated = append(updated, id)
			case "destroyed":
				destroyed = append(destroyed, id)
			}
		}
		return map[string]any{"oldState": args.SinceState, "newState": state, "hasMoreChanges": false,
			"created": created, "updated": updated, "destroyed": destroyed}, ""
	case "Email/set":
		var args struct {
			Update  map[string]map[string]any `json:"update"`
			Destroy []string                  `json:"destroy"`
		}
		_ = json.Unmarshal(raw, &args)
		updated := map[string]any{}
		notUpdated := map[string]any{}
		for id, patch := range args.Update {
			e, ok := f.emails[id]
			if !ok {
				notUpdated[id] = SetError{Type: "notFound"}
				continue
			}
			for k, v := range patch {
				prop, key, _ := strings.Cut(k, "/")
				key = strings.NewReplacer("~1", "/", "~0", "~").Replace(key)
				target := e.Keywords
				if prop == "mailboxIds" {
					target = e.MailboxIDs
				}
				if v == nil {
					delete(target, key)
				} else {
					target[key] = true
				}
			}
			updated[id] = nil
			f.bumpLocked(id, "updated")
		}
		for _, id := range args.Destroy {
			delete(f.emails, id)
			f.bumpLocked(id, "destroyed")
		}
		return map[string]any{"newState": strconv.Itoa(f.state), "updated": updated, "notUpdated": notUpdated, "destroyed": args.Destroy}, ""
	case "Email/import":
		var args importArgs
		_ = json.Unmarshal(raw, &args)
		created := map[string]any{}
		for cid, imp := range args.Emails {
			blob, ok := f.blobs[imp.BlobID]
			if !ok {
				return nil, "invalidArguments"
			}
			env, err := mailkit.ParseEnvelope(blob)
			if err != nil {
				return nil, "invalidArguments"
			}
			f.seq++
			id := "e" + strconv.Itoa(f.seq)
			now := time.Now().UTC()
			if imp.Keywords == nil {
				imp.Keywords = map[string]bool{}
			}
			f.emails[id] = &fakeEmail{raw: blob, Email: Email{
				ID: id, BlobID: imp.BlobID, MailboxIDs: imp.MailboxIDs, Keywords: imp.Keywords,
				Size: uint64(len(blob)), ReceivedAt: now, MessageID: []string{env.MessageID}, Subject: env.Subject,
			}}
			f.bumpLocked(id, "created")
			created[cid] = map[string]string{"id": id, "blobId": imp.BlobID}
		}
		return map[string]any{"created": created, "newState": strconv.Itoa(f.state)}, ""
	}
	return nil, "unknownMethod"
}

func matchFilter(filter any, e *fakeEmail) bool {
	m, ok := filter.(map[string]any)
	if !ok {
		return true
	}
	if op, ok := m["operator"].(string); ok {
		conds, _ := m["conditions"].([]any)
		n := 0
		for _, c := range conds {
			if matchFilter(c, e) {
				n++
			}
		}
		switch op {
		case "AND":
			return n == len(conds)
		case "OR":
			return n > 0
		case "NOT":
			return n == 0
		}
		return false
	}
	for k, v := range m {
		s, _ := v.(string)
		switch k {
		case "inMailbox":
			if !e.MailboxIDs[s] {
				return false
			}
		case "subject", "text":
			if !strings.Contains(strings.ToLower(e.Subject), strings.ToLower(s)) {
				return false
			}
		case "hasKeyword":
			if !e.Keywords[s] {
				return false
			}
		case "from":
			found := false
			for _, a := range e.From {
				found = found || strings.Contains(a.Email, s)
			}
			if !found {
				return false
			}
		}
	}
	return true
}

func newTestBackend(t *testing.T, f *fakeServer) *Backend {
	t.Helper()
	b, err := NewBackend(mailkit.AccountSettings{Name: "test", Format: "jmap", Extra: map[string]string{
		"server_url":      f.srv.URL,
		"server_username": "alice",
		"server_password": "secret",
	}})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func mailboxByPath(t *testing.T, b *Backend, path string) *mailkit.Mailbox {
	t.Helper()
	mbs, err := b.Mailboxes(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	mb, ok := mailkit.FindMailbox(mbs, path)
	if !ok {
		t.Fatalf("mailbox %s not found", path)
	}
	return mb
}

func fetchAll(t *testing.T, b *Backend, mh mailkit.MailboxHash) ([]*mailkit.Envelope, int) {
	t.Helper()
	var out []*mailkit.Envelope
	batches := 0
	err := b.Fetch(context.Background(), mh, func(envs []*mailkit.Envelope) error {
		batches++
		out = append(out, envs...)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return out, batches
}

func refresh(t *testing.T, b *Backend) []mailkit.RefreshEvent {
	t.Helper()
	ch := make(chan mailkit.RefreshEvent, 32)
	b.watcher.Attach(ch)
	defer b.watcher.Attach(nil)
	if err := b.Refresh(context.Background(), 0); err != nil {
		t.Fatal(err)
	}
	close(ch)
	var out []mailkit.RefreshEvent
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

var day = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestInvocationJSON(t *testing.T) {
	b, err := json.Marshal(Request{Using: []string{CapCore}, MethodCalls: []Invocation{{Name: "Mailbox/get", Args: getArgs{AccountID: "a"}, CallID: "m1"}}})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"using":["urn:ietf:params:jmap:core"],"methodCalls":[["Mailbox/get",{"accountId":"a"},"m1"]]}`
	if string(b) != want {
		t.Errorf("got %s", b)
	}
	var inv Invocation
	if err := json.Unmarshal([]byte(`["Email/get",{"state":"3"},"m9"]`), &inv); err != nil {
		t.Fatal(err)
	}
	var r emailGetResponse
	if err := decodeArgs(inv, &r); err != nil || inv.Name != "Email/get" || inv.CallID != "m9" || r.State != "3" {
		t.Errorf("decoded %+v %+v %v", inv, r, err)
	}
	if err := json.Unmarshal([]byte(`["x","m1"]`), &inv); err == nil {
		t.Error("expected an error for a short invocation")
	}
}

func TestNewBackendSettings(t *testing.T) {
	if _, err := NewBackend(mailkit.AccountSettings{Name: "x"}); !errors.Is(err, mailkit.ErrConfiguration) {
		t.Errorf("missing url: %v", err)
	}
	if _, err := NewBackend(mailkit.AccountSettings{Name: "x", Extra: map[string]string{"server_url": "http://x", "server_username": "u"}}); !errors.Is(err, mailkit.ErrConfiguration) {
		t.Errorf("missing password: %v", err)
	}
	if _, err := NewBackend(mailkit.AccountSettings{Name: "x", Extra: map[string]string{"server_url": "http://x", "server_token": "t"}}); err != nil {
		t.Errorf("token only: %v", err)
	}
}

func TestSessionAndAuth(t *testing.T) {
	f := newFakeServer(t)
	b := newTestBackend(t, f)
	if err := b.IsOnline(context.Background()); err != nil {
		t.Fatal(err)
	}
	caps := b.Capabilities()
	if !caps.IsRemote || len(caps.Extensions) != 2 || caps.Extensions[1] != CapMail {
		t.Errorf("capabilities = %+v", caps)
	}
	a, c := b.client.NextCallID(), b.client.NextCallID()
	if a == c || !strings.HasPrefix(a, "m") {
		t.Errorf("call ids %q %q", a, c)
	}

	b.client.Password = "wrong"
	b.client.ResetSession()
	err := b.IsOnline(context.Background())
	if mailkit.KindOf(err) != mailkit.KindAuthentication {
		t.Errorf("bad password: %v", err)
	}
	f.mu.Lock()
	refused := f.refused
	f.mu.Unlock()
	if refused != 1 {
		t.Errorf("a refused login was retried %d times", refused-1)
	}
}

func TestRetry(t *testing.T) {
	f := newFakeServer(t)
	b := newTestBackend(t, f)
	f.failNext = 2
	if err := b.IsOnline(context.Background()); err != nil {
		t.Fatalf("transient failures not retried: %v", err)
	}
	if f.requests != 3 {
		t.Errorf("requests = %d", f.requests)
	}

	old := RetryCount
	RetryCount = 2
	defer func() { RetryCount = old }()
	f.failNext = 5
	if err := b.IsOnline(context.Background()); mailkit.KindOf(err) != mailkit.KindExternal {
		t.Errorf("persistent 503: %v", err)
	}
}

func TestMailboxes(t *testing.T) {
	f := newFakeServer(t)
	b := newTestBackend(t, f)
	inbox := mailboxByPath(t, b, "Inbox")
	if inbox.Usage != mailkit.UsageInbox || inbox.ReadOnly {
		t.Errorf("inbox = %+v", inbox)
	}
	archive := mailboxByPath(t, b, "Archive")
	y := mailboxByPath(t, b, "Archive/2024")
	if archive.Usage != mailkit.UsageArchive || y.Parent != archive.Hash || len(archive.Children) != 1 {
		t.Errorf("archive = %+v, 2024 = %+v", archive, y)
	}
	if !mailboxByPath(t, b, "Lists").ReadOnly {
		t.Error("mailbox without mayAddItems should be read-only")
	}
}

func TestFetchAndMessage(t *testing.T) {
	old := BatchSize
	BatchSize = 2
	defer func() { BatchSize = old }()

	f := newFakeServer(t)
	f.addEmail("one", "mb-inbox", day, "$seen")
	f.addEmail("two", "mb-inbox", day.Add(time.Hour), "$flagged", "work", "$junk")
	f.addEmail("three", "mb-inbox", day.Add(2*time.Hour))
	f.addEmail("elsewhere", "mb-archive", day)
	b := newTestBackend(t, f)
	inbox := mailboxByPath(t, b, "Inbox")

	envs, batches := fetchAll(t, b, inbox.Hash)
	if len(envs) != 3 || batches != 2 {
		t.Fatalf("got %d envelopes in %d batches", len(envs), batches)
	}
	if envs[0].Subject != "three" || envs[2].Subject != "one" {
		t.Errorf("order: %s, %s", envs[0].Subject, envs[2].Subject)
	}
	two := envs[1]
	if two.Flags != mailkit.FlagFlagged || len(two.Tags) != 1 || two.Tags[0] != "work" {
		t.Errorf("flags = %v tags = %v", two.Flags, two.Tags)
	}
	if !envs[2].IsSeen() || envs[2].From.String() != "Bob <bob@example.com>" || envs[2].MessageID == "" {
		t.Errorf("envelope = %+v", envs[2])
	}

	raw, err := b.Message(context.Background(), two.Hash, inbox.Hash)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), "Subject: two") {
		t.Errorf("raw = %q", raw)
	}
	if _, err := b.Message(context.Background(), 42, inbox.Hash); !errors.Is(err, mailkit.ErrNotFound) {
		t.Errorf("unknown message: %v", err)
	}
}

func TestChanges(t *testing.T) {
	f := newFakeServer(t)
	one := f.addEmail("one", "mb-inbox", day)
	two := f.addEmail("two", "mb-inbox", day.Add(time.Hour))
	gone := f.addEmail("gone", "mb-inbox", day.Add(2*time.Hour))
	b := newTestBackend(t, f)
	ctx := context.Background()
	inbox := mailboxByPath(t, b, "Inbox")
	archive := mailboxByPath(t, b, "Archive")
	if envs, _ := fetchAll(t, b, inbox.Hash); len(envs) != 3 {
		t.Fatalf("got %d envelopes", len(envs))
	}
	hashOf := func(id string) mailkit.EnvelopeHash { return b.envelopeHash(inbox.Hash, id) }

	// Our own change is not reported back.
	if err := b.SetFlags(ctx, []mailkit.EnvelopeHash{hashOf(one)}, inbox.Hash, []mailkit.FlagOp{mailkit.SetFlag(mailkit.FlagSeen), mailkit.SetTag("a/b")}); err != nil {
		t.Fatal(err)
	}
	if !f.emails[one].Keywords["$seen"] || !f.emails[one].Keywords["a/b"] {
		t.Errorf("keywords = %v", f.emails[one].Keywords)
	}
	if evs := refresh(t, b); len(evs) != 0 {
		t.Errorf("own change reported: %+v", evs)
	}

	// Another client flags one message, delivers one and destroys one.
	f.setKeyword(two, "$flagged", true)
	three := f.addEmail("three", "mb-inbox", day.Add(3*time.Hour))
	f.mu.Lock()
	delete(f.emails, gone)
	f.bumpLocked(gone, "destroyed")
	f.mu.Unlock()

	kinds := make(map[mailkit.RefreshKind]mailkit.RefreshEvent)
	for _, ev := range refresh(t, b) {
		kinds[ev.Kind] = ev
	}
	if ev := kinds[mailkit.EventNewFlags]; ev.Hash != hashOf(two) || ev.Flags != mailkit.FlagFlagged {
		t.Errorf("new flags = %+v", ev)
	}
	if ev := kinds[mailkit.EventCreate]; ev.Hash != hashOf(three) || ev.Envelope == nil || ev.Envelope.Subject != "three" || ev.Mailbox != inbox.Hash {
		t.Errorf("create = %+v", ev)
	}
	if ev := kinds[mailkit.EventRemove]; ev.Hash != hashOf(gone) {
		t.Errorf("remove = %+v", ev)
	}
	if len(kinds) != 3 {
		t.Errorf("events = %v", kinds)
	}

	// A move out of a fetched mailbox is a removal there.
	fetchAll(t, b, archive.Hash)
	if err := b.Copy(ctx, []mailkit.EnvelopeHash{hashOf(two)}, inbox.Hash, archive.Hash, true); err != nil {
		t.Fatal(err)
	}
	if boxes := f.emails[two].MailboxIDs; boxes["mb-inbox"] || !boxes["mb-archive"] {
		t.Fatalf("mailboxes after move = %v", boxes)
	}
	evs := refresh(t, b)
	if len(evs) != 1 || evs[0].Kind != mailkit.EventCreate || evs[0].Mailbox != archive.Hash {
		t.Errorf("events after move = %+v", evs)
	}

	if err := b.Delete(ctx, []mailkit.EnvelopeHash{hashOf(one)}, inbox.Hash); err != nil {
		t.Fatal(err)
	}
	if _, ok := f.emails[one]; ok {
		t.Error("email not destroyed")
	}
}

func TestCannotCalculateChanges(t *testing.T) {
	f := newFakeServer(t)
	f.addEmail("one", "mb-inbox", day)
	b := newTestBackend(t, f)
	inbox := mailboxByPath(t, b, "Inbox")
	fetchAll(t, b, inbox.Hash)
	f.floor = 1000
	evs := refresh(t, b)
	if len(evs) != 1 || evs[0].Kind != mailkit.EventRescan || evs[0].Mailbox != inbox.Hash {
		t.Errorf("events = %+v", evs)
	}
}

func TestSave(t *testing.T) {
	f := newFakeServer(t)
	b := newTestBackend(t, f)
	ctx := context.Background()
	inbox := mailboxByPath(t, b, "Inbox")
	fetchAll(t, b, inbox.Hash)

	raw := "From: alice@example.com\r\nSubject: saved\r\nMessage-ID: <saved@example.com>\r\n\r\nhi\r\n"
	if err := b.Save(ctx, []byte(raw), inbox.Hash, mailkit.FlagSeen|mailkit.FlagDraft); err != nil {
		t.Fatal(err)
	}
	evs := refresh(t, b)
	if len(evs) != 1 || evs[0].Kind != mailkit.EventCreate {
		t.Fatalf("events = %+v", evs)
	}
	env := evs[0].Envelope
	if env.Subject != "saved" || env.Flags != mailkit.FlagSeen|mailkit.FlagDraft {
		t.Errorf("saved envelope = %+v", env)
	}
	got, err := b.Message(ctx, env.Hash, inbox.Hash)
	if err != nil || string(got) != raw {
		t.Errorf("message = %q, %v", got, err)
	}
}

func TestSearch(t *testing.T) {
	f := newFakeServer(t)
	f.addEmail("meeting notes", "mb-inbox", day)
	f.addEmail("lunch", "mb-inbox", day.Add(time.Hour), "$seen")
	f.addEmail("meeting again", "mb-archive", day)
	b := newTestBackend(t, f)
	inbox := mailboxByPath(t, b, "Inbox")

	tests := []struct {
		q    string
		want int
	}{
		{"subject:meeting", 1},
		{"is:seen", 1},
		{"not is:seen", 1},
		{"meeting or lunch", 2},
	}
	for _, tt := range tests {
		t.Run(tt.q, func(t *testing.T) {
			got, err := b.Search(context.Background(), query.MustParse(tt.q), inbox.Hash)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != tt.want {
				t.Errorf("got %d results", len(got))
			}
		})
	}
	all, err := b.Search(context.Background(), query.MustParse("meeting"), 0)
	if err != nil || len(all) != 2 {
		t.Errorf("account wide search: %d, %v", len(all), err)
	}
}

func TestFilter(t *testing.T) {
	encode := func(q string) string {
		f, err := Filter(query.MustParse(q))
		if err != nil {
			t.Fatalf("%s: %v", q, err)
		}
		b, err := json.Marshal(f)
		if err != nil {
			t.Fatal(err)
		}
		return string(b)
	}
	tests := []struct {
		q, want string
	}{
		{"from:bob", `{"from":"bob"}`},
		{"tag:work", `{"hasKeyword":"work"}`},
		{"in-reply-to:abc", `{"header":["In-Reply-To","abc"]}`},
		{"before:2024-03-01", `{"before":"2024-03-01T00:00:00Z"}`},
		{"on:2024-03-01", `{"before":"2024-03-02T00:00:00Z","after":"2024-03-01T00:00:00Z"}`},
		{"not is:flagged", `{"operator":"NOT","conditions":[{"hasKeyword":"$flagged"}]}`},
		{"subject:a and body:b", `{"operator":"AND","conditions":[{"subject":"a"},{"body":"b"}]}`},
	}
	for _, tt := range tests {
		if got := encode(tt.q); got != tt.want {
			t.Errorf("%s: got %s, want %s", tt.q, got, tt.want)
		}
	}
	if _, err := Filter(query.MustParse("is:trashed")); !errors.Is(err, mailkit.ErrNotSupported) {
		t.Errorf("trashed: %v", err)
	}
}

func TestCreateDeleteMailbox(t *testing.T) {
	f := newFakeServer(t)
	b := newTestBackend(t, f)
	ctx := context.Background()
	mh, err := b.CreateMailbox(ctx, "Archive/2025")
	if err != nil {
		t.Fatal(err)
	}
	mb := mailboxByPath(t, b, "Archive/2025")
	if mb.Hash != mh || mb.Parent != mailboxByPath(t, b, "Archive").Hash {
		t.Errorf("created = %+v", mb)
	}
	if _, err := b.CreateMailbox(ctx, "Nope/Child"); !errors.Is(err, mailkit.ErrNotFound) {
		t.Errorf("missing parent: %v", err)
	}
	if err := b.DeleteMailbox(ctx, mh); err != nil {
		t.Fatal(err)
	}
	mbs, _ := b.Mailboxes(ctx)
	if _, ok := mbs[mh]; ok {
		t.Error("mailbox still listed")
	}
}

func TestWatch(t *testing.T) {
	old := PollInterval
	PollInterval = 20 * time.Millisecond
	defer func() { PollInterval = old }()

	f := newFakeServer(t)
	f.addEmail("one", "mb-inbox", day)
	b := newTestBackend(t, f)
	inbox := mailboxByPath(t, b, "Inbox")
	fetchAll(t, b, inbox.Hash)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := make(chan mailkit.RefreshEvent, 8)
	done := make(chan error, 1)
	go func() { done <- b.Watch(ctx, events) }()
	f.addEmail("two", "mb-inbox", day.Add(time.Hour))

	select {
	case ev := <-events:
		if ev.Kind != mailkit.EventCreate || ev.Envelope.Subject != "two" {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no event")
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("watch returned %v", err)
	}
}

func TestEmailInTwoMailboxes(t *testing.T) {
	f := newFakeServer(t)
	id := f.addEmail("both", "mb-inbox", day)
	f.mu.Lock()
	f.emails[id].MailboxIDs["mb-archive"] = true
	f.mu.Unlock()
	b := newTestBackend(t, f)
	ctx := context.Background()
	inbox := mailboxByPath(t, b, "Inbox")
	archive := mailboxByPath(t, b, "Archive")

	inInbox, _ := fetchAll(t, b, inbox.Hash)
	inArchive, _ := fetchAll(t, b, archive.Hash)
	if len(inInbox) != 1 || len(inArchive) != 1 {
		t.Fatalf("fetched %d and %d envelopes", len(inInbox), len(inArchive))
	}
	if inInbox[0].Hash == inArchive[0].Hash {
		t.Fatal("copies in two mailboxes share a hash")
	}
	for _, env := range []*mailkit.Envelope{inInbox[0], inArchive[0]} {
		if _, err := b.Message(ctx, env.Hash, env.MailboxHash); err != nil {
			t.Errorf("Message(%s): %v", env.Hash, err)
		}
	}

	// Taking it out of Archive removes only that copy.
	f.mu.Lock()
	delete(f.emails[id].MailboxIDs, "mb-archive")
	f.bumpLocked(id, "updated")
	f.mu.Unlock()
	evs := refresh(t, b)
	if len(evs) != 1 || evs[0].Kind != mailkit.EventRemove || evs[0].Hash != inArchive[0].Hash || evs[0].Mailbox != archive.Hash {
		t.Errorf("events = %+v", evs)
	}
	if _, err := b.Message(ctx, inInbox[0].Hash, inbox.Hash); err != nil {
		t.Errorf("inbox copy lost: %v", err)
	}
}
