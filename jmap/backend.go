// Package jmap is the mailkit.Backend for JMAP servers (RFC 8620, RFC 8621).
//
// Changes are found by polling Email/changes; the backend keeps the last
// Email state it saw and the mailboxes and keywords of every email it
// fetched, and diffs against them.
package jmap

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BrianLeishman/mailkit"
	"github.com/BrianLeishman/mailkit/query"
	"github.com/BrianLeishman/mailkit/textproc"
)

func init() {
	mailkit.Register("jmap", func(s mailkit.AccountSettings) (mailkit.Backend, error) {
		return NewBackend(s)
	})
}

// PollInterval is how often Watch asks the server for changes.
var PollInterval = 60 * time.Second

// BatchSize is the number of emails requested per Email/query page.
var BatchSize = 500

// Backend is the mailkit.Backend for a JMAP account.
type Backend struct {
	settings mailkit.AccountSettings
	client   *Client
	log      mailkit.Logger

	mu        sync.Mutex
	mailboxes map[mailkit.MailboxHash]*mailkit.Mailbox
	ids       map[mailkit.MailboxHash]string
	byID      map[string]mailkit.MailboxHash
	emails    map[string]*emailState
	hashes    map[mailkit.EnvelopeHash]string
	fetched   map[mailkit.MailboxHash]bool
	state     string

	watcher mailkit.Watcher
}

// emailState is what we remember of a fetched email.
type emailState struct {
	id        string
	blobID    string
	mailboxes map[string]bool
	flags     mailkit.Flag
	tags      []string
}

// NewBackend reads server_url and the credentials: server_username with
// server_password, or server_token for bearer authentication.
func NewBackend(s mailkit.AccountSettings) (*Backend, error) {
	u, err := s.Require("server_url")
	if err != nil {
		return nil, err
	}
	c := NewClient(u, s.GetString("server_username", ""), s.GetString("server_password", ""))
	c.Token = s.GetString("server_token", "")
	if c.Token == "" {
		if _, err := s.Require("server_username"); err != nil {
			return nil, err
		}
		if _, err := s.Require("server_password"); err != nil {
			return nil, err
		}
	}
	c.log = mailkit.ComponentLogger("mailkit/jmap").WithAttrs("account", s.Name)
	return &Backend{
		settings: s,
		client:   c,
		log:      c.log,
		emails:   make(map[string]*emailState),
		hashes:   make(map[mailkit.EnvelopeHash]string),
		fetched:  make(map[mailkit.MailboxHash]bool),
	}, nil
}

// Client returns the underlying JMAP client.
func (b *Backend) Client() *Client { return b.client }

func (b *Backend) Capabilities() mailkit.Capabilities {
	c := mailkit.Capabilities{Name: "jmap", IsRemote: true, SupportsSearch: true, SupportsTags: true}
	b.client.mu.Lock()
	if s := b.client.session; s != nil {
		for k := range s.Capabilities {
			c.Extensions = append(c.Extensions, k)
		}
		sort.Strings(c.Extensions)
	}
	b.client.mu.Unlock()
	return c
}

// IsOnline round-trips a Core/echo call.
func (b *Backend) IsOnline(ctx context.Context) error {
	_, err := b.client.Call(ctx, Invocation{Name: "Core/echo", Args: map[string]any{}, CallID: b.client.NextCallID()})
	return err
}

func (b *Backend) accountID(ctx context.Context) (string, error) {
	s, err := b.client.Session(ctx)
	if err != nil {
		return "", err
	}
	return s.MailAccountID(), nil
}

func (b *Backend) Mailboxes(ctx context.Context) (map[mailkit.MailboxHash]*mailkit.Mailbox, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.loadMailboxesLocked(ctx); err != nil {
		return nil, err
	}
	out := make(map[mailkit.MailboxHash]*mailkit.Mailbox, len(b.mailboxes))
	for h, m := range b.mailboxes {
		c := *m
		c.Children = append([]mailkit.MailboxHash(nil), m.Children...)
		out[h] = &c
	}
	return out, nil
}

func (b *Backend) mailboxHash(id string) mailkit.MailboxHash {
	return mailkit.MailboxHash(mailkit.HashOf(b.settings.Name, "jmap-mailbox", id))
}

// envelopeHash identifies an email within one mailbox. An email in several
// mailboxes has one hash per mailbox.
func (b *Backend) envelopeHash(mh mailkit.MailboxHash, id string) mailkit.EnvelopeHash {
	return mailkit.EnvelopeHash(mailkit.HashOf(b.settings.Name, "jmap-email", mh.String(), id))
}

func (b *Backend) loadMailboxesLocked(ctx context.Context) error {
	acct, err := b.accountID(ctx)
	if err != nil {
		return err
	}
	id := b.client.NextCallID()
	resps, err := b.client.Call(ctx, Invocation{Name: "Mailbox/get", Args: getArgs{AccountID: acct, Properties: mailboxProperties}, CallID: id})
	if err != nil {
		return err
	}
	var r mailboxGetResponse
	if err := response(resps, id, &r); err != nil {
		return err
	}

	byJMAP := make(map[string]Mailbox, len(r.List))
	for _, m := range r.List {
		byJMAP[m.ID] = m
	}
	mailboxes := make(map[mailkit.MailboxHash]*mailkit.Mailbox, len(r.List))
	ids := make(map[mailkit.MailboxHash]string, len(r.List))
	byID := make(map[string]mailkit.MailboxHash, len(r.List))
	for _, m := range r.List {
		path := mailboxPath(m, byJMAP)
		mb := &mailkit.Mailbox{
			Hash:      b.mailboxHash(m.ID),
			Name:      m.Name,
			Path:      path,
			Delimiter: "/",
			Total:     m.TotalEmails,
			Unseen:    m.UnreadEmails,
			ReadOnly:  b.settings.ReadOnly || !m.MyRights.MayAddItems,
		}
		if m.ParentID != "" {
			mb.Parent = b.mailboxHash(m.ParentID)
		}
		mb.Usage = roleUsage(m)
		if conf, ok := b.settings.MailboxConfFor(path); ok && conf.Usage != nil {
			mb.Usage = *conf.Usage
		}
		mb.Subscribed = b.settings.IsSubscribed(path, textproc.GlobMatch)
		mailboxes[mb.Hash] = mb
		ids[mb.Hash] = m.ID
		byID[m.ID] = mb.Hash
	}
	mailkit.LinkMailboxes(mailboxes)
	b.mailboxes, b.ids, b.byID = mailboxes, ids, byID
	return nil
}

func roleUsage(m Mailbox) mailkit.SpecialUsage {
	if strings.EqualFold(m.Role, "inbox") {
		return mailkit.UsageInbox
	}
	if u, ok := mailkit.ParseSpecialUse(m.Role); ok {
		return u
	}
	return mailkit.DetectUsage(m.Name)
}

// mailboxPath joins the names from the top level mailbox down to m.
func mailboxPath(m Mailbox, all map[string]Mailbox) string {
	parts := []string{m.Name}
	seen := map[string]bool{m.ID: true}
	for p := m.ParentID; p != "" && !seen[p]; {
		seen[p] = true
		parent, ok := all[p]
		if !ok {
			break
		}
		parts = append(parts, parent.Name)
		p = parent.ParentID
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, "/")
}

func (b *Backend) mailboxLocked(ctx context.Context, mh mailkit.MailboxHash) (*mailkit.Mailbox, string, error) {
	if b.mailboxes == nil {
		if err := b.loadMailboxesLocked(ctx); err != nil {
			return nil, "", err
		}
	}
	mb, ok := b.mailboxes[mh]
	if !ok {
		return nil, "", mailkit.Errorf(mailkit.KindNotFound, "jmap: unknown mailbox %s", mh)
	}
	return mb, b.ids[mh], nil
}

func addresses(as []EmailAddress) mailkit.Addresses {
	if len(as) == 0 {
		return nil
	}
	out := make(mailkit.Addresses, len(as))
	for i, a := range as {
		out[i] = mailkit.Address{Name: a.Name, Email: a.Email}
	}
	return out
}

func (b *Backend) envelopeOf(e Email, mh mailkit.MailboxHash) *mailkit.Envelope {
	env := &mailkit.Envelope{
		Hash:           b.envelopeHash(mh, e.ID),
		MailboxHash:    mh,
		Subject:        e.Subject,
		From:           addresses(e.From),
		To:             addresses(e.To),
		Cc:             addresses(e.Cc),
		Bcc:            addresses(e.Bcc),
		ReplyTo:        addresses(e.ReplyTo),
		Received:       e.ReceivedAt,
		Size:           e.Size,
		HasAttachments: e.HasAttachment,
		References:     e.References,
		Key:            e.ID,
	}
	if len(env.From) == 0 {
		env.From = addresses(e.Sender)
	}
	if len(e.MessageID) > 0 {
		env.MessageID = e.MessageID[0]
	} else {
		env.MessageID = e.ID + "@jmap.invalid"
	}
	if len(e.InReplyTo) > 0 {
		env.InReplyTo = e.InReplyTo[0]
	}
	if e.SentAt != nil {
		env.Date = *e.SentAt
	}
	env.Flags, env.Tags = mailkit.FlagsFromKeywords(e.Keywords)
	return env
}

func (b *Backend) rememberLocked(e Email, env *mailkit.Envelope) {
	b.emails[e.ID] = &emailState{id: e.ID, blobID: e.BlobID, mailboxes: e.MailboxIDs, flags: env.Flags, tags: env.Tags}
	b.hashes[env.Hash] = e.ID
}

// Fetch pages through Email/query for the mailbox, newest first, with each
// page's Email/get back-referencing the query's ids.
func (b *Backend) Fetch(ctx context.Context, mh mailkit.MailboxHash, batch func([]*mailkit.Envelope) error) error {
	b.mu.Lock()
	_, mid, err := b.mailboxLocked(ctx, mh)
	b.mu.Unlock()
	if err != nil {
		return err
	}
	acct, err := b.accountID(ctx)
	if err != nil {
		return err
	}

	for pos := 0; ; {
		qid, gid := b.client.NextCallID(), b.client.NextCallID()
		resps, err := b.client.Call(ctx,
			Invocation{Name: "Email/query", CallID: qid, Args: queryArgs{
				AccountID:      acct,
				Filter:         FilterCondition{InMailbox: mid},
				Sort:           []Comparator{{Property: "receivedAt"}},
				Position:       pos,
				Limit:          BatchSize,
				CalculateTotal: true,
			}},
			Invocation{Name: "Email/get", CallID: gid, Args: getRefArgs{
				AccountID:  acct,
				IDsRef:     ResultReference{ResultOf: qid, Name: "Email/query", Path: "/ids"},
				Properties: emailProperties,
			}},
		)
		if err != nil {
			return err
		}
		var qr queryResponse
		if err := response(resps, qid, &qr); err != nil {
			return err
		}
		var gr emailGetResponse
		if err := response(resps, gid, &gr); err != nil {
			return err
		}

		envs := make([]*mailkit.Envelope, 0, len(gr.List))
		b.mu.Lock()
		if b.state == "" {
			b.state = gr.State
		}
		b.fetched[mh] = true
		for _, e := range gr.List {
			env := b.envelopeOf(e, mh)
			b.rememberLocked(e, env)
			envs = append(envs, env)
		}
		b.mu.Unlock()

		if len(envs) > 0 {
			if err := batch(envs); err != nil {
				return err
			}
		}
		pos += len(qr.IDs)
		if len(qr.IDs) == 0 || pos >= qr.Total {
			return nil
		}
	}
}

// Refresh asks for Email/changes since the last known state and reports them
// for every fetched mailbox, not only mh.
func (b *Backend) Refresh(ctx context.Context, mh mailkit.MailboxHash) error {
	evs, err := b.changes(ctx)
	if err != nil {
		return err
	}
	for _, ev := range evs {
		b.watcher.Send(ctx, ev)
	}
	return nil
}

func (b *Backend) changes(ctx context.Context) ([]mailkit.RefreshEvent, error) {
	acct, err := b.accountID(ctx)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	account := b.settings.Hash()
	var evs []mailkit.RefreshEvent

	for b.state != "" {
		cid, created, updated := b.client.NextCallID(), b.client.NextCallID(), b.client.NextCallID()
		resps, err := b.client.Call(ctx,
			Invocation{Name: "Email/changes", CallID: cid, Args: changesArgs{AccountID: acct, SinceState: b.state}},
			Invocation{Name: "Email/get", CallID: created, Args: getRefArgs{
				AccountID:  acct,
				IDsRef:     ResultReference{ResultOf: cid, Name: "Email/changes", Path: "/created"},
				Properties: emailProperties,
			}},
			Invocation{Name: "Email/get", CallID: updated, Args: getRefArgs{
				AccountID:  acct,
				IDsRef:     ResultReference{ResultOf: cid, Name: "Email/changes", Path: "/updated"},
				Properties: emailProperties,
			}},
		)
		var me *MethodError
		if errors.As(err, &me) && me.Type == "cannotCalculateChanges" {
			b.log.Info("server cannot calculate changes, asking for a rescan", "state", b.state)
			for mh := range b.fetched {
				evs = append(evs, mailkit.RefreshEvent{Account: account, Mailbox: mh, Kind: mailkit.EventRescan})
			}
			b.state = ""
			b.fetched = make(map[mailkit.MailboxHash]bool)
			return evs, nil
		}
		if err != nil {
			return nil, err
		}
		var cr changesResponse
		if err := response(resps, cid, &cr); err != nil {
			return nil, err
		}
		var gc, gu emailGetResponse
		if err := response(resps, created, &gc); err != nil {
			return nil, err
		}
		if err := response(resps, updated, &gu); err != nil {
			return nil, err
		}

		for _, e := range append(gc.List, gu.List...) {
			evs = append(evs, b.diffLocked(account, e)...)
		}
		for _, id := range cr.Destroyed {
			st, ok := b.emails[id]
			if !ok {
				continue
			}
			for mid := range st.mailboxes {
				if mh, ok := b.byID[mid]; ok && b.fetched[mh] {
					h := b.envelopeHash(mh, id)
					evs = append(evs, mailkit.RefreshEvent{Account: account, Mailbox: mh, Kind: mailkit.EventRemove, Hash: h})
					delete(b.hashes, h)
				}
			}
			delete(b.emails, id)
		}
		b.state = cr.NewState
		if !cr.HasMoreChanges {
			break
		}
	}
	return evs, nil
}

// diffLocked compares a changed email with what we knew of it.
func (b *Backend) diffLocked(account mailkit.AccountHash, e Email) []mailkit.RefreshEvent {
	var evs []mailkit.RefreshEvent
	old := b.emails[e.ID]
	flags, tags := mailkit.FlagsFromKeywords(e.Keywords)
	for mid := range e.MailboxIDs {
		mh, ok := b.byID[mid]
		if !ok || !b.fetched[mh] {
			continue
		}
		h := b.envelopeHash(mh, e.ID)
		b.hashes[h] = e.ID
		switch {
		case old == nil || !old.mailboxes[mid]:
			evs = append(evs, mailkit.RefreshEvent{Account: account, Mailbox: mh, Kind: mailkit.EventCreate, Hash: h, Envelope: b.envelopeOf(e, mh)})
		case old.flags != flags || !equalStrings(old.tags, tags):
			evs = append(evs, mailkit.RefreshEvent{Account: account, Mailbox: mh, Kind: mailkit.EventNewFlags, Hash: h, Flags: flags, Tags: tags})
		}
	}
	if old != nil {
		for mid := range old.mailboxes {
			if mh, ok := b.byID[mid]; ok && b.fetched[mh] && !e.MailboxIDs[mid] {
				h := b.envelopeHash(mh, e.ID)
				evs = append(evs, mailkit.RefreshEvent{Account: account, Mailbox: mh, Kind: mailkit.EventRemove, Hash: h})
				delete(b.hashes, h)
			}
		}
	}
	b.emails[e.ID] = &emailState{id: e.ID, blobID: e.BlobID, mailboxes: e.MailboxIDs, flags: flags, tags: tags}
	return evs
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Watch polls for changes every PollInterval.
func (b *Backend) Watch(ctx context.Context, events chan<- mailkit.RefreshEvent) error {
	b.watcher.Attach(events)
	defer b.watcher.Attach(nil)
	if _, err := b.client.Session(ctx); err != nil {
		return err
	}
	account := b.settings.Hash()
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := b.Refresh(ctx, 0); err != nil && ctx.Err() == nil {
				b.watcher.Send(ctx, mailkit.RefreshEvent{Account: account, Kind: mailkit.EventFailure, Err: err})
			}
		}
	}
}

func (b *Backend) emailsLocked(envs []mailkit.EnvelopeHash) ([]*emailState, error) {
	out := make([]*emailState, 0, len(envs))
	for _, h := range envs {
		st, ok := b.emails[b.hashes[h]]
		if !ok {
			return nil, mailkit.Errorf(mailkit.KindNotFound, "jmap: unknown message %s", h)
		}
		out = append(out, st)
	}
	return out, nil
}

func (b *Backend) Message(ctx context.Context, h mailkit.EnvelopeHash, mh mailkit.MailboxHash) ([]byte, error) {
	b.mu.Lock()
	sts, err := b.emailsLocked([]mailkit.EnvelopeHash{h})
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return b.client.Download(ctx, sts[0].blobID)
}

// pointerEscape escapes a JSON pointer token (RFC 6901).
var pointerEscape = strings.NewReplacer("~", "~0", "/", "~1")

// setEmails runs one Email/set call.
func (b *Backend) setEmails(ctx context.Context, args setArgs) (*setResponse, error) {
	acct, err := b.accountID(ctx)
	if err != nil {
		return nil, err
	}
	args.AccountID = acct
	id := b.client.NextCallID()
	resps, err := b.client.Call(ctx, Invocation{Name: "Email/set", Args: args, CallID: id})
	if err != nil {
		return nil, err
	}
	var r setResponse
	if err := response(resps, id, &r); err != nil {
		return nil, err
	}
	if err := r.err(); err != nil {
		return &r, mailkit.WrapError(mailkit.KindExternal, "jmap Email/set", err)
	}
	return &r, nil
}

func (b *Backend) writable(ctx context.Context, mh mailkit.MailboxHash) (string, error) {
	_, id, err := b.mailboxLocked(ctx, mh)
	if err != nil {
		return "", err
	}
	if b.settings.ReadOnly {
		return "", mailkit.Errorf(mailkit.KindValue, "jmap: account %s is read-only", b.settings.Name)
	}
	return id, nil
}

func (b *Backend) SetFlags(ctx context.Context, envs []mailkit.EnvelopeHash, mh mailkit.MailboxHash, ops []mailkit.FlagOp) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.writable(ctx, mh); err != nil {
		return err
	}
	sts, err := b.emailsLocked(envs)
	if err != nil {
		return err
	}
	patch := make(map[string]any, len(ops))
	for _, op := range ops {
		kw := op.Tag
		if kw == "" {
			if kw = mailkit.FlagKeyword(op.Flag); kw == "" {
				return mailkit.NotSupported("jmap", "setting the "+op.Flag.String()+" flag")
			}
		}
		if op.Set {
			patch["keywords/"+pointerEscape.Replace(kw)] = true
		} else {
			patch["keywords/"+pointerEscape.Replace(kw)] = nil
		}
	}
	update := make(map[string]map[string]any, len(sts))
	for _, st := range sts {
		update[st.id] = patch
	}
	if _, err := b.setEmails(ctx, setArgs{Update: update}); err != nil {
		return err
	}
	for _, st := range sts {
		st.flags, st.tags = mailkit.ApplyFlagOps(st.flags, st.tags, ops)
	}
	return nil
}

// Save uploads raw and imports it into the mailbox.
func (b *Backend) Save(ctx context.Context, raw []byte, mh mailkit.MailboxHash, flags mailkit.Flag) error {
	b.mu.Lock()
	mid, err := b.writable(ctx, mh)
	b.mu.Unlock()
	if err != nil {
		return err
	}
	acct, err := b.accountID(ctx)
	if err != nil {
		return err
	}
	blob, err := b.client.Upload(ctx, raw, "message/rfc822")
	if err != nil {
		return err
	}
	keywords := make(map[string]bool)
	for _, k := range flags.Keywords() {
		keywords[k] = true
	}
	cid := "k" + uuid.NewString()
	id := b.client.NextCallID()
	resps, err := b.client.Call(ctx, Invocation{Name: "Email/import", CallID: id, Args: importArgs{
		AccountID: acct,
		Emails:    map[string]importEmail{cid: {BlobID: blob, MailboxIDs: map[string]bool{mid: true}, Keywords: keywords}},
	}})
	if err != nil {
		return err
	}
	var r importResponse
	if err := response(resps, id, &r); err != nil {
		return err
	}
	if e, ok := r.NotCreated[cid]; ok {
		return mailkit.Errorf(mailkit.KindExternal, "jmap: import failed: %s %s", e.Type, e.Description)
	}
	return nil
}

// Copy adds the emails to dst; a move also takes them out of src. JMAP
// emails can be in several mailboxes at once, so nothing is duplicated.
func (b *Backend) Copy(ctx context.Context, envs []mailkit.EnvelopeHash, src, dst mailkit.MailboxHash, move bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sid, err := b.writable(ctx, src)
	if err != nil {
		return err
	}
	did, err := b.writable(ctx, dst)
	if err != nil {
		return err
	}
	sts, err := b.emailsLocked(envs)
	if err != nil {
		return err
	}
	patch := map[string]any{"mailboxIds/" + pointerEscape.Replace(did): true}
	if move {
		patch["mailboxIds/"+pointerEscape.Replace(sid)] = nil
	}
	update := make(map[string]map[string]any, len(sts))
	for _, st := range sts {
		update[st.id] = patch
	}
	if _, err := b.setEmails(ctx, setArgs{Update: update}); err != nil {
		return err
	}
	for _, st := range sts {
		boxes := make(map[string]bool, len(st.mailboxes)+1)
		for k, v := range st.mailboxes {
			boxes[k] = v
		}
		// dst is not recorded, so a refresh reports the email as created
		// there.
		if move {
			delete(boxes, sid)
		}
		st.mailboxes = boxes
	}
	return nil
}

func (b *Backend) Delete(ctx context.Context, envs []mailkit.EnvelopeHash, mh mailkit.MailboxHash) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.writable(ctx, mh); err != nil {
		return err
	}
	sts, err := b.emailsLocked(envs)
	if err != nil {
		return err
	}
	ids := make([]string, len(sts))
	for i, st := range sts {
		ids[i] = st.id
	}
	if _, err := b.setEmails(ctx, setArgs{Destroy: ids}); err != nil {
		return err
	}
	for _, st := range sts {
		for mid := range st.mailboxes {
			if mh, ok := b.byID[mid]; ok {
				delete(b.hashes, b.envelopeHash(mh, st.id))
			}
		}
		delete(b.emails, st.id)
	}
	return nil
}

func (b *Backend) setMailboxes(ctx context.Context, args setArgs) (*setResponse, error) {
	acct, err := b.accountID(ctx)
	if err != nil {
		return nil, err
	}
	args.AccountID = acct
	id := b.client.NextCallID()
	resps, err := b.client.Call(ctx, Invocation{Name: "Mailbox/set", Args: args, CallID: id})
	if err != nil {
		return nil, err
	}
	var r setResponse
	if err := response(resps, id, &r); err != nil {
		return nil, err
	}
	if err := r.err(); err != nil {
		return &r, mailkit.WrapError(mailkit.KindExternal, "jmap Mailbox/set", err)
	}
	return &r, nil
}

// CreateMailbox creates the last component of path under the mailbox named
// by the rest, which must exist.
func (b *Backend) CreateMailbox(ctx context.Context, path string) (mailkit.MailboxHash, error) {
	if b.settings.ReadOnly {
		return 0, mailkit.Errorf(mailkit.KindValue, "jmap: account %s is read-only", b.settings.Name)
	}
	path = strings.Trim(path, "/")
	if path == "" {
		return 0, mailkit.Errorf(mailkit.KindValue, "jmap: empty mailbox name")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mailboxes == nil {
		if err := b.loadMailboxesLocked(ctx); err != nil {
			return 0, err
		}
	}
	create := map[string]any{"name": path, "isSubscribed": true}
	if i := strings.LastIndex(path, "/"); i >= 0 {
		parent, ok := mailkit.FindMailbox(b.mailboxes, path[:i])
		if !ok {
			return 0, mailkit.Errorf(mailkit.KindNotFound, "jmap: parent mailbox %q does not exist", path[:i])
		}
		create["name"] = path[i+1:]
		create["parentId"] = b.ids[parent.Hash]
	}
	r, err := b.setMailboxes(ctx, setArgs{Create: map[string]any{"new": create}})
	if err != nil {
		return 0, err
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := decodeArgs(Invocation{Args: r.Created["new"]}, &created); err != nil || created.ID == "" {
		return 0, mailkit.Errorf(mailkit.KindExternal, "jmap: server did not return the new mailbox id")
	}
	if err := b.loadMailboxesLocked(ctx); err != nil {
		return 0, err
	}
	return b.mailboxHash(created.ID), nil
}

func (b *Backend) DeleteMailbox(ctx context.Context, mh mailkit.MailboxHash) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, err := b.writable(ctx, mh)
	if err != nil {
		return err
	}
	if _, err := b.setMailboxes(ctx, setArgs{Destroy: []string{id}}); err != nil {
		return err
	}
	delete(b.fetched, mh)
	return b.loadMailboxesLocked(ctx)
}

// Search runs Email/query with q restricted to the mailbox.
func (b *Backend) Search(ctx context.Context, q query.Query, mh mailkit.MailboxHash) ([]mailkit.EnvelopeHash, error) {
	var filter any
	if q != nil {
		f, err := Filter(q)
		if err != nil {
			return nil, err
		}
		filter = f
	}
	if mh != 0 {
		b.mu.Lock()
		_, mid, err := b.mailboxLocked(ctx, mh)
		b.mu.Unlock()
		if err != nil {
			return nil, err
		}
		in := FilterCondition{InMailbox: mid}
		if filter == nil {
			filter = in
		} else {
			filter = FilterOperator{Operator: "AND", Conditions: []any{in, filter}}
		}
	}
	acct, err := b.accountID(ctx)
	if err != nil {
		return nil, err
	}
	var out []mailkit.EnvelopeHash
	for pos := 0; ; {
		id := b.client.NextCallID()
		resps, err := b.client.Call(ctx, Invocation{Name: "Email/query", CallID: id, Args: queryArgs{
			AccountID:      acct,
			Filter:         filter,
			Sort:           []Comparator{{Property: "receivedAt"}},
			Position:       pos,
			Limit:          BatchSize,
			CalculateTotal: true,
		}})
		if err != nil {
			return nil, err
		}
		var r queryResponse
		if err := response(resps, id, &r); err != nil {
			return nil, err
		}
		b.mu.Lock()
		for _, eid := range r.IDs {
			if mh != 0 {
				h := b.envelopeHash(mh, eid)
				b.hashes[h] = eid
				out = append(out, h)
				continue
			}
			// Account wide: one hash per fetched mailbox holding the email.
			if st, ok := b.emails[eid]; ok {
				for mid := range st.mailboxes {
					if fmh, ok := b.byID[mid]; ok && b.fetched[fmh] {
						out = append(out, b.envelopeHash(fmh, eid))
					}
				}
			}
		}
		b.mu.Unlock()
		pos += len(r.IDs)
		if len(r.IDs) == 0 || pos >= r.Total {
			return out, nil
		}
	}
}

func (b *Backend) Close() error {
	b.client.HTTP.CloseIdleConnections()
	return nil
}
