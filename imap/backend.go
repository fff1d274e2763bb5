package imap

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BrianLeishman/mailkit"
	"github.com/BrianLeishman/mailkit/query"
	"github.com/BrianLeishman/mailkit/textproc"
)

func init() {
	mailkit.Register("imap", func(s mailkit.AccountSettings) (mailkit.Backend, error) {
		return NewBackend(s)
	})
	mailkit.RegisterFeature("deflate_compression")
}

// Backend is the mailkit.Backend for IMAP servers. Every operation runs on
// one connection guarded by a mutex; Watch opens a second one for IDLE.
type Backend struct {
	settings mailkit.AccountSettings
	opts     Options
	useIdle  bool

	mu        sync.Mutex
	conn      *Dialer
	mailboxes map[mailkit.MailboxHash]*mailkit.Mailbox
	state     map[mailkit.MailboxHash]*mailboxState
	uids      map[mailkit.EnvelopeHash]uidRef

	watcher mailkit.Watcher
}

type uidRef struct {
	mailbox mailkit.MailboxHash
	uid     uint32
}

type msgState struct {
	hash  mailkit.EnvelopeHash
	flags mailkit.Flag
	tags  []string
}

// mailboxState is what we know of a fetched mailbox, used to diff on
// refresh.
type mailboxState struct {
	uidValidity   uint32
	highestModSeq uint64
	byUID         map[uint32]*msgState
}

// NewBackend reads the connection settings of an account. It does not
// connect; the first operation does.
//
// Settings: server_hostname, server_username, server_password, server_port,
// use_tls, use_starttls, use_oauth2, use_idle, use_condstore, use_deflate,
// danger_accept_invalid_certs.
func NewBackend(s mailkit.AccountSettings) (*Backend, error) {
	host, err := s.Require("server_hostname")
	if err != nil {
		return nil, err
	}
	user, err := s.Require("server_username")
	if err != nil {
		return nil, err
	}
	pass, err := s.Require("server_password")
	if err != nil {
		return nil, err
	}

	opts := Options{Host: host, Username: user, Password: pass}
	useTLS, err := s.GetBool("use_tls", true)
	if err != nil {
		return nil, err
	}
	startTLS, err := s.GetBool("use_starttls", false)
	if err != nil {
		return nil, err
	}
	defPort := 993
	switch {
	case startTLS:
		opts.Security = SecurityStartTLS
		defPort = 143
	case !useTLS:
		opts.Security = SecurityNone
		defPort = 143
	}
	if opts.Port, err = s.GetInt("server_port", defPort); err != nil {
		return nil, err
	}
	if opts.OAuth2, err = s.GetBool("use_oauth2", false); err != nil {
		return nil, err
	}
	if opts.Condstore, err = s.GetBool("use_condstore", true); err != nil {
		return nil, err
	}
	if opts.Compress, err = s.GetBool("use_deflate", true); err != nil {
		return nil, err
	}
	insecure, err := s.GetBool("danger_accept_invalid_certs", false)
	if err != nil {
		return nil, err
	}
	if insecure {
		opts.TLSConfig = opts.tlsConfig()
		opts.TLSConfig.InsecureSkipVerify = true
	}
	useIdle, err := s.GetBool("use_idle", true)
	if err != nil {
		return nil, err
	}

	return &Backend{
		settings: s,
		opts:     opts,
		useIdle:  useIdle,
		state:    make(map[mailkit.MailboxHash]*mailboxState),
		uids:     make(map[mailkit.EnvelopeHash]uidRef),
	}, nil
}

// connLocked returns the connection, dialing it if needed.
func (b *Backend) connLocked() (*Dialer, error) {
	if b.conn != nil && b.conn.Connected {
		return b.conn, nil
	}
	if b.conn != nil {
		if err := b.conn.Reconnect(); err != nil {
			return nil, err
		}
		return b.conn, nil
	}
	d, err := Dial(b.opts)
	if err != nil {
		return nil, err
	}
	b.conn = d
	return d, nil
}

func (b *Backend) Capabilities() mailkit.Capabilities {
	c := mailkit.Capabilities{
		Name:           "imap",
		IsRemote:       true,
		SupportsSearch: true,
		SupportsTags:   true,
	}
	b.mu.Lock()
	if b.conn != nil {
		c.Extensions = b.conn.CapabilityList()
	}
	b.mu.Unlock()
	return c
}

func (b *Backend) IsOnline(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, err := b.connLocked()
	if err != nil {
		return err
	}
	return d.Noop()
}

func (b *Backend) Mailboxes(ctx context.Context) (map[mailkit.MailboxHash]*mailkit.Mailbox, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.loadMailboxesLocked(); err != nil {
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

func (b *Backend) loadMailboxesLocked() error {
	d, err := b.connLocked()
	if err != nil {
		return err
	}
	entries, err := d.ListMailboxes()
	if err != nil {
		return err
	}
	mailboxes := make(map[mailkit.MailboxHash]*mailkit.Mailbox, len(entries))
	for _, e := range entries {
		if e.HasAttribute(`\NonExistent`) {
			continue
		}
		mb := &mailkit.Mailbox{
			Hash:      mailkit.MailboxHashOf(b.settings.Name, e.Name),
			Path:      e.Name,
			Delimiter: e.Delimiter,
			NoSelect:  e.HasAttribute(`\Noselect`),
			ReadOnly:  b.settings.ReadOnly,
		}
		name := e.Name
		if e.Delimiter != "" {
			if i := strings.LastIndex(name, e.Delimiter); i >= 0 {
				name = name[i+len(e.Delimiter):]
			}
		}
		mb.Name = DecodeMailboxName(name)

		mb.Usage = mailkit.DetectUsage(mb.Name)
		for _, a := range e.Attributes {
			if u, ok := mailkit.ParseSpecialUse(a); ok {
				mb.Usage = u
				break
			}
		}
		if conf, ok := b.settings.MailboxConfFor(e.Name); ok && conf.Usage != nil {
			mb.Usage = *conf.Usage
		}
		mb.Subscribed = b.settings.IsSubscribed(e.Name, textproc.GlobMatch)

		if mb.Subscribed && !mb.NoSelect {
			if st, err := d.Status(e.Name); err == nil {
				mb.Total, mb.Unseen = st.Messages, st.Unseen
			} else {
				debugLog(d.ConnNum, e.Name, "STATUS failed", "error", err)
			}
		}
		mailboxes[mb.Hash] = mb
	}
	mailkit.LinkMailboxes(mailboxes)
	b.mailboxes = mailboxes
	return nil
}

// mailboxLocked returns a known mailbox, listing mailboxes once if needed.
func (b *Backend) mailboxLocked(mh mailkit.MailboxHash) (*mailkit.Mailbox, error) {
	if b.mailboxes == nil {
		if err := b.loadMailboxesLocked(); err != nil {
			return nil, err
		}
	}
	mb, ok := b.mailboxes[mh]
	if !ok {
		return nil, mailkit.Errorf(mailkit.KindNotFound, "imap: unknown mailbox %s", mh)
	}
	return mb, nil
}

// examine re-opens a mailbox read-only so the SELECT counters are fresh.
func (b *Backend) examine(mh mailkit.MailboxHash) (*Dialer, *mailkit.Mailbox, error) {
	mb, err := b.mailboxLocked(mh)
	if err != nil {
		return nil, nil, err
	}
	if mb.NoSelect {
		return nil, nil, mailkit.Errorf(mailkit.KindValue, "imap: mailbox %s cannot hold messages", mb.Path)
	}
	d, err := b.connLocked()
	if err != nil {
		return nil, nil, err
	}
	if err := d.ExamineFolder(mb.Path); err != nil {
		return nil, nil, err
	}
	return d, mb, nil
}

// open selects a mailbox and checks that our UIDs are still valid.
func (b *Backend) open(mh mailkit.MailboxHash, write bool) (*Dialer, *mailkit.Mailbox, error) {
	mb, err := b.mailboxLocked(mh)
	if err != nil {
		return nil, nil, err
	}
	if mb.NoSelect {
		return nil, nil, mailkit.Errorf(mailkit.KindValue, "imap: mailbox %s cannot hold messages", mb.Path)
	}
	if write && (mb.ReadOnly || b.settings.ReadOnly) {
		return nil, nil, mailkit.Errorf(mailkit.KindValue, "imap: mailbox %s is read-only", mb.Path)
	}
	d, err := b.connLocked()
	if err != nil {
		return nil, nil, err
	}
	if err := d.ensureSelected(mb.Path, write); err != nil {
		return nil, nil, err
	}
	return d, mb, nil
}

func (b *Backend) envelopeHash(path string, uidValidity, uid uint32) mailkit.EnvelopeHash {
	return mailkit.EnvelopeHash(mailkit.HashOf(b.settings.Name, path,
		strconv.FormatUint(uint64(uidValidity), 10), strconv.FormatUint(uint64(uid), 10)))
}

// envelopeOf converts a header FETCH record.
func (b *Backend) envelopeOf(mb *mailkit.Mailbox, uidValidity uint32, rec FetchRecord) *mailkit.Envelope {
	env, err := mailkit.ParseEnvelope(rec.Header)
	if err != nil {
		warnLog(-1, mb.Path, "could not parse message header", "uid", rec.UID, "error", err)
		env = &mailkit.Envelope{Date: rec.Received}
	}
	env.Hash = b.envelopeHash(mb.Path, uidValidity, rec.UID)
	env.MailboxHash = mb.Hash
	env.UID = rec.UID
	env.Key = strconv.FormatUint(uint64(rec.UID), 10)
	env.Received = rec.Received
	env.Size = rec.Size
	env.Flags, env.Tags = mailkit.FlagsFromIMAP(rec.Flags)
	sort.Strings(env.Tags)
	return env
}

// resetLocked forgets what we know of a mailbox, as after a UIDVALIDITY
// change.
func (b *Backend) resetLocked(mh mailkit.MailboxHash) *mailboxState {
	if old, ok := b.state[mh]; ok {
		for _, m := range old.byUID {
			delete(b.uids, m.hash)
		}
	}
	st := &mailboxState{byUID: make(map[uint32]*msgState)}
	b.state[mh] = st
	return st
}

func (b *Backend) remember(st *mailboxState, env *mailkit.Envelope) {
	st.byUID[env.UID] = &msgState{hash: env.Hash, flags: env.Flags, tags: env.Tags}
	b.uids[env.Hash] = uidRef{mailbox: env.MailboxHash, uid: env.UID}
}

func (b *Backend) Fetch(ctx context.Context, mh mailkit.MailboxHash, batch func([]*mailkit.Envelope) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	d, mb, err := b.examine(mh)
	if err != nil {
		return err
	}
	sel := d.Selected
	st := b.resetLocked(mh)
	st.uidValidity = sel.UIDValidity
	st.highestModSeq = sel.HighestModSeq
	if sel.Exists == 0 {
		return nil
	}

	uids, err := d.SearchUIDs("ALL")
	if err != nil {
		return err
	}
	// Newest first, so the latest mail shows up before the rest.
	sort.Slice(uids, func(i, j int) bool { return uids[i] > uids[j] })

	return d.FetchHeaders(uids, func(recs []FetchRecord) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		envs := make([]*mailkit.Envelope, 0, len(recs))
		for _, rec := range recs {
			env := b.envelopeOf(mb, st.uidValidity, rec)
			b.remember(st, env)
			envs = append(envs, env)
		}
		return batch(envs)
	})
}

func (b *Backend) Refresh(ctx context.Context, mh mailkit.MailboxHash) error {
	b.mu.Lock()
	events, err := b.refreshLocked(mh)
	b.mu.Unlock()
	for _, ev := range events {
		b.watcher.Send(ctx, ev)
	}
	return err
}

// refreshLocked diffs the server's view of a fetched mailbox against ours.
func (b *Backend) refreshLocked(mh mailkit.MailboxHash) ([]mailkit.RefreshEvent, error) {
	st, ok := b.state[mh]
	if !ok {
		// Never fetched, nothing to compare with.
		return nil, nil
	}
	d, mb, err := b.examine(mh)
	if err != nil {
		return nil, err
	}
	sel := d.Selected
	account := b.settings.Hash()

	if sel.UIDValidity != st.uidValidity {
		warnLog(d.ConnNum, mb.Path, "UIDVALIDITY changed, rescanning", "old", st.uidValidity, "new", sel.UIDValidity)
		b.resetLocked(mh)
		delete(b.state, mh)
		return []mailkit.RefreshEvent{{Account: account, Mailbox: mh, Kind: mailkit.EventRescan}}, nil
	}

	var events []mailkit.RefreshEvent
	uids, err := d.SearchUIDs("ALL")
	if err != nil {
		return nil, err
	}
	current := make(map[uint32]bool, len(uids))
	var added []uint32
	for _, u := range uids {
		current[u] = true
		if _, known := st.byUID[u]; !known {
			added = append(added, u)
		}
	}
	for u, m := range st.byUID {
		if !current[u] {
			delete(st.byUID, u)
			delete(b.uids, m.hash)
			events = append(events, mailkit.RefreshEvent{Account: account, Mailbox: mh, Kind: mailkit.EventRemove, Hash: m.hash})
		}
	}

	if len(added) > 0 {
		err := d.FetchHeaders(added, func(recs []FetchRecord) error {
			for _, rec := range recs {
				env := b.envelopeOf(mb, st.uidValidity, rec)
				b.remember(st, env)
				events = append(events, mailkit.RefreshEvent{Account: account, Mailbox: mh, Kind: mailkit.EventCreate, Hash: env.Hash, Envelope: env})
			}
			return nil
		})
		if err != nil {
			return events, err
		}
	}

	if !d.Condstore() || sel.HighestModSeq != st.highestModSeq {
		recs, err := d.FetchFlags(st.highestModSeq)
		if err != nil {
			return events, err
		}
		for _, rec := range recs {
			m, ok := st.byUID[rec.UID]
			if !ok {
				continue
			}
			flags, tags := mailkit.FlagsFromIMAP(rec.Flags)
			sort.Strings(tags)
			if flags == m.flags && equalStrings(tags, m.tags) {
				continue
			}
			m.flags, m.tags = flags, tags
			events = append(events, mailkit.RefreshEvent{Account: account, Mailbox: mh, Kind: mailkit.EventNewFlags, Hash: m.hash, Flags: flags, Tags: tags})
		}
	}
	st.highestModSeq = sel.HighestModSeq
	return events, nil
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

// Watch refreshes INBOX whenever its IDLE connection reports a change and
// every IdleRefresh polls the other fetched mailboxes. Without IDLE every
// mailbox is polled.
func (b *Backend) Watch(ctx context.Context, events chan<- mailkit.RefreshEvent) error {
	b.watcher.Attach(events)
	defer b.watcher.Attach(nil)

	b.mu.Lock()
	d, err := b.connLocked()
	if err == nil && b.mailboxes == nil {
		err = b.loadMailboxesLocked()
	}
	var inbox *mailkit.Mailbox
	if err == nil {
		for _, mb := range b.mailboxes {
			if mb.Usage == mailkit.UsageInbox {
				inbox = mb
				break
			}
		}
	}
	canIdle := err == nil && b.useIdle && d.HasCapability("IDLE") && inbox != nil
	b.mu.Unlock()
	if err != nil {
		return err
	}

	trigger := make(chan struct{}, 1)
	poke := func() {
		select {
		case trigger <- struct{}{}:
		default:
		}
	}
	idleErr := make(chan error, 1)

	if canIdle {
		idler, err := Dial(b.opts)
		if err != nil {
			return err
		}
		defer func() { _ = idler.Logout() }()
		if err := idler.ExamineFolder(inbox.Path); err != nil {
			return err
		}
		err = idler.StartIdle(&IdleHandler{
			OnExists:  func(ExistsEvent) { poke() },
			OnExpunge: func(ExpungeEvent) { poke() },
			OnFetch:   func(FetchEvent) { poke() },
			OnError: func(err error) {
				select {
				case idleErr <- err:
				default:
				}
			},
		})
		if err != nil {
			warnLog(idler.ConnNum, inbox.Path, "IDLE unavailable, polling instead", "error", err)
		} else {
			defer func() { _ = idler.StopIdle() }()
		}
	}

	ticker := time.NewTicker(IdleRefresh)
	defer ticker.Stop()
	account := b.settings.Hash()
	refresh := func(mh mailkit.MailboxHash) {
		if err := b.Refresh(ctx, mh); err != nil && ctx.Err() == nil {
			b.watcher.Send(ctx, mailkit.RefreshEvent{Account: account, Mailbox: mh, Kind: mailkit.EventFailure, Err: err})
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-trigger:
			refresh(inbox.Hash)
		case err := <-idleErr:
			b.watcher.Send(ctx, mailkit.RefreshEvent{Account: account, Kind: mailkit.EventFailure, Err: err})
		case <-ticker.C:
			for _, mh := range b.fetchedMailboxes() {
				refresh(mh)
			}
		}
	}
}

func (b *Backend) fetchedMailboxes() []mailkit.MailboxHash {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]mailkit.MailboxHash, 0, len(b.state))
	for mh := range b.state {
		out = append(out, mh)
	}
	return out
}

// uidsLocked maps envelope hashes of mailbox to UIDs.
func (b *Backend) uidsLocked(envs []mailkit.EnvelopeHash, mh mailkit.MailboxHash) ([]uint32, error) {
	out := make([]uint32, 0, len(envs))
	for _, h := range envs {
		ref, ok := b.uids[h]
		if !ok || ref.mailbox != mh {
			return nil, mailkit.Errorf(mailkit.KindNotFound, "imap: envelope %s is not in mailbox %s", h, mh)
		}
		out = append(out, ref.uid)
	}
	return out, nil
}

func (b *Backend) Message(ctx context.Context, env mailkit.EnvelopeHash, mh mailkit.MailboxHash) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	uids, err := b.uidsLocked([]mailkit.EnvelopeHash{env}, mh)
	if err != nil {
		return nil, err
	}
	d, _, err := b.open(mh, false)
	if err != nil {
		return nil, err
	}
	return d.FetchRaw(uids[0])
}

func (b *Backend) SetFlags(ctx context.Context, envs []mailkit.EnvelopeHash, mh mailkit.MailboxHash, ops []mailkit.FlagOp) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	uids, err := b.uidsLocked(envs, mh)
	if err != nil {
		return err
	}
	d, _, err := b.open(mh, true)
	if err != nil {
		return err
	}
	if err := d.SetFlagsUIDs(uids, FlagsFromOps(ops)); err != nil {
		return err
	}
	if st, ok := b.state[mh]; ok {
		for _, u := range uids {
			if m, ok := st.byUID[u]; ok {
				m.flags, m.tags = mailkit.ApplyFlagOps(m.flags, m.tags, ops)
			}
		}
	}
	return nil
}

func (b *Backend) Save(ctx context.Context, raw []byte, mh mailkit.MailboxHash, flags mailkit.Flag) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	mb, err := b.mailboxLocked(mh)
	if err != nil {
		return err
	}
	if b.settings.ReadOnly {
		return mailkit.Errorf(mailkit.KindValue, "imap: account %s is read-only", b.settings.Name)
	}
	d, err := b.connLocked()
	if err != nil {
		return err
	}
	return d.Append(mb.Path, flags.IMAPFlags(), time.Time{}, raw)
}

func (b *Backend) Copy(ctx context.Context, envs []mailkit.EnvelopeHash, src, dst mailkit.MailboxHash, move bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	uids, err := b.uidsLocked(envs, src)
	if err != nil {
		return err
	}
	target, err := b.mailboxLocked(dst)
	if err != nil {
		return err
	}
	d, _, err := b.open(src, move)
	if err != nil {
		return err
	}
	if !move {
		return d.CopyUIDs(uids, target.Path)
	}
	if err := d.MoveUIDs(uids, target.Path); err != nil {
		return err
	}
	b.forgetLocked(src, uids)
	return nil
}

func (b *Backend) forgetLocked(mh mailkit.MailboxHash, uids []uint32) {
	st, ok := b.state[mh]
	if !ok {
		return
	}
	for _, u := range uids {
		if m, ok := st.byUID[u]; ok {
			delete(b.uids, m.hash)
			delete(st.byUID, u)
		}
	}
}

func (b *Backend) Delete(ctx context.Context, envs []mailkit.EnvelopeHash, mh mailkit.MailboxHash) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	uids, err := b.uidsLocked(envs, mh)
	if err != nil {
		return err
	}
	d, _, err := b.open(mh, true)
	if err != nil {
		return err
	}
	if err := d.DeleteUIDs(uids); err != nil {
		return err
	}
	b.forgetLocked(mh, uids)
	return nil
}

func (b *Backend) CreateMailbox(ctx context.Context, path string) (mailkit.MailboxHash, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, err := b.connLocked()
	if err != nil {
		return 0, err
	}
	if err := d.CreateFolder(path); err != nil {
		return 0, err
	}
	if err := d.SubscribeFolder(path); err != nil {
		debugLog(d.ConnNum, path, "SUBSCRIBE failed", "error", err)
	}
	if err := b.loadMailboxesLocked(); err != nil {
		return 0, err
	}
	h := mailkit.MailboxHashOf(b.settings.Name, path)
	if _, ok := b.mailboxes[h]; !ok {
		return 0, fmt.Errorf("imap: created mailbox %q is not listed", path)
	}
	return h, nil
}

func (b *Backend) DeleteMailbox(ctx context.Context, mh mailkit.MailboxHash) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	mb, err := b.mailboxLocked(mh)
	if err != nil {
		return err
	}
	d, err := b.connLocked()
	if err != nil {
		return err
	}
	if err := d.DeleteFolder(mb.Path); err != nil {
		return err
	}
	b.resetLocked(mh)
	delete(b.state, mh)
	return b.loadMailboxesLocked()
}

func (b *Backend) Search(ctx context.Context, q query.Query, mh mailkit.MailboxHash) ([]mailkit.EnvelopeHash, error) {
	criteria, err := SearchCriteria(q)
	if err != nil {
		return nil, mailkit.WrapError(mailkit.KindNotSupported, "imap search", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	d, _, err := b.open(mh, false)
	if err != nil {
		return nil, err
	}
	uids, err := d.SearchUIDs(criteria)
	if err != nil {
		return nil, err
	}
	st := b.state[mh]
	out := make([]mailkit.EnvelopeHash, 0, len(uids))
	for _, u := range uids {
		if st == nil {
			break
		}
		if m, ok := st.byUID[u]; ok {
			out = append(out, m.hash)
		}
	}
	return out, nil
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil
	}
	err := b.conn.Logout()
	b.conn = nil
	return err
}
