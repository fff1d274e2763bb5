// Package notmuch is the mailkit.Backend for notmuch databases. It drives the
// notmuch command line tool; mailboxes are named queries from the account
// settings.
package notmuch

import (
	"bytes"
	"context"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/BrianLeishman/mailkit"
	"github.com/BrianLeishman/mailkit/query"
)

func init() {
	mailkit.Register("notmuch", func(s mailkit.AccountSettings) (mailkit.Backend, error) {
		return New(s, nil)
	})
}

// PollInterval is how often Watch rescans the fetched mailboxes.
var PollInterval = 2 * time.Minute

// DefaultMailboxes is used when the settings name no queries.
var DefaultMailboxes = map[string]string{"INBOX": "tag:inbox"}

// tagFlags maps notmuch tags to flags. Seen is the absence of "unread".
var tagFlags = []struct {
	tag  string
	flag mailkit.Flag
}{
	{"flagged", mailkit.FlagFlagged},
	{"replied", mailkit.FlagReplied},
	{"draft", mailkit.FlagDraft},
	{"passed", mailkit.FlagPassed},
	{"deleted", mailkit.FlagTrashed},
}

const unreadTag = "unread"

// FlagsFromTags splits notmuch tags into flags and the remaining tags.
func FlagsFromTags(tags []string) (mailkit.Flag, []string) {
	f := mailkit.FlagSeen
	var rest []string
outer:
	for _, t := range tags {
		if t == unreadTag {
			f &^= mailkit.FlagSeen
			continue
		}
		for _, tf := range tagFlags {
			if t == tf.tag {
				f |= tf.flag
				continue outer
			}
		}
		rest = append(rest, t)
	}
	sort.Strings(rest)
	return f, rest
}

// tagOps renders flag operations as notmuch tag arguments.
func tagOps(ops []mailkit.FlagOp) []string {
	var out []string
	sign := func(set bool) string {
		if set {
			return "+"
		}
		return "-"
	}
	for _, op := range ops {
		if op.Tag != "" {
			out = append(out, sign(op.Set)+op.Tag)
			continue
		}
		if op.Flag == mailkit.FlagSeen {
			out = append(out, sign(!op.Set)+unreadTag)
			continue
		}
		for _, tf := range tagFlags {
			if op.Flag == tf.flag {
				out = append(out, sign(op.Set)+tf.tag)
			}
		}
	}
	return out
}

// Backend is the mailkit.Backend for a notmuch database.
type Backend struct {
	settings mailkit.AccountSettings
	run      Runner
	log      mailkit.Logger
	runNew   bool

	mu        sync.Mutex
	mailboxes map[mailkit.MailboxHash]*mailkit.Mailbox
	queries   map[mailkit.MailboxHash]string
	state     map[mailkit.MailboxHash]map[mailkit.EnvelopeHash]*message
	index     map[mailkit.EnvelopeHash]string

	watcher mailkit.Watcher
}

type message struct {
	id    string
	flags mailkit.Flag
	tags  []string
}

// New builds a backend. A nil runner runs the notmuch binary with
// root_mailbox as the database path. Settings: notmuch_binary,
// notmuch_config, notmuch_run_new (run "notmuch new" before each poll).
func New(s mailkit.AccountSettings, r Runner) (*Backend, error) {
	if r == nil {
		if s.RootMailbox == "" {
			return nil, mailkit.Errorf(mailkit.KindConfiguration, "account %s: root_mailbox is required", s.Name)
		}
		r = ExecRunner{
			Binary:   s.GetString("notmuch_binary", ""),
			Config:   s.GetString("notmuch_config", ""),
			Database: s.RootMailbox,
		}
	}
	runNew, err := s.GetBool("notmuch_run_new", false)
	if err != nil {
		return nil, err
	}
	b := &Backend{
		settings: s,
		run:      r,
		log:      mailkit.ComponentLogger("mailkit/notmuch").WithAttrs("account", s.Name),
		runNew:   runNew,
		state:    make(map[mailkit.MailboxHash]map[mailkit.EnvelopeHash]*message),
		index:    make(map[mailkit.EnvelopeHash]string),
	}
	b.buildMailboxes()
	return b, nil
}

func (b *Backend) buildMailboxes() {
	queries := make(map[string]string)
	for name, conf := range b.settings.Mailboxes {
		if conf.Query != "" {
			queries[name] = conf.Query
		}
	}
	if len(queries) == 0 {
		for name, q := range DefaultMailboxes {
			queries[name] = q
		}
	}
	b.mailboxes = make(map[mailkit.MailboxHash]*mailkit.Mailbox, len(queries))
	b.queries = make(map[mailkit.MailboxHash]string, len(queries))
	for name, q := range queries {
		mb := &mailkit.Mailbox{
			Hash:       mailkit.MailboxHashOf(b.settings.Name, name),
			Name:       mailkit.LastComponent(name),
			Path:       name,
			Delimiter:  "/",
			Usage:      mailkit.DetectUsage(mailkit.LastComponent(name)),
			Subscribed: true,
			ReadOnly:   b.settings.ReadOnly,
		}
		if conf, ok := b.settings.Mailboxes[name]; ok && conf.Usage != nil {
			mb.Usage = *conf.Usage
		}
		b.mailboxes[mb.Hash] = mb
		b.queries[mb.Hash] = q
	}
	mailkit.LinkMailboxes(b.mailboxes)
}

func (b *Backend) Capabilities() mailkit.Capabilities {
	return mailkit.Capabilities{Name: "notmuch", SupportsSearch: true, SupportsTags: true}
}

func (b *Backend) IsOnline(ctx context.Context) error {
	_, err := b.run.Run(ctx, nil, "count", "--", "*")
	return err
}

func (b *Backend) count(ctx context.Context, q string) (int, error) {
	out, err := b.run.Run(ctx, nil, "count", "--", q)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil {
		return 0, mailkit.WrapError(mailkit.KindExternal, "notmuch count output", err)
	}
	return n, nil
}

// Mailboxes lists the configured queries with their counts.
func (b *Backend) Mailboxes(ctx context.Context) (map[mailkit.MailboxHash]*mailkit.Mailbox, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[mailkit.MailboxHash]*mailkit.Mailbox, len(b.mailboxes))
	for h, m := range b.mailboxes {
		q := b.queries[h]
		total, err := b.count(ctx, q)
		if err != nil {
			return nil, err
		}
		unseen, err := b.count(ctx, "("+q+") and tag:"+unreadTag)
		if err != nil {
			return nil, err
		}
		m.Total, m.Unseen = total, unseen
		c := *m
		c.Children = append([]mailkit.MailboxHash(nil), m.Children...)
		out[h] = &c
	}
	return out, nil
}

func (b *Backend) queryLocked(mh mailkit.MailboxHash) (string, error) {
	q, ok := b.queries[mh]
	if !ok {
		return "", mailkit.Errorf(mailkit.KindNotFound, "notmuch: unknown mailbox %s", mh)
	}
	return q, nil
}

// envelopeHash identifies a message within one mailbox. A message matching
// several mailbox queries has one hash per mailbox.
func (b *Backend) envelopeHash(mh mailkit.MailboxHash, id string) mailkit.EnvelopeHash {
	return mailkit.EnvelopeHash(mailkit.HashOf(b.settings.Name, "notmuch", mh.String(), id))
}

// showMessage is a message of "notmuch show --format=json".
type showMessage struct {
	ID        string            `json:"id"`
	Match     bool              `json:"match"`
	Excluded  bool              `json:"excluded"`
	Filename  json.RawMessage   `json:"filename"`
	Timestamp int64             `json:"timestamp"`
	Tags      []string          `json:"tags"`
	Headers   map[string]string `json:"headers"`
}

// files handles both the old single string and the newer list form.
func (m *showMessage) files() []string {
	var list []string
	if err := json.Unmarshal(m.Filename, &list); err == nil {
		return list
	}
	var one string
	if err := json.Unmarshal(m.Filename, &one); err == nil && one != "" {
		return []string{one}
	}
	return nil
}

// walkShow visits the messages of show output: a list of threads, each a
// list of [message, replies] pairs, replies having the same shape.
func walkShow(raw json.RawMessage, fn func(showMessage)) error {
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err != nil {
		return err
	}
	for _, item := range list {
		item = bytes.TrimSpace(item)
		if len(item) == 0 {
			continue
		}
		if item[0] == '{' {
			var m showMessage
			if err := json.Unmarshal(item, &m); err != nil {
				return err
			}
			fn(m)
			continue
		}
		if item[0] == '[' {
			if err := walkShow(item, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

// show runs "notmuch show" for q and returns the matching messages.
func (b *Backend) show(ctx context.Context, q string) ([]showMessage, error) {
	out, err := b.run.Run(ctx, nil, "show", "--format=json", "--body=false", "--entire-thread=false", "--exclude=false", "--", q)
	if err != nil {
		return nil, err
	}
	var msgs []showMessage
	err = walkShow(out, func(m showMessage) {
		if m.Match {
			msgs = append(msgs, m)
		}
	})
	if err != nil {
		return nil, mailkit.WrapError(mailkit.KindExternal, "decode notmuch show output", err)
	}
	return msgs, nil
}

// envelopeOf builds the envelope from the message file's header when it is
// readable, else from the headers notmuch reports.
func (b *Backend) envelopeOf(m showMessage, mh mailkit.MailboxHash) *mailkit.Envelope {
	var env *mailkit.Envelope
	for _, name := range m.files() {
		f, err := os.Open(name)
		if err != nil {
			continue
		}
		env, err = mailkit.ReadEnvelope(f)
		_ = f.Close()
		if err == nil {
			if st, err := os.Stat(name); err == nil {
				env.Size = uint64(st.Size())
			}
			break
		}
		env = nil
	}
	if env == nil {
		env = &mailkit.Envelope{Subject: m.Headers["Subject"]}
		for _, a := range []struct {
			dest   *mailkit.Addresses
			header string
		}{{&env.From, "From"}, {&env.To, "To"}, {&env.Cc, "Cc"}, {&env.Bcc, "Bcc"}, {&env.ReplyTo, "Reply-To"}} {
			if v := m.Headers[a.header]; v != "" {
				if list, err := mailkit.ParseAddressList(v); err == nil {
					*a.dest = list
				} else {
					*a.dest = mailkit.Addresses{{Email: v}}
				}
			}
		}
	}
	env.MessageID = m.ID
	env.Hash = b.envelopeHash(mh, m.ID)
	env.MailboxHash = mh
	env.Key = m.ID
	if m.Timestamp > 0 {
		env.Received = time.Unix(m.Timestamp, 0)
		if env.Date.IsZero() {
			env.Date = env.Received
		}
	}
	env.Flags, env.Tags = FlagsFromTags(m.Tags)
	return env
}

func (b *Backend) Fetch(ctx context.Context, mh mailkit.MailboxHash, batch func([]*mailkit.Envelope) error) error {
	b.mu.Lock()
	q, err := b.queryLocked(mh)
	b.mu.Unlock()
	if err != nil {
		return err
	}
	msgs, err := b.show(ctx, q)
	if err != nil {
		return err
	}
	envs := make([]*mailkit.Envelope, 0, len(msgs))
	state := make(map[mailkit.EnvelopeHash]*message, len(msgs))
	for _, m := range msgs {
		env := b.envelopeOf(m, mh)
		envs = append(envs, env)
		state[env.Hash] = &message{id: m.ID, flags: env.Flags, tags: env.Tags}
	}
	b.mu.Lock()
	b.state[mh] = state
	for h, m := range state {
		b.index[h] = m.id
	}
	b.mu.Unlock()

	sort.SliceStable(envs, func(i, j int) bool { return envs[i].SortDate().After(envs[j].SortDate()) })
	if len(envs) == 0 {
		return nil
	}
	return batch(envs)
}

// Refresh reruns the mailbox query and reports what changed since the last
// fetch or refresh.
func (b *Backend) Refresh(ctx context.Context, mh mailkit.MailboxHash) error {
	b.mu.Lock()
	q, err := b.queryLocked(mh)
	old, fetched := b.state[mh]
	b.mu.Unlock()
	if err != nil || !fetched {
		return err
	}
	msgs, err := b.show(ctx, q)
	if err != nil {
		return err
	}

	account := b.settings.Hash()
	now := make(map[mailkit.EnvelopeHash]*message, len(msgs))
	var evs []mailkit.RefreshEvent
	for _, m := range msgs {
		h := b.envelopeHash(mh, m.ID)
		flags, tags := FlagsFromTags(m.Tags)
		now[h] = &message{id: m.ID, flags: flags, tags: tags}
		prev, ok := old[h]
		switch {
		case !ok:
			evs = append(evs, mailkit.RefreshEvent{Account: account, Mailbox: mh, Kind: mailkit.EventCreate, Hash: h, Envelope: b.envelopeOf(m, mh)})
		case prev.flags != flags || strings.Join(prev.tags, ",") != strings.Join(tags, ","):
			evs = append(evs, mailkit.RefreshEvent{Account: account, Mailbox: mh, Kind: mailkit.EventNewFlags, Hash: h, Flags: flags, Tags: tags})
		}
	}
	for h := range old {
		if _, ok := now[h]; !ok {
			evs = append(evs, mailkit.RefreshEvent{Account: account, Mailbox: mh, Kind: mailkit.EventRemove, Hash: h})
		}
	}
	b.mu.Lock()
	b.state[mh] = now
	for h, m := range now {
		b.index[h] = m.id
	}
	b.mu.Unlock()

	for _, ev := range evs {
		b.watcher.Send(ctx, ev)
	}
	return nil
}

// Watch polls: notmuch has no change notification.
func (b *Backend) Watch(ctx context.Context, events chan<- mailkit.RefreshEvent) error {
	b.watcher.Attach(events)
	defer b.watcher.Attach(nil)
	account := b.settings.Hash()
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if b.runNew {
				if _, err := b.run.Run(ctx, nil, "new", "--quiet"); err != nil && ctx.Err() == nil {
					b.watcher.Send(ctx, mailkit.RefreshEvent{Account: account, Kind: mailkit.EventFailure, Err: err})
				}
			}
			b.mu.Lock()
			var fetched []mailkit.MailboxHash
			for mh := range b.state {
				fetched = append(fetched, mh)
			}
			b.mu.Unlock()
			for _, mh := range fetched {
				if err := b.Refresh(ctx, mh); err != nil && ctx.Err() == nil {
					b.watcher.Send(ctx, mailkit.RefreshEvent{Account: account, Mailbox: mh, Kind: mailkit.EventFailure, Err: err})
				}
			}
		}
	}
}

// idQuery renders "id:a or id:b" for the known messages among envs.
func (b *Backend) idQuery(envs []mailkit.EnvelopeHash) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	parts := make([]string, 0, len(envs))
	for _, h := range envs {
		id, ok := b.index[h]
		if !ok {
			return "", mailkit.Errorf(mailkit.KindNotFound, "notmuch: unknown message %s", h)
		}
		parts = append(parts, "id:"+quoteTerm(id))
	}
	return strings.Join(parts, " or "), nil
}

func (b *Backend) Message(ctx context.Context, h mailkit.EnvelopeHash, mh mailkit.MailboxHash) ([]byte, error) {
	q, err := b.idQuery([]mailkit.EnvelopeHash{h})
	if err != nil {
		return nil, err
	}
	return b.run.Run(ctx, nil, "show", "--format=raw", "--", q)
}

func (b *Backend) writable() error {
	if b.settings.ReadOnly {
		return mailkit.Errorf(mailkit.KindValue, "notmuch: account %s is read-only", b.settings.Name)
	}
	return nil
}

func (b *Backend) tag(ctx context.Context, envs []mailkit.EnvelopeHash, ops []string) error {
	if len(ops) == 0 {
		return nil
	}
	q, err := b.idQuery(envs)
	if err != nil {
		return err
	}
	args := append([]string{"tag"}, ops...)
	args = append(args, "--", q)
	_, err = b.run.Run(ctx, nil, args...)
	return err
}

func (b *Backend) SetFlags(ctx context.Context, envs []mailkit.EnvelopeHash, mh mailkit.MailboxHash, ops []mailkit.FlagOp) error {
	if err := b.writable(); err != nil {
		return err
	}
	if err := b.tag(ctx, envs, tagOps(ops)); err != nil {
		return err
	}
	b.mu.Lock()
	for _, h := range envs {
		for _, st := range b.state {
			if m, ok := st[h]; ok {
				m.flags, m.tags = mailkit.ApplyFlagOps(m.flags, m.tags, ops)
			}
		}
	}
	b.mu.Unlock()
	return nil
}

// mailboxTag returns X when the mailbox query is exactly "tag:X".
func (b *Backend) mailboxTag(mh mailkit.MailboxHash) (string, error) {
	b.mu.Lock()
	q, err := b.queryLocked(mh)
	b.mu.Unlock()
	if err != nil {
		return "", err
	}
	t, ok := strings.CutPrefix(strings.TrimSpace(q), "tag:")
	if !ok || t == "" || strings.ContainsAny(t, " ()") {
		return "", mailkit.NotSupported("notmuch", "adding messages to the query mailbox "+q)
	}
	return t, nil
}

// Save inserts raw into the database, tagged for the mailbox. The
// notmuch_insert_folder setting names the maildir folder to store it in.
func (b *Backend) Save(ctx context.Context, raw []byte, mh mailkit.MailboxHash, flags mailkit.Flag) error {
	if err := b.writable(); err != nil {
		return err
	}
	args := []string{"insert", "--create-folder"}
	if folder := b.settings.GetString("notmuch_insert_folder", ""); folder != "" {
		args = append(args, "--folder="+folder)
	}
	if t, err := b.mailboxTag(mh); err == nil {
		args = append(args, "+"+t)
	}
	if !flags.Has(mailkit.FlagSeen) {
		args = append(args, "+"+unreadTag)
	}
	for _, tf := range tagFlags {
		if flags.Has(tf.flag) {
			args = append(args, "+"+tf.tag)
		}
	}
	_, err := b.run.Run(ctx, raw, args...)
	return err
}

// Copy tags the messages for dst; a move also removes src's tag. Both
// mailboxes must be plain tag queries.
func (b *Backend) Copy(ctx context.Context, envs []mailkit.EnvelopeHash, src, dst mailkit.MailboxHash, move bool) error {
	if err := b.writable(); err != nil {
		return err
	}
	dt, err := b.mailboxTag(dst)
	if err != nil {
		return err
	}
	ops := []string{"+" + dt}
	if move {
		st, err := b.mailboxTag(src)
		if err != nil {
			return err
		}
		ops = append(ops, "-"+st)
	}
	return b.tag(ctx, envs, ops)
}

// Delete tags the messages deleted; notmuch never removes files itself.
func (b *Backend) Delete(ctx context.Context, envs []mailkit.EnvelopeHash, mh mailkit.MailboxHash) error {
	if err := b.writable(); err != nil {
		return err
	}
	return b.tag(ctx, envs, []string{"+deleted"})
}

func (b *Backend) CreateMailbox(ctx context.Context, path string) (mailkit.MailboxHash, error) {
	return 0, mailkit.NotSupported("notmuch", "creating mailboxes; add a query to the configuration")
}

func (b *Backend) DeleteMailbox(ctx context.Context, mh mailkit.MailboxHash) error {
	return mailkit.NotSupported("notmuch", "deleting mailboxes")
}

// Search runs q, restricted to the mailbox's query when mh is set.
func (b *Backend) Search(ctx context.Context, q query.Query, mh mailkit.MailboxHash) ([]mailkit.EnvelopeHash, error) {
	nq, err := Query(q)
	if err != nil {
		return nil, err
	}
	if mh != 0 {
		b.mu.Lock()
		mq, err := b.queryLocked(mh)
		b.mu.Unlock()
		if err != nil {
			return nil, err
		}
		nq = "(" + mq + ") and (" + nq + ")"
	}
	out, err := b.run.Run(ctx, nil, "search", "--format=json", "--output=messages", "--", nq)
	if err != nil {
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal(out, &ids); err != nil {
		return nil, mailkit.WrapError(mailkit.KindExternal, "decode notmuch search output", err)
	}
	hashes := make([]mailkit.EnvelopeHash, 0, len(ids))
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range ids {
		if mh != 0 {
			h := b.envelopeHash(mh, id)
			b.index[h] = id
			hashes = append(hashes, h)
			continue
		}
		// Account wide: one hash per fetched mailbox holding the message.
		for fmh, state := range b.state {
			if h := b.envelopeHash(fmh, id); state[h] != nil {
				hashes = append(hashes, h)
			}
		}
	}
	return hashes, nil
}

func (b *Backend) Close() error { return nil }
