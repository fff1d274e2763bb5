// Package mbox is the mailkit.Backend for mbox files.
//
// root_mailbox is either a single mbox file or a directory of them. Writes
// take a process-local mutex and a "<file>.lock" dot lock; rewrites go
// through a temporary file renamed over the original.
//
// Envelope hashes derive from a message's position in its file, so
// rewriting a file renames the messages after the change; the backend
// reports that with EventRename.
package mbox

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BrianLeishman/mailkit"
	"github.com/BrianLeishman/mailkit/query"
	"github.com/BrianLeishman/mailkit/textproc"
)

const component = "mailkit/mbox"

func init() {
	mailkit.Register("mbox", func(s mailkit.AccountSettings) (mailkit.Backend, error) {
		return New(s)
	})
}

// LockTimeout is how long to wait for another process's dot lock.
var LockTimeout = 5 * time.Second

// Backend is a set of mbox files.
type Backend struct {
	settings mailkit.AccountSettings
	root     string
	isDir    bool
	format   Format
	log      mailkit.Logger

	mu        sync.Mutex
	mailboxes map[mailkit.MailboxHash]*mailkit.Mailbox
	files     map[mailkit.MailboxHash]string
	state     map[mailkit.MailboxHash][]*message
	index     map[mailkit.EnvelopeHash]mailkit.MailboxHash

	watcher mailkit.Watcher
}

// message is what we remember of a fetched message.
type message struct {
	hash      mailkit.EnvelopeHash
	messageID string
	flags     mailkit.Flag
	span      span
}

// New reads the settings: root_mailbox and mbox_format (mboxo, mboxrd,
// mboxcl or mboxcl2, the default).
func New(s mailkit.AccountSettings) (*Backend, error) {
	if s.RootMailbox == "" {
		return nil, mailkit.Errorf(mailkit.KindConfiguration, "account %s: root_mailbox is required", s.Name)
	}
	root := s.RootMailbox
	if strings.HasPrefix(root, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, mailkit.WrapError(mailkit.KindConfiguration, "expand ~", err)
		}
		root = filepath.Join(home, root[2:])
	}
	st, err := os.Stat(root)
	if err != nil {
		return nil, mailkit.WrapError(mailkit.KindConfiguration, "account "+s.Name+": root_mailbox", err)
	}
	format, err := ParseFormat(s.GetString("mbox_format", ""))
	if err != nil {
		return nil, err
	}
	return &Backend{
		settings: s,
		root:     filepath.Clean(root),
		isDir:    st.IsDir(),
		format:   format,
		log:      mailkit.ComponentLogger(component).WithAttrs("account", s.Name),
		state:    make(map[mailkit.MailboxHash][]*message),
		index:    make(map[mailkit.EnvelopeHash]mailkit.MailboxHash),
	}, nil
}

func (b *Backend) Capabilities() mailkit.Capabilities {
	return mailkit.Capabilities{Name: "mbox", Extensions: []string{string(b.format)}}
}

func (b *Backend) IsOnline(ctx context.Context) error {
	if _, err := os.Stat(b.root); err != nil {
		return mailkit.WrapError(mailkit.KindNotFound, "mbox root", err)
	}
	return nil
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
	mailboxes := make(map[mailkit.MailboxHash]*mailkit.Mailbox)
	files := make(map[mailkit.MailboxHash]string)
	base := filepath.Base(b.root)

	add := func(file, path string, noSelect bool) {
		mb := &mailkit.Mailbox{
			Hash:      mailkit.MailboxHashOf(b.settings.Name, path),
			Name:      mailkit.LastComponent(path),
			Path:      path,
			Delimiter: "/",
			NoSelect:  noSelect,
			ReadOnly:  b.settings.ReadOnly,
		}
		mb.Usage = mailkit.DetectUsage(mb.Name)
		if !b.isDir && mb.Usage == mailkit.UsageNormal {
			mb.Usage = mailkit.UsageInbox
		}
		if conf, ok := b.settings.MailboxConfFor(path); ok && conf.Usage != nil {
			mb.Usage = *conf.Usage
		}
		mb.Subscribed = b.settings.IsSubscribed(path, textproc.GlobMatch)
		mailboxes[mb.Hash] = mb
		files[mb.Hash] = file
	}

	if !b.isDir {
		add(b.root, base, false)
	} else {
		add(b.root, base, true)
		err := filepath.WalkDir(b.root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if p == b.root {
				return nil
			}
			name := d.Name()
			if strings.HasPrefix(name, ".") {
				if d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if strings.HasSuffix(name, ".lock") {
				return nil
			}
			rel, err := filepath.Rel(b.root, p)
			if err != nil {
				return err
			}
			add(p, base+"/"+filepath.ToSlash(rel), d.IsDir())
			return nil
		})
		if err != nil {
			return mailkit.WrapError(mailkit.KindExternal, "scan mbox directory", err)
		}
	}
	mailkit.LinkMailboxes(mailboxes)
	b.mailboxes, b.files = mailboxes, files
	for h, mb := range mailboxes {
		if !mb.NoSelect {
			b.countLocked(mb, files[h])
		}
	}
	return nil
}

// countLocked fills in the totals of mb, from the last fetch when there
// was one.
func (b *Backend) countLocked(mb *mailkit.Mailbox, file string) {
	msgs, fetched := b.state[mb.Hash]
	if !fetched {
		var err error
		if _, _, msgs, err = b.scan(mb, file); err != nil {
			b.log.Warn("could not count messages", "file", file, "error", err)
			return
		}
	}
	mb.Total, mb.Unseen = len(msgs), 0
	for _, m := range msgs {
		if !m.flags.Has(mailkit.FlagSeen) {
			mb.Unseen++
		}
	}
}

func (b *Backend) mailboxLocked(mh mailkit.MailboxHash) (*mailkit.Mailbox, string, error) {
	if b.mailboxes == nil {
		if err := b.loadMailboxesLocked(); err != nil {
			return nil, "", err
		}
	}
	mb, ok := b.mailboxes[mh]
	if !ok {
		return nil, "", mailkit.Errorf(mailkit.KindNotFound, "mbox: unknown mailbox %s", mh)
	}
	if mb.NoSelect {
		return nil, "", mailkit.Errorf(mailkit.KindValue, "mbox: %s is a directory", mb.Path)
	}
	return mb, b.files[mh], nil
}

func (b *Backend) writable(mb *mailkit.Mailbox) error {
	if mb.ReadOnly || b.settings.ReadOnly {
		return mailkit.Errorf(mailkit.KindValue, "mbox: mailbox %s is read-only", mb.Path)
	}
	return nil
}

// envelopeHash names the nth message of file carrying messageID. It does
// not depend on the position in the file, so rewriting the status headers
// of one message leaves the others alone.
func (b *Backend) envelopeHash(file, messageID string, nth int) mailkit.EnvelopeHash {
	return mailkit.EnvelopeHash(mailkit.HashOf(b.settings.Name, file, messageID, strconv.Itoa(nth)))
}

// scan parses file into envelopes, oldest first.
func (b *Backend) scan(mb *mailkit.Mailbox, file string) ([]byte, []*mailkit.Envelope, []*message, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, nil, nil, mailkit.WrapError(mailkit.KindExternal, "read mbox", err)
	}
	var envs []*mailkit.Envelope
	var msgs []*message
	seen := make(map[string]int)
	for _, sp := range split(data) {
		raw := unescape(data[sp.Start:sp.End], b.format)
		env, err := mailkit.ParseEnvelope(raw)
		if err != nil {
			b.log.Warn("could not parse message header", "file", file, "offset", sp.Offset, "error", err)
			env = &mailkit.Envelope{MessageID: "unparsed@mailkit.invalid", Size: uint64(len(raw))}
		}
		env.Hash = b.envelopeHash(file, env.MessageID, seen[env.MessageID])
		seen[env.MessageID]++
		env.MailboxHash = mb.Hash
		env.Key = strconv.Itoa(sp.Offset)
		envs = append(envs, env)
		msgs = append(msgs, &message{hash: env.Hash, messageID: env.MessageID, flags: env.Flags, span: sp})
	}
	return data, envs, msgs, nil
}

func (b *Backend) Fetch(ctx context.Context, mh mailkit.MailboxHash, batch func([]*mailkit.Envelope) error) error {
	b.mu.Lock()
	mb, file, err := b.mailboxLocked(mh)
	if err != nil {
		b.mu.Unlock()
		return err
	}
	_, envs, msgs, err := b.scan(mb, file)
	if err != nil {
		b.mu.Unlock()
		return err
	}
	b.setStateLocked(mh, msgs)
	b.mu.Unlock()

	sort.SliceStable(envs, func(i, j int) bool { return envs[i].SortDate().After(envs[j].SortDate()) })
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(envs) == 0 {
		return nil
	}
	return batch(envs)
}

func (b *Backend) setStateLocked(mh mailkit.MailboxHash, msgs []*message) {
	for _, m := range b.state[mh] {
		delete(b.index, m.hash)
	}
	b.state[mh] = msgs
	for _, m := range msgs {
		b.index[m.hash] = mh
	}
	if mb := b.mailboxes[mh]; mb != nil {
		b.countLocked(mb, b.files[mh])
	}
}

// Refresh rescans a fetched mailbox file and reports messages that appeared
// or disappeared.
func (b *Backend) Refresh(ctx context.Context, mh mailkit.MailboxHash) error {
	evs, err := b.diff(mh)
	if err != nil {
		return err
	}
	b.send(ctx, evs)
	return nil
}

// send passes evs to the attached watcher. It must be called without b.mu
// held since the receiver may call back into the backend.
func (b *Backend) send(ctx context.Context, evs []mailkit.RefreshEvent) {
	for _, ev := range evs {
		b.watcher.Send(ctx, ev)
	}
}

func (b *Backend) diff(mh mailkit.MailboxHash) ([]mailkit.RefreshEvent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	old, fetched := b.state[mh]
	if !fetched {
		return nil, nil
	}
	mb, file, err := b.mailboxLocked(mh)
	if err != nil {
		return nil, err
	}
	_, envs, msgs, err := b.scan(mb, file)
	if err != nil {
		return nil, err
	}

	account := b.settings.Hash()
	known := make(map[mailkit.EnvelopeHash]bool, len(old))
	for _, m := range old {
		known[m.hash] = true
	}
	var evs []mailkit.RefreshEvent
	now := make(map[mailkit.EnvelopeHash]bool, len(msgs))
	for i, m := range msgs {
		now[m.hash] = true
		if !known[m.hash] {
			evs = append(evs, mailkit.RefreshEvent{Account: account, Mailbox: mh, Kind: mailkit.EventCreate, Hash: m.hash, Envelope: envs[i]})
		}
	}
	for _, m := range old {
		if !now[m.hash] {
			evs = append(evs, mailkit.RefreshEvent{Account: account, Mailbox: mh, Kind: mailkit.EventRemove, Hash: m.hash})
		}
	}
	b.setStateLocked(mh, msgs)
	return evs, nil
}

func (b *Backend) Message(ctx context.Context, h mailkit.EnvelopeHash, mh mailkit.MailboxHash) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, err := b.messageLocked(h, mh)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(b.files[mh])
	if err != nil {
		return nil, mailkit.WrapError(mailkit.KindExternal, "read mbox", err)
	}
	if m.span.End > len(data) || !bytes.HasPrefix(data[m.span.Offset:], fromLine) {
		return nil, mailkit.Errorf(mailkit.KindNotFound, "mbox: message %s moved, refresh the mailbox", h)
	}
	return unescape(data[m.span.Start:m.span.End], b.format), nil
}

func (b *Backend) messageLocked(h mailkit.EnvelopeHash, mh mailkit.MailboxHash) (*message, error) {
	if b.index[h] == mh {
		for _, m := range b.state[mh] {
			if m.hash == h {
				return m, nil
			}
		}
	}
	return nil, mailkit.Errorf(mailkit.KindNotFound, "mbox: unknown message %s", h)
}

// dotLock takes "<file>.lock", waiting up to LockTimeout for other holders.
func dotLock(file string) (func(), error) {
	lock := file + ".lock"
	deadline := time.Now().Add(LockTimeout)
	for {
		f, err := os.OpenFile(lock, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err == nil {
			_, _ = f.WriteString(strconv.Itoa(os.Getpid()))
			_ = f.Close()
			return func() { _ = os.Remove(lock) }, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, mailkit.WrapError(mailkit.KindExternal, "lock "+file, err)
		}
		if time.Now().After(deadline) {
			return nil, mailkit.Errorf(mailkit.KindTimeout, "mbox: %s is locked", file)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func (b *Backend) appendLocked(file string, raws [][]byte, flags []mailkit.Flag) error {
	unlock, err := dotLock(file)
	if err != nil {
		return err
	}
	defer unlock()

	f, err := os.OpenFile(file, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return mailkit.WrapError(mailkit.KindExternal, "open mbox", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	if st, err := f.Stat(); err == nil && st.Size() > 0 {
		// Make sure the previous entry is followed by a blank line.
		tail := make([]byte, 2)
		n, _ := f.ReadAt(tail, st.Size()-min(2, st.Size()))
		tail = tail[:n]
		switch {
		case bytes.HasSuffix(tail, []byte("\n\n")):
		case bytes.HasSuffix(tail, []byte("\n")):
			buf.WriteByte('\n')
		default:
			buf.WriteString("\n\n")
		}
	}
	from := newFromLine(time.Now())
	for i, raw := range raws {
		buf.Write(entry(from, raw, flags[i], b.format))
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		return mailkit.WrapError(mailkit.KindExternal, "append to mbox", err)
	}
	return f.Sync()
}

// rewriteLocked replaces file with its messages after change is applied to
// each of them. change returns the new flags of a message and whether to
// keep it. The returned events are for the caller to send once b.mu is
// released.
func (b *Backend) rewriteLocked(mh mailkit.MailboxHash, change func(m *message) (mailkit.Flag, bool)) ([]mailkit.RefreshEvent, error) {
	mb, file, err := b.mailboxLocked(mh)
	if err != nil {
		return nil, err
	}
	unlock, err := dotLock(file)
	if err != nil {
		return nil, err
	}
	defer unlock()

	data, _, msgs, err := b.scan(mb, file)
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	var kept []*message
	for _, m := range msgs {
		flags, keep := change(m)
		if !keep {
			continue
		}
		whole := data[m.span.Offset : m.span.Offset+m.span.Length]
		if flags == m.flags {
			out.Write(whole)
			switch {
			case bytes.HasSuffix(whole, []byte("\n\n")):
			case bytes.HasSuffix(whole, []byte("\n")):
				out.WriteString("\n")
			default:
				out.WriteString("\n\n")
			}
		} else {
			from := string(bytes.TrimRight(whole[:bytes.IndexByte(whole, '\n')], "\r"))
			raw := unescape(data[m.span.Start:m.span.End], b.format)
			out.Write(entry(from, raw, flags, b.format))
		}
		kept = append(kept, m)
	}

	tmp, err := os.CreateTemp(filepath.Dir(file), "."+filepath.Base(file)+".tmp*")
	if err != nil {
		return nil, mailkit.WrapError(mailkit.KindExternal, "rewrite mbox", err)
	}
	if _, err := tmp.Write(out.Bytes()); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return nil, mailkit.WrapError(mailkit.KindExternal, "rewrite mbox", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return nil, mailkit.WrapError(mailkit.KindExternal, "rewrite mbox", err)
	}
	_ = tmp.Close()
	if st, err := os.Stat(file); err == nil {
		_ = os.Chmod(tmp.Name(), st.Mode().Perm())
	}
	if err := os.Rename(tmp.Name(), file); err != nil {
		_ = os.Remove(tmp.Name())
		return nil, mailkit.WrapError(mailkit.KindExternal, "rewrite mbox", err)
	}

	// Map the surviving messages to their new positions.
	_, _, fresh, err := b.scan(mb, file)
	if err != nil {
		return nil, err
	}
	old, fetched := b.state[mh]
	if !fetched {
		return nil, nil
	}
	account := b.settings.Hash()
	var evs []mailkit.RefreshEvent
	survivors := make(map[mailkit.EnvelopeHash]bool, len(kept))
	for _, m := range kept {
		survivors[m.hash] = true
	}
	for _, m := range old {
		if !survivors[m.hash] {
			evs = append(evs, mailkit.RefreshEvent{Account: account, Mailbox: mh, Kind: mailkit.EventRemove, Hash: m.hash})
		}
	}
	if len(fresh) == len(kept) {
		for i, old := range kept {
			if old.hash != fresh[i].hash {
				evs = append(evs, mailkit.RefreshEvent{Account: account, Mailbox: mh, Kind: mailkit.EventRename, OldHash: old.hash, Hash: fresh[i].hash})
			}
			if old.flags != fresh[i].flags {
				evs = append(evs, mailkit.RefreshEvent{Account: account, Mailbox: mh, Kind: mailkit.EventNewFlags, Hash: fresh[i].hash, Flags: fresh[i].flags})
			}
		}
	} else {
		evs = append(evs, mailkit.RefreshEvent{Account: account, Mailbox: mh, Kind: mailkit.EventRescan})
	}
	b.setStateLocked(mh, fresh)
	return evs, nil
}

func (b *Backend) SetFlags(ctx context.Context, envs []mailkit.EnvelopeHash, mh mailkit.MailboxHash, ops []mailkit.FlagOp) error {
	for _, op := range ops {
		if op.Tag != "" {
			return mailkit.NotSupported("mbox", "tags")
		}
	}
	b.mu.Lock()
	evs, err := b.setFlagsLocked(envs, mh, ops)
	b.mu.Unlock()
	b.send(ctx, evs)
	return err
}

func (b *Backend) setFlagsLocked(envs []mailkit.EnvelopeHash, mh mailkit.MailboxHash, ops []mailkit.FlagOp) ([]mailkit.RefreshEvent, error) {
	mb, _, err := b.mailboxLocked(mh)
	if err != nil {
		return nil, err
	}
	if err := b.writable(mb); err != nil {
		return nil, err
	}
	targets, err := b.targetsLocked(envs, mh)
	if err != nil {
		return nil, err
	}
	return b.rewriteLocked(mh, func(m *message) (mailkit.Flag, bool) {
		if !targets[m.hash] {
			return m.flags, true
		}
		flags, _ := mailkit.ApplyFlagOps(m.flags, nil, ops)
		return flags, true
	})
}

// targetsLocked checks that every hash names a fetched message of mh.
func (b *Backend) targetsLocked(envs []mailkit.EnvelopeHash, mh mailkit.MailboxHash) (map[mailkit.EnvelopeHash]bool, error) {
	out := make(map[mailkit.EnvelopeHash]bool, len(envs))
	for _, h := range envs {
		if _, err := b.messageLocked(h, mh); err != nil {
			return nil, err
		}
		out[h] = true
	}
	return out, nil
}

func (b *Backend) Save(ctx context.Context, raw []byte, mh mailkit.MailboxHash, flags mailkit.Flag) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	mb, file, err := b.mailboxLocked(mh)
	if err != nil {
		return err
	}
	if err := b.writable(mb); err != nil {
		return err
	}
	return b.appendLocked(file, [][]byte{raw}, []mailkit.Flag{flags})
}

func (b *Backend) Copy(ctx context.Context, envs []mailkit.EnvelopeHash, src, dst mailkit.MailboxHash, move bool) error {
	b.mu.Lock()
	evs, err := b.copyLocked(envs, src, dst, move)
	b.mu.Unlock()
	b.send(ctx, evs)
	return err
}

func (b *Backend) copyLocked(envs []mailkit.EnvelopeHash, src, dst mailkit.MailboxHash, move bool) ([]mailkit.RefreshEvent, error) {
	smb, sfile, err := b.mailboxLocked(src)
	if err != nil {
		return nil, err
	}
	dmb, dfile, err := b.mailboxLocked(dst)
	if err != nil {
		return nil, err
	}
	if err := b.writable(dmb); err != nil {
		return nil, err
	}
	if move {
		if err := b.writable(smb); err != nil {
			return nil, err
		}
	}
	targets, err := b.targetsLocked(envs, src)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(sfile)
	if err != nil {
		return nil, mailkit.WrapError(mailkit.KindExternal, "read mbox", err)
	}
	var raws [][]byte
	var flags []mailkit.Flag
	for _, m := range b.state[src] {
		if targets[m.hash] {
			raws = append(raws, unescape(data[m.span.Start:m.span.End], b.format))
			flags = append(flags, m.flags)
		}
	}
	if err := b.appendLocked(dfile, raws, flags); err != nil {
		return nil, err
	}
	if !move {
		return nil, nil
	}
	return b.rewriteLocked(src, func(m *message) (mailkit.Flag, bool) {
		return m.flags, !targets[m.hash]
	})
}

func (b *Backend) Delete(ctx context.Context, envs []mailkit.EnvelopeHash, mh mailkit.MailboxHash) error {
	b.mu.Lock()
	evs, err := b.deleteLocked(envs, mh)
	b.mu.Unlock()
	b.send(ctx, evs)
	return err
}

func (b *Backend) deleteLocked(envs []mailkit.EnvelopeHash, mh mailkit.MailboxHash) ([]mailkit.RefreshEvent, error) {
	mb, _, err := b.mailboxLocked(mh)
	if err != nil {
		return nil, err
	}
	if err := b.writable(mb); err != nil {
		return nil, err
	}
	targets, err := b.targetsLocked(envs, mh)
	if err != nil {
		return nil, err
	}
	return b.rewriteLocked(mh, func(m *message) (mailkit.Flag, bool) {
		return m.flags, !targets[m.hash]
	})
}

// CreateMailbox creates an empty mbox file. It needs a directory root.
func (b *Backend) CreateMailbox(ctx context.Context, path string) (mailkit.MailboxHash, error) {
	if !b.isDir {
		return 0, mailkit.NotSupported("mbox", "creating mailboxes in a single file account")
	}
	if b.settings.ReadOnly {
		return 0, mailkit.Errorf(mailkit.KindValue, "mbox: account %s is read-only", b.settings.Name)
	}
	base := filepath.Base(b.root)
	rel := strings.TrimPrefix(strings.Trim(path, "/"), base+"/")
	if rel == "" || strings.Contains(rel, "..") {
		return 0, mailkit.Errorf(mailkit.KindValue, "mbox: invalid mailbox name %q", path)
	}
	file := filepath.Join(b.root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(file), 0o700); err != nil {
		return 0, mailkit.WrapError(mailkit.KindExternal, "create mailbox", err)
	}
	f, err := os.OpenFile(file, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return 0, mailkit.WrapError(mailkit.KindExternal, "create mailbox", err)
	}
	_ = f.Close()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.loadMailboxesLocked(); err != nil {
		return 0, err
	}
	return mailkit.MailboxHashOf(b.settings.Name, base+"/"+rel), nil
}

func (b *Backend) DeleteMailbox(ctx context.Context, mh mailkit.MailboxHash) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	mb, file, err := b.mailboxLocked(mh)
	if err != nil {
		return err
	}
	if err := b.writable(mb); err != nil {
		return err
	}
	if !b.isDir {
		return mailkit.NotSupported("mbox", "deleting the only mailbox")
	}
	if err := os.Remove(file); err != nil {
		return mailkit.WrapError(mailkit.KindExternal, "delete mailbox", err)
	}
	b.setStateLocked(mh, nil)
	delete(b.state, mh)
	return b.loadMailboxesLocked()
}

func (b *Backend) Search(ctx context.Context, q query.Query, mh mailkit.MailboxHash) ([]mailkit.EnvelopeHash, error) {
	return nil, mailkit.NotSupported("mbox", "search")
}

func (b *Backend) Close() error { return nil }
