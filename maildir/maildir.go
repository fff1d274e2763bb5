// Package maildir is the mailkit.Backend for Maildir and Maildir++ trees.
//
// The account's root_mailbox is the top maildir. Subfolders are either
// Maildir++ directories (".Sub.Folder") or nested directories with their own
// cur/, new/ and tmp/. Mailbox paths are the root's base name followed by
// the subfolder path, separated by '/'.
//
// An envelope is identified by the unique part of its file name, so moving
// a file from new/ to cur/ or changing its flags keeps its hash.
package maildir

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/BrianLeishman/mailkit"
	"github.com/BrianLeishman/mailkit/query"
	"github.com/BrianLeishman/mailkit/textproc"
)

const component = "mailkit/maildir"

func init() {
	mailkit.Register("maildir", func(s mailkit.AccountSettings) (mailkit.Backend, error) {
		return New(s)
	})
}

// Workers bounds how many message headers are parsed at once.
var Workers = 8

// BatchSize is the number of envelopes handed to a Fetch callback at a time.
var BatchSize = 500

// Debounce is how long Watch waits for a burst of file events to settle
// before rescanning.
var Debounce = 200 * time.Millisecond

// Backend is a maildir tree.
type Backend struct {
	settings mailkit.AccountSettings
	root     string
	log      mailkit.Logger

	mu        sync.Mutex
	mailboxes map[mailkit.MailboxHash]*mailkit.Mailbox
	dirs      map[mailkit.MailboxHash]string
	state     map[mailkit.MailboxHash]map[string]*entry
	index     map[mailkit.EnvelopeHash]ref

	watcher mailkit.Watcher
}

// entry is a message file we know of, keyed by its unique name.
type entry struct {
	hash  mailkit.EnvelopeHash
	path  string
	info  string
	flags mailkit.Flag
}

type ref struct {
	mailbox mailkit.MailboxHash
	unique  string
}

// fileRef is a message file found while listing a mailbox.
type fileRef struct {
	path   string
	unique string
	info   string
}

// New checks that the root mailbox exists. Mailboxes are discovered on
// first use.
func New(s mailkit.AccountSettings) (*Backend, error) {
	root, err := expandHome(s.RootMailbox)
	if err != nil {
		return nil, err
	}
	if root == "" {
		return nil, mailkit.Errorf(mailkit.KindConfiguration, "account %s: root_mailbox is required", s.Name)
	}
	st, err := os.Stat(root)
	if err != nil {
		return nil, mailkit.WrapError(mailkit.KindConfiguration, "account "+s.Name+": root_mailbox", err)
	}
	if !st.IsDir() {
		return nil, mailkit.Errorf(mailkit.KindConfiguration, "account %s: %s is not a directory", s.Name, root)
	}
	return &Backend{
		settings: s,
		root:     filepath.Clean(root),
		log:      mailkit.ComponentLogger(component).WithAttrs("account", s.Name),
		state:    make(map[mailkit.MailboxHash]map[string]*entry),
		index:    make(map[mailkit.EnvelopeHash]ref),
	}, nil
}

func expandHome(p string) (string, error) {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", mailkit.WrapError(mailkit.KindConfiguration, "expand ~", err)
	}
	return filepath.Join(home, p[1:]), nil
}

func isMaildir(dir string) bool {
	st, err := os.Stat(filepath.Join(dir, "cur"))
	return err == nil && st.IsDir()
}

func (b *Backend) Capabilities() mailkit.Capabilities {
	return mailkit.Capabilities{Name: "maildir"}
}

func (b *Backend) IsOnline(ctx context.Context) error {
	if _, err := os.Stat(b.root); err != nil {
		return mailkit.WrapError(mailkit.KindNotFound, "maildir root", err)
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
	base := filepath.Base(b.root)
	mailboxes := make(map[mailkit.MailboxHash]*mailkit.Mailbox)
	dirs := make(map[mailkit.MailboxHash]string)

	add := func(dir, path string) {
		mb := &mailkit.Mailbox{
			Hash:      mailkit.MailboxHashOf(b.settings.Name, path),
			Name:      mailkit.LastComponent(path),
			Path:      path,
			Delimiter: "/",
			NoSelect:  !isMaildir(dir),
			ReadOnly:  b.settings.ReadOnly,
		}
		mb.Usage = mailkit.DetectUsage(mb.Name)
		if dir == b.root && mb.Usage == mailkit.UsageNormal && !mb.NoSelect {
			mb.Usage = mailkit.UsageInbox
		}
		if conf, ok := b.settings.MailboxConfFor(path); ok && conf.Usage != nil {
			mb.Usage = *conf.Usage
		}
		mb.Subscribed = b.settings.IsSubscribed(path, textproc.GlobMatch)
		if mb.Subscribed && !mb.NoSelect {
			mb.Total, mb.Unseen = count(dir)
		}
		mailboxes[mb.Hash] = mb
		dirs[mb.Hash] = dir
	}

	add(b.root, base)
	err := filepath.WalkDir(b.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == b.root || !d.IsDir() {
			return nil
		}
		name := d.Name()
		if name == "cur" || name == "new" || name == "tmp" {
			return fs.SkipDir
		}
		rel, err := filepath.Rel(b.root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if strings.HasPrefix(name, ".") {
			// Maildir++ folders only live directly under the root.
			if filepath.Dir(p) == b.root && len(name) > 1 && isMaildir(p) {
				add(p, base+"/"+strings.ReplaceAll(name[1:], ".", "/"))
			}
			return fs.SkipDir
		}
		add(p, base+"/"+rel)
		return nil
	})
	if err != nil {
		return mailkit.WrapError(mailkit.KindExternal, "scan maildir tree", err)
	}
	mailkit.LinkMailboxes(mailboxes)
	b.mailboxes, b.dirs = mailboxes, dirs
	return nil
}

// count returns the number of messages and unseen messages in a maildir.
func count(dir string) (total, unseen int) {
	for _, sub := range []string{"new", "cur"} {
		entries, err := os.ReadDir(filepath.Join(dir, sub))
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			total++
			_, info := splitName(e.Name())
			if sub == "new" || !mailkit.FlagsFromMaildirInfo(info).Has(mailkit.FlagSeen) {
				unseen++
			}
		}
	}
	return total, unseen
}

func (b *Backend) mailboxLocked(mh mailkit.MailboxHash) (*mailkit.Mailbox, string, error) {
	if b.mailboxes == nil {
		if err := b.loadMailboxesLocked(); err != nil {
			return nil, "", err
		}
	}
	mb, ok := b.mailboxes[mh]
	if !ok {
		return nil, "", mailkit.Errorf(mailkit.KindNotFound, "maildir: unknown mailbox %s", mh)
	}
	if mb.NoSelect {
		return nil, "", mailkit.Errorf(mailkit.KindValue, "maildir: %s is not a maildir", mb.Path)
	}
	return mb, b.dirs[mh], nil
}

func (b *Backend) writable(mb *mailkit.Mailbox) error {
	if mb.ReadOnly || b.settings.ReadOnly {
		return mailkit.Errorf(mailkit.KindValue, "maildir: mailbox %s is read-only", mb.Path)
	}
	return nil
}

// list returns the message files of a maildir.
func list(dir string) ([]fileRef, error) {
	var out []fileRef
	for _, sub := range []string{"new", "cur"} {
		entries, err := os.ReadDir(filepath.Join(dir, sub))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, mailkit.WrapError(mailkit.KindExternal, "list "+sub, err)
		}
		for _, e := range entries {
			if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			unique, info := splitName(e.Name())
			out = append(out, fileRef{path: filepath.Join(dir, sub, e.Name()), unique: unique, info: info})
		}
	}
	return out, nil
}

func (b *Backend) envelopeHash(mailbox, unique string) mailkit.EnvelopeHash {
	return mailkit.EnvelopeHash(mailkit.HashOf(b.settings.Name, mailbox, unique))
}

// readEnvelope parses the header of a message file. A file that is not a
// valid message still gets an envelope so it stays visible.
func (b *Backend) readEnvelope(mb *mailkit.Mailbox, f fileRef) (*mailkit.Envelope, error) {
	fh, err := os.Open(f.path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	env, err := mailkit.ReadEnvelope(fh)
	if err != nil {
		b.log.Warn("could not parse message header", "path", f.path, "error", err)
		env = &mailkit.Envelope{}
	}
	if st, err := fh.Stat(); err == nil {
		env.Size = uint64(st.Size())
		env.Received = st.ModTime()
	}
	if env.MessageID == "" {
		env.MessageID = f.unique + "@mailkit.invalid"
	}
	env.Hash = b.envelopeHash(mb.Path, f.unique)
	env.MailboxHash = mb.Hash
	env.Key = f.unique
	env.Flags = mailkit.FlagsFromMaildirInfo(f.info)
	return env, nil
}

// parseAll reads the headers of files with a bounded worker pool. Files
// that vanish meanwhile are skipped.
func (b *Backend) parseAll(ctx context.Context, mb *mailkit.Mailbox, files []fileRef) ([]*mailkit.Envelope, error) {
	p := pool.NewWithResults[*mailkit.Envelope]().WithContext(ctx).WithMaxGoroutines(Workers)
	for _, f := range files {
		p.Go(func(ctx context.Context) (*mailkit.Envelope, error) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			env, err := b.readEnvelope(mb, f)
			if errors.Is(err, fs.ErrNotExist) {
				return nil, nil
			}
			return env, err
		})
	}
	res, err := p.Wait()
	if err != nil {
		return nil, err
	}
	out := res[:0]
	for _, env := range res {
		if env != nil {
			out = append(out, env)
		}
	}
	return out, nil
}

func (b *Backend) Fetch(ctx context.Context, mh mailkit.MailboxHash, batch func([]*mailkit.Envelope) error) error {
	b.mu.Lock()
	mb, dir, err := b.mailboxLocked(mh)
	b.mu.Unlock()
	if err != nil {
		return err
	}
	files, err := list(dir)
	if err != nil {
		return err
	}
	envs, err := b.parseAll(ctx, mb, files)
	if err != nil {
		return err
	}
	sort.Slice(envs, func(i, j int) bool { return envs[i].SortDate().After(envs[j].SortDate()) })

	paths := make(map[string]fileRef, len(files))
	for _, f := range files {
		paths[f.unique] = f
	}
	b.mu.Lock()
	b.resetLocked(mh)
	for _, env := range envs {
		b.rememberLocked(mh, paths[env.Key], env)
	}
	b.mu.Unlock()

	for start := 0; start < len(envs); start += BatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+BatchSize, len(envs))
		if err := batch(envs[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) resetLocked(mh mailkit.MailboxHash) {
	for _, e := range b.state[mh] {
		delete(b.index, e.hash)
	}
	b.state[mh] = make(map[string]*entry)
}

func (b *Backend) rememberLocked(mh mailkit.MailboxHash, f fileRef, env *mailkit.Envelope) {
	b.state[mh][f.unique] = &entry{hash: env.Hash, path: f.path, info: f.info, flags: env.Flags}
	b.index[env.Hash] = ref{mailbox: mh, unique: f.unique}
}

func (b *Backend) forgetLocked(mh mailkit.MailboxHash, unique string) {
	if e, ok := b.state[mh][unique]; ok {
		delete(b.index, e.hash)
		delete(b.state[mh], unique)
	}
}

// Refresh rescans a fetched mailbox and reports created, removed and
// re-flagged messages. Mailboxes never fetched are ignored.
func (b *Backend) Refresh(ctx context.Context, mh mailkit.MailboxHash) error {
	evs, err := b.diff(ctx, mh)
	if err != nil {
		return err
	}
	for _, ev := range evs {
		b.watcher.Send(ctx, ev)
	}
	return nil
}

func (b *Backend) diff(ctx context.Context, mh mailkit.MailboxHash) ([]mailkit.RefreshEvent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	known, ok := b.state[mh]
	if !ok {
		return nil, nil
	}
	mb, dir, err := b.mailboxLocked(mh)
	if err != nil {
		return nil, err
	}
	files, err := list(dir)
	if err != nil {
		return nil, err
	}

	account := b.settings.Hash()
	var evs []mailkit.RefreshEvent
	var added []fileRef
	seen := make(map[string]bool, len(files))
	for _, f := range files {
		seen[f.unique] = true
		e, ok := known[f.unique]
		if !ok {
			added = append(added, f)
			continue
		}
		e.path, e.info = f.path, f.info
		if flags := mailkit.FlagsFromMaildirInfo(f.info); flags != e.flags {
			e.flags = flags
			evs = append(evs, mailkit.RefreshEvent{Account: account, Mailbox: mh, Kind: mailkit.EventNewFlags, Hash: e.hash, Flags: flags})
		}
	}
	for unique, e := range known {
		if !seen[unique] {
			b.forgetLocked(mh, unique)
			evs = append(evs, mailkit.RefreshEvent{Account: account, Mailbox: mh, Kind: mailkit.EventRemove, Hash: e.hash})
		}
	}
	if len(added) > 0 {
		envs, err := b.parseAll(ctx, mb, added)
		if err != nil {
			return nil, err
		}
		byKey := make(map[string]fileRef, len(added))
		for _, f := range added {
			byKey[f.unique] = f
		}
		for _, env := range envs {
			b.rememberLocked(mh, byKey[env.Key], env)
			evs = append(evs, mailkit.RefreshEvent{Account: account, Mailbox: mh, Kind: mailkit.EventCreate, Hash: env.Hash, Envelope: env})
		}
	}
	return evs, nil
}

// lookupLocked finds the current file of an envelope. If another client
// renamed it, the mailbox is searched for the same unique name.
func (b *Backend) lookupLocked(h mailkit.EnvelopeHash, mh mailkit.MailboxHash) (*entry, string, error) {
	r, ok := b.index[h]
	if !ok || r.mailbox != mh {
		return nil, "", mailkit.Errorf(mailkit.KindNotFound, "maildir: unknown message %s", h)
	}
	e := b.state[mh][r.unique]
	if _, err := os.Stat(e.path); err == nil {
		return e, r.unique, nil
	}
	files, err := list(b.dirs[mh])
	if err != nil {
		return nil, "", err
	}
	for _, f := range files {
		if f.unique == r.unique {
			e.path, e.info = f.path, f.info
			e.flags = mailkit.FlagsFromMaildirInfo(f.info)
			return e, r.unique, nil
		}
	}
	b.forgetLocked(mh, r.unique)
	return nil, "", mailkit.Errorf(mailkit.KindNotFound, "maildir: message %s is gone", h)
}

func (b *Backend) Message(ctx context.Context, h mailkit.EnvelopeHash, mh mailkit.MailboxHash) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, _, err := b.lookupLocked(h, mh)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(e.path)
	if err != nil {
		return nil, mailkit.WrapError(mailkit.KindExternal, "read message", err)
	}
	return raw, nil
}

func (b *Backend) SetFlags(ctx context.Context, envs []mailkit.EnvelopeHash, mh mailkit.MailboxHash, ops []mailkit.FlagOp) error {
	for _, op := range ops {
		if op.Tag != "" {
			return mailkit.NotSupported("maildir", "tags")
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	mb, dir, err := b.mailboxLocked(mh)
	if err != nil {
		return err
	}
	if err := b.writable(mb); err != nil {
		return err
	}
	for _, h := range envs {
		e, unique, err := b.lookupLocked(h, mh)
		if err != nil {
			return err
		}
		flags, _ := mailkit.ApplyFlagOps(e.flags, nil, ops)
		name := fileName(unique, flags, e.info)
		dest := filepath.Join(dir, "cur", name)
		if dest == e.path {
			continue
		}
		if err := os.Rename(e.path, dest); err != nil {
			return mailkit.WrapError(mailkit.KindExternal, "set flags", err)
		}
		_, info := splitName(name)
		e.path, e.info, e.flags = dest, info, flags
	}
	return nil
}

// deliver writes raw into dir through tmp/. Messages with flags go to cur/,
// others to new/.
func deliver(dir string, raw []byte, flags mailkit.Flag) (string, error) {
	unique := uniqueName()
	tmp := filepath.Join(dir, "tmp", unique)
	if err := os.MkdirAll(filepath.Dir(tmp), 0o700); err != nil {
		return "", err
	}
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", err
	}
	if _, err := f.Write(raw); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return "", err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	dest := filepath.Join(dir, "new", unique)
	if flags != 0 {
		dest = filepath.Join(dir, "cur", fileName(unique, flags, ""))
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	return dest, nil
}

func (b *Backend) Save(ctx context.Context, raw []byte, mh mailkit.MailboxHash, flags mailkit.Flag) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	mb, dir, err := b.mailboxLocked(mh)
	if err != nil {
		return err
	}
	if err := b.writable(mb); err != nil {
		return err
	}
	path, err := deliver(dir, raw, flags)
	if err != nil {
		return mailkit.WrapError(mailkit.KindExternal, "save message", err)
	}
	b.log.Debug("message saved", "mailbox", mb.Path, "path", path)
	return nil
}

func (b *Backend) Copy(ctx context.Context, envs []mailkit.EnvelopeHash, src, dst mailkit.MailboxHash, move bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	smb, _, err := b.mailboxLocked(src)
	if err != nil {
		return err
	}
	dmb, ddir, err := b.mailboxLocked(dst)
	if err != nil {
		return err
	}
	if err := b.writable(dmb); err != nil {
		return err
	}
	if move {
		if err := b.writable(smb); err != nil {
			return err
		}
	}
	for _, h := range envs {
		e, unique, err := b.lookupLocked(h, src)
		if err != nil {
			return err
		}
		if move {
			sub := "new"
			if strings.Contains(filepath.Base(e.path), ":2,") || strings.Contains(filepath.Base(e.path), "!2,") {
				sub = "cur"
			}
			if err := os.Rename(e.path, filepath.Join(ddir, sub, filepath.Base(e.path))); err != nil {
				return mailkit.WrapError(mailkit.KindExternal, "move message", err)
			}
			b.forgetLocked(src, unique)
			continue
		}
		raw, err := os.ReadFile(e.path)
		if err != nil {
			return mailkit.WrapError(mailkit.KindExternal, "copy message", err)
		}
		if _, err := deliver(ddir, raw, e.flags); err != nil {
			return mailkit.WrapError(mailkit.KindExternal, "copy message", err)
		}
	}
	return nil
}

func (b *Backend) Delete(ctx context.Context, envs []mailkit.EnvelopeHash, mh mailkit.MailboxHash) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	mb, _, err := b.mailboxLocked(mh)
	if err != nil {
		return err
	}
	if err := b.writable(mb); err != nil {
		return err
	}
	for _, h := range envs {
		e, unique, err := b.lookupLocked(h, mh)
		if err != nil {
			return err
		}
		if err := os.Remove(e.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return mailkit.WrapError(mailkit.KindExternal, "delete message", err)
		}
		b.forgetLocked(mh, unique)
	}
	return nil
}

// CreateMailbox creates a nested maildir. path may include the root
// mailbox's name as its first component.
func (b *Backend) CreateMailbox(ctx context.Context, path string) (mailkit.MailboxHash, error) {
	if b.settings.ReadOnly {
		return 0, mailkit.Errorf(mailkit.KindValue, "maildir: account %s is read-only", b.settings.Name)
	}
	rel := strings.TrimPrefix(strings.Trim(path, "/"), filepath.Base(b.root)+"/")
	if rel == "" || strings.Contains(rel, "..") {
		return 0, mailkit.Errorf(mailkit.KindValue, "maildir: invalid mailbox name %q", path)
	}
	dir := filepath.Join(b.root, filepath.FromSlash(rel))
	for _, sub := range []string{"cur", "new", "tmp"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o700); err != nil {
			return 0, mailkit.WrapError(mailkit.KindExternal, "create mailbox", err)
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.loadMailboxesLocked(); err != nil {
		return 0, err
	}
	mh := mailkit.MailboxHashOf(b.settings.Name, filepath.Base(b.root)+"/"+rel)
	if _, ok := b.mailboxes[mh]; !ok {
		return 0, mailkit.Errorf(mailkit.KindExternal, "maildir: created %s but could not find it", rel)
	}
	return mh, nil
}

// DeleteMailbox removes a maildir's cur/, new/ and tmp/. The directory
// itself is only removed when nothing else is left in it.
func (b *Backend) DeleteMailbox(ctx context.Context, mh mailkit.MailboxHash) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	mb, dir, err := b.mailboxLocked(mh)
	if err != nil {
		return err
	}
	if err := b.writable(mb); err != nil {
		return err
	}
	if dir == b.root {
		return mailkit.Errorf(mailkit.KindValue, "maildir: cannot delete the root mailbox")
	}
	for _, sub := range []string{"cur", "new", "tmp"} {
		if err := os.RemoveAll(filepath.Join(dir, sub)); err != nil {
			return mailkit.WrapError(mailkit.KindExternal, "delete mailbox", err)
		}
	}
	_ = os.Remove(dir)
	b.resetLocked(mh)
	delete(b.state, mh)
	return b.loadMailboxesLocked()
}

func (b *Backend) Search(ctx context.Context, q query.Query, mh mailkit.MailboxHash) ([]mailkit.EnvelopeHash, error) {
	return nil, mailkit.NotSupported("maildir", "search")
}

func (b *Backend) Close() error { return nil }

func (b *Backend) String() string {
	return fmt.Sprintf("maildir(%s)", b.root)
}
