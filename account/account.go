// Package account ties a backend, the in-memory collection and the optional
// sqlite cache together: it loads mailboxes, keeps them current from the
// backend's change events and routes searches and mutations.
package account

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	retry "github.com/StirlingMarketingGroup/go-retry"
	"github.com/sourcegraph/conc/pool"

	"github.com/BrianLeishman/mailkit"
	"github.com/BrianLeishman/mailkit/collection"
	"github.com/BrianLeishman/mailkit/compose"
	"github.com/BrianLeishman/mailkit/query"
	"github.com/BrianLeishman/mailkit/smtp"
	"github.com/BrianLeishman/mailkit/sqlite"
	"github.com/BrianLeishman/mailkit/textproc"
	"github.com/BrianLeishman/mailkit/thread"
)

const component = "mailkit/account"

var (
	// LoadWorkers bounds how many mailboxes are fetched at once.
	LoadWorkers = 4
	// EventBuffer is the capacity of the Events channel.
	EventBuffer = 256
	// WatchRetries is how many times Run restarts a failing Watch.
	WatchRetries = 10
	// WatchBackoff is the first pause between Watch restarts. It doubles up
	// to WatchBackoffMax.
	WatchBackoff    = time.Second
	WatchBackoffMax = 2 * time.Minute
	// RefreshCommandTimeout bounds refresh_command.
	RefreshCommandTimeout = 5 * time.Minute
)

// SubmitFunc hands a finished message to the outside world.
type SubmitFunc func(ctx context.Context, raw []byte, rcpts []string) error

// Option configures an Account.
type Option func(*Account)

// WithBackend uses b instead of building one from the settings.
func WithBackend(b mailkit.Backend) Option {
	return func(a *Account) { a.backend = b }
}

// WithCache uses c instead of the cache named by cache_type.
func WithCache(c *sqlite.Cache) Option {
	return func(a *Account) { a.cache = c }
}

// WithSubmit replaces SMTP submission.
func WithSubmit(fn SubmitFunc) Option {
	return func(a *Account) { a.submit = fn }
}

// WithSentMailbox sets where Send saves a copy. An empty path disables it;
// by default the mailbox with Sent usage is used.
func WithSentMailbox(path string) Option {
	return func(a *Account) {
		a.sentPath = path
		a.sentSet = true
	}
}

// WithSubjectGrouping makes threads also join on normalised subject.
func WithSubjectGrouping() Option {
	return func(a *Account) { a.collOpts = append(a.collOpts, collection.WithSubjectGrouping()) }
}

// Account is one configured mail account.
type Account struct {
	settings mailkit.AccountSettings
	backend  mailkit.Backend
	cache    *sqlite.Cache
	ownCache bool
	coll     *collection.Collection
	collOpts []collection.Option
	submit   SubmitFunc
	sentPath string
	sentSet  bool
	log      mailkit.Logger

	mu        sync.RWMutex
	mailboxes map[mailkit.MailboxHash]*mailkit.Mailbox
	loaded    map[mailkit.MailboxHash]bool

	events chan mailkit.RefreshEvent
}

// New builds the account described by settings. The backend comes from the
// registry by settings.Format; cache_type "sqlite3" opens a cache at
// cache_path, or under the user cache directory.
func New(settings mailkit.AccountSettings, opts ...Option) (*Account, error) {
	a := &Account{
		settings:  settings,
		mailboxes: make(map[mailkit.MailboxHash]*mailkit.Mailbox),
		loaded:    make(map[mailkit.MailboxHash]bool),
		events:    make(chan mailkit.RefreshEvent, EventBuffer),
		log:       mailkit.ComponentLogger(component).WithAttrs("account", settings.Name),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.coll = collection.New(a.collOpts...)

	if a.backend == nil {
		b, err := mailkit.NewBackend(settings)
		if err != nil {
			return nil, err
		}
		a.backend = b
	}
	if a.cache == nil {
		c, err := openCache(&a.settings)
		if err != nil {
			_ = a.backend.Close()
			return nil, err
		}
		a.cache, a.ownCache = c, c != nil
	}
	if a.submit == nil {
		a.submit = a.smtpSubmit
	}
	return a, nil
}

func openCache(s *mailkit.AccountSettings) (*sqlite.Cache, error) {
	switch t := strings.ToLower(s.GetString("cache_type", "none")); t {
	case "", "none":
		return nil, nil
	case "sqlite3", "sqlite":
		path := s.GetString("cache_path", "")
		if path == "" {
			dir, err := os.UserCacheDir()
			if err != nil {
				return nil, mailkit.WrapError(mailkit.KindConfiguration, "no cache directory", err)
			}
			dir = filepath.Join(dir, "mailkit")
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, mailkit.WrapError(mailkit.KindConfiguration, "creating cache directory", err)
			}
			path = filepath.Join(dir, s.Name+".db")
		}
		return sqlite.Open(path)
	default:
		return nil, mailkit.Errorf(mailkit.KindConfiguration, "account %s: unknown cache_type %q", s.Name, t)
	}
}

func (a *Account) Name() string                        { return a.settings.Name }
func (a *Account) Settings() *mailkit.AccountSettings  { return &a.settings }
func (a *Account) Backend() mailkit.Backend            { return a.backend }
func (a *Account) Collection() *collection.Collection  { return a.coll }
func (a *Account) Cache() *sqlite.Cache                { return a.cache }
func (a *Account) Events() <-chan mailkit.RefreshEvent { return a.events }
func (a *Account) Capabilities() mailkit.Capabilities  { return a.backend.Capabilities() }

// Close releases the backend and a cache opened by New.
func (a *Account) Close() error {
	err := a.backend.Close()
	if a.ownCache {
		err = errors.Join(err, a.cache.Close())
	}
	return err
}

// emit forwards ev to Events, dropping it when nobody keeps up.
func (a *Account) emit(ev mailkit.RefreshEvent) {
	ev.Account = a.settings.Hash()
	select {
	case a.events <- ev:
	default:
		a.log.Warn("event dropped, consumer too slow", "kind", ev.Kind.String())
	}
}

// RefreshMailboxes asks the backend for its mailbox tree.
func (a *Account) RefreshMailboxes(ctx context.Context) (map[mailkit.MailboxHash]*mailkit.Mailbox, error) {
	boxes, err := a.backend.Mailboxes(ctx)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.mailboxes = boxes
	a.mu.Unlock()
	return boxes, nil
}

// Mailboxes returns the last known mailboxes sorted by path.
func (a *Account) Mailboxes() []*mailkit.Mailbox {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return mailkit.SortedMailboxes(a.mailboxes)
}

// Mailbox finds a known mailbox by path, alias or usage name.
func (a *Account) Mailbox(name string) (*mailkit.Mailbox, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if mb, ok := mailkit.FindMailbox(a.mailboxes, name); ok {
		return mb, nil
	}
	for path, conf := range a.settings.Mailboxes {
		if conf.Alias != "" && strings.EqualFold(conf.Alias, name) {
			if mb, ok := mailkit.FindMailbox(a.mailboxes, path); ok {
				return mb, nil
			}
		}
	}
	if u, err := mailkit.ParseUsage(name); err == nil && u != mailkit.UsageNormal {
		if mb := a.byUsageLocked(u); mb != nil {
			return mb, nil
		}
	}
	return nil, mailkit.Errorf(mailkit.KindNotFound, "account %s: no mailbox %q", a.settings.Name, name)
}

func (a *Account) byUsageLocked(u mailkit.SpecialUsage) *mailkit.Mailbox {
	for _, mb := range mailkit.SortedMailboxes(a.mailboxes) {
		if mb.Usage == u {
			return mb
		}
	}
	return nil
}

// wanted reports whether Load fetches mb.
func (a *Account) wanted(mb *mailkit.Mailbox) bool {
	if mb.NoSelect || a.settings.IsIgnored(mb.Path) {
		return false
	}
	if conf, ok := a.settings.MailboxConfFor(mb.Path); ok && conf.Autoload {
		return true
	}
	return a.settings.IsSubscribed(mb.Path, textproc.GlobMatch)
}

// Load refreshes the mailbox list and fetches every subscribed, non-ignored
// mailbox concurrently. A mailbox that fails is reported as a Failure event
// and served from the cache when there is one; the failures are also
// returned joined.
func (a *Account) Load(ctx context.Context) error {
	boxes, err := a.RefreshMailboxes(ctx)
	if err != nil {
		return err
	}

	var targets []*mailkit.Mailbox
	for _, mb := range mailkit.SortedMailboxes(boxes) {
		if a.wanted(mb) {
			targets = append(targets, mb)
		}
	}
	a.log.Info("loading mailboxes", "count", len(targets))

	p := pool.New().WithErrors().WithContext(ctx).WithMaxGoroutines(LoadWorkers)
	for _, mb := range targets {
		p.Go(func(ctx context.Context) error {
			if err := a.fetchMailbox(ctx, mb); err != nil {
				a.log.Warn("mailbox failed to load", "mailbox", mb.Path, "error", err)
				a.emit(mailkit.RefreshEvent{Mailbox: mb.Hash, Kind: mailkit.EventFailure, Err: err})
				a.loadFromCache(ctx, mb)
				return fmt.Errorf("%s: %w", mb.Path, err)
			}
			return nil
		})
	}
	return p.Wait()
}

// LoadMailbox fetches one known mailbox, replacing what was loaded before.
func (a *Account) LoadMailbox(ctx context.Context, mailbox mailkit.MailboxHash) error {
	a.mu.RLock()
	mb := a.mailboxes[mailbox]
	a.mu.RUnlock()
	if mb == nil {
		return mailkit.Errorf(mailkit.KindNotFound, "account %s: no mailbox %s", a.settings.Name, mailbox)
	}
	return a.fetchMailbox(ctx, mb)
}

// fetchMailbox replaces the mailbox's envelopes with a fresh backend fetch.
func (a *Account) fetchMailbox(ctx context.Context, mb *mailkit.Mailbox) error {
	started := time.Now()
	n, cleared := 0, false
	reset := func() {
		cleared = true
		a.coll.ClearMailbox(mb.Hash)
		if a.cache != nil {
			if err := a.cache.ClearMailbox(ctx, mb.Hash); err != nil {
				a.log.Warn("cache clear failed", "mailbox", mb.Path, "error", err)
			}
		}
	}
	// The old envelopes stay until the first batch arrives, so a fetch that
	// fails up front leaves the cache usable.
	err := a.backend.Fetch(ctx, mb.Hash, func(envs []*mailkit.Envelope) error {
		if !cleared {
			reset()
		}
		a.coll.InsertBatch(envs)
		n += len(envs)
		if a.cache != nil {
			if err := a.cache.Insert(ctx, envs...); err != nil {
				a.log.Warn("cache insert failed", "mailbox", mb.Path, "error", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !cleared {
		reset()
	}
	a.mu.Lock()
	a.loaded[mb.Hash] = true
	a.mu.Unlock()
	a.log.Debug("mailbox loaded", "mailbox", mb.Path, "envelopes", n, "took", time.Since(started))
	return nil
}

func (a *Account) loadFromCache(ctx context.Context, mb *mailkit.Mailbox) {
	if a.cache == nil {
		return
	}
	envs, err := a.cache.Envelopes(ctx, mb.Hash)
	if err != nil || len(envs) == 0 {
		return
	}
	a.coll.InsertBatch(envs)
	a.log.Info("serving mailbox from cache", "mailbox", mb.Path, "envelopes", len(envs))
}

// Loaded lists the mailboxes fetched successfully.
func (a *Account) Loaded() []mailkit.MailboxHash {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]mailkit.MailboxHash, 0, len(a.loaded))
	for h := range a.loaded {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Apply folds a backend event into the collection and cache and forwards it
// on Events. Rescan re-fetches the mailbox.
func (a *Account) Apply(ctx context.Context, ev mailkit.RefreshEvent) {
	switch ev.Kind {
	case mailkit.EventRescan:
		a.mu.RLock()
		mb := a.mailboxes[ev.Mailbox]
		a.mu.RUnlock()
		if mb == nil {
			mb = &mailkit.Mailbox{Hash: ev.Mailbox}
		}
		if err := a.fetchMailbox(ctx, mb); err != nil {
			a.log.Warn("rescan failed", "mailbox", mb.Path, "error", err)
			ev = mailkit.RefreshEvent{Mailbox: ev.Mailbox, Kind: mailkit.EventFailure, Err: err}
		}
	case mailkit.EventFailure:
		a.log.Warn("backend reported a failure", "mailbox", ev.Mailbox.String(), "error", ev.Err)
	default:
		a.coll.Apply(ev)
		if a.cache != nil {
			if err := a.cache.Apply(ctx, ev); err != nil {
				a.log.Warn("cache update failed", "kind", ev.Kind.String(), "error", err)
			}
		}
	}
	a.emit(ev)
}

// Run watches the backend until ctx is done, applying every event. A
// failing watch is restarted with growing pauses; authentication and
// configuration errors end Run. Accounts with manual_refresh set do not
// watch; Run then only waits for ctx.
func (a *Account) Run(ctx context.Context) error {
	if a.settings.ManualRefresh {
		<-ctx.Done()
		return nil
	}

	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan mailkit.RefreshEvent, EventBuffer)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case ev := <-ch:
				a.Apply(ctx, ev)
			case <-ctx.Done():
				return
			}
		}
	}()
	defer func() {
		cancel()
		<-done
	}()

	pause := WatchBackoff
	err := retry.Retry(func() error {
		err := a.backend.Watch(ctx, ch)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			return mailkit.Errorf(mailkit.KindNetwork, "watch ended")
		}
		switch mailkit.KindOf(err) {
		case mailkit.KindAuthentication, mailkit.KindConfiguration, mailkit.KindNotSupported:
			// PermFail stops retrying and hands err back unchanged.
			return &retry.PermFail{Err: err}
		}
		return err
	}, WatchRetries, func(err error) error {
		a.log.Warn("watch failed, restarting shortly", "error", err, "pause", pause)
		select {
		case ch <- mailkit.RefreshEvent{Kind: mailkit.EventFailure, Err: err}:
		case <-ctx.Done():
		}
		return nil
	}, func() error {
		t := time.NewTimer(pause)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
		}
		pause = min(pause*2, WatchBackoffMax)
		return nil
	})
	if parent.Err() != nil {
		return nil
	}
	return err
}

// Refresh checks one mailbox now. refresh_command runs first when set. With
// manual_refresh the mailbox is re-fetched and a Rescan event emitted,
// otherwise the backend reports changes through the running watch.
func (a *Account) Refresh(ctx context.Context, mailbox mailkit.MailboxHash) error {
	if cmd := a.settings.RefreshCommand; cmd != "" {
		cctx, cancel := context.WithTimeout(ctx, RefreshCommandTimeout)
		out, err := exec.CommandContext(cctx, "sh", "-c", cmd).CombinedOutput()
		cancel()
		if err != nil {
			return mailkit.WrapError(mailkit.KindExternal,
				fmt.Sprintf("refresh command: %s", strings.TrimSpace(string(out))), err)
		}
	}
	if a.settings.ManualRefresh {
		a.Apply(ctx, mailkit.RefreshEvent{Mailbox: mailbox, Kind: mailkit.EventRescan})
		return nil
	}
	return a.backend.Refresh(ctx, mailbox)
}

// Threads returns the threads of a loaded mailbox, newest first.
func (a *Account) Threads(mailbox mailkit.MailboxHash) []*thread.Thread {
	return a.coll.Threads(mailbox, thread.DateDesc)
}

// Envelopes returns the loaded envelopes of a mailbox, newest first.
func (a *Account) Envelopes(mailbox mailkit.MailboxHash) []*mailkit.Envelope {
	return a.coll.Mailbox(mailbox)
}

// Message returns the raw message.
func (a *Account) Message(ctx context.Context, h mailkit.EnvelopeHash) ([]byte, error) {
	env, ok := a.coll.Get(h)
	if !ok {
		return nil, mailkit.Errorf(mailkit.KindNotFound, "account %s: no envelope %s", a.settings.Name, h)
	}
	return a.backend.Message(ctx, h, env.MailboxHash)
}

// Search parses q and runs it against mailbox: on the backend when it can
// search, else in the cache, else over the loaded envelopes. Body terms
// without backend search only see bodies the cache has recorded.
func (a *Account) Search(ctx context.Context, q string, mailbox mailkit.MailboxHash) ([]mailkit.EnvelopeHash, error) {
	parsed, err := query.Parse(q)
	if err != nil {
		return nil, err
	}
	return a.SearchQuery(ctx, parsed, mailbox)
}

// SearchQuery is Search for an already parsed query.
func (a *Account) SearchQuery(ctx context.Context, q query.Query, mailbox mailkit.MailboxHash) ([]mailkit.EnvelopeHash, error) {
	if a.backend.Capabilities().SupportsSearch {
		res, err := a.backend.Search(ctx, q, mailbox)
		if !errors.Is(err, mailkit.ErrNotSupported) {
			return res, err
		}
		a.log.Debug("backend cannot run query, searching locally", "query", q.String())
	}
	if a.cache != nil {
		return a.cache.Search(ctx, q, mailbox)
	}
	return a.coll.Search(q, mailbox, nil), nil
}

func (a *Account) writable() error {
	if a.settings.ReadOnly {
		return mailkit.Errorf(mailkit.KindNotSupported, "account %s is read-only", a.settings.Name)
	}
	return nil
}

// SetFlags applies ops on the backend, then locally.
func (a *Account) SetFlags(ctx context.Context, envs []mailkit.EnvelopeHash, mailbox mailkit.MailboxHash, ops []mailkit.FlagOp) error {
	if err := a.writable(); err != nil {
		return err
	}
	if err := a.backend.SetFlags(ctx, envs, mailbox, ops); err != nil {
		return err
	}
	for _, h := range envs {
		env, ok := a.coll.ApplyFlagOps(h, ops)
		if !ok || a.cache == nil {
			continue
		}
		if err := a.cache.SetFlags(ctx, h, env.Flags, env.Tags); err != nil && !errors.Is(err, mailkit.ErrNotFound) {
			a.log.Warn("cache flag update failed", "envelope", h.String(), "error", err)
		}
	}
	return nil
}

// Move moves envs from src to dst. The destination learns of them through
// its next fetch or watch event.
func (a *Account) Move(ctx context.Context, envs []mailkit.EnvelopeHash, src, dst mailkit.MailboxHash) error {
	if err := a.writable(); err != nil {
		return err
	}
	if err := a.backend.Copy(ctx, envs, src, dst, true); err != nil {
		return err
	}
	a.forget(ctx, envs)
	return nil
}

// Copy copies envs from src to dst.
func (a *Account) Copy(ctx context.Context, envs []mailkit.EnvelopeHash, src, dst mailkit.MailboxHash) error {
	if err := a.writable(); err != nil {
		return err
	}
	return a.backend.Copy(ctx, envs, src, dst, false)
}

// Delete removes envs for good.
func (a *Account) Delete(ctx context.Context, envs []mailkit.EnvelopeHash, mailbox mailkit.MailboxHash) error {
	if err := a.writable(); err != nil {
		return err
	}
	if err := a.backend.Delete(ctx, envs, mailbox); err != nil {
		return err
	}
	a.forget(ctx, envs)
	return nil
}

func (a *Account) forget(ctx context.Context, envs []mailkit.EnvelopeHash) {
	for _, h := range envs {
		a.coll.Remove(h)
	}
	if a.cache != nil {
		if err := a.cache.Remove(ctx, envs...); err != nil {
			a.log.Warn("cache remove failed", "error", err)
		}
	}
}

// Save stores raw in mailbox with flags.
func (a *Account) Save(ctx context.Context, raw []byte, mailbox mailkit.MailboxHash, flags mailkit.Flag) error {
	if err := a.writable(); err != nil {
		return err
	}
	return a.backend.Save(ctx, raw, mailbox, flags)
}

// CreateMailbox creates path and refreshes the mailbox list.
func (a *Account) CreateMailbox(ctx context.Context, path string) (mailkit.MailboxHash, error) {
	if err := a.writable(); err != nil {
		return 0, err
	}
	h, err := a.backend.CreateMailbox(ctx, path)
	if err != nil {
		return 0, err
	}
	_, err = a.RefreshMailboxes(ctx)
	return h, err
}

// DeleteMailbox deletes mailbox with its messages.
func (a *Account) DeleteMailbox(ctx context.Context, mailbox mailkit.MailboxHash) error {
	if err := a.writable(); err != nil {
		return err
	}
	if err := a.backend.DeleteMailbox(ctx, mailbox); err != nil {
		return err
	}
	a.coll.ClearMailbox(mailbox)
	if a.cache != nil {
		_ = a.cache.ClearMailbox(ctx, mailbox)
	}
	a.mu.Lock()
	delete(a.mailboxes, mailbox)
	delete(a.loaded, mailbox)
	a.mu.Unlock()
	return nil
}

// NewDraft starts a message from the account's identity.
func (a *Account) NewDraft() *compose.Draft {
	d := compose.New()
	from := mailkit.Address{Name: a.settings.DisplayName, Email: a.settings.Identity}
	if from.Email != "" {
		d.Set("From", from.String())
	}
	return d
}

// Send finalises draft, submits it and saves a Seen copy in the Sent
// mailbox. A failed save is logged; the message has already gone out.
func (a *Account) Send(ctx context.Context, draft *compose.Draft) error {
	if !draft.Has("From") || draft.Get("From") == "" {
		draft.Set("From", a.NewDraft().Get("From"))
	}
	rcpts, err := draft.Recipients()
	if err != nil {
		return mailkit.WrapError(mailkit.KindValue, "bad recipient", err)
	}
	raw, err := draft.Finalise()
	if err != nil {
		return err
	}
	if err := a.submit(ctx, raw, rcpts); err != nil {
		return err
	}

	sent := a.sentMailbox()
	if sent == nil || a.settings.ReadOnly {
		return nil
	}
	if err := a.backend.Save(ctx, compose.WithoutBcc(raw), sent.Hash, mailkit.FlagSeen); err != nil {
		a.log.Warn("could not save sent message", "mailbox", sent.Path, "error", err)
	}
	return nil
}

func (a *Account) sentMailbox() *mailkit.Mailbox {
	if a.sentSet {
		if a.sentPath == "" {
			return nil
		}
		mb, err := a.Mailbox(a.sentPath)
		if err != nil {
			a.log.Warn("sent mailbox not found", "mailbox", a.sentPath)
			return nil
		}
		return mb
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.byUsageLocked(mailkit.UsageSent)
}

// smtpSubmit sends through the account's smtp_* server.
func (a *Account) smtpSubmit(ctx context.Context, raw []byte, rcpts []string) error {
	conf, err := smtp.ConfFromSettings(&a.settings)
	if err != nil {
		return err
	}
	return smtp.Submit(ctx, conf, raw, rcpts...)
}
