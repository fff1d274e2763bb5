package mailkit

import (
	"context"
	"sync"

	"github.com/BrianLeishman/mailkit/query"
)

// Backend is a mail store. Implementations live in sub-packages and register
// themselves with Register; see Features.
//
// Operations a store cannot perform return an error for which
// errors.Is(err, ErrNotSupported) holds.
type Backend interface {
	Capabilities() Capabilities
	// IsOnline checks that the store is reachable, reconnecting if needed.
	IsOnline(ctx context.Context) error
	Mailboxes(ctx context.Context) (map[MailboxHash]*Mailbox, error)
	// Fetch loads every envelope of mailbox, passing them to batch in chunks.
	Fetch(ctx context.Context, mailbox MailboxHash, batch func([]*Envelope) error) error
	// Refresh checks mailbox for changes once and reports them through the
	// events channel given to the most recent Watch, if any.
	Refresh(ctx context.Context, mailbox MailboxHash) error
	// Watch blocks, sending change events, until ctx is done or a fatal error.
	Watch(ctx context.Context, events chan<- RefreshEvent) error
	Message(ctx context.Context, env EnvelopeHash, mailbox MailboxHash) ([]byte, error)
	SetFlags(ctx context.Context, envs []EnvelopeHash, mailbox MailboxHash, ops []FlagOp) error
	Save(ctx context.Context, raw []byte, mailbox MailboxHash, flags Flag) error
	// Copy copies envs from src to dst, removing them from src when move is set.
	Copy(ctx context.Context, envs []EnvelopeHash, src, dst MailboxHash, move bool) error
	Delete(ctx context.Context, envs []EnvelopeHash, mailbox MailboxHash) error
	CreateMailbox(ctx context.Context, path string) (MailboxHash, error)
	DeleteMailbox(ctx context.Context, mailbox MailboxHash) error
	Search(ctx context.Context, q query.Query, mailbox MailboxHash) ([]EnvelopeHash, error)
	Close() error
}

// Capabilities describes what a Backend can do.
type Capabilities struct {
	Name               string
	IsRemote           bool
	SupportsSearch     bool
	SupportsTags       bool
	SupportsSubmission bool
	Extensions         []string
}

// Watcher is the channel based sink shared by backend implementations for
// Refresh: it remembers the channel of the latest Watch call.
type Watcher struct {
	mu sync.Mutex
	ch chan<- RefreshEvent
}

// Attach records the events channel. Passing nil detaches.
func (w *Watcher) Attach(ch chan<- RefreshEvent) {
	w.mu.Lock()
	w.ch = ch
	w.mu.Unlock()
}

// Send delivers ev if a channel is attached, giving up when ctx is done.
func (w *Watcher) Send(ctx context.Context, ev RefreshEvent) {
	w.mu.Lock()
	ch := w.ch
	w.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- ev:
	case <-ctx.Done():
	}
}
