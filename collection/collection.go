// Package collection keeps an account's envelopes in memory: a hash map, a
// date index, per mailbox membership and per mailbox threads.
package collection

import (
	"sort"
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/BrianLeishman/mailkit"
	"github.com/BrianLeishman/mailkit/thread"
)

type dateKey struct {
	unix int64
	hash mailkit.EnvelopeHash
}

func lessDate(a, b dateKey) bool {
	if a.unix != b.unix {
		return a.unix < b.unix
	}
	return a.hash < b.hash
}

// Collection is safe for concurrent use.
type Collection struct {
	mu        sync.RWMutex
	envelopes map[mailkit.EnvelopeHash]*mailkit.Envelope
	byDate    *btree.BTreeG[dateKey]
	mailboxes map[mailkit.MailboxHash]map[mailkit.EnvelopeHash]struct{}
	threads   map[mailkit.MailboxHash]*thread.Threads

	groupBySubject bool
}

// Option configures a Collection.
type Option func(*Collection)

// WithSubjectGrouping enables subject based thread merging.
func WithSubjectGrouping() Option {
	return func(c *Collection) { c.groupBySubject = true }
}

// New returns an empty collection.
func New(opts ...Option) *Collection {
	c := &Collection{
		envelopes: make(map[mailkit.EnvelopeHash]*mailkit.Envelope),
		byDate:    btree.NewG[dateKey](16, lessDate),
		mailboxes: make(map[mailkit.MailboxHash]map[mailkit.EnvelopeHash]struct{}),
		threads:   make(map[mailkit.MailboxHash]*thread.Threads),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func keyOf(e *mailkit.Envelope) dateKey {
	return dateKey{unix: e.SortDate().Unix(), hash: e.Hash}
}

func (c *Collection) threadsFor(mh mailkit.MailboxHash) *thread.Threads {
	t, ok := c.threads[mh]
	if !ok {
		t = thread.New()
		t.GroupBySubject = c.groupBySubject
		c.threads[mh] = t
	}
	return t
}

// Insert adds env, replacing any envelope with the same hash. It reports
// whether the hash was new.
func (c *Collection) Insert(env *mailkit.Envelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.insertLocked(env)
}

func (c *Collection) insertLocked(env *mailkit.Envelope) bool {
	old, exists := c.envelopes[env.Hash]
	if exists {
		c.removeLocked(old.Hash)
	}
	c.envelopes[env.Hash] = env
	c.byDate.ReplaceOrInsert(keyOf(env))
	set, ok := c.mailboxes[env.MailboxHash]
	if !ok {
		set = make(map[mailkit.EnvelopeHash]struct{})
		c.mailboxes[env.MailboxHash] = set
	}
	set[env.Hash] = struct{}{}
	c.threadsFor(env.MailboxHash).Insert(env)
	return !exists
}

// InsertBatch adds many envelopes under one lock.
func (c *Collection) InsertBatch(envs []*mailkit.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range envs {
		c.insertLocked(e)
	}
}

// Update replaces the envelope old with env (which may have a new hash).
func (c *Collection) Update(old mailkit.EnvelopeHash, env *mailkit.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(old)
	c.insertLocked(env)
}

// Remove drops an envelope. It reports whether it was present.
func (c *Collection) Remove(h mailkit.EnvelopeHash) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeLocked(h)
}

func (c *Collection) removeLocked(h mailkit.EnvelopeHash) bool {
	env, ok := c.envelopes[h]
	if !ok {
		return false
	}
	delete(c.envelopes, h)
	c.byDate.Delete(keyOf(env))
	if set, ok := c.mailboxes[env.MailboxHash]; ok {
		delete(set, h)
	}
	if t, ok := c.threads[env.MailboxHash]; ok {
		t.Remove(h)
	}
	return true
}

// Get returns a copy of an envelope.
func (c *Collection) Get(h mailkit.EnvelopeHash) (*mailkit.Envelope, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.envelopes[h]
	if !ok {
		return nil, false
	}
	return e.Clone(), true
}

// Contains reports whether h is present.
func (c *Collection) Contains(h mailkit.EnvelopeHash) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.envelopes[h]
	return ok
}

// SetFlags replaces the flags and tags of h.
func (c *Collection) SetFlags(h mailkit.EnvelopeHash, flags mailkit.Flag, tags []string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.envelopes[h]
	if !ok {
		return false
	}
	e.Flags = flags
	if tags != nil {
		e.Tags = tags
	}
	if t, ok := c.threads[e.MailboxHash]; ok {
		t.SetSeen(h, e.IsSeen())
	}
	return true
}

// ApplyFlagOps applies ops to h and returns the resulting envelope copy.
func (c *Collection) ApplyFlagOps(h mailkit.EnvelopeHash, ops []mailkit.FlagOp) (*mailkit.Envelope, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.envelopes[h]
	if !ok {
		return nil, false
	}
	e.Apply(ops...)
	if t, ok := c.threads[e.MailboxHash]; ok {
		t.SetSeen(h, e.IsSeen())
	}
	return e.Clone(), true
}

// Len returns the number of envelopes.
func (c *Collection) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.envelopes)
}

// Mailbox returns the envelopes of a mailbox, newest first.
func (c *Collection) Mailbox(mh mailkit.MailboxHash) []*mailkit.Envelope {
	c.mu.RLock()
	defer c.mu.RUnlock()
	set := c.mailboxes[mh]
	out := make([]*mailkit.Envelope, 0, len(set))
	for h := range set {
		out = append(out, c.envelopes[h].Clone())
	}
	sort.Slice(out, func(i, j int) bool { return lessDate(keyOf(out[j]), keyOf(out[i])) })
	return out
}

// Hashes returns the envelope hashes of a mailbox, newest first.
func (c *Collection) Hashes(mh mailkit.MailboxHash) []mailkit.EnvelopeHash {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]dateKey, 0, len(c.mailboxes[mh]))
	for h := range c.mailboxes[mh] {
		keys = append(keys, keyOf(c.envelopes[h]))
	}
	sort.Slice(keys, func(i, j int) bool { return lessDate(keys[j], keys[i]) })
	out := make([]mailkit.EnvelopeHash, len(keys))
	for i, k := range keys {
		out[i] = k.hash
	}
	return out
}

// Range returns envelopes dated in [from, to), oldest first, from every
// mailbox.
func (c *Collection) Range(from, to time.Time) []*mailkit.Envelope {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*mailkit.Envelope
	c.byDate.AscendRange(dateKey{unix: from.Unix()}, dateKey{unix: to.Unix()}, func(k dateKey) bool {
		out = append(out, c.envelopes[k.hash].Clone())
		return true
	})
	return out
}

// All returns every envelope, newest first.
func (c *Collection) All() []*mailkit.Envelope {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*mailkit.Envelope, 0, len(c.envelopes))
	c.byDate.Descend(func(k dateKey) bool {
		out = append(out, c.envelopes[k.hash].Clone())
		return true
	})
	return out
}

// Threads returns the threads of a mailbox.
func (c *Collection) Threads(mh mailkit.MailboxHash, order thread.Order) []*thread.Thread {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.threadsFor(mh).Roots(order)
}

// ThreadMessages returns the envelopes of the thread containing h, in tree
// order with their depth.
func (c *Collection) ThreadMessages(h mailkit.EnvelopeHash) ([]*mailkit.Envelope, []int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.envelopes[h]
	if !ok {
		return nil, nil
	}
	t, ok := c.threads[e.MailboxHash]
	if !ok {
		return nil, nil
	}
	root, ok := t.ThreadOf(h)
	if !ok {
		return nil, nil
	}
	var envs []*mailkit.Envelope
	var depths []int
	thread.Walk(root, func(n *thread.Node, depth int) {
		if m, ok := c.envelopes[n.Envelope]; ok && !n.IsEmpty() {
			envs = append(envs, m.Clone())
			depths = append(depths, depth)
		}
	})
	return envs, depths
}

// ClearMailbox drops every envelope of a mailbox, as before a rescan.
func (c *Collection) ClearMailbox(mh mailkit.MailboxHash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for h := range c.mailboxes[mh] {
		c.removeLocked(h)
	}
	delete(c.mailboxes, mh)
	delete(c.threads, mh)
}

// Apply folds a backend event into the collection. It reports whether the
// collection changed. Rescan and Failure events are left to the caller.
func (c *Collection) Apply(ev mailkit.RefreshEvent) bool {
	switch ev.Kind {
	case mailkit.EventCreate:
		if ev.Envelope == nil {
			return false
		}
		c.Insert(ev.Envelope)
		return true
	case mailkit.EventUpdate:
		if ev.Envelope == nil {
			return false
		}
		c.Update(ev.OldHash, ev.Envelope)
		return true
	case mailkit.EventRename:
		c.mu.Lock()
		defer c.mu.Unlock()
		e, ok := c.envelopes[ev.OldHash]
		if !ok {
			return false
		}
		c.removeLocked(ev.OldHash)
		e.Hash = ev.Hash
		if ev.Envelope != nil {
			e.Key = ev.Envelope.Key
		}
		c.insertLocked(e)
		return true
	case mailkit.EventRemove:
		return c.Remove(ev.Hash)
	case mailkit.EventNewFlags:
		return c.SetFlags(ev.Hash, ev.Flags, ev.Tags)
	}
	return false
}
