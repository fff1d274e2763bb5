// Package thread groups envelopes into conversations with the JWZ algorithm
// (https://www.jwz.org/doc/threading.html), incrementally.
package thread

import (
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/BrianLeishman/mailkit"
)

// Node is a container in the thread tree. A Node without an envelope is a
// placeholder for a message that was referenced but not seen.
type Node struct {
	MessageID string
	Envelope  mailkit.EnvelopeHash
	Parent    *Node
	Children  []*Node

	Date    time.Time
	Subject string
	Seen    bool
}

// IsEmpty reports whether the node is a placeholder.
func (n *Node) IsEmpty() bool { return n.Envelope == 0 }

func (n *Node) isAncestorOf(o *Node) bool {
	for p := o; p != nil; p = p.Parent {
		if p == n {
			return true
		}
	}
	return false
}

func (n *Node) detach() {
	if n.Parent == nil {
		return
	}
	siblings := n.Parent.Children
	for i, c := range siblings {
		if c == n {
			n.Parent.Children = append(siblings[:i:i], siblings[i+1:]...)
			break
		}
	}
	n.Parent = nil
}

func (n *Node) attach(parent *Node) {
	n.detach()
	n.Parent = parent
	parent.Children = append(parent.Children, n)
}

// Thread is one conversation. Nodes has more than one entry only when
// subject grouping merged separate trees.
type Thread struct {
	Nodes   []*Node
	Subject string
	Latest  time.Time
	Len     int
	Unseen  int
}

// Root is the first top level node.
func (t *Thread) Root() *Node { return t.Nodes[0] }

// Order selects how Roots sorts threads.
type Order uint8

const (
	DateDesc Order = iota
	DateAsc
	SubjectAsc
)

// Threads holds the containers of one mailbox.
type Threads struct {
	// GroupBySubject merges roots whose normalized subjects match when at
	// least one of them is a reply ("Re: ...").
	GroupBySubject bool

	byID   map[string]*Node
	byHash map[mailkit.EnvelopeHash]*Node
}

// New returns an empty set of threads.
func New() *Threads {
	return &Threads{
		byID:   make(map[string]*Node),
		byHash: make(map[mailkit.EnvelopeHash]*Node),
	}
}

// Build threads envs from scratch.
func Build(envs []*mailkit.Envelope) *Threads {
	t := New()
	for _, e := range envs {
		t.Insert(e)
	}
	return t
}

// Len returns the number of envelopes threaded.
func (t *Threads) Len() int { return len(t.byHash) }

// Node returns the container of an envelope.
func (t *Threads) Node(h mailkit.EnvelopeHash) (*Node, bool) {
	n, ok := t.byHash[h]
	return n, ok
}

func normalizeID(id string) string {
	return strings.Trim(strings.TrimSpace(id), "<>")
}

// container returns the node for id, creating a placeholder.
func (t *Threads) container(id string) *Node {
	if n, ok := t.byID[id]; ok {
		return n
	}
	n := &Node{MessageID: id}
	t.byID[id] = n
	return n
}

// Insert adds env, or updates it if its hash is already present.
func (t *Threads) Insert(env *mailkit.Envelope) {
	if n, ok := t.byHash[env.Hash]; ok {
		n.Date, n.Subject, n.Seen = env.SortDate(), env.Subject, env.IsSeen()
		return
	}

	id := normalizeID(env.MessageID)
	if id == "" {
		id = "hash:" + env.Hash.String()
	}
	n := t.container(id)
	if !n.IsEmpty() {
		// Duplicate Message-ID: keep both messages, the second as a child.
		dup := &Node{MessageID: id + "#" + env.Hash.String()}
		t.byID[dup.MessageID] = dup
		dup.attach(n)
		n = dup
	}
	n.Envelope = env.Hash
	n.Date, n.Subject, n.Seen = env.SortDate(), env.Subject, env.IsSeen()
	t.byHash[env.Hash] = n

	// Link the reference chain, oldest first, without overriding links that
	// already exist and without creating loops.
	var prev *Node
	for _, ref := range env.Parents() {
		ref = normalizeID(ref)
		if ref == "" || ref == id {
			continue
		}
		c := t.container(ref)
		if prev != nil && c.Parent == nil && c != prev && !c.isAncestorOf(prev) {
			c.attach(prev)
		}
		prev = c
	}

	// The message's own parent is the last reference; this link wins over
	// whatever was guessed before.
	if prev != nil && prev != n && !n.isAncestorOf(prev) {
		n.attach(prev)
	} else if prev == nil && n.Parent != nil && n.Parent.MessageID+"#"+env.Hash.String() != n.MessageID {
		n.detach()
	}
}

// Update refreshes the cached fields of env's node.
func (t *Threads) Update(env *mailkit.Envelope) {
	if n, ok := t.byHash[env.Hash]; ok {
		n.Date, n.Subject, n.Seen = env.SortDate(), env.Subject, env.IsSeen()
	}
}

// SetSeen updates the seen state of h.
func (t *Threads) SetSeen(h mailkit.EnvelopeHash, seen bool) {
	if n, ok := t.byHash[h]; ok {
		n.Seen = seen
	}
}

// Remove drops an envelope. Its container stays as a placeholder while it
// has children.
func (t *Threads) Remove(h mailkit.EnvelopeHash) {
	n, ok := t.byHash[h]
	if !ok {
		return
	}
	delete(t.byHash, h)
	n.Envelope = 0
	for n != nil && n.IsEmpty() && len(n.Children) == 0 {
		parent := n.Parent
		n.detach()
		delete(t.byID, n.MessageID)
		n = parent
	}
}

// Walk visits node and its descendants in date order, passing the depth
// relative to node.
func Walk(node *Node, fn func(n *Node, depth int)) {
	var walk func(n *Node, depth int)
	walk = func(n *Node, depth int) {
		fn(n, depth)
		children := append([]*Node(nil), n.Children...)
		sort.SliceStable(children, func(i, j int) bool { return children[i].Date.Before(children[j].Date) })
		for _, c := range children {
			walk(c, depth+1)
		}
	}
	walk(node, 0)
}

// prune returns the nodes that should represent root in a listing: empty
// roots are skipped and empty roots with a single child are replaced by it.
func prune(root *Node) []*Node {
	if !root.IsEmpty() {
		return []*Node{root}
	}
	switch len(root.Children) {
	case 0:
		return nil
	case 1:
		return prune(root.Children[0])
	}
	return []*Node{root}
}

var replyPrefix = regexp.MustCompile(`(?i)^\s*((re|fw|fwd|aw|wg|sv|vs)(\[\d+\])?\s*:\s*|\[[^\]]*\]\s*)+`)

// NormalizeSubject strips reply and forward prefixes and list tags.
func NormalizeSubject(s string) string {
	return strings.ToLower(strings.TrimSpace(replyPrefix.ReplaceAllString(s, "")))
}

func isReply(s string) bool {
	return replyPrefix.MatchString(s) && NormalizeSubject(s) != strings.ToLower(strings.TrimSpace(s))
}

func summarize(nodes []*Node) *Thread {
	th := &Thread{Nodes: nodes}
	for _, top := range nodes {
		Walk(top, func(n *Node, _ int) {
			if n.IsEmpty() {
				return
			}
			if th.Subject == "" {
				th.Subject = n.Subject
			}
			th.Len++
			if !n.Seen {
				th.Unseen++
			}
			if n.Date.After(th.Latest) {
				th.Latest = n.Date
			}
		})
	}
	return th
}

// Roots returns every thread in the requested order.
func (t *Threads) Roots(order Order) []*Thread {
	var tops []*Node
	for _, n := range t.byID {
		if n.Parent == nil {
			tops = append(tops, prune(n)...)
		}
	}
	sort.Slice(tops, func(i, j int) bool {
		if !tops[i].Date.Equal(tops[j].Date) {
			return tops[i].Date.Before(tops[j].Date)
		}
		return tops[i].MessageID < tops[j].MessageID
	})

	var groups [][]*Node
	if t.GroupBySubject {
		bySubject := make(map[string]int)
		for _, n := range tops {
			key := NormalizeSubject(firstSubject(n))
			if i, ok := bySubject[key]; ok && key != "" && (isReply(firstSubject(n)) || isReply(firstSubject(groups[i][0]))) {
				groups[i] = append(groups[i], n)
				continue
			}
			bySubject[key] = len(groups)
			groups = append(groups, []*Node{n})
		}
	} else {
		for _, n := range tops {
			groups = append(groups, []*Node{n})
		}
	}

	out := make([]*Thread, 0, len(groups))
	for _, g := range groups {
		if th := summarize(g); th.Len > 0 {
			out = append(out, th)
		}
	}

	switch order {
	case DateAsc:
		sort.SliceStable(out, func(i, j int) bool { return out[i].Latest.Before(out[j].Latest) })
	case SubjectAsc:
		sort.SliceStable(out, func(i, j int) bool {
			return NormalizeSubject(out[i].Subject) < NormalizeSubject(out[j].Subject)
		})
	default:
		sort.SliceStable(out, func(i, j int) bool { return out[i].Latest.After(out[j].Latest) })
	}
	return out
}

func firstSubject(n *Node) string {
	s := ""
	Walk(n, func(c *Node, _ int) {
		if s == "" && !c.IsEmpty() {
			s = c.Subject
		}
	})
	return s
}

// ThreadOf returns the top level node of the tree containing h.
func (t *Threads) ThreadOf(h mailkit.EnvelopeHash) (*Node, bool) {
	n, ok := t.byHash[h]
	if !ok {
		return nil, false
	}
	for n.Parent != nil {
		n = n.Parent
	}
	if p := prune(n); len(p) == 1 {
		return p[0], true
	}
	return n, true
}
