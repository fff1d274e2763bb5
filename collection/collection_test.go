package collection

import (
	"strings"
	"testing"
	"time"

	"github.com/BrianLeishman/mailkit"
	"github.com/BrianLeishman/mailkit/query"
	"github.com/BrianLeishman/mailkit/thread"
)

const inbox mailkit.MailboxHash = 1

func mkEnv(hash uint64, day int, subject string) *mailkit.Envelope {
	return &mailkit.Envelope{
		Hash:        mailkit.EnvelopeHash(hash),
		MailboxHash: inbox,
		MessageID:   subject + "@example.com",
		Subject:     subject,
		From:        mailkit.Addresses{{Name: "Alice Example", Email: "alice@example.com"}},
		To:          mailkit.Addresses{{Email: "bob@example.org"}},
		Date:        time.Date(2024, 3, day, 9, 0, 0, 0, time.UTC),
	}
}

func TestInsertRemoveAndOrdering(t *testing.T) {
	c := New()
	c.Insert(mkEnv(1, 1, "first"))
	c.Insert(mkEnv(2, 3, "third"))
	c.Insert(mkEnv(3, 2, "second"))

	if c.Len() != 3 {
		t.Fatalf("Len = %d, want 3", c.Len())
	}
	got := c.Mailbox(inbox)
	var subjects []string
	for _, e := range got {
		subjects = append(subjects, e.Subject)
	}
	if strings.Join(subjects, ",") != "third,second,first" {
		t.Errorf("Mailbox order = %v", subjects)
	}
	if hs := c.Hashes(inbox); len(hs) != 3 || hs[0] != 2 || hs[1] != 3 || hs[2] != 1 {
		t.Errorf("Hashes order = %v", hs)
	}

	rng := c.Range(time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC), time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC))
	if len(rng) != 2 || rng[0].Subject != "second" {
		t.Errorf("Range returned %d envelopes, first %q", len(rng), rng[0].Subject)
	}

	if !c.Remove(2) {
		t.Fatal("Remove reported missing envelope")
	}
	if c.Remove(2) {
		t.Error("second Remove should report false")
	}
	if c.Len() != 2 || len(c.All()) != 2 {
		t.Errorf("after remove Len = %d, All = %d", c.Len(), len(c.All()))
	}
}

func TestInsertReplacesSameHash(t *testing.T) {
	c := New()
	c.Insert(mkEnv(1, 1, "old"))
	if c.Insert(mkEnv(1, 5, "new")) {
		t.Error("re-insert of same hash reported as new")
	}
	if c.Len() != 1 || len(c.All()) != 1 {
		t.Fatalf("duplicate entries: Len %d All %d", c.Len(), len(c.All()))
	}
	e, _ := c.Get(1)
	if e.Subject != "new" {
		t.Errorf("Subject = %q, want new", e.Subject)
	}
}

func TestApplyEvents(t *testing.T) {
	c := New()
	c.Apply(mailkit.RefreshEvent{Kind: mailkit.EventCreate, Envelope: mkEnv(1, 1, "a")})
	c.Apply(mailkit.RefreshEvent{Kind: mailkit.EventNewFlags, Hash: 1, Flags: mailkit.FlagSeen | mailkit.FlagFlagged})

	e, ok := c.Get(1)
	if !ok || !e.Flags.Has(mailkit.FlagFlagged) || !e.IsSeen() {
		t.Fatalf("flags not applied: %+v", e)
	}

	c.Apply(mailkit.RefreshEvent{Kind: mailkit.EventRename, OldHash: 1, Hash: 7})
	if c.Contains(1) || !c.Contains(7) {
		t.Fatal("rename did not move the envelope")
	}
	if e, _ := c.Get(7); e.Subject != "a" || !e.IsSeen() {
		t.Errorf("rename lost data: %+v", e)
	}

	c.Apply(mailkit.RefreshEvent{Kind: mailkit.EventRemove, Hash: 7})
	if c.Len() != 0 {
		t.Errorf("Len = %d after remove", c.Len())
	}
	if c.Apply(mailkit.RefreshEvent{Kind: mailkit.EventRescan}) {
		t.Error("rescan should not change the collection")
	}
}

func TestThreadsAndClear(t *testing.T) {
	c := New()
	parent := mkEnv(1, 1, "Plan")
	reply := mkEnv(2, 2, "Re: Plan")
	reply.MessageID = "reply@example.com"
	reply.InReplyTo = parent.MessageID
	reply.References = []string{parent.MessageID}
	c.InsertBatch([]*mailkit.Envelope{parent, reply, mkEnv(3, 3, "Other")})

	threads := c.Threads(inbox, thread.DateDesc)
	if len(threads) != 2 {
		t.Fatalf("expected 2 threads, got %d", len(threads))
	}
	envs, depths := c.ThreadMessages(2)
	if len(envs) != 2 || depths[1] != 1 {
		t.Errorf("ThreadMessages = %d envelopes, depths %v", len(envs), depths)
	}

	c.ClearMailbox(inbox)
	if c.Len() != 0 || len(c.Threads(inbox, thread.DateDesc)) != 0 {
		t.Error("ClearMailbox left data behind")
	}
}

func TestMatch(t *testing.T) {
	e := mkEnv(1, 10, "Quarterly report")
	e.Flags = mailkit.FlagSeen
	e.Tags = []string{"work"}
	e.References = []string{"root@example.com"}
	body := func() string { return "The numbers are IN." }

	tests := []struct {
		q    string
		want bool
	}{
		{"subject:quarterly", true},
		{"from:alice", true},
		{`from:"alice example"`, true},
		{"to:bob and cc:bob", false},
		{"addresses:bob", true},
		{"is:seen", true},
		{"is:unseen", false},
		{"is:flagged or tag:work", true},
		{"body:numbers", true},
		{"numbers", true},
		{"report", true},
		{"missing", false},
		{"references:root", true},
		{"on:2024-03-10", true},
		{"before:2024-03-10", false},
		{"before:2024-03-11", true},
		{"after:2024-03-09", true},
		{"after:2024-03-10", false},
		{"date:2024-03-01..2024-03-10", true},
		{"date:2024-03-11..2024-03-20", false},
		{"not subject:report", false},
	}
	for _, tt := range tests {
		t.Run(tt.q, func(t *testing.T) {
			if got := Match(query.MustParse(tt.q), e, body); got != tt.want {
				t.Errorf("Match(%q) = %v, want %v", tt.q, got, tt.want)
			}
		})
	}
}

func TestSearchLoadsBodyLazily(t *testing.T) {
	c := New()
	c.Insert(mkEnv(1, 1, "alpha"))
	c.Insert(mkEnv(2, 2, "beta"))

	loads := 0
	body := func(h mailkit.EnvelopeHash) string {
		loads++
		return "secret word"
	}
	if got := c.Search(query.MustParse("subject:alpha"), inbox, body); len(got) != 1 || got[0] != 1 {
		t.Errorf("subject search = %v", got)
	}
	if loads != 0 {
		t.Errorf("header query loaded %d bodies", loads)
	}
	if got := c.Search(query.MustParse("body:secret"), 0, body); len(got) != 2 || got[0] != 2 {
		t.Errorf("body search = %v, want newest first", got)
	}
	if loads != 2 {
		t.Errorf("expected 2 body loads, got %d", loads)
	}
}
