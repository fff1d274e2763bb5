// Package sqlite caches envelopes and message text of an account in a SQLite
// database so mailboxes can be listed and searched without the backend.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/BrianLeishman/mailkit"
	"github.com/BrianLeishman/mailkit/query"
)

func init() {
	mailkit.RegisterFeature("sqlite3")
}

// Memory opens a private in-memory cache.
const Memory = ":memory:"

// Cache is a SQLite envelope cache for one account.
type Cache struct {
	db  *sqlx.DB
	log mailkit.Logger
}

// Open opens (or creates) the cache at path, enables WAL mode and runs any
// pending schema migrations.
func Open(path string) (*Cache, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	if path == Memory {
		// every connection would get its own database
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	c := &Cache{db: db, log: mailkit.ComponentLogger("mailkit/sqlite").WithAttrs("path", path)}
	if err := c.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return c, nil
}

// Close closes the underlying database connection.
func (c *Cache) Close() error {
	return c.db.Close()
}

func (c *Cache) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := c.db.Get(&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'")
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}
	if tableCount > 0 {
		if err := c.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := c.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
		c.log.Debug("applied migration", "version", m.version)
	}
	return nil
}

// envelopeRow is the envelopes table as sqlx scans it.
type envelopeRow struct {
	Hash           int64  `db:"hash"`
	MailboxHash    int64  `db:"mailbox_hash"`
	MessageID      string `db:"message_id"`
	InReplyTo      string `db:"in_reply_to"`
	Refs           string `db:"refs"`
	Subject        string `db:"subject"`
	From           string `db:"from_addr"`
	To             string `db:"to_addr"`
	Cc             string `db:"cc_addr"`
	Bcc            string `db:"bcc_addr"`
	ReplyTo        string `db:"reply_to"`
	Date           int64  `db:"date"`
	Received       int64  `db:"received"`
	SortDate       int64  `db:"sort_date"`
	Size           int64  `db:"size"`
	Flags          int64  `db:"flags"`
	Tags           string `db:"tags"`
	HasAttachments bool   `db:"has_attachments"`
	UID            int64  `db:"uid"`
	Key            string `db:"key"`
}

func unix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnix(s int64) time.Time {
	if s == 0 {
		return time.Time{}
	}
	return time.Unix(s, 0)
}

// encodeTags stores tags as ",a,b," so one tag matches with a LIKE pattern.
func encodeTags(tags []string) string {
	if len(tags) == 0 {
		return ""
	}
	return "," + strings.Join(tags, ",") + ","
}

func decodeTags(s string) []string {
	s = strings.Trim(s, ",")
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func decodeAddresses(s string) mailkit.Addresses {
	as, err := mailkit.ParseAddressList(s)
	if err != nil {
		return mailkit.Addresses{{Email: s}}
	}
	return as
}

func rowOf(e *mailkit.Envelope) envelopeRow {
	return envelopeRow{
		Hash:           int64(e.Hash),
		MailboxHash:    int64(e.MailboxHash),
		MessageID:      e.MessageID,
		InReplyTo:      e.InReplyTo,
		Refs:           strings.Join(e.References, " "),
		Subject:        e.Subject,
		From:           e.From.String(),
		To:             e.To.String(),
		Cc:             e.Cc.String(),
		Bcc:            e.Bcc.String(),
		ReplyTo:        e.ReplyTo.String(),
		Date:           unix(e.Date),
		Received:       unix(e.Received),
		SortDate:       unix(e.SortDate()),
		Size:           int64(e.Size),
		Flags:          int64(e.Flags),
		Tags:           encodeTags(e.Tags),
		HasAttachments: e.HasAttachments,
		UID:            int64(e.UID),
		Key:            e.Key,
	}
}

func (r envelopeRow) envelope() *mailkit.Envelope {
	return &mailkit.Envelope{
		Hash:           mailkit.EnvelopeHash(r.Hash),
		MailboxHash:    mailkit.MailboxHash(r.MailboxHash),
		MessageID:      r.MessageID,
		InReplyTo:      r.InReplyTo,
		References:     strings.Fields(r.Refs),
		Subject:        r.Subject,
		From:           decodeAddresses(r.From),
		To:             decodeAddresses(r.To),
		Cc:             decodeAddresses(r.Cc),
		Bcc:            decodeAddresses(r.Bcc),
		ReplyTo:        decodeAddresses(r.ReplyTo),
		Date:           fromUnix(r.Date),
		Received:       fromUnix(r.Received),
		Size:           uint64(r.Size),
		Flags:          mailkit.Flag(r.Flags),
		Tags:           decodeTags(r.Tags),
		HasAttachments: r.HasAttachments,
		UID:            uint32(r.UID),
		Key:            r.Key,
	}
}

// Insert inserts or replaces a batch of envelopes.
func (c *Cache) Insert(ctx context.Context, envs ...*mailkit.Envelope) error {
	if len(envs) == 0 {
		return nil
	}
	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	const q = `
		INSERT OR REPLACE INTO envelopes (
			hash, mailbox_hash, message_id, in_reply_to, refs,
			subject, from_addr, to_addr, cc_addr, bcc_addr, reply_to,
			date, received, sort_date, size, flags, tags,
			has_attachments, uid, key
		) VALUES (
			:hash, :mailbox_hash, :message_id, :in_reply_to, :refs,
			:subject, :from_addr, :to_addr, :cc_addr, :bcc_addr, :reply_to,
			:date, :received, :sort_date, :size, :flags, :tags,
			:has_attachments, :uid, :key
		)`
	stmt, err := tx.PrepareNamedContext(ctx, q)
	if err != nil {
		return fmt.Errorf("preparing upsert statement: %w", err)
	}
	defer stmt.Close()

	for _, e := range envs {
		if _, err := stmt.ExecContext(ctx, rowOf(e)); err != nil {
			return fmt.Errorf("upserting envelope %s: %w", e.Hash, err)
		}
	}
	return tx.Commit()
}

// Remove deletes envelopes and their cached text.
func (c *Cache) Remove(ctx context.Context, hashes ...mailkit.EnvelopeHash) error {
	if len(hashes) == 0 {
		return nil
	}
	ids := make([]int64, len(hashes))
	for i, h := range hashes {
		ids[i] = int64(h)
	}
	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()
	for _, table := range []string{"envelopes", "bodies"} {
		q, args, err := sqlx.In("DELETE FROM "+table+" WHERE hash IN (?)", ids)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("deleting from %s: %w", table, err)
		}
	}
	return tx.Commit()
}

// Rename moves a cached envelope and its text to a new hash.
func (c *Cache) Rename(ctx context.Context, old, to mailkit.EnvelopeHash) error {
	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()
	for _, table := range []string{"envelopes", "bodies"} {
		if _, err := tx.ExecContext(ctx, "UPDATE OR REPLACE "+table+" SET hash = ? WHERE hash = ?", int64(to), int64(old)); err != nil {
			return fmt.Errorf("renaming %s in %s: %w", old, table, err)
		}
	}
	return tx.Commit()
}

// SetFlags replaces the flags and tags of an envelope.
func (c *Cache) SetFlags(ctx context.Context, h mailkit.EnvelopeHash, flags mailkit.Flag, tags []string) error {
	res, err := c.db.ExecContext(ctx,
		"UPDATE envelopes SET flags = ?, tags = ? WHERE hash = ?",
		int64(flags), encodeTags(tags), int64(h))
	if err != nil {
		return fmt.Errorf("updating flags of %s: %w", h, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return mailkit.Errorf(mailkit.KindNotFound, "sqlite: envelope %s not cached", h)
	}
	return nil
}

// Envelope returns a cached envelope.
func (c *Cache) Envelope(ctx context.Context, h mailkit.EnvelopeHash) (*mailkit.Envelope, error) {
	var r envelopeRow
	err := c.db.GetContext(ctx, &r, "SELECT * FROM envelopes WHERE hash = ?", int64(h))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, mailkit.Errorf(mailkit.KindNotFound, "sqlite: envelope %s not cached", h)
	}
	if err != nil {
		return nil, fmt.Errorf("getting envelope %s: %w", h, err)
	}
	return r.envelope(), nil
}

// Envelopes returns the cached envelopes of a mailbox, newest first.
func (c *Cache) Envelopes(ctx context.Context, mailbox mailkit.MailboxHash) ([]*mailkit.Envelope, error) {
	var rows []envelopeRow
	err := c.db.SelectContext(ctx, &rows,
		"SELECT * FROM envelopes WHERE mailbox_hash = ? ORDER BY sort_date DESC, hash", int64(mailbox))
	if err != nil {
		return nil, fmt.Errorf("querying envelopes: %w", err)
	}
	envs := make([]*mailkit.Envelope, len(rows))
	for i, r := range rows {
		envs[i] = r.envelope()
	}
	return envs, nil
}

// ClearMailbox drops everything cached for a mailbox.
func (c *Cache) ClearMailbox(ctx context.Context, mailbox mailkit.MailboxHash) error {
	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM bodies WHERE hash IN (SELECT hash FROM envelopes WHERE mailbox_hash = ?)", int64(mailbox)); err != nil {
		return fmt.Errorf("clearing bodies: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM envelopes WHERE mailbox_hash = ?", int64(mailbox)); err != nil {
		return fmt.Errorf("clearing envelopes: %w", err)
	}
	return tx.Commit()
}

// SetBody caches the text of a message for body searches.
func (c *Cache) SetBody(ctx context.Context, h mailkit.EnvelopeHash, text string) error {
	_, err := c.db.ExecContext(ctx, "INSERT OR REPLACE INTO bodies (hash, text) VALUES (?, ?)", int64(h), text)
	if err != nil {
		return fmt.Errorf("caching body of %s: %w", h, err)
	}
	return nil
}

// MailboxState is the synchronisation state remembered for a mailbox.
type MailboxState struct {
	Hash          mailkit.MailboxHash
	Path          string
	UIDValidity   uint32
	HighestModSeq uint64
}

// SetMailboxState records the state of a mailbox.
func (c *Cache) SetMailboxState(ctx context.Context, st MailboxState) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO mailboxes (hash, path, uidvalidity, highestmodseq, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		int64(st.Hash), st.Path, int64(st.UIDValidity), int64(st.HighestModSeq), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("saving mailbox %s: %w", st.Path, err)
	}
	return nil
}

// MailboxState returns the recorded state of a mailbox.
func (c *Cache) MailboxState(ctx context.Context, h mailkit.MailboxHash) (MailboxState, error) {
	var r struct {
		Hash          int64  `db:"hash"`
		Path          string `db:"path"`
		UIDValidity   int64  `db:"uidvalidity"`
		HighestModSeq int64  `db:"highestmodseq"`
	}
	err := c.db.GetContext(ctx, &r, "SELECT hash, path, uidvalidity, highestmodseq FROM mailboxes WHERE hash = ?", int64(h))
	if errors.Is(err, sql.ErrNoRows) {
		return MailboxState{}, mailkit.Errorf(mailkit.KindNotFound, "sqlite: mailbox %s not cached", h)
	}
	if err != nil {
		return MailboxState{}, fmt.Errorf("getting mailbox %s: %w", h, err)
	}
	return MailboxState{
		Hash:          mailkit.MailboxHash(r.Hash),
		Path:          r.Path,
		UIDValidity:   uint32(r.UIDValidity),
		HighestModSeq: uint64(r.HighestModSeq),
	}, nil
}

// Stats counts the cache contents.
type Stats struct {
	Envelopes int `db:"envelopes"`
	Bodies    int `db:"bodies"`
	Mailboxes int `db:"mailboxes"`
}

func (s Stats) String() string {
	return fmt.Sprintf("%d envelopes, %d bodies, %d mailboxes", s.Envelopes, s.Bodies, s.Mailboxes)
}

func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := c.db.GetContext(ctx, &s, `
		SELECT
			(SELECT COUNT(*) FROM envelopes) AS envelopes,
			(SELECT COUNT(*) FROM bodies) AS bodies,
			(SELECT COUNT(DISTINCT mailbox_hash) FROM envelopes) AS mailboxes`)
	if err != nil {
		return Stats{}, fmt.Errorf("counting cache: %w", err)
	}
	return s, nil
}

// Reset empties the cache, keeping the schema.
func (c *Cache) Reset(ctx context.Context) error {
	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()
	for _, table := range []string{"envelopes", "bodies", "mailboxes"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clearing %s: %w", table, err)
		}
	}
	return tx.Commit()
}

// Apply brings the cache in line with a refresh event.
func (c *Cache) Apply(ctx context.Context, ev mailkit.RefreshEvent) error {
	switch ev.Kind {
	case mailkit.EventCreate:
		if ev.Envelope != nil {
			return c.Insert(ctx, ev.Envelope)
		}
	case mailkit.EventUpdate:
		if err := c.Remove(ctx, ev.OldHash); err != nil {
			return err
		}
		if ev.Envelope != nil {
			return c.Insert(ctx, ev.Envelope)
		}
	case mailkit.EventRename:
		return c.Rename(ctx, ev.OldHash, ev.Hash)
	case mailkit.EventRemove:
		return c.Remove(ctx, ev.Hash)
	case mailkit.EventNewFlags:
		err := c.SetFlags(ctx, ev.Hash, ev.Flags, ev.Tags)
		if errors.Is(err, mailkit.ErrNotFound) {
			return nil
		}
		return err
	case mailkit.EventRescan:
		return c.ClearMailbox(ctx, ev.Mailbox)
	}
	return nil
}

// Search returns the hashes of cached envelopes matching q, newest first. A
// zero mailbox searches the whole cache.
func (c *Cache) Search(ctx context.Context, q query.Query, mailbox mailkit.MailboxHash) ([]mailkit.EnvelopeHash, error) {
	where, args, err := Where(q)
	if err != nil {
		return nil, err
	}
	stmt := "SELECT hash FROM envelopes WHERE " + where
	if mailbox != 0 {
		stmt += " AND mailbox_hash = ?"
		args = append(args, int64(mailbox))
	}
	stmt += " ORDER BY sort_date DESC, hash"

	var ids []int64
	if err := c.db.SelectContext(ctx, &ids, stmt, args...); err != nil {
		return nil, fmt.Errorf("searching cache: %w", err)
	}
	out := make([]mailkit.EnvelopeHash, len(ids))
	for i, id := range ids {
		out[i] = mailkit.EnvelopeHash(id)
	}
	return out, nil
}
