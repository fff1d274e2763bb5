package maildir

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/BrianLeishman/mailkit"
)

// Watch follows new/ and cur/ of every subscribed mailbox with fsnotify.
// Bursts of file events are collapsed and the affected mailboxes rescanned,
// so a rename within cur/ is reported as new flags rather than a removal
// and a creation.
func (b *Backend) Watch(ctx context.Context, events chan<- mailkit.RefreshEvent) error {
	b.watcher.Attach(events)
	defer b.watcher.Attach(nil)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return mailkit.WrapError(mailkit.KindExternal, "start file watcher", err)
	}
	defer w.Close()

	b.mu.Lock()
	if b.mailboxes == nil {
		err = b.loadMailboxesLocked()
	}
	watched := make(map[string]mailkit.MailboxHash)
	if err == nil {
		for mh, mb := range b.mailboxes {
			if mb.NoSelect || !mb.Subscribed {
				continue
			}
			for _, sub := range []string{"new", "cur"} {
				dir := filepath.Join(b.dirs[mh], sub)
				if err := w.Add(dir); err != nil {
					b.log.Warn("cannot watch directory", "dir", dir, "error", err)
					continue
				}
				watched[dir] = mh
			}
		}
	}
	b.mu.Unlock()
	if err != nil {
		return err
	}
	b.log.Debug("watching maildir", "directories", len(watched))

	account := b.settings.Hash()
	dirty := make(map[mailkit.MailboxHash]bool)
	timer := time.NewTimer(Debounce)
	timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op == fsnotify.Chmod {
				continue
			}
			mh, ok := watched[filepath.Dir(ev.Name)]
			if !ok {
				continue
			}
			dirty[mh] = true
			timer.Reset(Debounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			b.watcher.Send(ctx, mailkit.RefreshEvent{Account: account, Kind: mailkit.EventFailure, Err: mailkit.WrapError(mailkit.KindExternal, "file watcher", err)})
		case <-timer.C:
			for mh := range dirty {
				if err := b.Refresh(ctx, mh); err != nil && ctx.Err() == nil {
					b.watcher.Send(ctx, mailkit.RefreshEvent{Account: account, Mailbox: mh, Kind: mailkit.EventFailure, Err: err})
				}
				delete(dirty, mh)
			}
		}
	}
}
