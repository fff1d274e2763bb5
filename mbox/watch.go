package mbox

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/BrianLeishman/mailkit"
)

// Debounce collapses bursts of writes to a file into one rescan.
var Debounce = 200 * time.Millisecond

// Watch follows the subscribed mailbox files. Their directories are watched
// rather than the files, since rewrites replace the file.
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
	dirs := make(map[string]bool)
	if err == nil {
		for mh, mb := range b.mailboxes {
			if mb.NoSelect || !mb.Subscribed {
				continue
			}
			file := b.files[mh]
			watched[file] = mh
			dirs[filepath.Dir(file)] = true
		}
	}
	b.mu.Unlock()
	if err != nil {
		return err
	}
	for dir := range dirs {
		if err := w.Add(dir); err != nil {
			b.log.Warn("cannot watch directory", "dir", dir, "error", err)
		}
	}
	b.log.Debug("watching mbox files", "files", len(watched))

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
			mh, ok := watched[filepath.Clean(ev.Name)]
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
