// Package mailkit is a mail handling library: a common Backend abstraction
// over mail stores plus the types they share.
//
// Stores are enabled by importing their package, which registers them:
//
//   - imap: IMAP4rev1 over TLS or STARTTLS, with IDLE, CONDSTORE and
//     COMPRESS=DEFLATE
//   - jmap: JMAP over HTTP and JSON
//   - maildir and mbox: local files, watched with fsnotify
//   - notmuch: a notmuch database through the notmuch CLI
//
// Optional capabilities are packages too: smtp (submission), sqlite (an
// envelope cache and search index), vcard (address books), textproc
// (Unicode segmentation and glob matching) and gpg (signing and encryption
// hooks). Features reports what the running program was built with.
//
// The account package ties a backend, an in-memory collection with threads
// and the optional cache together; most programs start there.
package mailkit
