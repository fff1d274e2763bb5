// Package imap is the IMAP4rev1 backend of mailkit, together with the small
// client it is built on.
//
// The client (Dialer) covers what the backend needs:
//
//   - Connecting over implicit TLS, STARTTLS or plain text
//   - Authenticating with LOGIN or XOAUTH2 (OAuth 2.0)
//   - CONDSTORE, COMPRESS=DEFLATE and IDLE when the server offers them
//   - Selecting/Examining folders, searching (UID SEARCH), and fetching messages
//   - Moving, copying, appending, flagging and expunging by UID
//   - Automatic reconnect with re-authentication and folder restore
//
// The backend registers itself as "imap". It keeps one connection for
// commands, identifies messages by account, folder, UIDVALIDITY and UID,
// and watches for changes with IDLE on the inbox plus periodic polling.
package imap
