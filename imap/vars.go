package imap

import (
	"strings"
	"time"
)

// String replacers for escaping/unescaping quoted strings
var (
	AddSlashes    = strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	RemoveSlashes = strings.NewReplacer(`\\`, `\`, `\"`, `"`)
)

// Verbose outputs every command and its response with the IMAP server
var Verbose = false

// SkipResponses skips printing server responses in verbose mode
var SkipResponses = false

var RetryCount = 10

// DialTimeout defines how long to wait when establishing a new connection.
// Zero means no timeout.
var DialTimeout time.Duration

// CommandTimeout defines how long to wait for a command to complete.
// Zero means no timeout.
var CommandTimeout time.Duration

// TLSSkipVerify disables certificate verification when establishing new
// connections. Use with caution; skipping verification exposes the
// connection to man-in-the-middle attacks.
var TLSSkipVerify bool

// ProtocolTimeout is how long a connection may sit unused before it is
// assumed dead and reopened on next use.
var ProtocolTimeout = 28 * time.Minute

// IdleRefresh is how often IDLE is restarted, and the polling interval for
// servers without IDLE.
var IdleRefresh = 5 * time.Minute

// FetchBatchSize is the number of UIDs requested per header FETCH.
var FetchBatchSize = 500
