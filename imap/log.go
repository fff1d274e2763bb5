package imap

import "github.com/BrianLeishman/mailkit"

const component = "mailkit/imap"

func connectionLogger(connNum int, mailbox string) mailkit.Logger {
	return mailkit.ConnectionLogger(component, connNum, mailbox)
}

// debugLog emits a debug log entry when verbose logging is enabled.
func debugLog(connNum int, mailbox string, msg string, args ...any) {
	if !Verbose {
		return
	}
	connectionLogger(connNum, mailbox).Debug(msg, args...)
}

func warnLog(connNum int, mailbox string, msg string, args ...any) {
	connectionLogger(connNum, mailbox).Warn(msg, args...)
}

func errorLog(connNum int, mailbox string, msg string, args ...any) {
	connectionLogger(connNum, mailbox).Error(msg, args...)
}
