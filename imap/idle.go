package imap

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// Connection states
const (
	StateDisconnected = iota
	StateConnected
	StateSelected
	StateIdlePending
	StateIdling
	StateStoppingIdle
)

type ExistsEvent struct {
	MessageIndex int
}

type ExpungeEvent struct {
	MessageIndex int
}

type FetchEvent struct {
	MessageIndex int
	UID          uint32
	Flags        []string
}

// IdleHandler receives the untagged responses seen while idling. Callbacks
// run on their own goroutines. OnError, when set, is called when IDLE stops
// for good after a failed reconnect.
type IdleHandler struct {
	OnExists  func(event ExistsEvent)
	OnExpunge func(event ExpungeEvent)
	OnFetch   func(event FetchEvent)
	OnError   func(err error)
}

const (
	IdleEventExists  = "EXISTS"
	IdleEventExpunge = "EXPUNGE"
	IdleEventFetch   = "FETCH"
)

var (
	idleFetchRE = regexp.MustCompile(`(?i)^(\d+)\s+FETCH\s+\((.*)\)`)
	idleUIDRE   = regexp.MustCompile(`(?i)\bUID\s+(\d+)`)
	idleFlagsRE = regexp.MustCompile(`(?i)\bFLAGS\s*\(([^)]*)\)`)
)

func (d *Dialer) runIdleEvent(data []byte, handler *IdleHandler) error {
	index := 0
	event := ""
	if _, err := fmt.Sscanf(string(data), "%d %s", &index, &event); err != nil {
		// Untagged responses without a number (OK, CAPABILITY...) are not events.
		return nil
	}
	switch strings.ToUpper(event) {
	case IdleEventExists:
		if handler.OnExists != nil {
			go handler.OnExists(ExistsEvent{MessageIndex: index})
		}
	case IdleEventExpunge:
		if handler.OnExpunge != nil {
			go handler.OnExpunge(ExpungeEvent{MessageIndex: index})
		}
	case IdleEventFetch:
		if handler.OnFetch == nil {
			return nil
		}
		str := string(dropNl(data))
		matches := idleFetchRE.FindStringSubmatch(str)
		if len(matches) != 3 {
			return fmt.Errorf("invalid FETCH event format: %s", data)
		}
		ev := FetchEvent{}
		ev.MessageIndex, _ = strconv.Atoi(matches[1])
		if m := idleUIDRE.FindStringSubmatch(matches[2]); m != nil {
			uid, _ := strconv.ParseUint(m[1], 10, 32)
			ev.UID = uint32(uid)
		}
		if m := idleFlagsRE.FindStringSubmatch(matches[2]); m != nil {
			ev.Flags = strings.FieldsFunc(m[1], func(r rune) bool {
				return unicode.IsSpace(r) || r == ','
			})
		}
		go handler.OnFetch(ev)
	}

	return nil
}

// StartIdle enters IDLE on the selected folder and keeps it running in the
// background, restarting it every IdleRefresh and reconnecting after
// failures, until StopIdle is called.
func (d *Dialer) StartIdle(handler *IdleHandler) error {
	if d.idleQuit != nil {
		return fmt.Errorf("IDLE already running")
	}
	if !d.Capabilities["IDLE"] {
		return fmt.Errorf("server %s does not support IDLE", d.Host)
	}
	if err := d.startIdleSingle(handler); err != nil {
		return err
	}

	quit := make(chan struct{})
	exit := make(chan struct{})
	d.idleQuit, d.idleExit = quit, exit

	go func() {
		defer close(exit)
		ticker := time.NewTicker(IdleRefresh)
		defer ticker.Stop()

		for {
			select {
			case <-quit:
				_ = d.stopIdleSingle()
				return
			case <-ticker.C:
				if err := d.stopIdleSingle(); err != nil {
					warnLog(d.ConnNum, d.Folder, "could not leave IDLE", "error", err)
				}
			case <-d.idleStop:
				// IDLE ended on its own, the connection is likely gone.
			}

			if !d.Connected {
				if err := d.Reconnect(); err != nil {
					errorLog(d.ConnNum, d.Folder, "IDLE reconnect failed", "error", err)
					if handler.OnError != nil {
						go handler.OnError(err)
					}
					return
				}
			}
			if err := d.startIdleSingle(handler); err != nil {
				errorLog(d.ConnNum, d.Folder, "could not restart IDLE", "error", err)
				if handler.OnError != nil {
					go handler.OnError(err)
				}
				return
			}
		}
	}()

	return nil
}

func (d *Dialer) startIdleSingle(handler *IdleHandler) error {
	if d.State() == StateIdling || d.State() == StateIdlePending {
		return fmt.Errorf("already entering or in IDLE")
	}

	d.setState(StateIdlePending)

	idleStop := make(chan struct{})
	d.idleStop = idleStop
	idleReady := make(chan struct{})
	var readyOnce bool

	go func() {
		defer func() {
			close(idleStop)
			if d.State() == StateIdling || d.State() == StateStoppingIdle {
				d.setState(StateSelected)
			}
		}()

		_, err := d.Exec("IDLE", false, 0, func(line []byte) error {
			switch {
			case bytes.HasPrefix(line, []byte("+")):
				d.setState(StateIdling)
				if !readyOnce {
					readyOnce = true
					close(idleReady)
				}
				return nil
			case bytes.HasPrefix(line, []byte("* ")):
				strLine := string(line[2:])
				if strings.HasPrefix(strings.ToUpper(strLine), "OK") {
					return nil
				}
				return d.runIdleEvent([]byte(strLine), handler)
			}
			return nil
		})

		if err != nil {
			warnLog(d.ConnNum, d.Folder, "IDLE ended with error", "error", err)
			if d.State() != StateDisconnected {
				_ = d.Close()
			}
		}
	}()

	select {
	case <-idleReady:
		return nil
	case <-idleStop:
		return fmt.Errorf("IDLE refused by server")
	case <-time.After(5 * time.Second):
		d.setState(StateSelected)
		return fmt.Errorf("timeout waiting for + IDLE response")
	}
}

// stopIdleSingle sends DONE and waits for the IDLE command to complete.
func (d *Dialer) stopIdleSingle() error {
	stop := d.idleStop
	if d.State() != StateIdling {
		if stop != nil {
			<-stop
		}
		return nil
	}

	debugLog(d.ConnNum, d.Folder, "sending DONE")
	d.setState(StateStoppingIdle)
	if err := d.write([]byte("DONE" + nl)); err != nil {
		_ = d.Close()
		<-stop
		return fmt.Errorf("failed to send DONE: %w", err)
	}

	select {
	case <-stop:
	case <-time.After(30 * time.Second):
		_ = d.Close()
		<-stop
		return fmt.Errorf("timeout waiting for IDLE to finish")
	}
	return nil
}

// StopIdle leaves IDLE and stops the background loop started by StartIdle.
func (d *Dialer) StopIdle() error {
	if d.idleQuit == nil {
		return fmt.Errorf("not in IDLE state")
	}
	close(d.idleQuit)
	<-d.idleExit
	d.idleQuit, d.idleExit = nil, nil
	return nil
}

func (d *Dialer) setState(s int) {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	d.state = s
}

// State returns the connection state, one of the State constants.
func (d *Dialer) State() int {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return d.state
}
