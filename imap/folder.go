package imap

import (
	"fmt"
)

// FolderStats represents statistics for a folder
type FolderStats struct {
	Name   string
	Count  int
	Unseen int
	MaxUID int
	Error  error
}

// ListMailboxes returns every mailbox with its attributes and delimiter.
func (d *Dialer) ListMailboxes() (entries []ListEntry, err error) {
	var parseErr error
	_, err = d.Exec(`LIST "" "*"`, false, RetryCount, func(line []byte) error {
		entry, ok, err := parseListLine(string(line))
		if err != nil {
			// One odd entry should not hide the others.
			warnLog(d.ConnNum, d.Folder, "skipping unparsable LIST entry", "error", err)
			parseErr = err
			return nil
		}
		if ok {
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 && parseErr != nil {
		return nil, parseErr
	}
	return entries, nil
}

// GetFolders retrieves the list of available folders
func (d *Dialer) GetFolders() (folders []string, err error) {
	entries, err := d.ListMailboxes()
	if err != nil {
		return nil, err
	}
	folders = make([]string, 0, len(entries))
	for _, e := range entries {
		folders = append(folders, e.Name)
	}
	return folders, nil
}

func (d *Dialer) openFolder(verb, folder string, readOnly bool) error {
	cmd := verb + " " + astring(folder)
	if d.opts.Condstore && d.Capabilities["CONDSTORE"] && !d.Enabled["CONDSTORE"] {
		cmd += " (CONDSTORE)"
	}
	r, err := d.Exec(cmd, true, RetryCount, nil)
	if err != nil {
		return err
	}
	d.Folder = folder
	d.ReadOnly = readOnly
	d.Selected = parseSelectResponse(folder, r, readOnly)
	if d.Selected.HighestModSeq != 0 && d.Capabilities["CONDSTORE"] {
		if d.Enabled == nil {
			d.Enabled = make(map[string]bool)
		}
		d.Enabled["CONDSTORE"] = true
	}
	d.setState(StateSelected)
	return nil
}

// ExamineFolder selects a folder in read-only mode
func (d *Dialer) ExamineFolder(folder string) (err error) {
	return d.openFolder("EXAMINE", folder, true)
}

// SelectFolder selects a folder in read-write mode
func (d *Dialer) SelectFolder(folder string) (err error) {
	return d.openFolder("SELECT", folder, false)
}

// ensureSelected opens folder unless it is already open with at least the
// requested access.
func (d *Dialer) ensureSelected(folder string, write bool) error {
	if d.Connected && d.Folder == folder && (!write || !d.ReadOnly) {
		return nil
	}
	if write {
		return d.SelectFolder(folder)
	}
	return d.ExamineFolder(folder)
}

// Status asks for the counters of a folder without selecting it.
func (d *Dialer) Status(folder string) (MailboxStatus, error) {
	items := "MESSAGES UNSEEN UIDNEXT UIDVALIDITY"
	if d.Capabilities["CONDSTORE"] {
		items += " HIGHESTMODSEQ"
	}
	var st MailboxStatus
	found := false
	_, err := d.Exec(fmt.Sprintf("STATUS %s (%s)", astring(folder), items), false, RetryCount, func(line []byte) error {
		s, ok, err := parseStatusLine(string(line))
		if err != nil {
			return err
		}
		if ok {
			st, found = s, true
		}
		return nil
	})
	if err != nil {
		return st, err
	}
	if !found {
		return st, fmt.Errorf("imap: no STATUS response for %q", folder)
	}
	st.Name = folder
	return st, nil
}

// CreateFolder creates a folder.
func (d *Dialer) CreateFolder(folder string) error {
	_, err := d.Exec("CREATE "+astring(folder), false, RetryCount, nil)
	return err
}

// DeleteFolder deletes a folder, leaving the current selection if it was
// the one deleted.
func (d *Dialer) DeleteFolder(folder string) error {
	if d.Folder == folder {
		d.Folder = ""
		if _, err := d.Exec("CLOSE", false, RetryCount, nil); err != nil {
			return err
		}
	}
	_, err := d.Exec("DELETE "+astring(folder), false, RetryCount, nil)
	return err
}

// SubscribeFolder marks a folder as subscribed.
func (d *Dialer) SubscribeFolder(folder string) error {
	_, err := d.Exec("SUBSCRIBE "+astring(folder), false, RetryCount, nil)
	return err
}

// GetTotalEmailCountExcluding returns total email count excluding specified folders
func (d *Dialer) GetTotalEmailCountExcluding(excludedFolders []string) (count int, err error) {
	stats, err := d.GetFolderStatsExcluding(excludedFolders)
	if err != nil {
		return 0, err
	}
	for _, s := range stats {
		if s.Error == nil {
			count += s.Count
		}
	}
	return count, nil
}

// GetFolderStats returns statistics for all folders
func (d *Dialer) GetFolderStats() ([]FolderStats, error) {
	return d.GetFolderStatsExcluding(nil)
}

// GetFolderStatsExcluding returns statistics for folders excluding specified
// ones. Folders that cannot be opened are reported with Error set. The
// current selection is not changed.
func (d *Dialer) GetFolderStatsExcluding(excludedFolders []string) ([]FolderStats, error) {
	entries, err := d.ListMailboxes()
	if err != nil {
		return nil, err
	}

	excludeMap := make(map[string]bool)
	for _, folder := range excludedFolders {
		excludeMap[folder] = true
	}

	var stats []FolderStats
	for _, e := range entries {
		if excludeMap[e.Name] || e.HasAttribute(`\Noselect`) || e.HasAttribute(`\NonExistent`) {
			continue
		}
		stat := FolderStats{Name: e.Name}
		st, err := d.Status(e.Name)
		if err != nil {
			stat.Error = err
		} else {
			stat.Count = st.Messages
			stat.Unseen = st.Unseen
			if st.UIDNext > 0 {
				stat.MaxUID = int(st.UIDNext) - 1
			}
		}
		stats = append(stats, stat)
	}
	return stats, nil
}
