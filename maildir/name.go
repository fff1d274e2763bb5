package maildir

import (
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rs/xid"

	"github.com/BrianLeishman/mailkit"
)

// splitName splits a maildir file name into its unique part and the info
// letters after ":2," (or "!2,", used where ':' is not allowed).
func splitName(name string) (unique, info string) {
	for _, sep := range []string{":2,", "!2,"} {
		if i := strings.LastIndex(name, sep); i >= 0 {
			return name[:i], name[i+len(sep):]
		}
	}
	return name, ""
}

// fileName builds a cur/ file name for unique with flags. Letters that are
// not flags are kept, so other clients' extensions survive.
func fileName(unique string, flags mailkit.Flag, oldInfo string) string {
	var extra []byte
	for i := 0; i < len(oldInfo); i++ {
		if mailkit.FlagsFromMaildirInfo(oldInfo[i:i+1]) == 0 {
			extra = append(extra, oldInfo[i])
		}
	}
	info := []byte(flags.MaildirInfo())
	info = append(info, extra...)
	slices.Sort(info)
	return unique + ":2," + string(info)
}

var hostname = func() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "localhost"
	}
	// '/' and ':' would break the file name.
	return strings.NewReplacer("/", `\057`, ":", `\072`).Replace(h)
}()

// uniqueName returns a new "time.pid_xid.hostname" name.
func uniqueName() string {
	return strconv.FormatInt(time.Now().Unix(), 10) + "." +
		strconv.Itoa(os.Getpid()) + "_" + xid.New().String() + "." + hostname
}
