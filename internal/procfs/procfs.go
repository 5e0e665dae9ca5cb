// Package procfs resolves process metadata for intercepted operations.
package procfs

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
)

// Root is where the proc filesystem is mounted.
var Root = "/proc"

// Comm returns the short command name of pid, or "" when it cannot be read.
func Comm(pid int32) string {
	if pid <= 0 {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(Root, strconv.Itoa(int(pid)), "comm"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Owner returns the effective uid and gid of pid, taken from the owner of
// its proc directory.
func Owner(pid int32) (uid, gid uint32, ok bool) {
	if pid <= 0 {
		return 0, 0, false
	}
	info, err := os.Stat(filepath.Join(Root, strconv.Itoa(int(pid))))
	if err != nil {
		return 0, 0, false
	}
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0, false
	}
	return st.Uid, st.Gid, true
}

var (
	selfOnce sync.Once
	selfName string
)

// SelfName is the command name of the current process, falling back to the
// executable base name where /proc is unavailable.
func SelfName() string {
	selfOnce.Do(func() {
		selfName = Comm(int32(os.Getpid()))
		if selfName == "" && len(os.Args) > 0 {
			selfName = filepath.Base(os.Args[0])
		}
	})
	return selfName
}
