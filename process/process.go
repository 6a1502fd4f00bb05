// Package process resolves application names to pids. The engine only needs
// one operation from it, so it is an interface with a ps-backed default
// implementation; tests substitute a fixed locator.
package process

import (
	"errors"
	"os/exec"
	"path"
	"strconv"
	"strings"
	"syscall"
)

// ErrNotFound is returned when no running process matches the name.
var ErrNotFound = errors.New("process not found")

// Locator finds the pid of a named application.
type Locator interface {
	// FindPID returns the pid of the first process matching name: exact
	// executable-name match first, then substring match over the command
	// line.
	FindPID(name string) (int32, error)
}

// LocatorFunc adapts a function to the Locator interface.
type LocatorFunc func(name string) (int32, error)

func (f LocatorFunc) FindPID(name string) (int32, error) { return f(name) }

// PSLocator shells out to ps for the process table. It carries no state and
// the zero value is ready to use.
type PSLocator struct{}

type psEntry struct {
	pid  int32
	comm string
	args string
}

// FindPID implements Locator.
func (PSLocator) FindPID(name string) (int32, error) {
	out, err := exec.Command("ps", "-axo", "pid=,comm=,args=").Output()
	if err != nil {
		return 0, err
	}
	return matchProcess(parsePS(string(out)), name)
}

// parsePS splits ps output into entries. Each line is "pid comm args...";
// comm may itself contain no spaces (ps pads columns with spaces only).
func parsePS(out string) []psEntry {
	var entries []psEntry
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		pid, err := strconv.ParseInt(fields[0], 10, 32)
		if err != nil {
			continue
		}
		entry := psEntry{pid: int32(pid), comm: fields[1]}
		if len(fields) > 2 {
			entry.args = strings.Join(fields[2:], " ")
		}
		entries = append(entries, entry)
	}
	return entries
}

// matchProcess applies the two-pass match: exact executable basename first,
// then case-insensitive substring over the command line. First hit wins.
func matchProcess(entries []psEntry, name string) (int32, error) {
	for _, e := range entries {
		if path.Base(e.comm) == name {
			return e.pid, nil
		}
	}
	lower := strings.ToLower(name)
	for _, e := range entries {
		if strings.Contains(strings.ToLower(e.args), lower) ||
			strings.Contains(strings.ToLower(e.comm), lower) {
			return e.pid, nil
		}
	}
	return 0, ErrNotFound
}

// Alive reports whether pid still exists, via the null signal.
func Alive(pid int32) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(int(pid), 0) == nil
}
