// Package proc resolves the calling process of a hook firing to its
// executable image via /proc.
package proc

import (
	"fmt"
	"os"
	"path/filepath"
)

// Resolver reads process identity from /proc.
type Resolver struct{}

func NewResolver() *Resolver { return &Resolver{} }

// ExePath returns the executable path of pid, or "" when it cannot be
// resolved: the process already exited, it is a kernel thread with no image,
// or /proc is unreadable. The classifier drops events with no path.
func (r *Resolver) ExePath(pid uint32) string {
	path, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
	if err != nil {
		return ""
	}
	return path
}

// Comm returns the short process name for pid, best effort.
func (r *Resolver) Comm(pid uint32) string {
	if path := r.ExePath(pid); path != "" {
		return filepath.Base(path)
	}
	return ""
}
