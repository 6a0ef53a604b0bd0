// Package whitelist decides whether an audited event should be suppressed
// because its executable (and optionally its destination) is
// administratively approved.
//
// Rule syntax, one rule per line:
//
//	/usr/sbin/sshd
//	/usr/bin/curl|i93.184.216.34
//	/usr/bin/dig|i8.8.8.8|p53
//
// A rule matches when the executable path is equal and every present
// constraint (i<ip>, p<port>) matches the destination.
package whitelist

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

type rule struct {
	path    string
	ip      net.IP
	port    int
	hasIP   bool
	hasPort bool
}

func (r rule) String() string {
	s := r.path
	if r.hasIP {
		s += "|i" + r.ip.String()
	}
	if r.hasPort {
		s += "|p" + strconv.Itoa(r.port)
	}
	return s
}

// List is a whitelist gate. The rule set is swapped atomically so the read
// path takes no lock: IsWhitelisted is called from arbitrary concurrent hook
// invocations.
type List struct {
	rules atomic.Value // []rule
	log   *zap.Logger
}

// NewList returns an empty whitelist (everything logged).
func NewList(log *zap.Logger) *List {
	if log == nil {
		log = zap.NewNop()
	}
	l := &List{log: log}
	l.rules.Store([]rule(nil))
	return l
}

// IsWhitelisted reports whether an event from path to dstIP:dstPort should
// be suppressed. An empty path is never whitelisted. A nil dstIP can only be
// whitelisted by a rule with no IP constraint.
func (l *List) IsWhitelisted(path string, family uint16, dstIP net.IP, dstPort int) bool {
	if path == "" {
		return false
	}
	for _, r := range l.rules.Load().([]rule) {
		if r.path != path {
			continue
		}
		if r.hasIP && (dstIP == nil || !r.ip.Equal(dstIP)) {
			continue
		}
		if r.hasPort && r.port != dstPort {
			continue
		}
		return true
	}
	return false
}

// SetRules replaces the rule set. Malformed entries fail the whole update so
// a bad administrative write cannot silently drop half the whitelist.
func (l *List) SetRules(raw []string) error {
	rules := make([]rule, 0, len(raw))
	for _, line := range raw {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		r, err := parseRule(line)
		if err != nil {
			return err
		}
		rules = append(rules, r)
	}
	l.rules.Store(rules)
	l.log.Info("whitelist updated", zap.Int("rules", len(rules)))
	return nil
}

// Dump returns the current rules in their textual form.
func (l *List) Dump() []string {
	rules := l.rules.Load().([]rule)
	out := make([]string, len(rules))
	for i, r := range rules {
		out[i] = r.String()
	}
	return out
}

// LoadFile reads rules from a file, one per line.
func (l *List) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open whitelist %s: %v", path, err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read whitelist %s: %v", path, err)
	}
	return l.SetRules(lines)
}

// Watch reloads the whitelist file whenever it changes, until stop is
// closed. The watch is on the containing directory, not the file: editors
// and config management replace the file with a rename, which would drop a
// watch held on the old inode. A reload that fails to parse keeps the
// previous rule set.
func (l *List) Watch(path string, stop <-chan struct{}) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %v", path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %v", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %v", filepath.Dir(abs), err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := l.LoadFile(abs); err != nil {
					l.log.Warn("whitelist reload failed", zap.Error(err))
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.log.Warn("whitelist watcher error", zap.Error(err))
			case <-stop:
				return
			}
		}
	}()
	return nil
}

func parseRule(line string) (rule, error) {
	fields := strings.Split(line, "|")
	r := rule{path: fields[0]}
	if r.path == "" || !strings.HasPrefix(r.path, "/") {
		return rule{}, fmt.Errorf("whitelist rule %q: path must be absolute", line)
	}
	for _, f := range fields[1:] {
		if len(f) < 2 {
			return rule{}, fmt.Errorf("whitelist rule %q: empty field", line)
		}
		switch f[0] {
		case 'i':
			ip := net.ParseIP(f[1:])
			if ip == nil {
				return rule{}, fmt.Errorf("whitelist rule %q: bad ip %q", line, f[1:])
			}
			r.ip = ip
			r.hasIP = true
		case 'p':
			port, err := strconv.Atoi(f[1:])
			if err != nil || port < 0 || port > 65535 {
				return rule{}, fmt.Errorf("whitelist rule %q: bad port %q", line, f[1:])
			}
			r.port = port
			r.hasPort = true
		default:
			return rule{}, fmt.Errorf("whitelist rule %q: unknown field %q", line, f)
		}
	}
	return r, nil
}
