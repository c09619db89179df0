package asr

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// Allowlist filters events by peer IP. An empty list allows everything;
// a populated one silently drops events for unlisted peers.
type Allowlist struct {
	ips map[string]struct{}
}

// LoadAllowlist reads one IP per line; blank lines and #-comments are
// skipped. A missing file (or empty path) yields the allow-all list.
func LoadAllowlist(path string) (*Allowlist, error) {
	al := &Allowlist{}
	if path == "" {
		return al, nil
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Warn("allowlist file missing, allowing all peers", "path", path)
			return al, nil
		}
		return nil, fmt.Errorf("open allowlist: %w", err)
	}
	defer f.Close()

	ips := make(map[string]struct{})
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ips[line] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read allowlist: %w", err)
	}

	if len(ips) > 0 {
		al.ips = ips
	}
	slog.Info("allowlist loaded", "path", path, "entries", len(ips))
	return al, nil
}

// Allows reports whether events for this peer may be published.
func (a *Allowlist) Allows(peerIP string) bool {
	if a.ips == nil {
		return true
	}
	_, ok := a.ips[peerIP]
	return ok
}
