// Package featureflags evaluates boolean and percentage-rollout flags per tenant.
package featureflags

import (
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
)

// Known flags.
const (
	// ReadStatePageBound makes conversation reads advance the caller's read marker to the
	// newest message in the returned page instead of to the time of the read.
	ReadStatePageBound = "read_state_page_bound"
)

// Manager evaluates feature flags defined in a simple key=value list.
// Example: "read_state_page_bound=on,new_search=25%,legacy_sort=off"
type Manager struct {
	flags map[string]string
}

// NewManager creates a feature-flag manager from a comma-separated config string.
func NewManager(raw string) *Manager {
	out := make(map[string]string)

	for _, pair := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := normalize(parts[0])
		value := normalize(parts[1])
		if key == "" || value == "" {
			continue
		}
		out[key] = value
	}

	return &Manager{flags: out}
}

// Enabled returns whether a flag is enabled for a tenant.
// Supported values:
// - on/true/1
// - off/false/0
// - N% (deterministic tenant rollout, e.g. 25%)
func (m *Manager) Enabled(name string, tenantID uint) bool {
	if m == nil {
		return false
	}

	value, ok := m.flags[normalize(name)]
	if !ok {
		return false
	}

	switch value {
	case "on", "true", "1":
		return true
	case "off", "false", "0":
		return false
	}

	pctRaw, isPct := strings.CutSuffix(value, "%")
	if !isPct {
		return false
	}
	pct, err := strconv.Atoi(pctRaw)
	switch {
	case err != nil, pct <= 0:
		return false
	case pct >= 100:
		return true
	case tenantID == 0:
		return false
	}
	return rolloutBucket(name, tenantID) < pct
}

// Snapshot returns evaluated flag status for one tenant.
func (m *Manager) Snapshot(tenantID uint) map[string]bool {
	out := make(map[string]bool, len(m.flags))
	for name := range m.flags {
		out[name] = m.Enabled(name, tenantID)
	}
	return out
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func rolloutBucket(name string, tenantID uint) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(fmt.Sprintf("%s:%d", normalize(name), tenantID)))
	return int(h.Sum32() % 100)
}
