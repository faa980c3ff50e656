package pool

import "strings"

// Recognized runner label keys.  Runners register with labels of the form
// "group=<name>" and "pool=<name>", and workflows target them the same way.
const (
	GroupKey = "group"
	PoolKey  = "pool"
)

// Labels is the result of splitting a job's label set into the keys the
// engine understands and everything else.
type Labels struct {
	Group    string
	HasGroup bool
	Pool     string
	HasPool  bool
	Invalid  []string
}

// Valid reports whether every label was recognized.
func (l Labels) Valid() bool {
	return len(l.Invalid) == 0
}

// ParseLabels splits labels into group, pool and invalid entries.  Keys are
// matched case-insensitively and values are lower-cased.  A label that is
// not key=value, has an unknown key, an empty value, or repeats a key is
// invalid.
func ParseLabels(labels []string) Labels {
	var out Labels
	for _, raw := range labels {
		key, value, ok := strings.Cut(strings.TrimSpace(raw), "=")
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.ToLower(strings.TrimSpace(value))
		if !ok || value == "" {
			out.Invalid = append(out.Invalid, raw)
			continue
		}
		switch {
		case key == GroupKey && !out.HasGroup:
			out.Group, out.HasGroup = value, true
		case key == PoolKey && !out.HasPool:
			out.Pool, out.HasPool = value, true
		default:
			out.Invalid = append(out.Invalid, raw)
		}
	}
	return out
}

// RunnerLabels returns the labels an instance registers with so that jobs
// addressed to group and pool are routed to it.
func RunnerLabels(group, pool string) []string {
	return []string{GroupKey + "=" + group, PoolKey + "=" + pool}
}
