package config

import "time"

// Diff describes one configuration change: the set of dotted leaf paths
// that changed plus full before/after snapshots. The reload coordinator
// matches ChangedKeys against each service's declared config dependencies.
type Diff struct {
	ChangedKeys map[string]struct{}
	Old         map[string]any
	New         map[string]any
	Timestamp   time.Time
}

// Affects reports whether any changed key equals dep or lives under it
// (dep "transcription" matches "transcription.provider").
func (d *Diff) Affects(dep string) bool {
	for k := range d.ChangedKeys {
		if k == dep || hasPrefixPath(k, dep) {
			return true
		}
	}
	return false
}

// Keys returns the changed paths sorted, for logs and events.
func (d *Diff) Keys() []string {
	return SortedKeys(d.ChangedKeys)
}

func hasPrefixPath(key, prefix string) bool {
	return len(key) > len(prefix) && key[:len(prefix)] == prefix && key[len(prefix)] == '.'
}
