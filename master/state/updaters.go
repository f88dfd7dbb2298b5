package state

import (
	"strings"
	"sync"

	"github.com/stellardb/stellardb/master/meta"
)

// ArchivedSettingPrefix marks persisted settings the current build no
// longer recognizes. Archived entries survive round trips so a later
// build (or operator) can restore or drop them deliberately.
const ArchivedSettingPrefix = "archived."

var knownSettings = struct {
	sync.RWMutex
	keys map[string]struct{}
}{keys: map[string]struct{}{}}

func init() {
	for _, key := range []string{
		"cluster.name",
		"stats.enabled",
		"cluster.routing.allocation.enable",
		"cluster.routing.rebalance.enable",
		"indices.recovery.max_bytes_per_sec",
	} {
		RegisterSetting(key)
	}
}

// RegisterSetting declares one recognized persistent setting key.
func RegisterSetting(key string) {
	knownSettings.Lock()
	knownSettings.keys[key] = struct{}{}
	knownSettings.Unlock()
}

func settingKnown(key string) bool {
	knownSettings.RLock()
	_, ok := knownSettings.keys[key]
	knownSettings.RUnlock()
	return ok
}

// ArchiveUnknownSettings prefixes every persisted setting the current
// settings schema does not recognize. Reports whether anything moved.
func ArchiveUnknownSettings(b *meta.Builder, md *meta.ClusterMetadata) bool {
	changed := false
	for key, value := range md.Settings() {
		if settingKnown(key) || strings.HasPrefix(key, ArchivedSettingPrefix) {
			continue
		}
		b.RemoveSetting(key)
		b.PutSetting(ArchivedSettingPrefix+key, value)
		changed = true
	}
	return changed
}
