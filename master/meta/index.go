package meta

import (
	"github.com/stellardb/stellardb/proto"
)

const (
	IndexStateOpen  IndexState = "open"
	IndexStateClose IndexState = "close"

	// SettingReadOnly marks an index read only, the state layer turns
	// it into a cluster block.
	SettingReadOnly = "index.blocks.read_only"
)

type IndexState string

// IndexMetadata describes one table partition index: shard layout,
// lifecycle state and the per-index settings bag.
type IndexMetadata struct {
	Name             string            `json:"name"`
	UUID             string            `json:"uuid"`
	State            IndexState        `json:"state"`
	NumberOfShards   int               `json:"number_of_shards"`
	NumberOfReplicas int               `json:"number_of_replicas"`
	CreatedVersion   proto.Version     `json:"created_version"`
	UpgradedVersion  proto.Version     `json:"upgraded_version"`
	Settings         map[string]string `json:"settings,omitempty"`
}

func (im *IndexMetadata) Equal(other *IndexMetadata) bool {
	if im == other {
		return true
	}
	if im == nil || other == nil {
		return false
	}
	if im.Name != other.Name || im.UUID != other.UUID || im.State != other.State ||
		im.NumberOfShards != other.NumberOfShards || im.NumberOfReplicas != other.NumberOfReplicas ||
		im.CreatedVersion != other.CreatedVersion || im.UpgradedVersion != other.UpgradedVersion {
		return false
	}
	return equalStringMap(im.Settings, other.Settings)
}

func (im *IndexMetadata) ReadOnly() bool {
	return im.Settings[SettingReadOnly] == "true"
}

// Clone returns a deep copy for upgrade transforms to work on.
func (im *IndexMetadata) Clone() *IndexMetadata {
	cp := *im
	if im.Settings != nil {
		cp.Settings = make(map[string]string, len(im.Settings))
		for k, v := range im.Settings {
			cp.Settings[k] = v
		}
	}
	return &cp
}

// TemplateMetadata configures indices created from a name pattern.
type TemplateMetadata struct {
	Name     string            `json:"name"`
	Patterns []string          `json:"patterns,omitempty"`
	Settings map[string]string `json:"settings,omitempty"`
	Version  proto.Version     `json:"version"`
}

func (tm *TemplateMetadata) Equal(other *TemplateMetadata) bool {
	if tm == other {
		return true
	}
	if tm == nil || other == nil {
		return false
	}
	if tm.Name != other.Name || tm.Version != other.Version {
		return false
	}
	if len(tm.Patterns) != len(other.Patterns) {
		return false
	}
	for i := range tm.Patterns {
		if tm.Patterns[i] != other.Patterns[i] {
			return false
		}
	}
	return equalStringMap(tm.Settings, other.Settings)
}

func (tm *TemplateMetadata) Clone() *TemplateMetadata {
	cp := *tm
	if tm.Patterns != nil {
		cp.Patterns = append([]string{}, tm.Patterns...)
	}
	if tm.Settings != nil {
		cp.Settings = make(map[string]string, len(tm.Settings))
		for k, v := range tm.Settings {
			cp.Settings[k] = v
		}
	}
	return &cp
}

func equalStringMap(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		bv, ok := b[k]
		if !ok || bv != v {
			return false
		}
	}
	return true
}
