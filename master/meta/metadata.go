package meta

import (
	"encoding/json"
	"sync"

	"github.com/cubefs/cubefs/blobstore/util/errors"
	apierrors "github.com/stellardb/stellardb/errors"
)

// Custom is a named, versioned payload attached to cluster metadata.
// Implementations are immutable value types, every mutation builds a
// new instance. Equal must be structural since "did the payload
// change" decides whether an update task bumps the metadata version.
type Custom interface {
	Kind() string
	Equal(other Custom) bool
}

// CustomDecoder turns the serialized form of a custom payload back
// into its typed value.
type CustomDecoder func(raw []byte) (Custom, error)

var customRegistry = struct {
	sync.RWMutex
	decoders map[string]CustomDecoder
}{decoders: make(map[string]CustomDecoder)}

// RegisterCustom registers the decoder for one custom payload kind.
// Called from package init of every payload package.
func RegisterCustom(kind string, dec CustomDecoder) {
	customRegistry.Lock()
	customRegistry.decoders[kind] = dec
	customRegistry.Unlock()
}

func decodeCustom(kind string, raw []byte) (Custom, error) {
	customRegistry.RLock()
	dec := customRegistry.decoders[kind]
	customRegistry.RUnlock()
	if dec == nil {
		return nil, errors.Info(apierrors.ErrUnknownMetadataKind, kind)
	}
	return dec(raw)
}

// ClusterMetadata is the root aggregate of cluster configuration:
// index metadata, template metadata, persistent settings and custom
// payloads, under a monotonically increasing version. Instances are
// immutable, mutation goes through Builder.
type ClusterMetadata struct {
	version   uint64
	indices   map[string]*IndexMetadata
	templates map[string]*TemplateMetadata
	settings  map[string]string
	customs   map[string]Custom
}

// Empty is the zero metadata every fresh cluster starts from.
func Empty() *ClusterMetadata {
	return &ClusterMetadata{
		indices:   map[string]*IndexMetadata{},
		templates: map[string]*TemplateMetadata{},
		settings:  map[string]string{},
		customs:   map[string]Custom{},
	}
}

func (m *ClusterMetadata) Version() uint64 { return m.version }

func (m *ClusterMetadata) Index(name string) *IndexMetadata { return m.indices[name] }

func (m *ClusterMetadata) Template(name string) *TemplateMetadata { return m.templates[name] }

func (m *ClusterMetadata) Custom(kind string) Custom { return m.customs[kind] }

func (m *ClusterMetadata) Setting(key string) (string, bool) {
	v, ok := m.settings[key]
	return v, ok
}

func (m *ClusterMetadata) Indices() map[string]*IndexMetadata {
	ret := make(map[string]*IndexMetadata, len(m.indices))
	for k, v := range m.indices {
		ret[k] = v
	}
	return ret
}

func (m *ClusterMetadata) Templates() map[string]*TemplateMetadata {
	ret := make(map[string]*TemplateMetadata, len(m.templates))
	for k, v := range m.templates {
		ret[k] = v
	}
	return ret
}

func (m *ClusterMetadata) Settings() map[string]string {
	ret := make(map[string]string, len(m.settings))
	for k, v := range m.settings {
		ret[k] = v
	}
	return ret
}

func (m *ClusterMetadata) Customs() map[string]Custom {
	ret := make(map[string]Custom, len(m.customs))
	for k, v := range m.customs {
		ret[k] = v
	}
	return ret
}

// Equal reports structural equality of everything but the version
// number. Update tasks use it to decide whether a transform was a
// no-op.
func (m *ClusterMetadata) Equal(other *ClusterMetadata) bool {
	if m == other {
		return true
	}
	if other == nil {
		return false
	}
	if len(m.indices) != len(other.indices) ||
		len(m.templates) != len(other.templates) ||
		len(m.settings) != len(other.settings) ||
		len(m.customs) != len(other.customs) {
		return false
	}
	for name, im := range m.indices {
		if !im.Equal(other.indices[name]) {
			return false
		}
	}
	for name, tm := range m.templates {
		if !tm.Equal(other.templates[name]) {
			return false
		}
	}
	for key, v := range m.settings {
		ov, ok := other.settings[key]
		if !ok || ov != v {
			return false
		}
	}
	for kind, c := range m.customs {
		oc, ok := other.customs[kind]
		if !ok || !c.Equal(oc) {
			return false
		}
	}
	return true
}

type metadataJSON struct {
	Version   uint64                       `json:"version"`
	Indices   map[string]*IndexMetadata    `json:"indices,omitempty"`
	Templates map[string]*TemplateMetadata `json:"templates,omitempty"`
	Settings  map[string]string            `json:"settings,omitempty"`
	Customs   map[string]json.RawMessage   `json:"customs,omitempty"`
}

func (m *ClusterMetadata) Marshal() ([]byte, error) {
	out := metadataJSON{
		Version:   m.version,
		Indices:   m.indices,
		Templates: m.templates,
		Settings:  m.settings,
		Customs:   make(map[string]json.RawMessage, len(m.customs)),
	}
	for kind, c := range m.customs {
		raw, err := json.Marshal(c)
		if err != nil {
			return nil, errors.Info(err, "marshal custom payload failed", kind)
		}
		out.Customs[kind] = raw
	}
	return json.Marshal(&out)
}

func Unmarshal(raw []byte) (*ClusterMetadata, error) {
	in := metadataJSON{}
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, err
	}

	m := Empty()
	m.version = in.Version
	for name, im := range in.Indices {
		m.indices[name] = im
	}
	for name, tm := range in.Templates {
		m.templates[name] = tm
	}
	for key, v := range in.Settings {
		m.settings[key] = v
	}
	for kind, rawCustom := range in.Customs {
		c, err := decodeCustom(kind, rawCustom)
		if err != nil {
			return nil, err
		}
		m.customs[kind] = c
	}
	return m, nil
}

// Builder is the only way to derive a new metadata snapshot. It is
// seeded with a copy of an existing snapshot and never touches it.
type Builder struct {
	version   uint64
	indices   map[string]*IndexMetadata
	templates map[string]*TemplateMetadata
	settings  map[string]string
	customs   map[string]Custom
}

func NewBuilder(existing *ClusterMetadata) *Builder {
	if existing == nil {
		existing = Empty()
	}
	b := &Builder{
		version:   existing.version,
		indices:   make(map[string]*IndexMetadata, len(existing.indices)),
		templates: make(map[string]*TemplateMetadata, len(existing.templates)),
		settings:  make(map[string]string, len(existing.settings)),
		customs:   make(map[string]Custom, len(existing.customs)),
	}
	for k, v := range existing.indices {
		b.indices[k] = v
	}
	for k, v := range existing.templates {
		b.templates[k] = v
	}
	for k, v := range existing.settings {
		b.settings[k] = v
	}
	for k, v := range existing.customs {
		b.customs[k] = v
	}
	return b
}

func (b *Builder) Version(v uint64) *Builder {
	b.version = v
	return b
}

func (b *Builder) PutIndex(im *IndexMetadata) *Builder {
	b.indices[im.Name] = im
	return b
}

func (b *Builder) RemoveIndex(name string) *Builder {
	delete(b.indices, name)
	return b
}

func (b *Builder) PutTemplate(tm *TemplateMetadata) *Builder {
	b.templates[tm.Name] = tm
	return b
}

func (b *Builder) RemoveTemplate(name string) *Builder {
	delete(b.templates, name)
	return b
}

func (b *Builder) PutSetting(key, value string) *Builder {
	b.settings[key] = value
	return b
}

func (b *Builder) RemoveSetting(key string) *Builder {
	delete(b.settings, key)
	return b
}

func (b *Builder) PutCustom(c Custom) *Builder {
	b.customs[c.Kind()] = c
	return b
}

func (b *Builder) GetCustom(kind string) Custom {
	return b.customs[kind]
}

func (b *Builder) RemoveCustom(kind string) *Builder {
	delete(b.customs, kind)
	return b
}

func (b *Builder) Build() *ClusterMetadata {
	m := &ClusterMetadata{
		version:   b.version,
		indices:   make(map[string]*IndexMetadata, len(b.indices)),
		templates: make(map[string]*TemplateMetadata, len(b.templates)),
		settings:  make(map[string]string, len(b.settings)),
		customs:   make(map[string]Custom, len(b.customs)),
	}
	for k, v := range b.indices {
		m.indices[k] = v
	}
	for k, v := range b.templates {
		m.templates[k] = v
	}
	for k, v := range b.settings {
		m.settings[k] = v
	}
	for k, v := range b.customs {
		m.customs[k] = v
	}
	return m
}
