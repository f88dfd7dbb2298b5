package replication

import (
	"encoding/json"

	"github.com/stellardb/stellardb/master/meta"
)

const (
	SubscriptionsKind = "subscriptions"
	PublicationsKind  = "publications"
)

func init() {
	meta.RegisterCustom(SubscriptionsKind, func(raw []byte) (meta.Custom, error) {
		m := &SubscriptionsMetadata{}
		if err := json.Unmarshal(raw, m); err != nil {
			return nil, err
		}
		return m, nil
	})
	meta.RegisterCustom(PublicationsKind, func(raw []byte) (meta.Custom, error) {
		m := &PublicationsMetadata{}
		if err := json.Unmarshal(raw, m); err != nil {
			return nil, err
		}
		return m, nil
	})
}

type (
	// Subscription consumes published tables from a remote cluster.
	// Owner is the role the subscription runs as, dropping that role
	// has to be refused while the subscription lives.
	Subscription struct {
		Owner          string   `json:"owner"`
		ConnectionInfo string   `json:"connection_info"`
		Publications   []string `json:"publications,omitempty"`
	}

	Publication struct {
		Owner        string   `json:"owner"`
		ForAllTables bool     `json:"for_all_tables,omitempty"`
		Tables       []string `json:"tables,omitempty"`
	}

	SubscriptionsMetadata struct {
		Subscriptions map[string]Subscription `json:"subscriptions"`
	}

	PublicationsMetadata struct {
		Publications map[string]Publication `json:"publications"`
	}
)

func (m *SubscriptionsMetadata) Kind() string { return SubscriptionsKind }

func (m *SubscriptionsMetadata) Equal(other meta.Custom) bool {
	o, ok := other.(*SubscriptionsMetadata)
	if !ok || len(m.Subscriptions) != len(o.Subscriptions) {
		return false
	}
	for name, s := range m.Subscriptions {
		os, ok := o.Subscriptions[name]
		if !ok || !s.Equal(os) {
			return false
		}
	}
	return true
}

func (s Subscription) Equal(other Subscription) bool {
	if s.Owner != other.Owner || s.ConnectionInfo != other.ConnectionInfo ||
		len(s.Publications) != len(other.Publications) {
		return false
	}
	for i := range s.Publications {
		if s.Publications[i] != other.Publications[i] {
			return false
		}
	}
	return true
}

func (m *PublicationsMetadata) Kind() string { return PublicationsKind }

func (m *PublicationsMetadata) Equal(other meta.Custom) bool {
	o, ok := other.(*PublicationsMetadata)
	if !ok || len(m.Publications) != len(o.Publications) {
		return false
	}
	for name, p := range m.Publications {
		op, ok := o.Publications[name]
		if !ok || !p.Equal(op) {
			return false
		}
	}
	return true
}

func (p Publication) Equal(other Publication) bool {
	if p.Owner != other.Owner || p.ForAllTables != other.ForAllTables ||
		len(p.Tables) != len(other.Tables) {
		return false
	}
	for i := range p.Tables {
		if p.Tables[i] != other.Tables[i] {
			return false
		}
	}
	return true
}

// MetadataView resolves the replication payloads out of a metadata
// snapshot. The role manager consults it for ownership cascade checks
// before a role drop.
type MetadataView interface {
	Metadata() *meta.ClusterMetadata
}

type Service struct {
	view MetadataView
}

func NewService(view MetadataView) *Service {
	return &Service{view: view}
}

func (s *Service) Subscriptions() map[string]Subscription {
	md := s.view.Metadata()
	if md == nil {
		return nil
	}
	if c, ok := md.Custom(SubscriptionsKind).(*SubscriptionsMetadata); ok {
		return c.Subscriptions
	}
	return nil
}

func (s *Service) Publications() map[string]Publication {
	md := s.view.Metadata()
	if md == nil {
		return nil
	}
	if c, ok := md.Custom(PublicationsKind).(*PublicationsMetadata); ok {
		return c.Publications
	}
	return nil
}
