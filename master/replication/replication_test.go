package replication

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stellardb/stellardb/master/meta"
)

type mdView struct {
	md *meta.ClusterMetadata
}

func (v *mdView) Metadata() *meta.ClusterMetadata { return v.md }

func TestServiceResolvesPayloads(t *testing.T) {
	subs := &SubscriptionsMetadata{Subscriptions: map[string]Subscription{
		"sub1": {Owner: "arthur", ConnectionInfo: "stellar://remote:5432", Publications: []string{"pub1"}},
	}}
	pubs := &PublicationsMetadata{Publications: map[string]Publication{
		"pub1": {Owner: "trillian", ForAllTables: true},
	}}
	md := meta.NewBuilder(nil).PutCustom(subs).PutCustom(pubs).Build()

	s := NewService(&mdView{md: md})
	require.Equal(t, "arthur", s.Subscriptions()["sub1"].Owner)
	require.Equal(t, "trillian", s.Publications()["pub1"].Owner)
}

func TestServiceEmptyMetadata(t *testing.T) {
	s := NewService(&mdView{md: meta.NewBuilder(nil).Build()})
	require.Nil(t, s.Subscriptions())
	require.Nil(t, s.Publications())

	s = NewService(&mdView{md: nil})
	require.Nil(t, s.Subscriptions())
}

func TestSubscriptionsEqual(t *testing.T) {
	a := &SubscriptionsMetadata{Subscriptions: map[string]Subscription{
		"sub1": {Owner: "arthur", ConnectionInfo: "stellar://remote:5432", Publications: []string{"pub1", "pub2"}},
	}}
	b := &SubscriptionsMetadata{Subscriptions: map[string]Subscription{
		"sub1": {Owner: "arthur", ConnectionInfo: "stellar://remote:5432", Publications: []string{"pub1", "pub2"}},
	}}
	require.True(t, a.Equal(b))

	b.Subscriptions["sub1"] = Subscription{Owner: "zaphod", ConnectionInfo: "stellar://remote:5432", Publications: []string{"pub1", "pub2"}}
	require.False(t, a.Equal(b))

	require.False(t, a.Equal(&PublicationsMetadata{}))
}

func TestPublicationsEqual(t *testing.T) {
	a := &PublicationsMetadata{Publications: map[string]Publication{
		"pub1": {Owner: "trillian", Tables: []string{"doc.t1"}},
	}}
	b := &PublicationsMetadata{Publications: map[string]Publication{
		"pub1": {Owner: "trillian", Tables: []string{"doc.t1"}},
	}}
	require.True(t, a.Equal(b))

	b.Publications["pub1"] = Publication{Owner: "trillian", Tables: []string{"doc.t2"}}
	require.False(t, a.Equal(b))

	b.Publications["pub2"] = Publication{Owner: "trillian"}
	require.False(t, a.Equal(b))
}

func TestCustomRoundTrip(t *testing.T) {
	subs := &SubscriptionsMetadata{Subscriptions: map[string]Subscription{
		"sub1": {Owner: "arthur", ConnectionInfo: "stellar://remote:5432"},
	}}
	md := meta.NewBuilder(nil).Version(3).PutCustom(subs).Build()

	raw, err := md.Marshal()
	require.NoError(t, err)
	loaded, err := meta.Unmarshal(raw)
	require.NoError(t, err)

	got, ok := loaded.Custom(SubscriptionsKind).(*SubscriptionsMetadata)
	require.True(t, ok)
	require.True(t, subs.Equal(got))
}
