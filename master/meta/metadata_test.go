package meta

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

type testCustom struct {
	Values map[string]string `json:"values"`
}

func (c *testCustom) Kind() string { return "test-custom" }

func (c *testCustom) Equal(other Custom) bool {
	o, ok := other.(*testCustom)
	if !ok {
		return false
	}
	return equalStringMap(c.Values, o.Values)
}

func init() {
	RegisterCustom("test-custom", func(raw []byte) (Custom, error) {
		c := &testCustom{}
		if err := json.Unmarshal(raw, c); err != nil {
			return nil, err
		}
		return c, nil
	})
}

func TestBuilderCopyOnWrite(t *testing.T) {
	base := NewBuilder(nil).
		PutIndex(&IndexMetadata{Name: "t1", UUID: "u1", State: IndexStateOpen, NumberOfShards: 4}).
		PutSetting("cluster.name", "stellar").
		PutCustom(&testCustom{Values: map[string]string{"a": "1"}}).
		Build()

	derived := NewBuilder(base).
		PutIndex(&IndexMetadata{Name: "t2", UUID: "u2", State: IndexStateOpen, NumberOfShards: 1}).
		RemoveCustom("test-custom").
		Build()

	// the base snapshot is untouched
	require.NotNil(t, base.Index("t1"))
	require.Nil(t, base.Index("t2"))
	require.NotNil(t, base.Custom("test-custom"))

	require.NotNil(t, derived.Index("t1"))
	require.NotNil(t, derived.Index("t2"))
	require.Nil(t, derived.Custom("test-custom"))
}

func TestStructuralEquality(t *testing.T) {
	build := func() *ClusterMetadata {
		return NewBuilder(nil).
			PutIndex(&IndexMetadata{Name: "t1", UUID: "u1", Settings: map[string]string{"k": "v"}}).
			PutTemplate(&TemplateMetadata{Name: "tpl", Patterns: []string{"t*"}}).
			PutCustom(&testCustom{Values: map[string]string{"a": "1"}}).
			Build()
	}

	a, b := build(), build()
	require.True(t, a.Equal(b))

	// version does not participate in structural equality
	c := NewBuilder(a).Version(a.Version() + 1).Build()
	require.True(t, a.Equal(c))

	d := NewBuilder(a).PutCustom(&testCustom{Values: map[string]string{"a": "2"}}).Build()
	require.False(t, a.Equal(d))

	e := NewBuilder(a).RemoveIndex("t1").Build()
	require.False(t, a.Equal(e))
}

func TestRebuildWithoutChangeIsNoop(t *testing.T) {
	base := NewBuilder(nil).
		PutIndex(&IndexMetadata{Name: "t1", UUID: "u1"}).
		PutCustom(&testCustom{Values: map[string]string{"a": "1"}}).
		Build()

	rebuilt := NewBuilder(base).Build()
	require.True(t, base.Equal(rebuilt))
}

func TestMarshalRoundTrip(t *testing.T) {
	base := NewBuilder(nil).
		Version(7).
		PutIndex(&IndexMetadata{Name: "t1", UUID: "u1", State: IndexStateOpen, NumberOfShards: 2, NumberOfReplicas: 1}).
		PutTemplate(&TemplateMetadata{Name: "tpl", Patterns: []string{"t*"}}).
		PutSetting("stats.enabled", "true").
		PutCustom(&testCustom{Values: map[string]string{"a": "1", "b": "2"}}).
		Build()

	raw, err := base.Marshal()
	require.NoError(t, err)

	loaded, err := Unmarshal(raw)
	require.NoError(t, err)
	require.Equal(t, uint64(7), loaded.Version())
	require.True(t, base.Equal(loaded))
}

func TestUnmarshalUnknownCustomKind(t *testing.T) {
	raw := []byte(`{"version":1,"customs":{"who-is-this":{}}}`)
	_, err := Unmarshal(raw)
	require.Error(t, err)
}
