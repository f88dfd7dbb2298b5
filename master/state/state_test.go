package state

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stellardb/stellardb/master/meta"
)

func TestClusterStateBlocks(t *testing.T) {
	st := NewClusterState(1, meta.Empty(), 1).WithGlobalBlock(StateNotRecoveredBlock)
	require.False(t, st.Recovered())

	// adding the same block twice returns the same state
	require.Same(t, st, st.WithGlobalBlock(StateNotRecoveredBlock))

	recovered := st.WithoutGlobalBlock(BlockStateNotRecovered)
	require.True(t, recovered.Recovered())
	require.False(t, st.Recovered())
	require.Same(t, recovered, recovered.WithoutGlobalBlock(BlockStateNotRecovered))
}

func TestWithMetadataDerivesReadOnlyBlocks(t *testing.T) {
	st := NewClusterState(1, meta.Empty(), 1)

	readOnly := &meta.IndexMetadata{
		Name:           "logs",
		State:          meta.IndexStateOpen,
		NumberOfShards: 1,
		Settings:       map[string]string{meta.SettingReadOnly: "true"},
	}
	writable := &meta.IndexMetadata{Name: "events", State: meta.IndexStateOpen, NumberOfShards: 1}

	md := meta.NewBuilder(nil).Version(1).PutIndex(readOnly).PutIndex(writable).Build()
	st = st.WithMetadata(md)

	require.Equal(t, uint64(1), st.Version)
	require.Len(t, st.Blocks.Indices["logs"], 1)
	require.Equal(t, BlockIndexReadOnly, st.Blocks.Indices["logs"][0].ID)
	require.Empty(t, st.Blocks.Indices["events"])

	// lifting the setting clears the derived block
	cleared := readOnly.Clone()
	delete(cleared.Settings, meta.SettingReadOnly)
	md2 := meta.NewBuilder(md).Version(2).PutIndex(cleared).Build()
	st = st.WithMetadata(md2)
	require.Empty(t, st.Blocks.Indices)
}

func TestArchiveUnknownSettings(t *testing.T) {
	md := meta.NewBuilder(nil).
		PutSetting("cluster.name", "stellar").
		PutSetting("made.up.key", "42").
		Build()

	b := meta.NewBuilder(md)
	require.True(t, ArchiveUnknownSettings(b, md))
	archived := b.Build()

	_, ok := archived.Setting("made.up.key")
	require.False(t, ok)
	v, ok := archived.Setting(ArchivedSettingPrefix + "made.up.key")
	require.True(t, ok)
	require.Equal(t, "42", v)
	_, ok = archived.Setting("cluster.name")
	require.True(t, ok)

	// second pass over already archived settings changes nothing
	b2 := meta.NewBuilder(archived)
	require.False(t, ArchiveUnknownSettings(b2, archived))
}

func TestWithNodeCopies(t *testing.T) {
	st := NewClusterState(1, meta.Empty(), 1)
	st2 := st.WithTerm(7)
	require.Equal(t, uint64(1), st.Term)
	require.Equal(t, uint64(7), st2.Term)
}
