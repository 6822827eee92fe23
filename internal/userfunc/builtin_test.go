package userfunc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWordCountMapReduce(t *testing.T) {
	r := BuiltinRegistry()
	mapper, err := r.Mapper("wc_map")
	require.NoError(t, err)
	reducer, err := r.Reducer("wc_reduce")
	require.NoError(t, err)

	ctx := NewTaskContext(1, 0, 0)

	grouped := map[string][][]byte{}
	emit := func(k, v []byte) { grouped[string(k)] = append(grouped[string(k)], v) }
	require.NoError(t, mapper(ctx, nil, []byte("a b a"), emit))

	require.ElementsMatch(t, []string{"a", "b"}, keys(grouped))
	require.Len(t, grouped["a"], 2)
	require.Len(t, grouped["b"], 1)

	var gotA, gotB []byte
	require.NoError(t, reducer(ctx, []byte("a"), NewSliceValues(grouped["a"]), func(k, v []byte) { gotA = v }))
	require.NoError(t, reducer(ctx, []byte("b"), NewSliceValues(grouped["b"]), func(k, v []byte) { gotB = v }))
	require.Equal(t, "2", string(gotA))
	require.Equal(t, "1", string(gotB))
}

func TestWordCountCombinerPreSums(t *testing.T) {
	r := BuiltinRegistry()
	combiner, ok := r.Combiner("wc_combine")
	require.True(t, ok)
	reducer, err := r.Reducer("wc_reduce")
	require.NoError(t, err)

	ctx := NewTaskContext(1, 0, 0)

	var partial []byte
	require.NoError(t, combiner(ctx, []byte("a"), NewSliceValues([][]byte{[]byte("1"), []byte("1"), []byte("1")}),
		func(k, v []byte) { partial = v }))
	require.Equal(t, "3", string(partial))

	var total []byte
	require.NoError(t, reducer(ctx, []byte("a"), NewSliceValues([][]byte{partial, []byte("2")}),
		func(k, v []byte) { total = v }))
	require.Equal(t, "5", string(total))
}

func TestHashModPartitionerStable(t *testing.T) {
	key := []byte("some-key")
	first := HashModPartitioner(key, 4)
	for i := 0; i < 10; i++ {
		require.Equal(t, first, HashModPartitioner(key, 4))
	}
	require.GreaterOrEqual(t, first, 0)
	require.Less(t, first, 4)
	require.Equal(t, 0, HashModPartitioner(key, 1))
}

func TestUnknownNamesError(t *testing.T) {
	r := BuiltinRegistry()
	_, err := r.Mapper("nope")
	require.Error(t, err)
	_, err = r.Reducer("nope")
	require.Error(t, err)
	_, ok := r.Combiner("")
	require.False(t, ok)
	p, err := r.Partitioner("")
	require.NoError(t, err)
	require.NotNil(t, p)
}

func keys(m map[string][][]byte) []string {
	ks := make([]string, 0, len(m))
	for k := range m {
		ks = append(ks, k)
	}
	return ks
}
