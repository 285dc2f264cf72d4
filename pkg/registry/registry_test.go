package registry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutAllocatesFromBase(t *testing.T) {
	r := New[string](DecompositionBase)
	id1 := r.Put("a")
	id2 := r.Put("b")
	require.Equal(t, DecompositionBase, id1)
	require.Equal(t, DecompositionBase+1, id2)
}

func TestGetReturnsStoredValue(t *testing.T) {
	r := New[int](IOSystemIDBase)
	id := r.Put(42)
	v, err := r.Get(id)
	require.NoError(t, err)
	require.Equal(t, 42, v)
}

func TestGetUnknownIDErrors(t *testing.T) {
	r := New[int](IOSystemIDBase)
	_, err := r.Get(999)
	require.Error(t, err)
}

func TestDeleteIsIdempotent(t *testing.T) {
	r := New[int](FileIDBase)
	id := r.Put(7)
	r.Delete(id)
	r.Delete(id)
	_, err := r.Get(id)
	require.Error(t, err)
	require.Equal(t, 0, r.Len())
}

func TestLenAndIds(t *testing.T) {
	r := New[int](FileIDBase)
	a := r.Put(1)
	b := r.Put(2)
	require.Equal(t, 2, r.Len())
	require.ElementsMatch(t, []int{a, b}, r.Ids())
}
