package entity_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dither/ditherd/internal/entity"
	"github.com/dither/ditherd/internal/wire"
)

func TestCreateGetRemove(t *testing.T) {
	t.Parallel()

	s := entity.NewStore()
	h := s.Create()
	require.Equal(t, 1, s.Len())

	_, ok := s.Get(h)
	require.True(t, ok)

	s.Remove(h)
	require.Equal(t, 0, s.Len())

	_, ok = s.Get(h)
	require.False(t, ok)
}

func TestBindRemoteIDBijective(t *testing.T) {
	t.Parallel()

	s := entity.NewStore()
	a := s.Create()
	b := s.Create()

	var id wire.RemoteID
	id[0] = 0x01

	require.NoError(t, s.BindRemoteID(a, id))

	got, ok := s.Lookup(id)
	require.True(t, ok)
	require.Equal(t, a, got)

	err := s.BindRemoteID(b, id)
	require.ErrorIs(t, err, entity.ErrDuplicateRemoteID)
}

func TestRemoveClearsRemoteIDMapping(t *testing.T) {
	t.Parallel()

	s := entity.NewStore()
	h := s.Create()

	var id wire.RemoteID
	id[0] = 0x02
	require.NoError(t, s.BindRemoteID(h, id))

	s.Remove(h)

	_, ok := s.Lookup(id)
	require.False(t, ok)
}

func TestMutateAndEach(t *testing.T) {
	t.Parallel()

	s := entity.NewStore()
	h := s.Create()

	addr := "203.0.113.1:5001"
	ok := s.Mutate(h, func(rec *entity.Record) {
		rec.PublicAddress = &addr
	})
	require.True(t, ok)

	seen := 0
	s.Each(func(_ entity.Handle, rec *entity.Record) {
		seen++
		require.NotNil(t, rec.PublicAddress)
		require.Equal(t, addr, *rec.PublicAddress)
	})
	require.Equal(t, 1, seen)
}
