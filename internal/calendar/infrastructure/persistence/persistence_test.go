package persistence

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilableUUID(t *testing.T) {
	t.Run("nil sentinel becomes SQL NULL", func(t *testing.T) {
		assert.Nil(t, nilableUUID(uuid.Nil))
	})

	t.Run("real id passes through", func(t *testing.T) {
		id := uuid.New()
		ptr := nilableUUID(id)
		require.NotNil(t, ptr)
		assert.Equal(t, id, *ptr)
	})

	t.Run("round trip restores the sentinel", func(t *testing.T) {
		assert.Equal(t, uuid.Nil, uuidOrNil(nilableUUID(uuid.Nil)))
		id := uuid.New()
		assert.Equal(t, id, uuidOrNil(nilableUUID(id)))
	})
}

func TestMetaRoundTrip(t *testing.T) {
	t.Run("empty map stores as NULL", func(t *testing.T) {
		raw, err := marshalMeta(nil)
		require.NoError(t, err)
		assert.Nil(t, raw)

		raw, err = marshalMeta(map[string]string{})
		require.NoError(t, err)
		assert.Nil(t, raw)
	})

	t.Run("NULL reads back as no metadata", func(t *testing.T) {
		meta, err := unmarshalMeta(nil)
		require.NoError(t, err)
		assert.Nil(t, meta)
	})

	t.Run("entries survive the round trip", func(t *testing.T) {
		in := map[string]string{"origin": "provider", "location": "Room 4"}
		raw, err := marshalMeta(in)
		require.NoError(t, err)

		out, err := unmarshalMeta(raw)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	})

	t.Run("corrupt column is reported", func(t *testing.T) {
		_, err := unmarshalMeta([]byte("{not json"))
		assert.Error(t, err)
	})
}

func TestUUIDListRoundTrip(t *testing.T) {
	t.Run("empty list stores as NULL", func(t *testing.T) {
		assert.Nil(t, uuidsToStrings(nil))
	})

	t.Run("order is preserved", func(t *testing.T) {
		ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
		back, err := stringsToUUIDs(uuidsToStrings(ids))
		require.NoError(t, err)
		assert.Equal(t, ids, back)
	})

	t.Run("corrupt column is reported", func(t *testing.T) {
		_, err := stringsToUUIDs([]string{"not-a-uuid"})
		assert.Error(t, err)
	})
}
