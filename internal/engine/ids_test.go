package engine

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUUIDv7Generator(t *testing.T) {
	gen := UUIDv7Generator{}

	a, b := gen.Generate(), gen.Generate()
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 36)
	assert.Less(t, a, b, "ids sort by creation")

	u, err := uuid.Parse(a)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), u.Version())
}

func TestFixedGenerator(t *testing.T) {
	gen := NewFixedGenerator("tx-a", "tx-b")

	assert.Equal(t, "tx-a", gen.Generate())
	assert.Equal(t, "tx-b", gen.Generate())
	assert.Panics(t, func() { gen.Generate() })
}
