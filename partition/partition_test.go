package partition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopBits(t *testing.T) {
	p := TopBits(4)
	require.Len(t, p.Names(), 16)
	assert.Equal(t, "p0", p.Names()[0])
	assert.Equal(t, "pf", p.Names()[15])

	i, err := p.Assign([]byte{0x00, 0xff}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, i)

	i, err = p.Assign([]byte{0xa7}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0xa, i)

	i, err = p.Assign([]byte{0xff, 0xff, 0xff}, []byte("ignored"))
	require.NoError(t, err)
	assert.Equal(t, 15, i)
	assert.True(t, Ordered(p))
}

func TestTopBits_WideAndShort(t *testing.T) {
	p := TopBits(12)
	assert.Equal(t, "p000", p.Names()[0])

	i, err := p.Assign([]byte{0x12, 0x34}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0x123, i)

	// Short values are zero padded.
	i, err = p.Assign([]byte{0x01}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0x010, i)

	i, err = TopBits(0).Assign([]byte{0xff}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, i)
}

func TestByTag(t *testing.T) {
	p := ByTag("accounts", "contracts")

	i, err := p.Assign([]byte("v"), []byte("contracts"))
	require.NoError(t, err)
	assert.Equal(t, 1, i)

	i, err = p.Assign([]byte("v"), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, i)

	_, err = p.Assign([]byte("v"), []byte("tokens"))
	assert.ErrorIs(t, err, ErrUnknownPartition)
	assert.False(t, Ordered(p))
}

func TestSingle(t *testing.T) {
	p := Single()
	assert.Equal(t, []string{"all"}, p.Names())
}
