package base

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{
		Params:    Params{KeySize: 64, Degree: 128},
		KeyCount:  1000,
		FreeCount: 3,
	}
	buf := h.MarshalBinary()
	assert.Len(t, buf, HeaderSize)

	decoded, err := UnmarshalHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, h, decoded)
}

func TestParamsValidate(t *testing.T) {
	assert.NoError(t, Params{KeySize: 8, Degree: 2}.Validate())
	assert.ErrorIs(t, Params{KeySize: 8, Degree: 1}.Validate(), ErrInvalidParam)
	assert.ErrorIs(t, Params{KeySize: 7, Degree: 2}.Validate(), ErrInvalidParam)
	assert.ErrorIs(t, Params{KeySize: 136, Degree: 2}.Validate(), ErrInvalidParam)
}

func TestParamsDerived(t *testing.T) {
	p := Params{KeySize: 8, Degree: 2}
	assert.Equal(t, uint32(3), p.MaxKeys())
	assert.Equal(t, uint32(1), p.MinKeys())
	assert.Equal(t, uint32(4), p.MaxChildren())
	assert.Equal(t, int64(16+4*4+(8+8)*3), p.NodeSize())
}
