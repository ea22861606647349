package tfexample

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	in := Example{
		"image/encoded":     {Bytes: [][]byte{{0xff, 0xd8, 0xff}}},
		"image/height":      {Ints: []int64{375}},
		"image/width":       {Ints: []int64{500}},
		"image/channels":    {Ints: []int64{3}},
		"image/colorspace":  {Bytes: [][]byte{[]byte("RGB")}},
		"image/format":      {Bytes: [][]byte{[]byte("JPEG")}},
		"image/filename":    {Bytes: [][]byte{[]byte("dog.12001.jpg")}},
		"image/class/label": {Ints: []int64{2}},
		"image/class/text":  {Bytes: [][]byte{[]byte("dog")}},
	}

	out, err := Parse(in.Marshal())
	require.NoError(t, err)

	assert.Equal(t, []byte{0xff, 0xd8, 0xff}, out.BytesValue("image/encoded"))
	assert.Equal(t, int64(375), out.Int64Value("image/height"))
	assert.Equal(t, int64(500), out.Int64Value("image/width"))
	assert.Equal(t, "RGB", out.StringValue("image/colorspace"))
	assert.Equal(t, "JPEG", out.StringValue("image/format"))
	assert.Equal(t, "dog.12001.jpg", out.StringValue("image/filename"))
	assert.Equal(t, int64(2), out.Int64Value("image/class/label"))
	assert.Equal(t, "dog", out.StringValue("image/class/text"))
}

func TestMissingFeaturesDefaultToZero(t *testing.T) {
	ex := Example{
		"image/class/label": {Ints: []int64{1}},
	}
	out, err := Parse(ex.Marshal())
	require.NoError(t, err)

	assert.Nil(t, out.BytesValue("image/encoded"))
	assert.Equal(t, "", out.StringValue("image/colorspace"))
	assert.Equal(t, int64(0), out.Int64Value("image/height"))
	assert.Equal(t, int64(1), out.Int64Value("image/class/label"))
}

func TestFloatList(t *testing.T) {
	in := Example{"embedding": {Floats: []float32{0.5, -1.25, 3}}}
	out, err := Parse(in.Marshal())
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, -1.25, 3}, out["embedding"].Floats)
}

func TestParseGarbage(t *testing.T) {
	_, err := Parse([]byte{0x0a}) // truncated length-delimited field
	assert.Error(t, err)
}

func TestParseEmpty(t *testing.T) {
	out, err := Parse(nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}
