package compressor

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	src := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 200)

	for _, id := range []ID{GZIP, ZSTD, LZ4} {
		id := id
		t.Run(id.String(), func(t *testing.T) {
			t.Parallel()

			c, err := New(id, 0)
			require.NoError(t, err)
			assert.Equal(t, id, c.ID())

			dst := make([]byte, len(src))
			n, ok := c.Compress(dst, src)
			require.True(t, ok, "compressible input should report ok")
			assert.Less(t, n, len(src))

			out := make([]byte, len(src))
			m, err := c.Decompress(out, dst[:n])
			require.NoError(t, err)
			assert.Equal(t, len(src), m)
			assert.Equal(t, src, out[:m])
		})
	}
}

func TestCompressIncompressible(t *testing.T) {
	t.Parallel()

	// Already-compressed-looking data with no redundancy at all won't
	// always trip the size check for every codec, so also hand Compress
	// a dst far smaller than any gzip output.
	src := make([]byte, 32)
	for i := range src {
		src[i] = byte(i * 131)
	}

	c, err := New(GZIP, 0)
	require.NoError(t, err)

	dst := make([]byte, 4) // deliberately too small to hold any gzip overhead
	_, ok := c.Compress(dst, src)
	assert.False(t, ok)
}

func TestUnsupportedCodec(t *testing.T) {
	t.Parallel()

	_, err := New(LZMA, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, errUnsupported)

	_, err = New(LZO, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, errUnsupported)

	_, err = New(XZ, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, errUnsupported)
}

func TestDetectReader(t *testing.T) {
	t.Parallel()

	src := bytes.Repeat([]byte("hello detect "), 64)

	gz, err := New(GZIP, 0)
	require.NoError(t, err)
	dst := make([]byte, len(src)+64)
	n, ok := gz.Compress(dst, src)
	require.True(t, ok)

	r, id, err := DetectReader(bytes.NewReader(dst[:n]))
	require.NoError(t, err)
	assert.Equal(t, GZIP, id)

	out := new(bytes.Buffer)
	_, err = out.ReadFrom(r)
	require.NoError(t, err)
	assert.Equal(t, src, out.Bytes())
}

func TestDetectReaderPassthrough(t *testing.T) {
	t.Parallel()

	r, id, err := DetectReader(strings.NewReader("plain text, no magic"))
	require.NoError(t, err)
	assert.Equal(t, None, id)

	out := new(bytes.Buffer)
	_, err = out.ReadFrom(r)
	require.NoError(t, err)
	assert.Equal(t, "plain text, no magic", out.String())
}
