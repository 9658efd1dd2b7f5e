package chunked_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/adred-codev/messagebus/internal/chunked"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteChunkThenReadRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	bodies := [][]byte{
		[]byte(`[{"channel":"/a","data":1}]`),
		[]byte(`[{"channel":"/b|c","data":"has|pipes"}]`),
		[]byte(`[]`),
	}
	for _, b := range bodies {
		require.NoError(t, chunked.WriteChunk(&buf, b))
	}
	require.NoError(t, chunked.WriteTerminal(&buf))

	r := chunked.NewReader(&buf)
	for _, want := range bodies {
		got, err := r.Next()
		require.NoError(t, err)
		assert.Equal(t, string(want), string(got))
	}

	_, err := r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestWriteChunkEscapesSeparatorLookalikes(t *testing.T) {
	var buf bytes.Buffer
	body := []byte(`{"data":"a|b|c"}`)
	require.NoError(t, chunked.WriteChunk(&buf, body))
	require.NoError(t, chunked.WriteTerminal(&buf))

	r := chunked.NewReader(&buf)
	got, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, string(body), string(got))
}
