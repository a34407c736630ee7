package attachment

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServeAndFetch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, err := Serve(ctx, "127.0.0.1", []byte("hello attachment"), "text/plain", nil)
	require.NoError(t, err)

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello attachment", string(body))

	srv.Wait()
}

func TestInlineMaxBytesThreshold(t *testing.T) {
	assert.Equal(t, 64*1024, InlineMaxBytes)
}
