package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoServer upgrades each request and echoes frames until the peer leaves.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := AcceptWebSocket(w, r)
		if err != nil {
			return
		}
		defer ws.Close()
		ctx := r.Context()
		for {
			frame, err := ws.Receive(ctx)
			if err != nil {
				return
			}
			if err := ws.Send(ctx, frame); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketEcho(t *testing.T) {
	srv := echoServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := DialWebSocket(ctx, wsURL(srv), nil)
	require.NoError(t, err)
	defer client.Close()

	frames := []string{`{"id":"1","status":"INITIALIZING"}`, `{"id":"1","status":"RECORDING","audio_base64":""}`}
	for _, f := range frames {
		require.NoError(t, client.Send(ctx, []byte(f)))
	}
	for _, want := range frames {
		got, err := client.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
	}
}

func TestWebSocketPeerCloseIsEOF(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := AcceptWebSocket(w, r)
		if err != nil {
			return
		}
		ws.Send(r.Context(), []byte(`{"id":"1"}`))
		ws.Close()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := DialWebSocket(ctx, wsURL(srv), nil)
	require.NoError(t, err)
	defer client.Close()

	got, err := client.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"id":"1"}`, string(got))

	_, err = client.Receive(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestWebSocketSendAfterClose(t *testing.T) {
	srv := echoServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := DialWebSocket(ctx, wsURL(srv), nil)
	require.NoError(t, err)

	require.NoError(t, client.Close())
	assert.NoError(t, client.Close())
	assert.ErrorIs(t, client.Send(ctx, []byte("x")), ErrClosed)
}

func TestWebSocketRejectsBrowserOrigin(t *testing.T) {
	srv := echoServer(t)

	header := http.Header{}
	header.Set("Origin", "https://example.com")
	_, err := DialWebSocket(context.Background(), wsURL(srv), header)
	assert.Error(t, err)
}
