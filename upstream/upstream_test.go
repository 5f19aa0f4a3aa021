package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	wrapped := fmt.Errorf("processing chunk: %w", ServiceError("diarization", 503, "busy"))

	kind, ok := KindOf(wrapped)
	require.True(t, ok)
	assert.Equal(t, KindService, kind)
	assert.True(t, IsServiceFailure(wrapped))

	assert.True(t, IsServiceFailure(Timeout("transcription", context.DeadlineExceeded)))
	assert.False(t, IsServiceFailure(ProtocolError("transcription", "bad text", nil)))

	_, ok = KindOf(errors.New("plain"))
	assert.False(t, ok)
}

func TestErrorMessage(t *testing.T) {
	err := ServiceError("transcription", 500, "boom")
	assert.Equal(t, "transcription: service error (status 500), response body: boom", err.Error())
}

func TestPostMultipart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		assert.Equal(t, "x", r.FormValue("field"))

		f, hdr, err := r.FormFile("audio")
		require.NoError(t, err)
		defer f.Close()
		data, _ := io.ReadAll(f)
		assert.Equal(t, "chunk.wav", hdr.Filename)
		assert.Equal(t, []byte{1, 2, 3}, data)

		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	header := http.Header{}
	header.Set("Authorization", "Bearer k")
	body, err := PostMultipart(
		context.Background(),
		srv.Client(),
		Request{Service: "test", URL: srv.URL, Header: header},
		File("audio", "chunk.wav", []byte{1, 2, 3}),
		Field("field", "x"),
	)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(body))
}

func TestPostFailures(t *testing.T) {
	t.Run("non-2xx", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "upstream exploded", http.StatusBadGateway)
		}))
		defer srv.Close()

		_, err := PostJSON(context.Background(), srv.Client(), Request{Service: "test", URL: srv.URL}, map[string]string{})
		var uerr *Error
		require.ErrorAs(t, err, &uerr)
		assert.Equal(t, KindService, uerr.Kind)
		assert.Equal(t, http.StatusBadGateway, uerr.Status)
		assert.Equal(t, "upstream exploded", uerr.Body)
	})

	t.Run("timeout", func(t *testing.T) {
		release := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}))
		defer srv.Close()
		defer close(release)

		_, err := PostJSON(
			context.Background(),
			srv.Client(),
			Request{Service: "test", URL: srv.URL, Timeout: 20 * time.Millisecond},
			map[string]string{},
		)
		kind, ok := KindOf(err)
		require.True(t, ok)
		assert.Equal(t, KindTimeout, kind)
	})
}

func TestAudioFileName(t *testing.T) {
	tests := []struct {
		mime string
		want string
	}{
		{"audio/webm;codecs=opus", "chunk.webm"},
		{"audio/webm", "chunk.webm"},
		{"audio/mp4", "chunk.mp4"},
		{"audio/wav", "chunk.wav"},
		{"audio/mpeg", "chunk.mp3"},
		{"", "chunk.webm"},
		{"audio/ogg", "chunk.webm"},
	}

	for _, tt := range tests {
		t.Run(tt.mime, func(t *testing.T) {
			assert.Equal(t, tt.want, AudioFileName("chunk", tt.mime))
		})
	}
}
