package stt

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"node.town/huddle/upstream"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *WhisperClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewWhisperClient(Config{
		APIKey:  "sk-test",
		BaseURL: srv.URL,
		Timeout: time.Second,
	}, srv.Client(), nil)
}

func TestTranscribeRequest(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/audio/transcriptions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "whisper-1", r.FormValue("model"))
		assert.Equal(t, "verbose_json", r.FormValue("response_format"))
		assert.Equal(t, "word", r.FormValue("timestamp_granularities[]"))
		assert.Equal(t, "en", r.FormValue("language"))

		_, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		assert.Equal(t, "audio.wav", hdr.Filename)

		w.Write([]byte(`{"text":"hi there","words":[{"word":"hi","start":0,"end":0.4},{"word":"there","start":0.4,"end":0.8}]}`))
	})

	res, err := client.Transcribe(context.Background(), []byte("RIFF"), "en", "audio/wav")
	require.NoError(t, err)
	assert.Equal(t, "hi there", res.Text)
	assert.Equal(t, []Word{{"hi", 0, 0.4}, {"there", 0.4, 0.8}}, res.Words)
}

func TestTranscribeOmitsEmptyLanguage(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		_, present := r.MultipartForm.Value["language"]
		assert.False(t, present)
		w.Write([]byte(`{"text":""}`))
	})

	res, err := client.Transcribe(context.Background(), []byte{1}, "", "")
	require.NoError(t, err)
	assert.Empty(t, res.Words)
	assert.NotNil(t, res.Words)
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		words []Word
	}{
		{
			name:  "flat words",
			body:  `{"text":"a b","words":[{"word":"a","start":0,"end":1},{"word":"b","start":1,"end":2}]}`,
			words: []Word{{"a", 0, 1}, {"b", 1, 2}},
		},
		{
			name: "segment words",
			body: `{"text":"a b c","segments":[{"words":[{"word":"a","start":0,"end":1}]},{"words":[{"word":"b","start":1,"end":2},{"word":"c","start":2,"end":3}]}]}`,
			words: []Word{{"a", 0, 1}, {"b", 1, 2}, {"c", 2, 3}},
		},
		{
			name:  "flat list preferred",
			body:  `{"text":"x","words":[{"word":"x","start":5,"end":6}],"segments":[{"words":[{"word":"y","start":0,"end":1}]}]}`,
			words: []Word{{"x", 5, 6}},
		},
		{
			name:  "out of order",
			body:  `{"text":"b a","words":[{"word":"b","start":1,"end":2},{"word":"a","start":0,"end":1}]}`,
			words: []Word{{"a", 0, 1}, {"b", 1, 2}},
		},
		{
			name:  "no words",
			body:  `{"text":"silence"}`,
			words: []Word{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := normalize([]byte(tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.words, res.Words)
		})
	}
}

func TestTranscribeFailures(t *testing.T) {
	t.Run("empty audio", func(t *testing.T) {
		called := false
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			called = true
		})
		_, err := client.Transcribe(context.Background(), nil, "", "")
		kind, _ := upstream.KindOf(err)
		assert.Equal(t, upstream.KindInvalidInput, kind)
		assert.False(t, called)
	})

	t.Run("missing text", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"words":[]}`))
		})
		_, err := client.Transcribe(context.Background(), []byte{1}, "", "")
		kind, _ := upstream.KindOf(err)
		assert.Equal(t, upstream.KindProtocol, kind)
	})

	t.Run("text not a string", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"text":42}`))
		})
		_, err := client.Transcribe(context.Background(), []byte{1}, "", "")
		kind, _ := upstream.KindOf(err)
		assert.Equal(t, upstream.KindProtocol, kind)
	})

	t.Run("upstream rejects", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "quota", http.StatusTooManyRequests)
		})
		_, err := client.Transcribe(context.Background(), []byte{1}, "", "")
		var uerr *upstream.Error
		require.ErrorAs(t, err, &uerr)
		assert.Equal(t, upstream.KindService, uerr.Kind)
		assert.Equal(t, http.StatusTooManyRequests, uerr.Status)
		assert.Equal(t, "quota", uerr.Body)
	})
}
