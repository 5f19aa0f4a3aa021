package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"node.town/huddle/auth"
	"node.town/huddle/session"
)

const testSecret = "test-secret"

func newTestServer(t *testing.T) (*httptest.Server, *fixture) {
	t.Helper()
	f := newFixture()
	hub := NewHub(nil)
	handler := NewHandler(f.registry, f.orch, f.store, hub, 0, nil)
	f.queue = session.NewQueue(8, nil)
	srv := NewServer(context.Background(), auth.New(testSecret, time.Minute), handler, hub, f.queue, nil, nil)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return ts, f
}

func wsURL(ts *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/?" + query
}

func token(t *testing.T) string {
	return teamToken(t, "t1")
}

func teamToken(t *testing.T, teamID string) string {
	t.Helper()
	tok, err := auth.New(testSecret, time.Minute).Issue("u1", "ana@example.com", "member", teamID)
	require.NoError(t, err)
	return tok
}

func readEvent(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var env Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func TestHandshakeRequiresToken(t *testing.T) {
	ts, _ := newTestServer(t)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "session_id=s1"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(wsURL(ts, "session_id=s1&token=garbage"), nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandshakeRequiresSession(t *testing.T) {
	ts, _ := newTestServer(t)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "token="+token(t)), nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandshakeRequiresTeamMembership(t *testing.T) {
	ts, f := newTestServer(t)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "session_id=s1&token="+teamToken(t, "t2")), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(wsURL(ts, "session_id=missing&token="+token(t)), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, ok := f.registry.Get("s1")
	assert.False(t, ok)
}

func TestSessionOverWebsocket(t *testing.T) {
	ts, f := newTestServer(t)

	header := http.Header{"Authorization": {"Bearer " + token(t)}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "session_id=s1"), header)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": TypeSessionControl,
		"data": map[string]any{"action": "start"},
	}))
	env := readEvent(t, conn)
	assert.Equal(t, TypeSessionStatus, env.Type)
	assert.JSONEq(t, `{"status":"ACTIVE"}`, string(env.Data))

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": TypeAudioChunk,
		"data": map[string]any{"audioData": []byte("hello"), "sequenceNum": 1, "timestamp": 1000},
	}))
	env = readEvent(t, conn)
	require.Equal(t, TypeTranscriptUpdate, env.Type)
	var update TranscriptUpdate
	require.NoError(t, json.Unmarshal(env.Data, &update))
	require.Len(t, update.Segments, 1)
	assert.Equal(t, "hello", update.Segments[0].Text)

	env = readEvent(t, conn)
	assert.Equal(t, TypeSpeakerDetected, env.Type)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "dance"}))
	env = readEvent(t, conn)
	assert.Equal(t, TypeError, env.Type)
	var e ErrorEvent
	require.NoError(t, json.Unmarshal(env.Data, &e))
	assert.Equal(t, CodeBadEvent, e.Code)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	env = readEvent(t, conn)
	require.NoError(t, json.Unmarshal(env.Data, &e))
	assert.Equal(t, CodeBadEvent, e.Code)

	s, ok := f.registry.Get("s1")
	require.True(t, ok)
	assert.Equal(t, 1, s.ChunkCount)
}

func TestEventsRejectedAfterQueueClosed(t *testing.T) {
	ts, f := newTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "session_id=s1&token="+token(t)), nil)
	require.NoError(t, err)
	defer conn.Close()

	f.queue.Close()
	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": TypeSessionControl,
		"data": map[string]any{"action": "start"},
	}))

	env := readEvent(t, conn)
	require.Equal(t, TypeError, env.Type)
	var e ErrorEvent
	require.NoError(t, json.Unmarshal(env.Data, &e))
	assert.Equal(t, CodeUnavailable, e.Code)
	assert.Equal(t, 0, f.registry.Len())
}

func TestHubRooms(t *testing.T) {
	hub := NewHub(nil)
	a := newClient(nil, "u1", "s1", hub.logger)
	b := newClient(nil, "u2", "s1", hub.logger)
	c := newClient(nil, "u3", "s2", hub.logger)
	hub.Join("s1", a)
	hub.Join("s1", b)
	hub.Join("s2", c)
	assert.Equal(t, 2, hub.Members("s1"))

	hub.Broadcast("s1", statusEvent(StatusPaused))
	for _, cl := range []*Client{a, b} {
		select {
		case data := <-cl.send:
			assert.JSONEq(t, `{"type":"session_status","data":{"status":"PAUSED"}}`, string(data))
		default:
			t.Fatalf("%s got nothing", cl.userID)
		}
	}
	assert.Empty(t, c.send)

	hub.Leave("s1", a)
	hub.Leave("s1", b)
	assert.Equal(t, 0, hub.Members("s1"))
	assert.Equal(t, 1, hub.Members("s2"))
}

func TestSlowClientIsClosed(t *testing.T) {
	c := newClient(nil, "u1", "s1", NewHub(nil).logger)
	for i := 0; i < sendBuffer; i++ {
		c.enqueue([]byte("x"))
	}
	c.enqueue([]byte("overflow"))

	select {
	case <-c.done:
	default:
		t.Fatal("client should be closed")
	}
	c.enqueue([]byte("after close"))
	assert.Len(t, c.send, sendBuffer)
}
