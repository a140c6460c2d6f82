package server

import (
	"bytes"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/room4-2/voiceloop/audio"
	"github.com/room4-2/voiceloop/messages"
	"github.com/room4-2/voiceloop/mock"
	"github.com/room4-2/voiceloop/session"
)

func (e *testEnv) post(t *testing.T, path, contentType string, body []byte) (int, string) {
	t.Helper()
	resp, err := http.Post(e.ts.URL+path, contentType, bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(raw)
}

func (e *testEnv) postEvent(t *testing.T, clientID string, typ messages.ClientEventType) {
	t.Helper()
	data, err := messages.NewClientEvent(typ, clientID, time.Now().UnixMilli()).Encode()
	require.NoError(t, err)
	status, body := e.post(t, "/sessions/"+clientID+"/messages", "application/json", data)
	require.Equal(t, http.StatusOK, status)
	require.JSONEq(t, `{"success":true}`, body)
}

func (e *testEnv) poll(t *testing.T, clientID, after string) []*messages.ServerEvent {
	t.Helper()
	resp, err := http.Get(e.ts.URL + "/sessions/" + clientID + "/messages?after=" + after)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, _ := io.ReadAll(resp.Body)
	evs, err := messages.ParseServerEvents(raw)
	require.NoError(t, err)
	return evs
}

func TestPollingMessages(t *testing.T) {
	env := newTestEnv(t)

	env.postEvent(t, "p1", messages.TypeConnectionReady)
	env.postEvent(t, "p1", messages.TypePing)

	evs := env.poll(t, "p1", "0")
	require.Len(t, evs, 2)
	assert.Equal(t, messages.TypeServerReady, evs[0].Type)
	assert.Equal(t, int64(1), evs[0].ID)
	assert.Equal(t, messages.TypePong, evs[1].Type)
	assert.Equal(t, int64(2), evs[1].ID)

	evs = env.poll(t, "p1", "1")
	require.Len(t, evs, 1)
	assert.Equal(t, int64(2), evs[0].ID)

	assert.Empty(t, env.poll(t, "p1", "2"))

	cs, ok := env.m.Get("p1")
	require.True(t, ok)
	assert.Equal(t, session.ModePolling, cs.Mode())
}

func TestPollingEmptyQueueIsArray(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.ts.URL + "/sessions/fresh/messages")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "[]", string(raw))
}

func TestPollingRejectsBadInput(t *testing.T) {
	env := newTestEnv(t)

	status, body := env.post(t, "/sessions/p1/messages", "application/json", []byte(`{"type":"connection_ready"}`))
	assert.Equal(t, http.StatusBadRequest, status)
	assert.JSONEq(t, `{"success":false,"error":"Invalid message format"}`, body)

	status, _ = env.post(t, "/sessions/p1/messages", "application/json", []byte(`not json`))
	assert.Equal(t, http.StatusBadRequest, status)

	resp, err := http.Get(env.ts.URL + "/sessions/p1/messages?after=abc")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	assert.Zero(t, env.m.Count(), "rejected requests do not create sessions")
}

func TestPollingVoiceRoundTrip(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.ts.URL + "/sessions/p1/audio")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	env.postEvent(t, "p1", messages.TypeStartRecording)
	status, body := env.post(t, "/sessions/p1/audio", "application/octet-stream", mock.Tone(1000))
	require.Equal(t, http.StatusOK, status)
	require.JSONEq(t, `{"success":true}`, body)

	var audioLength int
	require.Eventually(t, func() bool {
		for _, ev := range env.poll(t, "p1", "0") {
			if ev.Type == messages.TypeAudioReady {
				audioLength = *ev.AudioLength
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)

	resp, err = http.Get(env.ts.URL + "/sessions/p1/audio")
	require.NoError(t, err)
	clip, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, audio.MimeType, resp.Header.Get("Content-Type"))
	assert.Len(t, clip, audioLength)

	resp, err = http.Get(env.ts.URL + "/sessions/p1/audio")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestSocketAttachSwitchesPollingSession(t *testing.T) {
	env := newTestEnv(t)
	env.postEvent(t, "c1", messages.TypeConnectionReady)

	conn := env.dial(t, "clientId=c1&type=control")
	env.waitConnections(t, session.ChannelControl, 1)
	send(t, conn, messages.TypePing)
	pong := readEvent(t, conn)
	assert.Equal(t, int64(2), pong.ID, "sequence continues across transports")

	cs, ok := env.m.Get("c1")
	require.True(t, ok)
	assert.Equal(t, session.ModeSocket, cs.Mode())
}
