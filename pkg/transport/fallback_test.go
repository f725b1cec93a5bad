package transport

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/nao1215/chatgate/pkg/broker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// do はテストサーバーへリクエストを送信する。
func (e *testEnv) do(t *testing.T, method, path, bearerToken string, body any) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequestWithContext(t.Context(), method, e.server.URL+path, &buf)
	require.NoError(t, err)
	if bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+bearerToken)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// createFallbackSession はフォールバックセッションを作成してIDを返す。
func (e *testEnv) createFallbackSession(t *testing.T, query, subject string) string {
	t.Helper()

	resp := e.do(t, http.MethodPost, "/ws/sessions"+query, bearer(t, subject), nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created struct {
		SessionID string `json:"session_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.NotEmpty(t, created.SessionID)
	return created.SessionID
}

func TestFallback_Polling(t *testing.T) {
	t.Parallel()

	t.Run("送信した購読に発行されたメッセージをポーリングで受け取れること", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, 0)
		id := env.createFallbackSession(t, "", "alice")

		resp := env.do(t, http.MethodPost, "/ws/sessions/"+id+"/send", "", []broker.Frame{
			{Command: broker.CommandSubscribe, ID: "s1", Destination: "/topic/room-1"},
		})
		require.Equal(t, http.StatusNoContent, resp.StatusCode)

		_, err := env.registry.Publish("/topic/room-1", json.RawMessage(`{"text":"hi"}`))
		require.NoError(t, err)

		resp = env.do(t, http.MethodGet, "/ws/sessions/"+id+"/poll", "", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var frames []broker.Frame
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&frames))
		require.Len(t, frames, 1)
		assert.Equal(t, broker.CommandMessage, frames[0].Command)
		assert.JSONEq(t, `{"text":"hi"}`, string(frames[0].Payload))
	})

	t.Run("フレームが届かない場合は待機時間後に204が返ること", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, 0)
		id := env.createFallbackSession(t, "", "bob")

		start := time.Now()
		resp := env.do(t, http.MethodGet, "/ws/sessions/"+id+"/poll", "", nil)
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
		assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	})

	t.Run("待機中に届いたフレームがすぐに返ること", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, 0)
		id := env.createFallbackSession(t, "", "carol")
		s, ok := env.registry.Session(id)
		require.True(t, ok)

		go func() {
			time.Sleep(20 * time.Millisecond)
			_ = s.Send(broker.Frame{Command: broker.CommandReceipt, Receipt: "late"})
		}()

		resp := env.do(t, http.MethodGet, "/ws/sessions/"+id+"/poll", "", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("存在しないセッションは404になること", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, 0)
		for _, tc := range []struct{ method, path string }{
			{http.MethodGet, "/ws/sessions/unknown/poll"},
			{http.MethodGet, "/ws/sessions/unknown/stream"},
			{http.MethodPost, "/ws/sessions/unknown/send"},
			{http.MethodDelete, "/ws/sessions/unknown"},
		} {
			resp := env.do(t, tc.method, tc.path, "", nil)
			assert.Equal(t, http.StatusNotFound, resp.StatusCode, tc.path)
		}
	})

	t.Run("不正なフレームの送信は400になること", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, 0)
		id := env.createFallbackSession(t, "", "dave")

		req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, env.server.URL+"/ws/sessions/"+id+"/send", strings.NewReader(`{"destination":"/topic/a"}`))
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("DELETEでセッションが終了すること", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, 0)
		id := env.createFallbackSession(t, "", "erin")

		resp := env.do(t, http.MethodDelete, "/ws/sessions/"+id, "", nil)
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
		_, ok := env.registry.Session(id)
		assert.False(t, ok)
	})

	t.Run("終了したセッションへの送信は410になること", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, 0)
		id := env.createFallbackSession(t, "", "erin")
		s, ok := env.registry.Session(id)
		require.True(t, ok)

		resp := env.do(t, http.MethodPost, "/ws/sessions/"+id+"/send", "", []broker.Frame{{Command: broker.CommandDisconnect, Receipt: "bye"}})
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
		require.True(t, s.Closed())

		resp = env.do(t, http.MethodPost, "/ws/sessions/"+id+"/send", "", []broker.Frame{{Command: broker.CommandHeartbeat}})
		assert.Equal(t, http.StatusGone, resp.StatusCode)
		var body struct {
			Error  string `json:"error"`
			Reason string `json:"reason"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.NotEmpty(t, body.Error)
		assert.Equal(t, broker.ReasonClientDisconnect, body.Reason)
	})

	t.Run("無効なトークンでのセッション作成は401になること", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, 0)
		resp := env.do(t, http.MethodPost, "/ws/sessions", "forged.token.value", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.NotEmpty(t, resp.Header.Get("WWW-Authenticate"))
	})

	t.Run("無通信のフォールバックセッションは切断されること", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, 100*time.Millisecond)
		id := env.createFallbackSession(t, "", "frank")

		assert.Eventually(t, func() bool {
			_, ok := env.registry.Session(id)
			return !ok
		}, 2*time.Second, 10*time.Millisecond)
	})
}

func TestFallback_Stream(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, 0)
	id := env.createFallbackSession(t, "?transport=sse", "alice")
	s, ok := env.registry.Session(id)
	require.True(t, ok)
	assert.Equal(t, broker.TransportSSE, s.Transport())

	resp := env.do(t, http.MethodGet, "/ws/sessions/"+id+"/stream", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	require.NoError(t, s.Send(broker.Frame{Command: broker.CommandReceipt, Receipt: "r1"}))

	scanner := bufio.NewScanner(resp.Body)
	var event, data string
	for scanner.Scan() {
		line := scanner.Text()
		if v, ok := strings.CutPrefix(line, "event:"); ok {
			event = v
		}
		if v, ok := strings.CutPrefix(line, "data:"); ok {
			data = v
		}
		if line == "" && event == "frame" {
			break
		}
	}
	require.Equal(t, "frame", event)

	var f broker.Frame
	require.NoError(t, json.Unmarshal([]byte(data), &f))
	assert.Equal(t, broker.CommandReceipt, f.Command)
	assert.Equal(t, "r1", f.Receipt)
}
