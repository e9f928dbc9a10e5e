package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "klipper-plr/pkg/errors"
	"klipper-plr/pkg/gcode"
	"klipper-plr/pkg/metrics"
	"klipper-plr/pkg/recovery"
)

type fakeBackend struct {
	mu       sync.Mutex
	status   recovery.Status
	commands *gcode.Dispatcher
	executed []string
}

func newFakeBackend() *fakeBackend {
	b := &fakeBackend{commands: gcode.NewDispatcher()}
	b.commands.Register("PLR_ECHO", "Echo MSG", func(c *gcode.Command) (string, error) {
		return c.Get("MSG", ""), nil
	})
	b.commands.Register("PLR_FAIL", "Always fails", func(c *gcode.Command) (string, error) {
		return "", perrors.CommandError(c.Name, "nothing saved")
	})
	return b
}

func (b *fakeBackend) Execute(_ context.Context, line string) (string, error) {
	b.mu.Lock()
	b.executed = append(b.executed, line)
	b.mu.Unlock()
	return b.commands.Execute(line)
}

func (b *fakeBackend) Status(context.Context) (recovery.Status, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status, nil
}

func (b *fakeBackend) Commands() *gcode.Dispatcher { return b.commands }

func (b *fakeBackend) setStatus(st recovery.Status) {
	b.mu.Lock()
	b.status = st
	b.mu.Unlock()
}

type rpcReply struct {
	Result json.RawMessage `json:"result"`
	Error  *jsonRPCError   `json:"error"`
	ID     interface{}     `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func postRPC(t *testing.T, url, body string) rpcReply {
	t.Helper()
	resp, err := http.Post(url+"/jsonrpc", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var reply rpcReply
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reply))
	return reply
}

func TestJSONRPCExecute(t *testing.T) {
	b := newFakeBackend()
	srv := httptest.NewServer(New(Config{Backend: b}).Handler())
	defer srv.Close()

	reply := postRPC(t, srv.URL, `{"jsonrpc":"2.0","method":"plr.execute","params":{"command":"PLR_ECHO MSG=hi"},"id":1}`)
	require.Nil(t, reply.Error)
	var res ExecuteResult
	require.NoError(t, json.Unmarshal(reply.Result, &res))
	assert.Equal(t, "hi", res.Output)
	assert.EqualValues(t, 1, reply.ID)

	reply = postRPC(t, srv.URL, `{"jsonrpc":"2.0","method":"plr.execute","params":{"command":"PLR_FAIL"},"id":2}`)
	require.NotNil(t, reply.Error)
	assert.Equal(t, codeCommand, reply.Error.Code)
	assert.Equal(t, "nothing saved", reply.Error.Message)

	reply = postRPC(t, srv.URL, `{"jsonrpc":"2.0","method":"plr.execute","params":{},"id":3}`)
	require.NotNil(t, reply.Error)
	assert.Equal(t, codeInvalidParams, reply.Error.Code)
}

func TestJSONRPCErrors(t *testing.T) {
	srv := httptest.NewServer(New(Config{Backend: newFakeBackend()}).Handler())
	defer srv.Close()

	reply := postRPC(t, srv.URL, `{"jsonrpc":"2.0","method":"nope","id":1}`)
	require.NotNil(t, reply.Error)
	assert.Equal(t, codeMethodNotFound, reply.Error.Code)

	reply = postRPC(t, srv.URL, `{not json`)
	require.NotNil(t, reply.Error)
	assert.Equal(t, codeParse, reply.Error.Code)

	reply = postRPC(t, srv.URL, `{"jsonrpc":"2.0","method":"plr.subscribe","id":4}`)
	require.NotNil(t, reply.Error)
	assert.Equal(t, codeInvalidParams, reply.Error.Code)

	resp, err := http.Get(srv.URL + "/jsonrpc")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestJSONRPCStatusAndCommands(t *testing.T) {
	b := newFakeBackend()
	b.setStatus(recovery.Status{Enabled: true, PrintState: "printing", HistoryLength: 3, HistorySize: 5})
	srv := httptest.NewServer(New(Config{Backend: b}).Handler())
	defer srv.Close()

	reply := postRPC(t, srv.URL, `{"jsonrpc":"2.0","method":"plr.status","id":1}`)
	require.Nil(t, reply.Error)
	var st recovery.Status
	require.NoError(t, json.Unmarshal(reply.Result, &st))
	assert.Equal(t, b.status, st)

	reply = postRPC(t, srv.URL, `{"jsonrpc":"2.0","method":"plr.commands","id":2}`)
	require.Nil(t, reply.Error)
	var help []string
	require.NoError(t, json.Unmarshal(reply.Result, &help))
	assert.Equal(t, []string{"PLR_ECHO: Echo MSG", "PLR_FAIL: Always fails"}, help)
}

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(url, "http")+"/websocket", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func TestWebSocketExecute(t *testing.T) {
	b := newFakeBackend()
	srv := httptest.NewServer(New(Config{Backend: b}).Handler())
	defer srv.Close()
	conn := dialWS(t, srv.URL)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"jsonrpc": "2.0", "method": "plr.execute", "id": 7,
		"params": map[string]string{"command": "PLR_ECHO MSG=ws"},
	}))
	var reply rpcReply
	require.NoError(t, conn.ReadJSON(&reply))
	require.Nil(t, reply.Error)
	assert.EqualValues(t, 7, reply.ID)
	assert.JSONEq(t, `{"output":"ws"}`, string(reply.Result))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("garbage")))
	reply = rpcReply{}
	require.NoError(t, conn.ReadJSON(&reply))
	require.NotNil(t, reply.Error)
	assert.Equal(t, codeParse, reply.Error.Code)
}

func TestWebSocketStatusNotifications(t *testing.T) {
	b := newFakeBackend()
	s := New(Config{Backend: b})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	conn := dialWS(t, srv.URL)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"jsonrpc": "2.0", "method": "plr.subscribe", "id": 1}))
	var reply rpcReply
	require.NoError(t, conn.ReadJSON(&reply))
	require.Nil(t, reply.Error)

	require.Eventually(t, func() bool {
		s.clientMu.RLock()
		defer s.clientMu.RUnlock()
		for _, c := range s.clients {
			if c.subscribed.Load() {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	s.publishStatus(context.Background())
	b.setStatus(recovery.Status{Active: true, PrintState: "printing"})
	s.publishStatus(context.Background())
	s.publishStatus(context.Background())

	var notes []recovery.Status
	for len(notes) < 2 {
		var msg rpcReply
		require.NoError(t, conn.ReadJSON(&msg))
		require.Equal(t, "notify_plr_status", msg.Method)
		var params []recovery.Status
		require.NoError(t, json.Unmarshal(msg.Params, &params))
		require.Len(t, params, 1)
		notes = append(notes, params[0])
	}
	assert.False(t, notes[0].Active)
	assert.True(t, notes[1].Active)
	assert.Equal(t, "printing", notes[1].PrintState)

	// an unchanged status is not pushed again
	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestMetricsMounted(t *testing.T) {
	m := metrics.NewRecoveryMetrics()
	m.SavesTotal.Inc(nil)
	srv := httptest.NewServer(New(Config{Backend: newFakeBackend(), Metrics: m}).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "plr_saves_total 1")

	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsAbsentWhenDisabled(t *testing.T) {
	srv := httptest.NewServer(New(Config{Backend: newFakeBackend()}).Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListenAndServeShutsDown(t *testing.T) {
	s := New(Config{Addr: "127.0.0.1:0", Backend: newFakeBackend()})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx) }()

	require.Eventually(t, func() bool { return s.Addr() != "" }, 2*time.Second, 5*time.Millisecond)
	reply := postRPC(t, "http://"+s.Addr(), `{"jsonrpc":"2.0","method":"plr.status","id":1}`)
	assert.Nil(t, reply.Error)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
