package moonraker

import (
	"context"
	"encoding/json"
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
	"klipper-plr/pkg/snapshot"
)

// fakeMoonraker answers the handful of methods the client uses.
type fakeMoonraker struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu         sync.Mutex
	conn       *websocket.Conn
	wmu        sync.Mutex
	scripts    []string
	subscribed [][]string
	status     map[string]map[string]interface{}
}

func newFakeMoonraker(t *testing.T) *fakeMoonraker {
	f := &fakeMoonraker{
		status: map[string]map[string]interface{}{
			"print_stats": {"state": "standby", "filename": ""},
			"toolhead":    {"position": []float64{1, 2, 3, 0}, "extruder": "extruder"},
		},
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeMoonraker) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/websocket"
}

func (f *fakeMoonraker) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()
	defer conn.Close()

	for {
		var req struct {
			Method string                 `json:"method"`
			Params map[string]interface{} `json:"params"`
			ID     int64                  `json:"id"`
		}
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
		switch req.Method {
		case "server.connection.identify":
			resp["result"] = map[string]interface{}{"connection_id": 1}
		case "printer.objects.subscribe":
			objs, _ := req.Params["objects"].(map[string]interface{})
			var names []string
			status := map[string]interface{}{}
			f.mu.Lock()
			for name := range objs {
				names = append(names, name)
				if st, ok := f.status[name]; ok {
					status[name] = st
				}
			}
			f.subscribed = append(f.subscribed, names)
			f.mu.Unlock()
			resp["result"] = map[string]interface{}{"eventtime": 1.0, "status": status}
		case "printer.gcode.script":
			script, _ := req.Params["script"].(string)
			f.mu.Lock()
			f.scripts = append(f.scripts, script)
			f.mu.Unlock()
			if strings.HasPrefix(script, "ECHO ") {
				f.push(conn, notifyGCodeResponse, []string{strings.TrimPrefix(script, "ECHO ")})
			}
			if script == "FAIL" {
				resp["error"] = map[string]interface{}{"code": 400, "message": "Unknown command:\"FAIL\""}
			} else {
				resp["result"] = "ok"
			}
		default:
			resp["error"] = map[string]interface{}{"code": -32601, "message": "Method not found"}
		}
		f.write(conn, resp)
	}
}

func (f *fakeMoonraker) write(conn *websocket.Conn, v interface{}) {
	f.wmu.Lock()
	defer f.wmu.Unlock()
	conn.WriteJSON(v)
}

func (f *fakeMoonraker) push(conn *websocket.Conn, method string, params interface{}) {
	f.write(conn, map[string]interface{}{"jsonrpc": "2.0", "method": method, "params": params})
}

func (f *fakeMoonraker) current() *websocket.Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conn
}

func (f *fakeMoonraker) subscribeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscribed)
}

func startClient(t *testing.T, f *fakeMoonraker) *Client {
	t.Helper()
	c := New(Config{URL: f.url(), Objects: Objects("fan_generic aux"), RetryDelay: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	wctx, wcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer wcancel()
	require.NoError(t, c.WaitReady(wctx))
	return c
}

func TestObjectsDeduplicates(t *testing.T) {
	objs := Objects("fan", "fan_generic aux", "")
	assert.Contains(t, objs, "fan_generic aux")
	count := 0
	for _, o := range objs {
		if o == "fan" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestParseForwarded(t *testing.T) {
	cmd, ok := ParseForwarded("plr: PLR_SAVE_PRINT_STATE_WITH_LAYER LAYER=3")
	require.True(t, ok)
	assert.Equal(t, "PLR_SAVE_PRINT_STATE_WITH_LAYER LAYER=3", cmd)

	_, ok = ParseForwarded("echo: hello")
	assert.False(t, ok)
	_, ok = ParseForwarded("plr:   ")
	assert.False(t, ok)
}

func TestClientSubscribesAndCachesStatus(t *testing.T) {
	f := newFakeMoonraker(t)
	c := startClient(t, f)

	require.Equal(t, 1, f.subscribeCount())
	f.mu.Lock()
	first := f.subscribed[0]
	f.mu.Unlock()
	assert.Contains(t, first, "virtual_sdcard")
	assert.Contains(t, first, "fan_generic aux")

	st, ok := c.ObjectStatus("print_stats", 0)
	require.True(t, ok)
	assert.Equal(t, "standby", st["state"])
	_, ok = c.ObjectStatus("virtual_sdcard", 0)
	assert.False(t, ok)

	f.push(f.current(), notifyStatusUpdate, []interface{}{
		map[string]interface{}{
			"print_stats":    map[string]interface{}{"state": "printing"},
			"virtual_sdcard": map[string]interface{}{"file_position": 120},
		},
		2.5,
	})
	assert.Eventually(t, func() bool {
		st, ok := c.ObjectStatus("print_stats", 0)
		return ok && st["state"] == "printing"
	}, 2*time.Second, 5*time.Millisecond)

	st, _ = c.ObjectStatus("print_stats", 0)
	assert.Equal(t, "", st["filename"], "fields absent from an update are kept")
	sd, ok := c.ObjectStatus("virtual_sdcard", 0)
	require.True(t, ok)
	assert.EqualValues(t, 120, sd["file_position"])
}

func TestObjectStatusReturnsCopy(t *testing.T) {
	f := newFakeMoonraker(t)
	c := startClient(t, f)

	st, ok := c.ObjectStatus("print_stats", 0)
	require.True(t, ok)
	st["state"] = "mutated"
	st, _ = c.ObjectStatus("print_stats", 0)
	assert.Equal(t, "standby", st["state"])
}

func TestObjectsStatusSingleInstant(t *testing.T) {
	c := New(Config{URL: "ws://127.0.0.1:1/websocket"})
	update := func(i int) map[string]map[string]interface{} {
		return map[string]map[string]interface{}{
			"virtual_sdcard": {"file_position": float64(i), "file_size": 100000.0},
			"toolhead":       {"position": []interface{}{float64(i), 0.0, 1.0, 0.0}},
		}
	}
	c.merge(map[string]map[string]interface{}{
		"print_stats": {"state": "printing", "filename": "part.gcode"},
		"extruder":    {"temperature": 210.0},
	})
	c.merge(update(0))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 1; i <= 5000; i++ {
			c.merge(update(i))
		}
	}()

	rec := snapshot.NewRecorder(c, nil)
	mixed := 0
	for n := 0; n < 2000; n++ {
		s := rec.Collect(0)
		require.NotNil(t, s)
		if s.FileProgress.Position != int64(s.Position.X) {
			mixed++
		}
	}
	<-done
	assert.Zero(t, mixed, "snapshots mixing two status updates")

	all := c.ObjectsStatus([]string{"toolhead", "missing"}, 0)
	assert.Contains(t, all, "toolhead")
	assert.NotContains(t, all, "missing")
	all["toolhead"]["position"] = nil
	st, _ := c.ObjectStatus("toolhead", 0)
	assert.NotNil(t, st["position"])
}

func TestRunScript(t *testing.T) {
	f := newFakeMoonraker(t)
	c := startClient(t, f)

	require.NoError(t, c.RunScript("G28 Z"))
	err := c.RunScript("FAIL")
	require.Error(t, err)
	assert.True(t, perrors.Is(err, perrors.ErrCommand))
	assert.Contains(t, err.Error(), "Unknown command")

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, []string{"G28 Z", "FAIL"}, f.scripts)
}

func TestGCodeResponseCallback(t *testing.T) {
	f := newFakeMoonraker(t)
	c := startClient(t, f)

	lines := make(chan string, 4)
	c.OnGCodeResponse(func(line string) { lines <- line })
	require.NoError(t, c.RunScript("ECHO plr: PLR_SAVE_PRINT_STATE"))

	select {
	case line := <-lines:
		cmd, ok := ParseForwarded(line)
		require.True(t, ok)
		assert.Equal(t, "PLR_SAVE_PRINT_STATE", cmd)
	case <-time.After(2 * time.Second):
		t.Fatal("no gcode response delivered")
	}
}

func TestCallWithoutConnection(t *testing.T) {
	c := New(Config{URL: "ws://127.0.0.1:1/websocket"})
	_, err := c.Call(context.Background(), "server.info", nil)
	assert.ErrorIs(t, err, ErrNotConnected)

	err = c.RunScript("G28")
	require.Error(t, err)
	assert.True(t, perrors.Is(err, perrors.ErrRuntime))
	assert.False(t, c.Connected())
}

func TestReconnectResubscribes(t *testing.T) {
	f := newFakeMoonraker(t)
	c := startClient(t, f)
	require.True(t, c.Connected())

	f.current().Close()

	assert.Eventually(t, func() bool { return f.subscribeCount() >= 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		_, ok := c.ObjectStatus("toolhead", 0)
		return ok && c.Connected()
	}, 5*time.Second, 10*time.Millisecond)
}

func TestKlippyReadyResubscribes(t *testing.T) {
	f := newFakeMoonraker(t)
	startClient(t, f)

	f.push(f.current(), notifyKlippyReady, nil)
	assert.Eventually(t, func() bool { return f.subscribeCount() == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestRPCErrorMessage(t *testing.T) {
	var msg message
	require.NoError(t, json.Unmarshal([]byte(`{"jsonrpc":"2.0","error":{"code":-32601,"message":"Method not found"},"id":7}`), &msg))
	require.NotNil(t, msg.ID)
	assert.EqualValues(t, 7, *msg.ID)
	assert.Equal(t, "moonraker error -32601: Method not found", msg.Error.Error())
}
