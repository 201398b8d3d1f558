package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/GriffinCanCode/AgentOS/workerhost/internal/binder"
	"github.com/GriffinCanCode/AgentOS/workerhost/internal/binder/bindertest"
	"github.com/GriffinCanCode/AgentOS/workerhost/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/workerhost/internal/launcher"
	"github.com/GriffinCanCode/AgentOS/workerhost/internal/manifest"
)

const testPackage = "org.agentos.workers"

var firstSlot = binder.ServiceName{Package: testPackage, Class: manifest.DefaultSandboxedPrefix + "0"}

type testAPI struct {
	router   *gin.Engine
	host     *bindertest.Host
	launcher *launcher.Launcher
}

func newTestAPI(t *testing.T, hostOpts ...bindertest.Option) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	host := bindertest.NewHost(append([]bindertest.Option{bindertest.WithAutoConnect(4242)}, hostOpts...)...)
	l := launcher.New(host,
		launcher.WithLogger(zaptest.NewLogger(t)),
		launcher.WithDefaultPackage(testPackage),
		launcher.WithSetupTimeout(time.Second),
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.Shutdown(ctx)
	})

	router := gin.New()
	NewHandlers(l,
		WithLogger(zaptest.NewLogger(t)),
		WithMetrics(monitoring.NewMetrics()),
		WithLaunchTimeout(2*time.Second),
		WithVersion("test"),
	).Register(router)

	return &testAPI{router: router, host: host, launcher: l}
}

func (a *testAPI) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func (a *testAPI) launch(t *testing.T) int {
	t.Helper()
	w := a.do(http.MethodPost, "/v1/workers", `{"process_type":"worker","command_line":["--lang=en"]}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		Pid int    `json:"pid"`
		ID  string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.ID)
	return resp.Pid
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestRootAndHealth(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "test", decode(t, w)["version"])

	w = api.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "healthy", body["status"])
	assert.Contains(t, body, "launcher")
	assert.Contains(t, body, "metrics")
}

func TestLaunchWorker(t *testing.T) {
	api := newTestAPI(t)

	pid := api.launch(t)
	assert.Equal(t, 4242, pid)

	setups := api.host.Setups(firstSlot)
	require.Len(t, setups, 1)
	assert.Equal(t, "worker", setups[0].ProcessType)
	assert.Equal(t, []string{"--lang=en"}, setups[0].CommandLine)
	assert.Empty(t, setups[0].Files)
}

func TestLaunchWorkerValidation(t *testing.T) {
	api := newTestAPI(t)

	tests := []struct {
		name string
		body string
	}{
		{"missing process type", `{"command_line":[]}`},
		{"malformed", `{"process_type":`},
		{"wrong type", `{"process_type":"worker","sandboxed":"yes"}`},
		{"bad process type", `{"process_type":"Worker!"}`},
		{"type override", `{"process_type":"worker","command_line":["--type=gpu"]}`},
		{"bad package", `{"process_type":"worker","package":"org..workers"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := api.do(http.MethodPost, "/v1/workers", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, false, decode(t, w)["success"])
		})
	}
}

func TestLaunchRejectedByHost(t *testing.T) {
	api := newTestAPI(t, bindertest.WithMaxServices(1))
	api.launch(t)

	w := api.do(http.MethodPost, "/v1/workers", `{"process_type":"worker"}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestListWorkers(t *testing.T) {
	api := newTestAPI(t)
	pid := api.launch(t)

	w := api.do(http.MethodGet, "/v1/workers", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Workers []launcher.WorkerInfo `json:"workers"`
		Stats   launcher.Stats        `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Workers, 1)
	assert.Equal(t, pid, resp.Workers[0].Pid)
	assert.Equal(t, firstSlot.String(), resp.Workers[0].Service)
	assert.Equal(t, 1, resp.Stats.Workers)
}

func TestStopWorker(t *testing.T) {
	api := newTestAPI(t)
	pid := api.launch(t)
	path := fmt.Sprintf("/v1/workers/%d", pid)

	assert.Equal(t, http.StatusNoContent, api.do(http.MethodDelete, path, "").Code)
	assert.Equal(t, 0, api.host.ServiceCount())
	assert.Equal(t, http.StatusNotFound, api.do(http.MethodDelete, path, "").Code)
	assert.Equal(t, http.StatusBadRequest, api.do(http.MethodDelete, "/v1/workers/abc", "").Code)
	assert.Equal(t, http.StatusBadRequest, api.do(http.MethodDelete, "/v1/workers/0", "").Code)
}

func TestKillWorker(t *testing.T) {
	api := newTestAPI(t)
	events, cancel := api.launcher.Events().Subscribe("test")
	defer cancel()

	pid := api.launch(t)
	path := fmt.Sprintf("/v1/workers/%d/kill", pid)

	assert.Equal(t, http.StatusNoContent, api.do(http.MethodPost, path, "").Code)
	assert.Equal(t, 0, api.host.ServiceCount())
	assert.Equal(t, http.StatusNotFound, api.do(http.MethodPost, path, "").Code)
	assert.Equal(t, http.StatusBadRequest, api.do(http.MethodPost, "/v1/workers/abc/kill", "").Code)

	timeout := time.After(time.Second)
	for {
		select {
		case e := <-events:
			if e.Type != launcher.EventDied {
				continue
			}
			assert.Equal(t, pid, e.Pid)
			assert.Equal(t, true, e.Detail["killed_by_us"])
			return
		case <-timeout:
			t.Fatal("no death event")
		}
	}
}

func TestSetPriority(t *testing.T) {
	api := newTestAPI(t)
	pid := api.launch(t)
	path := fmt.Sprintf("/v1/workers/%d/priority", pid)

	w := api.do(http.MethodPut, path, `{"visible":true,"importance":"important"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, binder.ImportanceImportant, api.host.Importance(firstSlot))

	w = api.do(http.MethodPut, path, `{"visible":false,"importance":"normal"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEqual(t, binder.ImportanceImportant, api.host.Importance(firstSlot))

	w = api.do(http.MethodPut, path, `{"importance":"urgent"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = api.do(http.MethodPut, "/v1/workers/9999/priority", `{"importance":"moderate"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSetForeground(t *testing.T) {
	api := newTestAPI(t)
	pid := api.launch(t)
	path := fmt.Sprintf("/v1/workers/%d/foreground", pid)

	w := api.do(http.MethodPut, path, `{"foreground":true}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, binder.ImportanceImportant, api.host.Importance(firstSlot))

	assert.Equal(t, http.StatusBadRequest, api.do(http.MethodPut, path, `{}`).Code)
}

func TestOomProtection(t *testing.T) {
	api := newTestAPI(t)
	pid := api.launch(t)

	w := api.do(http.MethodGet, fmt.Sprintf("/v1/workers/%d/oom", pid), "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["oom_protected"])

	w = api.do(http.MethodGet, "/v1/workers/31337/oom", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLifecycleAndMemory(t *testing.T) {
	api := newTestAPI(t)

	tests := []struct {
		name       string
		path       string
		body       string
		wantStatus int
	}{
		{"foreground", "/v1/lifecycle/foreground", "", http.StatusAccepted},
		{"background", "/v1/lifecycle/background", "", http.StatusAccepted},
		{"trim", "/v1/memory/trim", `{"level":"running_critical"}`, http.StatusAccepted},
		{"trim unknown level", "/v1/memory/trim", `{"level":"moderate"}`, http.StatusBadRequest},
		{"trim missing level", "/v1/memory/trim", `{}`, http.StatusBadRequest},
		{"low memory", "/v1/memory/low", "", http.StatusAccepted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := api.do(http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	stats, err := api.launcher.Stats(ctx)
	require.NoError(t, err)
	assert.False(t, stats.InForeground)
}

func TestWarmUp(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(http.MethodPost, "/v1/spare", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, decode(t, w)["created"])

	w = api.do(http.MethodPost, "/v1/spare", `{"sandboxed":true}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["created"])

	assert.Equal(t, http.StatusBadRequest, api.do(http.MethodPost, "/v1/spare", `{"sandboxed":1}`).Code)
}

func TestSlots(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(http.MethodGet, "/v1/slots?sandboxed=false", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(manifest.UnboundedServices), decode(t, w)["slots"])

	assert.Equal(t, http.StatusBadRequest, api.do(http.MethodGet, "/v1/slots?sandboxed=maybe", "").Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{launcher.ErrUnknownPid, http.StatusNotFound},
		{launcher.ErrNoSlot, http.StatusServiceUnavailable},
		{fmt.Errorf("bind: %w", binder.ErrBindRejected), http.StatusServiceUnavailable},
		{binder.ErrNoCapacity, http.StatusServiceUnavailable},
		{launcher.ErrLauncherClosed, http.StatusServiceUnavailable},
		{launcher.ErrStartFailed, http.StatusBadGateway},
		{launcher.ErrWorkerDied, http.StatusBadGateway},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{context.Canceled, 499},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}
