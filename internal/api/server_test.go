package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/internal/actions"
	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/loader"
	"github.com/rendis/stepflow/internal/mediator"
	"github.com/rendis/stepflow/internal/runtime"
	"github.com/rendis/stepflow/internal/scheduler"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/internal/streaming"
)

const signupYAML = `
name: signup
actions:
  - id: first
    kind: echo
    inputs:
      value: 1
  - id: greet
    kind: echo
    inputs:
      msg: "hello !ref($.$event.user)"
edges:
  - from: first
    to: greet
`

const slowYAML = `
actions:
  - id: wait
    kind: block
  - id: after
    kind: echo
edges:
  - from: wait
    to: after
`

type testEnv struct {
	srv     *httptest.Server
	started chan string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWith(t, nil)
}

// newTestEnvWith lets a test adjust the server deps before the server starts.
func newTestEnvWith(t *testing.T, adjust func(*Deps)) *testEnv {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	env := &testEnv{started: make(chan string, 4)}
	reg := actions.NewRegistry()
	require.NoError(t, reg.Initialize(
		actions.BuiltinLoader(actions.BuiltinDeps{}),
		func(r *actions.Registry) error {
			return r.Add(actions.EngineAction{
				Kind: "block",
				Handler: actions.NodeFunc(func(ctx context.Context, actx *actions.Context) (any, error) {
					env.started <- actx.RunID
					<-ctx.Done()
					return nil, ctx.Err()
				}),
			})
		},
	))

	l := loader.New(loader.WithStore(s))
	eng, err := engine.New(engine.Config{Registry: reg, Loader: l.Load})
	require.NoError(t, err)

	debug := mediator.NewWorkflowMediator(streaming.NewMemoryHub(64))
	rt, err := runtime.New(runtime.Config{Store: s, Engine: eng, Loader: l.Load, Mediator: debug, PoolSize: 2})
	require.NoError(t, err)
	t.Cleanup(rt.Shutdown)

	deps := Deps{
		Runtime:   rt,
		Events:    mediator.NewEventMediator(rt, mediator.WithPolling(10*time.Millisecond, 500)),
		Debug:     debug,
		Store:     s,
		Registry:  reg,
		Engine:    eng,
		Scheduler: scheduler.New(s, rt, nil),
	}
	if adjust != nil {
		adjust(&deps)
	}
	api, err := NewServer(deps)
	require.NoError(t, err)

	env.srv = httptest.NewServer(api)
	t.Cleanup(env.srv.Close)
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func (e *testEnv) sendEvent(t *testing.T, name string, data string, wait bool) map[string]any {
	t.Helper()
	body, _ := json.Marshal(map[string]any{"name": name, "data": json.RawMessage(data), "wait": wait})
	resp, raw := e.do(t, http.MethodPost, "/events", string(body))
	require.Contains(t, []int{http.StatusOK, http.StatusAccepted}, resp.StatusCode, string(raw))
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestHealthAndActions(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	resp, body = env.do(t, http.MethodGet, "/actions", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"kind":"echo"`)
	assert.Contains(t, string(body), `"kind":"block"`)

	resp, body = env.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"pool"`)
}

func TestWorkflowLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPut, "/workflows/user/signup", signupYAML)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, body = env.do(t, http.MethodGet, "/workflows/user/signup", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rec store.WorkflowRecord
	require.NoError(t, json.Unmarshal(body, &rec))
	assert.Equal(t, "user/signup", rec.ID)
	assert.Equal(t, "signup", rec.Name)
	assert.Len(t, rec.Definition.Actions, 2)

	resp, body = env.do(t, http.MethodGet, "/workflows", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"user/signup"`)

	res := env.sendEvent(t, "user/signup", `{"user":"ada"}`, true)
	assert.Equal(t, "Completed", res["status"])
	assert.Equal(t, map[string]any{"first": 1.0, "greet": map[string]any{"msg": "hello ada"}}, res["output"])
	eventID := res["event_id"].(string)

	resp, body = env.do(t, http.MethodGet, "/events/"+eventID+"/steps", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var trace mediator.StepTrace
	require.NoError(t, json.Unmarshal(body, &trace))
	require.Len(t, trace.Spans, 2)
	assert.Equal(t, "greet", trace.Spans[1].ActionID)
	assert.JSONEq(t, `{"msg":"hello ada"}`, string(trace.Spans[1].Input))

	resp, body = env.do(t, http.MethodGet, "/events/"+eventID+"/diagram", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "graph TD")
	assert.Contains(t, string(body), "class greet completed")

	resp, body = env.do(t, http.MethodGet, "/events/"+eventID+"/diagram?format=ascii", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "[OK]")

	resp, _ = env.do(t, http.MethodDelete, "/workflows/user/signup", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = env.do(t, http.MethodGet, "/workflows/user/signup", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPutInvalidWorkflowRejected(t *testing.T) {
	env := newTestEnv(t)
	doc := `{"actions":[{"id":"a","kind":"echo"}],"edges":[{"from":"a","to":"ghost"}]}`

	resp, body := env.do(t, http.MethodPut, "/workflows/broken", doc)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "DEFINITION_ERROR")

	resp, body = env.do(t, http.MethodPost, "/workflows/validate", doc)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"valid":false`)

	resp, body = env.do(t, http.MethodPost, "/workflows/validate", signupYAML)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"valid":true`)
}

func TestUnknownEventAndBadRequest(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodGet, "/events/nope/trace", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, string(body), "NOT_FOUND")

	resp, _ = env.do(t, http.MethodPost, "/events", `{"data":{}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/events", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/runs/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStopEventAndStream(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.do(t, http.MethodPut, "/workflows/slow", slowYAML)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	res := env.sendEvent(t, "slow", `{}`, false)
	eventID := res["event_id"].(string)

	var runID string
	select {
	case runID = <-env.started:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not start")
	}

	streamResp, err := http.Get(env.srv.URL + "/runs/" + runID + "/stream")
	require.NoError(t, err)
	defer streamResp.Body.Close()
	assert.Equal(t, "text/event-stream", streamResp.Header.Get("Content-Type"))

	resp, body = env.do(t, http.MethodPost, "/events/"+eventID+"/stop", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"event_id":"`+eventID+`","stopped":true}`, string(body))

	var events []string
	done := make(chan struct{})
	go func() {
		defer close(done)
		sc := bufio.NewScanner(streamResp.Body)
		for sc.Scan() {
			if name, ok := strings.CutPrefix(sc.Text(), "event: "); ok {
				events = append(events, name)
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not end after the run ended")
	}
	require.NotEmpty(t, events)
	assert.Equal(t, "workflow", events[len(events)-1])

	resp, body = env.do(t, http.MethodGet, "/runs/"+runID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"Cancelled"`)

	// A finished run streams a single snapshot.
	resp, body = env.do(t, http.MethodGet, "/runs/"+runID+"/stream", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, bytes.HasPrefix(body, []byte("event: run\n")))
}

func TestStreamEndsOnStatusWhenTerminalEventIsMissed(t *testing.T) {
	// The stream listens on a hub the runtime never publishes to, so only
	// the status re-check can close it.
	env := newTestEnvWith(t, func(d *Deps) {
		d.Debug = mediator.NewWorkflowMediator(streaming.NewMemoryHub(1))
		d.StatusInterval = 20 * time.Millisecond
	})
	resp, body := env.do(t, http.MethodPut, "/workflows/slow", slowYAML)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	eventID := env.sendEvent(t, "slow", `{}`, false)["event_id"].(string)
	var runID string
	select {
	case runID = <-env.started:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not start")
	}

	streamResp, err := http.Get(env.srv.URL + "/runs/" + runID + "/stream")
	require.NoError(t, err)
	defer streamResp.Body.Close()

	resp, _ = env.do(t, http.MethodPost, "/events/"+eventID+"/stop", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	read := make(chan string, 1)
	go func() {
		raw, _ := io.ReadAll(streamResp.Body)
		read <- string(raw)
	}()
	select {
	case raw := <-read:
		assert.Contains(t, raw, "event: run\n")
		assert.Contains(t, raw, `"status":"Cancelled"`)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not end after the run ended")
	}
}

func TestSchedulesOverHTTP(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/schedules", `{"id":"nightly","cron":"0 2 * * *","trigger":"report/build"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	assert.Contains(t, string(body), `"next_run_at"`)

	resp, _ = env.do(t, http.MethodPost, "/schedules", `{"id":"bad","cron":"whenever","trigger":"x"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = env.do(t, http.MethodGet, "/schedules", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"nightly"`)

	resp, _ = env.do(t, http.MethodDelete, "/schedules/nightly", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, statusFor("TRACE_NOT_READY"))
	assert.Equal(t, http.StatusConflict, statusFor("CONFLICT"))
	assert.Equal(t, http.StatusInternalServerError, statusFor("STORE_ERROR"))
}
