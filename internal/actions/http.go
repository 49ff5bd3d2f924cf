package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// HTTPConfig configures the http actions. Zero values select the defaults.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
	// Client sends the requests; nil uses a client over a clone of
	// http.DefaultTransport.
	Client *http.Client
}

const (
	defaultMaxResponseBody = 10 << 20
	defaultHTTPTimeout     = 30 * time.Second
)

const httpInputSchema = `{
  "type": "object",
  "required": ["url"],
  "properties": {
    "method": {"type": "string"},
    "url": {"type": "string", "minLength": 1},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "body": {},
    "body_encoding": {"enum": ["json", "form", "text"]},
    "auth": {
      "type": "object",
      "properties": {
        "type": {"enum": ["bearer", "basic", "api_key"]},
        "token": {"type": "string"},
        "username": {"type": "string"},
        "password": {"type": "string"},
        "header_name": {"type": "string"},
        "header_value": {"type": "string"}
      }
    },
    "timeout": {"type": "string"},
    "fail_on_error_status": {"type": "boolean"}
  }
}`

const httpOutputSchema = `{
  "type": "object",
  "properties": {
    "status_code": {"type": "integer"},
    "status": {"type": "string"},
    "headers": {"type": "object"},
    "body": {},
    "content_type": {"type": "string"},
    "duration_ms": {"type": "integer"}
  }
}`

// HTTPActions returns http.request and its http.get and http.post shorthands.
// Each request runs inside one durable step, so a replayed run reuses the
// recorded response instead of calling the endpoint again.
func HTTPActions(cfg HTTPConfig) []EngineAction {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
	h := &httpAction{cfg: cfg}

	return []EngineAction{
		{
			Kind:        "http.request",
			Description: "Send an HTTP request; JSON responses are decoded into the result body",
			Handler:     NodeFunc(func(ctx context.Context, actx *Context) (any, error) { return h.do(ctx, actx, "") }),
			Inputs:      json.RawMessage(httpInputSchema),
			Outputs:     json.RawMessage(httpOutputSchema),
		},
		{
			Kind:        "http.get",
			Description: "Send an HTTP GET request",
			Handler:     NodeFunc(func(ctx context.Context, actx *Context) (any, error) { return h.do(ctx, actx, http.MethodGet) }),
			Inputs:      json.RawMessage(httpInputSchema),
			Outputs:     json.RawMessage(httpOutputSchema),
		},
		{
			Kind:        "http.post",
			Description: "Send an HTTP POST request",
			Handler:     NodeFunc(func(ctx context.Context, actx *Context) (any, error) { return h.do(ctx, actx, http.MethodPost) }),
			Inputs:      json.RawMessage(httpInputSchema),
			Outputs:     json.RawMessage(httpOutputSchema),
		},
	}
}

type httpAction struct {
	cfg HTTPConfig
}

// do sends the request described by actx.Inputs. A non-empty method
// overrides inputs.method.
func (h *httpAction) do(ctx context.Context, actx *Context, method string) (any, error) {
	in := actx.Inputs
	rawURL, err := requireString(actx, "url")
	if err != nil {
		return nil, err
	}
	if u, err := url.ParseRequestURI(rawURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: invalid url %q", actx.Kind, rawURL)
	}
	if method == "" {
		method = strings.ToUpper(stringParam(in, "method", http.MethodGet))
	}

	timeout := h.cfg.DefaultTimeout
	if ts := stringParam(in, "timeout", ""); ts != "" {
		d, err := time.ParseDuration(ts)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: invalid timeout %q", actx.Kind, ts)
		}
		timeout = d
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, contentType, err := encodeBody(in)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: encode body", actx.Kind).WithCause(err)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: build request", actx.Kind).WithCause(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if hdrs, ok := in["headers"].(map[string]any); ok {
		for k, v := range hdrs {
			req.Header.Set(k, fmt.Sprint(v))
		}
	}
	applyAuth(req, in)

	start := time.Now()
	resp, err := h.cfg.Client.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "%s: request failed", actx.Kind).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, h.cfg.MaxResponseBody))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "%s: read response", actx.Kind).WithCause(err)
	}

	headers := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	ct := resp.Header.Get("Content-Type")
	result := map[string]any{
		"status_code":  resp.StatusCode,
		"status":       resp.Status,
		"headers":      headers,
		"body":         decodeBody(raw, ct),
		"content_type": ct,
		"duration_ms":  time.Since(start).Milliseconds(),
	}

	actx.Logger.DebugContext(ctx, "http action",
		slog.String("method", method), slog.String("url", rawURL), slog.Int("status_code", resp.StatusCode))

	if resp.StatusCode >= 400 && boolParam(in, "fail_on_error_status") {
		return schema.Failed(result), nil
	}
	return result, nil
}

func encodeBody(in map[string]any) (io.Reader, string, error) {
	raw, ok := in["body"]
	if !ok || raw == nil {
		return nil, "", nil
	}
	switch stringParam(in, "body_encoding", "json") {
	case "form":
		fields, ok := raw.(map[string]any)
		if !ok {
			return nil, "", fmt.Errorf("form body must be an object, got %T", raw)
		}
		vals := url.Values{}
		for k, v := range fields {
			vals.Set(k, fmt.Sprint(v))
		}
		return strings.NewReader(vals.Encode()), "application/x-www-form-urlencoded", nil
	case "text":
		return strings.NewReader(fmt.Sprint(raw)), "text/plain", nil
	default:
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, "", err
		}
		return strings.NewReader(string(b)), "application/json", nil
	}
}

func applyAuth(req *http.Request, in map[string]any) {
	auth, ok := in["auth"].(map[string]any)
	if !ok {
		return
	}
	switch stringParam(auth, "type", "") {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+stringParam(auth, "token", ""))
	case "basic":
		req.SetBasicAuth(stringParam(auth, "username", ""), stringParam(auth, "password", ""))
	case "api_key":
		if name := stringParam(auth, "header_name", ""); name != "" {
			req.Header.Set(name, stringParam(auth, "header_value", ""))
		}
	}
}

// decodeBody returns JSON bodies decoded and anything else as text.
func decodeBody(raw []byte, contentType string) any {
	if len(raw) == 0 {
		return nil
	}
	if strings.Contains(contentType, "json") {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	}
	return string(raw)
}

func boolParam(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}
