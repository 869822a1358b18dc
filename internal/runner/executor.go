package runner

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/erp/tools/markovgen/internal/config"
	"github.com/example/erp/tools/markovgen/internal/graph"
	"github.com/example/erp/tools/markovgen/internal/metrics"
)

// Vars resolves request placeholders from session variables.
type Vars interface {
	Get(name string) (any, bool)
}

// StateExecutor performs the work of a state each time a session enters it.
type StateExecutor interface {
	// Execute runs the request of st. It returns nil when nothing was sent.
	Execute(ctx context.Context, st *graph.State, vars Vars) *metrics.Request
}

// NewStateExecutor creates the executor selected by cfg.Type.
func NewStateExecutor(cfg config.ExecutorConfig, logger *zap.Logger) (StateExecutor, error) {
	switch cfg.Type {
	case "", config.ExecutorLog:
		return NewLogExecutor(logger), nil
	case config.ExecutorHTTP:
		return NewHTTPExecutor(cfg, logger), nil
	default:
		return nil, fmt.Errorf("runner: unknown executor type %q", cfg.Type)
	}
}

// LogExecutor logs every visited state instead of sending requests.
type LogExecutor struct {
	logger *zap.Logger
}

// NewLogExecutor creates a LogExecutor.
func NewLogExecutor(logger *zap.Logger) *LogExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogExecutor{logger: logger}
}

// Execute logs the state and its expanded request at debug level.
func (e *LogExecutor) Execute(_ context.Context, st *graph.State, vars Vars) *metrics.Request {
	fields := []zap.Field{zap.String("state", st.Name)}
	if st.Request != nil {
		fields = append(fields,
			zap.String("method", methodOf(st.Request)),
			zap.String("url", expandTemplate(st.Request.URL, vars)))
	}
	e.logger.Debug("state visited", fields...)
	return nil
}

// HTTPExecutor sends the request of each visited state.
//
// Thread Safety: Safe for concurrent use.
type HTTPExecutor struct {
	client  *http.Client
	baseURL string
	headers map[string]string
	logger  *zap.Logger
}

// NewHTTPExecutor creates an HTTPExecutor with a pooled transport.
func NewHTTPExecutor(cfg config.ExecutorConfig, logger *zap.Logger) *HTTPExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPExecutor{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        200,
				MaxIdleConnsPerHost: 50,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		headers: cfg.Headers,
		logger:  logger,
	}
}

// Execute sends the request of st, draining the response body. States
// without a request are skipped.
func (e *HTTPExecutor) Execute(ctx context.Context, st *graph.State, vars Vars) *metrics.Request {
	if st.Request == nil {
		return nil
	}
	result := &metrics.Request{State: st.Name}
	start := time.Now()

	req, err := e.buildRequest(ctx, st.Request, vars)
	if err != nil {
		result.Err = err
		return result
	}

	resp, err := e.client.Do(req)
	if err != nil {
		result.Latency = time.Since(start)
		result.Err = fmt.Errorf("request failed: %w", err)
		e.logger.Debug("request failed", zap.String("state", st.Name), zap.Error(err))
		return result
	}
	defer resp.Body.Close()

	n, err := io.Copy(io.Discard, resp.Body)
	result.Latency = time.Since(start)
	result.StatusCode = resp.StatusCode
	result.Bytes = n
	if err != nil && ctx.Err() == nil {
		result.Err = fmt.Errorf("reading response: %w", err)
	}
	return result
}

func (e *HTTPExecutor) buildRequest(ctx context.Context, r *graph.Request, vars Vars) (*http.Request, error) {
	target := expandTemplate(r.URL, vars)
	if !strings.Contains(target, "://") {
		if !strings.HasPrefix(target, "/") {
			target = "/" + target
		}
		target = e.baseURL + target
	}

	var body io.Reader
	if r.Body != "" {
		body = strings.NewReader(expandTemplate(r.Body, vars))
	}
	req, err := http.NewRequestWithContext(ctx, methodOf(r), target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for k, v := range e.headers {
		req.Header.Set(k, v)
	}
	for k, v := range r.Headers {
		req.Header.Set(k, expandTemplate(v, vars))
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func methodOf(r *graph.Request) string {
	if r.Method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(r.Method)
}

// placeholderRegex matches "{{.name}}" and OpenAPI path parameters "{name}".
var placeholderRegex = regexp.MustCompile(`\{\{\s*\.(\w+)\s*\}\}|\{(\w+)\}`)

// expandTemplate replaces placeholders with session variables. Placeholders
// naming unknown variables are kept.
func expandTemplate(s string, vars Vars) string {
	if vars == nil || !strings.Contains(s, "{") {
		return s
	}
	return placeholderRegex.ReplaceAllStringFunc(s, func(m string) string {
		sub := placeholderRegex.FindStringSubmatch(m)
		name := sub[1]
		if name == "" {
			name = sub[2]
		}
		v, ok := vars.Get(name)
		if !ok {
			return m
		}
		return fmt.Sprint(v)
	})
}
