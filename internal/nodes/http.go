package nodes

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/nodeflow/internal/expressions"
	"github.com/rendis/nodeflow/pkg/schema"
)

// HTTPConfig configures the HTTP handler.
type HTTPConfig struct {
	MaxResponseBody int64
	// Transport overrides the cloned default transport, mainly for tests.
	Transport http.RoundTripper
}

const defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB

// HTTPRequest implements action/http.
//
// Config: method (GET), url, headers, body, body_encoding (json|form|text|raw),
// auth {type: bearer|basic|api_key, ...}, follow_redirects (true),
// max_redirects (10), tls_skip_verify (false), fail_on_error_status (false).
// When the node references a credential and no auth is configured, the
// resolved material is sent as a bearer token.
type HTTPRequest struct {
	config HTTPConfig
}

// NewHTTPRequest creates the action/http handler.
func NewHTTPRequest(cfg HTTPConfig) *HTTPRequest {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	return &HTTPRequest{config: cfg}
}

func (h *HTTPRequest) ValidateConfig(config map[string]any) error {
	rawURL := stringParam(config, "url", "")
	if rawURL == "" {
		return schema.NewError(schema.ErrCodeValidation, "http: missing required config 'url'")
	}
	if expressions.IsExpression(rawURL) {
		return nil
	}
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return schema.NewErrorf(schema.ErrCodeValidation, "http: invalid url %q", rawURL)
	}
	return nil
}

func (h *HTTPRequest) Run(ctx context.Context, in Input) (*Result, error) {
	params := in.Config
	if params == nil {
		params = map[string]any{}
	}
	if err := h.ValidateConfig(params); err != nil {
		return nil, err
	}

	method := strings.ToUpper(stringParam(params, "method", http.MethodGet))
	rawURL := stringParam(params, "url", "")

	bodyReader, contentType, err := encodeBody(params)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, bodyReader)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeNodeExecution, "http: failed to create request").WithCause(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if hm, ok := mapParam(params, "headers"); ok {
		for k, v := range hm {
			req.Header.Set(k, fmt.Sprintf("%v", v))
		}
	}
	applyAuth(req, params, in.Credential)

	client := h.client(params)

	start := time.Now()
	resp, err := client.Do(req)
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, schema.NewErrorf(schema.ErrCodeNodeExecution, "http: request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, h.config.MaxResponseBody))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeNodeExecution, "http: failed to read response body").WithCause(err)
	}

	respContentType := resp.Header.Get("Content-Type")
	var parsedBody any
	switch {
	case len(bodyBytes) == 0:
	case strings.Contains(respContentType, "json"):
		if err := json.Unmarshal(bodyBytes, &parsedBody); err != nil {
			parsedBody = string(bodyBytes)
		}
	default:
		parsedBody = string(bodyBytes)
	}

	respHeaders := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}

	result := map[string]any{
		"status_code":  float64(resp.StatusCode),
		"status":       resp.Status,
		"headers":      respHeaders,
		"body":         parsedBody,
		"content_type": respContentType,
		"duration_ms":  float64(durationMs),
	}

	if boolParam(params, "fail_on_error_status", false) && resp.StatusCode >= 400 {
		return nil, schema.NewErrorf(schema.ErrCodeNodeExecution, "http: server returned %d", resp.StatusCode).
			WithDetails(result)
	}
	return &Result{Data: result}, nil
}

func (h *HTTPRequest) client(params map[string]any) *http.Client {
	transport := h.config.Transport
	if transport == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		if boolParam(params, "tls_skip_verify", false) {
			t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		}
		transport = t
	}
	client := &http.Client{Transport: transport}

	if !boolParam(params, "follow_redirects", true) {
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	} else if limit := intParam(params, "max_redirects", 10); limit > 0 {
		client.CheckRedirect = func(_ *http.Request, via []*http.Request) error {
			if len(via) >= limit {
				return fmt.Errorf("stopped after %d redirects", limit)
			}
			return nil
		}
	}
	return client
}

func encodeBody(params map[string]any) (io.Reader, string, error) {
	rawBody, ok := params["body"]
	if !ok || rawBody == nil {
		return nil, "", nil
	}
	switch stringParam(params, "body_encoding", "json") {
	case "form":
		formData, ok := rawBody.(map[string]any)
		if !ok {
			return nil, "", schema.NewError(schema.ErrCodeValidation, "http: form body must be an object")
		}
		vals := url.Values{}
		for k, v := range formData {
			vals.Set(k, fmt.Sprintf("%v", v))
		}
		return strings.NewReader(vals.Encode()), "application/x-www-form-urlencoded", nil
	case "text":
		return strings.NewReader(fmt.Sprintf("%v", rawBody)), "text/plain", nil
	case "raw":
		return strings.NewReader(fmt.Sprintf("%v", rawBody)), "", nil
	default:
		b, err := json.Marshal(rawBody)
		if err != nil {
			return nil, "", schema.NewError(schema.ErrCodeValidation, "http: failed to marshal body as JSON").WithCause(err)
		}
		return strings.NewReader(string(b)), "application/json", nil
	}
}

func applyAuth(req *http.Request, params map[string]any, credential []byte) {
	auth, ok := mapParam(params, "auth")
	if !ok {
		if len(credential) > 0 && req.Header.Get("Authorization") == "" {
			req.Header.Set("Authorization", "Bearer "+string(credential))
		}
		return
	}
	switch stringParam(auth, "type", "") {
	case "bearer":
		token := stringParam(auth, "token", "")
		if token == "" {
			token = string(credential)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	case "basic":
		password := stringParam(auth, "password", "")
		if password == "" {
			password = string(credential)
		}
		req.SetBasicAuth(stringParam(auth, "username", ""), password)
	case "api_key":
		if name := stringParam(auth, "header_name", ""); name != "" {
			value := stringParam(auth, "header_value", "")
			if value == "" {
				value = string(credential)
			}
			req.Header.Set(name, value)
		}
	}
}
