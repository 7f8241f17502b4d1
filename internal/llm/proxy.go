package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// ProxyName identifies the trusted proxy transport.
const ProxyName = "proxy"

// maxProxyBody caps how much of a proxy answer is read.
const maxProxyBody = 8 << 20

// ProxyOptions configures a ProxyTransport.
type ProxyOptions struct {
	URL        string
	Token      string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// ProxyTransport posts the conversation to a trusted endpoint that holds its
// own vendor credential. The endpoint answers {response, thinking} or {error}.
type ProxyTransport struct {
	url    string
	token  string
	client *http.Client
	logger *zap.Logger
}

// NewProxyTransport creates the proxy transport.
func NewProxyTransport(o ProxyOptions) *ProxyTransport {
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return &ProxyTransport{
		url:    o.URL,
		token:  o.Token,
		client: o.HTTPClient,
		logger: o.Logger.Named("proxy"),
	}
}

func (p *ProxyTransport) Name() string {
	return ProxyName
}

// Complete returns the proxy body as raw text; it already follows the
// {response, thinking} contract.
func (p *ProxyTransport) Complete(ctx context.Context, req Request) (string, error) {
	if req.Messages == nil {
		req.Messages = []Message{}
	}
	if req.Contexts == nil {
		req.Contexts = []ContextDoc{}
	}
	body, err := postJSON(ctx, p.client, ProxyName, p.url, p.token, req)
	if err != nil {
		if _, ok := err.(*TransportError); ok {
			p.logger.Warn("proxy unreachable", zap.Error(err))
		}
		return "", err
	}
	return string(body), nil
}

// Stream yields the whole reply as one chunk; the proxy does not stream.
func (p *ProxyTransport) Stream(ctx context.Context, req Request, onText func(string)) (string, error) {
	raw, err := p.Complete(ctx, req)
	if err != nil {
		return "", err
	}
	onText(raw)
	return raw, nil
}

type errorBody struct {
	Error *string `json:"error"`
}

// postJSON sends payload with a bearer token and returns the 2xx body.
// An {"error": ...} body is reported as a StatusError even on 2xx.
func postJSON(ctx context.Context, client *http.Client, transport, url, token string, payload any) ([]byte, error) {
	if url == "" {
		return nil, &ConfigError{Transport: transport, Msg: "no endpoint URL configured"}
	}
	if token == "" {
		return nil, &ConfigError{Transport: transport, Msg: "no access token configured"}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", transport, err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, &ConfigError{Transport: transport, Msg: fmt.Sprintf("invalid endpoint URL: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransportError{Transport: transport, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxProxyBody))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransportError{Transport: transport, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Transport: transport, Status: resp.StatusCode, Body: errorText(respBody)}
	}

	var eb errorBody
	if json.Unmarshal(respBody, &eb) == nil && eb.Error != nil {
		return nil, &StatusError{Transport: transport, Status: resp.StatusCode, Body: *eb.Error}
	}
	return respBody, nil
}

// errorText prefers the {"error": ...} message over the raw body.
func errorText(body []byte) string {
	var eb errorBody
	if json.Unmarshal(body, &eb) == nil && eb.Error != nil {
		return *eb.Error
	}
	return strings.TrimSpace(string(body))
}
