package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/fipso/contextchat/internal/llm"
	"github.com/fipso/contextchat/internal/thinking"
)

// Upstream completes a conversation with the server's own credential.
// llm.DirectTransport implements it.
type Upstream interface {
	Complete(ctx context.Context, req llm.Request) (string, error)
}

// ProxyOptions configures the /proxy endpoints, which let clients without an
// API key reach the model through this server.
type ProxyOptions struct {
	// Token is the bearer token clients must present.
	Token     string
	Upstream  Upstream
	Generator llm.Generator
}

type proxy struct {
	token    string
	upstream Upstream
	gen      llm.Generator
	logger   *zap.Logger
}

func newProxy(o ProxyOptions, logger *zap.Logger) *proxy {
	return &proxy{
		token:    o.Token,
		upstream: o.Upstream,
		gen:      o.Generator,
		logger:   logger.Named("proxy"),
	}
}

// chatResponse follows the {response, thinking} reply contract.
type chatResponse struct {
	Response string            `json:"response"`
	Thinking thinking.Thinking `json:"thinking"`
}

type generateResponse struct {
	Context *llm.GeneratedContext `json:"context"`
}

func (p *proxy) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p.token == "" {
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "proxy token is not configured"})
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(p.token)) != 1 {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (p *proxy) handleChat(w http.ResponseWriter, r *http.Request) {
	var req llm.Request
	if err := decode(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}
	if len(req.Messages) == 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "messages are required"})
		return
	}
	if p.upstream == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "upstream is not configured"})
		return
	}

	raw, err := p.upstream.Complete(r.Context(), req)
	if err != nil {
		p.fail(w, "chat", err)
		return
	}
	res := thinking.Parse(raw)
	if !res.Structured {
		p.logger.Debug("upstream reply was not structured")
	}
	writeJSON(w, http.StatusOK, chatResponse{Response: res.ResponseText, Thinking: res.Thinking})
}

func (p *proxy) handleGenerateContext(w http.ResponseWriter, r *http.Request) {
	var req llm.GenerateRequest
	if err := decode(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	if p.gen == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "context generation is not configured"})
		return
	}

	out, err := p.gen.Generate(r.Context(), req)
	if err != nil {
		p.fail(w, "generate-context", err)
		return
	}
	writeJSON(w, http.StatusOK, generateResponse{Context: out})
}

// fail reports an upstream failure without leaking its body to the client.
func (p *proxy) fail(w http.ResponseWriter, op string, err error) {
	p.logger.Warn("upstream failed", zap.String("op", op), zap.Error(err))

	var se *llm.StatusError
	switch {
	case llm.IsConfigError(err):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "upstream credential is not configured"})
	case errors.As(err, &se):
		writeJSON(w, http.StatusBadGateway, errorBody{Error: http.StatusText(se.Status)})
	case errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusGatewayTimeout, errorBody{Error: "upstream timed out"})
	default:
		writeJSON(w, http.StatusBadGateway, errorBody{Error: "upstream unreachable"})
	}
}
