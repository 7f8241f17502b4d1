package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fipso/contextchat/internal/conversation"
	"github.com/fipso/contextchat/internal/event"
	"github.com/fipso/contextchat/internal/llm"
	"github.com/fipso/contextchat/internal/storage"
	"github.com/fipso/contextchat/internal/thinking"
)

const (
	proxyToken = "proxy-secret"
	reply      = `{"response": "Hello there", "thinking": {"confidenceLevel": "high"}}`
)

type stubTransport struct {
	mu    sync.Mutex
	reply string
	err   error
}

func (f *stubTransport) Name() string { return llm.ProxyName }

func (f *stubTransport) set(reply string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reply, f.err = reply, err
}

func (f *stubTransport) Complete(ctx context.Context, req llm.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reply, f.err
}

func (f *stubTransport) Stream(ctx context.Context, req llm.Request, onText func(string)) (string, error) {
	raw, err := f.Complete(ctx, req)
	if err != nil {
		return "", err
	}
	onText(raw)
	return raw, nil
}

type stubValidator struct{}

func (stubValidator) Validate(ctx context.Context, key string) error {
	if key == "sk-good" {
		return nil
	}
	return &llm.StatusError{Transport: llm.DirectName, Status: 401, Body: "invalid x-api-key"}
}

type stubGenerator struct{}

func (stubGenerator) Generate(ctx context.Context, req llm.GenerateRequest) (*llm.GeneratedContext, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	title := "From prompt"
	if req.Mode == llm.ModeFromMessages {
		title = "From messages"
	}
	return &llm.GeneratedContext{Title: title, Content: "generated body", Tags: []string{"auto"}}, nil
}

type testServer struct {
	srv      *Server
	http     *httptest.Server
	store    *conversation.Store
	model    *stubTransport
	upstream *stubTransport
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	records, err := storage.Open(filepath.Join(t.TempDir(), "chat.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { records.Close() })

	ts := &testServer{
		model:    &stubTransport{reply: reply},
		upstream: &stubTransport{reply: reply},
	}
	keys := llm.NewKeyRing()
	bus := event.NewBus(nil)
	t.Cleanup(bus.Close)

	ts.store = conversation.New(conversation.Options{
		Records:   records,
		AI:        llm.NewClient(llm.Options{Proxy: ts.model, Validator: stubValidator{}, Credentials: keys}),
		Generator: stubGenerator{},
		Keys:      keys,
		Bus:       bus,
	})
	require.NoError(t, ts.store.Load(context.Background()))

	ts.srv = New(Options{
		Store: ts.store,
		Bus:   bus,
		Proxy: &ProxyOptions{Token: proxyToken, Upstream: ts.upstream, Generator: stubGenerator{}},
	})
	ts.http = httptest.NewServer(ts.srv.Handler())
	t.Cleanup(func() {
		ts.srv.hub.Close()
		ts.http.Close()
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.http.URL+path, r)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealthAndCORS(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.http.URL + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))

	req, _ := http.NewRequest(http.MethodOptions, ts.http.URL+"/api/chats", nil)
	req.Header.Set("Origin", "https://app.test")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestCORS_AllowedOrigins(t *testing.T) {
	s := New(Options{AllowedOrigins: []string{"https://app.test"}})
	h := s.Handler()

	for origin, want := range map[string]string{
		"https://app.test":  "https://app.test",
		"https://evil.test": "",
	} {
		req := httptest.NewRequest(http.MethodOptions, "/api/chats", nil)
		req.Header.Set("Origin", origin)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, want, rec.Header().Get("Access-Control-Allow-Origin"), origin)
	}
}

func TestChatLifecycle(t *testing.T) {
	ts := newTestServer(t)

	var chat storage.Chat
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/chats", map[string]string{}, &chat))
	assert.Equal(t, conversation.DefaultTitle, chat.Title)

	var msg storage.Message
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/chats/"+chat.ID+"/messages",
		map[string]string{"content": "Plan my trip"}, &msg))
	assert.Equal(t, "Hello there", msg.Content)
	assert.Equal(t, storage.SenderAI, msg.Sender)
	require.NotNil(t, msg.Thinking)
	assert.Equal(t, thinking.High, msg.Thinking.ConfidenceLevel)

	var msgs []storage.Message
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/chats/"+chat.ID+"/messages", nil, &msgs))
	assert.Len(t, msgs, 2)

	var got storage.Chat
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/chats/"+chat.ID, nil, &got))
	assert.Equal(t, "Plan my trip", got.Title)
	assert.Equal(t, 1, got.UnreadCount)

	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPatch, "/api/chats/"+chat.ID,
		map[string]any{"title": "Holiday", "archived": true, "tags": []string{"travel"}}, &got))
	assert.Equal(t, "Holiday", got.Title)
	assert.True(t, got.Archived)
	assert.Equal(t, []string{"travel"}, []string(got.Tags))

	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/chats/"+chat.ID+"/read", nil, &got))
	assert.Zero(t, got.UnreadCount)

	var chats []storage.Chat
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/chats", nil, &chats))
	assert.Len(t, chats, 1)

	assert.Equal(t, http.StatusNoContent, ts.do(t, http.MethodDelete, "/api/chats/"+chat.ID, nil, nil))
	var e errorBody
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/chats/"+chat.ID, nil, &e))
	assert.Contains(t, e.Error, "not found")
}

func TestSendMessage_Errors(t *testing.T) {
	ts := newTestServer(t)

	var chat storage.Chat
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/chats", map[string]string{"title": "x"}, &chat))

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/api/chats/"+chat.ID+"/messages", map[string]string{"content": " "}, nil))
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/api/chats/"+chat.ID+"/messages", "{", nil))
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/api/chats/nope/messages", map[string]string{"content": "hi"}, nil))

	ts.model.set("", &llm.TransportError{Transport: llm.ProxyName, Err: errors.New("connection refused")})
	var failure sendFailure
	assert.Equal(t, http.StatusBadGateway, ts.do(t, http.MethodPost, "/api/chats/"+chat.ID+"/messages", map[string]string{"content": "hi"}, &failure))
	require.NotNil(t, failure.Message)
	assert.True(t, strings.HasPrefix(failure.Message.Content, "Error: "))
	assert.Contains(t, failure.Error, "Could not reach")

	var status StatusResponse
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/status", nil, &status))
	assert.Equal(t, failure.Error, status.LastError)
}

func TestContextRoutes(t *testing.T) {
	ts := newTestServer(t)

	var chat storage.Chat
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/chats", map[string]string{"title": "x"}, &chat))

	var doc storage.Context
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/contexts", conversation.ContextInput{
		Title:   "Packing list",
		Content: "passport, charger",
		Tags:    []string{"travel"},
	}, &doc))
	assert.Equal(t, len("passport, charger"), doc.Size)

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/api/contexts", conversation.ContextInput{}, nil))

	var found []storage.Context
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/contexts/search?q=TRAVEL", nil, &found))
	require.Len(t, found, 1)
	assert.Equal(t, doc.ID, found[0].ID)

	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPut, "/api/chats/"+chat.ID+"/contexts/"+doc.ID, nil, &chat))
	assert.Equal(t, []string{doc.ID}, chat.AttachedContextIDs)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/contexts/"+doc.ID, nil, &doc))
	assert.Equal(t, 1, doc.UsageCount)

	require.Equal(t, http.StatusOK, ts.do(t, http.MethodDelete, "/api/chats/"+chat.ID+"/contexts/"+doc.ID, nil, &chat))
	assert.Empty(t, chat.AttachedContextIDs)

	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPut, "/api/contexts/"+doc.ID, conversation.ContextInput{
		Title:   "Packing list v2",
		Content: "passport",
	}, &doc))
	assert.Equal(t, "Packing list v2", doc.Title)
	assert.Equal(t, 1, doc.UsageCount)

	var generated storage.Context
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/contexts/generate",
		map[string]string{"prompt": "what to pack"}, &generated))
	assert.Equal(t, "From prompt", generated.Title)
	assert.Equal(t, storage.ContextKnowledge, generated.Type)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/api/contexts/generate", map[string]string{}, nil))

	var msg storage.Message
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/chats/"+chat.ID+"/messages", map[string]string{"content": "hi"}, &msg))
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/contexts/from-messages", map[string]any{
		"chatId":     chat.ID,
		"messageIds": []string{msg.ID},
	}, &generated))
	assert.Equal(t, "From messages", generated.Title)
	assert.Equal(t, storage.ContextChat, generated.Type)

	var all []storage.Context
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/contexts", nil, &all))
	assert.Len(t, all, 3)

	assert.Equal(t, http.StatusNoContent, ts.do(t, http.MethodDelete, "/api/contexts/"+doc.ID, nil, nil))
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/contexts/"+doc.ID, nil, nil))
}

func TestExportImport(t *testing.T) {
	ts := newTestServer(t)

	var chat storage.Chat
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/chats", map[string]string{"title": "keep"}, &chat))

	resp, err := http.Get(ts.http.URL + "/api/export")
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "attachment")

	require.Equal(t, http.StatusNoContent, ts.do(t, http.MethodDelete, "/api/chats/"+chat.ID, nil, nil))
	require.Equal(t, http.StatusNoContent, ts.do(t, http.MethodPost, "/api/import", string(data), nil))

	var chats []storage.Chat
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/chats", nil, &chats))
	require.Len(t, chats, 1)
	assert.Equal(t, "keep", chats[0].Title)

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/api/import", "garbage", nil))
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/api/import", `{"version": 9}`, nil))
}

func TestAPIKeyRoutes(t *testing.T) {
	ts := newTestServer(t)

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPut, "/api/settings/api-key", map[string]string{"key": ""}, nil))
	assert.Equal(t, http.StatusBadGateway, ts.do(t, http.MethodPut, "/api/settings/api-key", map[string]string{"key": "sk-bad"}, nil))
	require.Equal(t, http.StatusNoContent, ts.do(t, http.MethodPut, "/api/settings/api-key", map[string]string{"key": "sk-good"}, nil))

	var status StatusResponse
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/status", nil, &status))
	assert.True(t, status.HasAPIKey)

	require.Equal(t, http.StatusNoContent, ts.do(t, http.MethodDelete, "/api/settings/api-key", nil, nil))
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/status", nil, &status))
	assert.False(t, status.HasAPIKey)
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{storage.ErrNotFound, http.StatusNotFound},
		{conversation.ErrInvalid, http.StatusBadRequest},
		{storage.ErrImmutableMessage, http.StatusConflict},
		{conversation.ErrImporting, http.StatusConflict},
		{&llm.ConfigError{Transport: "client", Msg: "x"}, http.StatusServiceUnavailable},
		{&llm.StatusError{Transport: llm.DirectName, Status: 429}, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusOf(tt.err), tt.err.Error())
	}
}

func readFrame(t *testing.T, conn *websocket.Conn, want func(WSMessage) bool) WSMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var msg WSMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		if want(msg) {
			return msg
		}
	}
}

func eventOfType(typ string) func(WSMessage) bool {
	return func(msg WSMessage) bool {
		if msg.Type != "event" {
			return false
		}
		var ev struct {
			Type string `json:"type"`
		}
		return json.Unmarshal(msg.Payload, &ev) == nil && ev.Type == typ
	}
}

func TestWebSocket_EventStream(t *testing.T) {
	ts := newTestServer(t)

	url := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return ts.srv.hub.Len() == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(WSMessage{Type: "ping"}))
	readFrame(t, conn, func(m WSMessage) bool { return m.Type == "pong" })

	var chat storage.Chat
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/chats", map[string]string{"title": "live"}, &chat))
	frame := readFrame(t, conn, eventOfType(event.TypeChatCreated))
	var ev struct {
		ChatID string       `json:"chatId"`
		Data   storage.Chat `json:"data"`
	}
	require.NoError(t, json.Unmarshal(frame.Payload, &ev))
	assert.Equal(t, chat.ID, ev.ChatID)
	assert.Equal(t, "live", ev.Data.Title)

	payload, err := json.Marshal(IncomingChatMessage{ChatID: chat.ID, Content: "hello"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(WSMessage{Type: "chat.send", Payload: payload}))

	frame = readFrame(t, conn, eventOfType(event.TypeChatMessageChunk))
	var chunk struct {
		Data event.Chunk `json:"data"`
	}
	require.NoError(t, json.Unmarshal(frame.Payload, &chunk))
	assert.Equal(t, 1, chunk.Data.Seq)
	assert.NotEmpty(t, chunk.Data.Text)
	assert.True(t, strings.HasPrefix("Hello there", chunk.Data.Text), chunk.Data.Text)

	payload, err = json.Marshal(IncomingChatMessage{ChatID: "missing", Content: "hello"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(WSMessage{Type: "chat.send", Payload: payload}))
	readFrame(t, conn, func(m WSMessage) bool { return m.Type == "error" })

	ts.store.Close()
}
