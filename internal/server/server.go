package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/fipso/contextchat/internal/conversation"
	"github.com/fipso/contextchat/internal/event"
	"github.com/fipso/contextchat/internal/llm"
	"github.com/fipso/contextchat/internal/storage"
)

// maxBody caps request bodies. Imports are the largest.
const maxBody = 32 << 20

// Options configures a Server.
type Options struct {
	Addr string
	// AllowedOrigins restricts CORS and websocket origins. Empty allows all.
	AllowedOrigins []string
	Store          *conversation.Store
	Bus            *event.Bus
	// Proxy enables the /proxy endpoints when set.
	Proxy  *ProxyOptions
	Logger *zap.Logger
}

// Server is the HTTP surface: the REST API, the websocket event stream and
// optionally the proxy endpoints.
type Server struct {
	store   *conversation.Store
	hub     *Hub
	origins map[string]bool
	handler http.Handler
	http    *http.Server
	logger  *zap.Logger
}

// New creates a server and registers its routes.
func New(o Options) *Server {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	s := &Server{
		store:   o.Store,
		origins: make(map[string]bool, len(o.AllowedOrigins)),
		logger:  o.Logger.Named("server"),
	}
	for _, origin := range o.AllowedOrigins {
		s.origins[origin] = true
	}
	s.hub = NewHub(o.Store, o.Bus, s.checkOrigin, o.Logger)

	router := mux.NewRouter()

	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/ws", s.hub.ServeHTTP)

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/chats", s.handleListChats).Methods(http.MethodGet)
	api.HandleFunc("/chats", s.handleCreateChat).Methods(http.MethodPost)
	api.HandleFunc("/chats/{id}", s.handleGetChat).Methods(http.MethodGet)
	api.HandleFunc("/chats/{id}", s.handleUpdateChat).Methods(http.MethodPatch)
	api.HandleFunc("/chats/{id}", s.handleDeleteChat).Methods(http.MethodDelete)
	api.HandleFunc("/chats/{id}/messages", s.handleListMessages).Methods(http.MethodGet)
	api.HandleFunc("/chats/{id}/messages", s.handleSendMessage).Methods(http.MethodPost)
	api.HandleFunc("/chats/{id}/read", s.handleMarkRead).Methods(http.MethodPost)
	api.HandleFunc("/chats/{id}/contexts/{contextID}", s.handleAttachContext).Methods(http.MethodPut)
	api.HandleFunc("/chats/{id}/contexts/{contextID}", s.handleDetachContext).Methods(http.MethodDelete)

	api.HandleFunc("/contexts", s.handleListContexts).Methods(http.MethodGet)
	api.HandleFunc("/contexts", s.handleCreateContext).Methods(http.MethodPost)
	api.HandleFunc("/contexts/search", s.handleSearchContexts).Methods(http.MethodGet)
	api.HandleFunc("/contexts/generate", s.handleGenerateContext).Methods(http.MethodPost)
	api.HandleFunc("/contexts/from-messages", s.handleContextFromMessages).Methods(http.MethodPost)
	api.HandleFunc("/contexts/{id}", s.handleGetContext).Methods(http.MethodGet)
	api.HandleFunc("/contexts/{id}", s.handleUpdateContext).Methods(http.MethodPut)
	api.HandleFunc("/contexts/{id}", s.handleDeleteContext).Methods(http.MethodDelete)

	api.HandleFunc("/export", s.handleExport).Methods(http.MethodGet)
	api.HandleFunc("/import", s.handleImport).Methods(http.MethodPost)
	api.HandleFunc("/settings/api-key", s.handleSetAPIKey).Methods(http.MethodPut)
	api.HandleFunc("/settings/api-key", s.handleClearAPIKey).Methods(http.MethodDelete)
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	if o.Proxy != nil {
		p := newProxy(*o.Proxy, o.Logger)
		proxy := router.PathPrefix("/proxy").Subrouter()
		proxy.Use(p.authMiddleware)
		proxy.HandleFunc("/chat", p.handleChat).Methods(http.MethodPost)
		proxy.HandleFunc("/generate-context", p.handleGenerateContext).Methods(http.MethodPost)
	}

	s.handler = s.corsMiddleware(router)
	s.http = &http.Server{
		Addr:              o.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
		close(errChan)
	}()

	select {
	case <-ctx.Done():
		s.Stop()
		return nil
	case err := <-errChan:
		s.hub.Close()
		return err
	}
}

// Stop closes websocket clients and shuts the listener down.
func (s *Server) Stop() {
	s.hub.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		s.logger.Warn("shutdown", zap.Error(err))
	}
	s.logger.Info("stopped")
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || len(s.origins) == 0 || s.origins[origin]
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case len(s.origins) == 0:
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case s.origins[origin]:
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("request failed", zap.Int("status", status), zap.Error(err))
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func statusOf(err error) int {
	var se *llm.StatusError
	var te *llm.TransportError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, conversation.ErrInvalid),
		errors.Is(err, llm.ErrInvalidGenerateRequest),
		errors.Is(err, storage.ErrUnsupportedSnapshot),
		errors.Is(err, storage.ErrInvalidSnapshot):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrImmutableMessage), errors.Is(err, conversation.ErrImporting):
		return http.StatusConflict
	case errors.Is(err, conversation.ErrNoGenerator), llm.IsConfigError(err):
		return http.StatusServiceUnavailable
	case errors.As(err, &se), errors.As(err, &te):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(v); err != nil {
		return errors.Join(conversation.ErrInvalid, err)
	}
	return nil
}
