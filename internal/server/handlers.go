package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/fipso/contextchat/internal/conversation"
	"github.com/fipso/contextchat/internal/storage"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// StatusResponse is the response for /api/status
type StatusResponse struct {
	HasAPIKey bool   `json:"hasApiKey"`
	LastError string `json:"lastError,omitempty"`
	Clients   int    `json:"clients"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		HasAPIKey: s.store.HasAPIKey(),
		LastError: s.store.LastError(),
		Clients:   s.hub.Len(),
	})
}

// Chats

type createChatRequest struct {
	Title string `json:"title"`
}

// updateChatRequest holds the fields a PATCH may change. Absent fields are
// left alone.
type updateChatRequest struct {
	Title    *string   `json:"title"`
	Archived *bool     `json:"archived"`
	Tags     *[]string `json:"tags"`
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Chats())
}

func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	var req createChatRequest
	if r.ContentLength != 0 {
		if err := decode(w, r, &req); err != nil {
			s.writeError(w, err)
			return
		}
	}
	chat, err := s.store.CreateChat(r.Context(), req.Title)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, chat)
}

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	chat, err := s.store.Chat(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

func (s *Server) handleUpdateChat(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req updateChatRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	chat, err := s.store.Chat(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if req.Title != nil {
		if chat, err = s.store.RenameChat(r.Context(), id, *req.Title); err != nil {
			s.writeError(w, err)
			return
		}
	}
	if req.Archived != nil {
		if chat, err = s.store.ArchiveChat(r.Context(), id, *req.Archived); err != nil {
			s.writeError(w, err)
			return
		}
	}
	if req.Tags != nil {
		if chat, err = s.store.TagChat(r.Context(), id, *req.Tags); err != nil {
			s.writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, chat)
}

func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteChat(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	chat, err := s.store.MarkRead(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

// Messages

type sendMessageRequest struct {
	Content string `json:"content"`
}

// sendFailure carries the error reply that was stored in the chat.
type sendFailure struct {
	Error   string           `json:"error"`
	Message *storage.Message `json:"message"`
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.store.Messages(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

// handleSendMessage blocks until the reply is settled. Clients that want the
// text as it arrives follow chat.message.chunk events on /ws.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	reply, err := s.store.SendMessage(r.Context(), mux.Vars(r)["id"], req.Content)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, reply)
	case errors.Is(err, conversation.ErrTurnFailed) && reply != nil:
		writeJSON(w, statusOf(err), sendFailure{Error: s.store.LastError(), Message: reply})
	default:
		s.writeError(w, err)
	}
}

// Contexts

type generateContextRequest struct {
	Prompt      string `json:"prompt"`
	Instruction string `json:"instruction"`
}

type contextFromMessagesRequest struct {
	ChatID      string   `json:"chatId"`
	MessageIDs  []string `json:"messageIds"`
	Instruction string   `json:"instruction"`
}

func (s *Server) handleListContexts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Contexts())
}

func (s *Server) handleSearchContexts(w http.ResponseWriter, r *http.Request) {
	found, err := s.store.SearchContexts(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (s *Server) handleCreateContext(w http.ResponseWriter, r *http.Request) {
	var in conversation.ContextInput
	if err := decode(w, r, &in); err != nil {
		s.writeError(w, err)
		return
	}
	c, err := s.store.CreateContext(r.Context(), in)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleGetContext(w http.ResponseWriter, r *http.Request) {
	c, err := s.store.Context(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleUpdateContext(w http.ResponseWriter, r *http.Request) {
	var in conversation.ContextInput
	if err := decode(w, r, &in); err != nil {
		s.writeError(w, err)
		return
	}
	c, err := s.store.UpdateContext(r.Context(), mux.Vars(r)["id"], in)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleDeleteContext(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteContext(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAttachContext(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	chat, err := s.store.AttachContext(r.Context(), vars["id"], vars["contextID"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

func (s *Server) handleDetachContext(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	chat, err := s.store.DetachContext(r.Context(), vars["id"], vars["contextID"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

func (s *Server) handleGenerateContext(w http.ResponseWriter, r *http.Request) {
	var req generateContextRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	c, err := s.store.GenerateContext(r.Context(), req.Prompt, req.Instruction)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleContextFromMessages(w http.ResponseWriter, r *http.Request) {
	var req contextFromMessagesRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	c, err := s.store.CreateContextFromMessages(r.Context(), req.ChatID, req.MessageIDs, req.Instruction)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// Data and settings

type apiKeyRequest struct {
	Key string `json:"key"`
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	data, err := s.store.Export(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "contextchat-export.json"))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		s.writeError(w, errors.Join(conversation.ErrInvalid, err))
		return
	}
	if err := s.store.Import(r.Context(), data); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetAPIKey(w http.ResponseWriter, r *http.Request) {
	var req apiKeyRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.store.SetAPIKey(r.Context(), req.Key); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearAPIKey(w http.ResponseWriter, r *http.Request) {
	if err := s.store.ClearAPIKey(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
