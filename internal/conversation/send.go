package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/fipso/contextchat/internal/event"
	"github.com/fipso/contextchat/internal/llm"
	"github.com/fipso/contextchat/internal/storage"
)

const (
	titleRunes   = 40
	previewRunes = 100
)

// ErrTurnFailed is returned by SendMessage when no reply could be produced.
// The chat still receives an AI message describing the failure.
var ErrTurnFailed = errors.New("reply failed")

// ErrImporting is returned by SendMessage and Import while an import runs.
var ErrImporting = errors.New("import in progress")

// SendMessage appends a user message to the chat and produces the AI reply.
// It blocks until the reply is settled and returns the AI message. The reply
// is finished and persisted even if ctx is canceled midway.
func (s *Store) SendMessage(ctx context.Context, chatID, text string) (*storage.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: empty message", ErrInvalid)
	}
	if _, err := s.Chat(chatID); err != nil {
		return nil, err
	}

	if err := s.beginSend(); err != nil {
		return nil, err
	}
	defer s.inflight.Done()
	ctx = context.WithoutCancel(ctx)

	logger := s.logger.With(zap.String("chat_id", chatID))

	if err := s.postUserMessage(ctx, chatID, text); err != nil {
		return nil, err
	}

	req, err := s.buildRequest(chatID)
	if err != nil {
		return nil, err
	}

	reply, err := s.postPlaceholder(ctx, chatID)
	if err != nil {
		return nil, err
	}

	s.setThinking(chatID, true)
	defer s.setThinking(chatID, false)

	start := s.now()
	completion, err := s.streamReply(ctx, req, reply)
	if err != nil {
		logger.Warn("reply failed", zap.Error(err))
		return s.settleFailure(ctx, reply, err)
	}

	logger.Info("reply received",
		zap.String("transport", completion.Transport),
		zap.Bool("structured", completion.Structured),
		zap.Duration("took", s.now().Sub(start)))
	return s.settleReply(ctx, reply, completion)
}

// beginSend registers a send with inflight unless an import is waiting on
// it.
func (s *Store) beginSend() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.importing {
		return ErrImporting
	}
	s.inflight.Add(1)
	return nil
}

func (s *Store) postUserMessage(ctx context.Context, chatID, text string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.requireChat(chatID); err != nil {
		return err
	}

	msg := storage.Message{
		ID:        s.newID(),
		ChatID:    chatID,
		Content:   text,
		Sender:    storage.SenderUser,
		Timestamp: s.stamp(chatID),
		Status:    storage.StatusSending,
	}
	if err := s.records.SaveMessage(ctx, &msg); err != nil {
		s.fail("send message", err)
		return err
	}
	s.putMessage(msg)
	s.publish(event.TypeChatMessageCreated, chatID, msg)

	msg.Status = storage.StatusDelivered
	if err := s.records.SaveMessage(ctx, &msg); err != nil {
		s.fail("send message", err)
		return err
	}
	s.putMessage(msg)
	s.publish(event.TypeChatMessageUpdated, chatID, msg)

	_, err := s.updateChat(ctx, "send message", chatID, func(c *storage.Chat) error {
		if c.Title == DefaultTitle {
			c.Title = truncate(text, titleRunes)
		}
		c.LastActivity = msg.Timestamp
		c.LastMessage = truncate(text, previewRunes)
		return nil
	})
	return err
}

func (s *Store) buildRequest(chatID string) (llm.Request, error) {
	msgs, err := s.Messages(chatID)
	if err != nil {
		return llm.Request{}, err
	}
	docs, err := s.AttachedContexts(chatID)
	if err != nil {
		return llm.Request{}, err
	}

	req := llm.Request{
		Messages: make([]llm.Message, 0, len(msgs)),
		Contexts: make([]llm.ContextDoc, 0, len(docs)),
	}
	for _, m := range msgs {
		req.Messages = append(req.Messages, llm.Message{
			ID:        m.ID,
			ChatID:    m.ChatID,
			Content:   m.Content,
			Sender:    m.Sender,
			Timestamp: m.Timestamp,
			Status:    m.Status,
		})
	}
	for _, d := range docs {
		req.Contexts = append(req.Contexts, llm.ContextDoc{
			ID:          d.ID,
			Title:       d.Title,
			Description: d.Description,
			Content:     d.Content,
			Type:        d.Type,
			Tags:        []string(d.Tags),
			Category:    d.Category,
		})
	}
	return req, nil
}

func (s *Store) postPlaceholder(ctx context.Context, chatID string) (storage.Message, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.requireChat(chatID); err != nil {
		return storage.Message{}, err
	}

	msg := storage.Message{
		ID:        s.newID(),
		ChatID:    chatID,
		Sender:    storage.SenderAI,
		Timestamp: s.stamp(chatID),
		Status:    storage.StatusSending,
	}
	if err := s.records.SaveMessage(ctx, &msg); err != nil {
		s.fail("send message", err)
		return storage.Message{}, err
	}
	s.putMessage(msg)
	s.publish(event.TypeChatMessageCreated, chatID, msg)
	return msg, nil
}

// streamReply feeds reply chunks into the placeholder until the stream ends.
func (s *Store) streamReply(ctx context.Context, req llm.Request, reply storage.Message) (*llm.Completion, error) {
	st, err := s.ai.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	seq := 0
	for st.Next() {
		chunk := st.Chunk()
		seq++
		s.patchContent(reply.ChatID, reply.ID, chunk)
		s.publish(event.TypeChatMessageChunk, reply.ChatID, event.Chunk{
			MessageID: reply.ID,
			Seq:       seq,
			Text:      chunk,
		})
	}
	return st.Result()
}

func (s *Store) settleReply(ctx context.Context, reply storage.Message, c *llm.Completion) (*storage.Message, error) {
	th := c.Thinking
	reply.Content = c.ResponseText
	reply.Thinking = &th
	reply.Status = storage.StatusDelivered

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.requireChat(reply.ChatID); err != nil {
		s.logger.Info("chat deleted during reply, dropping it", zap.String("chat_id", reply.ChatID))
		return nil, err
	}
	if err := s.records.SaveMessage(ctx, &reply); err != nil {
		s.fail("save reply", err)
		return nil, err
	}
	s.putMessage(reply)
	s.publish(event.TypeChatMessageUpdated, reply.ChatID, reply)

	if _, err := s.updateChat(ctx, "save reply", reply.ChatID, func(ch *storage.Chat) error {
		ch.LastActivity = s.now()
		ch.LastMessage = truncate(reply.Content, previewRunes)
		ch.UnreadCount++
		return nil
	}); err != nil {
		return nil, err
	}

	out := copyMessage(&reply)
	return &out, nil
}

func (s *Store) settleFailure(ctx context.Context, reply storage.Message, cause error) (*storage.Message, error) {
	reply.Content = "Error: " + describe(cause)
	reply.Thinking = nil
	reply.Status = storage.StatusDelivered

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.requireChat(reply.ChatID); err != nil {
		s.logger.Info("chat deleted during reply, dropping it", zap.String("chat_id", reply.ChatID))
		return nil, err
	}
	if err := s.records.SaveMessage(ctx, &reply); err != nil {
		s.logger.Error("failed to save error reply", zap.Error(err))
	} else {
		s.putMessage(reply)
		s.publish(event.TypeChatMessageUpdated, reply.ChatID, reply)
		_, _ = s.updateChat(ctx, "save reply", reply.ChatID, func(ch *storage.Chat) error {
			ch.LastActivity = s.now()
			ch.LastMessage = truncate(reply.Content, previewRunes)
			return nil
		})
	}
	s.fail("send message", cause)

	out := copyMessage(&reply)
	return &out, fmt.Errorf("%w: %w", ErrTurnFailed, cause)
}

func (s *Store) patchContent(chatID, msgID, chunk string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[chatID]
	for i := range msgs {
		if msgs[i].ID == msgID {
			msgs[i].Content += chunk
			return
		}
	}
}

func (s *Store) setThinking(chatID string, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if on {
		s.thinking[chatID] = true
	} else {
		delete(s.thinking, chatID)
	}
}

// stamp returns a timestamp later than every message already in the chat.
// The caller must hold writeMu.
func (s *Store) stamp(chatID string) time.Time {
	now := s.now().UTC()
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[chatID]
	if n := len(msgs); n > 0 {
		if last := msgs[n-1].Timestamp; !now.After(last) {
			now = last.Add(time.Millisecond)
		}
	}
	return now
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
