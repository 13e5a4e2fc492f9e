package server

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stinb/UnderstandForVSCode-sub000/logging"
	"github.com/stinb/UnderstandForVSCode-sub000/transport"
)

// chat is one conversation. The assistant echoes each prompt back, streamed
// word by word through understand/ai/chatUpdate.
type chat struct {
	title   string
	history []string
	// cancel stops the reply being streamed, nil when idle.
	cancel context.CancelFunc
}

type chats struct {
	mu   sync.Mutex
	byID map[string]*chat
}

func (c *chats) init() {
	c.byID = make(map[string]*chat)
}

func (c *chats) cancelAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.byID {
		if ch.cancel != nil {
			ch.cancel()
		}
	}
}

func unknownChat(id string) error {
	return transport.NewError(transport.InvalidParams, "unknown chat %q", id)
}

func CreateChat(ctx context.Context, s *Server, par json.RawMessage) (any, error) {
	var params transport.ChatCreateParams
	if err := unmarshal(par, &params); err != nil {
		return nil, err
	}
	id := uuid.NewString()
	s.chats.mu.Lock()
	s.chats.byID[id] = &chat{title: params.Title}
	s.chats.mu.Unlock()
	logging.Logger.Info("Created chat", "id", id, "title", params.Title)
	return transport.ChatCreateResult{ChatID: id}, nil
}

// SendChat starts streaming a reply and returns before it completes.
func SendChat(ctx context.Context, s *Server, par json.RawMessage) (any, error) {
	var params transport.ChatSendParams
	if err := unmarshal(par, &params); err != nil {
		return nil, err
	}

	s.chats.mu.Lock()
	ch, ok := s.chats.byID[params.ChatID]
	if !ok {
		s.chats.mu.Unlock()
		return nil, unknownChat(params.ChatID)
	}
	if ch.cancel != nil {
		s.chats.mu.Unlock()
		return nil, transport.NewError(transport.RequestFailed, "chat %q is still replying", params.ChatID)
	}
	streamCtx, cancel := context.WithCancel(s.baseContext())
	ch.cancel = cancel
	ch.history = append(ch.history, params.Text)
	s.chats.mu.Unlock()

	reply := strings.Fields("You said: " + params.Text)
	s.spawn(func() {
		defer func() {
			cancel()
			s.chats.mu.Lock()
			ch.cancel = nil
			s.chats.mu.Unlock()
			s.notify(transport.MethodAIChatUpdate, transport.ChatUpdateParams{ChatID: params.ChatID, Done: true})
		}()
		for _, word := range reply {
			if !s.chatPause(streamCtx) {
				return
			}
			s.notify(transport.MethodAIChatUpdate, transport.ChatUpdateParams{ChatID: params.ChatID, Text: word + " "})
		}
	})
	return nil, nil
}

func (s *Server) chatPause(ctx context.Context) bool {
	if s.opts.ChatStep <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(s.opts.ChatStep)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// CancelChat stops the reply in progress, reporting whether there was one.
func CancelChat(ctx context.Context, s *Server, par json.RawMessage) (any, error) {
	var params transport.ChatParams
	if err := unmarshal(par, &params); err != nil {
		return nil, err
	}
	s.chats.mu.Lock()
	defer s.chats.mu.Unlock()
	ch, ok := s.chats.byID[params.ChatID]
	if !ok {
		return nil, unknownChat(params.ChatID)
	}
	if ch.cancel == nil {
		return false, nil
	}
	ch.cancel()
	return true, nil
}

func DeleteChat(ctx context.Context, s *Server, par json.RawMessage) (any, error) {
	var params transport.ChatParams
	if err := unmarshal(par, &params); err != nil {
		return nil, err
	}
	s.chats.mu.Lock()
	defer s.chats.mu.Unlock()
	ch, ok := s.chats.byID[params.ChatID]
	if !ok {
		return nil, unknownChat(params.ChatID)
	}
	if ch.cancel != nil {
		ch.cancel()
	}
	delete(s.chats.byID, params.ChatID)
	return nil, nil
}
