// Package router exposes the chat widget on the bus so other processes can
// ask questions without going through the HTTP surface.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-chat/internal/bus"
	"github.com/loqalabs/loqa-chat/internal/chat"
	"github.com/loqalabs/loqa-chat/internal/config"
	"github.com/loqalabs/loqa-chat/internal/protocol"
	"github.com/nats-io/nats.go"
)

type Service struct {
	cfg      config.RouterConfig
	bus      *bus.Client
	widget   *chat.Widget
	logger   *slog.Logger
	subInput *nats.Subscription
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewService(parent context.Context, cfg config.RouterConfig, busClient *bus.Client, widget *chat.Widget, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:    cfg,
		bus:    busClient,
		widget: widget,
		logger: logger.With(slog.String("component", "router")),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectChatInput, s.handleInput)
	if err != nil {
		return err
	}
	s.subInput = sub
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.subInput != nil {
		_ = s.subInput.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.subInput != nil
}

func (s *Service) handleInput(msg *nats.Msg) {
	var input protocol.ChatInput
	if err := json.Unmarshal(msg.Data, &input); err != nil {
		s.logger.Warn("router failed to decode chat input", slogError(err))
		s.respond(msg, protocol.ChatReply{Error: "invalid request"})
		return
	}
	if strings.TrimSpace(input.Text) == "" && input.SearchType == "" {
		s.respond(msg, protocol.ChatReply{Error: "empty request"})
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.respond(msg, s.route(s.ctx, input))
	}()
}

func (s *Service) route(ctx context.Context, input protocol.ChatInput) protocol.ChatReply {
	if input.SearchType != "" && (input.SearchType != s.widget.SearchType().Value || !s.widget.HasSession()) {
		if err := s.widget.SelectSearchType(ctx, input.SearchType); err != nil {
			s.logger.Warn("router failed to select search type", slog.String("search_type", input.SearchType), slogError(err))
			return protocol.ChatReply{Error: chat.BannerSessionFailed}
		}
	}
	if strings.TrimSpace(input.Text) == "" {
		return protocol.ChatReply{SessionID: s.widget.SessionID()}
	}

	answer, err := s.widget.Ask(ctx, input.Text)
	reply := protocol.ChatReply{SessionID: s.widget.SessionID()}
	switch {
	case errors.Is(err, chat.ErrNoSession):
		reply.Error = "no session: select a search type first"
	case errors.Is(err, chat.ErrInFlight):
		reply.Error = "a message is already being sent"
	case errors.Is(err, chat.ErrSessionReplaced):
		reply.Error = "session was replaced"
	case err != nil:
		reply.Error = chat.ErrorText(err)
	default:
		reply.Answer = answer.Text
	}
	return reply
}

func (s *Service) respond(msg *nats.Msg, reply protocol.ChatReply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Warn("router failed to encode reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("router failed to respond", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
