package router

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-chat/internal/backend"
	"github.com/loqalabs/loqa-chat/internal/bus/bustest"
	"github.com/loqalabs/loqa-chat/internal/chat"
	"github.com/loqalabs/loqa-chat/internal/config"
	"github.com/loqalabs/loqa-chat/internal/protocol"
	"github.com/stretchr/testify/require"
)

func request(t *testing.T, svc *Service, input protocol.ChatInput) protocol.ChatReply {
	t.Helper()
	data, err := json.Marshal(input)
	require.NoError(t, err)
	msg, err := svc.bus.Conn().Request(protocol.SubjectChatInput, data, 2*time.Second)
	require.NoError(t, err)
	var reply protocol.ChatReply
	require.NoError(t, json.Unmarshal(msg.Data, &reply))
	return reply
}

func TestRouterSelectsAndAsks(t *testing.T) {
	client := bustest.Connect(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	widget := chat.NewWidget(config.Default().SearchTypes, chat.Deps{Backend: backend.NewMockClient(), Logger: logger})

	svc := NewService(context.Background(), config.RouterConfig{Enabled: true}, client, widget, logger)
	require.NoError(t, svc.Start())
	t.Cleanup(svc.Close)
	require.True(t, svc.Healthy())

	reply := request(t, svc, protocol.ChatInput{Text: "hello"})
	require.Equal(t, "no session: select a search type first", reply.Error)

	reply = request(t, svc, protocol.ChatInput{SearchType: "QUERY_GPT", Text: "hello"})
	require.Empty(t, reply.Error)
	require.Equal(t, "[mock answer for hello]", reply.Answer)
	require.Equal(t, widget.SessionID(), reply.SessionID)
	require.Len(t, widget.Messages(), 3)

	reply = request(t, svc, protocol.ChatInput{SearchType: "QUERY_GPT", Text: "again"})
	require.Empty(t, reply.Error)
	require.Len(t, widget.Messages(), 5, "same search type keeps the session")

	reply = request(t, svc, protocol.ChatInput{SearchType: "UNKNOWN"})
	require.Equal(t, chat.BannerSessionFailed, reply.Error)
}

func TestRouterDisabled(t *testing.T) {
	client := bustest.Connect(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(context.Background(), config.RouterConfig{}, client, nil, logger)
	require.NoError(t, svc.Start())
	require.True(t, svc.Healthy())
	svc.Close()
}
