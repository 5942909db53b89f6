package stt

import (
	"context"
	"testing"
	"time"

	"github.com/loqalabs/loqa-chat/internal/bus/bustest"
	"github.com/loqalabs/loqa-chat/internal/config"
	"github.com/loqalabs/loqa-chat/internal/protocol"
	"github.com/stretchr/testify/require"
)

func TestAccumulator(t *testing.T) {
	var acc Accumulator
	text, changed := acc.Apply("hel", false)
	require.True(t, changed)
	require.Equal(t, "hel", text)

	text, _ = acc.Apply("hello", false)
	require.Equal(t, "hello", text)

	text, changed = acc.Apply("hello", true)
	require.False(t, changed)
	require.Equal(t, "hello", text)

	text, _ = acc.Apply("world", false)
	require.Equal(t, "hello world", text)

	text, _ = acc.Apply("", true)
	require.Equal(t, "hello", text)
}

func TestBusListenerFollowsDevice(t *testing.T) {
	client := bustest.Connect(t)
	listener := NewBusListener(client, "kitchen", 100*time.Millisecond, bustest.Logger())
	require.True(t, listener.Supported())
	require.False(t, listener.MicrophoneAvailable(context.Background()), "no transcriber answers probes yet")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates, err := listener.Listen(ctx)
	require.NoError(t, err)
	require.NoError(t, client.Conn().Flush())

	publish := func(prefix, text string, partial bool) {
		require.NoError(t, client.PublishJSON(protocol.Subject(prefix, "kitchen"), protocol.Transcript{Device: "kitchen", Text: text, Partial: partial}))
	}
	publish(protocol.SubjectTranscriptPartialPrefix, "turn on", true)
	require.Equal(t, "turn on", recv(t, updates))
	publish(protocol.SubjectTranscriptFinalPrefix, "turn on the lights", false)
	require.Equal(t, "turn on the lights", recv(t, updates))
	require.NoError(t, client.PublishJSON(protocol.Subject(protocol.SubjectTranscriptPartialPrefix, "garage"), protocol.Transcript{Text: "ignored", Partial: true}))
	publish(protocol.SubjectTranscriptPartialPrefix, "please", true)
	require.Equal(t, "turn on the lights please", recv(t, updates))

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-updates:
			return !ok
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}

func TestTranscriberPublishesAndAnswersProbe(t *testing.T) {
	client := bustest.Connect(t)
	cfg := config.STTConfig{Enabled: true, Mode: "mock", Device: "desk", SampleRate: 16000, Channels: 1}
	tr := NewTranscriber(context.Background(), cfg, client, NewMockRecognizer(), bustest.Logger())
	require.NoError(t, tr.Start())
	t.Cleanup(tr.Close)
	require.True(t, tr.Healthy())

	listener := NewBusListener(client, "desk", time.Second, bustest.Logger())
	require.True(t, listener.MicrophoneAvailable(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates, err := listener.Listen(ctx)
	require.NoError(t, err)
	require.NoError(t, client.Conn().Flush())

	frame := protocol.AudioFrame{Device: "desk", SampleRate: 16000, Channels: 1, PCM: make([]byte, 32000), Final: true}
	require.NoError(t, client.PublishJSON(protocol.Subject(protocol.SubjectAudioFramePrefix, "desk"), frame))
	require.Equal(t, "heard 1.0 seconds of audio", recv(t, updates))
}

func recv(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for transcript")
		return ""
	}
}
