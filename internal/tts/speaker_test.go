package tts

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-chat/internal/bus/bustest"
	"github.com/loqalabs/loqa-chat/internal/config"
	"github.com/loqalabs/loqa-chat/internal/protocol"
	"github.com/stretchr/testify/require"
)

func TestSelectVoice(t *testing.T) {
	voices := []string{"Alex", "Google UK English female", "Samantha"}
	require.Equal(t, "Google UK English female", SelectVoice(voices, []string{"female", "Samantha"}))
	require.Equal(t, "Samantha", SelectVoice([]string{"Alex", "Samantha"}, []string{"female", "Samantha"}))
	require.Empty(t, SelectVoice([]string{"Alex"}, []string{"female", "Samantha"}))
	require.Empty(t, SelectVoice(voices, nil))
}

func testTTSConfig() config.TTSConfig {
	cfg := config.Default().TTS
	cfg.Target = "desk"
	return cfg
}

func TestSpeakerPublishesAudioAndStatus(t *testing.T) {
	client := bustest.Connect(t)
	audio, err := client.Conn().SubscribeSync(protocol.Subject(protocol.SubjectTTSAudioPrefix, "desk"))
	require.NoError(t, err)
	status, err := client.Conn().SubscribeSync(protocol.SubjectTTSStatus)
	require.NoError(t, err)
	require.NoError(t, client.Conn().Flush())

	var started, ended atomic.Int32
	cfg := testTTSConfig()
	speaker := NewSpeaker(context.Background(), cfg, NewMockSynth(cfg.SampleRate, cfg.Channels), client, Callbacks{
		OnStart: func(string) { started.Add(1) },
		OnEnd:   func(string) { ended.Add(1) },
	}, bustest.Logger())
	t.Cleanup(speaker.Close)
	require.Equal(t, "en-US-female", speaker.Voice())

	id := speaker.Speak("hi there")
	require.NotEmpty(t, id)
	require.Eventually(t, func() bool { return ended.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.False(t, speaker.Speaking())
	require.Equal(t, int32(1), started.Load())

	var chunks int
	for {
		msg, err := audio.NextMsg(500 * time.Millisecond)
		require.NoError(t, err)
		var chunk protocol.AudioChunk
		require.NoError(t, json.Unmarshal(msg.Data, &chunk))
		require.Equal(t, id, chunk.SpeechID)
		chunks++
		if chunk.Final {
			break
		}
	}
	require.Equal(t, 3, chunks)

	var states []string
	for i := 0; i < 2; i++ {
		msg, err := status.NextMsg(500 * time.Millisecond)
		require.NoError(t, err)
		var st protocol.SpeechStatus
		require.NoError(t, json.Unmarshal(msg.Data, &st))
		states = append(states, st.State)
	}
	require.Equal(t, []string{"started", "completed"}, states)
}

func TestSpeakCancelsPrevious(t *testing.T) {
	cfg := testTTSConfig()
	speaker := NewSpeaker(context.Background(), cfg, NewMockSynth(cfg.SampleRate, cfg.Channels), nil, Callbacks{}, bustest.Logger())
	t.Cleanup(speaker.Close)

	speaker.Speak("one two three four five six seven eight nine ten")
	require.True(t, speaker.Speaking())
	speaker.Speak("short")
	require.True(t, speaker.Speaking())
	require.Eventually(t, func() bool { return !speaker.Speaking() }, 2*time.Second, 5*time.Millisecond)

	speaker.Speak("one two three four five six seven eight nine ten")
	speaker.Cancel()
	require.False(t, speaker.Speaking())
}

type failingSynth struct{}

func (failingSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	errs <- errors.New("voice unavailable")
	close(chunks)
	close(errs)
	return chunks, errs
}

func TestSpeakerReportsErrors(t *testing.T) {
	var failed atomic.Int32
	speaker := NewSpeaker(context.Background(), testTTSConfig(), failingSynth{}, nil, Callbacks{
		OnError: func(string, error) { failed.Add(1) },
	}, bustest.Logger())
	t.Cleanup(speaker.Close)

	speaker.Speak("hello")
	require.Eventually(t, func() bool { return failed.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.False(t, speaker.Speaking())
}

func TestSpeakIgnoresBlankText(t *testing.T) {
	speaker := NewSpeaker(context.Background(), testTTSConfig(), failingSynth{}, nil, Callbacks{}, bustest.Logger())
	t.Cleanup(speaker.Close)
	require.Empty(t, speaker.Speak("   "))
	require.False(t, speaker.Speaking())
}
