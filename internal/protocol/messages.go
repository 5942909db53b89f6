package protocol

import "time"

// AudioFrame represents PCM audio captured by a microphone device.
type AudioFrame struct {
	Device     string `json:"device"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// Transcript represents recognizer output for a device. Partial transcripts
// carry the current hypothesis for the open utterance segment; a final
// transcript closes the segment.
type Transcript struct {
	Device     string    `json:"device"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// MicStatus answers a microphone probe.
type MicStatus struct {
	Device    string    `json:"device"`
	Available bool      `json:"available"`
	Timestamp time.Time `json:"timestamp"`
}

// AudioChunk is synthesized speech delivered to a playback target.
type AudioChunk struct {
	SpeechID   string `json:"speech_id"`
	Target     string `json:"target"`
	Voice      string `json:"voice,omitempty"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Sequence   int    `json:"sequence"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// SpeechStatus reports the lifecycle of one utterance being spoken.
type SpeechStatus struct {
	SpeechID  string    `json:"speech_id"`
	Target    string    `json:"target"`
	State     string    `json:"state"` // started, completed, cancelled, failed
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatEvent mirrors a message appended to a conversation log.
type ChatEvent struct {
	SessionID  string    `json:"session_id"`
	SearchType string    `json:"search_type"`
	Role       string    `json:"role"`
	Text       string    `json:"text"`
	TraceID    string    `json:"trace_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ChatInput asks the widget to send a question, optionally switching search
// type first. It is sent as a NATS request; the reply is a ChatReply.
type ChatInput struct {
	SearchType string `json:"search_type,omitempty"`
	Text       string `json:"text"`
}

// ChatReply answers a ChatInput.
type ChatReply struct {
	SessionID string `json:"session_id,omitempty"`
	Answer    string `json:"answer,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Capability is one feature a node offers, e.g. "chat" or "stt".
type Capability struct {
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// NodeAnnouncement introduces a node and what it can do.
type NodeAnnouncement struct {
	NodeID       string       `json:"node_id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	Timestamp    time.Time    `json:"timestamp"`
}

// NodeHeartbeat keeps a node marked alive between announcements.
type NodeHeartbeat struct {
	NodeID    string    `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectAudioFramePrefix        = "audio.frame"
	SubjectTranscriptPartialPrefix = "stt.text.partial"
	SubjectTranscriptFinalPrefix   = "stt.text.final"
	SubjectMicProbePrefix          = "stt.mic.probe"
	SubjectTTSAudioPrefix          = "tts.audio"
	SubjectTTSStatus               = "tts.status"
	SubjectChatMessagePrefix       = "chat.message"
	SubjectChatInput               = "chat.input"
	SubjectNodeAnnounce            = "node.announce"
	SubjectNodeHeartbeatPrefix     = "node.heartbeat"
	SubjectNodeQuery               = "node.query"
)

// Subject joins a prefix and a token into a NATS subject.
func Subject(prefix, token string) string {
	return prefix + "." + token
}
