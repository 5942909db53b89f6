package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Backend     BackendConfig    `yaml:"backend"`
	SearchTypes []SearchType     `yaml:"search_types"`
	Voice       VoiceConfig      `yaml:"voice"`
	STT         STTConfig        `yaml:"stt"`
	TTS         TTSConfig        `yaml:"tts"`
	Diagram     DiagramConfig    `yaml:"diagram"`
	Router      RouterConfig     `yaml:"router"`
	Node        NodeConfig       `yaml:"node"`
	Console     ConsoleConfig    `yaml:"console"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// BackendConfig points at the remote chat service.
type BackendConfig struct {
	Mode      string    `yaml:"mode"` // http, mock, llm
	Endpoint  string    `yaml:"endpoint"`
	TimeoutMS int       `yaml:"timeout_ms"`
	LLM       LLMConfig `yaml:"llm"`
}

// LLMConfig configures the local model used when backend.mode is llm.
type LLMConfig struct {
	Mode         string  `yaml:"mode"` // ollama, exec, mock
	Endpoint     string  `yaml:"endpoint"`
	Command      string  `yaml:"command"`
	Model        string  `yaml:"model"`
	System       string  `yaml:"system"`
	MaxTokens    int     `yaml:"max_tokens"`
	Temperature  float64 `yaml:"temperature"`
	HistoryTurns int     `yaml:"history_turns"`
}

// SearchType is a backend routing target selectable by the user.
type SearchType struct {
	Value    string `yaml:"value"`
	Label    string `yaml:"label"`
	ClientID string `yaml:"client_id"`
}

type VoiceConfig struct {
	SilenceDelayMS int `yaml:"silence_delay_ms"`
	MaxActivations int `yaml:"max_activations"`
}

type STTConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Mode           string `yaml:"mode"`
	Command        string `yaml:"command"`
	ModelPath      string `yaml:"model_path"`
	Language       string `yaml:"language"`
	Device         string `yaml:"device"`
	SampleRate     int    `yaml:"sample_rate"`
	Channels       int    `yaml:"channels"`
	PartialEveryMS int    `yaml:"partial_every_ms"`
	PublishInterim bool   `yaml:"publish_interim"`
	ProbeTimeoutMS int    `yaml:"probe_timeout_ms"`
}

type TTSConfig struct {
	Enabled         bool     `yaml:"enabled"`
	Mode            string   `yaml:"mode"`
	Command         string   `yaml:"command"`
	Voices          []string `yaml:"voices"`
	PreferredVoices []string `yaml:"preferred_voices"`
	Rate            float64  `yaml:"rate"`
	Pitch           float64  `yaml:"pitch"`
	Volume          float64  `yaml:"volume"`
	Target          string   `yaml:"target"`
	SampleRate      int      `yaml:"sample_rate"`
	Channels        int      `yaml:"channels"`
}

type DiagramConfig struct {
	BaseURL    string `yaml:"base_url"`
	Title      string `yaml:"title"`
	Source     string `yaml:"source"`
	ScriptURL  string `yaml:"script_url"`
	Theme      string `yaml:"theme"`
	PrimaryHex string `yaml:"primary_color"`
}

// RouterConfig controls the bus entry point that accepts questions from
// other processes.
type RouterConfig struct {
	Enabled bool `yaml:"enabled"`
}

// NodeConfig identifies this widget process to its peers on the bus.
type NodeConfig struct {
	ID                string `yaml:"id"`
	Role              string `yaml:"role"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type ConsoleConfig struct {
	HistoryFile string `yaml:"history_file"`
	LogFile     string `yaml:"log_file"`
	LogMaxMB    int    `yaml:"log_max_mb"`
}

const defaultDiagramSource = `sequenceDiagram
    title Shield Value Service Flow

    participant Client
    participant Shield
    participant Vision

    Client->>Shield: /banner
    Shield->>Vision: Inter-Service Call
    Vision->>Shield: Inter-Service Call

    Note over Client,Vision: Shield Value Service Flow`

func Default() Config {
	return Config{
		RuntimeName: "loqa-chat",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-chat.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Backend: BackendConfig{
			Mode:      "http",
			Endpoint:  "http://localhost:8000",
			TimeoutMS: 60000,
			LLM: LLMConfig{
				Mode:         "ollama",
				Endpoint:     "http://localhost:11434",
				Model:        "llama3.2:latest",
				System:       "You answer questions for the selected search domain. Keep answers short.",
				MaxTokens:    512,
				Temperature:  0.2,
				HistoryTurns: 6,
			},
		},
		SearchTypes: []SearchType{
			{Value: "OPERATOR_SEARCH", Label: "Operator Search", ClientID: "b37deea6401ddb33423dd5c83cbbea09"},
			{Value: "DEV_SEARCH", Label: "Developer Experience", ClientID: "69876ccedb16b10df730febee45a3104"},
			{Value: "QUERY_GPT", Label: "Query GPT", ClientID: "207fe2f9f58345293d678d3c6376d5a0"},
			{Value: "PRODUCT_GPT", Label: "Product GPT", ClientID: "2b2165cc8f35d12465794ea6b9590df9"},
		},
		Voice: VoiceConfig{
			SilenceDelayMS: 2000,
			MaxActivations: 75,
		},
		STT: STTConfig{
			Enabled:        false,
			Mode:           "mock",
			Device:         "default",
			SampleRate:     16000,
			Channels:       1,
			PartialEveryMS: 800,
			PublishInterim: true,
			ProbeTimeoutMS: 250,
		},
		TTS: TTSConfig{
			Enabled:         true,
			Mode:            "mock",
			Voices:          []string{"en-US-female", "Samantha", "en-US-male"},
			PreferredVoices: []string{"female", "Samantha"},
			Rate:            1.0,
			Pitch:           1.0,
			Volume:          1.0,
			Target:          "default",
			SampleRate:      22050,
			Channels:        1,
		},
		Diagram: DiagramConfig{
			BaseURL:    "",
			Title:      "Shield Value Service Flow",
			Source:     defaultDiagramSource,
			ScriptURL:  "https://cdn.jsdelivr.net/npm/mermaid@10.6.1/dist/mermaid.min.js",
			Theme:      "default",
			PrimaryHex: "#3498db",
		},
		Router: RouterConfig{
			Enabled: true,
		},
		Node: NodeConfig{
			ID:                "chat-local",
			Role:              "widget",
			HeartbeatInterval: 5000,
			HeartbeatTimeout:  15000,
		},
		Console: ConsoleConfig{
			HistoryFile: "./data/console_history",
			LogFile:     "./logs/loqa-chat.log",
			LogMaxMB:    10,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// FindSearchType looks a search type up by value.
func (c Config) FindSearchType(value string) (SearchType, bool) {
	for _, st := range c.SearchTypes {
		if st.Value == value {
			return st, true
		}
	}
	return SearchType{}, false
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_CHAT_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_CHAT_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_CHAT_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_CHAT_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_CHAT_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_CHAT_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_CHAT_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_CHAT_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "LOQA_CHAT_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_CHAT_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_CHAT_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_CHAT_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_CHAT_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_CHAT_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_CHAT_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_CHAT_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_CHAT_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_CHAT_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_CHAT_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_CHAT_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_CHAT_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_CHAT_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Backend.Mode, "LOQA_CHAT_BACKEND_MODE")
	overrideString(&cfg.Backend.Endpoint, "LOQA_CHAT_BACKEND_ENDPOINT")
	overrideInt(&cfg.Backend.TimeoutMS, "LOQA_CHAT_BACKEND_TIMEOUT_MS")
	overrideString(&cfg.Backend.LLM.Mode, "LOQA_CHAT_LLM_MODE")
	overrideString(&cfg.Backend.LLM.Endpoint, "LOQA_CHAT_LLM_ENDPOINT")
	overrideString(&cfg.Backend.LLM.Command, "LOQA_CHAT_LLM_COMMAND")
	overrideString(&cfg.Backend.LLM.Model, "LOQA_CHAT_LLM_MODEL")
	overrideInt(&cfg.Backend.LLM.MaxTokens, "LOQA_CHAT_LLM_MAX_TOKENS")
	overrideFloat(&cfg.Backend.LLM.Temperature, "LOQA_CHAT_LLM_TEMPERATURE")
	overrideInt(&cfg.Voice.SilenceDelayMS, "LOQA_CHAT_VOICE_SILENCE_DELAY_MS")
	overrideInt(&cfg.Voice.MaxActivations, "LOQA_CHAT_VOICE_MAX_ACTIVATIONS")
	overrideBool(&cfg.STT.Enabled, "LOQA_CHAT_STT_ENABLED")
	overrideString(&cfg.STT.Mode, "LOQA_CHAT_STT_MODE")
	overrideString(&cfg.STT.Command, "LOQA_CHAT_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "LOQA_CHAT_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "LOQA_CHAT_STT_LANGUAGE")
	overrideString(&cfg.STT.Device, "LOQA_CHAT_STT_DEVICE")
	overrideInt(&cfg.STT.SampleRate, "LOQA_CHAT_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.Channels, "LOQA_CHAT_STT_CHANNELS")
	overrideInt(&cfg.STT.PartialEveryMS, "LOQA_CHAT_STT_PARTIAL_EVERY_MS")
	overrideBool(&cfg.STT.PublishInterim, "LOQA_CHAT_STT_PUBLISH_INTERIM")
	overrideInt(&cfg.STT.ProbeTimeoutMS, "LOQA_CHAT_STT_PROBE_TIMEOUT_MS")
	overrideBool(&cfg.TTS.Enabled, "LOQA_CHAT_TTS_ENABLED")
	overrideString(&cfg.TTS.Mode, "LOQA_CHAT_TTS_MODE")
	overrideString(&cfg.TTS.Command, "LOQA_CHAT_TTS_COMMAND")
	overrideStringSlice(&cfg.TTS.Voices, "LOQA_CHAT_TTS_VOICES")
	overrideStringSlice(&cfg.TTS.PreferredVoices, "LOQA_CHAT_TTS_PREFERRED_VOICES")
	overrideFloat(&cfg.TTS.Rate, "LOQA_CHAT_TTS_RATE")
	overrideFloat(&cfg.TTS.Pitch, "LOQA_CHAT_TTS_PITCH")
	overrideFloat(&cfg.TTS.Volume, "LOQA_CHAT_TTS_VOLUME")
	overrideString(&cfg.TTS.Target, "LOQA_CHAT_TTS_TARGET")
	overrideString(&cfg.Diagram.BaseURL, "LOQA_CHAT_DIAGRAM_BASE_URL")
	overrideBool(&cfg.Router.Enabled, "LOQA_CHAT_ROUTER_ENABLED")
	overrideString(&cfg.Node.ID, "LOQA_CHAT_NODE_ID")
	overrideString(&cfg.Node.Role, "LOQA_CHAT_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "LOQA_CHAT_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LOQA_CHAT_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.Console.HistoryFile, "LOQA_CHAT_CONSOLE_HISTORY_FILE")
	overrideString(&cfg.Console.LogFile, "LOQA_CHAT_CONSOLE_LOG_FILE")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" && cfg.EventStore.RetentionMode != "ephemeral" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Backend.Mode {
	case "http":
		if cfg.Backend.Endpoint == "" {
			return errors.New("backend.endpoint must be set when mode=http")
		}
	case "mock":
	case "llm":
		switch cfg.Backend.LLM.Mode {
		case "ollama":
			if cfg.Backend.LLM.Endpoint == "" {
				return errors.New("backend.llm.endpoint must be set when mode=ollama")
			}
		case "exec":
			if cfg.Backend.LLM.Command == "" {
				return errors.New("backend.llm.command must be set when mode=exec")
			}
		case "mock":
		default:
			return errors.New("backend.llm.mode must be one of ollama|exec|mock")
		}
		if cfg.Backend.LLM.MaxTokens < 0 || cfg.Backend.LLM.HistoryTurns < 0 {
			return errors.New("backend.llm.max_tokens and history_turns must be >= 0")
		}
	default:
		return errors.New("backend.mode must be one of http|mock|llm")
	}
	if cfg.Backend.TimeoutMS <= 0 {
		return errors.New("backend.timeout_ms must be positive")
	}
	if len(cfg.SearchTypes) == 0 {
		return errors.New("search_types must not be empty")
	}
	seen := make(map[string]struct{}, len(cfg.SearchTypes))
	for _, st := range cfg.SearchTypes {
		if st.Value == "" || st.ClientID == "" {
			return errors.New("search_types entries need value and client_id")
		}
		if _, dup := seen[st.Value]; dup {
			return fmt.Errorf("search_types value %q is duplicated", st.Value)
		}
		seen[st.Value] = struct{}{}
	}
	if cfg.Voice.SilenceDelayMS <= 0 {
		return errors.New("voice.silence_delay_ms must be positive")
	}
	if cfg.Voice.MaxActivations <= 0 {
		return errors.New("voice.max_activations must be >= 1")
	}
	if cfg.STT.Enabled {
		if cfg.STT.SampleRate <= 0 {
			return errors.New("stt.sample_rate must be positive")
		}
		if cfg.STT.Channels <= 0 {
			return errors.New("stt.channels must be positive")
		}
		switch cfg.STT.Mode {
		case "mock", "exec":
		default:
			return errors.New("stt.mode must be one of mock|exec")
		}
		if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	}
	if cfg.STT.Device == "" {
		return errors.New("stt.device must not be empty")
	}
	if cfg.TTS.Enabled {
		switch cfg.TTS.Mode {
		case "mock", "exec":
		default:
			return errors.New("tts.mode must be one of mock|exec")
		}
		if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
			return errors.New("tts.command must be set when mode=exec")
		}
		if cfg.TTS.SampleRate <= 0 {
			return errors.New("tts.sample_rate must be positive")
		}
		if cfg.TTS.Channels <= 0 {
			return errors.New("tts.channels must be positive")
		}
		if cfg.TTS.Rate <= 0 || cfg.TTS.Volume < 0 || cfg.TTS.Volume > 1 {
			return errors.New("tts.rate must be positive and tts.volume within 0..1")
		}
	}
	return nil
}
