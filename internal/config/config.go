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
	RuntimeName  string             `yaml:"runtime_name"`
	Environment  string             `yaml:"environment"`
	HTTP         HTTPConfig         `yaml:"http"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Bus          BusConfig          `yaml:"bus"`
	Assistant    AssistantConfig    `yaml:"assistant"`
	Collaborator CollaboratorConfig `yaml:"collaborator"`
	Agent        AgentConfig        `yaml:"agent"`
	Session      SessionConfig      `yaml:"session"`
	Transcript   TranscriptConfig   `yaml:"transcript"`
	EventStore   EventStoreConfig   `yaml:"event_store"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
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

// AssistantConfig identifies the hosted assistant a call is started against.
type AssistantConfig struct {
	ID string `yaml:"id"`
}

type CollaboratorConfig struct {
	Mode           string `yaml:"mode"` // mock, websocket, bus, exec
	Endpoint       string `yaml:"endpoint"`
	APIKey         string `yaml:"api_key"`
	Command        string `yaml:"command"`
	StartTimeoutMS int    `yaml:"start_timeout_ms"`
	EventBuffer    int    `yaml:"event_buffer"`
}

// AgentConfig controls the scripted voice agent the runtime can host on the
// bus. It answers for collaborator.mode=bus when no external agent runs.
type AgentConfig struct {
	Enabled           bool     `yaml:"enabled"`
	Assistants        []string `yaml:"assistants"`
	ReplyDelayMS      int      `yaml:"reply_delay_ms"`
	HangUpAfterScript bool     `yaml:"hang_up_after_script"`
}

type SessionConfig struct {
	TickIntervalMS int `yaml:"tick_interval_ms"`
}

type TranscriptConfig struct {
	Greeting string `yaml:"greeting"`
	Publish  bool   `yaml:"publish"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-voicechat",
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
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Assistant: AssistantConfig{
			ID: "default-assistant",
		},
		Collaborator: CollaboratorConfig{
			Mode:           "mock",
			StartTimeoutMS: 15000,
			EventBuffer:    64,
		},
		Agent: AgentConfig{
			Enabled:      false,
			ReplyDelayMS: 400,
		},
		Session: SessionConfig{
			TickIntervalMS: 1000,
		},
		Transcript: TranscriptConfig{
			Greeting: "Hello! How can I help you today?",
			Publish:  true,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/voicechat-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
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

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "VOICECHAT_RUNTIME_NAME")
	overrideString(&cfg.Environment, "VOICECHAT_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "VOICECHAT_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "VOICECHAT_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "VOICECHAT_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "VOICECHAT_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "VOICECHAT_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "VOICECHAT_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "VOICECHAT_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "VOICECHAT_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "VOICECHAT_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "VOICECHAT_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "VOICECHAT_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "VOICECHAT_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "VOICECHAT_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "VOICECHAT_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "VOICECHAT_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "VOICECHAT_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Assistant.ID, "VOICECHAT_ASSISTANT_ID")
	overrideString(&cfg.Collaborator.Mode, "VOICECHAT_COLLABORATOR_MODE")
	overrideString(&cfg.Collaborator.Endpoint, "VOICECHAT_COLLABORATOR_ENDPOINT")
	overrideString(&cfg.Collaborator.APIKey, "VOICECHAT_COLLABORATOR_API_KEY")
	overrideString(&cfg.Collaborator.Command, "VOICECHAT_COLLABORATOR_COMMAND")
	overrideInt(&cfg.Collaborator.StartTimeoutMS, "VOICECHAT_COLLABORATOR_START_TIMEOUT_MS")
	overrideInt(&cfg.Collaborator.EventBuffer, "VOICECHAT_COLLABORATOR_EVENT_BUFFER")
	overrideBool(&cfg.Agent.Enabled, "VOICECHAT_AGENT_ENABLED")
	overrideStringSlice(&cfg.Agent.Assistants, "VOICECHAT_AGENT_ASSISTANTS")
	overrideInt(&cfg.Agent.ReplyDelayMS, "VOICECHAT_AGENT_REPLY_DELAY_MS")
	overrideBool(&cfg.Agent.HangUpAfterScript, "VOICECHAT_AGENT_HANG_UP_AFTER_SCRIPT")
	overrideInt(&cfg.Session.TickIntervalMS, "VOICECHAT_SESSION_TICK_INTERVAL_MS")
	overrideString(&cfg.Transcript.Greeting, "VOICECHAT_TRANSCRIPT_GREETING")
	overrideBool(&cfg.Transcript.Publish, "VOICECHAT_TRANSCRIPT_PUBLISH")
	overrideString(&cfg.EventStore.Path, "VOICECHAT_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "VOICECHAT_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "VOICECHAT_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "VOICECHAT_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "VOICECHAT_EVENT_STORE_VACUUM_ON_START")
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

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if strings.TrimSpace(cfg.Assistant.ID) == "" {
		return errors.New("assistant.id must not be empty")
	}
	switch cfg.Collaborator.Mode {
	case "mock":
	case "websocket":
		if cfg.Collaborator.Endpoint == "" {
			return errors.New("collaborator.endpoint must be set when mode=websocket")
		}
	case "bus":
		if !cfg.Bus.Enabled {
			return errors.New("bus.enabled must be true when collaborator.mode=bus")
		}
	case "exec":
		if cfg.Collaborator.Command == "" {
			return errors.New("collaborator.command must be set when mode=exec")
		}
	default:
		return errors.New("collaborator.mode must be one of mock|websocket|bus|exec")
	}
	if cfg.Collaborator.StartTimeoutMS <= 0 {
		return errors.New("collaborator.start_timeout_ms must be positive")
	}
	if cfg.Collaborator.EventBuffer < 0 {
		return errors.New("collaborator.event_buffer must be >= 0")
	}
	if cfg.Agent.Enabled && !cfg.Bus.Enabled {
		return errors.New("bus.enabled must be true when agent.enabled is set")
	}
	if cfg.Agent.ReplyDelayMS < 0 {
		return errors.New("agent.reply_delay_ms must be >= 0")
	}
	if cfg.Session.TickIntervalMS <= 0 {
		return errors.New("session.tick_interval_ms must be positive")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	return nil
}
