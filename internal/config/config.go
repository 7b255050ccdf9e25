package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		Port      string
		GRPCPort  string
		LogLevel  string
		LogFormat string
	}
	Gemini struct {
		APIKey       string
		Model        string
		SystemPrompt string
	}
	Voice struct {
		Default         string
		Available       []string
		DefaultLanguage string
	}
	Upstream struct {
		DialTimeout time.Duration
		DialRetries int
	}
	WS struct {
		MaxMessageBytes int64
		WriteTimeout    time.Duration
		InboundBuffer   int
		AllowedOrigins  []string
	}
	Auth struct {
		JWTSecret        string
		AllowAnonymous   bool
		CheckRevocation  bool
		AdminToken       string
		RevocationPrefix string
	}
	Events struct {
		Sink   string // memory | redis | kafka
		Buffer int
		// RetainClosed bounds how many ended sessions keep their history.
		RetainClosed int
	}
	Redis struct {
		Addr     string
		Password string
		DB       int
		Stream   string
	}
	Kafka struct {
		Brokers []string
		Topic   string
	}
}

func Load() Config {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.grpc_port", 9090)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_format", "text")

	v.SetDefault("gemini.model", "gemini-live-2.5-flash-preview")

	v.SetDefault("voice.default", "Puck")
	v.SetDefault("voice.available", "Puck,Charon,Kore,Fenrir,Aoede")
	v.SetDefault("voice.default_language", "en-US")

	v.SetDefault("upstream.dial_timeout", "10s")
	v.SetDefault("upstream.dial_retries", 2)

	v.SetDefault("ws.max_message_bytes", 1<<20)
	v.SetDefault("ws.write_timeout", "5s")
	v.SetDefault("ws.inbound_buffer", 64)

	v.SetDefault("auth.allow_anonymous", false)
	v.SetDefault("auth.check_revocation", false)
	v.SetDefault("auth.revocation_prefix", "revoked")

	v.SetDefault("events.sink", "memory")
	v.SetDefault("events.buffer", 256)
	v.SetDefault("events.retain_closed", 1000)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.stream", "voice:sessions")
	v.SetDefault("kafka.topic", "voice-session-events")

	// Map envs
	v.BindEnv("server.port", "PORT")
	v.BindEnv("server.grpc_port", "GRPC_PORT")
	v.BindEnv("server.log_level", "LOG_LEVEL")
	v.BindEnv("server.log_format", "LOG_FORMAT")

	v.BindEnv("gemini.api_key", "GEMINI_API_KEY", "GOOGLE_API_KEY")
	v.BindEnv("gemini.model", "GEMINI_MODEL")
	v.BindEnv("gemini.system_prompt", "GEMINI_SYSTEM_PROMPT")

	v.BindEnv("voice.default", "VOICE_DEFAULT")
	v.BindEnv("voice.available", "VOICE_AVAILABLE")
	v.BindEnv("voice.default_language", "VOICE_DEFAULT_LANGUAGE")

	v.BindEnv("upstream.dial_timeout", "UPSTREAM_DIAL_TIMEOUT")
	v.BindEnv("upstream.dial_retries", "UPSTREAM_DIAL_RETRIES")

	v.BindEnv("ws.max_message_bytes", "WS_MAX_MESSAGE_BYTES")
	v.BindEnv("ws.write_timeout", "WS_WRITE_TIMEOUT")
	v.BindEnv("ws.inbound_buffer", "WS_INBOUND_BUFFER")
	v.BindEnv("ws.allowed_origins", "WS_ALLOWED_ORIGINS")

	v.BindEnv("auth.jwt_secret", "AUTH_JWT_SECRET")
	v.BindEnv("auth.allow_anonymous", "AUTH_ALLOW_ANONYMOUS")
	v.BindEnv("auth.check_revocation", "AUTH_CHECK_REVOCATION")
	v.BindEnv("auth.admin_token", "AUTH_ADMIN_TOKEN")
	v.BindEnv("auth.revocation_prefix", "AUTH_REVOCATION_PREFIX")

	v.BindEnv("events.sink", "EVENTS_SINK")
	v.BindEnv("events.buffer", "EVENTS_BUFFER")
	v.BindEnv("events.retain_closed", "EVENTS_RETAIN_CLOSED")

	v.BindEnv("redis.addr", "REDIS_ADDR")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("redis.db", "REDIS_DB")
	v.BindEnv("redis.stream", "REDIS_STREAM")

	v.BindEnv("kafka.brokers", "KAFKA_BROKERS")
	v.BindEnv("kafka.topic", "KAFKA_TOPIC")

	var c Config
	c.Server.Port = toString(v.Get("server.port"))
	c.Server.GRPCPort = toString(v.Get("server.grpc_port"))
	c.Server.LogLevel = v.GetString("server.log_level")
	c.Server.LogFormat = v.GetString("server.log_format")

	c.Gemini.APIKey = v.GetString("gemini.api_key")
	c.Gemini.Model = v.GetString("gemini.model")
	c.Gemini.SystemPrompt = v.GetString("gemini.system_prompt")

	c.Voice.Default = v.GetString("voice.default")
	c.Voice.Available = splitList(v.GetString("voice.available"))
	c.Voice.DefaultLanguage = v.GetString("voice.default_language")

	c.Upstream.DialTimeout = v.GetDuration("upstream.dial_timeout")
	c.Upstream.DialRetries = v.GetInt("upstream.dial_retries")

	c.WS.MaxMessageBytes = v.GetInt64("ws.max_message_bytes")
	c.WS.WriteTimeout = v.GetDuration("ws.write_timeout")
	c.WS.InboundBuffer = v.GetInt("ws.inbound_buffer")
	c.WS.AllowedOrigins = splitList(v.GetString("ws.allowed_origins"))

	c.Auth.JWTSecret = v.GetString("auth.jwt_secret")
	c.Auth.AllowAnonymous = v.GetBool("auth.allow_anonymous")
	c.Auth.CheckRevocation = v.GetBool("auth.check_revocation")
	c.Auth.AdminToken = v.GetString("auth.admin_token")
	c.Auth.RevocationPrefix = v.GetString("auth.revocation_prefix")

	c.Events.Sink = strings.ToLower(strings.TrimSpace(v.GetString("events.sink")))
	c.Events.Buffer = v.GetInt("events.buffer")
	c.Events.RetainClosed = v.GetInt("events.retain_closed")

	c.Redis.Addr = v.GetString("redis.addr")
	c.Redis.Password = v.GetString("redis.password")
	c.Redis.DB = v.GetInt("redis.db")
	c.Redis.Stream = v.GetString("redis.stream")

	c.Kafka.Brokers = splitList(v.GetString("kafka.brokers"))
	c.Kafka.Topic = v.GetString("kafka.topic")

	logrus.WithFields(logrus.Fields{
		"port":       c.Server.Port,
		"grpc_port":  c.Server.GRPCPort,
		"model":      c.Gemini.Model,
		"events":     c.Events.Sink,
		"has_apikey": c.Gemini.APIKey != "",
	}).Info("config loaded")
	return c
}

// Validate reports every configuration problem at once.
func (c Config) Validate() error {
	var problems []string
	if c.Voice.Default == "" {
		problems = append(problems, "voice.default is empty")
	}
	if !c.HasVoice(c.Voice.Default) {
		problems = append(problems, fmt.Sprintf("voice.default %q is not in voice.available", c.Voice.Default))
	}
	if c.Upstream.DialTimeout <= 0 {
		problems = append(problems, "upstream.dial_timeout must be > 0")
	}
	if c.Upstream.DialRetries < 0 {
		problems = append(problems, "upstream.dial_retries must be >= 0")
	}
	if c.WS.MaxMessageBytes <= 0 {
		problems = append(problems, "ws.max_message_bytes must be > 0")
	}
	if c.WS.InboundBuffer <= 0 {
		problems = append(problems, "ws.inbound_buffer must be > 0")
	}
	if c.Auth.JWTSecret == "" && !c.Auth.AllowAnonymous {
		problems = append(problems, "auth.jwt_secret is required unless auth.allow_anonymous is set")
	}
	if c.Auth.CheckRevocation && c.Redis.Addr == "" {
		problems = append(problems, "redis.addr is required for auth.check_revocation")
	}
	if c.Events.RetainClosed <= 0 {
		problems = append(problems, "events.retain_closed must be > 0")
	}
	switch c.Events.Sink {
	case "", "memory":
	case "redis":
		if c.Redis.Addr == "" {
			problems = append(problems, "redis.addr is required for the redis event sink")
		}
	case "kafka":
		if len(c.Kafka.Brokers) == 0 {
			problems = append(problems, "kafka.brokers is required for the kafka event sink")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown events.sink %q", c.Events.Sink))
	}
	if len(problems) > 0 {
		return errors.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// HasVoice reports whether name is one of the configured voices, ignoring case.
func (c Config) HasVoice(name string) bool {
	for _, v := range c.Voice.Available {
		if strings.EqualFold(v, name) {
			return true
		}
	}
	return false
}

func toString(v any) string { return fmt.Sprint(v) }

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
