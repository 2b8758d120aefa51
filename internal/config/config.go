package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Source kinds
const (
	SourceRTSP = "rtsp"
	SourceRTMP = "rtmp"
	SourceFile = "file"
)

// Config represents the application configuration
type Config struct {
	// Service information
	Service struct {
		Name        string `yaml:"name" validate:"required"`
		Version     string `yaml:"version"`
		Environment string `yaml:"environment"`
	} `yaml:"service"`

	// HTTP server configuration
	HTTP struct {
		Address         string        `yaml:"address" validate:"required"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"http"`

	// WebRTC configuration
	WebRTC struct {
		ICEServers   []ICEServer   `yaml:"ice_servers" validate:"dive"`
		UDPPortMin   uint16        `yaml:"udp_port_min"`
		UDPPortMax   uint16        `yaml:"udp_port_max" validate:"gtefield=UDPPortMin"`
		NAT1To1IPs   []string      `yaml:"nat_1to1_ips" validate:"dive,ip"`
		OfferTimeout time.Duration `yaml:"offer_timeout"`
	} `yaml:"webrtc"`

	// Viewer session configuration
	Sessions struct {
		// MaxSessions of 0 selects the default; the relay always runs with
		// a session limit
		MaxSessions      int           `yaml:"max_sessions" validate:"gte=1"`
		DefaultSubstream string        `yaml:"default_substream" validate:"oneof=mainstream substream"`
		WaitForKeyframe  bool          `yaml:"wait_for_keyframe"`
		QueueSize        int           `yaml:"queue_size" validate:"gte=1"`
		IdleTimeout      time.Duration `yaml:"idle_timeout"`
		CleanupInterval  time.Duration `yaml:"cleanup_interval"`
	} `yaml:"sessions"`

	// Media sources, one per encoder pipeline
	Sources struct {
		Main         SourceConfig  `yaml:"main"`
		Sub          SourceConfig  `yaml:"sub"`
		RestartDelay time.Duration `yaml:"restart_delay"`
		MaxFrameSize int           `yaml:"max_frame_size" validate:"gte=0"`
	} `yaml:"sources"`

	// WebSocket signaling configuration
	Signaling struct {
		Path           string        `yaml:"path"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
		PingInterval   time.Duration `yaml:"ping_interval"`
		PongWait       time.Duration `yaml:"pong_wait"`
		WriteWait      time.Duration `yaml:"write_wait"`
		MaxMessageSize int64         `yaml:"max_message_size"`
		OffersPerMin   int           `yaml:"offers_per_min" validate:"gte=0"`
		OfferBurst     int           `yaml:"offer_burst" validate:"gte=0"`
	} `yaml:"signaling"`

	// Viewer authentication
	Auth struct {
		Enabled bool   `yaml:"enabled"`
		Secret  string `yaml:"secret" validate:"required_if=Enabled true"`
		Issuer  string `yaml:"issuer"`
	} `yaml:"auth"`

	// Metrics configuration
	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"metrics"`

	// Logging configuration
	Logging struct {
		Level  string            `yaml:"level" validate:"omitempty,oneof=disabled off none error warn warning info debug trace"`
		Output string            `yaml:"output"`
		Scopes map[string]string `yaml:"scopes"`
	} `yaml:"logging"`
}

// ICEServer represents a WebRTC ICE server configuration
type ICEServer struct {
	URLs       []string `yaml:"urls" validate:"required,min=1"`
	Username   string   `yaml:"username"`
	Credential string   `yaml:"credential"`
}

// SourceConfig describes one encoder pipeline feeding the relay.
// An empty Kind disables the pipeline.
type SourceConfig struct {
	Kind  string `yaml:"kind" validate:"omitempty,oneof=rtsp rtmp file"`
	URL   string `yaml:"url" validate:"required_if=Kind rtsp"`
	Audio bool   `yaml:"audio"`

	// RTMP listen address and stream path
	Address string `yaml:"address" validate:"required_if=Kind rtmp"`
	Path    string `yaml:"path"`

	// File loop settings
	Dir             string `yaml:"dir" validate:"required_if=Kind file"`
	Pattern         string `yaml:"pattern"`
	FrameCount      int    `yaml:"frame_count" validate:"required_if=Kind file,gte=0"`
	FPS             int    `yaml:"fps" validate:"gte=0,lte=240"`
	AudioPattern    string `yaml:"audio_pattern"`
	AudioFrameCount int    `yaml:"audio_frame_count" validate:"gte=0"`
}

// Enabled reports whether the pipeline is configured
func (s SourceConfig) Enabled() bool {
	return s.Kind != ""
}

// Load loads the configuration from a file
func Load(path string) (*Config, error) {
	// Read the configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse builds a configuration from YAML bytes
func Parse(data []byte) (*Config, error) {
	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Apply environment overrides
	if err := applyEnvironmentOverrides(config); err != nil {
		return nil, err
	}

	// Set defaults
	setDefaults(config)

	if err := validator.New().Struct(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return config, nil
}

// applyEnvironmentOverrides applies environment overrides
func applyEnvironmentOverrides(config *Config) error {
	// HTTP address
	if addr := os.Getenv("HTTP_ADDRESS"); addr != "" {
		config.HTTP.Address = addr
	}

	// Source URLs
	if url := os.Getenv("RTSP_MAIN_URL"); url != "" {
		config.Sources.Main.Kind = SourceRTSP
		config.Sources.Main.URL = url
	}
	if url := os.Getenv("RTSP_SUB_URL"); url != "" {
		config.Sources.Sub.Kind = SourceRTSP
		config.Sources.Sub.URL = url
	}

	// Session limit
	if v := os.Getenv("MAX_SESSIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid MAX_SESSIONS: %w", err)
		}
		config.Sessions.MaxSessions = n
	}

	// Logging level
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}

	// Auth secret
	if secret := os.Getenv("AUTH_SECRET"); secret != "" {
		config.Auth.Secret = secret
	}

	// Environment
	if env := os.Getenv("ENVIRONMENT"); env != "" {
		config.Service.Environment = env
	}

	return nil
}

// setDefaults sets default values
func setDefaults(config *Config) {
	if config.Service.Name == "" {
		config.Service.Name = "camrelay"
	}

	// Set default HTTP settings
	if config.HTTP.Address == "" {
		config.HTTP.Address = ":8088"
	}
	if config.HTTP.ReadTimeout == 0 {
		config.HTTP.ReadTimeout = 10 * time.Second
	}
	if config.HTTP.WriteTimeout == 0 {
		config.HTTP.WriteTimeout = 10 * time.Second
	}
	if config.HTTP.ShutdownTimeout == 0 {
		config.HTTP.ShutdownTimeout = 5 * time.Second
	}

	// Set default WebRTC configuration
	if len(config.WebRTC.ICEServers) == 0 {
		config.WebRTC.ICEServers = []ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		}
	}
	if config.WebRTC.OfferTimeout == 0 {
		config.WebRTC.OfferTimeout = 10 * time.Second
	}

	// Set default session configuration
	if config.Sessions.MaxSessions == 0 {
		config.Sessions.MaxSessions = 10
	}
	if config.Sessions.DefaultSubstream == "" {
		config.Sessions.DefaultSubstream = "mainstream"
	}
	if config.Sessions.QueueSize == 0 {
		config.Sessions.QueueSize = 64
	}
	if config.Sessions.IdleTimeout == 0 {
		config.Sessions.IdleTimeout = 2 * time.Minute
	}
	if config.Sessions.CleanupInterval == 0 {
		config.Sessions.CleanupInterval = 5 * time.Second
	}

	// Set default source configuration
	if config.Sources.RestartDelay == 0 {
		config.Sources.RestartDelay = 3 * time.Second
	}
	if config.Sources.MaxFrameSize == 0 {
		config.Sources.MaxFrameSize = 10 * 1024 * 1024 // 10 MiB
	}
	for name, src := range map[string]*SourceConfig{"main": &config.Sources.Main, "sub": &config.Sources.Sub} {
		switch src.Kind {
		case SourceFile:
			if src.Pattern == "" {
				src.Pattern = "frame-%04d.h264"
			}
			if src.FPS == 0 {
				src.FPS = 25
			}
		case SourceRTMP:
			if src.Path == "" {
				src.Path = "/live/" + name
			}
		}
	}

	// Set default signaling configuration
	if config.Signaling.Path == "" {
		config.Signaling.Path = "/ws"
	}
	if config.Signaling.PingInterval == 0 {
		config.Signaling.PingInterval = 30 * time.Second
	}
	if config.Signaling.PongWait == 0 {
		config.Signaling.PongWait = 60 * time.Second
	}
	if config.Signaling.WriteWait == 0 {
		config.Signaling.WriteWait = 10 * time.Second
	}
	if config.Signaling.MaxMessageSize == 0 {
		config.Signaling.MaxMessageSize = 64 * 1024
	}
	if config.Signaling.OffersPerMin == 0 {
		config.Signaling.OffersPerMin = 30
	}
	if config.Signaling.OfferBurst == 0 {
		config.Signaling.OfferBurst = 5
	}

	// Set default auth configuration
	if config.Auth.Issuer == "" {
		config.Auth.Issuer = config.Service.Name
	}

	// Set default metrics configuration
	if config.Metrics.Path == "" {
		config.Metrics.Path = "/metrics"
	}

	// Set default logging configuration
	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}
	if config.Logging.Output == "" {
		config.Logging.Output = "stdout"
	}
}
