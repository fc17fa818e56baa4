package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Server     Server     `mapstructure:"server"`
	XMPP       XMPP       `mapstructure:"xmpp"`
	ICE        ICE        `mapstructure:"ice"`
	Encryption Encryption `mapstructure:"encryption"`
	Colibri    Colibri    `mapstructure:"colibri"`
	Calls      Calls      `mapstructure:"calls"`
}

type Server struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	Secret     string        `mapstructure:"secret"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	LogLevel   string        `mapstructure:"log_level"`
}

type XMPP struct {
	JID           string        `mapstructure:"jid"`
	BridgeSecret  string        `mapstructure:"bridge_secret"`
	StanzaTimeout time.Duration `mapstructure:"stanza_timeout"`
	SendQueue     int           `mapstructure:"send_queue"`
	Contacts      []string      `mapstructure:"contacts"`
	DiscoTTL      time.Duration `mapstructure:"disco_ttl"`
	ProposalTTL   time.Duration `mapstructure:"proposal_ttl"`
	// InitiateLimit session-initiates per contact within InitiateWindow.
	InitiateLimit  int           `mapstructure:"initiate_limit"`
	InitiateWindow time.Duration `mapstructure:"initiate_window"`
}

type ICE struct {
	PortMin           int           `mapstructure:"port_min"`
	PortMax           int           `mapstructure:"port_max"`
	RTCPMux           bool          `mapstructure:"rtcp_mux"`
	STUN              []IceServer   `mapstructure:"stun"`
	TURN              []IceServer   `mapstructure:"turn"`
	ExternalDiscovery bool          `mapstructure:"external_discovery"`
	AutoDiscoverSTUN  bool          `mapstructure:"auto_discover_stun"`
	UseDefaultSTUN    bool          `mapstructure:"use_default_stun"`
	RelayNodes        []string      `mapstructure:"relay_nodes"`
	RelayUsername     string        `mapstructure:"relay_username"`
	RelayPassword     string        `mapstructure:"relay_password"`
	UPnP              bool          `mapstructure:"upnp"`
	PublicIPs         []string      `mapstructure:"public_ips"`
	GatherTimeout     time.Duration `mapstructure:"gather_timeout"`
	TransportWindow   time.Duration `mapstructure:"transport_window"`
	CompletionTimeout time.Duration `mapstructure:"completion_timeout"`
	FailedTimeout     time.Duration `mapstructure:"failed_timeout"`
	// OnTimeout is "proceed" or "fail".
	OnTimeout string `mapstructure:"on_timeout"`
}

// IceServer is one STUN or TURN server entry.
type IceServer struct {
	URL      string `mapstructure:"url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type Encryption struct {
	DefaultEnabled bool `mapstructure:"default_enabled"`
	Required       bool `mapstructure:"required"`
}

type Colibri struct {
	Enabled bool   `mapstructure:"enabled"`
	Bridge  string `mapstructure:"bridge"`
}

type Calls struct {
	Workers    int           `mapstructure:"workers"`
	Queue      int           `mapstructure:"queue"`
	MaxCalls   int           `mapstructure:"max_calls"`
	AutoAnswer bool          `mapstructure:"auto_answer"`
	Media      []string      `mapstructure:"media"`
	PendingTTL time.Duration `mapstructure:"pending_ttl"`
	SweepEvery time.Duration `mapstructure:"sweep_every"`
	EventLog   int           `mapstructure:"event_log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.secret", "")
	v.SetDefault("server.read_limit", 1<<20)
	v.SetDefault("server.ping_period", "54s")
	v.SetDefault("server.log_level", "info")

	v.SetDefault("xmpp.jid", "")
	v.SetDefault("xmpp.bridge_secret", "")
	v.SetDefault("xmpp.stanza_timeout", "10s")
	v.SetDefault("xmpp.send_queue", 256)
	v.SetDefault("xmpp.contacts", []string{})
	v.SetDefault("xmpp.disco_ttl", "5m")
	v.SetDefault("xmpp.proposal_ttl", "1m")
	v.SetDefault("xmpp.initiate_limit", 10)
	v.SetDefault("xmpp.initiate_window", "1m")

	v.SetDefault("ice.port_min", 5000)
	v.SetDefault("ice.port_max", 6000)
	v.SetDefault("ice.rtcp_mux", true)
	v.SetDefault("ice.stun", []map[string]string{})
	v.SetDefault("ice.turn", []map[string]string{})
	v.SetDefault("ice.external_discovery", true)
	v.SetDefault("ice.auto_discover_stun", true)
	v.SetDefault("ice.use_default_stun", true)
	v.SetDefault("ice.relay_nodes", []string{})
	v.SetDefault("ice.relay_username", "")
	v.SetDefault("ice.relay_password", "")
	v.SetDefault("ice.upnp", false)
	v.SetDefault("ice.public_ips", []string{})
	v.SetDefault("ice.gather_timeout", "5s")
	v.SetDefault("ice.transport_window", "2s")
	v.SetDefault("ice.completion_timeout", "5s")
	v.SetDefault("ice.failed_timeout", "25s")
	v.SetDefault("ice.on_timeout", "proceed")

	v.SetDefault("encryption.default_enabled", true)
	v.SetDefault("encryption.required", false)

	v.SetDefault("colibri.enabled", false)
	v.SetDefault("colibri.bridge", "")

	v.SetDefault("calls.workers", 8)
	v.SetDefault("calls.queue", 64)
	v.SetDefault("calls.max_calls", 0)
	v.SetDefault("calls.auto_answer", false)
	v.SetDefault("calls.media", []string{"audio", "video"})
	v.SetDefault("calls.pending_ttl", "30s")
	v.SetDefault("calls.sweep_every", "10s")
	v.SetDefault("calls.event_log", 200)
}

// Load reads config/config.<CONFIG_ENV>.yaml over the defaults. Keys can be
// overridden from the environment as JINGLE_SECTION_KEY.
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("jingle")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	logger := log.With().Str("module", "config").Str("file", fileName).Logger()
	if err := v.ReadInConfig(); err != nil {
		logger.Warn().Err(err).Msg("config file not found, using defaults")
	} else {
		logger.Info().Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger.Info().
		Str("mode", cfg.Server.Mode).
		Int("port", cfg.Server.Port).
		Str("jid", cfg.XMPP.JID).
		Bool("colibri", cfg.Colibri.Enabled).
		Msg("config")
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.ICE.PortMin <= 0 || c.ICE.PortMax < c.ICE.PortMin || c.ICE.PortMax > 65535 {
		return fmt.Errorf("invalid ice port range %d-%d", c.ICE.PortMin, c.ICE.PortMax)
	}
	switch c.ICE.OnTimeout {
	case "proceed", "fail":
	default:
		return fmt.Errorf("invalid ice.on_timeout %q", c.ICE.OnTimeout)
	}
	if c.Encryption.Required && !c.Encryption.DefaultEnabled {
		return fmt.Errorf("encryption.required needs encryption.default_enabled")
	}
	return nil
}
