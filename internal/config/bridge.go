// Package config loads and validates the htcbridged/htcbridgectl YAML
// configuration files.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nishisan-dev/htcbridge/internal/htcfs"
)

// BridgeConfig is the full configuration for the htcbridged target-side
// daemon: which carrier to open, where cheat content lives, how the HTCLOW
// channel pools are sized, and the optional read-only dashboard.
type BridgeConfig struct {
	Carrier   CarrierConfig   `yaml:"carrier"`
	TLS       TLSServer       `yaml:"tls"`
	HTCLOW    HTCLOWConfig    `yaml:"htclow"`
	HTCFS     HTCFSConfig     `yaml:"htcfs"`
	Cheat     CheatConfig     `yaml:"cheat"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Logging   LoggingInfo     `yaml:"logging"`
}

// HTCFSConfig configures the remote-filesystem RPC client, in particular
// how bulk reads over the secondary data channel are compressed.
type HTCFSConfig struct {
	CompressionMode string `yaml:"compression_mode"` // none|gzip|zstd (default: none)
}

// CompressionModeByte converts the configured compression_mode string into
// its wire byte.
func (c HTCFSConfig) CompressionModeByte() byte {
	return htcfs.ParseCompressionMode(c.CompressionMode)
}

// CarrierConfig selects and configures the transport the manager opens at
// process start.
type CarrierConfig struct {
	Mode   string       `yaml:"mode"` // "usb" | "socket"
	Socket SocketCarrier `yaml:"socket"`
	USB    USBCarrier    `yaml:"usb"`
}

// SocketCarrier configures the TCP-listener carrier used in place of real
// USB hardware (development and CI).
type SocketCarrier struct {
	Listen     string `yaml:"listen"`
	TLSEnabled bool   `yaml:"tls_enabled"`
}

// USBCarrier configures the vendor-class bulk endpoint pairing.
type USBCarrier struct {
	VendorID     uint16 `yaml:"vendor_id"`
	ProductID    uint16 `yaml:"product_id"`
	PacketSize   uint32 `yaml:"packet_size"`   // 64, 512 or 1024, per USB speed
	PacketSizeRaw uint32 `yaml:"-"`
}

// TLSServer holds the mTLS material for the optional socket-carrier
// listener.
type TLSServer struct {
	CACert     string `yaml:"ca_cert"`
	ServerCert string `yaml:"server_cert"`
	ServerKey  string `yaml:"server_key"`
}

// HTCLOWConfig sizes the channel/task machinery shared by every consumer
// module.
type HTCLOWConfig struct {
	MaxChannels      int    `yaml:"max_channels"`       // default 32
	MaxTasks         int    `yaml:"max_tasks"`          // default 64
	SendPoolSize     string `yaml:"send_pool_size"`     // default "1mb"
	SendPoolSizeRaw  int64  `yaml:"-"`
	RecvPoolSize     string `yaml:"recv_pool_size"`     // default "1mb"
	RecvPoolSizeRaw  int64  `yaml:"-"`
	ResumeTimeout    time.Duration `yaml:"resume_timeout"` // default 7s, per spec §5
	FlowControlRate  string `yaml:"flow_control_rate"`  // bytes/sec, default "8mb"
	FlowControlRateRaw int64 `yaml:"-"`
}

// CheatConfig points the cheat manager at its on-disk content and sets its
// tick cadence.
type CheatConfig struct {
	ContentsRoot      string        `yaml:"contents_root"` // default "atmosphere/contents"
	TickInterval      time.Duration `yaml:"tick_interval"` // default 83ms
	TogglesSyncCron   string        `yaml:"toggles_sync_cron"` // default "@every 30s"
	AttachmentLogDir  string        `yaml:"attachment_log_dir"`

	AttachProcessName  string        `yaml:"attach_process_name"`
	AttachTitleID      string        `yaml:"attach_title_id"`       // hex, e.g. "0100000000010000"
	AttachTitleIDRaw   uint64        `yaml:"-"`
	AttachPollInterval time.Duration `yaml:"attach_poll_interval"` // default 1s
}

// DashboardConfig configures the read-only HTTP observability surface,
// following the same deny-by-default CIDR allowlist idiom as the ambient
// stack's web UI.
type DashboardConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Listen       string        `yaml:"listen"` // default "127.0.0.1:9849"
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	AllowOrigins []string      `yaml:"allow_origins"`
	EventsFile   string        `yaml:"events_file"`
	EventsMaxLines int         `yaml:"events_max_lines"`
	AttachmentsFile     string `yaml:"attachments_file"`
	AttachmentsMaxLines int    `yaml:"attachments_max_lines"`

	ParsedCIDRs []*net.IPNet `yaml:"-"`
}

// LoggingInfo configures the shared slog-based logger.
type LoggingInfo struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// LoadBridgeConfig reads and validates the htcbridged YAML config file.
func LoadBridgeConfig(path string) (*BridgeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading bridge config: %w", err)
	}

	var cfg BridgeConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing bridge config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating bridge config: %w", err)
	}

	return &cfg, nil
}

func (c *BridgeConfig) validate() error {
	switch c.Carrier.Mode {
	case "":
		c.Carrier.Mode = "socket"
	case "usb", "socket":
	default:
		return fmt.Errorf("carrier.mode must be usb or socket, got %q", c.Carrier.Mode)
	}

	if c.Carrier.Mode == "socket" {
		if c.Carrier.Socket.Listen == "" {
			c.Carrier.Socket.Listen = "127.0.0.1:9850"
		}
		if c.Carrier.Socket.TLSEnabled {
			if c.TLS.CACert == "" || c.TLS.ServerCert == "" || c.TLS.ServerKey == "" {
				return fmt.Errorf("carrier.socket.tls_enabled requires tls.ca_cert, tls.server_cert and tls.server_key")
			}
		}
	} else {
		if c.Carrier.USB.PacketSize == 0 {
			c.Carrier.USB.PacketSize = 512
		}
		switch c.Carrier.USB.PacketSize {
		case 64, 512, 1024:
		default:
			return fmt.Errorf("carrier.usb.packet_size must be 64, 512 or 1024, got %d", c.Carrier.USB.PacketSize)
		}
		c.Carrier.USB.PacketSizeRaw = c.Carrier.USB.PacketSize
	}

	if c.HTCLOW.MaxChannels <= 0 {
		c.HTCLOW.MaxChannels = 32
	}
	if c.HTCLOW.MaxTasks <= 0 {
		c.HTCLOW.MaxTasks = 64
	}
	if c.HTCLOW.SendPoolSize == "" {
		c.HTCLOW.SendPoolSize = "1mb"
	}
	sendRaw, err := ParseByteSize(c.HTCLOW.SendPoolSize)
	if err != nil {
		return fmt.Errorf("htclow.send_pool_size: %w", err)
	}
	c.HTCLOW.SendPoolSizeRaw = sendRaw

	if c.HTCLOW.RecvPoolSize == "" {
		c.HTCLOW.RecvPoolSize = "1mb"
	}
	recvRaw, err := ParseByteSize(c.HTCLOW.RecvPoolSize)
	if err != nil {
		return fmt.Errorf("htclow.recv_pool_size: %w", err)
	}
	c.HTCLOW.RecvPoolSizeRaw = recvRaw

	if c.HTCLOW.ResumeTimeout <= 0 {
		c.HTCLOW.ResumeTimeout = 7 * time.Second
	}
	if c.HTCLOW.FlowControlRate == "" {
		c.HTCLOW.FlowControlRate = "8mb"
	}
	flowRaw, err := ParseByteSize(c.HTCLOW.FlowControlRate)
	if err != nil {
		return fmt.Errorf("htclow.flow_control_rate: %w", err)
	}
	c.HTCLOW.FlowControlRateRaw = flowRaw

	switch c.HTCFS.CompressionMode {
	case "":
		c.HTCFS.CompressionMode = "none"
	case "none", "gzip", "zstd":
	default:
		return fmt.Errorf("htcfs.compression_mode must be none, gzip or zstd, got %q", c.HTCFS.CompressionMode)
	}

	if c.Cheat.ContentsRoot == "" {
		c.Cheat.ContentsRoot = "atmosphere/contents"
	}
	if c.Cheat.TickInterval <= 0 {
		c.Cheat.TickInterval = 83 * time.Millisecond
	}
	if c.Cheat.TogglesSyncCron == "" {
		c.Cheat.TogglesSyncCron = "@every 30s"
	}
	if c.Cheat.AttachProcessName == "" {
		c.Cheat.AttachProcessName = "target-app"
	}
	if c.Cheat.AttachPollInterval <= 0 {
		c.Cheat.AttachPollInterval = time.Second
	}
	if c.Cheat.AttachTitleID == "" {
		c.Cheat.AttachTitleID = "0100000000010000"
	}
	titleID, err := strconv.ParseUint(c.Cheat.AttachTitleID, 16, 64)
	if err != nil {
		return fmt.Errorf("cheat.attach_title_id: %w", err)
	}
	c.Cheat.AttachTitleIDRaw = titleID

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Dashboard.Enabled {
		if c.Dashboard.Listen == "" {
			c.Dashboard.Listen = "127.0.0.1:9849"
		}
		if c.Dashboard.ReadTimeout <= 0 {
			c.Dashboard.ReadTimeout = 5 * time.Second
		}
		if c.Dashboard.WriteTimeout <= 0 {
			c.Dashboard.WriteTimeout = 15 * time.Second
		}
		if c.Dashboard.IdleTimeout <= 0 {
			c.Dashboard.IdleTimeout = 60 * time.Second
		}
		if c.Dashboard.EventsFile == "" {
			c.Dashboard.EventsFile = "events.jsonl"
		}
		if c.Dashboard.EventsMaxLines <= 0 {
			c.Dashboard.EventsMaxLines = 10000
		}
		if c.Dashboard.AttachmentsFile == "" {
			c.Dashboard.AttachmentsFile = "attachments.jsonl"
		}
		if c.Dashboard.AttachmentsMaxLines <= 0 {
			c.Dashboard.AttachmentsMaxLines = 10000
		}
		if len(c.Dashboard.AllowOrigins) == 0 {
			return fmt.Errorf("dashboard.allow_origins is required when dashboard is enabled (deny-by-default)")
		}
		for _, origin := range c.Dashboard.AllowOrigins {
			_, cidr, err := net.ParseCIDR(origin)
			if err != nil {
				ip := net.ParseIP(strings.TrimSpace(origin))
				if ip == nil {
					return fmt.Errorf("dashboard.allow_origins: %q is not a valid IP or CIDR", origin)
				}
				if ip.To4() != nil {
					_, cidr, _ = net.ParseCIDR(ip.String() + "/32")
				} else {
					_, cidr, _ = net.ParseCIDR(ip.String() + "/128")
				}
			}
			c.Dashboard.ParsedCIDRs = append(c.Dashboard.ParsedCIDRs, cidr)
		}
	}

	return nil
}

// ClientConfig is the small configuration htcbridgectl (the host-side test
// client) loads to dial a socket carrier.
type ClientConfig struct {
	Server  string      `yaml:"server"`
	TLS     TLSClient   `yaml:"tls"`
	HTCFS   HTCFSConfig `yaml:"htcfs"`
	Logging LoggingInfo `yaml:"logging"`
}

// TLSClient holds the mTLS material for the host-side test client.
type TLSClient struct {
	CACert     string `yaml:"ca_cert"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
}

// LoadClientConfig reads and validates the htcbridgectl YAML config file.
func LoadClientConfig(path string) (*ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading client config: %w", err)
	}

	var cfg ClientConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing client config: %w", err)
	}

	if cfg.Server == "" {
		return nil, fmt.Errorf("server is required")
	}
	switch cfg.HTCFS.CompressionMode {
	case "":
		cfg.HTCFS.CompressionMode = "none"
	case "none", "gzip", "zstd":
	default:
		return nil, fmt.Errorf("htcfs.compression_mode must be none, gzip or zstd, got %q", cfg.HTCFS.CompressionMode)
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}

	return &cfg, nil
}

// ParseByteSize converts a human-readable size string such as "256mb" or
// "1gb" to a byte count.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	// Ordered from longest to shortest suffix so "mb" never matches as "b".
	type suffix struct {
		s string
		m int64
	}
	suffixes := []suffix{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSuffix(s, sfx.s)
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			return num * sfx.m, nil
		}
	}

	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	return num, nil
}
