// Package config holds the daemon options. Values come from an optional
// TOML or YAML file, then the environment, then command-line flags.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/codewiresh/vmnetd/internal/broker"
	"github.com/codewiresh/vmnetd/internal/logging"
	"github.com/codewiresh/vmnetd/internal/vmnet"
)

const (
	DefaultSocketGroup       = "staff"
	DefaultMode              = "shared"
	DefaultNetworkIdentifier = "random"
	DefaultMask              = "255.255.255.0"
)

// Config is the full daemon configuration.
type Config struct {
	// Socket is the rendezvous socket path.
	Socket string `toml:"socket" yaml:"socket"`
	// SocketGroup owns the socket; members may connect. Empty skips the
	// chown and chmod.
	SocketGroup string `toml:"socket_group" yaml:"socket_group"`
	PIDFile     string `toml:"pidfile" yaml:"pidfile"`

	Debug     bool   `toml:"debug" yaml:"debug"`
	LogFormat string `toml:"log_format" yaml:"log_format"`

	// MetricsListen is the address for the Prometheus endpoint. Empty
	// disables it.
	MetricsListen string `toml:"metrics_listen" yaml:"metrics_listen"`
	// Journal is the SQLite peer journal path. Empty disables it.
	Journal string `toml:"journal" yaml:"journal"`

	WriteTimeout time.Duration `toml:"write_timeout" yaml:"write_timeout"`
	BatchSize    int           `toml:"batch_size" yaml:"batch_size"`

	VMNet VMNetConfig `toml:"vmnet" yaml:"vmnet"`
}

// VMNetConfig describes the network attachment as the user wrote it.
// Resolve turns it into a vmnet.Config.
type VMNetConfig struct {
	Mode      string `toml:"mode" yaml:"mode"`
	Interface string `toml:"interface" yaml:"interface"`
	Gateway   string `toml:"gateway" yaml:"gateway"`
	DHCPEnd   string `toml:"dhcp_end" yaml:"dhcp_end"`
	Mask      string `toml:"mask" yaml:"mask"`
	// InterfaceID is a UUID; empty picks a random one.
	InterfaceID string `toml:"interface_id" yaml:"interface_id"`
	// NetworkIdentifier is a UUID, "random", or "" for none.
	NetworkIdentifier string `toml:"network_identifier" yaml:"network_identifier"`
	NAT66Prefix       string `toml:"nat66_prefix" yaml:"nat66_prefix"`
}

// Default returns the configuration used when nothing is specified.
func Default() *Config {
	return &Config{
		SocketGroup: DefaultSocketGroup,
		LogFormat:   logging.FormatAuto,
		BatchSize:   broker.DefaultBatchSize,
		VMNet: VMNetConfig{
			Mode:              DefaultMode,
			NetworkIdentifier: DefaultNetworkIdentifier,
		},
	}
}

// Load reads path over the defaults. The format follows the extension:
// .toml, or .yaml/.yml.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("parsing %s: unknown key %q", path, undecoded[0].String())
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(strings.NewReader(string(data)))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("config %s: unsupported extension (want .toml, .yaml or .yml)", path)
	}
	return cfg, nil
}

// ApplyEnv applies environment overrides. A non-empty DEBUG enables debug
// logging.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if getenv("DEBUG") != "" {
		c.Debug = true
	}
}

// Set assigns the option named by its command-line flag.
func (c *Config) Set(flag, value string) error {
	switch flag {
	case "socket-group":
		c.SocketGroup = value
	case "pidfile":
		c.PIDFile = value
	case "debug":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("--debug: %w", err)
		}
		c.Debug = b
	case "log-format":
		c.LogFormat = value
	case "metrics-listen":
		c.MetricsListen = value
	case "journal":
		c.Journal = value
	case "write-timeout":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("--write-timeout: %w", err)
		}
		c.WriteTimeout = d
	case "batch-size":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("--batch-size: %w", err)
		}
		c.BatchSize = n
	case "vmnet-mode":
		c.VMNet.Mode = value
	case "vmnet-interface":
		c.VMNet.Interface = value
	case "vmnet-gateway":
		c.VMNet.Gateway = value
	case "vmnet-dhcp-end":
		c.VMNet.DHCPEnd = value
	case "vmnet-mask":
		c.VMNet.Mask = value
	case "vmnet-interface-id":
		c.VMNet.InterfaceID = value
	case "vmnet-network-identifier":
		c.VMNet.NetworkIdentifier = value
	case "vmnet-nat66-prefix":
		c.VMNet.NAT66Prefix = value
	default:
		return fmt.Errorf("unknown option %q", flag)
	}
	return nil
}

// Validate checks the options that do not concern the network attachment.
func (c *Config) Validate() error {
	if c.Socket == "" {
		return fmt.Errorf("socket path is required")
	}
	if c.BatchSize < 1 || c.BatchSize > broker.MaxBatchSize {
		return fmt.Errorf("batch size must be between 1 and %d, got %d", broker.MaxBatchSize, c.BatchSize)
	}
	if c.WriteTimeout < 0 {
		return fmt.Errorf("write timeout must not be negative, got %s", c.WriteTimeout)
	}
	switch c.LogFormat {
	case logging.FormatAuto, logging.FormatText, logging.FormatJSON:
	default:
		return fmt.Errorf("unknown log format %q (want auto, text or json)", c.LogFormat)
	}
	return nil
}

// Resolve validates the attachment options, fills in derived defaults, and
// returns the adapter configuration plus any warnings worth logging.
func (v VMNetConfig) Resolve() (vmnet.Config, []string, error) {
	var out vmnet.Config
	var warnings []string

	mode, err := vmnet.ParseMode(v.Mode)
	if err != nil {
		return out, nil, err
	}
	out.Mode = mode

	if mode == vmnet.ModeBridged {
		if v.Interface == "" {
			return out, nil, fmt.Errorf("vmnet mode \"bridged\" requires --vmnet-interface")
		}
		out.SharedInterface = v.Interface
	}

	if v.Gateway == "" {
		if mode == vmnet.ModeShared {
			warnings = append(warnings, "--vmnet-gateway should be set explicitly to avoid conflicting with other applications")
		}
		if v.DHCPEnd != "" {
			return out, nil, fmt.Errorf("--vmnet-dhcp-end requires --vmnet-gateway")
		}
		if v.Mask != "" {
			return out, nil, fmt.Errorf("--vmnet-mask requires --vmnet-gateway")
		}
	} else {
		if mode == vmnet.ModeBridged {
			return out, nil, fmt.Errorf("vmnet mode \"bridged\" conflicts with --vmnet-gateway")
		}
		gw, err := parseIPv4("--vmnet-gateway", v.Gateway)
		if err != nil {
			return out, nil, err
		}
		out.StartAddress = gw.String()

		if v.DHCPEnd == "" {
			b := gw.As4()
			b[3] = 254
			out.EndAddress = netip.AddrFrom4(b).String()
		} else {
			end, err := parseIPv4("--vmnet-dhcp-end", v.DHCPEnd)
			if err != nil {
				return out, nil, err
			}
			out.EndAddress = end.String()
		}

		out.SubnetMask = DefaultMask
		if v.Mask != "" {
			mask, err := parseIPv4("--vmnet-mask", v.Mask)
			if err != nil {
				return out, nil, err
			}
			out.SubnetMask = mask.String()
		}
	}

	if v.InterfaceID == "" {
		out.InterfaceID = uuid.New()
	} else {
		id, err := uuid.Parse(v.InterfaceID)
		if err != nil {
			return out, nil, fmt.Errorf("--vmnet-interface-id: failed to parse UUID %q: %w", v.InterfaceID, err)
		}
		out.InterfaceID = id
	}

	switch v.NetworkIdentifier {
	case "":
	case DefaultNetworkIdentifier:
		if mode == vmnet.ModeHost {
			out.NetworkIdentifier = uuid.New()
		}
	default:
		id, err := uuid.Parse(v.NetworkIdentifier)
		if err != nil {
			return out, nil, fmt.Errorf("--vmnet-network-identifier: failed to parse UUID %q: %w", v.NetworkIdentifier, err)
		}
		if mode == vmnet.ModeHost {
			out.NetworkIdentifier = id
		} else {
			warnings = append(warnings, fmt.Sprintf("--vmnet-network-identifier is ignored in %s mode", mode))
		}
	}

	if v.NAT66Prefix != "" {
		prefix, err := parseNAT66Prefix(v.NAT66Prefix)
		if err != nil {
			return out, nil, err
		}
		out.NAT66Prefix = prefix
	}

	return out, warnings, nil
}

func parseIPv4(flag, s string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil || !addr.Is4() {
		return netip.Addr{}, fmt.Errorf("invalid address %q was specified for %s", s, flag)
	}
	return addr, nil
}

// parseNAT66Prefix accepts a ULA prefix such as "fd00:1234::" with or
// without a /64 suffix and returns it without the suffix.
func parseNAT66Prefix(s string) (string, error) {
	a, err := netip.ParseAddr(strings.TrimSuffix(s, "/64"))
	if err != nil || !a.Is6() || a.Is4In6() {
		return "", fmt.Errorf("invalid IPv6 prefix %q was specified for --vmnet-nat66-prefix", s)
	}
	if a.As16()[0] != 0xfd {
		return "", fmt.Errorf("--vmnet-nat66-prefix %q must be a ULA (fd00::/8)", s)
	}
	return a.String(), nil
}
