// Package lnxconfig loads a host's virtual network and transport settings.
package lnxconfig

import (
	"net/netip"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"vtcp/logging"
	protocol "vtcp/pkg"
)

type InterfaceConfig struct {
	Name           string `mapstructure:"name"`
	AssignedPrefix string `mapstructure:"assigned_prefix"` // e.g. 10.0.0.1/24
	UDPAddr        string `mapstructure:"udp_addr"`        // where this interface binds
}

type NeighborConfig struct {
	DestAddr      string `mapstructure:"dest_addr"`
	UDPAddr       string `mapstructure:"udp_addr"`
	InterfaceName string `mapstructure:"interface_name"`
}

type TCPConfig struct {
	MSS               int           `mapstructure:"mss"`
	InitialCwnd       int           `mapstructure:"initial_cwnd"`
	Ssthresh          int           `mapstructure:"ssthresh"`
	RecvWindow        int           `mapstructure:"recv_window"`
	FastRetransmit    bool          `mapstructure:"fast_retransmit"`
	CongestionControl string        `mapstructure:"congestion_control"`
	RTO               time.Duration `mapstructure:"rto"`
	MaxRetransmits    int           `mapstructure:"max_retransmits"`
	TimeWait          time.Duration `mapstructure:"time_wait"`
	RSTOnUnknown      bool          `mapstructure:"rst_on_unknown"`
}

type IPConfig struct {
	Interfaces []InterfaceConfig `mapstructure:"interfaces"`
	Neighbors  []NeighborConfig  `mapstructure:"neighbors"`
	TCP        TCPConfig         `mapstructure:"tcp"`
	Log        logging.Config    `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	d := protocol.DefaultTCPOptions()
	v.SetDefault("tcp.mss", d.MSS)
	v.SetDefault("tcp.initial_cwnd", d.InitialCwnd)
	v.SetDefault("tcp.ssthresh", d.Ssthresh)
	v.SetDefault("tcp.recv_window", d.RecvWindow)
	v.SetDefault("tcp.fast_retransmit", d.FastRetransmit)
	v.SetDefault("tcp.congestion_control", d.CongestionControl)
	v.SetDefault("tcp.rto", d.RTO)
	v.SetDefault("tcp.max_retransmits", d.MaxRetransmits)
	v.SetDefault("tcp.time_wait", d.TimeWait)
	v.SetDefault("tcp.rst_on_unknown", d.RSTOnUnknown)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file.enabled", false)
	v.SetDefault("log.file.max_size_mb", 10)
	v.SetDefault("log.file.max_backups", 3)
	v.SetDefault("log.file.max_age_days", 7)
}

// ParseConfig reads a host file. Any key can be overridden from the
// environment, e.g. VHOST_TCP_RTO=500ms.
func ParseConfig(path string) (*IPConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if ext := strings.TrimPrefix(filepath.Ext(path), "."); ext == "lnx" {
		v.SetConfigType("yaml")
	}
	v.SetEnvPrefix("VHOST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", path)
	}

	var config IPConfig
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *IPConfig) Validate() error {
	if len(c.Interfaces) == 0 {
		return errors.New("at least one interface is required")
	}
	seen := make(map[string]bool, len(c.Interfaces))
	for _, iface := range c.Interfaces {
		if iface.Name == "" {
			return errors.New("interface without a name")
		}
		if seen[iface.Name] {
			return errors.Errorf("duplicate interface %s", iface.Name)
		}
		seen[iface.Name] = true
		if _, err := iface.Prefix(); err != nil {
			return err
		}
		if _, err := iface.UDP(); err != nil {
			return err
		}
	}
	for _, n := range c.Neighbors {
		if _, err := n.Dest(); err != nil {
			return err
		}
		if _, err := n.UDP(); err != nil {
			return err
		}
		if n.InterfaceName != "" && !seen[n.InterfaceName] {
			return errors.Errorf("neighbor %s references unknown interface %s", n.DestAddr, n.InterfaceName)
		}
	}
	return c.TCP.Validate()
}

func (t TCPConfig) Validate() error {
	if t.MSS <= 0 || t.MSS > 1360 {
		return errors.Errorf("tcp.mss must be in (0, 1360], got %d", t.MSS)
	}
	if t.RecvWindow <= 0 || t.RecvWindow > 0xffff {
		return errors.Errorf("tcp.recv_window must be in (0, 65535], got %d", t.RecvWindow)
	}
	if t.Ssthresh < t.MSS {
		return errors.Errorf("tcp.ssthresh must be at least mss, got %d", t.Ssthresh)
	}
	if t.RTO <= 0 {
		return errors.Errorf("tcp.rto must be positive, got %s", t.RTO)
	}
	if t.MaxRetransmits < 0 {
		return errors.Errorf("tcp.max_retransmits must not be negative, got %d", t.MaxRetransmits)
	}
	if t.TimeWait < 0 {
		return errors.Errorf("tcp.time_wait must not be negative, got %s", t.TimeWait)
	}
	switch t.CongestionControl {
	case protocol.CongestionReno, protocol.CongestionNone:
	default:
		return errors.Errorf("unknown tcp.congestion_control %q", t.CongestionControl)
	}
	return nil
}

func (t TCPConfig) Options() protocol.TCPOptions {
	return protocol.TCPOptions{
		MSS:               t.MSS,
		InitialCwnd:       t.InitialCwnd,
		Ssthresh:          t.Ssthresh,
		RecvWindow:        t.RecvWindow,
		FastRetransmit:    t.FastRetransmit,
		CongestionControl: t.CongestionControl,
		RTO:               t.RTO,
		MaxRetransmits:    t.MaxRetransmits,
		TimeWait:          t.TimeWait,
		RSTOnUnknown:      t.RSTOnUnknown,
	}
}

func (i InterfaceConfig) Prefix() (netip.Prefix, error) {
	prefix, err := netip.ParsePrefix(i.AssignedPrefix)
	if err != nil {
		return netip.Prefix{}, errors.Wrapf(err, "interface %s", i.Name)
	}
	if !prefix.Addr().Is4() {
		return netip.Prefix{}, errors.Errorf("interface %s: %s is not IPv4", i.Name, prefix)
	}
	return prefix, nil
}

func (i InterfaceConfig) UDP() (netip.AddrPort, error) {
	addr, err := netip.ParseAddrPort(i.UDPAddr)
	return addr, errors.Wrapf(err, "interface %s", i.Name)
}

func (n NeighborConfig) Dest() (netip.Addr, error) {
	addr, err := netip.ParseAddr(n.DestAddr)
	return addr, errors.Wrap(err, "neighbor")
}

func (n NeighborConfig) UDP() (netip.AddrPort, error) {
	addr, err := netip.ParseAddrPort(n.UDPAddr)
	return addr, errors.Wrapf(err, "neighbor %s", n.DestAddr)
}
