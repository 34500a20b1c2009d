// Package config implements the node's on-disk process configuration,
// following the teacher's Default/Validate/Load/Save/Ensure shape exactly
// (defaults-then-unmarshal-then-validate), generalized to the overlay
// node's fields instead of the teacher's libp2p/presence fields.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/syuink/node/internal/overlaynet"
	"github.com/syuink/node/internal/proto"
	"github.com/syuink/node/internal/util"
)

type Config struct {
	Identity   Identity          `json:"identity"`
	Overlay    Overlay           `json:"overlay"`
	Rendezvous Rendezvous        `json:"rendezvous"`
	Direct     Direct            `json:"direct"`
	Gateway    Gateway           `json:"gateway"`
	Socks5     Socks5            `json:"socks5"`
	Services   []proto.ServiceDecl `json:"services"`
}

type Identity struct {
	IDFile string `json:"id_file"`
}

type Overlay struct {
	CIDR      string `json:"cidr"`
	StartIP   string `json:"start_ip"`
	IfaceName string `json:"iface_name,omitempty"`
}

type Rendezvous struct {
	BaseURL string `json:"base_url"`
	Group   string `json:"group"`
	Token   string `json:"token,omitempty"`
}

type Direct struct {
	ListenPort      int `json:"listen_port"`
	KeepAliveSec    int `json:"keep_alive_seconds"`
	ConnectTimeoutSec int `json:"connect_timeout_seconds"`
}

type Gateway struct {
	Enabled        bool `json:"enabled"`
	FlowIdleSec    int  `json:"flow_idle_seconds"`
}

type Socks5 struct {
	PreferredPort int `json:"preferred_port"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			IDFile: "data/identity.id",
		},
		Overlay: Overlay{
			CIDR:      overlaynet.DefaultCIDR,
			StartIP:   overlaynet.DefaultStart.String(),
			IfaceName: "",
		},
		Rendezvous: Rendezvous{
			BaseURL: "",
			Group:   "default",
			Token:   "",
		},
		Direct: Direct{
			ListenPort:        0,
			KeepAliveSec:      5,
			ConnectTimeoutSec: 5,
		},
		Gateway: Gateway{
			Enabled:     false,
			FlowIdleSec: 30,
		},
		Socks5: Socks5{
			PreferredPort: 1080,
		},
		Services: nil,
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Identity.IDFile) == "" {
		return errors.New("identity.id_file is required")
	}

	if strings.TrimSpace(c.Overlay.CIDR) == "" {
		return errors.New("overlay.cidr is required")
	}
	if _, err := overlaynet.Parse(c.Overlay.CIDR); err != nil {
		return fmt.Errorf("overlay.cidr: %w", err)
	}
	if strings.TrimSpace(c.Overlay.StartIP) == "" {
		return errors.New("overlay.start_ip is required")
	}

	if strings.TrimSpace(c.Rendezvous.Group) == "" {
		return errors.New("rendezvous.group is required")
	}
	if raw := strings.TrimSpace(c.Rendezvous.BaseURL); raw != "" {
		if err := validateRendezvousURL(raw); err != nil {
			return fmt.Errorf("rendezvous.base_url: %w", err)
		}
	}

	if c.Direct.ListenPort < 0 || c.Direct.ListenPort > 65535 {
		return errors.New("direct.listen_port must be 0..65535")
	}
	if c.Direct.KeepAliveSec <= 0 {
		return errors.New("direct.keep_alive_seconds must be > 0")
	}
	if c.Direct.ConnectTimeoutSec <= 0 {
		return errors.New("direct.connect_timeout_seconds must be > 0")
	}

	if c.Gateway.FlowIdleSec <= 0 {
		return errors.New("gateway.flow_idle_seconds must be > 0")
	}

	if c.Socks5.PreferredPort < 0 || c.Socks5.PreferredPort > 65535 {
		return errors.New("socks5.preferred_port must be 0..65535")
	}

	for i, svc := range c.Services {
		if strings.TrimSpace(svc.IP) == "" {
			return fmt.Errorf("services[%d].ip is required", i)
		}
		if svc.Proto != "tcp" && svc.Proto != "udp" {
			return fmt.Errorf("services[%d].proto must be tcp or udp", i)
		}
	}

	return nil
}

// validateRendezvousURL mirrors the teacher's validateWANRendezvous: the
// rendezvous base must be a real http(s) remote, never unspecified.
func validateRendezvousURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("scheme must be http or https")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config
// file. Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
