//go:build linux

package main

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spochipov/wireguard-quickstart/agent"
	"github.com/spochipov/wireguard-quickstart/discover"
	"github.com/spochipov/wireguard-quickstart/reconcile"
	"github.com/spochipov/wireguard-quickstart/wgconf"
	"go.uber.org/zap"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
	"gopkg.in/yaml.v3"
)

const defaultToolConfigPath = "/etc/wgadmin.yaml"

// ToolConfig is the tool-level configuration, distinct from the WireGuard
// configuration file it manages.
type ToolConfig struct {
	// Device is the interface name, e.g. wg0.
	Device string `yaml:"device"`
	// ConfigPath is the WireGuard configuration file.
	ConfigPath string `yaml:"config_path"`
	// Endpoint is the host:port clients dial. A bare ":port" or empty
	// host triggers public-address discovery.
	Endpoint string `yaml:"endpoint"`
	// DNS servers written into client bundles.
	DNS []string `yaml:"dns"`
	// LockTimeout bounds the wait for the configuration lock.
	LockTimeout time.Duration `yaml:"lock_timeout"`
	JournalPath string        `yaml:"journal_path"`
	// Resolvers for public-address discovery. Empty means OpenDNS.
	Resolvers []string `yaml:"resolvers"`
	// AgentSocket, if set, routes live-interface operations through the
	// wgadmin-agent RPC socket instead of wgctrl directly.
	AgentSocket string `yaml:"agent_socket"`
}

func LoadToolConfig(path string) (*ToolConfig, error) {
	tc := &ToolConfig{
		Device:     "wg0",
		ConfigPath: "/etc/wireguard/wg0.conf",
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) && path == defaultToolConfigPath {
		zap.S().Debugf("no tool config at %s, using defaults.", path)
		return tc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading tool config %s: %w", path, err)
	}
	err = yaml.Unmarshal(data, tc)
	if err != nil {
		return nil, fmt.Errorf("parsing tool config %s: %w", path, err)
	}
	return tc, nil
}

func (tc *ToolConfig) store() *wgconf.Store {
	store := wgconf.NewStore(tc.ConfigPath)
	if tc.LockTimeout != 0 {
		store.LockTimeout = tc.LockTimeout
	}
	return store
}

func (tc *ToolConfig) dnsIPs() []net.IP {
	var ips []net.IP
	for _, s := range tc.DNS {
		if ip := net.ParseIP(s); ip != nil {
			ips = append(ips, ip)
		} else {
			zap.S().Errorf("ignoring bad DNS address %q in tool config.", s)
		}
	}
	return ips
}

// serverEndpoint resolves the endpoint clients dial. A missing host is
// filled by public-address discovery; a missing port by the interface's
// ListenPort.
func (tc *ToolConfig) serverEndpoint() (string, error) {
	host, port, _ := strings.Cut(tc.Endpoint, ":")
	if host != "" && port != "" {
		return tc.Endpoint, nil
	}
	if port == "" {
		cfg, err := tc.store().Load()
		if err != nil {
			return "", err
		}
		if cfg.ListenPort == 0 {
			return "", fmt.Errorf("no endpoint configured and no ListenPort in %s", tc.ConfigPath)
		}
		port = fmt.Sprint(cfg.ListenPort)
	}
	if host == "" {
		d := &discover.Discoverer{Resolvers: tc.Resolvers}
		ip, err := d.PublicAddress()
		if err != nil {
			return "", fmt.Errorf("no endpoint configured: %w", err)
		}
		host = ip.String()
	}
	return net.JoinHostPort(host, port), nil
}

// liveStatus queries the running interface, via the agent socket when one
// is configured.
func (tc *ToolConfig) liveStatus() (map[wgtypes.Key]reconcile.LivePeerStatus, error) {
	if tc.AgentSocket != "" {
		client, err := agent.Dial(tc.AgentSocket)
		if err != nil {
			return nil, err
		}
		defer client.Close()
		peers, err := client.Status()
		if err != nil {
			return nil, err
		}
		status := make(map[wgtypes.Key]reconcile.LivePeerStatus, len(peers))
		for _, peer := range peers {
			status[peer.PublicKey] = peer
		}
		return status, nil
	}
	engine, err := reconcile.NewWGEngine()
	if err != nil {
		zap.S().Infof("tunnel engine unavailable, listing declared peers only: %s", err)
		return map[wgtypes.Key]reconcile.LivePeerStatus{}, nil
	}
	defer engine.Close()
	return reconcile.NewController(tc.Device, engine).LiveStatus()
}
