package wgconf

import (
	"fmt"
	"strings"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// Serialize renders the configuration deterministically: fixed field order
// within each section, peers in insertion order, labels as comment lines.
// Parse(Serialize(c)) reproduces c.
func Serialize(cfg *InterfaceConfig) []byte {
	var b strings.Builder
	b.WriteString("[Interface]\n")
	if cfg.PrivateKey != (wgtypes.Key{}) {
		fmt.Fprintf(&b, "PrivateKey = %s\n", cfg.PrivateKey)
	}
	if len(cfg.Addresses) > 0 {
		fmt.Fprintf(&b, "Address = %s\n", joinIPNets(cfg.Addresses))
	}
	if cfg.ListenPort != 0 {
		fmt.Fprintf(&b, "ListenPort = %d\n", cfg.ListenPort)
	}
	if cfg.MTU != 0 {
		fmt.Fprintf(&b, "MTU = %d\n", cfg.MTU)
	}
	if len(cfg.DNS) > 0 {
		parts := make([]string, len(cfg.DNS))
		for i, ip := range cfg.DNS {
			parts[i] = ip.String()
		}
		fmt.Fprintf(&b, "DNS = %s\n", strings.Join(parts, ", "))
	}
	for _, cmd := range cfg.PreUp {
		fmt.Fprintf(&b, "PreUp = %s\n", cmd)
	}
	for _, cmd := range cfg.PostUp {
		fmt.Fprintf(&b, "PostUp = %s\n", cmd)
	}
	for _, cmd := range cfg.PostDown {
		fmt.Fprintf(&b, "PostDown = %s\n", cmd)
	}
	for _, peer := range cfg.Peers {
		b.WriteString("\n")
		if peer.Name != "" {
			fmt.Fprintf(&b, "# %s\n", peer.Name)
		}
		b.WriteString("[Peer]\n")
		fmt.Fprintf(&b, "PublicKey = %s\n", peer.PublicKey)
		if peer.PresharedKey != nil {
			fmt.Fprintf(&b, "PresharedKey = %s\n", peer.PresharedKey)
		}
		if len(peer.AllowedIPs) > 0 {
			fmt.Fprintf(&b, "AllowedIPs = %s\n", joinIPNets(peer.AllowedIPs))
		}
		if peer.Endpoint != "" {
			fmt.Fprintf(&b, "Endpoint = %s\n", peer.Endpoint)
		}
		if peer.PersistentKeepalive != 0 {
			fmt.Fprintf(&b, "PersistentKeepalive = %d\n", int(peer.PersistentKeepalive/time.Second))
		}
	}
	return []byte(b.String())
}

func joinIPNets(nets []IPNet) string {
	parts := make([]string, len(nets))
	for i, n := range nets {
		parts[i] = n.String()
	}
	return strings.Join(parts, ", ")
}
