package registry

import (
	"net"
	"time"

	"github.com/spochipov/wireguard-quickstart/wgconf"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// ClientBundle is the private-key-bearing counterpart configuration handed
// to the end user at creation time. It is generated once and never
// retained server-side; the server stores only the public key.
type ClientBundle struct {
	Name                string
	PrivateKey          wgtypes.Key
	Addresses           []wgconf.IPNet
	ServerPublicKey     wgtypes.Key
	Endpoint            string
	DNS                 []net.IP
	PersistentKeepalive time.Duration
}

// Config builds the client-side interface configuration: the peer's own
// addresses, the server as sole peer, and a default route through the
// tunnel.
func (b *ClientBundle) Config() *wgconf.InterfaceConfig {
	allowed := []wgconf.IPNet{defaultRouteV4()}
	for _, addr := range b.Addresses {
		if addr.IP.To4() == nil {
			allowed = append(allowed, defaultRouteV6())
			break
		}
	}
	return &wgconf.InterfaceConfig{
		PrivateKey: b.PrivateKey,
		Addresses:  b.Addresses,
		DNS:        b.DNS,
		Peers: []wgconf.PeerConfig{{
			Name:                "server",
			PublicKey:           b.ServerPublicKey,
			Endpoint:            b.Endpoint,
			PersistentKeepalive: b.PersistentKeepalive,
			AllowedIPs:          allowed,
		}},
	}
}

// Render serializes the client configuration file text.
func (b *ClientBundle) Render() []byte {
	return wgconf.Serialize(b.Config())
}

func defaultRouteV4() wgconf.IPNet {
	return wgconf.IPNet{IP: net.IPv4zero.To4(), Mask: net.CIDRMask(0, 32)}
}

func defaultRouteV6() wgconf.IPNet {
	return wgconf.IPNet{IP: net.IPv6zero, Mask: net.CIDRMask(0, 128)}
}
