// Package wgconf parses, represents, and serializes a WireGuard server
// configuration file, and provides transactional read-modify-write access
// to it.
package wgconf

import (
	"bytes"
	"net"
	"slices"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// IPNet is a net.IPNet that keeps the host bits of its IP.
// net.ParseCIDR masks them off, which loses the interface address in
// e.g. "10.50.0.1/24".
type IPNet net.IPNet

func (in IPNet) String() string {
	n := net.IPNet(in)
	return n.String()
}

// ParseAddress parses an address/prefix token such as "10.50.0.1/24",
// keeping the host bits.
func ParseAddress(s string) (IPNet, error) {
	ip, ipNet, err := net.ParseCIDR(s)
	if err != nil {
		return IPNet{}, err
	}
	return IPNet{IP: ip, Mask: ipNet.Mask}, nil
}

func ipNetEqual(a, b IPNet) bool {
	return a.IP.Equal(b.IP) && bytes.Equal(a.Mask, b.Mask)
}

// Singleton reports whether the prefix covers exactly one address
// (/32 for IPv4, /128 for IPv6).
func (in IPNet) Singleton() bool {
	ones, bits := in.Mask.Size()
	return ones == bits && bits != 0
}

// InterfaceConfig is the in-memory form of a configuration file: one
// [Interface] section and its ordered [Peer] blocks. Mutate it only inside
// Store.WithTransaction.
type InterfaceConfig struct {
	PrivateKey wgtypes.Key
	ListenPort int
	// Addresses holds the interface's own address per family, host bits
	// intact (e.g. 10.50.0.1/24, fd00::1/64).
	Addresses []IPNet
	MTU       int
	DNS       []net.IP
	PreUp     []string
	PostUp    []string
	PostDown  []string
	Peers     []PeerConfig
}

// PeerConfig is one [Peer] block. The label is stored as a comment line
// immediately above the block.
type PeerConfig struct {
	Name                string
	PublicKey           wgtypes.Key
	PresharedKey        *wgtypes.Key
	Endpoint            string
	PersistentKeepalive time.Duration
	// AllowedIPs must contain the peer's assigned address(es) as
	// /32 or /128 singletons.
	AllowedIPs []IPNet
}

func (c *InterfaceConfig) GetPeer(name string) (PeerConfig, bool) {
	i, ok := c.GetPeerIndex(name)
	if !ok {
		return PeerConfig{}, false
	}
	return c.Peers[i], true
}

func (c *InterfaceConfig) GetPeerIndex(name string) (int, bool) {
	i := slices.IndexFunc(c.Peers, func(p PeerConfig) bool { return p.Name == name })
	return i, i != -1
}

func (c *InterfaceConfig) GetPeerIndexByKey(key wgtypes.Key) (int, bool) {
	i := slices.IndexFunc(c.Peers, func(p PeerConfig) bool { return p.PublicKey == key })
	return i, i != -1
}

// ClaimedAddrs returns every singleton address claimed in the
// configuration: the interface's own addresses plus every peer's
// /32 and /128 allowed-IPs. Derived fresh on each call, never cached.
func (c *InterfaceConfig) ClaimedAddrs() []net.IP {
	var addrs []net.IP
	for _, addr := range c.Addresses {
		addrs = append(addrs, addr.IP)
	}
	for _, peer := range c.Peers {
		for _, allowed := range peer.AllowedIPs {
			if allowed.Singleton() {
				addrs = append(addrs, allowed.IP)
			}
		}
	}
	return addrs
}

func (a *InterfaceConfig) Equal(b *InterfaceConfig) bool {
	return a.PrivateKey == b.PrivateKey &&
		a.ListenPort == b.ListenPort &&
		slices.EqualFunc(a.Addresses, b.Addresses, ipNetEqual) &&
		a.MTU == b.MTU &&
		slices.EqualFunc(a.DNS, b.DNS, func(x, y net.IP) bool { return x.Equal(y) }) &&
		slices.Equal(a.PreUp, b.PreUp) &&
		slices.Equal(a.PostUp, b.PostUp) &&
		slices.Equal(a.PostDown, b.PostDown) &&
		slices.EqualFunc(a.Peers, b.Peers, func(x, y PeerConfig) bool { return x.Equal(y) })
}

func (a PeerConfig) Equal(b PeerConfig) bool {
	return a.Name == b.Name &&
		a.PublicKey == b.PublicKey &&
		(a.PresharedKey == nil && b.PresharedKey == nil ||
			a.PresharedKey != nil && b.PresharedKey != nil && *a.PresharedKey == *b.PresharedKey) &&
		a.Endpoint == b.Endpoint &&
		a.PersistentKeepalive == b.PersistentKeepalive &&
		slices.EqualFunc(a.AllowedIPs, b.AllowedIPs, ipNetEqual)
}

func (c *InterfaceConfig) Clone() *InterfaceConfig {
	c2 := &InterfaceConfig{
		PrivateKey: c.PrivateKey,
		ListenPort: c.ListenPort,
		MTU:        c.MTU,
	}
	c2.Addresses = make([]IPNet, len(c.Addresses))
	for i, addr := range c.Addresses {
		c2.Addresses[i] = cloneIPNet(addr)
	}
	c2.DNS = make([]net.IP, len(c.DNS))
	for i, ip := range c.DNS {
		c2.DNS[i] = slices.Clone(ip)
	}
	c2.PreUp = slices.Clone(c.PreUp)
	c2.PostUp = slices.Clone(c.PostUp)
	c2.PostDown = slices.Clone(c.PostDown)
	c2.Peers = make([]PeerConfig, len(c.Peers))
	for i, peer := range c.Peers {
		c2.Peers[i] = peer.Clone()
	}
	return c2
}

func (p PeerConfig) Clone() PeerConfig {
	p2 := PeerConfig{
		Name:                p.Name,
		PublicKey:           p.PublicKey,
		Endpoint:            p.Endpoint,
		PersistentKeepalive: p.PersistentKeepalive,
	}
	if p.PresharedKey != nil {
		psk := *p.PresharedKey
		p2.PresharedKey = &psk
	}
	p2.AllowedIPs = make([]IPNet, len(p.AllowedIPs))
	for i, allowed := range p.AllowedIPs {
		p2.AllowedIPs[i] = cloneIPNet(allowed)
	}
	return p2
}

func cloneIPNet(in IPNet) IPNet {
	return IPNet{IP: slices.Clone(in.IP), Mask: slices.Clone(in.Mask)}
}
