// Package registry implements the peer-level operations on top of the
// configuration store and the address allocator: add, remove, list. Every
// mutation runs inside one store transaction, so the in-use address set is
// always current at decision time.
package registry

import (
	"fmt"
	"net"
	"slices"
	"strings"
	"time"

	"github.com/spochipov/wireguard-quickstart/alloc"
	"github.com/spochipov/wireguard-quickstart/reconcile"
	"github.com/spochipov/wireguard-quickstart/wgconf"
	"go.uber.org/zap"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// PeerExistsError reports that the requested label already names a peer.
type PeerExistsError struct {
	Name string
}

func (e *PeerExistsError) Error() string {
	return fmt.Sprintf("peer %q already exists", e.Name)
}

// PeerNotFoundError reports that no peer matched the identifier, naming
// the labels that do exist.
type PeerNotFoundError struct {
	Identifier string
	Available  []string
}

func (e *PeerNotFoundError) Error() string {
	if len(e.Available) == 0 {
		return fmt.Sprintf("no peer matches %q (no peers configured)", e.Identifier)
	}
	return fmt.Sprintf("no peer matches %q (available: %s)", e.Identifier, strings.Join(e.Available, ", "))
}

// Reconciler pushes a committed configuration to the live interface.
type Reconciler interface {
	Apply(cfg *wgconf.InterfaceConfig) (reconcile.AppliedDiff, error)
}

// Recorder appends provisioning events to a journal.
type Recorder interface {
	Record(op, name string, publicKey wgtypes.Key, addrs []wgconf.IPNet) error
}

const defaultKeepalive = 25 * time.Second

type Registry struct {
	Store *wgconf.Store
	// DNS servers written into client bundles. Optional.
	DNS []net.IP
	// Keepalive for new peers' client bundles. Zero means defaultKeepalive.
	Keepalive time.Duration
	// Reconciler, if set, is invoked after each committed mutation.
	// Its errors are reported, not fatal: the configuration is already
	// committed and the next reconciliation run retries naturally.
	Reconciler Reconciler
	// Recorder, if set, journals each committed mutation.
	Recorder Recorder
}

// PeerSummary is the declared-configuration view of one peer, without any
// live state.
type PeerSummary struct {
	Name      string
	PublicKey wgtypes.Key
	Addresses []wgconf.IPNet
}

// AddPeer allocates address(es) for a new peer named name, persists the
// peer, and returns the client bundle to hand to the end user. The
// bundle's private key is never persisted server-side. serverEndpoint is
// the host:port clients dial.
func (r *Registry) AddPeer(name, serverEndpoint string) (*ClientBundle, error) {
	if name == "" {
		return nil, fmt.Errorf("peer name must not be empty")
	}
	var bundle *ClientBundle
	var committed *wgconf.InterfaceConfig
	err := r.Store.WithTransaction(func(cfg *wgconf.InterfaceConfig) error {
		if _, ok := cfg.GetPeerIndex(name); ok {
			return &PeerExistsError{Name: name}
		}
		addrs, err := allocateForFamilies(cfg)
		if err != nil {
			return err
		}
		privateKey, err := wgtypes.GeneratePrivateKey()
		if err != nil {
			return fmt.Errorf("generating key pair: %w", err)
		}
		publicKey := privateKey.PublicKey()
		zap.S().Debugf("allocated %s for peer %s (%s).", joinAddrs(addrs), name, publicKey)
		cfg.Peers = append(cfg.Peers, wgconf.PeerConfig{
			Name:       name,
			PublicKey:  publicKey,
			AllowedIPs: addrs,
		})
		keepalive := r.Keepalive
		if keepalive == 0 {
			keepalive = defaultKeepalive
		}
		bundle = &ClientBundle{
			Name:                name,
			PrivateKey:          privateKey,
			Addresses:           addrs,
			ServerPublicKey:     cfg.PrivateKey.PublicKey(),
			Endpoint:            serverEndpoint,
			DNS:                 r.DNS,
			PersistentKeepalive: keepalive,
		}
		committed = cfg
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.afterCommit("add", name, bundle.PrivateKey.PublicKey(), bundle.Addresses, committed)
	return bundle, nil
}

// RemovePeer deletes the peer matching identifier, which may be a label or
// a public key; labels are tried first. Removing an absent peer is an
// error, not a no-op.
func (r *Registry) RemovePeer(identifier string) error {
	var removed wgconf.PeerConfig
	var committed *wgconf.InterfaceConfig
	err := r.Store.WithTransaction(func(cfg *wgconf.InterfaceConfig) error {
		i, ok := cfg.GetPeerIndex(identifier)
		if !ok {
			if key, err := wgtypes.ParseKey(identifier); err == nil {
				i, ok = cfg.GetPeerIndexByKey(key)
			}
		}
		if !ok {
			available := make([]string, 0, len(cfg.Peers))
			for _, peer := range cfg.Peers {
				if peer.Name != "" {
					available = append(available, peer.Name)
				}
			}
			return &PeerNotFoundError{Identifier: identifier, Available: available}
		}
		removed = cfg.Peers[i]
		cfg.Peers = slices.Delete(cfg.Peers, i, i+1)
		committed = cfg
		return nil
	})
	if err != nil {
		return err
	}
	r.afterCommit("remove", removed.Name, removed.PublicKey, removed.AllowedIPs, committed)
	return nil
}

// ListPeers projects the declared configuration into summaries. Live state
// is the reconciliation controller's business, merged by the caller.
func (r *Registry) ListPeers() ([]PeerSummary, error) {
	cfg, err := r.Store.Load()
	if err != nil {
		return nil, err
	}
	summaries := make([]PeerSummary, len(cfg.Peers))
	for i, peer := range cfg.Peers {
		summaries[i] = PeerSummary{
			Name:      peer.Name,
			PublicKey: peer.PublicKey,
			Addresses: peer.AllowedIPs,
		}
	}
	return summaries, nil
}

func (r *Registry) afterCommit(op, name string, publicKey wgtypes.Key, addrs []wgconf.IPNet, cfg *wgconf.InterfaceConfig) {
	if r.Recorder != nil {
		err := r.Recorder.Record(op, name, publicKey, addrs)
		if err != nil {
			zap.S().Errorf("journaling %s of peer %s failed: %s", op, name, err)
		}
	}
	if r.Reconciler != nil {
		diff, err := r.Reconciler.Apply(cfg)
		if err != nil {
			zap.S().Errorf("reconciling after %s of peer %s failed: %s", op, name, err)
			return
		}
		zap.S().Infof("reconciled: %d added, %d removed, %d failed.", diff.Added, diff.Removed, len(diff.Failures))
	}
}

// allocateForFamilies allocates one address per interface address family.
// Each family is allocated independently; a single-stack interface yields
// a single address.
func allocateForFamilies(cfg *wgconf.InterfaceConfig) ([]wgconf.IPNet, error) {
	claimed := cfg.ClaimedAddrs()
	var addrs []wgconf.IPNet
	for _, ifaceAddr := range cfg.Addresses {
		subnet := &net.IPNet{IP: ifaceAddr.IP.Mask(ifaceAddr.Mask), Mask: ifaceAddr.Mask}
		ip, err := alloc.Allocate(subnet, claimed)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, wgconf.IPNet{IP: ip, Mask: singletonMask(ip)})
		claimed = append(claimed, ip)
	}
	return addrs, nil
}

func singletonMask(ip net.IP) net.IPMask {
	if ip.To4() != nil {
		return net.CIDRMask(32, 32)
	}
	return net.CIDRMask(128, 128)
}

func joinAddrs(addrs []wgconf.IPNet) string {
	parts := make([]string, len(addrs))
	for i, addr := range addrs {
		parts[i] = addr.String()
	}
	return strings.Join(parts, ", ")
}
