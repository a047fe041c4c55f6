package reconcile

import (
	"fmt"
	"net"

	"github.com/spochipov/wireguard-quickstart/wgconf"
	"go.uber.org/zap"
	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// WGEngine drives the kernel WireGuard implementation through wgctrl.
type WGEngine struct {
	client *wgctrl.Client
}

var _ Engine = (*WGEngine)(nil)

func NewWGEngine() (*WGEngine, error) {
	client, err := wgctrl.New()
	if err != nil {
		return nil, fmt.Errorf("opening wgctrl: %w", err)
	}
	return &WGEngine{client: client}, nil
}

func (e *WGEngine) Close() error {
	return e.client.Close()
}

func (e *WGEngine) ListPeers(device string) ([]LivePeerStatus, error) {
	dev, err := e.client.Device(device)
	if err != nil {
		return nil, err
	}
	peers := make([]LivePeerStatus, len(dev.Peers))
	for i, peer := range dev.Peers {
		peers[i] = LivePeerStatus{
			PublicKey:           peer.PublicKey,
			Endpoint:            peer.Endpoint,
			LastHandshake:       peer.LastHandshakeTime,
			ReceiveBytes:        peer.ReceiveBytes,
			TransmitBytes:       peer.TransmitBytes,
			PersistentKeepalive: peer.PersistentKeepaliveInterval,
			AllowedIPs:          peer.AllowedIPs,
		}
	}
	return peers, nil
}

func (e *WGEngine) AddPeer(device string, peer wgconf.PeerConfig) error {
	pc, err := peerConfigToWG(peer)
	if err != nil {
		return err
	}
	err = e.client.ConfigureDevice(device, wgtypes.Config{Peers: []wgtypes.PeerConfig{pc}})
	if err != nil {
		return fmt.Errorf("configuring peer %s on %s: %w", peer.PublicKey, device, err)
	}
	return nil
}

func (e *WGEngine) RemovePeer(device string, publicKey wgtypes.Key) error {
	err := e.client.ConfigureDevice(device, wgtypes.Config{
		Peers: []wgtypes.PeerConfig{{PublicKey: publicKey, Remove: true}},
	})
	if err != nil {
		return fmt.Errorf("removing peer %s from %s: %w", publicKey, device, err)
	}
	return nil
}

func peerConfigToWG(peer wgconf.PeerConfig) (wgtypes.PeerConfig, error) {
	pc := wgtypes.PeerConfig{
		PublicKey:         peer.PublicKey,
		PresharedKey:      peer.PresharedKey,
		ReplaceAllowedIPs: true,
		AllowedIPs:        ipNetsToStd(peer.AllowedIPs),
	}
	if peer.PersistentKeepalive != 0 {
		keepalive := peer.PersistentKeepalive
		pc.PersistentKeepaliveInterval = &keepalive
	}
	if peer.Endpoint != "" {
		zap.S().Debugf("resolving endpoint %s for peer %s.", peer.Endpoint, peer.Name)
		endpoint, err := net.ResolveUDPAddr("udp", peer.Endpoint)
		if err != nil {
			return wgtypes.PeerConfig{}, fmt.Errorf("resolving %s for peer %s: %w", peer.Endpoint, peer.Name, err)
		}
		pc.Endpoint = endpoint
	}
	return pc, nil
}

func ipNetsToStd(s []wgconf.IPNet) []net.IPNet {
	s2 := make([]net.IPNet, len(s))
	for i := range s {
		s2[i] = net.IPNet(s[i])
	}
	return s2
}
