// Package reconcile synchronizes a running WireGuard interface's live peer
// set with the declared configuration. The diff is keyed by public key:
// peers present on both sides are never touched, so their sessions,
// handshake state, and transfer counters survive reconciliation.
package reconcile

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spochipov/wireguard-quickstart/wgconf"
	"go.uber.org/zap"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// LivePeerStatus is a snapshot of one peer on the running interface.
// Sourced from the kernel for a single query, never persisted.
type LivePeerStatus struct {
	PublicKey           wgtypes.Key
	Endpoint            *net.UDPAddr
	LastHandshake       time.Time // zero means never
	ReceiveBytes        int64
	TransmitBytes       int64
	PersistentKeepalive time.Duration
	AllowedIPs          []net.IPNet
}

// Engine is the narrow control surface of the tunnel engine.
// ListPeers reports os.ErrNotExist (wrapped) when the interface is absent.
type Engine interface {
	ListPeers(device string) ([]LivePeerStatus, error)
	AddPeer(device string, peer wgconf.PeerConfig) error
	RemovePeer(device string, publicKey wgtypes.Key) error
}

// InterfaceDownError reports that the interface does not exist; the caller
// may bring it up fresh from the full configuration instead of diffing.
type InterfaceDownError struct {
	Device string
}

func (e *InterfaceDownError) Error() string {
	return fmt.Sprintf("interface %s is not running", e.Device)
}

// PeerFailure is one engine-level add or remove that failed during a
// reconciliation that otherwise continued.
type PeerFailure struct {
	PublicKey wgtypes.Key
	Op        string // "add" or "remove"
	Err       string
}

// AppliedDiff reports what a reconciliation did. Failures is non-empty for
// a partial result; the unaffected peers were still processed.
type AppliedDiff struct {
	Added    int
	Removed  int
	Failures []PeerFailure
}

type Controller struct {
	Device string
	Engine Engine
}

func NewController(device string, engine Engine) *Controller {
	return &Controller{Device: device, Engine: engine}
}

// Apply pushes the difference between the live peer set and cfg's declared
// peers to the engine. A failing peer is recorded and skipped; the rest of
// the diff still goes through. Applying the same configuration twice with
// no external changes yields a zero diff on the second call.
func (c *Controller) Apply(cfg *wgconf.InterfaceConfig) (AppliedDiff, error) {
	live, err := c.Engine.ListPeers(c.Device)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return AppliedDiff{}, &InterfaceDownError{Device: c.Device}
		}
		return AppliedDiff{}, fmt.Errorf("listing live peers on %s: %w", c.Device, err)
	}
	liveKeys := map[wgtypes.Key]struct{}{}
	for _, p := range live {
		liveKeys[p.PublicKey] = struct{}{}
	}
	declared := map[wgtypes.Key]struct{}{}
	for _, p := range cfg.Peers {
		declared[p.PublicKey] = struct{}{}
	}

	var diff AppliedDiff
	for _, peer := range cfg.Peers {
		if _, ok := liveKeys[peer.PublicKey]; ok {
			continue
		}
		zap.S().Debugf("adding peer %s (%s) to %s.", peer.Name, peer.PublicKey, c.Device)
		err = c.Engine.AddPeer(c.Device, peer)
		if err != nil {
			zap.S().Errorf("adding peer %s to %s failed: %s", peer.PublicKey, c.Device, err)
			diff.Failures = append(diff.Failures, PeerFailure{PublicKey: peer.PublicKey, Op: "add", Err: err.Error()})
			continue
		}
		diff.Added++
	}
	for _, p := range live {
		if _, ok := declared[p.PublicKey]; ok {
			continue
		}
		zap.S().Debugf("removing peer %s from %s.", p.PublicKey, c.Device)
		err = c.Engine.RemovePeer(c.Device, p.PublicKey)
		if err != nil {
			zap.S().Errorf("removing peer %s from %s failed: %s", p.PublicKey, c.Device, err)
			diff.Failures = append(diff.Failures, PeerFailure{PublicKey: p.PublicKey, Op: "remove", Err: err.Error()})
			continue
		}
		diff.Removed++
	}
	zap.S().Debugf("reconciled %s: %d added, %d removed, %d failed.", c.Device, diff.Added, diff.Removed, len(diff.Failures))
	return diff, nil
}

// LiveStatus returns the running interface's peers keyed by public key.
// Tolerant of the interface being down: that yields an empty map, not an
// error.
func (c *Controller) LiveStatus() (map[wgtypes.Key]LivePeerStatus, error) {
	live, err := c.Engine.ListPeers(c.Device)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[wgtypes.Key]LivePeerStatus{}, nil
		}
		return nil, fmt.Errorf("listing live peers on %s: %w", c.Device, err)
	}
	status := make(map[wgtypes.Key]LivePeerStatus, len(live))
	for _, p := range live {
		status[p.PublicKey] = p
	}
	return status, nil
}
