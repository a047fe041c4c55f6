package reconcile

import (
	"errors"
	"fmt"
	"net"
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/spochipov/wireguard-quickstart/wgconf"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// fakeEngine keeps the live peer set in memory and records every call.
type fakeEngine struct {
	peers   map[wgtypes.Key]LivePeerStatus
	down    bool
	failAdd map[wgtypes.Key]bool
	calls   []string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{peers: map[wgtypes.Key]LivePeerStatus{}}
}

func (e *fakeEngine) ListPeers(device string) ([]LivePeerStatus, error) {
	if e.down {
		return nil, fmt.Errorf("device %s: %w", device, os.ErrNotExist)
	}
	out := make([]LivePeerStatus, 0, len(e.peers))
	for _, p := range e.peers {
		out = append(out, p)
	}
	return out, nil
}

func (e *fakeEngine) AddPeer(device string, peer wgconf.PeerConfig) error {
	e.calls = append(e.calls, "add "+peer.PublicKey.String())
	if e.failAdd[peer.PublicKey] {
		return errors.New("engine rejected peer")
	}
	e.peers[peer.PublicKey] = LivePeerStatus{PublicKey: peer.PublicKey}
	return nil
}

func (e *fakeEngine) RemovePeer(device string, publicKey wgtypes.Key) error {
	e.calls = append(e.calls, "remove "+publicKey.String())
	delete(e.peers, publicKey)
	return nil
}

func declaring(keys ...wgtypes.Key) *wgconf.InterfaceConfig {
	cfg := &wgconf.InterfaceConfig{PrivateKey: wgtypes.Key{9}}
	for i, key := range keys {
		cfg.Peers = append(cfg.Peers, wgconf.PeerConfig{
			Name:      fmt.Sprintf("peer%d", i),
			PublicKey: key,
			AllowedIPs: []wgconf.IPNet{{
				IP:   net.IPv4(10, 50, 0, byte(2+i)),
				Mask: net.CIDRMask(32, 32),
			}},
		})
	}
	return cfg
}

func TestApplyAddsAndRemoves(t *testing.T) {
	a, b, c := wgtypes.Key{1}, wgtypes.Key{2}, wgtypes.Key{3}
	engine := newFakeEngine()
	engine.peers[b] = LivePeerStatus{PublicKey: b}
	engine.peers[c] = LivePeerStatus{PublicKey: c}
	ctrl := NewController("wg0", engine)

	diff, err := ctrl.Apply(declaring(a, b))
	if err != nil {
		t.Fatal(err)
	}
	want := AppliedDiff{Added: 1, Removed: 1}
	if !cmp.Equal(diff, want) {
		t.Fatal(cmp.Diff(diff, want))
	}
	// b was present on both sides and must not have been touched
	for _, call := range engine.calls {
		if call == "add "+b.String() || call == "remove "+b.String() {
			t.Fatalf("reconciliation touched an unchanged peer: %s", call)
		}
	}
	if _, ok := engine.peers[a]; !ok {
		t.Fatal("declared peer not added")
	}
	if _, ok := engine.peers[c]; ok {
		t.Fatal("undeclared peer not removed")
	}
}

func TestApplyIdempotent(t *testing.T) {
	a, b := wgtypes.Key{1}, wgtypes.Key{2}
	engine := newFakeEngine()
	ctrl := NewController("wg0", engine)
	cfg := declaring(a, b)

	first, err := ctrl.Apply(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if first.Added != 2 || first.Removed != 0 {
		t.Fatalf("first apply: %+v", first)
	}
	second, err := ctrl.Apply(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if second.Added != 0 || second.Removed != 0 || len(second.Failures) != 0 {
		t.Fatalf("second apply is not a zero diff: %+v", second)
	}
}

func TestApplyPartialFailure(t *testing.T) {
	a, b, c := wgtypes.Key{1}, wgtypes.Key{2}, wgtypes.Key{3}
	engine := newFakeEngine()
	engine.failAdd = map[wgtypes.Key]bool{b: true}
	ctrl := NewController("wg0", engine)

	diff, err := ctrl.Apply(declaring(a, b, c))
	if err != nil {
		t.Fatal(err)
	}
	if diff.Added != 2 {
		t.Errorf("added %d peers; want the 2 unaffected ones", diff.Added)
	}
	if len(diff.Failures) != 1 {
		t.Fatalf("failures %v; want exactly one", diff.Failures)
	}
	failure := diff.Failures[0]
	if failure.PublicKey != b || failure.Op != "add" || failure.Err == "" {
		t.Errorf("failure %+v does not identify the bad peer", failure)
	}
	// the peers after the failing one were still processed
	if _, ok := engine.peers[c]; !ok {
		t.Fatal("peer after the failure was not added")
	}
}

func TestApplyInterfaceDown(t *testing.T) {
	engine := newFakeEngine()
	engine.down = true
	ctrl := NewController("wg0", engine)

	_, err := ctrl.Apply(declaring(wgtypes.Key{1}))
	var downErr *InterfaceDownError
	if !errors.As(err, &downErr) {
		t.Fatalf("expected InterfaceDownError, got %v", err)
	}
	if downErr.Device != "wg0" {
		t.Errorf("error names device %q; want wg0", downErr.Device)
	}
}

func TestLiveStatus(t *testing.T) {
	a := wgtypes.Key{1}
	engine := newFakeEngine()
	engine.peers[a] = LivePeerStatus{PublicKey: a, ReceiveBytes: 42}
	ctrl := NewController("wg0", engine)

	status, err := ctrl.LiveStatus()
	if err != nil {
		t.Fatal(err)
	}
	if status[a].ReceiveBytes != 42 {
		t.Fatalf("status %+v", status)
	}
}

func TestLiveStatusInterfaceDown(t *testing.T) {
	engine := newFakeEngine()
	engine.down = true
	ctrl := NewController("wg0", engine)

	status, err := ctrl.LiveStatus()
	if err != nil {
		t.Fatalf("LiveStatus must tolerate a down interface, got %v", err)
	}
	if len(status) != 0 {
		t.Fatalf("status %+v; want empty", status)
	}
}
