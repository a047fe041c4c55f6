//go:build linux

package reconcile

import (
	"errors"
	"fmt"
	"net"

	"github.com/spochipov/wireguard-quickstart/wgconf"
	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// BringUp creates the interface and configures it from the full
// configuration in one shot. This is the non-diff path taken when Apply
// reports the interface down. Existing sessions are not a concern here:
// there are none.
func BringUp(device string, cfg *wgconf.InterfaceConfig, client *wgctrl.Client, handle *netlink.Handle) (err error) {
	if len(device) > 15 {
		return errors.New("interface name too long (max 15)")
	}

	zap.S().Debugf("adding link %s.", device)
	err = handle.LinkAdd(&netlink.GenericLink{
		LinkAttrs: netlink.LinkAttrs{Name: device},
		LinkType:  "wireguard",
	})
	if err != nil {
		return fmt.Errorf("adding link %s: %w", device, err)
	}
	// CLEANUP: remove the created link
	defer func() {
		if err == nil {
			return
		}
		err2 := handle.LinkDel(&netlink.GenericLink{
			LinkAttrs: netlink.LinkAttrs{Name: device},
			LinkType:  "wireguard",
		})
		if err2 != nil {
			zap.S().Infof("cleanup: undoing: adding link %s failed: %s", device, err2)
		}
	}()

	var link netlink.Link
	link, err = handle.LinkByName(device)
	if err != nil {
		return fmt.Errorf("finding link %s: %w", device, err)
	}

	zap.S().Debugf("configuring wg interface %s with %d peers.", device, len(cfg.Peers))
	peers := make([]wgtypes.PeerConfig, len(cfg.Peers))
	for i, peer := range cfg.Peers {
		peers[i], err = peerConfigToWG(peer)
		if err != nil {
			return err
		}
	}
	wgCfg := wgtypes.Config{
		PrivateKey:   &cfg.PrivateKey,
		ReplacePeers: true,
		Peers:        peers,
	}
	if cfg.ListenPort != 0 {
		port := cfg.ListenPort
		wgCfg.ListenPort = &port
	}
	err = client.ConfigureDevice(device, wgCfg)
	if err != nil {
		return fmt.Errorf("configuring wg interface: %w", err)
	}

	for _, addr := range cfg.Addresses {
		zap.S().Debugf("adding address %s to %s.", addr, device)
		err = handle.AddrAdd(link, &netlink.Addr{
			IPNet: (*net.IPNet)(&addr),
		})
		if err != nil {
			return fmt.Errorf("adding address %s to %s: %w", addr, device, err)
		}
	}

	if cfg.MTU != 0 {
		err = handle.LinkSetMTU(link, cfg.MTU)
		if err != nil {
			return fmt.Errorf("setting MTU %d on %s: %w", cfg.MTU, device, err)
		}
	}

	zap.S().Debugf("setting link %s up.", device)
	err = handle.LinkSetUp(link)
	if err != nil {
		return fmt.Errorf("link set up: %w", err)
	}
	zap.S().Debugf("brought up %s.", device)
	return nil
}
