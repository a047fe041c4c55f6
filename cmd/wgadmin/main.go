//go:build linux

// Command wgadmin manages a WireGuard server's peers: provisioning,
// removal, listing, and reconciliation of the running interface with the
// on-disk configuration.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spochipov/wireguard-quickstart/agent"
	"github.com/spochipov/wireguard-quickstart/alloc"
	"github.com/spochipov/wireguard-quickstart/journal"
	"github.com/spochipov/wireguard-quickstart/reconcile"
	"github.com/spochipov/wireguard-quickstart/registry"
	"github.com/spochipov/wireguard-quickstart/util"
	"github.com/spochipov/wireguard-quickstart/wgconf"
	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

const usage = `usage: wgadmin <command> [flags]

commands:
  add-peer <name>        provision a new peer and print its client bundle
  remove-peer <name|key> remove a peer by label or public key
  list-peers             list declared peers, merged with live status
  reconcile              push the on-disk configuration to the interface
  up                     create and configure the interface from scratch
  journal                print the provisioning journal
`

// Exit codes, one per error kind.
const (
	exitOK = iota
	exitGeneric
	exitParse
	exitNoCapacity
	exitPeerExists
	exitPeerNotFound
	exitLockTimeout
	exitInterfaceDown
)

func exitCode(err error) int {
	var parseErr *wgconf.ParseError
	var noCapErr *alloc.NoCapacityError
	var existsErr *registry.PeerExistsError
	var notFoundErr *registry.PeerNotFoundError
	var lockErr *wgconf.LockTimeoutError
	var downErr *reconcile.InterfaceDownError
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &parseErr):
		return exitParse
	case errors.As(err, &noCapErr):
		return exitNoCapacity
	case errors.As(err, &existsErr):
		return exitPeerExists
	case errors.As(err, &notFoundErr):
		return exitPeerNotFound
	case errors.As(err, &lockErr):
		return exitLockTimeout
	case errors.As(err, &downErr):
		return exitInterfaceDown
	}
	return exitGeneric
}

func main() {
	util.SetupLog()
	defer util.S.Sync()
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(exitGeneric)
	}
	cmd := os.Args[1]
	args := os.Args[2:]
	var err error
	switch cmd {
	case "add-peer":
		err = cmdAddPeer(args)
	case "remove-peer":
		err = cmdRemovePeer(args)
	case "list-peers":
		err = cmdListPeers(args)
	case "reconcile":
		err = cmdReconcile(args)
	case "up":
		err = cmdUp(args)
	case "journal":
		err = cmdJournal(args)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(exitGeneric)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "wgadmin %s: %s\n", cmd, err)
		os.Exit(exitCode(err))
	}
}

func newRegistry(tc *ToolConfig, withReconciler bool) (*registry.Registry, func(), error) {
	r := &registry.Registry{
		Store: tc.store(),
		DNS:   tc.dnsIPs(),
	}
	closers := func() {}
	if tc.JournalPath != "" {
		j, err := journal.Open(tc.JournalPath)
		if err != nil {
			return nil, nil, err
		}
		r.Recorder = j
		closers = func() { j.Close() }
	}
	if withReconciler {
		engine, err := reconcile.NewWGEngine()
		if err != nil {
			zap.S().Infof("tunnel engine unavailable, skipping reconciliation: %s", err)
		} else {
			r.Reconciler = reconcile.NewController(tc.Device, engine)
			prev := closers
			closers = func() { engine.Close(); prev() }
		}
	}
	return r, closers, nil
}

func cmdAddPeer(args []string) error {
	fs := flag.NewFlagSet("add-peer", flag.ExitOnError)
	configPath := fs.String("config", defaultToolConfigPath, "tool config file path")
	endpoint := fs.String("endpoint", "", "server endpoint override (host:port)")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("add-peer takes exactly one name")
	}
	name := fs.Arg(0)
	tc, err := LoadToolConfig(*configPath)
	if err != nil {
		return err
	}
	serverEndpoint := *endpoint
	if serverEndpoint == "" {
		serverEndpoint, err = tc.serverEndpoint()
		if err != nil {
			return err
		}
	}
	r, cleanup, err := newRegistry(tc, true)
	if err != nil {
		return err
	}
	defer cleanup()
	bundle, err := r.AddPeer(name, serverEndpoint)
	if err != nil {
		return err
	}
	os.Stdout.Write(bundle.Render())
	return nil
}

func cmdRemovePeer(args []string) error {
	fs := flag.NewFlagSet("remove-peer", flag.ExitOnError)
	configPath := fs.String("config", defaultToolConfigPath, "tool config file path")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("remove-peer takes exactly one name or public key")
	}
	tc, err := LoadToolConfig(*configPath)
	if err != nil {
		return err
	}
	r, cleanup, err := newRegistry(tc, true)
	if err != nil {
		return err
	}
	defer cleanup()
	return r.RemovePeer(fs.Arg(0))
}

func cmdListPeers(args []string) error {
	fs := flag.NewFlagSet("list-peers", flag.ExitOnError)
	configPath := fs.String("config", defaultToolConfigPath, "tool config file path")
	fs.Parse(args)
	tc, err := LoadToolConfig(*configPath)
	if err != nil {
		return err
	}
	r, cleanup, err := newRegistry(tc, false)
	if err != nil {
		return err
	}
	defer cleanup()
	summaries, err := r.ListPeers()
	if err != nil {
		return err
	}
	status, err := tc.liveStatus()
	if err != nil {
		return err
	}
	declared := map[wgtypes.Key]struct{}{}
	for _, summary := range summaries {
		declared[summary.PublicKey] = struct{}{}
		line := fmt.Sprintf("%s\t%s\t%s", summary.Name, summary.PublicKey, joinIPNets(summary.Addresses))
		if live, ok := status[summary.PublicKey]; ok {
			line += fmt.Sprintf("\t%s\trx %d tx %d", handshakeAge(live.LastHandshake), live.ReceiveBytes, live.TransmitBytes)
		} else {
			line += "\toffline"
		}
		fmt.Println(line)
	}
	// live peers the configuration no longer declares; reconcile removes these
	orphans := maps.Keys(status)
	slices.SortFunc(orphans, func(a, b wgtypes.Key) int { return strings.Compare(a.String(), b.String()) })
	for _, key := range orphans {
		if _, ok := declared[key]; !ok {
			fmt.Printf("(undeclared)\t%s\n", key)
		}
	}
	return nil
}

func cmdReconcile(args []string) error {
	fs := flag.NewFlagSet("reconcile", flag.ExitOnError)
	configPath := fs.String("config", defaultToolConfigPath, "tool config file path")
	fs.Parse(args)
	tc, err := LoadToolConfig(*configPath)
	if err != nil {
		return err
	}
	cfg, err := tc.store().Load()
	if err != nil {
		return err
	}
	if tc.AgentSocket != "" {
		client, err := agent.Dial(tc.AgentSocket)
		if err != nil {
			return err
		}
		defer client.Close()
		diff, err := client.Reconcile()
		if err != nil {
			return err
		}
		return reportDiff(diff)
	}
	engine, err := reconcile.NewWGEngine()
	if err != nil {
		return err
	}
	defer engine.Close()
	diff, err := reconcile.NewController(tc.Device, engine).Apply(cfg)
	if err != nil {
		return err
	}
	return reportDiff(diff)
}

func reportDiff(diff reconcile.AppliedDiff) error {
	fmt.Printf("%d added, %d removed\n", diff.Added, diff.Removed)
	for _, failure := range diff.Failures {
		fmt.Printf("failed to %s %s: %s\n", failure.Op, failure.PublicKey, failure.Err)
	}
	if len(diff.Failures) > 0 {
		return fmt.Errorf("%d peers failed to reconcile", len(diff.Failures))
	}
	return nil
}

func cmdUp(args []string) error {
	fs := flag.NewFlagSet("up", flag.ExitOnError)
	configPath := fs.String("config", defaultToolConfigPath, "tool config file path")
	fs.Parse(args)
	tc, err := LoadToolConfig(*configPath)
	if err != nil {
		return err
	}
	cfg, err := tc.store().Load()
	if err != nil {
		return err
	}
	client, err := wgctrl.New()
	if err != nil {
		return err
	}
	defer client.Close()
	handle, err := netlink.NewHandle()
	if err != nil {
		return err
	}
	return reconcile.BringUp(tc.Device, cfg, client, handle)
}

func cmdJournal(args []string) error {
	fs := flag.NewFlagSet("journal", flag.ExitOnError)
	configPath := fs.String("config", defaultToolConfigPath, "tool config file path")
	fs.Parse(args)
	tc, err := LoadToolConfig(*configPath)
	if err != nil {
		return err
	}
	if tc.JournalPath == "" {
		return errors.New("no journal_path configured")
	}
	j, err := journal.Open(tc.JournalPath)
	if err != nil {
		return err
	}
	defer j.Close()
	records, err := j.List()
	if err != nil {
		return err
	}
	for _, rec := range records {
		fmt.Printf("%s\t%s\t%s\t%s\n", rec.When.Format(time.RFC3339), rec.Op, rec.Name, rec.PublicKey)
	}
	return nil
}

func handshakeAge(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return time.Since(t).Round(time.Second).String() + " ago"
}

func joinIPNets(nets []wgconf.IPNet) string {
	s := ""
	for i, n := range nets {
		if i > 0 {
			s += ", "
		}
		s += n.String()
	}
	return s
}
