// Package agent exposes the live-interface operations over an RPC socket,
// so the privileged half (this agent, run as root) and the unprivileged
// CLI can be split. The socket must live in a private directory: anyone
// who can connect can reconfigure the tunnel.
package agent

import (
	"net"

	"github.com/cenkalti/rpc2"
	"github.com/spochipov/wireguard-quickstart/reconcile"
	"github.com/spochipov/wireguard-quickstart/wgconf"
	"go.uber.org/zap"
)

type ReconcileQ struct{}

type ReconcileS struct {
	Diff reconcile.AppliedDiff
}

type StatusQ struct{}

type StatusS struct {
	Peers []reconcile.LivePeerStatus
}

type Server struct {
	store      *wgconf.Store
	controller *reconcile.Controller
	rpc        *rpc2.Server
}

func NewServer(store *wgconf.Store, controller *reconcile.Controller) *Server {
	s := &Server{
		store:      store,
		controller: controller,
		rpc:        rpc2.NewServer(),
	}
	s.rpc.Handle("reconcile", s.handleReconcile)
	s.rpc.Handle("status", s.handleStatus)
	return s
}

// Listen serves RPC on a unix socket until the listener fails.
func (s *Server) Listen(socketPath string) error {
	lis, err := net.Listen("unix", socketPath)
	if err != nil {
		return err
	}
	go s.rpc.Accept(lis)
	return nil
}

// ServeConn serves a single connection. Used directly in tests.
func (s *Server) ServeConn(conn net.Conn) {
	s.rpc.ServeConn(conn)
}

func (s *Server) handleReconcile(cl *rpc2.Client, q *ReconcileQ, resp *ReconcileS) error {
	cfg, err := s.store.Load()
	if err != nil {
		return err
	}
	diff, err := s.controller.Apply(cfg)
	if err != nil {
		return err
	}
	zap.S().Infof("reconcile via rpc: %d added, %d removed, %d failed.", diff.Added, diff.Removed, len(diff.Failures))
	resp.Diff = diff
	return nil
}

func (s *Server) handleStatus(cl *rpc2.Client, q *StatusQ, resp *StatusS) error {
	status, err := s.controller.LiveStatus()
	if err != nil {
		return err
	}
	resp.Peers = make([]reconcile.LivePeerStatus, 0, len(status))
	for _, peer := range status {
		resp.Peers = append(resp.Peers, peer)
	}
	return nil
}
