package agent

import (
	"fmt"
	"net"

	"github.com/cenkalti/rpc2"
	"github.com/spochipov/wireguard-quickstart/reconcile"
)

// Client is the CLI side of the agent socket.
type Client struct {
	c *rpc2.Client
}

func Dial(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("dialing agent socket %s: %w", socketPath, err)
	}
	return NewClient(conn), nil
}

func NewClient(conn net.Conn) *Client {
	c := rpc2.NewClient(conn)
	go c.Run()
	return &Client{c: c}
}

func (c *Client) Reconcile() (reconcile.AppliedDiff, error) {
	var resp ReconcileS
	err := c.c.Call("reconcile", &ReconcileQ{}, &resp)
	if err != nil {
		return reconcile.AppliedDiff{}, fmt.Errorf("call reconcile: %w", err)
	}
	return resp.Diff, nil
}

func (c *Client) Status() ([]reconcile.LivePeerStatus, error) {
	var resp StatusS
	err := c.c.Call("status", &StatusQ{}, &resp)
	if err != nil {
		return nil, fmt.Errorf("call status: %w", err)
	}
	return resp.Peers, nil
}

func (c *Client) Close() error {
	return c.c.Close()
}
