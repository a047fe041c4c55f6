//go:build linux

// Command wgadmin-agent serves the live-interface operations over a unix
// socket, so wgadmin can run unprivileged. NOTE that the socket must be
// made in a private parent directory, as anyone with access to it can
// reconfigure the tunnel.
package main

import (
	"flag"
	"os"
	"time"

	"github.com/spochipov/wireguard-quickstart/agent"
	"github.com/spochipov/wireguard-quickstart/reconcile"
	"github.com/spochipov/wireguard-quickstart/util"
	"github.com/spochipov/wireguard-quickstart/wgconf"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Device      string        `yaml:"device"`
	ConfigPath  string        `yaml:"config_path"`
	LockTimeout time.Duration `yaml:"lock_timeout"`
}

func main() {
	util.SetupLog()
	defer util.S.Sync()

	var configPath string
	var socketPath string
	flag.StringVar(&configPath, "config", "", "config file path")
	flag.StringVar(&socketPath, "rpc-listen", "", "socket to listen on for RPC")
	flag.Parse()

	config := Config{Device: "wg0", ConfigPath: "/etc/wireguard/wg0.conf"}
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			zap.S().Fatalf("reading config file failed: %s", err)
		}
		err = yaml.Unmarshal(data, &config)
		if err != nil {
			zap.S().Fatalf("parsing config file failed: %s", err)
		}
	}

	store := wgconf.NewStore(config.ConfigPath)
	if config.LockTimeout != 0 {
		store.LockTimeout = config.LockTimeout
	}
	engine, err := reconcile.NewWGEngine()
	if err != nil {
		zap.S().Fatalf("opening tunnel engine failed: %s", err)
	}
	defer engine.Close()
	controller := reconcile.NewController(config.Device, engine)

	s := agent.NewServer(store, controller)
	err = s.Listen(socketPath)
	if err != nil {
		zap.S().Fatalf("failed to listen: %s", err)
	}
	zap.S().Infof("listening for RPC on %s.", socketPath)
	err = util.Notify("READY=1\nSTATUS=serving…")
	if err != nil {
		zap.S().Infof("notify: %s", err)
	}
	select {}
}
