// Package util carries process-level helpers shared by every command:
// logging setup and systemd readiness notification.
package util

import (
	"fmt"
	"net"
	"os"

	"go.uber.org/zap"
)

// S is the process-wide sugared logger. Set by SetupLog.
var S *zap.SugaredLogger

// SetupLog configures the global zap logger. Set LOG_LEVEL=debug for
// development output.
func SetupLog() {
	var logger *zap.Logger
	var err error
	if os.Getenv("LOG_LEVEL") == "debug" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		panic(fmt.Sprintf("setting up zap failed: %s", err))
	}
	zap.ReplaceGlobals(logger)
	S = logger.Sugar()
}

// Notify sends a state string to the systemd notify socket, if one is set.
// Returns nil when NOTIFY_SOCKET is unset.
func Notify(state string) error {
	socketPath := os.Getenv("NOTIFY_SOCKET")
	if socketPath == "" {
		return nil
	}
	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: socketPath, Net: "unixgram"})
	if err != nil {
		return fmt.Errorf("dialing notify socket: %w", err)
	}
	defer conn.Close()
	_, err = conn.Write([]byte(state))
	return err
}
