package wgconf

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// ParseError reports a malformed configuration, naming the offending line.
type ParseError struct {
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
}

func parseErrorf(line int, format string, args ...any) *ParseError {
	return &ParseError{Line: line, Msg: fmt.Sprintf(format, args...)}
}

type section int

const (
	sectionNone section = iota
	sectionInterface
	sectionPeer
)

// Parse reads a configuration file body into an InterfaceConfig.
// Sections may appear in any order, whitespace around "=" is tolerated,
// and comma-separated values are split. A "# text" comment line
// immediately above a [Peer] header becomes that peer's label.
func Parse(data []byte) (*InterfaceConfig, error) {
	cfg := new(InterfaceConfig)
	var cur section
	var curPeer *PeerConfig
	var curPeerLine int
	var pendingLabel string
	seenKeys := map[wgtypes.Key]int{}

	finishPeer := func() error {
		if curPeer == nil {
			return nil
		}
		if curPeer.PublicKey == (wgtypes.Key{}) {
			return parseErrorf(curPeerLine, "[Peer] section has no PublicKey")
		}
		if prev, ok := seenKeys[curPeer.PublicKey]; ok {
			return parseErrorf(curPeerLine, "duplicate PublicKey %s (also on line %d)", curPeer.PublicKey, prev)
		}
		seenKeys[curPeer.PublicKey] = curPeerLine
		cfg.Peers = append(cfg.Peers, *curPeer)
		curPeer = nil
		return nil
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			pendingLabel = ""
			continue
		case strings.HasPrefix(line, "#"):
			pendingLabel = strings.TrimSpace(strings.TrimPrefix(line, "#"))
			continue
		case strings.EqualFold(line, "[Interface]"):
			if err := finishPeer(); err != nil {
				return nil, err
			}
			cur = sectionInterface
			pendingLabel = ""
			continue
		case strings.EqualFold(line, "[Peer]"):
			if err := finishPeer(); err != nil {
				return nil, err
			}
			cur = sectionPeer
			curPeer = &PeerConfig{Name: pendingLabel}
			curPeerLine = lineNo
			pendingLabel = ""
			continue
		}
		pendingLabel = ""
		key, value, found := strings.Cut(line, "=")
		if !found {
			return nil, parseErrorf(lineNo, "expected key = value, got %q", line)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		var err error
		switch cur {
		case sectionNone:
			return nil, parseErrorf(lineNo, "%s outside of any section", key)
		case sectionInterface:
			err = parseInterfaceField(cfg, key, value, lineNo)
		case sectionPeer:
			err = parsePeerField(curPeer, key, value, lineNo)
		}
		if err != nil {
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if err := finishPeer(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseInterfaceField(cfg *InterfaceConfig, key, value string, lineNo int) error {
	switch key {
	case "PrivateKey":
		k, err := wgtypes.ParseKey(value)
		if err != nil {
			return parseErrorf(lineNo, "PrivateKey: %s", err)
		}
		cfg.PrivateKey = k
	case "ListenPort":
		port, err := strconv.Atoi(value)
		if err != nil || port < 0 || port > 65535 {
			return parseErrorf(lineNo, "ListenPort %q is not a valid port", value)
		}
		cfg.ListenPort = port
	case "Address":
		for _, tok := range splitList(value) {
			addr, err := ParseAddress(tok)
			if err != nil {
				return parseErrorf(lineNo, "Address token %q: %s", tok, err)
			}
			cfg.Addresses = append(cfg.Addresses, addr)
		}
	case "MTU":
		mtu, err := strconv.Atoi(value)
		if err != nil || mtu <= 0 {
			return parseErrorf(lineNo, "MTU %q is not a valid size", value)
		}
		cfg.MTU = mtu
	case "DNS":
		for _, tok := range splitList(value) {
			ip := net.ParseIP(tok)
			if ip == nil {
				return parseErrorf(lineNo, "DNS token %q is not an IP address", tok)
			}
			cfg.DNS = append(cfg.DNS, ip)
		}
	case "PreUp":
		cfg.PreUp = append(cfg.PreUp, value)
	case "PostUp":
		cfg.PostUp = append(cfg.PostUp, value)
	case "PostDown":
		cfg.PostDown = append(cfg.PostDown, value)
	default:
		return parseErrorf(lineNo, "unknown [Interface] key %q", key)
	}
	return nil
}

func parsePeerField(peer *PeerConfig, key, value string, lineNo int) error {
	switch key {
	case "PublicKey":
		k, err := wgtypes.ParseKey(value)
		if err != nil {
			return parseErrorf(lineNo, "PublicKey: %s", err)
		}
		peer.PublicKey = k
	case "PresharedKey":
		k, err := wgtypes.ParseKey(value)
		if err != nil {
			return parseErrorf(lineNo, "PresharedKey: %s", err)
		}
		peer.PresharedKey = &k
	case "AllowedIPs":
		for _, tok := range splitList(value) {
			allowed, err := ParseAddress(tok)
			if err != nil {
				return parseErrorf(lineNo, "AllowedIPs token %q: %s", tok, err)
			}
			peer.AllowedIPs = append(peer.AllowedIPs, allowed)
		}
	case "Endpoint":
		peer.Endpoint = value
	case "PersistentKeepalive":
		secs, err := strconv.Atoi(value)
		if err != nil || secs < 0 {
			return parseErrorf(lineNo, "PersistentKeepalive %q is not a second count", value)
		}
		peer.PersistentKeepalive = time.Duration(secs) * time.Second
	default:
		return parseErrorf(lineNo, "unknown [Peer] key %q", key)
	}
	return nil
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
