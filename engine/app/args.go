package app

import (
	"fmt"
	"strconv"
	"strings"

	"t2sproxy/engine/common"
)

// Args holds every CLI flag, normalized and validated.
type Args struct {
	ListenAddr   string
	ListenPort   uint16
	ExternalPort uint16

	SocksHost string
	SocksPort string

	SocksUser string
	SocksPass string

	TargetHost string
	TargetPort uint16

	BufferSize     uint32
	IdleTimeout    uint32
	ConnectTimeout uint32
	EnableHTTP2    bool
	MaxConns       uint32

	WebSocket bool
	WebAddr   string
	WebPort   uint16

	DownloadLimitMbit float64

	Rules string

	ConfigPath string
}

// Validate checks the both-or-none flag constraints required of
// target-host/target-port and socks-user/socks-pass.
func (a *Args) Validate() error {
	if (a.TargetHost == "") != (a.TargetPort == 0) {
		return fmt.Errorf("target-host and target-port must be given together, or not at all")
	}
	if (a.SocksUser == "") != (a.SocksPass == "") {
		return fmt.Errorf("socks-user and socks-pass must be given together, or not at all")
	}
	if strings.TrimSpace(a.SocksHost) == "" || strings.TrimSpace(a.SocksPort) == "" {
		return fmt.Errorf("socks-host and socks-port are required")
	}
	if a.ExternalPort != 0 && a.ExternalPort == a.ListenPort {
		log.Warnf("external-port equals listen-port (%d); external listener will be skipped", a.ListenPort)
	}
	return nil
}

// SocksHosts splits the comma-separated --socks-host flag.
func (a *Args) SocksHosts() []string { return common.ParseAddrPorts(a.SocksHost) }

// SocksPorts splits the comma-separated --socks-port flag, silently
// dropping entries that don't parse as a uint16.
func (a *Args) SocksPorts() []string {
	raw := common.ParseAddrPorts(a.SocksPort)
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		if _, err := strconv.ParseUint(p, 10, 16); err == nil {
			out = append(out, p)
		}
	}
	return out
}
