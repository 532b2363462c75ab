package app

import "testing"

func validArgs() *Args {
	return &Args{
		ListenAddr: "127.0.0.1",
		ListenPort: 11290,
		SocksHost:  "127.0.0.1,10.0.0.1",
		SocksPort:  "1080,1081",
	}
}

func TestArgsValidateRequiresSocks(t *testing.T) {
	a := validArgs()
	a.SocksHost = ""
	if err := a.Validate(); err == nil {
		t.Fatalf("expected error when socks-host is missing")
	}
}

func TestArgsValidateTargetHostPortPair(t *testing.T) {
	a := validArgs()
	a.TargetHost = "example.com"
	if err := a.Validate(); err == nil {
		t.Fatalf("expected error when target-host is given without target-port")
	}
	a.TargetPort = 443
	if err := a.Validate(); err != nil {
		t.Fatalf("unexpected error with both target-host and target-port set: %v", err)
	}
}

func TestArgsValidateSocksAuthPair(t *testing.T) {
	a := validArgs()
	a.SocksUser = "alice"
	if err := a.Validate(); err == nil {
		t.Fatalf("expected error when socks-user is given without socks-pass")
	}
	a.SocksPass = "hunter2"
	if err := a.Validate(); err != nil {
		t.Fatalf("unexpected error with both socks-user and socks-pass set: %v", err)
	}
}

func TestArgsSocksHostsAndPorts(t *testing.T) {
	a := validArgs()
	hosts := a.SocksHosts()
	if len(hosts) != 2 || hosts[0] != "127.0.0.1" || hosts[1] != "10.0.0.1" {
		t.Fatalf("unexpected hosts: %v", hosts)
	}
	ports := a.SocksPorts()
	if len(ports) != 2 || ports[0] != "1080" || ports[1] != "1081" {
		t.Fatalf("unexpected ports: %v", ports)
	}
}

func TestArgsSocksPortsDropsInvalid(t *testing.T) {
	a := validArgs()
	a.SocksPort = "1080,not-a-port,70000"
	ports := a.SocksPorts()
	if len(ports) != 1 || ports[0] != "1080" {
		t.Fatalf("expected only valid ports to survive, got %v", ports)
	}
}
