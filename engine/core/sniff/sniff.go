// Package sniff recognizes the application protocol riding on a freshly
// accepted TCP connection from a short read-ahead peek, without consuming
// the bytes from the caller's point of view.
package sniff

import (
	"strings"
)

// Kind identifies which heuristic produced a Result.
type Kind int

const (
	// None means no heuristic recognized the buffer.
	None Kind = iota
	// ConnectHost was extracted from an HTTP CONNECT request line.
	ConnectHost
	// HTTPHost was extracted from a plain HTTP request's Host header.
	HTTPHost
	// TLSSNI was extracted from a TLS ClientHello's server_name extension.
	TLSSNI
)

// Result is the outcome of sniffing a buffer. Host is always lowercased
// with any trailing dot and bracketing removed.
type Result struct {
	Kind Kind
	Host string
}

func (r Result) Found() bool { return r.Kind != None }

var httpMethods = []string{"GET ", "POST ", "HEAD ", "PUT ", "DELETE ", "OPTIONS ", "PATCH "}

// Host tries, in order, to recognize an HTTP CONNECT line, a plain HTTP
// request's Host header, and a TLS ClientHello SNI extension. The first
// heuristic to produce a host wins.
func Host(buf []byte) Result {
	if h, ok := sniffConnect(buf); ok {
		return Result{Kind: ConnectHost, Host: h}
	}
	if h, ok := sniffHTTPHost(buf); ok {
		return Result{Kind: HTTPHost, Host: h}
	}
	if h, ok := sniffTLSSNI(buf); ok {
		return Result{Kind: TLSSNI, Host: h}
	}
	return Result{}
}

// firstLineASCII returns the first CRLF-terminated line (or the first
// min(len(buf), 512) bytes if no CRLF is present), rejecting anything that
// isn't printable ASCII, space, or tab.
func firstLineASCII(buf []byte) (string, bool) {
	cap := len(buf)
	if cap > 512 {
		cap = 512
	}
	end := -1
	for i := 0; i < cap-1; i++ {
		if buf[i] == '\r' && buf[i+1] == '\n' {
			end = i
			break
		}
	}
	if end < 0 {
		end = cap
	}
	line := buf[:end]
	for _, b := range line {
		if b == '\t' || b == ' ' || (b >= 0x21 && b <= 0x7e) {
			continue
		}
		return "", false
	}
	return string(line), true
}

func sniffConnect(buf []byte) (string, bool) {
	line, ok := firstLineASCII(buf)
	if !ok {
		return "", false
	}
	const prefix = "CONNECT "
	if !strings.HasPrefix(line, prefix) {
		return "", false
	}
	rest := strings.TrimSpace(line[len(prefix):])
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", false
	}
	target := fields[0]
	idx := strings.LastIndex(target, ":")
	host := target
	if idx >= 0 {
		host = target[:idx]
	}
	host = strings.TrimSuffix(strings.Trim(host, "[]"), ".")
	if host == "" {
		return "", false
	}
	return strings.ToLower(host), true
}

func sniffHTTPHost(buf []byte) (string, bool) {
	line, ok := firstLineASCII(buf)
	if !ok {
		return "", false
	}
	matched := false
	for _, m := range httpMethods {
		if strings.HasPrefix(line, m) {
			matched = true
			break
		}
	}
	if !matched {
		return "", false
	}

	cap := len(buf)
	if cap > 8192 {
		cap = 8192
	}
	text := string(buf[:cap])
	lines := strings.Split(text, "\r\n")
	maxLines := len(lines)
	if maxLines > 64 {
		maxLines = 64
	}
	for _, l := range lines[:maxLines] {
		if len(l) < 5 {
			continue
		}
		if !strings.EqualFold(l[:5], "Host:") {
			continue
		}
		host := strings.TrimSpace(l[5:])
		if host == "" {
			continue
		}
		if i := strings.LastIndex(host, ":"); i >= 0 {
			if isAllDigits(host[i+1:]) {
				host = host[:i]
			}
		}
		host = strings.TrimSuffix(strings.Trim(host, "[]"), ".")
		return strings.ToLower(host), true
	}
	return "", false
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// sniffTLSSNI walks a single TLS record carrying a ClientHello handshake
// message and extracts the server_name extension, if present. Truncated or
// malformed input is reported as "not found", never as an error.
func sniffTLSSNI(buf []byte) (string, bool) {
	if len(buf) < 5 {
		return "", false
	}
	if buf[0] != 0x16 { // handshake record
		return "", false
	}
	recLen := int(buf[3])<<8 | int(buf[4])
	if len(buf) < 5+recLen || recLen < 4 {
		return "", false
	}
	hs := buf[5 : 5+recLen]
	if hs[0] != 0x01 { // client_hello
		return "", false
	}
	hsLen := int(hs[1])<<16 | int(hs[2])<<8 | int(hs[3])
	body := hs[4:]
	if len(body) < hsLen {
		return "", false
	}
	body = body[:hsLen]

	// client_version(2) + random(32)
	if len(body) < 34 {
		return "", false
	}
	p := body[34:]

	// session id
	if len(p) < 1 {
		return "", false
	}
	sidLen := int(p[0])
	p = p[1:]
	if len(p) < sidLen {
		return "", false
	}
	p = p[sidLen:]

	// cipher suites
	if len(p) < 2 {
		return "", false
	}
	csLen := int(p[0])<<8 | int(p[1])
	p = p[2:]
	if len(p) < csLen {
		return "", false
	}
	p = p[csLen:]

	// compression methods
	if len(p) < 1 {
		return "", false
	}
	cmLen := int(p[0])
	p = p[1:]
	if len(p) < cmLen {
		return "", false
	}
	p = p[cmLen:]

	if len(p) < 2 {
		return "", false
	}
	extLen := int(p[0])<<8 | int(p[1])
	p = p[2:]
	if len(p) < extLen {
		return "", false
	}
	p = p[:extLen]

	for len(p) >= 4 {
		extType := int(p[0])<<8 | int(p[1])
		eLen := int(p[2])<<8 | int(p[3])
		p = p[4:]
		if len(p) < eLen {
			return "", false
		}
		ext := p[:eLen]
		p = p[eLen:]

		if extType != 0x0000 {
			continue
		}
		if len(ext) < 2 {
			return "", false
		}
		listLen := int(ext[0])<<8 | int(ext[1])
		q := ext[2:]
		if len(q) < listLen {
			return "", false
		}
		q = q[:listLen]
		for len(q) >= 3 {
			nameType := q[0]
			nameLen := int(q[1])<<8 | int(q[2])
			q = q[3:]
			if len(q) < nameLen {
				return "", false
			}
			name := q[:nameLen]
			q = q[nameLen:]
			if nameType == 0x00 {
				host := strings.TrimSuffix(string(name), ".")
				return strings.ToLower(host), true
			}
		}
	}
	return "", false
}
