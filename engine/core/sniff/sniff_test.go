package sniff

import "testing"

func TestSniffConnect(t *testing.T) {
	buf := []byte("CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n")
	r := Host(buf)
	if r.Kind != ConnectHost || r.Host != "example.com" {
		t.Fatalf("got %+v", r)
	}
}

func TestSniffConnectIPv6(t *testing.T) {
	buf := []byte("CONNECT [::1]:443 HTTP/1.1\r\n\r\n")
	r := Host(buf)
	if r.Kind != ConnectHost || r.Host != "::1" {
		t.Fatalf("got %+v", r)
	}
}

func TestSniffHTTPHost(t *testing.T) {
	buf := []byte("GET / HTTP/1.1\r\nHost: Example.COM:8080\r\nUser-Agent: x\r\n\r\n")
	r := Host(buf)
	if r.Kind != HTTPHost || r.Host != "example.com" {
		t.Fatalf("got %+v", r)
	}
}

func TestSniffHTTPHostNoPort(t *testing.T) {
	buf := []byte("POST /a HTTP/1.1\r\nHost: example.org\r\n\r\n")
	r := Host(buf)
	if r.Kind != HTTPHost || r.Host != "example.org" {
		t.Fatalf("got %+v", r)
	}
}

func TestSniffNone(t *testing.T) {
	buf := []byte{0x01, 0x02, 0x03, 0x04}
	r := Host(buf)
	if r.Found() {
		t.Fatalf("expected no match, got %+v", r)
	}
}

func TestSniffTruncatedTLSDoesNotPanic(t *testing.T) {
	buf := []byte{0x16, 0x03, 0x01, 0x00, 0x10, 0x01}
	r := Host(buf)
	if r.Found() {
		t.Fatalf("expected no match on truncated hello, got %+v", r)
	}
}

func buildClientHelloWithSNI(name string) []byte {
	nameEntry := []byte{0x00, byte(len(name) >> 8), byte(len(name))}
	nameEntry = append(nameEntry, []byte(name)...)
	sniList := []byte{byte(len(nameEntry) >> 8), byte(len(nameEntry))}
	sniList = append(sniList, nameEntry...)
	ext := []byte{0x00, 0x00, byte(len(sniList) >> 8), byte(len(sniList))}
	ext = append(ext, sniList...)

	body := make([]byte, 0, 128)
	body = append(body, 0x03, 0x03)          // client_version
	body = append(body, make([]byte, 32)...) // random
	body = append(body, 0x00)                // session id len
	body = append(body, 0x00, 0x02, 0x00, 0x2f)
	body = append(body, 0x01, 0x00) // compression
	body = append(body, byte(len(ext)>>8), byte(len(ext)))
	body = append(body, ext...)

	hs := []byte{0x01, byte(len(body) >> 16), byte(len(body) >> 8), byte(len(body))}
	hs = append(hs, body...)

	rec := []byte{0x16, 0x03, 0x01, byte(len(hs) >> 8), byte(len(hs))}
	rec = append(rec, hs...)
	return rec
}

func TestSniffTLSSNI(t *testing.T) {
	buf := buildClientHelloWithSNI("sni.example.com")
	r := Host(buf)
	if r.Kind != TLSSNI || r.Host != "sni.example.com" {
		t.Fatalf("got %+v", r)
	}
}
