package syslogio

import (
	"net"
	"strings"
	"testing"
	"time"
)

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    Endpoint
		wantErr bool
	}{
		{name: "udp", raw: "udp://localhost:5090", want: Endpoint{Network: "udp", Address: "localhost:5090"}},
		{name: "tcp", raw: "tcp://syslog.example.com:514", want: Endpoint{Network: "tcp", Address: "syslog.example.com:514"}},
		{name: "ipv4", raw: "udp://127.0.0.1:514", want: Endpoint{Network: "udp", Address: "127.0.0.1:514"}},
		{name: "empty", raw: "", wantErr: true},
		{name: "no-scheme", raw: "localhost:5090", wantErr: true},
		{name: "bad-scheme", raw: "http://localhost:5090", wantErr: true},
		{name: "no-port", raw: "udp://localhost", wantErr: true},
		{name: "no-host", raw: "udp://:5090", wantErr: true},
	}
	for _, tc := range tests {
		got, err := ParseEndpoint(tc.raw)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%s: expected error for %q", tc.name, tc.raw)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: ParseEndpoint(%q): %v", tc.name, tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("%s: ParseEndpoint(%q) = %+v, want %+v", tc.name, tc.raw, got, tc.want)
		}
	}
}

func TestLineWriterEmitsCompleteLines(t *testing.T) {
	var lines []string
	w := NewLineWriter(func(line string) error {
		lines = append(lines, line)
		return nil
	})

	if _, err := w.Write([]byte("first li")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(lines) != 0 {
		t.Fatalf("emitted partial line: %v", lines)
	}
	if _, err := w.Write([]byte("ne\nsecond line\r\nthird")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(lines) != 2 || lines[0] != "first line" || lines[1] != "second line" {
		t.Fatalf("lines = %v", lines)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(lines) != 3 || lines[2] != "third" {
		t.Fatalf("lines after close = %v", lines)
	}
}

func TestLineWriterSkipsEmptyLines(t *testing.T) {
	var lines []string
	w := NewLineWriter(func(line string) error {
		lines = append(lines, line)
		return nil
	})
	if _, err := w.Write([]byte("\n\na\n\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(lines) != 1 || lines[0] != "a" {
		t.Fatalf("lines = %v", lines)
	}
}

func TestProbeUDP(t *testing.T) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() { _ = conn.Close() }()

	endpoint := Endpoint{Network: "udp", Address: conn.LocalAddr().String()}
	if err := Probe(endpoint, "probe-test", 2*time.Second); err != nil {
		t.Fatalf("Probe: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1024)
	n, _, err := conn.ReadFrom(buf)
	if err != nil {
		t.Fatalf("read probe datagram: %v", err)
	}
	msg := string(buf[:n])
	if !strings.Contains(msg, "probe-test") {
		t.Fatalf("datagram missing tag: %q", msg)
	}
	if !strings.HasPrefix(msg, "<14>") {
		t.Fatalf("datagram missing priority: %q", msg)
	}
}

func TestRelayOverUDP(t *testing.T) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() { _ = conn.Close() }()

	endpoint := Endpoint{Network: "udp", Address: conn.LocalAddr().String()}
	relay, err := DialRelay(endpoint, "relay-test")
	if err != nil {
		t.Fatalf("DialRelay: %v", err)
	}
	defer func() { _ = relay.Close() }()

	stdout := relay.Stdout()
	if _, err := stdout.Write([]byte("hello from container\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1024)
	n, _, err := conn.ReadFrom(buf)
	if err != nil {
		t.Fatalf("read relayed line: %v", err)
	}
	msg := string(buf[:n])
	if !strings.Contains(msg, "relay-test") {
		t.Fatalf("message missing tag: %q", msg)
	}
	if !strings.Contains(msg, "hello from container") {
		t.Fatalf("message missing payload: %q", msg)
	}
}

func TestDialRelayRequiresTag(t *testing.T) {
	if _, err := DialRelay(Endpoint{Network: "udp", Address: "127.0.0.1:5090"}, ""); err == nil {
		t.Fatalf("expected tag error")
	}
}
