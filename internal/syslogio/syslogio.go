// Package syslogio forwards container output lines to a remote syslog
// collector. Engines without native log drivers (containerd) attach its
// writers to the task's stdio streams.
package syslogio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/syslog"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Endpoint is a parsed syslog collector address.
type Endpoint struct {
	Network string
	Address string
}

// ParseEndpoint parses a collector URI of the form udp://host:port.
// tcp is accepted for engines and collectors that support it.
func ParseEndpoint(raw string) (Endpoint, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return Endpoint{}, errors.New("log endpoint is required")
	}
	parsed, err := url.Parse(value)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid log endpoint %q: %w", raw, err)
	}
	switch parsed.Scheme {
	case "udp", "tcp":
	default:
		return Endpoint{}, fmt.Errorf("log endpoint scheme must be udp or tcp, got %q", raw)
	}
	host, port, err := net.SplitHostPort(parsed.Host)
	if err != nil || host == "" || port == "" {
		return Endpoint{}, fmt.Errorf("log endpoint must be %s://host:port, got %q", parsed.Scheme, raw)
	}
	return Endpoint{Network: parsed.Scheme, Address: parsed.Host}, nil
}

// Relay holds a syslog connection and hands out per-stream writers.
type Relay struct {
	writer *syslog.Writer
}

// DialRelay connects to the collector and tags all forwarded lines.
func DialRelay(endpoint Endpoint, tag string) (*Relay, error) {
	if strings.TrimSpace(tag) == "" {
		return nil, errors.New("syslog tag is required")
	}
	w, err := syslog.Dial(endpoint.Network, endpoint.Address, syslog.LOG_INFO|syslog.LOG_DAEMON, tag)
	if err != nil {
		return nil, fmt.Errorf("syslog dial %s://%s: %w", endpoint.Network, endpoint.Address, err)
	}
	return &Relay{writer: w}, nil
}

// Stdout returns a writer forwarding complete lines at info severity.
func (r *Relay) Stdout() io.WriteCloser {
	return NewLineWriter(func(line string) error { return r.writer.Info(line) })
}

// Stderr returns a writer forwarding complete lines at err severity.
func (r *Relay) Stderr() io.WriteCloser {
	return NewLineWriter(func(line string) error { return r.writer.Err(line) })
}

// Close closes the underlying syslog connection.
func (r *Relay) Close() error {
	if r == nil || r.writer == nil {
		return nil
	}
	return r.writer.Close()
}

// Probe sends a single test message to the collector and reports dial or
// write failures. UDP probes only catch local errors (ICMP refusals on a
// connected socket); unreachable remote hosts may still pass.
func Probe(endpoint Endpoint, tag string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	conn, err := net.DialTimeout(endpoint.Network, endpoint.Address, timeout)
	if err != nil {
		return fmt.Errorf("syslog probe dial %s://%s: %w", endpoint.Network, endpoint.Address, err)
	}
	defer func() { _ = conn.Close() }()
	_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	msg := fmt.Sprintf("<14>%s %s: probe\n", time.Now().Format(time.Stamp), tag)
	if _, err := conn.Write([]byte(msg)); err != nil {
		return fmt.Errorf("syslog probe write: %w", err)
	}
	return nil
}

// LineWriter buffers written bytes and emits complete lines one at a
// time. A trailing partial line is emitted on Close.
type LineWriter struct {
	mu   sync.Mutex
	emit func(string) error
	buf  bytes.Buffer
}

// NewLineWriter builds a LineWriter around an emit callback.
func NewLineWriter(emit func(string) error) *LineWriter {
	return &LineWriter{emit: emit}
}

// Write implements io.Writer.
func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		data := w.buf.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			return len(p), nil
		}
		line := strings.TrimRight(string(data[:idx]), "\r")
		w.buf.Next(idx + 1)
		if line == "" {
			continue
		}
		if err := w.emit(line); err != nil {
			return len(p), err
		}
	}
}

// Close flushes any buffered partial line.
func (w *LineWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	rest := strings.TrimRight(w.buf.String(), "\r\n")
	w.buf.Reset()
	if rest == "" {
		return nil
	}
	return w.emit(rest)
}
