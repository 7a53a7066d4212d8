package podman

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
)

const apiVersion = "v4.0.0"

// apiClient issues requests against the Podman service socket using the
// Docker-compatible HTTP API. The launcher only talks to local unix
// sockets; remote engines are out of scope.
type apiClient struct {
	socket string
	http   *http.Client
}

func dialSocket(address string) (*apiClient, error) {
	socket, err := socketPath(address)
	if err != nil {
		return nil, err
	}
	transport := &http.Transport{
		DisableCompression: true,
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return (&net.Dialer{}).DialContext(ctx, "unix", socket)
		},
	}
	return &apiClient{
		socket: socket,
		http:   &http.Client{Transport: transport},
	}, nil
}

func socketPath(address string) (string, error) {
	addr := strings.TrimSpace(address)
	if addr == "" {
		return "", errors.New("podman address is required")
	}
	socket, ok := strings.CutPrefix(addr, "unix://")
	if !ok {
		return "", fmt.Errorf("podman address %q: only unix:// sockets are supported", addr)
	}
	if socket == "" {
		return "", errors.New("podman unix socket path is required")
	}
	return socket, nil
}

func (c *apiClient) ping(ctx context.Context) error {
	res, err := c.do(ctx, http.MethodGet, "/libpod/info", nil, nil, "")
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode >= 300 {
		return apiError(res)
	}
	return nil
}

func (c *apiClient) do(ctx context.Context, method, endpoint string, query url.Values, body io.Reader, contentType string) (*http.Response, error) {
	if c == nil || c.http == nil {
		return nil, errors.New("podman client not connected")
	}
	reqURL := url.URL{
		Scheme:   "http",
		Host:     "podman",
		Path:     path.Join("/", apiVersion, strings.TrimPrefix(endpoint, "/")),
		RawQuery: query.Encode(),
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL.String(), body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return c.http.Do(req)
}

func apiError(res *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = res.Status
	}
	return fmt.Errorf("podman API error: %s", msg)
}

// socketCandidates lists socket addresses to try: the configured one
// first, then the rootless user socket, then the system socket.
func socketCandidates(primary string) []string {
	candidates := []string{strings.TrimSpace(primary)}
	if dir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); dir != "" {
		candidates = append(candidates, "unix://"+path.Join(dir, "podman", "podman.sock"))
	}
	candidates = append(candidates,
		fmt.Sprintf("unix:///run/user/%d/podman/podman.sock", os.Getuid()),
		"unix:///run/podman/podman.sock",
	)
	seen := make(map[string]struct{}, len(candidates))
	out := candidates[:0]
	for _, addr := range candidates {
		if addr == "" {
			continue
		}
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	return out
}

// imageRefPath escapes an image reference for use in an API path while
// keeping the repository slashes readable.
func imageRefPath(ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	return strings.ReplaceAll(url.PathEscape(ref), "%2F", "/")
}
