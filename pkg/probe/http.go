// Package probe implements the outbound connectivity check.
package probe

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/wirenboard/wb-connection-manager/pkg"
	"github.com/wirenboard/wb-connection-manager/pkg/logx"
)

// maxBodyBytes bounds how much of the probe response is read. The
// well-known endpoints answer with a short fixed payload.
const maxBodyBytes = 64 * 1024

// HTTPProber issues an HTTP GET against a well-known reachability
// endpoint, bound to a specific network interface, and maps the
// outcome to a usable/unusable verdict.
type HTTPProber struct {
	url     string
	payload string
	timeout time.Duration
	logger  *logx.Logger
}

// NewHTTPProber creates a prober for the given endpoint. If payload is
// non-empty the response body must contain it for a usable verdict,
// which filters out captive portals answering 200 to everything.
func NewHTTPProber(url, payload string, timeout time.Duration, logger *logx.Logger) *HTTPProber {
	return &HTTPProber{
		url:     url,
		payload: payload,
		timeout: timeout,
		logger:  logger,
	}
}

// Probe implements pkg.Prober. Any transport error, timeout,
// non-success status or payload mismatch is unusable. The call always
// returns within the prober's timeout budget.
func (p *HTTPProber) Probe(ctx context.Context, iface string) pkg.Verdict {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		p.logger.Debug("Invalid probe request", "url", p.url, "error", err)
		return pkg.VerdictUnusable
	}

	client := p.clientFor(iface)
	defer client.CloseIdleConnections()

	resp, err := client.Do(req)
	if err != nil {
		p.logger.Debug("Connectivity check failed", "iface", iface, "error", err)
		return pkg.VerdictUnusable
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		p.logger.Debug("Connectivity check read failed", "iface", iface, "error", err)
		return pkg.VerdictUnusable
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		p.logger.Debug("Connectivity check bad status", "iface", iface, "status", resp.StatusCode)
		return pkg.VerdictUnusable
	}
	if p.payload != "" && !strings.Contains(string(body), p.payload) {
		p.logger.Debug("Connectivity check payload mismatch", "iface", iface)
		return pkg.VerdictUnusable
	}

	p.logger.Debug("Connectivity check passed", "iface", iface)
	return pkg.VerdictUsable
}

// clientFor builds an HTTP client whose sockets are bound to the
// given interface. An empty interface name leaves routing to the
// kernel, which the tests rely on.
func (p *HTTPProber) clientFor(iface string) *http.Client {
	dialer := &net.Dialer{
		Timeout: p.timeout,
		Control: bindToDevice(iface),
	}
	return &http.Client{
		Timeout: p.timeout,
		Transport: &http.Transport{
			DialContext:       dialer.DialContext,
			DisableKeepAlives: true,
			Proxy:             nil, // probes must not traverse a proxy
		},
	}
}

func bindToDevice(iface string) func(network, address string, c syscall.RawConn) error {
	if iface == "" {
		return nil
	}
	return func(network, address string, c syscall.RawConn) error {
		var sockErr error
		err := c.Control(func(fd uintptr) {
			sockErr = unix.SetsockoptString(int(fd), unix.SOL_SOCKET, unix.SO_BINDTODEVICE, iface)
		})
		if err != nil {
			return err
		}
		return sockErr
	}
}
