package target

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// DefaultPorts are probed when no ports are configured. 9222 is the
// conventional remote-debugging port; the rest cover a second instance
// and inspector defaults.
var DefaultPorts = []int{9222, 9223, 9224, 9229}

// VersionInfo is the /json/version document.
type VersionInfo struct {
	Browser         string `json:"Browser"`
	ProtocolVersion string `json:"Protocol-Version"`
	UserAgent       string `json:"User-Agent"`
	V8Version       string `json:"V8-Version,omitempty"`
	WebSocketURL    string `json:"webSocketDebuggerUrl"`
}

// PageTarget is one entry of /json/list.
type PageTarget struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	Title        string `json:"title"`
	URL          string `json:"url"`
	WebSocketURL string `json:"webSocketDebuggerUrl"`
}

// Endpoint is a reachable debugging port and its targets.
type Endpoint struct {
	Host    string       `json:"host"`
	Port    int          `json:"port"`
	Version VersionInfo  `json:"version"`
	Targets []PageTarget `json:"targets"`
}

// Pages returns the endpoint's page targets that can be attached to.
func (e Endpoint) Pages() []PageTarget {
	var out []PageTarget
	for _, t := range e.Targets {
		if t.Type == "page" && t.WebSocketURL != "" {
			out = append(out, t)
		}
	}
	return out
}

// Discoverer probes candidate ports for CDP endpoints.
type Discoverer struct {
	host   string
	ports  []int
	client *http.Client
	logger *slog.Logger
}

// NewDiscoverer creates a discoverer for host. Empty host means 127.0.0.1,
// no ports means DefaultPorts.
func NewDiscoverer(host string, ports []int, logger *slog.Logger) *Discoverer {
	if host == "" {
		host = "127.0.0.1"
	}
	if len(ports) == 0 {
		ports = DefaultPorts
	}
	return &Discoverer{
		host:   host,
		ports:  ports,
		client: &http.Client{Timeout: 2 * time.Second},
		logger: logger,
	}
}

// Discover probes every port concurrently and returns the reachable
// endpoints in port order. ErrNoTarget when none answer.
func (d *Discoverer) Discover(ctx context.Context) ([]Endpoint, error) {
	found := make([]*Endpoint, len(d.ports))
	var wg sync.WaitGroup
	for i, port := range d.ports {
		wg.Add(1)
		go func(i, port int) {
			defer wg.Done()
			ep, err := d.probe(ctx, port)
			if err != nil {
				d.logger.Debug("cdp port not reachable", slog.Int("port", port), slog.String("error", err.Error()))
				return
			}
			found[i] = ep
		}(i, port)
	}
	wg.Wait()

	var out []Endpoint
	for _, ep := range found {
		if ep != nil {
			out = append(out, *ep)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w on %s ports %v", ErrNoTarget, d.host, d.ports)
	}
	return out, nil
}

func (d *Discoverer) probe(ctx context.Context, port int) (*Endpoint, error) {
	base := "http://" + net.JoinHostPort(d.host, strconv.Itoa(port))
	ep := &Endpoint{Host: d.host, Port: port}
	if err := d.getJSON(ctx, base+"/json/version", &ep.Version); err != nil {
		return nil, err
	}
	if err := d.getJSON(ctx, base+"/json/list", &ep.Targets); err != nil {
		return nil, err
	}
	return ep, nil
}

func (d *Discoverer) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
