package health

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// ProbeResult is the outcome of a peer reachability probe
type ProbeResult struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// PeerProber checks whether a peer node answers its cluster health
// endpoint. Used by the isolation check: a master that cannot reach a
// quorum of healthy peers must demote itself.
type PeerProber struct {
	// Headers are attached to every probe (cluster token auth)
	Headers map[string]string
	Client  *http.Client
}

// NewPeerProber creates a prober with the given per-probe timeout
func NewPeerProber(timeout time.Duration) *PeerProber {
	return &PeerProber{
		Headers: make(map[string]string),
		Client:  &http.Client{Timeout: timeout},
	}
}

// WithHeader attaches a header to every probe
func (p *PeerProber) WithHeader(key, value string) *PeerProber {
	p.Headers[key] = value
	return p
}

// Probe performs one reachability check against a node's base URL
func (p *PeerProber) Probe(ctx context.Context, baseURL string) ProbeResult {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/cluster/health", nil)
	if err != nil {
		return ProbeResult{
			Healthy:   false,
			Message:   fmt.Sprintf("failed to create request: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	for key, value := range p.Headers {
		req.Header.Set(key, value)
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return ProbeResult{
			Healthy:   false,
			Message:   fmt.Sprintf("request failed: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode >= 200 && resp.StatusCode <= 399
	return ProbeResult{
		Healthy:   healthy,
		Message:   fmt.Sprintf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode)),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}
