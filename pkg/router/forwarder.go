package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/burrowdb/burrow/pkg/errdefs"
	"github.com/burrowdb/burrow/pkg/log"
	"github.com/burrowdb/burrow/pkg/types"
)

// ErrServeLocal tells the caller the selected target is this node and
// the request should be handled locally instead of forwarded
var ErrServeLocal = errors.New("request targets the local node")

// ForwardedFromHeader names the node a request was proxied from. Its
// presence stops a second hop.
const ForwardedFromHeader = "X-Forwarded-From"

// hop-by-hop headers are stripped before forwarding
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// Forwarder routes client requests to the right cluster node: writes to
// the leader, reads per the balancing policy
type Forwarder struct {
	cfg      Config
	balancer *Balancer
	client   *http.Client
	logger   zerolog.Logger
}

// NewForwarder creates a forwarder on top of a balancer
func NewForwarder(cfg Config, balancer *Balancer) *Forwarder {
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Forwarder{
		cfg:      cfg,
		balancer: balancer,
		client:   &http.Client{Timeout: timeout},
		logger:   log.WithComponent("forwarder"),
	}
}

// Balancer exposes the underlying balancer
func (f *Forwarder) Balancer() *Balancer {
	return f.balancer
}

// Route selects a target for the request and proxies it there. It
// returns ErrServeLocal when this node is the target, and
// errdefs.ErrNoWritableNode when a write has nowhere to go. An already
// forwarded request is always served locally.
func (f *Forwarder) Route(w http.ResponseWriter, r *http.Request, isWrite bool) error {
	if r.Header.Get(ForwardedFromHeader) != "" {
		return ErrServeLocal
	}

	var target *types.Node
	var err error
	if isWrite {
		target, err = f.balancer.SelectWriteTarget(r.Context())
	} else {
		target, err = f.balancer.SelectReadTarget(r.Context(), clientAddr(r))
	}
	if err != nil {
		return err
	}
	if target.ID == f.cfg.LocalNodeID {
		return ErrServeLocal
	}

	return f.forward(w, r, target)
}

func (f *Forwarder) forward(w http.ResponseWriter, r *http.Request, target *types.Node) error {
	f.balancer.IncrementConnections(target.ID)
	defer f.balancer.DecrementConnections(target.ID)

	ctx, cancel := context.WithTimeout(r.Context(), f.client.Timeout)
	defer cancel()

	url := target.BaseURL() + r.URL.RequestURI()
	req, err := http.NewRequestWithContext(ctx, r.Method, url, r.Body)
	if err != nil {
		return fmt.Errorf("failed to build upstream request: %w", err)
	}

	copyHeaders(req.Header, r.Header)
	req.Header.Set(ForwardedFromHeader, f.cfg.LocalNodeID)
	req.Header.Set("X-Cluster-Token", f.cfg.ClusterToken)

	start := time.Now()
	resp, err := f.client.Do(req)
	duration := time.Since(start)

	if err != nil {
		f.balancer.RecordRequest(target.ID, duration, false)
		f.logger.Warn().Err(err).Str("node_id", target.ID).Str("url", url).
			Msg("upstream request failed")
		return fmt.Errorf("node %s: %w", target.ID, errdefs.ErrUpstream)
	}
	defer resp.Body.Close()

	f.balancer.RecordRequest(target.ID, duration, resp.StatusCode < http.StatusInternalServerError)

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		f.logger.Debug().Err(err).Str("node_id", target.ID).Msg("response copy interrupted")
	}

	f.logger.Debug().Str("node_id", target.ID).Str("method", r.Method).
		Str("path", r.URL.Path).Int("status", resp.StatusCode).
		Dur("duration", duration).Msg("request forwarded")
	return nil
}

func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		if isHopHeader(key) {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

func isHopHeader(key string) bool {
	for _, h := range hopHeaders {
		if http.CanonicalHeaderKey(key) == h {
			return true
		}
	}
	return false
}

func clientAddr(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	return r.RemoteAddr
}
