// Package router directs client requests across the cluster. The
// balancer picks targets with the configured algorithm, pins sticky
// sessions, and shields failing nodes behind circuit breakers; the
// forwarder proxies requests to the chosen node, sending writes to the
// leader only.
package router
