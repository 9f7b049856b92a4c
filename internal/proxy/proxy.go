// Package proxy fronts the dispatcher with a forward proxy that
// rewrites virtual-hosted-style requests (bucket encoded as a DNS
// subdomain of the service domain) into path-style requests against the
// local dispatcher. Requests for other hosts pass through untouched.
package proxy

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/elazarl/goproxy"
	"github.com/rs/zerolog"
)

// Proxy is the host-rewriting forward proxy.
type Proxy struct {
	server   *http.Server
	log      zerolog.Logger
	stopOnce sync.Once
	stopErr  error
}

// New builds a proxy listening on addr that redirects service-domain
// traffic to the dispatcher at target (host:port). CONNECT requests for
// the service domain are answered with a synthetic tunnel whose inner
// traffic is handled as plain HTTP, so TLS-configured clients land on
// the local, unencrypted dispatcher.
func New(addr, serviceDomain, target string, logger zerolog.Logger) *Proxy {
	p := &Proxy{log: logger}

	handler := goproxy.NewProxyHttpServer()
	handler.Verbose = false

	matchesService := goproxy.ReqConditionFunc(func(req *http.Request, ctx *goproxy.ProxyCtx) bool {
		return onServiceDomain(req.Host, serviceDomain)
	})

	handler.OnRequest(matchesService).HandleConnect(goproxy.FuncHttpsHandler(
		func(host string, ctx *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
			return goproxy.HTTPMitmConnect, host
		}))
	handler.OnRequest(matchesService).DoFunc(
		func(req *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
			p.rewrite(req, serviceDomain, target)
			return req, nil
		})

	p.server = &http.Server{Addr: addr, Handler: handler}

	return p
}

// Handler returns the proxy's HTTP handler.
func (p *Proxy) Handler() http.Handler {
	return p.server.Handler
}

// Start listens and serves until Stop.
func (p *Proxy) Start() error {
	listener, err := net.Listen("tcp", p.server.Addr)
	if err != nil {
		return fmt.Errorf("proxy listen on %s: %w", p.server.Addr, err)
	}

	p.log.Info().Str("addr", listener.Addr().String()).Msg("rewrite proxy listening")

	if err := p.server.Serve(listener); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop closes the proxy listener and any in-flight tunnels. Safe to
// call more than once.
func (p *Proxy) Stop() error {
	p.stopOnce.Do(func() {
		p.log.Info().Msg("rewrite proxy stopping")
		p.stopErr = p.server.Close()
	})
	return p.stopErr
}

// rewrite retargets req at the local dispatcher. A bare service-domain
// host is already path-style, so only the destination changes; a
// subdomain host carries the bucket name, which moves into the path.
func (p *Proxy) rewrite(req *http.Request, serviceDomain, target string) {
	host := hostname(req.Host)

	if host != serviceDomain {
		bucket := strings.TrimSuffix(host, "."+serviceDomain)
		req.URL.Path = "/" + bucket + req.URL.Path
	}

	// Tunneled requests arrive with the https scheme; the dispatcher
	// speaks plain HTTP.
	req.URL.Scheme = "http"
	req.URL.Host = target
	req.Host = target

	p.log.Debug().Str("host", host).Str("path", req.URL.Path).Msg("rewrote request")
}

func onServiceDomain(host, serviceDomain string) bool {
	host = hostname(host)
	return host == serviceDomain || strings.HasSuffix(host, "."+serviceDomain)
}

func hostname(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}
