// Package proxy runs the MITM HTTPS listener and feeds intercepted flows to
// the correlator.
package proxy

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/elazarl/goproxy"
	"github.com/rs/dnscache"

	"github.com/tokentap/tokentap/internal/catalog"
	"github.com/tokentap/tokentap/internal/flow"
	"github.com/tokentap/tokentap/internal/identity"
)


// Server is the interception proxy.
type Server struct {
	handler    *goproxy.ProxyHttpServer
	catalog    *catalog.Catalog
	correlator *flow.Correlator
}

// New builds the proxy handler with the given root CA installed for MITM.
func New(cat *catalog.Catalog, correlator *flow.Correlator, ca tls.Certificate, resolver *dnscache.Resolver) (*Server, error) {
	if err := installCA(ca); err != nil {
		return nil, err
	}

	p := goproxy.NewProxyHttpServer()
	p.Logger = slogAdapter{}
	p.Tr = upstreamTransport(resolver)
	p.OnRequest().HandleConnect(goproxy.AlwaysMitm)

	s := &Server{handler: p, catalog: cat, correlator: correlator}
	p.OnRequest().DoFunc(s.onRequest)
	p.OnResponse().DoFunc(s.onResponse)
	// Origin-form requests sent straight to the listener bypass the proxy
	// hooks entirely; goproxy routes them here instead.
	p.NonproxyHandler = http.HandlerFunc(s.serveDirect)
	return s, nil
}

// serveDirect handles requests addressed to the listener itself: the health
// endpoint and direct mode, where a client points its *_BASE_URL at the
// proxy and the path names the provider. Recognized paths are rewritten to
// the canonical upstream and re-dispatched through the proxy handler so the
// flow is intercepted like any other.
func (s *Server) serveDirect(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path == "/health" {
		slog.Debug("health check")
		w.Header()["Content-Type"] = []string{"application/json"}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok","proxy":true}`))
		return
	}

	upstream, ok := s.rewriteTarget(req.URL.Path)
	if !ok {
		slog.Warn("unknown direct-mode path", "path", req.URL.Path)
		http.Error(w,
			fmt.Sprintf("Unknown API path: %s. Supported: Anthropic, OpenAI, Gemini", req.URL.Path),
			http.StatusBadRequest)
		return
	}

	slog.Info("direct-mode rewrite", "path", req.URL.Path, "upstream", upstream)
	req.URL.Scheme = "https"
	req.URL.Host = upstream
	req.Host = upstream
	s.handler.ServeHTTP(w, req)
}

// Handler returns the http.Handler to serve on the proxy port.
func (s *Server) Handler() http.Handler { return s.handler }

func installCA(ca tls.Certificate) error {
	if len(ca.Certificate) == 0 {
		return fmt.Errorf("root ca has no certificate")
	}
	goproxy.GoproxyCa = ca
	tlsConfig := goproxy.TLSConfigFromCA(&ca)
	goproxy.OkConnect = &goproxy.ConnectAction{Action: goproxy.ConnectAccept, TLSConfig: tlsConfig}
	goproxy.MitmConnect = &goproxy.ConnectAction{Action: goproxy.ConnectMitm, TLSConfig: tlsConfig}
	goproxy.HTTPMitmConnect = &goproxy.ConnectAction{Action: goproxy.ConnectHTTPMitm, TLSConfig: tlsConfig}
	goproxy.RejectConnect = &goproxy.ConnectAction{Action: goproxy.ConnectReject, TLSConfig: tlsConfig}
	return nil
}

func upstreamTransport(resolver *dnscache.Resolver) *http.Transport {
	t := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}
	return t
}

func (s *Server) onRequest(req *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	host := req.URL.Hostname()
	if host == "" {
		host = req.Host
	}

	if isLoopback(host) {
		if req.URL.Path == "/health" {
			slog.Debug("health check")
			return req, goproxy.NewResponse(req, "application/json",
				http.StatusOK, `{"status":"ok","proxy":true}`)
		}
		upstream, ok := s.rewriteTarget(req.URL.Path)
		if !ok {
			slog.Warn("unknown direct-mode path", "path", req.URL.Path)
			return req, goproxy.NewResponse(req, goproxy.ContentTypeText,
				http.StatusBadRequest,
				fmt.Sprintf("Unknown API path: %s. Supported: Anthropic, OpenAI, Gemini", req.URL.Path))
		}
		slog.Info("direct-mode rewrite", "path", req.URL.Path, "upstream", upstream)
		req.URL.Scheme = "https"
		req.URL.Host = upstream
		req.Host = upstream
		host = upstream
	}

	body := captureRequestBody(req)

	clientIP := req.RemoteAddr
	if ip, _, err := net.SplitHostPort(req.RemoteAddr); err == nil {
		clientIP = ip
	}

	meta := flow.RequestMeta{
		Host:      host,
		Path:      req.URL.Path,
		Method:    req.Method,
		UserAgent: req.Header.Get("User-Agent"),
		AmzTarget: req.Header.Get("X-Amz-Target"),
		ClientIP:  clientIP,
		Context:   identity.FromHeaders(req.Header, host),
		Body:      body,
	}
	tracked := s.correlator.OnRequest(ctx.Session, meta)
	ctx.UserData = tracked
	return req, nil
}

func (s *Server) onResponse(resp *http.Response, ctx *goproxy.ProxyCtx) *http.Response {
	if resp == nil {
		return nil
	}
	if tracked, ok := ctx.UserData.(bool); !ok || !tracked {
		return resp
	}

	s.correlator.OnResponseHeaders(ctx.Session, resp.Header.Get("Content-Type"))

	id := ctx.Session
	status := resp.StatusCode
	resp.Body = newTapReader(resp.Body, func(body []byte, truncated bool) {
		s.correlator.OnResponseComplete(id, status, body, truncated)
	})
	return resp
}

// rewriteTarget maps a recognized direct-mode path to the canonical upstream
// host taken from the provider's descriptor.
func (s *Server) rewriteTarget(path string) (string, bool) {
	var name string
	switch {
	case strings.Contains(path, "/v1/messages"):
		name = "anthropic"
	case strings.Contains(path, "/v1/chat/completions"), strings.Contains(path, "/v1/responses"):
		name = "openai"
	case strings.Contains(path, "generateContent"):
		name = "gemini"
	default:
		return "", false
	}
	p, ok := s.catalog.Provider(name)
	if !ok || len(p.Domains) == 0 {
		return "", false
	}
	return p.Domains[0], true
}

// captureRequestBody reads and restores the request body so the flow can be
// parsed after the response lands. The body must be restored in full or the
// upstream would see a corrupted request.
func captureRequestBody(req *http.Request) []byte {
	if req.Body == nil {
		return nil
	}
	body, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		slog.Warn("request body read failed", "error", err)
		req.Body = http.NoBody
		return nil
	}
	req.Body = io.NopCloser(bytes.NewReader(body))
	req.ContentLength = int64(len(body))
	return body
}

func isLoopback(host string) bool {
	return host == "localhost" || host == "127.0.0.1"
}

// slogAdapter routes goproxy's internal logging through slog at debug level.
type slogAdapter struct{}

func (slogAdapter) Printf(format string, v ...any) {
	slog.Debug(fmt.Sprintf(format, v...))
}
