package server

import (
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/any-hub/any-cache/internal/config"
)

const defaultUpstreamTimeout = 30 * time.Second

// NewUpstreamClient 返回回源使用的 http.Client。
//
// 重定向原样返回给客户端；关闭透明解压，保证捕获的字节与上游发送的一致，
// Content-Encoding 随响应头一起保存。
func NewUpstreamClient(cfg *config.Config) *http.Client {
	timeout := defaultUpstreamTimeout
	idlePerHost := 32
	if cfg != nil {
		if d := cfg.Global.UpstreamTimeout.DurationValue(); d > 0 {
			timeout = d
		}
		if n := len(cfg.Routes); n > 0 {
			idlePerHost = max(idlePerHost, 256/n)
		}
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          256,
		MaxIdleConnsPerHost:   idlePerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
		DisableCompression:    true,
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// hopByHopHeaders 是 RFC 7230 规定只在单跳内有效的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Proxy-Connection":    {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// IsHopByHopHeader reports whether the header must not cross the proxy.
func IsHopByHopHeader(key string) bool {
	_, ok := hopByHopHeaders[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}

// IsStorableHeader 判断响应头能否写入缓存块：hop-by-hop 头与 Content-Length 由回放端重新生成。
func IsStorableHeader(key string) bool {
	return !IsHopByHopHeader(key) && !strings.EqualFold(key, "Content-Length")
}

// CopyHeaders 复制 src 中可转发的头部，同时剔除 Connection 中点名的字段。
func CopyHeaders(dst, src http.Header) {
	named := connectionTokens(src)
	for key, values := range src {
		if IsHopByHopHeader(key) {
			continue
		}
		if _, ok := named[textproto.CanonicalMIMEHeaderKey(key)]; ok {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

func connectionTokens(h http.Header) map[string]struct{} {
	values := h.Values("Connection")
	if len(values) == 0 {
		return nil
	}
	named := make(map[string]struct{})
	for _, v := range values {
		for _, token := range strings.Split(v, ",") {
			if token = strings.TrimSpace(token); token != "" {
				named[textproto.CanonicalMIMEHeaderKey(token)] = struct{}{}
			}
		}
	}
	return named
}
