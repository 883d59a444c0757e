package cmp

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/kit/log/level"
	"github.com/mpeylo/cmpossl-go/kerr"
)

// defaultTransfer is the TransferFunc installed by NewContext when the
// caller does not supply one (spec §4.8): a single HTTP(S) POST of
// application/pkixcmp, honoring ctx's per-message deadline and optional
// CONNECT proxy.
func defaultTransfer(ctx *Context, requestDER []byte) ([]byte, error) {
	timeout, err := perRequestDeadline(ctx)
	if err != nil {
		return nil, err
	}

	isHTTPS := ctx.ServerPort == 443 || ctx.HTTPWrapFunc != nil
	scheme := "http"
	if isHTTPS {
		scheme = "https"
	}
	u := &url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(ctx.ServerHost, strconv.Itoa(ctx.ServerPort)),
		Path:   normalizePath(ctx.ServerPath),
	}

	client := &http.Client{Timeout: timeout}
	switch {
	case isHTTPS && ctx.ProxyHost != "":
		// RFC 1945-style CONNECT tunnel, then TLS (or the caller's wrap
		// callback) over the tunneled socket (spec §4.8, §6).
		dialer := &net.Dialer{Timeout: timeout}
		client.Transport = &http.Transport{
			DialContext: func(c context.Context, network, addr string) (net.Conn, error) {
				return dialThroughProxy(ctx, dialer, network, addr, timeout)
			},
		}
	case isHTTPS:
		dialer := &net.Dialer{Timeout: timeout}
		client.Transport = &http.Transport{
			DialContext: func(c context.Context, network, addr string) (net.Conn, error) {
				return dialTLS(ctx, dialer, network, addr, timeout)
			},
		}
	case ctx.ProxyHost != "":
		// Plaintext via proxy: net/http sends the absolute-form request
		// URI to the proxy directly (spec §6), no CONNECT tunnel needed.
		proxyAddr := net.JoinHostPort(ctx.ProxyHost, strconv.Itoa(ctx.ProxyPort))
		client.Transport = &http.Transport{
			Proxy: func(*http.Request) (*url.URL, error) {
				return &url.URL{Scheme: "http", Host: proxyAddr}, nil
			},
		}
	}

	reqCtx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(reqCtx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, u.String(), bytes.NewReader(requestDER))
	if err != nil {
		return nil, kerr.Wrap(err, kerr.KindFailedToSendRequest, "build HTTP request")
	}
	req.Header.Set("Host", u.Host)
	req.Header.Set("Pragma", "no-cache")
	req.Header.Set("Content-Type", "application/pkixcmp")
	req.ContentLength = int64(len(requestDER))

	level.Debug(ctx.Logger).Log("msg", "sending PKIMessage", "url", u.String(), "bytes", len(requestDER))

	resp, err := client.Do(req)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return nil, kerr.Wrap(err, kerr.KindReadTimeout, "HTTP round trip timed out")
		}
		return nil, kerr.Wrap(err, kerr.KindFailedToSendRequest, "HTTP round trip")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, kerr.Wrap(err, kerr.KindFailedToReceive, "read response body")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, kerr.New(kerr.KindFailedToReceive, "server returned HTTP %d", resp.StatusCode)
	}
	return body, nil
}

// perRequestDeadline computes min(msgtimeout, total_deadline-now), failing
// TotalTimeout when the transaction deadline has already passed (spec §4.8
// step 1).
func perRequestDeadline(ctx *Context) (time.Duration, error) {
	d := ctx.deadline()
	if d.IsZero() {
		if ctx.MsgTimeout > 0 {
			return ctx.MsgTimeout, nil
		}
		return 0, nil
	}
	remaining := time.Until(d)
	if remaining <= 0 {
		return 0, kerr.New(kerr.KindTotalTimeout, "transaction deadline has passed")
	}
	if ctx.MsgTimeout > 0 && ctx.MsgTimeout < remaining {
		return ctx.MsgTimeout, nil
	}
	return remaining, nil
}

func normalizePath(p string) string {
	if p == "" {
		return "/"
	}
	if p[0] != '/' {
		return "/" + p
	}
	return p
}

// dialThroughProxy opens a plaintext CONNECT tunnel to addr through
// ctx.ProxyHost, then hands the tunneled socket to ctx.HTTPWrapFunc (if
// configured) or to the standard TLS client (spec §4.8, §6).
func dialThroughProxy(ctx *Context, dialer *net.Dialer, network, addr string, timeout time.Duration) (net.Conn, error) {
	proxyAddr := net.JoinHostPort(ctx.ProxyHost, strconv.Itoa(ctx.ProxyPort))
	conn, err := dialer.Dial(network, proxyAddr)
	if err != nil {
		return nil, wrapDialError(err, "connect to proxy %s", proxyAddr)
	}
	if err := connectTunnel(conn, addr, timeout); err != nil {
		conn.Close()
		return nil, err
	}
	return wrapTLS(ctx, conn, network, addr)
}

// dialTLS dials addr directly and wraps it with TLS (spec §4.8).
func dialTLS(ctx *Context, dialer *net.Dialer, network, addr string, timeout time.Duration) (net.Conn, error) {
	conn, err := dialer.Dial(network, addr)
	if err != nil {
		return nil, wrapDialError(err, "connect to %s", addr)
	}
	return wrapTLS(ctx, conn, network, addr)
}

// wrapDialError classifies a dial failure as KindConnectTimeout when it
// satisfies net.Error.Timeout(), else KindErrorConnecting, mirroring the
// classification defaultTransfer already applies to the HTTP round trip.
func wrapDialError(err error, format string, args ...interface{}) error {
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return kerr.Wrap(err, kerr.KindConnectTimeout, format, args...)
	}
	return kerr.Wrap(err, kerr.KindErrorConnecting, format, args...)
}

// wrapTLS installs TLS over conn, preferring the caller's HTTPWrapFunc
// callback when configured (spec §4.8's "hand the socket to the TLS
// callback").
func wrapTLS(ctx *Context, conn net.Conn, network, addr string) (net.Conn, error) {
	host, _, _ := net.SplitHostPort(addr)
	if ctx.HTTPWrapFunc != nil {
		wrapped, err := ctx.HTTPWrapFunc(conn, host)
		if err != nil {
			conn.Close()
			return nil, kerr.Wrap(err, kerr.KindTLSError, "caller TLS wrap failed")
		}
		return wrapped, nil
	}
	tlsConn := tls.Client(conn, &tls.Config{ServerName: host})
	if err := tlsConn.HandshakeContext(context.Background()); err != nil {
		conn.Close()
		return nil, kerr.Wrap(err, kerr.KindTLSError, "TLS handshake")
	}
	return tlsConn, nil
}

// connectTunnel issues an HTTP/1.1 CONNECT request over conn and accepts any
// 2xx response, discarding the remaining headers (spec §4.8, §6).
func connectTunnel(conn net.Conn, target string, timeout time.Duration) error {
	if timeout > 0 {
		conn.SetDeadline(time.Now().Add(timeout))
		defer conn.SetDeadline(time.Time{})
	}
	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\nProxy-Connection: Keep-Alive\r\n\r\n", target, target)
	if _, err := conn.Write([]byte(req)); err != nil {
		return kerr.Wrap(err, kerr.KindFailedToSendRequest, "write CONNECT request")
	}

	reader := bufio.NewReader(conn)
	tp := textproto.NewReader(reader)
	statusLine, err := tp.ReadLine()
	if err != nil {
		return kerr.Wrap(err, kerr.KindErrorConnecting, "read CONNECT status line")
	}
	if !isSuccessStatusLine(statusLine) {
		return kerr.New(kerr.KindErrorConnecting, "CONNECT tunnel rejected: %s", statusLine)
	}
	if _, err := tp.ReadMIMEHeader(); err != nil {
		return kerr.Wrap(err, kerr.KindErrorConnecting, "read CONNECT response headers")
	}
	return nil
}

// isSuccessStatusLine reports whether line (e.g. "HTTP/1.1 200 Connection
// established") carries a 2xx status code.
func isSuccessStatusLine(line string) bool {
	if !strings.HasPrefix(line, "HTTP/") {
		return false
	}
	idx := strings.IndexByte(line, ' ')
	if idx < 0 || idx+1 >= len(line) {
		return false
	}
	return line[idx+1] == '2'
}
