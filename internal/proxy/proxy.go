// Copyright 2025 The pacman-bintrans Authors
// SPDX-License-Identifier: Apache-2.0

// Package proxy models the outbound proxy shared by the downloader's HTTP
// clients and exported to rekor-cli child processes.
package proxy

import (
	"net/url"

	"github.com/pkg/errors"
)

// Proxy is a normalized proxy address. It is constructed once at startup
// and shared read-only.
type Proxy struct {
	scheme string
	host   string
	user   *url.Userinfo
}

// Parse accepts http, https, socks5 and socks5h proxy URLs.
func Parse(s string) (*Proxy, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing proxy url %q", s)
	}
	switch u.Scheme {
	case "http", "https", "socks5", "socks5h":
	default:
		return nil, errors.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.Errorf("proxy url %q has no host", s)
	}
	return &Proxy{
		scheme: u.Scheme,
		host:   u.Host,
		user:   u.User,
	}, nil
}

func (p *Proxy) normalizedScheme() string {
	if p.scheme == "socks5h" {
		return "socks5"
	}
	return p.scheme
}

// TransportURL is the form handed to http.Transport. socks5h collapses to
// socks5 here as well: the transport's SOCKS5 dialer hands hostnames to
// the proxy unresolved, so remote-DNS semantics are retained.
func (p *Proxy) TransportURL() *url.URL {
	return &url.URL{
		Scheme: p.normalizedScheme(),
		User:   p.user,
		Host:   p.host,
	}
}

// String is the textual form exported to child processes. socks5h is
// written as socks5 since most tools only understand the latter.
func (p *Proxy) String() string {
	u := url.URL{
		Scheme: p.normalizedScheme(),
		User:   p.user,
		Host:   p.host,
	}
	return u.String()
}

// Environ returns the http_proxy/https_proxy variables for a child
// process environment.
func (p *Proxy) Environ() []string {
	text := p.String()
	return []string{
		"http_proxy=" + text,
		"https_proxy=" + text,
	}
}
