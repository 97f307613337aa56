// Copyright 2025 The pacman-bintrans Authors
// SPDX-License-Identifier: Apache-2.0

// Package httpx provides a simpler http.Client abstraction and the bounded
// download operations used on the verification path.
package httpx

import (
	"context"
	"io"
	"net/http"
	"os"

	"github.com/cheggaaa/pb"
	"github.com/kpcyrd/pacman-bintrans/internal/proxy"
	"github.com/pkg/errors"
)

// UserAgent identifies the downloader to mirrors and rebuilders.
const UserAgent = "pacman-bintrans/0.3.1"

// BasicClient is a simpler http.Client that only requires a Do method.
type BasicClient interface {
	Do(*http.Request) (*http.Response, error)
}

var _ BasicClient = http.DefaultClient

// WithUserAgent is a basic HTTP client that adds a User-Agent header.
type WithUserAgent struct {
	BasicClient
	UserAgent string
}

var _ BasicClient = &WithUserAgent{}

// Do adds the User-Agent header and sends the request.
func (c *WithUserAgent) Do(req *http.Request) (*http.Response, error) {
	req.Header.Set("User-Agent", c.UserAgent)
	return c.BasicClient.Do(req)
}

// ErrSizeLimit is returned when a response body would exceed the caller's
// size limit.
var ErrSizeLimit = errors.New("exceeded response size limit")

// StatusError reports a non-2xx response.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return "server returned http error: " + e.Status
}

// Fetcher downloads URLs through a fixed client. Two instances may
// coexist, one proxied and one direct; they share no mutable state.
type Fetcher struct {
	Client BasicClient
	// Progress draws a byte progress bar on file downloads. It is fed
	// only by bytes actually written.
	Progress bool
}

// NewFetcher returns a Fetcher that routes every request through p, or
// connects directly if p is nil.
func NewFetcher(p *proxy.Proxy) *Fetcher {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if p != nil {
		transport.Proxy = http.ProxyURL(p.TransportURL())
	} else {
		transport.Proxy = nil
	}
	return &Fetcher{
		Client: &WithUserAgent{
			BasicClient: &http.Client{Transport: transport},
			UserAgent:   UserAgent,
		},
	}
}

func (f *Fetcher) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "building request")
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to send request")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}
	return resp, nil
}

// DownloadToMem streams the response body into memory. A limit > 0 fails
// the download with ErrSizeLimit as soon as the cumulative size would
// exceed it, never after.
func (f *Fetcher) DownloadToMem(ctx context.Context, url string, limit int64) ([]byte, error) {
	resp, err := f.get(ctx, url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body := resp.Body
	if limit > 0 {
		body = io.NopCloser(io.LimitReader(resp.Body, limit+1))
	}
	out, err := io.ReadAll(body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read from stream")
	}
	if limit > 0 && int64(len(out)) > limit {
		return nil, errors.Wrapf(ErrSizeLimit, "response for %q larger than %d bytes", url, limit)
	}
	return out, nil
}

// DownloadToFile streams the response body to path and returns the number
// of bytes written. On failure partial data may remain on disk.
func (f *Fetcher) DownloadToFile(ctx context.Context, url, path string) (int64, error) {
	resp, err := f.get(ctx, url)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	out, err := os.Create(path)
	if err != nil {
		return 0, errors.Wrap(err, "failed to create output file")
	}
	defer out.Close()
	var w io.Writer = out
	var bar *pb.ProgressBar
	if f.Progress && resp.ContentLength >= 0 {
		bar = pb.New64(resp.ContentLength).SetUnits(pb.U_BYTES)
		bar.Start()
		defer bar.Finish()
		w = io.MultiWriter(out, bar)
	}
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, errors.Wrap(err, "failed to write to output file")
	}
	// TODO: download to a .part file and rename once verified safe to
	// change alongside pacman's expectations.
	return n, nil
}
