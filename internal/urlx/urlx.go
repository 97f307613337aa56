// Copyright 2025 The pacman-bintrans Authors
// SPDX-License-Identifier: Apache-2.0

package urlx

import (
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// MustParse will call url.Parse and panic if there is an error, returning on success.
func MustParse(rawURL string) *url.URL {
	if u, err := url.Parse(rawURL); err != nil {
		panic(err)
	} else {
		return u
	}
}

// Filename returns the last path segment of rawURL. A URL with no path
// segments or a trailing empty segment is rejected.
func Filename(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", errors.Wrapf(err, "parsing url %q", rawURL)
	}
	idx := strings.LastIndex(u.Path, "/")
	if idx < 0 {
		return "", errors.Errorf("url %q has no path segments", rawURL)
	}
	name := u.Path[idx+1:]
	if name == "" {
		return "", errors.Errorf("url %q has no filename", rawURL)
	}
	return name, nil
}

// ReplaceFilename swaps the last path segment of base for name.
func ReplaceFilename(base, name string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", errors.Wrapf(err, "parsing url %q", base)
	}
	idx := strings.LastIndex(u.Path, "/")
	if idx < 0 {
		return "", errors.Errorf("url %q has no path segments", base)
	}
	u.Path = u.Path[:idx+1] + name
	return u.String(), nil
}
