// Copyright 2025 The pacman-bintrans Authors
// SPDX-License-Identifier: Apache-2.0

package archlinux

import (
	"context"
	"os"
	"strings"

	"github.com/kpcyrd/pacman-bintrans/internal/httpx"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Repo describes a pacman repository mirror. Mirror URLs may contain the
// $repo and $arch placeholders pacman.conf uses.
type Repo struct {
	URL  string
	Name string
	Arch string
}

func (r *Repo) expand() string {
	url := strings.ReplaceAll(r.URL, "$repo", r.Name)
	return strings.ReplaceAll(url, "$arch", r.Arch)
}

// DBURL returns the URL of the repository database.
func (r *Repo) DBURL() string {
	return r.expand() + "/" + r.Name + ".db"
}

// PackageURL returns the URL of a package file in the repository.
func (r *Repo) PackageURL(filename string) string {
	return r.expand() + "/" + filename
}

// LoadDB reads a repository database from an http(s) URL or a local path.
func LoadDB(ctx context.Context, fetcher *httpx.Fetcher, path string) ([]byte, error) {
	if strings.HasPrefix(path, "http:") || strings.HasPrefix(path, "https:") {
		logrus.Infof("Fetching database: %q", path)
		body, err := fetcher.DownloadToMem(ctx, path, 0)
		if err != nil {
			return nil, err
		}
		logrus.Infof("Downloaded %d bytes", len(body))
		return body, nil
	}
	file, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading database from %q", path)
	}
	logrus.Infof("Loaded %d bytes from disk", len(file))
	return file, nil
}
