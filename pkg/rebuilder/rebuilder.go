// Copyright 2025 The pacman-bintrans Authors
// SPDX-License-Identifier: Apache-2.0

// Package rebuilder queries independent rebuilderd instances to confirm a
// package was reproducibly rebuilt from source.
package rebuilder

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/fatih/color"
	"github.com/kpcyrd/pacman-bintrans/internal/httpx"
	"github.com/kpcyrd/pacman-bintrans/pkg/archlinux"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Status is a rebuilder's verdict for one package release.
type Status string

// StatusGood denotes a confirmed reproduction. Every other status counts
// as non-confirmation.
const StatusGood Status = "GOOD"

// PkgRelease is one record in a rebuilder's package list.
type PkgRelease struct {
	Name         string `json:"name"`
	Version      string `json:"version"`
	Status       Status `json:"status"`
	Distro       string `json:"distro"`
	Architecture string `json:"architecture"`
}

// BuildQueryURL derives the package-list endpoint of a rebuilder for the
// given package name. Trailing empty path segments on the base URL are
// collapsed so hosts with and without a trailing slash build the same URL.
func BuildQueryURL(rebuilder *url.URL, name string) string {
	u := rebuilder.JoinPath("api", "v0", "pkgs", "list")
	query := url.Values{}
	query.Set("distro", "archlinux")
	query.Set("name", name)
	u.RawQuery = query.Encode()
	return u.String()
}

// Query asks one rebuilder about a package. It returns true only for a
// record matching the exact name and version with status GOOD.
func Query(ctx context.Context, fetcher *httpx.Fetcher, rebuilder *url.URL, name, version string) (bool, error) {
	queryURL := BuildQueryURL(rebuilder, name)
	logrus.Infof("Querying rebuilder: %q", queryURL)

	body, err := fetcher.DownloadToMem(ctx, queryURL, 0)
	if err != nil {
		return false, err
	}
	var pkgs []PkgRelease
	if err := json.Unmarshal(body, &pkgs); err != nil {
		return false, errors.Wrap(err, "failed to deserialize response")
	}

	for _, pkg := range pkgs {
		if pkg.Name != name {
			continue
		}
		if pkg.Version != version {
			continue
		}
		if pkg.Status != StatusGood {
			continue
		}
		return true, nil
	}
	return false, nil
}

var reproducible = color.New(color.FgGreen, color.Bold)

// CheckRebuilds extracts the package identity from its .PKGINFO and asks
// every rebuilder in order, returning the number of confirmed
// reproductions. Failures of individual rebuilders are downgraded to
// warnings; only the final count matters.
func CheckRebuilds(ctx context.Context, fetcher *httpx.Fetcher, pkg []byte, rebuilders []*url.URL) (int, error) {
	pkginfo, err := archlinux.ParsePkgInfo(pkg)
	if err != nil {
		return 0, errors.Wrap(err, "failed to parse infos from package")
	}

	confirms := 0
	for _, rebuilder := range rebuilders {
		ok, err := Query(ctx, fetcher, rebuilder, pkginfo.Name, pkginfo.Version)
		if err != nil {
			logrus.Warnf("Failed to query rebuilder: %v", err)
			continue
		}
		if ok {
			fmt.Printf("Package was reproduced by rebuilder %q: %s\n",
				rebuilder.String(), reproducible.Sprint("REPRODUCIBLE"))
			confirms++
		}
	}
	return confirms, nil
}
