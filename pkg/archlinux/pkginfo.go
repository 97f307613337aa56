// Copyright 2025 The pacman-bintrans Authors
// SPDX-License-Identifier: Apache-2.0

package archlinux

import (
	"strings"

	"github.com/kpcyrd/pacman-bintrans/pkg/archive"
	"github.com/pkg/errors"
)

// PkgInfo is the package identity parsed from the .PKGINFO entry of a
// package archive.
type PkgInfo struct {
	Name    string
	Version string
}

func extractPkgInfo(pkg []byte) (string, error) {
	tr, err := archive.Open(pkg)
	if err != nil {
		return "", err
	}
	content, err := archive.ExtractFile(tr, ".PKGINFO")
	if err != nil {
		return "", errors.Wrap(err, "package does not contain readable .PKGINFO")
	}
	return string(content), nil
}

// ParsePkgInfo reads the .PKGINFO entry out of a package archive and
// returns its pkgname and pkgver fields. Both must be present.
func ParsePkgInfo(pkg []byte) (*PkgInfo, error) {
	content, err := extractPkgInfo(pkg)
	if err != nil {
		return nil, err
	}

	var pkgname, pkgver string
	for _, line := range strings.Split(content, "\n") {
		if value, ok := strings.CutPrefix(line, "pkgname = "); ok {
			pkgname = value
		}
		if value, ok := strings.CutPrefix(line, "pkgver = "); ok {
			pkgver = value
		}
	}

	if pkgname == "" {
		return nil, errors.New("missing pkgname field in .PKGINFO")
	}
	if pkgver == "" {
		return nil, errors.New("missing pkgver field in .PKGINFO")
	}
	return &PkgInfo{
		Name:    pkgname,
		Version: pkgver,
	}, nil
}
