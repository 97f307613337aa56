// Copyright 2025 The pacman-bintrans Authors
// SPDX-License-Identifier: Apache-2.0

package archlinux

import (
	"archive/tar"
	"io"
	"strings"

	"github.com/kpcyrd/pacman-bintrans/pkg/archive"
	"github.com/pkg/errors"
)

// Pkg is one package record from a pacman repository database.
type Pkg struct {
	Name         string
	Base         string
	Filename     string
	Version      string
	SHA256Sum    string
	Architecture string
	Packager     string
}

type newPkg struct {
	name         []string
	base         []string
	filename     []string
	version      []string
	sha256sum    []string
	architecture []string
	packager     []string
}

func first(values []string, field string) (string, error) {
	if len(values) == 0 {
		return "", errors.Errorf("missing %s field", field)
	}
	return values[0], nil
}

func (n *newPkg) build() (Pkg, error) {
	var pkg Pkg
	var err error
	if pkg.Name, err = first(n.name, "pkg name"); err != nil {
		return pkg, err
	}
	if pkg.Base, err = first(n.base, "pkg base"); err != nil {
		return pkg, err
	}
	if pkg.Filename, err = first(n.filename, "filename"); err != nil {
		return pkg, err
	}
	if pkg.Version, err = first(n.version, "version"); err != nil {
		return pkg, err
	}
	if pkg.SHA256Sum, err = first(n.sha256sum, "sha256sum"); err != nil {
		return pkg, err
	}
	if pkg.Architecture, err = first(n.architecture, "architecture"); err != nil {
		return pkg, err
	}
	if pkg.Packager, err = first(n.packager, "packager"); err != nil {
		return pkg, err
	}
	return pkg, nil
}

func parseDescBlocks(content string) *newPkg {
	pkg := &newPkg{}
	lines := strings.Split(content, "\n")
	for i := 0; i < len(lines); i++ {
		key := lines[i]
		if key == "" {
			continue
		}
		var values []string
		for i+1 < len(lines) && lines[i+1] != "" {
			i++
			values = append(values, lines[i])
		}
		switch key {
		case "%FILENAME%":
			pkg.filename = values
		case "%NAME%":
			pkg.name = values
		case "%BASE%":
			pkg.base = values
		case "%VERSION%":
			pkg.version = values
		case "%SHA256SUM%":
			pkg.sha256sum = values
		case "%ARCH%":
			pkg.architecture = values
		case "%PACKAGER%":
			pkg.packager = values
		}
	}
	return pkg
}

// ParseDBPackages decompresses a repository database and parses every
// package description in it.
func ParseDBPackages(db []byte) ([]Pkg, error) {
	tr, err := archive.Open(db)
	if err != nil {
		return nil, err
	}

	var pkgs []Pkg
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "reading database entry")
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		content, err := io.ReadAll(tr)
		if err != nil {
			return nil, errors.Wrapf(err, "reading database entry %q", hdr.Name)
		}
		raw := parseDescBlocks(string(content))
		pkg, err := raw.build()
		if err != nil {
			return nil, errors.Wrapf(err, "invalid package description %q", hdr.Name)
		}
		pkgs = append(pkgs, pkg)
	}
	return pkgs, nil
}
