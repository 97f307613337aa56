// Copyright 2025 The pacman-bintrans Authors
// SPDX-License-Identifier: Apache-2.0

// Package archlinux holds the pacman-specific knowledge: which URLs are
// installable packages, the .PKGINFO metadata format, and the repository
// database format.
package archlinux

import "strings"

// NeedsTransparencyProof reports whether url refers to an installable
// package. Packages are named `<name>-<version>-<arch>.pkg.tar[.<comp>]`;
// everything else (databases, signatures) downloads without verification.
// A bare `.pkg.tar` suffix is accepted for compatibility with uncompressed
// packages.
func NeedsTransparencyProof(url string) bool {
	tokens := strings.Split(url, ".")
	i := len(tokens) - 1
	if i < 1 {
		return false
	}
	if tokens[i] != "tar" {
		// compressed archive, e.g. .pkg.tar.zst
		i--
	}
	if i < 1 || tokens[i] != "tar" {
		return false
	}
	return tokens[i-1] == "pkg"
}
