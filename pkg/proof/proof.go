// Copyright 2025 The pacman-bintrans Authors
// SPDX-License-Identifier: Apache-2.0

// Package proof verifies transparency signatures. The signed data is never
// the package itself but its canonical hash: the lowercase hex SHA-256 of
// the package bytes, signed as a prehashed minisign signature. This keeps
// transparency log entries small and audits cheap.
package proof

import (
	"crypto/sha256"
	"encoding/hex"

	minisign "github.com/jedisct1/go-minisign"
	"github.com/pkg/errors"
)

// SizeLimit bounds the size of a transparency proof (.t file).
const SizeLimit = 1024

// prehashed is the signature algorithm of minisign's -H mode.
var prehashed = [2]byte{'E', 'D'}

// CanonicalHash returns the string form over which transparency
// signatures are made.
func CanonicalHash(pkg []byte) string {
	digest := sha256.Sum256(pkg)
	return hex.EncodeToString(digest[:])
}

// Verify checks the minisign signature in sig against the canonical hash
// of pkg. The signature must carry the prehash flag; legacy non-prehashed
// signatures are rejected.
func Verify(pk minisign.PublicKey, pkg, sig []byte) error {
	decoded, err := minisign.DecodeSignature(string(sig))
	if err != nil {
		return errors.Wrap(err, "parsing minisign signature")
	}
	if decoded.SignatureAlgorithm != prehashed {
		return errors.New("transparency signature is not prehashed")
	}
	hash := CanonicalHash(pkg)
	valid, err := pk.Verify([]byte(hash), decoded)
	if err != nil {
		return errors.Wrap(err, "invalid transparency signature")
	}
	if !valid {
		return errors.New("invalid transparency signature")
	}
	return nil
}
