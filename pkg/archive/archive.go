// Copyright 2025 The pacman-bintrans Authors
// SPDX-License-Identifier: Apache-2.0

// Package archive detects package compression from magic bytes and
// streams the decompressed tar contents.
package archive

import (
	"archive/tar"
	"bytes"
	"compress/bzip2"
	"compress/gzip"
	"io"
	"path"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"github.com/ulikunitz/xz"
)

// Compression identifies the outer compression of a package archive.
type Compression int

const (
	CompressionNone Compression = iota
	CompressionGzip
	CompressionXz
	CompressionZstd
	CompressionBzip2
)

func (c Compression) String() string {
	switch c {
	case CompressionGzip:
		return "gzip"
	case CompressionXz:
		return "xz"
	case CompressionZstd:
		return "zstd"
	case CompressionBzip2:
		return "bzip2"
	default:
		return "none"
	}
}

var magics = []struct {
	prefix      []byte
	compression Compression
}{
	{[]byte{0x1f, 0x8b}, CompressionGzip},
	{[]byte{0xfd, 0x37, 0x7a, 0x58, 0x5a, 0x00}, CompressionXz},
	{[]byte{0x28, 0xb5, 0x2f, 0xfd}, CompressionZstd},
	{[]byte{0x42, 0x5a, 0x68}, CompressionBzip2},
}

// DetectCompression inspects the magic-byte prefix of b. Anything
// unrecognized is assumed to be a plain tar.
func DetectCompression(b []byte) Compression {
	for _, m := range magics {
		if bytes.HasPrefix(b, m.prefix) {
			return m.compression
		}
	}
	return CompressionNone
}

// Decompress wraps r in a streaming decompressor for c.
func Decompress(r io.Reader, c Compression) (io.Reader, error) {
	switch c {
	case CompressionGzip:
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, errors.Wrap(err, "initializing gzip reader")
		}
		return gz, nil
	case CompressionXz:
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, errors.Wrap(err, "initializing xz reader")
		}
		return xr, nil
	case CompressionZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, errors.Wrap(err, "initializing zstd reader")
		}
		return zr.IOReadCloser(), nil
	case CompressionBzip2:
		return bzip2.NewReader(r), nil
	case CompressionNone:
		return r, nil
	default:
		return nil, errors.Errorf("unsupported compression type %d", int(c))
	}
}

// Open detects the compression of pkg and returns a tar reader over its
// entries.
func Open(pkg []byte) (*tar.Reader, error) {
	compression := DetectCompression(pkg)
	stream, err := Decompress(bytes.NewReader(pkg), compression)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open compressed package")
	}
	return tar.NewReader(stream), nil
}

// ExtractFile enumerates the archive's entries and returns the content of
// the regular file at name.
func ExtractFile(tr *tar.Reader, name string) ([]byte, error) {
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "reading archive entry")
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if path.Clean(hdr.Name) != name {
			continue
		}
		content, err := io.ReadAll(tr)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read %q from archive", name)
		}
		return content, nil
	}
	return nil, errors.Errorf("archive does not contain %q", name)
}
