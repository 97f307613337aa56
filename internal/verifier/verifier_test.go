// Copyright 2025 The pacman-bintrans Authors
// SPDX-License-Identifier: Apache-2.0

package verifier

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	signer "aead.dev/minisign"
	minisign "github.com/jedisct1/go-minisign"
	"github.com/klauspost/compress/zstd"
	"github.com/kpcyrd/pacman-bintrans/internal/httpx"
	"github.com/kpcyrd/pacman-bintrans/internal/urlx"
	"github.com/kpcyrd/pacman-bintrans/pkg/proof"
	"github.com/kpcyrd/pacman-bintrans/pkg/rebuilder"
)

const pkgFilename = "rebuilderd-0.18.1-1-x86_64.pkg.tar.zst"

type testKeys struct {
	pub     minisign.PublicKey
	pubText string
	priv    signer.PrivateKey
}

func newTestKeys(t *testing.T) *testKeys {
	t.Helper()
	pub, priv, err := signer.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	pubText, err := pub.MarshalText()
	if err != nil {
		t.Fatal(err)
	}
	pk, err := minisign.DecodePublicKey(string(pubText))
	if err != nil {
		t.Fatal(err)
	}
	return &testKeys{pub: pk, pubText: string(pubText), priv: priv}
}

// signPkg produces a prehashed minisign signature over the canonical hash.
func (k *testKeys) signPkg(pkg []byte) []byte {
	r := signer.NewReader(strings.NewReader(proof.CanonicalHash(pkg)))
	if _, err := io.Copy(io.Discard, r); err != nil {
		panic(err)
	}
	return r.Sign(k.priv)
}

// rekorStub writes script as an executable rekor-cli stand-in and returns
// its path.
func rekorStub(t *testing.T, script string) string {
	t.Helper()
	binary := filepath.Join(t.TempDir(), "rekor-cli")
	if err := os.WriteFile(binary, []byte("#!/bin/sh\n"+script), 0755); err != nil {
		t.Fatal(err)
	}
	return binary
}

// mirror serves a package and its transparency proof the way a pacman
// mirror plus signature directory would.
func mirror(t *testing.T, files map[string][]byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		content, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write(content)
	}))
}

func newTestVerifier(t *testing.T, keys *testKeys, cfg Config) *Verifier {
	t.Helper()
	cfg.PubKey = keys.pub
	cfg.PubKeyText = keys.pubText
	v := New(cfg)
	v.rekor.Binary = rekorStub(t, "exit 0")
	return v
}

func makeTestPkg(t *testing.T) []byte {
	t.Helper()
	pkginfo := "pkgname = rebuilderd\npkgver = 0.18.1-1\n"
	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	if err := tw.WriteHeader(&tar.Header{
		Name:     ".PKGINFO",
		Typeflag: tar.TypeReg,
		Size:     int64(len(pkginfo)),
		Mode:     0644,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := tw.Write([]byte(pkginfo)); err != nil {
		t.Fatal(err)
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	// The verifier only opens the archive on the quorum path, but a real
	// package shape keeps every scenario usable with rebuilders.
	var out bytes.Buffer
	zw, err := zstd.NewWriter(&out)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := zw.Write(tarBuf.Bytes()); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return out.Bytes()
}

func TestHappyPath(t *testing.T) {
	keys := newTestKeys(t)
	pkg := makeTestPkg(t)
	srv := mirror(t, map[string][]byte{
		"/" + pkgFilename:        pkg,
		"/" + pkgFilename + ".t": keys.signPkg(pkg),
	})
	defer srv.Close()

	v := newTestVerifier(t, keys, Config{})
	output := filepath.Join(t.TempDir(), pkgFilename)
	if err := v.DownloadAndVerify(context.Background(), srv.URL+"/"+pkgFilename, output); err != nil {
		t.Fatalf("DownloadAndVerify() = %v, want nil", err)
	}

	got, err := os.ReadFile(output)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, pkg) {
		t.Error("output file does not match the downloaded package")
	}
}

func TestLogAbsentThenPresent(t *testing.T) {
	keys := newTestKeys(t)
	pkg := makeTestPkg(t)
	srv := mirror(t, map[string][]byte{
		"/" + pkgFilename:        pkg,
		"/" + pkgFilename + ".t": keys.signPkg(pkg),
	})
	defer srv.Close()

	v := newTestVerifier(t, keys, Config{})
	v.rekor.Binary = rekorStub(t, `
echo "$1" >> "$OUTDIR/calls"
case "$1" in
verify)
	if [ -f "$OUTDIR/uploaded" ]; then exit 0; else exit 1; fi
	;;
upload)
	touch "$OUTDIR/uploaded"
	exit 0
	;;
esac
`)
	outdir := t.TempDir()
	t.Setenv("OUTDIR", outdir)

	output := filepath.Join(t.TempDir(), pkgFilename)
	if err := v.DownloadAndVerify(context.Background(), srv.URL+"/"+pkgFilename, output); err != nil {
		t.Fatalf("DownloadAndVerify() = %v, want nil", err)
	}
	if _, err := os.Stat(output); err != nil {
		t.Error("output file missing after successful recovery")
	}
	calls, err := os.ReadFile(filepath.Join(outdir, "calls"))
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Count(string(calls), "upload"); got != 1 {
		t.Errorf("upload was attempted %d times, want 1", got)
	}
}

func TestTamperedPackage(t *testing.T) {
	keys := newTestKeys(t)
	pkg := makeTestPkg(t)
	sig := keys.signPkg(pkg)
	tampered := append([]byte{}, pkg...)
	tampered[0] ^= 0xff
	srv := mirror(t, map[string][]byte{
		"/" + pkgFilename:        tampered,
		"/" + pkgFilename + ".t": sig,
	})
	defer srv.Close()

	v := newTestVerifier(t, keys, Config{})
	output := filepath.Join(t.TempDir(), pkgFilename)
	err := v.DownloadAndVerify(context.Background(), srv.URL+"/"+pkgFilename, output)
	if err == nil {
		t.Fatal("DownloadAndVerify() = nil for tampered package, want error")
	}
	if _, err := os.Stat(output); !errors.Is(err, os.ErrNotExist) {
		t.Error("output file exists after failed verification")
	}
}

func TestOversizedProof(t *testing.T) {
	keys := newTestKeys(t)
	pkg := makeTestPkg(t)
	srv := mirror(t, map[string][]byte{
		"/" + pkgFilename:        pkg,
		"/" + pkgFilename + ".t": bytes.Repeat([]byte{'a'}, 2048),
	})
	defer srv.Close()

	v := newTestVerifier(t, keys, Config{})
	output := filepath.Join(t.TempDir(), pkgFilename)
	err := v.DownloadAndVerify(context.Background(), srv.URL+"/"+pkgFilename, output)
	if !errors.Is(err, httpx.ErrSizeLimit) {
		t.Fatalf("DownloadAndVerify() = %v, want ErrSizeLimit", err)
	}
	if _, err := os.Stat(output); !errors.Is(err, os.ErrNotExist) {
		t.Error("output file exists after failed verification")
	}
}

func rebuilderServer(t *testing.T, status string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		records := []rebuilder.PkgRelease{
			{Name: "rebuilderd", Version: "0.18.1-1", Status: rebuilder.Status(status)},
		}
		if err := json.NewEncoder(w).Encode(records); err != nil {
			t.Error(err)
		}
	}))
}

func TestQuorumShortfall(t *testing.T) {
	keys := newTestKeys(t)
	pkg := makeTestPkg(t)
	srv := mirror(t, map[string][]byte{
		"/" + pkgFilename:        pkg,
		"/" + pkgFilename + ".t": keys.signPkg(pkg),
	})
	defer srv.Close()

	good := rebuilderServer(t, "GOOD")
	defer good.Close()
	bad := rebuilderServer(t, "BAD")
	defer bad.Close()
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := dead.URL
	dead.Close()

	v := newTestVerifier(t, keys, Config{
		Rebuilders: []*url.URL{
			urlx.MustParse(good.URL),
			urlx.MustParse(deadURL),
			urlx.MustParse(bad.URL),
		},
		RequiredConfirms: 2,
	})
	output := filepath.Join(t.TempDir(), pkgFilename)
	err := v.DownloadAndVerify(context.Background(), srv.URL+"/"+pkgFilename, output)
	if !errors.Is(err, ErrQuorumShortfall) {
		t.Fatalf("DownloadAndVerify() = %v, want ErrQuorumShortfall", err)
	}
	if _, err := os.Stat(output); !errors.Is(err, os.ErrNotExist) {
		t.Error("output file exists after quorum shortfall")
	}
}

func TestQuorumReached(t *testing.T) {
	keys := newTestKeys(t)
	pkg := makeTestPkg(t)
	srv := mirror(t, map[string][]byte{
		"/" + pkgFilename:        pkg,
		"/" + pkgFilename + ".t": keys.signPkg(pkg),
	})
	defer srv.Close()

	good1 := rebuilderServer(t, "GOOD")
	defer good1.Close()
	good2 := rebuilderServer(t, "GOOD")
	defer good2.Close()
	bad := rebuilderServer(t, "BAD")
	defer bad.Close()
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := dead.URL
	dead.Close()

	v := newTestVerifier(t, keys, Config{
		Rebuilders: []*url.URL{
			urlx.MustParse(good1.URL),
			urlx.MustParse(deadURL),
			urlx.MustParse(good2.URL),
			urlx.MustParse(bad.URL),
		},
		RequiredConfirms: 2,
	})
	output := filepath.Join(t.TempDir(), pkgFilename)
	if err := v.DownloadAndVerify(context.Background(), srv.URL+"/"+pkgFilename, output); err != nil {
		t.Fatalf("DownloadAndVerify() = %v, want nil", err)
	}
	if _, err := os.Stat(output); err != nil {
		t.Error("output file missing after reaching quorum")
	}
}

func TestNonPkgFastPath(t *testing.T) {
	keys := newTestKeys(t)
	db := []byte("database content")
	srv := mirror(t, map[string][]byte{"/core.db": db})
	defer srv.Close()

	v := newTestVerifier(t, keys, Config{})
	// Verification must never run on this path.
	v.rekor.Binary = filepath.Join(t.TempDir(), "does-not-exist")

	output := filepath.Join(t.TempDir(), "core.db")
	if err := v.DownloadAndVerify(context.Background(), srv.URL+"/core.db", output); err != nil {
		t.Fatalf("DownloadAndVerify() = %v, want nil", err)
	}
	got, err := os.ReadFile(output)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, db) {
		t.Error("output file does not match the download")
	}
}

func TestPreservedArtifactShortCircuit(t *testing.T) {
	keys := newTestKeys(t)
	pkg := makeTestPkg(t)
	// The mirror only serves the proof; a package request would 404.
	srv := mirror(t, map[string][]byte{
		"/" + pkgFilename + ".t": keys.signPkg(pkg),
	})
	defer srv.Close()

	output := filepath.Join(t.TempDir(), pkgFilename)
	if err := os.WriteFile(output, pkg, 0644); err != nil {
		t.Fatal(err)
	}

	v := newTestVerifier(t, keys, Config{})
	if err := v.DownloadAndVerify(context.Background(), srv.URL+"/"+pkgFilename, output); err != nil {
		t.Fatalf("DownloadAndVerify() = %v, want nil", err)
	}
}

func TestPreservedArtifactTampered(t *testing.T) {
	keys := newTestKeys(t)
	pkg := makeTestPkg(t)
	srv := mirror(t, map[string][]byte{
		"/" + pkgFilename + ".t": keys.signPkg(pkg),
	})
	defer srv.Close()

	output := filepath.Join(t.TempDir(), pkgFilename)
	tampered := append([]byte{}, pkg...)
	tampered[0] ^= 0xff
	if err := os.WriteFile(output, tampered, 0644); err != nil {
		t.Fatal(err)
	}

	v := newTestVerifier(t, keys, Config{})
	if err := v.DownloadAndVerify(context.Background(), srv.URL+"/"+pkgFilename, output); err == nil {
		t.Fatal("DownloadAndVerify() = nil for tampered cached file, want error")
	}
}

func TestTransparencyURLOverride(t *testing.T) {
	keys := newTestKeys(t)
	v := newTestVerifier(t, keys, Config{
		TransparencyURL: "https://transparency.example.com/proofs/x",
	})
	got, err := v.proofURL("https://mirror.example.com/core/os/x86_64/" + pkgFilename)
	if err != nil {
		t.Fatalf("proofURL() = %v, want nil", err)
	}
	want := "https://transparency.example.com/proofs/" + pkgFilename + ".t"
	if got != want {
		t.Errorf("proofURL() = %q, want %q", got, want)
	}

	if _, err := v.proofURL("https://mirror.example.com/core/"); err == nil {
		t.Error("proofURL() = nil for url without filename, want error")
	}
}

func TestFileURL(t *testing.T) {
	keys := newTestKeys(t)
	v := newTestVerifier(t, keys, Config{})

	dir := t.TempDir()
	src := filepath.Join(dir, "local.pkg.tar.zst")
	content := []byte("local package")
	if err := os.WriteFile(src, content, 0644); err != nil {
		t.Fatal(err)
	}
	output := filepath.Join(dir, "out.pkg.tar.zst")
	if err := v.DownloadAndVerify(context.Background(), "file://"+src, output); err != nil {
		t.Fatalf("DownloadAndVerify() = %v, want nil", err)
	}
	got, err := os.ReadFile(output)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Error("output file does not match the local source")
	}
}

func TestQuorumEnabled(t *testing.T) {
	keys := newTestKeys(t)
	testCases := []struct {
		test             string
		rebuilders       []*url.URL
		requiredConfirms int
		want             bool
	}{
		{"disabled", nil, 0, false},
		{"rebuilders listed", []*url.URL{urlx.MustParse("https://h")}, 0, true},
		{"confirms without rebuilders fails closed", nil, 1, true},
	}
	for _, tc := range testCases {
		t.Run(tc.test, func(t *testing.T) {
			v := newTestVerifier(t, keys, Config{
				Rebuilders:       tc.rebuilders,
				RequiredConfirms: tc.requiredConfirms,
			})
			if got := v.QuorumEnabled(); got != tc.want {
				t.Errorf("QuorumEnabled() = %v, want %v", got, tc.want)
			}
		})
	}
}
