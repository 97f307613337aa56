// Copyright 2025 The pacman-bintrans Authors
// SPDX-License-Identifier: Apache-2.0

// Package verifier composes the download path: classify the URL, download
// the artifact, fetch and check the transparency proof, confirm log
// inclusion, collect rebuilder confirmations, and only then write the
// output file.
package verifier

import (
	"context"
	"io/fs"
	"net/url"
	"os"
	"strings"

	minisign "github.com/jedisct1/go-minisign"
	"github.com/kpcyrd/pacman-bintrans/internal/httpx"
	"github.com/kpcyrd/pacman-bintrans/internal/proxy"
	"github.com/kpcyrd/pacman-bintrans/internal/urlx"
	"github.com/kpcyrd/pacman-bintrans/pkg/archlinux"
	"github.com/kpcyrd/pacman-bintrans/pkg/proof"
	"github.com/kpcyrd/pacman-bintrans/pkg/rebuilder"
	"github.com/kpcyrd/pacman-bintrans/pkg/rekor"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrQuorumShortfall is returned when fewer rebuilders confirmed the
// package than required.
var ErrQuorumShortfall = errors.New("not enough rebuilders confirmed the package")

// Config is the downloader configuration, assembled once at startup.
type Config struct {
	PubKey minisign.PublicKey
	// PubKeyText is the public key box handed to the log client.
	PubKeyText string
	// TransparencyURL overrides where .t proofs are fetched from.
	TransparencyURL string
	Proxy           *proxy.Proxy
	// BypassProxyForPkgs downloads bulk packages directly while
	// transparency traffic still uses the proxy.
	BypassProxyForPkgs bool
	Rebuilders         []*url.URL
	RequiredConfirms   int
	// Progress draws a byte progress bar on plain downloads.
	Progress bool
}

// Verifier downloads URLs and verifies installable packages before
// writing them.
type Verifier struct {
	cfg          Config
	proofFetcher *httpx.Fetcher
	pkgFetcher   *httpx.Fetcher
	rekor        *rekor.Client
}

// New builds a Verifier from cfg. Two HTTP clients exist when a proxy is
// configured and BypassProxyForPkgs is set; they share no mutable state.
func New(cfg Config) *Verifier {
	proofFetcher := httpx.NewFetcher(cfg.Proxy)
	pkgFetcher := proofFetcher
	if cfg.Proxy != nil && cfg.BypassProxyForPkgs {
		pkgFetcher = httpx.NewFetcher(nil)
	}
	pkgFetcher.Progress = cfg.Progress
	return &Verifier{
		cfg:          cfg,
		proofFetcher: proofFetcher,
		pkgFetcher:   pkgFetcher,
		rekor:        rekor.NewClient(cfg.PubKeyText, cfg.Proxy),
	}
}

// QuorumEnabled reports whether the rebuilder branch runs. With a
// required confirm count of zero the branch only reports reproductions
// and can never fail; a non-zero count with no rebuilders fails closed.
func (v *Verifier) QuorumEnabled() bool {
	return v.cfg.RequiredConfirms > 0 || len(v.cfg.Rebuilders) > 0
}

func (v *Verifier) proofURL(pkgURL string) (string, error) {
	if v.cfg.TransparencyURL == "" {
		return pkgURL + ".t", nil
	}
	filename, err := urlx.Filename(pkgURL)
	if err != nil {
		return "", err
	}
	return urlx.ReplaceFilename(v.cfg.TransparencyURL, filename+".t")
}

// loadArtifact returns the package bytes to verify: the preexisting
// output file if one is present, so retries are cheap and tampered caches
// fail signature verification, otherwise a fresh download.
func (v *Verifier) loadArtifact(ctx context.Context, pkgURL, output string) ([]byte, error) {
	pkg, err := os.ReadFile(output)
	if err == nil {
		logrus.Infof("Found existing file at %q, verifying it in place of downloading", output)
		return pkg, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, errors.Wrapf(err, "reading existing file %q", output)
	}
	pkg, err = v.pkgFetcher.DownloadToMem(ctx, pkgURL, 0)
	if err != nil {
		return nil, err
	}
	logrus.Debugf("Downloaded %d bytes", len(pkg))
	return pkg, nil
}

func copyLocalFile(src, dst string) error {
	content, err := os.ReadFile(src)
	if err != nil {
		return errors.Wrapf(err, "reading local file %q", src)
	}
	if err := os.WriteFile(dst, content, 0644); err != nil {
		return errors.Wrap(err, "failed to write output file")
	}
	return nil
}

// DownloadAndVerify downloads pkgURL to output. Installable packages are
// only written after every verification step passed; anything else is
// streamed to disk directly.
func (v *Verifier) DownloadAndVerify(ctx context.Context, pkgURL, output string) error {
	if path, ok := strings.CutPrefix(pkgURL, "file://"); ok {
		logrus.Infof("Copying %q to %q", path, output)
		return copyLocalFile(path, output)
	}

	if !archlinux.NeedsTransparencyProof(pkgURL) {
		logrus.Infof("Downloading %q to %q", pkgURL, output)
		n, err := v.pkgFetcher.DownloadToFile(ctx, pkgURL, output)
		if err != nil {
			return err
		}
		logrus.Debugf("Downloaded %d bytes", n)
		return nil
	}

	logrus.Infof("Transparency proof is required for %q, downloading into memory", pkgURL)
	pkg, err := v.loadArtifact(ctx, pkgURL, output)
	if err != nil {
		return err
	}

	proofURL, err := v.proofURL(pkgURL)
	if err != nil {
		return err
	}
	logrus.Infof("Trying to download transparency proof from %q", proofURL)
	sig, err := v.proofFetcher.DownloadToMem(ctx, proofURL, proof.SizeLimit)
	if err != nil {
		return err
	}
	logrus.Debugf("Downloaded %d bytes", len(sig))

	logrus.Info("Verifying transparency signature")
	if err := proof.Verify(v.cfg.PubKey, pkg, sig); err != nil {
		return err
	}

	logrus.Info("Verifying signature is in transparency log")
	hash := proof.CanonicalHash(pkg)
	if err := v.rekor.VerifyOrUpload(ctx, []byte(hash), sig); err != nil {
		return err
	}

	if v.QuorumEnabled() {
		confirms, err := rebuilder.CheckRebuilds(ctx, v.proofFetcher, pkg, v.cfg.Rebuilders)
		if err != nil {
			if v.cfg.RequiredConfirms > 0 {
				return err
			}
			logrus.Warnf("Failed to check rebuilds: %v", err)
		}
		if confirms < v.cfg.RequiredConfirms {
			return errors.Wrapf(ErrQuorumShortfall, "%d of %d required confirms",
				confirms, v.cfg.RequiredConfirms)
		}
	}

	logrus.Infof("Success: package verified, writing to %q", output)
	if err := os.WriteFile(output, pkg, 0644); err != nil {
		return errors.Wrap(err, "failed to write package file after verification")
	}
	logrus.Debugf("Wrote %d bytes", len(pkg))
	return nil
}
