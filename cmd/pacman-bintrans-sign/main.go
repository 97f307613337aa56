// Copyright 2025 The pacman-bintrans Authors
// SPDX-License-Identifier: Apache-2.0

// pacman-bintrans-sign enumerates the packages of a pacman repository,
// signs each package's content hash with a minisign key and publishes the
// signatures to the transparency log.
package main

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	minisign "aead.dev/minisign"
	"github.com/kpcyrd/pacman-bintrans/internal/httpx"
	"github.com/kpcyrd/pacman-bintrans/internal/sigdb"
	"github.com/kpcyrd/pacman-bintrans/pkg/archlinux"
	"github.com/kpcyrd/pacman-bintrans/pkg/rekor"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	verbose      bool
	repoURL      string
	repoName     string
	architecture string
	repoDB       string
	signatureDir string
	pubkeyPath   string
	seckeyPath   string
	dbPath       string
	skipUpload   bool
	dryRun       bool
)

var rootCmd = &cobra.Command{
	Use:          "pacman-bintrans-sign",
	Short:        "Sign the packages of a pacman repository and publish the signatures to a transparency log",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	flags := rootCmd.Flags()
	flags.BoolVarP(&verbose, "verbose", "v", false, "Verbose logging")
	flags.StringVar(&repoURL, "repo-url", "", "Mirror url of the repository ($repo/$arch placeholders supported)")
	flags.StringVar(&repoName, "repo-name", "", "Name of the repository")
	flags.StringVar(&architecture, "architecture", "", "Architecture of the repository")
	flags.StringVar(&repoDB, "repo-db", "", "Url or path to a pacman database file (derived from the mirror by default)")
	flags.StringVar(&signatureDir, "signature-dir", "", "Also write every signature as a <filename>.t file into this directory")
	flags.StringVar(&pubkeyPath, "pubkey-path", "", "Minisign public key used to sign packages")
	flags.StringVar(&seckeyPath, "seckey-path", "", "Minisign secret key used to sign packages")
	flags.StringVar(&dbPath, "db", "pacman-bintrans-sign.db", "Path of the local bookkeeping database")
	flags.BoolVar(&skipUpload, "skip-upload", false, "Generate signatures but don't upload them")
	flags.BoolVar(&dryRun, "dry-run", false, "Show what would be signed without signing anything")
	cobra.CheckErr(rootCmd.MarkFlagRequired("repo-url"))
	cobra.CheckErr(rootCmd.MarkFlagRequired("repo-name"))
	cobra.CheckErr(rootCmd.MarkFlagRequired("architecture"))
	cobra.CheckErr(rootCmd.MarkFlagRequired("pubkey-path"))
	cobra.CheckErr(rootCmd.MarkFlagRequired("seckey-path"))
}

func writeSigToDir(dir, filename, signature string) error {
	if filename == "" {
		return errors.New("filename can't be empty")
	}
	if strings.Contains(filename, "/") {
		return errors.Errorf("filename contains invalid characters: %q", filename)
	}
	if strings.HasPrefix(filename, ".") {
		return errors.Errorf("filename is not allowed to start with `.`: %q", filename)
	}
	path := filepath.Join(dir, filename+".t")
	logrus.Infof("Writing signature to folder: %q", path)
	if err := os.WriteFile(path, []byte(signature), 0644); err != nil {
		return errors.Wrap(err, "writing signature file")
	}
	return nil
}

func run(cmd *cobra.Command, args []string) error {
	if verbose {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}
	ctx := cmd.Context()

	logrus.Info("Loading secret key")
	password := os.Getenv("PACMAN_BINTRANS_PASSWORD")
	sk, err := minisign.PrivateKeyFromFile(password, seckeyPath)
	if err != nil {
		return errors.Wrap(err, "loading secret key")
	}
	pub, err := minisign.PublicKeyFromFile(pubkeyPath)
	if err != nil {
		return errors.Wrap(err, "loading public key")
	}
	pubText, err := pub.MarshalText()
	if err != nil {
		return errors.Wrap(err, "encoding public key")
	}
	logrus.Info("Key loaded")

	fetcher := httpx.NewFetcher(nil)
	repo := &archlinux.Repo{URL: repoURL, Name: repoName, Arch: architecture}
	dbSource := repoDB
	if dbSource == "" {
		dbSource = repo.DBURL()
	}
	raw, err := archlinux.LoadDB(ctx, fetcher, dbSource)
	if err != nil {
		return err
	}
	pkgs, err := archlinux.ParseDBPackages(raw)
	if err != nil {
		return err
	}

	db, err := sigdb.Open(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	rekorClient := rekor.NewClient(string(pubText), nil)

	for i := range pkgs {
		pkg := &pkgs[i]

		signed, err := db.AlreadySigned(pkg)
		if err != nil {
			return err
		}
		if signed {
			logrus.Debugf("Package already known: %q => %q", pkg.SHA256Sum, pkg.Filename)
			continue
		}

		if dryRun {
			logrus.Infof("Dry-run: would sign package: %q => %q", pkg.SHA256Sum, pkg.Filename)
			continue
		}

		logrus.Infof("Signing package %q", pkg.Filename)
		// The Reader hashes what passes through it, so its signature
		// carries the prehash flag the verifier requires.
		reader := minisign.NewReader(strings.NewReader(pkg.SHA256Sum))
		if _, err := io.Copy(io.Discard, reader); err != nil {
			return errors.Wrap(err, "hashing package checksum")
		}
		sig := reader.Sign(sk)

		logrus.Debug("Adding to database")
		if err := db.InsertSignature(pkg, string(sig)); err != nil {
			return err
		}

		if signatureDir != "" {
			if err := writeSigToDir(signatureDir, pkg.Filename, string(sig)); err != nil {
				logrus.Warnf("Failed to publish signature (%q): %v", pkg.Filename, err)
			}
		}

		if !skipUpload {
			logrus.Info("Uploading to transparency log")
			if err := rekorClient.Upload(ctx, []byte(pkg.SHA256Sum), sig); err != nil {
				logrus.Errorf("Failed to upload signature: %v", err)
				continue
			}
			if err := db.MarkUploaded(pkg); err != nil {
				return err
			}
		}
	}

	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
