// Copyright 2025 The pacman-bintrans Authors
// SPDX-License-Identifier: Apache-2.0

// Package rekor drives the external rekor-cli program to confirm that
// transparency signatures are recorded in the public log. The child takes
// the public key and signature as file paths and the artifact on stdin.
package rekor

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"

	"github.com/kpcyrd/pacman-bintrans/internal/proxy"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DefaultBinary is the log client program looked up on $PATH.
const DefaultBinary = "rekor-cli"

// ErrNotInLog is returned when the log client cannot confirm inclusion.
var ErrNotInLog = errors.New("signature is not in transparency log")

// Client invokes the transparency log client as a child process.
type Client struct {
	// Binary is the log client program. Defaults to rekor-cli.
	Binary string
	// PublicKey is the minisign public key in its textual box form.
	PublicKey string
	// Proxy, when set, is exported to the child as http_proxy/https_proxy.
	Proxy *proxy.Proxy
}

// NewClient returns a Client for the given public key box text.
func NewClient(publicKey string, p *proxy.Proxy) *Client {
	return &Client{
		Binary:    DefaultBinary,
		PublicKey: publicKey,
		Proxy:     p,
	}
}

// writeTemp persists content to a fresh temporary file readable only by
// the current user and returns its path.
func writeTemp(pattern string, content []byte) (string, error) {
	f, err := os.CreateTemp("", pattern)
	if err != nil {
		return "", errors.Wrap(err, "creating temporary file")
	}
	defer f.Close()
	if _, err := f.Write(content); err != nil {
		os.Remove(f.Name())
		return "", errors.Wrap(err, "writing temporary file")
	}
	return f.Name(), nil
}

func (c *Client) run(ctx context.Context, action string, artifact, sig []byte, extraArgs ...string) error {
	pubkeyFile, err := writeTemp("bintrans-pubkey-*", []byte(c.PublicKey))
	if err != nil {
		return err
	}
	defer os.Remove(pubkeyFile)
	sigFile, err := writeTemp("bintrans-sig-*", sig)
	if err != nil {
		return err
	}
	defer os.Remove(sigFile)

	args := []string{
		action,
		"--pki-format=minisign",
		"--public-key", pubkeyFile,
		"--artifact", "/dev/stdin",
		"--signature", sigFile,
	}
	args = append(args, extraArgs...)

	cmd := exec.CommandContext(ctx, c.Binary, args...)
	cmd.Stdin = bytes.NewReader(artifact)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if c.Proxy != nil {
		cmd.Env = append(os.Environ(), c.Proxy.Environ()...)
	}

	logrus.Debugf("Running %q with args %q", c.Binary, args)
	if err := cmd.Run(); err != nil {
		return errors.Wrapf(err, "%s %s failed", c.Binary, action)
	}
	return nil
}

// Verify asks the log client to confirm the (public key, artifact,
// signature) tuple is recorded in the log.
func (c *Client) Verify(ctx context.Context, artifact, sig []byte) error {
	if err := c.run(ctx, "verify", artifact, sig, "--format", "json"); err != nil {
		return errors.Wrap(ErrNotInLog, err.Error())
	}
	return nil
}

// Upload submits the tuple to the log.
func (c *Client) Upload(ctx context.Context, artifact, sig []byte) error {
	return c.run(ctx, "upload", artifact, sig)
}

// VerifyOrUpload confirms log inclusion, tolerating the race where the
// signer has not published the entry yet: on a failed verify the signature
// is uploaded and verified once more. An attacker gains nothing from the
// upload step since only signatures made with the rightful secret key
// ever pass verification.
func (c *Client) VerifyOrUpload(ctx context.Context, artifact, sig []byte) error {
	err := c.Verify(ctx, artifact, sig)
	if err == nil {
		return nil
	}
	logrus.Warnf("Signature not found in transparency log, uploading: %v", err)
	if err := c.Upload(ctx, artifact, sig); err != nil {
		return errors.Wrap(err, "uploading signature to transparency log")
	}
	if err := c.Verify(ctx, artifact, sig); err != nil {
		return errors.Wrap(err, "signature missing from transparency log after upload")
	}
	return nil
}

// Search lists the UUIDs of all log records made with the client's public
// key. The key is passed on stdin.
func (c *Client) Search(ctx context.Context) ([]string, error) {
	cmd := exec.CommandContext(ctx, c.Binary,
		"search", "--pki-format=minisign", "--public-key", "/dev/stdin")
	cmd.Stdin = strings.NewReader(c.PublicKey)
	cmd.Stderr = os.Stderr
	if c.Proxy != nil {
		cmd.Env = append(os.Environ(), c.Proxy.Environ()...)
	}
	out, err := cmd.Output()
	if err != nil {
		return nil, errors.Wrapf(err, "%s search failed", c.Binary)
	}

	lines := strings.Split(strings.TrimRight(string(out), "\n"), "\n")
	// skip first line: https://github.com/sigstore/rekor/issues/420
	if len(lines) > 0 {
		lines = lines[1:]
	}
	var uuids []string
	for _, line := range lines {
		if line != "" {
			uuids = append(uuids, line)
		}
	}
	return uuids, nil
}
