// Copyright 2025 The pacman-bintrans Authors
// SPDX-License-Identifier: Apache-2.0

// pacman-bintrans replaces pacman's download step: packages are only
// written to disk after their transparency signature was verified and
// confirmed in the public log.
package main

import (
	"net/url"
	"os"

	minisign "github.com/jedisct1/go-minisign"
	"github.com/kpcyrd/pacman-bintrans/internal/proxy"
	"github.com/kpcyrd/pacman-bintrans/internal/verifier"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	verbose            int
	output             string
	transparencyURL    string
	pubkey             string
	proxyAddr          string
	bypassProxyForPkgs bool
	rebuilders         []string
	requiredConfirms   int
)

var rootCmd = &cobra.Command{
	Use:          "pacman-bintrans [flags] <url>",
	Short:        "Download a pacman package and verify it against a binary transparency log",
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	flags := rootCmd.Flags()
	flags.CountVarP(&verbose, "verbose", "v", "Verbose output (repeat for more)")
	flags.StringVarP(&output, "output", "O", "", "Path to write the downloaded file to")
	flags.StringVar(&transparencyURL, "transparency-url", "", "Base url to fetch transparency proofs from instead of the mirror")
	flags.StringVar(&pubkey, "pubkey", "", "Minisign public key that signs transparency proofs (base64)")
	flags.StringVar(&proxyAddr, "proxy", "", "Proxy for transparency and signature traffic (socks5://, socks5h://, http://, https://)")
	flags.BoolVar(&bypassProxyForPkgs, "bypass-proxy-for-pkgs", false, "Download bulk packages directly even when a proxy is configured")
	flags.StringArrayVar(&rebuilders, "rebuilder", nil, "Rebuilder to query for reproducibility (repeatable)")
	flags.IntVar(&requiredConfirms, "required-rebuild-confirms", 0, "Minimum number of rebuilders that must confirm the package")
	cobra.CheckErr(rootCmd.MarkFlagRequired("output"))
	cobra.CheckErr(rootCmd.MarkFlagRequired("pubkey"))
}

func setupLogging() {
	var level logrus.Level
	switch verbose {
	case 0:
		level = logrus.WarnLevel
	case 1:
		level = logrus.InfoLevel
	default:
		level = logrus.DebugLevel
	}
	if filter := os.Getenv("PACMAN_BINTRANS_LOG"); filter != "" {
		if parsed, err := logrus.ParseLevel(filter); err == nil {
			level = parsed
		} else {
			logrus.Warnf("Ignoring invalid PACMAN_BINTRANS_LOG value %q", filter)
		}
	}
	logrus.SetLevel(level)
	logrus.SetOutput(os.Stderr)
}

func buildConfig() (*verifier.Config, error) {
	pk, err := minisign.NewPublicKey(pubkey)
	if err != nil {
		return nil, errors.Wrap(err, "parsing public key")
	}

	var p *proxy.Proxy
	if proxyAddr != "" {
		p, err = proxy.Parse(proxyAddr)
		if err != nil {
			return nil, err
		}
	}

	var rebuilderURLs []*url.URL
	for _, r := range rebuilders {
		u, err := url.Parse(r)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing rebuilder url %q", r)
		}
		rebuilderURLs = append(rebuilderURLs, u)
	}
	if requiredConfirms > 0 && len(rebuilderURLs) == 0 {
		logrus.Warn("--required-rebuild-confirms is set but no rebuilders are configured, package verification is going to fail")
	}

	return &verifier.Config{
		PubKey:             pk,
		PubKeyText:         "untrusted comment: minisign public key\n" + pubkey + "\n",
		TransparencyURL:    transparencyURL,
		Proxy:              p,
		BypassProxyForPkgs: bypassProxyForPkgs,
		Rebuilders:         rebuilderURLs,
		RequiredConfirms:   requiredConfirms,
		Progress:           verbose == 0,
	}, nil
}

func run(cmd *cobra.Command, args []string) error {
	setupLogging()
	cfg, err := buildConfig()
	if err != nil {
		return err
	}
	v := verifier.New(*cfg)
	return v.DownloadAndVerify(cmd.Context(), args[0], output)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
