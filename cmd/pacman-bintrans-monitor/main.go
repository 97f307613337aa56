// Copyright 2025 The pacman-bintrans Authors
// SPDX-License-Identifier: Apache-2.0

// pacman-bintrans-monitor lists every transparency log record made with a
// given minisign public key, so log contents can be audited against the
// repository state.
package main

import (
	"fmt"
	"os"

	"github.com/kpcyrd/pacman-bintrans/pkg/rekor"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	verbose    bool
	pubkeyPath string
)

var rootCmd = &cobra.Command{
	Use:          "pacman-bintrans-monitor",
	Short:        "List all transparency log records made with a minisign public key",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	flags := rootCmd.Flags()
	flags.BoolVarP(&verbose, "verbose", "v", false, "Verbose logging")
	flags.StringVar(&pubkeyPath, "pubkey-path", "", "Minisign public key to search records for")
	cobra.CheckErr(rootCmd.MarkFlagRequired("pubkey-path"))
}

func run(cmd *cobra.Command, args []string) error {
	if verbose {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}

	pubkey, err := os.ReadFile(pubkeyPath)
	if err != nil {
		return errors.Wrap(err, "reading public key")
	}

	client := rekor.NewClient(string(pubkey), nil)
	logrus.Infof("Searching for records signed by %q", pubkeyPath)
	uuids, err := client.Search(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "Found %d signatures\n", len(uuids))
	for _, uuid := range uuids {
		fmt.Println(uuid)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
