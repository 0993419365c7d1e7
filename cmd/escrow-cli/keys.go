package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"escrowengine/cmd/internal/passphrase"
	"escrowengine/crypto"
)

func newKeygenCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a new signing key and store it in an encrypted keystore.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if out == "" {
				return errors.New("--out is required")
			}
			if _, err := os.Stat(out); err == nil {
				return fmt.Errorf("%s already exists", out)
			}
			pass, err := passphrase.NewConfirmingSource(passphraseEnv).Get()
			if err != nil {
				return err
			}
			key, err := crypto.GeneratePrivateKey()
			if err != nil {
				return err
			}
			if err := crypto.SaveToKeystore(out, key, pass); err != nil {
				return err
			}
			return printAddress(cmd, key)
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "path of the keystore file to create")
	return cmd
}

func newAddressCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "address",
		Short: "Print the principal address of the signing key.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := opts.loadKey()
			if err != nil {
				return err
			}
			return printAddress(cmd, key)
		},
	}
}

func printAddress(cmd *cobra.Command, key *crypto.PrivateKey) error {
	addr := key.PubKey().Address()
	return printJSON(cmd.OutOrStdout(), map[string]string{
		"address": addr.String(),
		"hex":     fmt.Sprintf("0x%x", addr.Bytes()),
	})
}
