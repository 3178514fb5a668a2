package main

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ahwlsqja/highway-casper/crypto"
)

func keygenCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generates a validator key.",
		Long:  "Generates an ed25519 validator key, writes it to --out and prints the public key for the genesis validator list.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SilenceUsage = true
			s := crypto.GenerateSigner()
			if err := crypto.WriteSignerFile(out, s); err != nil {
				return err
			}
			pub := s.PublicKey()
			fmt.Fprintf(cmd.OutOrStdout(), "public_key: %s\naddress: %s\n", hex.EncodeToString(pub[:]), s.Address())
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "validator.key", "output key file")
	return cmd
}
