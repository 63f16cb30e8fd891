package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	nucleus "go.pilab.hu/nucleus"
)

func (c *cli) newKeygenCommand() *cobra.Command {
	var (
		out   string
		bits  int
		force bool
	)

	keygenCmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an RSA signing key in PKCS#8 PEM form",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if out == "" {
				return errors.New("output path is required via --out flag")
			}
			if !force {
				if _, err := os.Stat(out); err == nil {
					return fmt.Errorf("%s already exists, use --force to overwrite", out)
				}
			}

			keys, err := nucleus.GenerateKeyProvider(bits, c.cfg.KeyID)
			if err != nil {
				return err
			}
			keyPEM, err := nucleus.EncodePrivateKeyPEM(keys.PrivateKey())
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, keyPEM, 0o600); err != nil {
				return fmt.Errorf("failed to write key: %w", err)
			}

			thumbprint, err := nucleus.DeriveKeyID(keys.PublicKey())
			if err != nil {
				return err
			}
			return printYAML(cmd.OutOrStdout(), map[string]interface{}{
				"path":       out,
				"bits":       bits,
				"kid":        keys.KeyID(),
				"thumbprint": thumbprint,
			})
		},
	}

	keygenCmd.Flags().StringVar(&out, "out", "", "where to write the PEM file")
	keygenCmd.Flags().IntVar(&bits, "bits", nucleus.DefaultKeyBits, "RSA modulus size")
	keygenCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	return keygenCmd
}
