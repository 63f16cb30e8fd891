package cmd

import (
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"
)

func newPKCECommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pkce",
		Short: "Print a fresh PKCE verifier and its S256 challenge",
		// Needs no configuration.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, _ []string) error {
			verifier := oauth2.GenerateVerifier()
			return printYAML(cmd.OutOrStdout(), map[string]string{
				"code_verifier":         verifier,
				"code_challenge":        oauth2.S256ChallengeFromVerifier(verifier),
				"code_challenge_method": "S256",
			})
		},
	}
}
