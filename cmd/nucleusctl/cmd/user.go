package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	nucleus "go.pilab.hu/nucleus"
	"go.pilab.hu/nucleus/internal/auth"
)

func (c *cli) newUserCommand() *cobra.Command {
	userCmd := &cobra.Command{
		Use:     "user",
		Short:   "Manage users",
		Aliases: []string{"users"},
	}

	var (
		email         string
		name          string
		passwordStdin bool
		verified      bool
	)

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if email == "" {
				return errors.New("email is required via --email flag")
			}

			password, err := readPassword(cmd, passwordStdin)
			if err != nil {
				return err
			}

			store, err := c.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			accounts := nucleus.NewAccountService(store, auth.NewPasswordHasher(), nil, c.logger, nil)
			accounts.SetPasswordMinLength(c.cfg.PasswordMinLength)

			user, err := accounts.Signup(cmd.Context(), &nucleus.SignupRequest{
				Email:         email,
				Password:      password,
				Name:          name,
				EmailVerified: verified,
			})
			if err != nil {
				return err
			}
			return printYAML(cmd.OutOrStdout(), map[string]interface{}{
				"id":             user.ID,
				"email":          user.Email,
				"email_verified": user.EmailVerified,
			})
		},
	}

	createCmd.Flags().StringVar(&email, "email", "", "email address")
	createCmd.Flags().StringVar(&name, "name", "", "display name")
	createCmd.Flags().BoolVar(&verified, "verified", false, "mark the email address as verified")
	createCmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "read the password from stdin instead of prompting")

	userCmd.AddCommand(createCmd)
	return userCmd
}

// readPassword prompts twice on a terminal, or reads one line from stdin.
func readPassword(cmd *cobra.Command, fromStdin bool) (string, error) {
	if fromStdin {
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("stdin is not a terminal, use --password-stdin")
	}

	fmt.Fprint(cmd.ErrOrStderr(), "Enter password: ")
	password, err := term.ReadPassword(fd)
	fmt.Fprintln(cmd.ErrOrStderr())
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}

	fmt.Fprint(cmd.ErrOrStderr(), "Confirm password: ")
	confirm, err := term.ReadPassword(fd)
	fmt.Fprintln(cmd.ErrOrStderr())
	if err != nil {
		return "", fmt.Errorf("failed to read password confirmation: %w", err)
	}
	if string(password) != string(confirm) {
		return "", errors.New("passwords do not match")
	}
	return string(password), nil
}
