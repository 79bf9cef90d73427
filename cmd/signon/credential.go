package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/neboloop/signon/internal/apperr"
	"github.com/neboloop/signon/internal/credential"
	"github.com/neboloop/signon/internal/db"
)

func CredentialCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credential",
		Short: "Manage stored site credentials",
	}
	cmd.AddCommand(credentialAddCmd())
	return cmd
}

func credentialAddCmd() *cobra.Command {
	var site, username string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Seal a username and password and print its credentials reference",
		Long: `Seal a username and password into the credential vault. The password is
read from the terminal without echo, or from the first line of stdin when
stdin is not a terminal. The printed cred_ reference is what requesters
submit as credentialsRef.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := ServerConfig
			if site == "" || username == "" {
				return apperr.Validation("--site and --username are required")
			}
			password, err := readPassword(cmd)
			if err != nil {
				return err
			}

			store, err := db.NewSQLite(c.Database.SQLitePath)
			if err != nil {
				return err
			}
			defer store.Close()

			master, err := credential.LoadMasterKey(c.Vault.KeySource, c.Vault.KeyEnv)
			if err != nil {
				return err
			}
			vault, err := credential.NewVault(store, master)
			if err != nil {
				return err
			}
			ref, err := vault.Add(cmd.Context(), site, credential.Credentials{Username: username, Password: password})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ref)
			return nil
		},
	}
	cmd.Flags().StringVar(&site, "site", "", "targetSite the credentials belong to")
	cmd.Flags().StringVar(&username, "username", "", "account username")
	return cmd
}

func readPassword(cmd *cobra.Command) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		if len(b) == 0 {
			return "", apperr.Validation("empty password")
		}
		return string(b), nil
	}
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		if err != nil {
			return "", fmt.Errorf("read password from stdin: %w", err)
		}
		return "", apperr.Validation("empty password")
	}
	return line, nil
}
