// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package xcli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/xiaoma20082008/polardbx-glue/internal/credstore"
)

var credsCmd = &cobra.Command{
	Use:   "creds",
	Short: "Manage stored target credentials in the OS keychain",
}

var credsSetUser string

var credsSetCmd = &cobra.Command{
	Use:   "set <label>",
	Short: "Save a username/password under label, prompting for the password",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		label := args[0]
		if credsSetUser == "" {
			return fmt.Errorf("--user is required")
		}
		fmt.Print("Password: ")
		pass, err := readPassword()
		if err != nil {
			return err
		}
		mgr, err := credstore.GetManager()
		if err != nil {
			return err
		}
		if err := mgr.SaveCredential(label, credstore.Credential{User: credsSetUser, Password: pass}); err != nil {
			return err
		}
		pterm.Success.Printf("saved credential for %q\n", label)
		return nil
	},
}

var credsGetCmd = &cobra.Command{
	Use:   "get <label>",
	Short: "Print the username stored under label (never the password)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := credstore.GetManager()
		if err != nil {
			return err
		}
		cred, err := mgr.LoadCredential(args[0])
		if err != nil {
			return err
		}
		fmt.Println(cred.User)
		return nil
	},
}

var credsClearCmd = &cobra.Command{
	Use:   "clear <label>",
	Short: "Remove the credential stored under label",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := credstore.GetManager()
		if err != nil {
			return err
		}
		if err := mgr.ClearCredential(args[0]); err != nil {
			return err
		}
		pterm.Success.Printf("cleared credential for %q\n", args[0])
		return nil
	},
}

// readPassword reads a line without echoing it when stdin is a terminal,
// falling back to a plain scanned line otherwise (e.g. piped input in
// scripts/tests).
func readPassword() (string, error) {
	if term.IsTerminal(int(os.Stdin.Fd())) {
		b, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func init() {
	rootCmd.AddCommand(credsCmd)
	credsCmd.AddCommand(credsSetCmd)
	credsCmd.AddCommand(credsGetCmd)
	credsCmd.AddCommand(credsClearCmd)
	credsSetCmd.Flags().StringVar(&credsSetUser, "user", "", "username to store alongside the password")
}
