package main

import (
	"fmt"

	"github.com/marketdesk/refresher/internal/auth"

	"github.com/spf13/cobra"
)

var (
	flagAdmin       bool
	flagDisplayName string
	flagPassword    string
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "user manages accounts directly in the database",
}

var userAddCmd = &cobra.Command{
	Use:   "add <username>",
	Short: "add creates a user, --admin creates an administrator",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer func() {
			_ = store.Close()
		}()

		password, generated, err := passwordOrGenerate()
		if err != nil {
			return err
		}
		user, err := store.CreateUser(ctx, auth.NewUser{
			Username:    args[0],
			Password:    password,
			DisplayName: flagDisplayName,
			IsAdmin:     flagAdmin,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "user %s created (id %d, admin %t)\n", user.Username, user.ID, user.IsAdmin)
		if generated {
			fmt.Fprintf(cmd.OutOrStdout(), "password: %s\n", password)
		}
		return nil
	},
}

var userPasswdCmd = &cobra.Command{
	Use:   "passwd <username>",
	Short: "passwd sets a new password and revokes all sessions of the user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer func() {
			_ = store.Close()
		}()

		password, generated, err := passwordOrGenerate()
		if err != nil {
			return err
		}
		if err := store.SetPassword(ctx, args[0], password); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "password of %s changed\n", auth.NormalizeUsername(args[0]))
		if generated {
			fmt.Fprintf(cmd.OutOrStdout(), "password: %s\n", password)
		}
		return nil
	},
}

func passwordOrGenerate() (string, bool, error) {
	if flagPassword != "" {
		return flagPassword, false, nil
	}
	p, err := auth.GeneratePassword()
	if err != nil {
		return "", false, fmt.Errorf("generating password: %w", err)
	}
	return p, true, nil
}
