package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Manage the registered user directory (sqlite only)",
	Long: `Manage registered users.

With quota.registered_users_only enabled, only user ids added here are
metered; every other id is rejected as unknown.

Examples:
  tokenmeter users add user_123
  tokenmeter users check user_123`,
}

var usersAddCmd = &cobra.Command{
	Use:   "add <user-id>...",
	Short: "Register user ids",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runUsersAdd,
}

var usersCheckCmd = &cobra.Command{
	Use:   "check <user-id>",
	Short: "Report whether a user id is registered",
	Args:  cobra.ExactArgs(1),
	RunE:  runUsersCheck,
}

var errNoDirectory = errors.New("user directory requires database.driver 'sqlite'")

func init() {
	rootCmd.AddCommand(usersCmd)

	usersCmd.AddCommand(usersAddCmd)
	usersCmd.AddCommand(usersCheckCmd)
}

func runUsersAdd(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Shutdown()
	if a.Users == nil {
		return errNoDirectory
	}

	for _, id := range args {
		if err := a.Users.Add(context.Background(), id); err != nil {
			return err
		}
		fmt.Printf("%s Registered %s\n", checkMark, id)
	}
	return nil
}

func runUsersCheck(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Shutdown()
	if a.Users == nil {
		return errNoDirectory
	}

	ok, err := a.Users.Exists(context.Background(), args[0])
	if err != nil {
		return err
	}
	if !ok {
		fmt.Printf("%s %s is not registered\n", crossMark, args[0])
		return nil
	}
	fmt.Printf("%s %s is registered\n", checkMark, args[0])
	return nil
}
