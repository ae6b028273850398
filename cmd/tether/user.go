package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jkaninda/tether/internal/access"
	"github.com/jkaninda/tether/internal/ratelimit"
)

var (
	userPermissions string
	userRateMax     int
	userRateWindow  time.Duration
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage users and API keys",
}

var userAddCmd = &cobra.Command{
	Use:   "add <username>",
	Short: "Create a user (password is prompted, or read from TETHER_USER_PASSWORD)",
	Args:  cobra.ExactArgs(1),
	RunE:  runUserAdd,
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List users",
	Args:  cobra.NoArgs,
	RunE:  runUserList,
}

var userAPIKeyCmd = &cobra.Command{
	Use:   "apikey <username>",
	Short: "Issue a new API key, replacing the previous one",
	Args:  cobra.ExactArgs(1),
	RunE:  runUserAPIKey,
}

var userRevokeKeyCmd = &cobra.Command{
	Use:   "revoke-key <username>",
	Short: "Remove a user's API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return withUser(args[0], func(ctx context.Context, ctl *access.Controller, u *access.User) error {
			if err := ctl.RevokeAPIKey(ctx, u.ID); err != nil {
				return err
			}
			fmt.Printf("API key of %q revoked\n", u.Username)
			return nil
		})
	},
}

var userDisableCmd = &cobra.Command{
	Use:   "disable <username>",
	Short: "Disable a user and invalidate their sessions",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return setActive(args[0], false)
	},
}

var userEnableCmd = &cobra.Command{
	Use:   "enable <username>",
	Short: "Re-enable a disabled user",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return setActive(args[0], true)
	},
}

func init() {
	userAddCmd.Flags().StringVar(&userPermissions, "permissions", "dry_run,window_info",
		"comma-separated permissions: "+permissionList())
	userAddCmd.Flags().IntVar(&userRateMax, "rate-limit", 0, "max requests per window (0 = configured default)")
	userAddCmd.Flags().DurationVar(&userRateWindow, "rate-window", time.Minute, "rate limit window")
	userCmd.AddCommand(userAddCmd, userListCmd, userAPIKeyCmd, userRevokeKeyCmd, userDisableCmd, userEnableCmd)
}

func permissionList() string {
	perms := access.AllPermissions()
	names := make([]string, len(perms))
	for i, p := range perms {
		names[i] = string(p)
	}
	return strings.Join(names, ", ")
}

func runUserAdd(_ *cobra.Command, args []string) error {
	perms, err := access.ParsePermissions(userPermissions)
	if err != nil {
		return err
	}
	password, err := readPassword()
	if err != nil {
		return err
	}

	ctx := context.Background()
	ctl, store, _, err := openAccess(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	var limit ratelimit.Limit
	if userRateMax > 0 {
		limit = ratelimit.Limit{MaxRequests: userRateMax, Window: userRateWindow}
	}
	u, err := ctl.CreateUser(ctx, args[0], password, perms, limit)
	if err != nil {
		return err
	}
	fmt.Printf("Created user %q (%s)\n", u.Username, u.ID)
	return nil
}

// readPassword prompts twice on a terminal. Without one the password
// comes from TETHER_USER_PASSWORD.
func readPassword() (string, error) {
	if v := os.Getenv("TETHER_USER_PASSWORD"); v != "" {
		return v, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("stdin is not a terminal: set TETHER_USER_PASSWORD")
	}
	fmt.Fprint(os.Stderr, "Password: ")
	first, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	fmt.Fprint(os.Stderr, "Confirm password: ")
	second, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	if string(first) != string(second) {
		return "", fmt.Errorf("passwords do not match")
	}
	return string(first), nil
}

func runUserList(_ *cobra.Command, _ []string) error {
	ctx := context.Background()
	ctl, store, _, err := openAccess(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	users, err := ctl.Users(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "USERNAME\tACTIVE\tAPI KEY\tPERMISSIONS\tRATE LIMIT\tCREATED")
	for _, u := range users {
		perms := make([]string, len(u.Permissions))
		for i, p := range u.Permissions {
			perms[i] = string(p)
		}
		rate := "default"
		if !u.RateLimit.Unlimited() {
			rate = fmt.Sprintf("%d/%s", u.RateLimit.MaxRequests, u.RateLimit.Window)
		}
		fmt.Fprintf(w, "%s\t%t\t%t\t%s\t%s\t%s\n",
			u.Username, u.IsActive, u.HasAPIKey(), strings.Join(perms, ","), rate,
			u.CreatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func runUserAPIKey(_ *cobra.Command, args []string) error {
	return withUser(args[0], func(ctx context.Context, ctl *access.Controller, u *access.User) error {
		key, err := ctl.RegenerateAPIKey(ctx, u.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "New API key for %q (shown once; the previous key no longer works):\n", u.Username)
		fmt.Println(key)
		return nil
	})
}

func setActive(username string, active bool) error {
	return withUser(username, func(ctx context.Context, ctl *access.Controller, u *access.User) error {
		if err := ctl.SetActive(ctx, u.ID, active); err != nil {
			return err
		}
		state := "disabled"
		if active {
			state = "enabled"
		}
		fmt.Printf("User %q %s\n", u.Username, state)
		return nil
	})
}

// withUser opens the store, resolves username and runs fn.
func withUser(username string, fn func(ctx context.Context, ctl *access.Controller, u *access.User) error) error {
	ctx := context.Background()
	ctl, store, _, err := openAccess(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	u, err := ctl.UserByName(ctx, username)
	if err != nil {
		return fmt.Errorf("user %q: %w", username, err)
	}
	return fn(ctx, ctl, u)
}
