package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/TheMichaelB/notesync/internal/models"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in and store the session",
	Long: `Login exchanges a username and password for a token pair and stores it
encrypted on disk. Without flags the credentials come from the configured
credentials file or secret, then from an interactive prompt.`,
	Example: `  notesync login --username alice
  NOTESYNC_AUTH_CREDENTIALS_FILE=creds.json notesync login`,
	RunE: runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Drop queued changes, the local cache and the session",
	RunE:  runLogout,
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Create an account",
	RunE:  runRegister,
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the signed-in account",
	RunE:  runWhoami,
}

var passwdCmd = &cobra.Command{
	Use:   "passwd",
	Short: "Change the account password",
	RunE:  runPasswd,
}

var (
	loginUsername string
	loginPassword string

	registerEmail     string
	registerFirstName string
	registerLastName  string
)

func init() {
	rootCmd.AddCommand(loginCmd, logoutCmd, registerCmd, whoamiCmd, passwdCmd)

	loginCmd.Flags().StringVarP(&loginUsername, "username", "u", "", "Username")
	loginCmd.Flags().StringVarP(&loginPassword, "password", "p", "", "Password (will prompt if not provided)")

	registerCmd.Flags().StringVarP(&loginUsername, "username", "u", "", "Username (required)")
	registerCmd.Flags().StringVarP(&loginPassword, "password", "p", "", "Password (will prompt if not provided)")
	registerCmd.Flags().StringVar(&registerEmail, "email", "", "Email address")
	registerCmd.Flags().StringVar(&registerFirstName, "first-name", "", "First name")
	registerCmd.Flags().StringVar(&registerLastName, "last-name", "", "Last name")
	_ = registerCmd.MarkFlagRequired("username")
}

func runLogin(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	if err := apiClient.LoadSecretCredentials(ctx); err != nil {
		return fail(err, "Load credentials secret")
	}

	// Combined credentials fill whatever the flags leave empty, so only
	// prompt when neither source has them.
	if loginUsername == "" && cfg.Auth.Username == "" && cfg.Auth.CredentialsFile == "" && cfg.Auth.CredentialsSecret == "" {
		var err error
		if loginUsername, err = promptLine("Username: "); err != nil {
			return fmt.Errorf("read username: %w", err)
		}
	}
	if loginPassword == "" && cfg.Auth.Password == "" && cfg.Auth.CredentialsFile == "" && cfg.Auth.CredentialsSecret == "" {
		var err error
		if loginPassword, err = promptPassword("Password: "); err != nil {
			return fmt.Errorf("read password: %w", err)
		}
	}

	if err := apiClient.Auth.Login(ctx, loginUsername, loginPassword); err != nil {
		return fail(err, "Login failed")
	}

	info, err := apiClient.Auth.UserInfo(ctx)
	if err != nil {
		logger.WithError(err).Warn("Signed in but could not load account")
		info.Username = loginUsername
	}

	if err := apiClient.Notes.Refresh(ctx); err != nil {
		logger.WithError(err).Warn("Initial refresh failed")
	}

	render(map[string]interface{}{
		"success":  true,
		"username": info.Username,
	}, func() {
		printSuccess("Signed in as %s", info.Username)
	})
	return nil
}

func runLogout(cmd *cobra.Command, _ []string) error {
	st, err := apiClient.Status(cmd.Context())
	if err != nil {
		return fail(err, "Read status")
	}

	if err := apiClient.Logout(cmd.Context()); err != nil {
		return fail(err, "Logout failed")
	}

	render(map[string]interface{}{
		"success":      true,
		"dropped_jobs": len(st.Jobs),
	}, func() {
		if len(st.Jobs) > 0 {
			printWarning("Discarded %d unsynced change(s)", len(st.Jobs))
		}
		printSuccess("Signed out")
	})
	return nil
}

func runRegister(cmd *cobra.Command, _ []string) error {
	if loginPassword == "" {
		var err error
		if loginPassword, err = promptPassword("Password: "); err != nil {
			return fmt.Errorf("read password: %w", err)
		}
	}

	resp, err := apiClient.Auth.Register(cmd.Context(), models.RegisterRequest{
		Username:  loginUsername,
		Password:  loginPassword,
		Email:     registerEmail,
		FirstName: registerFirstName,
		LastName:  registerLastName,
	})
	if err != nil {
		if apiErr, ok := models.AsAPIError(err); ok {
			return fail(err, "Registration rejected (%s)", apiErr.Detail())
		}
		return fail(err, "Registration failed")
	}

	render(resp, func() {
		printSuccess("Registered %s", resp.Username)
		printDim("Run 'notesync login -u %s' to sign in.", resp.Username)
	})
	return nil
}

func runWhoami(cmd *cobra.Command, _ []string) error {
	info, err := apiClient.Auth.UserInfo(cmd.Context())
	if err != nil {
		return fail(err, "Load account")
	}

	render(info, func() {
		name := strings.TrimSpace(info.FirstName + " " + info.LastName)
		printInfo("%s", info.Username)
		if name != "" {
			printLine("  name:  %s", name)
		}
		if info.Email != "" {
			printLine("  email: %s", info.Email)
		}
	})
	return nil
}

func runPasswd(cmd *cobra.Command, _ []string) error {
	oldPassword, err := promptPassword("Current password: ")
	if err != nil {
		return fmt.Errorf("read password: %w", err)
	}
	newPassword, err := promptPassword("New password: ")
	if err != nil {
		return fmt.Errorf("read password: %w", err)
	}
	confirm, err := promptPassword("Repeat new password: ")
	if err != nil {
		return fmt.Errorf("read password: %w", err)
	}
	if newPassword != confirm {
		return fail(fmt.Errorf("passwords do not match"), "Change password")
	}

	if err := apiClient.Auth.ChangePassword(cmd.Context(), oldPassword, newPassword); err != nil {
		return fail(err, "Change password")
	}

	render(map[string]interface{}{"success": true}, func() {
		printSuccess("Password changed")
	})
	return nil
}

func promptPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return readLine()
	}

	password, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(password), nil
}

func promptLine(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	return readLine()
}

var stdin = bufio.NewReader(os.Stdin)

func readLine() (string, error) {
	line, err := stdin.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
