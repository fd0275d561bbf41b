package cmd

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"mcpdock/internal/protocol"
	"mcpdock/internal/session"
)

// Exit codes for CLI commands. These follow common conventions so the
// binary can be scripted against.
const (
	// ExitCodeSuccess indicates successful execution.
	ExitCodeSuccess = 0
	// ExitCodeError indicates a general error (command failed, invalid arguments).
	ExitCodeError = 1
	// ExitCodeAuthRequired indicates authentication is required but not available.
	ExitCodeAuthRequired = 2
	// ExitCodeAuthFailed indicates the OAuth flow failed.
	ExitCodeAuthFailed = 3
)

// rootCmd represents the base command for the mcpdock application.
var rootCmd = &cobra.Command{
	Use:   "mcpdock",
	Short: "Manage OAuth sessions for MCP tool servers",
	Long: `mcpdock registers OAuth-protected MCP tool servers, runs the
browser-based sign-in flow against their identity providers, and issues
authenticated tool calls with the cached tokens.`,
	// SilenceUsage prevents Cobra from printing the usage message on
	// errors that are handled by the application.
	SilenceUsage: true,
}

// SetVersion sets the version for the root command. It is called from
// the main package to inject the build version.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute is the main entry point for the CLI application.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "mcpdock version %s\n" .Version}}`)

	err := rootCmd.Execute()
	if err != nil {
		os.Exit(getExitCode(err))
	}
}

// getExitCode determines the appropriate exit code based on the error
// type. This provides semantic exit codes for scripting and automation.
func getExitCode(err error) int {
	var missingToken *protocol.MissingTokenError
	if errors.As(err, &missingToken) {
		return ExitCodeAuthRequired
	}

	var authErr *protocol.AuthenticationError
	if errors.As(err, &authErr) {
		return ExitCodeAuthRequired
	}

	var callbackErr *session.CallbackError
	if errors.As(err, &callbackErr) {
		return ExitCodeAuthFailed
	}

	return ExitCodeError
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"config directory (default is $HOME/.config/mcpdock)")
}
