package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/briandowns/spinner"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"mcpdock/internal/session"
)

var loginCmd = &cobra.Command{
	Use:   "login <server>",
	Short: "Sign in to a tool server's identity provider",
	Long: `Sign in to a tool server via its identity provider.

This starts a loopback callback server, opens the system browser at the
provider's authorization endpoint, and waits for the redirect to come
back. The resulting tokens are cached on disk until they expire.

Examples:
  mcpdock login grafana`,
	Args: cobra.ExactArgs(1),
	RunE: runLogin,
}

func init() {
	rootCmd.AddCommand(loginCmd)
}

func runLogin(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// The callback server has to be listening before the registry is
	// built: its origin becomes the default redirect URI.
	cb := session.NewCallbackServer(cfg.CallbackAddr)
	origin, err := cb.Start(ctx)
	if err != nil {
		return fmt.Errorf("failed to start callback server: %w", err)
	}
	defer cb.Stop()

	a, err := newApp(origin)
	if err != nil {
		return err
	}
	defer a.Close()

	d, err := a.resolveServer(args[0])
	if err != nil {
		return err
	}

	if _, ok := a.registry.GetOrRecreateSession(ctx, d.ID); !ok {
		return fmt.Errorf("no session available for %q", d.Name)
	}

	authURL, err := a.registry.Authenticate(ctx, d.ID)
	if err != nil {
		return err
	}

	fmt.Printf("Opening your browser to sign in to %q.\n", d.Name)
	fmt.Printf("If it does not open, visit:\n\n  %s\n\n", authURL)

	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	s.Suffix = " Waiting for sign-in..."
	s.Start()

	waitCtx, cancel := context.WithTimeout(ctx, session.CallbackTimeout)
	defer cancel()

	callbackURL, err := cb.WaitForCallback(waitCtx)
	if err != nil {
		s.FinalMSG = text.FgRed.Sprint("✗ Sign-in did not complete\n")
		s.Stop()
		return err
	}

	if _, err := a.registry.HandleCallback(ctx, callbackURL, d.ID); err != nil {
		s.FinalMSG = text.FgRed.Sprint("✗ Sign-in failed\n")
		s.Stop()
		return err
	}
	s.Stop()

	if identity, ok := a.registry.Identity(d.ID); ok {
		fmt.Printf("%s Signed in to %q as %s\n",
			text.FgGreen.Sprint("✓"), d.Name, identityLabel(identity))
	} else {
		fmt.Printf("%s Signed in to %q\n", text.FgGreen.Sprint("✓"), d.Name)
	}
	return nil
}

func identityLabel(id *session.Identity) string {
	switch {
	case id.Email != "":
		return id.Email
	case id.DisplayName != "":
		return id.DisplayName
	default:
		return id.Subject
	}
}
