package cmd

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
)

var logoutCmd = &cobra.Command{
	Use:   "logout <server>",
	Short: "Sign out of a tool server",
	Long: `Sign out of a tool server.

The cached token record is removed and, when the identity provider
supports RP-initiated logout, the browser is opened at its end-session
endpoint. Local state is cleared even if the provider logout fails.`,
	Args: cobra.ExactArgs(1),
	RunE: runLogout,
}

func init() {
	rootCmd.AddCommand(logoutCmd)
}

func runLogout(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := newApp("")
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
	if err := a.registry.SignOut(ctx, d.ID); err != nil {
		return err
	}

	fmt.Printf("%s Signed out of %q\n", text.FgGreen.Sprint("✓"), d.Name)
	return nil
}
