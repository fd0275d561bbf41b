package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"mcpdock/internal/config"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Manage registered tool servers",
}

// server add flags
var (
	addName        string
	addDescription string
	addEndpoint    string
	addIssuer      string
	addClientID    string
	addScopes      []string
	addRedirectURI string
)

var serverAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a tool server",
	Long: `Register an OAuth-protected tool server.

The descriptor is validated and persisted; no network traffic happens
until login. All validation failures are reported together.

Example:
  mcpdock server add --name grafana \
    --endpoint https://grafana.internal/mcp \
    --issuer https://dex.internal \
    --client-id mcpdock`,
	RunE: runServerAdd,
}

var serverRemoveCmd = &cobra.Command{
	Use:   "remove <server>",
	Short: "Deregister a tool server and purge its session state",
	Args:  cobra.ExactArgs(1),
	RunE:  runServerRemove,
}

var serverListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered tool servers",
	Args:  cobra.NoArgs,
	RunE:  runServerList,
}

func init() {
	serverAddCmd.Flags().StringVar(&addName, "name", "", "display name (required)")
	serverAddCmd.Flags().StringVar(&addDescription, "description", "", "free-form description")
	serverAddCmd.Flags().StringVar(&addEndpoint, "endpoint", "", "tool server endpoint URL (required)")
	serverAddCmd.Flags().StringVar(&addIssuer, "issuer", "", "OIDC issuer URL (required)")
	serverAddCmd.Flags().StringVar(&addClientID, "client-id", "", "OAuth client ID (required)")
	serverAddCmd.Flags().StringSliceVar(&addScopes, "scopes", []string{"openid", "profile", "email"},
		"OAuth scopes to request")
	serverAddCmd.Flags().StringVar(&addRedirectURI, "redirect-uri", "",
		"override the loopback callback redirect URI")

	serverCmd.AddCommand(serverAddCmd)
	serverCmd.AddCommand(serverRemoveCmd)
	serverCmd.AddCommand(serverListCmd)
	rootCmd.AddCommand(serverCmd)
}

func runServerAdd(cmd *cobra.Command, args []string) error {
	a, err := newApp("")
	if err != nil {
		return err
	}
	defer a.Close()

	d := &config.ServerDescriptor{
		Name:        addName,
		Description: addDescription,
		EndpointURL: addEndpoint,
		OIDC: config.OIDCConfig{
			IssuerURL:   addIssuer,
			ClientID:    addClientID,
			Scopes:      addScopes,
			RedirectURI: addRedirectURI,
		},
	}

	if err := a.registry.RegisterServer(cmd.Context(), d); err != nil {
		var cfgErr *config.ConfigurationError
		if errors.As(err, &cfgErr) {
			fmt.Fprintln(os.Stderr, text.FgRed.Sprint("✗ invalid server configuration:"))
			for _, v := range cfgErr.Violations {
				fmt.Fprintf(os.Stderr, "  - %s\n", v)
			}
		}
		return err
	}

	fmt.Printf("%s registered %q (%s)\n", text.FgGreen.Sprint("✓"), d.Name, d.ID)
	return nil
}

func runServerRemove(cmd *cobra.Command, args []string) error {
	a, err := newApp("")
	if err != nil {
		return err
	}
	defer a.Close()

	d, err := a.resolveServer(args[0])
	if err != nil {
		return err
	}
	if err := a.registry.DeregisterServer(cmd.Context(), d.ID); err != nil {
		return err
	}

	fmt.Printf("%s removed %q\n", text.FgGreen.Sprint("✓"), d.Name)
	return nil
}

func runServerList(cmd *cobra.Command, args []string) error {
	a, err := newApp("")
	if err != nil {
		return err
	}
	defer a.Close()

	servers := a.registry.ListServers()
	if len(servers) == 0 {
		fmt.Println("No servers registered. Use 'mcpdock server add' to register one.")
		return nil
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"NAME", "STATUS", "AUTH", "ENDPOINT", "ID"})
	for _, d := range servers {
		auth := "-"
		if a.registry.IsAuthenticated(d.ID) {
			auth = text.FgGreen.Sprint("✓")
		}
		t.AppendRow(table.Row{d.Name, formatStatus(d.Status), auth, d.EndpointURL, d.ID})
	}
	t.Render()
	return nil
}

func formatStatus(s config.Status) string {
	switch s {
	case config.StatusConnected:
		return text.FgGreen.Sprint(string(s))
	case config.StatusError:
		return text.FgRed.Sprint(string(s))
	default:
		return text.FgYellow.Sprint(string(config.StatusDisconnected))
	}
}
