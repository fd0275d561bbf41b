package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"mcpdock/internal/config"
)

var whoamiCmd = &cobra.Command{
	Use:   "whoami [server]",
	Short: "Show the signed-in identity for one or all servers",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runWhoami,
}

func init() {
	rootCmd.AddCommand(whoamiCmd)
}

func runWhoami(cmd *cobra.Command, args []string) error {
	a, err := newApp("")
	if err != nil {
		return err
	}
	defer a.Close()

	var servers []*config.ServerDescriptor
	if len(args) == 1 {
		d, err := a.resolveServer(args[0])
		if err != nil {
			return err
		}
		servers = append(servers, d)
	} else {
		servers = a.registry.ListServers()
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"SERVER", "SUBJECT", "EMAIL", "NAME", "EXPIRES"})

	shown := 0
	for _, d := range servers {
		rec, ok := a.registry.TokenCache().Get(d.ID)
		if !ok || !a.registry.IsAuthenticated(d.ID) {
			continue
		}
		expires := time.Unix(rec.ExpiresAt, 0).Local().Format(time.RFC3339)
		t.AppendRow(table.Row{d.Name, rec.Identity.Subject, rec.Identity.Email, rec.Identity.DisplayName, expires})
		shown++
	}

	if shown == 0 {
		fmt.Printf("%s Not signed in. Use 'mcpdock login <server>'.\n",
			text.FgYellow.Sprint("!"))
		return nil
	}
	t.Render()
	return nil
}
