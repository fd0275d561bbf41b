package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"mcpdock/internal/protocol"
)

var toolsCmd = &cobra.Command{
	Use:   "tools <server>",
	Short: "List the tools a server exposes",
	Long: `List the tools a server exposes.

The tool list is fetched live from the server and the cached descriptor
is updated with the result. Requires a prior 'mcpdock login'.`,
	Args: cobra.ExactArgs(1),
	RunE: runTools,
}

func init() {
	rootCmd.AddCommand(toolsCmd)
}

func runTools(cmd *cobra.Command, args []string) error {
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

	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	s.Suffix = fmt.Sprintf(" Fetching tools from %q...", d.Name)
	s.Start()

	tools, err := a.client.ListTools(ctx, d)
	if err != nil {
		s.FinalMSG = text.FgRed.Sprintf("✗ Failed to fetch tools from %q\n", d.Name)
		s.Stop()
		a.registry.MarkFetchFailure(d.ID, err)
		return err
	}
	s.Stop()

	if err := a.registry.UpdateTools(d.ID, protocol.ToolDescriptors(tools)); err != nil {
		return err
	}

	if len(tools) == 0 {
		fmt.Printf("%s exposes no tools.\n", d.Name)
		return nil
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"TOOL", "DESCRIPTION"})
	for _, tool := range tools {
		t.AppendRow(table.Row{tool.Name, tool.Description})
	}
	t.Render()
	return nil
}
