package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/spf13/cobra"
)

var resourcesCmd = &cobra.Command{
	Use:   "resources <server> [uri]",
	Short: "List a server's resources, or read one by URI",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runResources,
}

var promptsCmd = &cobra.Command{
	Use:   "prompts <server>",
	Short: "List the prompts a server exposes",
	Args:  cobra.ExactArgs(1),
	RunE:  runPrompts,
}

func init() {
	rootCmd.AddCommand(resourcesCmd)
	rootCmd.AddCommand(promptsCmd)
}

func runResources(cmd *cobra.Command, args []string) error {
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

	if len(args) == 2 {
		result, err := a.client.ReadResource(ctx, d, args[1])
		if err != nil {
			return err
		}
		printResourceContents(result.Contents)
		return nil
	}

	resources, err := a.client.ListResources(ctx, d)
	if err != nil {
		return err
	}
	if len(resources) == 0 {
		fmt.Printf("%s exposes no resources.\n", d.Name)
		return nil
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"URI", "NAME", "MIME TYPE"})
	for _, r := range resources {
		t.AppendRow(table.Row{r.URI, r.Name, r.MIMEType})
	}
	t.Render()
	return nil
}

func runPrompts(cmd *cobra.Command, args []string) error {
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

	prompts, err := a.client.ListPrompts(ctx, d)
	if err != nil {
		return err
	}
	if len(prompts) == 0 {
		fmt.Printf("%s exposes no prompts.\n", d.Name)
		return nil
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"PROMPT", "DESCRIPTION"})
	for _, p := range prompts {
		t.AppendRow(table.Row{p.Name, p.Description})
	}
	t.Render()
	return nil
}

func printResourceContents(contents []mcp.ResourceContents) {
	for _, c := range contents {
		if textContent, ok := mcp.AsTextResourceContents(c); ok {
			fmt.Println(textContent.Text)
			continue
		}
		raw, err := json.MarshalIndent(c, "", "  ")
		if err != nil {
			fmt.Printf("%v\n", c)
			continue
		}
		fmt.Println(string(raw))
	}
}
