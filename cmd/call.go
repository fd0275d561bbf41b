package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/briandowns/spinner"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/spf13/cobra"
)

var callCmd = &cobra.Command{
	Use:   "call <server> <tool> [json-args]",
	Short: "Invoke a tool on a server",
	Long: `Invoke a tool on a server with JSON arguments.

Examples:
  mcpdock call grafana list_dashboards
  mcpdock call grafana query '{"expr": "up", "range": "5m"}'`,
	Args: cobra.RangeArgs(2, 3),
	RunE: runCall,
}

func init() {
	rootCmd.AddCommand(callCmd)
}

func runCall(cmd *cobra.Command, args []string) error {
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

	toolArgs := map[string]any{}
	if len(args) == 3 {
		if err := json.Unmarshal([]byte(args[2]), &toolArgs); err != nil {
			return fmt.Errorf("arguments must be a JSON object: %w", err)
		}
	}

	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	s.Suffix = fmt.Sprintf(" Calling %s...", args[1])
	s.Start()

	result, err := a.client.CallTool(ctx, d, args[1], toolArgs)
	s.Stop()
	if err != nil {
		return err
	}

	if result.IsError {
		fmt.Println(text.FgRed.Sprintf("✗ tool %s reported an error:", args[1]))
	}
	printContent(result.Content)
	if result.IsError {
		return fmt.Errorf("tool %s failed", args[1])
	}
	return nil
}

// printContent writes tool result content to stdout. Text blocks are
// printed verbatim; anything else is rendered as JSON.
func printContent(content []mcp.Content) {
	for _, c := range content {
		if textContent, ok := mcp.AsTextContent(c); ok {
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
