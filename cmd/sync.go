package cmd

import (
	"fmt"
	"time"

	"github.com/briandowns/spinner"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"mcpdock/internal/protocol"
)

var syncCmd = &cobra.Command{
	Use:   "sync <server>",
	Short: "Handshake with a server and refresh its cached capabilities",
	Long: `Handshake with a server and refresh its cached capabilities.

Runs the protocol handshake, then fetches tools, resources, and prompts
concurrently. Servers that do not implement resources or prompts are
reported as exposing none.`,
	Args: cobra.ExactArgs(1),
	RunE: runSync,
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
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
	s.Suffix = fmt.Sprintf(" Syncing %q...", d.Name)
	s.Start()

	initResult, err := a.client.Initialize(ctx, d)
	if err != nil {
		s.FinalMSG = text.FgRed.Sprintf("✗ Handshake with %q failed\n", d.Name)
		s.Stop()
		a.registry.MarkFetchFailure(d.ID, err)
		return err
	}

	caps, err := a.client.RefreshCapabilities(ctx, d)
	if err != nil {
		s.FinalMSG = text.FgRed.Sprintf("✗ Capability refresh for %q failed\n", d.Name)
		s.Stop()
		a.registry.MarkFetchFailure(d.ID, err)
		return err
	}
	s.Stop()

	if err := a.registry.UpdateTools(d.ID, protocol.ToolDescriptors(caps.Tools)); err != nil {
		return err
	}

	fmt.Printf("%s %s (%s %s): %d tools, %d resources, %d prompts\n",
		text.FgGreen.Sprint("✓"), d.Name,
		initResult.ServerInfo.Name, initResult.ServerInfo.Version,
		len(caps.Tools), len(caps.Resources), len(caps.Prompts))
	return nil
}
