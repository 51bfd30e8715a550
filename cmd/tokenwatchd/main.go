// Command tokenwatchd runs the plugin runtime core as a standalone process
// (for local development and scripting the marketplace/signing flows); the
// shipped desktop app embeds the same packages directly behind its own tray
// UI and IPC wiring, which are out of scope here (§1).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "tokenwatchd",
		Short: "Plugin runtime core for the AI usage tracker",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "settings.yaml", "path to the runtime settings file")

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newPluginCmd())
	return root
}
