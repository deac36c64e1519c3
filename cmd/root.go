package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "chatcore",
	Short: "Conversational completion gateway",
	Long: `chatcore fronts LLM providers behind a single streaming API with
MCP tool calling and prepaid usage accounting.

Examples:
  chatcore serve --port 8443            # run the gateway
  chatcore providers                    # list configured providers
  chatcore mcp add files npx -- -y @modelcontextprotocol/server-filesystem /data
  chatcore balance grant alice 100      # fund a user`,
	CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
	Version:           Version,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
