package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/vireohq/chatcore/internal/mcp"
)

var (
	mcpAddURL     string
	mcpAddHeaders []string
	mcpAddEnv     []string
	mcpSearchMax  int
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Manage MCP (Model Context Protocol) servers",
	Long: `Manage the MCP servers whose tools the gateway exposes to models.

Examples:
  chatcore mcp list                              # configured servers
  chatcore mcp search filesystem                 # search the registry
  chatcore mcp add files npx -- -y @modelcontextprotocol/server-filesystem /data
  chatcore mcp add docs --url https://mcp.example.com/sse
  chatcore mcp remove files
  chatcore mcp test files                        # connect and list tools`,
}

var mcpListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured MCP servers",
	RunE:  mcpList,
}

var mcpSearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the MCP registry",
	Args:  cobra.ExactArgs(1),
	RunE:  mcpSearch,
}

var mcpAddCmd = &cobra.Command{
	Use:   "add <name> [command] [args...]",
	Short: "Add an MCP server",
	Long: `Add an MCP server to the gateway's tool configuration.

With a command, the server runs over stdio. With --url, the server is
reached over HTTP. With neither, the registry is consulted for an
installable package matching the name.`,
	Args: cobra.MinimumNArgs(1),
	RunE: mcpAdd,
}

var mcpRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove an MCP server",
	Args:  cobra.ExactArgs(1),
	RunE:  mcpRemove,
}

var mcpTestCmd = &cobra.Command{
	Use:   "test <name>",
	Short: "Test an MCP server connection",
	Long:  `Connect to a configured server, list its tools, and disconnect.`,
	Args:  cobra.ExactArgs(1),
	RunE:  mcpTest,
}

var mcpPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the MCP configuration file path",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := mcp.DefaultConfigPath()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	},
}

func init() {
	mcpAddCmd.Flags().StringVar(&mcpAddURL, "url", "", "HTTP transport URL")
	mcpAddCmd.Flags().StringArrayVar(&mcpAddHeaders, "header", nil, "HTTP header as key=value (repeatable)")
	mcpAddCmd.Flags().StringArrayVar(&mcpAddEnv, "env", nil, "Environment variable as key=value (repeatable)")
	mcpSearchCmd.Flags().IntVar(&mcpSearchMax, "limit", 10, "Max results")

	rootCmd.AddCommand(mcpCmd)
	mcpCmd.AddCommand(mcpListCmd)
	mcpCmd.AddCommand(mcpSearchCmd)
	mcpCmd.AddCommand(mcpAddCmd)
	mcpCmd.AddCommand(mcpRemoveCmd)
	mcpCmd.AddCommand(mcpTestCmd)
	mcpCmd.AddCommand(mcpPathCmd)
}

func mcpList(cmd *cobra.Command, args []string) error {
	cfg, err := mcp.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(cfg.Servers) == 0 {
		fmt.Fprintln(out, "No MCP servers configured.")
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Add one with: chatcore mcp add <name> <command> [args...]")
		return nil
	}

	fmt.Fprintf(out, "Configured MCP servers (%d):\n\n", len(cfg.Servers))
	for _, name := range cfg.ServerNames() {
		server := cfg.Servers[name]
		fmt.Fprintf(out, "  %s\n", name)
		switch server.TransportType() {
		case "http":
			fmt.Fprintf(out, "    url: %s\n", server.URL)
		default:
			fmt.Fprintf(out, "    command: %s %s\n", server.Command, strings.Join(server.Args, " "))
		}
		if len(server.Env) > 0 {
			fmt.Fprintf(out, "    env: %d variables\n", len(server.Env))
		}
	}

	path, _ := mcp.DefaultConfigPath()
	fmt.Fprintf(out, "\nConfig file: %s\n", path)
	return nil
}

func mcpSearch(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	catalog := mcp.NewCatalogClient()
	result, err := catalog.Search(ctx, mcp.SearchOptions{Query: args[0], Limit: mcpSearchMax})
	if err != nil {
		return fmt.Errorf("search registry: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(result.Servers) == 0 {
		fmt.Fprintln(out, "No servers found.")
		return nil
	}

	for _, wrapper := range result.Servers {
		server := wrapper.Server
		installable := ""
		if _, ok := server.ToServerConfig(); ok {
			installable = " (installable)"
		}
		fmt.Fprintf(out, "%s%s\n", server.DisplayName(), installable)
		if server.Description != "" {
			fmt.Fprintf(out, "    %s\n", server.Description)
		}
	}
	return nil
}

func mcpAdd(cmd *cobra.Command, args []string) error {
	name := args[0]

	cfg, err := mcp.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if _, exists := cfg.Servers[name]; exists {
		return fmt.Errorf("server %q already configured", name)
	}

	var serverCfg mcp.ServerConfig
	switch {
	case mcpAddURL != "":
		serverCfg = mcp.ServerConfig{
			Type:    "http",
			URL:     mcpAddURL,
			Headers: parseKeyValues(mcpAddHeaders),
		}
	case len(args) > 1:
		serverCfg = mcp.ServerConfig{
			Command: args[1],
			Args:    args[2:],
			Env:     parseKeyValues(mcpAddEnv),
		}
	default:
		found, err := lookupCatalogServer(cmd.Context(), name)
		if err != nil {
			return err
		}
		serverCfg = found
	}

	if err := serverCfg.Validate(); err != nil {
		return err
	}

	cfg.AddServer(name, serverCfg)
	if err := cfg.Save(); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Added MCP server %q.\n", name)
	return nil
}

// lookupCatalogServer resolves a bare name against the public registry.
func lookupCatalogServer(ctx context.Context, name string) (mcp.ServerConfig, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	catalog := mcp.NewCatalogClient()
	result, err := catalog.Search(ctx, mcp.SearchOptions{Query: name, Limit: 10})
	if err != nil {
		return mcp.ServerConfig{}, fmt.Errorf("search registry: %w", err)
	}

	for _, wrapper := range result.Servers {
		if cfg, ok := wrapper.Server.ToServerConfig(); ok {
			return cfg, nil
		}
	}
	return mcp.ServerConfig{}, fmt.Errorf("no installable registry entry for %q; pass a command or --url instead", name)
}

func mcpRemove(cmd *cobra.Command, args []string) error {
	cfg, err := mcp.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if !cfg.RemoveServer(args[0]) {
		return fmt.Errorf("server %q is not configured", args[0])
	}
	if err := cfg.Save(); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed MCP server %q.\n", args[0])
	return nil
}

func mcpTest(cmd *cobra.Command, args []string) error {
	name := args[0]
	ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
	defer cancel()

	registry := mcp.NewRegistry()
	if err := registry.LoadConfig(); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	defer registry.StopAll()

	fmt.Fprintf(cmd.OutOrStdout(), "Connecting to %s...\n", name)
	if err := registry.Connect(ctx, name); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	tools := registry.AllTools()
	fmt.Fprintf(cmd.OutOrStdout(), "Connected. %d tools:\n", len(tools))
	for _, tool := range tools {
		fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", tool.Name)
	}
	return nil
}

func parseKeyValues(pairs []string) map[string]string {
	if len(pairs) == 0 {
		return nil
	}
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			continue
		}
		out[key] = value
	}
	return out
}
