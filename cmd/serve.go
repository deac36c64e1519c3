package cmd

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/vireohq/chatcore/internal/config"
	"github.com/vireohq/chatcore/internal/history"
	"github.com/vireohq/chatcore/internal/ledger"
	"github.com/vireohq/chatcore/internal/llm"
	"github.com/vireohq/chatcore/internal/mcp"
	"github.com/vireohq/chatcore/internal/serve"
	"github.com/vireohq/chatcore/internal/signal"
)

var (
	serveHost        string
	servePort        int
	serveToken       string
	serveAllowNoAuth bool
	serveMaxRounds   int
	serveNoMCP       bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway HTTP server",
	Long: `Run the streaming completion gateway.

Endpoints:
  POST /v1/turns      execute a turn, streamed over SSE
  GET  /v1/models     configured providers and models
  GET  /v1/tools      tools exposed by connected MCP servers
  GET  /v1/balance    a user's remaining power
  GET  /healthz`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveHost, "host", "127.0.0.1", "Bind host")
	serveCmd.Flags().IntVar(&servePort, "port", 8443, "Bind port")
	serveCmd.Flags().StringVar(&serveToken, "token", "", "Bearer token for API auth (auto-generated if omitted)")
	serveCmd.Flags().BoolVar(&serveAllowNoAuth, "allow-no-auth", false, "Disable auth (only allowed on loopback host)")
	serveCmd.Flags().IntVar(&serveMaxRounds, "max-tool-rounds", 0, "Max tool rounds per turn (0 = config default)")
	serveCmd.Flags().BoolVar(&serveNoMCP, "no-mcp", false, "Skip MCP server connections")
}

func runServe(cmd *cobra.Command, args []string) error {
	if servePort <= 0 || servePort > 65535 {
		return fmt.Errorf("invalid --port %d (must be 1-65535)", servePort)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", serveHost, servePort)
	if cfg.Server.Addr != "" && !cmd.Flags().Changed("host") && !cmd.Flags().Changed("port") {
		addr = cfg.Server.Addr
	}

	requireAuth := !serveAllowNoAuth
	if !requireAuth && !isLoopbackAddr(addr) {
		return fmt.Errorf("--allow-no-auth is only allowed on loopback addresses (got %q)", addr)
	}

	token := strings.TrimSpace(serveToken)
	if requireAuth && token == "" {
		generated, err := generateServeToken()
		if err != nil {
			return fmt.Errorf("generate auth token: %w", err)
		}
		token = generated
	}

	ctx, stop := signal.NotifyContext()
	defer stop()

	registry := mcp.NewRegistry()
	if cfg.Server.ToolTimeout > 0 {
		registry.SetCallTimeout(time.Duration(cfg.Server.ToolTimeout) * time.Second)
	}
	if !serveNoMCP {
		if err := registry.LoadConfigFromPath(cfg.MCP.ConfigPath); err != nil {
			return fmt.Errorf("load mcp config: %w", err)
		}
		if err := registry.ConnectAll(ctx); err != nil {
			// Degraded tool availability is survivable; the affected
			// servers stay visible as errored in /v1/tools.
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
		}
	}
	defer registry.StopAll()

	store, err := ledger.OpenStore(cfg.Billing.DatabasePath)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer store.Close()

	pricing := ledger.NewPricingTable(ledger.ModelPricing{
		InputPerMTok:  cfg.Billing.InputRate,
		OutputPerMTok: cfg.Billing.OutputRate,
	})
	if dir, err := config.GetConfigDir(); err == nil {
		if err := pricing.LoadOverrides(filepath.Join(dir, "pricing.json")); err != nil {
			return fmt.Errorf("load pricing overrides: %w", err)
		}
	}

	hist, err := history.Open(filepath.Join(filepath.Dir(cfg.Billing.DatabasePath), "history.db"))
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer hist.Close()

	maxRounds := serveMaxRounds
	if maxRounds == 0 {
		maxRounds = cfg.Server.MaxToolRounds
	}

	server := serve.NewServer(serve.Options{
		Addr:          addr,
		Token:         token,
		MaxToolRounds: maxRounds,
	}, cfg, llm.NewProviderCache(cfg), registry, ledger.NewLedger(store, pricing), hist)

	if err := server.Start(); err != nil {
		return err
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "chatcore listening on http://%s\n", addr)
	fmt.Fprintf(cmd.ErrOrStderr(), "auth: %s\n", authSummary(requireAuth))
	if requireAuth {
		fmt.Fprintf(cmd.ErrOrStderr(), "token: %s\n", token)
	}
	if connected := registry.ConnectedServers(); len(connected) > 0 {
		fmt.Fprintf(cmd.ErrOrStderr(), "mcp servers: %s\n", strings.Join(connected, ", "))
	}

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Stop(shutdownCtx)
}

func authSummary(required bool) string {
	if required {
		return "bearer required"
	}
	return "disabled"
}

func isLoopbackAddr(addr string) bool {
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	h := strings.TrimSpace(strings.ToLower(host))
	return h == "127.0.0.1" || h == "localhost" || h == "::1"
}

func generateServeToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
