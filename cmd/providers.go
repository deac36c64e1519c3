package cmd

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/vireohq/chatcore/internal/config"
	"github.com/vireohq/chatcore/internal/llm"
)

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List configured providers",
	RunE:  providersList,
}

var providersModelsCmd = &cobra.Command{
	Use:   "models [provider]",
	Short: "List models for a provider",
	Long: `List the models a provider serves. Providers without a listing
endpoint report only the configured model.`,
	Args: cobra.MaximumNArgs(1),
	RunE: providersModels,
}

func init() {
	rootCmd.AddCommand(providersCmd)
	providersCmd.AddCommand(providersModelsCmd)
}

func providersList(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	names := make([]string, 0, len(cfg.Providers))
	for name := range cfg.Providers {
		names = append(names, name)
	}
	sort.Strings(names)

	out := cmd.OutOrStdout()
	for _, name := range names {
		pc := cfg.Providers[name]
		marker := " "
		if name == cfg.DefaultProvider {
			marker = "*"
		}
		fmt.Fprintf(out, "%s %s (%s)", marker, name, config.InferProviderType(name, pc.Type))
		if pc.Model != "" {
			fmt.Fprintf(out, " model=%s", pc.Model)
		}
		if pc.BaseURL != "" {
			fmt.Fprintf(out, " base_url=%s", pc.BaseURL)
		}
		fmt.Fprintln(out)
	}
	return nil
}

func providersModels(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	name := cfg.DefaultProvider
	if len(args) == 1 {
		name = args[0]
	}

	provider, err := llm.NewProviderByName(cfg, name)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
	defer cancel()

	if wrapper, ok := provider.(interface{ Unwrap() llm.Provider }); ok {
		provider = wrapper.Unwrap()
	}

	out := cmd.OutOrStdout()
	if lister, ok := provider.(interface {
		ListModels(context.Context) ([]string, error)
	}); ok {
		models, err := lister.ListModels(ctx)
		if err != nil {
			return fmt.Errorf("list models: %w", err)
		}
		for _, model := range models {
			fmt.Fprintln(out, model)
		}
		return nil
	}

	if pc, ok := cfg.Providers[name]; ok && pc.Model != "" {
		fmt.Fprintln(out, pc.Model)
	}
	return nil
}
