package main

import (
	"encoding/json"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/use-agent/scrapeflow/catalog"
	"github.com/use-agent/scrapeflow/llm"
)

// NewModelsCmd creates the models command, which prints the sorted model
// catalogue as JSON.
func NewModelsCmd() *cobra.Command {
	var showDefault bool

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the LLM models offered by the provider",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := slog.New(slog.DiscardHandler)

			cat := catalog.New(llm.NewClient(cfg.LLM, nil), cfg.Catalog, cfg.LLM, logger)
			defer cat.Close()

			out := json.NewEncoder(cmd.OutOrStdout())
			out.SetIndent("", "  ")

			if showDefault {
				return out.Encode(map[string]string{"default_model": cat.DefaultModel(cmd.Context())})
			}

			list, err := cat.Models(cmd.Context())
			if err != nil {
				return err
			}
			return out.Encode(list)
		},
	}

	cmd.Flags().BoolVar(&showDefault, "default", false, "print only the model chosen when a request names none")
	return cmd
}
