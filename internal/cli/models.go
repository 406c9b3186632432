// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/HarshalKudale/modelflux/pkg/modeldl"
)

func newListCmd(ro *RootOpts) *cobra.Command {
	mo := &managerOpts{}
	var all bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List downloaded models and active downloads",
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return applyConfigDefaults(cmd, ro)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, catalog, err := buildManager(ro, mo.settings())
			if err != nil {
				return err
			}

			records, err := mgr.DownloadedModels()
			if err != nil {
				return err
			}
			statuses := mgr.Statuses()

			if ro.JSONOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{
					"models":    records,
					"downloads": statuses,
				})
			}

			green := color.New(color.FgGreen).SprintFunc()
			yellow := color.New(color.FgYellow).SprintFunc()
			cyan := color.New(color.FgCyan).SprintFunc()

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "MODEL\tSTATUS\tORIGIN\tSIZE\tDOWNLOADED")
			for _, rec := range records {
				name := rec.Name
				if name == "" {
					name = rec.ModelID
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					name,
					green("downloaded"),
					string(rec.Origin),
					humanize.Bytes(uint64(rec.DownloadedSize)),
					humanize.Time(rec.DownloadedAt),
				)
			}
			for _, st := range statuses {
				state := yellow(fmt.Sprintf("downloading %d%%", st.Percent))
				if st.QueuePosition > 0 {
					state = cyan(fmt.Sprintf("queued #%d", st.QueuePosition))
				}
				fmt.Fprintf(w, "%s\t%s\t\t\t\n", st.ModelID, state)
			}
			w.Flush()

			if all {
				fmt.Println()
				fmt.Println("Catalog:")
				for _, desc := range catalog.ListDescriptors() {
					marker := " "
					for _, rec := range records {
						if rec.ModelID == desc.ID {
							marker = green("✓")
						}
					}
					size := ""
					if desc.SizeEstimate > 0 {
						size = humanize.Bytes(uint64(desc.SizeEstimate))
					}
					fmt.Printf("  %s %s\t%s\n", marker, desc.ID, size)
				}
			}
			return nil
		},
	}

	mo.register(cmd)
	cmd.Flags().BoolVarP(&all, "all", "a", false, "Also list catalog models that are not downloaded")
	return cmd
}

func newRemoveCmd(ro *RootOpts) *cobra.Command {
	mo := &managerOpts{}

	cmd := &cobra.Command{
		Use:   "remove MODEL_ID [MODEL_ID...]",
		Short: "Delete downloaded models",
		Long: `Deletes downloaded models. Managed models lose their files and their
record; imported models lose only the record, the original files stay.`,
		Args: cobra.MinimumNArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return applyConfigDefaults(cmd, ro)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, _, err := buildManager(ro, mo.settings())
			if err != nil {
				return err
			}

			for _, id := range args {
				if err := mgr.DeleteDownloadedModel(id); err != nil {
					return err
				}
				if !ro.Quiet {
					fmt.Printf("removed: %s\n", id)
				}
			}
			return nil
		},
	}

	mo.register(cmd)
	return cmd
}

func newImportCmd(ro *RootOpts) *cobra.Command {
	mo := &managerOpts{}
	var (
		name            string
		provider        string
		modelType       string
		modelPath       string
		tokenizerPath   string
		tokenizerConfig string
		projectorPath   string
	)

	cmd := &cobra.Command{
		Use:   "import --name NAME --model PATH",
		Short: "Register local model files without downloading",
		Long: `Registers model files the user already has on disk. The files stay
where they are; only metadata is recorded.`,
		Args: cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return applyConfigDefaults(cmd, ro)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, _, err := buildManager(ro, mo.settings())
			if err != nil {
				return err
			}

			assetPaths := map[string]string{
				modeldl.AssetModel:           modelPath,
				modeldl.AssetTokenizer:       tokenizerPath,
				modeldl.AssetTokenizerConfig: tokenizerConfig,
				modeldl.AssetProjector:       projectorPath,
			}

			rec, err := mgr.ImportLocalModel(name, provider, modelType, assetPaths)
			if err != nil {
				return err
			}

			if ro.JSONOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(rec)
			}
			fmt.Printf("imported: %s (%s, %s)\n", rec.ModelID, rec.Name,
				humanize.Bytes(uint64(rec.DownloadedSize)))
			return nil
		},
	}

	mo.register(cmd)
	cmd.Flags().StringVarP(&name, "name", "n", "", "Human-readable model name (required)")
	cmd.Flags().StringVar(&provider, "provider", "local", "Model provider or vendor")
	cmd.Flags().StringVar(&modelType, "type", "", "Model type (e.g. llm, embedding)")
	cmd.Flags().StringVarP(&modelPath, "model", "m", "", "Path to the model weights file (required)")
	cmd.Flags().StringVar(&tokenizerPath, "tokenizer", "", "Path to the tokenizer file")
	cmd.Flags().StringVar(&tokenizerConfig, "tokenizer-config", "", "Path to the tokenizer config file")
	cmd.Flags().StringVar(&projectorPath, "mmproj", "", "Path to the multimodal projector file")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("model")
	return cmd
}
