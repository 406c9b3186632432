// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/HarshalKudale/modelflux/internal/tui"
	"github.com/HarshalKudale/modelflux/pkg/modeldl"
)

// RootOpts holds global CLI options.
type RootOpts struct {
	JSONOut bool
	Quiet   bool
	Verbose bool
	Config  string
	Catalog string
}

// Execute runs the CLI with the given version string.
func Execute(version string) error {
	ro := &RootOpts{}
	ctx, cancel := signalContext(context.Background())
	defer cancel()

	root := &cobra.Command{
		Use:           "modelflux",
		Short:         "Background download manager for multi-file model artifacts",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}

	// Global flags
	root.PersistentFlags().BoolVar(&ro.JSONOut, "json", false, "Emit machine-readable JSON events")
	root.PersistentFlags().BoolVarP(&ro.Quiet, "quiet", "q", false, "Quiet mode (minimal output)")
	root.PersistentFlags().BoolVarP(&ro.Verbose, "verbose", "v", false, "Verbose output")
	root.PersistentFlags().StringVar(&ro.Config, "config", "", "Path to config file (JSON or YAML)")
	root.PersistentFlags().StringVar(&ro.Catalog, "catalog", "", "Path to model catalog file (JSON or YAML)")

	// Add commands
	downloadCmd := newDownloadCmd(ctx, ro)
	root.AddCommand(downloadCmd)
	root.AddCommand(newResumeCmd(ctx, ro))
	root.AddCommand(newListCmd(ro))
	root.AddCommand(newRemoveCmd(ro))
	root.AddCommand(newImportCmd(ro))
	root.AddCommand(newServeCmd(ro))
	root.AddCommand(newConfigCmd())
	root.AddCommand(newVersionCmd(version))

	// Make download the default command when no subcommand is given
	root.PreRunE = downloadCmd.PreRunE
	root.RunE = func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return cmd.Help()
		}
		return downloadCmd.RunE(cmd, args)
	}
	root.Flags().AddFlagSet(downloadCmd.Flags())
	root.SetHelpCommand(&cobra.Command{Use: "help", Hidden: true})

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return err
	}
	return nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// managerOpts are the settings flags shared by the commands that construct a
// Manager.
type managerOpts struct {
	modelsDir      string
	stateDir       string
	parallel       bool
	progressStep   int
	retries        int
	backoffInitial string
	backoffMax     string
}

func (mo *managerOpts) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&mo.modelsDir, "models-dir", "o", "Models", "Base directory for downloaded model files")
	cmd.Flags().StringVar(&mo.stateDir, "state-dir", "", "Directory for transfer journals and records (default <models-dir>/.modelflux)")
	cmd.Flags().BoolVar(&mo.parallel, "parallel", false, "Download models in parallel instead of a FIFO queue")
	cmd.Flags().IntVar(&mo.progressStep, "progress-step", 1, "Minimum percent change between progress updates (1-5)")
	cmd.Flags().IntVar(&mo.retries, "retries", 4, "Max retry attempts per HTTP request")
	cmd.Flags().StringVar(&mo.backoffInitial, "backoff-initial", "400ms", "Initial retry backoff duration")
	cmd.Flags().StringVar(&mo.backoffMax, "backoff-max", "10s", "Maximum retry backoff duration")
}

func (mo *managerOpts) settings() modeldl.Settings {
	cfg := modeldl.Settings{
		ModelsDir:      mo.modelsDir,
		StateDir:       mo.stateDir,
		Parallel:       mo.parallel,
		ProgressStep:   mo.progressStep,
		Retries:        mo.retries,
		BackoffInitial: mo.backoffInitial,
		BackoffMax:     mo.backoffMax,
	}
	if cfg.StateDir == "" {
		cfg.StateDir = filepath.Join(cfg.ModelsDir, ".modelflux")
	}
	return cfg
}

// buildManager wires the catalog, engine, repository, and manager for a
// command invocation.
func buildManager(ro *RootOpts, cfg modeldl.Settings) (*modeldl.Manager, modeldl.Catalog, error) {
	catalog, err := loadCatalog(ro)
	if err != nil {
		return nil, nil, err
	}

	engine, err := modeldl.NewHTTPEngine(cfg.StateDir, cfg)
	if err != nil {
		return nil, nil, err
	}
	repo, err := modeldl.NewFileRepository(filepath.Join(cfg.StateDir, "records.json"))
	if err != nil {
		return nil, nil, err
	}

	var notifier modeldl.Notifier
	if ro.Verbose {
		notifier = modeldl.LogNotifier{}
	}

	return modeldl.New(cfg, catalog, engine, repo, notifier), catalog, nil
}

// loadCatalog reads the catalog named by --catalog, falling back to the
// config-dir default. A missing default file yields an empty catalog, which
// is fine for list/remove/import.
func loadCatalog(ro *RootOpts) (modeldl.Catalog, error) {
	path := ro.Catalog
	if path == "" {
		home, _ := os.UserHomeDir()
		for _, name := range []string{"modelflux-catalog.yaml", "modelflux-catalog.yml", "modelflux-catalog.json"} {
			p := filepath.Join(home, ".config", name)
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}
	if path == "" {
		return modeldl.NewStaticCatalog(nil), nil
	}
	return modeldl.LoadCatalog(path)
}

func newDownloadCmd(ctx context.Context, ro *RootOpts) *cobra.Command {
	mo := &managerOpts{}

	cmd := &cobra.Command{
		Use:   "download MODEL_ID [MODEL_ID...]",
		Short: "Download one or more models from the catalog",
		Args:  cobra.MinimumNArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return applyConfigDefaults(cmd, ro)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, catalog, err := buildManager(ro, mo.settings())
			if err != nil {
				return err
			}

			events := mgr.Subscribe()
			defer mgr.Unsubscribe(events)

			pending := map[string]bool{}
			for _, id := range args {
				desc, ok := catalog.FindByID(id)
				if !ok {
					return fmt.Errorf("%s: %w", id, modeldl.ErrModelNotFound)
				}
				if err := mgr.StartDownload(desc); err != nil {
					return err
				}
				pending[id] = true
			}

			return watchDownloads(ctx, ro, mgr, events, pending)
		},
	}

	mo.register(cmd)
	return cmd
}

func newResumeCmd(ctx context.Context, ro *RootOpts) *cobra.Command {
	mo := &managerOpts{}

	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Reattach downloads that survived a previous run",
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return applyConfigDefaults(cmd, ro)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, _, err := buildManager(ro, mo.settings())
			if err != nil {
				return err
			}

			events := mgr.Subscribe()
			defer mgr.Unsubscribe(events)

			if err := mgr.ReattachBackgroundDownloads(); err != nil {
				return err
			}

			pending := map[string]bool{}
			for _, id := range mgr.ActiveDownloadIDs() {
				pending[id] = true
			}
			if len(pending) == 0 {
				if !ro.Quiet {
					fmt.Println("Nothing to resume.")
				}
				return nil
			}

			return watchDownloads(ctx, ro, mgr, events, pending)
		},
	}

	mo.register(cmd)
	return cmd
}

// watchDownloads consumes manager events until every pending model reaches a
// terminal state. Ctrl+C cancels whatever is still running.
func watchDownloads(ctx context.Context, ro *RootOpts, mgr *modeldl.Manager, events chan modeldl.Event, pending map[string]bool) error {
	var handle func(modeldl.Event)
	switch {
	case ro.JSONOut:
		handle = jsonProgress(os.Stdout)
	case ro.Quiet:
		handle = quietProgress(os.Stdout)
	default:
		ui := tui.NewRenderer()
		defer ui.Close()
		handle = ui.Handle
	}

	var failed []string
	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			for id := range pending {
				mgr.CancelDownload(id)
			}
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			handle(ev)
			if !pending[ev.ModelID] {
				continue
			}
			switch ev.Type {
			case modeldl.EventCompleted, modeldl.EventCancelled:
				delete(pending, ev.ModelID)
			case modeldl.EventFailed:
				delete(pending, ev.ModelID)
				failed = append(failed, ev.ModelID)
			}
		}
	}

	if len(failed) > 0 {
		return fmt.Errorf("download failed for: %v", failed)
	}
	return nil
}

// quietProgress prints one line per terminal event and nothing else.
func quietProgress(w io.Writer) func(modeldl.Event) {
	return func(ev modeldl.Event) {
		switch ev.Type {
		case modeldl.EventCompleted:
			fmt.Fprintf(w, "done: %s\n", ev.ModelID)
		case modeldl.EventFailed:
			fmt.Fprintf(w, "failed: %s: %s\n", ev.ModelID, ev.Message)
		case modeldl.EventCancelled:
			fmt.Fprintf(w, "cancelled: %s\n", ev.ModelID)
		}
	}
}

// jsonProgress emits one JSON object per event.
func jsonProgress(w io.Writer) func(modeldl.Event) {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	var mu sync.Mutex
	return func(ev modeldl.Event) {
		mu.Lock()
		_ = enc.Encode(ev)
		mu.Unlock()
	}
}
