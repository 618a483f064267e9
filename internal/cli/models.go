package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/enhance-go/internal/models"
	"github.com/raphaelgruber/enhance-go/internal/reclaim"
)

var unloadAll bool

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List or unload models on the backend",
}

var modelsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List models and whether they are loaded",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		r := newReclaimer()
		defer r.Close()
		if err := r.LoadStrategy(ctx); err != nil {
			logger.Debug("loading strategy unavailable", "error", err)
		}
		r.Refresh(ctx)

		inv := r.Snapshot()
		if !inv.ModelsKnown {
			return errors.New("could not fetch model status")
		}
		printModels(inv)
		return nil
	},
}

var modelsUnloadCmd = &cobra.Command{
	Use:   "unload [model...]",
	Short: "Unload models from GPU memory",
	Long: `Unload the named models, or every model with --all. Models that are in use
by a running job are skipped.

Examples:
  enhance models unload denoise_b
  enhance models unload --all`,
	RunE: runUnload,
}

func init() {
	modelsUnloadCmd.Flags().BoolVar(&unloadAll, "all", false, "unload every model")

	modelsCmd.AddCommand(modelsListCmd)
	modelsCmd.AddCommand(modelsUnloadCmd)
}

func runUnload(cmd *cobra.Command, args []string) error {
	if unloadAll == (len(args) > 0) {
		return errors.New("name the models to unload or pass --all")
	}

	ctx, cancel := signalContext()
	defer cancel()

	r := newReclaimer()
	defer r.Close()
	if err := r.LoadStrategy(ctx); err != nil {
		logger.Debug("loading strategy unavailable", "error", err)
	}
	if inv := r.Snapshot(); inv.StrategyKnown && inv.LoadAllOnStartup {
		fmt.Println(defaultTheme.warningStyle().Render(
			"The server loads all models on startup; unloaded models are reloaded on the next job."))
	}

	var (
		out reclaim.Outcome
		err error
	)
	if unloadAll {
		out, err = r.UnloadModels(ctx, nil)
	} else {
		r.Refresh(ctx)
		if !r.Snapshot().ModelsKnown {
			return errors.New("could not fetch model status")
		}
		for _, name := range args {
			if err := r.Select(name); err != nil {
				return err
			}
		}
		out, err = r.UnloadSelected(ctx)
	}
	if err != nil {
		return err
	}

	printOutcome(out)
	if inv := r.Snapshot(); inv.ModelsKnown {
		fmt.Println()
		printModels(inv)
	}
	if out.Kind == reclaim.OutcomeFailure {
		return errors.New("no models were unloaded")
	}
	return nil
}

func printModels(inv reclaim.Inventory) {
	labels := make(map[string]string)
	for _, task := range models.Tasks() {
		for _, opt := range models.ModelsFor(task) {
			labels[opt.Name] = opt.Label
		}
	}

	fmt.Printf("%-14s %-8s %s\n", "MODEL", "LOADED", "DESCRIPTION")
	fmt.Println("------------------------------------------------")
	for _, m := range inv.Models {
		loaded := "no"
		if m.Loaded {
			loaded = "yes"
		}
		fmt.Printf("%-14s %-8s %s\n", m.Name, loaded, labels[m.Name])
	}

	if inv.StrategyKnown {
		strategy := "on demand"
		if inv.LoadAllOnStartup {
			strategy = "all on startup"
		}
		fmt.Printf("\nLoading strategy: %s\n", strategy)
	}
}
