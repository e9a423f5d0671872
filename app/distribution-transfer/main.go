// Command distribution-transfer trains and evaluates chest X-ray
// classifiers that start either from pretrained weights or from the
// per-tensor distribution of those weights, over a range of training-set
// sizes.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/klauspost/cpuid/v2"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tsawler/distribution-transfer/experiment"
	"github.com/tsawler/distribution-transfer/training"
)

var (
	configPath string
	v          *viper.Viper = experiment.NewViper()
)

var rootCmd = &cobra.Command{
	Use:   "distribution-transfer",
	Short: "Pretrained weights versus their weight distribution on chest X-rays",
	Long: `Trains a binary chest X-ray classifier for each training-set size twice:
once from pretrained weights (std) and once from weights redrawn per tensor
from Normal(mean, sigma) (dist), where sigma follows training.sigma_mode:
the tensor mean by default, or its standard deviation with "std". Both use
the one-cycle schedule with gradual unfreezing, and are scored on the test
set with test-time augmentation.`,
	SilenceUsage: true,
}

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train both variants for every sample size",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRunner(cmd, func(ctx context.Context, r *experiment.Runner, logger *logrus.Logger) error {
			_, err := trainAll(ctx, r, logger)
			return err
		})
	},
}

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Evaluate saved checkpoints on the test set and write results",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRunner(cmd, func(ctx context.Context, r *experiment.Runner, logger *logrus.Logger) error {
			_, err := r.Evaluate(ctx)
			return err
		})
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Train, then evaluate",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRunner(cmd, func(ctx context.Context, r *experiment.Runner, logger *logrus.Logger) error {
			if _, err := trainAll(ctx, r, logger); err != nil {
				return err
			}
			_, err := r.Evaluate(ctx)
			return err
		})
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration helpers",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write the effective configuration as YAML",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := experiment.LoadConfig(v, configPath)
		if err != nil {
			return err
		}
		if len(args) == 0 {
			return cfg.WriteYAML(cmd.OutOrStdout())
		}
		if _, err := os.Stat(args[0]); err == nil {
			return fmt.Errorf("%s already exists", args[0])
		}
		f, err := os.Create(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		return cfg.WriteYAML(f)
	},
}

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Print the test metrics of both variants side by side",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := experiment.LoadConfig(v, configPath)
		if err != nil {
			return err
		}

		byVariant := make(map[string]map[int][2]float64)
		var order []string
		aucs := make(map[string][]float64)
		var sizes []int
		complete := true
		for _, variant := range cfg.Variants() {
			res, err := experiment.ReadResults(experiment.ResultPath(cfg, variant.Name))
			if err != nil {
				return err
			}
			m := make(map[int][2]float64)
			for i, n := range res.SampleSizes {
				m[n] = [2]float64{res.Losses[i], res.AUCs[i]}
			}
			byVariant[variant.Name] = m
			order = append(order, variant.Name)
			aucs[variant.Name] = res.AUCs
			if sizes == nil {
				sizes = res.SampleSizes
			}
			if len(res.Failed) > 0 || len(res.SampleSizes) != len(sizes) {
				complete = false
			}
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprint(w, "N")
		for _, name := range order {
			fmt.Fprintf(w, "\t%s loss\t%s AUC", name, name)
		}
		fmt.Fprintln(w)
		for _, n := range cfg.Training.SampleAmounts {
			fmt.Fprintf(w, "%d", n)
			for _, name := range order {
				if m, ok := byVariant[name][n]; ok {
					fmt.Fprintf(w, "\t%.4f\t%.4f", m[0], m[1])
				} else {
					fmt.Fprint(w, "\t-\t-")
				}
			}
			fmt.Fprintln(w)
		}
		if err := w.Flush(); err != nil {
			return err
		}

		plotPath, _ := cmd.Flags().GetString("plot")
		if plotPath == "" {
			return nil
		}
		if !complete {
			return fmt.Errorf("cannot plot incomplete results")
		}
		plot, err := training.SampleSizePlot(fmt.Sprintf("%s test AUC", cfg.Data.Disease), sizes, "AUC", aucs, order)
		if err != nil {
			return err
		}
		return plot.WriteJSON(plotPath)
	},
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Print the one-cycle learning rate and momentum for a sample size",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := experiment.LoadConfig(v, configPath)
		if err != nil {
			return err
		}
		samples, _ := cmd.Flags().GetInt("samples")
		every, _ := cmd.Flags().GetInt("every")
		if samples <= 0 {
			return fmt.Errorf("--samples must be positive")
		}
		if every <= 0 {
			every = 1
		}

		sc := cfg.Schedule()
		sc.BatchesPerEpoch = (samples + cfg.Training.BatchSize - 1) / cfg.Training.BatchSize
		policy, err := training.NewOneCyclePolicy(sc)
		if err != nil {
			return err
		}

		lrs, moms := policy.LearningRates(), policy.Momentums()
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "iter\tlr\tmomentum")
		for i := 0; i < len(lrs); i += every {
			fmt.Fprintf(w, "%d\t%.6g\t%.4f\n", i, lrs[i], moms[i])
		}
		if err := w.Flush(); err != nil {
			return err
		}

		out, _ := cmd.Flags().GetString("out")
		if out == "" {
			return nil
		}
		name := fmt.Sprintf("%s-n%d", strings.ToLower(cfg.Data.Disease), samples)
		return training.SchedulePlot(name, policy).WriteJSON(out)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file (YAML)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("data", "", "Data directory holding the tables and image folder")
	rootCmd.PersistentFlags().String("disease", "", "Finding to classify")
	rootCmd.PersistentFlags().String("save-dir", "", "Checkpoint directory")
	rootCmd.PersistentFlags().String("results-dir", "", "Results directory")
	rootCmd.PersistentFlags().Bool("continue-on-error", false, "Record failed sample sizes and keep going")

	for _, cmd := range []*cobra.Command{trainCmd, runCmd} {
		cmd.Flags().Int("epochs", 0, "Epochs per run (overrides config)")
		cmd.Flags().Float64("max-lr", 0, "Peak learning rate (overrides config)")
		cmd.Flags().Bool("progress", false, "Show per-batch progress bars")
		cmd.Flags().Bool("plots", false, "Write plot JSON files next to the results")
	}
	evaluateCmd.Flags().Bool("plots", false, "Write plot JSON files next to the results")
	evaluateCmd.Flags().Int("tta", 0, "Test-time augmentation passes (overrides config)")
	summaryCmd.Flags().String("plot", "", "Write the AUC by sample size plot to this file")
	scheduleCmd.Flags().Int("samples", 50, "Training-set size")
	scheduleCmd.Flags().Int("every", 1, "Print every n-th iteration")
	scheduleCmd.Flags().String("out", "", "Write the schedule plot to this file")

	v.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	v.BindPFlag("data.path", rootCmd.PersistentFlags().Lookup("data"))
	v.BindPFlag("data.disease", rootCmd.PersistentFlags().Lookup("disease"))
	v.BindPFlag("output.save_dir", rootCmd.PersistentFlags().Lookup("save-dir"))
	v.BindPFlag("output.results_dir", rootCmd.PersistentFlags().Lookup("results-dir"))
	v.BindPFlag("continue_on_error", rootCmd.PersistentFlags().Lookup("continue-on-error"))

	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(trainCmd, evaluateCmd, runCmd, configCmd, summaryCmd, scheduleCmd)
}

// bindCommandFlags binds the flags of the command being run. Train and
// run share flag names, so binding happens per invocation.
func bindCommandFlags(cmd *cobra.Command) {
	bindings := map[string]string{
		"epochs":   "training.epochs",
		"max-lr":   "training.max_lr",
		"progress": "output.progress",
		"plots":    "output.plots",
		"tta":      "training.tta_passes",
	}
	for flag, key := range bindings {
		if f := cmd.Flags().Lookup(flag); f != nil && f.Changed {
			v.BindPFlag(key, f)
		}
	}
}

func withRunner(cmd *cobra.Command, fn func(ctx context.Context, r *experiment.Runner, logger *logrus.Logger) error) error {
	bindCommandFlags(cmd)
	cfg, err := experiment.LoadConfig(v, configPath)
	if err != nil {
		return err
	}
	logger, err := experiment.NewLogger(cfg.LogLevel, os.Stderr)
	if err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"cpu":   cpuid.CPU.BrandName,
		"cores": cpuid.CPU.LogicalCores,
		"avx2":  cpuid.CPU.Supports(cpuid.AVX2),
	}).Debug("Host")
	if used := v.ConfigFileUsed(); used != "" {
		abs, _ := filepath.Abs(used)
		logger.WithField("config", abs).Info("Loaded configuration")
	}

	runner, err := experiment.NewRunner(cfg, logger)
	if err != nil {
		return err
	}
	if cfg.Output.Progress {
		runner.SetProgress(os.Stderr)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return fn(ctx, runner, logger)
}

func trainAll(ctx context.Context, r *experiment.Runner, logger *logrus.Logger) ([]experiment.RunSummary, error) {
	summaries, err := r.Train(ctx)
	failed := 0
	for _, s := range summaries {
		if s.Err != nil {
			failed++
		}
	}
	logger.WithFields(logrus.Fields{"runs": len(summaries), "failed": failed}).Info("Training finished")
	return summaries, err
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
