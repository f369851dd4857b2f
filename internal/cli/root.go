// Package cli implements eventlensctl, the operator command line for running
// jobs and subject requests against a configured store.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/gyaneshwarpardhi/eventlens/internal/anomaly"
	"github.com/gyaneshwarpardhi/eventlens/internal/config"
	"github.com/gyaneshwarpardhi/eventlens/internal/engine"
	"github.com/gyaneshwarpardhi/eventlens/internal/logging"
	"github.com/gyaneshwarpardhi/eventlens/internal/store"
)

type app struct {
	cfgPath string
	stdout  io.Writer
	stderr  io.Writer
}

func NewRootCommand() *cobra.Command {
	return NewRootCommandWithIO(os.Stdout, os.Stderr)
}

func NewRootCommandWithIO(out, errOut io.Writer) *cobra.Command {
	a := &app{stdout: out, stderr: errOut}

	cmd := &cobra.Command{
		Use:           "eventlensctl",
		Short:         "Run eventlens jobs and subject requests",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&a.cfgPath, "config", "configs/eventlens.yaml", "path to the YAML config")
	cmd.SetOut(out)
	cmd.SetErr(errOut)

	cmd.AddCommand(
		newValidateCmd(a),
		newRunCmd(a),
		newScanCmd(a),
		newRetentionCmd(a),
		newExportCmd(a),
		newForgetCmd(a),
		newDetectCmd(a),
	)
	return cmd
}

func (a *app) loadConfig() (*config.Config, error) {
	loader, err := config.NewLoader(a.cfgPath)
	if err != nil {
		return nil, err
	}
	cfg := loader.Config()
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// withEngine opens the configured store, builds an engine and runs fn.
func (a *app) withEngine(ctx context.Context, fn func(*engine.Engine) error) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logger := logging.NewWithWriter(a.stderr, level, cfg.Logging.Format)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	eng, err := engine.New(ctx, st, cfg, engine.WithLogger(logger))
	if err != nil {
		return err
	}
	defer eng.Shutdown()
	return fn(eng)
}

func (a *app) printJSON(v interface{}) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newValidateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := a.loadConfig(); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "%s: ok\n", a.cfgPath)
			return nil
		},
	}
}

func newRunCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:       "run <job>",
		Short:     "Run one job now and print its result",
		Args:      cobra.ExactArgs(1),
		ValidArgs: engine.Jobs(),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd.Context(), func(eng *engine.Engine) error {
				res, err := eng.RunJob(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if err := a.printJSON(res); err != nil {
					return err
				}
				if res.Status != "success" {
					return fmt.Errorf("job %s failed: %s", res.Job, res.Error)
				}
				return nil
			})
		},
	}
}

func newScanCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Scan recently active entities for anomalies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withEngine(cmd.Context(), func(eng *engine.Engine) error {
				report, err := eng.ScanAllForAnomalies(cmd.Context())
				if err != nil {
					return err
				}
				return a.printJSON(report)
			})
		},
	}
}

func newRetentionCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retention",
		Short: "Inspect and apply retention policies",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "stats",
			Short: "Count records past each retention horizon",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.withEngine(cmd.Context(), func(eng *engine.Engine) error {
					st, err := eng.Enforcer().Stats(cmd.Context(), eng.Now())
					if err != nil {
						return err
					}
					return a.printJSON(st)
				})
			},
		},
		&cobra.Command{
			Use:   "apply [policy-id]",
			Short: "Execute one policy, or all of them",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withEngine(cmd.Context(), func(eng *engine.Engine) error {
					if len(args) == 0 {
						res, err := eng.RunRetention(cmd.Context())
						if err != nil {
							return err
						}
						return a.printJSON(res)
					}
					n, err := eng.Enforcer().ExecutePolicy(cmd.Context(), args[0], eng.Now())
					if err != nil {
						return err
					}
					return a.printJSON(map[string]int64{args[0]: n})
				})
			},
		},
	)
	return cmd
}

func newExportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "export <actor-id>",
		Short: "Print every event and summary held for an actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd.Context(), func(eng *engine.Engine) error {
				exp, err := eng.Rights().Export(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return a.printJSON(exp)
			})
		},
	}
}

func newForgetCmd(a *app) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "forget <actor-id>",
		Short: "Anonymize an actor's events and user summaries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("forget is irreversible; pass --yes to confirm")
			}
			return a.withEngine(cmd.Context(), func(eng *engine.Engine) error {
				res, err := eng.Rights().Forget(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return a.printJSON(res)
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the anonymization")
	return cmd
}

func newDetectCmd(a *app) *cobra.Command {
	var sigma float64
	cmd := &cobra.Command{
		Use:   "detect <value>...",
		Short: "Print the statistical outliers of a numeric series",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			values := make([]float64, len(args))
			for i, s := range args {
				v, err := strconv.ParseFloat(s, 64)
				if err != nil {
					return fmt.Errorf("value %q: %w", s, err)
				}
				values[i] = v
			}
			return a.printJSON(map[string]interface{}{
				"sigma":    sigma,
				"outliers": anomaly.DetectStatistical(values, sigma),
				"z_scores": anomaly.ZScores(values),
			})
		},
	}
	cmd.Flags().Float64Var(&sigma, "sigma", anomaly.DefaultSigma, "outlier threshold in standard deviations")
	return cmd
}
