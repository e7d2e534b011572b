package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stepwise-graph/stepwise/pkg/job"
	"github.com/stepwise-graph/stepwise/pkg/master"
	"github.com/stepwise-graph/stepwise/pkg/telemetry"
	"github.com/stepwise-graph/stepwise/pkg/tui"
	"github.com/stepwise-graph/stepwise/pkg/version"
	"github.com/spf13/viper"
)

var runWatch bool

var runCmd = &cobra.Command{
	Use:   "run <job-file.hcl>",
	Short: "Run a job in-process",
	Long:  "Runs every worker inside this process. Suited for development\nand for graphs that fit one machine. Use master/worker for\ndistributed runs.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		logger := newLogger()

		shutdown, err := telemetry.Init(ctx, "stepwise", version.Current, viper.GetString("otel-endpoint"))
		if err != nil {
			return err
		}
		defer shutdown(context.Background())

		specs, err := job.LoadFile(args[0])
		if err != nil {
			return err
		}

		for _, spec := range specs {
			blobs, err := newBlobStore(ctx)
			if err != nil {
				return err
			}
			local := &job.Local{Spec: spec, Blobs: blobs, Logger: logger}
			if spec.Input != nil {
				if spec.Input.VertexSource != "" {
					f, err := os.Open(spec.Input.VertexSource)
					if err != nil {
						return fmt.Errorf("job %s: %w", spec.ID, err)
					}
					defer f.Close()
					local.VertexInput = f
				}
				if spec.Input.EdgeSource != "" {
					f, err := os.Open(spec.Input.EdgeSource)
					if err != nil {
						return fmt.Errorf("job %s: %w", spec.ID, err)
					}
					defer f.Close()
					local.EdgeInput = f
				}
			}

			if err := local.Start(ctx); err != nil {
				return err
			}

			if runWatch {
				done := make(chan tui.DoneMsg, 1)
				go func() {
					res, err := local.Wait(ctx)
					var mres *master.Result
					if res != nil {
						mres = &res.Result
					}
					done <- tui.DoneMsg{Result: mres, Err: err}
				}()
				if err := tui.Watch(spec.ID, spec.MaxSupersteps, local.Events(), done); err != nil {
					return err
				}
				continue
			}

			res, err := local.Wait(ctx)
			if err != nil {
				return err
			}
			logger.Info("job finished",
				"job", spec.ID,
				"supersteps", res.Supersteps,
				"vertices", len(res.Values),
				"recoveries", res.Recoveries)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().BoolVar(&runWatch, "watch", false, "render live progress")
}
