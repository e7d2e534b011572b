package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stepwise-graph/stepwise/pkg/job"
	"github.com/stepwise-graph/stepwise/pkg/telemetry"
	"github.com/stepwise-graph/stepwise/pkg/version"
)

var masterWorkers []string

var masterCmd = &cobra.Command{
	Use:   "master <job-file.hcl>",
	Short: "Drive a distributed job",
	Long:  "Connects to already-running workers, distributes partitions,\nand runs the barrier loop to completion.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		logger := newLogger()

		shutdown, err := telemetry.Init(ctx, "stepwise-master", version.Current, viper.GetString("otel-endpoint"))
		if err != nil {
			return err
		}
		defer shutdown(context.Background())

		specs, err := job.LoadFile(args[0])
		if err != nil {
			return err
		}
		if len(specs) != 1 {
			return fmt.Errorf("master mode needs exactly one job block, got %d", len(specs))
		}
		if len(masterWorkers) == 0 {
			return fmt.Errorf("at least one --worker endpoint is required")
		}

		blobs, err := newBlobStore(ctx)
		if err != nil {
			return err
		}
		m, err := job.NewMaster(specs[0], masterWorkers, blobs, logger)
		if err != nil {
			return err
		}

		res, err := m.Run(ctx)
		if err != nil {
			return err
		}
		logger.Info("job finished",
			"job", specs[0].ID,
			"supersteps", res.Supersteps,
			"recoveries", res.Recoveries)
		for name, value := range res.Aggregators {
			logger.Info("aggregator", "name", name, "value", value)
		}
		return nil
	},
}

func init() {
	masterCmd.Flags().StringSliceVar(&masterWorkers, "worker", nil, "worker rpc endpoint, repeatable")
}
