package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stepwise-graph/stepwise/pkg/job"
	"github.com/stepwise-graph/stepwise/pkg/partition"
	"github.com/stepwise-graph/stepwise/pkg/telemetry"
	"github.com/stepwise-graph/stepwise/pkg/version"
)

var (
	workerID     string
	workerListen string
)

var workerCmd = &cobra.Command{
	Use:   "worker <job-file.hcl>",
	Short: "Serve as a distributed worker",
	Long:  "Loads the job spec, listens for the master, and runs the\nassigned partitions. All workers and the master must load the\nsame job file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		logger := newLogger()

		shutdown, err := telemetry.Init(ctx, "stepwise-worker", version.Current, viper.GetString("otel-endpoint"))
		if err != nil {
			return err
		}
		defer shutdown(context.Background())

		specs, err := job.LoadFile(args[0])
		if err != nil {
			return err
		}
		if len(specs) != 1 {
			return fmt.Errorf("worker mode needs exactly one job block, got %d", len(specs))
		}

		blobs, err := newBlobStore(ctx)
		if err != nil {
			return err
		}
		w, err := job.NewRemoteWorker(specs[0], partition.WorkerID(workerID), blobs, logger)
		if err != nil {
			return err
		}
		defer w.Transport.Close()

		addr, err := w.Server.Serve(workerListen)
		if err != nil {
			return err
		}
		defer w.Server.Close()
		logger.Info("worker ready", "id", workerID, "addr", addr, "job", specs[0].ID)

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		<-stop
		logger.Info("worker shutting down", "id", workerID)
		return nil
	},
}

func init() {
	workerCmd.Flags().StringVar(&workerID, "id", "w0", "worker id, unique per job")
	workerCmd.Flags().StringVar(&workerListen, "listen", ":7400", "rpc listen address")
}
