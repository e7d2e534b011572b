package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stepwise-graph/stepwise/pkg/job"
)

var validateCmd = &cobra.Command{
	Use:   "validate <job-file.hcl>",
	Short: "Check a job file without running it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		specs, err := job.LoadFile(args[0])
		if err != nil {
			return err
		}
		for _, s := range specs {
			fmt.Printf("job %q ok: compute=%s partitions=%d workers=%d\n",
				s.ID, s.Compute, s.Partitions, s.Workers)
		}
		return nil
	},
}
