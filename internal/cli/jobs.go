package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/jobs"
)

// NewJobsCmd создаёт группу команд для просмотра jobs.
//
// Без DB_URL видны только jobs текущего процесса.
func NewJobsCmd(engineFn func() (*Engine, error), outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect jobs",
	}

	cmd.AddCommand(
		newJobsListCmd(engineFn, outputFn),
		newJobsShowCmd(engineFn, outputFn),
		newJobsLogsCmd(engineFn, outputFn),
		newJobsCancelCmd(engineFn, outputFn),
	)

	return cmd
}

func newJobsListCmd(engineFn func() (*Engine, error), outputFn func() *Output) *cobra.Command {
	var state string
	var key domain.PipelineKey
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := engineFn()
			if err != nil {
				return err
			}
			out := outputFn()

			filter := jobs.JobFilter{Limit: limit}
			if state != "" {
				s, ok := domain.ParseJobState(strings.ToUpper(state))
				if !ok {
					return fmt.Errorf("unknown state %q", state)
				}
				filter.State = s
			}
			if !key.IsZero() {
				filter.Key = &key
			}

			var list []domain.Job
			for job, err := range engine.Manager.ListJobs(cmd.Context(), filter) {
				if err != nil {
					return err
				}
				list = append(list, job)
			}

			rows := make([][]string, len(list))
			for i, j := range list {
				rows[i] = jobRow(j)
			}

			out.Print(jobHeaders, rows, list)
			return nil
		},
	}

	cmd.Flags().StringVar(&state, "state", "", "Filter by state (PENDING, EXTRACTING, LOADING, TRANSFORMING, SUCCEEDED, FAILED, CANCELLED)")
	cmd.Flags().StringVar(&key.Extractor, "extractor", "", "Filter by pipeline extractor")
	cmd.Flags().StringVar(&key.Loader, "loader", "", "Filter by pipeline loader")
	cmd.Flags().StringVar(&key.Transformer, "transformer", "", "Filter by pipeline transformer")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of results")

	return cmd
}

func newJobsShowCmd(engineFn func() (*Engine, error), outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show job details and stage results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			engine, err := engineFn()
			if err != nil {
				return err
			}

			job, err := engine.Manager.GetJob(cmd.Context(), id)
			if err != nil {
				return err
			}

			printJob(outputFn(), job)
			return nil
		},
	}
}

func newJobsLogsCmd(engineFn func() (*Engine, error), outputFn func() *Output) *cobra.Command {
	var stage string

	cmd := &cobra.Command{
		Use:   "logs ID",
		Short: "Print captured plugin output of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			engine, err := engineFn()
			if err != nil {
				return err
			}
			out := outputFn()

			lines, err := engine.Manager.StreamLog(cmd.Context(), id)
			if err != nil {
				return err
			}
			for line := range lines {
				if stage != "" && string(line.Stage) != stage {
					continue
				}
				out.LogLine(line)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&stage, "stage", "", "Only lines of this stage (extract, load, transform)")

	return cmd
}

func newJobsCancelCmd(engineFn func() (*Engine, error), outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel a running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			engine, err := engineFn()
			if err != nil {
				return err
			}

			if err := engine.Manager.CancelJob(cmd.Context(), id); err != nil {
				return err
			}

			outputFn().Success(fmt.Sprintf("Job cancellation requested: %s", id))
			return nil
		},
	}
}
