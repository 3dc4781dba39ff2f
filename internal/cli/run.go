package cli

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/jobs"
	"github.com/shaiso/Conveyor/internal/mq"
)

// NewExtractCmd создаёт команду запуска одного extractor.
func NewExtractCmd(engineFn func() (*Engine, error), outputFn func() *Output) *cobra.Command {
	var follow bool

	cmd := &cobra.Command{
		Use:   "extract EXTRACTOR",
		Short: "Run an extractor on its own",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := engineFn()
			if err != nil {
				return err
			}

			id, err := engine.Manager.RunExtract(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return watchJob(cmd.Context(), engine.Manager, outputFn(), id, follow)
		},
	}

	addFollowFlag(cmd, &follow)

	return cmd
}

// NewLoadCmd создаёт команду extract + load.
func NewLoadCmd(engineFn func() (*Engine, error), outputFn func() *Output) *cobra.Command {
	var extractor, connection string
	var follow bool

	cmd := &cobra.Command{
		Use:   "load LOADER",
		Short: "Run an extractor into a loader",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := engineFn()
			if err != nil {
				return err
			}

			var id uuid.UUID
			if connection == "" {
				id, err = engine.Manager.RunLoad(cmd.Context(), extractor, args[0])
			} else {
				id, err = engine.Manager.SubmitRun(cmd.Context(), jobs.RunRequest{
					Extractor:  extractor,
					Loader:     args[0],
					Connection: connection,
				})
			}
			if err != nil {
				return err
			}
			return watchJob(cmd.Context(), engine.Manager, outputFn(), id, follow)
		},
	}

	cmd.Flags().StringVar(&extractor, "extractor", "", "Extractor feeding the loader")
	cmd.Flags().StringVar(&connection, "connection", "", "Target connection (project default if not specified)")
	cmd.MarkFlagRequired("extractor")
	addFollowFlag(cmd, &follow)

	return cmd
}

// NewTransformCmd создаёт команду запуска transformer.
func NewTransformCmd(engineFn func() (*Engine, error), outputFn func() *Output) *cobra.Command {
	var connection string
	var follow bool

	cmd := &cobra.Command{
		Use:   "transform MODEL",
		Short: "Run a transformer against a connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := engineFn()
			if err != nil {
				return err
			}

			id, err := engine.Manager.RunTransform(cmd.Context(), args[0], connection)
			if err != nil {
				return err
			}
			return watchJob(cmd.Context(), engine.Manager, outputFn(), id, follow)
		},
	}

	cmd.Flags().StringVar(&connection, "connection", "", "Target connection (project default if not specified)")
	addFollowFlag(cmd, &follow)

	return cmd
}

// NewRunCmd создаёт команду запуска полного pipeline.
//
// С --queue запрос не выполняется в этом процессе, а публикуется
// в runs.requested для conveyord.
func NewRunCmd(engineFn func() (*Engine, error), outputFn func() *Output) *cobra.Command {
	var req jobs.RunRequest
	var queue, follow bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a full pipeline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := engineFn()
			if err != nil {
				return err
			}
			out := outputFn()

			if queue {
				pub, err := engine.Publisher(cmd.Context())
				if err != nil {
					return err
				}
				msgID, err := pub.PublishRunRequested(cmd.Context(), mq.RunRequestedPayload{
					Extractor:   req.Extractor,
					Loader:      req.Loader,
					Transformer: req.Transformer,
					Connection:  req.Connection,
				})
				if err != nil {
					return err
				}
				out.Success(fmt.Sprintf("Run request queued: %s", msgID))
				return nil
			}

			id, err := engine.Manager.RunPipeline(cmd.Context(), req)
			if err != nil {
				return err
			}
			return watchJob(cmd.Context(), engine.Manager, out, id, follow)
		},
	}

	cmd.Flags().StringVar(&req.Extractor, "extractor", "", "Extractor plugin")
	cmd.Flags().StringVar(&req.Loader, "loader", "", "Loader plugin")
	cmd.Flags().StringVar(&req.Transformer, "transformer", "", "Transformer run after the load")
	cmd.Flags().StringVar(&req.Connection, "connection", "", "Target connection (project default if not specified)")
	cmd.Flags().BoolVar(&queue, "queue", false, "Publish the request to RabbitMQ instead of running it here")
	cmd.MarkFlagRequired("extractor")
	cmd.MarkFlagRequired("loader")
	addFollowFlag(cmd, &follow)

	return cmd
}

func addFollowFlag(cmd *cobra.Command, follow *bool) {
	cmd.Flags().BoolVarP(follow, "follow", "f", true, "Stream the job log to stderr while it runs")
}

// watchJob ждёт завершения job и выводит его итог.
//
// Отмена ctx (Ctrl-C) отменяет job, после чего команда дожидается
// финального состояния. Ошибка возвращается для любого итога кроме SUCCEEDED.
func watchJob(ctx context.Context, m *jobs.Manager, out *Output, id uuid.UUID, follow bool) error {
	out.Success(fmt.Sprintf("Job submitted: %s", id))

	stop := context.AfterFunc(ctx, func() {
		if err := m.CancelJob(context.Background(), id); err == nil {
			out.Success(fmt.Sprintf("Cancelling job %s", id))
		}
	})
	defer stop()

	if follow {
		lines, err := m.StreamLog(context.Background(), id)
		if err != nil {
			return err
		}
		for line := range lines {
			out.Progress(line)
		}
	}

	job, err := m.Wait(context.Background(), id)
	if err != nil {
		return err
	}

	printJob(out, job)
	if job.State != domain.JobStateSucceeded {
		if job.Error != "" {
			return fmt.Errorf("%w: %s: %s", ErrJobUnsuccessful, job.State, job.Error)
		}
		return fmt.Errorf("%w: %s", ErrJobUnsuccessful, job.State)
	}
	return nil
}
