// Conveyor CLI — запуск ELT pipelines и просмотр jobs.
//
// Использование:
//
//	conveyor [--json] <command> [flags]
//
// Команды:
//
//	plugins      Плагины файла проекта
//	connections  Подключения
//	schedules    Расписания и время ближайшего запуска
//	extract      Запуск extractor
//	load         Extract + load
//	transform    Запуск transformer
//	run          Полный pipeline (или --queue в conveyord)
//	jobs         list, show, logs, cancel
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shaiso/Conveyor/internal/cli"
	"github.com/shaiso/Conveyor/internal/config"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	var jsonOutput bool
	var projectFile string

	// CLI по умолчанию говорит только о проблемах
	if os.Getenv("LOG_LEVEL") == "" {
		os.Setenv("LOG_LEVEL", "WARN")
	}
	logger := telemetry.SetupLoggerTo(os.Stderr)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rootCmd := &cobra.Command{
		Use:           "conveyor",
		Short:         "Conveyor — ELT pipeline runner",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().StringVarP(&projectFile, "project", "p", "", "Project file (default $CONVEYOR_PROJECT or conveyor.yml)")

	var engine *cli.Engine
	engineFn := func() (*cli.Engine, error) {
		if engine != nil {
			return engine, nil
		}
		rt, err := config.LoadRuntime()
		if err != nil {
			return nil, err
		}
		if projectFile != "" {
			rt.ProjectFile = projectFile
		}
		engine, err = cli.OpenEngine(ctx, rt, logger)
		return engine, err
	}
	outputFn := func() *cli.Output { return cli.NewOutput(jsonOutput) }

	rootCmd.AddCommand(
		cli.NewPluginsCmd(engineFn, outputFn),
		cli.NewConnectionsCmd(engineFn, outputFn),
		cli.NewSchedulesCmd(engineFn, outputFn),
		cli.NewExtractCmd(engineFn, outputFn),
		cli.NewLoadCmd(engineFn, outputFn),
		cli.NewTransformCmd(engineFn, outputFn),
		cli.NewRunCmd(engineFn, outputFn),
		cli.NewJobsCmd(engineFn, outputFn),
	)

	err := rootCmd.ExecuteContext(ctx)
	if engine != nil {
		engine.Close()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
