package cli

import (
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/shaiso/Conveyor/internal/scheduler"
)

// NewPluginsCmd создаёт команду вывода плагинов.
func NewPluginsCmd(engineFn func() (*Engine, error), outputFn func() *Output) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "List installed plugins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := engineFn()
			if err != nil {
				return err
			}
			out := outputFn()

			plugins := engine.Manager.ListPlugins(cmd.Context(), all)

			headers := []string{"NAME", "KIND", "EXECUTABLE", "INSTALLED"}
			rows := make([][]string, len(plugins))
			for i, p := range plugins {
				rows[i] = []string{p.Name, string(p.Kind), p.Invocation.Executable, strconv.FormatBool(p.Installed)}
			}

			out.Print(headers, rows, plugins)
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Include declared plugins whose executable is missing")

	return cmd
}

// NewConnectionsCmd создаёт команду вывода подключений.
func NewConnectionsCmd(engineFn func() (*Engine, error), outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "connections",
		Short: "List connections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := engineFn()
			if err != nil {
				return err
			}
			out := outputFn()

			conns := engine.Manager.ListConnections(cmd.Context())

			headers := []string{"NAME", "DEFAULT", "DESTINATION"}
			rows := make([][]string, len(conns))
			for i, c := range conns {
				rows[i] = []string{c.Name, strconv.FormatBool(c.Default), formatDestination(c.Destination)}
			}

			out.Print(headers, rows, conns)
			return nil
		},
	}
}

// NewSchedulesCmd создаёт команду вывода расписаний файла проекта
// со временем ближайшего запуска.
func NewSchedulesCmd(engineFn func() (*Engine, error), outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "schedules",
		Short: "List schedules declared in the project file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := engineFn()
			if err != nil {
				return err
			}
			out := outputFn()

			schedules := engine.Registry.Schedules(cmd.Context())
			now := time.Now()

			headers := []string{"NAME", "PIPELINE", "CONNECTION", "TRIGGER", "TIMEZONE", "ENABLED", "NEXT_DUE"}
			rows := make([][]string, len(schedules))
			for i := range schedules {
				s := &schedules[i]
				trigger := s.CronExpr
				if !s.IsCron() {
					trigger = "every " + (time.Duration(s.IntervalSec) * time.Second).String()
				}

				nextDue := ""
				if s.Enabled {
					if next, err := scheduler.CalculateNextDue(s, now); err == nil {
						s.NextDueAt = &next
						nextDue = formatTime(next)
					}
				}

				rows[i] = []string{
					s.Name, s.Key().String(), s.Connection, trigger,
					s.Timezone, strconv.FormatBool(s.Enabled), nextDue,
				}
			}

			out.Print(headers, rows, schedules)
			return nil
		},
	}
}
