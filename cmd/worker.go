package main

import (
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/sells-group/localrank/internal/workflow"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the Temporal worker that executes queued scans",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initScanEnv(ctx, "worker")
		if err != nil {
			return err
		}
		defer env.Close()

		c, err := dialTemporal()
		if err != nil {
			return err
		}
		defer c.Close()

		w := workflow.NewWorker(c, cfg.Temporal.TaskQueue, env.Scanner)
		zap.L().Info("starting temporal worker",
			zap.String("host_port", cfg.Temporal.HostPort),
			zap.String("task_queue", cfg.Temporal.TaskQueue),
		)

		interrupt := make(chan interface{})
		go func() {
			<-ctx.Done()
			close(interrupt)
		}()
		if err := w.Run(interrupt); err != nil {
			return eris.Wrap(err, "worker run")
		}
		return nil
	},
}

func dialTemporal() (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.Temporal.HostPort,
		Namespace: cfg.Temporal.Namespace,
		Logger:    workflow.NewLogger(zap.L()),
	})
	if err != nil {
		return nil, eris.Wrap(err, "dial temporal")
	}
	return c, nil
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
