package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/glimte/mmate-relay/internal/config"
	"github.com/glimte/mmate-relay/internal/logging"
	"github.com/glimte/mmate-relay/internal/metrics"
	"github.com/glimte/mmate-relay/internal/rabbitmq"
	"github.com/glimte/mmate-relay/internal/relay"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "mmate-relay:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "mmate-relay",
		Short: "Relay messages between two RabbitMQ queues",
		Long: `mmate-relay consumes JSON messages from an input queue, stamps each with a
fresh UUID and publishes the result to an output queue with publisher confirms.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default ./config.yaml or ./config/config.yaml)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the relay until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), rootCmd.Version)
		},
	}

	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect queues",
	}
	queueDepthCmd := &cobra.Command{
		Use:   "depth [queue-names...]",
		Short: "Print message and consumer counts",
		Long:  "Print message and consumer counts. Without arguments the configured input, output and dead-letter queues are shown.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return queueDepth(cmd, configPath, args)
		},
	}
	queueCmd.AddCommand(queueDepthCmd)

	rootCmd.AddCommand(runCmd, versionCmd, queueCmd)
	return rootCmd
}

func run(parent context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format)
	logger.WithField("config", cfg.String()).Info("starting mmate-relay")

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	cm := rabbitmq.NewConnectionManager(cfg.AMQP.DSN(),
		rabbitmq.WithLogger(logger),
		rabbitmq.WithMaxAttempts(cfg.AMQP.ConnectAttempts),
		rabbitmq.WithRetryDelay(cfg.AMQP.RetryDelay),
		rabbitmq.WithDialer(rabbitmq.DialConfig(cfg.App.Name, cfg.AMQP.Heartbeat)),
	)
	cm.AddStateListener(m)

	r := relay.New(cfg, relay.NewAMQPBroker(cm), m, relay.WithLogger(logger))
	if err := r.Run(ctx); err != nil {
		logger.WithError(err).WithField("fatal", rabbitmq.IsFatal(err)).Error("relay stopped")
		return err
	}

	logger.Info("relay stopped")
	return nil
}

func queueDepth(cmd *cobra.Command, configPath string, names []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		names = []string{cfg.Queues.InputQueue, cfg.Queues.OutputQueue, cfg.Queues.DeadLetterQueue}
	}

	logger := logging.New("warn", cfg.Log.Format)
	cm := rabbitmq.NewConnectionManager(cfg.AMQP.DSN(),
		rabbitmq.WithLogger(logger),
		rabbitmq.WithMaxAttempts(1),
		rabbitmq.WithDialer(rabbitmq.DialConfig(cfg.App.Name+"-cli", cfg.AMQP.Heartbeat)),
	)
	if err := cm.Connect(cmd.Context()); err != nil {
		return err
	}
	defer cm.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-40s %10s %10s\n", "QUEUE", "MESSAGES", "CONSUMERS")
	fmt.Fprintln(out, strings.Repeat("-", 62))

	for _, name := range names {
		// a missing queue closes the channel, so each queue gets its own
		ch, err := cm.Channel()
		if err != nil {
			return err
		}
		info, err := rabbitmq.NewQueueInspector(ch).InspectQueue(name)
		_ = ch.Close()
		if err != nil {
			fmt.Fprintf(out, "%-40s %10s %10s\n", name, "-", "-")
			continue
		}
		fmt.Fprintf(out, "%-40s %10d %10d\n", info.Name, info.Messages, info.Consumers)
	}
	return nil
}
