package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/rosstax/settlement-core/internal/calendar"
	"github.com/rosstax/settlement-core/internal/dispatch"
	"github.com/rosstax/settlement-core/internal/lock"
	"github.com/rosstax/settlement-core/internal/micr"
	"github.com/rosstax/settlement-core/internal/repository/postgres"
	"github.com/rosstax/settlement-core/internal/service"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func releaseHoldsCmd() *cobra.Command {
	var (
		calendarFile string
		brokers      []string
		topic        string
	)

	cmd := &cobra.Command{
		Use:   "release-holds",
		Short: "Run one hold release pass and exit",
		Long: `Release every deposit hold whose funds-available time has passed.

Intents produced by the pass are published to Kafka when brokers are given,
otherwise they are only counted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cal, err := calendar.Load(calendarFile)
			if err != nil {
				return err
			}

			pool, err := postgres.NewPool(ctx, databaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()

			var sinks []dispatch.Sink
			if len(brokers) > 0 {
				writer := dispatch.NewKafkaWriter(brokers, topic)
				defer writer.Close()
				sinks = append(sinks, dispatch.NewKafkaIntentSink(writer))
			}

			locker := lock.NewLocalLocker()
			ledger := service.NewLedgerService(postgres.NewLedgerRepository(pool), locker)
			deposits := service.NewDepositService(postgres.NewDepositRepository(pool), ledger,
				service.NewHoldScheduler(cal), micr.NewLineDecoder(), locker)

			worker := service.NewHoldReleaseWorker(deposits, dispatch.NewDispatcher(log.Logger, sinks...), log.Logger,
				service.DefaultHoldReleaseWorkerConfig())
			summary := worker.RunOnce(ctx)

			cmd.Printf("released=%d cleared=%d failed=%d intents=%d\n",
				summary.Released, summary.Cleared, summary.Failed, len(summary.Intents))
			return context.Cause(ctx)
		},
	}

	cmd.Flags().StringVar(&calendarFile, "calendar", "config/holidays.yaml", "holiday calendar file")
	cmd.Flags().StringSliceVar(&brokers, "kafka-brokers", nil, "Kafka brokers for intent delivery")
	cmd.Flags().StringVar(&topic, "kafka-topic", "settlement.intents", "Kafka topic for intents")
	return cmd
}
