// Package main implements eventtail, which follows the mining session event
// stream and logs every transition. It is an operator tool for watching
// sessions across minerd instances.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bardlex/minesync/internal/config"
	"github.com/bardlex/minesync/internal/messaging"
	"github.com/bardlex/minesync/pkg/log"
)

func main() {
	user := flag.String("user", "", "only show events for this user")
	group := flag.String("group", "eventtail", "Kafka consumer group")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if len(cfg.KafkaBrokers) == 0 {
		fmt.Fprintln(os.Stderr, "KAFKA_BROKERS is empty")
		os.Exit(1)
	}

	logger := log.New("eventtail", cfg.Version, cfg.LogLevel, cfg.LogFormat)
	kafkaClient := messaging.NewKafkaClient(cfg.KafkaBrokers, logger)
	defer kafkaClient.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	printer := &eventPrinter{logger: logger.WithComponent("eventtail"), user: *user}
	if err := kafkaClient.StartSessionEventConsumer(ctx, *group, printer); err != nil && ctx.Err() == nil {
		logger.WithError(err).Error("consumer failed")
		os.Exit(1)
	}
}

type eventPrinter struct {
	logger *log.Logger
	user   string
	seen   int
}

func (p *eventPrinter) HandleSessionEvent(_ context.Context, ev messaging.SessionEvent) error {
	if p.user != "" && ev.UserID != p.user {
		return nil
	}
	p.seen++
	p.logger.WithUser(ev.UserID).Info("session event",
		"kind", ev.Kind,
		"balance", ev.Balance,
		"session_accrued", ev.SessionAccrued,
		"credited", ev.Credited,
		"progress", ev.Progress,
		"remaining_seconds", ev.RemainingSeconds,
		"occurred_at", ev.OccurredAt,
	)
	return nil
}
