// Command outbox-worker drains the outbox outside the API process. Run it with
// OUTBOX_IN_PROCESS=false on the API instances.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os/signal"
	"syscall"

	"ms-fulfillment/internal/config"
	"ms-fulfillment/internal/kafka"
	"ms-fulfillment/internal/logger"
	"ms-fulfillment/internal/models"
	"ms-fulfillment/internal/outbox"
	"ms-fulfillment/internal/payment"

	"github.com/joho/godotenv"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
)

func main() {
	log := logger.NewLogger()
	defer log.Close()

	if err := godotenv.Load(); err != nil {
		log.Warn("CONFIG", ".env file not found, using environment variables")
	}
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	connector := pgdriver.NewConnector(pgdriver.WithDSN(cfg.Database.DSN()))
	sqldb := sql.OpenDB(connector)
	defer sqldb.Close()
	if err := sqldb.PingContext(ctx); err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Failed to connect to Postgres: %v", err))
	}
	sqldb.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	bunDB := bun.NewDB(sqldb, pgdialect.New())

	d := outbox.NewDispatcher(bunDB, log)
	d.BatchSize = cfg.Outbox.BatchSize
	d.MaxAttempts = cfg.Outbox.MaxAttempts
	d.LeaseTimeout = cfg.Outbox.LeaseTimeout
	d.PollInterval = cfg.Outbox.PollInterval

	if !cfg.Kafka.Enabled {
		log.Fatal("CONFIG", "outbox-worker needs KAFKA_ENABLED=true")
	}
	producer := kafka.NewProducer(cfg.Kafka.Brokers, log)
	defer producer.Close()
	d.Register(models.ActionPublishEvent, producer.PublishHandler())

	gateway, err := payment.NewStripeGateway(cfg.Stripe.SecretKey, cfg.Stripe.Currency, log)
	if err != nil {
		log.Fatal("STRIPE", err.Error())
	}
	d.Register(models.ActionIssueRefund, gateway.RefundHandler())

	log.Info("APP", "Outbox worker started")
	d.Run(ctx)
	log.Info("APP", "Outbox worker stopped")
}
