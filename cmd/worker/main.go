// cmd/worker/main.go
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/unclebandit/massmail-backend/internal/config"
	"github.com/unclebandit/massmail-backend/internal/logging"
	"github.com/unclebandit/massmail-backend/internal/queue"
	"github.com/unclebandit/massmail-backend/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	logging.Configure(cfg.LogLevel, cfg.LogPretty)

	q, err := queue.DialAMQP(cfg.AMQPURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to RabbitMQ")
	}
	defer q.Close()

	relay := queue.NewSMTPRelay(cfg.SMTPAddr, cfg.SMTPFrom, cfg.SMTPUser, cfg.SMTPPassword)
	worker := service.NewWorker(q, cfg.AMQPQueue, relay.Handle)
	if err := worker.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to register consumer")
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	delivered, failed := worker.Stats()
	log.Info().Int64("delivered", delivered).Int64("failed", failed).Msg("worker stopped")
}
