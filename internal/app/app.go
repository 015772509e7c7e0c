// internal/app/app.go
package app

import (
	"database/sql"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"

	"github.com/unclebandit/massmail-backend/internal/config"
	"github.com/unclebandit/massmail-backend/internal/queue"
	"github.com/unclebandit/massmail-backend/internal/repository"
	"github.com/unclebandit/massmail-backend/internal/service"
)

// App holds the wired services shared by the server and the CLI.
type App struct {
	Jobs       *service.JobService
	Dispatcher *service.Dispatcher
	Mailer     queue.Mailer
	ResetKeys  *repository.ResetKeyRepository

	closers []io.Closer
}

// Build wires repositories, templates, the mailer and the services on top of
// db. The scheduler decides how wake-ups are driven.
func Build(cfg config.Config, db *sql.DB, sched service.WakeupScheduler) (*App, error) {
	jobRepo := &repository.JobRepository{DB: db}
	userRepo := &repository.UserRepository{DB: db}
	resetKeys := &repository.ResetKeyRepository{DB: db, TTL: cfg.ResetKeyTTL}

	templates := &service.TemplateService{Site: cfg.Site, ResetKeys: resetKeys}
	if cfg.ProfileURLTemplate != "" {
		templates.Profiles = service.ProfileURLTemplate(cfg.ProfileURLTemplate)
	}

	a := &App{ResetKeys: resetKeys}
	mailer, err := a.newMailer(cfg)
	if err != nil {
		return nil, err
	}
	a.Mailer = mailer

	a.Dispatcher = &service.Dispatcher{
		JobRepo:   jobRepo,
		Users:     userRepo,
		Templates: templates,
		Mailer:    mailer,
		Scheduler: sched,
		Window:    cfg.ThrottleWindow,
	}
	a.Jobs = &service.JobService{
		JobRepo:      jobRepo,
		Resolver:     userRepo,
		Catalog:      userRepo,
		Users:        userRepo,
		Templates:    templates,
		Scheduler:    sched,
		Handler:      a.Dispatcher.Run,
		TickInterval: cfg.TickInterval,
		PageSize:     cfg.ResolvePageSize,
	}
	return a, nil
}

// newMailer picks the transport named by MAIL_TRANSPORT.
func (a *App) newMailer(cfg config.Config) (queue.Mailer, error) {
	var m queue.Mailer
	switch cfg.MailTransport {
	case "amqp":
		q, err := queue.DialAMQP(cfg.AMQPURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, q)
		m = &queue.QueueMailer{Queue: q, Topic: cfg.AMQPQueue}
	case "memory":
		q := queue.NewInMemoryQueue()
		relay := queue.NewSMTPRelay(cfg.SMTPAddr, cfg.SMTPFrom, cfg.SMTPUser, cfg.SMTPPassword)
		if err := service.NewWorker(q, cfg.AMQPQueue, relay.Handle).Start(); err != nil {
			return nil, err
		}
		m = &queue.QueueMailer{Queue: q, Topic: cfg.AMQPQueue}
	case "log", "":
		m = queue.LogMailer{}
	default:
		return nil, errors.Newf("unknown MAIL_TRANSPORT %q", cfg.MailTransport)
	}

	if cfg.MailMaxPerSecond > 0 {
		m = queue.NewRateLimitedMailer(m, cfg.MailMaxPerSecond)
	}
	log.Info().Str("component", "app").Str("transport", cfg.MailTransport).Float64("max_per_second", cfg.MailMaxPerSecond).Msg("mail transport ready")
	return m, nil
}

func (a *App) Close() error {
	var errs error
	for _, c := range a.closers {
		errs = errors.CombineErrors(errs, c.Close())
	}
	return errs
}
