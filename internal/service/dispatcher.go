package service

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"

	appErrors "github.com/unclebandit/massmail-backend/internal/errors"
	"github.com/unclebandit/massmail-backend/internal/model"
	"github.com/unclebandit/massmail-backend/internal/queue"
	"github.com/unclebandit/massmail-backend/internal/repository"
)

// DefaultThrottleWindow is the span a full batch of sends is spread across.
const DefaultThrottleWindow = 60 * time.Second

// ThrottleDelay is the pause after each send so that batchSize sends take window.
func ThrottleDelay(batchSize int, window time.Duration) time.Duration {
	if batchSize <= 0 {
		return window
	}
	return window / time.Duration(batchSize)
}

// TickReport summarises one dispatcher run.
type TickReport struct {
	Version   int64
	Selected  int
	Sent      int
	Skipped   int
	Failed    int
	Remaining int
	Drained   bool
}

// Dispatcher sends one batch of the current job per tick.
type Dispatcher struct {
	JobRepo   repository.JobRepositoryInterface
	Users     repository.RecipientLookup
	Templates *TemplateService
	Mailer    queue.Mailer
	Scheduler WakeupScheduler

	Window time.Duration
	// Sleep blocks between sends; nil means a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Run is the wake-up handler. Errors are logged, never returned.
func (d *Dispatcher) Run(ctx context.Context) {
	started := time.Now()
	rep, err := d.Tick(ctx)
	if err != nil {
		log.Error().Err(err).Str("component", "dispatcher").Msg("tick failed")
		return
	}
	if rep.Version == 0 {
		return
	}
	log.Info().
		Str("component", "dispatcher").
		Int64("version", rep.Version).
		Int("selected", rep.Selected).
		Int("sent", rep.Sent).
		Int("skipped", rep.Skipped).
		Int("failed", rep.Failed).
		Int("remaining", rep.Remaining).
		Bool("drained", rep.Drained).
		Dur("took", time.Since(started)).
		Msg("tick finished")
}

// Tick loads the job, sends up to batch_size mails and removes the batch from
// the pending set. Every store mutation is scoped to the job version loaded
// at the start, so a job replaced or cancelled mid-tick is left alone.
func (d *Dispatcher) Tick(ctx context.Context) (TickReport, error) {
	var rep TickReport

	job, err := d.JobRepo.Get(ctx)
	if err != nil {
		return rep, err
	}
	if !job.Runnable() {
		return rep, nil
	}
	rep.Version = job.Version

	batch, err := d.JobRepo.NextBatch(ctx, job.Version, job.BatchSize)
	if err != nil {
		return rep, err
	}
	rep.Selected = len(batch)
	if len(batch) == 0 {
		rep.Drained, err = d.finish(ctx, job)
		return rep, err
	}

	delay := ThrottleDelay(job.BatchSize, d.window())
	processed := make([]model.RecipientID, 0, len(batch))
	for _, id := range batch {
		if ctx.Err() != nil {
			break
		}
		sent, err := d.deliver(ctx, job, id)
		if interrupted(ctx, sent, err) {
			// the recipient stays pending for the next tick
			break
		}
		processed = append(processed, id)
		if errors.Is(err, appErrors.ErrRecipientNotFound) {
			rep.Skipped++
			continue
		}
		if err != nil {
			rep.Failed++
			log.Warn().Err(err).Str("component", "dispatcher").Int64("recipient", int64(id)).Msg("delivery failed")
		} else {
			rep.Sent++
		}
		if !sent {
			continue
		}
		if err := d.sleep(ctx, delay); err != nil {
			break
		}
	}

	// Membership in the batch, not send success, decides removal. A fresh
	// context keeps the removal alive when the tick was interrupted.
	cleanupCtx := context.WithoutCancel(ctx)
	if err := d.JobRepo.RemoveRecipients(cleanupCtx, job.Version, processed); err != nil {
		return rep, err
	}
	if rep.Remaining, err = d.JobRepo.CountPending(cleanupCtx, job.Version); err != nil {
		return rep, err
	}
	if rep.Remaining == 0 {
		rep.Drained, err = d.finish(cleanupCtx, job)
	}
	return rep, err
}

// interrupted reports whether cancellation of ctx cut off a delivery before
// the mail reached the transport.
func interrupted(ctx context.Context, sent bool, err error) bool {
	if ctx.Err() == nil {
		return false
	}
	return !sent || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// deliver renders and sends one mail. sent is true once the transport was
// invoked, whether or not it succeeded.
func (d *Dispatcher) deliver(ctx context.Context, job *model.Job, id model.RecipientID) (sent bool, err error) {
	r, err := d.Users.GetRecipient(ctx, id)
	if err != nil {
		return false, err
	}
	subject := d.Templates.RenderSubject(job.Subject, r)
	body, err := d.Templates.RenderBody(ctx, job.Body, r)
	if err != nil {
		return false, err
	}
	if err := d.Mailer.Send(ctx, r.Email, subject, body); err != nil {
		return true, errors.Wrapf(err, "send to %s", r.Email)
	}
	return true, nil
}

// finish deletes the drained job and its wake-up, unless a newer job took
// its place in the meantime.
func (d *Dispatcher) finish(ctx context.Context, job *model.Job) (bool, error) {
	if _, err := transition(job.Status, model.ActionDrain); err != nil {
		return false, err
	}
	version := job.Version
	deleted, err := d.JobRepo.DeleteVersion(ctx, version)
	if err != nil {
		return false, err
	}
	if !deleted {
		log.Info().Str("component", "dispatcher").Int64("version", version).Msg("job superseded during tick, cleanup skipped")
		return false, nil
	}
	d.Scheduler.Deregister(SendHook)
	log.Info().Str("component", "dispatcher").Int64("version", version).Msg("mass email job completed")
	return true, nil
}

func (d *Dispatcher) window() time.Duration {
	if d.Window > 0 {
		return d.Window
	}
	return DefaultThrottleWindow
}

func (d *Dispatcher) sleep(ctx context.Context, dur time.Duration) error {
	if d.Sleep != nil {
		return d.Sleep(ctx, dur)
	}
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
