package dispatch

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"wabridge/internal/eventbus"
	"wabridge/internal/protocol"
	"wabridge/internal/session"
	"wabridge/internal/storage"
	"wabridge/pkg/logx"
)

type job struct {
	id         string
	tenant     string
	recipients []string
	bodies     []string
	pacing     time.Duration
	media      *Media
	prefix     string
}

// run executes one batch: strictly sequential resolution with a fixed
// pacing delay between recipients, sends enqueued without being awaited
// per-iteration, everything joined before the final tally.
func (s *Service) run(ctx context.Context, j *job) {
	start := time.Now()
	total := len(j.recipients)
	log := s.log.With(logx.String("job", j.id), logx.String("tenant", j.tenant))
	log.Info("dispatch job started", logx.Int("total", total))

	// Load the shared attachment once. A broken upload degrades the batch
	// to text-only, matching the per-recipient "no content" accounting.
	var media *protocol.Media
	if j.media != nil {
		data, err := os.ReadFile(j.media.Path)
		if err != nil {
			log.Warn("media file unreadable; continuing without attachment",
				logx.String("path", j.media.Path), logx.Err(err))
		} else {
			media = &protocol.Media{
				Data:     data,
				MIMEType: j.media.MIMEType,
				Filename: j.media.Filename,
			}
		}
		// The temp file must outlive every send; it is removed only after
		// the whole batch has settled.
		defer func() {
			if err := os.Remove(j.media.Path); err != nil && !os.IsNotExist(err) {
				log.Warn("temp media cleanup failed",
					logx.String("path", j.media.Path), logx.Err(err))
			}
		}()
	}

	var (
		mu       sync.Mutex
		sent     int
		failures []Failure
		wg       sync.WaitGroup
	)
	fail := func(raw, reason string) {
		mu.Lock()
		failures = append(failures, Failure{Recipient: raw, Reason: reason})
		mu.Unlock()
	}

	for i, raw := range j.recipients {
		body := j.bodies[i]
		seq := i + 1

		number := NormalizeRecipient(raw, j.prefix)

		cli, st := s.sessions.Handle(j.tenant)
		if cli == nil || st != session.StatusReady {
			// Session closed (or died) mid-batch: every remaining recipient
			// is still accounted for, never silently dropped.
			log.Warn("session unavailable mid-batch",
				logx.Int("seq", seq), logx.String("status", string(st)))
			fail(raw, "session "+string(st))
		} else if addr, err := cli.ResolveAddress(ctx, number); err != nil {
			if errors.Is(err, protocol.ErrNotRegistered) {
				log.Warn("recipient not registered",
					logx.Int("seq", seq), logx.String("number", number))
				fail(raw, ReasonNotRegistered)
			} else {
				log.Warn("address lookup failed",
					logx.Int("seq", seq), logx.String("number", number), logx.Err(err))
				fail(raw, err.Error())
			}
		} else if media == nil && body == "" {
			fail(raw, ReasonNoContent)
		} else {
			if lim := s.currentLimiter(); lim != nil {
				if err := lim.Wait(ctx); err != nil {
					fail(raw, "dispatch aborted: "+err.Error())
					continue
				}
			}
			// Enqueue the send without awaiting it; pacing applies to the
			// next lookup, and wg joins everything before the tally.
			wg.Add(1)
			go func(raw, addr, body string) {
				defer wg.Done()
				var err error
				if media != nil {
					err = cli.SendMedia(ctx, addr, *media, body)
				} else {
					err = cli.SendText(ctx, addr, body)
				}
				if err != nil {
					log.Warn("send failed", logx.String("address", addr), logx.Err(err))
					fail(raw, err.Error())
					return
				}
				mu.Lock()
				sent++
				mu.Unlock()
				log.Debug("send delivered", logx.String("address", addr))
			}(raw, addr, body)
		}

		if i < total-1 {
			if err := sleepCtx(ctx, j.pacing); err != nil {
				// Process shutdown mid-batch: account for the rest.
				for _, rest := range j.recipients[i+1:] {
					fail(rest, "dispatch aborted: shutting down")
				}
				break
			}
		}
	}

	// All in-flight sends settle before the tally is computed.
	wg.Wait()

	mu.Lock()
	report := Report{
		JobID:      j.id,
		Tenant:     j.tenant,
		Sent:       sent,
		Failed:     total - sent,
		Total:      total,
		StartedAt:  start,
		FinishedAt: time.Now(),
		Failures:   append([]Failure(nil), failures...),
	}
	mu.Unlock()

	s.finish(ctx, log, report)
}

func (s *Service) currentLimiter() *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limiter
}

func (s *Service) finish(ctx context.Context, log logx.Logger, r Report) {
	fields := []logx.Field{
		logx.Int("sent", r.Sent),
		logx.Int("failed", r.Failed),
		logx.Int("total", r.Total),
		logx.Duration("took", r.FinishedAt.Sub(r.StartedAt)),
	}
	if r.Failed > 0 {
		log.Warn("dispatch job finished with failures", fields...)
		for _, f := range r.Failures {
			log.Warn("dispatch failure",
				logx.String("recipient", f.Recipient), logx.String("reason", f.Reason))
		}
	} else {
		log.Info("dispatch job finished", fields...)
	}

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{
			Type: eventbus.TypeDispatchFinished,
			Data: eventbus.DispatchFinishedData{
				JobID:  r.JobID,
				Tenant: r.Tenant,
				Sent:   r.Sent,
				Failed: r.Failed,
				Total:  r.Total,
				Took:   r.FinishedAt.Sub(r.StartedAt),
			},
		})
	}

	if s.store != nil {
		sr := storage.DispatchReport{
			JobID:      r.JobID,
			Tenant:     r.Tenant,
			Sent:       r.Sent,
			Failed:     r.Failed,
			Total:      r.Total,
			StartedAt:  r.StartedAt,
			FinishedAt: r.FinishedAt,
		}
		for _, f := range r.Failures {
			sr.Failures = append(sr.Failures, storage.DispatchFailure{
				Recipient: f.Recipient, Reason: f.Reason,
			})
		}
		// Persist even when the process is draining.
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.store.AppendReport(sctx, sr); err != nil {
			log.Warn("report persist failed", logx.Err(err))
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
