// Package reminders announces stored reminders when they fall due.
package reminders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/cognianchor/cognianchor/pkg/bus"
	"github.com/cognianchor/cognianchor/pkg/config"
	"github.com/cognianchor/cognianchor/pkg/logger"
	"github.com/cognianchor/cognianchor/pkg/store"
	"github.com/cognianchor/cognianchor/pkg/tools"
)

// DefaultMaxLate bounds how overdue a reminder may be and still be
// announced. Older ones are marked as handled without a message, so a
// gateway restart does not flood the patient.
const DefaultMaxLate = 12 * time.Hour

var ErrInvalidSchedule = errors.New("invalid reminder schedule")

type Scheduler struct {
	db      *store.Client
	source  *tools.ReminderSource
	bus     *bus.MessageBus
	expr    string
	channel string
	targets map[string]string
	now     tools.Clock
	loc     *time.Location
	maxLate time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// ScanResult counts what one scan did.
type ScanResult struct {
	Announced int
	Expired   int
	Skipped   int
}

func NewScheduler(db *store.Client, mb *bus.MessageBus, cfg config.RemindersConfig, now tools.Clock, loc *time.Location) (*Scheduler, error) {
	if db == nil || mb == nil {
		return nil, fmt.Errorf("reminders: store and bus are required")
	}
	expr := strings.TrimSpace(cfg.Schedule)
	if expr == "" {
		expr = "* * * * *"
	}
	g := gronx.New()
	if !g.IsValid(expr) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSchedule, expr)
	}
	if now == nil {
		now = time.Now
	}
	if loc == nil {
		loc = time.Local
	}
	channel := strings.TrimSpace(cfg.Channel)
	if channel == "" {
		channel = "discord"
	}
	return &Scheduler{
		db:      db,
		source:  tools.NewReminderSource(db),
		bus:     mb,
		expr:    expr,
		channel: channel,
		targets: cfg.Targets,
		now:     now,
		loc:     loc,
		maxLate: DefaultMaxLate,
	}, nil
}

// Start runs the scan on the cron schedule until Stop or ctx ends.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.run(runCtx, s.done)

	logger.InfoCF("reminders", "Reminder scheduler started", map[string]interface{}{
		"schedule": s.expr,
		"channel":  s.channel,
		"targets":  len(s.targets),
	})
	return nil
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
	logger.InfoC("reminders", "Reminder scheduler stopped")
}

func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		next, err := gronx.NextTickAfter(s.expr, time.Now(), false)
		if err != nil {
			logger.ErrorCF("reminders", "Cannot compute next scan", map[string]interface{}{
				"schedule": s.expr,
				"error":    err.Error(),
			})
			return
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if _, err := s.Scan(ctx); err != nil && ctx.Err() == nil {
			logger.ErrorCF("reminders", "Reminder scan failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
}

// Scan announces every reminder that is due and not yet announced. A
// reminder is marked only after its message was queued, so a pair without
// a target chat keeps its reminders pending.
func (s *Scheduler) Scan(ctx context.Context) (ScanResult, error) {
	var res ScanResult

	all, err := s.source.ForPair(ctx, "")
	if err != nil {
		return res, fmt.Errorf("list reminders: %w", err)
	}

	now := s.now().In(s.loc)
	for _, r := range all {
		if r.NotifiedAt != "" {
			continue
		}
		at, err := r.At(s.loc)
		if err != nil {
			logger.WarnCF("reminders", "Skipping reminder with unreadable time", map[string]interface{}{
				"id":    r.ID,
				"date":  r.Date,
				"time":  r.Time,
				"error": err.Error(),
			})
			res.Skipped++
			continue
		}
		if at.After(now) {
			continue
		}

		if now.Sub(at) > s.maxLate {
			if err := s.markNotified(ctx, r.ID, now); err != nil {
				return res, err
			}
			res.Expired++
			continue
		}

		chatID := strings.TrimSpace(s.targets[r.PairID])
		if chatID == "" {
			logger.DebugCF("reminders", "No chat configured for pair", map[string]interface{}{
				"pair_id": r.PairID,
				"id":      r.ID,
			})
			res.Skipped++
			continue
		}

		if !s.bus.PublishOutbound(bus.OutboundMessage{
			Channel: s.channel,
			ChatID:  chatID,
			Content: FormatReminder(r),
			Kind:    bus.KindReminder,
		}) {
			res.Skipped++
			continue
		}
		if err := s.markNotified(ctx, r.ID, now); err != nil {
			return res, err
		}
		res.Announced++

		logger.InfoCF("reminders", "Reminder announced", map[string]interface{}{
			"id":      r.ID,
			"pair_id": r.PairID,
			"title":   r.Title,
		})
	}
	return res, nil
}

func (s *Scheduler) markNotified(ctx context.Context, id string, now time.Time) error {
	_, err := s.db.From(store.TableReminders).
		Update(store.Record{"notified_at": now.UTC().Format(time.RFC3339)}).
		Eq("id", id).
		Execute(ctx)
	if err != nil {
		return fmt.Errorf("mark reminder %s: %w", id, err)
	}
	return nil
}

// FormatReminder is the patient-facing announcement.
func FormatReminder(r tools.Reminder) string {
	return fmt.Sprintf("⏰ Reminder: %s (%s, %s)", strings.TrimSpace(r.Title), r.Time, r.Date)
}
