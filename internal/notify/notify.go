// Package notify posts a scheduled digest of unresolved dead letters to a
// Slack or Discord channel.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/zulandar/switchyard/internal/channel"
	"github.com/zulandar/switchyard/internal/deadletter"
	"github.com/zulandar/switchyard/internal/models"
	"github.com/zulandar/switchyard/internal/store"
	"gorm.io/gorm"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateSchedule reports whether expr is a usable 5-field cron expression.
func ValidateSchedule(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("notify: schedule %q: %w", expr, err)
	}
	return nil
}

// nextCronDuration returns the time from now until expr next fires, or 0
// when expr does not parse.
func nextCronDuration(expr string, now time.Time) time.Duration {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return 0
	}
	d := sched.Next(now).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// QueueCount is the number of unresolved records from one source queue.
type QueueCount struct {
	Queue string
	N     int64
}

// Report summarises pipeline failures at a point in time.
type Report struct {
	At             time.Time
	Unresolved     int64
	ByQueue        []QueueCount
	OldestFailedAt time.Time
	FailedMessages int64
	Recent         []models.DeadLetter
}

// BuildReport queries dead letters and failed messages. recent bounds how
// many of the newest unresolved records are listed.
func BuildReport(ctx context.Context, db *gorm.DB, now time.Time, recent int) (*Report, error) {
	r := &Report{At: now}
	q := db.WithContext(ctx)

	if err := q.Model(&models.DeadLetter{}).
		Select("source_queue AS queue, COUNT(*) AS n").
		Where("status = ?", deadletter.StatusUnresolved).
		Group("source_queue").
		Order("n DESC").
		Scan(&r.ByQueue).Error; err != nil {
		return nil, fmt.Errorf("notify: count dead letters: %w", err)
	}
	for _, qc := range r.ByQueue {
		r.Unresolved += qc.N
	}

	if r.Unresolved > 0 {
		var oldest models.DeadLetter
		if err := q.Where("status = ?", deadletter.StatusUnresolved).Order("failed_at ASC").First(&oldest).Error; err != nil {
			return nil, fmt.Errorf("notify: oldest dead letter: %w", err)
		}
		r.OldestFailedAt = oldest.FailedAt

		if err := q.Where("status = ?", deadletter.StatusUnresolved).Order("id DESC").Limit(recent).Find(&r.Recent).Error; err != nil {
			return nil, fmt.Errorf("notify: recent dead letters: %w", err)
		}
	}

	if err := q.Model(&models.Message{}).Where("status = ?", store.StatusFailed).Count(&r.FailedMessages).Error; err != nil {
		return nil, fmt.Errorf("notify: count failed messages: %w", err)
	}
	return r, nil
}

// Format renders a report as a chat message.
func Format(r *Report) string {
	var lines []string
	lines = append(lines, fmt.Sprintf("*Switchyard dead-letter digest* (%s)", r.At.UTC().Format("Jan 2 15:04 MST")))
	lines = append(lines, fmt.Sprintf("Unresolved: %d", r.Unresolved))
	if !r.OldestFailedAt.IsZero() {
		lines = append(lines, fmt.Sprintf("Oldest: %s ago", formatAge(r.At.Sub(r.OldestFailedAt))))
	}
	if r.FailedMessages > 0 {
		lines = append(lines, fmt.Sprintf("Messages marked failed: %d", r.FailedMessages))
	}
	if len(r.ByQueue) > 0 {
		lines = append(lines, "", "By queue:")
		for _, qc := range r.ByQueue {
			name := qc.Queue
			if name == "" {
				name = "(unknown)"
			}
			lines = append(lines, fmt.Sprintf("  %s: %d", name, qc.N))
		}
	}
	if len(r.Recent) > 0 {
		lines = append(lines, "", "Latest:")
		for _, rec := range r.Recent {
			lines = append(lines, fmt.Sprintf("  #%d %s %s (%s)", rec.ID, rec.SourceQueue, rec.Reason, rec.FailedAt.UTC().Format("Jan 2 15:04")))
		}
	}
	lines = append(lines, "", "Inspect with `sy dlq list`.")
	return strings.Join(lines, "\n")
}

func formatAge(d time.Duration) string {
	switch {
	case d >= 24*time.Hour:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	case d >= time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
}

// Opts holds parameters for creating a Notifier.
type Opts struct {
	DB        *gorm.DB
	Sender    channel.Sender
	ChannelID string
	Schedule  string
	Recent    int // newest records listed, default 5
	Log       zerolog.Logger
}

// Notifier sends the digest on a cron schedule.
type Notifier struct {
	db        *gorm.DB
	sender    channel.Sender
	channelID string
	schedule  string
	recent    int
	log       zerolog.Logger
	now       func() time.Time
}

// New creates a Notifier.
func New(opts Opts) (*Notifier, error) {
	if opts.DB == nil || opts.Sender == nil {
		return nil, errors.New("notify: db and sender are required")
	}
	if opts.ChannelID == "" {
		return nil, errors.New("notify: channel id is required")
	}
	if err := ValidateSchedule(opts.Schedule); err != nil {
		return nil, err
	}
	n := &Notifier{
		db:        opts.DB,
		sender:    opts.Sender,
		channelID: opts.ChannelID,
		schedule:  opts.Schedule,
		recent:    opts.Recent,
		log:       opts.Log,
		now:       time.Now,
	}
	if n.recent <= 0 {
		n.recent = 5
	}
	return n, nil
}

// Run fires the digest on schedule until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) error {
	d := nextCronDuration(n.schedule, n.now())
	if d == 0 {
		return fmt.Errorf("notify: schedule %q never fires", n.schedule)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	n.log.Info().Str("schedule", n.schedule).Time("next", n.now().Add(d)).Msg("digest scheduled")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			if err := n.Fire(ctx); err != nil {
				n.log.Error().Err(err).Msg("digest")
			}
			if d := nextCronDuration(n.schedule, n.now()); d > 0 {
				timer.Reset(d)
			}
		}
	}
}

// Fire builds and sends one digest. Nothing is sent when there are no
// unresolved records.
func (n *Notifier) Fire(ctx context.Context) error {
	report, err := BuildReport(ctx, n.db, n.now(), n.recent)
	if err != nil {
		return err
	}
	if report.Unresolved == 0 {
		n.log.Debug().Msg("no unresolved dead letters, digest suppressed")
		return nil
	}
	if err := n.sender.Send(ctx, n.channelID, Format(report)); err != nil {
		return fmt.Errorf("notify: send digest: %w", err)
	}
	n.log.Info().Int64("unresolved", report.Unresolved).Msg("digest sent")
	return nil
}
