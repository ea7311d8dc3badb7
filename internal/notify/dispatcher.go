package notify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"campusattend/internal/attendance"
	"campusattend/internal/metrics"
	"campusattend/internal/store"
	"campusattend/internal/streams"
	"campusattend/internal/whatsapp"
)

var (
	ErrNoAttendanceData   = errors.New("no attendance recorded for date")
	ErrDispatchInProgress = errors.New("absence messages are already being sent")
)

// Summarizer computes the day's absences of one class.
type Summarizer interface {
	Summarize(ctx context.Context, stream string, semester int, date string) (*attendance.DailySummary, error)
}

// Sender delivers one text message.
type Sender interface {
	Send(ctx context.Context, phone, body string) (*whatsapp.Result, error)
}

// Options tune the fan-out.
type Options struct {
	College    string
	BatchSize  int
	BatchDelay time.Duration
	LockTTL    time.Duration
	// ClaimTTL is how long a silent sending claim blocks other runs. Claims are renewed per batch.
	ClaimTTL time.Duration
}

// Outcome is what a dispatch call returns. Cached marks a short-circuit on an earlier log.
type Outcome struct {
	Log    *NotificationLog `json:"log"`
	Cached bool             `json:"cached"`
}

// Dispatcher sends daily absence messages to parents at most once per (date, stream, semester).
type Dispatcher struct {
	registry  *streams.Registry
	summaries Summarizer
	sender    Sender
	logs      *LogRepository
	locker    store.Locker
	opts      Options
	sleep     func(ctx context.Context, d time.Duration) error
	now       func() time.Time
}

// NewDispatcher wires a dispatcher.
func NewDispatcher(registry *streams.Registry, summaries Summarizer, sender Sender, logs *LogRepository, locker store.Locker, opts Options) *Dispatcher {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 5 * time.Minute
	}
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = 15 * time.Minute
	}
	return &Dispatcher{
		registry:  registry,
		summaries: summaries,
		sender:    sender,
		logs:      logs,
		locker:    locker,
		opts:      opts,
		sleep:     sleepCtx,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type target struct {
	index int
	abs   attendance.StudentAbsence
}

// Dispatch sends the day's absence messages. Without force a log with at least one
// sent message is returned as is and nothing is sent.
func (d *Dispatcher) Dispatch(ctx context.Context, stream string, semester int, date string, force bool) (*Outcome, error) {
	date, err := attendance.ParseDate(date)
	if err != nil {
		return nil, err
	}
	desc, err := d.registry.Check(stream, semester)
	if err != nil {
		return nil, err
	}

	if !force {
		if cached, err := d.cached(ctx, date, desc.Name, semester); cached != nil || err != nil {
			return cached, err
		}
	}

	key := "notify:" + desc.Prefix + ":" + strconv.Itoa(semester) + ":" + date
	release, ok, err := d.locker.Acquire(ctx, key, d.opts.LockTTL)
	if err != nil {
		metrics.Dispatches.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("acquire dispatch lock: %w", err)
	}
	if !ok {
		metrics.Dispatches.WithLabelValues("in_progress").Inc()
		return nil, fmt.Errorf("%w: %s semester %d on %s", ErrDispatchInProgress, desc.Name, semester, date)
	}
	defer release()

	// a concurrent dispatch may have finished between the first check and the lock
	if !force {
		if cached, err := d.cached(ctx, date, desc.Name, semester); cached != nil || err != nil {
			return cached, err
		}
	}

	sum, err := d.summaries.Summarize(ctx, desc.Name, semester, date)
	if err != nil {
		return nil, err
	}
	if sum.Sessions == 0 {
		metrics.Dispatches.WithLabelValues("no_data").Inc()
		return nil, fmt.Errorf("%w: %s semester %d on %s", ErrNoAttendanceData, desc.Name, semester, date)
	}

	claimedAt := d.now()
	entry := &NotificationLog{
		ID:              uuid.NewString(),
		Date:            date,
		Stream:          desc.Name,
		Semester:        semester,
		SubjectsCovered: sum.SubjectsCovered,
		Results:         []SendResult{},
		ForceResend:     force,
		ClaimedAt:       claimedAt,
		ClaimToken:      uuid.NewString(),
	}
	// the log row, not the lock, decides who sends
	won, err := d.logs.Claim(ctx, entry, force, d.opts.ClaimTTL)
	if err != nil {
		metrics.Dispatches.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("claim notification log: %w", err)
	}
	if !won {
		if !force {
			if cached, err := d.cached(ctx, date, desc.Name, semester); cached != nil || err != nil {
				return cached, err
			}
		}
		metrics.Dispatches.WithLabelValues("in_progress").Inc()
		return nil, fmt.Errorf("%w: %s semester %d on %s", ErrDispatchInProgress, desc.Name, semester, date)
	}

	var targets []target
	for _, abs := range sum.Students {
		if abs.AbsentCount == 0 {
			continue
		}
		entry.TotalAbsent++
		res := SendResult{
			StudentID:      abs.StudentID,
			Name:           abs.Name,
			Phone:          maskPhone(abs.ParentPhone),
			FullDay:        abs.IsFullDayAbsent,
			AbsentSubjects: abs.AbsentSubjects,
		}
		if abs.ParentPhone == "" {
			res.Status = StatusSkipped
			res.Error = "no parent phone on record"
		}
		entry.Results = append(entry.Results, res)
		if res.Status == "" {
			targets = append(targets, target{index: len(entry.Results) - 1, abs: abs})
		}
	}

	d.send(ctx, sum, targets, entry.Results, func() {
		if err := d.logs.Touch(ctx, entry, d.now()); err != nil {
			log.Printf("[dispatch] renew claim %s sem %d %s: %v", desc.Name, semester, date, err)
		}
	})

	for _, res := range entry.Results {
		switch res.Status {
		case StatusSent:
			entry.MessagesSent++
		case StatusFailed:
			entry.MessagesFailed++
		case StatusSkipped:
			entry.MessagesSkipped++
		}
		metrics.Notifications.WithLabelValues(res.Status).Inc()
	}

	// the log is written even when ctx was cancelled mid fan-out
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := d.logs.Finalize(writeCtx, entry, d.now()); err != nil {
		metrics.Dispatches.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("write notification log: %w", err)
	}
	log.Printf("[dispatch] %s sem %d %s: absent %d, sent %d, failed %d, skipped %d (force=%v)",
		desc.Name, semester, date, entry.TotalAbsent, entry.MessagesSent, entry.MessagesFailed, entry.MessagesSkipped, force)
	metrics.Dispatches.WithLabelValues("sent").Inc()
	return &Outcome{Log: entry}, nil
}

func (d *Dispatcher) cached(ctx context.Context, date, stream string, semester int) (*Outcome, error) {
	prev, err := d.logs.Find(ctx, date, stream, semester)
	if err != nil {
		return nil, err
	}
	if prev != nil && prev.Status != LogSending && prev.MessagesSent > 0 {
		metrics.Dispatches.WithLabelValues("cached").Inc()
		return &Outcome{Log: prev, Cached: true}, nil
	}
	return nil, nil
}

// send fans out in batches, waiting BatchDelay between them. Failures are recorded, never returned.
// renew runs after every batch.
func (d *Dispatcher) send(ctx context.Context, sum *attendance.DailySummary, targets []target, results []SendResult, renew func()) {
	for start := 0; start < len(targets); start += d.opts.BatchSize {
		if start > 0 {
			if err := d.sleep(ctx, d.opts.BatchDelay); err != nil {
				for _, t := range targets[start:] {
					results[t.index].Status = StatusFailed
					results[t.index].Error = err.Error()
				}
				return
			}
		}
		end := min(start+d.opts.BatchSize, len(targets))

		var g errgroup.Group
		for _, t := range targets[start:end] {
			g.Go(func() error {
				results[t.index] = d.sendOne(ctx, sum, t.abs, results[t.index])
				return nil
			})
		}
		_ = g.Wait()
		renew()
	}
}

func (d *Dispatcher) sendOne(ctx context.Context, sum *attendance.DailySummary, abs attendance.StudentAbsence, res SendResult) SendResult {
	body, err := render(message{
		College:   d.opts.College,
		Name:      abs.Name,
		StudentID: abs.StudentID,
		Stream:    sum.Stream,
		Semester:  sum.Semester,
		Date:      sum.Date,
		Subjects:  abs.AbsentSubjects,
	}, abs.IsFullDayAbsent)
	if err != nil {
		res.Status = StatusFailed
		res.Error = err.Error()
		return res
	}
	out, err := d.sender.Send(ctx, abs.ParentPhone, body)
	if err != nil {
		res.Status = StatusFailed
		res.Error = err.Error()
		var apiErr *whatsapp.APIError
		if errors.As(err, &apiErr) {
			res.ErrorCode = apiErr.Code
		}
		log.Printf("[dispatch] send to %s for %s failed: %v", res.Phone, abs.StudentID, err)
		return res
	}
	res.Status = StatusSent
	res.MessageID = out.MessageID
	return res
}

// Logs lists a class's notification logs, optionally for one date.
func (d *Dispatcher) Logs(ctx context.Context, stream string, semester int, date string) ([]NotificationLog, error) {
	desc, err := d.registry.Check(stream, semester)
	if err != nil {
		return nil, err
	}
	if date != "" {
		if date, err = attendance.ParseDate(date); err != nil {
			return nil, err
		}
	}
	return d.logs.List(ctx, desc.Name, semester, date)
}
