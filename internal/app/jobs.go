package app

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"campusattend/internal/metrics"
	"campusattend/internal/notify"
	"campusattend/internal/queue"
	"campusattend/internal/streams"
)

// Dispatcher is the part of notify.Dispatcher the job runners need.
type Dispatcher interface {
	Dispatch(ctx context.Context, stream string, semester int, date string, force bool) (*notify.Outcome, error)
}

// ConsumeDispatchJobs runs queued dispatch jobs until ctx is done or the queue closes.
func ConsumeDispatchJobs(ctx context.Context, q queue.Queue, d Dispatcher) error {
	messages, err := q.Consume(ctx)
	if err != nil {
		return err
	}
	for msg := range messages {
		handleMessage(ctx, msg, d)
	}
	return nil
}

func handleMessage(ctx context.Context, msg queue.Message, d Dispatcher) {
	job, err := msg.Dispatch()
	if err != nil {
		log.Printf("[queue] dropping message: %v", err)
		metrics.QueueJobs.WithLabelValues(msg.Type, "invalid").Inc()
		return
	}
	out, err := d.Dispatch(ctx, job.Stream, job.Semester, job.Date, job.Force)
	switch {
	case err != nil:
		log.Printf("[queue] dispatch %s sem %d %s failed: %v", job.Stream, job.Semester, job.Date, err)
		metrics.QueueJobs.WithLabelValues(queue.TypeDispatch, "failed").Inc()
	case out.Cached:
		log.Printf("[queue] dispatch %s sem %d %s already sent", job.Stream, job.Semester, job.Date)
		metrics.QueueJobs.WithLabelValues(queue.TypeDispatch, "cached").Inc()
	default:
		log.Printf("[queue] dispatch %s sem %d %s: sent %d, failed %d",
			job.Stream, job.Semester, job.Date, out.Log.MessagesSent, out.Log.MessagesFailed)
		metrics.QueueJobs.WithLabelValues(queue.TypeDispatch, "done").Inc()
	}
}

// DispatchDay sends the date's absence messages for every stream and semester.
// Classes without attendance that day are skipped. It returns the number of classes dispatched.
func DispatchDay(ctx context.Context, registry *streams.Registry, d Dispatcher, date string) int {
	done := 0
	for _, desc := range registry.All() {
		for _, sem := range desc.Semesters {
			if ctx.Err() != nil {
				return done
			}
			out, err := d.Dispatch(ctx, desc.Name, sem, date, false)
			switch {
			case errors.Is(err, notify.ErrNoAttendanceData):
				continue
			case err != nil:
				log.Printf("[dispatch] scheduled %s sem %d %s: %v", desc.Name, sem, date, err)
			case !out.Cached:
				done++
			}
		}
	}
	return done
}

// Schedule starts a cron running DispatchDay for the current date on expr.
// An empty expr disables the schedule and returns nil.
func Schedule(ctx context.Context, expr string, loc *time.Location, registry *streams.Registry, d Dispatcher) (*cron.Cron, error) {
	if expr == "" {
		return nil, nil
	}
	if loc == nil {
		loc = time.Local
	}
	c := cron.New(cron.WithLocation(loc))
	_, err := c.AddFunc(expr, func() {
		date := time.Now().In(loc).Format("2006-01-02")
		n := DispatchDay(ctx, registry, d, date)
		log.Printf("[dispatch] scheduled run for %s dispatched %d classes", date, n)
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	return c, nil
}
