package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"media-ingest-pipeline/internal/config"
	"media-ingest-pipeline/internal/jobqueue"
	"media-ingest-pipeline/internal/models"
	"media-ingest-pipeline/internal/telemetry"
)

// Handler executes a job for a given kind.
type Handler func(ctx context.Context, job models.Job) error

// Processor drives the worker loop: supervisor duties first (reap expired
// leases, promote deferred jobs), then lease a batch and run handlers.
// Handlers must be idempotent; a lease lost mid-run means the job is handed
// to another worker.
type Processor struct {
	cfg      config.Config
	queue    *jobqueue.Queue
	handlers map[string]Handler
	workerID string
}

// NewProcessor creates a processor leasing as workerID.
func NewProcessor(cfg config.Config, q *jobqueue.Queue, workerID string) *Processor {
	return &Processor{
		cfg:      cfg,
		queue:    q,
		handlers: make(map[string]Handler),
		workerID: workerID,
	}
}

// RegisterHandler binds a handler to a job kind.
func (p *Processor) RegisterHandler(kind string, handler Handler) {
	if kind == "" || handler == nil {
		return
	}
	p.handlers[kind] = handler
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if reaped, err := p.queue.ReapExpired(ctx, time.Now()); err != nil {
			log.Printf("reap expired leases: %v", err)
		} else if reaped > 0 {
			telemetry.LeasesReaped.Add(float64(reaped))
			log.Printf("reaped %d expired leases", reaped)
		}
		if promoted, err := p.queue.PromoteDeferred(ctx); err != nil {
			log.Printf("promote deferred: %v", err)
		} else if promoted > 0 {
			telemetry.DeferredPromoted.Add(float64(promoted))
		}
		if depth, err := p.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		jobs, err := p.queue.Lease(ctx, jobqueue.LeaseFilter{Kinds: p.cfg.WorkerKinds},
			p.cfg.LeaseBatchSize, p.workerID, p.cfg.LeaseTTL)
		if err != nil {
			log.Printf("lease jobs: %v", err)
		}
		if len(jobs) == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.WorkerPollInterval):
			}
			continue
		}

		for _, job := range jobs {
			p.execute(ctx, job)
		}
	}
}

// execute runs one leased job under a heartbeat and settles the lease.
func (p *Processor) execute(ctx context.Context, job models.Job) {
	if job.LeaseID == nil {
		log.Printf("job %s leased without a lease id", job.ID)
		return
	}
	leaseID := *job.LeaseID

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go p.heartbeat(hbCtx, leaseID)

	err := p.runJob(ctx, job)
	stopHeartbeat()

	if err == nil {
		if cerr := p.queue.Complete(ctx, leaseID); cerr != nil {
			log.Printf("complete job %s: %v", job.ID, cerr)
			return
		}
		telemetry.JobsCompleted.Inc()
		return
	}

	log.Printf("job %s (%s) failed: %v", job.ID, job.Kind, err)
	if ferr := p.queue.Fail(ctx, leaseID, err.Error()); ferr != nil {
		// The lease may have expired mid-run and been reaped already.
		log.Printf("fail job %s: %v", job.ID, ferr)
		return
	}
	if updated, gerr := p.queue.Get(ctx, job.ID); gerr == nil && updated.State == models.StateDeadLetter {
		telemetry.JobsDeadLettered.Inc()
	} else {
		telemetry.JobsFailed.Inc()
	}
}

// heartbeat extends the lease at a third of its TTL until stopped.
func (p *Processor) heartbeat(ctx context.Context, leaseID string) {
	interval := p.cfg.LeaseTTL / 3
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.Heartbeat(ctx, leaseID, p.cfg.LeaseTTL); err != nil {
				// Lease gone; the handler's work will be settled by whoever
				// holds the job next.
				return
			}
		}
	}
}

func (p *Processor) runJob(ctx context.Context, job models.Job) error {
	handler, ok := p.handlers[job.Kind]
	if !ok {
		return fmt.Errorf("no handler registered for kind %q", job.Kind)
	}
	return handler(ctx, job)
}
