package resolver

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"nostr-sync/internal/config"
	"nostr-sync/internal/metrics"
	"nostr-sync/internal/nostr"
	"nostr-sync/internal/subs"
)

// Options for the background resolver
type Options struct {
	Window          time.Duration
	BatchSize       int
	Retries         int
	QueueSize       int
	AbandonedMemory int
	Logger          *slog.Logger
}

// OptionsFromConfig maps the resolver section of the configuration
func OptionsFromConfig(cfg config.Resolver) Options {
	return Options{
		Window:          cfg.Window.D(),
		BatchSize:       cfg.BatchSize,
		Retries:         cfg.Retries,
		QueueSize:       cfg.QueueSize,
		AbandonedMemory: cfg.AbandonedMemory,
	}
}

type report struct {
	ref   nostr.Reference
	owner subs.Owner
}

// Resolver runs the Pending set on its own goroutine. The consumer hands it
// reports, resolutions and completions through a mailbox and collects
// batches with Batches; none of these block.
type Resolver struct {
	opts    Options
	log     *slog.Logger
	pending *Pending
	wake    chan struct{}

	mu        sync.Mutex
	reports   []report
	resolved  []Key
	completed []uint64
	ready     []Batch
	answered  []Resolution
	abandoned []Key
}

// Resolution reports a pending reference that arrived and who asked for it
type Resolution struct {
	Key    Key
	Owners []subs.Owner
}

// New creates a resolver; call Run to start flushing
func New(opts Options) *Resolver {
	if opts.Window <= 0 {
		opts.Window = 300 * time.Millisecond
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Resolver{
		opts:    opts,
		log:     opts.Logger.With("component", "resolver"),
		pending: NewPending(opts.BatchSize, opts.Retries, opts.AbandonedMemory),
		wake:    make(chan struct{}, 1),
	}
}

func (r *Resolver) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Report records that owner needs ref. Reports beyond the queue size are
// dropped until the resolver catches up.
func (r *Resolver) Report(ref nostr.Reference, owner subs.Owner) bool {
	r.mu.Lock()
	if len(r.reports) >= r.opts.QueueSize {
		r.mu.Unlock()
		metrics.ResolverDropped.Inc()
		return false
	}
	r.reports = append(r.reports, report{ref: ref, owner: owner})
	r.mu.Unlock()
	r.signal()
	return true
}

// Resolve tells the resolver an entity arrived
func (r *Resolver) Resolve(kind nostr.RefKind, id string) {
	r.mu.Lock()
	r.resolved = append(r.resolved, Key{Kind: kind, ID: id})
	r.mu.Unlock()
	r.signal()
}

// Complete tells the resolver every peer finished answering batch id
func (r *Resolver) Complete(id uint64) {
	r.mu.Lock()
	r.completed = append(r.completed, id)
	r.mu.Unlock()
	r.signal()
}

// Batches returns the follow-up queries flushed since the last call
func (r *Resolver) Batches() []Batch {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.ready
	r.ready = nil
	return out
}

// Answered returns the pending references resolved since the last call
func (r *Resolver) Answered() []Resolution {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.answered
	r.answered = nil
	return out
}

// Abandoned returns references given up on since the last call
func (r *Resolver) Abandoned() []Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.abandoned
	r.abandoned = nil
	return out
}

// Run applies mailbox commands and flushes on the coalescing window, or
// early once a full batch is waiting. It returns when ctx is done.
func (r *Resolver) Run(ctx context.Context) error {
	timer := time.NewTimer(r.opts.Window)
	timer.Stop()
	armed := false

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-r.wake:
			r.apply()
			if r.pending.Waiting() >= r.pending.batchSize {
				timer.Stop()
				armed = false
				r.flush()
			} else if !armed && r.pending.Waiting() > 0 {
				timer.Reset(r.opts.Window)
				armed = true
			}
		case <-timer.C:
			armed = false
			r.apply()
			r.flush()
		}
	}
}

func (r *Resolver) apply() {
	r.mu.Lock()
	reports, resolved, completed := r.reports, r.resolved, r.completed
	r.reports, r.resolved, r.completed = nil, nil, nil
	r.mu.Unlock()

	// resolutions first so a report racing its own answer is not queried
	var answered []Resolution
	for _, k := range resolved {
		if owners := r.pending.Resolve(k); len(owners) > 0 {
			answered = append(answered, Resolution{Key: k, Owners: owners})
		}
	}
	for _, rep := range reports {
		r.pending.Report(rep.ref, rep.owner)
	}
	var abandoned []Key
	for _, id := range completed {
		abandoned = append(abandoned, r.pending.Complete(id)...)
	}
	for _, k := range abandoned {
		metrics.ResolverAbandoned.Inc()
		r.log.Debug("reference abandoned", "kind", k.Kind.String(), "id", nostr.ShortID(k.ID))
	}
	if len(abandoned) > 0 || len(answered) > 0 {
		r.mu.Lock()
		r.abandoned = append(r.abandoned, abandoned...)
		r.answered = append(r.answered, answered...)
		r.mu.Unlock()
	}
	metrics.ResolverPending.Set(float64(r.pending.Len()))
}

func (r *Resolver) flush() {
	batches := r.pending.Flush()
	if len(batches) == 0 {
		return
	}
	for _, b := range batches {
		metrics.ResolverBatches.WithLabelValues(b.Kind.String()).Inc()
		r.log.Debug("follow-up batch", "batch", b.ID, "kind", b.Kind.String(), "ids", len(b.IDs))
	}
	r.mu.Lock()
	r.ready = append(r.ready, batches...)
	r.mu.Unlock()
}
