// Package worker implements the ingestion pipeline execution loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/contentharvest/harvester/internal/harvest"
	"github.com/contentharvest/harvester/internal/progress"
	"github.com/contentharvest/harvester/internal/telemetry"
)

// Config controls Worker behavior.
type Config struct {
	// PhaseConcurrency bounds fan-out within the posts and comments
	// phases. The shared rate limiter still caps total throughput.
	PhaseConcurrency int
	// MaxErrorRate fails the job when the fraction of failed items
	// exceeds it, once ErrorRateMinItems items have been attempted.
	MaxErrorRate      float64
	ErrorRateMinItems int64
	// CommentsPerPost seeds the a-priori comments estimate for jobs
	// without a hint.
	CommentsPerPost int64
	// Topic receives completion events. Empty disables publishing.
	Topic string
}

// Worker consumes queue items and executes the three-phase pipeline.
type Worker struct {
	queue     harvest.Queue
	jobs      harvest.JobStore
	content   harvest.ContentStore
	gateway   harvest.Gateway
	publisher harvest.Publisher
	registry  *Registry
	clock     harvest.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker.
func New(
	queue harvest.Queue,
	jobs harvest.JobStore,
	content harvest.ContentStore,
	gateway harvest.Gateway,
	publisher harvest.Publisher,
	registry *Registry,
	clock harvest.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PhaseConcurrency <= 0 {
		cfg.PhaseConcurrency = 4
	}
	if cfg.MaxErrorRate <= 0 {
		cfg.MaxErrorRate = 0.5
	}
	if cfg.ErrorRateMinItems <= 0 {
		cfg.ErrorRateMinItems = 10
	}
	if cfg.CommentsPerPost <= 0 {
		cfg.CommentsPerPost = progress.DefaultCommentsPerPost
	}
	return &Worker{
		queue:     queue,
		jobs:      jobs,
		content:   content,
		gateway:   gateway,
		publisher: publisher,
		registry:  registry,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run blocks, consuming queue items until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	telemetry.WorkerStarted()
	defer telemetry.WorkerStopped()
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued job", zap.String("job_id", item.JobID))
		w.processJob(ctx, item)
		if err := w.queue.Ack(ctx, item); err != nil {
			w.logger.Error("queue ack failed", zap.String("job_id", item.JobID), zap.Error(err))
		}
	}
}

func (w *Worker) processJob(ctx context.Context, item harvest.QueueItem) {
	job, err := w.jobs.GetJob(ctx, item.JobID)
	if err != nil {
		w.logger.Error("load job failed", zap.String("job_id", item.JobID), zap.Error(err))
		return
	}
	if job.Status != harvest.JobStatusPending {
		// Cancelled while queued, or a redelivered duplicate.
		w.logger.Info("skipping job not in pending state",
			zap.String("job_id", job.ID), zap.String("status", string(job.Status)))
		return
	}
	if err := w.jobs.UpdateJobStatus(ctx, job.ID, harvest.JobStatusProcessing, ""); err != nil {
		w.logger.Error("update job status failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}

	jobCtx, release := w.registry.Register(ctx, job.ID, job.Parameters.Deadline())
	defer release()

	start := w.clock.Now()
	c := newCounters(job.Parameters.CommentsPerPostHint(), w.cfg.CommentsPerPost)
	tr := &tracker{}

	fatalErr := w.runPhases(jobCtx, job, c, tr)

	// Persistence after cancellation uses a detached context: the
	// final status and already-fetched items must land even when the
	// job context is gone.
	finCtx := context.WithoutCancel(ctx)
	w.flush(finCtx, job.ID, c)

	status, errText := w.deriveFinalStatus(jobCtx, fatalErr, tr)

	result, err := w.content.CountByJob(finCtx, job.ID)
	if err != nil {
		w.logger.Error("count job rows failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	result.DurationMs = w.clock.Now().Sub(start).Milliseconds()
	if err := w.jobs.SetJobResult(finCtx, job.ID, result); err != nil {
		w.logger.Error("set job result failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	if err := w.jobs.UpdateJobStatus(finCtx, job.ID, status, errText); err != nil {
		w.logger.Error("final job status update failed", zap.String("job_id", job.ID), zap.Error(err))
	}

	w.publishCompletion(finCtx, job, status, result)
	telemetry.ObserveJobFinished(string(status))
	w.logger.Info("job finished",
		zap.String("job_id", job.ID),
		zap.String("status", string(status)),
		zap.Int64("groups", result.Groups),
		zap.Int64("posts", result.Posts),
		zap.Int64("comments", result.Comments),
		zap.Int64("duration_ms", result.DurationMs),
	)
}

// runPhases executes the phases the job type requires, in order. It
// returns a non-nil error only for failures that abort the whole job;
// per-item failures are recorded on the tracker and the job store.
func (w *Worker) runPhases(ctx context.Context, job harvest.Job, c *counters, tr *tracker) error {
	groups, err := w.phaseGroups(ctx, job, c, tr)
	if err != nil || job.Type == harvest.JobTypeProcessGroups {
		return err
	}

	if job.Type == harvest.JobTypeFetchComments {
		// Seed the comments total so progress reflects pending work
		// before any real post counts exist.
		c.commentsTotal.Store(progress.EstimateTotal(progress.Seed{
			GroupCount:         int64(len(groups)),
			AvgCommentsPerPost: c.estimatedCommentsPerPost,
			Cap:                int64(job.Parameters.CommentCap()),
		}))
		w.flush(ctx, job.ID, c)
	}

	if err := w.phasePosts(ctx, job, groups, c, tr); err != nil || job.Type == harvest.JobTypeAnalyzePosts {
		return err
	}

	return w.phaseComments(ctx, job, c, tr)
}

func (w *Worker) phaseGroups(ctx context.Context, job harvest.Job, c *counters, tr *tracker) ([]harvest.Group, error) {
	if err := w.jobs.UpdateJobPhase(ctx, job.ID, harvest.PhaseGroups); err != nil {
		w.logger.Error("update job phase failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	ids := job.Parameters.Groups()
	c.groupsTotal.Store(int64(len(ids)))
	w.flush(ctx, job.ID, c)

	// A call already in flight when the job is cancelled runs to
	// completion; the per-call HTTP timeout still bounds it.
	groups, err := w.gateway.ListGroups(context.WithoutCancel(ctx), job.OwnerID, ids)
	if err != nil {
		var fatal *harvest.FatalAPIError
		if abortsJob(ctx, err) || errors.As(err, &fatal) {
			// Every later phase hangs off this one listing, so a hard
			// rejection here cannot succeed for any item.
			return nil, fmt.Errorf("groups phase: %w", err)
		}
		// Retries are exhausted; charge every requested id.
		for _, id := range ids {
			tr.fail()
			w.recordItemError(ctx, job.ID, harvest.PhaseGroups, id, err)
		}
		return nil, nil
	}

	now := w.clock.Now()
	for i := range groups {
		groups[i].JobID = job.ID
		groups[i].FetchedAt = now
	}
	if err := w.content.SaveGroups(context.WithoutCancel(ctx), groups); err != nil {
		return nil, fmt.Errorf("save groups: %w", err)
	}
	for range groups {
		tr.ok()
		telemetry.ObserveItemProcessed(string(harvest.PhaseGroups))
	}
	c.groupsProcessed.Store(int64(len(groups)))
	w.flush(ctx, job.ID, c)
	return groups, nil
}

func (w *Worker) phasePosts(ctx context.Context, job harvest.Job, groups []harvest.Group, c *counters, tr *tracker) error {
	if err := w.jobs.UpdateJobPhase(ctx, job.ID, harvest.PhasePosts); err != nil {
		w.logger.Error("update job phase failed", zap.String("job_id", job.ID), zap.Error(err))
	}

	budget := newBudget(job.Parameters.PostCap())

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.PhaseConcurrency)
	for _, group := range groups {
		g.Go(func() error {
			return w.collectPosts(gctx, job, group, budget, c, tr)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("posts phase: %w", err)
	}
	w.flush(ctx, job.ID, c)
	return nil
}

func (w *Worker) collectPosts(ctx context.Context, job harvest.Job, group harvest.Group, budget *budget, c *counters, tr *tracker) error {
	offset := 0
	first := true
	for budget.remaining() {
		if err := ctx.Err(); err != nil {
			return err
		}
		// Cancellation never tears down an in-flight call; the check at
		// the top of the loop stops the next one instead.
		page, err := w.gateway.ListPosts(context.WithoutCancel(ctx), job.OwnerID, group.ID, offset)
		if err != nil {
			if abortsJob(ctx, err) {
				return err
			}
			tr.fail()
			w.recordItemError(ctx, job.ID, harvest.PhasePosts, group.ID, err)
			return nil
		}
		if first {
			c.postsTotal.Add(budget.clampTotal(page.Total))
			first = false
		}

		posts := page.Posts[:budget.take(len(page.Posts))]
		now := w.clock.Now()
		for i := range posts {
			posts[i].JobID = job.ID
			posts[i].FetchedAt = now
		}
		if err := w.content.SavePosts(context.WithoutCancel(ctx), posts); err != nil {
			return fmt.Errorf("save posts: %w", err)
		}
		for range posts {
			tr.ok()
			telemetry.ObserveItemProcessed(string(harvest.PhasePosts))
		}
		c.postsProcessed.Add(int64(len(posts)))
		w.flush(ctx, job.ID, c)

		if page.Done {
			return nil
		}
		offset = page.NextOffset
	}
	return nil
}

func (w *Worker) phaseComments(ctx context.Context, job harvest.Job, c *counters, tr *tracker) error {
	if err := w.jobs.UpdateJobPhase(ctx, job.ID, harvest.PhaseComments); err != nil {
		w.logger.Error("update job phase failed", zap.String("job_id", job.ID), zap.Error(err))
	}

	posts, err := w.content.PostsByJob(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("load posts for comments phase: %w", err)
	}

	// Replace the seeded estimate with the real total now that post
	// comment counts are known.
	var total int64
	for _, p := range posts {
		total += p.CommentsCount
	}
	budget := newBudget(job.Parameters.CommentCap())
	c.commentsTotal.Store(budget.clampTotal(total))
	w.flush(ctx, job.ID, c)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.PhaseConcurrency)
	for _, post := range posts {
		if post.CommentsCount == 0 {
			continue
		}
		g.Go(func() error {
			return w.collectComments(gctx, job, post, budget, c, tr)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("comments phase: %w", err)
	}
	w.flush(ctx, job.ID, c)
	return nil
}

func (w *Worker) collectComments(ctx context.Context, job harvest.Job, post harvest.Post, budget *budget, c *counters, tr *tracker) error {
	offset := 0
	for budget.remaining() {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := w.gateway.ListComments(context.WithoutCancel(ctx), job.OwnerID, post, offset)
		if err != nil {
			if abortsJob(ctx, err) {
				return err
			}
			tr.fail()
			w.recordItemError(ctx, job.ID, harvest.PhaseComments, post.ID, err)
			return nil
		}

		comments := page.Comments[:budget.take(len(page.Comments))]
		now := w.clock.Now()
		for i := range comments {
			comments[i].JobID = job.ID
			comments[i].FetchedAt = now
		}
		if err := w.content.SaveComments(context.WithoutCancel(ctx), comments); err != nil {
			return fmt.Errorf("save comments: %w", err)
		}
		for range comments {
			tr.ok()
			telemetry.ObserveItemProcessed(string(harvest.PhaseComments))
		}
		c.commentsProcessed.Add(int64(len(comments)))
		w.flush(ctx, job.ID, c)

		if page.Done {
			return nil
		}
		offset = page.NextOffset
	}
	return nil
}

func (w *Worker) deriveFinalStatus(jobCtx context.Context, fatalErr error, tr *tracker) (harvest.JobStatus, string) {
	switch {
	case errors.Is(jobCtx.Err(), context.DeadlineExceeded):
		return harvest.JobStatusFailed, "job deadline exceeded"
	case jobCtx.Err() != nil:
		return harvest.JobStatusCancelled, "cancelled before completion"
	case fatalErr != nil:
		return harvest.JobStatusFailed, fatalErr.Error()
	case tr.exceeded(w.cfg.MaxErrorRate, w.cfg.ErrorRateMinItems):
		return harvest.JobStatusFailed, fmt.Sprintf(
			"item error rate %.2f exceeded threshold %.2f", tr.rate(), w.cfg.MaxErrorRate)
	default:
		return harvest.JobStatusCompleted, ""
	}
}

func (w *Worker) publishCompletion(ctx context.Context, job harvest.Job, status harvest.JobStatus, result harvest.Result) {
	if w.publisher == nil || w.cfg.Topic == "" {
		return
	}
	event := harvest.CompletionEvent{
		JobID:      job.ID,
		Type:       job.Type,
		Status:     status,
		Groups:     result.Groups,
		Posts:      result.Posts,
		Comments:   result.Comments,
		DurationMs: result.DurationMs,
		FinishedAt: w.clock.Now(),
	}
	if _, err := w.publisher.Publish(ctx, w.cfg.Topic, event); err != nil {
		w.logger.Error("publish completion failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (w *Worker) flush(ctx context.Context, jobID string, c *counters) {
	if err := w.jobs.UpdateJobMetrics(ctx, jobID, c.snapshot()); err != nil {
		w.logger.Error("update job metrics failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (w *Worker) recordItemError(ctx context.Context, jobID string, phase harvest.Phase, itemID int64, err error) {
	itemErr := harvest.ItemError{
		Phase:   phase,
		ItemID:  itemID,
		Message: err.Error(),
		At:      w.clock.Now(),
	}
	if storeErr := w.jobs.AppendJobError(context.WithoutCancel(ctx), jobID, itemErr); storeErr != nil {
		w.logger.Error("append job error failed", zap.String("job_id", jobID), zap.Error(storeErr))
	}
}

// abortsJob reports whether an error ends the whole job rather than a
// single item. Credential failures that survived renewal cannot succeed
// for any item; context errors mean the job was cancelled or timed out.
// Fatal API rejections stay item-scoped: a post with comments disabled
// must not sink the rest of the job.
func abortsJob(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	var auth *harvest.AuthExpiredError
	return errors.As(err, &auth)
}

// counters accumulates phase metrics with atomics so phase goroutines
// can update them without a lock.
type counters struct {
	groupsTotal              atomic.Int64
	groupsProcessed          atomic.Int64
	postsTotal               atomic.Int64
	postsProcessed           atomic.Int64
	commentsTotal            atomic.Int64
	commentsProcessed        atomic.Int64
	estimatedCommentsPerPost int64
}

func newCounters(hint, fallback int64) *counters {
	est := hint
	if est <= 0 {
		est = fallback
	}
	return &counters{estimatedCommentsPerPost: est}
}

func (c *counters) snapshot() harvest.PhaseMetrics {
	return harvest.PhaseMetrics{
		GroupsTotal:              c.groupsTotal.Load(),
		GroupsProcessed:          c.groupsProcessed.Load(),
		PostsTotal:               c.postsTotal.Load(),
		PostsProcessed:           c.postsProcessed.Load(),
		CommentsTotal:            c.commentsTotal.Load(),
		CommentsProcessed:        c.commentsProcessed.Load(),
		EstimatedCommentsPerPost: c.estimatedCommentsPerPost,
	}
}

// tracker counts item outcomes for the error-rate threshold.
type tracker struct {
	succeeded atomic.Int64
	failed    atomic.Int64
}

func (t *tracker) ok()   { t.succeeded.Add(1) }
func (t *tracker) fail() { t.failed.Add(1) }

func (t *tracker) rate() float64 {
	total := t.succeeded.Load() + t.failed.Load()
	if total == 0 {
		return 0
	}
	return float64(t.failed.Load()) / float64(total)
}

func (t *tracker) exceeded(maxRate float64, minItems int64) bool {
	total := t.succeeded.Load() + t.failed.Load()
	return total >= minItems && t.rate() > maxRate
}

// budget is a shared cap on how many items a phase may still collect.
// A zero cap means unbounded.
type budget struct {
	capped    bool
	left      atomic.Int64
	totalLeft atomic.Int64
}

func newBudget(cap int) *budget {
	b := &budget{capped: cap > 0}
	b.left.Store(int64(cap))
	b.totalLeft.Store(int64(cap))
	return b
}

func (b *budget) remaining() bool {
	return !b.capped || b.left.Load() > 0
}

// take reserves up to n items and returns how many were granted.
func (b *budget) take(n int) int {
	if !b.capped {
		return n
	}
	for {
		left := b.left.Load()
		if left <= 0 {
			return 0
		}
		grant := int64(n)
		if grant > left {
			grant = left
		}
		if b.left.CompareAndSwap(left, left-grant) {
			return int(grant)
		}
	}
}

// clampTotal charges a reported item total against the cap and returns
// the portion that fits. Charging is cumulative across callers, so the
// phase total summed from concurrent groups never exceeds the cap.
func (b *budget) clampTotal(total int64) int64 {
	if !b.capped {
		return total
	}
	for {
		left := b.totalLeft.Load()
		if left <= 0 {
			return 0
		}
		grant := total
		if grant > left {
			grant = left
		}
		if b.totalLeft.CompareAndSwap(left, left-grant) {
			return grant
		}
	}
}
