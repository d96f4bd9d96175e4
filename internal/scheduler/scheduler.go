// Package scheduler drives campaign sequences. On every tick it walks the active
// enrollments of active campaigns and, for each one with a step due, checks the
// send window, the exclusion lists and the rate limit before committing exactly
// one outbound message and advancing the enrollment.
//
// Nothing is scheduled ahead of time. An enrollment that cannot send now is left
// untouched and looked at again on the next tick, so a restart never loses or
// duplicates work.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	appErrors "github.com/unclebandit/outreach-sequencer/internal/errors"
	"github.com/unclebandit/outreach-sequencer/internal/exclusion"
	"github.com/unclebandit/outreach-sequencer/internal/logger"
	"github.com/unclebandit/outreach-sequencer/internal/model"
	"github.com/unclebandit/outreach-sequencer/internal/ratelimit"
	"github.com/unclebandit/outreach-sequencer/internal/sendwindow"
	"github.com/unclebandit/outreach-sequencer/internal/sequence"
)

type CampaignStore interface {
	ListActive(ctx context.Context) ([]*model.Campaign, error)
	CompleteFinished(ctx context.Context, ids []string) ([]string, error)
}

type EnrollmentStore interface {
	ListActiveDetails(ctx context.Context, campaignIDs []string) ([]*model.EnrollmentDetail, error)
	StopIfAtStep(ctx context.Context, id string, step int, reason model.StopReason, at time.Time) (bool, error)
	FlagForReview(ctx context.Context, id, note string) error
}

type ExclusionStore interface {
	LoadLists(ctx context.Context) (*exclusion.Lists, error)
}

// OutboundStore commits a queue item together with the enrollment advance.
type OutboundStore interface {
	CommitStep(ctx context.Context, msg *model.OutboundMessage, advanced *model.Enrollment, fromStep int) error
}

type Renderer interface {
	RenderStep(step model.EmailStep, d *model.EnrollmentDetail) (subject, body string, err error)
}

// Publisher notifies delivery workers. queue.Queue satisfies it.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

const (
	DefaultWorkers          = 1
	DefaultStoreTimeout     = 5 * time.Second
	DefaultFailureThreshold = 5
)

// Scheduler is safe to Tick from one goroutine at a time. Several scheduler
// processes may run against the same database; the commit guard and the shared
// rate limiter keep them from double sending.
type Scheduler struct {
	Campaigns   CampaignStore
	Enrollments EnrollmentStore
	Exclusions  ExclusionStore
	Outbound    OutboundStore
	Limiter     ratelimit.Limiter
	Renderer    Renderer

	// Publisher is optional. Without it delivery workers find items by polling.
	Publisher Publisher
	SendTopic string

	Interval         time.Duration
	Workers          int
	StoreTimeout     time.Duration
	FailureThreshold int

	Logger *zap.Logger
	Now    func() time.Time

	mu       sync.Mutex
	failures map[string]int
}

// TickResult counts what happened to each enrollment looked at in one tick.
type TickResult struct {
	Campaigns   int
	Considered  int
	Enqueued    int
	NotDue      int
	Deferred    int
	RateLimited int
	Stopped     int
	Superseded  int
	Failed      int
	Defects     int
	Held        int
	Completed   int
}

type outcome int

const (
	outcomeCancelled outcome = iota
	outcomeNotDue
	outcomeDeferred
	outcomeRateLimited
	outcomeStopped
	outcomeSuperseded
	outcomeEnqueued
	outcomeFailed
	outcomeDefect
	outcomeHeld
)

func (r *TickResult) add(o outcome) {
	if o == outcomeCancelled {
		return
	}
	r.Considered++
	switch o {
	case outcomeNotDue:
		r.NotDue++
	case outcomeDeferred:
		r.Deferred++
	case outcomeRateLimited:
		r.RateLimited++
	case outcomeStopped:
		r.Stopped++
	case outcomeSuperseded:
		r.Superseded++
	case outcomeEnqueued:
		r.Enqueued++
	case outcomeFailed:
		r.Failed++
	case outcomeDefect:
		r.Defects++
	case outcomeHeld:
		r.Held++
	}
}

// plan is a campaign as read at the top of the tick, with its parsed window.
type plan struct {
	campaign  *model.Campaign
	window    *sendwindow.Window
	windowErr error
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Scheduler) log() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func (s *Scheduler) workers() int {
	if s.Workers < 1 {
		return DefaultWorkers
	}
	return s.Workers
}

func (s *Scheduler) threshold() int {
	if s.FailureThreshold < 1 {
		return DefaultFailureThreshold
	}
	return s.FailureThreshold
}

func (s *Scheduler) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := s.StoreTimeout
	if timeout <= 0 {
		timeout = DefaultStoreTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

// Run ticks immediately and then every Interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	s.log().Info("scheduler started",
		zap.Duration("interval", s.Interval),
		zap.Int("workers", s.workers()))

	s.tickAndLog(ctx)

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log().Info("scheduler stopped")
			return
		case <-ticker.C:
			s.tickAndLog(ctx)
		}
	}
}

func (s *Scheduler) tickAndLog(ctx context.Context) {
	start := time.Now()
	res, err := s.Tick(ctx)
	fields := []zap.Field{
		zap.Duration("took", time.Since(start)),
		zap.Int("campaigns", res.Campaigns),
		zap.Int("considered", res.Considered),
		zap.Int("enqueued", res.Enqueued),
		zap.Int("deferred", res.Deferred),
		zap.Int("rate_limited", res.RateLimited),
		zap.Int("stopped", res.Stopped),
		zap.Int("superseded", res.Superseded),
		zap.Int("failed", res.Failed),
		zap.Int("defects", res.Defects),
		zap.Int("completed", res.Completed),
	}
	switch {
	case err != nil && ctx.Err() != nil:
		s.log().Info("tick interrupted by shutdown", fields...)
	case err != nil:
		s.log().Error("tick failed", append(fields, zap.Error(err))...)
	case res.Considered > 0:
		s.log().Info("tick complete", fields...)
	default:
		s.log().Debug("tick complete", fields...)
	}
}

// Tick runs one pass over every active enrollment of every active campaign.
// Errors reading the batch fail the whole tick; errors on one enrollment are
// counted in the result and never stop the others.
func (s *Scheduler) Tick(ctx context.Context) (TickResult, error) {
	var res TickResult
	if err := ctx.Err(); err != nil {
		return res, err
	}

	campaigns, err := s.listActive(ctx)
	if err != nil {
		return res, fmt.Errorf("list active campaigns: %w", err)
	}
	res.Campaigns = len(campaigns)
	if len(campaigns) == 0 {
		return res, nil
	}

	lists, err := s.loadLists(ctx)
	if err != nil {
		return res, fmt.Errorf("load exclusion lists: %w", err)
	}

	plans := make(map[string]*plan, len(campaigns))
	ids := make([]string, 0, len(campaigns))
	for _, c := range campaigns {
		p := &plan{campaign: c}
		p.window, p.windowErr = sendwindow.ForCampaign(c)
		plans[c.ID] = p
		ids = append(ids, c.ID)
	}

	details, err := s.listDetails(ctx, ids)
	if err != nil {
		return res, fmt.Errorf("list active enrollments: %w", err)
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.workers())
	for _, d := range details {
		if ctx.Err() != nil {
			break
		}
		p, ok := plans[d.CampaignID]
		if !ok {
			continue
		}
		g.Go(func() error {
			o := s.process(ctx, p, d, lists)
			mu.Lock()
			res.add(o)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return res, err
	}

	cctx, cancel := s.storeCtx(ctx)
	defer cancel()
	done, err := s.Campaigns.CompleteFinished(cctx, ids)
	if err != nil {
		s.log().Warn("failed to complete finished campaigns", zap.Error(err))
	}
	for _, id := range done {
		s.log().Info("campaign completed", zap.String("campaign_id", id))
	}
	res.Completed = len(done)
	return res, nil
}

func (s *Scheduler) listActive(ctx context.Context) ([]*model.Campaign, error) {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	return s.Campaigns.ListActive(ctx)
}

func (s *Scheduler) loadLists(ctx context.Context) (*exclusion.Lists, error) {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	return s.Exclusions.LoadLists(ctx)
}

func (s *Scheduler) listDetails(ctx context.Context, ids []string) ([]*model.EnrollmentDetail, error) {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	return s.Enrollments.ListActiveDetails(ctx, ids)
}

// process takes one enrollment through due step, window, exclusion, rate limit
// and commit. It only writes when it stops or advances the enrollment.
func (s *Scheduler) process(ctx context.Context, p *plan, d *model.EnrollmentDetail, lists *exclusion.Lists) outcome {
	if ctx.Err() != nil {
		return outcomeCancelled
	}
	if d.NeedsReview {
		return outcomeHeld
	}
	c := p.campaign
	now := s.now()

	step, due, err := sequence.DueStep(&d.Enrollment, c, now)
	if err != nil {
		return s.defect(ctx, d, err)
	}
	if !due {
		s.succeeded(d.ID)
		return outcomeNotDue
	}

	if p.windowErr != nil {
		return s.defect(ctx, d, appErrors.NewInvariantError(d.ID, "campaign %s send window: %v", c.ID, p.windowErr))
	}
	if next := p.window.NextEligibleSend(now); next.After(now) {
		s.succeeded(d.ID)
		return outcomeDeferred
	}

	if o, stopped := s.checkExclusion(ctx, d, lists, now); stopped {
		return o
	}

	if d.Contact.Email == "" {
		return s.defect(ctx, d, appErrors.NewInvariantError(d.ID, "contact %s has no email address", d.ContactID))
	}
	stepDef, _ := c.Step(step)
	subject, body, err := s.Renderer.RenderStep(stepDef, d)
	if err != nil {
		return s.defect(ctx, d, appErrors.NewInvariantError(d.ID, "render: %v", err))
	}
	advanced := d.Enrollment.Clone()
	if err := sequence.Advance(advanced, c, step, now); err != nil {
		return s.defect(ctx, d, err)
	}

	group := c.Group()
	rctx, cancel := s.storeCtx(ctx)
	reservation, err := s.Limiter.TryReserve(rctx, group, now)
	cancel()
	if err != nil {
		return s.failed(ctx, d, "reserve send slot", err)
	}
	if !reservation.Allowed {
		s.succeeded(d.ID)
		return outcomeRateLimited
	}

	msg := &model.OutboundMessage{
		EnrollmentID: d.ID,
		CampaignID:   c.ID,
		Step:         step,
		ToEmail:      d.Contact.Email,
		ToName:       d.Contact.FullName(),
		FromEmail:    c.FromEmail,
		FromName:     c.FromName,
		Subject:      subject,
		Body:         body,
		ScheduledFor: now,
	}
	cctx, cancel := s.storeCtx(ctx)
	err = s.Outbound.CommitStep(cctx, msg, advanced, d.CurrentStep)
	cancel()
	switch {
	case errors.Is(err, appErrors.ErrDuplicateStep), errors.Is(err, appErrors.ErrStaleEnrollment):
		s.release(ctx, group, now)
		s.succeeded(d.ID)
		s.log().Info("step superseded",
			zap.String("enrollment_id", d.ID), zap.Int("step", step), zap.Error(err))
		return outcomeSuperseded
	case err != nil:
		// The commit may have landed before the error surfaced, so the slot is kept.
		return s.failed(ctx, d, "commit step", err)
	}

	s.succeeded(d.ID)
	s.log().Info("step enqueued",
		zap.String("campaign_id", c.ID),
		zap.String("enrollment_id", d.ID),
		zap.String("message_id", msg.ID),
		zap.Int("step", step),
		zap.Int("hourly_remaining", reservation.HourlyRemaining),
		logger.Email("to", msg.ToEmail))
	s.publish(ctx, msg)
	return outcomeEnqueued
}

// checkExclusion stops the enrollment when its contact, phone, domain or company
// is excluded. stopped is true whenever processing must end here.
func (s *Scheduler) checkExclusion(ctx context.Context, d *model.EnrollmentDetail, lists *exclusion.Lists, now time.Time) (outcome, bool) {
	res := lists.IsExcluded(d.Contact.Email, d.Contact.Phone, d.Domain())
	if !res.Excluded && d.Company != nil && d.Company.DoNotContact {
		res = exclusion.Result{Excluded: true, Reason: model.ExclusionDNC, Match: exclusion.MatchDomain, Source: exclusion.SourceCompanyFlag}
	}
	if !res.Excluded {
		return 0, false
	}

	reason := res.StopReason()
	if err := sequence.Stop(d.Enrollment.Clone(), reason, now); err != nil {
		return s.defect(ctx, d, err), true
	}
	sctx, cancel := s.storeCtx(ctx)
	stopped, err := s.Enrollments.StopIfAtStep(sctx, d.ID, d.CurrentStep, reason, now)
	cancel()
	if err != nil {
		return s.failed(ctx, d, "stop excluded enrollment", err), true
	}
	s.succeeded(d.ID)
	if !stopped {
		return outcomeSuperseded, true
	}
	s.log().Info("enrollment stopped by exclusion",
		zap.String("enrollment_id", d.ID),
		zap.String("reason", string(reason)),
		zap.String("match", string(res.Match)),
		logger.Email("email", d.Contact.Email))
	return outcomeStopped, true
}

func (s *Scheduler) release(ctx context.Context, group string, now time.Time) {
	rctx, cancel := s.storeCtx(context.WithoutCancel(ctx))
	defer cancel()
	if err := s.Limiter.Release(rctx, group, now); err != nil {
		s.log().Warn("failed to release send slot", zap.String("group", group), zap.Error(err))
	}
}

func (s *Scheduler) publish(ctx context.Context, msg *model.OutboundMessage) {
	if s.Publisher == nil {
		return
	}
	if err := s.Publisher.Publish(ctx, s.SendTopic, model.SendJob{OutboundMessageID: msg.ID}); err != nil {
		s.log().Warn("failed to notify delivery worker; the pending sweep will pick it up",
			zap.String("message_id", msg.ID), zap.Error(err))
	}
}

// defect flags an enrollment whose data can never be processed as is.
func (s *Scheduler) defect(ctx context.Context, d *model.EnrollmentDetail, err error) outcome {
	s.succeeded(d.ID)
	s.log().Error("enrollment flagged for review",
		zap.String("campaign_id", d.CampaignID),
		zap.String("enrollment_id", d.ID),
		zap.Error(err))
	s.flag(ctx, d.ID, err.Error())
	return outcomeDefect
}

// failed counts a transient error. After FailureThreshold consecutive failures
// the enrollment is flagged; it stays active and is retried once cleared.
func (s *Scheduler) failed(ctx context.Context, d *model.EnrollmentDetail, op string, err error) outcome {
	if ctx.Err() != nil {
		return outcomeCancelled
	}
	s.mu.Lock()
	if s.failures == nil {
		s.failures = make(map[string]int)
	}
	s.failures[d.ID]++
	n := s.failures[d.ID]
	if n >= s.threshold() {
		delete(s.failures, d.ID)
	}
	s.mu.Unlock()

	if n < s.threshold() {
		s.log().Warn("enrollment processing failed",
			zap.String("enrollment_id", d.ID),
			zap.String("op", op),
			zap.Int("consecutive_failures", n),
			zap.Error(err))
		return outcomeFailed
	}
	s.log().Error("enrollment keeps failing, flagged for review",
		zap.String("enrollment_id", d.ID),
		zap.String("op", op),
		zap.Int("consecutive_failures", n),
		zap.Error(err))
	s.flag(ctx, d.ID, fmt.Sprintf("%d consecutive failures, last during %s: %v", n, op, err))
	return outcomeFailed
}

func (s *Scheduler) succeeded(id string) {
	s.mu.Lock()
	delete(s.failures, id)
	s.mu.Unlock()
}

func (s *Scheduler) flag(ctx context.Context, id, note string) {
	fctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.Enrollments.FlagForReview(fctx, id, note); err != nil {
		s.log().Error("failed to flag enrollment", zap.String("enrollment_id", id), zap.Error(err))
	}
}
