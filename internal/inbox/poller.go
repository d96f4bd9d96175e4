package inbox

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/outreach-sequencer/internal/logger"
)

// ReplyHandler receives what the poller finds in the inbox.
type ReplyHandler interface {
	HandleInboundFrom(ctx context.Context, fromEmail, classification string, at time.Time) (int, error)
	RecordBounce(ctx context.Context, email, sourceEmailID string) error
}

// PollResult counts what one poll did.
type PollResult struct {
	Fetched int
	Replies int
	Bounces int
	Ignored int
	Failed  int
}

// Poller reads unseen inbox mail, records replies and bounces, and marks
// handled messages seen. Messages that fail are left unseen for the next poll.
type Poller struct {
	Mailbox  Mailbox
	Replies  ReplyHandler
	Interval time.Duration
	// OwnAddresses are skipped when digging the failed recipient out of a bounce.
	OwnAddresses []string
	Log          *zap.Logger
}

func (p *Poller) log() *zap.Logger {
	if p.Log == nil {
		return zap.NewNop()
	}
	return p.Log
}

// Start polls immediately and then every Interval until ctx is done.
func (p *Poller) Start(ctx context.Context) {
	p.log().Info("starting inbox poller", zap.Duration("interval", p.Interval))
	p.pollAndLog(ctx)

	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.log().Info("inbox poller stopped")
			return
		case <-ticker.C:
			p.pollAndLog(ctx)
		}
	}
}

func (p *Poller) pollAndLog(ctx context.Context) {
	res, err := p.Poll(ctx)
	if err != nil {
		p.log().Error("inbox poll failed", zap.Error(err))
		return
	}
	if res.Fetched > 0 {
		p.log().Info("inbox poll complete",
			zap.Int("fetched", res.Fetched),
			zap.Int("replies", res.Replies),
			zap.Int("bounces", res.Bounces),
			zap.Int("ignored", res.Ignored),
			zap.Int("failed", res.Failed))
	}
}

// Poll handles every unseen message once.
func (p *Poller) Poll(ctx context.Context) (PollResult, error) {
	var res PollResult
	msgs, err := p.Mailbox.FetchUnseen(ctx)
	if err != nil {
		return res, err
	}
	res.Fetched = len(msgs)

	var handled []uint32
	for _, m := range msgs {
		if ctx.Err() != nil {
			break
		}
		if p.handle(ctx, m, &res) {
			handled = append(handled, m.UID)
		}
	}

	if err := p.Mailbox.MarkSeen(context.WithoutCancel(ctx), handled); err != nil {
		return res, err
	}
	return res, nil
}

func (p *Poller) handle(ctx context.Context, m Message, res *PollResult) bool {
	from := ParseAddress(m.From)
	switch {
	case IsBounce(from, m.Subject):
		rcpt := BouncedRecipient(m.Body, p.OwnAddresses...)
		if rcpt == "" {
			p.log().Warn("bounce without a recognizable recipient", zap.String("message_id", m.MessageID))
			res.Ignored++
			return true
		}
		if err := p.Replies.RecordBounce(ctx, rcpt, m.MessageID); err != nil {
			p.log().Error("failed to record bounce", logger.Email("email", rcpt), zap.Error(err))
			res.Failed++
			return false
		}
		res.Bounces++
	case from == "" || IsSystemSender(from):
		res.Ignored++
	default:
		at := m.Date
		if at.IsZero() {
			at = time.Now().UTC()
		}
		n, err := p.Replies.HandleInboundFrom(ctx, from, Classify(m.Subject, m.Body), at)
		if err != nil {
			p.log().Error("failed to record reply", logger.Email("from", from), zap.Error(err))
			res.Failed++
			return false
		}
		if n == 0 {
			res.Ignored++
		}
		res.Replies += n
	}
	return true
}
