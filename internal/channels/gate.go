package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xhit/go-str2duration/v2"

	"github.com/nextlevelbuilder/galileo/internal/bus"
	"github.com/nextlevelbuilder/galileo/internal/metrics"
)

// Admission is the gate's decision for one chat message.
type Admission int

const (
	// NotMine: the message holds nothing address-shaped.
	NotMine Admission = iota
	// Dropped: the author is rate limited and has used up their notices.
	Dropped
	// Limited: the author is rate limited and got a notice.
	Limited
	// Admitted: a request was built and enqueued.
	Admitted
	// Duplicate: backlog replay already admitted this message.
	Duplicate
)

func (a Admission) String() string {
	switch a {
	case NotMine:
		return "not_mine"
	case Dropped:
		return "dropped"
	case Limited:
		return "limited"
	case Admitted:
		return "admitted"
	case Duplicate:
		return "duplicate"
	}
	return "unknown"
}

// GateConfig tunes the admission gate.
type GateConfig struct {
	RateLimit     time.Duration // per-user window
	ReplyLimit    int           // rate-limit notices per window
	SweepInterval time.Duration // how often expired users are forgotten; defaults to the window
	Claims        *bus.Claims   // shared with catch-up replayers; nil disables dedup
}

// Gate admits live chat messages into the dispatch queue.
// All rate-limit state is owned by the goroutine running Run.
type Gate struct {
	chat    Chat
	queue   *bus.Queue
	claims  *bus.Claims
	limiter *RateLimiter
	ready   <-chan struct{}
	metrics *metrics.Metrics
	sweep   time.Duration

	unhandled func(context.Context, bus.Message)
	now       func() time.Time
	inflight  sync.WaitGroup
}

// NewGate creates a gate. ready is closed once the ledger can accept sends;
// nothing is admitted before that.
func NewGate(cfg GateConfig, chat Chat, queue *bus.Queue, ready <-chan struct{}, m *metrics.Metrics) *Gate {
	sweep := cfg.SweepInterval
	if sweep <= 0 {
		sweep = cfg.RateLimit
	}
	if sweep <= 0 {
		sweep = time.Hour
	}
	return &Gate{
		chat:    chat,
		queue:   queue,
		claims:  cfg.Claims,
		limiter: NewRateLimiter(cfg.RateLimit, cfg.ReplyLimit),
		ready:   ready,
		metrics: m,
		sweep:   sweep,
		now:     time.Now,
	}
}

// OnUnhandled registers a hook for messages that are not dispense requests.
// Must be called before Run.
func (g *Gate) OnUnhandled(fn func(context.Context, bus.Message)) {
	g.unhandled = fn
}

// Run waits for the ledger to be ready and then admits messages from events
// one at a time until ctx ends or events is closed. A closed queue is fatal.
func (g *Gate) Run(ctx context.Context, events <-chan bus.Message) error {
	return g.Serve(ctx, nil, events)
}

// Serve is Run with a separate intake signal: once stop is closed no new
// message is admitted, but Serve keeps running until every admitted request
// has been answered and posted, then returns nil. ctx bounds the whole
// thing, including those deliveries.
func (g *Gate) Serve(ctx context.Context, stop <-chan struct{}, events <-chan bus.Message) error {
	defer g.inflight.Wait()

	select {
	case <-g.ready:
	case <-stop:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	slog.Info("admission gate open", "rate_limit", g.limiter.Window(), "reply_limit", g.limiter.replyLimit)

	ticker := time.NewTicker(g.sweep)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-events:
			if !ok {
				return nil
			}
			if _, err := g.Admit(ctx, msg); err != nil {
				return err
			}
		case <-ticker.C:
			if n := g.limiter.Sweep(g.now()); n > 0 {
				slog.Debug("rate limiter swept", "removed", n, "tracked", g.limiter.Tracked())
			}
		case <-stop:
			slog.Info("admission gate closed, finishing replies")
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Admit decides what to do with msg. Only a closed queue or a cancelled
// context produce an error.
func (g *Gate) Admit(ctx context.Context, msg bus.Message) (Admission, error) {
	req, replies, ok := bus.NewRequest(msg)
	if !ok {
		if g.unhandled != nil {
			g.unhandled(ctx, msg)
		}
		return NotMine, nil
	}

	// Claim before the limiter so a replayed message does not charge the author.
	if !g.claims.Claim(msg.ID) {
		g.metrics.RecordAdmission(Duplicate.String())
		slog.Debug("message already admitted by catch-up", "message_id", msg.ID)
		return Duplicate, nil
	}

	decision := g.limiter.Check(msg.AuthorID, g.now())
	switch decision {
	case Drop:
		g.metrics.RecordAdmission(Dropped.String())
		slog.Debug("rate-limited request dropped", "user_id", msg.AuthorID, "message_id", msg.ID)
		return Dropped, nil

	case Notify:
		g.metrics.RecordAdmission(Limited.String())
		slog.Info("rate-limited request", "user_id", msg.AuthorID, "user", msg.AuthorName, "message_id", msg.ID)
		text := rateLimitNotice(msg.AuthorID, g.limiter.Window())
		g.background(func() {
			if err := g.chat.Reply(ctx, msg, text); err != nil {
				slog.Warn("failed to post rate-limit notice", "message_id", msg.ID, "error", err)
			}
		})
		return Limited, nil
	}

	if err := g.queue.Enqueue(ctx, req); err != nil {
		if errors.Is(err, bus.ErrQueueClosed) {
			return Dropped, fmt.Errorf("admission gate: %w", err)
		}
		return Dropped, err
	}
	g.metrics.RecordAdmission(Admitted.String())
	g.metrics.SetQueueDepth(g.queue.Len())
	slog.Debug("request admitted",
		"request_id", req.ID,
		"user_id", msg.AuthorID,
		"message_id", msg.ID,
		"tokens", len(req.Tokens),
	)

	g.background(func() { Deliver(ctx, g.chat, replies) })
	return Admitted, nil
}

// Wait blocks until replies started by Admit have been posted.
func (g *Gate) Wait() { g.inflight.Wait() }

func (g *Gate) background(fn func()) {
	g.inflight.Add(1)
	go func() {
		defer g.inflight.Done()
		fn()
	}()
}

func rateLimitNotice(userID string, window time.Duration) string {
	return fmt.Sprintf(
		"<@%s> Please wait for another %s before requesting more tokens. Thanks!",
		userID, str2duration.String(window),
	)
}
