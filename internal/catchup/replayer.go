// Package catchup replays channel backlog through the dispatch queue at startup.
//
// Replayed requests skip the admission gate entirely: the operator chose the
// backlog range, so per-user rate limits do not apply to it.
package catchup

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nextlevelbuilder/galileo/internal/bus"
	"github.com/nextlevelbuilder/galileo/internal/channels"
	"github.com/nextlevelbuilder/galileo/internal/metrics"
	"github.com/nextlevelbuilder/galileo/internal/store"
)

// DefaultBatchSize is the history page size when none is configured.
const DefaultBatchSize = 25

// MaxBatchSize is the largest page Discord's history endpoint returns.
const MaxBatchSize = 100

// discordEpoch is the snowflake epoch, 2015-01-01T00:00:00Z, in Unix milliseconds.
const discordEpoch = 1420070400000

// Config tunes a replayer.
type Config struct {
	BatchSize    int
	SkipAnswered bool        // skip messages the journal says were already handled
	Cutoff       string      // first message ID left to live traffic; empty means "now" when the replay starts
	Claims       *bus.Claims // shared with the admission gate
}

// Replayer walks one channel forward from its anchor. Each replayer owns its cursor.
type Replayer struct {
	anchor  Anchor
	cfg     Config
	chat    channels.Chat
	queue   *bus.Queue
	journal store.Journal
	ready   <-chan struct{}
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates a replayer. ready, if non-nil, gates the start of the replay;
// it should close only once the live event stream is connected, so that
// the cutoff taken afterwards leaves no gap between backlog and live traffic.
func New(anchor Anchor, cfg Config, chat channels.Chat, queue *bus.Queue, journal store.Journal, ready <-chan struct{}, m *metrics.Metrics) *Replayer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchSize > MaxBatchSize {
		cfg.BatchSize = MaxBatchSize
	}
	return &Replayer{
		anchor:  anchor,
		cfg:     cfg,
		chat:    chat,
		queue:   queue,
		journal: journal,
		ready:   ready,
		metrics: m,
		now:     time.Now,
	}
}

// Run replays the backlog and then idles until ctx ends, so that a finished
// replayer never looks like a failed task to the supervisor.
func (r *Replayer) Run(ctx context.Context) error {
	return r.Serve(ctx, nil)
}

// Serve is Run with a separate intake signal. Once stop is closed nothing
// more is fetched or enqueued; replies for requests already enqueued are
// still posted, then Serve returns nil.
func (r *Replayer) Serve(ctx context.Context, stop <-chan struct{}) error {
	intake, cancel := context.WithCancel(ctx)
	defer cancel()
	if stop != nil {
		go func() {
			select {
			case <-stop:
				cancel()
			case <-intake.Done():
			}
		}()
	}

	n, err := r.replay(ctx, intake)
	if err != nil {
		if ctx.Err() == nil && intake.Err() != nil {
			slog.Info("catch-up interrupted", "anchor", r.anchor.String(), "requests", n)
			return nil
		}
		return err
	}
	slog.Info("catch-up finished", "anchor", r.anchor.String(), "requests", n)

	select {
	case <-ctx.Done():
	case <-stop:
	}
	return nil
}

// Replay processes the anchor message and everything after it up to the
// cutoff, one page at a time. It returns the number of requests enqueued.
func (r *Replayer) Replay(ctx context.Context) (int, error) {
	return r.replay(ctx, ctx)
}

// replay fetches and enqueues under intake and posts replies under ctx.
func (r *Replayer) replay(ctx, intake context.Context) (int, error) {
	if r.ready != nil {
		select {
		case <-r.ready:
		case <-intake.Done():
			return 0, intake.Err()
		}
	}

	cutoff := r.cfg.Cutoff
	if cutoff == "" {
		cutoff = snowflakeAt(r.now())
	}
	cutoff = r.cfg.Claims.Cutoff(cutoff)

	first, err := r.chat.Message(intake, r.anchor.ChannelID, r.anchor.MessageID)
	if err != nil {
		return 0, fmt.Errorf("catch-up %s: fetch anchor: %w", r.anchor, err)
	}
	slog.Info("catch-up started", "anchor", r.anchor.String(), "batch_size", r.cfg.BatchSize, "cutoff", cutoff)

	total, done, err := r.replayBatch(ctx, intake, []bus.Message{first}, cutoff)
	if err != nil || done {
		return total, err
	}

	cursor := first.ID
	for {
		page, err := r.chat.History(intake, r.anchor.ChannelID, cursor, r.cfg.BatchSize)
		if err != nil {
			return total, fmt.Errorf("catch-up %s: fetch history after %s: %w", r.anchor, cursor, err)
		}
		// A short page is not the end: the adapter may clamp the page size.
		if len(page) == 0 {
			return total, nil
		}

		n, done, err := r.replayBatch(ctx, intake, page, cutoff)
		total += n
		if err != nil || done {
			return total, err
		}
		cursor = page[len(page)-1].ID
	}
}

// replayBatch enqueues every eligible message of a page and waits until all
// of their replies were posted before returning. done reports that the
// cutoff was reached.
func (r *Replayer) replayBatch(ctx, intake context.Context, page []bus.Message, cutoff string) (n int, done bool, err error) {
	var pending []<-chan bus.Reply

	for _, msg := range page {
		if !bus.IDLess(msg.ID, cutoff) {
			done = true
			break
		}
		if msg.AuthorBot {
			r.metrics.RecordReplay("skipped_bot")
			continue
		}

		req, replies, ok := bus.NewRequest(msg)
		if !ok {
			continue
		}

		if r.cfg.SkipAnswered && r.journal != nil {
			answered, jerr := r.journal.Answered(intake, msg.ChannelID, msg.ID)
			if jerr != nil {
				slog.Warn("catch-up: journal lookup failed, replaying anyway", "message_id", msg.ID, "error", jerr)
			} else if answered {
				r.metrics.RecordReplay("skipped_answered")
				slog.Debug("catch-up: message already answered", "message_id", msg.ID)
				continue
			}
		}

		if !r.cfg.Claims.Claim(msg.ID) {
			r.metrics.RecordReplay("skipped_live")
			slog.Debug("catch-up: message already admitted live", "message_id", msg.ID)
			continue
		}

		req.Replay = true
		if err = r.queue.Enqueue(intake, req); err != nil {
			err = fmt.Errorf("catch-up %s: %w", r.anchor, err)
			break
		}
		r.metrics.RecordReplay("enqueued")
		r.metrics.SetQueueDepth(r.queue.Len())
		slog.Debug("catch-up request enqueued", "request_id", req.ID, "message_id", msg.ID, "user_id", msg.AuthorID)
		pending = append(pending, replies)
	}

	for _, replies := range pending {
		channels.Deliver(ctx, r.chat, replies)
	}
	if err == nil {
		err = ctx.Err()
	}
	return len(pending), done, err
}

// snowflakeAt returns the smallest message ID Discord can assign at t.
func snowflakeAt(t time.Time) string {
	ms := t.UnixMilli() - discordEpoch
	if ms < 0 {
		ms = 0
	}
	return strconv.FormatUint(uint64(ms)<<22, 10)
}
