// Package responder is the sequential consumer of the dispatch queue.
//
// For each request it services at most MaxAddresses valid addresses, one
// ledger send at a time in message order, and answers with a single summary.
package responder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/galileo/internal/address"
	"github.com/nextlevelbuilder/galileo/internal/bus"
	"github.com/nextlevelbuilder/galileo/internal/metrics"
	"github.com/nextlevelbuilder/galileo/internal/store"
	"github.com/nextlevelbuilder/galileo/internal/wallet"
)

var tracer = otel.Tracer("github.com/nextlevelbuilder/galileo/internal/responder")

// Ledger performs sends. wallet.Worker implements it.
type Ledger interface {
	Send(ctx context.Context, addr address.Address, values []wallet.Value) error
}

// AdminResolver resolves administrator mentions for a guild. channels.Chat implements it.
type AdminResolver interface {
	AdminMentions(ctx context.Context, guildID string) ([]string, error)
}

// Config holds the per-request policy.
type Config struct {
	MaxAddresses int            // cap on serviced addresses per request
	Values       []wallet.Value // bundle sent to every serviced address
	Journal      store.Journal  // records handled messages so catch-up skips them; optional
}

// Responder drains the dispatch queue.
type Responder struct {
	cfg     Config
	queue   *bus.Queue
	ledger  Ledger
	admins  AdminResolver
	metrics *metrics.Metrics
}

// New creates a responder. admins may be nil, in which case failures mention the fallback label.
func New(cfg Config, queue *bus.Queue, ledger Ledger, admins AdminResolver, m *metrics.Metrics) *Responder {
	if cfg.MaxAddresses < 0 {
		cfg.MaxAddresses = 0
	}
	return &Responder{cfg: cfg, queue: queue, ledger: ledger, admins: admins, metrics: m}
}

// Run handles requests one at a time until the queue is closed and drained
// (a nil return) or the ledger becomes unreachable (a fatal error).
func (r *Responder) Run(ctx context.Context) error {
	slog.Info("responder started", "max_addresses", r.cfg.MaxAddresses, "values", wallet.FormatValues(r.cfg.Values))

	for {
		req, ok, err := r.queue.Receive(ctx)
		if err != nil {
			return err
		}
		if !ok {
			slog.Info("dispatch queue closed, responder stopping")
			return nil
		}
		r.metrics.SetQueueDepth(r.queue.Len())

		if err := r.Handle(ctx, req); err != nil {
			return err
		}
	}
}

// Handle dispenses for one request and delivers its summary. It returns an
// error only when the ledger cannot be reached at all; no reply is sent then.
func (r *Responder) Handle(ctx context.Context, req *bus.Request) error {
	ctx, span := tracer.Start(ctx, "responder.request", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()
	span.SetAttributes(
		attribute.String("request.id", req.ID),
		attribute.String("message.id", req.Message.ID),
		attribute.Int("tokens", len(req.Tokens)),
		attribute.Bool("replay", req.Replay),
	)

	out, err := r.Dispense(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	r.metrics.RecordOutcome("succeeded", len(out.Succeeded))
	r.metrics.RecordOutcome("failed", len(out.Failed))
	r.metrics.RecordOutcome("unparsed", len(out.Unparsed))
	r.metrics.RecordOutcome("deferred", len(out.Deferred))

	// Journal before replying: the sends are done whether or not the post succeeds.
	if r.cfg.Journal != nil {
		if err := r.cfg.Journal.MarkAnswered(ctx, req.Message.ChannelID, req.Message.ID, time.Now().UTC()); err != nil {
			slog.Warn("failed to journal handled message", "message_id", req.Message.ID, "error", err)
		}
	}

	mentions := ""
	if len(out.Failed) > 0 {
		mentions = r.adminMentions(ctx, req.Message.GuildID)
	}
	req.Respond(Summary(out, r.cfg.MaxAddresses, mentions))

	slog.Info("request handled",
		"request_id", req.ID,
		"user_id", req.Message.AuthorID,
		"replay", req.Replay,
		"succeeded", len(out.Succeeded),
		"failed", len(out.Failed),
		"unparsed", len(out.Unparsed),
		"deferred", len(out.Deferred),
	)
	return nil
}

// Dispense files every token of req into an outcome bucket, sending to valid
// addresses in order until MaxAddresses have been serviced.
func (r *Responder) Dispense(ctx context.Context, req *bus.Request) (Outcomes, error) {
	var (
		out      Outcomes
		serviced int
	)

	for _, tok := range req.Tokens {
		if !tok.Valid() {
			out.Unparsed = append(out.Unparsed, tok.Raw)
			continue
		}
		addr := *tok.Address
		if serviced >= r.cfg.MaxAddresses {
			out.Deferred = append(out.Deferred, addr)
			continue
		}
		serviced++

		slog.Info("sending tokens",
			"request_id", req.ID,
			"user", req.Message.AuthorName,
			"user_id", req.Message.AuthorID,
			"address", addr.String(),
		)
		err := r.ledger.Send(ctx, addr, r.cfg.Values)
		switch {
		case err == nil:
			out.Succeeded = append(out.Succeeded, addr)
		case errors.Is(err, wallet.ErrStopped), ctx.Err() != nil:
			return out, fmt.Errorf("responder: ledger unavailable: %w", err)
		default:
			out.Failed = append(out.Failed, Failure{Address: addr, Err: err})
		}
	}
	return out, nil
}

func (r *Responder) adminMentions(ctx context.Context, guildID string) string {
	if guildID == "" || r.admins == nil {
		return fallbackMention
	}
	mentions, err := r.admins.AdminMentions(ctx, guildID)
	if err != nil {
		slog.Warn("failed to resolve admin roles", "guild_id", guildID, "error", err)
		return fallbackMention
	}
	if len(mentions) == 0 {
		return fallbackMention
	}
	return strings.Join(mentions, " ")
}
