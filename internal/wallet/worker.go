// Package wallet implements the ledger worker: the single goroutine that owns
// the faucet's balances and performs every fund-moving operation.
//
// Other goroutines never touch wallet state directly. They call Send, which
// hands the request to the worker over a channel and waits for the outcome.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/galileo/internal/address"
	"github.com/nextlevelbuilder/galileo/internal/metrics"
	"github.com/nextlevelbuilder/galileo/internal/store"
)

var (
	// ErrStopped means the worker is no longer running. Callers treat it as fatal.
	ErrStopped = errors.New("wallet: worker stopped")

	// ErrInsufficientFunds is returned when the balance cannot cover a send plus fee.
	ErrInsufficientFunds = errors.New("insufficient funds")
)

var tracer = otel.Tracer("github.com/nextlevelbuilder/galileo/internal/wallet")

// Config tunes the worker.
type Config struct {
	Fee               uint64        // per-send fee in BaseDenom
	Source            *uint64       // account index to spend from; nil means any
	SaveInterval      time.Duration // how often state is persisted
	BlockTimeEstimate time.Duration // pause between retries
	SyncRetries       int           // retries after the first failed attempt
	BufferSize        int           // pending send requests
}

type sendRequest struct {
	to     address.Address
	values []Value
	result chan error
}

// Worker serializes all fund-moving operations.
type Worker struct {
	cfg     Config
	node    Node
	store   store.WalletStore
	journal store.Journal
	metrics *metrics.Metrics

	requests chan sendRequest
	ready    chan struct{}
	done     chan struct{}

	// owned by the Run goroutine
	height    uint64
	balances  map[string]*uint256.Int
	dispensed uint64
	dirty     bool

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// New creates a worker. walletStore and journal may be nil (no persistence).
func New(cfg Config, node Node, walletStore store.WalletStore, journal store.Journal, m *metrics.Metrics) *Worker {
	if cfg.SaveInterval <= 0 {
		cfg.SaveInterval = time.Minute
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 1
	}
	if cfg.SyncRetries < 0 {
		cfg.SyncRetries = 0
	}
	return &Worker{
		cfg:      cfg,
		node:     node,
		store:    walletStore,
		journal:  journal,
		metrics:  m,
		requests: make(chan sendRequest, cfg.BufferSize),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
		balances: make(map[string]*uint256.Int),
		sleep:    sleepCtx,
		now:      time.Now,
	}
}

// Ready is closed once the initial sync has completed.
func (w *Worker) Ready() <-chan struct{} { return w.ready }

// Send asks the worker to dispense values to addr and waits for the result.
// ErrStopped (or a context error) means the worker could not be reached at all;
// any other error is a failed send.
func (w *Worker) Send(ctx context.Context, addr address.Address, values []Value) error {
	req := sendRequest{to: addr, values: values, result: make(chan error, 1)}

	select {
	case w.requests <- req:
	case <-w.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.result:
		return err
	case <-w.done:
		// The result may have been written just before shutdown.
		select {
		case err := <-req.result:
			return err
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run loads persisted state, performs the initial sync and then serves send
// requests until ctx ends. A failed initial sync is fatal.
func (w *Worker) Run(ctx context.Context) error {
	defer close(w.done)

	if err := w.load(ctx); err != nil {
		return err
	}

	if err := w.syncWithRetry(ctx); err != nil {
		return fmt.Errorf("initial wallet sync: %w", err)
	}
	close(w.ready)
	slog.Info("wallet ready", "height", w.height, "balances", w.balanceSummary())

	ticker := time.NewTicker(w.cfg.SaveInterval)
	defer ticker.Stop()

	for {
		select {
		case req := <-w.requests:
			req.result <- w.handleSend(ctx, req)
		case <-ticker.C:
			if err := w.save(ctx); err != nil {
				slog.Warn("wallet save failed", "error", err)
			}
		case <-ctx.Done():
			saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			w.dirty = true
			if err := w.save(saveCtx); err != nil {
				return fmt.Errorf("save wallet on shutdown: %w", err)
			}
			slog.Info("wallet state saved on shutdown", "height", w.height)
			return nil
		}
	}
}

func (w *Worker) handleSend(ctx context.Context, req sendRequest) error {
	ctx, span := tracer.Start(ctx, "wallet.send", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("address", req.to.String()),
		attribute.String("values", FormatValues(req.values)),
	)

	err := w.send(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		switch {
		case errors.Is(err, ErrInsufficientFunds):
			w.metrics.RecordLedgerSend("insufficient_funds")
		case IsRejected(err):
			w.metrics.RecordLedgerSend("rejected")
		default:
			w.metrics.RecordLedgerSend("error")
		}
		slog.Warn("wallet send failed", "address", req.to.String(), "error", err)
		return err
	}
	w.metrics.RecordLedgerSend("ok")
	return nil
}

func (w *Worker) send(ctx context.Context, req sendRequest) error {
	if err := w.syncWithRetry(ctx); err != nil {
		return fmt.Errorf("sync before send: %w", err)
	}

	fee := uint256.NewInt(w.cfg.Fee)
	need := totals(req.values, fee)
	for denom, amount := range need {
		have := w.balance(denom)
		if have.Lt(amount) {
			return fmt.Errorf("%w: have %s%s, need %s%s", ErrInsufficientFunds, have.Dec(), denom, amount.Dec(), denom)
		}
	}

	transfer := Transfer{To: req.to.String(), Values: req.values, Fee: fee, Source: w.cfg.Source}

	var (
		txHash  string
		lastErr error
	)
	attempts := w.cfg.SyncRetries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		txHash, lastErr = w.node.Broadcast(ctx, transfer)
		if lastErr == nil || IsRejected(lastErr) {
			break
		}
		slog.Debug("wallet broadcast attempt failed", "attempt", attempt, "error", lastErr)
		if attempt < attempts {
			if err := w.sleep(ctx, w.cfg.BlockTimeEstimate); err != nil {
				return err
			}
		}
	}
	if lastErr != nil {
		if IsRejected(lastErr) {
			return lastErr
		}
		return fmt.Errorf("broadcast failed after %d attempts: %w", attempts, lastErr)
	}

	for denom, amount := range need {
		bal := w.balance(denom)
		bal.Sub(bal, amount)
	}
	w.dispensed++
	w.dirty = true

	slog.Info("tokens sent", "address", req.to.String(), "values", FormatValues(req.values), "tx_hash", txHash)

	if w.journal != nil {
		rec := store.DispenseRecord{
			Address: req.to.String(),
			Values:  FormatValues(req.values),
			TxHash:  txHash,
			At:      w.now().UTC(),
		}
		if err := w.journal.RecordDispense(ctx, rec); err != nil {
			slog.Warn("failed to journal dispense", "tx_hash", txHash, "error", err)
		}
	}
	return nil
}

// syncWithRetry pulls new credits from the node, retrying transient failures.
func (w *Worker) syncWithRetry(ctx context.Context) error {
	var lastErr error
	attempts := w.cfg.SyncRetries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		res, err := w.node.Sync(ctx, w.height)
		if err == nil {
			w.applySync(res)
			return nil
		}
		lastErr = err
		slog.Warn("wallet sync failed", "attempt", attempt, "of", attempts, "error", err)
		if attempt < attempts {
			if err := w.sleep(ctx, w.cfg.BlockTimeEstimate); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("sync failed after %d attempts: %w", attempts, lastErr)
}

func (w *Worker) applySync(res SyncResult) {
	if res.Height < w.height {
		return
	}
	for _, c := range res.Credits {
		bal := w.balance(c.Denom)
		bal.Add(bal, c.Amount)
	}
	if res.Height != w.height || len(res.Credits) > 0 {
		w.dirty = true
	}
	w.height = res.Height
}

func (w *Worker) balance(denom string) *uint256.Int {
	bal, ok := w.balances[denom]
	if !ok {
		bal = new(uint256.Int)
		w.balances[denom] = bal
	}
	return bal
}

func (w *Worker) balanceSummary() string {
	values := make([]Value, 0, len(w.balances))
	for denom, amount := range w.balances {
		values = append(values, Value{Amount: amount, Denom: denom})
	}
	return FormatValues(values)
}

func (w *Worker) load(ctx context.Context) error {
	if w.store == nil {
		return nil
	}
	state, err := w.store.LoadWallet(ctx)
	if err != nil {
		return fmt.Errorf("load wallet state: %w", err)
	}
	if state == nil {
		slog.Info("no saved wallet state, starting fresh")
		return nil
	}
	for denom, raw := range state.Balances {
		amount, err := uint256.FromDecimal(raw)
		if err != nil {
			return fmt.Errorf("load wallet state: balance %s: %w", denom, err)
		}
		w.balances[denom] = amount
	}
	w.height = state.Height
	w.dispensed = state.Dispensed
	slog.Info("wallet state loaded", "height", w.height, "dispensed", w.dispensed)
	return nil
}

func (w *Worker) save(ctx context.Context) error {
	if w.store == nil || !w.dirty {
		return nil
	}
	state := store.WalletState{
		Height:    w.height,
		Balances:  make(map[string]string, len(w.balances)),
		Dispensed: w.dispensed,
		UpdatedAt: w.now().UTC(),
	}
	for denom, amount := range w.balances {
		state.Balances[denom] = amount.Dec()
	}
	if err := w.store.SaveWallet(ctx, state); err != nil {
		return err
	}
	w.dirty = false
	return nil
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
