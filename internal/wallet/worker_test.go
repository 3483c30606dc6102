package wallet

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/holiman/uint256"

	"github.com/nextlevelbuilder/galileo/internal/address"
	"github.com/nextlevelbuilder/galileo/internal/store"
)

type fakeNode struct {
	mu          sync.Mutex
	credits     []Value
	syncErrs    []error
	broadcasts  []Transfer
	broadcastFn func(n int) (string, error)
}

func (n *fakeNode) Sync(_ context.Context, from uint64) (SyncResult, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.syncErrs) > 0 {
		err := n.syncErrs[0]
		n.syncErrs = n.syncErrs[1:]
		if err != nil {
			return SyncResult{}, err
		}
	}
	credits := n.credits
	n.credits = nil
	return SyncResult{Height: from + 1, Credits: credits}, nil
}

func (n *fakeNode) Broadcast(_ context.Context, t Transfer) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.broadcasts = append(n.broadcasts, t)
	if n.broadcastFn != nil {
		return n.broadcastFn(len(n.broadcasts))
	}
	return "tx-ok", nil
}

func (n *fakeNode) broadcastCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.broadcasts)
}

type memWalletStore struct {
	mu    sync.Mutex
	state *store.WalletState
	saves int
}

func (s *memWalletStore) LoadWallet(context.Context) (*store.WalletState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, nil
}

func (s *memWalletStore) SaveWallet(_ context.Context, st store.WalletState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = &st
	s.saves++
	return nil
}

func testAddr(t *testing.T) address.Address {
	t.Helper()
	var payload [address.PayloadLen]byte
	payload[0] = 42
	addr, err := address.Encode("penumbrav0t", payload)
	if err != nil {
		t.Fatal(err)
	}
	return addr
}

func mustValue(t *testing.T, s string) Value {
	t.Helper()
	v, err := ParseValue(s)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func startWorker(t *testing.T, cfg Config, node Node, ws store.WalletStore) (*Worker, context.CancelFunc, <-chan error) {
	t.Helper()
	w := New(cfg, node, ws, nil, nil)
	w.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	select {
	case <-w.Ready():
	case err := <-errCh:
		cancel()
		t.Fatalf("worker exited before ready: %v", err)
	case <-time.After(2 * time.Second):
		cancel()
		t.Fatal("worker never became ready")
	}
	return w, cancel, errCh
}

func TestWorkerSendDebitsBalance(t *testing.T) {
	node := &fakeNode{credits: []Value{mustValue(t, "10penumbra")}}
	ws := &memWalletStore{}
	w, cancel, errCh := startWorker(t, Config{Fee: 100, SyncRetries: 2}, node, ws)

	if err := w.Send(context.Background(), testAddr(t), []Value{mustValue(t, "1penumbra")}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ws.state == nil {
		t.Fatal("state not saved on shutdown")
	}
	// 10_000_000 - 1_000_000 - 100 fee
	if got := ws.state.Balances[BaseDenom]; got != "8999900" {
		t.Errorf("balance = %s, want 8999900", got)
	}
	if ws.state.Dispensed != 1 {
		t.Errorf("dispensed = %d, want 1", ws.state.Dispensed)
	}
}

func TestWorkerInsufficientFunds(t *testing.T) {
	node := &fakeNode{credits: []Value{mustValue(t, "1upenumbra")}}
	w, cancel, _ := startWorker(t, Config{}, node, nil)
	defer cancel()

	err := w.Send(context.Background(), testAddr(t), []Value{mustValue(t, "1penumbra")})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
	if node.broadcastCount() != 0 {
		t.Error("nothing should be broadcast without funds")
	}
}

func TestWorkerRetriesTransientBroadcast(t *testing.T) {
	node := &fakeNode{
		credits: []Value{mustValue(t, "5penumbra")},
		broadcastFn: func(n int) (string, error) {
			if n < 3 {
				return "", errors.New("connection reset")
			}
			return "tx-3", nil
		},
	}
	w, cancel, _ := startWorker(t, Config{SyncRetries: 3}, node, nil)
	defer cancel()

	if err := w.Send(context.Background(), testAddr(t), []Value{mustValue(t, "1penumbra")}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := node.broadcastCount(); got != 3 {
		t.Errorf("broadcasts = %d, want 3", got)
	}
}

func TestWorkerDoesNotRetryRejection(t *testing.T) {
	node := &fakeNode{
		credits: []Value{mustValue(t, "5penumbra")},
		broadcastFn: func(int) (string, error) {
			return "", &RejectedError{Status: 400, Reason: "bad address"}
		},
	}
	w, cancel, _ := startWorker(t, Config{SyncRetries: 5}, node, nil)
	defer cancel()

	err := w.Send(context.Background(), testAddr(t), []Value{mustValue(t, "1penumbra")})
	if !IsRejected(err) {
		t.Fatalf("err = %v, want rejection", err)
	}
	if got := node.broadcastCount(); got != 1 {
		t.Errorf("broadcasts = %d, want 1", got)
	}
}

func TestWorkerGivesUpAfterRetries(t *testing.T) {
	node := &fakeNode{
		credits:     []Value{mustValue(t, "5penumbra")},
		broadcastFn: func(int) (string, error) { return "", errors.New("timeout") },
	}
	w, cancel, _ := startWorker(t, Config{SyncRetries: 2}, node, nil)
	defer cancel()

	err := w.Send(context.Background(), testAddr(t), []Value{mustValue(t, "1penumbra")})
	if err == nil || errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want business failure", err)
	}
	if got := node.broadcastCount(); got != 3 {
		t.Errorf("broadcasts = %d, want 3", got)
	}
}

func TestWorkerInitialSyncFailureIsFatal(t *testing.T) {
	boom := errors.New("unreachable")
	node := &fakeNode{syncErrs: []error{boom, boom, boom}}
	w := New(Config{SyncRetries: 2}, node, nil, nil, nil)
	w.sleep = func(context.Context, time.Duration) error { return nil }

	err := w.Run(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped sync error", err)
	}
	select {
	case <-w.Ready():
		t.Fatal("worker must not report ready after failed sync")
	default:
	}
}

func TestWorkerSendAfterStop(t *testing.T) {
	w, cancel, errCh := startWorker(t, Config{}, &fakeNode{}, nil)
	cancel()
	<-errCh

	err := w.Send(context.Background(), testAddr(t), []Value{{Amount: uint256.NewInt(1), Denom: BaseDenom}})
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}

func TestWorkerLoadsSavedState(t *testing.T) {
	ws := &memWalletStore{state: &store.WalletState{
		Height:   10,
		Balances: map[string]string{BaseDenom: "2000000"},
	}}
	w, cancel, _ := startWorker(t, Config{}, &fakeNode{}, ws)
	defer cancel()

	if err := w.Send(context.Background(), testAddr(t), []Value{mustValue(t, "2penumbra")}); err != nil {
		t.Fatalf("Send with restored balance: %v", err)
	}
}
