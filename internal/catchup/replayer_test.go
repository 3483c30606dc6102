package catchup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/galileo/internal/address"
	"github.com/nextlevelbuilder/galileo/internal/bus"
	"github.com/nextlevelbuilder/galileo/internal/channels"
	"github.com/nextlevelbuilder/galileo/internal/store"
)

// historyChat serves a fixed channel backlog, ordered by ID.
type historyChat struct {
	mu       sync.Mutex
	messages []bus.Message
	maxPage  int   // server-side page clamp; 0 means none
	pages    []int // requested page limits
	replies  map[string]string
}

func (c *historyChat) Reply(_ context.Context, msg bus.Message, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.replies == nil {
		c.replies = make(map[string]string)
	}
	c.replies[msg.ID] = text
	return nil
}

func (c *historyChat) AdminMentions(context.Context, string) ([]string, error) { return nil, nil }

func (c *historyChat) Message(_ context.Context, _, messageID string) (bus.Message, error) {
	for _, m := range c.messages {
		if m.ID == messageID {
			return m, nil
		}
	}
	return bus.Message{}, errors.New("unknown message")
}

func (c *historyChat) History(_ context.Context, _, afterID string, limit int) ([]bus.Message, error) {
	c.mu.Lock()
	c.pages = append(c.pages, limit)
	c.mu.Unlock()
	if c.maxPage > 0 && limit > c.maxPage {
		limit = c.maxPage
	}

	var out []bus.Message
	for i, m := range c.messages {
		if m.ID == afterID {
			rest := c.messages[i+1:]
			if len(rest) > limit {
				rest = rest[:limit]
			}
			out = append(out, rest...)
			break
		}
	}
	return out, nil
}

func (c *historyChat) replied() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.replies))
	for k, v := range c.replies {
		out[k] = v
	}
	return out
}

type answeredJournal struct {
	mu   sync.Mutex
	done map[string]bool
}

func (j *answeredJournal) RecordDispense(context.Context, store.DispenseRecord) error { return nil }

func (j *answeredJournal) MarkAnswered(_ context.Context, _, messageID string, _ time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.done == nil {
		j.done = make(map[string]bool)
	}
	j.done[messageID] = true
	return nil
}

func (j *answeredJournal) Answered(_ context.Context, _, messageID string) (bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.done[messageID], nil
}

func testAddr(t *testing.T, seed byte) string {
	t.Helper()
	var payload [address.PayloadLen]byte
	payload[0] = seed
	a, err := address.Encode("penumbrav1t", payload)
	if err != nil {
		t.Fatal(err)
	}
	return a.String()
}

// backlog builds n messages from the same author, each holding an address.
func backlog(t *testing.T, n int) []bus.Message {
	msgs := make([]bus.Message, n)
	for i := range msgs {
		msgs[i] = bus.Message{
			ID:        fmt.Sprintf("%d", 100+i),
			ChannelID: "chan",
			AuthorID:  "same-user",
			Content:   "faucet pls " + testAddr(t, byte(i)),
		}
	}
	return msgs
}

// consume answers every queued request, recording what it saw.
func consume(ctx context.Context, q *bus.Queue, seen *[]*bus.Request, mu *sync.Mutex) {
	for {
		req, ok, err := q.Receive(ctx)
		if err != nil || !ok {
			return
		}
		mu.Lock()
		*seen = append(*seen, req)
		mu.Unlock()
		req.Respond("ok " + req.Message.ID)
	}
}

func TestReplayWalksBacklogInBatches(t *testing.T) {
	chat := &historyChat{messages: backlog(t, 7)}
	chat.messages[2].Content = "no address here"
	chat.messages[4].AuthorBot = true

	q := bus.NewQueue(2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		seen []*bus.Request
		mu   sync.Mutex
	)
	go consume(ctx, q, &seen, &mu)

	r := New(Anchor{ChannelID: "chan", MessageID: "100"}, Config{BatchSize: 3}, chat, q, nil, nil, nil)
	n, err := r.Replay(ctx)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if n != 5 {
		t.Errorf("enqueued %d requests, want 5", n)
	}

	mu.Lock()
	defer mu.Unlock()
	var ids []string
	for _, req := range seen {
		if !req.Replay {
			t.Errorf("request %s not flagged as replay", req.Message.ID)
		}
		ids = append(ids, req.Message.ID)
	}
	want := []string{"100", "101", "103", "105", "106"}
	if fmt.Sprint(ids) != fmt.Sprint(want) {
		t.Errorf("replayed %v, want %v", ids, want)
	}

	replied := chat.replied()
	for _, id := range want {
		if replied[id] != "ok "+id {
			t.Errorf("message %s reply = %q", id, replied[id])
		}
	}
	for _, limit := range chat.pages {
		if limit != 3 {
			t.Errorf("history page limit = %d, want 3", limit)
		}
	}
}

func TestReplayIgnoresRateLimitsForSameAuthor(t *testing.T) {
	// every backlog message comes from one author; all must be replayed
	chat := &historyChat{messages: backlog(t, 12)}
	q := bus.NewQueue(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		seen []*bus.Request
		mu   sync.Mutex
	)
	go consume(ctx, q, &seen, &mu)

	r := New(Anchor{ChannelID: "chan", MessageID: "100"}, Config{BatchSize: 5}, chat, q, nil, nil, nil)
	n, err := r.Replay(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 12 {
		t.Errorf("replayed %d of 12 messages from one author", n)
	}
}

func TestReplaySkipsAnswered(t *testing.T) {
	chat := &historyChat{messages: backlog(t, 4)}
	journal := &answeredJournal{done: map[string]bool{"101": true, "102": true}}
	q := bus.NewQueue(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		seen []*bus.Request
		mu   sync.Mutex
	)
	go consume(ctx, q, &seen, &mu)

	r := New(Anchor{ChannelID: "chan", MessageID: "100"}, Config{BatchSize: 10, SkipAnswered: true}, chat, q, journal, nil, nil)
	n, err := r.Replay(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("replayed %d, want 2", n)
	}
}

func TestReplayContinuesPastShortPages(t *testing.T) {
	// the server hands out at most 40 messages however many are asked for
	chat := &historyChat{messages: backlog(t, 250), maxPage: 40}
	q := bus.NewQueue(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		seen []*bus.Request
		mu   sync.Mutex
	)
	go consume(ctx, q, &seen, &mu)

	r := New(Anchor{ChannelID: "chan", MessageID: "100"}, Config{BatchSize: 200}, chat, q, nil, nil, nil)
	n, err := r.Replay(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 250 {
		t.Errorf("replayed %d of 250 messages", n)
	}
	chat.mu.Lock()
	defer chat.mu.Unlock()
	for _, limit := range chat.pages {
		if limit != MaxBatchSize {
			t.Errorf("history page limit = %d, want %d", limit, MaxBatchSize)
		}
	}
}

func TestReplayStopsAtCutoff(t *testing.T) {
	chat := &historyChat{messages: backlog(t, 10)}
	q := bus.NewQueue(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		seen []*bus.Request
		mu   sync.Mutex
	)
	go consume(ctx, q, &seen, &mu)

	r := New(Anchor{ChannelID: "chan", MessageID: "100"}, Config{BatchSize: 2, Cutoff: "105"}, chat, q, nil, nil, nil)
	n, err := r.Replay(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Errorf("replayed %d, want 5 (100-104)", n)
	}
	chat.mu.Lock()
	pages := len(chat.pages)
	chat.mu.Unlock()
	if pages != 3 {
		t.Errorf("fetched %d pages, want 3: nothing past the page holding the cutoff", pages)
	}
	if _, ok := chat.replied()["105"]; ok {
		t.Error("message at the cutoff belongs to live traffic")
	}
}

func TestLiveAndReplayAdmitEachMessageOnce(t *testing.T) {
	chat := &historyChat{messages: backlog(t, 6)}
	claims := bus.NewClaims()
	q := bus.NewQueue(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		seen []*bus.Request
		mu   sync.Mutex
	)
	go consume(ctx, q, &seen, &mu)

	gate := channels.NewGate(channels.GateConfig{RateLimit: time.Hour, ReplyLimit: 1, Claims: claims}, chat, q, nil, nil)

	// 101 arrives live while catch-up is starting
	if got, err := gate.Admit(ctx, chat.messages[1]); err != nil || got != channels.Admitted {
		t.Fatalf("live Admit = %v, %v", got, err)
	}

	r := New(Anchor{ChannelID: "chan", MessageID: "100"}, Config{BatchSize: 2, Cutoff: "106", Claims: claims}, chat, q, nil, nil, nil)
	n, err := r.Replay(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Errorf("replayed %d, want 5", n)
	}

	// a redelivered backlog event is not admitted again
	if got, _ := gate.Admit(ctx, chat.messages[3]); got != channels.Duplicate {
		t.Errorf("redelivered 103 = %v, want duplicate", got)
	}
	gate.Wait()

	mu.Lock()
	defer mu.Unlock()
	count := make(map[string]int)
	for _, req := range seen {
		count[req.Message.ID]++
	}
	for _, m := range chat.messages {
		if count[m.ID] != 1 {
			t.Errorf("message %s enqueued %d times, want once", m.ID, count[m.ID])
		}
	}
}

func TestServeStopsBeforeReady(t *testing.T) {
	chat := &historyChat{messages: backlog(t, 1)}
	r := New(Anchor{ChannelID: "chan", MessageID: "100"}, Config{}, chat, bus.NewQueue(1), nil, make(chan struct{}), nil)

	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- r.Serve(context.Background(), stop) }()

	close(stop)
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve = %v, want nil after stop", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve ignored stop")
	}
}

func TestReplayUnknownAnchorFails(t *testing.T) {
	chat := &historyChat{messages: backlog(t, 1)}
	r := New(Anchor{ChannelID: "chan", MessageID: "999"}, Config{}, chat, bus.NewQueue(1), nil, nil, nil)
	if _, err := r.Replay(context.Background()); err == nil {
		t.Fatal("expected an error for a missing anchor message")
	}
}

func TestRunIdlesAfterBacklog(t *testing.T) {
	chat := &historyChat{messages: []bus.Message{{ID: "1", ChannelID: "chan", Content: "hello"}}}
	r := New(Anchor{ChannelID: "chan", MessageID: "1"}, Config{}, chat, bus.NewQueue(1), nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	select {
	case err := <-done:
		t.Fatalf("Run returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v, want nil after shutdown", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}

func TestParseAnchor(t *testing.T) {
	tests := []struct {
		in      string
		want    Anchor
		wantErr bool
	}{
		{in: "123/456", want: Anchor{"123", "456"}},
		{in: "https://discord.com/channels/1/123/456", want: Anchor{"123", "456"}},
		{in: "https://discord.com/channels/@me/123/456", want: Anchor{"123", "456"}},
		{in: "123", wantErr: true},
		{in: "abc/456", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAnchor(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", got)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("ParseAnchor = %v, %v; want %v", got, err, tt.want)
			}
		})
	}
}
