package fetch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/fitpull/fitpull/pkg/ledger"
	"github.com/fitpull/fitpull/pkg/planner"
	"github.com/fitpull/fitpull/pkg/quota"
)

// fakeClock is a mutable wall clock shared by the keeper, the orchestrator,
// and the sleep stub, so quota waits actually move time forward.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// scriptedTransport replays a fixed sequence of responses per unit key.
type scriptedTransport struct {
	responses map[string][]Response
	sent      []string
}

func (s *scriptedTransport) Endpoint(u planner.Unit) (string, error) {
	if u.Resource == "malformed" {
		return "", fmt.Errorf("no endpoint template for %q", u.Resource)
	}
	return "/user/-/" + u.Resource + ".json", nil
}

func (s *scriptedTransport) Send(ctx context.Context, u planner.Unit, token string) (Response, error) {
	s.sent = append(s.sent, u.Key())
	queue := s.responses[u.Key()]
	if len(queue) == 0 {
		return Response{Class: ClassOK, StatusCode: 200, Body: []byte("{}")}, nil
	}
	resp := queue[0]
	s.responses[u.Key()] = queue[1:]
	return resp, nil
}

type fakeTokens struct {
	token        string
	refreshErr   error
	refreshCalls int
}

func (f *fakeTokens) CurrentToken() (string, error) {
	return f.token, nil
}

func (f *fakeTokens) Refresh() (string, error) {
	f.refreshCalls++
	if f.refreshErr != nil {
		return "", f.refreshErr
	}
	f.token = f.token + "-refreshed"
	return f.token, nil
}

type harness struct {
	store     *ledger.Store
	keeper    *quota.Keeper
	transport *scriptedTransport
	tokens    *fakeTokens
	orch      *Orchestrator
	clock     *fakeClock
	sleeps    []time.Duration
}

func newHarness(t *testing.T, limit int) *harness {
	t.Helper()
	store, err := ledger.Open(":memory:")
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	clock := newFakeClock(time.Date(2020, 6, 1, 10, 15, 0, 0, time.UTC))

	keeper, err := quota.NewKeeper(store, quota.Config{Limit: limit, Period: time.Hour}, logger)
	if err != nil {
		t.Fatalf("NewKeeper: %v", err)
	}
	keeper.SetClock(clock.Now)

	h := &harness{
		store:     store,
		keeper:    keeper,
		transport: &scriptedTransport{responses: map[string][]Response{}},
		tokens:    &fakeTokens{token: "tok"},
		clock:     clock,
	}
	h.orch = New(store, keeper, h.transport, h.tokens, Config{RunID: "test-run"}, logger)
	h.orch.SetClock(clock.Now)
	h.orch.SetSleep(func(ctx context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		clock.Advance(d)
		return ctx.Err()
	})
	return h
}

func unitFor(resource string) planner.Unit {
	start, _ := planner.ParseDate("2020-01-01")
	end, _ := planner.ParseDate("2020-03-30")
	return planner.Unit{Resource: resource, Start: start, End: end}
}

func (h *harness) windowCount(t *testing.T) int {
	t.Helper()
	n, err := h.store.WindowCount(h.clock.Now().Truncate(time.Hour).Unix())
	if err != nil {
		t.Fatalf("WindowCount: %v", err)
	}
	return n
}

func TestRun_FetchesAndCommits(t *testing.T) {
	h := newHarness(t, 150)
	u := unitFor("steps")

	sum, err := h.orch.Run(context.Background(), []planner.Unit{u})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Completed != 1 || sum.Skipped != 0 || sum.Failed != 0 {
		t.Errorf("Summary = %+v, want 1 completed", sum)
	}

	done, err := h.store.IsDone(u)
	if err != nil {
		t.Fatalf("IsDone: %v", err)
	}
	if !done {
		t.Error("unit not marked done")
	}
	if _, err := h.store.Payload(u); err != nil {
		t.Errorf("payload not persisted: %v", err)
	}
	if n := h.windowCount(t); n != 1 {
		t.Errorf("quota consumed = %d, want 1", n)
	}
}

// TestRun_SkipsCompletedUnits is the resumability property: units done in a
// previous run issue zero requests and consume zero quota.
func TestRun_SkipsCompletedUnits(t *testing.T) {
	h := newHarness(t, 150)
	done := unitFor("steps")
	pending := unitFor("calories")

	if err := h.store.MarkDone(done, ledger.OutcomeSuccess, h.clock.Now()); err != nil {
		t.Fatalf("MarkDone: %v", err)
	}

	sum, err := h.orch.Run(context.Background(), []planner.Unit{done, pending})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Skipped != 1 || sum.Completed != 1 {
		t.Errorf("Summary = %+v, want 1 skipped 1 completed", sum)
	}

	if len(h.transport.sent) != 1 || h.transport.sent[0] != pending.Key() {
		t.Errorf("sent = %v, want only %q", h.transport.sent, pending.Key())
	}
	if n := h.windowCount(t); n != 1 {
		t.Errorf("quota consumed = %d, want 1", n)
	}
}

// TestRun_TransientRetry exercises the retry path: success on the third
// attempt after two transient errors, with backoff 1s then 2s, leaves the
// unit done, two error records, and one progress record.
func TestRun_TransientRetry(t *testing.T) {
	h := newHarness(t, 150)
	u := unitFor("steps")
	h.transport.responses[u.Key()] = []Response{
		{Class: ClassTransient, StatusCode: 503, Message: "HTTP 503"},
		{Class: ClassTransient, StatusCode: 502, Message: "HTTP 502"},
		{Class: ClassOK, StatusCode: 200, Body: []byte("{}")},
	}

	sum, err := h.orch.Run(context.Background(), []planner.Unit{u})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Completed != 1 {
		t.Errorf("Summary = %+v, want 1 completed", sum)
	}

	wantSleeps := []time.Duration{1 * time.Second, 2 * time.Second}
	if len(h.sleeps) != len(wantSleeps) {
		t.Fatalf("sleeps = %v, want %v", h.sleeps, wantSleeps)
	}
	for i := range wantSleeps {
		if h.sleeps[i] != wantSleeps[i] {
			t.Errorf("sleep %d = %s, want %s", i, h.sleeps[i], wantSleeps[i])
		}
	}

	n, err := h.store.ErrorCount(u)
	if err != nil {
		t.Fatalf("ErrorCount: %v", err)
	}
	if n != 2 {
		t.Errorf("error records = %d, want 2", n)
	}
}

func TestRun_RetryExhausted(t *testing.T) {
	h := newHarness(t, 150)
	failing := unitFor("steps")
	next := unitFor("calories")
	h.transport.responses[failing.Key()] = []Response{
		{Class: ClassTransient, StatusCode: 503, Message: "HTTP 503"},
		{Class: ClassTransient, StatusCode: 503, Message: "HTTP 503"},
		{Class: ClassTransient, StatusCode: 503, Message: "HTTP 503"},
	}

	sum, err := h.orch.Run(context.Background(), []planner.Unit{failing, next})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// Failure of one unit never aborts the run.
	if sum.Failed != 1 || sum.Completed != 1 {
		t.Errorf("Summary = %+v, want 1 failed 1 completed", sum)
	}

	done, err := h.store.IsDone(failing)
	if err != nil {
		t.Fatalf("IsDone: %v", err)
	}
	if done {
		t.Error("failed unit marked done")
	}

	totals, err := h.store.Totals()
	if err != nil {
		t.Fatalf("Totals: %v", err)
	}
	if totals.Failed != 1 {
		t.Errorf("terminally failed units = %d, want 1", totals.Failed)
	}
}

// TestRun_AuthRefresh exercises token expiry: 401 on the first attempt,
// successful refresh, success on the resend. The resend must not consume a
// second quota grant.
func TestRun_AuthRefresh(t *testing.T) {
	h := newHarness(t, 150)
	u := unitFor("steps")
	h.transport.responses[u.Key()] = []Response{
		{Class: ClassAuthExpired, StatusCode: 401, Message: "token expired"},
		{Class: ClassOK, StatusCode: 200, Body: []byte("{}")},
	}

	sum, err := h.orch.Run(context.Background(), []planner.Unit{u})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Completed != 1 {
		t.Errorf("Summary = %+v, want 1 completed", sum)
	}
	if h.tokens.refreshCalls != 1 {
		t.Errorf("refresh calls = %d, want 1", h.tokens.refreshCalls)
	}
	if n := h.windowCount(t); n != 1 {
		t.Errorf("quota consumed = %d, want 1 (resend reuses the spent grant)", n)
	}
}

func TestRun_RefreshFails(t *testing.T) {
	h := newHarness(t, 150)
	first := unitFor("steps")
	second := unitFor("calories")
	h.transport.responses[first.Key()] = []Response{
		{Class: ClassAuthExpired, StatusCode: 401, Message: "token expired"},
	}
	h.tokens.refreshErr = errors.New("refresh_token invalid")

	sum, err := h.orch.Run(context.Background(), []planner.Unit{first, second})
	if !errors.Is(err, ErrAuthInvalid) {
		t.Fatalf("Run error = %v, want ErrAuthInvalid", err)
	}
	// Fatal: zero additional units processed.
	if sum.Completed != 0 || sum.Failed != 0 {
		t.Errorf("Summary = %+v, want nothing processed", sum)
	}
	for _, key := range h.transport.sent {
		if key == second.Key() {
			t.Error("second unit was attempted after fatal auth error")
		}
	}
}

func TestRun_PermanentError(t *testing.T) {
	h := newHarness(t, 150)
	bad := unitFor("steps")
	good := unitFor("calories")
	h.transport.responses[bad.Key()] = []Response{
		{Class: ClassPermanent, StatusCode: 403, Message: "HTTP 403"},
	}

	sum, err := h.orch.Run(context.Background(), []planner.Unit{bad, good})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Failed != 1 || sum.Completed != 1 {
		t.Errorf("Summary = %+v, want 1 failed 1 completed", sum)
	}
	if len(h.sleeps) != 0 {
		t.Errorf("permanent error slept %v, want no retries", h.sleeps)
	}
}

// TestRun_QuotaWait exhausts a 1-request window and verifies the loop blocks
// exactly until the window boundary, then proceeds.
func TestRun_QuotaWait(t *testing.T) {
	h := newHarness(t, 1)
	first := unitFor("steps")
	second := unitFor("calories")

	sum, err := h.orch.Run(context.Background(), []planner.Unit{first, second})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Completed != 2 {
		t.Errorf("Summary = %+v, want 2 completed", sum)
	}

	// Started at 10:15, so the wait to the 11:00 boundary is 45 minutes.
	if len(h.sleeps) != 1 {
		t.Fatalf("sleeps = %v, want exactly one quota wait", h.sleeps)
	}
	if h.sleeps[0] != 45*time.Minute {
		t.Errorf("quota wait = %s, want 45m", h.sleeps[0])
	}
}

// TestRun_RemoteRateLimited: a remote 429 despite local gating waits for the
// window reset and retries the same unit with a fresh grant.
func TestRun_RemoteRateLimited(t *testing.T) {
	h := newHarness(t, 150)
	u := unitFor("steps")
	h.transport.responses[u.Key()] = []Response{
		{Class: ClassRateLimited, StatusCode: 429, Message: "HTTP 429"},
		{Class: ClassOK, StatusCode: 200, Body: []byte("{}")},
	}

	sum, err := h.orch.Run(context.Background(), []planner.Unit{u})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Completed != 1 {
		t.Errorf("Summary = %+v, want 1 completed", sum)
	}
	if len(h.sleeps) != 1 || h.sleeps[0] != 45*time.Minute {
		t.Errorf("sleeps = %v, want one 45m wait to the window boundary", h.sleeps)
	}
	if len(h.transport.sent) != 2 {
		t.Errorf("sent %d requests, want 2", len(h.transport.sent))
	}
}

func TestRun_LocalRejectConsumesNoQuota(t *testing.T) {
	h := newHarness(t, 150)
	bad := unitFor("malformed")

	sum, err := h.orch.Run(context.Background(), []planner.Unit{bad})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Failed != 1 {
		t.Errorf("Summary = %+v, want 1 failed", sum)
	}
	if n := h.windowCount(t); n != 0 {
		t.Errorf("quota consumed = %d, want 0", n)
	}
	if len(h.transport.sent) != 0 {
		t.Errorf("sent = %v, want no requests", h.transport.sent)
	}
}

func TestRun_Cancellation(t *testing.T) {
	h := newHarness(t, 1)
	first := unitFor("steps")
	second := unitFor("calories")

	ctx, cancel := context.WithCancel(context.Background())
	h.orch.SetSleep(func(ctx context.Context, d time.Duration) error {
		// Operator shutdown arrives during the quota wait.
		cancel()
		return ctx.Err()
	})

	sum, err := h.orch.Run(ctx, []planner.Unit{first, second})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run error = %v, want context.Canceled", err)
	}
	if sum.Completed != 1 {
		t.Errorf("Summary = %+v, want the pre-cancel unit completed", sum)
	}

	// Ledgers are consistent at the interruption point: the first unit is
	// resumable state, the second was never attempted.
	done, err := h.store.IsDone(first)
	if err != nil {
		t.Fatalf("IsDone: %v", err)
	}
	if !done {
		t.Error("completed unit lost at cancellation")
	}
}

// TestRun_ResumeAfterInterrupt replays the interruption property end to end:
// a second run over the same queue fetches only what the first run left.
func TestRun_ResumeAfterInterrupt(t *testing.T) {
	h := newHarness(t, 150)
	units := []planner.Unit{unitFor("steps"), unitFor("calories"), unitFor("distance")}

	// First run completes only the first unit, then dies on a fatal error.
	h.transport.responses[units[1].Key()] = []Response{
		{Class: ClassAuthExpired, StatusCode: 401, Message: "token expired"},
	}
	h.tokens.refreshErr = errors.New("refresh_token invalid")

	if _, err := h.orch.Run(context.Background(), units); !errors.Is(err, ErrAuthInvalid) {
		t.Fatalf("first run error = %v, want ErrAuthInvalid", err)
	}

	// "Re-authorized": the second run skips unit one and finishes the rest.
	h.tokens.refreshErr = nil
	h.transport.sent = nil

	sum, err := h.orch.Run(context.Background(), units)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if sum.Skipped != 1 || sum.Completed != 2 {
		t.Errorf("Summary = %+v, want 1 skipped 2 completed", sum)
	}
	for _, key := range h.transport.sent {
		if key == units[0].Key() {
			t.Error("already-done unit was re-fetched")
		}
	}
}

func TestStatus(t *testing.T) {
	h := newHarness(t, 150)
	units := []planner.Unit{unitFor("steps"), unitFor("calories")}

	if _, err := h.orch.Run(context.Background(), units); err != nil {
		t.Fatalf("Run: %v", err)
	}

	report, err := h.orch.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if report.Totals.Done != 2 {
		t.Errorf("Totals.Done = %d, want 2", report.Totals.Done)
	}
	if report.Quota.Used != 2 {
		t.Errorf("Quota.Used = %d, want 2", report.Quota.Used)
	}
	if report.Quota.Limit != 150 {
		t.Errorf("Quota.Limit = %d, want 150", report.Quota.Limit)
	}
}
