package integration

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/fitpull/fitpull/internal/testutil"
	"github.com/fitpull/fitpull/pkg/fetch"
	"github.com/fitpull/fitpull/pkg/ledger"
	"github.com/fitpull/fitpull/pkg/planner"
	"github.com/fitpull/fitpull/pkg/quota"
)

// staticTokens is a TokenSource with a fixed token and a countable refresh.
type staticTokens struct {
	mu       sync.Mutex
	token    string
	refreshs int
}

func (s *staticTokens) CurrentToken() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, nil
}

func (s *staticTokens) Refresh() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshs++
	s.token = "refreshed-token"
	return s.token, nil
}

// setup wires a full pipeline against a mock API: file-backed SQLite ledger,
// quota keeper, HTTP transport, and orchestrator with fast retry backoff.
func setup(t *testing.T, mock *testutil.MockAPI, resources []planner.Resource) (*fetch.Orchestrator, *ledger.Store, *staticTokens) {
	t.Helper()

	store, err := ledger.Open(t.TempDir())
	if err != nil {
		t.Fatalf("opening ledger: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	logger := zerolog.Nop()
	keeper, err := quota.NewKeeper(store, quota.DefaultConfig(), logger)
	if err != nil {
		t.Fatalf("creating keeper: %v", err)
	}

	transport := fetch.NewHTTPTransport(mock.URL(), "fitpull-test/1.0", resources, logger)
	tokens := &staticTokens{token: "test-token"}
	orch := fetch.New(store, keeper, transport, tokens, fetch.Config{
		Backoff: fetch.Backoff{
			MaxAttempts: 3,
			Initial:     time.Millisecond,
			Max:         5 * time.Millisecond,
			Multiplier:  2.0,
		},
	}, logger)
	return orch, store, tokens
}

func planUnits(t *testing.T, resources []planner.Resource, startStr, endStr string) []planner.Unit {
	t.Helper()
	start, err := planner.ParseDate(startStr)
	if err != nil {
		t.Fatalf("parsing start: %v", err)
	}
	end, err := planner.ParseDate(endStr)
	if err != nil {
		t.Fatalf("parsing end: %v", err)
	}
	units, err := planner.PlanAll(resources, start, end)
	if err != nil {
		t.Fatalf("planning: %v", err)
	}
	return units
}

func TestEndToEndFetch(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()

	resources, err := planner.Select([]string{"profile", "steps"})
	if err != nil {
		t.Fatalf("selecting resources: %v", err)
	}
	units := planUnits(t, resources, "2023-01-01", "2023-01-31")

	orch, store, _ := setup(t, mock, resources)

	summary, err := orch.Run(context.Background(), units)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Completed != len(units) {
		t.Errorf("completed = %d, want %d", summary.Completed, len(units))
	}
	if summary.Failed != 0 || summary.Skipped != 0 {
		t.Errorf("failed = %d, skipped = %d, want 0/0", summary.Failed, summary.Skipped)
	}
	if got := mock.Requests(); got != len(units) {
		t.Errorf("API requests = %d, want %d", got, len(units))
	}
	if auth := mock.LastHeader.Get("Authorization"); auth != "Bearer test-token" {
		t.Errorf("Authorization = %q, want bearer token", auth)
	}

	// Every unit's payload must be readable back from the ledger.
	for _, u := range units {
		body, err := store.Payload(u)
		if err != nil {
			t.Errorf("payload for %s: %v", u.Key(), err)
			continue
		}
		if len(body) == 0 {
			t.Errorf("payload for %s is empty", u.Key())
		}
	}
}

func TestEndToEndResume(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()

	resources, err := planner.Select([]string{"sleep-logs"})
	if err != nil {
		t.Fatalf("selecting resources: %v", err)
	}
	units := planUnits(t, resources, "2023-01-01", "2023-12-31")

	orch, store, _ := setup(t, mock, resources)
	if _, err := orch.Run(context.Background(), units); err != nil {
		t.Fatalf("first run: %v", err)
	}
	firstRequests := mock.Requests()

	// A fresh orchestrator over the same store must skip everything.
	logger := zerolog.Nop()
	keeper, err := quota.NewKeeper(store, quota.DefaultConfig(), logger)
	if err != nil {
		t.Fatalf("creating keeper: %v", err)
	}
	transport := fetch.NewHTTPTransport(mock.URL(), "fitpull-test/1.0", resources, logger)
	resumed := fetch.New(store, keeper, transport, &staticTokens{token: "test-token"}, fetch.Config{}, logger)

	summary, err := resumed.Run(context.Background(), units)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if summary.Skipped != len(units) || summary.Completed != 0 {
		t.Errorf("skipped = %d, completed = %d, want %d/0", summary.Skipped, summary.Completed, len(units))
	}
	if got := mock.Requests(); got != firstRequests {
		t.Errorf("second run issued %d extra requests, want 0", got-firstRequests)
	}
}

func TestEndToEndTransientRetry(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()

	resources, err := planner.Select([]string{"devices"})
	if err != nil {
		t.Fatalf("selecting resources: %v", err)
	}
	units := planUnits(t, resources, "2023-01-01", "2023-01-01")
	if len(units) != 1 {
		t.Fatalf("units = %d, want 1", len(units))
	}

	mock.RespondSequence("/user/-/devices.json",
		testutil.MockResponse{StatusCode: http.StatusServiceUnavailable, Body: `{"error":"maintenance"}`},
		testutil.MockResponse{StatusCode: http.StatusOK, Body: `[{"id":"tracker"}]`},
	)

	orch, store, _ := setup(t, mock, resources)
	summary, err := orch.Run(context.Background(), units)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Completed != 1 {
		t.Fatalf("completed = %d, want 1", summary.Completed)
	}
	if got := mock.Requests(); got != 2 {
		t.Errorf("API requests = %d, want 2 (one failure, one retry)", got)
	}

	body, err := store.Payload(units[0])
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	if !strings.Contains(string(body), "tracker") {
		t.Errorf("payload = %q, want retried response body", body)
	}

	// The transient failure must be on record even though the unit succeeded.
	n, err := store.ErrorCount(units[0])
	if err != nil {
		t.Fatalf("error count: %v", err)
	}
	if n != 1 {
		t.Errorf("error records = %d, want 1", n)
	}
}

func TestEndToEndTokenRefresh(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()

	resources, err := planner.Select([]string{"profile"})
	if err != nil {
		t.Fatalf("selecting resources: %v", err)
	}
	units := planUnits(t, resources, "2023-01-01", "2023-01-01")

	mock.Handle("/user/-/profile.json", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer refreshed-token" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"errors":[{"errorType":"expired_token"}]}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"user":{"displayName":"Test"}}`))
	})

	orch, _, tokens := setup(t, mock, resources)
	summary, err := orch.Run(context.Background(), units)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Completed != 1 {
		t.Fatalf("completed = %d, want 1", summary.Completed)
	}
	if tokens.refreshs != 1 {
		t.Errorf("refreshes = %d, want 1", tokens.refreshs)
	}
	if got := mock.Requests(); got != 2 {
		t.Errorf("API requests = %d, want 2 (expired, resend)", got)
	}
}
