package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"discount-ledger/internal/config"
	"discount-ledger/internal/models"
	"discount-ledger/internal/redis"
	"discount-ledger/internal/services"
	"discount-ledger/internal/store"

	miniredis "github.com/alicebob/miniredis/v2"
)

type stubLimiter struct {
	allowSeq []bool
	calls    int
	limit    int64
	err      error
	usageErr error
}

func (s *stubLimiter) Allow(_ context.Context, _ string) (bool, int64, time.Time, error) {
	if s.err != nil {
		return false, 0, time.Time{}, s.err
	}
	allowed := s.calls < len(s.allowSeq) && s.allowSeq[s.calls]
	s.calls++
	remaining := s.limit - int64(s.calls)
	if remaining < 0 {
		remaining = 0
	}
	return allowed, remaining, time.Now().Add(30 * time.Second), nil
}
func (s *stubLimiter) Enabled() bool { return s.limit > 0 }
func (s *stubLimiter) Limit() int64  { return s.limit }
func (s *stubLimiter) Usage(_ context.Context, _ string) (int64, int64, *time.Time, error) {
	if s.usageErr != nil {
		return 0, 0, nil, s.usageErr
	}
	reset := time.Now().Add(30 * time.Second)
	return int64(s.calls), s.limit - int64(s.calls), &reset, nil
}

type stubGuard struct {
	state    services.WindowState
	err      error
	observed []models.Outcome
}

func (s *stubGuard) Check(context.Context, string) (services.WindowState, error) {
	return s.state, s.err
}
func (s *stubGuard) Observe(_ context.Context, _ string, outcome models.Outcome) (services.WindowState, error) {
	s.observed = append(s.observed, outcome)
	return s.state, s.err
}
func (s *stubGuard) Limit() int64 { return 3 }

var _ CodeEntryGuard = (*services.CodeEntryGuard)(nil)

func okHandler(calls *int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		*calls++
		w.WriteHeader(http.StatusOK)
	}
}

func TestRateLimitMiddleware_BlocksAfterLimit(t *testing.T) {
	limiter := &stubLimiter{allowSeq: []bool{true, false}, limit: 1}
	calls := 0
	wrapped := RateLimitMiddleware(limiter, newTestLogger(), okHandler(&calls))

	req := httptest.NewRequest(http.MethodPost, "/api/gift-cards/apply", nil)
	req.RemoteAddr = "1.2.3.4:1234"

	rr := httptest.NewRecorder()
	wrapped(rr, req)
	if rr.Code != http.StatusOK || calls != 1 {
		t.Fatalf("first request expected 200, calls=1; got %d, calls=%d", rr.Code, calls)
	}
	if rr.Header().Get("X-RateLimit-Limit") != "1" || rr.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("unexpected rate limit headers %v", rr.Header())
	}

	rr = httptest.NewRecorder()
	wrapped(rr, req)
	if rr.Code != http.StatusTooManyRequests || calls != 1 {
		t.Fatalf("second request expected 429, calls still 1; got %d, calls=%d", rr.Code, calls)
	}
	retry, err := strconv.Atoi(rr.Header().Get("Retry-After"))
	if err != nil || retry < 1 || retry > 30 {
		t.Fatalf("expected Retry-After within window, got %q", rr.Header().Get("Retry-After"))
	}
}

func TestRateLimitMiddleware_DisabledOrFailing(t *testing.T) {
	calls := 0
	rr := httptest.NewRecorder()
	RateLimitMiddleware(&stubLimiter{}, newTestLogger(), okHandler(&calls))(rr, httptest.NewRequest(http.MethodGet, "/api/promo-codes", nil))
	if calls != 1 || rr.Code != http.StatusOK {
		t.Fatalf("disabled limiter must pass through, code=%d calls=%d", rr.Code, calls)
	}

	rr = httptest.NewRecorder()
	RateLimitMiddleware(nil, newTestLogger(), okHandler(&calls))(rr, httptest.NewRequest(http.MethodGet, "/api/promo-codes", nil))
	if calls != 2 {
		t.Fatalf("nil limiter must pass through")
	}

	rr = httptest.NewRecorder()
	failing := &stubLimiter{limit: 1, err: errors.New("redis down")}
	RateLimitMiddleware(failing, newTestLogger(), okHandler(&calls))(rr, httptest.NewRequest(http.MethodGet, "/api/promo-codes", nil))
	if rr.Code != http.StatusInternalServerError || calls != 2 {
		t.Fatalf("expected 500 on limiter error, got %d calls=%d", rr.Code, calls)
	}
}

func getStatus(h *RateLimitHandler, target string) (*httptest.ResponseRecorder, map[string]interface{}) {
	rr := httptest.NewRecorder()
	h.Status(rr, httptest.NewRequest(http.MethodGet, target, nil))
	var body map[string]interface{}
	_ = json.NewDecoder(rr.Body).Decode(&body)
	return rr, body
}

func TestRateLimitStatus(t *testing.T) {
	cfg := &config.RateLimitConfig{Enabled: true, Requests: 5, WindowSeconds: 60}

	rr, body := getStatus(NewRateLimitHandler(nil, nil, newTestLogger(), cfg), "/api/rate-limit/status")
	if rr.Code != http.StatusOK || body["enabled"] != false {
		t.Fatalf("expected disabled status, got %d %v", rr.Code, body)
	}

	limiter := &stubLimiter{limit: 5, calls: 2}
	rr, body = getStatus(NewRateLimitHandler(limiter, nil, newTestLogger(), cfg), "/api/rate-limit/status")
	if rr.Code != http.StatusOK || body["enabled"] != true || body["used"] != float64(2) || body["remaining"] != float64(3) {
		t.Fatalf("unexpected status %v", body)
	}
	if _, ok := body["code_entries"]; ok {
		t.Fatalf("code entries are reported only for a user")
	}

	guard := &stubGuard{state: services.WindowState{Used: 3, Remaining: 0, ResetAt: time.Now().Add(time.Minute)}}
	rr, body = getStatus(NewRateLimitHandler(limiter, guard, newTestLogger(), cfg), "/api/rate-limit/status?user_id=guest-1")
	entries, ok := body["code_entries"].(map[string]interface{})
	if rr.Code != http.StatusOK || !ok || entries["blocked"] != true || entries["failures"] != float64(3) || entries["limit"] != float64(3) {
		t.Fatalf("unexpected code entries %v", body)
	}
}

func TestRateLimitStatus_Errors(t *testing.T) {
	cfg := &config.RateLimitConfig{Enabled: true, Requests: 5, WindowSeconds: 60}

	h := NewRateLimitHandler(&stubLimiter{limit: 5, usageErr: errors.New("usage error")}, nil, newTestLogger(), cfg)
	if rr, _ := getStatus(h, "/api/rate-limit/status"); rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 on usage error, got %d", rr.Code)
	}

	h = NewRateLimitHandler(nil, &stubGuard{err: errors.New("redis down")}, newTestLogger(), cfg)
	if rr, _ := getStatus(h, "/api/rate-limit/status?user_id=guest-1"); rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 on guard error, got %d", rr.Code)
	}

	rr := httptest.NewRecorder()
	h.Status(rr, httptest.NewRequest(http.MethodPost, "/api/rate-limit/status", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

func TestGiftCardHandler_Redeem_GuardBlocks(t *testing.T) {
	ledger := &stubLedger{redemption: &models.Redemption{Outcome: models.OutcomeNotFound}}
	guard := &stubGuard{}
	h := NewGiftCardHandler(ledger, nil, 0, newTestLogger()).WithCodeEntryGuard(guard)

	rr := post(h.Redeem, "/api/gift-cards/redeem", `{"code":"ZZZZ0000","user_id":"guest-1"}`)
	if rr.Code != http.StatusNotFound || len(guard.observed) != 1 || guard.observed[0] != models.OutcomeNotFound {
		t.Fatalf("expected 404 and recorded failure, got %d %v", rr.Code, guard.observed)
	}

	guard.state = services.WindowState{Used: 3, ResetAt: time.Now().Add(time.Minute)}
	rr = post(h.Redeem, "/api/gift-cards/redeem", `{"code":"ZZZZ0000","user_id":"guest-1"}`)
	if rr.Code != http.StatusTooManyRequests || rr.Header().Get("Retry-After") == "" {
		t.Fatalf("expected 429 with Retry-After, got %d", rr.Code)
	}
	if len(guard.observed) != 1 {
		t.Fatalf("blocked request must not reach the ledger")
	}

	guard.state, guard.err = services.WindowState{}, errors.New("redis down")
	if rr := post(h.Redeem, "/api/gift-cards/redeem", `{"code":"ZZZZ0000","user_id":"guest-1"}`); rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 when guard fails, got %d", rr.Code)
	}
}

func TestGiftCardHandler_Redeem_UnknownCodesLockUser(t *testing.T) {
	mr := miniredis.RunT(t)
	log := newTestLogger()
	client, err := redis.Connect(&config.RedisConfig{Host: "127.0.0.1", Port: mr.Port()}, log)
	if err != nil {
		t.Fatalf("redis connect failed: %v", err)
	}
	defer client.Close()

	ledger := services.NewLedger(store.NewMemoryStore(), nil, nil, log, &config.LedgerConfig{CodeAttempts: 5}, services.DefaultPromoCodes(time.Now()))
	if err := ledger.SeedPromoCodes(context.Background()); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	guard := services.NewCodeEntryGuard(client, log, &config.RateLimitConfig{RedeemFailures: 2, RedeemFailureWindowSeconds: 600})
	h := NewGiftCardHandler(ledger, client, time.Minute, log).WithCodeEntryGuard(guard)

	for _, code := range []string{"AAAA1111", "BBBB2222"} {
		if rr := post(h.Redeem, "/api/gift-cards/redeem", `{"code":"`+code+`","user_id":"guest-1"}`); rr.Code != http.StatusNotFound {
			t.Fatalf("expected 404 for %s, got %d", code, rr.Code)
		}
	}

	rr := post(h.Redeem, "/api/gift-cards/redeem", `{"code":"HOSTEL5","user_id":"guest-1"}`)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected guest-1 locked out even for a valid code, got %d", rr.Code)
	}
	if rr := post(h.Redeem, "/api/gift-cards/redeem", `{"code":"HOSTEL5","user_id":"guest-2"}`); rr.Code != http.StatusOK {
		t.Fatalf("expected guest-2 unaffected, got %d", rr.Code)
	}

	mr.FastForward(601 * time.Second)
	if rr := post(h.Redeem, "/api/gift-cards/redeem", `{"code":"HOSTEL5","user_id":"guest-1"}`); rr.Code != http.StatusOK {
		t.Fatalf("expected guest-1 unlocked after window, got %d", rr.Code)
	}
}
