package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRetryPolicy_StopsAfterBudget(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := retryPolicy{retries: 1, baseWait: time.Millisecond}
	_, err := p.do(context.Background(), srv.Client(), func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, srv.URL, nil)
	}, testLogger())
	if err == nil {
		t.Fatal("expected error after retry budget exhausted")
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
}

func TestRetryPolicy_NonRetryableStatusReturned(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	p := retryPolicy{retries: 3, baseWait: time.Millisecond}
	resp, err := p.do(context.Background(), srv.Client(), func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, srv.URL, nil)
	}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 passed through, got %d", resp.StatusCode)
	}
	if attempts != 1 {
		t.Errorf("expected a single attempt, got %d", attempts)
	}
}

func TestRetryPolicy_CanceledContextStopsWait(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := retryPolicy{retries: 2, baseWait: time.Hour}
	_, err := p.do(ctx, srv.Client(), func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, srv.URL, nil)
	}, testLogger())
	if err == nil {
		t.Fatal("expected error from canceled context")
	}
}

func TestNewGemini_RetryBudgetConfigurable(t *testing.T) {
	g := NewGemini(GeminiConfig{MaxRetries: 1, Logger: testLogger()})
	if g.retry.retries != 1 {
		t.Errorf("expected retry budget 1, got %d", g.retry.retries)
	}
	g = NewGemini(GeminiConfig{Logger: testLogger()})
	if g.retry.retries != defaultRetryPolicy().retries {
		t.Errorf("expected default retry budget, got %d", g.retry.retries)
	}
}
