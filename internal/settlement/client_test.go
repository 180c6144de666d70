package settlement

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/x402-paygate/internal/domain"
	"github.com/xela07ax/x402-paygate/internal/x402"
	"go.uber.org/zap"
)

func newTestClient() *Client {
	return NewClient(Config{
		FetchAttempts: 3,
		FetchTimeout:  2 * time.Second,
		RetryDelay:    time.Millisecond,
		RateLimit:     1000,
		RateBurst:     100,
	}, &http.Client{}, zap.NewNop(), nil)
}

func settlementHeader(t *testing.T, sr x402.SettlementResponse) string {
	raw, err := json.Marshal(sr)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(raw)
}

func payment() x402.PaymentPayload {
	return x402.PaymentPayload{X402Version: 1, Scheme: x402.SchemeExact, Network: "base-sepolia"}
}

func TestFetch(t *testing.T) {
	t.Run("RetriesServerErrors", func(t *testing.T) {
		var calls int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&calls, 1) < 3 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			w.WriteHeader(http.StatusPaymentRequired)
			w.Write([]byte(`{"x402Version":1,"accepts":[]}`))
		}))
		defer srv.Close()

		resp, err := newTestClient().Fetch(context.Background(), domain.RequestSnapshot{URL: srv.URL})
		require.NoError(t, err)
		assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
		assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	})

	t.Run("BoundedAttempts", func(t *testing.T) {
		var calls int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		_, err := newTestClient().Fetch(context.Background(), domain.RequestSnapshot{URL: srv.URL})
		assert.Error(t, err)
		assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	})

	t.Run("Unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		_, err := newTestClient().Fetch(context.Background(), domain.RequestSnapshot{URL: url})
		assert.ErrorIs(t, err, domain.ErrNetworkTimeout)
	})

	t.Run("PaymentHeaderStripped", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Empty(t, r.Header.Get(x402.HeaderPayment))
			assert.Equal(t, "yes", r.Header.Get("X-Agent"))
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		snap := domain.RequestSnapshot{URL: srv.URL, Header: http.Header{
			"X-Agent":          {"yes"},
			x402.HeaderPayment: {"stale"},
		}}
		resp, err := newTestClient().Fetch(context.Background(), snap)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestSubmit(t *testing.T) {
	t.Run("SettledWithReference", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.NotEmpty(t, r.Header.Get(x402.HeaderPayment))
			w.Header().Set(x402.HeaderPaymentResponse, settlementHeader(t, x402.SettlementResponse{Success: true, Transaction: "0xfeed"}))
			w.Write([]byte(`{"temp":21}`))
		}))
		defer srv.Close()

		s, err := newTestClient().Submit(context.Background(), domain.RequestSnapshot{URL: srv.URL}, payment())
		require.NoError(t, err)
		assert.Equal(t, "0xfeed", s.Reference)
		assert.Equal(t, `{"temp":21}`, string(s.Response.Body))
	})

	t.Run("SettledWithoutReference", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`ok`))
		}))
		defer srv.Close()

		s, err := newTestClient().Submit(context.Background(), domain.RequestSnapshot{URL: srv.URL}, payment())
		require.NoError(t, err)
		assert.Empty(t, s.Reference)
	})

	t.Run("Rejected", func(t *testing.T) {
		var calls int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(http.StatusPaymentRequired)
			w.Write([]byte(`{"error":"invalid_signature"}`))
		}))
		defer srv.Close()

		_, err := newTestClient().Submit(context.Background(), domain.RequestSnapshot{URL: srv.URL}, payment())
		assert.ErrorIs(t, err, domain.ErrSettlementRejected)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "paid request is never retried")
	})

	t.Run("InsufficientFunds", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set(x402.HeaderPaymentResponse, settlementHeader(t, x402.SettlementResponse{ErrorReason: "insufficient_funds"}))
			w.WriteHeader(http.StatusPaymentRequired)
		}))
		defer srv.Close()

		_, err := newTestClient().Submit(context.Background(), domain.RequestSnapshot{URL: srv.URL}, payment())
		assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	})

	t.Run("NotDispatched", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		_, err := newTestClient().Submit(context.Background(), domain.RequestSnapshot{URL: url}, payment())
		assert.ErrorIs(t, err, ErrNotDispatched)
		assert.NotErrorIs(t, err, domain.ErrOutcomeUnknown)
	})

	t.Run("OutcomeUnknownAfterDispatch", func(t *testing.T) {
		var calls int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			// Обрываем соединение, не ответив: платеж ушел, ответа нет
			hj, ok := w.(http.Hijacker)
			require.True(t, ok)
			conn, _, err := hj.Hijack()
			require.NoError(t, err)
			conn.Close()
		}))
		defer srv.Close()

		_, err := newTestClient().Submit(context.Background(), domain.RequestSnapshot{Method: http.MethodPost, URL: srv.URL}, payment())
		assert.ErrorIs(t, err, domain.ErrOutcomeUnknown)
		assert.ErrorIs(t, err, domain.ErrNetworkTimeout)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("DroppedKeepAliveIsNotResent", func(t *testing.T) {
		var paid int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get(x402.HeaderPayment) == "" {
				w.WriteHeader(http.StatusPaymentRequired)
				w.Write([]byte(`{"x402Version":1,"accepts":[]}`))
				return
			}
			atomic.AddInt32(&paid, 1)
			conn, _, err := w.(http.Hijacker).Hijack()
			if err == nil {
				conn.Close()
			}
		}))
		defer srv.Close()

		// Общий keep-alive транспорт: после Fetch в пуле остается живое соединение
		c := NewClient(Config{RetryDelay: time.Millisecond, RateLimit: 1000, RateBurst: 100}, srv.Client(), zap.NewNop(), nil)
		snap := domain.RequestSnapshot{Method: http.MethodGet, URL: srv.URL + "/r"}

		_, err := c.Fetch(context.Background(), snap)
		require.NoError(t, err)

		_, err = c.Submit(context.Background(), snap, payment())
		assert.ErrorIs(t, err, domain.ErrOutcomeUnknown)
		assert.Equal(t, int32(1), atomic.LoadInt32(&paid))
	})

	t.Run("SubmitTimeout", func(t *testing.T) {
		release := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-release
		}))
		defer srv.Close()
		defer close(release)

		c := NewClient(Config{SubmitTimeout: 50 * time.Millisecond, RateLimit: 1000, RateBurst: 100}, &http.Client{}, zap.NewNop(), nil)
		start := time.Now()
		_, err := c.Submit(context.Background(), domain.RequestSnapshot{URL: srv.URL}, payment())
		assert.ErrorIs(t, err, domain.ErrOutcomeUnknown)
		assert.Less(t, time.Since(start), 2*time.Second)
	})
}
