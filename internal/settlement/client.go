package settlement

/*
Файл client.go — HTTP-клиент к ресурс-серверам x402.

Два плеча с разной политикой повторов:
  - Fetch: неоплаченный запрос. Повторы безопасны (ограниченное число, backoff),
    поверх — Circuit Breaker и Rate Limiter, как в ReliabilityWrapper шлюза.
  - Submit: запрос с подписанной авторизацией. Повтор разрешен только если соединение
    не было установлено. После отправки — точка невозврата: потерянный ответ
    превращается в ErrOutcomeUnknown, а не в повтор (иначе двойная оплата).
    Submit ходит через отдельный транспорт без keep-alive: net/http сам переотправляет
    идемпотентный запрос, если переиспользованное соединение оборвалось до ответа.
*/

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"github.com/xela07ax/x402-paygate/internal/domain"
	"github.com/xela07ax/x402-paygate/internal/x402"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const maxResponseBody = 10 << 20

type Config struct {
	FetchAttempts uint
	FetchTimeout  time.Duration
	SubmitTimeout time.Duration
	RetryDelay    time.Duration

	RateLimit float64
	RateBurst int

	CBMaxRequests uint32
	CBInterval    time.Duration
	CBTimeout     time.Duration
}

// Response — ответ ресурс-сервера, который отдается агенту.
type Response struct {
	StatusCode int         `json:"status_code"`
	Header     http.Header `json:"header,omitempty"`
	Body       []byte      `json:"body,omitempty"`
}

// Settlement — успешный расчет. Reference пуст, если сервер не вернул хэш.
type Settlement struct {
	Response  *Response
	Reference string
	Payer     string
}

type Client struct {
	http    *http.Client
	submit  *http.Client // только свежие соединения
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	cfg     Config
	logger  *zap.Logger
}

func NewClient(cfg Config, httpClient *http.Client, logger *zap.Logger, onState func(name string, open bool)) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if cfg.FetchAttempts == 0 {
		cfg.FetchAttempts = 3
	}
	if cfg.FetchTimeout == 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	if cfg.SubmitTimeout == 0 {
		cfg.SubmitTimeout = 30 * time.Second
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 200 * time.Millisecond
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 50
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = 10
	}

	l := logger.Named("settlement")

	// Настройка предохранителя
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "x402-resource",
		MaxRequests: cfg.CBMaxRequests,
		Interval:    cfg.CBInterval,
		Timeout:     cfg.CBTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			l.Warn("circuit breaker state changed",
				zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
			if onState != nil {
				onState(name, to == gobreaker.StateOpen)
			}
		},
	})

	return &Client{
		http:    httpClient,
		submit:  oneShotClient(httpClient),
		cb:      cb,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		cfg:     cfg,
		logger:  l,
	}
}

// Fetch выполняет исходный запрос без оплаты.
func (c *Client) Fetch(ctx context.Context, snap domain.RequestSnapshot) (*Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: rate limit wait: %v", domain.ErrNetworkTimeout, err)
	}

	var out *Response
	_, err := c.cb.Execute(func() (interface{}, error) {
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(c.cfg.FetchAttempts),
			retry.LastErrorOnly(true),
			retry.RetryIf(retryableFetch),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				var tErr *ThrottleError
				if errors.As(err, &tErr) {
					return tErr.RetryAfter
				}
				return retry.BackOffDelay(n, err, config)
			}),
			retry.Delay(c.cfg.RetryDelay),
		)

		return nil, r.Do(func() error {
			tCtx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
			defer cancel()

			resp, err := c.do(tCtx, c.http, snap, "")
			if err != nil {
				return err
			}
			switch {
			case resp.StatusCode == http.StatusTooManyRequests:
				return throttleFrom(&http.Response{StatusCode: resp.StatusCode, Header: resp.Header})
			case resp.StatusCode >= http.StatusInternalServerError:
				return &statusError{code: resp.StatusCode}
			}
			out = resp
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, domain.ErrMalformedRequirements) {
			return nil, err
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", domain.ErrNetworkTimeout, err)
		}
		var sErr *statusError
		if errors.As(err, &sErr) {
			return nil, fmt.Errorf("%w: %v", domain.ErrSettlementRejected, err)
		}
		if errors.Is(err, domain.ErrNetworkTimeout) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: fetch %s: %v", domain.ErrNetworkTimeout, snap.URL, err)
	}
	return out, nil
}

// Submit повторно отправляет исходный запрос с заголовком X-PAYMENT.
func (c *Client) Submit(ctx context.Context, snap domain.RequestSnapshot, payment x402.PaymentPayload) (*Settlement, error) {
	header, err := x402.EncodePaymentHeader(payment)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotDispatched, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.SubmitTimeout)
	defer cancel()

	var resp *Response
	dispatched := false

	_, err = c.cb.Execute(func() (interface{}, error) {
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(c.cfg.FetchAttempts),
			retry.LastErrorOnly(true),
			retry.RetryIf(neverSent), // только если соединение не установлено
			retry.Delay(c.cfg.RetryDelay),
		)
		return nil, r.Do(func() error {
			var callErr error
			resp, callErr = c.do(ctx, c.submit, snap, header)
			if callErr != nil && !neverSent(callErr) && !errors.Is(callErr, domain.ErrMalformedRequirements) {
				dispatched = true
			}
			return callErr
		})
	})

	if err != nil {
		// Предохранитель не пустил запрос — отправки не было
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", ErrNotDispatched, err)
		}
		if !dispatched {
			return nil, fmt.Errorf("%w: %v", ErrNotDispatched, err)
		}
		c.logger.Warn("payment dispatched but outcome not observed", zap.String("url", snap.URL), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", domain.ErrOutcomeUnknown, err)
	}

	return c.classify(resp)
}

// classify превращает ответ на оплаченный запрос в итог расчета.
func (c *Client) classify(resp *Response) (*Settlement, error) {
	sr, decodeErr := x402.DecodeSettlementResponse(resp.Header.Get(x402.HeaderPaymentResponse))
	if decodeErr != nil {
		c.logger.Warn("unreadable settlement response header", zap.Error(decodeErr))
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if sr != nil && !sr.Success {
			return nil, fmt.Errorf("%w: %s", domain.ErrSettlementRejected, sr.ErrorReason)
		}
		s := &Settlement{Response: resp}
		if sr != nil {
			s.Reference = sr.Transaction
			s.Payer = sr.Payer
		}
		return s, nil
	}

	reason := rejectionReason(resp, sr)
	if strings.Contains(strings.ToLower(reason), "insufficient_funds") {
		return nil, fmt.Errorf("%w: %s", domain.ErrInsufficientFunds, reason)
	}
	return nil, fmt.Errorf("%w: status %d: %s", domain.ErrSettlementRejected, resp.StatusCode, reason)
}

func rejectionReason(resp *Response, sr *x402.SettlementResponse) string {
	if sr != nil && sr.ErrorReason != "" {
		return sr.ErrorReason
	}
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(resp.Body, &body); err == nil && body.Error != "" {
		return body.Error
	}
	return http.StatusText(resp.StatusCode)
}

// oneShotClient копирует клиент с транспортом без keep-alive.
// Свежее соединение транспорт не переотправляет, значит оплаченный запрос уходит ровно один раз.
func oneShotClient(base *http.Client) *http.Client {
	rt := base.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}
	if t, ok := rt.(*http.Transport); ok {
		t = t.Clone()
		t.DisableKeepAlives = true
		rt = t
	}
	return &http.Client{Transport: rt, CheckRedirect: base.CheckRedirect, Jar: base.Jar}
}

func (c *Client) do(ctx context.Context, hc *http.Client, snap domain.RequestSnapshot, paymentHeader string) (*Response, error) {
	method := snap.Method
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, snap.URL, bytes.NewReader(snap.Body))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", domain.ErrMalformedRequirements, err)
	}
	for k, vals := range snap.Header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	req.Header.Del(x402.HeaderPayment)
	if paymentHeader != "" {
		req.Header.Set(x402.HeaderPayment, paymentHeader)
	}

	httpResp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	return &Response{StatusCode: httpResp.StatusCode, Header: httpResp.Header, Body: body}, nil
}

// AsHTTP собирает *http.Response для парсера требований.
func (r *Response) AsHTTP() *http.Response {
	return &http.Response{
		StatusCode: r.StatusCode,
		Header:     r.Header,
		Body:       io.NopCloser(bytes.NewReader(r.Body)),
	}
}
