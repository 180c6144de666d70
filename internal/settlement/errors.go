package settlement

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/xela07ax/x402-paygate/internal/domain"
)

// ErrNotDispatched — запрос с платежом гарантированно не покинул процесс.
// Ставку можно считать неудавшейся: денег никто не двигал.
var ErrNotDispatched = fmt.Errorf("%w: payment was not dispatched", domain.ErrNetworkTimeout)

// ThrottleError — ресурс-сервер попросил подождать (429 + Retry-After).
type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

// statusError — неожиданный статус на неоплаченном запросе (5xx и т.п.).
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("resource server responded %d", e.code)
}

func throttleFrom(resp *http.Response) *ThrottleError {
	wait := time.Second
	if s := resp.Header.Get("Retry-After"); s != "" {
		if secs, err := strconv.Atoi(s); err == nil && secs >= 0 {
			wait = time.Duration(secs) * time.Second
		}
	}
	return &ThrottleError{RetryAfter: wait, Cause: &statusError{code: resp.StatusCode}}
}

// neverSent — соединение так и не было установлено (dial / DNS).
// Только в этом случае повтор оплаченного запроса безопасен.
func neverSent(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

// retryableFetch — для неоплаченного запроса повторяем сетевые сбои, 429 и 5xx.
func retryableFetch(err error) bool {
	var tErr *ThrottleError
	if errors.As(err, &tErr) {
		return true
	}
	var sErr *statusError
	if errors.As(err, &sErr) {
		return sErr.code >= http.StatusInternalServerError
	}
	var netErr net.Error
	return errors.As(err, &netErr) || neverSent(err)
}
