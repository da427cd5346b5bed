package middleware

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	// DefaultDepositBurst is how many submissions a submitter may make back to back
	DefaultDepositBurst = 5
	// depositBucketTTL is how long an idle submitter's bucket is kept
	depositBucketTTL = 10 * time.Minute
	// maxPeekBody bounds how much of a JSON body is read to find the account
	maxPeekBody = 64 << 10
)

// submitterKey identifies one caller submitting into one account. A caller
// who funds several accounts gets a separate budget for each.
type submitterKey struct {
	subject   string
	accountID string
}

type submitterBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// DepositRateLimiter throttles deposit submissions per submitter
type DepositRateLimiter struct {
	mu        sync.Mutex
	buckets   map[submitterKey]*submitterBucket
	perMinute int
	burst     int
	now       func() time.Time
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// NewDepositRateLimiter creates a limiter allowing perMinute submissions per
// submitter with the given burst, and starts pruning idle submitters
func NewDepositRateLimiter(perMinute, burst int) *DepositRateLimiter {
	l := &DepositRateLimiter{
		buckets:   make(map[submitterKey]*submitterBucket),
		perMinute: perMinute,
		burst:     burst,
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}
	go l.pruneLoop()
	return l
}

// admit takes one submission from the submitter's budget. When refused it
// reports how long until the next submission is allowed.
func (l *DepositRateLimiter) admit(key submitterKey) (ok bool, remaining int, retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, exists := l.buckets[key]
	if !exists {
		b = &submitterBucket{
			limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.perMinute)), l.burst),
		}
		l.buckets[key] = b
	}
	b.lastSeen = now

	if b.limiter.AllowN(now, 1) {
		return true, int(b.limiter.TokensAt(now)), 0
	}
	missing := 1 - b.limiter.TokensAt(now)
	wait := time.Duration(missing / float64(b.limiter.Limit()) * float64(time.Second))
	return false, 0, wait
}

// prune drops buckets idle for longer than depositBucketTTL
func (l *DepositRateLimiter) prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	dropped := 0
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > depositBucketTTL {
			delete(l.buckets, key)
			dropped++
		}
	}
	return dropped
}

func (l *DepositRateLimiter) pruneLoop() {
	ticker := time.NewTicker(depositBucketTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := l.prune(); n > 0 {
				log.Debug().Int("dropped", n).Msg("Pruned idle deposit rate buckets")
			}
		case <-l.stopCh:
			return
		}
	}
}

// Stop ends idle bucket pruning
func (l *DepositRateLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// Middleware limits deposit submissions by authenticated subject and target
// account. Unauthenticated callers are keyed by client IP.
func (l *DepositRateLimiter) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := submitterKey{subject: GetAuth0ID(c), accountID: targetAccount(c)}
			if key.subject == "" {
				key.subject = "ip:" + c.RealIP()
			}

			ok, remaining, wait := l.admit(key)
			header := c.Response().Header()
			header.Set("X-RateLimit-Limit", fmt.Sprintf("%d", l.perMinute))
			header.Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
			if ok {
				return next(c)
			}

			retryAfter := int(math.Ceil(wait.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			header.Set("Retry-After", fmt.Sprintf("%d", retryAfter))

			log.Warn().
				Str("subject", key.subject).
				Str("account_id", key.accountID).
				Int("retry_after", retryAfter).
				Msg("Deposit submission rate exceeded")

			return c.JSON(http.StatusTooManyRequests, problemDetails{
				Type:     errorTypeRateLimit,
				Title:    "Rate Limit Exceeded",
				Status:   http.StatusTooManyRequests,
				Detail:   fmt.Sprintf("Too many deposits submitted to this account. Please retry after %d seconds.", retryAfter),
				Instance: c.Request().URL.Path,
			})
		}
	}
}

// targetAccount reads accountId from a form or JSON submission without
// consuming the body the handler binds
func targetAccount(c echo.Context) string {
	req := c.Request()
	contentType := req.Header.Get(echo.HeaderContentType)
	if !strings.HasPrefix(contentType, echo.MIMEApplicationJSON) {
		return strings.TrimSpace(c.FormValue("accountId"))
	}
	if req.Body == nil {
		return ""
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, maxPeekBody))
	if err != nil {
		return ""
	}
	req.Body = io.NopCloser(io.MultiReader(bytes.NewReader(body), req.Body))

	var peek struct {
		AccountID string `json:"accountId"`
	}
	if json.Unmarshal(body, &peek) != nil {
		return ""
	}
	return strings.TrimSpace(peek.AccountID)
}
