// Package micr extracts the natural key of a check from its MICR line.
package micr

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rosstax/settlement-core/internal/breaker"
	"github.com/rosstax/settlement-core/internal/domain"
)

// Decoder turns a raw MICR line into an instrument key. When the line cannot
// be fully read it returns whatever components it found together with
// domain.ErrUnreadableLine.
type Decoder interface {
	Decode(ctx context.Context, line string) (domain.InstrumentKey, error)
}

var (
	fullPattern    = regexp.MustCompile(`(\d{9})\s+(\d+)\s+(\d+)`)
	routingPattern = regexp.MustCompile(`\b(\d{9})\b`)
)

// LineDecoder decodes printed lines of the form "routing account check".
// MICR transit and on-us symbols are treated as separators.
type LineDecoder struct{}

// NewLineDecoder creates a LineDecoder
func NewLineDecoder() *LineDecoder {
	return &LineDecoder{}
}

// Decode implements Decoder
func (d *LineDecoder) Decode(ctx context.Context, line string) (domain.InstrumentKey, error) {
	if err := ctx.Err(); err != nil {
		return domain.InstrumentKey{}, err
	}

	normalized := normalize(line)
	if m := fullPattern.FindStringSubmatch(normalized); m != nil && ValidRoutingNumber(m[1]) {
		return domain.InstrumentKey{
			RoutingNumber:    m[1],
			AccountNumber:    m[2],
			InstrumentNumber: m[3],
		}, nil
	}

	var partial domain.InstrumentKey
	if m := routingPattern.FindStringSubmatch(normalized); m != nil && ValidRoutingNumber(m[1]) {
		partial.RoutingNumber = m[1]
	}
	return partial, domain.ErrUnreadableLine
}

func normalize(line string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return ' '
	}, line)
}

// ValidRoutingNumber reports whether s is a nine digit ABA routing number
// with a valid check digit
func ValidRoutingNumber(s string) bool {
	if len(s) != 9 {
		return false
	}
	weights := [3]int{3, 7, 1}
	sum := 0
	for i, r := range s {
		if r < '0' || r > '9' {
			return false
		}
		sum += int(r-'0') * weights[i%3]
	}
	return sum%10 == 0
}

// GuardedDecoder bounds an inner decoder with a timeout and circuit breaker.
// Timeouts and an open breaker surface as domain.ErrExternalTimeout.
type GuardedDecoder struct {
	inner   Decoder
	timeout time.Duration
	breaker *breaker.Breaker
}

// NewGuardedDecoder wraps inner
func NewGuardedDecoder(inner Decoder, timeout time.Duration, cb *breaker.Breaker) *GuardedDecoder {
	return &GuardedDecoder{inner: inner, timeout: timeout, breaker: cb}
}

type decodeResult struct {
	key domain.InstrumentKey
	err error
}

// Decode implements Decoder
func (g *GuardedDecoder) Decode(ctx context.Context, line string) (domain.InstrumentKey, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var key domain.InstrumentKey
	err := g.breaker.Execute(func() error {
		done := make(chan decodeResult, 1)
		go func() {
			k, err := g.inner.Decode(ctx, line)
			done <- decodeResult{key: k, err: err}
		}()

		select {
		case r := <-done:
			key = r.key
			return r.err
		case <-ctx.Done():
			return fmt.Errorf("instrument decoder: %w: %w", domain.ErrExternalTimeout, ctx.Err())
		}
	})
	return key, err
}
