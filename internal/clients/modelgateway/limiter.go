package modelgateway

import (
	"context"
	"fmt"
	"sync/atomic"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/yungbote/ragmind-backend/internal/pkg/svcerr"
)

// capLimiter enforces per-capability request and token budgets. Both buckets
// refill at a per-minute rate with a full minute of burst, approximating the
// upstream QPM/TPM quotas.
type capLimiter struct {
	qpm        *rate.Limiter
	tpm        *rate.Limiter
	tpmBurst   int
	maxWaiters int32
	waiting    int32
}

func newCapLimiter(qpm, tpm, maxWaiters int) *capLimiter {
	l := &capLimiter{maxWaiters: int32(maxWaiters)}
	if qpm > 0 {
		l.qpm = rate.NewLimiter(rate.Limit(float64(qpm)/60.0), qpm)
	}
	if tpm > 0 {
		l.tpm = rate.NewLimiter(rate.Limit(float64(tpm)/60.0), tpm)
		l.tpmBurst = tpm
	}
	return l
}

// acquire blocks until the request fits both budgets. Rather than queueing
// without bound under sustained overload, it fails once more than maxWaiters
// callers are already waiting; the caller sees that as a transient error.
func (l *capLimiter) acquire(ctx context.Context, tokens int) error {
	if l == nil || (l.qpm == nil && l.tpm == nil) {
		return nil
	}
	n := atomic.AddInt32(&l.waiting, 1)
	defer atomic.AddInt32(&l.waiting, -1)
	if l.maxWaiters > 0 && n > l.maxWaiters {
		return fmt.Errorf("%d callers waiting on model quota: %w", n, svcerr.ErrQueueFull)
	}
	if l.qpm != nil {
		if err := l.qpm.Wait(ctx); err != nil {
			return err
		}
	}
	if l.tpm != nil && tokens > 0 {
		if tokens > l.tpmBurst {
			tokens = l.tpmBurst
		}
		if err := l.tpm.WaitN(ctx, tokens); err != nil {
			return err
		}
	}
	return nil
}

// estimateTokens sizes a request against the TPM bucket. CJK text runs close
// to one token per rune and western text well under it, so half the rune
// count is a workable middle ground for mixed corpora.
func estimateTokens(texts ...string) int {
	runes := 0
	for _, t := range texts {
		runes += utf8.RuneCountInString(t)
	}
	n := runes / 2
	if n < 1 {
		n = 1
	}
	return n
}
