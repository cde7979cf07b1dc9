package modelgateway

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/yungbote/ragmind-backend/internal/pkg/httpx"
	"github.com/yungbote/ragmind-backend/internal/pkg/svcerr"
)

// httpError carries the upstream status so the retry policy can classify it.
type httpError struct {
	StatusCode int
	Body       string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("model api http %d: %s", e.StatusCode, e.Body)
}

func (e *httpError) HTTPStatusCode() int {
	if e == nil {
		return 0
	}
	return e.StatusCode
}

// Upstream 400 bodies that mean the input does not fit the model window.
var overlongMarkers = []string{
	"context length",
	"context_length",
	"input length",
	"maximum length",
	"too long",
	"exceed",
}

// IsOverlongInput reports whether a request was rejected because the input
// does not fit the model. Overlong requests are never retried and never
// truncated silently.
func IsOverlongInput(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, svcerr.ErrOverlongInput) {
		return true
	}
	var he *httpError
	if errors.As(err, &he) && he.StatusCode == http.StatusBadRequest {
		body := strings.ToLower(he.Body)
		for _, marker := range overlongMarkers {
			if strings.Contains(body, marker) {
				return true
			}
		}
	}
	return false
}

// IsTransient reports whether the failure is worth retrying later: rate
// limit pushback, upstream 5xx, timeouts, or a full local waiter queue.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsOverlongInput(err) {
		return false
	}
	if errors.Is(err, svcerr.ErrQueueFull) {
		return true
	}
	return httpx.IsRetryableError(err)
}
