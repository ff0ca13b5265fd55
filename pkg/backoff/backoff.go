// Package backoff classifies remote errors and computes retry delays.
//
// Only errors recognised as transient are worth retrying. Permanent and
// unrecognised errors fail fast.
package backoff

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"regexp"
	"time"

	"github.com/cuemby/replguard/pkg/fault"
)

// Kind is the retry classification of an error
type Kind string

const (
	KindTransient Kind = "transient"
	KindPermanent Kind = "permanent"
	KindUnknown   Kind = "unknown"
)

// Retryable reports whether errors of this kind may be retried
func (k Kind) Retryable() bool {
	return k == KindTransient
}

var (
	transientPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)rpc server is unavailable|rpc[ _-]?unavailable|error 1722\b`),
		regexp.MustCompile(`(?i)network path was not found|network[ _-]?path[ _-]?not[ _-]?found|error 53\b`),
		regexp.MustCompile(`(?i)connection (failed|refused|reset)|could not connect|unable to connect`),
		regexp.MustCompile(`(?i)time[d]?[ _-]?out|timeout`),
	}

	permanentPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)access (is )?denied|error 5\b`),
		regexp.MustCompile(`(?i)logon failure|unknown user name or bad password`),
		regexp.MustCompile(`(?i)domain (was )?not found|specified domain either does not exist|domain does not exist`),
		regexp.MustCompile(`(?i)object (was )?not found|cannot find an object|no such object`),
	}
)

// ClassifyMessage maps an error message to a Kind.
// Permanent patterns are checked first so a message matching both sets is
// never retried.
func ClassifyMessage(msg string) Kind {
	if msg == "" {
		return KindUnknown
	}
	for _, p := range permanentPatterns {
		if p.MatchString(msg) {
			return KindPermanent
		}
	}
	for _, p := range transientPatterns {
		if p.MatchString(msg) {
			return KindTransient
		}
	}
	return KindUnknown
}

// Classify maps an error to a Kind. Coded remote errors keep their code,
// a deadline on the call itself counts as a timeout, and everything else
// is matched by message.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	switch fault.CodeOf(err) {
	case fault.CodeRemoteTransient:
		return KindTransient
	case fault.CodeRemotePermanent:
		return KindPermanent
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}

	return ClassifyMessage(err.Error())
}

// Delay returns min(initial * 2^attempt, max) for a zero-based attempt.
func Delay(attempt int, initial, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if initial <= 0 {
		return 0
	}
	if max > 0 && initial >= max {
		return max
	}

	d := initial
	for i := 0; i < attempt; i++ {
		if max > 0 && d >= max {
			return max
		}
		if d > math.MaxInt64/2 {
			return time.Duration(math.MaxInt64)
		}
		d *= 2
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

// Jittered spreads d uniformly over [d*(1-fraction), d]. fraction is
// clamped to [0, 1]; a zero fraction returns d unchanged.
func Jittered(d time.Duration, fraction float64, rnd *rand.Rand) time.Duration {
	if d <= 0 || fraction <= 0 {
		return d
	}
	if fraction > 1 {
		fraction = 1
	}
	var r float64
	if rnd != nil {
		r = rnd.Float64()
	} else {
		r = rand.Float64()
	}
	spread := time.Duration(float64(d) * fraction * r)
	return d - spread
}
