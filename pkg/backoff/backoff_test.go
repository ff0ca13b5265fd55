package backoff

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/cuemby/replguard/pkg/fault"
	"github.com/stretchr/testify/assert"
)

func TestDelaySequence(t *testing.T) {
	var got []time.Duration
	for attempt := 0; attempt < 6; attempt++ {
		got = append(got, Delay(attempt, 2*time.Second, 30*time.Second))
	}

	want := []time.Duration{
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	assert.Equal(t, want, got)
}

func TestDelayNeverExceedsMaxAndIsNonDecreasing(t *testing.T) {
	cases := []struct {
		initial time.Duration
		max     time.Duration
	}{
		{time.Millisecond, time.Second},
		{3 * time.Second, 7 * time.Second},
		{time.Second, time.Second},
		{10 * time.Second, time.Second},
	}

	for _, c := range cases {
		prev := time.Duration(0)
		for attempt := 0; attempt < 80; attempt++ {
			d := Delay(attempt, c.initial, c.max)
			assert.LessOrEqual(t, d, c.max, "attempt %d", attempt)
			assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
			prev = d
		}
	}
}

func TestDelayEdgeCases(t *testing.T) {
	assert.Equal(t, time.Duration(0), Delay(3, 0, time.Second))
	assert.Equal(t, time.Second, Delay(-1, time.Second, time.Minute))
	// no cap
	assert.Equal(t, 8*time.Second, Delay(3, time.Second, 0))
	assert.Greater(t, Delay(100, time.Second, 0), time.Duration(0))
}

func TestClassifyMessage(t *testing.T) {
	tests := []struct {
		msg  string
		want Kind
	}{
		{"The RPC server is unavailable.", KindTransient},
		{"replication error 1722", KindTransient},
		{"The network path was not found.", KindTransient},
		{"connection failed: dc02.corp.local:389", KindTransient},
		{"dial tcp 10.0.0.2:389: connect: connection refused", KindTransient},
		{"operation timed out", KindTransient},
		{"LDAP timeout", KindTransient},
		{"Access is denied.", KindPermanent},
		{"Logon failure: unknown user name or bad password", KindPermanent},
		{"The specified domain either does not exist or could not be contacted", KindPermanent},
		{"Cannot find an object with identity: 'DC09'", KindPermanent},
		{"object not found", KindPermanent},
		{"something odd happened", KindUnknown},
		{"", KindUnknown},
		// both sets match: permanent wins
		{"connection failed: access denied", KindPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyMessage(tt.msg))
		})
	}
}

func TestClassify(t *testing.T) {
	assert.Equal(t, KindUnknown, Classify(nil))
	assert.Equal(t, KindTransient, Classify(fault.New(fault.CodeRemoteTransient, "opaque")))
	assert.Equal(t, KindPermanent, Classify(fault.New(fault.CodeRemotePermanent, "RPC server is unavailable")))
	assert.Equal(t, KindTransient, Classify(fmt.Errorf("probe: %w", context.DeadlineExceeded)))
	assert.Equal(t, KindPermanent, Classify(errors.New("access denied")))
	assert.Equal(t, KindUnknown, Classify(errors.New("exit status 17")))
}

func TestKindRetryable(t *testing.T) {
	assert.True(t, KindTransient.Retryable())
	assert.False(t, KindPermanent.Retryable())
	assert.False(t, KindUnknown.Retryable())
}

func TestJittered(t *testing.T) {
	rnd := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 100; i++ {
		d := Jittered(10*time.Second, 0.5, rnd)
		assert.GreaterOrEqual(t, d, 5*time.Second)
		assert.LessOrEqual(t, d, 10*time.Second)
	}
	assert.Equal(t, 10*time.Second, Jittered(10*time.Second, 0, rnd))
	assert.Equal(t, time.Duration(0), Jittered(0, 0.5, rnd))
}
