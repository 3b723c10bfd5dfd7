package request

import (
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff"
)

// uniformJitter draws every delay uniformly from [0, max] at millisecond
// granularity, so clients retrying after a shared outage spread out.
type uniformJitter struct {
	max time.Duration
	rng *rand.Rand
}

func (j *uniformJitter) NextBackOff() time.Duration {
	ms := j.max.Milliseconds()
	if ms <= 0 {
		return 0
	}
	return time.Duration(j.rng.Int64N(ms+1)) * time.Millisecond
}

func (j *uniformJitter) Reset() {}

// newPolicy returns a backoff that yields retries delays and then Stop.
func newPolicy(retries int, max time.Duration, rng *rand.Rand) backoff.BackOff {
	if retries <= 0 {
		return &backoff.StopBackOff{}
	}
	return backoff.WithMaxRetries(&uniformJitter{max: max, rng: rng}, uint64(retries))
}
