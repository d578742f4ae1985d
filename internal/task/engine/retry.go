package engine

import (
	"math/rand/v2"
	"time"
)

// backoffDelay doubles base per retry up to maxD and spreads the result by
// +/- jitter so retries from concurrent runs do not line up.
func backoffDelay(base, maxD time.Duration, jitter float64, retry int) time.Duration {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if maxD <= 0 {
		maxD = 15 * time.Second
	}
	d := base
	for i := 1; i < retry; i++ {
		d *= 2
		if d > maxD {
			d = maxD
			break
		}
	}
	if jitter > 0 {
		r := (rand.Float64()*2 - 1) * jitter
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	return d
}
