package retry

import (
	"math"
	"math/rand"
	"time"
)

type Strategy interface {
	// Sleep returns the delay before retry n, or true once retries are exhausted.
	Sleep(n uint) (time.Duration, bool)
}

type Never struct{}

func (Never) Sleep(uint) (time.Duration, bool) {
	return 0, true
}

// ExponentialBackOff waits a random duration in [0, min(Base*2^n, Max)).
type ExponentialBackOff struct {
	Base       time.Duration
	Max        time.Duration
	MaxRetries uint
	// Entropy defaults to rand.Int63n.
	Entropy func(int64) int64
}

func (b ExponentialBackOff) Sleep(n uint) (time.Duration, bool) {
	if n >= b.MaxRetries {
		return 0, true
	}

	ceiling := int64(b.Max)
	if n < 63 && int64(b.Base) <= math.MaxInt64>>n {
		ceiling = min(int64(b.Base)<<n, ceiling)
	}
	if ceiling <= 0 {
		return 0, false
	}

	entropy := b.Entropy
	if entropy == nil {
		entropy = rand.Int63n
	}
	return time.Duration(entropy(ceiling)), false
}
