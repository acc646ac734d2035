package supervisor

import (
	"hash/fnv"
	"math/rand"
	"time"
)

// JitterSource provides deterministic, per-task jitter values.
// Using a per-task seed keeps retry timing of different tasks apart, so a
// shared failure (say, a broken dependency) does not retry them in lockstep.
type JitterSource struct {
	configSeed int64
}

// NewJitterSource creates a new jitter source with the given config seed.
func NewJitterSource(configSeed int64) *JitterSource {
	return &JitterSource{
		configSeed: configSeed,
	}
}

// NewJitterSourceFromTime creates a jitter source seeded from the current time.
func NewJitterSourceFromTime() *JitterSource {
	return NewJitterSource(time.Now().UnixNano())
}

// ForTask returns a random number generator seeded for a specific task.
// The same task name always produces the same sequence of random values.
func (j *JitterSource) ForTask(name string) *rand.Rand {
	return rand.New(rand.NewSource(taskSeed(name) ^ j.configSeed))
}

// TaskJitter returns a jitter duration for a specific task within [0, maxJitter).
func (j *JitterSource) TaskJitter(name string, maxJitter time.Duration) time.Duration {
	if maxJitter <= 0 {
		return 0
	}
	return time.Duration(j.ForTask(name).Int63n(int64(maxJitter)))
}

func taskSeed(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return int64(h.Sum64())
}
