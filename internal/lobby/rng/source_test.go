package rng

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestCryptoSourcePanicsOnNonPositive(t *testing.T) {
	assert.Panics(t, func() { NewCryptoSource().Intn(0) })
}

func TestSeededSourceDeterministic(t *testing.T) {
	a := NewSeededSource(42)
	b := NewSeededSource(42)
	for i := 0; i < 50; i++ {
		assert.Equal(t, a.Intn(36), b.Intn(36))
	}
}

func TestScriptedReplaysThenZero(t *testing.T) {
	s := NewScripted(3, 40, -1)
	assert.Equal(t, 3, s.Intn(36))
	assert.Equal(t, 4, s.Intn(36))
	assert.Equal(t, 35, s.Intn(36))
	assert.Equal(t, 0, s.Intn(36))
}

// Property: crypto and seeded sources always stay within [0, n).
func TestPropertySourcesInRange(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 1000).Draw(t, "n")
		seed := rapid.Uint64().Draw(t, "seed")
		for _, src := range []Source{NewCryptoSource(), NewSeededSource(seed)} {
			v := src.Intn(n)
			if v < 0 || v >= n {
				t.Fatalf("Intn(%d) = %d out of range", n, v)
			}
		}
	})
}
