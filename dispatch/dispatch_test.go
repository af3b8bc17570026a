package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEstimateDefaultBeforeAnyRuns(t *testing.T) {
	e := newEstimator()
	est, ok := e.estimate()
	assert.True(t, ok)
	assert.Equal(t, 60, est.EstimatedSeconds)
	assert.Equal(t, "low", est.Confidence)
	assert.NotEmpty(t, est.Message)
}

func TestEstimateAveragesRecordedRuns(t *testing.T) {
	e := newEstimator()
	e.record(8 * time.Second)
	e.record(12 * time.Second)

	est, ok := e.estimate()
	assert.True(t, ok)
	assert.Equal(t, 11, est.EstimatedSeconds)
	assert.Equal(t, "low", est.Confidence)
}

func TestEstimateConfidenceGrowsWithSamples(t *testing.T) {
	e := newEstimator()
	for i := 0; i < 5; i++ {
		e.record(time.Second)
	}
	est, _ := e.estimate()
	assert.Equal(t, "medium", est.Confidence)

	for i := 0; i < 15; i++ {
		e.record(time.Second)
	}
	est, _ = e.estimate()
	assert.Equal(t, "high", est.Confidence)
}

func TestEstimateWindowDropsOldSamples(t *testing.T) {
	e := newEstimator()
	for i := 0; i < 5; i++ {
		e.record(100 * time.Second)
	}
	for i := 0; i < 50; i++ {
		e.record(2 * time.Second)
	}

	est, _ := e.estimate()
	assert.Equal(t, 3, est.EstimatedSeconds)
	assert.Equal(t, "high", est.Confidence)
}
