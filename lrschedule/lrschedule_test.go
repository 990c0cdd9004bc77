package lrschedule

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const imageNetTrainSize = 1281167

func TestScheduleStrictlyIncreasingSteps(t *testing.T) {
	s := NewSchedule(InterpNone).Add(0, 0.1).Add(10, 0.2)
	require.Panics(t, func() { s.Add(10, 0.3) }, "duplicate step must panic")
	require.Panics(t, func() { s.Add(5, 0.3) }, "regressing step must panic")
	require.Panics(t, func() { NewSchedule(InterpNone).Add(-1, 0.1) })
}

func TestScheduleValueAt(t *testing.T) {
	s := NewSchedule(InterpLinear, Point{0, 0.1}, Point{100, 0.2})
	_, ok := NewSchedule(InterpNone).ValueAt(0)
	assert.False(t, ok, "empty schedule has no value")

	v, ok := s.ValueAt(0)
	require.True(t, ok)
	assert.Equal(t, 0.1, v)
	v, _ = s.ValueAt(50)
	assert.InDelta(t, 0.15, v, 1e-9)
	v, _ = s.ValueAt(100)
	assert.Equal(t, 0.2, v)
	v, _ = s.ValueAt(1000)
	assert.Equal(t, 0.2, v, "past the last point the last value holds")

	stepwise := NewSchedule(InterpNone, Point{10, 1.0}, Point{20, 2.0})
	_, ok = stepwise.ValueAt(9)
	assert.False(t, ok, "before the first point the schedule is inactive")
	v, _ = stepwise.ValueAt(15)
	assert.Equal(t, 1.0, v, "no interpolation between points")
}

func TestLinearScalingRule(t *testing.T) {
	tests := []struct {
		name          string
		batch, nw     int
		wantBaseLR    float64
		wantHasWarmup bool
	}{
		{"reference batch 32x8", 32, 8, 0.1, false},
		{"small batch", 32, 1, 0.1, false},
		{"double reference 64x8", 64, 8, 0.2, true},
		{"fractional scale 48x8", 48, 8, 0.15, true},
		{"8x reference 64x32", 64, 32, 0.8, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctrl := NewController(Config{
				PerWorkerBatch: tc.batch,
				NumWorkers:     tc.nw,
				DatasetSize:    imageNetTrainSize,
			})
			assert.InDelta(t, tc.wantBaseLR, ctrl.BaseLearningRate(), 1e-9)
			if tc.wantHasWarmup {
				assert.NotNil(t, ctrl.WarmupSchedule())
			} else {
				assert.Nil(t, ctrl.WarmupSchedule(), "total batch <= 256 gets no warmup")
			}
		})
	}
}

func TestWarmupRampsLinearly(t *testing.T) {
	// 64 per worker × 8 workers = 512 total: base LR 0.2, warmup over
	// 5 epochs' worth of steps.
	ctrl := NewController(Config{PerWorkerBatch: 64, NumWorkers: 8, DatasetSize: imageNetTrainSize})
	require.Equal(t, 0.2, ctrl.BaseLearningRate())
	spe := ctrl.StepsPerEpoch()
	require.Equal(t, 2502, spe) // round(1281167 / 512)

	warmupEnd := int64(5 * spe)
	assert.Equal(t, 0.1, ctrl.At(0), "warmup starts at the reference rate")
	assert.InDelta(t, 0.15, ctrl.At(warmupEnd/2), 1e-4)
	assert.Equal(t, 0.2, ctrl.At(warmupEnd))

	// Monotonically non-decreasing during warmup.
	prev := ctrl.At(0)
	for step := int64(1); step <= warmupEnd; step += int64(spe / 10) {
		cur := ctrl.At(step)
		assert.GreaterOrEqual(t, cur, prev)
		prev = cur
	}
}

func TestStepDecay(t *testing.T) {
	for _, nw := range []int{1, 8, 32} {
		ctrl := NewController(Config{PerWorkerBatch: 64, NumWorkers: nw, DatasetSize: imageNetTrainSize})
		base := ctrl.BaseLearningRate()
		spe := int64(ctrl.StepsPerEpoch())

		assert.Equal(t, base, ctrl.At(29*spe), "no decay before epoch 30")
		assert.InDelta(t, base*1e-1, ctrl.At(30*spe), 1e-12)
		assert.InDelta(t, base*1e-1, ctrl.At(45*spe), 1e-12)
		assert.InDelta(t, base*1e-2, ctrl.At(60*spe), 1e-12)
		assert.InDelta(t, base*1e-3, ctrl.At(80*spe), 1e-12)
		assert.InDelta(t, base*1e-3, ctrl.At(89*spe), 1e-12, "last decay value holds")
	}
}

func TestStepsPerEpochOverride(t *testing.T) {
	// Synthetic-data benchmark runs use a fixed epoch length.
	ctrl := NewController(Config{PerWorkerBatch: 64, NumWorkers: 8, StepsPerEpoch: 50})
	assert.Equal(t, 50, ctrl.StepsPerEpoch())
	assert.Equal(t, 0.1, ctrl.At(0))
	assert.Equal(t, 0.2, ctrl.At(5*50))
}

func TestEmptyBatchPanics(t *testing.T) {
	require.Panics(t, func() {
		NewController(Config{PerWorkerBatch: 0, NumWorkers: 8, DatasetSize: imageNetTrainSize})
	})
	require.Panics(t, func() {
		NewController(Config{PerWorkerBatch: 32, NumWorkers: 0, DatasetSize: imageNetTrainSize})
	})
}
