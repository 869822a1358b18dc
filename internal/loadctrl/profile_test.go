package loadctrl

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProfile(t *testing.T) {
	tests := []struct {
		name     string
		config   ProfileConfig
		wantType string
		wantErr  string
	}{
		{name: "constant", config: ProfileConfig{Type: TypeConstant, Base: 4}, wantType: TypeConstant},
		{
			name:     "sine",
			config:   ProfileConfig{Type: TypeSine, Base: 10, Amplitude: 5, Period: time.Minute},
			wantType: TypeSine,
		},
		{
			name: "spike",
			config: ProfileConfig{Type: TypeSpike, Base: 5, Spike: &SpikeConfig{
				Capacity: 20, Duration: 5 * time.Second, Interval: 30 * time.Second,
			}},
			wantType: TypeSpike,
		},
		{
			name: "step",
			config: ProfileConfig{Type: TypeStep, Step: &StepConfig{Steps: []StepLevel{
				{Capacity: 10, Duration: time.Minute},
			}}},
			wantType: TypeStep,
		},
		{
			name: "custom",
			config: ProfileConfig{Type: TypeCustom, Points: []CustomPoint{
				{Time: 0, Capacity: 1}, {Time: time.Minute, Capacity: 10},
			}},
			wantType: TypeCustom,
		},
		{name: "formula", config: ProfileConfig{Type: TypeFormula, Formula: "elapsedMinutes * 2"}, wantType: TypeFormula},
		{name: "missing type", config: ProfileConfig{}, wantErr: "type is required"},
		{name: "unknown type", config: ProfileConfig{Type: "zigzag"}, wantErr: `unknown type "zigzag"`},
		{name: "negative min", config: ProfileConfig{Type: TypeConstant, Min: -1}, wantErr: "min cannot be negative"},
		{name: "min above max", config: ProfileConfig{Type: TypeConstant, Min: 5, Max: 2}, wantErr: "cannot exceed max"},
		{name: "sine without period", config: ProfileConfig{Type: TypeSine, Base: 1}, wantErr: "positive period"},
		{
			name:    "sine negative amplitude",
			config:  ProfileConfig{Type: TypeSine, Period: time.Second, Amplitude: -1},
			wantErr: "amplitude cannot be negative",
		},
		{name: "spike without config", config: ProfileConfig{Type: TypeSpike}, wantErr: "requires spike configuration"},
		{
			name: "spike longer than interval",
			config: ProfileConfig{Type: TypeSpike, Spike: &SpikeConfig{
				Capacity: 1, Duration: time.Minute, Interval: time.Second,
			}},
			wantErr: "must be less than interval",
		},
		{name: "step without steps", config: ProfileConfig{Type: TypeStep, Step: &StepConfig{}}, wantErr: "at least one step"},
		{
			name: "step ramp too long",
			config: ProfileConfig{Type: TypeStep, Step: &StepConfig{Steps: []StepLevel{
				{Capacity: 1, Duration: time.Second, Ramp: time.Minute},
			}}},
			wantErr: "ramp",
		},
		{
			name:    "custom single point",
			config:  ProfileConfig{Type: TypeCustom, Points: []CustomPoint{{Time: 0, Capacity: 1}}},
			wantErr: "at least 2 points",
		},
		{
			name: "custom out of order",
			config: ProfileConfig{Type: TypeCustom, Points: []CustomPoint{
				{Time: time.Minute, Capacity: 1}, {Time: 0, Capacity: 2},
			}},
			wantErr: "chronological order",
		},
		{name: "empty formula", config: ProfileConfig{Type: TypeFormula}, wantErr: "formula is empty"},
		{name: "bad formula", config: ProfileConfig{Type: TypeFormula, Formula: "elapsedMinutes +"}, wantErr: "formula"},
		{name: "unknown variable", config: ProfileConfig{Type: TypeFormula, Formula: "users * 2"}, wantErr: "formula"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewProfile(tt.config)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidProfile)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, p.Name())
		})
	}
}

func TestConstant(t *testing.T) {
	assert.Equal(t, 7, Constant(7.4).Capacity(time.Hour))
	assert.Equal(t, "constant at 7", Constant(7).Phase(0))
	assert.Equal(t, 0, Constant(0).Capacity(0))
	assert.Equal(t, "unlimited", Constant(-3).Phase(0))
}

func TestSineProfile(t *testing.T) {
	p, err := NewProfile(ProfileConfig{Type: TypeSine, Base: 10, Amplitude: 0.5, Period: time.Minute})
	require.NoError(t, err)

	assert.Equal(t, 10, p.Capacity(0))
	assert.Equal(t, 15, p.Capacity(15*time.Second))
	assert.Equal(t, 10, p.Capacity(30*time.Second))
	assert.Equal(t, 5, p.Capacity(45*time.Second))
	assert.Equal(t, 15, p.Capacity(75*time.Second))
	assert.Contains(t, p.Phase(10*time.Second), "period 1: rising to peak")
	assert.Contains(t, p.Phase(70*time.Second), "period 2")

	clamped, err := NewProfile(ProfileConfig{Type: TypeSine, Base: 10, Amplitude: 5, Period: time.Minute, Min: 8, Max: 12})
	require.NoError(t, err)
	assert.Equal(t, 8, clamped.Capacity(45*time.Second))
	assert.Equal(t, 12, clamped.Capacity(15*time.Second))
}

func TestSpikeProfile(t *testing.T) {
	p, err := NewProfile(ProfileConfig{Type: TypeSpike, Base: 5, Spike: &SpikeConfig{
		Capacity: 20, Duration: 5 * time.Second, Interval: 30 * time.Second,
	}})
	require.NoError(t, err)

	tests := []struct {
		elapsed time.Duration
		want    int
	}{
		{0, 20},
		{4 * time.Second, 20},
		{5 * time.Second, 5},
		{29 * time.Second, 5},
		{31 * time.Second, 20},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Capacity(tt.elapsed), "elapsed %v", tt.elapsed)
	}
	assert.Contains(t, p.Phase(2*time.Second), "spike 1: active")
	assert.Contains(t, p.Phase(20*time.Second), "spike 1: normal (10.0s until next spike)")
}

func TestStepProfile(t *testing.T) {
	steps := []StepLevel{
		{Capacity: 10, Duration: 30 * time.Second},
		{Capacity: 20, Duration: 30 * time.Second, Ramp: 10 * time.Second},
	}

	t.Run("once", func(t *testing.T) {
		p, err := NewProfile(ProfileConfig{Type: TypeStep, Step: &StepConfig{Steps: steps}})
		require.NoError(t, err)

		tests := []struct {
			elapsed time.Duration
			want    int
		}{
			{0, 10},
			{29 * time.Second, 10},
			{30 * time.Second, 10},
			{35 * time.Second, 15},
			{40 * time.Second, 20},
			{100 * time.Second, 20},
		}
		for _, tt := range tests {
			assert.Equal(t, tt.want, p.Capacity(tt.elapsed), "elapsed %v", tt.elapsed)
		}
		assert.Equal(t, "cycle 1, step 2/2: ramping (50.0% ramp)", p.Phase(35*time.Second))
		assert.Equal(t, "cycle 1, step 1/2: holding at 10", p.Phase(time.Second))
	})

	t.Run("loop", func(t *testing.T) {
		p, err := NewProfile(ProfileConfig{Type: TypeStep, Step: &StepConfig{Steps: steps, Loop: true}})
		require.NoError(t, err)
		assert.Equal(t, 10, p.Capacity(65*time.Second))
		assert.Equal(t, 20, p.Capacity(110*time.Second))
		assert.Contains(t, p.Phase(65*time.Second), "cycle 2, step 1/2")
	})

	t.Run("first step ramps from base", func(t *testing.T) {
		p, err := NewProfile(ProfileConfig{Type: TypeStep, Base: 0, Step: &StepConfig{Steps: []StepLevel{
			{Capacity: 10, Duration: 10 * time.Second, Ramp: 10 * time.Second},
		}}})
		require.NoError(t, err)
		assert.Equal(t, 5, p.Capacity(5*time.Second))
	})
}

func TestCustomProfile(t *testing.T) {
	p, err := NewProfile(ProfileConfig{Type: TypeCustom, Points: []CustomPoint{
		{Time: 0, Capacity: 10},
		{Time: 30 * time.Second, Capacity: 100},
		{Time: 60 * time.Second, Capacity: 50},
	}})
	require.NoError(t, err)

	tests := []struct {
		elapsed time.Duration
		want    int
	}{
		{-time.Second, 10},
		{0, 10},
		{15 * time.Second, 55},
		{30 * time.Second, 100},
		{45 * time.Second, 75},
		{90 * time.Second, 50},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Capacity(tt.elapsed), "elapsed %v", tt.elapsed)
	}
	assert.Equal(t, "segment 1/2: ramping up from 10 to 100 (50.0%)", p.Phase(15*time.Second))
	assert.Equal(t, "segment 2/2: ramping down from 100 to 50 (50.0%)", p.Phase(45*time.Second))
	assert.Equal(t, "curve complete, holding at 50", p.Phase(2*time.Minute))
}

func TestFormula(t *testing.T) {
	tests := []struct {
		name    string
		source  string
		elapsed time.Duration
		want    int
	}{
		{name: "start", source: "10 + 5 * floor(elapsedMinutes)", elapsed: 0, want: 10},
		{name: "after 90s", source: "10 + 5 * floor(elapsedMinutes)", elapsed: 90 * time.Second, want: 15},
		{name: "seconds", source: "elapsedSeconds / 10", elapsed: 25 * time.Second, want: 3},
		{name: "integer result", source: "5", elapsed: 0, want: 5},
		{name: "builtins", source: "min(elapsedSeconds, 4)", elapsed: time.Minute, want: 4},
		{name: "negative is unlimited", source: "elapsedSeconds - 100", elapsed: 0, want: 0},
		{name: "nan is unlimited", source: "elapsedSeconds / elapsedSeconds", elapsed: 0, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := NewFormula(tt.source, 0, 0)
			require.NoError(t, err)
			assert.Equal(t, tt.want, f.Capacity(tt.elapsed))
		})
	}

	f, err := NewFormula("elapsedMinutes * 100", 0, 50)
	require.NoError(t, err)
	assert.Equal(t, 50, f.Capacity(time.Hour))
	assert.Equal(t, "elapsedMinutes * 100 = 50", f.Phase(time.Hour))
	assert.Equal(t, "elapsedMinutes * 100", f.Source())

	_, err = NewFormula(`"many"`, 0, 0)
	assert.ErrorIs(t, err, ErrInvalidProfile)
}

func TestToCapacity(t *testing.T) {
	assert.Equal(t, 0, toCapacity(math.NaN(), 0, 0))
	assert.Equal(t, 3, toCapacity(2.5, 0, 0))
	assert.Equal(t, 2, toCapacity(2.4, 0, 0))
	assert.Equal(t, 0, toCapacity(-7, 0, 0))
	assert.Equal(t, 4, toCapacity(1, 4, 0))
	assert.Equal(t, math.MaxInt32, toCapacity(math.Inf(1), 0, 0))
}
