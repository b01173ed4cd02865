package climapulse

import (
	"math"
	"math/rand"
)

// Envelope bounds a synthetic value and sets how far it may move per step.
type Envelope struct {
	Min  float64
	Max  float64
	Step float64
}

func (e Envelope) mid() float64 { return (e.Min + e.Max) / 2 }

func (e Envelope) clamp(v float64) float64 {
	return math.Max(e.Min, math.Min(e.Max, v))
}

func (e Envelope) validate(field string) error {
	if math.IsNaN(e.Min) || math.IsNaN(e.Max) || math.IsInf(e.Min, 0) || math.IsInf(e.Max, 0) {
		return configErr(field, "bounds must be finite")
	}
	if e.Min >= e.Max {
		return configErr(field, "min %.2f must be below max %.2f", e.Min, e.Max)
	}
	if e.Step < 0 || math.IsNaN(e.Step) || math.IsInf(e.Step, 0) {
		return configErr(field, "step must be a finite value >= 0")
	}
	return nil
}

// Fallback configures the synthetic readings published when a fetch fails.
type Fallback struct {
	Temperature Envelope
	Humidity    Envelope
}

// DefaultFallback matches the ranges the sensor screens fell back to:
// 20–30 °C and 40–70 %, drifting like the simulator (±1 °C, ±3 %).
func DefaultFallback() Fallback {
	return Fallback{
		Temperature: Envelope{Min: 20, Max: 30, Step: 1},
		Humidity:    Envelope{Min: 40, Max: 70, Step: 3},
	}
}

func (f Fallback) validate() error {
	if err := f.Temperature.validate("fallback temperature"); err != nil {
		return err
	}
	return f.Humidity.validate("fallback humidity")
}

// walker is a bounded pseudo-random walk. It is not safe for concurrent
// use; the source serialises calls under its own mutex.
type walker struct {
	env Fallback
	rng *rand.Rand
}

// next returns temperature and humidity one step away from prev, or from
// the envelope midpoints when there is no previous reading. Results stay
// inside the envelopes and are rounded to one decimal.
func (w *walker) next(prev Reading) (temperature, humidity float64) {
	baseT, baseH := w.env.Temperature.mid(), w.env.Humidity.mid()
	if !prev.IsZero() {
		baseT = w.env.Temperature.clamp(prev.Temperature)
		baseH = w.env.Humidity.clamp(prev.Humidity)
	}
	temperature = w.step(w.env.Temperature, baseT)
	humidity = w.step(w.env.Humidity, baseH)
	return temperature, humidity
}

func (w *walker) step(e Envelope, base float64) float64 {
	v := base + (w.rng.Float64()*2-1)*e.Step
	v = math.Round(v*10) / 10
	// rounding can push a value a hair past a bound that isn't on the grid
	return e.clamp(v)
}
