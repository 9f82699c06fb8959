package sample

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/itohio/grindscale/pkg/prefs"
)

// Blocking helpers for utility commands. They rely on the sampler running
// (Schedule or Run) and must not be used from the control loop.

var (
	ErrTareTimeout   = errors.New("sample: tare timeout")
	ErrSettleTimeout = errors.New("sample: settling timeout")
	ErrCalibration   = errors.New("sample: calibration failed")
)

const blockingPoll = 10 * time.Millisecond

func (p *Pipeline) sleep(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.clk.Sleep(blockingPoll)
	return ctx.Err()
}

// Tare zeroes the scale and waits for completion.
func (p *Pipeline) Tare(ctx context.Context) error {
	if err := p.BeginTare(); err != nil {
		return err
	}
	for {
		switch p.TareStatus() {
		case TareDone:
			return nil
		case TareFailed:
			return ErrTareTimeout
		}
		if err := p.sleep(ctx); err != nil {
			p.CancelTare()
			return err
		}
	}
}

// SettledWeight waits until the scale settles over w and returns the mean
// weight. On timeout it returns the high-latency weight with ErrSettleTimeout.
func (p *Pipeline) SettledWeight(ctx context.Context, w time.Duration) (float32, error) {
	deadline := p.clk.Now().Add(p.cfg.SettlingTimeout)
	for {
		if ok, weight := p.Settled(w); ok {
			return weight, nil
		}
		if !p.clk.Now().Before(deadline) {
			return p.HighLatency(), fmt.Errorf("%w: not settled over %v within %v", ErrSettleTimeout, w, p.cfg.SettlingTimeout)
		}
		if err := p.sleep(ctx); err != nil {
			return p.HighLatency(), err
		}
	}
}

// PrecisionSettledWeight waits for settling over the high-latency window.
func (p *Pipeline) PrecisionSettledWeight(ctx context.Context) (float32, error) {
	return p.SettledWeight(ctx, p.cfg.HighLatencyWindow)
}

// Calibrate derives the scale from a known reference mass on a tared scale.
// The new scale and the reference mass are persisted.
func (p *Pipeline) Calibrate(ctx context.Context, reference float32) (float64, error) {
	if reference <= 0 {
		return 0, fmt.Errorf("%w: reference weight must be positive, got %v", ErrCalibration, reference)
	}

	start := p.clk.Now()
	deadline := start.Add(p.cfg.CalibrationWindow + p.cfg.CalibrationTimeout)
	for p.clk.Now().Sub(start) < p.cfg.CalibrationWindow {
		if err := p.sleep(ctx); err != nil {
			return 0, err
		}
	}

	var s []RawSample
	for {
		s = p.window(p.cfg.CalibrationWindow)
		if len(s) >= 3 {
			break
		}
		if !p.clk.Now().Before(deadline) {
			return 0, fmt.Errorf("%w: only %d samples", ErrCalibration, len(s))
		}
		if err := p.sleep(ctx); err != nil {
			return 0, err
		}
	}

	c := p.Calibration()
	scale := (TrimmedMean(s) - c.Tare) / float64(reference)
	if !ValidScale(scale) {
		return 0, fmt.Errorf("%w: computed scale %v", ErrCalibration, scale)
	}
	if err := p.SetScale(scale); err != nil {
		return 0, err
	}

	if err := p.store.PutFloat(prefs.KeyCalibration, float32(scale)); err != nil {
		log.Printf("[sample] failed to persist calibration: %v", err)
	}
	if err := p.store.PutFloat(prefs.KeyCalWeight, reference); err != nil {
		log.Printf("[sample] failed to persist calibration weight: %v", err)
	}
	log.Printf("[sample] calibrated scale %.2f counts/g with %.1fg", scale, reference)
	return scale, nil
}
