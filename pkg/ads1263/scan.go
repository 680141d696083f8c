package ads1263

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// maxScanErrors stops a scan that keeps failing.
const maxScanErrors = 50

// Sample is one calibrated reading delivered by a Scan.
type Sample struct {
	Input string
	Volts float64
	Time  time.Time
}

// SampleCallback receives every reading of a Scan, in request order.
type SampleCallback func(Sample)

// Scan repeatedly batch-samples a set of inputs in the background.
type Scan struct {
	Interval time.Duration
	Rate     DataRate

	channels []AnalogIn
	pairs    []DiffPair
	callback SampleCallback

	cancel context.CancelFunc
	done   chan struct{}

	errMu sync.Mutex
	err   []error
}

func (s *Scan) addErr(err error) (stop bool) {
	if err == nil {
		return false
	}
	s.errMu.Lock()
	defer s.errMu.Unlock()
	s.err = append(s.err, err)
	return len(s.err) >= maxScanErrors
}

// Err joins every error the scan ran into so far.
func (s *Scan) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if len(s.err) == 0 {
		return nil
	}
	return fmt.Errorf("channel scan errors: %w", errors.Join(s.err...))
}

// Stop ends the scan after the round in progress.
func (s *Scan) Stop() {
	s.cancel()
}

// Done is closed once the scan goroutine has exited.
func (s *Scan) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the scan exits or ctx is done, then returns Err.
func (s *Scan) Wait(ctx context.Context) error {
	select {
	case <-s.done:
	case <-ctx.Done():
		return errors.Join(ctx.Err(), s.Err())
	}
	return s.Err()
}

func (s *Scan) inputs() []string {
	out := make([]string, 0, len(s.channels)+len(s.pairs))
	for _, c := range s.channels {
		out = append(out, c.String())
	}
	for _, p := range s.pairs {
		out = append(out, p.String())
	}
	return out
}

// ScanChannels batch-samples channels and pairs at rate once per interval
// until ctx is cancelled, Stop is called or too many rounds fail. Each reading
// is passed to onSample from the scan goroutine.
func (adc *ADS1263) ScanChannels(
	ctx context.Context,
	interval time.Duration,
	rate DataRate,
	onSample SampleCallback,
	channels []AnalogIn,
	pairs []DiffPair,
) (*Scan, error) {
	if len(channels)+len(pairs) == 0 {
		return nil, errors.New("no channels to scan")
	}
	if onSample == nil {
		return nil, errors.New("nil sample callback")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("%w: scan interval %s", ErrInvalidConfig, interval)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Scan{
		Interval: interval,
		Rate:     rate,
		channels: channels,
		pairs:    pairs,
		callback: onSample,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	names := s.inputs()

	go func() {
		defer close(s.done)
		defer cancel()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			volts, err := adc.ReadSamplesBatch(rate, channels, pairs)
			if s.addErr(err) || errors.Is(err, ErrInvalidConfig) || errors.Is(err, ErrRTDEnabled) {
				adc.log.Error().Err(err).Msg("channel scan giving up")
				return
			}
			now := time.Now()
			for i, v := range volts {
				s.callback(Sample{Input: names[i], Volts: v, Time: now})
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return s, nil
}
