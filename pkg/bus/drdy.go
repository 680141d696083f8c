package bus

import (
	"errors"
	"fmt"
	"time"

	"periph.io/x/conn/v3/gpio"
)

// ErrDRDYTimeout is returned when a data-ready line never asserts.
var ErrDRDYTimeout = errors.New("timed out waiting for DRDY")

const drdyPoll = 100 * time.Microsecond

// WaitDRDY polls an active-low data-ready pin until it goes low or timeout
// elapses. A nil pin falls back to sleeping for timeout.
func WaitDRDY(pin gpio.PinIn, timeout time.Duration) error {
	if pin == nil {
		time.Sleep(timeout)
		return nil
	}
	deadline := time.Now().Add(timeout)
	for {
		if pin.Read() == gpio.Low {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s after %s", ErrDRDYTimeout, pin, timeout)
		}
		time.Sleep(drdyPoll)
	}
}
