// Package bus is the SPI transport shared by the board's chips. Every chip
// sits on its own chip-select behind a Device, and a Device serializes whole
// transactions, not just single transfers.
package bus

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
)

// ErrShortTransfer is returned when a transport answers with fewer bytes than
// it was given.
var ErrShortTransfer = errors.New("short transfer")

// Transport moves full-duplex frames to one chip.
type Transport interface {
	// Transfer clocks tx out and returns the bytes clocked in, same length.
	Transfer(tx []byte) ([]byte, error)
	// Transact holds the chip for the whole of fn. Transfers made through the
	// Transport handed to fn do not interleave with any other caller.
	Transact(fn func(Transport) error) error
}

// Exchange runs one transfer and checks the response length.
func Exchange(t Transport, tx []byte) ([]byte, error) {
	rx, err := t.Transfer(tx)
	if err != nil {
		return nil, err
	}
	if len(rx) < len(tx) {
		return rx, fmt.Errorf("%w: sent %d bytes, got %d", ErrShortTransfer, len(tx), len(rx))
	}
	return rx, nil
}

// Options are the connection parameters of one chip.
type Options struct {
	Name  string
	Speed physic.Frequency
	Mode  spi.Mode
	Bits  int
	Log   zerolog.Logger
}

// Device is the canonical Transport over a periph.io connection.
type Device struct {
	name string
	c    conn.Conn
	log  zerolog.Logger
	mu   sync.Mutex
}

// Open connects port with the chip's SPI parameters.
func Open(port spi.Port, opts Options) (*Device, error) {
	if opts.Bits == 0 {
		opts.Bits = 8
	}
	c, err := port.Connect(opts.Speed, opts.Mode, opts.Bits)
	if err != nil {
		return nil, fmt.Errorf("%s: connect %s: %w", opts.Name, port, err)
	}
	return NewDevice(opts.Name, c, opts.Log), nil
}

// NewDevice wraps an already connected conn.Conn.
func NewDevice(name string, c conn.Conn, log zerolog.Logger) *Device {
	return &Device{
		name: name,
		c:    c,
		log:  log.With().Str("dev", name).Logger(),
	}
}

func (d *Device) String() string {
	return d.name
}

func (d *Device) tx(w []byte) ([]byte, error) {
	r := make([]byte, len(w))
	if err := d.c.Tx(w, r); err != nil {
		d.log.Trace().Hex("tx", w).Err(err).Msg("transfer failed")
		return nil, fmt.Errorf("%s: %w", d.name, err)
	}
	d.log.Trace().Hex("tx", w).Hex("rx", r).Msg("transfer")
	return r, nil
}

// Transfer implements Transport.
func (d *Device) Transfer(tx []byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tx(tx)
}

// Transact implements Transport.
func (d *Device) Transact(fn func(Transport) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return fn(held{d})
}

// held is a Device whose lock is already taken by the running transaction.
type held struct {
	d *Device
}

func (h held) Transfer(tx []byte) ([]byte, error) {
	return h.d.tx(tx)
}

func (h held) Transact(fn func(Transport) error) error {
	return fn(h)
}
