package bus

import (
	"errors"
	"fmt"
	"strings"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/host/v3/ftdi"
)

var (
	ErrBadDescriptor = errors.New("invalid FT232H descriptor provided")
	ErrNoFT232H      = errors.New("no matching FT232H found")
)

// DeviceInfo represents a snapshot of the device information for an FT232H.
type DeviceInfo struct {
	Index       int
	Serial      string
	Description string
	ProductID   string
	VendorID    string
	IsOpen      bool
}

// String returns a string representation of the device information.
func (fi DeviceInfo) String() string {
	return fmt.Sprintf(
		"DeviceInfo{Index:%d, Serial:%s, Description:%s, ProductID:%s, VendorID:%s, IsOpen:%t}",
		fi.Index, fi.Serial, fi.Description, fi.ProductID, fi.VendorID, fi.IsOpen,
	)
}

// FTDIDescriptor identifies which FT232H to open when several are plugged in.
type FTDIDescriptor struct {
	Index  int
	Serial string
}

// ByIndex returns a [FTDIDescriptor] with the specified index, counted among
// FT232H devices only.
func ByIndex(index int) FTDIDescriptor {
	return FTDIDescriptor{Index: index}
}

// BySerial returns a [FTDIDescriptor] with the specified serial number.
func BySerial(serial string) FTDIDescriptor {
	return FTDIDescriptor{Serial: serial, Index: -1}
}

// Validate checks if [FTDIDescriptor] is valid.
func (fd FTDIDescriptor) Validate() error {
	if fd.Index < 0 && fd.Serial == "" {
		return ErrBadDescriptor
	}
	return nil
}

// Matches reports whether a device at index with serial fits the descriptor.
func (fd FTDIDescriptor) Matches(index int, serial string) bool {
	if fd.Serial != "" {
		return strings.EqualFold(fd.Serial, serial)
	}
	return fd.Index == index
}

func (fd FTDIDescriptor) String() string {
	return fmt.Sprintf("FTDIDescriptor{Index:%d, Serial:%s}", fd.Index, fd.Serial)
}

// FTDI is an opened FT232H acting as the board's SPI master.
type FTDI struct {
	*ftdi.FT232H
	info DeviceInfo
}

// Info returns a snapshot of the device information. Read-only.
func (f *FTDI) Info() DeviceInfo {
	return f.info
}

func (f *FTDI) String() string {
	return fmt.Sprintf("FT232H[%s:%s]: %s", f.info.VendorID, f.info.ProductID, f.info.Description)
}

// Port returns the MPSSE SPI port. D3 is the hardware chip select; extra
// chips need their own select lines.
func (f *FTDI) Port() (spi.PortCloser, error) {
	return f.FT232H.SPI()
}

// Pin finds a header pin by its name, with or without the device prefix
// ("D5" and "ftdi0.D5" both work).
func (f *FTDI) Pin(name string) (gpio.PinIO, error) {
	for _, p := range f.Header() {
		n := p.Name()
		if strings.EqualFold(n, name) || strings.HasSuffix(strings.ToUpper(n), "."+strings.ToUpper(name)) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%s: no pin %q", f, name)
}

func describe(index int, d *ftdi.FT232H) DeviceInfo {
	var (
		info ftdi.Info
		ee   ftdi.EEPROM
	)
	d.Info(&info)
	fi := DeviceInfo{
		Index:     index,
		ProductID: fmt.Sprintf("%04x", info.DevID),
		VendorID:  fmt.Sprintf("%04x", info.VenID),
		IsOpen:    info.Opened,
	}
	if err := d.EEPROM(&ee); err == nil {
		fi.Serial = ee.Serial
		fi.Description = ee.Desc
	}
	if fi.Description == "" {
		fi.Description = d.String()
	}
	return fi
}

// ListFTDI describes every FT232H the ftdi driver found during host init.
func ListFTDI() []DeviceInfo {
	var out []DeviceInfo
	for _, d := range ftdi.All() {
		if ft, ok := d.(*ftdi.FT232H); ok {
			out = append(out, describe(len(out), ft))
		}
	}
	return out
}

// OpenFTDI picks an FT232H registered by the ftdi driver. With no descriptor
// the first one is used. host.Init must have run.
func OpenFTDI(choice ...FTDIDescriptor) (*FTDI, error) {
	desc := ByIndex(0)
	switch len(choice) {
	case 0:
	case 1:
		if err := choice[0].Validate(); err != nil {
			return nil, err
		}
		desc = choice[0]
	default:
		return nil, fmt.Errorf("invalid number of arguments")
	}

	index := 0
	for _, d := range ftdi.All() {
		ft, ok := d.(*ftdi.FT232H)
		if !ok {
			continue
		}
		fi := describe(index, ft)
		if desc.Matches(index, fi.Serial) {
			return &FTDI{FT232H: ft, info: fi}, nil
		}
		index++
	}
	return nil, fmt.Errorf("%w: %s", ErrNoFT232H, desc)
}
