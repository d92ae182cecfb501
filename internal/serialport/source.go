// Package serialport provides the byte sources the ingest session reads
// from: a real serial port and a synthetic demo stream.
package serialport

import (
	"context"
	"fmt"
	"strings"

	"go.bug.st/serial"
)

// Source is the interface every transport backend implements.
type Source interface {
	// Name returns a human-readable description of the source.
	Name() string
	// Connect opens the underlying device.
	Connect() error
	// Close releases the device. Run returns shortly after.
	Close() error
	// Run delivers received bytes to onChunk until ctx is cancelled or the
	// device fails. The chunk is only valid for the duration of the call.
	Run(ctx context.Context, onChunk func([]byte)) error
	// Write sends bytes to the device.
	Write(p []byte) (int, error)
}

// Config holds transport settings.
type Config struct {
	Type     string `yaml:"type" json:"type"` // "serial" or "demo"
	PortPath string `yaml:"port_path" json:"portPath"`
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`
	DataBits int    `yaml:"data_bits" json:"dataBits"`
	Parity   string `yaml:"parity" json:"parity"`       // none, odd, even, mark, space
	StopBits string `yaml:"stop_bits" json:"stopBits"` // 1, 1.5, 2
}

// BaudRates lists the rates offered by the UI.
var BaudRates = []int{9600, 19200, 38400, 57600, 115200, 230400, 460800, 921600}

// Mode converts the config into a serial.Mode, applying 115200 8N1 defaults.
func (c Config) Mode() (*serial.Mode, error) {
	mode := &serial.Mode{
		BaudRate: c.BaudRate,
		DataBits: c.DataBits,
	}
	if mode.BaudRate == 0 {
		mode.BaudRate = 115200
	}
	if mode.DataBits == 0 {
		mode.DataBits = 8
	}
	if mode.DataBits < 5 || mode.DataBits > 8 {
		return nil, fmt.Errorf("serialport: invalid data bits %d", c.DataBits)
	}

	parity, err := ParseParity(c.Parity)
	if err != nil {
		return nil, err
	}
	mode.Parity = parity

	stop, err := ParseStopBits(c.StopBits)
	if err != nil {
		return nil, err
	}
	mode.StopBits = stop
	return mode, nil
}

// ParseParity maps a config name to a serial.Parity. Empty means none.
func ParseParity(s string) (serial.Parity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "n":
		return serial.NoParity, nil
	case "odd", "o":
		return serial.OddParity, nil
	case "even", "e":
		return serial.EvenParity, nil
	case "mark", "m":
		return serial.MarkParity, nil
	case "space", "s":
		return serial.SpaceParity, nil
	}
	return serial.NoParity, fmt.Errorf("serialport: unknown parity %q", s)
}

// ParseStopBits maps "1", "1.5" or "2" to serial.StopBits. Empty means 1.
func ParseStopBits(s string) (serial.StopBits, error) {
	switch strings.TrimSpace(s) {
	case "", "1":
		return serial.OneStopBit, nil
	case "1.5":
		return serial.OnePointFiveStopBits, nil
	case "2":
		return serial.TwoStopBits, nil
	}
	return serial.OneStopBit, fmt.Errorf("serialport: unknown stop bits %q", s)
}
