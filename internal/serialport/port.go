package serialport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

const (
	readBufferSize = 4096
	readTimeout    = 100 * time.Millisecond

	drainTimeout = 500 * time.Millisecond
)

var ErrNotConnected = errors.New("serialport: not connected")

// Port reads a physical serial device through go.bug.st/serial.
type Port struct {
	cfg  Config
	mu   sync.Mutex
	port serial.Port
}

func NewPort(cfg Config) *Port {
	return &Port{cfg: cfg}
}

func (p *Port) Name() string {
	baud := p.cfg.BaudRate
	if baud == 0 {
		baud = 115200
	}
	return fmt.Sprintf("%s @ %d", p.cfg.PortPath, baud)
}

// Connect opens the port and discards whatever the device buffered before
// we attached.
func (p *Port) Connect() error {
	mode, err := p.cfg.Mode()
	if err != nil {
		return err
	}
	port, err := serial.Open(p.cfg.PortPath, mode)
	if err != nil {
		return fmt.Errorf("serialport: failed to open %s: %w", p.cfg.PortPath, err)
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		port.Close()
		return fmt.Errorf("serialport: failed to set timeout: %w", err)
	}
	p.mu.Lock()
	p.port = port
	p.mu.Unlock()

	log.Printf("[serial] opened %s at %d baud", p.cfg.PortPath, mode.BaudRate)
	p.drain(port)
	return nil
}

// drain reads and discards pending input until the line goes quiet.
func (p *Port) drain(port serial.Port) {
	port.ResetInputBuffer()

	total := 0
	deadline := time.Now().Add(drainTimeout)
	buf := make([]byte, 256)
	for time.Now().Before(deadline) {
		n, _ := port.Read(buf)
		if n == 0 {
			break
		}
		total += n
	}
	if total > 0 {
		log.Printf("[serial] drained %d stale bytes", total)
	}
}

func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.port != nil {
		err := p.port.Close()
		p.port = nil
		return err
	}
	return nil
}

func (p *Port) current() serial.Port {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.port
}

// Run reads up to 4096 bytes at a time. A read timeout with no data is not
// an error; a failed read (device unplugged) ends Run with that error.
func (p *Port) Run(ctx context.Context, onChunk func([]byte)) error {
	port := p.current()
	if port == nil {
		return ErrNotConnected
	}
	buf := make([]byte, readBufferSize)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := port.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("serialport: read %s: %w", p.cfg.PortPath, err)
		}
		if n > 0 {
			onChunk(buf[:n])
		}
	}
}

func (p *Port) Write(b []byte) (int, error) {
	port := p.current()
	if port == nil {
		return 0, ErrNotConnected
	}
	n, err := port.Write(b)
	if err != nil {
		return n, fmt.Errorf("serialport: write %s: %w", p.cfg.PortPath, err)
	}
	return n, nil
}

// PortInfo describes one serial device found on the system.
type PortInfo struct {
	Name         string `json:"name"`
	IsUSB        bool   `json:"isUsb"`
	VID          string `json:"vid,omitempty"`
	PID          string `json:"pid,omitempty"`
	SerialNumber string `json:"serialNumber,omitempty"`
	Product      string `json:"product,omitempty"`
}

// ListPorts enumerates serial devices with USB details where available.
func ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("serialport: enumerate: %w", err)
	}
	out := make([]PortInfo, 0, len(details))
	for _, d := range details {
		out = append(out, PortInfo{
			Name:         d.Name,
			IsUSB:        d.IsUSB,
			VID:          d.VID,
			PID:          d.PID,
			SerialNumber: d.SerialNumber,
			Product:      d.Product,
		})
	}
	return out, nil
}
