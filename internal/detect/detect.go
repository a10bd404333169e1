// Package detect probes serial ports for a live STM32 system bootloader.
package detect

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/Benedict-Carling/FluidTerm2/internal/protocol"
	"github.com/Benedict-Carling/FluidTerm2/internal/serial"
)

// Result describes a bootloader found on a port.
type Result struct {
	Port    string
	PID     uint16
	Name    string
	Version byte
}

// Probe opens the port described by opts and attempts a bootloader
// handshake. The port is closed again before returning.
func Probe(opts serial.Options) (*Result, error) {
	port, err := serial.Open(opts)
	if err != nil {
		return nil, err
	}
	defer port.Close()

	// Probe failures are expected on ports without a bootloader; keep
	// the protocol warnings quiet while scanning.
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	sess, err := protocol.Connect(port, protocol.WithLogger(quiet))
	if err != nil {
		return nil, fmt.Errorf("no bootloader on %s: %w", opts.Device, err)
	}

	return &Result{
		Port:    opts.Device,
		PID:     sess.PID,
		Name:    sess.Device.Name,
		Version: sess.Version,
	}, nil
}

// Scan probes every serial port on the system and returns the ones
// answering the bootloader handshake.
func Scan(baud int, mode string) ([]Result, error) {
	ports, err := serial.ListPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}

	var results []Result
	for _, name := range ports {
		r, err := Probe(serial.Options{Device: name, BaudRate: baud, Mode: mode})
		if err != nil {
			continue
		}
		results = append(results, *r)
	}
	return results, nil
}
