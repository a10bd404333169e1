package serial

import (
	"fmt"
	"strings"
	"time"

	"go.bug.st/serial"
)

// readTimeout bounds a single exact-length read. The bootloader answers
// well inside this on a healthy link; the protocol layer adds its own
// longer per-operation timeouts on top via BUSY polling.
const readTimeout = 2 * time.Second

// UARTPort is a Port on a physical serial device, optionally bridged
// into a FluidNC uart via the passthrough command.
type UARTPort struct {
	port        serial.Port
	opts        Options
	passthrough bool
}

// Open opens the device named in opts and, if opts.Passthrough is set,
// performs the FluidNC passthrough handshake so subsequent bytes reach
// the target's bootloader instead of the controller console.
func Open(opts Options) (*UARTPort, error) {
	if err := opts.Normalize(); err != nil {
		return nil, err
	}

	mode, err := parseMode(opts.Mode, opts.BaudRate)
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(opts.Device, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open port %s: %w", opts.Device, err)
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}

	p := &UARTPort{
		port:        port,
		opts:        opts,
		passthrough: opts.Passthrough != "",
	}

	if p.passthrough {
		if err := p.enterPassthrough(opts.Passthrough); err != nil {
			port.Close()
			return nil, err
		}
	}

	return p, nil
}

// enterPassthrough asks the FluidNC controller to bridge its console
// uart to the named target uart. The controller replies with text lines;
// an "error:" line means the uart is unavailable. The reply stream is
// drained until it goes quiet so no console text leaks into the binary
// protocol.
func (p *UARTPort) enterPassthrough(name string) error {
	cmd := fmt.Sprintf("$Uart/Passthrough=%s\n", name)
	if err := p.Write([]byte(cmd)); err != nil {
		return fmt.Errorf("passthrough request: %w", err)
	}

	isError := false
	buf := make([]byte, 256)
	for {
		p.port.SetReadTimeout(500 * time.Millisecond)
		n, err := p.port.Read(buf)
		if err != nil || n == 0 {
			break
		}
		if strings.HasPrefix(strings.ToLower(string(buf[:n])), "error:") {
			isError = true
		}
	}
	p.port.SetReadTimeout(readTimeout)

	if isError {
		return fmt.Errorf("controller refused passthrough to %s", name)
	}
	return nil
}

// ReadFull reads exactly len(buf) bytes. go.bug.st reports a timeout as
// a zero-byte read, which is mapped to ErrTimeout here.
func (p *UARTPort) ReadFull(buf []byte) error {
	off := 0
	for off < len(buf) {
		n, err := p.port.Read(buf[off:])
		if err != nil {
			return fmt.Errorf("port read: %w", err)
		}
		if n == 0 {
			return ErrTimeout
		}
		off += n
	}
	return nil
}

func (p *UARTPort) Write(buf []byte) error {
	for len(buf) > 0 {
		n, err := p.port.Write(buf)
		if err != nil {
			return fmt.Errorf("port write: %w", err)
		}
		buf = buf[n:]
	}
	return nil
}

func (p *UARTPort) Flush() error {
	return p.port.ResetInputBuffer()
}

func (p *UARTPort) Gpio(s Signal, level bool) error {
	switch s {
	case SignalRTS:
		return p.port.SetRTS(level)
	case SignalDTR:
		return p.port.SetDTR(level)
	case SignalBRK:
		if !level {
			return nil
		}
		return p.port.Break(100 * time.Millisecond)
	}
	return fmt.Errorf("unknown gpio signal %d", s)
}

func (p *UARTPort) Flags() Flags {
	return FlagByte | FlagGVRExtra | FlagInit | FlagRetry
}

// GetReplyLength has no overrides for UART links; the GET reply length
// anomalies are an I2C bootloader artifact.
func (p *UARTPort) GetReplyLength(version byte) int { return 0 }

func (p *UARTPort) ConfigString() string {
	if p.passthrough {
		return fmt.Sprintf("%s via FluidNC %s", p.opts.Device, p.opts.Passthrough)
	}
	return fmt.Sprintf("%s @ %d %s", p.opts.Device, p.opts.BaudRate, p.opts.Mode)
}

func (p *UARTPort) Close() error {
	if p.port == nil {
		return nil
	}
	return p.port.Close()
}

// RxFrameMax returns the negotiated read-memory chunk bound.
func (p *UARTPort) RxFrameMax() int { return p.opts.RxFrameMax }

// TxFrameMax returns the negotiated write-memory frame bound.
func (p *UARTPort) TxFrameMax() int { return p.opts.TxFrameMax }

func parseMode(mode string, baud int) (*serial.Mode, error) {
	m := &serial.Mode{BaudRate: baud}

	switch mode[0] {
	case '7':
		m.DataBits = 7
	case '8':
		m.DataBits = 8
	default:
		return nil, fmt.Errorf("serial: unsupported data bits %q", mode[0])
	}

	switch mode[1] {
	case 'n':
		m.Parity = serial.NoParity
	case 'e':
		m.Parity = serial.EvenParity
	case 'o':
		m.Parity = serial.OddParity
	default:
		return nil, fmt.Errorf("serial: unsupported parity %q", mode[1])
	}

	switch mode[2] {
	case '1':
		m.StopBits = serial.OneStopBit
	case '2':
		m.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("serial: unsupported stop bits %q", mode[2])
	}

	return m, nil
}

// ListPorts returns the system's serial device names.
func ListPorts() ([]string, error) {
	return serial.GetPortsList()
}
