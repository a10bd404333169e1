package serial

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"go.bug.st/serial"
)

func TestNormalizeDefaults(t *testing.T) {
	var o Options
	if err := o.Normalize(); err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if o.BaudRate != 115200 {
		t.Errorf("baud = %d, want 115200", o.BaudRate)
	}
	if o.Mode != "8e1" {
		t.Errorf("mode = %q, want 8e1", o.Mode)
	}
	if o.RxFrameMax != MaxRxFrame || o.TxFrameMax != MaxTxFrame {
		t.Errorf("frame bounds = %d/%d, want %d/%d",
			o.RxFrameMax, o.TxFrameMax, MaxRxFrame, MaxTxFrame)
	}
}

func TestNormalizeClampsFrameBounds(t *testing.T) {
	o := Options{RxFrameMax: 1000, TxFrameMax: 1000}
	if err := o.Normalize(); err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if o.RxFrameMax != MaxRxFrame {
		t.Errorf("RX clamped to %d, want %d", o.RxFrameMax, MaxRxFrame)
	}
	if o.TxFrameMax != MaxTxFrame {
		t.Errorf("TX clamped to %d, want %d", o.TxFrameMax, MaxTxFrame)
	}
}

func TestNormalizeRejects(t *testing.T) {
	tests := []Options{
		{RxFrameMax: 10},
		{TxFrameMax: 4},
		{Mode: "8e10"},
		{Mode: "e1"},
	}
	for _, o := range tests {
		if err := o.Normalize(); err == nil {
			t.Errorf("Normalize(%+v) accepted", o)
		}
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		mode string
		want serial.Mode
	}{
		{"8n1", serial.Mode{DataBits: 8, Parity: serial.NoParity, StopBits: serial.OneStopBit}},
		{"8e1", serial.Mode{DataBits: 8, Parity: serial.EvenParity, StopBits: serial.OneStopBit}},
		{"7o2", serial.Mode{DataBits: 7, Parity: serial.OddParity, StopBits: serial.TwoStopBits}},
	}
	for _, tc := range tests {
		m, err := parseMode(tc.mode, 57600)
		if err != nil {
			t.Errorf("parseMode(%q): %v", tc.mode, err)
			continue
		}
		if m.BaudRate != 57600 || m.DataBits != tc.want.DataBits ||
			m.Parity != tc.want.Parity || m.StopBits != tc.want.StopBits {
			t.Errorf("parseMode(%q) = %+v", tc.mode, m)
		}
	}

	for _, bad := range []string{"9n1", "8x1", "8n3"} {
		if _, err := parseMode(bad, 115200); err == nil {
			t.Errorf("parseMode(%q) accepted", bad)
		}
	}
}

// fakePort stands in for a go.bug.st device. A zero-byte read is how the
// library reports a timeout.
type fakePort struct {
	wr      bytes.Buffer
	replies [][]byte
	rts     bool
	dtr     bool
}

func (f *fakePort) Read(p []byte) (int, error) {
	if len(f.replies) == 0 {
		return 0, nil
	}
	n := copy(p, f.replies[0])
	if n == len(f.replies[0]) {
		f.replies = f.replies[1:]
	} else {
		f.replies[0] = f.replies[0][n:]
	}
	return n, nil
}

func (f *fakePort) Write(p []byte) (int, error) { return f.wr.Write(p) }

func (f *fakePort) SetMode(mode *serial.Mode) error           { return nil }
func (f *fakePort) Drain() error                              { return nil }
func (f *fakePort) ResetInputBuffer() error                   { return nil }
func (f *fakePort) ResetOutputBuffer() error                  { return nil }
func (f *fakePort) SetDTR(dtr bool) error                     { f.dtr = dtr; return nil }
func (f *fakePort) SetRTS(rts bool) error                     { f.rts = rts; return nil }
func (f *fakePort) SetReadTimeout(t time.Duration) error      { return nil }
func (f *fakePort) Break(d time.Duration) error               { return nil }
func (f *fakePort) Close() error                              { return nil }
func (f *fakePort) GetModemStatusBits() (*serial.ModemStatusBits, error) {
	return &serial.ModemStatusBits{}, nil
}

func TestReadFullMapsTimeout(t *testing.T) {
	fake := &fakePort{replies: [][]byte{{0x79, 0x31}}}
	p := &UARTPort{port: fake}

	buf := make([]byte, 2)
	if err := p.ReadFull(buf); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if buf[0] != 0x79 || buf[1] != 0x31 {
		t.Errorf("read % 02x", buf)
	}

	// The queue is drained; the next read must time out, even partway
	// through a larger request.
	fake.replies = [][]byte{{0x79}}
	if err := p.ReadFull(make([]byte, 2)); !errors.Is(err, ErrTimeout) {
		t.Errorf("short read error = %v, want ErrTimeout", err)
	}
}

func TestPassthroughHandshake(t *testing.T) {
	fake := &fakePort{replies: [][]byte{[]byte("ok\r\n")}}
	p := &UARTPort{port: fake}

	if err := p.enterPassthrough("uart2"); err != nil {
		t.Fatalf("enterPassthrough: %v", err)
	}
	if got := fake.wr.String(); got != "$Uart/Passthrough=uart2\n" {
		t.Errorf("sent %q", got)
	}
}

func TestPassthroughRefused(t *testing.T) {
	fake := &fakePort{replies: [][]byte{[]byte("error:7 uart2 not available\r\n")}}
	p := &UARTPort{port: fake}

	err := p.enterPassthrough("uart2")
	if err == nil || !strings.Contains(err.Error(), "refused") {
		t.Errorf("enterPassthrough error = %v, want controller refusal", err)
	}
}

func TestGpioSignals(t *testing.T) {
	fake := &fakePort{}
	p := &UARTPort{port: fake}

	if err := p.Gpio(SignalRTS, true); err != nil || !fake.rts {
		t.Errorf("RTS not driven (err %v)", err)
	}
	if err := p.Gpio(SignalDTR, true); err != nil || !fake.dtr {
		t.Errorf("DTR not driven (err %v)", err)
	}
	if err := p.Gpio(Signal(99), true); err == nil {
		t.Error("unknown signal accepted")
	}
}
