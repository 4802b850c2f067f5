package transport

import (
	"errors"
	"fmt"
	"time"

	serial "github.com/daedaluz/goserial"
)

// bitRateFlags maps a requested bps value to the termios CFlag the
// host enumerates, mirroring the switch a boot-mode host normally
// performs over cfsetispeed/cfsetospeed.
var bitRateFlags = map[int]serial.CFlag{
	200:    serial.B200,
	300:    serial.B300,
	600:    serial.B600,
	1200:   serial.B1200,
	1800:   serial.B1800,
	2400:   serial.B2400,
	4800:   serial.B4800,
	9600:   serial.B9600,
	19200:  serial.B19200,
	38400:  serial.B38400,
	57600:  serial.B57600,
	115200: serial.B115200,
	230400: serial.B230400,
	460800: serial.B460800,
}

// SerialTransport implements Transport over a POSIX tty using
// github.com/daedaluz/goserial for the open/termios/ioctl plumbing.
type SerialTransport struct {
	port *serial.Port
}

// Open opens path for read/write with no controlling terminal and
// configures it to 9600 8N1 with the receiver enabled, per the boot
// mode engine's initial line state.
func Open(path string) (*SerialTransport, error) {
	port, err := serial.Open(path, serial.NewOptions())
	if err != nil {
		return nil, fmt.Errorf("transport: open %s: %w", path, err)
	}
	t := &SerialTransport{port: port}
	if err := t.configure(9600); err != nil {
		port.Close()
		return nil, err
	}
	return t, nil
}

func (t *SerialTransport) configure(bps int) error {
	flag, ok := bitRateFlags[bps]
	if !ok {
		return fmt.Errorf("transport: unsupported bit rate %d", bps)
	}
	attrs, err := t.port.GetAttr2()
	if err != nil {
		return fmt.Errorf("transport: get attrs: %w", err)
	}
	attrs.MakeRaw()
	attrs.Cflag |= serial.CREAD | serial.CLOCAL
	attrs.SetSpeed(flag)
	if err := t.port.SetAttr2(serial.TCSANOW, attrs); err != nil {
		return fmt.Errorf("transport: set attrs: %w", err)
	}
	return nil
}

func (t *SerialTransport) Write(b []byte) error {
	n, err := t.port.Write(b)
	if err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	if n != len(b) {
		return fmt.Errorf("transport: short write: wrote %d of %d bytes", n, len(b))
	}
	return nil
}

// timeouter is satisfied by the timeout errors poll.WaitInput and the
// syscall package return, matching the net.Error convention.
type timeouter interface {
	Timeout() bool
}

func (t *SerialTransport) Read(buf []byte, deadline time.Duration) (int, error) {
	n, err := t.port.ReadTimeout(buf, deadline)
	if err != nil {
		var te timeouter
		if errors.As(err, &te) && te.Timeout() {
			return 0, ErrTimeout
		}
		return n, fmt.Errorf("transport: read: %w", err)
	}
	if n == 0 {
		return 0, ErrTimeout
	}
	return n, nil
}

// SetLineRate atomically reconfigures both input and output rate, per
// the engine's requirement that the transport's line rate equal the
// requested rate before any further byte is transmitted.
func (t *SerialTransport) SetLineRate(bps int) error {
	if !Supports(bps) {
		return fmt.Errorf("transport: unsupported bit rate %d", bps)
	}
	return t.configure(bps)
}

func (t *SerialTransport) Close() error {
	return t.port.Close()
}
