// Package stepper implements the serial stepper driver sink: ASCII
// frequency frames written to a shared serial port at 57600 baud.
//
// The sink is deliberately forgiving. The port is opened lazily on the
// first write and re-opened after any failure on a later tick; write
// errors are logged once per state change and swallowed, so the control
// loop never stalls on the actuator.
package stepper

import (
	"fmt"
	"io"
	"log"
	"sync"

	serial "github.com/jacobsa/go-serial/serial"

	"github.com/telescopio-montemayor/ethernet-encoder-servo/pkg/dsp"
)

// BaudRate is the stepper driver line rate.
const BaudRate = 57600

// Frame builds the ASCII command frame for one axis:
//
//	\n<LABEL><signed integer, right-aligned width 7>\n
//
// e.g. "\nA  12000\n". The driver firmware keys on the leading newline to
// resynchronize after line noise.
func Frame(axis string, hz float64) []byte {
	return []byte(fmt.Sprintf("\n%s%7.0f\n", axis, hz))
}

// openPort is swapped out in tests.
type openPort func() (io.ReadWriteCloser, error)

// SerialSink writes frequency frames to a serial port. One sink may be
// shared by several axes: writes are serialized internally and each write
// is bounded by the port's timeout.
type SerialSink struct {
	mu sync.Mutex

	portName string
	maxSpeed float64

	port io.ReadWriteCloser
	open openPort

	// wasConnected tracks the last logged connection state so transient
	// failures are reported once, not once per tick.
	wasConnected bool
}

// NewSerialSink builds a sink for the given device path. maxSpeed is the
// final clamp on commanded frequencies, in hertz.
func NewSerialSink(portName string, maxSpeed float64) *SerialSink {
	s := &SerialSink{
		portName: portName,
		maxSpeed: maxSpeed,
	}
	s.open = s.openSerial
	return s
}

func (s *SerialSink) openSerial() (io.ReadWriteCloser, error) {
	return serial.Open(serial.OpenOptions{
		PortName:              s.portName,
		BaudRate:              BaudRate,
		DataBits:              8,
		StopBits:              1,
		ParityMode:            serial.PARITY_NONE,
		MinimumReadSize:       0,
		InterCharacterTimeout: 50,
	})
}

// SetFrequency clamps hz and writes one command frame. Failures are
// absorbed: the port is closed and the next call retries the open.
func (s *SerialSink) SetFrequency(axis string, hz float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port == nil {
		port, err := s.open()
		if err != nil {
			if s.wasConnected {
				log.Printf("stepper: serial port %s unavailable: %v", s.portName, err)
				s.wasConnected = false
			}
			return err
		}
		s.port = port
		s.wasConnected = true
		log.Printf("stepper: serial port %s connected", s.portName)
	}

	hz = dsp.Saturate(hz, s.maxSpeed, -s.maxSpeed)

	if _, err := s.port.Write(Frame(axis, hz)); err != nil {
		log.Printf("stepper: serial write failed: %v", err)
		s.port.Close()
		s.port = nil
		s.wasConnected = false
		return err
	}

	return nil
}

// Close releases the serial port.
func (s *SerialSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	return err
}
