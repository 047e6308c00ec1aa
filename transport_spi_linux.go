//go:build linux
// +build linux

package vibeflash

import (
	"github.com/pkg/errors"
	"github.com/u-root/u-root/pkg/spidev"
)

type spiTransport struct {
	dev   string
	speed uint32
	port  *spidev.SPI
}

// NewSPITransport creates a transport that drives the flash chip directly
// through a Linux spidev device such as /dev/spidev0.0. spidev is a single
// lane bus, so the standard read and page program instructions are used
// whatever the configured I/O width.
func NewSPITransport(dev string) Transport {
	return &spiTransport{dev: dev}
}

func (t *spiTransport) Init(cfg TransportConfig) error {
	t.speed = cfg.ClockHz
	if t.port != nil {
		return nil
	}
	port, err := spidev.Open(t.dev)
	if err != nil {
		return errors.Wrapf(err, "failed to open %v", t.dev)
	}
	t.port = port
	return nil
}

func (t *spiTransport) Uninit() error {
	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	return err
}

// transfer clocks out header followed by tx and clocks in len(rx) bytes
// after them, all within one chip select.
func (t *spiTransport) transfer(header, tx, rx []byte) error {
	if t.port == nil {
		return errors.New("spi device not open")
	}
	out := make([]byte, len(header)+len(tx)+len(rx))
	copy(out, header)
	copy(out[len(header):], tx)
	in := make([]byte, len(out))
	if err := t.port.Transfer([]spidev.Transfer{{Tx: out, Rx: in, SpeedHz: t.speed}}); err != nil {
		return ioErrorf("spi transfer %02X: %v", header[0], err)
	}
	copy(rx, in[len(header)+len(tx):])
	return nil
}

func (t *spiTransport) Command(opcode byte, tx []byte, rx []byte) error {
	return t.transfer([]byte{opcode}, tx, rx)
}

func (t *spiTransport) Read(address uint32, buf []byte) error {
	return t.transfer(append([]byte{OpRead}, addr24(address)...), nil, buf)
}

func (t *spiTransport) Write(address uint32, data []byte) error {
	return t.transfer(append([]byte{OpPageProgram}, addr24(address)...), data, nil)
}

func (t *spiTransport) Busy() (bool, error) {
	var status [1]byte
	if err := t.Command(OpReadStatus, nil, status[:]); err != nil {
		return false, err
	}
	return status[0]&StatusBusy != 0, nil
}
