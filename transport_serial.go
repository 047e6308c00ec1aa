package vibeflash

import (
	"fmt"
	"time"

	"github.com/tarm/serial"
)

type serialTransport struct {
	portConfig serial.Config
	port       *serial.Port
}

// NewSerialTransport creates a transport that reaches the flash chip through
// a flash bridge on a serial port.
func NewSerialTransport(port string, baud int) Transport {
	t := new(serialTransport)

	t.portConfig.Baud = baud
	t.portConfig.Name = port
	t.portConfig.ReadTimeout = time.Second

	return t
}

func (t *serialTransport) Init(cfg TransportConfig) error {
	if t.port == nil {
		var err error
		t.port, err = serial.OpenPort(&t.portConfig)
		if err != nil {
			return err
		}
		// On Linux with USB serial ports, in order for flush to work properly
		// we need to delay a little before flushing to make sure that any
		// received data has made its way up the driver stack.
		time.Sleep(time.Millisecond * 100)
		t.port.Flush()
	}
	if _, err := t.send(NewInitFrame(cfg)); err != nil {
		return fmt.Errorf("bridge init failed: %v", err)
	}
	return nil
}

func (t *serialTransport) Uninit() error {
	if t.port == nil {
		return nil
	}
	_, err := t.send(NewUninitFrame())
	t.port.Close()
	t.port = nil
	if err != nil {
		return fmt.Errorf("bridge uninit failed: %v", err)
	}
	return nil
}

func (t *serialTransport) recv(count int) ([]byte, error) {
	resp := make([]byte, 0, count)
	for len(resp) < cap(resp) {
		buf := make([]byte, cap(resp)-len(resp))
		n, err := t.port.Read(buf)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, fmt.Errorf("timed out after %v of %v bytes", len(resp), count)
		}
		resp = append(resp, buf[:n]...)
	}
	return resp, nil
}

func (t *serialTransport) send(f Frame) ([]byte, error) {
	if t.port == nil {
		return nil, fmt.Errorf("port not open")
	}
	if len(f.Data) > maxBridgeData {
		return nil, fmt.Errorf("frame data of %v bytes is too long", len(f.Data))
	}
	tx := append([]byte{bridgeSync}, f.GetBytes()...)
	if _, err := t.port.Write(tx); err != nil {
		return nil, err
	}
	// Wait for the echoed header
	echoLen := len(tx) - len(f.Data)
	echo, err := t.recv(echoLen)
	if err != nil {
		return nil, err
	}

	// Check that the echoed header matches the sent one
	for i := 0; i < echoLen; i++ {
		if tx[i] != echo[i] {
			return nil, fmt.Errorf("echo mismatch at position %v", i)
		}
	}

	code, err := t.recv(1)
	if err != nil {
		return nil, err
	}
	if code[0] != ResultSuccess {
		return nil, fmt.Errorf("frame returned code %v: %v", code[0], GetResponseCodeString(int(code[0])))
	}

	resp := []byte{}
	if f.GetResponseLength() > 0 {
		resp, err = t.recv(f.GetResponseLength())
		if err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func (t *serialTransport) Command(opcode byte, tx []byte, rx []byte) error {
	resp, err := t.send(NewCommandFrame(opcode, tx, len(rx)))
	if err != nil {
		return fmt.Errorf("command %02X failed: %v", opcode, err)
	}
	copy(rx, resp)
	return nil
}

func (t *serialTransport) Read(address uint32, buf []byte) error {
	for len(buf) > 0 {
		n := len(buf)
		if n > maxBridgeData {
			n = maxBridgeData
		}
		resp, err := t.send(NewReadFrame(address, uint16(n)))
		if err != nil {
			return fmt.Errorf("read failed: %v", err)
		}
		copy(buf, resp)
		buf = buf[n:]
		address += uint32(n)
	}
	return nil
}

func (t *serialTransport) Write(address uint32, data []byte) error {
	if _, err := t.send(NewWriteFrame(address, data)); err != nil {
		return fmt.Errorf("write failed: %v", err)
	}
	return nil
}

func (t *serialTransport) Busy() (bool, error) {
	resp, err := t.send(NewBusyFrame())
	if err != nil {
		return false, fmt.Errorf("busy poll failed: %v", err)
	}
	return ParseBusyResponse(resp)
}
