package vibeflash

import (
	"bytes"
	"testing"
)

func TestFrameBytes(t *testing.T) {
	tests := []struct {
		name   string
		frame  Frame
		want   []byte
		respLn int
	}{
		{
			"read",
			NewReadFrame(0x123456, 0x40),
			[]byte{bridgeRead, 0x40, 0x00, 0x00, 0x00, 0x56, 0x34, 0x12, 0x00},
			0x40,
		},
		{
			"write",
			NewWriteFrame(0x100, []byte{0xAA, 0xBB}),
			[]byte{bridgeWrite, 0x02, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0xAA, 0xBB},
			0,
		},
		{
			"command",
			NewCommandFrame(OpReadStatus, nil, 1),
			[]byte{bridgeCommand, 0x00, 0x00, OpReadStatus, 0x00, 0x01, 0x00, 0x00, 0x00},
			1,
		},
		{
			"command with data",
			NewCommandFrame(OpWriteStatus, []byte{0x00, 0x02}, 3),
			[]byte{bridgeCommand, 0x02, 0x00, OpWriteStatus, 0x00, 0x03, 0x00, 0x00, 0x00, 0x00, 0x02},
			3,
		},
		{
			"init",
			NewInitFrame(DefaultTransportConfig()),
			[]byte{bridgeInit, 0x08, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
				0x00, 0x48, 0xE8, 0x01, 4, 24, OpQuadRead, OpQuadPageProgram},
			0,
		},
		{
			"busy",
			NewBusyFrame(),
			[]byte{bridgeBusy, 0, 0, 0, 0, 0, 0, 0, 0},
			1,
		},
	}
	for _, test := range tests {
		if got := test.frame.GetBytes(); !bytes.Equal(got, test.want) {
			t.Errorf("%v: got % X, want % X", test.name, got, test.want)
		}
		if got := test.frame.GetResponseLength(); got != test.respLn {
			t.Errorf("%v: response length %v, want %v", test.name, got, test.respLn)
		}
	}
}

func TestParseBusyResponse(t *testing.T) {
	busy, err := ParseBusyResponse([]byte{StatusBusy | StatusWriteEnable})
	if err != nil || !busy {
		t.Errorf("got %v, %v", busy, err)
	}
	busy, err = ParseBusyResponse([]byte{StatusWriteEnable})
	if err != nil || busy {
		t.Errorf("got %v, %v", busy, err)
	}
	if _, err := ParseBusyResponse(nil); err == nil {
		t.Error("empty response accepted")
	}
}

func TestGetResponseCodeString(t *testing.T) {
	if s := GetResponseCodeString(ResultAddressError); s != "address error" {
		t.Errorf("got %q", s)
	}
	if s := GetResponseCodeString(0x42); s != "invalid response code" {
		t.Errorf("got %q", s)
	}
}
