package hantek

import (
	"bytes"
	"testing"
)

func TestBeginCommandPayload(t *testing.T) {
	cmd := NewBeginCommand(BulkGetDataCode)
	want := []byte{0x0f, 0x05, 0x05, 0x05, 0, 0, 0, 0, 0, 0}
	if !bytes.Equal(cmd.Bytes(), want) {
		t.Errorf("bytes = % x, want % x", cmd.Bytes(), want)
	}
}

func TestGetSpeedResponse(t *testing.T) {
	response := NewGetSpeedResponse()
	if response.Size() != 10 {
		t.Fatalf("response is %d bytes, want 10", response.Size())
	}
	response.Bytes()[0] = byte(ConnectionHighSpeed)
	if got := response.Speed(); got != ConnectionHighSpeed {
		t.Errorf("Speed() = %d, want high speed", got)
	}
}

func TestSetOffsetLayout(t *testing.T) {
	cmd := NewSetOffset()
	if cmd.Size() != 17 {
		t.Fatalf("frame is %d bytes, want 17", cmd.Size())
	}

	cmd.SetChannel(0, 0x0123)
	cmd.SetChannel(1, 0x0456)
	cmd.SetTrigger(0x0789)

	// High byte first for each value.
	want := []byte{0x01, 0x23, 0x04, 0x56, 0x07, 0x89}
	if !bytes.Equal(cmd.Bytes()[:6], want) {
		t.Errorf("bytes = % x, want % x", cmd.Bytes()[:6], want)
	}
	if cmd.Channel(0) != 0x0123 || cmd.Channel(1) != 0x0456 || cmd.Trigger() != 0x0789 {
		t.Errorf("round trip: %#x %#x %#x", cmd.Channel(0), cmd.Channel(1), cmd.Trigger())
	}
}

func TestSetRelaysDefaults(t *testing.T) {
	cmd := NewSetRelays()
	want := []byte{0x00, 0x04, 0x08, 0x02, 0x20, 0x40, 0x10, 0x01}
	if !bytes.Equal(cmd.Bytes()[:8], want) {
		t.Errorf("bytes = % x, want % x", cmd.Bytes()[:8], want)
	}
}

func TestSetRelaysToggles(t *testing.T) {
	cmd := NewSetRelays()

	cmd.SetBelow1V(0, true)
	if cmd.Bytes()[1] != 0xfb || !cmd.Below1V(0) {
		t.Errorf("ch1 below 1V: byte %#02x state %v", cmd.Bytes()[1], cmd.Below1V(0))
	}
	cmd.SetBelow100mV(1, true)
	if cmd.Bytes()[5] != 0xbf || !cmd.Below100mV(1) {
		t.Errorf("ch2 below 100mV: byte %#02x state %v", cmd.Bytes()[5], cmd.Below100mV(1))
	}
	cmd.SetCouplingDC(0, true)
	if cmd.Bytes()[3] != 0xfd || !cmd.CouplingDC(0) {
		t.Errorf("ch1 coupling: byte %#02x state %v", cmd.Bytes()[3], cmd.CouplingDC(0))
	}
	cmd.SetTriggerExt(true)
	if cmd.Bytes()[7] != 0xfe || !cmd.TriggerExt() {
		t.Errorf("ext trigger: byte %#02x state %v", cmd.Bytes()[7], cmd.TriggerExt())
	}

	cmd.SetTriggerExt(false)
	if cmd.Bytes()[7] != 0x01 || cmd.TriggerExt() {
		t.Errorf("ext trigger off: byte %#02x state %v", cmd.Bytes()[7], cmd.TriggerExt())
	}
}

func TestControlDivFrames(t *testing.T) {
	volt := NewSetVoltDiv()
	if volt.Div() != 5 {
		t.Errorf("volt div default = %d, want 5", volt.Div())
	}
	volt.SetDiv(9)
	if volt.Bytes()[0] != 9 {
		t.Errorf("volt div byte = %d", volt.Bytes()[0])
	}

	tdiv := NewSetTimeDiv()
	if tdiv.Div() != 1 {
		t.Errorf("time div default = %d, want 1", tdiv.Div())
	}

	acq := NewAcquireHardData()
	if !bytes.Equal(acq.Bytes(), []byte{0x01}) {
		t.Errorf("acquire bytes = % x", acq.Bytes())
	}
}

func TestParseOffsetCalibration(t *testing.T) {
	raw := make([]byte, offsetCalibrationSize)
	// First window of channel 0: 0x0102..0x0304.
	copy(raw, []byte{0x01, 0x02, 0x03, 0x04})
	// Last window of channel 1.
	copy(raw[offsetCalibrationSize-4:], []byte{0x0a, 0x0b, 0x0c, 0x0d})

	cal, err := parseOffsetCalibration(raw)
	if err != nil {
		t.Fatalf("parseOffsetCalibration: %v", err)
	}
	if cal[0][0].Start != 0x0102 || cal[0][0].End != 0x0304 {
		t.Errorf("first window = %+v", cal[0][0])
	}
	if cal[1][gainStepCount-1].Start != 0x0a0b || cal[1][gainStepCount-1].End != 0x0c0d {
		t.Errorf("last window = %+v", cal[1][gainStepCount-1])
	}

	if _, err := parseOffsetCalibration(raw[:10]); err == nil {
		t.Error("short calibration block accepted")
	}
}
