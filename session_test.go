package hantek

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

// transferRecord is one entry of the fake backend's transfer log.
type transferRecord struct {
	kind    string // "control-in", "control-out", "bulk-in", "bulk-out"
	request uint8
	value   uint16
	data    []byte
}

// fakeBackend scripts the USB stack for session and engine tests.
type fakeBackend struct {
	vid, pid        uint16
	inSize, outSize int
	claimErr        error
	claims          int
	closes          int

	speed ConnectionSpeed
	log   []transferRecord

	controlIn  func(request uint8, value, index uint16, data []byte) (int, error)
	controlOut func(request uint8, value, index uint16, data []byte) (int, error)
	bulkIn     func(data []byte) (int, error)
	bulkOut    func(data []byte) (int, error)
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		vid:    0x04b5,
		pid:    0x2090,
		inSize: 512, outSize: 512,
		speed: ConnectionHighSpeed,
	}
}

func (f *fakeBackend) Descriptor() (uint16, uint16) { return f.vid, f.pid }

func (f *fakeBackend) ClaimVendorInterface(epIn, epOut uint8) (int, int, error) {
	if f.claimErr != nil {
		return 0, 0, f.claimErr
	}
	f.claims++
	return f.inSize, f.outSize, nil
}

func (f *fakeBackend) ControlTransfer(requestType, request uint8, value, index uint16, data []byte, timeout time.Duration) (int, error) {
	if requestType&0x80 != 0 {
		f.log = append(f.log, transferRecord{kind: "control-in", request: request, value: value})
		if f.controlIn != nil {
			return f.controlIn(request, value, index, data)
		}
		switch ControlCode(request) {
		case ControlGetSpeed:
			data[0] = byte(f.speed)
		case ControlValue:
			// Calibration windows spanning the full raw range.
			for i := 0; i+3 < len(data); i += 4 {
				data[i], data[i+1], data[i+2], data[i+3] = 0x00, 0x00, 0xff, 0xff
			}
		}
		return len(data), nil
	}

	f.log = append(f.log, transferRecord{
		kind: "control-out", request: request, value: value,
		data: append([]byte(nil), data...),
	})
	if f.controlOut != nil {
		return f.controlOut(request, value, index, data)
	}
	return len(data), nil
}

func (f *fakeBackend) BulkTransfer(endpoint uint8, data []byte, timeout time.Duration) (int, error) {
	if endpoint&0x80 != 0 {
		f.log = append(f.log, transferRecord{kind: "bulk-in"})
		if f.bulkIn != nil {
			return f.bulkIn(data)
		}
		for i := range data {
			data[i] = 0
		}
		return len(data), nil
	}

	f.log = append(f.log, transferRecord{kind: "bulk-out", data: append([]byte(nil), data...)})
	if f.bulkOut != nil {
		return f.bulkOut(data)
	}
	return len(data), nil
}

func (f *fakeBackend) Close() error {
	f.closes++
	return nil
}

func connectedSession(t *testing.T, f *fakeBackend, model *Model) *Session {
	t.Helper()
	s := NewSession(model, f, nil)
	if err := s.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return s
}

func TestConnectMeasuresPacketLengths(t *testing.T) {
	f := newFakeBackend()
	f.inSize, f.outSize = 512, 64
	s := connectedSession(t, f, DSO2090)

	if s.InPacketLength() != 512 || s.OutPacketLength() != 64 {
		t.Errorf("packet lengths = %d/%d, want 512/64", s.InPacketLength(), s.OutPacketLength())
	}
	if err := s.Connect(); !errors.Is(err, ErrAlreadyOpen) {
		t.Errorf("second Connect = %v, want ErrAlreadyOpen", err)
	}
}

func TestConnectNeedsFirmware(t *testing.T) {
	f := newFakeBackend()
	f.vid, f.pid = 0x04b4, 0x8613
	s := NewSession(DSO2090A, f, nil)

	if err := s.Connect(); !errors.Is(err, ErrNeedsFirmware) {
		t.Errorf("Connect = %v, want ErrNeedsFirmware", err)
	}
	if f.claims != 0 {
		t.Error("interface claimed despite missing firmware")
	}
}

func TestPacketSizeMapping(t *testing.T) {
	tests := []struct {
		speed   ConnectionSpeed
		size    int
		wantErr bool
	}{
		{ConnectionFullSpeed, 64, false},
		{ConnectionHighSpeed, 512, false},
		{ConnectionSpeed(2), 0, true},
		{ConnectionSpeed(0xff), 0, true},
	}
	for _, tt := range tests {
		f := newFakeBackend()
		f.speed = tt.speed
		s := connectedSession(t, f, DSO2090)

		size, err := s.PacketSize()
		if tt.wantErr {
			if !errors.Is(err, ErrUnknownSpeed) {
				t.Errorf("speed %d: err = %v, want ErrUnknownSpeed", tt.speed, err)
			}
			continue
		}
		if err != nil || size != tt.size {
			t.Errorf("speed %d: size = %d err = %v, want %d", tt.speed, size, err, tt.size)
		}
	}
}

func TestBulkWriteRefetchesSpeed(t *testing.T) {
	f := newFakeBackend()
	s := connectedSession(t, f, DSO2090)

	if _, err := s.BulkWrite([]byte{0x03, 0x00}, Attempts); err != nil {
		t.Fatalf("BulkWrite: %v", err)
	}

	if len(f.log) != 2 {
		t.Fatalf("%d transfers, want 2", len(f.log))
	}
	if f.log[0].kind != "control-in" || f.log[0].request != uint8(ControlGetSpeed) {
		t.Errorf("first transfer = %+v, want speed query", f.log[0])
	}
	if f.log[1].kind != "bulk-out" {
		t.Errorf("second transfer = %+v, want bulk write", f.log[1])
	}
}

func TestBulkCommandPreamble(t *testing.T) {
	f := newFakeBackend()
	s := connectedSession(t, f, DSO2090)

	if _, err := s.BulkCommand(NewCaptureStart(), Attempts); err != nil {
		t.Fatalf("BulkCommand: %v", err)
	}

	// Find the bulk write and walk back over interleaved speed queries;
	// the transfer immediately prior must be the begin-command write.
	bulkIdx := -1
	for i, rec := range f.log {
		if rec.kind == "bulk-out" {
			bulkIdx = i
		}
	}
	if bulkIdx < 0 {
		t.Fatal("no bulk write issued")
	}
	prev := bulkIdx - 1
	for prev >= 0 && f.log[prev].request == uint8(ControlGetSpeed) {
		prev--
	}
	if prev < 0 || f.log[prev].kind != "control-out" || f.log[prev].request != uint8(ControlBeginCommand) {
		t.Fatalf("bulk write not preceded by begin command: %+v", f.log)
	}

	wantBegin := []byte{0x0f, 0x03, 0x03, 0x03, 0, 0, 0, 0, 0, 0}
	if !bytes.Equal(f.log[prev].data, wantBegin) {
		t.Errorf("begin command payload = % x, want % x", f.log[prev].data, wantBegin)
	}
	if !bytes.Equal(f.log[bulkIdx].data, []byte{0x03, 0x00}) {
		t.Errorf("bulk payload = % x", f.log[bulkIdx].data)
	}
}

func TestBulkCommandDisabled(t *testing.T) {
	f := newFakeBackend()
	s := connectedSession(t, f, DSO2090)
	s.SetAllowBulkTransfer(false)

	n, err := s.BulkCommand(NewCaptureStart(), Attempts)
	if err != nil || n != 0 {
		t.Fatalf("BulkCommand = %d, %v", n, err)
	}
	if len(f.log) != 0 {
		t.Errorf("%d transfers issued with bulk disabled", len(f.log))
	}
}

func TestBulkReadMultiPacketing(t *testing.T) {
	f := newFakeBackend()
	f.inSize = 64
	s := connectedSession(t, f, DSO2090)

	buf := make([]byte, 256)
	n, err := s.BulkReadMulti(buf, AttemptsMulti)
	if err != nil || n != 256 {
		t.Fatalf("BulkReadMulti = %d, %v", n, err)
	}

	reads := 0
	for _, rec := range f.log {
		if rec.kind == "bulk-in" {
			reads++
		}
	}
	if reads != 4 {
		t.Errorf("%d packet reads, want 4", reads)
	}
}

func TestBulkReadMultiShortRead(t *testing.T) {
	f := newFakeBackend()
	f.inSize = 64
	packets := 0
	f.bulkIn = func(data []byte) (int, error) {
		packets++
		if packets <= 2 {
			return len(data), nil
		}
		return 30, nil
	}
	s := connectedSession(t, f, DSO2090)

	buf := make([]byte, 256)
	n, err := s.BulkReadMulti(buf, AttemptsMulti)

	var short *ShortReadError
	if !errors.As(err, &short) {
		t.Fatalf("err = %v, want ShortReadError", err)
	}
	if n != 158 || short.Expected != 256 || short.Got != 158 {
		t.Errorf("n = %d, short = %+v", n, short)
	}
}

func TestBulkReadMultiNothingArrived(t *testing.T) {
	f := newFakeBackend()
	f.bulkIn = func(data []byte) (int, error) { return 0, ErrTimeout }
	s := connectedSession(t, f, DSO2090)

	buf := make([]byte, 256)
	if _, err := s.BulkReadMulti(buf, AttemptsMulti); !errors.Is(err, ErrTimeout) {
		t.Errorf("err = %v, want ErrTimeout", err)
	}
}

func TestTransferRetriesOnTimeout(t *testing.T) {
	f := newFakeBackend()
	failures := 2
	f.bulkOut = func(data []byte) (int, error) {
		if failures > 0 {
			failures--
			return 0, ErrTimeout
		}
		return len(data), nil
	}
	s := connectedSession(t, f, DSO2090)

	n, err := s.BulkTransfer(EndpointOut, []byte{0x03, 0x00}, -1, Timeout)
	if err != nil || n != 2 {
		t.Fatalf("BulkTransfer = %d, %v", n, err)
	}

	writes := 0
	for _, rec := range f.log {
		if rec.kind == "bulk-out" {
			writes++
		}
	}
	if writes != 3 {
		t.Errorf("%d attempts, want 3", writes)
	}
}

func TestTransferGivesUpAfterAttempts(t *testing.T) {
	f := newFakeBackend()
	f.bulkOut = func(data []byte) (int, error) { return 0, ErrTimeout }
	s := connectedSession(t, f, DSO2090)

	if _, err := s.BulkTransfer(EndpointOut, []byte{0x03, 0x00}, 3, Timeout); !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if len(f.log) != 3 {
		t.Errorf("%d attempts, want 3", len(f.log))
	}
}

func TestDisconnectSequencing(t *testing.T) {
	f := newFakeBackend()
	s := NewSession(DSO2090, f, nil)

	disconnects := 0
	s.SetOnDisconnect(func() { disconnects++ })
	if err := s.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// Cable pulled during a multi-packet read.
	f.bulkIn = func(data []byte) (int, error) { return 0, ErrNoDevice }
	buf := make([]byte, 256)
	if _, err := s.BulkReadMulti(buf, AttemptsMulti); !errors.Is(err, ErrNoDevice) {
		t.Fatalf("BulkReadMulti = %v, want ErrNoDevice", err)
	}
	if s.Connected() {
		t.Fatal("session still connected after NoDevice")
	}

	// Subsequent writes fail immediately without touching the backend.
	transfers := len(f.log)
	if _, err := s.BulkWrite([]byte{0x03, 0x00}, Attempts); !errors.Is(err, ErrNoDevice) {
		t.Errorf("BulkWrite = %v, want ErrNoDevice", err)
	}
	if len(f.log) != transfers {
		t.Error("transfer issued while disconnected")
	}

	// Explicit disconnect stays idempotent.
	s.Disconnect()
	if disconnects != 1 {
		t.Errorf("%d disconnect events, want 1", disconnects)
	}
	if f.closes != 1 {
		t.Errorf("%d backend closes, want 1", f.closes)
	}

	// A new connect re-measures the endpoint packet sizes.
	f.bulkIn = nil
	f.inSize = 64
	if err := s.Connect(); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if s.InPacketLength() != 64 {
		t.Errorf("in packet length = %d, want re-measured 64", s.InPacketLength())
	}
}
