package hantek

// BulkCode identifies a bulk command. The 0x0c..0x0e opcodes are shared
// between the DSO-2250 and DSO-5200 families with different payloads; the
// model's command variant selects which frame is built for them.
type BulkCode uint8

const (
	BulkSetFilterCode               BulkCode = 0x00
	BulkSetTriggerAndSamplerateCode BulkCode = 0x01
	BulkForceTriggerCode            BulkCode = 0x02
	BulkCaptureStartCode            BulkCode = 0x03
	BulkEnableTriggerCode           BulkCode = 0x04
	BulkGetDataCode                 BulkCode = 0x05
	BulkGetCaptureStateCode         BulkCode = 0x06
	BulkSetGainCode                 BulkCode = 0x07
	BulkSetLogicalDataCode          BulkCode = 0x08
	BulkGetLogicalDataCode          BulkCode = 0x09
	BulkSetChannels2250Code         BulkCode = 0x0b
	BulkSetTrigger2250Code          BulkCode = 0x0c
	BulkSetSamplerate5200Code       BulkCode = 0x0c
	BulkSetRecordLength2250Code     BulkCode = 0x0d
	BulkSetBuffer5200Code           BulkCode = 0x0d
	BulkSetSamplerate2250Code       BulkCode = 0x0e
	BulkSetTrigger5200Code          BulkCode = 0x0e
	BulkSetBuffer2250Code           BulkCode = 0x0f

	bulkCodeCount = 0x10
)

// BulkFrame is implemented by every bulk command frame.
type BulkFrame interface {
	Bytes() []byte
	Size() int
}

// Opcode returns the bulk opcode stored at offset 0 of a frame.
func Opcode(f BulkFrame) BulkCode {
	return BulkCode(f.Bytes()[0])
}

// command builds one of the two-byte opcode-only frames.
type command struct{ Frame }

func newCommand(code BulkCode) command {
	f := NewFrame(2)
	f[0] = byte(code)
	return command{f}
}

// NewForceTrigger builds the 0x02 frame forcing a trigger event.
func NewForceTrigger() BulkFrame { return newCommand(BulkForceTriggerCode) }

// NewCaptureStart builds the 0x03 frame starting a capture.
func NewCaptureStart() BulkFrame { return newCommand(BulkCaptureStartCode) }

// NewEnableTrigger builds the 0x04 frame arming the trigger.
func NewEnableTrigger() BulkFrame { return newCommand(BulkEnableTriggerCode) }

// NewGetData builds the 0x05 frame requesting sample data.
func NewGetData() BulkFrame { return newCommand(BulkGetDataCode) }

// NewGetCaptureState builds the 0x06 frame requesting the capture state.
func NewGetCaptureState() BulkFrame { return newCommand(BulkGetCaptureStateCode) }

// NewGetLogicalData builds the 0x09 frame requesting logical data.
func NewGetLogicalData() BulkFrame { return newCommand(BulkGetLogicalDataCode) }

// SetFilter is the 8-byte 0x00 frame controlling the channel and trigger
// filters on the 2090/2150/5200 models.
type SetFilter struct{ Frame }

func NewSetFilter() SetFilter {
	f := NewFrame(8)
	f[0] = byte(BulkSetFilterCode)
	f[1] = 0x0f
	return SetFilter{f}
}

func (c SetFilter) Channel(channel int) bool { return c.flag(2, uint(channel)) }

func (c SetFilter) SetChannel(channel int, filtered bool) { c.putFlag(2, uint(channel), filtered) }

func (c SetFilter) Trigger() bool { return c.flag(2, 2) }

func (c SetFilter) SetTrigger(filtered bool) { c.putFlag(2, 2, filtered) }

// SetTriggerAndSamplerate is the 12-byte 0x01 frame carrying the combined
// trigger, record length and samplerate settings of the DSO-2090 and
// DSO-2150. The 24-bit trigger position is split: its low two bytes live
// at offsets 6-7 while the high byte sits at offset 10. That layout is
// part of the vendor protocol.
type SetTriggerAndSamplerate struct{ Frame }

func NewSetTriggerAndSamplerate() SetTriggerAndSamplerate {
	f := NewFrame(12)
	f[0] = byte(BulkSetTriggerAndSamplerateCode)
	return SetTriggerAndSamplerate{f}
}

func (c SetTriggerAndSamplerate) TriggerSource() uint8 { return c.bits(2, 0, 2) }

func (c SetTriggerAndSamplerate) SetTriggerSource(v uint8) { c.putBits(2, 0, 2, v) }

func (c SetTriggerAndSamplerate) RecordLength() uint8 { return c.bits(2, 2, 3) }

func (c SetTriggerAndSamplerate) SetRecordLength(v uint8) { c.putBits(2, 2, 3, v) }

func (c SetTriggerAndSamplerate) SamplerateID() uint8 { return c.bits(2, 5, 2) }

func (c SetTriggerAndSamplerate) SetSamplerateID(v uint8) { c.putBits(2, 5, 2, v) }

func (c SetTriggerAndSamplerate) DownsamplingMode() bool { return c.flag(2, 7) }

func (c SetTriggerAndSamplerate) SetDownsamplingMode(on bool) { c.putFlag(2, 7, on) }

func (c SetTriggerAndSamplerate) UsedChannels() uint8 { return c.bits(3, 0, 2) }

func (c SetTriggerAndSamplerate) SetUsedChannels(v uint8) { c.putBits(3, 0, 2, v) }

func (c SetTriggerAndSamplerate) FastRate() bool { return c.flag(3, 2) }

func (c SetTriggerAndSamplerate) SetFastRate(on bool) { c.putFlag(3, 2, on) }

func (c SetTriggerAndSamplerate) TriggerSlope() uint8 { return c.bits(3, 3, 1) }

func (c SetTriggerAndSamplerate) SetTriggerSlope(v uint8) { c.putBits(3, 3, 1, v) }

func (c SetTriggerAndSamplerate) Downsampler() uint16 { return c.uint16le(4) }

func (c SetTriggerAndSamplerate) SetDownsampler(v uint16) { c.putUint16le(4, v) }

func (c SetTriggerAndSamplerate) TriggerPosition() uint32 {
	return uint32(c.uint16le(6)) | uint32(c.Frame[10])<<16
}

func (c SetTriggerAndSamplerate) SetTriggerPosition(v uint32) {
	c.putUint16le(6, uint16(v))
	c.Frame[10] = byte(v >> 16)
}

// SetGain is the 8-byte 0x07 frame selecting the hardware gain for both
// channels. Usually sent together with the relay control transfer.
type SetGain struct{ Frame }

func NewSetGain() SetGain {
	f := NewFrame(8)
	f[0] = byte(BulkSetGainCode)
	return SetGain{f}
}

func (c SetGain) Gain(channel int) uint8 { return c.bits(2, uint(channel)*2, 2) }

func (c SetGain) SetGain(channel int, v uint8) { c.putBits(2, uint(channel)*2, 2, v) }

// SetLogicalData is the 8-byte 0x08 frame. Not used by the official
// software but part of the command table.
type SetLogicalData struct{ Frame }

func NewSetLogicalData() SetLogicalData {
	f := NewFrame(8)
	f[0] = byte(BulkSetLogicalDataCode)
	return SetLogicalData{f}
}

func (c SetLogicalData) Data() uint8 { return c.Frame[2] }

func (c SetLogicalData) SetData(v uint8) { c.Frame[2] = v }

// SetChannels2250 is the 4-byte 0x0b frame selecting the active channels
// on the DSO-2250.
type SetChannels2250 struct{ Frame }

func NewSetChannels2250() SetChannels2250 {
	f := NewFrame(4)
	f[0] = byte(BulkSetChannels2250Code)
	return SetChannels2250{f}
}

func (c SetChannels2250) UsedChannels() uint8 { return c.Frame[2] }

func (c SetChannels2250) SetUsedChannels(v uint8) { c.Frame[2] = v }

// SetTrigger2250 is the 8-byte 0x0c frame carrying the DSO-2250 trigger
// source and slope.
type SetTrigger2250 struct{ Frame }

func NewSetTrigger2250() SetTrigger2250 {
	f := NewFrame(8)
	f[0] = byte(BulkSetTrigger2250Code)
	return SetTrigger2250{f}
}

func (c SetTrigger2250) TriggerSource() uint8 { return c.bits(2, 0, 2) }

func (c SetTrigger2250) SetTriggerSource(v uint8) { c.putBits(2, 0, 2, v) }

func (c SetTrigger2250) TriggerSlope() uint8 { return c.bits(2, 2, 1) }

func (c SetTrigger2250) SetTriggerSlope(v uint8) { c.putBits(2, 2, 1, v) }

// SetSamplerate5200 is the 6-byte 0x0c frame carrying the DSO-5200
// samplerate divider. The effective rate is
// max / (c*2 + 4 - fast), where c is 0 for a zero slow word and
// 0xffff - slow otherwise.
type SetSamplerate5200 struct{ Frame }

func NewSetSamplerate5200() SetSamplerate5200 {
	f := NewFrame(6)
	f[0] = byte(BulkSetSamplerate5200Code)
	return SetSamplerate5200{f}
}

func (c SetSamplerate5200) SamplerateSlow() uint16 { return c.uint16le(2) }

func (c SetSamplerate5200) SetSamplerateSlow(v uint16) { c.putUint16le(2, v) }

func (c SetSamplerate5200) SamplerateFast() uint8 { return c.Frame[4] }

func (c SetSamplerate5200) SetSamplerateFast(v uint8) { c.Frame[4] = v }

// SetRecordLength2250 is the 4-byte 0x0d frame selecting the DSO-2250
// record length id.
type SetRecordLength2250 struct{ Frame }

func NewSetRecordLength2250() SetRecordLength2250 {
	f := NewFrame(4)
	f[0] = byte(BulkSetRecordLength2250Code)
	return SetRecordLength2250{f}
}

func (c SetRecordLength2250) RecordLength() uint8 { return c.Frame[2] }

func (c SetRecordLength2250) SetRecordLength(v uint8) { c.Frame[2] = v }

// TriggerPositionUsed is the pretrigger enable value of the 0x0d DSO-5200
// frame. Off is used for roll mode, On for normal operation.
type TriggerPositionUsed uint8

const (
	TriggerPositionOff TriggerPositionUsed = 0
	TriggerPositionOn  TriggerPositionUsed = 7
)

// SetBuffer5200 is the 10-byte 0x0d frame carrying the DSO-5200 pre- and
// posttrigger positions and record length. Offsets 5 and 9 hold the fixed
// 0xff sentinels.
type SetBuffer5200 struct{ Frame }

func NewSetBuffer5200() SetBuffer5200 {
	f := NewFrame(10)
	f[0] = byte(BulkSetBuffer5200Code)
	f[5] = 0xff
	f[9] = 0xff
	return SetBuffer5200{f}
}

func (c SetBuffer5200) TriggerPositionPre() uint16 { return c.uint16le(2) }

func (c SetBuffer5200) SetTriggerPositionPre(v uint16) { c.putUint16le(2, v) }

func (c SetBuffer5200) TriggerPositionPost() uint16 { return c.uint16le(6) }

func (c SetBuffer5200) SetTriggerPositionPost(v uint16) { c.putUint16le(6, v) }

func (c SetBuffer5200) UsedPre() TriggerPositionUsed { return TriggerPositionUsed(c.Frame[4]) }

func (c SetBuffer5200) SetUsedPre(v TriggerPositionUsed) { c.Frame[4] = byte(v) }

func (c SetBuffer5200) UsedPost() TriggerPositionUsed {
	return TriggerPositionUsed(c.bits(8, 0, 3))
}

func (c SetBuffer5200) SetUsedPost(v TriggerPositionUsed) { c.putBits(8, 0, 3, uint8(v)) }

func (c SetBuffer5200) RecordLength() uint8 { return c.bits(8, 3, 3) }

func (c SetBuffer5200) SetRecordLength(v uint8) { c.putBits(8, 3, 3, v) }

// SetSamplerate2250 is the 8-byte 0x0e frame carrying the DSO-2250
// samplerate divider. With downsampling enabled the divider is
// onesComplement((base/rate) - 2).
type SetSamplerate2250 struct{ Frame }

func NewSetSamplerate2250() SetSamplerate2250 {
	f := NewFrame(8)
	f[0] = byte(BulkSetSamplerate2250Code)
	return SetSamplerate2250{f}
}

func (c SetSamplerate2250) FastRate() bool { return c.flag(2, 0) }

func (c SetSamplerate2250) SetFastRate(on bool) { c.putFlag(2, 0, on) }

func (c SetSamplerate2250) Downsampling() bool { return c.flag(2, 1) }

func (c SetSamplerate2250) SetDownsampling(on bool) { c.putFlag(2, 1, on) }

func (c SetSamplerate2250) Samplerate() uint16 { return c.uint16le(4) }

func (c SetSamplerate2250) SetSamplerate(v uint16) { c.putUint16le(4, v) }

// SetTrigger5200 is the 8-byte 0x0e frame carrying the DSO-5200 channel
// and trigger settings. Offset 4 holds the fixed 0x02 byte. The fast rate
// bit is inverted on the wire.
type SetTrigger5200 struct{ Frame }

func NewSetTrigger5200() SetTrigger5200 {
	f := NewFrame(8)
	f[0] = byte(BulkSetTrigger5200Code)
	f[4] = 0x02
	return SetTrigger5200{f}
}

func (c SetTrigger5200) FastRate() bool { return !c.flag(2, 0) }

func (c SetTrigger5200) SetFastRate(on bool) { c.putFlag(2, 0, !on) }

func (c SetTrigger5200) UsedChannels() uint8 { return c.bits(2, 1, 2) }

func (c SetTrigger5200) SetUsedChannels(v uint8) { c.putBits(2, 1, 2, v) }

func (c SetTrigger5200) TriggerSource() uint8 { return c.bits(2, 3, 2) }

func (c SetTrigger5200) SetTriggerSource(v uint8) { c.putBits(2, 3, 2, v) }

func (c SetTrigger5200) TriggerSlope() uint8 { return c.bits(2, 5, 2) }

func (c SetTrigger5200) SetTriggerSlope(v uint8) { c.putBits(2, 5, 2, v) }

func (c SetTrigger5200) TriggerPulse() bool { return c.flag(2, 7) }

func (c SetTrigger5200) SetTriggerPulse(on bool) { c.putFlag(2, 7, on) }

// SetBuffer2250 is the 0x0f frame carrying the DSO-2250 pre- and
// posttrigger positions as 24-bit values. The vendor header declares 10
// bytes but the builder fills 12; the pre position occupies offsets 6-8,
// so the frame is 12 bytes with three trailing zeros (see DESIGN.md).
type SetBuffer2250 struct{ Frame }

func NewSetBuffer2250() SetBuffer2250 {
	f := NewFrame(12)
	f[0] = byte(BulkSetBuffer2250Code)
	return SetBuffer2250{f}
}

func (c SetBuffer2250) TriggerPositionPost() uint32 { return c.uint24le(2) }

func (c SetBuffer2250) SetTriggerPositionPost(v uint32) { c.putUint24le(2, v) }

func (c SetBuffer2250) TriggerPositionPre() uint32 { return c.uint24le(6) }

func (c SetBuffer2250) SetTriggerPositionPre(v uint32) { c.putUint24le(6, v) }

// CaptureState is the device-reported phase of the acquisition cycle.
type CaptureState uint8

const (
	CaptureWaiting   CaptureState = 0
	CaptureTriggered CaptureState = 1
	CaptureSampling  CaptureState = 2
	CaptureReady     CaptureState = 3
	CaptureReady5200 CaptureState = 7
)

func (s CaptureState) valid() bool {
	switch s {
	case CaptureWaiting, CaptureTriggered, CaptureSampling, CaptureReady, CaptureReady5200:
		return true
	}
	return false
}

// ReadyToRead reports whether a triggered capture is buffered and can be
// fetched. The 10-bit models report a distinct ready value.
func (s CaptureState) ReadyToRead() bool {
	return s == CaptureReady || s == CaptureReady5200
}

func (s CaptureState) String() string {
	switch s {
	case CaptureWaiting:
		return "waiting"
	case CaptureTriggered:
		return "triggered"
	case CaptureSampling:
		return "sampling"
	case CaptureReady:
		return "ready"
	case CaptureReady5200:
		return "ready (10 bit)"
	}
	return "invalid"
}

// CaptureStateResponseSize is the length of the 0x06 response.
const CaptureStateResponseSize = 512

// CaptureStateResponse parses the 512-byte response to GetCaptureState.
// The 24-bit trigger point is stored with its low byte at offset 2, the
// mid byte at offset 3 and the high byte at offset 1.
type CaptureStateResponse struct{ Frame }

func NewCaptureStateResponse() CaptureStateResponse {
	return CaptureStateResponse{NewFrame(CaptureStateResponseSize)}
}

func (r CaptureStateResponse) State() CaptureState { return CaptureState(r.Frame[0]) }

func (r CaptureStateResponse) TriggerPoint() uint32 {
	return uint32(r.Frame[2]) | uint32(r.Frame[3])<<8 | uint32(r.Frame[1])<<16
}
