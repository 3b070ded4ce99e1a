package hantek

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// EngineState is the acquisition state machine phase.
type EngineState int

const (
	StateDetached EngineState = iota
	StateEnumerated
	StateFirmwareNeeded
	StateConnected
	StateConfigured
	StateArmed
	StateCapturing
	StateFetching
	StateDelivered
	StateDisconnected
)

// EventKind identifies an engine event.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventFirmwareRequired
	EventCaptureReady
	EventError
)

// Event is one entry of the engine's event stream.
type Event struct {
	Kind EventKind
	Err  error
}

// rollState sequences the roll-mode command rotation.
type rollState int

const (
	rollStartSampling rollState = iota
	rollEnableTrigger
	rollForceTrigger
	rollGetData
	rollStateCount
)

// ForceTriggerWindow is the default time the engine waits for a trigger
// in auto mode before forcing one.
const ForceTriggerWindow = 2 * time.Second

// Engine sequences firmware check, configuration, capture start, state
// polling, sample retrieval and result delivery for one device. Apart
// from Connect and Disconnect, all USB traffic happens on the goroutine
// running Run; the other exported methods only update the desired
// configuration under the engine lock.
type Engine struct {
	session *Session
	model   *Model
	log     *logrus.Entry

	slot   *ResultSlot
	events chan Event

	mu       sync.Mutex
	state    EngineState
	settings Settings
	sampling bool

	// Derived acquisition parameters, recomputed on every settings push.
	fastRate    bool
	downsampler uint32
	currentRate float64
	offsetReal  [channelCount]float64
	calibration OffsetCalibration

	// Frames prepared for transmission, allocated per command variant.
	bulkFrames    [bulkCodeCount]BulkFrame
	bulkPending   [bulkCodeCount]bool
	offsetCmd     SetOffset
	relaysCmd     SetRelays
	offsetPending bool
	relaysPending bool

	// Capture loop bookkeeping, only touched from Run.
	roll            rollState
	triggerPoint    uint32
	samplingStarted bool
	captureStarted  time.Time
	triggerEnabled  bool
	forcedTrigger   bool
	forceWindow     time.Duration
	cycleTime       time.Duration
}

// NewEngine builds an engine for a connected or connectable session.
func NewEngine(session *Session, log *logrus.Logger) *Engine {
	if log == nil {
		log = logrus.New()
	}
	e := &Engine{
		session:     session,
		model:       session.Model(),
		log:         log.WithField("model", session.Model().Name),
		slot:        NewResultSlot(),
		events:      make(chan Event, 16),
		state:       StateEnumerated,
		settings:    DefaultSettings(session.Model()),
		forceWindow: ForceTriggerWindow,
		cycleTime:   100 * time.Millisecond,
	}
	for ch := range e.calibration {
		for step := range e.calibration[ch] {
			e.calibration[ch][step] = OffsetLimit{Start: 0x0000, End: 0xffff}
		}
	}
	e.allocateFrames()
	session.SetOnDisconnect(e.handleDisconnect)
	return e
}

// allocateFrames instantiates the command frames this model uses.
func (e *Engine) allocateFrames() {
	e.bulkFrames[BulkForceTriggerCode] = NewForceTrigger()
	e.bulkFrames[BulkCaptureStartCode] = NewCaptureStart()
	e.bulkFrames[BulkEnableTriggerCode] = NewEnableTrigger()
	e.bulkFrames[BulkGetDataCode] = NewGetData()
	e.bulkFrames[BulkGetCaptureStateCode] = NewGetCaptureState()
	e.bulkFrames[BulkSetGainCode] = NewSetGain()

	switch e.model.Variant {
	case VariantStandard:
		e.bulkFrames[BulkSetFilterCode] = NewSetFilter()
		e.bulkFrames[BulkSetTriggerAndSamplerateCode] = NewSetTriggerAndSamplerate()
	case Variant2250:
		e.bulkFrames[BulkSetChannels2250Code] = NewSetChannels2250()
		e.bulkFrames[BulkSetTrigger2250Code] = NewSetTrigger2250()
		e.bulkFrames[BulkSetRecordLength2250Code] = NewSetRecordLength2250()
		e.bulkFrames[BulkSetSamplerate2250Code] = NewSetSamplerate2250()
		e.bulkFrames[BulkSetBuffer2250Code] = NewSetBuffer2250()
	case Variant5200:
		e.bulkFrames[BulkSetFilterCode] = NewSetFilter()
		e.bulkFrames[BulkSetSamplerate5200Code] = NewSetSamplerate5200()
		e.bulkFrames[BulkSetBuffer5200Code] = NewSetBuffer5200()
		e.bulkFrames[BulkSetTrigger5200Code] = NewSetTrigger5200()
	}

	e.offsetCmd = NewSetOffset()
	e.relaysCmd = NewSetRelays()
}

// Events returns the engine's event stream.
func (e *Engine) Events() <-chan Event { return e.events }

// State returns the current state machine phase.
func (e *Engine) State() EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// TakeResult hands over the freshest capture, if any. Non-blocking.
func (e *Engine) TakeResult() (*CaptureResult, bool) { return e.slot.Take() }

// ResultReady returns a channel signalled after every publication.
func (e *Engine) ResultReady() <-chan struct{} { return e.slot.Ready() }

func (e *Engine) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
		e.log.WithField("kind", ev.Kind).Warn("event stream full, dropping event")
	}
}

func (e *Engine) handleDisconnect() {
	e.mu.Lock()
	e.state = StateDetached
	e.sampling = false
	e.mu.Unlock()
	e.emit(Event{Kind: EventDisconnected})
}

// Connect opens the session, reads the calibration data and pushes the
// initial configuration. It fails with ErrNeedsFirmware when the device
// still runs without firmware; the firmware collaborator recovers from
// that through UploadFirmware.
func (e *Engine) Connect() error {
	if err := e.session.Connect(); err != nil {
		if errors.Is(err, ErrNeedsFirmware) {
			e.mu.Lock()
			e.state = StateFirmwareNeeded
			e.mu.Unlock()
			e.emit(Event{Kind: EventFirmwareRequired})
		}
		return err
	}

	e.mu.Lock()
	e.state = StateConnected
	e.mu.Unlock()

	if err := e.retrieveCalibration(); err != nil {
		e.log.WithError(err).Warn("couldn't get channel level data from oscilloscope")
		e.emit(Event{Kind: EventError, Err: err})
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.recompose(); err != nil {
		return err
	}
	e.state = StateConfigured
	e.emit(Event{Kind: EventConnected})
	return nil
}

// Disconnect tears the session down.
func (e *Engine) Disconnect() { e.session.Disconnect() }

// retrieveCalibration reads the per-gain-step offset windows through the
// 0xa2 control value.
func (e *Engine) retrieveCalibration() error {
	raw := make([]byte, offsetCalibrationSize)
	if _, err := e.session.ControlRead(uint8(ControlValue), raw, uint16(ValueOffsetLimits), 0, Attempts); err != nil {
		return err
	}
	cal, err := parseOffsetCalibration(raw)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.calibration = cal
	e.mu.Unlock()
	return nil
}

// ApplySettings validates and stores a new settings snapshot and
// recomposes the affected frames. No I/O happens here; the acquisition
// loop transmits the pending frames at its next iteration.
func (e *Engine) ApplySettings(s Settings) error {
	if err := s.Validate(e.model); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	old := e.settings
	e.settings = s
	if err := e.recompose(); err != nil {
		e.settings = old
		return err
	}
	return nil
}

// StartCapture arms the acquisition loop.
func (e *Engine) StartCapture() {
	e.mu.Lock()
	e.sampling = true
	if e.state == StateConfigured {
		e.state = StateArmed
	}
	e.mu.Unlock()
}

// StopCapture disarms the acquisition loop. The current poll cycle
// finishes naturally.
func (e *Engine) StopCapture() {
	e.mu.Lock()
	e.sampling = false
	e.mu.Unlock()
}

// Run is the acquisition actor. It owns all USB traffic and returns
// when the context is cancelled or the device disappears.
func (e *Engine) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			e.mu.Lock()
			if e.state == StateArmed || e.state == StateCapturing {
				e.state = StateConfigured
			}
			e.mu.Unlock()
			return err
		}
		if !e.session.Connected() {
			return ErrDisconnected
		}

		if err := e.cycle(); err != nil {
			if errors.Is(err, ErrNoDevice) || errors.Is(err, ErrDisconnected) {
				return ErrDisconnected
			}
			e.emit(Event{Kind: EventError, Err: err})
		}

		select {
		case <-ctx.Done():
		case <-time.After(e.cycleTime):
		}
	}
}

// cycle runs one iteration of the acquisition loop: flush pending
// configuration, then advance the capture state machine.
func (e *Engine) cycle() error {
	if err := e.flushPending(); err != nil {
		return err
	}

	e.mu.Lock()
	sampling := e.sampling
	roll := e.isRollMode()
	e.mu.Unlock()

	if !sampling {
		e.mu.Lock()
		if e.state == StateArmed || e.state == StateCapturing {
			e.state = StateConfigured
		}
		e.mu.Unlock()
		e.samplingStarted = false
		return nil
	}

	e.updateInterval()
	if roll {
		return e.rollCycle()
	}
	return e.captureCycle()
}

// flushPending transmits all pending bulk frames in opcode order, then
// the pending control frames.
func (e *Engine) flushPending() error {
	for code := 0; code < bulkCodeCount; code++ {
		e.mu.Lock()
		pending := e.bulkPending[code]
		frame := e.bulkFrames[code]
		e.mu.Unlock()
		if !pending || frame == nil {
			continue
		}
		if _, err := e.session.BulkCommand(frame, Attempts); err != nil {
			return err
		}
		e.mu.Lock()
		e.bulkPending[code] = false
		e.mu.Unlock()
	}

	e.mu.Lock()
	offsetPending, relaysPending := e.offsetPending, e.relaysPending
	e.mu.Unlock()
	if offsetPending {
		if _, err := e.session.ControlWrite(uint8(ControlSetOffset), e.offsetCmd.Bytes(), 0, 0, Attempts); err != nil {
			return err
		}
		e.mu.Lock()
		e.offsetPending = false
		e.mu.Unlock()
	}
	if relaysPending {
		if _, err := e.session.ControlWrite(uint8(ControlSetRelays), e.relaysCmd.Bytes(), 0, 0, Attempts); err != nil {
			return err
		}
		e.mu.Lock()
		e.relaysPending = false
		e.mu.Unlock()
	}
	return nil
}

// captureCycle advances the standard-mode acquisition state machine by
// one poll.
func (e *Engine) captureCycle() error {
	state, point, err := e.captureState()
	if err != nil {
		var perr *ProtocolError
		if errors.As(err, &perr) {
			// Malformed response; drop the frame and resume polling.
			e.log.WithError(err).Warn("dropping capture state response")
			return nil
		}
		return err
	}
	e.triggerPoint = foldTriggerPoint(point)

	switch {
	case state.ReadyToRead():
		e.setState(StateFetching)
		if e.samplingStarted {
			if err := e.deliverCapture(); err != nil {
				return err
			}
			e.setState(StateDelivered)

			e.mu.Lock()
			if e.settings.Trigger.Mode == TriggerSingle {
				e.sampling = false
			}
			e.mu.Unlock()
		}
		e.samplingStarted = false

		e.mu.Lock()
		sampling := e.sampling
		e.mu.Unlock()
		if !sampling {
			e.setState(StateConfigured)
			return nil
		}
		return e.startCapture()

	case state == CaptureWaiting || state == CaptureTriggered:
		if !e.samplingStarted {
			return e.startCapture()
		}

		refill := e.recordFillTime()
		if !e.triggerEnabled && time.Since(e.captureStarted) >= refill {
			// The buffer has refilled since the capture started; arm the
			// trigger now.
			if _, err := e.session.BulkCommand(e.bulkFrames[BulkEnableTriggerCode], Attempts); err != nil {
				return err
			}
			e.triggerEnabled = true
			e.log.Debug("trigger enabled")
		}

		e.mu.Lock()
		mode := e.settings.Trigger.Mode
		window := e.forceWindow
		e.mu.Unlock()
		if mode == TriggerAuto && !e.forcedTrigger && e.triggerEnabled &&
			time.Since(e.captureStarted) >= window {
			if _, err := e.session.BulkCommand(e.bulkFrames[BulkForceTriggerCode], Attempts); err != nil {
				return err
			}
			e.forcedTrigger = true
			e.log.Debug("trigger forced")
		}
		return nil

	case state == CaptureSampling:
		e.setState(StateCapturing)
		return nil
	}
	return nil
}

// rollCycle advances the roll-mode command rotation by one step.
func (e *Engine) rollCycle() error {
	switch e.roll {
	case rollStartSampling:
		if _, err := e.session.BulkCommand(e.bulkFrames[BulkCaptureStartCode], Attempts); err != nil {
			return err
		}
		e.samplingStarted = true
		e.setState(StateCapturing)
	case rollEnableTrigger:
		if _, err := e.session.BulkCommand(e.bulkFrames[BulkEnableTriggerCode], Attempts); err != nil {
			return err
		}
	case rollForceTrigger:
		if _, err := e.session.BulkCommand(e.bulkFrames[BulkForceTriggerCode], Attempts); err != nil {
			return err
		}
	case rollGetData:
		if e.samplingStarted {
			e.triggerPoint = 0
			if err := e.deliverCapture(); err != nil {
				return err
			}
		}
		e.samplingStarted = false
	}
	e.roll = (e.roll + 1) % rollStateCount
	return nil
}

// startCapture issues CaptureStart and resets the per-capture markers.
func (e *Engine) startCapture() error {
	if _, err := e.session.BulkCommand(e.bulkFrames[BulkCaptureStartCode], Attempts); err != nil {
		return err
	}
	e.samplingStarted = true
	e.captureStarted = time.Now()
	e.triggerEnabled = false
	e.forcedTrigger = false
	e.setState(StateCapturing)
	e.log.Debug("capture started")
	return nil
}

// captureState polls the device state and raw trigger point.
func (e *Engine) captureState() (CaptureState, uint32, error) {
	if _, err := e.session.BulkCommand(e.bulkFrames[BulkGetCaptureStateCode], 1); err != nil {
		return 0, 0, err
	}

	response := NewCaptureStateResponse()
	n, err := e.session.BulkRead(response.Bytes(), Attempts)
	if err != nil {
		return 0, 0, err
	}
	if n != CaptureStateResponseSize {
		return 0, 0, &ProtocolError{Reason: "capture state response truncated"}
	}
	state := response.State()
	if !state.valid() {
		return 0, 0, &ProtocolError{Reason: "capture state byte out of range"}
	}
	return state, response.TriggerPoint(), nil
}

// deliverCapture fetches the sample buffer, decodes it and publishes the
// result. A single short read is retried before it surfaces.
func (e *Engine) deliverCapture() error {
	raw, err := e.fetchSamples()
	if err != nil {
		var short *ShortReadError
		if errors.As(err, &short) {
			e.log.WithError(err).Warn("short capture read, retrying once")
			raw, err = e.fetchSamples()
		}
		if err != nil {
			return err
		}
	}

	e.mu.Lock()
	params := decodeParams{
		sampleBits:     e.model.SampleBits,
		activeChannels: e.settings.ActiveChannels(),
		fastRate:       e.fastRate,
		triggerPoint:   e.triggerPoint,
		samplerate:     e.currentRate,
	}
	for ch := 0; ch < channelCount; ch++ {
		params.gainStep[ch] = e.model.GainSteps[e.settings.Channel[ch].GainID]
		params.zeroLevel[ch] = e.offsetReal[ch] * e.model.FullScale()
	}
	roll := e.isRollMode()
	e.mu.Unlock()

	result, err := decodeSamples(raw, params)
	if err != nil {
		return err
	}
	result.Append = roll
	e.slot.Publish(result)
	e.emit(Event{Kind: EventCaptureReady})
	return nil
}

// fetchSamples issues GetData and performs the multi-packet read sized
// for the active configuration.
func (e *Engine) fetchSamples() ([]byte, error) {
	if _, err := e.session.BulkCommand(e.bulkFrames[BulkGetDataCode], 1); err != nil {
		return nil, err
	}

	count, err := e.sampleCount()
	if err != nil {
		return nil, err
	}
	dataLength := count
	if e.model.SampleBits > 8 {
		dataLength *= 2
	}

	raw := make([]byte, dataLength)
	if _, err := e.session.BulkReadMulti(raw, AttemptsMulti); err != nil {
		return nil, err
	}
	return raw, nil
}

// sampleCount is the number of raw samples one capture transfers.
func (e *Engine) sampleCount() (int, error) {
	e.mu.Lock()
	roll := e.isRollMode()
	fastRate := e.fastRate
	recordLength := e.recordLength()
	active := len(e.settings.ActiveChannels())
	e.mu.Unlock()

	if roll {
		return e.session.PacketSize()
	}
	if fastRate || active == 0 {
		return int(recordLength), nil
	}
	return int(recordLength) * active, nil
}

// recordFillTime is the time one record takes to fill at the current
// samplerate.
func (e *Engine) recordFillTime() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.currentRate <= 0 {
		return time.Second
	}
	return time.Duration(float64(e.recordLength()) / e.currentRate * float64(time.Second))
}

// updateInterval derives the polling cadence: a quarter of the record
// fill time, bounded to 10 ms..1 s.
func (e *Engine) updateInterval() {
	e.mu.Lock()
	defer e.mu.Unlock()

	var fill float64
	if e.currentRate > 0 {
		if e.isRollMode() {
			packet := float64(e.session.InPacketLength())
			div := float64(channelCount)
			if e.fastRate {
				div = 1
			}
			fill = packet / div / e.currentRate
		} else {
			fill = float64(e.recordLength()) / e.currentRate
		}
	}

	cycle := time.Duration(fill / 4 * float64(time.Second))
	if cycle < 10*time.Millisecond {
		cycle = 10 * time.Millisecond
	}
	if cycle > time.Second {
		cycle = time.Second
	}
	e.cycleTime = cycle
}

// limits returns the active rate limit set. Callers hold the lock.
func (e *Engine) limits() *RateLimits {
	if e.fastRate {
		return &e.model.Multi
	}
	return &e.model.Single
}

// recordLength returns the active record length in samples. Callers
// hold the lock.
func (e *Engine) recordLength() uint32 {
	return e.limits().RecordLengths[e.settings.Horizontal.RecordLengthID]
}

func (e *Engine) isRollMode() bool {
	return e.recordLength() == RecordLengthRoll
}

func (e *Engine) setState(s EngineState) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// foldTriggerPoint decodes the raw trigger point: each set bit inverts
// all bits below it.
func foldTriggerPoint(value uint32) uint32 {
	result := value
	for bit := uint32(1); bit != 0; bit <<= 1 {
		if result&bit != 0 {
			result ^= bit - 1
		}
	}
	return result
}

// recompose rebuilds every frame group from the current settings. The
// caller holds the engine lock. Redundant updates still mark the frames
// pending; the device tolerates re-sent configuration.
func (e *Engine) recompose() error {
	e.deriveFastRate()
	if err := e.composeSamplerate(); err != nil {
		return err
	}
	if err := e.composeRecordLength(); err != nil {
		return err
	}
	e.composeChannels()
	e.composeGainAndRelays()
	e.composeFilter()
	if err := e.composeTrigger(); err != nil {
		return err
	}
	e.composeOffsets()
	if err := e.composeTriggerPosition(); err != nil {
		return err
	}
	return nil
}

// deriveFastRate enables fast rate mode when a single channel needs a
// samplerate beyond the dual-channel maximum. Callers hold the lock.
func (e *Engine) deriveFastRate() {
	divider := float64(e.model.BufferDividers[e.settings.Horizontal.RecordLengthID])
	e.fastRate = len(e.settings.ActiveChannels()) <= 1 &&
		e.settings.Horizontal.Samplerate > e.model.Single.Max/divider
}

// bestDownsampler picks the largest divider whose rate does not fall
// below the requested samplerate, honoring the per-variant divider
// constraints. Requests above the maximum get the maximum rate, and the
// divider is capped at MaxDownsampler. Callers hold the lock.
func (e *Engine) bestDownsampler(samplerate float64) (uint32, float64) {
	limits := e.limits()
	bufferDivider := float64(e.model.BufferDividers[e.settings.Horizontal.RecordLengthID])

	// The 5200 divider counts against the maximum rate, the other
	// variants against the base rate.
	ref := limits.Base
	if e.model.Variant == Variant5200 {
		ref = limits.Max
	}

	best := ref / bufferDivider / samplerate
	if best < 1.0 {
		return 0, limits.Max / bufferDivider
	}

	switch e.model.Variant {
	case VariantStandard:
		// Dividers 1, 2 and 5 via the samplerate ids; even values above
		// via the downsampler word. 3 and 4 don't exist on this hardware.
		if best < 6.0 {
			best = math.Floor(best)
			if best > 2.0 && best < 5.0 {
				best = 2.0
			}
		} else {
			best = math.Floor(best/2.0) * 2.0
		}
	default:
		best = math.Floor(best)
	}

	if best > float64(limits.MaxDownsampler) {
		best = float64(limits.MaxDownsampler)
	}
	return uint32(best), ref / best / bufferDivider
}

// composeSamplerate encodes the samplerate divider into the variant's
// frame and updates the derived current rate. Callers hold the lock.
func (e *Engine) composeSamplerate() error {
	downsampler, rate := e.bestDownsampler(e.settings.Horizontal.Samplerate)
	limits := e.limits()

	switch e.model.Variant {
	case VariantStandard:
		cmd := e.bulkFrames[BulkSetTriggerAndSamplerateCode].(SetTriggerAndSamplerate)
		var samplerateID uint8
		var downsamplerValue uint16
		downsampling := false

		switch {
		case downsampler == 0 && limits.Base >= limits.Max:
			samplerateID = 1
		case downsampler == 0:
			samplerateID = 0
		case downsampler <= 2:
			samplerateID = uint8(downsampler)
		case downsampler == 5:
			samplerateID = 3
			downsamplerValue = 0xffff
		default:
			if downsampler%2 != 0 || downsampler > 2*0x10000 {
				return ErrInvalidConfig
			}
			downsamplerValue = uint16(0x10001 - downsampler/2)
			downsampling = true
		}

		cmd.SetDownsamplingMode(downsampling)
		cmd.SetSamplerateID(samplerateID)
		cmd.SetDownsampler(downsamplerValue)
		cmd.SetFastRate(e.fastRate)
		e.bulkPending[BulkSetTriggerAndSamplerateCode] = true

	case Variant2250:
		if downsampler > 0x10000 {
			return ErrInvalidConfig
		}
		cmd := e.bulkFrames[BulkSetSamplerate2250Code].(SetSamplerate2250)
		cmd.SetDownsampling(downsampler >= 1)
		if downsampler > 1 {
			cmd.SetSamplerate(uint16(0x10001 - downsampler))
		} else {
			cmd.SetSamplerate(0)
		}
		cmd.SetFastRate(e.fastRate)
		e.bulkPending[BulkSetSamplerate2250Code] = true

	case Variant5200:
		slow := uint32(0)
		if downsampler > 3 {
			slow = (downsampler - 3) / 2
		}
		if slow > 0xfffe {
			return ErrInvalidConfig
		}
		fast := downsampler - slow*2
		cmd := e.bulkFrames[BulkSetSamplerate5200Code].(SetSamplerate5200)
		cmd.SetSamplerateFast(uint8(4 - fast))
		if slow == 0 {
			cmd.SetSamplerateSlow(0)
		} else {
			cmd.SetSamplerateSlow(uint16(0xffff - slow))
		}
		trigger := e.bulkFrames[BulkSetTrigger5200Code].(SetTrigger5200)
		trigger.SetFastRate(e.fastRate)
		e.bulkPending[BulkSetSamplerate5200Code] = true
		e.bulkPending[BulkSetTrigger5200Code] = true
	}

	e.downsampler = downsampler
	e.currentRate = rate
	return nil
}

// composeRecordLength encodes the record length id. Callers hold the
// lock.
func (e *Engine) composeRecordLength() error {
	id := e.settings.Horizontal.RecordLengthID
	switch e.model.Variant {
	case VariantStandard:
		cmd := e.bulkFrames[BulkSetTriggerAndSamplerateCode].(SetTriggerAndSamplerate)
		cmd.SetRecordLength(uint8(id))
		e.bulkPending[BulkSetTriggerAndSamplerateCode] = true
	case Variant2250:
		cmd := e.bulkFrames[BulkSetRecordLength2250Code].(SetRecordLength2250)
		cmd.SetRecordLength(uint8(id))
		e.bulkPending[BulkSetRecordLength2250Code] = true
	case Variant5200:
		cmd := e.bulkFrames[BulkSetBuffer5200Code].(SetBuffer5200)
		used := TriggerPositionOn
		if e.isRollMode() {
			used = TriggerPositionOff
		}
		if err := setBuffer5200Used(cmd, used, used); err != nil {
			return err
		}
		cmd.SetRecordLength(uint8(id))
		e.bulkPending[BulkSetBuffer5200Code] = true
	}
	return nil
}

// setBuffer5200Used sets the pre/post pretrigger enables, which the
// hardware requires to be consistent.
func setBuffer5200Used(cmd SetBuffer5200, pre, post TriggerPositionUsed) error {
	if pre != post {
		return ErrInvalidConfig
	}
	cmd.SetUsedPre(pre)
	cmd.SetUsedPost(post)
	return nil
}

// usedChannelsValue encodes the active channel set for the wire.
// Callers hold the lock.
func (e *Engine) usedChannelsValue() uint8 {
	ch1 := e.settings.Channel[0].Used
	ch2 := e.settings.Channel[1].Used
	switch {
	case ch1 && ch2:
		return 2
	case ch2:
		// The DSO-2250 uses a different value for channel 2 only.
		if e.model.Variant == Variant2250 {
			return 3
		}
		return 1
	default:
		return 0
	}
}

// composeChannels encodes the active channel selection. Callers hold
// the lock.
func (e *Engine) composeChannels() {
	used := e.usedChannelsValue()
	switch e.model.Variant {
	case VariantStandard:
		cmd := e.bulkFrames[BulkSetTriggerAndSamplerateCode].(SetTriggerAndSamplerate)
		cmd.SetUsedChannels(used)
		e.bulkPending[BulkSetTriggerAndSamplerateCode] = true
	case Variant2250:
		cmd := e.bulkFrames[BulkSetChannels2250Code].(SetChannels2250)
		cmd.SetUsedChannels(used)
		e.bulkPending[BulkSetChannels2250Code] = true
	case Variant5200:
		cmd := e.bulkFrames[BulkSetTrigger5200Code].(SetTrigger5200)
		cmd.SetUsedChannels(used)
		e.bulkPending[BulkSetTrigger5200Code] = true
	}
}

// composeGainAndRelays encodes the per-channel hardware gain and the
// matching relay states. Callers hold the lock.
func (e *Engine) composeGainAndRelays() {
	gain := e.bulkFrames[BulkSetGainCode].(SetGain)
	for ch := 0; ch < channelCount; ch++ {
		gainID := e.settings.Channel[ch].GainID
		gain.SetGain(ch, e.model.GainIndex[gainID])
		e.relaysCmd.SetBelow1V(ch, gainID < 3)
		e.relaysCmd.SetBelow100mV(ch, gainID < 6)
		e.relaysCmd.SetCouplingDC(ch, e.settings.Channel[ch].Coupling != CouplingAC)
	}
	e.relaysCmd.SetTriggerExt(e.settings.Trigger.Special)
	e.bulkPending[BulkSetGainCode] = true
	e.relaysPending = true
}

// composeFilter encodes the channel and trigger filter flags for the
// models that carry the 0x00 frame. Unused channels are filtered out.
// Callers hold the lock.
func (e *Engine) composeFilter() {
	frame := e.bulkFrames[BulkSetFilterCode]
	if frame == nil {
		return
	}
	cmd := frame.(SetFilter)
	for ch := 0; ch < channelCount; ch++ {
		cmd.SetChannel(ch, !e.settings.Channel[ch].Used)
	}
	cmd.SetTrigger(false)
	e.bulkPending[BulkSetFilterCode] = true
}

// triggerSourceValue encodes the trigger source for the wire. Callers
// hold the lock.
func (e *Engine) triggerSourceValue() uint8 {
	special := e.settings.Trigger.Special
	id := uint8(e.settings.Trigger.Source)
	if e.model.Variant == Variant2250 {
		if special {
			return 0
		}
		return 2 + id
	}
	if special {
		return 3 + id
	}
	return 1 - id
}

// composeTrigger encodes the trigger source, slope and level. Callers
// hold the lock.
func (e *Engine) composeTrigger() error {
	source := e.triggerSourceValue()
	slope := uint8(e.settings.Trigger.Slope)

	switch e.model.Variant {
	case VariantStandard:
		cmd := e.bulkFrames[BulkSetTriggerAndSamplerateCode].(SetTriggerAndSamplerate)
		cmd.SetTriggerSource(source)
		cmd.SetTriggerSlope(slope)
		e.bulkPending[BulkSetTriggerAndSamplerateCode] = true
	case Variant2250:
		cmd := e.bulkFrames[BulkSetTrigger2250Code].(SetTrigger2250)
		cmd.SetTriggerSource(source)
		cmd.SetTriggerSlope(slope)
		e.bulkPending[BulkSetTrigger2250Code] = true
	case Variant5200:
		cmd := e.bulkFrames[BulkSetTrigger5200Code].(SetTrigger5200)
		cmd.SetTriggerSource(source)
		cmd.SetTriggerSlope(slope)
		e.bulkPending[BulkSetTrigger5200Code] = true
	}

	if e.settings.Trigger.Special {
		// Mid-range level for the external trigger input.
		e.offsetCmd.SetTrigger(0x7f)
		e.offsetPending = true
		return nil
	}
	return e.composeTriggerLevel()
}

// composeTriggerLevel maps the trigger level in volts into the raw level
// window of the trigger source channel (see levelWindow). Callers hold
// the lock.
func (e *Engine) composeTriggerLevel() error {
	ch := e.settings.Trigger.Source
	minimum, maximum := e.levelWindow(ch)
	if maximum <= minimum {
		return ErrInvalidConfig
	}

	gainStep := e.model.GainSteps[e.settings.Channel[ch].GainID]
	level := e.settings.Trigger.Level[ch]
	span := float64(maximum - minimum)
	value := (e.offsetReal[ch]+level/gainStep)*span + 0.5 + float64(minimum)
	if value < float64(minimum) {
		value = float64(minimum)
	}
	if value > float64(maximum) {
		value = float64(maximum)
	}

	e.offsetCmd.SetTrigger(uint16(value))
	e.offsetPending = true
	return nil
}

// levelWindow returns the usable raw range for trigger levels on the
// given channel. The 10-bit models share the calibrated offset window;
// the 8-bit models use the fixed 0x00..0xfd range. Callers hold the
// lock.
func (e *Engine) levelWindow(ch int) (uint16, uint16) {
	if e.model.SampleBits > 8 {
		limit := e.calibration[ch][e.settings.Channel[ch].GainID]
		return limit.Start, limit.End
	}
	return 0x00, 0xfd
}

// composeOffsets maps each channel's screen offset into its calibrated
// window and updates the derived real offsets. Callers hold the lock.
func (e *Engine) composeOffsets() {
	for ch := 0; ch < channelCount; ch++ {
		limit := e.calibration[ch][e.settings.Channel[ch].GainID]
		minimum, maximum := limit.Start, limit.End
		if maximum <= minimum {
			e.offsetReal[ch] = e.settings.Channel[ch].Offset
			continue
		}

		span := float64(maximum - minimum)
		value := uint16(e.settings.Channel[ch].Offset*span + float64(minimum) + 0.5)
		e.offsetReal[ch] = (float64(value) - float64(minimum)) / span
		e.offsetCmd.SetChannel(ch, value)
	}
	e.offsetPending = true
}

// composeTriggerPosition converts the pretrigger fraction into the
// variant's buffer position encoding. Callers hold the lock.
func (e *Engine) composeTriggerPosition() error {
	recordLength := e.recordLength()
	if e.isRollMode() {
		recordLength = 0
	}

	positionSamples := uint32(e.settings.Trigger.Position * float64(recordLength))
	if e.fastRate {
		positionSamples /= channelCount
	}

	switch e.model.Variant {
	case VariantStandard:
		position := uint32(0x1)
		if !e.isRollMode() {
			position = 0x7ffff - recordLength + positionSamples
		}
		if position > 0xffffff {
			return ErrInvalidConfig
		}
		cmd := e.bulkFrames[BulkSetTriggerAndSamplerateCode].(SetTriggerAndSamplerate)
		cmd.SetTriggerPosition(position)
		e.bulkPending[BulkSetTriggerAndSamplerateCode] = true

	case Variant2250:
		pre := int64(0x7ffff) - int64(recordLength) + int64(positionSamples)
		post := int64(0x7ffff) - int64(positionSamples)
		if pre < 0 || pre > 0xffffff || post < 0 || post > 0xffffff {
			return ErrInvalidConfig
		}
		cmd := e.bulkFrames[BulkSetBuffer2250Code].(SetBuffer2250)
		cmd.SetTriggerPositionPre(uint32(pre))
		cmd.SetTriggerPositionPost(uint32(post))
		e.bulkPending[BulkSetBuffer2250Code] = true

	case Variant5200:
		if recordLength > 0xffff {
			return ErrInvalidConfig
		}
		pre := uint16(0xffff - recordLength + positionSamples)
		post := uint16(0xffff - positionSamples)
		cmd := e.bulkFrames[BulkSetBuffer5200Code].(SetBuffer5200)
		cmd.SetTriggerPositionPre(pre)
		cmd.SetTriggerPositionPost(post)
		e.bulkPending[BulkSetBuffer5200Code] = true
	}
	return nil
}
