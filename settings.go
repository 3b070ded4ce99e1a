package hantek

// Coupling is the input coupling of one channel.
type Coupling int

const (
	CouplingAC Coupling = iota
	CouplingDC
	CouplingGND
)

func (c Coupling) String() string {
	switch c {
	case CouplingAC:
		return "AC"
	case CouplingDC:
		return "DC"
	case CouplingGND:
		return "GND"
	}
	return "?"
}

// Slope is the edge direction that causes a trigger.
type Slope int

const (
	SlopePositive Slope = iota
	SlopeNegative
)

// TriggerMode selects how captures are triggered.
type TriggerMode int

const (
	// TriggerAuto forces a trigger when no event arrives within the
	// force-trigger window.
	TriggerAuto TriggerMode = iota
	// TriggerNormal waits for a trigger event indefinitely.
	TriggerNormal
	// TriggerSingle stops capturing after the first trigger event.
	TriggerSingle
)

// TriggerSettings selects the trigger condition.
type TriggerSettings struct {
	// Special selects the EXT trigger sources instead of a channel.
	Special bool
	// Source is the channel (or special source) index.
	Source int
	Slope  Slope
	Mode   TriggerMode
	// Level is the trigger level per channel in volts.
	Level [channelCount]float64
	// Position is the pretrigger position as a fraction of the record, in
	// [0, 1].
	Position float64
}

// HorizontalSettings selects the time base.
type HorizontalSettings struct {
	// Samplerate is the requested samplerate in samples per second. The
	// engine selects the lowest rate the hardware provides that is not
	// below it, or the maximum rate for requests above the maximum.
	Samplerate float64
	// RecordLengthID indexes the model's record length table. ID 0 is
	// roll mode where supported.
	RecordLengthID int
}

// ChannelSettings configures one input channel.
type ChannelSettings struct {
	Used     bool
	GainID   int
	Coupling Coupling
	// Offset is the screen offset in [0, 1], mapped into the calibrated
	// hardware window.
	Offset float64
}

// SpectrumSettings configures the spectrum view of one channel. The
// analyzer consumes these; the core only carries them alongside the
// capture.
type SpectrumSettings struct {
	Used      bool
	Magnitude float64
}

// Settings is the configuration snapshot used to compose the device
// frames. It is authored by the settings collaborator and copied into
// the engine on every change.
type Settings struct {
	Trigger    TriggerSettings
	Horizontal HorizontalSettings
	Channel    [channelCount]ChannelSettings
	Spectrum   [channelCount]SpectrumSettings
}

// DefaultSettings returns a usable starting configuration for the given
// model: both channels on at the largest gain step, normal trigger on
// channel 1, the base samplerate and the standard record length.
func DefaultSettings(model *Model) Settings {
	s := Settings{}
	s.Horizontal.Samplerate = model.Single.Base
	s.Horizontal.RecordLengthID = 1
	s.Trigger.Mode = TriggerNormal
	s.Trigger.Position = 0.5
	for ch := range s.Channel {
		s.Channel[ch].Used = true
		s.Channel[ch].GainID = len(model.GainSteps) - 1
		s.Channel[ch].Coupling = CouplingDC
		s.Channel[ch].Offset = 0.5
	}
	return s
}

// ActiveChannels returns the indices of the used channels in channel
// order.
func (s *Settings) ActiveChannels() []int {
	var active []int
	for ch := range s.Channel {
		if s.Channel[ch].Used {
			active = append(active, ch)
		}
	}
	return active
}

// Validate rejects settings combinations the hardware cannot express
// before any I/O happens.
func (s *Settings) Validate(model *Model) error {
	if s.Horizontal.RecordLengthID < 0 || s.Horizontal.RecordLengthID >= len(model.Single.RecordLengths) {
		return ErrInvalidConfig
	}
	if s.Horizontal.Samplerate <= 0 {
		return ErrInvalidConfig
	}
	if s.Trigger.Position < 0 || s.Trigger.Position > 1 {
		return ErrInvalidConfig
	}
	if s.Trigger.Special {
		if s.Trigger.Source < 0 || s.Trigger.Source >= specialChannelCount {
			return ErrInvalidConfig
		}
	} else if s.Trigger.Source < 0 || s.Trigger.Source >= channelCount {
		return ErrInvalidConfig
	}
	for ch := range s.Channel {
		if s.Channel[ch].GainID < 0 || s.Channel[ch].GainID >= len(model.GainSteps) {
			return ErrInvalidConfig
		}
		if s.Channel[ch].Offset < 0 || s.Channel[ch].Offset > 1 {
			return ErrInvalidConfig
		}
	}
	return nil
}
