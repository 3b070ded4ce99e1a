package hantek

import "math"

const (
	// channelCount is the number of physical channels on all supported
	// models.
	channelCount = 2
	// specialChannelCount is the number of special trigger sources (EXT,
	// EXT/10).
	specialChannelCount = 2
	// gainStepCount is the number of gain steps on all supported models.
	gainStepCount = 9
)

// RecordLengthRoll marks the roll-mode entry in a record length table.
// Roll mode has no fixed record length; reads are packet sized and the
// effective samplerate is divided by the roll-mode buffer divider.
const RecordLengthRoll = math.MaxUint32

// CommandVariant selects which frame family a model speaks for the
// shared 0x0c..0x0e opcodes.
type CommandVariant int

const (
	// VariantStandard is the DSO-2090/DSO-2150 command set built around
	// SetTriggerAndSamplerate.
	VariantStandard CommandVariant = iota
	// Variant2250 is the DSO-2250 command set (0x0b..0x0f).
	Variant2250
	// Variant5200 is the DSO-5200/DSO-5200A command set sharing the
	// 0x0c..0x0e opcodes with the 2250 but with different payloads.
	Variant5200
)

// RateLimits holds the samplerate capabilities for one channel mode.
type RateLimits struct {
	Base           float64  // base samplerate for divider calculations
	Max            float64  // maximum samplerate
	MaxDownsampler uint32   // largest divider the command encoding allows
	RecordLengths  []uint32 // record length per id; RecordLengthRoll for roll mode
}

// Model is the immutable descriptor of one oscilloscope model. It is
// selected once at device match time and parameterizes the session and
// the control engine.
type Model struct {
	ID   int
	Name string

	VendorID          uint16
	ProductID         uint16
	VendorIDFirmware  uint16 // IDs before the firmware upload
	ProductIDFirmware uint16
	FirmwareToken     string

	EndpointIn  uint8
	EndpointOut uint8

	Variant CommandVariant

	// Single is the limit set with both channels active, Multi the limit
	// set for fast rate mode where one channel uses all buffers.
	Single RateLimits
	Multi  RateLimits

	// BufferDividers is the samplerate divider per record length id.
	BufferDividers []uint32

	// GainSteps is the full-scale voltage per gain id, GainIndex the
	// hardware gain value sent for it.
	GainSteps []float64
	GainIndex []uint8

	// SampleBits is the ADC resolution, 8 or 10.
	SampleBits uint8

	Couplings []Coupling
}

// FullScale returns the raw value range of one sample.
func (m *Model) FullScale() float64 {
	if m.SampleBits > 8 {
		return 1024
	}
	return 256
}

// NeedsFirmware reports whether the given product id is the
// pre-firmware id of this model.
func (m *Model) NeedsFirmware(vendorID, productID uint16) bool {
	return vendorID == m.VendorIDFirmware && productID == m.ProductIDFirmware &&
		!(vendorID == m.VendorID && productID == m.ProductID)
}

var standardCouplings = []Coupling{CouplingAC, CouplingDC, CouplingGND}

// DSO2090 describes the DSO-2090.
var DSO2090 = &Model{
	ID:                0x2090,
	Name:              "DSO-2090",
	VendorID:          0x04b5,
	ProductID:         0x2090,
	VendorIDFirmware:  0x04b4,
	ProductIDFirmware: 0x2090,
	FirmwareToken:     "dso2090x86",
	EndpointIn:        EndpointIn,
	EndpointOut:       EndpointOut,
	Variant:           VariantStandard,
	Single: RateLimits{
		Base: 50e6, Max: 50e6, MaxDownsampler: 131072,
		RecordLengths: []uint32{RecordLengthRoll, 10240, 32768},
	},
	Multi: RateLimits{
		Base: 100e6, Max: 100e6, MaxDownsampler: 131072,
		RecordLengths: []uint32{RecordLengthRoll, 20480, 65536},
	},
	BufferDividers: []uint32{1000, 1, 1},
	GainSteps:      []float64{0.08, 0.16, 0.40, 0.80, 1.60, 4.00, 8.0, 16.0, 40.0},
	GainIndex:      []uint8{0, 1, 2, 0, 1, 2, 0, 1, 2},
	SampleBits:     8,
	Couplings:      standardCouplings,
}

// DSO2090A is the DSO-2090 revision enumerating as a blank Cypress FX2
// before the firmware upload.
var DSO2090A = func() *Model {
	m := *DSO2090
	m.Name = "DSO-2090A"
	m.ProductIDFirmware = 0x8613
	return &m
}()

// DSO2150 describes the DSO-2150.
var DSO2150 = &Model{
	ID:                0x2150,
	Name:              "DSO-2150",
	VendorID:          0x04b5,
	ProductID:         0x2150,
	VendorIDFirmware:  0x04b4,
	ProductIDFirmware: 0x2150,
	FirmwareToken:     "dso2150x86",
	EndpointIn:        EndpointIn,
	EndpointOut:       EndpointOut,
	Variant:           VariantStandard,
	Single: RateLimits{
		Base: 50e6, Max: 75e6, MaxDownsampler: 131072,
		RecordLengths: []uint32{RecordLengthRoll, 10240, 32768},
	},
	Multi: RateLimits{
		Base: 100e6, Max: 150e6, MaxDownsampler: 131072,
		RecordLengths: []uint32{RecordLengthRoll, 20480, 65536},
	},
	BufferDividers: []uint32{1000, 1, 1},
	GainSteps:      []float64{0.08, 0.16, 0.40, 0.80, 1.60, 4.00, 8.0, 16.0, 40.0},
	GainIndex:      []uint8{0, 1, 2, 0, 1, 2, 0, 1, 2},
	SampleBits:     8,
	Couplings:      standardCouplings,
}

// DSO2250 describes the DSO-2250.
var DSO2250 = &Model{
	ID:                0x2250,
	Name:              "DSO-2250",
	VendorID:          0x04b5,
	ProductID:         0x2250,
	VendorIDFirmware:  0x04b4,
	ProductIDFirmware: 0x2250,
	FirmwareToken:     "dso2250x86",
	EndpointIn:        EndpointIn,
	EndpointOut:       EndpointOut,
	Variant:           Variant2250,
	Single: RateLimits{
		Base: 100e6, Max: 100e6, MaxDownsampler: 65536,
		RecordLengths: []uint32{RecordLengthRoll, 10240, 524288},
	},
	Multi: RateLimits{
		Base: 200e6, Max: 250e6, MaxDownsampler: 65536,
		RecordLengths: []uint32{RecordLengthRoll, 20480, 1048576},
	},
	BufferDividers: []uint32{1000, 1, 1},
	GainSteps:      []float64{0.08, 0.16, 0.40, 0.80, 1.60, 4.00, 8.0, 16.0, 40.0},
	GainIndex:      []uint8{0, 2, 3, 0, 2, 3, 0, 2, 3},
	SampleBits:     8,
	Couplings:      standardCouplings,
}

// DSO5200 describes the 10-bit DSO-5200.
var DSO5200 = &Model{
	ID:                0x5200,
	Name:              "DSO-5200",
	VendorID:          0x04b5,
	ProductID:         0x5200,
	VendorIDFirmware:  0x04b4,
	ProductIDFirmware: 0x5200,
	FirmwareToken:     "dso5200x86",
	EndpointIn:        EndpointIn,
	EndpointOut:       EndpointOut,
	Variant:           Variant5200,
	Single: RateLimits{
		Base: 100e6, Max: 125e6, MaxDownsampler: 131072,
		RecordLengths: []uint32{RecordLengthRoll, 10240, 14336},
	},
	Multi: RateLimits{
		Base: 200e6, Max: 250e6, MaxDownsampler: 131072,
		RecordLengths: []uint32{RecordLengthRoll, 20480, 28672},
	},
	BufferDividers: []uint32{1000, 1, 1},
	GainSteps:      []float64{0.16, 0.40, 0.80, 1.60, 4.00, 8.0, 16.0, 40.0, 80.0},
	GainIndex:      []uint8{1, 0, 0, 1, 0, 0, 1, 0, 0},
	SampleBits:     10,
	Couplings:      standardCouplings,
}

// DSO5200A describes the DSO-5200A.
var DSO5200A = func() *Model {
	m := *DSO5200
	m.Name = "DSO-5200A"
	m.ProductID = 0x520a
	m.ProductIDFirmware = 0x520a
	m.FirmwareToken = "dso5200ax86"
	return &m
}()

var supportedModels = []*Model{DSO2090, DSO2090A, DSO2150, DSO2250, DSO5200, DSO5200A}

// Models returns the descriptors of all supported oscilloscopes.
func Models() []*Model {
	return supportedModels
}

// ModelByProduct matches a USB vendor/product id pair against the
// supported models, covering both the firmware-loaded and the
// pre-firmware ids. needsFirmware is true when the device enumerated
// with its pre-firmware id.
func ModelByProduct(vendorID, productID uint16) (m *Model, needsFirmware bool, ok bool) {
	for _, model := range supportedModels {
		if vendorID == model.VendorID && productID == model.ProductID {
			return model, false, true
		}
	}
	for _, model := range supportedModels {
		if vendorID == model.VendorIDFirmware && productID == model.ProductIDFirmware {
			return model, true, true
		}
	}
	return nil, false, false
}
