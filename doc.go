// Package hantek is a host-side driver for the Hantek DSO-2090,
// DSO-2150, DSO-2250, DSO-5200 and DSO-5200A USB oscilloscopes.
//
// The package covers the vendor wire protocol (bulk and control
// frames), the USB session with its begin-command preamble and
// speed-dependent packet sizing, the acquisition state machine and the
// raw sample decoding. Rendering, analysis and export are external
// consumers: they receive decoded captures through the engine's result
// slot and push configuration through settings snapshots.
package hantek

// Version returns the version of the driver library.
func Version() string {
	return "1.0.0"
}
