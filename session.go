package hantek

import (
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// Timeout bounds a single control or bulk transfer.
	Timeout = 500 * time.Millisecond
	// TimeoutMulti bounds each packet of a multi-packet bulk read.
	TimeoutMulti = time.Second
	// Attempts is the default retry count for timed-out transfers.
	Attempts = 3
	// AttemptsMulti is the retry count per multi-read packet.
	AttemptsMulti = 1

	// EndpointOut and EndpointIn are the bulk endpoint addresses shared
	// by all supported models.
	EndpointOut = 0x02
	EndpointIn  = 0x86
)

// requestTypeVendorOut and requestTypeVendorIn are the bmRequestType
// values for vendor control transfers on endpoint 0.
const (
	requestTypeVendorOut = 0x40
	requestTypeVendorIn  = 0xc0
)

// backend abstracts the platform USB stack under a Session. The
// production implementation wraps gousb; tests script one in memory.
type backend interface {
	// Descriptor returns the device's vendor and product ids.
	Descriptor() (vendorID, productID uint16)
	// ClaimVendorInterface finds the vendor-specific interface with
	// exactly two endpoints, claims it and returns the endpoints'
	// maximum packet sizes.
	ClaimVendorInterface(epIn, epOut uint8) (inPacketLength, outPacketLength int, err error)
	// ControlTransfer performs a control transfer on endpoint 0. The
	// request type carries the direction.
	ControlTransfer(requestType, request uint8, value, index uint16, data []byte, timeout time.Duration) (int, error)
	// BulkTransfer performs a bulk transfer on the given endpoint; the
	// endpoint address carries the direction.
	BulkTransfer(endpoint uint8, data []byte, timeout time.Duration) (int, error)
	// Close releases the interface claim and the device handle. It must
	// be idempotent.
	Close() error
}

// Session multiplexes the vendor control and bulk endpoints of one
// oscilloscope. It is not internally synchronized: exactly one actor,
// the control engine, may issue transfers at a time.
type Session struct {
	model   *Model
	backend backend
	log     *logrus.Entry

	connected       bool
	inPacketLength  int
	outPacketLength int

	// allowBulk disables bulk commands administratively; BulkCommand
	// then reports success without any I/O.
	allowBulk bool

	// onDisconnect fires exactly once per connection loss.
	onDisconnect func()
}

// NewSession wires a session for the given model over a backend.
func NewSession(model *Model, b backend, log *logrus.Logger) *Session {
	if log == nil {
		log = logrus.New()
	}
	return &Session{
		model:     model,
		backend:   b,
		log:       log.WithField("model", model.Name),
		allowBulk: true,
	}
}

// SetOnDisconnect registers the connection-loss callback. It must be set
// before Connect.
func (s *Session) SetOnDisconnect(fn func()) { s.onDisconnect = fn }

// SetAllowBulkTransfer enables or disables bulk commands for this
// session.
func (s *Session) SetAllowBulkTransfer(allow bool) { s.allowBulk = allow }

// Connected reports whether the interface claim is up.
func (s *Session) Connected() bool { return s.connected }

// InPacketLength returns the IN endpoint's maximum packet size as
// measured at claim time.
func (s *Session) InPacketLength() int { return s.inPacketLength }

// OutPacketLength returns the OUT endpoint's maximum packet size.
func (s *Session) OutPacketLength() int { return s.outPacketLength }

// Model returns the model descriptor the session was opened for.
func (s *Session) Model() *Model { return s.model }

// Connect claims the vendor interface and measures the endpoint packet
// sizes. It fails with ErrNeedsFirmware when the device still
// enumerates with its pre-firmware product id and with ErrAlreadyOpen
// when the session is connected.
func (s *Session) Connect() error {
	if s.connected {
		return ErrAlreadyOpen
	}
	vid, pid := s.backend.Descriptor()
	if s.model.NeedsFirmware(vid, pid) {
		return ErrNeedsFirmware
	}

	in, out, err := s.backend.ClaimVendorInterface(s.model.EndpointIn, s.model.EndpointOut)
	if err != nil {
		return &UsbError{Op: "claim", Err: err}
	}
	s.inPacketLength = in
	s.outPacketLength = out
	s.connected = true
	s.log.WithFields(logrus.Fields{"in": in, "out": out}).Debug("interface claimed")
	return nil
}

// Disconnect releases the interface and closes the handle. It is
// idempotent and notifies the engine on the first call after a
// connection.
func (s *Session) Disconnect() {
	if !s.connected {
		return
	}
	s.connected = false
	if err := s.backend.Close(); err != nil {
		s.log.WithError(err).Warn("closing device")
	}
	if s.onDisconnect != nil {
		s.onDisconnect()
	}
}

// connectionLost handles a NoDevice result from any transfer.
func (s *Session) connectionLost() {
	s.log.Warn("connection lost")
	s.Disconnect()
}

// BulkTransfer runs one bulk transfer, retrying while the result is a
// timeout. A negative attempt count retries until success or another
// error. Returns the number of bytes transferred.
func (s *Session) BulkTransfer(endpoint uint8, data []byte, attempts int, timeout time.Duration) (int, error) {
	if !s.connected {
		return 0, ErrNoDevice
	}

	n, err := 0, error(ErrTimeout)
	for attempt := 0; (attempt < attempts || attempts < 0) && errors.Is(err, ErrTimeout); attempt++ {
		n, err = s.backend.BulkTransfer(endpoint, data, timeout)
	}

	if errors.Is(err, ErrNoDevice) {
		s.connectionLost()
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

// BulkWrite sends data on the OUT endpoint. The connection speed is
// re-fetched before the transfer; the device firmware expects this
// control read before every bulk transfer.
func (s *Session) BulkWrite(data []byte, attempts int) (int, error) {
	if !s.connected {
		return 0, ErrNoDevice
	}
	if _, err := s.ConnectionSpeed(); err != nil {
		return 0, err
	}
	return s.BulkTransfer(s.model.EndpointOut, data, attempts, Timeout)
}

// BulkRead receives data on the IN endpoint, preceded by the same speed
// query as BulkWrite.
func (s *Session) BulkRead(data []byte, attempts int) (int, error) {
	if !s.connected {
		return 0, ErrNoDevice
	}
	if _, err := s.ConnectionSpeed(); err != nil {
		return 0, err
	}
	return s.BulkTransfer(s.model.EndpointIn, data, attempts, Timeout)
}

// BulkCommand sends the BeginCommand preamble identifying the bulk
// opcode, then the frame body. The only transfer between the two is the
// speed query BulkWrite issues before every bulk transfer. When bulk
// transfers are disabled the call succeeds without I/O.
func (s *Session) BulkCommand(cmd BulkFrame, attempts int) (int, error) {
	if !s.connected {
		return 0, ErrNoDevice
	}
	if !s.allowBulk {
		return 0, nil
	}

	begin := NewBeginCommand(Opcode(cmd))
	if _, err := s.ControlWrite(uint8(ControlBeginCommand), begin.Bytes(), 0, 0, Attempts); err != nil {
		return 0, err
	}
	return s.BulkWrite(cmd.Bytes(), attempts)
}

// BulkReadMulti reads len(data) bytes as consecutive packets of the IN
// endpoint's packet size, each with the longer multi-read timeout. It
// stops at the first short packet or error. When fewer bytes than
// requested arrive the partial count is reported with a
// ShortReadError; when nothing arrives the underlying error is
// returned.
func (s *Session) BulkReadMulti(data []byte, attempts int) (int, error) {
	if !s.connected {
		return 0, ErrNoDevice
	}
	if _, err := s.ConnectionSpeed(); err != nil {
		return 0, err
	}

	packetLength := s.inPacketLength
	received := 0
	for received < len(data) {
		chunk := len(data) - received
		if chunk > packetLength {
			chunk = packetLength
		}
		n, err := s.BulkTransfer(s.model.EndpointIn, data[received:received+chunk], attempts, TimeoutMulti)
		if err != nil {
			if received > 0 {
				return received, &ShortReadError{Expected: len(data), Got: received}
			}
			return 0, err
		}
		received += n
		if n < chunk {
			break
		}
	}

	if received < len(data) {
		return received, &ShortReadError{Expected: len(data), Got: received}
	}
	return received, nil
}

// ControlWrite sends a vendor control request on endpoint 0.
func (s *Session) ControlWrite(request uint8, data []byte, value, index uint16, attempts int) (int, error) {
	return s.controlTransfer(requestTypeVendorOut, request, data, value, index, attempts)
}

// ControlRead receives a vendor control response on endpoint 0.
func (s *Session) ControlRead(request uint8, data []byte, value, index uint16, attempts int) (int, error) {
	return s.controlTransfer(requestTypeVendorIn, request, data, value, index, attempts)
}

func (s *Session) controlTransfer(requestType, request uint8, data []byte, value, index uint16, attempts int) (int, error) {
	if !s.connected {
		return 0, ErrNoDevice
	}

	n, err := 0, error(ErrTimeout)
	for attempt := 0; (attempt < attempts || attempts < 0) && errors.Is(err, ErrTimeout); attempt++ {
		n, err = s.backend.ControlTransfer(requestType, request, value, index, data, Timeout)
	}

	if errors.Is(err, ErrNoDevice) {
		s.connectionLost()
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

// ConnectionSpeed queries the negotiated link speed through the 0xb2
// request.
func (s *Session) ConnectionSpeed() (ConnectionSpeed, error) {
	response := NewGetSpeedResponse()
	if _, err := s.ControlRead(uint8(ControlGetSpeed), response.Bytes(), 0, 0, Attempts); err != nil {
		return 0, err
	}
	return response.Speed(), nil
}

// PacketSize maps the negotiated speed to the bulk packet size. Any
// speed beyond high speed is a hard error; there is no safe default.
func (s *Session) PacketSize() (int, error) {
	speed, err := s.ConnectionSpeed()
	if err != nil {
		return 0, err
	}
	switch speed {
	case ConnectionFullSpeed:
		return 64, nil
	case ConnectionHighSpeed:
		return 512, nil
	}
	return 0, ErrUnknownSpeed
}
