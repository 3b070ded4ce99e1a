package hantek

import (
	"context"
	"errors"
	"time"

	"github.com/google/gousb"
	"github.com/sirupsen/logrus"
)

// gousbBackend drives the device through libusb via gousb. The session
// never touches gousb types directly; everything is funneled through the
// backend interface so the protocol layer stays testable.
type gousbBackend struct {
	ctx  *gousb.Context
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface
	in   *gousb.InEndpoint
	out  *gousb.OutEndpoint

	closed bool
}

// Open scans the bus for the first supported oscilloscope and returns a
// session for it. Devices still enumerating with their pre-firmware ids
// are matched too; Connect on such a session fails with
// ErrNeedsFirmware until the firmware upload is done.
func Open(log *logrus.Logger) (*Session, error) {
	ctx := gousb.NewContext()

	var model *Model
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if model != nil {
			return false
		}
		m, _, ok := ModelByProduct(uint16(desc.Vendor), uint16(desc.Product))
		if ok {
			model = m
		}
		return ok
	})
	if err != nil && len(devs) == 0 {
		ctx.Close()
		return nil, &UsbError{Op: "enumerate", Err: err}
	}
	if len(devs) == 0 {
		ctx.Close()
		return nil, ErrNotFound
	}
	for _, dev := range devs[1:] {
		dev.Close()
	}

	dev := devs[0]
	if err := dev.SetAutoDetach(true); err != nil {
		dev.Close()
		ctx.Close()
		return nil, &UsbError{Op: "autodetach", Err: err}
	}
	return NewSession(model, &gousbBackend{ctx: ctx, dev: dev}, log), nil
}

func (b *gousbBackend) Descriptor() (uint16, uint16) {
	return uint16(b.dev.Desc.Vendor), uint16(b.dev.Desc.Product)
}

// ClaimVendorInterface walks the first configuration (the lowest
// configuration value) for a vendor-specific interface with exactly two
// endpoints and claims it.
func (b *gousbBackend) ClaimVendorInterface(epIn, epOut uint8) (int, int, error) {
	first := -1
	for num := range b.dev.Desc.Configs {
		if first < 0 || num < first {
			first = num
		}
	}
	for _, cfgDesc := range b.dev.Desc.Configs {
		if cfgDesc.Number != first {
			continue
		}
		for _, intfDesc := range cfgDesc.Interfaces {
			if len(intfDesc.AltSettings) == 0 {
				continue
			}
			alt := intfDesc.AltSettings[0]
			if alt.Class != gousb.ClassVendorSpec || len(alt.Endpoints) != 2 {
				continue
			}

			cfg, err := b.dev.Config(cfgDesc.Number)
			if err != nil {
				return 0, 0, mapGousbError(err)
			}
			intf, err := cfg.Interface(intfDesc.Number, 0)
			if err != nil {
				cfg.Close()
				return 0, 0, mapGousbError(err)
			}

			in, err := intf.InEndpoint(int(epIn & 0x0f))
			if err != nil {
				intf.Close()
				cfg.Close()
				return 0, 0, mapGousbError(err)
			}
			out, err := intf.OutEndpoint(int(epOut & 0x0f))
			if err != nil {
				intf.Close()
				cfg.Close()
				return 0, 0, mapGousbError(err)
			}

			b.cfg = cfg
			b.intf = intf
			b.in = in
			b.out = out
			return in.Desc.MaxPacketSize, out.Desc.MaxPacketSize, nil
		}
	}
	return 0, 0, ErrNotFound
}

func (b *gousbBackend) ControlTransfer(requestType, request uint8, value, index uint16, data []byte, timeout time.Duration) (int, error) {
	b.dev.ControlTimeout = timeout
	n, err := b.dev.Control(requestType, request, value, index, data)
	if err != nil {
		return n, mapGousbError(err)
	}
	return n, nil
}

func (b *gousbBackend) BulkTransfer(endpoint uint8, data []byte, timeout time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var n int
	var err error
	if endpoint&0x80 != 0 {
		if b.in == nil {
			return 0, ErrNoDevice
		}
		n, err = b.in.ReadContext(ctx, data)
	} else {
		if b.out == nil {
			return 0, ErrNoDevice
		}
		n, err = b.out.WriteContext(ctx, data)
	}
	if err != nil {
		return n, mapGousbError(err)
	}
	return n, nil
}

func (b *gousbBackend) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true

	if b.intf != nil {
		b.intf.Close()
		b.intf = nil
	}
	var err error
	if b.cfg != nil {
		err = b.cfg.Close()
		b.cfg = nil
	}
	if b.dev != nil {
		if cerr := b.dev.Close(); err == nil {
			err = cerr
		}
		b.dev = nil
	}
	if b.ctx != nil {
		if cerr := b.ctx.Close(); err == nil {
			err = cerr
		}
		b.ctx = nil
	}
	return err
}

// mapGousbError folds libusb error codes into the session's error
// taxonomy so retry and disconnect decisions are uniform.
func mapGousbError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gousb.ErrorNoDevice):
		return ErrNoDevice
	case errors.Is(err, gousb.ErrorTimeout),
		errors.Is(err, gousb.TransferTimedOut),
		errors.Is(err, gousb.TransferCancelled),
		errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	default:
		return err
	}
}
