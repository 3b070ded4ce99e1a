package hantek

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// FirmwareProvider hands out the loader and firmware images for a model.
// Images are Intel HEX; where they come from (embedded resources, a
// directory, a download) is the provider's business.
type FirmwareProvider interface {
	Firmware(token string) (loader, firmware []byte, err error)
}

// FX2 vendor request and registers used for the firmware upload. The
// scopes are built around a Cypress EZ-USB FX2 whose 8051 core is held
// in reset while its RAM is written.
const (
	fx2FirmwareRequest = 0xa0
	fx2CPUCSAddress    = 0xe600
	fx2ChunkSize       = 1024
)

// hexRecord is one data record of an Intel HEX image.
type hexRecord struct {
	address uint16
	data    []byte
}

// parseIntelHex decodes the data records of an Intel HEX image. Records
// other than data and end-of-file are rejected; the FX2 images contain
// nothing else.
func parseIntelHex(image []byte) ([]hexRecord, error) {
	var records []hexRecord
	for lineNo, line := range strings.Split(string(image), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line[0] != ':' {
			return nil, fmt.Errorf("hex image line %d: missing record mark", lineNo+1)
		}
		raw, err := hex.DecodeString(line[1:])
		if err != nil {
			return nil, fmt.Errorf("hex image line %d: %w", lineNo+1, err)
		}
		if len(raw) < 5 {
			return nil, fmt.Errorf("hex image line %d: record too short", lineNo+1)
		}

		length := int(raw[0])
		if len(raw) != 5+length {
			return nil, fmt.Errorf("hex image line %d: length mismatch", lineNo+1)
		}
		var sum byte
		for _, b := range raw {
			sum += b
		}
		if sum != 0 {
			return nil, fmt.Errorf("hex image line %d: checksum error", lineNo+1)
		}

		address := uint16(raw[1])<<8 | uint16(raw[2])
		switch raw[3] {
		case 0x00:
			records = append(records, hexRecord{address: address, data: raw[4 : 4+length]})
		case 0x01:
			return records, nil
		default:
			return nil, fmt.Errorf("hex image line %d: unsupported record type %#02x", lineNo+1, raw[3])
		}
	}
	return records, nil
}

// UploadFirmware loads the model's firmware into the device RAM. It is
// only valid while the device enumerates with its pre-firmware id;
// after the upload the device renumerates with the final product id and
// can be connected normally. progress, if non-nil, is called after
// every written chunk.
func (s *Session) UploadFirmware(provider FirmwareProvider, progress func(done, total int)) error {
	vid, pid := s.backend.Descriptor()
	if !s.model.NeedsFirmware(vid, pid) {
		return ErrAlreadyOpen
	}

	loaderImage, firmwareImage, err := provider.Firmware(s.model.FirmwareToken)
	if err != nil {
		return fmt.Errorf("loading firmware images: %w", err)
	}
	loader, err := parseIntelHex(loaderImage)
	if err != nil {
		return err
	}
	firmware, err := parseIntelHex(firmwareImage)
	if err != nil {
		return err
	}

	total := countChunks(loader) + countChunks(firmware)
	done := 0
	report := func(n int) {
		done += n
		if progress != nil {
			progress(done, total)
		}
	}

	// The loader goes into RAM directly, then the firmware is written
	// through the running loader. Each stage brackets its writes with a
	// CPU reset hold and release.
	for _, stage := range [][]hexRecord{loader, firmware} {
		if err := s.fx2SetReset(true); err != nil {
			return err
		}
		for _, record := range stage {
			for off := 0; off < len(record.data); off += fx2ChunkSize {
				end := off + fx2ChunkSize
				if end > len(record.data) {
					end = len(record.data)
				}
				chunk := record.data[off:end]
				if _, err := s.backend.ControlTransfer(requestTypeVendorOut, fx2FirmwareRequest,
					record.address+uint16(off), 0, chunk, Timeout); err != nil {
					return &UsbError{Op: "firmware write", Err: err}
				}
				report(1)
			}
		}
		if err := s.fx2SetReset(false); err != nil {
			return err
		}
	}

	s.log.Info("firmware uploaded, device renumerating")
	return nil
}

// fx2SetReset holds or releases the FX2 CPU reset through the CPUCS
// register.
func (s *Session) fx2SetReset(hold bool) error {
	value := []byte{0x00}
	if hold {
		value[0] = 0x01
	}
	if _, err := s.backend.ControlTransfer(requestTypeVendorOut, fx2FirmwareRequest,
		fx2CPUCSAddress, 0, value, Timeout); err != nil {
		return &UsbError{Op: "cpu reset", Err: err}
	}
	if !hold {
		// Give the core a moment to come up before the next stage.
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}

func countChunks(records []hexRecord) int {
	n := 0
	for _, r := range records {
		n += (len(r.data) + fx2ChunkSize - 1) / fx2ChunkSize
	}
	return n
}
