package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"github.com/umputun/go-flags"

	hantek "github.com/go-dso/hantek"
)

var opts struct {
	FirmwareDir string `short:"d" long:"firmware-dir" env:"HANTEK_FIRMWARE_DIR" default:"/usr/share/hantek/firmware" description:"directory holding <token>-loader.hex and <token>-firmware.hex"`
	Verbose     bool   `short:"v" long:"verbose" description:"debug logging"`
}

// dirProvider loads the firmware images from a directory, following the
// <token>-loader.hex / <token>-firmware.hex naming of the vendor
// distribution.
type dirProvider struct {
	dir string
}

func (p dirProvider) Firmware(token string) ([]byte, []byte, error) {
	loader, err := os.ReadFile(filepath.Join(p.dir, token+"-loader.hex"))
	if err != nil {
		return nil, nil, err
	}
	firmware, err := os.ReadFile(filepath.Join(p.dir, token+"-firmware.hex"))
	if err != nil {
		return nil, nil, err
	}
	return loader, firmware, nil
}

func main() {
	if _, err := flags.NewParser(&opts, flags.Default).Parse(); err != nil {
		os.Exit(1)
	}

	log := logrus.New()
	if opts.Verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	session, err := hantek.Open(log)
	if err != nil {
		if errors.Is(err, hantek.ErrNotFound) {
			fmt.Fprintln(os.Stderr, "fwupload: no supported oscilloscope found")
		} else {
			fmt.Fprintf(os.Stderr, "fwupload: %v\n", err)
		}
		os.Exit(1)
	}

	var bar *progressbar.ProgressBar
	progress := func(done, total int) {
		if bar == nil {
			bar = progressbar.Default(int64(total), "uploading firmware")
		}
		_ = bar.Set(done)
	}

	err = session.UploadFirmware(dirProvider{dir: opts.FirmwareDir}, progress)
	switch {
	case errors.Is(err, hantek.ErrAlreadyOpen):
		fmt.Println("device already runs its firmware, nothing to do")
	case err != nil:
		fmt.Fprintf(os.Stderr, "fwupload: %v\n", err)
		os.Exit(1)
	default:
		fmt.Println("firmware uploaded, the device renumerates in a few seconds")
	}
}
