package find

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// SysClassTTY is where the kernel lists tty devices.
const SysClassTTY = "/sys/class/tty"

type FilterFn func(*Usbtty) bool

// PrologixFilter matches the Prologix GPIB-USB controller, which enumerates
// as an FTDI serial device carrying the Prologix product string.
func PrologixFilter(ut *Usbtty) bool {
	return strings.Contains(ut.Mfg, "Prologix") || strings.Contains(ut.Prod, "Prologix")
}

// ArduinoFilter matches an AR488 built on an Arduino.
func ArduinoFilter(ut *Usbtty) bool {
	return strings.Contains(ut.Mfg, "Arduino")
}

func SerialFilter(s string) FilterFn {
	return func(ut *Usbtty) bool { return ut.Serial == s }
}

// AnyFilter matches if any of filters does.
func AnyFilter(filters ...FilterFn) FilterFn {
	return func(ut *Usbtty) bool {
		for _, f := range filters {
			if f(ut) {
				return true
			}
		}
		return false
	}
}

// Find searches for a usb serial device under SysClassTTY. If filter is not
// nil, it is used to narrow choices down. The first device for which it
// returns true (if any) is chosen.
func Find(filter FilterFn) (string, error) {
	return FindIn(SysClassTTY, filter)
}

// FindIn is Find with the tty class directory given explicitly.
func FindIn(sct string, filter FilterFn) (string, error) {
	ttys, err := UsbTtys(sct)
	if err != nil {
		return "", err
	}
	if filter != nil {
		var matched Usbttys
		for i := range ttys {
			if filter(&ttys[i]) {
				matched = Usbttys{ttys[i]}
				break
			}
		}
		ttys = matched
	}

	if len(ttys) == 0 {
		return "", fmt.Errorf("no matching ttys found")
	}
	if len(ttys) == 1 {
		return ttys[0].Dev, nil
	}
	return "", fmt.Errorf("multiple ttys:\n%s", ttys)
}

type Usbtty struct {
	Dev, Path string
	IDp, IDv  string
	Mfg, Prod string
	Serial    string
}

func (u Usbtty) String() string {
	return fmt.Sprintf("dev %s path %s pid/vid %s/%s mfg/prod %s/%s serial %s", u.Dev, u.Path, u.IDp, u.IDv, u.Mfg, u.Prod, u.Serial)
}

type Usbttys []Usbtty

func (uts Usbttys) String() string {
	s := make([]string, 0, len(uts))
	for _, ut := range uts {
		s = append(s, ut.String())
	}
	return strings.Join(s, "\n")
}

// AllUsbTtys lists ttys on usb devices under SysClassTTY.
func AllUsbTtys() (Usbttys, error) { return UsbTtys(SysClassTTY) }

// UsbTtys finds ttys on usb devices by following the symlinks in sct, which
// look like
//
//	/sys/class/tty/ttyACM0 ->
//	/sys/devices/pci0000:00/0000:00:01.3/0000:02:00.0/usb1/1-10/1-10:1.0/tty/ttyACM0
func UsbTtys(sct string) (Usbttys, error) {
	var devs Usbttys
	entries, err := os.ReadDir(sct)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.Type()&fs.ModeSymlink == 0 {
			// just in case there's anything in the dir that isn't a symlink
			continue
		}
		path := filepath.Join(sct, e.Name())
		abs, err := filepath.EvalSymlinks(path)
		if err != nil {
			log.Debug().Err(err).Str("path", path).Msg("error evaluating symlink; skipping")
			continue
		}
		if !strings.Contains(abs, "usb") {
			continue
		}
		dev, err := filepath.EvalSymlinks(filepath.Join(abs, "device"))
		if err != nil {
			log.Debug().Err(err).Str("path", abs).Msg("usb but lacking device subdir")
			continue
		}
		// device points at the interface (1-10:1.0); the descriptor
		// strings live one level up, on the usb device itself.
		idP, idV, mfg, prod, serial, err := readUsbInfo(filepath.Dir(dev))
		if err != nil {
			log.Debug().Err(err).Str("path", abs).Msg("reading usb info")
		}
		devs = append(devs, Usbtty{
			Dev:    e.Name(),
			Path:   abs,
			IDp:    idP,
			IDv:    idV,
			Mfg:    mfg,
			Prod:   prod,
			Serial: serial,
		})
	}
	return devs, nil
}

// reads prod and vendor ids, and mfg/product/serial strings
//
// returns last error encountered, ignoring os.ErrNotExist.
// errors do not prevent reading additional files or returning data collected.
func readUsbInfo(dev string) (idp, idv, mfg, prod, serial string, err error) {
	read := func(name string) string {
		b, rerr := os.ReadFile(filepath.Join(dev, name))
		if rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			err = rerr
		}
		return strings.TrimSpace(string(b))
	}
	idp = read("idProduct")
	idv = read("idVendor")
	mfg = read("manufacturer")
	prod = read("product")
	serial = read("serial")
	return idp, idv, mfg, prod, serial, err
}
