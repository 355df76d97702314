package record

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gotmc/ivsweep"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gopkg.in/yaml.v3"
)

// TimeLayout stamps saved files to the second.
const TimeLayout = "2006-01-02_1504.05"

// TableHeader heads the saved numeric table.
const TableHeader = "# Current (mA)\tVoltage (V)"

// Recorder writes sweep results under Root, one directory per device label.
type Recorder struct {
	Root string
	Now  func() time.Time
}

// Paths are the files written by one Persist call.
type Paths struct {
	Dir   string
	PNG   string
	Table string
	HTML  string
	Meta  string
}

// BaseName is the file name, without extension, for a device saved at t.
func BaseName(device string, t time.Time) string {
	return fmt.Sprintf("I-V Curve - %s - [%s]", device, t.Format(TimeLayout))
}

// Persist creates the device directory if needed and writes the plot image,
// the numeric table, the interactive chart and the run metadata. If a file of
// the same base name already exists a " (n)" suffix is added. Failures are
// ivsweep.ErrFilesystem and leave res untouched.
func (r Recorder) Persist(res *ivsweep.Result, p *plot.Plot) (Paths, error) {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	dir := filepath.Join(r.Root, res.Device)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Paths{}, ivsweep.Filesystem(dir, err)
	}
	base, err := uniqueBase(dir, BaseName(res.Device, now()))
	if err != nil {
		return Paths{}, err
	}
	paths := Paths{
		Dir:   dir,
		PNG:   base + ".png",
		Table: base + ".txt",
		HTML:  base + ".html",
		Meta:  base + ".yaml",
	}

	img, err := PNG(p)
	if err != nil {
		return paths, ivsweep.Filesystem(paths.PNG, err)
	}
	if err := os.WriteFile(paths.PNG, img, 0o644); err != nil {
		return paths, ivsweep.Filesystem(paths.PNG, err)
	}
	if err := writeFile(paths.Table, func(w io.Writer) error { return WriteTable(w, res) }); err != nil {
		return paths, err
	}
	if err := writeFile(paths.HTML, func(w io.Writer) error { return WriteHTML(w, res) }); err != nil {
		return paths, err
	}
	if err := writeFile(paths.Meta, func(w io.Writer) error { return WriteMeta(w, res) }); err != nil {
		return paths, err
	}
	return paths, nil
}

// extensions are the files Persist writes for one base name.
var extensions = []string{".png", ".txt", ".html", ".yaml"}

func uniqueBase(dir, name string) (string, error) {
	base := filepath.Join(dir, name)
	for n := 2; ; n++ {
		taken, err := anyExists(base)
		if err != nil {
			return "", err
		}
		if !taken {
			return base, nil
		}
		base = filepath.Join(dir, fmt.Sprintf("%s (%d)", name, n))
	}
}

func anyExists(base string) (bool, error) {
	for _, ext := range extensions {
		_, err := os.Stat(base + ext)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return false, ivsweep.Filesystem(base+ext, err)
		}
	}
	return false, nil
}

func writeFile(path string, fn func(io.Writer) error) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return ivsweep.Filesystem(path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = ivsweep.Filesystem(path, cerr)
		}
	}()
	w := bufio.NewWriter(f)
	if err := fn(w); err != nil {
		return ivsweep.Filesystem(path, err)
	}
	if err := w.Flush(); err != nil {
		return ivsweep.Filesystem(path, err)
	}
	return nil
}

// WriteTable writes one "current\tvoltage" row per sample in sweep order,
// in %e notation, after TableHeader.
func WriteTable(w io.Writer, res *ivsweep.Result) error {
	if _, err := fmt.Fprintln(w, TableHeader); err != nil {
		return err
	}
	for _, s := range res.Samples {
		if _, err := fmt.Fprintf(w, "%e\t%e\n", s.CurrentMA, s.Voltage); err != nil {
			return err
		}
	}
	return nil
}

// ReadTable parses a table written by WriteTable. Lines starting with # are
// ignored.
func ReadTable(r io.Reader) ([]ivsweep.Sample, error) {
	var samples []ivsweep.Sample
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Split(text, "\t")
		if len(fields) != 2 {
			return nil, errors.Errorf("line %d: %d columns, want 2", line, len(fields))
		}
		i, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d: current", line)
		}
		v, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d: voltage", line)
		}
		samples = append(samples, ivsweep.Sample{Voltage: v, CurrentMA: i})
	}
	return samples, sc.Err()
}

// Meta is the run metadata saved next to the data.
type Meta struct {
	ID         string            `yaml:"id"`
	Device     string            `yaml:"device"`
	Instrument string            `yaml:"instrument,omitempty"`
	Started    time.Time         `yaml:"started"`
	Finished   time.Time         `yaml:"finished"`
	Points     int               `yaml:"points"`
	Sweep      ivsweep.SweepSpec `yaml:"sweep"`
}

// WriteMeta writes res's metadata as YAML.
func WriteMeta(w io.Writer, res *ivsweep.Result) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(Meta{
		ID:         res.ID.String(),
		Device:     res.Device,
		Instrument: res.Instrument,
		Started:    res.Started,
		Finished:   res.Finished,
		Points:     len(res.Samples),
		Sweep:      res.Spec,
	}); err != nil {
		return err
	}
	return enc.Close()
}

// ReadMeta parses metadata written by WriteMeta.
func ReadMeta(r io.Reader) (Meta, error) {
	var m Meta
	err := yaml.NewDecoder(r).Decode(&m)
	return m, err
}
