package record

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gotmc/ivsweep"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var stamp = time.Date(2026, time.March, 7, 14, 5, 9, 0, time.Local)

func testResult() *ivsweep.Result {
	return &ivsweep.Result{
		ID:     uuid.MustParse("6f1b1f3e-1f59-4a4c-9a57-0f1b2f9f7c11"),
		Device: "I-V Curve 01",
		Spec: ivsweep.SweepSpec{
			Start: -5, Stop: 5, Points: 3, Compliance: 1e-3,
			Settle: 100 * time.Millisecond, ResetDelay: 500 * time.Millisecond,
		},
		Samples: []ivsweep.Sample{
			{Voltage: -4.99998, CurrentMA: -0.4999981},
			{Voltage: 1.2e-5, CurrentMA: 1.234567e-6},
			{Voltage: 5.00001, CurrentMA: 0.5000012},
		},
		Instrument: "KEITHLEY INSTRUMENTS INC.,MODEL 2400",
		Started:    stamp,
		Finished:   stamp.Add(2 * time.Second),
	}
}

func TestBaseName(t *testing.T) {
	assert.Equal(t, "I-V Curve - DUT7 - [2026-03-07_1405.09]", BaseName("DUT7", stamp))
}

func TestRender(t *testing.T) {
	p, err := Render(testResult())
	require.NoError(t, err)
	assert.Equal(t, "I-V Curve - I-V Curve 01", p.Title.Text)
	assert.Equal(t, XLabel, p.X.Label.Text)
	assert.Equal(t, YLabel, p.Y.Label.Text)

	img, err := PNG(p)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(img, []byte("\x89PNG")))
}

func TestRenderEmpty(t *testing.T) {
	res := testResult()
	res.Samples = nil
	_, err := Render(res)
	assert.NoError(t, err)
}

func TestTableRoundTrip(t *testing.T) {
	res := testResult()
	var buf bytes.Buffer
	require.NoError(t, WriteTable(&buf, res))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, TableHeader, lines[0])
	assert.Equal(t, "-4.999981e-01\t-4.999980e+00", lines[1])

	got, err := ReadTable(&buf)
	require.NoError(t, err)
	require.Len(t, got, len(res.Samples))
	for i, s := range res.Samples {
		assert.InDelta(t, s.CurrentMA, got[i].CurrentMA, relTol(s.CurrentMA))
		assert.InDelta(t, s.Voltage, got[i].Voltage, relTol(s.Voltage))
	}
}

func relTol(v float64) float64 { return math.Abs(v)*1e-6 + 1e-300 }

func TestReadTableRejectsBadRows(t *testing.T) {
	_, err := ReadTable(strings.NewReader("# header\n1.0e-03\n"))
	assert.Error(t, err)
	_, err = ReadTable(strings.NewReader("abc\t1.0\n"))
	assert.Error(t, err)
}

func TestPersist(t *testing.T) {
	root := t.TempDir()
	rec := Recorder{Root: root, Now: func() time.Time { return stamp }}
	res := testResult()
	p, err := Render(res)
	require.NoError(t, err)

	paths, err := rec.Persist(res, p)
	require.NoError(t, err)

	base := filepath.Join(root, "I-V Curve 01", "I-V Curve - I-V Curve 01 - [2026-03-07_1405.09]")
	assert.Equal(t, base+".png", paths.PNG)
	assert.Equal(t, base+".txt", paths.Table)
	for _, f := range []string{paths.PNG, paths.Table, paths.HTML, paths.Meta} {
		assert.FileExists(t, f)
	}

	f, err := os.Open(paths.Table)
	require.NoError(t, err)
	defer f.Close()
	samples, err := ReadTable(f)
	require.NoError(t, err)
	assert.Len(t, samples, 3)

	html, err := os.ReadFile(paths.HTML)
	require.NoError(t, err)
	assert.Contains(t, string(html), "I-V Curve - I-V Curve 01")

	mf, err := os.Open(paths.Meta)
	require.NoError(t, err)
	defer mf.Close()
	meta, err := ReadMeta(mf)
	require.NoError(t, err)
	assert.Equal(t, res.ID.String(), meta.ID)
	assert.Equal(t, 3, meta.Points)
	assert.Equal(t, res.Spec, meta.Sweep)
	assert.True(t, meta.Started.Equal(stamp))
}

func TestPersistDoesNotOverwrite(t *testing.T) {
	root := t.TempDir()
	rec := Recorder{Root: root, Now: func() time.Time { return stamp }}
	res := testResult()
	p, err := Render(res)
	require.NoError(t, err)

	first, err := rec.Persist(res, p)
	require.NoError(t, err)
	second, err := rec.Persist(res, p)
	require.NoError(t, err)

	assert.NotEqual(t, first.PNG, second.PNG)
	assert.True(t, strings.HasSuffix(second.PNG, "] (2).png"), second.PNG)
}

func TestPersistSkipsStaleSidecars(t *testing.T) {
	for _, ext := range []string{".txt", ".html", ".yaml"} {
		t.Run(ext, func(t *testing.T) {
			root := t.TempDir()
			rec := Recorder{Root: root, Now: func() time.Time { return stamp }}
			res := testResult()
			p, err := Render(res)
			require.NoError(t, err)

			dir := filepath.Join(root, res.Device)
			require.NoError(t, os.MkdirAll(dir, 0o755))
			stale := filepath.Join(dir, BaseName(res.Device, stamp)+ext)
			require.NoError(t, os.WriteFile(stale, []byte("keep me"), 0o644))

			paths, err := rec.Persist(res, p)
			require.NoError(t, err)
			assert.True(t, strings.HasSuffix(paths.PNG, "] (2).png"), paths.PNG)
			got, err := os.ReadFile(stale)
			require.NoError(t, err)
			assert.Equal(t, "keep me", string(got))
		})
	}
}

func TestPersistFilesystemError(t *testing.T) {
	root := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(root, nil, 0o644))
	res := testResult()
	p, err := Render(res)
	require.NoError(t, err)

	_, err = Recorder{Root: root}.Persist(res, p)
	require.Error(t, err)
	assert.ErrorIs(t, err, ivsweep.ErrFilesystem)
	assert.Len(t, res.Samples, 3)
}
