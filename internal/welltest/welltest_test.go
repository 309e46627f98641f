package welltest

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `Time, Pressure, Derivative
# gauge 1
0.1, 3000, 1.5
0.2, 2990, 2.5

bad, 2980, 1
0.4, 2970,
`

func TestReadCSV(t *testing.T) {
	raw, err := ReadCSV(strings.NewReader(sample), DefaultColumns())
	require.NoError(t, err)

	assert.Equal(t, []float64{0.1, 0.2, 0.4}, raw.Time)
	assert.Equal(t, []float64{3000, 2990, 2970}, raw.Pressure)
	assert.Equal(t, []float64{1.5, 2.5, 0}, raw.Derivative)
	assert.Equal(t, 1, raw.Skipped)
}

func TestReadCSVWithoutDerivative(t *testing.T) {
	raw, err := ReadCSV(strings.NewReader("t,p\n1,10\n2,20\n"), Columns{Time: "T", Pressure: "P"})
	require.NoError(t, err)
	assert.Nil(t, raw.Derivative)
	assert.Len(t, raw.Time, 2)
}

func TestReadCSVErrors(t *testing.T) {
	_, err := ReadCSV(strings.NewReader(""), DefaultColumns())
	assert.Error(t, err)

	_, err = ReadCSV(strings.NewReader("time,value\n1,2\n"), DefaultColumns())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pressure")
}

func TestReadCSVEndOfInput(t *testing.T) {
	_, err := ReadCSV(strings.NewReader("# comments only\n"), DefaultColumns())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty csv")

	raw, err := ReadCSV(strings.NewReader("time,pressure\n"), DefaultColumns())
	require.NoError(t, err)
	assert.Empty(t, raw.Time)

	// a source that reports its end with a wrapped io.EOF still ends cleanly
	closed := fmt.Errorf("gauge stream closed: %w", io.EOF)
	src := io.MultiReader(strings.NewReader("time,pressure\n1,10\n"), iotest.ErrReader(closed))
	raw, err = ReadCSV(src, DefaultColumns())
	require.NoError(t, err)
	assert.Equal(t, []float64{1}, raw.Time)
	assert.Equal(t, []float64{10}, raw.Pressure)

	boom := errors.New("connection reset")
	src = io.MultiReader(strings.NewReader("time,pressure\n1,10\n"), iotest.ErrReader(boom))
	_, err = ReadCSV(src, DefaultColumns())
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
}

func TestDeltaPDrawdown(t *testing.T) {
	raw := &Raw{
		Time:     []float64{0, 1, 2, 2, 3},
		Pressure: []float64{3000, 2950, 2900, 2890, 2880},
	}
	got := DeltaP(raw, Drawdown, 3000)

	assert.Equal(t, []float64{1, 2, 3}, got.Time)
	assert.Equal(t, []float64{50, 100, 120}, got.Pressure)
	assert.Nil(t, got.Derivative)
}

func TestDeltaPBuildup(t *testing.T) {
	raw := &Raw{
		Time:       []float64{0.5, 1, 2},
		Pressure:   []float64{2000, 2100, 2150},
		Derivative: []float64{1, 2},
	}
	got := DeltaP(raw, Buildup, 0)

	assert.Equal(t, []float64{0, 100, 150}, got.Pressure)
	assert.Equal(t, []float64{1, 2, 0}, got.Derivative)
}

func TestParseTestType(t *testing.T) {
	tt, err := ParseTestType(" BuildUp ")
	require.NoError(t, err)
	assert.Equal(t, Buildup, tt)

	_, err = ParseTestType("injection")
	assert.True(t, errors.Is(err, ErrUnknownTestType))
}
