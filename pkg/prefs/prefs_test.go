package prefs

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory(t *testing.T) {
	m := NewMemory()

	assert.Equal(t, float32(-7050), m.Float(KeyCalibration, -7050))
	require.NoError(t, m.PutFloat(KeyCalibration, -6900.5))
	assert.Equal(t, float32(-6900.5), m.Float(KeyCalibration, -7050))

	assert.Equal(t, 75, m.Int(KeyMotorLatency, 75))
	require.NoError(t, m.PutInt(KeyMotorLatency, 48))
	assert.Equal(t, 48, m.Int(KeyMotorLatency, 75))

	require.NoError(t, m.Remove(KeyMotorLatency))
	assert.Equal(t, 75, m.Int(KeyMotorLatency, 75))
}

func TestFile_Persists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.yaml")

	f, err := OpenFile(path)
	require.NoError(t, err)
	require.NoError(t, f.PutFloat(KeyCalibration, -7012.25))
	require.NoError(t, f.PutFloat(KeyCalWeight, 100))
	require.NoError(t, f.PutInt(KeyNextSessionID, 7))

	reopened, err := OpenFile(path)
	require.NoError(t, err)
	assert.Equal(t, float32(-7012.25), reopened.Float(KeyCalibration, 0))
	assert.Equal(t, float32(100), reopened.Float(KeyCalWeight, 0))
	assert.Equal(t, 7, reopened.Int(KeyNextSessionID, 0))

	require.NoError(t, reopened.Remove(KeyNextSessionID))
	again, err := OpenFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, again.Int(KeyNextSessionID, 1))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files are cleaned up")
}

func TestFile_NaNSurvivesRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.yaml")

	f, err := OpenFile(path)
	require.NoError(t, err)
	require.NoError(t, f.PutFloat(KeyCalibration, float32(math.NaN())))

	reopened, err := OpenFile(path)
	require.NoError(t, err)
	assert.True(t, math.IsNaN(float64(reopened.Float(KeyCalibration, 1))))
}

func TestFile_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.yaml")
	require.NoError(t, os.WriteFile(path, []byte("hx_cal: [unclosed"), 0644))

	_, err := OpenFile(path)
	assert.Error(t, err)
}
