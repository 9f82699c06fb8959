package sample

import (
	"errors"
	"fmt"
	"math"

	"github.com/itohio/grindscale/pkg/prefs"
)

// ErrCorruptedCalibration is reported when a stored scale is unusable.
var ErrCorruptedCalibration = errors.New("sample: corrupted calibration")

// Calibration converts raw counts to grams: weight = (raw - Tare) / Scale.
// Values are replaced as a whole, never mutated in place.
type Calibration struct {
	Scale float64 // Counts per gram, finite and non-zero
	Tare  float64 // Raw counts at zero load
}

// Weight converts a raw count to grams.
func (c Calibration) Weight(raw float64) float32 {
	return float32((raw - c.Tare) / c.Scale)
}

// Raw converts grams to a raw count.
func (c Calibration) Raw(grams float32) float64 {
	return float64(grams)*c.Scale + c.Tare
}

// Grams converts a raw count difference to grams without the tare offset.
func (c Calibration) Grams(delta float64) float32 {
	return float32(delta / c.Scale)
}

// ValidScale reports whether s can be used as a scale factor.
func ValidScale(s float64) bool {
	return s != 0 && !math.IsNaN(s) && !math.IsInf(s, 0)
}

// LoadScale reads the stored scale. An unusable value is replaced by def,
// persisted back, and reported as ErrCorruptedCalibration.
func LoadScale(store prefs.Store, def float32) (float32, error) {
	scale := store.Float(prefs.KeyCalibration, def)
	if ValidScale(float64(scale)) {
		return scale, nil
	}

	err := fmt.Errorf("%w: scale %v, using %v", ErrCorruptedCalibration, scale, def)
	if perr := store.PutFloat(prefs.KeyCalibration, def); perr != nil {
		return def, errors.Join(err, perr)
	}
	return def, err
}
