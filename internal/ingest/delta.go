package ingest

import (
	"math"
	"strconv"

	"github.com/meridian-lims/lablink/internal/db"
)

// DeltaChecker flags results whose value moved sharply against the same
// patient sample's most recent prior value for the same test. Thresholds
// are percent change; a per-test entry overrides the default.
type DeltaChecker struct {
	DefaultThreshold float64
	Thresholds       map[string]float64
}

// NewDeltaChecker builds a checker with the given default percent threshold.
func NewDeltaChecker(defaultThreshold float64) *DeltaChecker {
	return &DeltaChecker{
		DefaultThreshold: defaultThreshold,
		Thresholds:       make(map[string]float64),
	}
}

func (d *DeltaChecker) threshold(testCode string) float64 {
	if t, ok := d.Thresholds[testCode]; ok {
		return t
	}
	return d.DefaultThreshold
}

// Evaluate compares a new result against the prior one and returns an alert
// if the percent change exceeds the test's threshold. Non-numeric values
// never alert. A zero prior value suppresses the check: the percent change
// is undefined and a division blowup would flag every recovery from zero.
func (d *DeltaChecker) Evaluate(current *db.LabResult, prior *db.LabResult) *db.DeltaAlert {
	if prior == nil {
		return nil
	}
	cur, err := strconv.ParseFloat(current.Value, 64)
	if err != nil {
		return nil
	}
	prev, err := strconv.ParseFloat(prior.Value, 64)
	if err != nil {
		return nil
	}
	if prev == 0 {
		return nil
	}

	pct := math.Abs(cur-prev) / math.Abs(prev) * 100
	threshold := d.threshold(current.TestCode)
	if pct <= threshold {
		return nil
	}
	return &db.DeltaAlert{
		ResultID:      current.ID,
		PatientID:     current.PatientID,
		TestCode:      current.TestCode,
		CurrentValue:  cur,
		PreviousValue: prev,
		PreviousAt:    prior.InstrumentTS.Unix(),
		PercentChange: pct,
	}
}
