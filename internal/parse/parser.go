// Package parse maps decoded frames to structured lab results using the
// owning driver's field map. A frame may carry a header, one or more result
// segments, and a trailer; the parser walks record boundaries independently
// of frame boundaries. Parsing is pure: no I/O, no blocking.
package parse

import (
	"fmt"
	"strings"
	"time"

	"github.com/meridian-lims/lablink/internal/driver"
)

// Result is one structured lab result extracted from an instrument message.
// Values stay in string form (numeric or qualitative); interpretation is the
// matcher's concern.
type Result struct {
	TestCode     string
	Value        string
	Unit         string
	Timestamp    time.Time
	SampleID     string
	Accession    string
	ConnectionID string

	// Raw is the record segment the result was extracted from, preserved so
	// unmatched results can be quarantined with their original payload.
	Raw string
}

// Warning reports a segment the parser could not fully understand. Warnings
// degrade gracefully: results for recognizable segments are still emitted.
type Warning struct {
	Record string
	Reason string
}

func (w Warning) String() string {
	return fmt.Sprintf("%s: %q", w.Reason, w.Record)
}

// Message parses one decoded frame into zero or more results plus warnings
// for unrecognized or malformed segments. Sample identity carried by an
// order record is inherited by the result records that follow it.
func Message(frame []byte, cfg *driver.Config) ([]Result, []Warning) {
	dialect, err := cfg.Dialect.Normalize()
	if err != nil {
		return nil, []Warning{{Reason: fmt.Sprintf("invalid dialect: %v", err)}}
	}
	fm := cfg.FieldMap

	var results []Result
	var warnings []Warning

	var sampleID, accession string

	for _, record := range splitRecords(frame, dialect.RecordDelim) {
		if len(record) == 0 {
			continue
		}
		fields := strings.Split(record, string(dialect.FieldDelim))
		recordType := strings.TrimSpace(fields[0])
		// ASTM prefixes repeated records with a sequence field; the type is
		// the leading letter
		if len(recordType) > 1 {
			recordType = recordType[:1]
		}

		switch recordType {
		case fm.OrderRecordType:
			sampleID = componentAt(fields, fm.OrderSampleIDField, -1, dialect.ComponentDelim)
			accession = componentAt(fields, fm.OrderAccessionField, -1, dialect.ComponentDelim)

		case fm.ResultRecordType:
			r, warn := parseResult(fields, fm, dialect)
			if warn != nil {
				warnings = append(warnings, Warning{Record: record, Reason: *warn})
			}
			if r == nil {
				continue
			}
			if r.SampleID == "" {
				r.SampleID = sampleID
			}
			r.Accession = accession
			r.Raw = record
			results = append(results, *r)

		default:
			// headers, patient records, comments, and terminators carry no
			// result data for the field maps we drive; skip silently
		}
	}

	return results, warnings
}

// parseResult extracts one result from an R-type record. A missing test code
// makes the segment unusable (nil result); a malformed timestamp degrades to
// a zero time with a warning.
func parseResult(fields []string, fm driver.FieldMap, dialect driver.Dialect) (*Result, *string) {
	testCode := componentAt(fields, fm.ResultTestCodeField, fm.TestCodeComponent, dialect.ComponentDelim)
	if testCode == "" {
		reason := "result segment missing test code"
		return nil, &reason
	}

	r := &Result{
		TestCode: testCode,
		Value:    componentAt(fields, fm.ResultValueField, -1, dialect.ComponentDelim),
		Unit:     componentAt(fields, fm.ResultUnitField, -1, dialect.ComponentDelim),
	}
	if fm.ResultSampleIDField >= 0 {
		r.SampleID = componentAt(fields, fm.ResultSampleIDField, -1, dialect.ComponentDelim)
	}

	raw := componentAt(fields, fm.ResultTimestampField, -1, dialect.ComponentDelim)
	if raw != "" {
		layout := fm.TimestampLayout
		if layout == "" {
			layout = "20060102150405"
		}
		ts, err := time.Parse(layout, raw)
		if err != nil {
			reason := fmt.Sprintf("unparseable timestamp %q", raw)
			return r, &reason
		}
		r.Timestamp = ts
	}

	return r, nil
}

// componentAt returns field[idx], optionally narrowed to a caret component.
// Out-of-range indexes yield the empty string rather than a panic: field maps
// describe the happy path, instruments do not always honour it.
func componentAt(fields []string, idx, component int, componentDelim byte) string {
	if idx < 0 || idx >= len(fields) {
		return ""
	}
	field := fields[idx]
	if component < 0 {
		return strings.TrimSpace(field)
	}
	parts := strings.Split(field, string(componentDelim))
	if component >= len(parts) {
		return ""
	}
	return strings.TrimSpace(parts[component])
}

func splitRecords(frame []byte, delim byte) []string {
	raw := strings.Split(string(frame), string(delim))
	records := make([]string, 0, len(raw))
	for _, r := range raw {
		records = append(records, strings.Trim(r, "\r\n"))
	}
	return records
}
