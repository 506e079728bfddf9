// Package driver defines instrument driver configurations: the transport
// parameters, protocol dialect, and field mapping that describe how to talk
// to one analyzer model. Configs are immutable once loaded; the connection
// manager resolves a driver once at connect time.
package driver

import (
	"fmt"
	"strings"
)

// TransportKind selects the physical link type for an instrument.
type TransportKind string

const (
	TransportSerial TransportKind = "serial"
	TransportTCP    TransportKind = "tcp"
)

// ChecksumKind selects the frame checksum algorithm for a dialect.
type ChecksumKind string

const (
	// ChecksumNone disables checksum validation.
	ChecksumNone ChecksumKind = "none"
	// ChecksumMod256 is the ASTM-style modulo-256 byte sum, transmitted as
	// two ASCII hex characters after the end marker.
	ChecksumMod256 ChecksumKind = "mod256"
	// ChecksumXOR8 is an 8-bit XOR of the checked bytes, transmitted as two
	// ASCII hex characters after the end marker.
	ChecksumXOR8 ChecksumKind = "xor8"
)

// SerialParams describes the serial connection parameters used when opening a
// real serial port. The fields intentionally mirror the database
// configuration so that rows can be passed through without translation.
type SerialParams struct {
	PortPath string `json:"port_path"`
	BaudRate int    `json:"baud_rate"`
	DataBits int    `json:"data_bits"`
	StopBits int    `json:"stop_bits"`
	Parity   string `json:"parity"`
}

// TCPParams describes the endpoint for a TCP-attached instrument.
type TCPParams struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Dialect describes the framing of one instrument protocol: start/end
// markers, checksum algorithm, and the delimiters that separate records and
// fields inside a frame.
type Dialect struct {
	StartByte byte `json:"start_byte"`
	EndByte   byte `json:"end_byte"`
	// MidByte terminates an intermediate block of a multi-block message
	// (ASTM ETB). Zero disables multi-block handling.
	MidByte        byte         `json:"mid_byte"`
	Checksum       ChecksumKind `json:"checksum"`
	RecordDelim    byte         `json:"record_delim"`
	FieldDelim     byte         `json:"field_delim"`
	ComponentDelim byte         `json:"component_delim"`
}

// FieldMap names where in a frame's records the parser finds sample identity
// and result data. Field indexes are zero-based positions within a record
// after splitting on the dialect's field delimiter; index 0 is the record
// type field itself.
type FieldMap struct {
	OrderRecordType  string `json:"order_record_type"`
	ResultRecordType string `json:"result_record_type"`

	// Positions within the order record carrying sample identity.
	OrderSampleIDField  int `json:"order_sample_id_field"`
	OrderAccessionField int `json:"order_accession_field"`

	// Positions within a result record. ResultSampleIDField may be -1 when
	// the dialect only carries identity on the order record; result records
	// then inherit it from the preceding order record.
	ResultSampleIDField  int `json:"result_sample_id_field"`
	ResultTestCodeField  int `json:"result_test_code_field"`
	ResultValueField     int `json:"result_value_field"`
	ResultUnitField      int `json:"result_unit_field"`
	ResultTimestampField int `json:"result_timestamp_field"`

	// TestCodeComponent selects a caret component within the test code
	// field; -1 uses the whole field.
	TestCodeComponent int `json:"test_code_component"`

	// TimestampLayout is the Go reference layout for instrument timestamps.
	TimestampLayout string `json:"timestamp_layout"`
}

// Config is the full driver configuration for one instrument model plus the
// endpoint it is reachable at. Owned by the connection manager; treat as
// read-only after load.
type Config struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Manufacturer string        `json:"manufacturer"`
	Model        string        `json:"model"`
	Transport    TransportKind `json:"transport"`
	Serial       SerialParams  `json:"serial"`
	TCP          TCPParams     `json:"tcp"`
	Dialect      Dialect       `json:"dialect"`
	FieldMap     FieldMap      `json:"field_map"`
	Enabled      bool          `json:"enabled"`
}

// DefaultDialect returns the ASTM-1381-style framing most bench analyzers
// ship with: STX/ETX markers, ETB intermediate blocks, mod-256 checksum,
// CR-separated records with pipe fields and caret components.
func DefaultDialect() Dialect {
	return Dialect{
		StartByte:      0x02, // STX
		EndByte:        0x03, // ETX
		MidByte:        0x17, // ETB
		Checksum:       ChecksumMod256,
		RecordDelim:    '\r',
		FieldDelim:     '|',
		ComponentDelim: '^',
	}
}

// DefaultFieldMap returns the field positions used by ASTM-E1394-shaped
// messages (O records carry sample identity in fields 2/3, R records carry
// test^ code in field 2, value in 3, unit in 4, timestamp in 12).
func DefaultFieldMap() FieldMap {
	return FieldMap{
		OrderRecordType:      "O",
		ResultRecordType:     "R",
		OrderSampleIDField:   2,
		OrderAccessionField:  3,
		ResultSampleIDField:  -1,
		ResultTestCodeField:  2,
		ResultValueField:     3,
		ResultUnitField:      4,
		ResultTimestampField: 12,
		TestCodeComponent:    3,
		TimestampLayout:      "20060102150405",
	}
}

// Normalize validates the serial parameters and applies defaults for any
// unset values.
func (p SerialParams) Normalize() (SerialParams, error) {
	params := p

	if params.BaudRate <= 0 {
		params.BaudRate = 9600
	}

	if params.DataBits == 0 {
		params.DataBits = 8
	}
	if params.DataBits < 5 || params.DataBits > 8 {
		return params, fmt.Errorf("invalid data bits %d: must be between 5 and 8", params.DataBits)
	}

	if params.StopBits == 0 {
		params.StopBits = 1
	}
	if params.StopBits != 1 && params.StopBits != 2 {
		return params, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", params.StopBits)
	}

	parity := strings.TrimSpace(strings.ToUpper(params.Parity))
	if parity == "" {
		parity = "N"
	}

	switch parity {
	case "N", "NONE":
		parity = "N"
	case "E", "EVEN":
		parity = "E"
	case "O", "ODD":
		parity = "O"
	default:
		return params, fmt.Errorf("unsupported parity %q: expected N, E, or O", p.Parity)
	}

	params.Parity = parity
	return params, nil
}

// Normalize validates the dialect and fills defaulted delimiters.
func (d Dialect) Normalize() (Dialect, error) {
	dialect := d

	if dialect.StartByte == 0 {
		dialect.StartByte = 0x02
	}
	if dialect.EndByte == 0 {
		dialect.EndByte = 0x03
	}
	if dialect.StartByte == dialect.EndByte {
		return dialect, fmt.Errorf("start and end markers must differ (both 0x%02x)", dialect.StartByte)
	}
	if dialect.RecordDelim == 0 {
		dialect.RecordDelim = '\r'
	}
	if dialect.FieldDelim == 0 {
		dialect.FieldDelim = '|'
	}
	if dialect.ComponentDelim == 0 {
		dialect.ComponentDelim = '^'
	}

	switch dialect.Checksum {
	case "":
		dialect.Checksum = ChecksumNone
	case ChecksumNone, ChecksumMod256, ChecksumXOR8:
	default:
		return dialect, fmt.Errorf("unsupported checksum kind %q", d.Checksum)
	}

	return dialect, nil
}

// Validate checks a full driver configuration for use by the connection
// manager.
func (c Config) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("driver config missing id")
	}

	switch c.Transport {
	case TransportSerial:
		if c.Serial.PortPath == "" {
			return fmt.Errorf("driver %s: serial transport requires a port path", c.ID)
		}
		if _, err := c.Serial.Normalize(); err != nil {
			return fmt.Errorf("driver %s: %w", c.ID, err)
		}
	case TransportTCP:
		if c.TCP.Host == "" {
			return fmt.Errorf("driver %s: tcp transport requires a host", c.ID)
		}
		if c.TCP.Port <= 0 || c.TCP.Port > 65535 {
			return fmt.Errorf("driver %s: invalid tcp port %d", c.ID, c.TCP.Port)
		}
	default:
		return fmt.Errorf("driver %s: unknown transport kind %q", c.ID, c.Transport)
	}

	if _, err := c.Dialect.Normalize(); err != nil {
		return fmt.Errorf("driver %s: %w", c.ID, err)
	}
	return nil
}

// Endpoint returns a human-readable description of where this driver
// connects, used in logs and status output.
func (c Config) Endpoint() string {
	switch c.Transport {
	case TransportSerial:
		return c.Serial.PortPath
	case TransportTCP:
		return fmt.Sprintf("%s:%d", c.TCP.Host, c.TCP.Port)
	default:
		return "unknown"
	}
}
