package framing

import (
	"fmt"
	"strconv"

	"github.com/meridian-lims/lablink/internal/driver"
)

// trailerLen returns the number of checksum characters that follow the end
// marker for the given algorithm.
func trailerLen(kind driver.ChecksumKind) int {
	switch kind {
	case driver.ChecksumMod256, driver.ChecksumXOR8:
		return 2
	default:
		return 0
	}
}

// computeChecksum calculates the checksum over the checked region (payload
// plus end marker, excluding the start marker, matching ASTM E1381).
func computeChecksum(kind driver.ChecksumKind, checked []byte) uint8 {
	var sum uint8
	switch kind {
	case driver.ChecksumMod256:
		for _, b := range checked {
			sum += b
		}
	case driver.ChecksumXOR8:
		for _, b := range checked {
			sum ^= b
		}
	}
	return sum
}

// FormatChecksum renders a checksum as the two uppercase hex characters an
// instrument transmits. Exposed for tests and simulators building valid
// frames.
func FormatChecksum(kind driver.ChecksumKind, checked []byte) string {
	return fmt.Sprintf("%02X", computeChecksum(kind, checked))
}

// verifyChecksum compares the transmitted trailer characters against the
// computed checksum. Hex digits are accepted in either case.
func verifyChecksum(kind driver.ChecksumKind, checked, trailer []byte) bool {
	if kind == driver.ChecksumNone {
		return true
	}
	got, err := strconv.ParseUint(string(trailer), 16, 8)
	if err != nil {
		return false
	}
	return uint8(got) == computeChecksum(kind, checked)
}
