package mmq

import "fmt"

// Header word layout (64 bits):
//
//	[63 ........................... 8][7 ...... 0]
//	 (payloadPosition + 8) >> 3        appenderID
//
// The payload position is always a multiple of PayloadGranularity, so its low
// three bits carry no information and the stored value is shifted left by
// AppenderIDBits-3 only. The +PayloadGranularity adjustment keeps a record at
// position 0 of appender 0 distinct from NullHeader.
const (
	// AppenderIDBits is the width of the appender id field.
	AppenderIDBits = 8
	// MinAppenderID is the smallest appender id.
	MinAppenderID = 0
	// MaxAppenderID is the largest appender id a header can carry.
	MaxAppenderID = 1<<AppenderIDBits - 1

	// PayloadGranularity is the alignment of payload records.
	PayloadGranularity = 8
	granularityBits    = 3

	// NullHeader marks a slot that has not been written.
	NullHeader uint64 = 0

	// MaxPayloadPosition is the largest encodable payload position.
	MaxPayloadPosition int64 = 1<<(64-AppenderIDBits+granularityBits) - 2*PayloadGranularity

	// LengthPrefixSize is the size of the little-endian length in front of
	// every payload record.
	LengthPrefixSize = 4

	payloadShift          = AppenderIDBits - granularityBits
	payloadAdjustment     = PayloadGranularity
	appenderIDMask uint64 = MaxAppenderID
)

// ValidAppenderID reports whether id fits the appender id field.
func ValidAppenderID(id int) bool {
	return id >= MinAppenderID && id <= MaxAppenderID
}

// ValidPayloadPosition reports whether pos is aligned and encodable.
func ValidPayloadPosition(pos int64) bool {
	return pos >= 0 && pos <= MaxPayloadPosition && pos&(PayloadGranularity-1) == 0
}

// ValidateAppenderID returns a *RangeError for an id outside the header field.
func ValidateAppenderID(id int) error {
	if ValidAppenderID(id) {
		return nil
	}
	kind := OutOfRange
	if id < 0 {
		kind = Malformed
	}
	return &RangeError{Name: "appender id", Value: int64(id), Min: MinAppenderID, Max: MaxAppenderID, Kind: kind}
}

// ValidatePayloadPosition returns a *RangeError for a negative, misaligned
// or unencodable payload position.
func ValidatePayloadPosition(pos int64) error {
	if ValidPayloadPosition(pos) {
		return nil
	}
	kind := OutOfRange
	if pos < 0 || pos&(PayloadGranularity-1) != 0 {
		kind = Malformed
	}
	return &RangeError{Name: "payload position", Value: pos, Min: 0, Max: MaxPayloadPosition, Kind: kind}
}

// Header packs an appender id and a payload position into a header word.
// It panics on invalid input; validate first.
func Header(appenderID int, payloadPosition int64) uint64 {
	if !ValidAppenderID(appenderID) {
		panic(ValidateAppenderID(appenderID))
	}
	if !ValidPayloadPosition(payloadPosition) {
		panic(ValidatePayloadPosition(payloadPosition))
	}
	return uint64(payloadPosition+payloadAdjustment)<<payloadShift | uint64(appenderID)
}

// HeaderAppenderID extracts the appender id of a non-null header.
func HeaderAppenderID(header uint64) int {
	return int(header & appenderIDMask)
}

// HeaderPayloadPosition extracts the payload position of a non-null header.
func HeaderPayloadPosition(header uint64) int64 {
	return int64((header&^appenderIDMask)>>payloadShift) - payloadAdjustment
}

// RoundUpToGranularity rounds n up to the next multiple of PayloadGranularity.
func RoundUpToGranularity(n int64) int64 {
	return (n + PayloadGranularity - 1) &^ (PayloadGranularity - 1)
}

// RecordSize is the number of payload file bytes a record of the given
// length occupies, including the length prefix and padding.
func RecordSize(length int) int64 {
	return RoundUpToGranularity(int64(length) + LengthPrefixSize)
}

// NextPayloadPosition returns where the record after one of currentLen bytes
// at current starts.
func NextPayloadPosition(current int64, currentLen int) int64 {
	return current + RecordSize(currentLen)
}

// formatHeader renders a header word for logs.
func formatHeader(header uint64) string {
	if header == NullHeader {
		return "null"
	}
	return fmt.Sprintf("appender=%d payload=%d", HeaderAppenderID(header), HeaderPayloadPosition(header))
}
