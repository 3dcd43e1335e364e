package qmi

import (
	"errors"
	"fmt"
)

var (
	// ErrTruncated is returned when a buffer is shorter than the structure being decoded.
	ErrTruncated = errors.New("qmi: truncated packet")
	// ErrBufferTooSmall is returned when an encode target cannot hold the field.
	ErrBufferTooSmall = errors.New("qmi: buffer too small")
	// ErrPayloadTooLarge is returned when a payload does not fit the 16-bit length field.
	ErrPayloadTooLarge = errors.New("qmi: payload too large")
	// ErrUnknownResult is returned when no well-formed result TLV is present.
	ErrUnknownResult = errors.New("qmi: no result tlv")
	// ErrTagNotFound is returned when a TLV lookup walks the whole payload without a match.
	ErrTagNotFound = errors.New("qmi: tag not found")
	// ErrMalformedTLV is returned when a TLV entry runs past the end of the buffer.
	ErrMalformedTLV = errors.New("qmi: malformed tlv")
	// ErrBadLength is returned when a TLV value does not have the expected size.
	ErrBadLength = errors.New("qmi: unexpected tlv length")
)

// ProtocolError is the response code carried in a failed generic result TLV.
type ProtocolError uint16

const (
	ProtocolErrorNone              ProtocolError = 0
	ProtocolErrorMalformedMessage  ProtocolError = 1
	ProtocolErrorNoMemory          ProtocolError = 2
	ProtocolErrorInternal          ProtocolError = 3
	ProtocolErrorAborted           ProtocolError = 4
	ProtocolErrorClientIDsExhaused ProtocolError = 5
	ProtocolErrorUnabortableTxn    ProtocolError = 6
	ProtocolErrorInvalidClientID   ProtocolError = 7
	ProtocolErrorNoThresholds      ProtocolError = 8
	ProtocolErrorInvalidHandle     ProtocolError = 9
	ProtocolErrorInvalidProfile    ProtocolError = 10
	ProtocolErrorInvalidPinID      ProtocolError = 11
	ProtocolErrorIncorrectPin      ProtocolError = 12
	ProtocolErrorNoNetworkFound    ProtocolError = 13
	ProtocolErrorCallFailed        ProtocolError = 14
	ProtocolErrorOutOfCall         ProtocolError = 15
	ProtocolErrorNotProvisioned    ProtocolError = 16
	ProtocolErrorMissingArgument   ProtocolError = 17
	ProtocolErrorArgumentTooLong   ProtocolError = 19
	ProtocolErrorInvalidTxID       ProtocolError = 22
	ProtocolErrorDeviceInUse       ProtocolError = 23
	ProtocolErrorNoEffect          ProtocolError = 26
	ProtocolErrorInvalidArgument   ProtocolError = 48
	ProtocolErrorNotSupported      ProtocolError = 94
	ProtocolErrorInvalidQMICommand ProtocolError = 71
)

var protocolErrorNames = map[ProtocolError]string{
	ProtocolErrorNone:              "None",
	ProtocolErrorMalformedMessage:  "MalformedMessage",
	ProtocolErrorNoMemory:          "NoMemory",
	ProtocolErrorInternal:          "Internal",
	ProtocolErrorAborted:           "Aborted",
	ProtocolErrorClientIDsExhaused: "ClientIdsExhausted",
	ProtocolErrorUnabortableTxn:    "UnabortableTransaction",
	ProtocolErrorInvalidClientID:   "InvalidClientId",
	ProtocolErrorNoThresholds:      "NoThresholdsProvided",
	ProtocolErrorInvalidHandle:     "InvalidHandle",
	ProtocolErrorInvalidProfile:    "InvalidProfile",
	ProtocolErrorInvalidPinID:      "InvalidPinId",
	ProtocolErrorIncorrectPin:      "IncorrectPin",
	ProtocolErrorNoNetworkFound:    "NoNetworkFound",
	ProtocolErrorCallFailed:        "CallFailed",
	ProtocolErrorOutOfCall:         "OutOfCall",
	ProtocolErrorNotProvisioned:    "NotProvisioned",
	ProtocolErrorMissingArgument:   "MissingArgument",
	ProtocolErrorArgumentTooLong:   "ArgumentTooLong",
	ProtocolErrorInvalidTxID:       "InvalidTransactionId",
	ProtocolErrorDeviceInUse:       "DeviceInUse",
	ProtocolErrorNoEffect:          "NoEffect",
	ProtocolErrorInvalidArgument:   "InvalidArgument",
	ProtocolErrorInvalidQMICommand: "InvalidQmiCommand",
	ProtocolErrorNotSupported:      "NotSupported",
}

func (e ProtocolError) Error() string {
	if name, ok := protocolErrorNames[e]; ok {
		return fmt.Sprintf("qmi protocol error %d (%s)", uint16(e), name)
	}
	return fmt.Sprintf("qmi protocol error %d", uint16(e))
}

// IsProtocolError reports whether err wraps the given protocol error code.
func IsProtocolError(err error, code ProtocolError) bool {
	var pe ProtocolError
	if errors.As(err, &pe) {
		return pe == code
	}
	return false
}
