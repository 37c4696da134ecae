package wire

// ErrorCode is the on-wire STREAM error code carried in ConnectionClose and
// StreamClose frames (§7).
type ErrorCode byte

const (
	ErrorCodeNoError           ErrorCode = 0x01
	ErrorCodeInternalError     ErrorCode = 0x02
	ErrorCodeServerBusy        ErrorCode = 0x03
	ErrorCodeFlowControlError  ErrorCode = 0x04
	ErrorCodeStreamIDError     ErrorCode = 0x05
	ErrorCodeStreamStateError  ErrorCode = 0x06
	ErrorCodeFinalOffsetError  ErrorCode = 0x07
	ErrorCodeFrameFormatError  ErrorCode = 0x08
	ErrorCodeProtocolViolation ErrorCode = 0x09
	ErrorCodeApplicationError  ErrorCode = 0x0a
)

// Retryable reports whether the connection-level policy for this code is to
// retry (only ServerBusy among the STREAM-level codes; ILP-level T*/F08
// retries are classified in package connection).
func (e ErrorCode) Retryable() bool {
	return e == ErrorCodeServerBusy
}

func (e ErrorCode) String() string {
	switch e {
	case ErrorCodeNoError:
		return "NoError"
	case ErrorCodeInternalError:
		return "InternalError"
	case ErrorCodeServerBusy:
		return "ServerBusy"
	case ErrorCodeFlowControlError:
		return "FlowControlError"
	case ErrorCodeStreamIDError:
		return "StreamIdError"
	case ErrorCodeStreamStateError:
		return "StreamStateError"
	case ErrorCodeFinalOffsetError:
		return "FinalOffsetError"
	case ErrorCodeFrameFormatError:
		return "FrameFormatError"
	case ErrorCodeProtocolViolation:
		return "ProtocolViolation"
	case ErrorCodeApplicationError:
		return "ApplicationError"
	default:
		return "Unknown"
	}
}
