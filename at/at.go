package at

import "fmt"

const (
	// Terminal Control
	CR   = "\r"
	LF   = "\n"
	CRLF = "\r\n"

	// Response Codes
	OK    = "OK"
	ERROR = "ERROR"

	// CrcPrefix starts the checksum tail that follows a terminal sentinel
	// when CRC is enabled.
	CrcPrefix = "*"
)

// Commands issued by the modem package. Parameterised commands are built
// with fmt at the call site.
const (
	CmdAt            = "AT"
	CmdInit          = "ATZ;E1;V1;Q0"
	CmdLastError     = "ATS80?"
	CmdCrc           = "AT%CRC="
	CmdMobileID      = "AT+GSN"
	CmdVersions      = "AT+GMR"
	CmdManufacturer  = "ATI0"
	CmdModel         = "ATI4"
	CmdFactory       = "AT&F"
	CmdSave          = "AT&W"
	CmdUTC           = "AT%UTC"
	CmdShutdown      = "AT%OFF"
	CmdMOSubmit      = "AT%MGRT"
	CmdMOState       = "AT%MGRS"
	CmdMOCancel      = "AT%MGRC"
	CmdMOList        = "AT%MGRL"
	CmdMTList        = "AT%MGFN"
	CmdMTGet         = "AT%MGFG"
	CmdMTDelete      = "AT%MGFM"
	CmdEventMonitor  = "AT%EVMON"
	CmdEventGet      = "AT%EVNT"
	CmdGNSS          = "AT%GPS"
	CmdSatelliteCtrl = "ATS90=3 S91=1 S92=1 S116? S122? S123? S90=3 S91=5 S92=1 S102?"
)

// Response prefixes of structured replies.
const (
	RespMOState      = "%MGRS:"
	RespMOList       = "%MGRL:"
	RespMTList       = "%MGFN:"
	RespMTGet        = "%MGFG:"
	RespEventMonitor = "%EVMON:"
	RespEventGet     = "%EVNT:"
	RespUTC          = "%UTC:"
	RespGNSS         = "%GPS:"
)

type ResponseType int

const (
	TypeFinal ResponseType = iota // OK, ERROR
	TypeData                      // Intermediate command output (%MGRS: ...)
	TypeCrc                       // Checksum tail (*1A2B)
	TypeBlank                     // Empty separator line
)

// ResultCode is the numeric cause reported in S80 after an ERROR.
type ResultCode int

const (
	ResultOK                        ResultCode = 0
	ResultError                     ResultCode = 4
	ResultInvalidCrcSequence        ResultCode = 100
	ResultUnknownCommand            ResultCode = 101
	ResultInvalidCommandParameters  ResultCode = 102
	ResultMessageLengthExceedsFmt   ResultCode = 103
	ResultSystemError               ResultCode = 105
	ResultQueueInsufficientResource ResultCode = 106
	ResultMessageNameInUse          ResultCode = 107
	ResultTimeoutOccurred           ResultCode = 108
	ResultUnavailable               ResultCode = 109
	ResultWriteReadOnlyParameter    ResultCode = 112
)

var resultNames = map[ResultCode]string{
	ResultOK:                        "OK",
	ResultError:                     "ERROR",
	ResultInvalidCrcSequence:        "INVALID_CRC_SEQUENCE",
	ResultUnknownCommand:            "UNKNOWN_COMMAND",
	ResultInvalidCommandParameters:  "INVALID_COMMAND_PARAMETERS",
	ResultMessageLengthExceedsFmt:   "MESSAGE_LENGTH_EXCEEDS_FORMAT_SIZE",
	104:                             "RESERVED",
	ResultSystemError:               "SYSTEM_ERROR",
	ResultQueueInsufficientResource: "QUEUE_INSUFFICIENT_RESOURCES",
	ResultMessageNameInUse:          "MESSAGE_NAME_ALREADY_IN_USE",
	ResultTimeoutOccurred:           "TIMEOUT_OCCURRED",
	ResultUnavailable:               "UNAVAILABLE",
	110:                             "RESERVED",
	111:                             "RESERVED",
	ResultWriteReadOnlyParameter:    "ATTEMPT_TO_WRITE_READ_ONLY_PARAMETER",
}

func (c ResultCode) String() string {
	if name, ok := resultNames[c]; ok {
		return name
	}
	return fmt.Sprintf("UNDEFINED(%d)", int(c))
}
