package packet

// ResponseCode is the 4-byte value exchanged at the header-response and
// payload-response steps of a transfer (spec.md §4.A).
type ResponseCode uint32

const (
	ResponseSuccess ResponseCode = iota
	ResponseBadFormat
	ResponseBadProtocolVersion
	ResponseBadHeaderChecksum
	ResponseBadDataChecksum
	ResponseBadResponse
)

func (r ResponseCode) String() string {
	switch r {
	case ResponseSuccess:
		return "Success"
	case ResponseBadFormat:
		return "BadFormat"
	case ResponseBadProtocolVersion:
		return "BadProtocolVersion"
	case ResponseBadHeaderChecksum:
		return "BadHeaderChecksum"
	case ResponseBadDataChecksum:
		return "BadDataChecksum"
	case ResponseBadResponse:
		return "BadResponse"
	default:
		return "Unknown"
	}
}

// Kind tags each packet's request field (spec.md §3 PacketHeader.request).
// The exact tag values are an internal negotiation detail between this
// host and the firmware it talks to; what matters is that each value is
// unique and stable across a protocol version.
type Kind uint16

// Host -> firmware kinds (spec.md §4.B).
const (
	KindCode Kind = iota + 1
	KindGetObjectModel
	KindSetObjectModelValue
	KindPrintStarted
	KindPrintStopped
	KindMacroCompleted
	KindResetAll
	KindReply
	KindLockMovementAndWaitForStandstill
	KindUnlock
	KindStartPlugin
	KindSetPrintFileInfo
	KindEvaluateExpression
	KindFileChunk // host's response to a firmware FileChunkRequest
)

// Firmware -> host kinds.
const (
	KindObjectModel Kind = iota + 100
	KindCodeBufferUpdate
	KindCodeReply
	KindMacroRequest
	KindAbortFile
	KindPrintPaused
	KindMessage
	KindExecuteMacro
	KindResourceLocked
	KindFileChunkRequest
	KindEvaluationResult
	KindDoCode
)

var kindNames = map[Kind]string{
	KindCode:                             "Code",
	KindGetObjectModel:                   "GetObjectModel",
	KindSetObjectModelValue:              "SetObjectModelValue",
	KindPrintStarted:                     "PrintStarted",
	KindPrintStopped:                     "PrintStopped",
	KindMacroCompleted:                   "MacroCompleted",
	KindResetAll:                         "ResetAll",
	KindReply:                            "Reply",
	KindLockMovementAndWaitForStandstill: "LockMovementAndWaitForStandstill",
	KindUnlock:                           "Unlock",
	KindStartPlugin:                      "StartPlugin",
	KindSetPrintFileInfo:                 "SetPrintFileInfo",
	KindEvaluateExpression:               "EvaluateExpression",
	KindFileChunk:                        "FileChunk",
	KindObjectModel:                      "ObjectModel",
	KindCodeBufferUpdate:                 "CodeBufferUpdate",
	KindCodeReply:                        "CodeReply",
	KindMacroRequest:                     "MacroRequest",
	KindAbortFile:                        "AbortFile",
	KindPrintPaused:                      "PrintPaused",
	KindMessage:                          "Message",
	KindExecuteMacro:                     "ExecuteMacro",
	KindResourceLocked:                   "ResourceLocked",
	KindFileChunkRequest:                 "FileChunkRequest",
	KindEvaluationResult:                 "EvaluationResult",
	KindDoCode:                           "DoCode",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "Unknown"
}

// Channel identifies a logical code channel (spec.md §3).
type Channel uint8

const (
	ChannelHTTP Channel = iota
	ChannelTelnet
	ChannelFile
	ChannelUSB
	ChannelAux
	ChannelDaemon
	ChannelTrigger
	ChannelQueue
	ChannelLCD
	ChannelSBC
	ChannelAutoPause
	ChannelUnknown
)

var channelNames = map[Channel]string{
	ChannelHTTP:      "HTTP",
	ChannelTelnet:    "Telnet",
	ChannelFile:      "File",
	ChannelUSB:       "USB",
	ChannelAux:       "Aux",
	ChannelDaemon:    "Daemon",
	ChannelTrigger:   "Trigger",
	ChannelQueue:     "Queue",
	ChannelLCD:       "LCD",
	ChannelSBC:       "SBC",
	ChannelAutoPause: "AutoPause",
	ChannelUnknown:   "Unknown",
}

func (c Channel) String() string {
	if name, ok := channelNames[c]; ok {
		return name
	}
	return "Unknown"
}

// AllChannels lists the ~12 channels multiplexed onto one transfer link,
// in scheduling order (spec.md §3).
var AllChannels = []Channel{
	ChannelHTTP, ChannelTelnet, ChannelFile, ChannelUSB, ChannelAux,
	ChannelDaemon, ChannelTrigger, ChannelQueue, ChannelLCD, ChannelSBC,
	ChannelAutoPause,
}

// ParseChannel reverses Channel.String, for callers (pkg/ipc) that accept
// channel names over the wire instead of raw numeric ids.
func ParseChannel(name string) (Channel, bool) {
	for c, n := range channelNames {
		if n == name {
			return c, true
		}
	}
	return ChannelUnknown, false
}
