package packet

import (
	"encoding/binary"

	"github.com/anthropics/rrf-spi-bridge/pkg/status"
)

// The structs in this file are the "key kinds" of spec.md §4.B. Each one
// is packed by hand into its body layout: a short fixed prefix (channel,
// id, flags, numeric fields) followed by zero or more length-prefixed
// strings or blobs. Bodies never include the PacketHeader or its padding;
// Writer.Put and Decode handle that.

// --- host -> firmware ---

// CodeBody carries one parsed G/M/T-code line for the firmware to execute.
type CodeBody struct {
	Channel      Channel
	Flags        uint16
	FilePosition uint32
	Source       string
}

func (b CodeBody) Encode() []byte {
	buf := make([]byte, 0, 8+len(b.Source))
	buf = append(buf, byte(b.Channel), 0)
	var u16 [2]byte
	binary.LittleEndian.PutUint16(u16[:], b.Flags)
	buf = append(buf, u16[:]...)
	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], b.FilePosition)
	buf = append(buf, u32[:]...)
	return putString(buf, b.Source)
}

func DecodeCode(body []byte) (CodeBody, error) {
	if len(body) < 8 {
		return CodeBody{}, status.New(status.StatusCorruptPayload, "short Code body")
	}
	source, _, err := getString(body, 8)
	if err != nil {
		return CodeBody{}, err
	}
	return CodeBody{
		Channel:      Channel(body[0]),
		Flags:        binary.LittleEndian.Uint16(body[2:4]),
		FilePosition: binary.LittleEndian.Uint32(body[4:8]),
		Source:       source,
	}, nil
}

// GetObjectModelBody requests a JSON patch for Key under Flags (e.g.
// "d99f" verbosity/depth flags as RRF defines them).
type GetObjectModelBody struct {
	Key   string
	Flags string
}

func (b GetObjectModelBody) Encode() []byte {
	buf := putString(nil, b.Key)
	return putString(buf, b.Flags)
}

func DecodeGetObjectModel(body []byte) (GetObjectModelBody, error) {
	key, off, err := getString(body, 0)
	if err != nil {
		return GetObjectModelBody{}, err
	}
	flags, _, err := getString(body, off)
	if err != nil {
		return GetObjectModelBody{}, err
	}
	return GetObjectModelBody{Key: key, Flags: flags}, nil
}

// SetObjectModelValueBody writes Value to the object model at Key.
type SetObjectModelValueBody struct {
	Key   string
	Value string
}

func (b SetObjectModelValueBody) Encode() []byte {
	buf := putString(nil, b.Key)
	return putString(buf, b.Value)
}

func DecodeSetObjectModelValue(body []byte) (SetObjectModelValueBody, error) {
	key, off, err := getString(body, 0)
	if err != nil {
		return SetObjectModelValueBody{}, err
	}
	value, _, err := getString(body, off)
	if err != nil {
		return SetObjectModelValueBody{}, err
	}
	return SetObjectModelValueBody{Key: key, Value: value}, nil
}

// PrintStartedBody announces that a new print job began.
type PrintStartedBody struct {
	Filename string
}

func (b PrintStartedBody) Encode() []byte { return putString(nil, b.Filename) }

func DecodePrintStarted(body []byte) (PrintStartedBody, error) {
	name, _, err := getString(body, 0)
	return PrintStartedBody{Filename: name}, err
}

// PrintStoppedBody announces print completion or abort. Reason values are
// firmware-defined (0 = normal completion, nonzero = abort cause).
type PrintStoppedBody struct {
	Reason uint8
}

func (b PrintStoppedBody) Encode() []byte { return []byte{b.Reason} }

func DecodePrintStopped(body []byte) (PrintStoppedBody, error) {
	if len(body) < 1 {
		return PrintStoppedBody{}, status.New(status.StatusCorruptPayload, "short PrintStopped body")
	}
	return PrintStoppedBody{Reason: body[0]}, nil
}

// MacroCompletedBody signals that the macro running in the topmost frame
// of Channel has reached EOF (spec.md invariant 5: signalled at most once
// per frame — enforced by the frame, not the codec).
type MacroCompletedBody struct {
	Channel Channel
	Error   bool
}

func (b MacroCompletedBody) Encode() []byte {
	errByte := byte(0)
	if b.Error {
		errByte = 1
	}
	return []byte{byte(b.Channel), errByte}
}

func DecodeMacroCompleted(body []byte) (MacroCompletedBody, error) {
	if len(body) < 2 {
		return MacroCompletedBody{}, status.New(status.StatusCorruptPayload, "short MacroCompleted body")
	}
	return MacroCompletedBody{Channel: Channel(body[0]), Error: body[1] != 0}, nil
}

// ResetAllBody carries no data; it is the daemon's clean-shutdown and
// recovery signal (spec.md §5 Cancellation, §4.D Startup).
type ResetAllBody struct{}

func (ResetAllBody) Encode() []byte { return nil }

// ReplyBody is the host's answer to a firmware prompt (e.g. an M291 user
// confirmation), keyed by the id the firmware used to ask.
type ReplyBody struct {
	Channel Channel
	ID      uint16
	Content string
}

func (b ReplyBody) Encode() []byte {
	buf := make([]byte, 0, 3+len(b.Content))
	buf = append(buf, byte(b.Channel), 0)
	var u16 [2]byte
	binary.LittleEndian.PutUint16(u16[:], b.ID)
	buf = append(buf, u16[:]...)
	return putString(buf, b.Content)
}

func DecodeReply(body []byte) (ReplyBody, error) {
	if len(body) < 4 {
		return ReplyBody{}, status.New(status.StatusCorruptPayload, "short Reply body")
	}
	content, _, err := getString(body, 4)
	if err != nil {
		return ReplyBody{}, err
	}
	return ReplyBody{Channel: Channel(body[0]), ID: binary.LittleEndian.Uint16(body[2:4]), Content: content}, nil
}

// LockMovementAndWaitForStandstillBody requests the firmware's global
// motion lock on behalf of Channel (spec.md §4.C "Lock semantics").
type LockMovementAndWaitForStandstillBody struct {
	Channel Channel
}

func (b LockMovementAndWaitForStandstillBody) Encode() []byte { return []byte{byte(b.Channel), 0} }

func DecodeLockMovementAndWaitForStandstill(body []byte) (LockMovementAndWaitForStandstillBody, error) {
	if len(body) < 1 {
		return LockMovementAndWaitForStandstillBody{}, status.New(status.StatusCorruptPayload, "short lock body")
	}
	return LockMovementAndWaitForStandstillBody{Channel: Channel(body[0])}, nil
}

// UnlockBody releases a previously granted motion lock for Channel.
type UnlockBody struct {
	Channel Channel
}

func (b UnlockBody) Encode() []byte { return []byte{byte(b.Channel), 0} }

func DecodeUnlock(body []byte) (UnlockBody, error) {
	if len(body) < 1 {
		return UnlockBody{}, status.New(status.StatusCorruptPayload, "short unlock body")
	}
	return UnlockBody{Channel: Channel(body[0])}, nil
}

// StartPluginBody asks the firmware side to start a named plugin DSF
// component (external collaborator, named only to identify the boundary
// per spec.md §1).
type StartPluginBody struct {
	Name string
}

func (b StartPluginBody) Encode() []byte { return putString(nil, b.Name) }

func DecodeStartPlugin(body []byte) (StartPluginBody, error) {
	name, _, err := getString(body, 0)
	return StartPluginBody{Name: name}, err
}

// SetPrintFileInfoBody sends parsed file-info metadata ahead of a print.
type SetPrintFileInfoBody struct {
	Filename string
	Size     uint32
}

func (b SetPrintFileInfoBody) Encode() []byte {
	buf := putString(nil, b.Filename)
	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], b.Size)
	return append(buf, u32[:]...)
}

func DecodeSetPrintFileInfo(body []byte) (SetPrintFileInfoBody, error) {
	name, off, err := getString(body, 0)
	if err != nil {
		return SetPrintFileInfoBody{}, err
	}
	if off+4 > len(body) {
		return SetPrintFileInfoBody{}, status.New(status.StatusCorruptPayload, "short SetPrintFileInfo body")
	}
	return SetPrintFileInfoBody{Filename: name, Size: binary.LittleEndian.Uint32(body[off : off+4])}, nil
}

// EvaluateExpressionBody asks the firmware to evaluate a conditional
// G-code expression (if/elif/while) on Channel's behalf.
type EvaluateExpressionBody struct {
	Channel    Channel
	ID         uint16
	Expression string
}

func (b EvaluateExpressionBody) Encode() []byte {
	buf := make([]byte, 0, 4+len(b.Expression))
	buf = append(buf, byte(b.Channel), 0)
	var u16 [2]byte
	binary.LittleEndian.PutUint16(u16[:], b.ID)
	buf = append(buf, u16[:]...)
	return putString(buf, b.Expression)
}

func DecodeEvaluateExpression(body []byte) (EvaluateExpressionBody, error) {
	if len(body) < 4 {
		return EvaluateExpressionBody{}, status.New(status.StatusCorruptPayload, "short EvaluateExpression body")
	}
	expr, _, err := getString(body, 4)
	if err != nil {
		return EvaluateExpressionBody{}, err
	}
	return EvaluateExpressionBody{Channel: Channel(body[0]), ID: binary.LittleEndian.Uint16(body[2:4]), Expression: expr}, nil
}

// FileChunkBody is the host's response to a firmware FileChunkRequest,
// streaming one chunk of a macro/print file back to the firmware.
type FileChunkBody struct {
	Channel Channel
	Offset  uint32
	Data    []byte
	EOF     bool
}

func (b FileChunkBody) Encode() []byte {
	eofByte := byte(0)
	if b.EOF {
		eofByte = 1
	}
	buf := make([]byte, 0, 8+len(b.Data))
	buf = append(buf, byte(b.Channel), eofByte)
	var u16 [2]byte
	binary.LittleEndian.PutUint16(u16[:], uint16(len(b.Data)))
	buf = append(buf, u16[:]...)
	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], b.Offset)
	buf = append(buf, u32[:]...)
	return append(buf, b.Data...)
}

func DecodeFileChunk(body []byte) (FileChunkBody, error) {
	if len(body) < 8 {
		return FileChunkBody{}, status.New(status.StatusCorruptPayload, "short FileChunk body")
	}
	n := int(binary.LittleEndian.Uint16(body[2:4]))
	if 8+n > len(body) {
		return FileChunkBody{}, status.New(status.StatusCorruptPayload, "FileChunk data overruns body")
	}
	return FileChunkBody{
		Channel: Channel(body[0]),
		EOF:     body[1] != 0,
		Offset:  binary.LittleEndian.Uint32(body[4:8]),
		Data:    append([]byte(nil), body[8:8+n]...),
	}, nil
}

// --- firmware -> host ---

// ObjectModelBody carries a raw JSON object-model patch produced by the
// firmware, forwarded verbatim to the object-model mirror collaborator.
type ObjectModelBody struct {
	Patch []byte
}

func DecodeObjectModel(body []byte) (ObjectModelBody, error) {
	return ObjectModelBody{Patch: append([]byte(nil), body...)}, nil
}

// CodeBufferUpdateBody reports remaining firmware input-buffer space. The
// Processor records it but does not use it in its byte budget.
type CodeBufferUpdateBody struct {
	BufferSpace uint16
}

func DecodeCodeBufferUpdate(body []byte) (CodeBufferUpdateBody, error) {
	if len(body) < 2 {
		return CodeBufferUpdateBody{}, status.New(status.StatusCorruptPayload, "short CodeBufferUpdate body")
	}
	return CodeBufferUpdateBody{BufferSpace: binary.LittleEndian.Uint16(body[0:2])}, nil
}

// CodeReplyBody is the firmware's answer to a previously pushed Code,
// matched by ID within Channel (spec.md §4.C "Ordering").
type CodeReplyBody struct {
	Channel Channel
	ID      uint16
	Flags   uint16
	Content string
}

func DecodeCodeReply(body []byte) (CodeReplyBody, error) {
	if len(body) < 6 {
		return CodeReplyBody{}, status.New(status.StatusCorruptPayload, "short CodeReply body")
	}
	content, _, err := getString(body, 6)
	if err != nil {
		return CodeReplyBody{}, err
	}
	return CodeReplyBody{
		Channel: Channel(body[0]),
		ID:      binary.LittleEndian.Uint16(body[2:4]),
		Flags:   binary.LittleEndian.Uint16(body[4:6]),
		Content: content,
	}, nil
}

// MacroRequestBody asks the host to push a macro frame on Channel.
type MacroRequestBody struct {
	Channel  Channel
	FromCode bool
	Filename string
}

func DecodeMacroRequest(body []byte) (MacroRequestBody, error) {
	if len(body) < 2 {
		return MacroRequestBody{}, status.New(status.StatusCorruptPayload, "short MacroRequest body")
	}
	name, _, err := getString(body, 2)
	if err != nil {
		return MacroRequestBody{}, err
	}
	return MacroRequestBody{Channel: Channel(body[0]), FromCode: body[1] != 0, Filename: name}, nil
}

// AbortFileBody asks the host to abort the running file on Channel.
type AbortFileBody struct {
	Channel  Channel
	AbortAll bool
}

func DecodeAbortFile(body []byte) (AbortFileBody, error) {
	if len(body) < 2 {
		return AbortFileBody{}, status.New(status.StatusCorruptPayload, "short AbortFile body")
	}
	return AbortFileBody{Channel: Channel(body[0]), AbortAll: body[1] != 0}, nil
}

// PrintPausedBody reports that the firmware paused the active print.
type PrintPausedBody struct {
	FilePosition uint32
	Reason       uint8
}

func DecodePrintPaused(body []byte) (PrintPausedBody, error) {
	if len(body) < 5 {
		return PrintPausedBody{}, status.New(status.StatusCorruptPayload, "short PrintPaused body")
	}
	return PrintPausedBody{FilePosition: binary.LittleEndian.Uint32(body[0:4]), Reason: body[4]}, nil
}

// MessageBody is a firmware log/console message, forwarded to logging.
type MessageBody struct {
	Flags   uint16
	Content string
}

func DecodeMessage(body []byte) (MessageBody, error) {
	if len(body) < 2 {
		return MessageBody{}, status.New(status.StatusCorruptPayload, "short Message body")
	}
	content, _, err := getString(body, 2)
	if err != nil {
		return MessageBody{}, err
	}
	return MessageBody{Flags: binary.LittleEndian.Uint16(body[0:2]), Content: content}, nil
}

// ExecuteMacroBody asks the host to push a new macro frame (distinct from
// MacroRequest in that the firmware has already decided the filename and
// isn't waiting on a host-side lookup).
type ExecuteMacroBody struct {
	Channel  Channel
	Filename string
}

func DecodeExecuteMacro(body []byte) (ExecuteMacroBody, error) {
	if len(body) < 1 {
		return ExecuteMacroBody{}, status.New(status.StatusCorruptPayload, "short ExecuteMacro body")
	}
	name, _, err := getString(body, 1)
	if err != nil {
		return ExecuteMacroBody{}, err
	}
	return ExecuteMacroBody{Channel: Channel(body[0]), Filename: name}, nil
}

// ResourceLockedBody resolves a pending lock waiter for Channel.
type ResourceLockedBody struct {
	Channel Channel
}

func DecodeResourceLocked(body []byte) (ResourceLockedBody, error) {
	if len(body) < 1 {
		return ResourceLockedBody{}, status.New(status.StatusCorruptPayload, "short ResourceLocked body")
	}
	return ResourceLockedBody{Channel: Channel(body[0])}, nil
}

// FileChunkRequestBody asks the host to stream a chunk of a file back via
// FileChunkBody.
type FileChunkRequestBody struct {
	Channel   Channel
	Offset    uint32
	MaxLength uint32
	Filename  string
}

func DecodeFileChunkRequest(body []byte) (FileChunkRequestBody, error) {
	if len(body) < 9 {
		return FileChunkRequestBody{}, status.New(status.StatusCorruptPayload, "short FileChunkRequest body")
	}
	name, _, err := getString(body, 9)
	if err != nil {
		return FileChunkRequestBody{}, err
	}
	return FileChunkRequestBody{
		Channel:   Channel(body[0]),
		Offset:    binary.LittleEndian.Uint32(body[1:5]),
		MaxLength: binary.LittleEndian.Uint32(body[5:9]),
		Filename:  name,
	}, nil
}

// EvaluationResultBody answers a previously sent EvaluateExpressionBody.
type EvaluationResultBody struct {
	Channel Channel
	ID      uint16
	Error   bool
	Result  string
}

func DecodeEvaluationResult(body []byte) (EvaluationResultBody, error) {
	if len(body) < 4 {
		return EvaluationResultBody{}, status.New(status.StatusCorruptPayload, "short EvaluationResult body")
	}
	result, _, err := getString(body, 4)
	if err != nil {
		return EvaluationResultBody{}, err
	}
	return EvaluationResultBody{
		Channel: Channel(body[0]),
		Error:   body[1] != 0,
		ID:      binary.LittleEndian.Uint16(body[2:4]),
		Result:  result,
	}, nil
}

// DoCodeBody asks the host to execute an arbitrary code string on Channel
// on the firmware's behalf (e.g. a daemon-triggered macro line).
type DoCodeBody struct {
	Channel Channel
	Code    string
}

func DecodeDoCode(body []byte) (DoCodeBody, error) {
	if len(body) < 1 {
		return DoCodeBody{}, status.New(status.StatusCorruptPayload, "short DoCode body")
	}
	code, _, err := getString(body, 1)
	if err != nil {
		return DoCodeBody{}, err
	}
	return DoCodeBody{Channel: Channel(body[0]), Code: code}, nil
}
