package packet

// Decoded is one fully-typed packet pulled out of a transfer payload: its
// header (for ID/resend bookkeeping) and its kind-specific body as an
// interface{} produced by the decode table below. Callers type-switch on
// Body.
type Decoded struct {
	Header PacketHeader
	Kind   Kind
	Body   interface{}
}

type decodeFunc func([]byte) (interface{}, error)

var decodeTable = map[Kind]decodeFunc{
	KindCode:                             func(b []byte) (interface{}, error) { return DecodeCode(b) },
	KindGetObjectModel:                   func(b []byte) (interface{}, error) { return DecodeGetObjectModel(b) },
	KindSetObjectModelValue:              func(b []byte) (interface{}, error) { return DecodeSetObjectModelValue(b) },
	KindPrintStarted:                     func(b []byte) (interface{}, error) { return DecodePrintStarted(b) },
	KindPrintStopped:                     func(b []byte) (interface{}, error) { return DecodePrintStopped(b) },
	KindMacroCompleted:                   func(b []byte) (interface{}, error) { return DecodeMacroCompleted(b) },
	KindReply:                            func(b []byte) (interface{}, error) { return DecodeReply(b) },
	KindLockMovementAndWaitForStandstill: func(b []byte) (interface{}, error) { return DecodeLockMovementAndWaitForStandstill(b) },
	KindUnlock:                           func(b []byte) (interface{}, error) { return DecodeUnlock(b) },
	KindStartPlugin:                      func(b []byte) (interface{}, error) { return DecodeStartPlugin(b) },
	KindSetPrintFileInfo:                 func(b []byte) (interface{}, error) { return DecodeSetPrintFileInfo(b) },
	KindEvaluateExpression:               func(b []byte) (interface{}, error) { return DecodeEvaluateExpression(b) },
	KindFileChunk:                        func(b []byte) (interface{}, error) { return DecodeFileChunk(b) },

	KindObjectModel:      func(b []byte) (interface{}, error) { return DecodeObjectModel(b) },
	KindCodeBufferUpdate: func(b []byte) (interface{}, error) { return DecodeCodeBufferUpdate(b) },
	KindCodeReply:        func(b []byte) (interface{}, error) { return DecodeCodeReply(b) },
	KindMacroRequest:     func(b []byte) (interface{}, error) { return DecodeMacroRequest(b) },
	KindAbortFile:        func(b []byte) (interface{}, error) { return DecodeAbortFile(b) },
	KindPrintPaused:      func(b []byte) (interface{}, error) { return DecodePrintPaused(b) },
	KindMessage:          func(b []byte) (interface{}, error) { return DecodeMessage(b) },
	KindExecuteMacro:     func(b []byte) (interface{}, error) { return DecodeExecuteMacro(b) },
	KindResourceLocked:   func(b []byte) (interface{}, error) { return DecodeResourceLocked(b) },
	KindFileChunkRequest: func(b []byte) (interface{}, error) { return DecodeFileChunkRequest(b) },
	KindEvaluationResult: func(b []byte) (interface{}, error) { return DecodeEvaluationResult(b) },
	KindDoCode:           func(b []byte) (interface{}, error) { return DecodeDoCode(b) },
}

// Encoder is implemented by every host->firmware body type.
type Encoder interface {
	Encode() []byte
}

// DecodeAll decodes every packet in payload. Unknown kinds are skipped
// (the caller should log them) rather than failing the whole payload,
// per spec.md §4.B "Decoding rules"; a structurally corrupt payload
// (header or length overrun) still fails the whole decode via the error
// return, since that is the rule for malformed framing, not unknown tags.
func DecodeAll(payload []byte, numPackets uint8, onUnknown func(kind Kind)) ([]Decoded, error) {
	raws, err := Decode(payload, numPackets)
	if err != nil {
		return nil, err
	}

	out := make([]Decoded, 0, len(raws))
	for _, raw := range raws {
		kind := Kind(raw.Header.Request)
		fn, ok := decodeTable[kind]
		if !ok {
			if onUnknown != nil {
				onUnknown(kind)
			}
			continue
		}
		body, err := fn(raw.Body)
		if err != nil {
			return nil, err
		}
		out = append(out, Decoded{Header: raw.Header, Kind: kind, Body: body})
	}
	return out, nil
}
