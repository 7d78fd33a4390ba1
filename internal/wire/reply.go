package wire

// The functions below are the protocol-agnostic reply surface that command
// handlers in internal/cache use: each picks the BIN or RESP encoding
// based on the buffer's current protocol, so dispatch code never branches
// on protocol itself except for the one documented asymmetry (SET's OK).

// WriteNil writes "no value": BIN NIL tag, or RESP nil bulk.
func (b *Buffer) WriteNil() bool {
	if b.proto == ProtoRESP {
		return b.OutNilBulk()
	}

	return b.OutNil()
}

// WriteOK writes SET's protocol-asymmetric success reply: +OK under RESP,
// NIL under BIN. This asymmetry is deliberate (see DESIGN.md) and must be
// preserved for RESP clients, which treat a bulk nil as an error-adjacent
// "miss" rather than a command acknowledgement.
func (b *Buffer) WriteOK() bool {
	if b.proto == ProtoRESP {
		return b.OutOK()
	}

	return b.OutNil()
}

// WriteErr writes a structured error in the buffer's protocol.
func (b *Buffer) WriteErr(kind ErrKind, msg string) bool {
	if b.proto == ProtoRESP {
		return b.OutError([]byte(msg))
	}

	return b.OutErr(kind, []byte(msg))
}

// WriteStr writes a byte-string value.
func (b *Buffer) WriteStr(s []byte) bool {
	if b.proto == ProtoRESP {
		return b.OutBulk(s)
	}

	return b.OutStr(s)
}

// WriteInt writes an integer value.
func (b *Buffer) WriteInt(v int64) bool {
	if b.proto == ProtoRESP {
		return b.OutInteger(v)
	}

	return b.OutInt(v)
}

// WriteDouble writes a floating point value.
func (b *Buffer) WriteDouble(v float64) bool {
	if b.proto == ProtoRESP {
		return b.OutDouble(v)
	}

	return b.OutDbl(v)
}

// WriteArrayKnown writes an array header when the element count is already
// known, which is mandatory under RESP and also the common case under BIN.
func (b *Buffer) WriteArrayKnown(n int) bool {
	if b.proto == ProtoRESP {
		return b.OutArrayHeader(n)
	}

	return b.OutArr(uint32(n))
}

// ArrBeginStreamed starts a BIN array whose count isn't known yet; ok is
// false under RESP, where callers must collect elements first and call
// WriteArrayKnown instead.
func (b *Buffer) ArrBeginStreamed() (ArrToken, bool) {
	if b.proto == ProtoRESP {
		return 0, false
	}

	return b.OutArrBegin()
}

// ArrEndStreamed patches the count reserved by ArrBeginStreamed. No-op
// under RESP (callers never obtain a token there).
func (b *Buffer) ArrEndStreamed(tok ArrToken, n int) {
	if b.proto == ProtoRESP {
		return
	}

	b.OutArrEnd(tok, uint32(n))
}
