package engine

import (
	"encoding/binary"
	"fmt"

	"github.com/wippyai/wasm-usage-host/dton"
	"github.com/wippyai/wasm-usage-host/errors"
)

// Envelope layout
//
//	text:  [len u32 LE][json text, len bytes]
//	typed: [len u32 LE][tag u8 = 2][nameLen u16 LE][name + NUL, nameLen bytes][payload]
//
// len counts every byte after the header. nameLen includes the trailing NUL.
const (
	HeaderSize = 4
	// LoadFlag is passed to the guest init export. A guest that answers with
	// this bit set speaks typed envelopes; otherwise it speaks JSON text.
	LoadFlag uint32 = 0x100

	typedTag    byte = 2
	typedPrefix      = 3 // tag + name length
	maxNameLen       = 0xFFFF
)

// Memory is the view of guest linear memory the codec needs.
// api.Memory satisfies it.
type Memory interface {
	Read(offset, byteCount uint32) ([]byte, bool)
	Write(offset uint32, v []byte) bool
}

// EncodeEnvelope returns the complete envelope, header included.
// Text mode stamps name into a map payload as "$usage" when missing.
func EncodeEnvelope(name string, payload dton.Buffer, typed bool) ([]byte, error) {
	if typed {
		return encodeTyped(name, payload)
	}
	return encodeText(name, payload)
}

func encodeTyped(name string, payload dton.Buffer) ([]byte, error) {
	nameLen := len(name) + 1
	if nameLen > maxNameLen {
		return nil, errors.New(errors.PhaseEncode, errors.KindInvalidInput).
			Usage(name).
			Detail("usage name is %d bytes, limit is %d", len(name), maxNameLen-1).
			Build()
	}

	bodyLen := typedPrefix + nameLen + len(payload)
	out := make([]byte, HeaderSize+bodyLen)
	binary.LittleEndian.PutUint32(out, uint32(bodyLen))
	out[HeaderSize] = typedTag
	binary.LittleEndian.PutUint16(out[HeaderSize+1:], uint16(nameLen))
	copy(out[HeaderSize+typedPrefix:], name)
	// out[HeaderSize+typedPrefix+len(name)] is the NUL from make.
	copy(out[HeaderSize+typedPrefix+nameLen:], payload)
	return out, nil
}

func encodeText(name string, payload dton.Buffer) ([]byte, error) {
	if name != "" {
		stamped, err := payload.WithUsage(name)
		if err != nil {
			return nil, errors.New(errors.PhaseEncode, errors.KindInvalidData).
				Usage(name).
				Detail("stamp usage into payload").
				Cause(err).
				Build()
		}
		payload = stamped
	}

	text, err := payload.JSON()
	if err != nil {
		return nil, errors.InvalidData(errors.PhaseEncode, "render payload as json", err)
	}

	out := make([]byte, HeaderSize+len(text))
	binary.LittleEndian.PutUint32(out, uint32(len(text)))
	copy(out[HeaderSize:], text)
	return out, nil
}

// DecodeEnvelope parses a complete envelope. The returned payload does not
// alias data. In text mode the name is the payload's "$usage" value.
func DecodeEnvelope(data []byte, typed bool) (string, dton.Buffer, error) {
	if len(data) < HeaderSize {
		return "", nil, errors.InvalidData(errors.PhaseDecode,
			fmt.Sprintf("envelope is %d bytes, shorter than its header", len(data)), nil)
	}
	n := binary.LittleEndian.Uint32(data)
	if uint64(n) > uint64(len(data)-HeaderSize) {
		return "", nil, errors.InvalidData(errors.PhaseDecode,
			fmt.Sprintf("envelope declares %d bytes, %d available", n, len(data)-HeaderSize), nil)
	}
	body := data[HeaderSize : HeaderSize+int(n)]

	if !typed {
		payload, err := dton.FromJSON(body)
		if err != nil {
			return "", nil, errors.InvalidData(errors.PhaseDecode, "parse json envelope", err)
		}
		name, _ := payload.Usage()
		return name, payload, nil
	}

	if len(body) == 0 {
		return "", nil, nil
	}
	if len(body) < typedPrefix {
		return "", nil, errors.InvalidData(errors.PhaseDecode,
			fmt.Sprintf("typed envelope body is %d bytes", len(body)), nil)
	}
	if body[0] != typedTag {
		return "", nil, errors.New(errors.PhaseDecode, errors.KindInvalidData).
			Value(body[0]).
			Detail("unknown envelope tag %d", body[0]).
			Build()
	}
	nameLen := int(binary.LittleEndian.Uint16(body[1:]))
	if typedPrefix+nameLen > len(body) {
		return "", nil, errors.InvalidData(errors.PhaseDecode,
			fmt.Sprintf("name length %d overruns %d byte body", nameLen, len(body)), nil)
	}

	nameBytes := body[typedPrefix : typedPrefix+nameLen]
	if l := len(nameBytes); l > 0 && nameBytes[l-1] == 0 {
		nameBytes = nameBytes[:l-1]
	}
	payload := dton.Buffer(body[typedPrefix+nameLen:]).Clone()
	if payload.IsEmpty() {
		payload = nil
	}
	return string(nameBytes), payload, nil
}

// ReadEnvelope copies the envelope at ptr out of guest memory and decodes it.
// A zero pointer is the empty envelope.
func ReadEnvelope(mem Memory, ptr uint32, typed bool) (string, dton.Buffer, error) {
	if ptr == 0 {
		return "", nil, nil
	}
	header, ok := mem.Read(ptr, HeaderSize)
	if !ok {
		return "", nil, errors.OutOfBounds(errors.PhaseCall, ptr, HeaderSize)
	}
	n := binary.LittleEndian.Uint32(header)
	total := uint64(HeaderSize) + uint64(n)
	if total > uint64(^uint32(0)) {
		return "", nil, errors.OutOfBounds(errors.PhaseCall, ptr, n)
	}
	view, ok := mem.Read(ptr, uint32(total))
	if !ok {
		return "", nil, errors.OutOfBounds(errors.PhaseCall, ptr, uint32(total))
	}
	return DecodeEnvelope(view, typed)
}

// WriteEnvelope stores an encoded envelope at ptr.
func WriteEnvelope(mem Memory, ptr uint32, envelope []byte) error {
	if !mem.Write(ptr, envelope) {
		return errors.OutOfBounds(errors.PhaseCall, ptr, uint32(len(envelope)))
	}
	return nil
}

// bodyLen returns the header value of an encoded envelope, which is also the
// size requested from the guest allocator.
func bodyLen(envelope []byte) uint32 {
	return binary.LittleEndian.Uint32(envelope)
}
