package guestwasm

const (
	opUnreachable byte = 0x00
	opBlock       byte = 0x02
	opLoop        byte = 0x03
	opIf          byte = 0x04
	opElse        byte = 0x05
	opEnd         byte = 0x0b
	opBr          byte = 0x0c
	opBrIf        byte = 0x0d
	opReturn      byte = 0x0f
	opCall        byte = 0x10
	opDrop        byte = 0x1a
	opLocalGet    byte = 0x20
	opLocalSet    byte = 0x21
	opLocalTee    byte = 0x22
	opGlobalGet   byte = 0x23
	opGlobalSet   byte = 0x24
	opI32Load     byte = 0x28
	opI32Load8U   byte = 0x2d
	opI32Store    byte = 0x36
	opI32Store8   byte = 0x3a
	opI32Const    byte = 0x41
	opI64Const    byte = 0x42
	opI32Eqz      byte = 0x45
	opI32Eq       byte = 0x46
	opI32Ne       byte = 0x47
	opI32GeU      byte = 0x4f
	opI32Add      byte = 0x6a
	opI32Sub      byte = 0x6b
	opI32And      byte = 0x71
	opPrefixFC    byte = 0xfc

	blockVoid   byte = 0x40
	memoryCopy       = 10 // 0xfc subopcode
)

// Code builds a function body. Methods append one instruction each and
// return the receiver for chaining.
type Code struct {
	w writer
}

// NewCode starts an empty body.
func NewCode() *Code {
	return &Code{}
}

// Bytes returns the encoded instructions.
func (c *Code) Bytes() []byte {
	return c.w.Bytes()
}

func (c *Code) op(b byte) *Code {
	c.w.Byte(b)
	return c
}

func (c *Code) opU32(b byte, v uint32) *Code {
	c.w.Byte(b)
	c.w.WriteU32(v)
	return c
}

func (c *Code) mem(b byte, align, offset uint32) *Code {
	c.w.Byte(b)
	c.w.WriteU32(align)
	c.w.WriteU32(offset)
	return c
}

func (c *Code) Unreachable() *Code       { return c.op(opUnreachable) }
func (c *Code) Block() *Code             { return c.op(opBlock).op(blockVoid) }
func (c *Code) Loop() *Code              { return c.op(opLoop).op(blockVoid) }
func (c *Code) If() *Code                { return c.op(opIf).op(blockVoid) }
func (c *Code) Else() *Code              { return c.op(opElse) }
func (c *Code) End() *Code               { return c.op(opEnd) }
func (c *Code) Br(depth uint32) *Code    { return c.opU32(opBr, depth) }
func (c *Code) BrIf(depth uint32) *Code  { return c.opU32(opBrIf, depth) }
func (c *Code) Return() *Code            { return c.op(opReturn) }
func (c *Code) Call(fn uint32) *Code     { return c.opU32(opCall, fn) }
func (c *Code) Drop() *Code              { return c.op(opDrop) }
func (c *Code) LocalGet(i uint32) *Code  { return c.opU32(opLocalGet, i) }
func (c *Code) LocalSet(i uint32) *Code  { return c.opU32(opLocalSet, i) }
func (c *Code) LocalTee(i uint32) *Code  { return c.opU32(opLocalTee, i) }
func (c *Code) GlobalGet(i uint32) *Code { return c.opU32(opGlobalGet, i) }
func (c *Code) GlobalSet(i uint32) *Code { return c.opU32(opGlobalSet, i) }
func (c *Code) I32Load() *Code           { return c.mem(opI32Load, 2, 0) }
func (c *Code) I32Load8U() *Code         { return c.mem(opI32Load8U, 0, 0) }
func (c *Code) I32Store() *Code          { return c.mem(opI32Store, 2, 0) }
func (c *Code) I32Store8() *Code         { return c.mem(opI32Store8, 0, 0) }
func (c *Code) I32Eqz() *Code            { return c.op(opI32Eqz) }
func (c *Code) I32Eq() *Code             { return c.op(opI32Eq) }
func (c *Code) I32Ne() *Code             { return c.op(opI32Ne) }
func (c *Code) I32GeU() *Code            { return c.op(opI32GeU) }
func (c *Code) I32Add() *Code            { return c.op(opI32Add) }
func (c *Code) I32Sub() *Code            { return c.op(opI32Sub) }
func (c *Code) I32And() *Code            { return c.op(opI32And) }

// I32Const pushes v.
func (c *Code) I32Const(v int32) *Code {
	c.w.Byte(opI32Const)
	c.w.WriteS64(int64(v))
	return c
}

// I64Const pushes v.
func (c *Code) I64Const(v int64) *Code {
	c.w.Byte(opI64Const)
	c.w.WriteS64(v)
	return c
}

// MemoryCopy copies within memory 0: [dst, src, n] -> [].
func (c *Code) MemoryCopy() *Code {
	c.w.Byte(opPrefixFC)
	c.w.WriteU32(memoryCopy)
	c.w.Byte(0)
	c.w.Byte(0)
	return c
}
