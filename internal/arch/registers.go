package arch

import "encoding/binary"

// RegistersSize is the size of the block written by pushad.
const RegistersSize = 32

// GeneralRegisters mirrors the pushad block, lowest address first.
type GeneralRegisters struct {
	EDI uint32
	ESI uint32
	EBP uint32
	ESP uint32 // value before pushad; ignored by popad
	EBX uint32
	EDX uint32
	ECX uint32
	EAX uint32
}

func (r *GeneralRegisters) slots() [8]*uint32 {
	return [8]*uint32{&r.EDI, &r.ESI, &r.EBP, &r.ESP, &r.EBX, &r.EDX, &r.ECX, &r.EAX}
}

// EncodeRegisters returns the in-memory form of r.
func EncodeRegisters(r GeneralRegisters) [RegistersSize]byte {
	var b [RegistersSize]byte
	for i, p := range r.slots() {
		binary.LittleEndian.PutUint32(b[i*4:], *p)
	}
	return b
}

// DecodeRegisters parses a pushad block.
func DecodeRegisters(b []byte) GeneralRegisters {
	_ = b[RegistersSize-1]
	var r GeneralRegisters
	for i, p := range r.slots() {
		*p = binary.LittleEndian.Uint32(b[i*4:])
	}
	return r
}

// LoadRegisters reads the register block at addr.
func LoadRegisters(mem Memory, addr uint32) GeneralRegisters {
	var b [RegistersSize]byte
	mem.Read(addr, b[:])
	return DecodeRegisters(b[:])
}

// StoreRegisters writes r as a register block at addr.
func StoreRegisters(mem Memory, addr uint32, r GeneralRegisters) {
	b := EncodeRegisters(r)
	mem.Write(addr, b[:])
}

// RegisterLayout lists the register block slots, lowest address first.
var RegisterLayout = []Field{
	{Name: "EDI", Offset: 0, Size: 4},
	{Name: "ESI", Offset: 4, Size: 4},
	{Name: "EBP", Offset: 8, Size: 4},
	{Name: "ESP", Offset: 12, Size: 4},
	{Name: "EBX", Offset: 16, Size: 4},
	{Name: "EDX", Offset: 20, Size: 4},
	{Name: "ECX", Offset: 24, Size: 4},
	{Name: "EAX", Offset: 28, Size: 4},
}
