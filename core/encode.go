package core

import (
	"encoding/binary"
	"hash/crc32"
	"math"

	"github.com/pkg/errors"
)

// Encoded descriptor layout:
//
//	[prefetch bitmap (64)][header (28)][context records...]
//
// The header carries the record checksum. Every record starts with the
// common context header followed by the type payload and then each successor
// list (u16 length plus u32 ids) in side-table order.
const (
	PrefetchRegionSize = 64
	HeaderSize         = 28

	EncodingMagic   = 0x53544646 // "FFTS" in little endian
	EncodingVersion = 1
)

// Header is the fixed descriptor header.
type Header struct {
	Magic           uint32
	Version         uint16
	Reserved        uint16
	Count           uint32
	ReadyContextNum uint32
	AddrSize        uint64
	Checksum        uint32
}

// encoder appends little-endian fields. The first length that does not fit
// its u16 prefix is kept in err and later writes still proceed.
type encoder struct {
	buf []byte
	err error
}

func (e *encoder) u8(v uint8)   { e.buf = append(e.buf, v) }
func (e *encoder) u16(v uint16) { e.buf = binary.LittleEndian.AppendUint16(e.buf, v) }
func (e *encoder) u32(v uint32) { e.buf = binary.LittleEndian.AppendUint32(e.buf, v) }
func (e *encoder) u64(v uint64) { e.buf = binary.LittleEndian.AppendUint64(e.buf, v) }

func (e *encoder) length(n int, what string) {
	if n > math.MaxUint16 && e.err == nil {
		e.err = Internalf("%s of %d entries exceeds the u16 length prefix", what, n)
	}
	e.u16(uint16(n))
}

func (e *encoder) str(s string) {
	e.length(len(s), "string")
	e.buf = append(e.buf, s...)
}

func (e *encoder) list(l []uint32) {
	e.length(len(l), "id list")
	for _, v := range l {
		e.u32(v)
	}
}

type decoder struct {
	data []byte
	off  int
	err  error
}

func (d *decoder) need(n int) bool {
	if d.err != nil {
		return false
	}
	if d.off+n > len(d.data) {
		d.err = Malformedf("descriptor truncated at offset %d (need %d bytes)", d.off, n)
		return false
	}
	return true
}

func (d *decoder) u8() uint8 {
	if !d.need(1) {
		return 0
	}
	v := d.data[d.off]
	d.off++
	return v
}

func (d *decoder) u16() uint16 {
	if !d.need(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(d.data[d.off:])
	d.off += 2
	return v
}

func (d *decoder) u32() uint32 {
	if !d.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(d.data[d.off:])
	d.off += 4
	return v
}

func (d *decoder) u64() uint64 {
	if !d.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(d.data[d.off:])
	d.off += 8
	return v
}

func (d *decoder) str() string {
	n := int(d.u16())
	if !d.need(n) {
		return ""
	}
	s := string(d.data[d.off : d.off+n])
	d.off += n
	return s
}

func (d *decoder) list() []uint32 {
	n := int(d.u16())
	if n == 0 || !d.need(4*n) {
		return nil
	}
	out := make([]uint32, n)
	for i := range out {
		out[i] = d.u32()
	}
	return out
}

const (
	flagAten     = 1 << 0
	flagPrefetch = 1 << 1
	flagAtomic   = 1 << 2
)

// MarshalBinary encodes the descriptor with a zeroed prefetch region.
func (td *TaskDef) MarshalBinary() ([]byte, error) {
	body := &encoder{}
	for i, c := range td.Contexts {
		if c.ID != uint32(i) {
			return nil, Internalf("context at index %d carries id %d", i, c.ID)
		}
		if !c.hasPayload() {
			return nil, Internalf("context %d (%s) has no payload", c.ID, c.Type)
		}
		encodeContext(body, c)
		if body.err != nil {
			return nil, errors.WithMessagef(body.err, "context %d (%s)", c.ID, c.Type)
		}
	}

	out := &encoder{buf: make([]byte, PrefetchRegionSize, PrefetchRegionSize+HeaderSize+len(body.buf))}
	out.u32(EncodingMagic)
	out.u16(EncodingVersion)
	out.u16(0)
	out.u32(td.Len())
	out.u32(td.ReadyContextNum)
	out.u64(td.AddrSize)
	out.u32(crc32.ChecksumIEEE(body.buf))
	out.buf = append(out.buf, body.buf...)
	return out.buf, nil
}

func encodeContext(e *encoder, c *Context) {
	e.u8(uint8(c.Type))
	var flags uint8
	if c.Aten {
		flags |= flagAten
	}
	if c.Prefetch {
		flags |= flagPrefetch
	}
	if c.Kernel != nil && c.Kernel.Atomic {
		flags |= flagAtomic
	}
	e.u8(flags)
	e.u16(c.ThreadID)
	e.u16(c.ThreadDim)
	e.u16(c.WindowSize)
	e.u32(c.ID)
	e.u32(c.PredCnt)
	e.u32(c.PredCntInit)
	e.u32(c.AddrNum)
	e.str(c.Name)

	switch {
	case c.Kernel != nil:
		e.str(c.Kernel.KernelName)
		e.u32(c.Kernel.BlockDim)
		e.u16(c.Kernel.PersistentCacheMB)
	case c.Mix != nil:
		e.str(c.Mix.CubeKernel)
		e.str(c.Mix.VectorKernel)
		e.u32(c.Mix.BlockDim)
	case c.Sdma != nil:
		e.u64(c.Sdma.SrcAddr)
		e.u64(c.Sdma.DstAddr)
		e.u32(c.Sdma.Length)
	case c.Notify != nil:
		e.u32(c.Notify.NotifyID)
	case c.WriteValue != nil:
		e.u64(c.WriteValue.Addr)
		e.u64(c.WriteValue.Value)
	case c.Cache != nil:
		e.u64(c.Cache.Addr)
		e.u32(c.Cache.Length)
	case c.Label != nil:
		e.u8(uint8(c.Label.Role))
	case c.Dsa != nil:
		e.u32(c.Dsa.Op)
	case c.Aicpu != nil:
		e.str(c.Aicpu.KernelName)
		e.str(c.Aicpu.SoName)
	}

	for _, f := range fieldsOf(c) {
		e.list(*f.get(c))
	}
	if p := c.srcSlot(); p != nil {
		e.list(*p)
	}
}

// UnmarshalTaskDef decodes a descriptor produced by MarshalBinary. The
// prefetch region is validated against the decoded prefetch flags.
func UnmarshalTaskDef(data []byte) (*TaskDef, error) {
	if len(data) < PrefetchRegionSize+HeaderSize {
		return nil, Malformedf("descriptor of %d bytes is shorter than its header", len(data))
	}
	d := &decoder{data: data, off: PrefetchRegionSize}
	h := Header{
		Magic:           d.u32(),
		Version:         d.u16(),
		Reserved:        d.u16(),
		Count:           d.u32(),
		ReadyContextNum: d.u32(),
		AddrSize:        d.u64(),
		Checksum:        d.u32(),
	}
	if h.Magic != EncodingMagic {
		return nil, Malformedf("bad descriptor magic %#x", h.Magic)
	}
	if h.Version != EncodingVersion {
		return nil, Malformedf("unsupported descriptor version %d", h.Version)
	}
	if sum := crc32.ChecksumIEEE(data[d.off:]); sum != h.Checksum {
		return nil, Malformedf("descriptor checksum %#x, header says %#x", sum, h.Checksum)
	}

	td := &TaskDef{ReadyContextNum: h.ReadyContextNum, AddrSize: h.AddrSize}
	for i := uint32(0); i < h.Count; i++ {
		c := decodeContext(d)
		if d.err != nil {
			return nil, d.err
		}
		if c.ID != i {
			return nil, Malformedf("record %d carries id %d", i, c.ID)
		}
		td.Contexts = append(td.Contexts, c)
	}
	if d.off != len(data) {
		return nil, Malformedf("%d trailing bytes after %d records", len(data)-d.off, h.Count)
	}

	bm := td.PrefetchBitmap()
	for i := 0; i < PrefetchRegionSize; i++ {
		if data[i] != 0 && data[i] != bm[i] {
			return nil, Malformedf("prefetch bitmap byte %d is %#x, contexts say %#x", i, data[i], bm[i])
		}
	}
	return td, nil
}

func decodeContext(d *decoder) *Context {
	t := ContextType(d.u8())
	if d.err == nil && (t == ContextUnknown || t >= contextTypeCount) {
		d.err = Malformedf("unknown context type %d at offset %d", t, d.off-1)
		return nil
	}
	flags := d.u8()
	threadID, threadDim, window := d.u16(), d.u16(), d.u16()
	id, pred, predInit, addrNum := d.u32(), d.u32(), d.u32(), d.u32()
	c := NewContext(t, d.str())
	c.Aten = flags&flagAten != 0
	c.Prefetch = flags&flagPrefetch != 0
	c.ThreadID, c.ThreadDim, c.WindowSize = threadID, threadDim, window
	c.ID, c.PredCnt, c.PredCntInit, c.AddrNum = id, pred, predInit, addrNum

	switch {
	case c.Kernel != nil:
		c.Kernel.KernelName = d.str()
		c.Kernel.BlockDim = d.u32()
		c.Kernel.PersistentCacheMB = d.u16()
		c.Kernel.Atomic = flags&flagAtomic != 0
	case c.Mix != nil:
		c.Mix.CubeKernel = d.str()
		c.Mix.VectorKernel = d.str()
		c.Mix.BlockDim = d.u32()
	case c.Sdma != nil:
		c.Sdma.SrcAddr = d.u64()
		c.Sdma.DstAddr = d.u64()
		c.Sdma.Length = d.u32()
	case c.Notify != nil:
		c.Notify.NotifyID = d.u32()
	case c.WriteValue != nil:
		c.WriteValue.Addr = d.u64()
		c.WriteValue.Value = d.u64()
	case c.Cache != nil:
		c.Cache.Addr = d.u64()
		c.Cache.Length = d.u32()
	case c.Label != nil:
		c.Label.Role = LabelRole(d.u8())
	case c.Dsa != nil:
		c.Dsa.Op = d.u32()
	case c.Aicpu != nil:
		c.Aicpu.KernelName = d.str()
		c.Aicpu.SoName = d.str()
	}

	for _, f := range fieldsOf(c) {
		*f.get(c) = d.list()
	}
	if p := c.srcSlot(); p != nil {
		*p = d.list()
	}
	return c
}
