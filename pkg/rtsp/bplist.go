package rtsp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// bplist00 is the binary property list format AirPlay2 uses for every
// structured RTSP body (§6: "application/x-apple-binary-plist"). No pack
// example carries a plist codec — Apple's property-list libraries have no
// open-source Go equivalent in the dependency pack — so this is a direct,
// from-scratch reader/writer of the documented format (magic, object table,
// offset table, trailer), decoded into plain Go values:
//
//	dict  -> map[string]any
//	array -> []any
//	data  -> []byte
//	string -> string
//	int   -> int64
//	real  -> float64
//	bool  -> bool

var bplistMagic = []byte("bplist00")

// decodeBPlist parses a complete bplist00 document into its top-level value.
func decodeBPlist(buf []byte) (any, error) {
	if len(buf) < 40 || !bytes.HasPrefix(buf, bplistMagic) {
		return nil, fmt.Errorf("rtsp: not a bplist00 document")
	}

	trailer := buf[len(buf)-32:]
	offsetIntSize := int(trailer[6])
	objectRefSize := int(trailer[7])
	numObjects := int(binary.BigEndian.Uint64(trailer[8:16]))
	topObject := int(binary.BigEndian.Uint64(trailer[16:24]))
	offsetTableOffset := int(binary.BigEndian.Uint64(trailer[24:32]))

	if offsetIntSize == 0 || objectRefSize == 0 || numObjects == 0 {
		return nil, fmt.Errorf("rtsp: malformed bplist00 trailer")
	}

	offsets := make([]int, numObjects)
	for i := 0; i < numObjects; i++ {
		off := offsetTableOffset + i*offsetIntSize
		if off+offsetIntSize > len(buf) {
			return nil, fmt.Errorf("rtsp: bplist00 offset table out of range")
		}
		offsets[i] = int(readUintBE(buf[off : off+offsetIntSize]))
	}

	d := &bplistDecoder{buf: buf, offsets: offsets, refSize: objectRefSize}
	return d.object(topObject)
}

func readUintBE(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

type bplistDecoder struct {
	buf     []byte
	offsets []int
	refSize int
}

func (d *bplistDecoder) refAt(off int, i int) int {
	start := off + i*d.refSize
	return int(readUintBE(d.buf[start : start+d.refSize]))
}

func (d *bplistDecoder) object(index int) (any, error) {
	if index < 0 || index >= len(d.offsets) {
		return nil, fmt.Errorf("rtsp: bplist00 object index out of range")
	}
	off := d.offsets[index]
	if off >= len(d.buf) {
		return nil, fmt.Errorf("rtsp: bplist00 object offset out of range")
	}
	marker := d.buf[off]
	kind := marker >> 4
	extra := marker & 0x0F

	switch kind {
	case 0x0:
		switch marker {
		case 0x08:
			return false, nil
		case 0x09:
			return true, nil
		default:
			return nil, nil
		}
	case 0x1:
		n := 1 << extra
		return int64(readUintBE(d.buf[off+1 : off+1+n])), nil
	case 0x2:
		if extra == 3 {
			bits := binary.BigEndian.Uint64(d.buf[off+1 : off+9])
			return math.Float64frombits(bits), nil
		}
		bits := binary.BigEndian.Uint32(d.buf[off+1 : off+5])
		return float64(math.Float32frombits(bits)), nil
	case 0x3: // date: treated as the raw seconds-since-2001 float
		bits := binary.BigEndian.Uint64(d.buf[off+1 : off+9])
		return math.Float64frombits(bits), nil
	case 0x4: // data
		length, body := d.lengthAndBody(off, extra)
		return append([]byte(nil), d.buf[body:body+length]...), nil
	case 0x5: // ASCII string
		length, body := d.lengthAndBody(off, extra)
		return string(d.buf[body : body+length]), nil
	case 0x6: // UTF-16BE string
		length, body := d.lengthAndBody(off, extra)
		return decodeUTF16BE(d.buf[body : body+length*2]), nil
	case 0xA: // array
		count, body := d.lengthAndBody(off, extra)
		out := make([]any, count)
		for i := 0; i < count; i++ {
			obj, err := d.object(d.refAt(body, i))
			if err != nil {
				return nil, err
			}
			out[i] = obj
		}
		return out, nil
	case 0xD: // dict
		count, body := d.lengthAndBody(off, extra)
		out := make(map[string]any, count)
		for i := 0; i < count; i++ {
			keyObj, err := d.object(d.refAt(body, i))
			if err != nil {
				return nil, err
			}
			key, ok := keyObj.(string)
			if !ok {
				return nil, fmt.Errorf("rtsp: bplist00 dict key not a string")
			}
			valObj, err := d.object(d.refAt(body, count+i))
			if err != nil {
				return nil, err
			}
			out[key] = valObj
		}
		return out, nil
	default:
		return nil, fmt.Errorf("rtsp: unsupported bplist00 object marker 0x%02x", marker)
	}
}

// lengthAndBody returns the element/byte count and the offset of the first
// byte past the marker (and past the overflow-length int object, if any).
func (d *bplistDecoder) lengthAndBody(off int, extra byte) (int, int) {
	if extra != 0x0F {
		return int(extra), off + 1
	}
	// Overflow form: marker byte, then an int object encoding the real length.
	lenMarker := d.buf[off+1]
	n := 1 << (lenMarker & 0x0F)
	length := int(readUintBE(d.buf[off+2 : off+2+n]))
	return length, off + 2 + n
}

func decodeUTF16BE(b []byte) string {
	units := make([]uint16, len(b)/2)
	for i := range units {
		units[i] = binary.BigEndian.Uint16(b[2*i:])
	}
	return string(utf16Decode(units))
}

func utf16Decode(units []uint16) []rune {
	var out []rune
	for i := 0; i < len(units); i++ {
		r := units[i]
		if r >= 0xD800 && r <= 0xDBFF && i+1 < len(units) {
			r2 := units[i+1]
			if r2 >= 0xDC00 && r2 <= 0xDFFF {
				out = append(out, ((rune(r)-0xD800)<<10|(rune(r2)-0xDC00))+0x10000)
				i++
				continue
			}
		}
		out = append(out, rune(r))
	}
	return out
}

// encodeBPlist serializes v (built from the same plain-Go-value model as
// decodeBPlist) into a bplist00 document.
func encodeBPlist(v any) ([]byte, error) {
	e := &bplistEncoder{}
	top := e.addObject(v)
	return e.finish(top)
}

type bplistEncoder struct {
	objects [][]byte
	pending []pendingCollection
}

func (e *bplistEncoder) addObject(v any) int {
	switch t := v.(type) {
	case nil:
		return e.push([]byte{0x00})
	case bool:
		if t {
			return e.push([]byte{0x09})
		}
		return e.push([]byte{0x08})
	case int:
		return e.addInt(int64(t))
	case int64:
		return e.addInt(t)
	case uint32:
		return e.addInt(int64(t))
	case uint64:
		return e.addInt(int64(t))
	case float64:
		buf := make([]byte, 9)
		buf[0] = 0x23
		binary.BigEndian.PutUint64(buf[1:], math.Float64bits(t))
		return e.push(buf)
	case string:
		return e.addString(t)
	case []byte:
		return e.addData(t)
	case []any:
		return e.addArray(t)
	case map[string]any:
		return e.addDict(t)
	default:
		// Unknown Go types serialize as their string form rather than
		// failing the whole response — a defensive fallback only.
		return e.addString(fmt.Sprintf("%v", t))
	}
}

func (e *bplistEncoder) push(b []byte) int {
	e.objects = append(e.objects, b)
	return len(e.objects) - 1
}

func (e *bplistEncoder) addInt(n int64) int {
	var buf []byte
	switch {
	// 1-, 2- and 4-byte ints are unsigned in bplist00; negative values
	// take the signed 8-byte form.
	case n >= 0 && n <= math.MaxUint8:
		buf = []byte{0x10, byte(n)}
	case n >= 0 && n <= math.MaxUint16:
		buf = make([]byte, 3)
		buf[0] = 0x11
		binary.BigEndian.PutUint16(buf[1:], uint16(n))
	case n >= 0 && n <= math.MaxUint32:
		buf = make([]byte, 5)
		buf[0] = 0x12
		binary.BigEndian.PutUint32(buf[1:], uint32(n))
	default:
		buf = make([]byte, 9)
		buf[0] = 0x13
		binary.BigEndian.PutUint64(buf[1:], uint64(n))
	}
	return e.push(buf)
}

func (e *bplistEncoder) addString(s string) int {
	var buf bytes.Buffer
	n := len(s)
	if n < 0x0F {
		buf.WriteByte(0x50 | byte(n))
	} else {
		buf.WriteByte(0x5F)
		e.writeLengthInt(&buf, n)
	}
	buf.WriteString(s)
	return e.push(buf.Bytes())
}

func (e *bplistEncoder) addData(d []byte) int {
	var buf bytes.Buffer
	n := len(d)
	if n < 0x0F {
		buf.WriteByte(0x40 | byte(n))
	} else {
		buf.WriteByte(0x4F)
		e.writeLengthInt(&buf, n)
	}
	buf.Write(d)
	return e.push(buf.Bytes())
}

func (e *bplistEncoder) writeLengthInt(buf *bytes.Buffer, n int) {
	switch {
	case n <= math.MaxUint8:
		buf.WriteByte(0x10)
		buf.WriteByte(byte(n))
	case n <= math.MaxUint16:
		tmp := make([]byte, 3)
		tmp[0] = 0x11
		binary.BigEndian.PutUint16(tmp[1:], uint16(n))
		buf.Write(tmp)
	default:
		tmp := make([]byte, 5)
		tmp[0] = 0x12
		binary.BigEndian.PutUint32(tmp[1:], uint32(n))
		buf.Write(tmp)
	}
}

func (e *bplistEncoder) addArray(arr []any) int {
	refs := make([]int, len(arr))
	for i, item := range arr {
		refs[i] = e.addObject(item)
	}
	return e.finishCollection(0xA0, len(arr), func(buf *bytes.Buffer, refSize int) {
		for _, r := range refs {
			writeRef(buf, r, refSize)
		}
	})
}

func (e *bplistEncoder) addDict(m map[string]any) int {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	keyRefs := make([]int, len(keys))
	valRefs := make([]int, len(keys))
	for i, k := range keys {
		keyRefs[i] = e.addString(k)
	}
	for i, k := range keys {
		valRefs[i] = e.addObject(m[k])
	}
	return e.finishCollection(0xD0, len(keys), func(buf *bytes.Buffer, refSize int) {
		for _, r := range keyRefs {
			writeRef(buf, r, refSize)
		}
		for _, r := range valRefs {
			writeRef(buf, r, refSize)
		}
	})
}

// finishCollection reserves a slot for the collection's own marker+refs,
// written once the final object-ref size is known during finish().
func (e *bplistEncoder) finishCollection(markerBase byte, count int, writeRefs func(*bytes.Buffer, int)) int {
	idx := e.push(nil) // placeholder; patched by finish()
	e.pending = append(e.pending, pendingCollection{index: idx, markerBase: markerBase, count: count, writeRefs: writeRefs})
	return idx
}

type pendingCollection struct {
	index      int
	markerBase byte
	count      int
	writeRefs  func(*bytes.Buffer, int)
}

func writeRef(buf *bytes.Buffer, ref, refSize int) {
	tmp := make([]byte, refSize)
	v := uint64(ref)
	for i := refSize - 1; i >= 0; i-- {
		tmp[i] = byte(v)
		v >>= 8
	}
	buf.Write(tmp)
}

func (e *bplistEncoder) finish(top int) ([]byte, error) {
	refSize := refSizeFor(len(e.objects))

	for _, pc := range e.pendingCollections() {
		var buf bytes.Buffer
		if pc.count < 0x0F {
			buf.WriteByte(pc.markerBase | byte(pc.count))
		} else {
			buf.WriteByte(pc.markerBase | 0x0F)
			e.writeLengthInt(&buf, pc.count)
		}
		pc.writeRefs(&buf, refSize)
		e.objects[pc.index] = buf.Bytes()
	}

	var out bytes.Buffer
	out.Write(bplistMagic)

	offsets := make([]int, len(e.objects))
	for i, obj := range e.objects {
		offsets[i] = out.Len()
		out.Write(obj)
	}

	offsetTableOffset := out.Len()
	offsetIntSize := refSizeFor(offsetTableOffset)
	for _, off := range offsets {
		tmp := make([]byte, offsetIntSize)
		v := uint64(off)
		for i := offsetIntSize - 1; i >= 0; i-- {
			tmp[i] = byte(v)
			v >>= 8
		}
		out.Write(tmp)
	}

	var trailer [32]byte
	trailer[6] = byte(offsetIntSize)
	trailer[7] = byte(refSize)
	binary.BigEndian.PutUint64(trailer[8:16], uint64(len(e.objects)))
	binary.BigEndian.PutUint64(trailer[16:24], uint64(top))
	binary.BigEndian.PutUint64(trailer[24:32], uint64(offsetTableOffset))
	out.Write(trailer[:])

	return out.Bytes(), nil
}

func (e *bplistEncoder) pendingCollections() []pendingCollection { return e.pending }

func refSizeFor(maxValue int) int {
	switch {
	case maxValue < 1<<8:
		return 1
	case maxValue < 1<<16:
		return 2
	default:
		return 4
	}
}
