package hpack

import (
	"errors"

	"github.com/bearcove/fluke/internal/proto"
)

// ErrHeaderListTooLarge reports a decoded list exceeding the advertised
// MAX_HEADER_LIST_SIZE. The compression context stays valid: the whole block
// is consumed and every table mutation applied, only the list is unacceptable.
var ErrHeaderListTooLarge = errors.New("hpack: header list exceeds size bound")

// Decoder decompresses header blocks for one direction of a connection. A
// block must be fully reassembled (HEADERS plus CONTINUATIONs) before Decode
// is called; partial decode would leave the dynamic table half-updated.
type Decoder struct {
	table dynamicTable

	// settingsMax is the bound this side advertised via HEADER_TABLE_SIZE;
	// the peer may choose any table size up to it.
	settingsMax uint32

	// maxHeaderList bounds the total decoded list size; 0 means unbounded.
	maxHeaderList uint32
}

// NewDecoder returns a decoder whose table is bounded by maxTableSize.
func NewDecoder(maxTableSize uint32) *Decoder {
	return &Decoder{
		table:       newDynamicTable(maxTableSize),
		settingsMax: maxTableSize,
	}
}

// SetAllowedMaxTableSize raises or lowers the bound the peer may resize its
// table to (our HEADER_TABLE_SIZE setting). Lowering evicts immediately.
func (d *Decoder) SetAllowedMaxTableSize(v uint32) {
	d.settingsMax = v
	if v < d.table.maxSize {
		d.table.setMaxSize(v)
	}
}

// SetMaxHeaderListSize bounds the decoded list size (MAX_HEADER_LIST_SIZE).
func (d *Decoder) SetMaxHeaderListSize(v uint32) { d.maxHeaderList = v }

// DynamicTableSize returns the current byte size of the decoder's table.
func (d *Decoder) DynamicTableSize() uint32 { return d.table.size }

// Decode decompresses one complete header block. Every error except
// ErrHeaderListTooLarge is a connection-fatal COMPRESSION_ERROR: after a
// failed decode the encoder and decoder tables have diverged and no further
// block on this connection can be trusted. A list over the size bound still
// consumes the entire block so the dynamic table tracks the peer's encoder;
// the fields themselves are discarded.
func (d *Decoder) Decode(block []byte) ([]Field, error) {
	var fields []Field
	var listSize uint64
	fieldSeen := false
	tooLarge := false

	for len(block) > 0 {
		b := block[0]
		switch {
		case b&0x80 != 0:
			// Indexed header field.
			idx, rest, err := readVarint(block, 7)
			if err != nil {
				return nil, err
			}
			f, ok := d.table.lookup(idx)
			if !ok {
				return nil, proto.ConnError(proto.ErrCodeCompression, "index %d out of range", idx)
			}
			if !tooLarge {
				fields = append(fields, f)
			}
			listSize += uint64(f.Size())
			fieldSeen = true
			block = rest

		case b&0x40 != 0:
			// Literal with incremental indexing.
			f, rest, err := d.readLiteral(block, 6)
			if err != nil {
				return nil, err
			}
			d.table.add(f)
			if !tooLarge {
				fields = append(fields, f)
			}
			listSize += uint64(f.Size())
			fieldSeen = true
			block = rest

		case b&0x20 != 0:
			// Dynamic table size update; only valid before the first field
			// of the block, and never above our advertised bound.
			if fieldSeen {
				return nil, proto.ConnError(proto.ErrCodeCompression, "table size update after fields")
			}
			size, rest, err := readVarint(block, 5)
			if err != nil {
				return nil, err
			}
			if size > uint64(d.settingsMax) {
				return nil, proto.ConnError(proto.ErrCodeCompression, "table size update %d above bound %d", size, d.settingsMax)
			}
			d.table.setMaxSize(uint32(size))
			block = rest

		default:
			// Literal without indexing (0000) or never indexed (0001); both
			// leave the dynamic table untouched.
			f, rest, err := d.readLiteral(block, 4)
			if err != nil {
				return nil, err
			}
			f.Sensitive = b&0x10 != 0
			if !tooLarge {
				fields = append(fields, f)
			}
			listSize += uint64(f.Size())
			fieldSeen = true
			block = rest
		}

		if !tooLarge && d.maxHeaderList > 0 && listSize > uint64(d.maxHeaderList) {
			// Keep consuming: entries past the cutoff may still mutate the
			// dynamic table, which must stay in sync with the peer's encoder.
			tooLarge = true
			fields = nil
		}
	}
	if tooLarge {
		return nil, ErrHeaderListTooLarge
	}
	return fields, nil
}

func (d *Decoder) readLiteral(block []byte, prefix uint8) (Field, []byte, error) {
	idx, rest, err := readVarint(block, prefix)
	if err != nil {
		return Field{}, nil, err
	}
	var f Field
	if idx != 0 {
		named, ok := d.table.lookup(idx)
		if !ok {
			return Field{}, nil, proto.ConnError(proto.ErrCodeCompression, "name index %d out of range", idx)
		}
		f.Name = named.Name
	} else {
		f.Name, rest, err = readString(rest)
		if err != nil {
			return Field{}, nil, err
		}
	}
	f.Value, rest, err = readString(rest)
	if err != nil {
		return Field{}, nil, err
	}
	return f, rest, nil
}

// readVarint reads an HPACK integer with an n-bit prefix.
func readVarint(data []byte, n uint8) (uint64, []byte, error) {
	if len(data) == 0 {
		return 0, nil, proto.ConnError(proto.ErrCodeCompression, "truncated integer")
	}
	limit := uint64(1)<<n - 1
	v := uint64(data[0]) & limit
	data = data[1:]
	if v < limit {
		return v, data, nil
	}
	var shift uint
	for i, b := range data {
		v += uint64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			return v, data[i+1:], nil
		}
		if shift > 62 {
			return 0, nil, proto.ConnError(proto.ErrCodeCompression, "integer overflow")
		}
	}
	return 0, nil, proto.ConnError(proto.ErrCodeCompression, "truncated integer")
}

// readString reads a length-prefixed string, Huffman-decoding when flagged.
func readString(data []byte) (string, []byte, error) {
	if len(data) == 0 {
		return "", nil, proto.ConnError(proto.ErrCodeCompression, "truncated string")
	}
	huff := data[0]&0x80 != 0
	length, rest, err := readVarint(data, 7)
	if err != nil {
		return "", nil, err
	}
	if uint64(len(rest)) < length {
		return "", nil, proto.ConnError(proto.ErrCodeCompression, "string length %d exceeds remaining block", length)
	}
	raw := rest[:length]
	rest = rest[length:]
	if !huff {
		return string(raw), rest, nil
	}
	decoded, err := huffmanDecode(nil, raw)
	if err != nil {
		return "", nil, err
	}
	return string(decoded), rest, nil
}
