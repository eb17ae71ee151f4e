package hpack

// Encoder compresses header lists for one direction of a connection. It owns
// its dynamic table; the peer's decoder mirrors it entry for entry, which is
// why encoded blocks must be emitted and transmitted in order.
type Encoder struct {
	table dynamicTable

	// Pending dynamic table size updates, emitted at the start of the next
	// header block. minSize covers the lowest bound seen since the last
	// block in case the size was lowered and raised again.
	minSize         uint32
	tableSizeUpdate bool
}

// NewEncoder returns an encoder with the default 4096-byte table bound.
func NewEncoder() *Encoder {
	return &Encoder{table: newDynamicTable(defaultTableSize)}
}

const defaultTableSize = 4096

// SetMaxDynamicTableSize schedules a table size update. The new bound applies
// immediately to the encoder's own table; the explicit update representation
// is prepended to the next encoded block so the peer's decoder follows.
func (e *Encoder) SetMaxDynamicTableSize(v uint32) {
	if !e.tableSizeUpdate || v < e.minSize {
		e.minSize = v
	}
	e.tableSizeUpdate = true
	e.table.setMaxSize(v)
}

// DynamicTableSize returns the current byte size of the encoder's table.
func (e *Encoder) DynamicTableSize() uint32 { return e.table.size }

// AppendEncode appends the compressed representation of fields to dst and
// returns the extended slice. Representation choice per field: full index
// match when one exists, else name index + literal value, else full literal;
// non-sensitive literals are added to the dynamic table (incremental
// indexing), sensitive ones are emitted never-indexed.
func (e *Encoder) AppendEncode(dst []byte, fields []Field) []byte {
	if e.tableSizeUpdate {
		if e.minSize < e.table.maxSize {
			dst = appendVarint(dst, 0x20, 5, uint64(e.minSize))
		}
		dst = appendVarint(dst, 0x20, 5, uint64(e.table.maxSize))
		e.tableSizeUpdate = false
		e.minSize = 0
	}
	for _, f := range fields {
		dst = e.appendField(dst, f)
	}
	return dst
}

// Encode is AppendEncode into a fresh slice.
func (e *Encoder) Encode(fields []Field) []byte {
	return e.AppendEncode(nil, fields)
}

func (e *Encoder) appendField(dst []byte, f Field) []byte {
	if f.Sensitive {
		// Literal never indexed, new or indexed name (4-bit prefix, 0x10).
		idx, _ := e.table.search(Field{Name: f.Name})
		dst = appendVarint(dst, 0x10, 4, idx)
		if idx == 0 {
			dst = appendString(dst, f.Name)
		}
		return appendString(dst, f.Value)
	}

	idx, full := e.table.search(f)
	if full {
		// Indexed header field (7-bit prefix, 0x80).
		return appendVarint(dst, 0x80, 7, idx)
	}

	// Literal with incremental indexing (6-bit prefix, 0x40); the entry goes
	// into the dynamic table so the next occurrence is a one-index reference.
	dst = appendVarint(dst, 0x40, 6, idx)
	if idx == 0 {
		dst = appendString(dst, f.Name)
	}
	dst = appendString(dst, f.Value)
	e.table.add(f)
	return dst
}

// appendVarint appends an HPACK integer (RFC 7541 Section 5.1): pattern bits
// or'd over an n-bit prefix, continuation bytes of 7 bits each.
func appendVarint(dst []byte, pattern byte, n uint8, v uint64) []byte {
	limit := uint64(1)<<n - 1
	if v < limit {
		return append(dst, pattern|byte(v))
	}
	dst = append(dst, pattern|byte(limit))
	v -= limit
	for v >= 0x80 {
		dst = append(dst, byte(v)|0x80)
		v >>= 7
	}
	return append(dst, byte(v))
}

// appendString appends a length-prefixed string, Huffman-coded whenever that
// is not longer than the raw bytes.
func appendString(dst []byte, s string) []byte {
	if hl := huffmanLen(s); hl <= len(s) {
		dst = appendVarint(dst, 0x80, 7, uint64(hl))
		return appendHuffman(dst, s)
	}
	dst = appendVarint(dst, 0, 7, uint64(len(s)))
	return append(dst, s...)
}
