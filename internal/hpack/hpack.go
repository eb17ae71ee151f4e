// Package hpack implements HPACK header compression (RFC 7541): the static
// table, a bounded dynamic table with oldest-first eviction, canonical Huffman
// coding, and the encoder/decoder pair. Encoder and decoder each own an
// independent dynamic table; the two directions of a connection never share
// one. Any decode failure poisons the shared compression context, so all
// decoder errors are connection-fatal COMPRESSION_ERROR.
package hpack

// Field is a single (name, value) header pair. Order is significant in a
// header list: pseudo-headers precede regular headers.
type Field struct {
	Name  string
	Value string

	// Sensitive marks a field that must never enter a dynamic table
	// (encoded as "literal never indexed").
	Sensitive bool
}

// Size returns the dynamic-table size of the field: len(name)+len(value)+32
// per RFC 7541 Section 4.1.
func (f Field) Size() uint32 {
	return uint32(len(f.Name) + len(f.Value) + 32)
}
