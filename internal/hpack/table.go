package hpack

// staticTable holds the 61 predefined entries of RFC 7541 Appendix A.
// Index 1 is staticTable[0].
var staticTable = [61]Field{
	{Name: ":authority"},
	{Name: ":method", Value: "GET"},
	{Name: ":method", Value: "POST"},
	{Name: ":path", Value: "/"},
	{Name: ":path", Value: "/index.html"},
	{Name: ":scheme", Value: "http"},
	{Name: ":scheme", Value: "https"},
	{Name: ":status", Value: "200"},
	{Name: ":status", Value: "204"},
	{Name: ":status", Value: "206"},
	{Name: ":status", Value: "304"},
	{Name: ":status", Value: "400"},
	{Name: ":status", Value: "404"},
	{Name: ":status", Value: "500"},
	{Name: "accept-charset"},
	{Name: "accept-encoding", Value: "gzip, deflate"},
	{Name: "accept-language"},
	{Name: "accept-ranges"},
	{Name: "accept"},
	{Name: "access-control-allow-origin"},
	{Name: "age"},
	{Name: "allow"},
	{Name: "authorization"},
	{Name: "cache-control"},
	{Name: "content-disposition"},
	{Name: "content-encoding"},
	{Name: "content-language"},
	{Name: "content-length"},
	{Name: "content-location"},
	{Name: "content-range"},
	{Name: "content-type"},
	{Name: "cookie"},
	{Name: "date"},
	{Name: "etag"},
	{Name: "expect"},
	{Name: "expires"},
	{Name: "from"},
	{Name: "host"},
	{Name: "if-match"},
	{Name: "if-modified-since"},
	{Name: "if-none-match"},
	{Name: "if-range"},
	{Name: "if-unmodified-since"},
	{Name: "last-modified"},
	{Name: "link"},
	{Name: "location"},
	{Name: "max-forwards"},
	{Name: "proxy-authenticate"},
	{Name: "proxy-authorization"},
	{Name: "range"},
	{Name: "referer"},
	{Name: "refresh"},
	{Name: "retry-after"},
	{Name: "server"},
	{Name: "set-cookie"},
	{Name: "strict-transport-security"},
	{Name: "transfer-encoding"},
	{Name: "user-agent"},
	{Name: "vary"},
	{Name: "via"},
	{Name: "www-authenticate"},
}

const staticTableLen = uint64(len(staticTable))

// dynamicTable is the connection-scoped bounded table. Entries live in a
// slice used as an arena: new entries append at the tail, eviction advances a
// head offset, and the arena compacts when the dead prefix grows. Index 1
// (relative, i.e. absolute index staticTableLen+1) is the most recent entry.
type dynamicTable struct {
	ents    []Field
	head    int // ents[:head] are evicted, kept only to avoid copying per eviction
	size    uint32
	maxSize uint32
}

func newDynamicTable(maxSize uint32) dynamicTable {
	return dynamicTable{maxSize: maxSize}
}

func (t *dynamicTable) count() int { return len(t.ents) - t.head }

// at returns the entry at 1-based dynamic index i (1 = most recent).
func (t *dynamicTable) at(i uint64) (Field, bool) {
	n := uint64(t.count())
	if i == 0 || i > n {
		return Field{}, false
	}
	return t.ents[uint64(len(t.ents))-i], true
}

// add inserts f, evicting from the oldest end until it fits. An entry larger
// than the whole bound empties the table and is not stored.
func (t *dynamicTable) add(f Field) {
	sz := f.Size()
	t.evictFor(sz)
	if sz > t.maxSize {
		return
	}
	t.ents = append(t.ents, f)
	t.size += sz
	t.maybeCompact()
}

// setMaxSize applies a new bound, evicting oldest entries until within it.
func (t *dynamicTable) setMaxSize(max uint32) {
	t.maxSize = max
	t.evictFor(0)
}

func (t *dynamicTable) evictFor(incoming uint32) {
	for t.count() > 0 && t.size+incoming > t.maxSize {
		oldest := t.ents[t.head]
		t.size -= oldest.Size()
		t.ents[t.head] = Field{}
		t.head++
	}
	t.maybeCompact()
}

func (t *dynamicTable) maybeCompact() {
	if t.head > 32 && t.head > len(t.ents)/2 {
		t.ents = append(t.ents[:0], t.ents[t.head:]...)
		t.head = 0
	}
}

// search looks f up in the static then dynamic table. It returns the absolute
// index of a full (name, value) match when nameValue is true, or of a
// name-only match otherwise; 0 means no match.
func (t *dynamicTable) search(f Field) (idx uint64, nameValue bool) {
	var nameIdx uint64
	for i, e := range staticTable {
		if e.Name != f.Name {
			continue
		}
		if nameIdx == 0 {
			nameIdx = uint64(i) + 1
		}
		if e.Value == f.Value {
			return uint64(i) + 1, true
		}
	}
	n := t.count()
	for i := 1; i <= n; i++ {
		e := t.ents[len(t.ents)-i]
		if e.Name != f.Name {
			continue
		}
		if e.Value == f.Value {
			return staticTableLen + uint64(i), true
		}
		if nameIdx == 0 {
			nameIdx = staticTableLen + uint64(i)
		}
	}
	return nameIdx, false
}

// lookup resolves an absolute index across static (1..61) and dynamic
// (62..61+count) tables.
func (t *dynamicTable) lookup(i uint64) (Field, bool) {
	if i == 0 {
		return Field{}, false
	}
	if i <= staticTableLen {
		return staticTable[i-1], true
	}
	return t.at(i - staticTableLen)
}
