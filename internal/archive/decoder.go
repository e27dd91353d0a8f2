package archive

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash"
	"hash/crc32"
	"io"

	"github.com/klauspost/compress/flate"
)

const (
	sigLocalHeader      = 0x04034b50
	sigCentralDirectory = 0x02014b50
	sigDataDescriptor   = 0x08074b50

	flagEncrypted      = 0x0001
	flagDataDescriptor = 0x0008

	methodStore   = 0
	methodDeflate = 8

	sizeUnknown = 0xffffffff
)

// Decoder reads a zip stream front to back, without seeking, yielding
// entries in archive order. It parses local file headers only; the
// central directory terminates iteration. One pass per stream, not
// restartable.
//
// The source is wrapped so the inflater sees an io.ByteReader and
// consumes exactly the compressed bytes of each entry, which is what
// makes data-descriptor handling and entry framing possible on a
// non-seekable stream.
type Decoder struct {
	cr   *countReader
	cur  *DecodedEntry
	err  error
	done bool
}

// DecodedEntry is one archive entry. It reads the entry's
// uncompressed bytes; the next call to Decoder.Next drains any
// remainder. CRC and size checks run when the body is exhausted.
type DecodedEntry struct {
	Name string

	dec      *Decoder
	body     io.Reader
	closer   io.Closer // non-nil for deflate bodies
	crc      hash.Hash32
	read     uint64
	start    int64 // compressed-stream offset of the body
	hdr      localHeader
	finished bool
	err      error
}

type localHeader struct {
	flags    uint16
	method   uint16
	crc      uint32
	csize    uint64
	usize    uint64
	sizesSet bool
}

// NewDecoder creates a Decoder over r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{cr: &countReader{br: bufio.NewReader(r)}}
}

// Next advances to the next entry, draining the previous one if its
// body was not fully read. It returns io.EOF after the last entry.
func (d *Decoder) Next() (*DecodedEntry, error) {
	if d.err != nil {
		return nil, d.err
	}
	if d.done {
		return nil, io.EOF
	}
	if d.cur != nil {
		if _, err := io.Copy(io.Discard, d.cur); err != nil {
			d.err = err
			return nil, err
		}
		d.cur = nil
	}

	entry, err := d.readEntry()
	if err != nil {
		if err == io.EOF {
			d.done = true
		} else {
			d.err = err
		}
		return nil, err
	}
	d.cur = entry
	return entry, nil
}

func (d *Decoder) readEntry() (*DecodedEntry, error) {
	var sig [4]byte
	if _, err := io.ReadFull(d.cr, sig[:]); err != nil {
		return nil, d.corruptf("truncated stream at entry boundary: %v", err)
	}
	switch binary.LittleEndian.Uint32(sig[:]) {
	case sigLocalHeader:
	case sigCentralDirectory:
		// Entries are exhausted; everything after this is index data
		// we do not need.
		return nil, io.EOF
	default:
		return nil, d.corruptf("unexpected signature %#x", binary.LittleEndian.Uint32(sig[:]))
	}

	var fixed [26]byte
	if _, err := io.ReadFull(d.cr, fixed[:]); err != nil {
		return nil, d.corruptf("truncated local header: %v", err)
	}
	hdr := localHeader{
		flags:  binary.LittleEndian.Uint16(fixed[2:4]),
		method: binary.LittleEndian.Uint16(fixed[4:6]),
		crc:    binary.LittleEndian.Uint32(fixed[10:14]),
		csize:  uint64(binary.LittleEndian.Uint32(fixed[14:18])),
		usize:  uint64(binary.LittleEndian.Uint32(fixed[18:22])),
	}
	nameLen := binary.LittleEndian.Uint16(fixed[22:24])
	extraLen := binary.LittleEndian.Uint16(fixed[24:26])

	name := make([]byte, nameLen)
	if _, err := io.ReadFull(d.cr, name); err != nil {
		return nil, d.corruptf("truncated entry name: %v", err)
	}
	extra := make([]byte, extraLen)
	if _, err := io.ReadFull(d.cr, extra); err != nil {
		return nil, d.corruptf("truncated extra field: %v", err)
	}
	parseZip64Extra(extra, &hdr)
	hdr.sizesSet = hdr.flags&flagDataDescriptor == 0

	if hdr.flags&flagEncrypted != 0 {
		return nil, d.corruptf("encrypted entry %q not supported", name)
	}

	entry := &DecodedEntry{
		Name:  string(name),
		dec:   d,
		crc:   crc32.NewIEEE(),
		start: d.cr.n,
		hdr:   hdr,
	}
	switch hdr.method {
	case methodDeflate:
		fr := flate.NewReader(d.cr)
		entry.body = fr
		entry.closer = fr
	case methodStore:
		if !hdr.sizesSet {
			// A stored entry with deferred sizes has no detectable
			// end on a forward-only stream.
			return nil, d.corruptf("stored entry %q with unknown size", name)
		}
		entry.body = io.LimitReader(d.cr, int64(hdr.csize))
	default:
		return nil, d.corruptf("unsupported compression method %d for %q", hdr.method, name)
	}
	return entry, nil
}

// Read implements io.Reader for the entry body.
func (e *DecodedEntry) Read(p []byte) (int, error) {
	if e.err != nil {
		return 0, e.err
	}
	if e.finished {
		return 0, io.EOF
	}
	n, err := e.body.Read(p)
	if n > 0 {
		e.crc.Write(p[:n])
		e.read += uint64(n)
	}
	switch {
	case err == io.EOF:
		if ferr := e.finish(); ferr != nil {
			e.err = ferr
			if n > 0 {
				return n, nil
			}
			return 0, ferr
		}
		e.finished = true
		return n, io.EOF
	case err != nil:
		e.err = e.dec.corruptf("entry %q body: %v", e.Name, err)
		e.dec.err = e.err
		return n, e.err
	}
	return n, nil
}

// finish validates framing, sizes, and CRC once the body is drained.
func (e *DecodedEntry) finish() error {
	if e.closer != nil {
		if err := e.closer.Close(); err != nil {
			return e.dec.corruptf("entry %q close: %v", e.Name, err)
		}
	}
	consumed := uint64(e.dec.cr.n - e.start)

	crcWant := e.hdr.crc
	if e.hdr.flags&flagDataDescriptor != 0 {
		desc, err := e.dec.readDescriptor(consumed)
		if err != nil {
			return err
		}
		crcWant = desc.crc
		e.hdr.csize = desc.csize
		e.hdr.usize = desc.usize
		e.hdr.sizesSet = true
	}

	if e.hdr.sizesSet && e.hdr.csize != consumed {
		return e.dec.corruptf("entry %q: compressed size %d, stream had %d", e.Name, e.hdr.csize, consumed)
	}
	if e.hdr.sizesSet && e.hdr.usize != e.read {
		return e.dec.corruptf("entry %q: declared %d bytes, inflated %d", e.Name, e.hdr.usize, e.read)
	}
	if crcWant != e.crc.Sum32() {
		return e.dec.corruptf("entry %q: CRC mismatch", e.Name)
	}
	return nil
}

type descriptor struct {
	crc   uint32
	csize uint64
	usize uint64
}

// readDescriptor parses the data descriptor that trails an entry with
// deferred sizes. The descriptor signature is optional, and size
// fields are 4 or 8 bytes depending on zip64; both ambiguities resolve
// against the exact count of compressed bytes just consumed.
func (d *Decoder) readDescriptor(consumed uint64) (descriptor, error) {
	var head [4]byte
	if _, err := io.ReadFull(d.cr, head[:]); err != nil {
		return descriptor{}, d.corruptf("truncated data descriptor: %v", err)
	}

	var buf [12]byte
	if binary.LittleEndian.Uint32(head[:]) == sigDataDescriptor {
		if _, err := io.ReadFull(d.cr, buf[:]); err != nil {
			return descriptor{}, d.corruptf("truncated data descriptor: %v", err)
		}
	} else {
		copy(buf[:4], head[:])
		if _, err := io.ReadFull(d.cr, buf[4:]); err != nil {
			return descriptor{}, d.corruptf("truncated data descriptor: %v", err)
		}
	}

	desc := descriptor{crc: binary.LittleEndian.Uint32(buf[0:4])}
	if c := uint64(binary.LittleEndian.Uint32(buf[4:8])); c == consumed {
		desc.csize = c
		desc.usize = uint64(binary.LittleEndian.Uint32(buf[8:12]))
		return desc, nil
	}

	// zip64 layout: the size fields are 8 bytes wide, so the first 8
	// bytes after the CRC are the compressed size and the next 8 are
	// still on the wire.
	var rest [8]byte
	if _, err := io.ReadFull(d.cr, rest[:]); err != nil {
		return descriptor{}, d.corruptf("truncated zip64 data descriptor: %v", err)
	}
	var wide [16]byte
	copy(wide[:8], buf[4:12])
	copy(wide[8:], rest[:])
	desc.csize = binary.LittleEndian.Uint64(wide[0:8])
	desc.usize = binary.LittleEndian.Uint64(wide[8:16])
	if desc.csize != consumed {
		return descriptor{}, d.corruptf("data descriptor size %d does not match %d consumed bytes", desc.csize, consumed)
	}
	return desc, nil
}

// parseZip64Extra replaces 0xffffffff header sizes with the 64-bit
// values from the zip64 extra field, when present.
func parseZip64Extra(extra []byte, hdr *localHeader) {
	for len(extra) >= 4 {
		tag := binary.LittleEndian.Uint16(extra[0:2])
		size := int(binary.LittleEndian.Uint16(extra[2:4]))
		if len(extra) < 4+size {
			return
		}
		field := extra[4 : 4+size]
		extra = extra[4+size:]
		if tag != 0x0001 {
			continue
		}
		if hdr.usize == sizeUnknown && len(field) >= 8 {
			hdr.usize = binary.LittleEndian.Uint64(field[0:8])
			field = field[8:]
		}
		if hdr.csize == sizeUnknown && len(field) >= 8 {
			hdr.csize = binary.LittleEndian.Uint64(field[0:8])
		}
		return
	}
}

func (d *Decoder) corruptf(format string, args ...any) error {
	return &CodecError{
		Op:  "decode",
		Err: fmt.Errorf(format+": %w", append(args, ErrCorruptArchive)...),
	}
}

// countReader tracks the absolute offset consumed from the underlying
// stream. Implementing io.ByteReader is load-bearing: it guarantees
// the inflater reads exactly the compressed bytes it needs and not one
// byte past the entry.
type countReader struct {
	br *bufio.Reader
	n  int64
}

func (c *countReader) Read(p []byte) (int, error) {
	n, err := c.br.Read(p)
	c.n += int64(n)
	return n, err
}

func (c *countReader) ReadByte() (byte, error) {
	b, err := c.br.ReadByte()
	if err == nil {
		c.n++
	}
	return b, err
}
