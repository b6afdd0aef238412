package datasus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/saudelab/susetl/pkg/batch"
)

// dBase III layout constants.
const (
	dbfHeaderLen     = 32
	dbfDescriptorLen = 32
	dbfTerminator    = 0x0D
	dbfEOF           = 0x1A
	dbfDeleted       = '*'
)

// Static errors for payload decoding
var (
	ErrTruncatedPayload = errors.New("truncated dbf payload")
	ErrBadDescriptor    = errors.New("malformed field descriptor area")
	ErrRecordSize       = errors.New("field lengths do not sum to record size")
)

type dbfField struct {
	name   string
	length int
}

// DecodeDBF parses a dBase III table into a raw batch. Field values are
// latin-1 text, trimmed; deleted records are skipped. Column names are
// cleaned on the way in, so duplicate-after-cleaning columns coalesce to
// the first non-empty value.
func DecodeDBF(data []byte) (*batch.Table, error) {
	if len(data) < dbfHeaderLen {
		return nil, ErrTruncatedPayload
	}

	recordCount := int(binary.LittleEndian.Uint32(data[4:8]))
	headerSize := int(binary.LittleEndian.Uint16(data[8:10]))
	recordSize := int(binary.LittleEndian.Uint16(data[10:12]))

	if headerSize < dbfHeaderLen+1 || headerSize > len(data) {
		return nil, fmt.Errorf("%w: header size %d", ErrBadDescriptor, headerSize)
	}

	fields, err := parseDescriptors(data[:headerSize])
	if err != nil {
		return nil, err
	}

	widths := 1 // deletion flag byte
	names := make([]string, len(fields))

	for i, f := range fields {
		widths += f.length
		names[i] = f.name
	}

	if widths != recordSize {
		return nil, fmt.Errorf("%w: fields %d, record %d", ErrRecordSize, widths, recordSize)
	}

	table := batch.NewTable()
	values := make([]string, len(fields))

	offset := headerSize
	for r := 0; r < recordCount; r++ {
		if offset < len(data) && data[offset] == dbfEOF {
			break
		}

		// The header promised more records than the payload carries.
		if offset+recordSize > len(data) {
			return nil, fmt.Errorf("%w: record %d of %d", ErrTruncatedPayload, r+1, recordCount)
		}

		deleted := data[offset] == dbfDeleted
		pos := offset + 1

		for i, f := range fields {
			values[i] = decodeLatin1(data[pos : pos+f.length])
			pos += f.length
		}

		if !deleted {
			table.Append(batch.NewRow(names, values))
		}

		offset += recordSize
	}

	return table, nil
}

// parseDescriptors reads the 32-byte field descriptors between the fixed
// header and the 0x0D terminator.
func parseDescriptors(header []byte) ([]dbfField, error) {
	var fields []dbfField

	for pos := dbfHeaderLen; ; pos += dbfDescriptorLen {
		if pos >= len(header) {
			return nil, fmt.Errorf("%w: missing terminator", ErrBadDescriptor)
		}

		if header[pos] == dbfTerminator {
			break
		}

		if pos+dbfDescriptorLen > len(header) {
			return nil, fmt.Errorf("%w: truncated descriptor", ErrBadDescriptor)
		}

		raw := header[pos : pos+dbfDescriptorLen]

		name := raw[:11]
		if i := strings.IndexByte(string(name), 0); i >= 0 {
			name = name[:i]
		}

		length := int(raw[16])
		if length == 0 {
			return nil, fmt.Errorf("%w: zero-length field %q", ErrBadDescriptor, string(name))
		}

		fields = append(fields, dbfField{name: string(name), length: length})
	}

	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: no fields", ErrBadDescriptor)
	}

	return fields, nil
}

// decodeLatin1 converts an ISO-8859-1 byte slice to a trimmed string.
// Latin-1 code points map 1:1 onto Unicode.
func decodeLatin1(raw []byte) string {
	var b strings.Builder
	b.Grow(len(raw))

	for _, c := range raw {
		b.WriteRune(rune(c))
	}

	return strings.Trim(b.String(), " \x00")
}
