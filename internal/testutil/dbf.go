package testutil

import (
	"bytes"
	"encoding/binary"
)

// DBFField describes one fixed-width column in a synthesized payload.
type DBFField struct {
	Name   string
	Length int
}

// DBFRecord is one row of values, positionally matched to the field list.
// A deleted record is skipped by readers but still occupies its slot.
type DBFRecord struct {
	Values  []string
	Deleted bool
}

// EncodeDBF synthesizes a dBase III payload from a field layout and rows.
// Values longer than the declared field length are truncated; shorter ones
// are right-padded with spaces. Text is encoded as latin-1.
func EncodeDBF(fields []DBFField, records []DBFRecord) []byte {
	headerSize := 32 + 32*len(fields) + 1

	recordSize := 1
	for _, f := range fields {
		recordSize += f.Length
	}

	var buf bytes.Buffer

	header := make([]byte, 32)
	header[0] = 0x03
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(records)))
	binary.LittleEndian.PutUint16(header[8:10], uint16(headerSize))
	binary.LittleEndian.PutUint16(header[10:12], uint16(recordSize))
	buf.Write(header)

	for _, f := range fields {
		desc := make([]byte, 32)
		copy(desc[:11], f.Name)
		desc[11] = 'C'
		desc[16] = byte(f.Length)
		buf.Write(desc)
	}

	buf.WriteByte(0x0D)

	for _, rec := range records {
		if rec.Deleted {
			buf.WriteByte('*')
		} else {
			buf.WriteByte(' ')
		}

		for i, f := range fields {
			var value string
			if i < len(rec.Values) {
				value = rec.Values[i]
			}

			cell := make([]byte, f.Length)
			for j := range cell {
				cell[j] = ' '
			}

			for j, r := range []rune(value) {
				if j >= f.Length {
					break
				}
				cell[j] = encodeLatin1(r)
			}

			buf.Write(cell)
		}
	}

	buf.WriteByte(0x1A)

	return buf.Bytes()
}

func encodeLatin1(r rune) byte {
	if r > 0xFF {
		return '?'
	}

	return byte(r)
}
