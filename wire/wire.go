// Package wire implements the variable-length binary encoding shared by the
// sync, awareness and framing layers: unsigned LEB128 integers, and byte
// strings prefixed with their length.
package wire

import (
	"encoding/binary"
	"errors"
	"unicode/utf8"
)

var (
	ErrUnexpectedEOF = errors.New("wire: unexpected end of buffer")
	ErrOverflow      = errors.New("wire: varuint overflows 64 bits")
	ErrInvalidString = errors.New("wire: string is not valid utf-8")
)

type Encoder struct {
	buf []byte
}

func NewEncoder() *Encoder {
	return &Encoder{buf: make([]byte, 0, 64)}
}

func (e *Encoder) WriteUvarint(v uint64) {
	e.buf = binary.AppendUvarint(e.buf, v)
}

func (e *Encoder) WriteBytes(b []byte) {
	e.WriteUvarint(uint64(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *Encoder) WriteString(s string) {
	e.WriteUvarint(uint64(len(s)))
	e.buf = append(e.buf, s...)
}

func (e *Encoder) Bytes() []byte {
	return e.buf
}

type Decoder struct {
	buf []byte
	pos int
}

func NewDecoder(b []byte) *Decoder {
	return &Decoder{buf: b}
}

func (d *Decoder) ReadUvarint() (uint64, error) {
	v, n := binary.Uvarint(d.buf[d.pos:])
	switch {
	case n == 0:
		return 0, ErrUnexpectedEOF
	case n < 0:
		return 0, ErrOverflow
	}
	d.pos += n
	return v, nil
}

// ReadBytes returns a length-prefixed byte string. The result aliases the
// decoder's buffer.
func (d *Decoder) ReadBytes() ([]byte, error) {
	n, err := d.ReadUvarint()
	if err != nil {
		return nil, err
	}
	if n > uint64(d.Len()) {
		return nil, ErrUnexpectedEOF
	}
	b := d.buf[d.pos : d.pos+int(n)]
	d.pos += int(n)
	return b, nil
}

func (d *Decoder) ReadString() (string, error) {
	b, err := d.ReadBytes()
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", ErrInvalidString
	}
	return string(b), nil
}

func (d *Decoder) Len() int {
	return len(d.buf) - d.pos
}
