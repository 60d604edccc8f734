package wire

import (
	"fmt"
	"reflect"
)

type DecodeError struct {
	msg string
}

func newDecodeError(msg string, vars ...interface{}) *DecodeError {
	return &DecodeError{fmt.Sprintf(msg, vars...)}
}

func (e *DecodeError) Error() string {
	return e.msg
}

// Given the target interface, decode the following byte slice to it. Dictionary
// keys may arrive in any order; keys with no matching field are skipped, and a
// missing non-optional field is an error.
func Deserialize(buf []byte, t interface{}) error {
	r := newReader(buf)

	val := reflect.ValueOf(t)
	if val.Type().Kind() != reflect.Ptr {
		return newDecodeError("expected a pointer, got %s", val.Type().Kind())
	}
	if err := r.readValue(val.Elem()); err != nil {
		return err
	}
	if !r.isAtEnd() {
		return newDecodeError("expected to be at end of buffer")
	}
	return nil
}

type reader struct {
	buf []byte
	pos int
}

func newReader(buf []byte) reader {
	return reader{
		buf: buf,
		pos: 0,
	}
}

func (r *reader) expectByte(b byte) error {
	if len(r.buf) == r.pos {
		return newDecodeError("expected 0x%x at pos %d, but no more bytes left", b, r.pos)
	}
	c := r.buf[r.pos]
	if c != b {
		return newDecodeError("expected 0x%x got 0x%x at pos %d", b, c, r.pos)
	}
	r.pos++
	return nil
}

func (r *reader) peek() (byte, error) {
	if r.isAtEnd() {
		return 0, newDecodeError("unexpected end of buffer at pos %d", r.pos)
	}
	return r.buf[r.pos], nil
}

func (r *reader) isAtEnd() bool {
	return r.pos >= len(r.buf)
}

func (r *reader) readDigits() (uint64, error) {
	n := uint64(0)
	l := 0
	for r.pos+l < len(r.buf) {
		c := r.buf[r.pos+l]
		if c < '0' || c > '9' {
			break
		}
		n = n*10 + uint64(c-'0')
		l++
	}
	if l == 0 {
		return 0, newDecodeError("expected digits at pos %d", r.pos)
	}
	r.pos += l
	return n, nil
}

func (r *reader) readInt() (int64, error) {
	if err := r.expectByte(numberStart); err != nil {
		return 0, err
	}
	neg := false
	if c, err := r.peek(); err != nil {
		return 0, err
	} else if c == '-' {
		neg = true
		r.pos++
	}
	n, err := r.readDigits()
	if err != nil {
		return 0, err
	}
	if err := r.expectByte(wireEnd); err != nil {
		return 0, err
	}
	if neg {
		if n == 0 {
			return 0, newDecodeError("negative 0 not allowed")
		}
		return -int64(n), nil
	}
	return int64(n), nil
}

func (r *reader) readUint() (uint64, error) {
	if err := r.expectByte(numberStart); err != nil {
		return 0, err
	}
	n, err := r.readDigits()
	if err != nil {
		return 0, err
	}
	if err := r.expectByte(wireEnd); err != nil {
		return 0, err
	}
	return n, nil
}

func (r *reader) readBytes() ([]byte, error) {
	l, err := r.readDigits()
	if err != nil {
		return nil, err
	}
	if err := r.expectByte(bytesLengthSep); err != nil {
		return nil, err
	}
	if r.pos+int(l) > len(r.buf) {
		return nil, newDecodeError("byte string of length %d overruns buffer at pos %d", l, r.pos)
	}
	b := r.buf[r.pos : r.pos+int(l)]
	r.pos += int(l)
	return b, nil
}

// skipValue discards one value of any shape, used for unknown dictionary keys.
func (r *reader) skipValue() error {
	c, err := r.peek()
	if err != nil {
		return err
	}
	switch {
	case c == numberStart:
		_, err := r.readInt()
		return err
	case c >= '0' && c <= '9':
		_, err := r.readBytes()
		return err
	case c == listStart:
		r.pos++
		for {
			c, err := r.peek()
			if err != nil {
				return err
			}
			if c == wireEnd {
				break
			}
			if err := r.skipValue(); err != nil {
				return err
			}
		}
		return r.expectByte(wireEnd)
	case c == dictStart:
		r.pos++
		for {
			c, err := r.peek()
			if err != nil {
				return err
			}
			if c == wireEnd {
				break
			}
			if _, err := r.readBytes(); err != nil {
				return err
			}
			if err := r.skipValue(); err != nil {
				return err
			}
		}
		return r.expectByte(wireEnd)
	default:
		return newDecodeError("unskippable value starting with 0x%x at pos %d", c, r.pos)
	}
}

func (r *reader) readValue(v reflect.Value) error {
	switch v.Type().Kind() {
	case reflect.Bool:
		num, err := r.readUint()
		if err != nil {
			return err
		}
		if num > 1 {
			return newDecodeError("expected number to be 0 or 1, got %d", num)
		}
		v.SetBool(num == 1)
		return nil
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		num, err := r.readUint()
		if err != nil {
			return err
		}
		if v.OverflowUint(num) {
			return newDecodeError("number %d overflows %s", num, v.Type())
		}
		v.SetUint(num)
		return nil
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		num, err := r.readInt()
		if err != nil {
			return err
		}
		if v.OverflowInt(num) {
			return newDecodeError("number %d overflows %s", num, v.Type())
		}
		v.SetInt(num)
		return nil
	case reflect.String:
		b, err := r.readBytes()
		if err != nil {
			return err
		}
		v.SetString(string(b))
		return nil
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			b, err := r.readBytes()
			if err != nil {
				return err
			}
			c := make([]byte, len(b))
			copy(c, b)
			v.SetBytes(c)
			return nil
		}
		a := reflect.MakeSlice(v.Type(), 0, 0)
		if err := r.expectByte(listStart); err != nil {
			return err
		}
		for {
			c, err := r.peek()
			if err != nil {
				return err
			}
			if c == wireEnd {
				break
			}
			el := reflect.New(v.Type().Elem()).Elem()
			if err := r.readValue(el); err != nil {
				return err
			}
			a = reflect.Append(a, el)
		}
		if err := r.expectByte(wireEnd); err != nil {
			return err
		}
		v.Set(a)
		return nil
	case reflect.Array:
		if v.Type().Elem().Kind() != reflect.Uint8 {
			return newDecodeError("unhandled array element kind %s", v.Type().Elem().Kind())
		}
		b, err := r.readBytes()
		if err != nil {
			return err
		}
		if len(b) != v.Len() {
			return newDecodeError("expected %d bytes for %s, got %d", v.Len(), v.Type(), len(b))
		}
		reflect.Copy(v, reflect.ValueOf(b))
		return nil
	case reflect.Struct:
		return r.readStruct(v)
	case reflect.Pointer:
		el := reflect.New(v.Type().Elem())
		if err := r.readValue(el.Elem()); err != nil {
			return err
		}
		v.Set(el)
		return nil
	default:
		return newDecodeError("unhandled kind %s", v.Type().Kind())
	}
}

func (r *reader) readStruct(v reflect.Value) error {
	fields, err := structFields(v.Type())
	if err != nil {
		return err
	}
	byName := make(map[string]field, len(fields))
	for _, f := range fields {
		byName[f.name] = f
	}

	if err := r.expectByte(dictStart); err != nil {
		return err
	}
	seen := make(map[string]bool, len(fields))
	for {
		c, err := r.peek()
		if err != nil {
			return err
		}
		if c == wireEnd {
			break
		}
		key, err := r.readBytes()
		if err != nil {
			return err
		}
		f, ok := byName[string(key)]
		if !ok {
			if err := r.skipValue(); err != nil {
				return err
			}
			continue
		}
		if seen[f.name] {
			return newDecodeError("duplicate key %s", f.name)
		}
		seen[f.name] = true
		if err := r.readValue(v.FieldByIndex(f.sf.Index)); err != nil {
			return err
		}
	}
	if err := r.expectByte(wireEnd); err != nil {
		return err
	}

	for _, f := range fields {
		if !f.optional && !seen[f.name] {
			return newDecodeError("missing required field %s", f.name)
		}
	}
	return nil
}
