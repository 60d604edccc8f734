package wire

import (
	"bytes"
	"fmt"
	"reflect"
	"sort"
	"strconv"
)

// Serialize a ptr to a wire-encoded byte-slice. Optional fields holding their
// zero value are left out of the encoding entirely.
func Serialize(s interface{}) ([]byte, error) {
	w := newWriter()
	val := reflect.ValueOf(s)
	if val.Type().Kind() != reflect.Ptr {
		return nil, fmt.Errorf("wire: expected a pointer, got %s", val.Type().Kind())
	}
	if err := w.writeValue(val.Elem()); err != nil {
		return nil, err
	}
	return w.buf.Bytes(), nil
}

type writer struct {
	buf bytes.Buffer
}

func newWriter() writer {
	return writer{}
}

func (w *writer) writeByte(b byte) error {
	return w.buf.WriteByte(b)
}

func (w *writer) writeBytes(b []byte) error {
	if _, err := w.buf.WriteString(strconv.Itoa(len(b))); err != nil {
		return err
	}
	if err := w.buf.WriteByte(bytesLengthSep); err != nil {
		return err
	}
	if _, err := w.buf.Write(b); err != nil {
		return err
	}
	return nil
}

func (w *writer) writeSignedNumber(n int64) error {
	if err := w.buf.WriteByte(numberStart); err != nil {
		return err
	}
	if _, err := w.buf.WriteString(strconv.FormatInt(n, 10)); err != nil {
		return err
	}
	return w.writeByte(wireEnd)
}

func (w *writer) writeUnsignedNumber(n uint64) error {
	if err := w.buf.WriteByte(numberStart); err != nil {
		return err
	}
	if _, err := w.buf.WriteString(strconv.FormatUint(n, 10)); err != nil {
		return err
	}
	return w.writeByte(wireEnd)
}

func (w *writer) writeValue(v reflect.Value) error {
	switch v.Type().Kind() {
	case reflect.Bool:
		if v.Bool() {
			return w.writeUnsignedNumber(1)
		}
		return w.writeUnsignedNumber(0)
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return w.writeSignedNumber(v.Int())
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return w.writeUnsignedNumber(v.Uint())
	case reflect.String:
		return w.writeBytes([]byte(v.String()))
	case reflect.Array, reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]uint8, v.Len())
			reflect.Copy(reflect.ValueOf(b), v)
			return w.writeBytes(b)
		}
		if err := w.writeByte(listStart); err != nil {
			return err
		}
		for i := 0; i != v.Len(); i++ {
			if err := w.writeValue(v.Index(i)); err != nil {
				return err
			}
		}
		return w.writeByte(wireEnd)
	case reflect.Struct:
		return w.writeStruct(v)
	case reflect.Pointer:
		return w.writeValue(reflect.Indirect(v))
	default:
		return fmt.Errorf("wire: unencodable kind %s", v.Type().Kind())
	}
}

func (w *writer) writeStruct(v reflect.Value) error {
	fields, err := structFields(v.Type())
	if err != nil {
		return err
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].name < fields[j].name })

	if err := w.writeByte(dictStart); err != nil {
		return err
	}
	for _, f := range fields {
		fv := v.FieldByIndex(f.sf.Index)
		if f.optional && fv.IsZero() {
			continue
		}
		if err := w.writeBytes([]byte(f.name)); err != nil {
			return err
		}
		if err := w.writeValue(fv); err != nil {
			return err
		}
	}
	return w.writeByte(wireEnd)
}
