// This package defines the envelope model and the compact binary encoding used for
// envelopes both in the hot queue and the durable store. The encoding is a bencode-style
// tagged dictionary: struct fields are annotated with `wire:".."` tags, fields may be
// marked optional, and decoding tolerates unknown tags so old readers can handle
// envelopes written by newer versions.
package wire

import (
	"fmt"
	"reflect"
	"strings"
)

const (
	numberStart    = 0x69
	dictStart      = 0x64
	listStart      = 0x6c
	wireEnd        = 0x65
	bytesLengthSep = 0x3a
)

type field struct {
	name     string
	optional bool
	sf       reflect.StructField
}

func structFields(t reflect.Type) ([]field, error) {
	fields := make([]field, 0, t.NumField())
	for i := 0; i != t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		tag := sf.Tag.Get("wire")
		if tag == "" {
			return nil, fmt.Errorf("wire: expected wire tag on %s.%s", t.Name(), sf.Name)
		}
		name, rest, _ := strings.Cut(tag, ",")
		fields = append(fields, field{
			name:     name,
			optional: rest == "optional",
			sf:       sf,
		})
	}
	return fields, nil
}
