package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeStruct(t *testing.T) {
	require := require.New(t)

	obj := struct {
		Mary   []byte `wire:"m"`
		Joseph []byte `wire:"j"`
		Peter  int64  `wire:"p"`
		Paul   string `wire:"pp"`
	}{
		Mary:   []byte("0123"),
		Joseph: []byte("0123456789"),
		Peter:  1234,
		Paul:   "abcdefghij",
	}
	buf, err := Serialize(&obj)
	require.Nil(err)
	require.Equal("d1:j10:01234567891:m4:01231:pi1234e2:pp10:abcdefghije", string(buf))
}

func TestEncodeOmitsZeroOptionalFields(t *testing.T) {
	require := require.New(t)

	obj := struct {
		Name  string `wire:"n"`
		Extra string `wire:"x,optional"`
		Count uint32 `wire:"c,optional"`
	}{Name: "a"}
	buf, err := Serialize(&obj)
	require.Nil(err)
	require.Equal("d1:n1:ae", string(buf))

	obj.Extra = "y"
	obj.Count = 2
	buf, err = Serialize(&obj)
	require.Nil(err)
	require.Equal("d1:ci2e1:n1:a1:x1:ye", string(buf))
}

func TestEncodeNestedAndLists(t *testing.T) {
	require := require.New(t)

	type inner struct {
		Tag uint8 `wire:"t"`
	}
	obj := struct {
		Inner inner    `wire:"i"`
		Names []string `wire:"n"`
		Fixed [4]byte  `wire:"f"`
	}{
		Inner: inner{Tag: 7},
		Names: []string{"ab", "cd"},
		Fixed: [4]byte{'w', 'x', 'y', 'z'},
	}
	buf, err := Serialize(&obj)
	require.Nil(err)
	require.Equal("d1:f4:wxyz1:id1:ti7ee1:nl2:ab2:cdee", string(buf))
}

func TestEncodeRequiresWireTag(t *testing.T) {
	require := require.New(t)

	obj := struct {
		Name string
	}{Name: "a"}
	_, err := Serialize(&obj)
	require.NotNil(err)
}
