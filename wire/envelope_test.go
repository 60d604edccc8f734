package wire

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	require := require.New(t)

	in := &Envelope{
		Type:               TypeCiphertext,
		SourceService:      "5ad7c9a2-0b45-4c69-9385-92384fa92b39",
		SourceDevice:       2,
		DestinationService: "9ad6c54f-59b8-4c11-9c19-8a4edbb6e16c",
		ClientTimestamp:    1690000000000,
		ServerTimestamp:    1690000000123,
		ServerGUID:         uuid.New(),
		Content:            []byte{0xde, 0xad, 0xbe, 0xef},
		Urgent:             true,
	}
	buf, err := EncodeEnvelope(in)
	require.Nil(err)

	out, err := DecodeEnvelope(buf)
	require.Nil(err)
	require.Equal(EnvelopeVersion, out.Version)
	require.Equal(in.Type, out.Type)
	require.Equal(in.SourceService, out.SourceService)
	require.Equal(in.SourceDevice, out.SourceDevice)
	require.Equal(in.ServerGUID, out.ServerGUID)
	require.Equal(in.Content, out.Content)
	require.True(out.Urgent)
	require.False(out.Ephemeral)
	require.False(out.SealedSender())
}

func TestEnvelopeSealedSender(t *testing.T) {
	require := require.New(t)

	in := &Envelope{
		Type:               TypeCiphertext,
		DestinationService: "9ad6c54f-59b8-4c11-9c19-8a4edbb6e16c",
		ServerTimestamp:    1690000000123,
		ServerGUID:         uuid.New(),
		Content:            []byte{1, 2, 3},
	}
	buf, err := EncodeEnvelope(in)
	require.Nil(err)

	out, err := DecodeEnvelope(buf)
	require.Nil(err)
	require.True(out.SealedSender())
	require.Equal(uint8(0), out.SourceDevice)
}

func TestEnvelopeMalformed(t *testing.T) {
	require := require.New(t)

	_, err := DecodeEnvelope([]byte("d1:vi1ee"))
	require.ErrorIs(err, ErrMalformedEnvelope)

	_, err = DecodeEnvelope([]byte("garbage"))
	require.ErrorIs(err, ErrMalformedEnvelope)
}

func TestEnvelopeForwardCompatibility(t *testing.T) {
	require := require.New(t)

	in := &Envelope{
		Type:               TypeCiphertext,
		DestinationService: "9ad6c54f-59b8-4c11-9c19-8a4edbb6e16c",
		ServerTimestamp:    1,
		ServerGUID:         uuid.New(),
	}
	buf, err := EncodeEnvelope(in)
	require.Nil(err)

	// splice an unknown tag into the dictionary, as a newer writer would
	widened := append([]byte("d2:zzi9e"), buf[1:]...)
	out, err := DecodeEnvelope(widened)
	require.Nil(err)
	require.Equal(in.ServerGUID, out.ServerGUID)
}
