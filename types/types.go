// This package defines the identifier types shared by every part of courier. Accounts are
// addressed by a service id, devices by a small numeric id unique within their account.
package types

import (
	crypto_rand "crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// The id of a destination account as known to the rest of the service.
type AccountID uuid.UUID

func NewAccountID() AccountID {
	return AccountID(uuid.New())
}

func ParseAccountID(s string) (AccountID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return AccountID{}, fmt.Errorf("types: parsing account id: %w", err)
	}
	return AccountID(u), nil
}

func (a AccountID) String() string {
	return uuid.UUID(a).String()
}

// The id of a device within an account. 1 is always the primary device.
type DeviceID uint8

const PrimaryDevice DeviceID = 1

// MaxDeviceID bounds the per-account device range.
const MaxDeviceID DeviceID = 127

// The (account, device) pair every queue, presence and store operation is keyed on.
type Address struct {
	Account AccountID
	Device  DeviceID
}

func (a Address) String() string {
	return fmt.Sprintf("%s.%d", a.Account, a.Device)
}

// Key is the stable form used for cache and presence keys.
func (a Address) Key() string {
	return a.String()
}

// The identity of a server process, used to guard presence ownership. It is
// based on random 16 byte values.
type ProcessID [16]byte

func NewProcessID() ProcessID {
	var id [16]byte
	_, err := io.ReadFull(crypto_rand.Reader, id[:])
	if err != nil {
		panic("short read from random source")
	}
	return id
}

func (p ProcessID) String() string {
	return hex.EncodeToString(p[:])
}
