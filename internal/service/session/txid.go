package session

import (
	"encoding/binary"

	"github.com/google/uuid"

	domainErrors "github.com/davidleathers/txsession/internal/domain/errors"
)

// ParseTransactionID parses the canonical string form of a transaction id.
func ParseTransactionID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, domainErrors.NewValidationError("INVALID_TRANSACTION_ID", "invalid transaction id").WithCause(err)
	}
	return id, nil
}

// TransactionIDFromUint128 rebuilds an id from its 128-bit integer form, where
// the id bytes are read as a little-endian integer split into hi and lo halves.
func TransactionIDFromUint128(hi, lo uint64) uuid.UUID {
	var id uuid.UUID
	binary.LittleEndian.PutUint64(id[0:8], lo)
	binary.LittleEndian.PutUint64(id[8:16], hi)
	return id
}

// Uint128 returns the 128-bit little-endian integer form of id.
func Uint128(id uuid.UUID) (hi, lo uint64) {
	return binary.LittleEndian.Uint64(id[8:16]), binary.LittleEndian.Uint64(id[0:8])
}
