package rest

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/davidleathers/txsession/internal/infrastructure/database"
	"github.com/davidleathers/txsession/internal/service/session"
)

// ConnectResponse reports the session connect state
type ConnectResponse struct {
	Connected bool `json:"connected"`
}

// TransactionResponse identifies an open transaction. Handle is the id as a
// 128-bit little-endian integer in hex, for clients that store ids as integers.
type TransactionResponse struct {
	ID     string `json:"id"`
	Handle string `json:"handle"`
}

func newTransactionResponse(id uuid.UUID) TransactionResponse {
	hi, lo := session.Uint128(id)
	return TransactionResponse{
		ID:     id.String(),
		Handle: fmt.Sprintf("%016x%016x", hi, lo),
	}
}

// TransactionListResponse lists open transactions in the order they were opened
type TransactionListResponse struct {
	Transactions []TransactionResponse `json:"transactions"`
	Count        int                   `json:"count"`
}

// FinalizeResponse reports a finished transaction
type FinalizeResponse struct {
	ID     string `json:"id,omitempty"`
	Status string `json:"status"`
}

// ExecuteResponse reports the affected row count
type ExecuteResponse struct {
	RowsAffected uint64 `json:"rows_affected"`
}

// QueryResponse carries projected rows. Each value is base64 or null.
type QueryResponse struct {
	Columns []string                `json:"columns"`
	Rows    []database.ProjectedRow `json:"rows"`
}

// QueryOptResponse carries at most one projected row
type QueryOptResponse struct {
	Columns []string              `json:"columns"`
	Found   bool                  `json:"found"`
	Row     database.ProjectedRow `json:"row"`
}
