package rest

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davidleathers/txsession/internal/infrastructure/database"
	"github.com/davidleathers/txsession/internal/service/session"
)

// SessionService is the session surface exposed over HTTP
type SessionService interface {
	Connect(ctx context.Context, params session.ConnectParams) error
	Connected() bool
	OpenTransaction(ctx context.Context) (uuid.UUID, error)
	OpenTransactions() []uuid.UUID
	Execute(ctx context.Context, query string, params [][]byte) (uint64, error)
	ExecuteInTransaction(ctx context.Context, id uuid.UUID, query string, params [][]byte) (uint64, error)
	Query(ctx context.Context, query string, params [][]byte, columns []string) ([]database.ProjectedRow, error)
	QueryOpt(ctx context.Context, query string, params [][]byte, columns []string) (database.ProjectedRow, bool, error)
	QueryInTransaction(ctx context.Context, id uuid.UUID, query string, params [][]byte, columns []string) ([]database.ProjectedRow, error)
	QueryOptInTransaction(ctx context.Context, id uuid.UUID, query string, params [][]byte, columns []string) (database.ProjectedRow, bool, error)
	Commit(ctx context.Context, id uuid.UUID) error
	Rollback(ctx context.Context, id uuid.UUID) error
	CommitAll(ctx context.Context) error
	RollbackAll(ctx context.Context) error
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Handler serves the session API
type Handler struct {
	*BaseHandler
	session SessionService
	logger  *zap.Logger
}

// NewHandler creates the session API handler
func NewHandler(svc SessionService, apiVersion string, logger *zap.Logger) *Handler {
	return &Handler{
		BaseHandler: NewBaseHandler(apiVersion, logger),
		session:     svc,
		logger:      logger,
	}
}

// RegisterRoutes registers the session routes on mux
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	routes := []struct {
		method  string
		pattern string
		handler func(context.Context, *http.Request) (interface{}, error)
		opts    []HandlerOption
	}{
		{"POST", "/v1/session/connect", h.handleConnect, nil},
		{"POST", "/v1/session/close", h.handleClose, nil},
		{"POST", "/v1/transactions", h.handleOpenTransaction, []HandlerOption{WithStatus(http.StatusCreated)}},
		{"GET", "/v1/transactions", h.handleListTransactions, nil},
		{"POST", "/v1/transactions/commit-all", h.handleCommitAll, nil},
		{"POST", "/v1/transactions/rollback-all", h.handleRollbackAll, nil},
		{"POST", "/v1/transactions/{id}/commit", h.handleCommit, nil},
		{"POST", "/v1/transactions/{id}/rollback", h.handleRollback, nil},
		{"POST", "/v1/transactions/{id}/execute", h.handleExecuteInTransaction, nil},
		{"POST", "/v1/transactions/{id}/query", h.handleQueryInTransaction, nil},
		{"POST", "/v1/transactions/{id}/query-opt", h.handleQueryOptInTransaction, nil},
		{"POST", "/v1/execute", h.handleExecute, nil},
		{"POST", "/v1/query", h.handleQuery, nil},
		{"POST", "/v1/query-opt", h.handleQueryOpt, nil},
	}

	for _, rt := range routes {
		mux.Handle(rt.method+" "+rt.pattern, h.WrapHandler(rt.method, rt.pattern, rt.handler, rt.opts...))
	}
}

func (h *Handler) handleConnect(ctx context.Context, r *http.Request) (interface{}, error) {
	var req ConnectRequest
	if err := h.DecodeAndValidate(r, &req); err != nil {
		return nil, err
	}

	err := h.session.Connect(ctx, session.ConnectParams{
		Host:     req.Host,
		Port:     req.Port,
		User:     req.User,
		Password: req.Password,
		Database: req.Database,
	})
	if err != nil {
		return nil, err
	}
	return ConnectResponse{Connected: true}, nil
}

// handleClose rolls back every open transaction and drops the session
// connection so that a later connect starts fresh.
func (h *Handler) handleClose(ctx context.Context, r *http.Request) (interface{}, error) {
	if err := h.session.Close(ctx); err != nil {
		return nil, err
	}
	return ConnectResponse{Connected: false}, nil
}

func (h *Handler) handleOpenTransaction(ctx context.Context, r *http.Request) (interface{}, error) {
	id, err := h.session.OpenTransaction(ctx)
	if err != nil {
		return nil, err
	}
	return newTransactionResponse(id), nil
}

func (h *Handler) handleListTransactions(ctx context.Context, r *http.Request) (interface{}, error) {
	ids := h.session.OpenTransactions()
	resp := TransactionListResponse{
		Transactions: make([]TransactionResponse, len(ids)),
		Count:        len(ids),
	}
	for i, id := range ids {
		resp.Transactions[i] = newTransactionResponse(id)
	}
	return resp, nil
}

func (h *Handler) handleCommit(ctx context.Context, r *http.Request) (interface{}, error) {
	id, err := session.ParseTransactionID(r.PathValue("id"))
	if err != nil {
		return nil, err
	}
	if err := h.session.Commit(ctx, id); err != nil {
		return nil, err
	}
	return FinalizeResponse{ID: id.String(), Status: "committed"}, nil
}

func (h *Handler) handleRollback(ctx context.Context, r *http.Request) (interface{}, error) {
	id, err := session.ParseTransactionID(r.PathValue("id"))
	if err != nil {
		return nil, err
	}
	if err := h.session.Rollback(ctx, id); err != nil {
		return nil, err
	}
	return FinalizeResponse{ID: id.String(), Status: "rolled_back"}, nil
}

func (h *Handler) handleCommitAll(ctx context.Context, r *http.Request) (interface{}, error) {
	if err := h.session.CommitAll(ctx); err != nil {
		return nil, err
	}
	return FinalizeResponse{Status: "committed"}, nil
}

func (h *Handler) handleRollbackAll(ctx context.Context, r *http.Request) (interface{}, error) {
	if err := h.session.RollbackAll(ctx); err != nil {
		return nil, err
	}
	return FinalizeResponse{Status: "rolled_back"}, nil
}

func (h *Handler) handleExecute(ctx context.Context, r *http.Request) (interface{}, error) {
	var req StatementRequest
	if err := h.DecodeAndValidate(r, &req); err != nil {
		return nil, err
	}

	n, err := h.session.Execute(ctx, req.Query, req.Params)
	if err != nil {
		return nil, err
	}
	return ExecuteResponse{RowsAffected: n}, nil
}

func (h *Handler) handleExecuteInTransaction(ctx context.Context, r *http.Request) (interface{}, error) {
	id, err := session.ParseTransactionID(r.PathValue("id"))
	if err != nil {
		return nil, err
	}
	var req StatementRequest
	if err := h.DecodeAndValidate(r, &req); err != nil {
		return nil, err
	}

	n, err := h.session.ExecuteInTransaction(ctx, id, req.Query, req.Params)
	if err != nil {
		return nil, err
	}
	return ExecuteResponse{RowsAffected: n}, nil
}

func (h *Handler) handleQuery(ctx context.Context, r *http.Request) (interface{}, error) {
	var req QueryRequest
	if err := h.DecodeAndValidate(r, &req); err != nil {
		return nil, err
	}

	rows, err := h.session.Query(ctx, req.Query, req.Params, req.Columns)
	if err != nil {
		return nil, err
	}
	return QueryResponse{Columns: req.Columns, Rows: rows}, nil
}

func (h *Handler) handleQueryInTransaction(ctx context.Context, r *http.Request) (interface{}, error) {
	id, err := session.ParseTransactionID(r.PathValue("id"))
	if err != nil {
		return nil, err
	}
	var req QueryRequest
	if err := h.DecodeAndValidate(r, &req); err != nil {
		return nil, err
	}

	rows, err := h.session.QueryInTransaction(ctx, id, req.Query, req.Params, req.Columns)
	if err != nil {
		return nil, err
	}
	return QueryResponse{Columns: req.Columns, Rows: rows}, nil
}

func (h *Handler) handleQueryOpt(ctx context.Context, r *http.Request) (interface{}, error) {
	var req QueryRequest
	if err := h.DecodeAndValidate(r, &req); err != nil {
		return nil, err
	}

	row, found, err := h.session.QueryOpt(ctx, req.Query, req.Params, req.Columns)
	if err != nil {
		return nil, err
	}
	return QueryOptResponse{Columns: req.Columns, Found: found, Row: row}, nil
}

func (h *Handler) handleQueryOptInTransaction(ctx context.Context, r *http.Request) (interface{}, error) {
	id, err := session.ParseTransactionID(r.PathValue("id"))
	if err != nil {
		return nil, err
	}
	var req QueryRequest
	if err := h.DecodeAndValidate(r, &req); err != nil {
		return nil, err
	}

	row, found, err := h.session.QueryOptInTransaction(ctx, id, req.Query, req.Params, req.Columns)
	if err != nil {
		return nil, err
	}
	return QueryOptResponse{Columns: req.Columns, Found: found, Row: row}, nil
}
