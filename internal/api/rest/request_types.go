package rest

// ConnectRequest opens the session connection.
type ConnectRequest struct {
	Host     string `json:"host" validate:"required,notblank"`
	Port     int    `json:"port" validate:"required,min=1,max=65535"`
	User     string `json:"user" validate:"required"`
	Password string `json:"password"`
	Database string `json:"database" validate:"required"`
}

// StatementRequest runs a non-returning statement. Params are positional and
// base64 encoded; a JSON null binds SQL NULL.
type StatementRequest struct {
	Query  string   `json:"query" validate:"required,notblank"`
	Params [][]byte `json:"params"`
}

// QueryRequest runs a returning statement and projects Columns from each row.
type QueryRequest struct {
	Query   string   `json:"query" validate:"required,notblank"`
	Params  [][]byte `json:"params"`
	Columns []string `json:"columns" validate:"required,dive,required"`
}
