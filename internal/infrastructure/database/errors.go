package database

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	domainErrors "github.com/davidleathers/txsession/internal/domain/errors"
)

// driverError classifies a failure reported by the driver or engine. Engine
// errors keep their SQLSTATE as the code and carry the engine detail verbatim.
func driverError(err error, message string) error {
	if err == nil {
		return nil
	}

	var appErr *domainErrors.AppError
	if errors.As(err, &appErr) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		details := map[string]interface{}{
			"sqlstate": pgErr.Code,
			"severity": pgErr.Severity,
		}
		if pgErr.Detail != "" {
			details["detail"] = pgErr.Detail
		}
		if pgErr.Hint != "" {
			details["hint"] = pgErr.Hint
		}
		if pgErr.ConstraintName != "" {
			details["constraint"] = pgErr.ConstraintName
		}
		if pgErr.TableName != "" {
			details["table"] = pgErr.TableName
		}
		if pgErr.ColumnName != "" {
			details["column"] = pgErr.ColumnName
		}
		return domainErrors.NewDriverError(pgErr.Code, message).
			WithCause(err).
			WithDetails(details)
	}

	return domainErrors.NewDriverError("DRIVER_ERROR", message).WithCause(err)
}

// connectionError classifies a failure to establish a physical connection.
func connectionError(err error) error {
	if err == nil {
		return nil
	}
	return domainErrors.NewConnectionError("failed to connect to database").WithCause(err)
}
