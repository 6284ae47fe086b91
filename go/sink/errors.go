package sink

import (
	"errors"

	"github.com/jackc/pgconn"
	log "github.com/sirupsen/logrus"
)

// describeError enriches log fields with postgres error detail when the
// error carries it, so failed batches are diagnosable from logs alone.
func describeError(fields log.Fields, err error) log.Fields {
	fields["error"] = err

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		fields["pgCode"] = pgErr.Code
		fields["pgMessage"] = pgErr.Message
		if pgErr.Detail != "" {
			fields["pgDetail"] = pgErr.Detail
		}
		if pgErr.ColumnName != "" {
			fields["pgColumn"] = pgErr.ColumnName
		}
	}
	return fields
}
