package mlsdb

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/containerd/log"
	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Zero values substituted for empty temporal fields. The feed distinguishes
// "no value" from NULL by convention; temporal columns are declared NOT NULL
// with these defaults.
const (
	zeroDate     = "0000-00-00"
	zeroDateTime = "0000-00-00 00:00:00"
	zeroTime     = "00:00:00"
)

var forColumnRe = regexp.MustCompile(`for column '([^']+)'`)

// Replace upserts a batch of records into a table via REPLACE INTO, keyed on
// the table's declared primary key. Row-level failures are logged with the
// offending column and value and do not stop the batch. Returns the number
// of rows written.
func (d *DB) Replace(ctx context.Context, table string, records []map[string]string) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	types, err := d.ColumnTypes(ctx, table)
	if err != nil {
		return 0, err
	}

	// Deterministic column order, restricted to columns the table has.
	var columns []string
	for name := range records[0] {
		if _, ok := types[name]; ok {
			columns = append(columns, name)
		}
	}
	sort.Strings(columns)
	if len(columns) == 0 {
		return 0, errors.Errorf("no record field matches a column of %s", table)
	}

	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = "`" + c + "`"
	}
	query := fmt.Sprintf("REPLACE INTO `%s` (%s) VALUES (%s)",
		table, strings.Join(quoted, ", "), strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", "))

	written := 0
	for _, rec := range records {
		args := make([]interface{}, len(columns))
		for i, c := range columns {
			args[i] = sanitizeValue(rec[c], types[c])
		}
		if _, err := d.ExecContext(ctx, query, args...); err != nil {
			logRowError(ctx, err, table, rec)
			continue
		}
		written++
	}
	return written, nil
}

// sanitizeValue prepares one incoming field for binding: empty temporal
// fields become the column's zero value, other empty fields become NULL.
func sanitizeValue(value, dataType string) interface{} {
	if value != "" {
		return value
	}
	switch dataType {
	case "date":
		return zeroDate
	case "datetime", "timestamp":
		return zeroDateTime
	case "time":
		return zeroTime
	default:
		return nil
	}
}

// logRowError reports a row-level failure, extracting the offending column
// from the driver's message so the log carries the value that broke.
func logRowError(ctx context.Context, err error, table string, rec map[string]string) {
	fields := logrus.Fields{"table": table}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		fields["mysqlErrno"] = myErr.Number
	}
	if column := offendingColumn(err); column != "" {
		fields["column"] = column
		fields["value"] = rec[column]
	}
	log.G(ctx).WithError(err).WithFields(fields).Error("Row upsert failed, continuing batch")
}

// offendingColumn pulls the column name out of messages like
// "Incorrect integer value: 'x' for column 'L_Price' at row 1".
func offendingColumn(err error) string {
	if m := forColumnRe.FindStringSubmatch(err.Error()); m != nil {
		return m[1]
	}
	return ""
}
