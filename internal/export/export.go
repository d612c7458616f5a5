// Package export serializes a filtered alert view into flat delimited text
// for download and offline reporting.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/linnemanlabs/lifeline/internal/crisis"
)

// termDelimiter joins trigger terms inside the single trigger_terms column.
const termDelimiter = "|"

// timeLayout is the fixed createdAt format in exported rows.
const timeLayout = time.RFC3339

// Header is the fixed column set, in order.
var Header = []string{
	"id",
	"person_name",
	"responder_name",
	"source",
	"tier",
	"status",
	"created_at",
	"trigger_terms",
}

// RowError reports one record skipped during export. A corrupt alert must
// never hide the rest of the queue, so Write collects these instead of
// aborting.
type RowError struct {
	Index  int
	ID     string
	Reason string
}

func (e RowError) Error() string {
	return fmt.Sprintf("export: row %d (id %q) skipped: %s", e.Index, e.ID, e.Reason)
}

// Write serializes alerts as RFC 4180 CSV in input order, one row per alert
// after the header. Quoting and delimiter escaping follow encoding/csv.
// Returns the number of data rows written plus a RowError for each record
// skipped as malformed.
func Write(w io.Writer, alerts []*crisis.Alert) (int, []RowError, error) {
	cw := csv.NewWriter(w)

	if err := cw.Write(Header); err != nil {
		return 0, nil, fmt.Errorf("write header: %w", err)
	}

	var written int
	var skipped []RowError
	for i, a := range alerts {
		if reason := malformed(a); reason != "" {
			id := ""
			if a != nil {
				id = a.ID
			}
			skipped = append(skipped, RowError{Index: i, ID: id, Reason: reason})
			continue
		}
		row := []string{
			a.ID,
			a.PersonName,
			a.AssignedResponderName,
			string(a.Source),
			strconv.Itoa(int(a.Tier)),
			string(a.Status),
			a.CreatedAt.UTC().Format(timeLayout),
			strings.Join(a.TriggerTerms, termDelimiter),
		}
		if err := cw.Write(row); err != nil {
			return written, skipped, fmt.Errorf("write row %d: %w", i, err)
		}
		written++
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return written, skipped, fmt.Errorf("flush: %w", err)
	}
	return written, skipped, nil
}

// Filename returns the download filename for an export taken at now,
// embedding the export date.
func Filename(now time.Time) string {
	return "crisis-alerts-" + now.UTC().Format("2006-01-02") + ".csv"
}

// malformed returns a non-empty reason when the record cannot be exported.
func malformed(a *crisis.Alert) string {
	switch {
	case a == nil:
		return "nil record"
	case a.ID == "":
		return "missing id"
	case !a.Source.Valid():
		return "unknown source " + string(a.Source)
	case !a.Status.Valid():
		return "unknown status " + string(a.Status)
	case a.CreatedAt.IsZero():
		return "missing created_at"
	}
	return ""
}
