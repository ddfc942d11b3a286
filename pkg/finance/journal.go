package finance

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"
)

// journalColumns is the JournalCsv.v1 header. Column order is part of the
// format; downstream importers bind by position.
var journalColumns = []string{
	"entryId", "account", "debitCents", "creditCents", "currency", "jobId", "memo",
}

// JournalCSV renders the batch as JournalCsv.v1 bytes. Rows follow batch
// order, which BuildGLBatch already made deterministic.
func JournalCSV(batch *GLBatch) ([]byte, error) {
	if batch == nil {
		return nil, fmt.Errorf("nil batch")
	}
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(journalColumns); err != nil {
		return nil, err
	}
	for _, e := range batch.Entries {
		row := []string{
			e.EntryID,
			e.Account,
			strconv.FormatInt(e.DebitCents, 10),
			strconv.FormatInt(e.CreditCents, 10),
			e.Currency,
			e.JobID,
			e.Memo,
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
