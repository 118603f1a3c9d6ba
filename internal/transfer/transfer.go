// Package transfer moves observations in and out as CSV or JSON. The
// formats are best-effort tabular dumps, not versioned contracts; CSV
// import accepts several synonym header names per logical column.
package transfer

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/hogmalmsmedia/ratewatch/internal/history"
	"github.com/hogmalmsmedia/ratewatch/internal/ingest"
)

// headerSynonyms maps accepted CSV header spellings onto canonical
// column names.
var headerSynonyms = map[string]string{
	"field":          "field_name",
	"field_name":     "field_name",
	"attribute":      "field_name",
	"value":          "new_value",
	"new_value":      "new_value",
	"rate":           "new_value",
	"date":           "change_date",
	"change_date":    "change_date",
	"timestamp":      "change_date",
	"post":           "post_id",
	"post_id":        "post_id",
	"subject_id":     "post_id",
	"source":         "source_id",
	"source_id":      "source_id",
	"source_name":    "source_name",
	"category":       "field_category",
	"field_category": "field_category",
	"loan_type":      "field_category",
	"import_source":  "import_source",
	"provenance":     "import_source",
	"format":         "value_format",
	"value_format":   "value_format",
	"suffix":         "value_suffix",
	"value_suffix":   "value_suffix",
	"decimals":       "decimals",
}

// dateLayouts are tried in order when parsing change_date cells.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Summary reports what an import run did.
type Summary struct {
	RunID    string `json:"run_id"`
	Rows     int    `json:"rows"`
	Inserted int    `json:"inserted"`
	Skipped  int    `json:"skipped"`
	Rejected int    `json:"rejected"`
}

// Importer feeds file records through the batch ingestion path.
type Importer struct {
	ingester *ingest.Ingester
	logger   zerolog.Logger
}

// NewImporter builds an Importer.
func NewImporter(ingester *ingest.Ingester, logger zerolog.Logger) *Importer {
	return &Importer{
		ingester: ingester,
		logger:   logger.With().Str("component", "transfer").Logger(),
	}
}

// jsonRecord is the import/export record shape.
type jsonRecord struct {
	PostID        int64  `json:"post_id,omitempty"`
	SourceID      string `json:"source_id,omitempty"`
	SourceName    string `json:"source_name,omitempty"`
	FieldName     string `json:"field_name"`
	FieldCategory string `json:"field_category,omitempty"`
	OldValue      string `json:"old_value,omitempty"`
	NewValue      string `json:"new_value"`
	ChangeAmount  string `json:"change_amount,omitempty"`
	ChangeType    string `json:"change_type,omitempty"`
	ImportSource  string `json:"import_source,omitempty"`
	IsValidated   *bool  `json:"is_validated,omitempty"`
	ChangeDate    string `json:"change_date,omitempty"`
	ValueFormat   string `json:"value_format,omitempty"`
	ValueSuffix   string `json:"value_suffix,omitempty"`
	Decimals      int    `json:"decimals,omitempty"`
}

func (r jsonRecord) candidate() (ingest.Candidate, bool) {
	var subject history.Subject
	switch {
	case r.PostID > 0 && r.SourceID == "":
		subject = history.PostSubject(r.PostID)
	case r.PostID == 0 && r.SourceID != "":
		subject = history.SourceSubject(r.SourceID, r.SourceName)
	default:
		return ingest.Candidate{}, false
	}

	cand := ingest.Candidate{
		Subject:    subject,
		FieldName:  r.FieldName,
		Category:   r.FieldCategory,
		RawValue:   r.NewValue,
		Provenance: r.ImportSource,
		Format:     history.ValueFormat(r.ValueFormat),
		Suffix:     r.ValueSuffix,
		Decimals:   r.Decimals,
	}
	if r.ChangeDate != "" {
		if at, ok := parseDate(r.ChangeDate); ok {
			cand.ChangeDate = at
		}
	}
	return cand, true
}

func parseDate(s string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if at, err := time.Parse(layout, s); err == nil {
			return at, true
		}
	}
	return time.Time{}, false
}

// ImportCSV streams one CSV file through the batch path. Unknown columns
// are ignored; rows missing a subject or value are counted as rejected.
func (imp *Importer) ImportCSV(ctx context.Context, reader io.Reader) (Summary, error) {
	cr := csv.NewReader(reader)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return Summary{}, fmt.Errorf("read csv header: %w", err)
	}

	columns := make(map[int]string, len(header))
	for i, name := range header {
		key := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), " ", "_")
		if canonical, ok := headerSynonyms[key]; ok {
			columns[i] = canonical
		}
	}

	batch := imp.ingester.NewBatch()
	summary := Summary{RunID: batch.RunID()}

	for {
		row, readErr := cr.Read()
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return summary, fmt.Errorf("read csv row: %w", readErr)
		}

		record := jsonRecord{ImportSource: "csv_import"}
		for i, cell := range row {
			canonical, mapped := columns[i]
			if !mapped {
				continue
			}
			cell = strings.TrimSpace(cell)
			switch canonical {
			case "field_name":
				record.FieldName = cell
			case "new_value":
				record.NewValue = cell
			case "change_date":
				record.ChangeDate = cell
			case "post_id":
				record.PostID, _ = strconv.ParseInt(cell, 10, 64)
			case "source_id":
				record.SourceID = cell
			case "source_name":
				record.SourceName = cell
			case "field_category":
				record.FieldCategory = cell
			case "import_source":
				if cell != "" {
					record.ImportSource = cell
				}
			case "value_format":
				record.ValueFormat = cell
			case "value_suffix":
				record.ValueSuffix = cell
			case "decimals":
				record.Decimals, _ = strconv.Atoi(cell)
			}
		}

		summary.Rows++
		imp.tally(ctx, batch, record, &summary)
	}

	if _, err := batch.Flush(ctx); err != nil {
		return summary, err
	}
	imp.logger.Info().
		Str("run_id", summary.RunID).
		Int("rows", summary.Rows).
		Int("inserted", summary.Inserted).
		Msg("csv import finished")
	return summary, nil
}

// ImportJSON ingests an array of observation-shaped records.
func (imp *Importer) ImportJSON(ctx context.Context, reader io.Reader) (Summary, error) {
	var records []jsonRecord
	if err := json.NewDecoder(reader).Decode(&records); err != nil {
		return Summary{}, fmt.Errorf("decode json import: %w", err)
	}

	batch := imp.ingester.NewBatch()
	summary := Summary{RunID: batch.RunID(), Rows: len(records)}

	for _, record := range records {
		if record.ImportSource == "" {
			record.ImportSource = "json_import"
		}
		imp.tally(ctx, batch, record, &summary)
	}

	if _, err := batch.Flush(ctx); err != nil {
		return summary, err
	}
	imp.logger.Info().
		Str("run_id", summary.RunID).
		Int("rows", summary.Rows).
		Int("inserted", summary.Inserted).
		Msg("json import finished")
	return summary, nil
}

func (imp *Importer) tally(ctx context.Context, batch *ingest.Batch, record jsonRecord, summary *Summary) {
	cand, ok := record.candidate()
	if !ok {
		summary.Rejected++
		return
	}
	outcome, err := batch.Add(ctx, cand)
	if err != nil {
		imp.logger.Warn().Err(err).Str("field", cand.FieldName).Msg("import row failed")
		summary.Rejected++
		return
	}
	switch outcome {
	case ingest.Inserted:
		summary.Inserted++
	case ingest.Skipped:
		summary.Skipped++
	default:
		summary.Rejected++
	}
}

// exportHeader is the canonical CSV column order; export mirrors the
// import field set.
var exportHeader = []string{
	"id", "post_id", "source_id", "source_name", "field_name", "field_category",
	"old_value", "new_value", "change_amount", "change_type", "import_source",
	"is_validated", "validation_notes", "change_date", "value_format", "value_suffix", "decimals",
}

// WriteCSV dumps observations as CSV.
func WriteCSV(writer io.Writer, observations []history.Observation) error {
	cw := csv.NewWriter(writer)
	defer cw.Flush()

	if err := cw.Write(exportHeader); err != nil {
		return err
	}

	for _, obs := range observations {
		record := make([]string, 0, len(exportHeader))
		record = append(record, strconv.FormatInt(obs.ID, 10))

		postCell, sourceCell, nameCell := "", "", ""
		if id, ok := obs.Subject.PostID(); ok {
			postCell = strconv.FormatInt(id, 10)
		}
		if id, ok := obs.Subject.SourceID(); ok {
			sourceCell = id
			nameCell = obs.Subject.SourceName()
		}
		record = append(record, postCell, sourceCell, nameCell, obs.FieldName, obs.FieldCategory)

		oldCell, amountCell := "", ""
		if obs.OldValue != nil {
			oldCell = obs.OldValue.String()
		}
		if obs.ChangeAmount != nil {
			amountCell = obs.ChangeAmount.String()
		}
		record = append(record,
			oldCell, obs.NewValue.String(), amountCell, string(obs.ChangeType), obs.ImportSource,
			strconv.FormatBool(obs.IsValidated), obs.ValidationNotes,
			obs.ChangeDate.UTC().Format(time.RFC3339),
			string(obs.ValueFormat), obs.ValueSuffix, strconv.Itoa(obs.Decimals),
		)

		if err := cw.Write(record); err != nil {
			return err
		}
	}
	return cw.Error()
}

// WriteJSON dumps observations as a JSON array in the import shape.
func WriteJSON(writer io.Writer, observations []history.Observation) error {
	records := make([]jsonRecord, 0, len(observations))
	for _, obs := range observations {
		record := jsonRecord{
			FieldName:     obs.FieldName,
			FieldCategory: obs.FieldCategory,
			NewValue:      obs.NewValue.String(),
			ChangeType:    string(obs.ChangeType),
			ImportSource:  obs.ImportSource,
			ChangeDate:    obs.ChangeDate.UTC().Format(time.RFC3339),
			ValueFormat:   string(obs.ValueFormat),
			ValueSuffix:   obs.ValueSuffix,
			Decimals:      obs.Decimals,
		}
		if id, ok := obs.Subject.PostID(); ok {
			record.PostID = id
		}
		if id, ok := obs.Subject.SourceID(); ok {
			record.SourceID = id
			record.SourceName = obs.Subject.SourceName()
		}
		if obs.OldValue != nil {
			record.OldValue = obs.OldValue.String()
		}
		if obs.ChangeAmount != nil {
			record.ChangeAmount = obs.ChangeAmount.String()
		}
		validated := obs.IsValidated
		record.IsValidated = &validated
		records = append(records, record)
	}

	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(records)
}
