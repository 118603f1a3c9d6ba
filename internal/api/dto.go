package api

import (
	"errors"
	"time"

	"github.com/hogmalmsmedia/ratewatch/internal/history"
)

var errAmbiguousSubject = errors.New("exactly one of post_id and source_id must be set")

// observationRequest is the write-side payload for single and batch
// ingestion. Values travel as raw strings and go through the normalizer.
type observationRequest struct {
	PostID     int64  `json:"post_id,omitempty"`
	SourceID   string `json:"source_id,omitempty"`
	SourceName string `json:"source_name,omitempty"`
	FieldName  string `json:"field_name"`
	Category   string `json:"field_category,omitempty"`
	Value      string `json:"value"`
	Provenance string `json:"import_source,omitempty"`
	ChangeDate string `json:"change_date,omitempty"`
	Format     string `json:"value_format,omitempty"`
	Suffix     string `json:"value_suffix,omitempty"`
	Decimals   int    `json:"decimals,omitempty"`
}

func (r observationRequest) subject() (history.Subject, error) {
	switch {
	case r.PostID > 0 && r.SourceID == "":
		return history.PostSubject(r.PostID), nil
	case r.PostID == 0 && r.SourceID != "":
		return history.SourceSubject(r.SourceID, r.SourceName), nil
	default:
		return history.Subject{}, errAmbiguousSubject
	}
}

func (r observationRequest) changeDate() (time.Time, error) {
	if r.ChangeDate == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, r.ChangeDate)
}

// observationDTO is the read-side shape. Numeric fields are decimal
// strings so precision survives the JSON round trip.
type observationDTO struct {
	ID              int64     `json:"id"`
	PostID          *int64    `json:"post_id,omitempty"`
	SourceID        string    `json:"source_id,omitempty"`
	SourceName      string    `json:"source_name,omitempty"`
	FieldName       string    `json:"field_name"`
	FieldCategory   string    `json:"field_category,omitempty"`
	OldValue        *string   `json:"old_value,omitempty"`
	NewValue        string    `json:"new_value"`
	ChangeAmount    *string   `json:"change_amount,omitempty"`
	ChangeType      string    `json:"change_type"`
	ImportSource    string    `json:"import_source"`
	IsValidated     bool      `json:"is_validated"`
	ValidationNotes string    `json:"validation_notes,omitempty"`
	ChangeDate      time.Time `json:"change_date"`
	ValueFormat     string    `json:"value_format"`
	ValueSuffix     string    `json:"value_suffix,omitempty"`
	Decimals        int       `json:"decimals"`
	CreatedAt       time.Time `json:"created_at"`
}

func toDTO(obs history.Observation) observationDTO {
	dto := observationDTO{
		ID:              obs.ID,
		FieldName:       obs.FieldName,
		FieldCategory:   obs.FieldCategory,
		NewValue:        obs.NewValue.String(),
		ChangeType:      string(obs.ChangeType),
		ImportSource:    obs.ImportSource,
		IsValidated:     obs.IsValidated,
		ValidationNotes: obs.ValidationNotes,
		ChangeDate:      obs.ChangeDate,
		ValueFormat:     string(obs.ValueFormat),
		ValueSuffix:     obs.ValueSuffix,
		Decimals:        obs.Decimals,
		CreatedAt:       obs.CreatedAt,
	}

	if id, ok := obs.Subject.PostID(); ok {
		dto.PostID = &id
	}
	if id, ok := obs.Subject.SourceID(); ok {
		dto.SourceID = id
		dto.SourceName = obs.Subject.SourceName()
	}
	if obs.OldValue != nil {
		old := obs.OldValue.String()
		dto.OldValue = &old
	}
	if obs.ChangeAmount != nil {
		amount := obs.ChangeAmount.String()
		dto.ChangeAmount = &amount
	}
	return dto
}

func toDTOs(observations []history.Observation) []observationDTO {
	dtos := make([]observationDTO, 0, len(observations))
	for _, obs := range observations {
		dtos = append(dtos, toDTO(obs))
	}
	return dtos
}

// sourceDTO mirrors history.SourceDefinition on the wire.
type sourceDTO struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	Format      string    `json:"value_format"`
	Suffix      string    `json:"value_suffix,omitempty"`
	Decimals    int       `json:"decimals"`
	Enabled     bool      `json:"enabled"`
	PollURL     string    `json:"poll_url,omitempty"`
	PollJSONKey string    `json:"poll_json_key,omitempty"`
	Category    string    `json:"category,omitempty"`
	FieldName   string    `json:"field_name"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func toSourceDTO(def history.SourceDefinition) sourceDTO {
	return sourceDTO{
		ID:          def.ID,
		DisplayName: def.DisplayName,
		Format:      string(def.Format),
		Suffix:      def.Suffix,
		Decimals:    def.Decimals,
		Enabled:     def.Enabled,
		PollURL:     def.PollURL,
		PollJSONKey: def.PollJSONKey,
		Category:    def.Category,
		FieldName:   def.FieldName,
		UpdatedAt:   def.UpdatedAt,
	}
}

func fromSourceDTO(dto sourceDTO) history.SourceDefinition {
	return history.SourceDefinition{
		ID:          dto.ID,
		DisplayName: dto.DisplayName,
		Format:      history.ValueFormat(dto.Format),
		Suffix:      dto.Suffix,
		Decimals:    dto.Decimals,
		Enabled:     dto.Enabled,
		PollURL:     dto.PollURL,
		PollJSONKey: dto.PollJSONKey,
		Category:    dto.Category,
		FieldName:   dto.FieldName,
	}
}

// statisticsDTO mirrors history.Statistics on the wire.
type statisticsDTO struct {
	Total            int64             `json:"total"`
	Today            int64             `json:"today"`
	ThisWeek         int64             `json:"this_week"`
	UnvalidatedCount int64             `json:"unvalidated_count"`
	TopFields        []fieldCountDTO   `json:"top_fields"`
	TopSubjects      []subjectCountDTO `json:"top_subjects"`
}

type fieldCountDTO struct {
	FieldName string `json:"field_name"`
	Count     int64  `json:"count"`
}

type subjectCountDTO struct {
	SubjectKey string `json:"subject_key"`
	Count      int64  `json:"count"`
}

func toStatisticsDTO(stats history.Statistics) statisticsDTO {
	dto := statisticsDTO{
		Total:            stats.Total,
		Today:            stats.Today,
		ThisWeek:         stats.ThisWeek,
		UnvalidatedCount: stats.UnvalidatedCount,
		TopFields:        make([]fieldCountDTO, 0, len(stats.TopFields)),
		TopSubjects:      make([]subjectCountDTO, 0, len(stats.TopSubjects)),
	}
	for _, fc := range stats.TopFields {
		dto.TopFields = append(dto.TopFields, fieldCountDTO{FieldName: fc.FieldName, Count: fc.Count})
	}
	for _, sc := range stats.TopSubjects {
		dto.TopSubjects = append(dto.TopSubjects, subjectCountDTO{SubjectKey: sc.SubjectKey, Count: sc.Count})
	}
	return dto
}
