// Package history defines the domain types shared by the ledger store,
// the ingestion pipeline, and the presentation layers.
package history

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ChangeType classifies an observation relative to its predecessor.
type ChangeType string

const (
	// ChangeInitial marks the first recorded point for a subject+field key.
	ChangeInitial ChangeType = "initial"
	// ChangeUpdate marks a delta against a previously recorded value.
	ChangeUpdate ChangeType = "update"
)

// ValueFormat controls how a stored value is rendered.
type ValueFormat string

const (
	FormatPercentage ValueFormat = "percentage"
	FormatCurrency   ValueFormat = "currency"
	FormatNumber     ValueFormat = "number"
)

// SubjectKind discriminates the two legal subject shapes.
type SubjectKind int

const (
	SubjectUnset SubjectKind = iota
	SubjectPost
	SubjectSource
)

// Subject identifies what an observation is about: either a post-backed
// entity or an external source stream. Construct via PostSubject or
// SourceSubject; the zero value is invalid and rejected by the store.
type Subject struct {
	kind       SubjectKind
	postID     int64
	sourceID   string
	sourceName string
}

// PostSubject builds a post-backed subject.
func PostSubject(postID int64) Subject {
	return Subject{kind: SubjectPost, postID: postID}
}

// SourceSubject builds an external-source subject.
func SourceSubject(sourceID, sourceName string) Subject {
	return Subject{kind: SubjectSource, sourceID: sourceID, sourceName: sourceName}
}

// Kind reports the subject variant.
func (s Subject) Kind() SubjectKind { return s.kind }

// PostID returns the post id and whether this is a post subject.
func (s Subject) PostID() (int64, bool) {
	return s.postID, s.kind == SubjectPost
}

// SourceID returns the source id and whether this is a source subject.
func (s Subject) SourceID() (string, bool) {
	return s.sourceID, s.kind == SubjectSource
}

// SourceName returns the display name carried by a source subject.
func (s Subject) SourceName() string { return s.sourceName }

// Valid reports whether the subject was built through a constructor.
func (s Subject) Valid() bool {
	switch s.kind {
	case SubjectPost:
		return s.postID > 0
	case SubjectSource:
		return s.sourceID != ""
	default:
		return false
	}
}

// Key renders a stable cache/grouping key for the subject.
func (s Subject) Key() string {
	switch s.kind {
	case SubjectPost:
		return fmt.Sprintf("post:%d", s.postID)
	case SubjectSource:
		return "source:" + s.sourceID
	default:
		return "unset"
	}
}

func (s Subject) String() string { return s.Key() }

// Observation is one row of the change ledger.
//
// ChangeAmount holds the raw point delta (new minus old); it is never a relative
// percentage. ChangeAmount is nil exactly when ChangeType is ChangeInitial,
// which in turn holds exactly when OldValue is nil.
type Observation struct {
	ID              int64
	Subject         Subject
	FieldName       string
	FieldCategory   string
	OldValue        *decimal.Decimal
	NewValue        decimal.Decimal
	ChangeAmount    *decimal.Decimal
	ChangeType      ChangeType
	ImportSource    string
	IsValidated     bool
	ValidationNotes string
	ChangeDate      time.Time
	ValueFormat     ValueFormat
	ValueSuffix     string
	Decimals        int
	CreatedAt       time.Time
}

// SourceDefinition describes a non-post value stream and how to render and
// poll it.
type SourceDefinition struct {
	ID          string
	DisplayName string
	Format      ValueFormat
	Suffix      string
	Decimals    int
	Enabled     bool
	PollURL     string
	PollJSONKey string
	Category    string
	FieldName   string
	UpdatedAt   time.Time
}

// Statistics aggregates ledger counts for dashboards.
type Statistics struct {
	Total            int64
	Today            int64
	ThisWeek         int64
	UnvalidatedCount int64
	TopFields        []FieldCount
	TopSubjects      []SubjectCount
}

// FieldCount pairs a field name with its observation count.
type FieldCount struct {
	FieldName string
	Count     int64
}

// SubjectCount pairs a subject key with its observation count.
type SubjectCount struct {
	SubjectKey string
	Count      int64
}
