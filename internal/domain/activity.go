package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Activity is an ingested upstream workout. It is never updated once stored;
// adjustments are recorded as Corrections.
type Activity struct {
	ID         string
	UserID     string
	Provider   string
	ExternalID string
	BaseMiles  decimal.Decimal
	Duration   time.Duration
	StartedAt  time.Time
	CreatedAt  time.Time
}

// MilesScale is the number of decimal places the ledger keeps for miles.
const MilesScale = 3

var milesLimit = decimal.New(1, 9)

// CheckMiles rejects amounts the ledger cannot store exactly: more than
// MilesScale decimal places, or an absolute value of one billion or more.
func CheckMiles(field string, m decimal.Decimal) error {
	if !m.Equal(m.Truncate(MilesScale)) {
		return Invalid("%s %s has more than %d decimal places", field, m, MilesScale)
	}
	if m.Abs().GreaterThanOrEqual(milesLimit) {
		return Invalid("%s %s is out of range", field, m)
	}
	return nil
}

// DedupKey identifies a unique upstream activity.
type DedupKey struct {
	Provider   string
	ExternalID string
}

// Key returns the dedup key of the activity.
func (a Activity) Key() DedupKey {
	return DedupKey{Provider: a.Provider, ExternalID: a.ExternalID}
}

// CorrectionSource records who produced a correction.
type CorrectionSource string

const (
	CorrectionSourceManual CorrectionSource = "manual"
	CorrectionSourceSystem CorrectionSource = "system"
)

// Valid reports whether the source is a known value.
func (s CorrectionSource) Valid() bool {
	return s == CorrectionSourceManual || s == CorrectionSourceSystem
}

// Correction is a signed mileage delta against an activity.
type Correction struct {
	ID         string
	ActivityID string
	UserID     string
	DeltaMiles decimal.Decimal
	Reason     string
	Source     CorrectionSource
	CreatedAt  time.Time
}

// ActivityView is the effective-miles projection of an activity:
// EffectiveMiles = BaseMiles + TotalCorrection.
type ActivityView struct {
	Activity
	EffectiveMiles   decimal.Decimal
	CorrectionsCount int
	TotalCorrection  decimal.Decimal
}

// NewActivityView derives the projection for an activity from its corrections.
func NewActivityView(a Activity, corrections []Correction) ActivityView {
	total := decimal.Zero
	for _, c := range corrections {
		total = total.Add(c.DeltaMiles)
	}
	return ActivityView{
		Activity:         a,
		EffectiveMiles:   a.BaseMiles.Add(total),
		CorrectionsCount: len(corrections),
		TotalCorrection:  total,
	}
}

// UserAggregate caches a user's total effective miles.
type UserAggregate struct {
	UserID     string
	TotalMiles decimal.Decimal
	UpdatedAt  time.Time
}

// Note is a free-form annotation a user attaches to one of their activities.
type Note struct {
	ID         string
	ActivityID string
	UserID     string
	Body       string
	CreatedAt  time.Time
}

// User carries the ops-facing state of an athlete.
type User struct {
	ID          string
	Contacted   bool
	ContactedAt *time.Time
	CreatedAt   time.Time
}

// Cursor models the pagination token for time-ordered feeds.
type Cursor struct {
	At time.Time
	ID string
}
