package domain

import "time"

// Verdict is the three-way classification of an analyzed photo.
type Verdict string

const (
	VerdictIrrelevant Verdict = "irrelevant"
	VerdictNoDefects  Verdict = "no_defects"
	VerdictDefects    Verdict = "defects"
)

type Severity string

const (
	SeverityCritical    Severity = "Критический"
	SeveritySignificant Severity = "Значительный"
	SeverityMinor       Severity = "Малозначительный"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentConfirmed PaymentStatus = "confirmed"
	PaymentFailed    PaymentStatus = "failed"
)

// User is a Telegram user known to the bot. Users are never deleted.
type User struct {
	ID                int64     `json:"id"`
	Username          string    `json:"username"`
	Balance           int       `json:"balance"`
	ContextLabel      string    `json:"contextLabel"`
	SpreadsheetID     string    `json:"spreadsheetId"`
	IsAdmin           bool      `json:"isAdmin"`
	ReferredBy        int64     `json:"referredBy,omitempty"`
	ReferralBonusPaid bool      `json:"referralBonusPaid"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// Finding is a single defect located on a photo.
type Finding struct {
	Defect         string   `json:"defect"`
	Location       string   `json:"location"`
	Criticality    Severity `json:"criticality"`
	Cause          string   `json:"cause"`
	Norm           string   `json:"norm,omitempty"`
	Recommendation string   `json:"recommendation"`
}

// AnalysisResult is the typed outcome of one photo analysis. It is
// transient; findings are persisted only as report rows.
type AnalysisResult struct {
	Verdict       Verdict   `json:"verdict"`
	Joke          string    `json:"joke,omitempty"`
	Findings      []Finding `json:"findings"`
	ExpertSummary string    `json:"expertSummary,omitempty"`
}

// ReportRow is one appended spreadsheet row for a finding.
type ReportRow struct {
	Timestamp      time.Time
	ContextLabel   string
	Defect         string
	Location       string
	Criticality    Severity
	Cause          string
	Norm           string
	Recommendation string
	ExpertSummary  string
	PhotoURL       string
}

// PaymentIntent tracks a credit purchase from creation to confirmation.
type PaymentIntent struct {
	OrderID   string        `json:"orderId"`
	UserID    int64         `json:"userId"`
	Amount    int           `json:"amount"`
	Credits   int           `json:"credits"`
	Status    PaymentStatus `json:"status"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// CreditPackage is a purchasable bundle of analyses.
type CreditPackage struct {
	Key     string `yaml:"key" json:"key"`
	Credits int    `yaml:"credits" json:"credits"`
	Price   int    `yaml:"price" json:"price"`
	Title   string `yaml:"title" json:"title"`
}

// AnalysisRecord is the analytics trail for one processed photo.
type AnalysisRecord struct {
	ID           string    `json:"id"`
	UserID       int64     `json:"userId"`
	PhotoID      string    `json:"photoId"`
	ContextLabel string    `json:"contextLabel"`
	Verdict      Verdict   `json:"verdict"`
	DefectCount  int       `json:"defectCount"`
	Charged      bool      `json:"charged"`
	CreatedAt    time.Time `json:"createdAt"`
}
