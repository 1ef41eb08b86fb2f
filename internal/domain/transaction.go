package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionEvent is one inbound transaction as decoded from the transport.
// It is never modified after decoding.
type TransactionEvent struct {
	TransactionID string          // from "transactionId", may be empty
	UserID        string          // from "userId"
	Amount        decimal.Decimal // from "amount", coerced to 0 when missing or unparsable
	Country       string          // from "country", trimmed
	Timestamp     string          // from "timestamp", passed through untouched
	CardholderID  string          // from "cardholderId"

	// SourceSuspiciousFlag is the upstream system's own suspicion hint.
	SourceSuspiciousFlag bool
}

// Reason explains why a transaction was classified as suspicious.
type Reason string

const (
	// ReasonFlagged means the source system already marked the transaction.
	ReasonFlagged Reason = "flagged"
	// ReasonHighAmount means the amount exceeded the configured threshold.
	ReasonHighAmount Reason = "high_amount"
	// ReasonRiskyCountry means the country is in the high-risk set.
	ReasonRiskyCountry Reason = "risky_country"
	// ReasonNone means no rule matched.
	ReasonNone Reason = "none"
)

// ClassifiedTransaction is a TransactionEvent annotated by the classifier.
// Reason is ReasonNone iff IsSuspicious is false.
type ClassifiedTransaction struct {
	TransactionEvent

	IsSuspicious bool
	Reason       Reason
}

// AlertRecord is the compact payload published for suspicious transactions.
type AlertRecord struct {
	TransactionID string  `json:"transactionId"`
	UserID        string  `json:"userId"`
	Amount        float64 `json:"amount"`
	Timestamp     string  `json:"timestamp"`
	Country       string  `json:"country"`
	Reason        Reason  `json:"reason"`
	DetectedAt    string  `json:"detectedAt"`
}

// DurableRow is one row of the transactions table. Field names match the
// table schema created by the migrations.
type DurableRow struct {
	TransactionID string  `bigquery:"transactionId" json:"transactionId"`
	UserID        string  `bigquery:"userId" json:"userId"`
	Amount        float64 `bigquery:"amount" json:"amount"`
	Timestamp     string  `bigquery:"timestamp" json:"timestamp"`
	Country       string  `bigquery:"country" json:"country"`
	CardholderID  string  `bigquery:"cardholderId" json:"cardholderId"`
	IsSuspicious  bool    `bigquery:"isSuspicious" json:"isSuspicious"`
}

// RowError reports why a single row of an insert batch was rejected.
type RowError struct {
	Index   int    `json:"index"`
	Message string `json:"message"`
}

// NewAlertRecord derives the alert payload. detectedAt is rendered as RFC 3339 UTC.
func NewAlertRecord(tx ClassifiedTransaction, detectedAt time.Time) AlertRecord {
	return AlertRecord{
		TransactionID: tx.TransactionID,
		UserID:        tx.UserID,
		Amount:        tx.Amount.InexactFloat64(),
		Timestamp:     tx.Timestamp,
		Country:       tx.Country,
		Reason:        tx.Reason,
		DetectedAt:    detectedAt.UTC().Format(time.RFC3339Nano),
	}
}

// NewDurableRow derives the row written to the durable store.
func NewDurableRow(tx ClassifiedTransaction) *DurableRow {
	return &DurableRow{
		TransactionID: tx.TransactionID,
		UserID:        tx.UserID,
		Amount:        tx.Amount.InexactFloat64(),
		Timestamp:     tx.Timestamp,
		Country:       tx.Country,
		CardholderID:  tx.CardholderID,
		IsSuspicious:  tx.IsSuspicious,
	}
}
