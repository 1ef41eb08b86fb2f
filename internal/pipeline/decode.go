package pipeline

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/dvloznov/fraud-monitor/internal/domain"
	"github.com/shopspring/decimal"
)

// Warning flags a lenient coercion the decoder applied. Warnings never fail a message.
type Warning string

const (
	WarnAmountMissing    Warning = "amount_missing"
	WarnAmountUnparsable Warning = "amount_unparsable"
	WarnAmountNegative   Warning = "amount_negative"
)

// Payload field names as produced by the upstream transaction feed.
const (
	fieldTransactionID = "transactionId"
	fieldUserID        = "userId"
	fieldAmount        = "amount"
	fieldCountry       = "country"
	fieldTimestamp     = "timestamp"
	fieldCardholderID  = "cardholderId"
	fieldIsSuspicious  = "isSuspicious"
)

// Decode parses a raw message payload into a TransactionEvent.
//
// Only a payload that is not a UTF-8 encoded JSON object fails; every field is
// optional and type mismatches fall back to defaults. Amount coercions are
// reported as warnings so callers can count them.
func Decode(raw []byte) (domain.TransactionEvent, []Warning, error) {
	if !utf8.Valid(raw) {
		return domain.TransactionEvent{}, nil, &DecodeError{Code: MalformedPayload, Err: errors.New("payload is not valid UTF-8")}
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return domain.TransactionEvent{}, nil, &DecodeError{Code: MalformedPayload, Err: fmt.Errorf("invalid JSON: %w", err)}
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return domain.TransactionEvent{}, nil, &DecodeError{Code: MalformedPayload, Err: errors.New("trailing data after JSON value")}
	}

	obj, ok := v.(map[string]interface{})
	if !ok {
		return domain.TransactionEvent{}, nil, &DecodeError{Code: MalformedPayload, Err: fmt.Errorf("expected JSON object, got %s", jsonKind(v))}
	}

	amount, warn := parseAmount(obj[fieldAmount])
	var warnings []Warning
	if warn != "" {
		warnings = append(warnings, warn)
	}

	event := domain.TransactionEvent{
		TransactionID:        stringField(obj[fieldTransactionID]),
		UserID:               stringField(obj[fieldUserID]),
		Amount:               amount,
		Country:              strings.TrimSpace(stringField(obj[fieldCountry])),
		Timestamp:            stringField(obj[fieldTimestamp]),
		CardholderID:         stringField(obj[fieldCardholderID]),
		SourceSuspiciousFlag: flagField(obj[fieldIsSuspicious]),
	}
	return event, warnings, nil
}

// parseAmount returns a finite non-negative amount, coercing anything else to zero.
func parseAmount(v interface{}) (decimal.Decimal, Warning) {
	var text string
	switch t := v.(type) {
	case nil:
		// absent and explicit null are treated the same
		return decimal.Zero, WarnAmountMissing
	case json.Number:
		text = t.String()
	case string:
		text = strings.TrimSpace(t)
		if text == "" {
			return decimal.Zero, WarnAmountMissing
		}
	default:
		return decimal.Zero, WarnAmountUnparsable
	}

	d, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.Zero, WarnAmountUnparsable
	}
	// must survive the FLOAT64 column
	if math.IsInf(d.InexactFloat64(), 0) {
		return decimal.Zero, WarnAmountUnparsable
	}
	if d.IsNegative() {
		return decimal.Zero, WarnAmountNegative
	}
	return d, ""
}

func stringField(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

// flagField accepts a JSON true or the string "true" in any case.
func flagField(v interface{}) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return strings.EqualFold(t, "true")
	default:
		return false
	}
}

func jsonKind(v interface{}) string {
	switch v.(type) {
	case nil:
		return "null"
	case []interface{}:
		return "array"
	case string:
		return "string"
	case json.Number:
		return "number"
	case bool:
		return "boolean"
	default:
		return fmt.Sprintf("%T", v)
	}
}
