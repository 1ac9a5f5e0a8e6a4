package gateway

import (
	"context"
	"regexp"
	"strings"

	"github.com/jmoiron/sqlx/types"

	appErrors "github.com/noah-isme/uni-enroll-api/pkg/errors"
)

// InitiateResult is the normalised outcome of an initiate call.
type InitiateResult struct {
	TransactionID string
	Status        string
	Message       string
	Raw           types.JSONText
}

// StatusResult is the normalised outcome of a status check.
type StatusResult struct {
	Status  string
	Message string
	Raw     types.JSONText
}

// Adapter abstracts mobile money operator APIs.
type Adapter interface {
	Initiate(ctx context.Context, operator, phone string, amount int64, reference string) (*InitiateResult, error)
	CheckStatus(ctx context.Context, transactionID, operator string) (*StatusResult, error)
}

var phoneDigits = regexp.MustCompile(`^[0-9]{8}$`)

// NormalizePhone converts a local number to the canonical +227XXXXXXXXX form.
func NormalizePhone(raw string) (string, error) {
	cleaned := strings.NewReplacer(" ", "", "-", "", ".", "", "(", "", ")", "").Replace(strings.TrimSpace(raw))
	switch {
	case strings.HasPrefix(cleaned, "+227"):
		cleaned = cleaned[4:]
	case strings.HasPrefix(cleaned, "00227"):
		cleaned = cleaned[5:]
	case strings.HasPrefix(cleaned, "227") && len(cleaned) == 11:
		cleaned = cleaned[3:]
	}
	if !phoneDigits.MatchString(cleaned) {
		return "", appErrors.Clone(appErrors.ErrValidation, "invalid phone number")
	}
	return "+227" + cleaned, nil
}
