package partnerships

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Record models a single partnership row shared by every connected client.
// Timestamps are RFC 3339 UTC strings so the persisted layout stays flat.
type Record struct {
	ID                  string `json:"id"`
	ProjectName         string `json:"projectName"`
	NumberOfWLs         int    `json:"numberOfWLs"`
	TemplateDescription string `json:"templateDescription"`
	CollectedWallets    string `json:"collectedWallets"`
	CreatedAt           string `json:"createdAt"`
	UpdatedAt           string `json:"updatedAt"`
	CreatedBy           string `json:"createdBy"`
	CreatedByEmail      string `json:"createdByEmail"`
	LastModifiedBy      string `json:"lastModifiedBy"`
	LastModifiedByEmail string `json:"lastModifiedByEmail"`
}

// Fields carries client-supplied record fields. Nil pointers mean the field
// was omitted and keeps its prior value on update.
type Fields struct {
	ProjectName         *string
	NumberOfWLs         *int
	TemplateDescription *string
	CollectedWallets    *string
}

// Actor identifies who performed a mutation, captured at mutation time.
type Actor struct {
	ID    string
	Name  string
	Email string
}

// CoerceWLCount converts an arbitrary JSON value into a whitelist count.
// Clients historically submitted the count as a string, a number, or nothing
// at all; anything that does not parse as an integer collapses to zero.
func CoerceWLCount(value any) int {
	switch typed := value.(type) {
	case nil:
		return 0
	case float64:
		return truncateCount(typed)
	case int:
		return typed
	case int64:
		return int(typed)
	case json.Number:
		parsed, err := typed.Float64()
		if err != nil {
			return 0
		}
		return truncateCount(parsed)
	case string:
		trimmed := strings.TrimSpace(typed)
		if trimmed == "" {
			return 0
		}
		parsed, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return 0
		}
		return truncateCount(parsed)
	default:
		return 0
	}
}

// truncateCount collapses NaN, infinities, and values outside the int range
// to zero; int(float64) is implementation-defined for those inputs.
func truncateCount(parsed float64) int {
	if math.IsNaN(parsed) || math.IsInf(parsed, 0) {
		return 0
	}
	if parsed < math.MinInt || parsed >= math.MaxInt {
		return 0
	}
	return int(parsed)
}
