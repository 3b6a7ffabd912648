// Package transform maps bundle affiliates to the rows persisted in the target store.
package transform

import (
	"strings"
	"time"

	"github.com/unipago/affiliate-exchange/internal/exchange/models"
	"golang.org/x/text/unicode/norm"
)

// Defaults applied to affiliates not carrying the field.
const (
	DefaultStatus   = "ACTIVE"
	DefaultCategory = "TITULAR"
)

var birthDateLayouts = []string{time.DateOnly, time.RFC3339Nano, "2006-01-02 15:04:05", "02/01/2006"}

// Affiliate converts a validated affiliate into its target row. It never fails:
// absent optional groups are stored as NULL and absent amounts as 0.
func Affiliate(a models.Affiliate, sourceSystem string) models.AffiliateRow {
	row := models.AffiliateRow{
		ExternalID:   clean(a.ID),
		DocumentID:   strings.TrimSpace(a.Personal.Cedula),
		FirstName:    clean(a.Personal.FullName.First),
		LastName:     clean(a.Personal.FullName.Last),
		BirthDate:    parseDate(a.Personal.BirthDate),
		Gender:       optional(a.Personal.Gender),
		PlanCode:     strings.TrimSpace(a.Plan.Code),
		PlanName:     clean(a.Plan.Name),
		PlanType:     optional(a.Plan.Type),
		Status:       orDefault(a.Status, DefaultStatus),
		Category:     orDefault(a.Category, DefaultCategory),
		SourceSystem: sourceSystem,
	}

	if a.Plan.MonthlyAmount != nil {
		row.MonthlyAmount = *a.Plan.MonthlyAmount
	}
	if a.Contact != nil {
		row.Phone = optional(a.Contact.Phone)
		row.Email = optional(strings.ToLower(a.Contact.Email))
	}
	if a.Address != nil {
		row.Address = optional(a.Address.FullAddress)
		row.Province = optional(a.Address.Province)
		row.Municipality = optional(a.Address.Municipality)
	}
	if a.Employment != nil {
		row.Employer = optional(a.Employment.Employer)
		if a.Employment.BaseSalary != nil && *a.Employment.BaseSalary != 0 {
			salary := *a.Employment.BaseSalary
			row.BaseSalary = &salary
		}
	}

	return row
}

// Affiliates converts every affiliate of a bundle, keeping their order.
func Affiliates(affiliates []models.Affiliate, sourceSystem string) []models.AffiliateRow {
	rows := make([]models.AffiliateRow, 0, len(affiliates))
	for _, a := range affiliates {
		rows = append(rows, Affiliate(a, sourceSystem))
	}
	return rows
}

// clean trims s and normalizes it to NFC, so that composed and decomposed accents compare equal.
func clean(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

func optional(s string) *string {
	s = clean(s)
	if s == "" {
		return nil
	}
	return &s
}

func orDefault(s, def string) string {
	if s = strings.TrimSpace(s); s == "" {
		return def
	}
	return strings.ToUpper(s)
}

func parseDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range birthDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
			return &d
		}
	}
	return nil
}
