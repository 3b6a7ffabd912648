package testutils

import (
	"fmt"

	"github.com/unipago/affiliate-exchange/internal/exchange/models"
)

// Affiliate returns a complete affiliate record for the given document id.
// A zero monthlyAmount leaves the plan without a recurring charge.
func Affiliate(documentID string, monthlyAmount float64) models.Affiliate {
	a := models.Affiliate{
		ID: "AF-" + documentID,
		Personal: models.Personal{
			Cedula:    documentID,
			FullName:  models.FullName{First: "María", Last: "Peña"},
			BirthDate: "1985-04-12",
			Gender:    "F",
		},
		Contact: &models.Contact{Phone: "809-555-0100", Email: "maria.pena@example.com"},
		Address: &models.Address{FullAddress: "Calle 1 #2", Province: "Santo Domingo", Municipality: "Los Alcarrizos"},
		Plan: models.Plan{
			Code:  "PLN-BAS",
			Name:  "Plan Básico",
			Type:  "CONTRIBUTIVO",
			Level: "1",
		},
		Employment: &models.Employment{Employer: "Acme SRL"},
		Status:     "ACTIVE",
		Category:   "TITULAR",
		Dates:      &models.Dates{Created: "2024-01-02T10:00:00.000Z", LastModified: "2024-06-01T08:30:00.000Z"},
	}
	if monthlyAmount != 0 {
		a.Plan.MonthlyAmount = &monthlyAmount
	}
	return a
}

// Affiliates returns n complete affiliate records with distinct document ids.
func Affiliates(n int) []models.Affiliate {
	affiliates := make([]models.Affiliate, 0, n)
	for i := range n {
		affiliates = append(affiliates, Affiliate(fmt.Sprintf("001-%07d-1", i+1), 0))
	}
	return affiliates
}

// Bundle wraps affiliates in a schema 1.0 export bundle.
func Bundle(affiliates ...models.Affiliate) models.ExportBundle {
	if affiliates == nil {
		affiliates = []models.Affiliate{}
	}
	return models.ExportBundle{
		ExportInfo: models.ExportInfo{
			Timestamp:     "2024-06-02T03:00:00.000Z",
			SourceSystem:  "ARS_HUMANO",
			ExportVersion: "1.0",
			SchemaVersion: "1.0",
			TotalRecords:  len(affiliates),
			FileFormat:    "json",
			ExportedBy:    "ars_exporter_service",
		},
		DataSummary: &models.DataSummary{
			TotalAffiliates: len(affiliates),
			ActivePlans:     []string{"PLN-BAS"},
			Provinces:       []string{"Santo Domingo"},
			ExportFilters:   map[string]any{"status": "ACTIVO", "include_inactive": false},
		},
		Affiliates: affiliates,
	}
}
