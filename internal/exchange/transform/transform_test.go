package transform_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/unipago/affiliate-exchange/internal/common/testutils"
	"github.com/unipago/affiliate-exchange/internal/exchange/models"
	"github.com/unipago/affiliate-exchange/internal/exchange/transform"
)

func TestAffiliate(t *testing.T) {
	t.Parallel()

	birth := time.Date(1985, time.April, 12, 0, 0, 0, 0, time.UTC)
	salary := 35000.0
	zero := 0.0

	tests := map[string]struct {
		affiliate func() models.Affiliate

		want models.AffiliateRow
	}{
		"Complete affiliate": {
			affiliate: func() models.Affiliate {
				a := testutils.Affiliate("001-0000001-1", 50)
				a.Employment.BaseSalary = &salary
				return a
			},
			want: models.AffiliateRow{
				ExternalID:    "AF-001-0000001-1",
				DocumentID:    "001-0000001-1",
				FirstName:     "María",
				LastName:      "Peña",
				BirthDate:     &birth,
				Gender:        ptr("F"),
				Phone:         ptr("809-555-0100"),
				Email:         ptr("maria.pena@example.com"),
				Address:       ptr("Calle 1 #2"),
				Province:      ptr("Santo Domingo"),
				Municipality:  ptr("Los Alcarrizos"),
				PlanCode:      "PLN-BAS",
				PlanName:      "Plan Básico",
				PlanType:      ptr("CONTRIBUTIVO"),
				MonthlyAmount: 50,
				Status:        "ACTIVE",
				Category:      "TITULAR",
				Employer:      ptr("Acme SRL"),
				BaseSalary:    &salary,
				SourceSystem:  "ARS_HUMANO",
			},
		},
		"Minimal affiliate gets defaults and NULLs": {
			affiliate: func() models.Affiliate {
				return models.Affiliate{
					ID:       "7",
					Personal: models.Personal{Cedula: " 001-0000007-1 ", FullName: models.FullName{First: "Ana", Last: "Gil"}},
					Plan:     models.Plan{Code: "PLN-1", Name: "Plan"},
				}
			},
			want: models.AffiliateRow{
				ExternalID:   "7",
				DocumentID:   "001-0000007-1",
				FirstName:    "Ana",
				LastName:     "Gil",
				PlanCode:     "PLN-1",
				PlanName:     "Plan",
				Status:       "ACTIVE",
				Category:     "TITULAR",
				SourceSystem: "ARS_HUMANO",
			},
		},
		"Empty optional groups and zero amounts": {
			affiliate: func() models.Affiliate {
				a := testutils.Affiliate("001-0000001-1", 0)
				a.Plan.MonthlyAmount = &zero
				a.Contact = &models.Contact{}
				a.Address = &models.Address{Province: "  "}
				a.Employment = &models.Employment{BaseSalary: &zero}
				a.Personal.BirthDate = "not a date"
				a.Personal.Gender = ""
				a.Status = "inactive"
				a.Category = "dependiente"
				return a
			},
			want: models.AffiliateRow{
				ExternalID:   "AF-001-0000001-1",
				DocumentID:   "001-0000001-1",
				FirstName:    "María",
				LastName:     "Peña",
				PlanCode:     "PLN-BAS",
				PlanName:     "Plan Básico",
				PlanType:     ptr("CONTRIBUTIVO"),
				Status:       "INACTIVE",
				Category:     "DEPENDIENTE",
				SourceSystem: "ARS_HUMANO",
			},
		},
		"Decomposed accents are composed": {
			affiliate: func() models.Affiliate {
				a := testutils.Affiliate("001-0000001-1", 0)
				a.Personal.FullName.First = "Mari\u0301a"
				a.Personal.BirthDate = "1985-04-12T00:00:00.000Z"
				a.Contact = nil
				a.Address = nil
				a.Employment = nil
				return a
			},
			want: models.AffiliateRow{
				ExternalID:   "AF-001-0000001-1",
				DocumentID:   "001-0000001-1",
				FirstName:    "María",
				LastName:     "Peña",
				BirthDate:    &birth,
				Gender:       ptr("F"),
				PlanCode:     "PLN-BAS",
				PlanName:     "Plan Básico",
				PlanType:     ptr("CONTRIBUTIVO"),
				Status:       "ACTIVE",
				Category:     "TITULAR",
				SourceSystem: "ARS_HUMANO",
			},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			got := transform.Affiliate(tc.affiliate(), "ARS_HUMANO")
			require.Equal(t, tc.want, got, "Unexpected transformed row")
		})
	}
}

func TestAffiliatesKeepsOrder(t *testing.T) {
	t.Parallel()

	affiliates := testutils.Affiliates(5)
	rows := transform.Affiliates(affiliates, "ARS_HUMANO")

	require.Len(t, rows, len(affiliates), "Every affiliate should be transformed")
	for i, a := range affiliates {
		require.Equal(t, a.Personal.Cedula, rows[i].DocumentID, "Rows should keep the bundle order")
	}
}

func ptr[T any](v T) *T {
	return &v
}
