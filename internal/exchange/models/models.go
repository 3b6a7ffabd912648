// Package models holds the data structures exchanged with the export side and persisted in the target store.
package models

import "time"

// ExportBundle is the versioned JSON artifact deposited on the drop directory.
type ExportBundle struct {
	ExportInfo  ExportInfo   `json:"export_info"`
	DataSummary *DataSummary `json:"data_summary,omitempty"`
	Affiliates  []Affiliate  `json:"affiliates"`
}

// ExportInfo describes the producer and the contract of a bundle.
type ExportInfo struct {
	Timestamp     string `json:"timestamp"`
	SourceSystem  string `json:"source_system"`
	ExportVersion string `json:"export_version,omitempty"`
	SchemaVersion string `json:"schema_version"`
	TotalRecords  int    `json:"total_records"`
	FileFormat    string `json:"file_format,omitempty"`
	ExportedBy    string `json:"exported_by,omitempty"`
	DataChecksum  string `json:"data_checksum,omitempty"`
}

// DataSummary is informational metadata computed by the producer.
type DataSummary struct {
	TotalAffiliates int            `json:"total_affiliates"`
	ActivePlans     []string       `json:"active_plans"`
	Provinces       []string       `json:"provinces"`
	ExportFilters   map[string]any `json:"export_filters,omitempty"`
}

// Affiliate is one affiliate record of a bundle.
type Affiliate struct {
	ID         string      `json:"id"`
	Personal   Personal    `json:"personal"`
	Contact    *Contact    `json:"contact,omitempty"`
	Address    *Address    `json:"address,omitempty"`
	Plan       Plan        `json:"plan"`
	Employment *Employment `json:"employment,omitempty"`
	Status     string      `json:"status,omitempty"`
	Category   string      `json:"category,omitempty"`
	Dates      *Dates      `json:"dates,omitempty"`
}

// Personal holds the identity of an affiliate. Cedula is the national document id.
type Personal struct {
	Cedula    string   `json:"cedula"`
	FullName  FullName `json:"full_name"`
	BirthDate string   `json:"birth_date,omitempty"`
	Gender    string   `json:"gender,omitempty"`
}

// FullName of an affiliate.
type FullName struct {
	First string `json:"first"`
	Last  string `json:"last"`
}

// Contact details.
type Contact struct {
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

// Address details.
type Address struct {
	FullAddress  string `json:"full_address,omitempty"`
	Province     string `json:"province,omitempty"`
	Municipality string `json:"municipality,omitempty"`
}

// Plan is the health plan an affiliate is enrolled in.
// A nil MonthlyAmount means no recurring charge.
type Plan struct {
	Code          string   `json:"code"`
	Name          string   `json:"name"`
	Type          string   `json:"type,omitempty"`
	Level         string   `json:"level,omitempty"`
	MonthlyAmount *float64 `json:"monthly_amount,omitempty"`
}

// Employment details.
type Employment struct {
	Employer   string   `json:"employer,omitempty"`
	BaseSalary *float64 `json:"base_salary,omitempty"`
}

// Dates are the producer side bookkeeping timestamps.
type Dates struct {
	Created      string `json:"created,omitempty"`
	LastModified string `json:"last_modified,omitempty"`
}

// AffiliateRow is the persisted shape of an affiliate, keyed by DocumentID.
// Nil pointers are stored as NULL.
type AffiliateRow struct {
	ExternalID    string
	DocumentID    string
	FirstName     string
	LastName      string
	BirthDate     *time.Time
	Gender        *string
	Phone         *string
	Email         *string
	Address       *string
	Province      *string
	Municipality  *string
	PlanCode      string
	PlanName      string
	PlanType      *string
	MonthlyAmount float64
	Status        string
	Category      string
	Employer      *string
	BaseSalary    *float64
	SourceSystem  string
}

// UpsertResult is the outcome of applying the rows of one bundle.
type UpsertResult struct {
	Success int
	Failed  int
	Errors  []string
}

// ImportStatus is the terminal status of an imported file.
type ImportStatus string

// Import statuses.
const (
	StatusSuccess ImportStatus = "SUCCESS"
	StatusPartial ImportStatus = "PARTIAL"
	StatusError   ImportStatus = "ERROR"
)

// ImportAudit is the append-only record of one processed file.
type ImportAudit struct {
	ImportID       string       `json:"import_id"`
	Filename       string       `json:"filename"`
	FileHash       string       `json:"file_hash"`
	SourceSystem   string       `json:"source_system,omitempty"`
	Processed      int          `json:"records_processed"`
	Success        int          `json:"records_success"`
	Failed         int          `json:"records_failed"`
	ElapsedSeconds float64      `json:"processing_time_seconds"`
	Status         ImportStatus `json:"status"`
	ErrorMessage   string       `json:"error_message,omitempty"`
	Timestamp      time.Time    `json:"timestamp"`
}

// Stats summarizes the content of the target store and the recent imports.
type Stats struct {
	TotalAffiliates  int        `json:"total_affiliates"`
	ActiveAffiliates int        `json:"active_affiliates"`
	UniquePlans      int        `json:"unique_plans"`
	LastUpdate       *time.Time `json:"last_update,omitempty"`

	// Imports over the last 24 hours.
	TotalImports          int        `json:"total_imports"`
	TotalRecordsProcessed int        `json:"total_records_processed"`
	TotalRecordsSuccess   int        `json:"total_records_success"`
	SuccessfulImports     int        `json:"successful_imports"`
	LastImport            *time.Time `json:"last_import,omitempty"`
}
