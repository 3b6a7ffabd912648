package bundle

import (
	"encoding/json"
	"fmt"

	"github.com/unipago/affiliate-exchange/internal/exchange/models"
)

// Encode serializes a bundle the way the export side deposits it:
// indented JSON, with the record total and the data checksum stamped from the affiliates.
func Encode(b models.ExportBundle) ([]byte, error) {
	affiliates, err := json.Marshal(b.Affiliates)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal affiliates: %v", err)
	}

	sum, err := Checksum(affiliates)
	if err != nil {
		return nil, err
	}
	b.ExportInfo.DataChecksum = sum
	b.ExportInfo.TotalRecords = len(b.Affiliates)

	return json.MarshalIndent(b, "", "  ")
}
