package processor

import (
	"errors"

	"github.com/unipago/affiliate-exchange/internal/exchange/bundle"
	"github.com/unipago/affiliate-exchange/internal/exchange/database"
)

var (
	// ErrTransport is returned when a bundle could not be fetched from the drop.
	// The bundle is left in place and retried on the next cycle.
	ErrTransport = errors.New("drop transport failure")

	// ErrSchema is returned when a bundle is structurally invalid.
	ErrSchema = bundle.ErrSchema

	// ErrIntegrity is returned when a bundle checksum does not match its affiliates.
	ErrIntegrity = bundle.ErrIntegrity

	// ErrRecord is returned when some affiliates of a bundle were rejected. The other affiliates are kept.
	ErrRecord = errors.New("affiliates rejected")

	// ErrTransaction is returned when the transaction applying a bundle failed as a whole.
	ErrTransaction = database.ErrTransaction
)
