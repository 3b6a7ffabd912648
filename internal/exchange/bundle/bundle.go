// Package bundle decodes and checks the JSON export bundles deposited by the export side.
//
// A bundle is accepted only when it is structurally valid, declares a supported schema version,
// decodes into the typed model without unknown fields and carries a matching data checksum.
package bundle

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/unipago/affiliate-exchange/internal/exchange/models"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

var (
	// ErrSchema is returned when a bundle can not be interpreted: invalid JSON, missing or mistyped fields,
	// unknown fields or an unsupported schema version.
	ErrSchema = errors.New("bundle does not match the expected schema")

	// ErrIntegrity is returned when the declared data checksum does not match the affiliates payload.
	ErrIntegrity = errors.New("bundle integrity check failed")
)

// ValidationError lists every structural problem found in a bundle.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("bundle failed validation: %s", strings.Join(e.Problems, "; "))
}

// Unwrap makes a ValidationError match ErrSchema.
func (e *ValidationError) Unwrap() error {
	return ErrSchema
}

// Document is a bundle parsed as generic JSON, before any interpretation.
type Document struct {
	// Tree is the decoded bundle. Numbers are kept as json.Number.
	Tree map[string]any

	// affiliates is the raw, producer ordered, affiliates payload.
	affiliates json.RawMessage
}

// Parse decodes data as a JSON object. A leading byte order mark is tolerated.
func Parse(data []byte) (*Document, error) {
	data, _, err := transform.Bytes(unicode.BOMOverride(unicode.UTF8.NewDecoder()), data)
	if err != nil {
		return nil, &ValidationError{Problems: []string{fmt.Sprintf("bundle is not valid text: %v", err)}}
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, &ValidationError{Problems: []string{fmt.Sprintf("bundle is not a valid JSON object: %v", err)}}
	}

	var tree map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&tree); err != nil {
		return nil, &ValidationError{Problems: []string{fmt.Sprintf("bundle is not a valid JSON object: %v", err)}}
	}

	return &Document{Tree: tree, affiliates: top["affiliates"]}, nil
}

// Decode converts the document into the typed bundle model.
// Unknown fields and type mismatches are rejected.
func (d *Document) Decode() (*models.ExportBundle, error) {
	var b models.ExportBundle
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:     "json",
		ErrorUnused: true,
		DecodeHook:  rejectNumberAsText,
		Result:      &b,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %v", err)
	}

	if err := dec.Decode(d.Tree); err != nil {
		return nil, &ValidationError{Problems: []string{fmt.Sprintf("bundle data does not match expected model structure: %v", err)}}
	}
	return &b, nil
}

var numberType = reflect.TypeFor[json.Number]()

// rejectNumberAsText refuses JSON numbers for text fields: json.Number is itself a string
// and would otherwise be accepted silently.
func rejectNumberAsText(from, to reflect.Type, data any) (any, error) {
	if from == numberType && to.Kind() == reflect.String {
		return nil, fmt.Errorf("expected a string, got the number %v", data)
	}
	return data, nil
}

// Affiliates returns the raw affiliates payload, as deposited by the producer.
func (d *Document) Affiliates() json.RawMessage {
	return d.affiliates
}

// Loader turns the bytes of a bundle file into a checked bundle.
type Loader struct {
	supported       []string
	requireChecksum bool

	log *slog.Logger
}

type options struct {
	requireChecksum bool
	logger          *slog.Logger
}

// Option is a function which tweaks the creation of the Loader.
type Option func(*options)

// WithRequireChecksum makes bundles without a data checksum fail the integrity check.
func WithRequireChecksum(require bool) Option {
	return func(o *options) {
		o.requireChecksum = require
	}
}

// WithLogger sets the logger used by the Loader.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// NewLoader creates a Loader accepting the given schema versions.
func NewLoader(supported []string, args ...Option) *Loader {
	opts := options{logger: slog.Default()}
	for _, arg := range args {
		arg(&opts)
	}

	return &Loader{
		supported:       supported,
		requireChecksum: opts.requireChecksum,
		log:             opts.logger,
	}
}

// Load parses, validates, decodes and verifies a bundle.
//
// Returned errors match ErrSchema or ErrIntegrity.
func (l Loader) Load(data []byte) (*models.ExportBundle, error) {
	doc, err := Parse(data)
	if err != nil {
		return nil, err
	}

	if res := Validate(doc.Tree, l.supported); !res.Valid {
		return nil, &ValidationError{Problems: res.Errors}
	}

	b, err := doc.Decode()
	if err != nil {
		return nil, err
	}

	switch declared := b.ExportInfo.DataChecksum; {
	case declared != "":
		if err := VerifyChecksum(doc.Affiliates(), declared); err != nil {
			return nil, err
		}
	case l.requireChecksum:
		return nil, errors.Join(ErrIntegrity, errors.New("bundle does not declare a data checksum"))
	default:
		l.log.Warn("Bundle does not declare a data checksum, skipping integrity verification",
			"source_system", b.ExportInfo.SourceSystem, "timestamp", b.ExportInfo.Timestamp)
	}

	if b.ExportInfo.TotalRecords != len(b.Affiliates) {
		l.log.Warn("Bundle record count does not match its declared total",
			"total_records", b.ExportInfo.TotalRecords, "affiliates", len(b.Affiliates))
	}

	return b, nil
}
