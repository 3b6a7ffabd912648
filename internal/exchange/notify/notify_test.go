package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"github.com/unipago/affiliate-exchange/internal/exchange/models"
	"github.com/unipago/affiliate-exchange/internal/exchange/notify"
)

func TestNew(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		config notify.Config

		wantTimeout time.Duration
		wantErr     bool
	}{
		"Default write timeout": {
			config:      notify.Config{Brokers: []string{"localhost:9092"}, Topic: "affiliate-imports"},
			wantTimeout: 10 * time.Second,
		},
		"Custom write timeout": {
			config:      notify.Config{Brokers: []string{"localhost:9092"}, Topic: "affiliate-imports", WriteTimeout: time.Second},
			wantTimeout: time.Second,
		},

		// Error cases
		"No broker":   {config: notify.Config{Topic: "affiliate-imports"}, wantErr: true},
		"Empty topic": {config: notify.Config{Brokers: []string{"localhost:9092"}}, wantErr: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			k, err := notify.New(tc.config)
			if tc.wantErr {
				require.Error(t, err, "New should have failed")
				return
			}
			require.NoError(t, err, "New should not fail")
			defer k.Close()

			w := k.Writer()
			require.NotNil(t, w, "New should build a kafka writer")
			require.Equal(t, tc.config.Topic, w.Topic, "Unexpected topic")
			require.Equal(t, tc.wantTimeout, w.WriteTimeout, "Unexpected write timeout")
		})
	}
}

func TestPublish(t *testing.T) {
	t.Parallel()

	rec := models.ImportAudit{
		ImportID:  "8d4a5b8e-6f2b-4a38-9d36-7f64c9d1b2c3",
		Filename:  "ARS_AFILIACIONES_20240602.json",
		FileHash:  "abc",
		Processed: 3,
		Success:   2,
		Failed:    1,
		Status:    models.StatusPartial,
		Timestamp: time.Date(2024, 6, 2, 3, 15, 0, 0, time.UTC),
	}

	tests := map[string]struct {
		writeErr error

		wantErr bool
	}{
		"Outcome is published": {},

		// Error cases
		"Write error": {writeErr: errors.New("requested write error"), wantErr: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			w := &mockWriter{err: tc.writeErr}
			k, err := notify.New(notify.Config{Brokers: []string{"localhost:9092"}, Topic: "affiliate-imports"}, notify.WithWriter(w))
			require.NoError(t, err, "Setup: New should not fail")

			err = k.Publish(t.Context(), rec)
			if tc.wantErr {
				require.ErrorIs(t, err, tc.writeErr, "Publish should return the write error")
				return
			}
			require.NoError(t, err, "Publish should not fail")
			require.Len(t, w.msgs, 1, "One message should be written")

			msg := w.msgs[0]
			require.Equal(t, rec.Filename, string(msg.Key), "Message should be keyed by file name")
			require.Equal(t, rec.Timestamp, msg.Time, "Unexpected message time")
			require.Contains(t, msg.Headers, kafka.Header{Key: "import-status", Value: []byte("PARTIAL")}, "Missing status header")

			var got models.ImportAudit
			require.NoError(t, json.Unmarshal(msg.Value, &got), "Message value should be JSON")
			require.Equal(t, rec, got, "Unexpected message value")

			require.NoError(t, k.Close(), "Close should not fail")
			require.True(t, w.closed, "Close should close the writer")
		})
	}
}

type mockWriter struct {
	err error

	msgs   []kafka.Message
	closed bool
}

func (m *mockWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if m.err != nil {
		return m.err
	}
	m.msgs = append(m.msgs, msgs...)
	return nil
}

func (m *mockWriter) Close() error {
	m.closed = true
	return nil
}
