package downstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/domain"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func summary() domain.ValidationSummary {
	return domain.ValidationSummary{
		SessionID: "sess-1",
		SampleID:  "S1",
		ProjectID: "P1",
		DataPath:  "runs/r1.fastq",
		Format:    domain.FormatReads,
		QCProfile: "standard",
	}
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaNotifier_Notify(t *testing.T) {
	w := &fakeWriter{}
	n := newKafkaNotifier(w, time.Second)

	require.NoError(t, n.Notify(context.Background(), summary()))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "sess-1", string(w.msgs[0].Key))

	var got domain.ValidationSummary
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, summary(), got)
}

func TestKafkaNotifier_WriteErrorIsRetryable(t *testing.T) {
	n := newKafkaNotifier(&fakeWriter{err: errors.New("broker down")}, time.Second)
	err := n.Notify(context.Background(), summary())
	require.Error(t, err)
	assert.False(t, errors.Is(err, domain.ErrPermanent))
}

func TestNewKafkaNotifier_RequiresTopic(t *testing.T) {
	_, err := NewKafkaNotifier([]string{"localhost:9092"}, "", time.Second)
	assert.Error(t, err)
}

func TestWebhookNotifier_Notify(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		wantErr       bool
		wantPermanent bool
	}{
		{name: "Accepted", status: http.StatusAccepted},
		{name: "ServerError", status: http.StatusBadGateway, wantErr: true},
		{name: "TooManyRequests", status: http.StatusTooManyRequests, wantErr: true},
		{name: "BadRequest", status: http.StatusBadRequest, wantErr: true, wantPermanent: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got domain.ValidationSummary
			var key string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				key = r.Header.Get("Idempotency-Key")
				_ = json.NewDecoder(r.Body).Decode(&got)
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			err := NewWebhookNotifier(srv.URL, time.Second).Notify(context.Background(), summary())
			if !tt.wantErr {
				require.NoError(t, err)
				assert.Equal(t, "sess-1", key)
				assert.Equal(t, "runs/r1.fastq", got.DataPath)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantPermanent, errors.Is(err, domain.ErrPermanent))
		})
	}
}

func TestLogNotifier(t *testing.T) {
	assert.NoError(t, LogNotifier{}.Notify(context.Background(), summary()))
	assert.NoError(t, LogNotifier{}.Close())
}
