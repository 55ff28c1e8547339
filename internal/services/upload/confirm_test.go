package upload

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"vstage-upload/internal/api"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordID(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{"string", `"p-1"`, "p-1", false},
		{"integer", `42`, "42", false},
		{"null", `null`, "", false},
		{"object", `{}`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var id recordID
			err := json.Unmarshal([]byte(tt.raw), &id)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(id))
		})
	}
}

func newBackend(t *testing.T, handler http.HandlerFunc) *Confirmer {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := api.NewClient(srv.URL, api.Options{Timeout: 5 * time.Second, RetryWait: time.Millisecond})
	return NewConfirmer(client, zerolog.Nop())
}

func TestConfirmer(t *testing.T) {
	task := &UploadTask{
		Identity:       FileIdentity{Name: "a.jpg", Size: 10, ContentType: "image/jpeg"},
		Destination:    Destination{PublicURL: "https://cdn/a.jpg", ObjectPath: "o/a.jpg", ServiceSlot: "svc-2"},
		IdempotencyKey: "key-1",
	}

	t.Run("Should send metadata with the idempotency key", func(t *testing.T) {
		var got confirmRequest
		var key string
		c := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
			key = r.Header.Get(HeaderIdempotencyKey)
			_ = json.NewDecoder(r.Body).Decode(&got)
			writeJSON(w, http.StatusOK, map[string]any{
				"success": true,
				"photos":  []map[string]any{{"photo_id": "p-9", "job_id": 7}},
			})
		})

		id, err := c.Confirm(context.Background(), task)

		require.NoError(t, err)
		assert.Equal(t, ConfirmedIdentity{RecordID: "p-9", TransferID: "7"}, id)
		assert.Equal(t, "key-1", key)
		assert.Equal(t, "svc-2", got.ServiceID)
		assert.Equal(t, confirmUpload{
			FileName:    "a.jpg",
			PublicURL:   "https://cdn/a.jpg",
			ObjectPath:  "o/a.jpg",
			ContentType: "image/jpeg",
		}, got.Uploads[0])
	})

	t.Run("Should fail when the backend reports no success", func(t *testing.T) {
		c := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"success": false, "message": "quota reached"})
		})

		_, err := c.Confirm(context.Background(), task)

		assert.ErrorIs(t, err, ErrConfirmationFailed)
		assert.Contains(t, err.Error(), "quota reached")
	})

	t.Run("Should fail on an error status", func(t *testing.T) {
		c := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusConflict)
		})

		_, err := c.Confirm(context.Background(), task)

		assert.ErrorIs(t, err, ErrConfirmationFailed)
	})

	t.Run("Should delete a confirmed record", func(t *testing.T) {
		var got compensateRequest
		var method string
		c := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
			method = r.Method
			_ = json.NewDecoder(r.Body).Decode(&got)
			writeJSON(w, http.StatusOK, map[string]any{"success": true})
		})

		err := c.Compensate(context.Background(), ConfirmedIdentity{RecordID: "p-9", TransferID: "7"})

		require.NoError(t, err)
		assert.Equal(t, http.MethodDelete, method)
		assert.Equal(t, compensateRequest{PhotoID: "p-9", JobID: "7"}, got)
	})

	t.Run("Should report a refused delete", func(t *testing.T) {
		c := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"success": false})
		})

		err := c.Compensate(context.Background(), ConfirmedIdentity{RecordID: "p-9"})

		assert.ErrorIs(t, err, ErrCompensationFailed)
	})
}
