package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"vstage-upload/internal/api"
	"vstage-upload/internal/logging"

	"github.com/rs/zerolog"
)

// HeaderIdempotencyKey lets the backend recognise a repeated confirmation
const HeaderIdempotencyKey = "Idempotency-Key"

type confirmUpload struct {
	FileName    string `json:"fileName"`
	PublicURL   string `json:"publicUrl"`
	ObjectPath  string `json:"objectPath"`
	ContentType string `json:"contentType"`
}

type confirmRequest struct {
	Uploads   []confirmUpload `json:"uploads"`
	ServiceID string          `json:"serviceId"`
}

type confirmedPhoto struct {
	PhotoID recordID `json:"photo_id"`
	JobID   recordID `json:"job_id"`
}

type confirmResponse struct {
	Success bool             `json:"success"`
	Message string           `json:"message"`
	Photos  []confirmedPhoto `json:"photos"`
}

type compensateRequest struct {
	PhotoID string `json:"photoId"`
	JobID   string `json:"jobId"`
}

type compensateResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// recordID accepts identifiers sent either as JSON strings or numbers
type recordID string

func (r *recordID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*r = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*r = recordID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("record id must be a string or number: %w", err)
	}
	*r = recordID(n.String())
	return nil
}

// Confirmer finalizes transferred files with the backend of record and
// deletes confirmed records again when a batch has to be unwound
type Confirmer struct {
	backend *api.Client
	log     zerolog.Logger
}

func NewConfirmer(backend *api.Client, log zerolog.Logger) *Confirmer {
	return &Confirmer{backend: backend, log: log}
}

// Confirm creates the durable record of a fully transferred task, bound to
// the task's service slot. Repeating the call for the same task reuses its
// idempotency key.
func (c *Confirmer) Confirm(ctx context.Context, task *UploadTask) (ConfirmedIdentity, error) {
	headers := map[string]string{}
	if task.IdempotencyKey != "" {
		headers[HeaderIdempotencyKey] = task.IdempotencyKey
	}

	resp, err := c.backend.Put(ctx, uploadsEndpoint, confirmRequest{
		Uploads: []confirmUpload{{
			FileName:    task.Identity.Name,
			PublicURL:   task.Destination.PublicURL,
			ObjectPath:  task.Destination.ObjectPath,
			ContentType: task.Identity.ContentType,
		}},
		ServiceID: task.Destination.ServiceSlot,
	}, headers)
	if err != nil {
		return ConfirmedIdentity{}, fmt.Errorf("%w: %w", ErrConfirmationFailed, err)
	}
	if !resp.IsSuccess() {
		return ConfirmedIdentity{}, fmt.Errorf("%w: backend returned HTTP %d: %s",
			ErrConfirmationFailed, resp.StatusCode(), strings.TrimSpace(resp.String()))
	}

	var body confirmResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return ConfirmedIdentity{}, fmt.Errorf("%w: failed to parse response: %w", ErrConfirmationFailed, err)
	}
	if !body.Success || len(body.Photos) == 0 {
		msg := body.Message
		if msg == "" {
			msg = "no record created"
		}
		return ConfirmedIdentity{}, fmt.Errorf("%w: %s", ErrConfirmationFailed, msg)
	}

	id := ConfirmedIdentity{
		RecordID:   string(body.Photos[0].PhotoID),
		TransferID: string(body.Photos[0].JobID),
	}
	if id.RecordID == "" {
		return ConfirmedIdentity{}, fmt.Errorf("%w: response carries no record id", ErrConfirmationFailed)
	}

	c.log.Debug().
		Str(logging.FieldFile, task.Identity.Name).
		Str("record_id", id.RecordID).
		Str("transfer_id", id.TransferID).
		Msg("Upload confirmed")
	return id, nil
}

// Compensate deletes a previously confirmed record
func (c *Confirmer) Compensate(ctx context.Context, id ConfirmedIdentity) error {
	resp, err := c.backend.Delete(ctx, uploadsEndpoint, compensateRequest{
		PhotoID: id.RecordID,
		JobID:   id.TransferID,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCompensationFailed, err)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("%w: backend returned HTTP %d", ErrCompensationFailed, resp.StatusCode())
	}

	var body compensateResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return fmt.Errorf("%w: failed to parse response: %w", ErrCompensationFailed, err)
	}
	if !body.Success {
		return fmt.Errorf("%w: backend refused delete of record %s: %s", ErrCompensationFailed, id.RecordID, body.Message)
	}
	return nil
}
