package upload

import (
	"context"
	"encoding/json"
	"fmt"

	"vstage-upload/internal/api"
	"vstage-upload/internal/logging"

	"github.com/rs/zerolog"
)

const uploadsEndpoint = "uploads"

type negotiationFile struct {
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType"`
}

type negotiationRequest struct {
	Files     []negotiationFile `json:"files"`
	ServiceID string            `json:"serviceId"`
}

type uploadInstruction struct {
	UploadURL  string `json:"uploadUrl"`
	PublicURL  string `json:"publicUrl"`
	ObjectPath string `json:"objectPath"`
}

type negotiationResponse struct {
	Success            bool                `json:"success"`
	Message            string              `json:"message"`
	UploadInstructions []uploadInstruction `json:"uploadInstructions"`
}

// Session is a freshly opened resumable session and where its bytes will land
type Session struct {
	URL         string
	Destination Destination
}

// Negotiator obtains a write destination from the backend of record and
// opens a resumable session with the storage endpoint
type Negotiator struct {
	backend *api.Client
	storage *api.StorageClient
	log     zerolog.Logger
}

func NewNegotiator(backend *api.Client, storage *api.StorageClient, log zerolog.Logger) *Negotiator {
	return &Negotiator{backend: backend, storage: storage, log: log}
}

// Negotiate runs the two-step handshake for one file bound to slot. Errors
// wrap ErrNegotiationFailed or ErrSessionInitFailed.
func (n *Negotiator) Negotiate(ctx context.Context, id FileIdentity, slot string) (*Session, error) {
	contentType := id.ContentType
	if contentType == "" {
		contentType = DefaultContentType
	}

	resp, err := n.backend.Post(ctx, uploadsEndpoint, negotiationRequest{
		Files:     []negotiationFile{{FileName: id.Name, ContentType: contentType}},
		ServiceID: slot,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNegotiationFailed, err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("%w: backend returned HTTP %d: %s", ErrNegotiationFailed, resp.StatusCode(), resp.String())
	}

	var body negotiationResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, fmt.Errorf("%w: failed to parse response: %w", ErrNegotiationFailed, err)
	}
	if !body.Success || len(body.UploadInstructions) == 0 {
		msg := body.Message
		if msg == "" {
			msg = "no upload instruction issued"
		}
		return nil, fmt.Errorf("%w: %s", ErrNegotiationFailed, msg)
	}
	instruction := body.UploadInstructions[0]
	if instruction.UploadURL == "" {
		return nil, fmt.Errorf("%w: upload instruction has no upload URL", ErrNegotiationFailed)
	}

	start, err := n.storage.StartSession(ctx, instruction.UploadURL, contentType)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSessionInitFailed, err)
	}
	if !start.IsSuccess() {
		return nil, fmt.Errorf("%w: storage returned HTTP %d", ErrSessionInitFailed, start.StatusCode())
	}
	sessionURL := start.Header().Get(api.HeaderLocation)
	if sessionURL == "" {
		return nil, fmt.Errorf("%w: no session location in response", ErrSessionInitFailed)
	}

	n.log.Debug().
		Str(logging.FieldFile, id.Name).
		Str(logging.FieldSlot, slot).
		Str("object_path", instruction.ObjectPath).
		Msg("Resumable session opened")

	return &Session{
		URL: sessionURL,
		Destination: Destination{
			PublicURL:   instruction.PublicURL,
			ObjectPath:  instruction.ObjectPath,
			ServiceSlot: slot,
		},
	}, nil
}
