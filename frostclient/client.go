// Package frostclient is the thin HTTP client for the external FROST signing
// coordinator. The coordinator runs the multi-round commitment and share
// exchange with the guardian signers internally; this client only submits a
// message and receives the aggregated signature.
package frostclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/keyhaven/guardian-recovery-backend/interfaces"
	"github.com/stretchr/testify/mock"
)

// signRequest is the coordinator's wire format for a one-shot signing run.
type signRequest struct {
	GroupPubkey       string `json:"group_pubkey"`
	Ciphersuite       string `json:"ciphersuite"`
	Threshold         int    `json:"threshold"`
	MessageBase64     string `json:"message"`
	ParticipantIDs    []int  `json:"participant_ids"`
	TotalParticipants int    `json:"total_participants"`
}

type signResponse struct {
	Signature           string `json:"signature"`
	SignaturesCollected int    `json:"signatures_collected"`
}

// DefaultTimeout bounds one full signing round trip, commitment and share
// exchange included. The recovery service sizes its signing claim off this
// value, so a coordinator call still in flight is never treated as
// abandoned.
const DefaultTimeout = 60 * time.Second

// Client implements interfaces.SigningCoordinator over HTTP. Signing blocks
// for a full multi-party round trip, so the HTTP client carries a generous
// timeout; callers should still pass a request-scoped context.
type Client struct {
	// ServerAddr is the base URL of the signing coordinator.
	ServerAddr string

	// HTTPClient is optional; a DefaultTimeout client is used if nil.
	HTTPClient *http.Client
}

// Sign submits a signing request and waits for the aggregated result. Every
// failure is opaque to the caller: transport errors, non-200 responses, and
// malformed bodies are all reported as plain errors, which the recovery
// service classifies as internal.
func (c *Client) Sign(ctx context.Context, req interfaces.SignRequest) (interfaces.SignResult, error) {
	body, err := json.Marshal(signRequest{
		GroupPubkey:       req.GroupPublicKey,
		Ciphersuite:       string(req.Ciphersuite),
		Threshold:         req.Threshold,
		MessageBase64:     base64.StdEncoding.EncodeToString(req.Message),
		ParticipantIDs:    req.ParticipantIndices,
		TotalParticipants: req.TotalParticipants,
	})
	if err != nil {
		return interfaces.SignResult{}, fmt.Errorf("could not encode sign request: %w", err)
	}

	url := fmt.Sprintf("%s/signing/sign", c.ServerAddr)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return interfaces.SignResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}

	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return interfaces.SignResult{}, fmt.Errorf("could not request signing coordinator: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return interfaces.SignResult{}, fmt.Errorf("signing coordinator returned non-200 response: %d", resp.StatusCode)
		}
		return interfaces.SignResult{}, fmt.Errorf("signing coordinator returned error %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var parsed signResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return interfaces.SignResult{}, fmt.Errorf("could not parse signing response: %w", err)
	}
	if parsed.Signature == "" {
		return interfaces.SignResult{}, fmt.Errorf("signing coordinator returned empty signature")
	}

	return interfaces.SignResult{
		Signature:           parsed.Signature,
		SignaturesCollected: parsed.SignaturesCollected,
	}, nil
}

// MockSigningCoordinator implements a mock interfaces.SigningCoordinator for
// testing. Behavior is configured through testify expectations.
type MockSigningCoordinator struct {
	mock.Mock
}

// Sign implements interfaces.SigningCoordinator for testing.
func (m *MockSigningCoordinator) Sign(ctx context.Context, req interfaces.SignRequest) (interfaces.SignResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(interfaces.SignResult), args.Error(1)
}
