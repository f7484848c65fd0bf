// Package notifier delivers guardian approval tokens out of band. Transport
// mechanics are owned by an external delivery service; this package ships a
// webhook client for it and a log-only implementation for development.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/keyhaven/guardian-recovery-backend/interfaces"
	"github.com/stretchr/testify/mock"
)

// WebhookNotifier posts notification batches to the delivery service.
type WebhookNotifier struct {
	// Endpoint is the delivery service URL.
	Endpoint string

	// HTTPClient is optional; a 10-second-timeout client is used if nil.
	HTTPClient *http.Client
}

type webhookRequest struct {
	AccountEmail string            `json:"account_email"`
	Approvals    []webhookApproval `json:"approvals"`
}

type webhookApproval struct {
	Email string `json:"email"`
	Token string `json:"token"`
}

type webhookResponse struct {
	Mode      string `json:"mode"`
	Delivered int    `json:"delivered"`
}

// Deliver sends the batch and returns the delivery receipt.
func (n *WebhookNotifier) Deliver(ctx context.Context, notification interfaces.GuardianNotification) (interfaces.DeliveryReceipt, error) {
	payload := webhookRequest{AccountEmail: notification.AccountEmail}
	for _, a := range notification.Approvals {
		payload.Approvals = append(payload.Approvals, webhookApproval{Email: a.Email, Token: a.Token})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return interfaces.DeliveryReceipt{}, fmt.Errorf("could not encode notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.Endpoint, bytes.NewReader(body))
	if err != nil {
		return interfaces.DeliveryReceipt{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	httpClient := n.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return interfaces.DeliveryReceipt{}, fmt.Errorf("could not reach delivery service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return interfaces.DeliveryReceipt{}, fmt.Errorf("delivery service returned non-200 response: %d", resp.StatusCode)
		}
		return interfaces.DeliveryReceipt{}, fmt.Errorf("delivery service returned error %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var parsed webhookResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return interfaces.DeliveryReceipt{}, fmt.Errorf("could not parse delivery response: %w", err)
	}

	return interfaces.DeliveryReceipt{Mode: parsed.Mode, Delivered: parsed.Delivered}, nil
}

// LogNotifier logs deliveries instead of sending them. Tokens are not
// logged, only their count. For local development.
type LogNotifier struct {
	Log *slog.Logger
}

// Deliver implements interfaces.GuardianNotifier by logging.
func (n *LogNotifier) Deliver(ctx context.Context, notification interfaces.GuardianNotification) (interfaces.DeliveryReceipt, error) {
	n.Log.Info("Guardian notification (log mode, not delivered)",
		"accountEmail", notification.AccountEmail,
		"approvals", len(notification.Approvals))
	return interfaces.DeliveryReceipt{Mode: "log", Delivered: len(notification.Approvals)}, nil
}

// MockNotifier implements a mock interfaces.GuardianNotifier for testing.
type MockNotifier struct {
	mock.Mock
}

// Deliver implements interfaces.GuardianNotifier for testing.
func (m *MockNotifier) Deliver(ctx context.Context, notification interfaces.GuardianNotification) (interfaces.DeliveryReceipt, error) {
	args := m.Called(ctx, notification)
	return args.Get(0).(interfaces.DeliveryReceipt), args.Error(1)
}
