package httpserver

import (
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/keyhaven/guardian-recovery-backend/interfaces"
	"github.com/keyhaven/guardian-recovery-backend/recovery"
	"github.com/keyhaven/guardian-recovery-backend/rewrap"
)

// maxBodySize is the maximum allowed request body size (1MB).
const maxBodySize = 1024 * 1024

// Handler processes HTTP requests for the recovery service. It delegates to
// the challenge service and the rewrap engine and translates error kinds into
// HTTP status codes.
type Handler struct {
	recovery *recovery.Service
	rewrap   *rewrap.Engine
	log      *slog.Logger
}

// NewHandler creates a new HTTP request handler with the specified
// dependencies.
func NewHandler(recoverySvc *recovery.Service, rewrapEngine *rewrap.Engine, log *slog.Logger) *Handler {
	return &Handler{
		recovery: recoverySvc,
		rewrap:   rewrapEngine,
		log:      log,
	}
}

func statusForKind(kind interfaces.ErrorKind) int {
	switch kind {
	case interfaces.KindNotFound:
		return http.StatusNotFound
	case interfaces.KindBadRequest:
		return http.StatusBadRequest
	case interfaces.KindUnauthorized:
		return http.StatusUnauthorized
	case interfaces.KindPreconditionFailed:
		return http.StatusPreconditionFailed
	case interfaces.KindTooManyRequests:
		return http.StatusTooManyRequests
	case interfaces.KindTimeout:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps an error to an HTTP status and a JSON error body. Internal
// errors are logged with detail but returned opaque.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := interfaces.KindOf(err)
	status := statusForKind(kind)

	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.log.Error("Request failed", "err", err, "path", r.URL.Path)
		msg = "internal error"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func decodeBody(w http.ResponseWriter, r *http.Request, into any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		return interfaces.E(interfaces.KindBadRequest, "invalid request body: %w", err)
	}
	return nil
}

type startRequest struct {
	Identifier string `json:"identifier"`
}

type approvalIssueResponse struct {
	GuardianID       string `json:"guardian_id"`
	GuardianType     string `json:"guardian_type"`
	ParticipantIndex int    `json:"participant_index"`
	Token            string `json:"token,omitempty"`
}

type startResponse struct {
	ChallengeID  string                  `json:"challenge_id"`
	ContextToken string                  `json:"context_token"`
	Approvals    []approvalIssueResponse `json:"approvals"`
	Threshold    int                     `json:"threshold"`
	ExpiresAt    time.Time               `json:"expires_at"`
	DeliveryMode string                  `json:"delivery_mode"`
	Delivered    int                     `json:"delivered"`
}

// HandleStart begins a recovery challenge.
//
// URL format: POST /api/recovery/start
// Request body: {"identifier": "<account email or recovery ID>"}
func (h *Handler) HandleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.Identifier == "" {
		h.writeError(w, r, interfaces.E(interfaces.KindBadRequest, "identifier is required"))
		return
	}

	result, err := h.recovery.Start(r.Context(), req.Identifier)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := startResponse{
		ChallengeID:  result.ChallengeID,
		ContextToken: result.ContextToken,
		Threshold:    result.Threshold,
		ExpiresAt:    result.ExpiresAt,
		DeliveryMode: result.Delivery.Mode,
		Delivered:    result.Delivery.Delivered,
	}
	for _, issue := range result.Approvals {
		resp.Approvals = append(resp.Approvals, approvalIssueResponse{
			GuardianID:       issue.GuardianID,
			GuardianType:     string(issue.GuardianType),
			ParticipantIndex: issue.ParticipantIndex,
			Token:            issue.Token,
		})
	}
	h.writeJSON(w, http.StatusCreated, resp)
}

type guardianApprovalResponse struct {
	GuardianID       string     `json:"guardian_id"`
	GuardianType     string     `json:"guardian_type,omitempty"`
	ParticipantIndex int        `json:"participant_index,omitempty"`
	ApprovedAt       *time.Time `json:"approved_at,omitempty"`
}

type statusResponse struct {
	Status      string                     `json:"status"`
	Approvals   int                        `json:"approvals"`
	Threshold   int                        `json:"threshold"`
	Guardians   []guardianApprovalResponse `json:"guardians"`
	ExpiresAt   time.Time                  `json:"expires_at"`
	CompletedAt *time.Time                 `json:"completed_at,omitempty"`
}

// HandleStatus returns the approval tally of a challenge.
//
// URL format: GET /api/recovery/{challenge_id}/status
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	challengeID := r.PathValue("challenge_id")
	if challengeID == "" {
		h.writeError(w, r, interfaces.E(interfaces.KindBadRequest, "missing challenge id"))
		return
	}

	result, err := h.recovery.Status(r.Context(), challengeID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := statusResponse{
		Status:      string(result.Status),
		Approvals:   result.Approvals,
		Threshold:   result.Threshold,
		ExpiresAt:   result.ExpiresAt,
		CompletedAt: result.CompletedAt,
	}
	for _, g := range result.GuardianApprovals {
		resp.Guardians = append(resp.Guardians, guardianApprovalResponse{
			GuardianID:       g.GuardianID,
			GuardianType:     string(g.GuardianType),
			ParticipantIndex: g.ParticipantIndex,
			ApprovedAt:       g.ApprovedAt,
		})
	}
	h.writeJSON(w, http.StatusOK, resp)
}

type approveRequest struct {
	Token string `json:"token"`
	Code  string `json:"code,omitempty"`
}

type approveResponse struct {
	Status              string `json:"status"`
	Approvals           int    `json:"approvals"`
	Threshold           int    `json:"threshold"`
	SignaturesCollected int    `json:"signatures_collected,omitempty"`
}

// HandleApprove records a guardian approval identified by its raw token. The
// two-factor guardian must also supply a TOTP or backup code.
//
// URL format: POST /api/recovery/approve
// Request body: {"token": "<approval token>", "code": "<optional 2FA code>"}
func (h *Handler) HandleApprove(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.Token == "" {
		h.writeError(w, r, interfaces.E(interfaces.KindBadRequest, "token is required"))
		return
	}

	result, err := h.recovery.Approve(r.Context(), req.Token, req.Code)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, approveResponse{
		Status:              string(result.Status),
		Approvals:           result.Approvals,
		Threshold:           result.Threshold,
		SignaturesCollected: result.SignaturesCollected,
	})
}

type recoverDEKRequest struct {
	ContextToken string `json:"context_token"`
}

type recoveredDEKResponse struct {
	SecretID string `json:"secret_id"`
	DEK      string `json:"dek"`
}

type recoverDEKResponse struct {
	UserID string                 `json:"user_id"`
	DEKs   []recoveredDEKResponse `json:"deks"`
}

// HandleRecoverDEK releases the plaintext DEKs of recoverable secrets to the
// client for local rewrapping. The context token stays valid until finalize.
//
// URL format: POST /api/recovery/{challenge_id}/recover-dek
// Request body: {"context_token": "<token from start>"}
func (h *Handler) HandleRecoverDEK(w http.ResponseWriter, r *http.Request) {
	challengeID := r.PathValue("challenge_id")
	if challengeID == "" {
		h.writeError(w, r, interfaces.E(interfaces.KindBadRequest, "missing challenge id"))
		return
	}

	var req recoverDEKRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.ContextToken == "" {
		h.writeError(w, r, interfaces.E(interfaces.KindUnauthorized, "context token is required"))
		return
	}

	result, err := h.rewrap.RecoverDEKs(r.Context(), challengeID, req.ContextToken)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := recoverDEKResponse{UserID: result.UserID}
	for _, d := range result.DEKs {
		resp.DEKs = append(resp.DEKs, recoveredDEKResponse{SecretID: d.SecretID, DEK: d.DEKBase64})
	}
	h.writeJSON(w, http.StatusOK, resp)
}

type wrapperInput struct {
	SecretID   string `json:"secret_id"`
	Alg        string `json:"alg"`
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
}

type finalizeRequest struct {
	ContextToken string `json:"context_token"`
	CredentialID string `json:"credential_id"`

	// Hardened flow: wrappers produced client-side.
	Wrappers []wrapperInput `json:"wrappers,omitempty"`

	// Legacy flow: base64 credential key material for server-side rewrap.
	CredentialMaterial string `json:"credential_material,omitempty"`
}

type finalizeResponse struct {
	Status         string `json:"status"`
	RewrappedCount int    `json:"rewrapped_count"`
}

// HandleFinalize completes a recovery: it stores new-credential wrappers and
// transitions the challenge to applied, consuming the context token. With
// "wrappers" set the client did the rewrapping; with "credential_material"
// set the server performs the legacy rewrap itself. Exactly one of the two
// must be provided.
//
// URL format: POST /api/recovery/{challenge_id}/finalize
func (h *Handler) HandleFinalize(w http.ResponseWriter, r *http.Request) {
	challengeID := r.PathValue("challenge_id")
	if challengeID == "" {
		h.writeError(w, r, interfaces.E(interfaces.KindBadRequest, "missing challenge id"))
		return
	}

	var req finalizeRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.ContextToken == "" {
		h.writeError(w, r, interfaces.E(interfaces.KindUnauthorized, "context token is required"))
		return
	}
	if len(req.Wrappers) > 0 && req.CredentialMaterial != "" {
		h.writeError(w, r, interfaces.E(interfaces.KindBadRequest, "provide either wrappers or credential_material, not both"))
		return
	}

	var result rewrap.FinalizeResult
	var err error
	if req.CredentialMaterial != "" {
		var material []byte
		material, err = base64.StdEncoding.DecodeString(req.CredentialMaterial)
		if err != nil {
			h.writeError(w, r, interfaces.E(interfaces.KindBadRequest, "credential_material is not valid base64"))
			return
		}
		result, err = h.rewrap.FinalizeServerAssisted(r.Context(), challengeID, req.ContextToken, req.CredentialID, material)
	} else {
		wrappers := make([]rewrap.WrapperInput, 0, len(req.Wrappers))
		for _, in := range req.Wrappers {
			wrappers = append(wrappers, rewrap.WrapperInput{
				SecretID: in.SecretID,
				Payload: interfaces.WrappedKey{
					Alg:        in.Alg,
					IV:         in.IV,
					Ciphertext: in.Ciphertext,
				},
			})
		}
		result, err = h.rewrap.Finalize(r.Context(), challengeID, req.ContextToken, req.CredentialID, wrappers)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, finalizeResponse{
		Status:         string(interfaces.ChallengeApplied),
		RewrappedCount: result.RewrappedCount,
	})
}
