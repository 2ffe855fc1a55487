package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	federationContractsPath = "/v1/contracts"
	federationClientTimeout = 20 * time.Second
	federationMaxBodyBytes  = 1 << 20
)

// ContractKind says what a contract does to the client's balance.
type ContractKind string

const (
	ContractCredit ContractKind = "credit"
	ContractDebit  ContractKind = "debit"
)

// ContractRequest is a contract submission. OperationID makes resubmission
// after a crash idempotent on the federation side.
type ContractRequest struct {
	OperationID string
	Kind        ContractKind
	PaymentHash string
	AmountMsat  uint64
}

// FinalityState is the federation's consensus verdict on a contract.
type FinalityState string

const (
	FinalityPending   FinalityState = "pending"
	FinalityFinalized FinalityState = "finalized"
	FinalityRejected  FinalityState = "rejected"
)

// ContractStatus is a point-in-time view of a submitted contract. For
// finalized credit contracts Proof carries the payment preimage revealed by
// consensus.
type ContractStatus struct {
	State  FinalityState
	Reason string
	Proof  string
}

// FederationClient talks to one federation's gateway module. Unavailability
// surfaces as a TransientError, a protocol-level refusal as a
// RejectionError, so callers can tell retry-worthy from terminal.
type FederationClient interface {
	SubmitContract(ctx context.Context, reg FederationRegistration, req ContractRequest) (string, error)
	ContractStatus(ctx context.Context, reg FederationRegistration, contractRef string) (ContractStatus, error)
	SettleContract(ctx context.Context, reg FederationRegistration, contractRef string, preimageHex string) error
	RefundContract(ctx context.Context, reg FederationRegistration, contractRef string) error
}

// HTTPFederationClient implements FederationClient over the federation
// module's JSON HTTP API.
type HTTPFederationClient struct {
	client *http.Client
}

func NewHTTPFederationClient() *HTTPFederationClient {
	return &HTTPFederationClient{
		client: &http.Client{Timeout: federationClientTimeout},
	}
}

type contractSubmitPayload struct {
	OperationID     string `json:"operation_id"`
	Kind            string `json:"kind"`
	PaymentHash     string `json:"payment_hash"`
	AmountMsat      uint64 `json:"amount_msat"`
	ProtocolVariant string `json:"protocol_variant"`
}

type contractSubmitResponse struct {
	ContractID string `json:"contract_id"`
	Error      string `json:"error"`
}

type contractStatusResponse struct {
	ContractID string `json:"contract_id"`
	Status     string `json:"status"`
	Reason     string `json:"reason"`
	Proof      string `json:"proof"`
	Error      string `json:"error"`
}

func (c *HTTPFederationClient) SubmitContract(ctx context.Context, reg FederationRegistration, req ContractRequest) (string, error) {
	payload := contractSubmitPayload{
		OperationID:     req.OperationID,
		Kind:            string(req.Kind),
		PaymentHash:     req.PaymentHash,
		AmountMsat:      req.AmountMsat,
		ProtocolVariant: reg.ProtocolVariant,
	}
	status, raw, err := c.do(ctx, http.MethodPost, reg.Endpoint, federationContractsPath, payload)
	if err != nil {
		return "", transientf("federation", "submit contract: %w", err)
	}
	if err := checkFederationStatus(status, raw); err != nil {
		return "", err
	}

	var resp contractSubmitResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", transientf("federation", "submit contract: malformed response: %w", err)
	}
	if resp.Error != "" {
		return "", &RejectionError{Reason: resp.Error}
	}
	if strings.TrimSpace(resp.ContractID) == "" {
		return "", transientf("federation", "submit contract: response missing contract id")
	}
	return resp.ContractID, nil
}

func (c *HTTPFederationClient) ContractStatus(ctx context.Context, reg FederationRegistration, contractRef string) (ContractStatus, error) {
	path := federationContractsPath + "/" + url.PathEscape(contractRef)
	status, raw, err := c.do(ctx, http.MethodGet, reg.Endpoint, path, nil)
	if err != nil {
		return ContractStatus{}, transientf("federation", "contract status: %w", err)
	}
	if err := checkFederationStatus(status, raw); err != nil {
		return ContractStatus{}, err
	}

	var resp contractStatusResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return ContractStatus{}, transientf("federation", "contract status: malformed response: %w", err)
	}
	if resp.Error != "" {
		return ContractStatus{}, &RejectionError{Reason: resp.Error}
	}

	switch FinalityState(resp.Status) {
	case FinalityPending, FinalityFinalized, FinalityRejected:
		return ContractStatus{State: FinalityState(resp.Status), Reason: resp.Reason, Proof: resp.Proof}, nil
	}
	return ContractStatus{}, transientf("federation", "contract status: unknown status %q", resp.Status)
}

func (c *HTTPFederationClient) SettleContract(ctx context.Context, reg FederationRegistration, contractRef string, preimageHex string) error {
	path := federationContractsPath + "/" + url.PathEscape(contractRef) + "/settle"
	payload := map[string]string{"preimage": preimageHex}
	status, raw, err := c.do(ctx, http.MethodPost, reg.Endpoint, path, payload)
	if err != nil {
		return transientf("federation", "settle contract: %w", err)
	}
	return checkFederationStatus(status, raw)
}

func (c *HTTPFederationClient) RefundContract(ctx context.Context, reg FederationRegistration, contractRef string) error {
	path := federationContractsPath + "/" + url.PathEscape(contractRef) + "/refund"
	status, raw, err := c.do(ctx, http.MethodPost, reg.Endpoint, path, nil)
	if err != nil {
		return transientf("federation", "refund contract: %w", err)
	}
	return checkFederationStatus(status, raw)
}

func (c *HTTPFederationClient) do(ctx context.Context, method string, endpoint string, path string, payload any) (int, []byte, error) {
	base := strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if base == "" {
		return 0, nil, fmt.Errorf("federation endpoint is empty")
	}

	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, err
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, base+path, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, federationMaxBodyBytes))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, raw, nil
}

// checkFederationStatus maps an HTTP status to the error taxonomy: 5xx is
// transient, 4xx is a definitive refusal.
func checkFederationStatus(status int, raw []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	reason := federationErrorReason(raw)
	if status >= 500 {
		return transientf("federation", "endpoint returned status %d: %s", status, reason)
	}
	if reason == "" {
		reason = fmt.Sprintf("status %d", status)
	}
	return &RejectionError{Reason: reason}
}

func federationErrorReason(raw []byte) string {
	var decoded struct {
		Error  string `json:"error"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(raw, &decoded); err == nil {
		if decoded.Error != "" {
			return decoded.Error
		}
		if decoded.Reason != "" {
			return decoded.Reason
		}
	}
	return strings.TrimSpace(string(raw))
}

var _ FederationClient = (*HTTPFederationClient)(nil)
