package fhevm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/cipherperp/cipherperp/internal/domain"
)

// Gateway wire envelopes. The gateway speaks plain HTTP+JSON; handles travel
// as 0x-prefixed hex, ciphertexts and proofs as standard base64.

type keysRequest struct {
	ChainID int64 `json:"chain_id"`
}

type keysResponse struct {
	PublicKey string `json:"public_key"`
}

type encryptRequest struct {
	ChainID  int64  `json:"chain_id"`
	Contract string `json:"contract"`
	Value    string `json:"value"` // decimal string, avoids JSON float truncation
}

type encryptResponse struct {
	Handle     string `json:"handle"`
	Ciphertext string `json:"ciphertext"`
	Proof      string `json:"proof"`
}

type reencryptRequest struct {
	ChainID  int64  `json:"chain_id"`
	Handle   string `json:"handle"`
	Contract string `json:"contract"`
	Viewer   string `json:"viewer"`
}

type reencryptResponse struct {
	Value string `json:"value"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// fetchPublicKey performs the session handshake, retrieving the chain's
// public key material. Unreachable gateway maps to ErrEncryptionUnavailable
// so callers can distinguish a degraded service from a programming error.
func (c *Client) fetchPublicKey(ctx context.Context, chainID int64) ([]byte, error) {
	var out keysResponse
	if err := c.post(ctx, "/v1/keys", keysRequest{ChainID: chainID}, &out); err != nil {
		return nil, err
	}
	pub, err := base64.StdEncoding.DecodeString(out.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(pub) == 0 {
		return nil, fmt.Errorf("gateway returned empty public key: %w", domain.ErrEncryptionUnavailable)
	}
	return pub, nil
}

func (c *Client) gatewayEncrypt(ctx context.Context, chainID int64, value uint64, target common.Address) (domain.EncryptedInput, error) {
	req := encryptRequest{
		ChainID:  chainID,
		Contract: target.Hex(),
		Value:    strconv.FormatUint(value, 10),
	}
	var out encryptResponse
	if err := c.post(ctx, "/v1/encrypt", req, &out); err != nil {
		return domain.EncryptedInput{}, fmt.Errorf("fhevm: encrypt: %w", err)
	}

	handle, err := parseHandle(out.Handle)
	if err != nil {
		return domain.EncryptedInput{}, fmt.Errorf("fhevm: encrypt: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(out.Ciphertext)
	if err != nil {
		return domain.EncryptedInput{}, fmt.Errorf("fhevm: encrypt: decode ciphertext: %w", err)
	}
	proof, err := base64.StdEncoding.DecodeString(out.Proof)
	if err != nil {
		return domain.EncryptedInput{}, fmt.Errorf("fhevm: encrypt: decode proof: %w", err)
	}
	if len(proof) == 0 {
		return domain.EncryptedInput{}, fmt.Errorf("fhevm: encrypt: gateway returned empty proof")
	}

	return domain.EncryptedInput{
		Handle:     handle,
		Ciphertext: ciphertext,
		Proof:      proof,
	}, nil
}

func (c *Client) gatewayReencrypt(ctx context.Context, chainID int64, handle domain.Handle, contract, viewer common.Address) (uint64, error) {
	req := reencryptRequest{
		ChainID:  chainID,
		Handle:   "0x" + hex.EncodeToString(handle[:]),
		Contract: contract.Hex(),
		Viewer:   viewer.Hex(),
	}
	var out reencryptResponse
	if err := c.post(ctx, "/v1/reencrypt", req, &out); err != nil {
		return 0, fmt.Errorf("fhevm: reencrypt: %w", err)
	}

	value, err := strconv.ParseUint(out.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("fhevm: reencrypt: parse value: %w", err)
	}
	return value, nil
}

// post sends a JSON request and decodes a JSON response. HTTP status codes
// map onto the domain error taxonomy: 401/403 is an authorization failure,
// 404 an unknown handle, anything 5xx (or transport failure) means the
// encryption service is unavailable.
func (c *Client) post(ctx context.Context, path string, reqBody, respBody any) error {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.gatewayURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrEncryptionUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to decode below

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrAuthorization, gatewayErrMessage(body))

	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, gatewayErrMessage(body))

	case resp.StatusCode == http.StatusBadRequest:
		return fmt.Errorf("%w: %s", domain.ErrEncoding, gatewayErrMessage(body))

	default:
		return fmt.Errorf("%w: gateway status %d: %s",
			domain.ErrEncryptionUnavailable, resp.StatusCode, gatewayErrMessage(body))
	}

	if err := json.Unmarshal(body, respBody); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func gatewayErrMessage(body []byte) string {
	var e errorResponse
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return e.Error
	}
	return string(body)
}

func parseHandle(s string) (domain.Handle, error) {
	var h domain.Handle
	raw, err := hex.DecodeString(trimHexPrefix(s))
	if err != nil {
		return h, fmt.Errorf("decode handle: %w", err)
	}
	if len(raw) != len(h) {
		return h, fmt.Errorf("handle length %d, want %d", len(raw), len(h))
	}
	copy(h[:], raw)
	return h, nil
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
