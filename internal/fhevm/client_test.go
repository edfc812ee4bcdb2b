package fhevm

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cipherperp/cipherperp/internal/domain"
)

const testChainID = 8009

var testContract = common.HexToAddress("0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")

// testGateway is a minimal in-process gateway speaking the HTTP+JSON wire
// protocol, with counters and per-route overrides for failure injection.
type testGateway struct {
	srv *httptest.Server

	keysHits    atomic.Int64
	encryptHits atomic.Int64

	encryptStatus int // non-zero forces a bare status response
	handleHex     string
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()
	g := &testGateway{
		handleHex: "0x" + hex.EncodeToString(bytesRepeat(0xA1, 32)),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/keys", func(w http.ResponseWriter, r *http.Request) {
		g.keysHits.Add(1)
		writeJSON(w, keysResponse{PublicKey: base64.StdEncoding.EncodeToString([]byte("pubkey"))})
	})
	mux.HandleFunc("POST /v1/encrypt", func(w http.ResponseWriter, r *http.Request) {
		g.encryptHits.Add(1)
		if g.encryptStatus != 0 {
			http.Error(w, `{"error":"injected"}`, g.encryptStatus)
			return
		}
		var req encryptRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, int64(testChainID), req.ChainID)
		assert.Equal(t, testContract.Hex(), req.Contract)
		writeJSON(w, encryptResponse{
			Handle:     g.handleHex,
			Ciphertext: base64.StdEncoding.EncodeToString([]byte("ciphertext")),
			Proof:      base64.StdEncoding.EncodeToString([]byte("proof")),
		})
	})
	mux.HandleFunc("POST /v1/reencrypt", func(w http.ResponseWriter, r *http.Request) {
		var req reencryptRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		writeJSON(w, reencryptResponse{Value: "123456"})
	})

	g.srv = httptest.NewServer(mux)
	t.Cleanup(g.srv.Close)
	return g
}

func bytesRepeat(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func testClient(g *testGateway) *Client {
	return NewClient(g.srv.URL, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestEncryptProducesBoundInput(t *testing.T) {
	g := newTestGateway(t)
	c := testClient(g)

	input, err := c.Encrypt(context.Background(), testChainID, big.NewInt(5000), testContract)
	require.NoError(t, err)

	assert.False(t, input.Handle.IsZero())
	assert.Equal(t, []byte("ciphertext"), input.Ciphertext)
	assert.NotEmpty(t, input.Proof)
}

func TestEncryptRejectsOutOfRangeBeforeNetwork(t *testing.T) {
	g := newTestGateway(t)
	c := testClient(g)

	_, err := c.Encrypt(context.Background(), testChainID, big.NewInt(-1), testContract)
	assert.ErrorIs(t, err, domain.ErrEncoding)

	over := new(big.Int).Add(new(big.Int).SetUint64(^uint64(0)), big.NewInt(1))
	_, err = c.Encrypt(context.Background(), testChainID, over, testContract)
	assert.ErrorIs(t, err, domain.ErrEncoding)

	_, err = c.Encrypt(context.Background(), testChainID, nil, testContract)
	assert.ErrorIs(t, err, domain.ErrEncoding)

	assert.Zero(t, g.keysHits.Load(), "invalid values must not trigger the handshake")
	assert.Zero(t, g.encryptHits.Load())
}

func TestSessionHandshakeHappensOnce(t *testing.T) {
	g := newTestGateway(t)
	c := testClient(g)

	for i := 0; i < 3; i++ {
		_, err := c.Encrypt(context.Background(), testChainID, big.NewInt(int64(i+1)), testContract)
		require.NoError(t, err)
	}

	assert.Equal(t, int64(1), g.keysHits.Load())
	assert.Equal(t, int64(3), g.encryptHits.Load())

	// Reset forces a fresh handshake on the next call.
	c.Reset(testChainID)
	_, err := c.Encrypt(context.Background(), testChainID, big.NewInt(9), testContract)
	require.NoError(t, err)
	assert.Equal(t, int64(2), g.keysHits.Load())
}

func TestEncryptStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, domain.ErrAuthorization},
		{http.StatusForbidden, domain.ErrAuthorization},
		{http.StatusBadRequest, domain.ErrEncoding},
		{http.StatusInternalServerError, domain.ErrEncryptionUnavailable},
		{http.StatusBadGateway, domain.ErrEncryptionUnavailable},
	}

	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			g := newTestGateway(t)
			g.encryptStatus = tc.status
			c := testClient(g)

			_, err := c.Encrypt(context.Background(), testChainID, big.NewInt(1), testContract)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestEncryptUnreachableGateway(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := c.Encrypt(context.Background(), testChainID, big.NewInt(1), testContract)
	assert.ErrorIs(t, err, domain.ErrEncryptionUnavailable)
}

func TestEncryptRejectsMalformedHandle(t *testing.T) {
	g := newTestGateway(t)
	g.handleHex = "0xdeadbeef" // wrong length
	c := testClient(g)

	_, err := c.Encrypt(context.Background(), testChainID, big.NewInt(1), testContract)
	assert.Error(t, err)
}

func TestDecryptReturnsPlaintext(t *testing.T) {
	g := newTestGateway(t)
	c := testClient(g)

	var handle domain.Handle
	handle[0] = 0x01
	viewer := common.HexToAddress("0x1111111111111111111111111111111111111111")

	value, err := c.Decrypt(context.Background(), testChainID, handle, testContract, viewer)
	require.NoError(t, err)
	assert.Equal(t, uint64(123456), value)
}

func TestDecryptRejectsZeroHandle(t *testing.T) {
	g := newTestGateway(t)
	c := testClient(g)

	_, err := c.Decrypt(context.Background(), testChainID, domain.Handle{}, testContract, testContract)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Zero(t, g.keysHits.Load())
}

func TestParseHandleAcceptsPrefixVariants(t *testing.T) {
	raw := hex.EncodeToString(bytesRepeat(0x42, 32))

	for _, in := range []string{raw, "0x" + raw, "0X" + raw} {
		h, err := parseHandle(in)
		require.NoError(t, err)
		assert.Equal(t, byte(0x42), h[0])
	}

	_, err := parseHandle("zz")
	assert.Error(t, err)
}
