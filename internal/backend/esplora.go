package backend

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/txscript"
	"github.com/klingon-exchange/tanos/internal/chain"
)

// Esplora implements Backend over the Esplora HTTP API. mempool.space
// serves the same API plus its own fee endpoint.
type Esplora struct {
	baseURL    string
	params     *chain.Params
	typ        Type
	httpClient *http.Client
	mu         sync.RWMutex
	connected  bool
}

// NewEsplora creates a client for an Esplora-compatible API root such as
// https://mempool.space/api.
func NewEsplora(baseURL string, params *chain.Params) *Esplora {
	return &Esplora{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		params:  params,
		typ:     TypeMempool,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Type returns the API flavour.
func (e *Esplora) Type() Type {
	return e.typ
}

// Connect tests the connection to the API.
func (e *Esplora) Connect(ctx context.Context) error {
	if _, err := e.GetBlockHeight(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	e.mu.Lock()
	e.connected = true
	e.mu.Unlock()
	return nil
}

// Close closes the connection.
func (e *Esplora) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connected = false
	return nil
}

// IsConnected returns true if connected.
func (e *Esplora) IsConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

// ScriptUTXOs returns unspent outputs paying to script. The script is
// resolved to its address, which every Esplora deployment indexes.
func (e *Esplora) ScriptUTXOs(ctx context.Context, script []byte) ([]UTXO, error) {
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(script, e.params.ChainParams)
	if err != nil || len(addrs) != 1 {
		return nil, fmt.Errorf("unsupported output script %s", hex.EncodeToString(script))
	}
	return e.AddressUTXOs(ctx, addrs[0].EncodeAddress())
}

// AddressUTXOs returns unspent outputs for an address.
func (e *Esplora) AddressUTXOs(ctx context.Context, address string) ([]UTXO, error) {
	var result []struct {
		TxID   string   `json:"txid"`
		Vout   uint32   `json:"vout"`
		Status TxStatus `json:"status"`
		Value  int64    `json:"value"`
	}

	if err := e.get(ctx, "/address/"+address+"/utxo", &result); err != nil {
		if err == ErrNotFound {
			return nil, nil
		}
		return nil, err
	}

	utxos := make([]UTXO, len(result))
	for i, u := range result {
		utxos[i] = UTXO{
			TxID:        u.TxID,
			Vout:        u.Vout,
			Value:       u.Value,
			Confirmed:   u.Status.Confirmed,
			BlockHeight: u.Status.BlockHeight,
		}
	}
	return utxos, nil
}

// GetTxStatus returns the confirmation status of a transaction.
func (e *Esplora) GetTxStatus(ctx context.Context, txID string) (*TxStatus, error) {
	var status TxStatus
	if err := e.get(ctx, "/tx/"+txID+"/status", &status); err != nil {
		if err == ErrNotFound {
			return nil, ErrTxNotFound
		}
		return nil, err
	}
	return &status, nil
}

// GetRawTransaction returns the raw transaction bytes.
func (e *Esplora) GetRawTransaction(ctx context.Context, txID string) ([]byte, error) {
	body, err := e.getText(ctx, "/tx/"+txID+"/hex")
	if err != nil {
		if err == ErrNotFound {
			return nil, ErrTxNotFound
		}
		return nil, err
	}
	raw, err := hex.DecodeString(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTx, err)
	}
	return raw, nil
}

// BroadcastTransaction broadcasts a raw transaction and returns its txid.
func (e *Esplora) BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/tx", strings.NewReader(rawTxHex))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBroadcastFailed, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: %s", ErrBroadcastFailed, strings.TrimSpace(string(body)))
	}
	return strings.TrimSpace(string(body)), nil
}

// GetBlockHeight returns the current block height.
func (e *Esplora) GetBlockHeight(ctx context.Context) (int64, error) {
	var height int64
	if err := e.get(ctx, "/blocks/tip/height", &height); err != nil {
		return 0, err
	}
	return height, nil
}

// GetFeeEstimates returns fee estimates for different confirmation targets.
func (e *Esplora) GetFeeEstimates(ctx context.Context) (*FeeEstimate, error) {
	var result map[string]float64

	if e.typ == TypeMempool {
		if err := e.get(ctx, "/v1/fees/recommended", &result); err != nil {
			return nil, err
		}
		return &FeeEstimate{
			FastestFee:  uint64(result["fastestFee"]),
			HalfHourFee: uint64(result["halfHourFee"]),
			HourFee:     uint64(result["hourFee"]),
			EconomyFee:  uint64(result["economyFee"]),
			MinimumFee:  uint64(result["minimumFee"]),
		}, nil
	}

	// Esplora keys estimates by confirmation target in blocks.
	if err := e.get(ctx, "/fee-estimates", &result); err != nil {
		return nil, err
	}
	return &FeeEstimate{
		FastestFee:  uint64(result["1"]),
		HalfHourFee: uint64(result["3"]),
		HourFee:     uint64(result["6"]),
		EconomyFee:  uint64(result["144"]),
		MinimumFee:  1,
	}, nil
}

// get performs a GET request and decodes the JSON response.
func (e *Esplora) get(ctx context.Context, path string, result interface{}) error {
	resp, err := e.do(ctx, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(result)
}

// getText performs a GET request and returns the trimmed body.
func (e *Esplora) getText(ctx context.Context, path string) (string, error) {
	resp, err := e.do(ctx, path)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

func (e *Esplora) do(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+path, nil)
	if err != nil {
		return nil, err
	}

	// Add cache-busting headers to avoid stale CDN responses
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return resp, nil
	case http.StatusNotFound:
		resp.Body.Close()
		return nil, ErrNotFound
	case http.StatusTooManyRequests:
		resp.Body.Close()
		return nil, ErrRateLimited
	default:
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}
}

// Ensure Esplora implements Backend
var _ Backend = (*Esplora)(nil)
