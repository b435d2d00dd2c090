package chainrpc

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/txscript"
)

// ErrTxRejected is returned when the node refuses a submitted transaction.
var ErrTxRejected = errors.New("transaction rejected by node")

// Config holds the connection parameters of the chain node.
type Config struct {
	Host       string
	User       string
	Pass       string
	DisableTLS bool
}

// Client talks JSON-RPC to the chain node.
type Client struct {
	conn *rpcclient.Client
}

// New creates a client in HTTP POST mode. No connection is made until the
// first request.
func New(cfg *Config) (*Client, error) {
	conn, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:                 cfg.Host,
		User:                 cfg.User,
		Pass:                 cfg.Pass,
		DisableTLS:           cfg.DisableTLS,
		HTTPPostMode:         true,
		DisableConnectOnNew:  true,
		DisableAutoReconnect: false,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to create rpc client: %w", err)
	}

	return &Client{conn: conn}, nil
}

// Stop shuts the underlying client down.
func (c *Client) Stop() {
	c.conn.Shutdown()
	c.conn.WaitForShutdown()
}

// SendRawTransaction submits the raw transaction with its witness. The
// returned id is computed locally so it matches the ids stored in the
// ledger.
func (c *Client) SendRawTransaction(raw []byte,
	witness string) (chainhash.Hash, error) {

	txid := chainhash.DoubleHashH(raw)

	params := make([]json.RawMessage, 0, 2)
	for _, p := range []string{hex.EncodeToString(raw), witness} {
		encoded, err := json.Marshal(p)
		if err != nil {
			return txid, err
		}
		params = append(params, encoded)
	}

	resp, err := c.conn.RawRequest("sendrawtransaction", params)
	if err != nil {
		return txid, fmt.Errorf("sendrawtransaction %v: %w", txid, err)
	}

	// Nodes either answer with the id or with a boolean verdict.
	var accepted bool
	if err := json.Unmarshal(resp, &accepted); err == nil && !accepted {
		return txid, fmt.Errorf("%w: %v", ErrTxRejected, txid)
	}

	log.Debugf("Submitted transaction %v", txid)

	return txid, nil
}

// BlockheightToScript returns the minimal script push of the height.
func (c *Client) BlockheightToScript(height uint32) ([]byte, error) {
	return BlockheightToScript(height)
}

// BlockheightToScript returns the minimal script push of the height.
func BlockheightToScript(height uint32) ([]byte, error) {
	return txscript.NewScriptBuilder().AddInt64(int64(height)).Script()
}

// GetBlockCount returns the height of the best block.
func (c *Client) GetBlockCount() (int64, error) {
	return c.conn.GetBlockCount()
}

// GetBlockHash returns the hash of the block at the height.
func (c *Client) GetBlockHash(height int64) (*chainhash.Hash, error) {
	return c.conn.GetBlockHash(height)
}

// GetBlockVerbose returns the block with its transaction ids.
func (c *Client) GetBlockVerbose(
	hash *chainhash.Hash) (*btcjson.GetBlockVerboseResult, error) {

	return c.conn.GetBlockVerbose(hash)
}
