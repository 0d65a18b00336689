package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
)

// Client is the subset of the JSON-RPC surface the pipeline depends on.
type Client interface {
	BlockNumber(ctx context.Context) (uint64, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	StorageAt(ctx context.Context, account common.Address, key common.Hash, blockNumber *big.Int) ([]byte, error)
}

// EndpointOptions parameterise a single RPC endpoint.
type EndpointOptions struct {
	ChainID int64
	Name    string
	RPCURL  string
	Timeout time.Duration
}

// Endpoint wraps an ethclient with lazy dialing and per-call timeouts.
type Endpoint struct {
	opts      EndpointOptions
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex
}

// NewEndpoint builds an endpoint handle without dialing.
func NewEndpoint(opts EndpointOptions, logger zerolog.Logger) *Endpoint {
	return &Endpoint{
		opts:   opts,
		logger: logger.With().Str("component", "rpc").Str("chain", opts.Name).Logger(),
	}
}

// ChainID reports the configured chain id.
func (e *Endpoint) ChainID() int64 {
	return e.opts.ChainID
}

func (e *Endpoint) getClient(ctx context.Context) (*ethclient.Client, error) {
	e.clientMux.Lock()
	defer e.clientMux.Unlock()

	if e.client != nil {
		return e.client, nil
	}
	if e.opts.RPCURL == "" {
		return nil, errors.New("rpc url not configured")
	}

	client, err := ethclient.DialContext(ctx, e.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	e.client = client
	return client, nil
}

func (e *Endpoint) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := e.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

// BlockNumber returns the current chain head.
func (e *Endpoint) BlockNumber(ctx context.Context) (uint64, error) {
	client, err := e.getClient(ctx)
	if err != nil {
		return 0, err
	}
	ctx, cancel := e.callCtx(ctx)
	defer cancel()
	return client.BlockNumber(ctx)
}

// CodeAt returns the contract code at the given block.
func (e *Endpoint) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	client, err := e.getClient(ctx)
	if err != nil {
		return nil, err
	}
	ctx, cancel := e.callCtx(ctx)
	defer cancel()
	return client.CodeAt(ctx, account, blockNumber)
}

// FilterLogs fetches logs matching the query.
func (e *Endpoint) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	client, err := e.getClient(ctx)
	if err != nil {
		return nil, err
	}
	ctx, cancel := e.callCtx(ctx)
	defer cancel()
	return client.FilterLogs(ctx, q)
}

// CallContract executes a read-only contract call.
func (e *Endpoint) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	client, err := e.getClient(ctx)
	if err != nil {
		return nil, err
	}
	ctx, cancel := e.callCtx(ctx)
	defer cancel()
	return client.CallContract(ctx, msg, blockNumber)
}

// StorageAt reads a raw storage slot.
func (e *Endpoint) StorageAt(ctx context.Context, account common.Address, key common.Hash, blockNumber *big.Int) ([]byte, error) {
	client, err := e.getClient(ctx)
	if err != nil {
		return nil, err
	}
	ctx, cancel := e.callCtx(ctx)
	defer cancel()
	return client.StorageAt(ctx, account, key, blockNumber)
}

var _ Client = (*Endpoint)(nil)
