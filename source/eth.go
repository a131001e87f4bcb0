package source

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"

	"github.com/gitzhang10/blockrelay/lzcodec"
)

// ContractCaller is the part of ethclient.Client that EthCaller uses.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// EthCaller executes read requests against a live chain.
type EthCaller struct {
	client ContractCaller
}

// NewEthCaller wraps an existing client.
func NewEthCaller(client ContractCaller) *EthCaller {
	return &EthCaller{client: client}
}

// DialEthCaller connects to the JSON-RPC endpoint at url.
func DialEthCaller(ctx context.Context, url string) (*EthCaller, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", url)
	}
	return NewEthCaller(client), nil
}

// Call implements Caller. Block-number anchors pin the call to that block, anything else
// runs against the latest state.
func (c *EthCaller) Call(ctx context.Context, req *lzcodec.ReadRequest) ([]byte, error) {
	var at *big.Int
	if req.IsBlockNumber && req.Anchor > 0 {
		at = new(big.Int).SetUint64(req.Anchor)
	}
	to := req.Target
	out, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: req.CallData}, at)
	if err != nil {
		return nil, errors.Wrapf(err, "call %s", to.Hex())
	}
	return out, nil
}
