package ledger

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"

	"github.com/civicstack/fundtrace/internal/config"
)

// fundTrackerABI is the FundTracker contract interface: trivial
// accounting — register a scheme, increment used funds, read back.
const fundTrackerABI = `[
  {"type":"function","name":"addScheme","stateMutability":"nonpayable",
   "inputs":[{"name":"name","type":"string"},{"name":"totalFunds","type":"uint256"}],
   "outputs":[]},
  {"type":"function","name":"useFund","stateMutability":"nonpayable",
   "inputs":[{"name":"schemeId","type":"uint256"},{"name":"amount","type":"uint256"}],
   "outputs":[]},
  {"type":"function","name":"getScheme","stateMutability":"view",
   "inputs":[{"name":"schemeId","type":"uint256"}],
   "outputs":[{"name":"id","type":"uint256"},{"name":"name","type":"string"},
              {"name":"totalFunds","type":"uint256"},{"name":"usedFunds","type":"uint256"}]},
  {"type":"function","name":"schemeCount","stateMutability":"view",
   "inputs":[],"outputs":[{"name":"","type":"uint256"}]}
]`

// EthereumClient talks to the FundTracker contract over JSON-RPC.
type EthereumClient struct {
	client   *ethclient.Client
	contract *bind.BoundContract
	opts     *bind.TransactOpts
	timeout  time.Duration
	log      *logrus.Logger
}

var _ Client = (*EthereumClient)(nil)

// Dial connects to the configured RPC endpoint and binds the contract.
func Dial(cfg *config.Config, log *logrus.Logger) (*EthereumClient, error) {
	client, err := ethclient.Dial(cfg.LedgerRPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial ledger rpc: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(fundTrackerABI))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to parse contract abi: %w", err)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.LedgerPrivateKey, "0x"))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("invalid ledger private key: %w", err)
	}

	opts, err := bind.NewKeyedTransactorWithChainID(key, big.NewInt(cfg.LedgerChainID))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to build transactor: %w", err)
	}

	address := common.HexToAddress(cfg.ContractAddress)
	contract := bind.NewBoundContract(address, parsed, client, client, client)

	return &EthereumClient{
		client:   client,
		contract: contract,
		opts:     opts,
		timeout:  cfg.LedgerCallTimeout,
		log:      log,
	}, nil
}

// AddScheme submits addScheme and waits for the receipt.
func (c *EthereumClient) AddScheme(ctx context.Context, name string, totalFunds *big.Int) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	return c.transact(ctx, "addScheme", name, totalFunds)
}

// UseFund submits useFund and waits for the receipt.
func (c *EthereumClient) UseFund(ctx context.Context, schemeID int64, amount *big.Int) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	return c.transact(ctx, "useFund", big.NewInt(schemeID), amount)
}

func (c *EthereumClient) transact(ctx context.Context, method string, args ...interface{}) (string, error) {
	opts := *c.opts
	opts.Context = ctx

	tx, err := c.contract.Transact(&opts, method, args...)
	if err != nil {
		return "", fmt.Errorf("%s: %w", method, err)
	}

	receipt, err := bind.WaitMined(ctx, c.client, tx)
	if err != nil {
		return "", fmt.Errorf("%s: waiting for confirmation: %w", method, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return "", fmt.Errorf("%s: transaction %s reverted", method, tx.Hash().Hex())
	}

	c.log.WithFields(logrus.Fields{
		"method":  method,
		"tx_hash": tx.Hash().Hex(),
		"block":   receipt.BlockNumber,
	}).Debug("ledger transaction confirmed")

	return tx.Hash().Hex(), nil
}

// GetScheme reads a scheme snapshot from the contract.
func (c *EthereumClient) GetScheme(ctx context.Context, schemeID int64) (*SchemeSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var out []interface{}
	err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getScheme", big.NewInt(schemeID))
	if err != nil {
		return nil, fmt.Errorf("getScheme: %w", err)
	}
	if len(out) != 4 {
		return nil, fmt.Errorf("getScheme: unexpected output arity %d", len(out))
	}

	id, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("getScheme: unexpected id type %T", out[0])
	}
	name, ok := out[1].(string)
	if !ok {
		return nil, fmt.Errorf("getScheme: unexpected name type %T", out[1])
	}
	total, ok := out[2].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("getScheme: unexpected totalFunds type %T", out[2])
	}
	used, ok := out[3].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("getScheme: unexpected usedFunds type %T", out[3])
	}

	return &SchemeSnapshot{
		ID:         id.Int64(),
		Name:       name,
		TotalFunds: total,
		UsedFunds:  used,
	}, nil
}

// SchemeCount reads the scheme counter from the contract.
func (c *EthereumClient) SchemeCount(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var out []interface{}
	err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "schemeCount")
	if err != nil {
		return 0, fmt.Errorf("schemeCount: %w", err)
	}
	if len(out) != 1 {
		return 0, fmt.Errorf("schemeCount: unexpected output arity %d", len(out))
	}
	count, ok := out[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("schemeCount: unexpected type %T", out[0])
	}

	return count.Int64(), nil
}

// Close releases the RPC connection.
func (c *EthereumClient) Close() {
	c.client.Close()
}
