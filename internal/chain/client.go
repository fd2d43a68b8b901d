package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Shaund12/pixelninjakitties-sub000/internal/models"
)

// contractABI covers the slice of the NFT contract the pipeline touches:
// the MintRequested event it watches, the setTokenURI write it commits,
// and the diagnostic reads.
const contractABI = `[
	{"type":"event","name":"MintRequested","anonymous":false,"inputs":[
		{"name":"tokenId","type":"uint256","indexed":true},
		{"name":"buyer","type":"address","indexed":true},
		{"name":"breed","type":"string","indexed":false}]},
	{"type":"event","name":"Transfer","anonymous":false,"inputs":[
		{"name":"from","type":"address","indexed":true},
		{"name":"to","type":"address","indexed":true},
		{"name":"tokenId","type":"uint256","indexed":true}]},
	{"type":"function","name":"setTokenURI","stateMutability":"nonpayable","inputs":[
		{"name":"tokenId","type":"uint256"},{"name":"uri","type":"string"}],"outputs":[]},
	{"type":"function","name":"tokenURI","stateMutability":"view","inputs":[
		{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"string"}]},
	{"type":"function","name":"ownerOf","stateMutability":"view","inputs":[
		{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"mintPrice","stateMutability":"view","inputs":[],
		"outputs":[{"name":"","type":"uint256"}]}
]`

const mintRequestedSignature = "MintRequested(uint256,address,string)"

// MintRequestedTopic is the keccak256 hash of the canonical event
// signature, used as the log filter topic.
var MintRequestedTopic = crypto.Keccak256Hash([]byte(mintRequestedSignature))

const setTokenURIGasLimit = 200_000

// MintEvent is one parsed MintRequested log.
type MintEvent struct {
	TokenID     uint64
	Buyer       string // 0x-prefixed hex
	Breed       string
	BlockNumber uint64
	TxHash      string
}

// Client wraps the Ethereum RPC connection, the contract ABI, and the
// single operator signer used for setTokenURI writes.
type Client struct {
	eth      *ethclient.Client
	abi      abi.ABI
	contract common.Address
	chainID  *big.Int

	key        *ecdsa.PrivateKey
	signerAddr common.Address
	sendMu     sync.Mutex // the signer is a single-writer resource

	logger *zap.Logger
}

// Dial connects to the RPC endpoint, verifies the chain id against the
// configured expectation, and prepares the signer. A chain id mismatch or
// an unparseable key is fatal by design of the startup sequence.
func Dial(ctx context.Context, rpcURL, contractAddress, signerKeyHex string, expectedChainID uint64, logger *zap.Logger) (*Client, error) {
	logger.Info("Connecting to chain RPC", zap.String("rpc_url", rpcURL))

	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial chain RPC at %s: %w", rpcURL, err)
	}

	chainID, err := eth.ChainID(ctx)
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("failed to query chain id: %w", err)
	}
	if expectedChainID != 0 && chainID.Uint64() != expectedChainID {
		eth.Close()
		return nil, fmt.Errorf("chain id mismatch: RPC reports %d, config expects %d", chainID.Uint64(), expectedChainID)
	}

	parsed, err := abi.JSON(strings.NewReader(contractABI))
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("failed to parse contract ABI: %w", err)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(signerKeyHex, "0x"))
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("failed to parse signer key: %w", err)
	}
	signerAddr := crypto.PubkeyToAddress(key.PublicKey)

	logger.Info("Chain client ready",
		zap.Uint64("chain_id", chainID.Uint64()),
		zap.String("contract", contractAddress),
		zap.String("signer", signerAddr.Hex()),
	)

	return &Client{
		eth:        eth,
		abi:        parsed,
		contract:   common.HexToAddress(contractAddress),
		chainID:    chainID,
		key:        key,
		signerAddr: signerAddr,
		logger:     logger.Named("chain"),
	}, nil
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	c.eth.Close()
}

// CurrentBlock returns the chain tip height.
func (c *Client) CurrentBlock(ctx context.Context) (uint64, error) {
	n, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, models.NewFailure(models.KindChainUnavailable, "CurrentBlock", err)
	}
	return n, nil
}

// ScanRange queries MintRequested logs in [fromBlock, toBlock] filtered by
// the contract address and event topic, and returns them parsed in the
// order the node delivered them (block order).
func (c *Client) ScanRange(ctx context.Context, fromBlock, toBlock uint64) ([]MintEvent, error) {
	q := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{c.contract},
		Topics:    [][]common.Hash{{MintRequestedTopic}},
	}

	logs, err := c.eth.FilterLogs(ctx, q)
	if err != nil {
		return nil, models.NewFailure(models.KindChainUnavailable, "ScanRange", err)
	}

	events := make([]MintEvent, 0, len(logs))
	for _, lg := range logs {
		ev, err := c.parseMintRequested(lg)
		if err != nil {
			c.logger.Warn("Skipping unparseable MintRequested log",
				zap.Uint64("block", lg.BlockNumber),
				zap.String("tx", lg.TxHash.Hex()),
				zap.Error(err),
			)
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// SubscribeMintRequested opens a live log subscription and invokes onEvent
// for each parsed event. It blocks until the context is cancelled or the
// transport fails; the caller (the watcher) reconnects and backfills from
// its checkpoint on return.
func (c *Client) SubscribeMintRequested(ctx context.Context, onEvent func(MintEvent)) error {
	q := ethereum.FilterQuery{
		Addresses: []common.Address{c.contract},
		Topics:    [][]common.Hash{{MintRequestedTopic}},
	}

	logsCh := make(chan types.Log, 16)
	sub, err := c.eth.SubscribeFilterLogs(ctx, q, logsCh)
	if err != nil {
		return models.NewFailure(models.KindChainUnavailable, "SubscribeMintRequested", err)
	}
	defer sub.Unsubscribe()

	c.logger.Info("Live MintRequested subscription established")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return models.NewFailure(models.KindChainUnavailable, "SubscribeMintRequested", err)
		case lg := <-logsCh:
			ev, parseErr := c.parseMintRequested(lg)
			if parseErr != nil {
				c.logger.Warn("Skipping unparseable live log", zap.Error(parseErr))
				continue
			}
			onEvent(ev)
		}
	}
}

func (c *Client) parseMintRequested(lg types.Log) (MintEvent, error) {
	if len(lg.Topics) < 3 {
		return MintEvent{}, fmt.Errorf("expected 3 topics, got %d", len(lg.Topics))
	}

	vals, err := c.abi.Unpack("MintRequested", lg.Data)
	if err != nil {
		return MintEvent{}, fmt.Errorf("unpacking event data: %w", err)
	}
	breed, ok := vals[0].(string)
	if !ok {
		return MintEvent{}, fmt.Errorf("breed is not a string")
	}

	tokenID := new(big.Int).SetBytes(lg.Topics[1].Bytes())
	if !tokenID.IsUint64() {
		return MintEvent{}, fmt.Errorf("token id %s overflows uint64", tokenID)
	}
	buyer := common.BytesToAddress(lg.Topics[2].Bytes())

	return MintEvent{
		TokenID:     tokenID.Uint64(),
		Buyer:       buyer.Hex(),
		Breed:       breed,
		BlockNumber: lg.BlockNumber,
		TxHash:      lg.TxHash.Hex(),
	}, nil
}

// SetTokenURI submits the tokenURI write and waits for one confirmation.
// Nonce fetch, signing, and send happen under a mutex so concurrent
// commits can never race the signer's nonce; the orchestrator additionally
// serializes commits through its own queue.
func (c *Client) SetTokenURI(ctx context.Context, tokenID uint64, uri string) (string, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	data, err := c.abi.Pack("setTokenURI", new(big.Int).SetUint64(tokenID), uri)
	if err != nil {
		return "", fmt.Errorf("packing setTokenURI call: %w", err)
	}

	nonce, err := c.eth.PendingNonceAt(ctx, c.signerAddr)
	if err != nil {
		return "", models.NewFailure(models.KindChainUnavailable, "SetTokenURI", err)
	}
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return "", models.NewFailure(models.KindChainUnavailable, "SetTokenURI", err)
	}

	tx := types.NewTransaction(nonce, c.contract, big.NewInt(0), setTokenURIGasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return "", fmt.Errorf("signing setTokenURI tx: %w", err)
	}

	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return "", models.NewFailure(models.KindChainUnavailable, "SetTokenURI", err)
	}

	c.logger.Info("setTokenURI submitted, waiting for confirmation",
		zap.Uint64("token_id", tokenID),
		zap.String("tx", signed.Hash().Hex()),
	)

	receipt, err := bind.WaitMined(ctx, c.eth, signed)
	if err != nil {
		return "", models.NewFailure(models.KindChainUnavailable, "SetTokenURI", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return "", fmt.Errorf("setTokenURI tx %s reverted", signed.Hash().Hex())
	}

	return signed.Hash().Hex(), nil
}

// ReadPrice returns the contract mint price in wei. Failure here is
// non-fatal to the pipeline; it only feeds peripheral displays.
func (c *Client) ReadPrice(ctx context.Context) (*big.Int, error) {
	out, err := c.call(ctx, "mintPrice")
	if err != nil {
		return nil, err
	}
	price, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("mintPrice returned unexpected type")
	}
	return price, nil
}

// PriceInEth converts a wei amount into a decimal ETH amount for display.
func PriceInEth(wei *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(wei, -18)
}

// ReadOwnerOf returns the current owner of a token.
func (c *Client) ReadOwnerOf(ctx context.Context, tokenID uint64) (string, error) {
	out, err := c.call(ctx, "ownerOf", new(big.Int).SetUint64(tokenID))
	if err != nil {
		return "", err
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return "", fmt.Errorf("ownerOf returned unexpected type")
	}
	return addr.Hex(), nil
}

// ReadTokenURI returns the tokenURI currently recorded on-chain.
func (c *Client) ReadTokenURI(ctx context.Context, tokenID uint64) (string, error) {
	out, err := c.call(ctx, "tokenURI", new(big.Int).SetUint64(tokenID))
	if err != nil {
		return "", err
	}
	uri, ok := out[0].(string)
	if !ok {
		return "", fmt.Errorf("tokenURI returned unexpected type")
	}
	return uri, nil
}

func (c *Client) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("packing %s call: %w", method, err)
	}
	ret, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
	if err != nil {
		return nil, models.NewFailure(models.KindChainUnavailable, method, err)
	}
	out, err := c.abi.Unpack(method, ret)
	if err != nil {
		return nil, fmt.Errorf("unpacking %s result: %w", method, err)
	}
	return out, nil
}
