package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog/log"

	"github.com/moodart/mood-art-nft/server/internal/failure"
)

// Default configuration
const (
	DefaultChainID          = 10143
	DefaultRPCURL           = "https://testnet-rpc.monad.xyz"
	DefaultContractAddress  = "0x1e2693dB62A4960344017BED85C3740C007eacc9"
	DefaultGasUnits         = 150000
	DefaultGasMarginPercent = 120
	DefaultConfirmTimeout   = 60 * time.Second
	DefaultPollInterval     = 2 * time.Second
)

// DefaultFallbackFee is 0.2 of the native currency, the contract's deployed fee.
var DefaultFallbackFee = new(big.Int).Mul(big.NewInt(2), new(big.Int).Exp(big.NewInt(10), big.NewInt(17), nil))

type FeeSource string

const (
	FeeOnChain  FeeSource = "on-chain"
	FeeFallback FeeSource = "fallback-default"
)

// FeeQuote is the minting fee with where it came from. Callers are expected
// to surface Source; a fallback quote is never silent.
type FeeQuote struct {
	MintingFee *big.Int
	Source     FeeSource
}

type GasSource string

const (
	GasEstimated GasSource = "estimated"
	GasFallback  GasSource = "fallback-default"
)

type GasPlan struct {
	EstimatedUnits uint64
	AppliedUnits   uint64
	Source         GasSource
}

type TxStatus string

const (
	StatusConfirmed TxStatus = "confirmed"
	StatusReverted  TxStatus = "reverted"
)

type Outcome struct {
	Hash        common.Hash
	Status      TxStatus
	GasUsed     uint64
	BlockNumber uint64
}

// MintCall is one invocation of mintNFT, paying Value from From.
type MintCall struct {
	From        common.Address
	ImageData   string
	Mood        string
	MetadataURI string
	Value       *big.Int
}

// Backend is the RPC surface the gateway needs. *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

type Config struct {
	RPCURL           string
	ContractAddress  string
	ChainID          int64
	FallbackFee      *big.Int
	DefaultGas       uint64
	GasMarginPercent uint64
	PollInterval     time.Duration
	Signer           Signer
}

// Gateway talks to the MoodArtNFT contract on one designated network.
type Gateway struct {
	backend       Backend
	contract      *bind.BoundContract
	abi           abi.ABI
	address       common.Address
	chainID       *big.Int
	fallbackFee   *big.Int
	defaultGas    uint64
	marginPercent uint64
	poll          time.Duration
	signer        Signer
}

// Dial connects to cfg.RPCURL and verifies the node serves cfg.ChainID.
func Dial(ctx context.Context, cfg Config) (*Gateway, error) {
	if cfg.RPCURL == "" {
		cfg.RPCURL = DefaultRPCURL
	}
	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	gw, err := New(cli, cfg)
	if err != nil {
		cli.Close()
		return nil, err
	}

	remote, err := cli.ChainID(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("could not confirm rpc chain id")
	} else if remote.Cmp(gw.chainID) != 0 {
		cli.Close()
		return nil, fmt.Errorf("rpc %s serves chain %s, expected %s", cfg.RPCURL, remote, gw.chainID)
	}

	log.Info().
		Int64("chainId", gw.chainID.Int64()).
		Str("contract", gw.address.Hex()).
		Bool("signer", gw.signer != nil).
		Msg("chain gateway initialized")
	return gw, nil
}

// New builds a gateway over an existing backend.
func New(backend Backend, cfg Config) (*Gateway, error) {
	if cfg.ContractAddress == "" {
		cfg.ContractAddress = DefaultContractAddress
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("invalid contract address: %s", cfg.ContractAddress)
	}
	if cfg.ChainID == 0 {
		cfg.ChainID = DefaultChainID
	}

	parsedABI, err := abi.JSON(strings.NewReader(moodArtABI))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}

	addr := common.HexToAddress(cfg.ContractAddress)
	gw := &Gateway{
		backend:       backend,
		contract:      bind.NewBoundContract(addr, parsedABI, backend, backend, backend),
		abi:           parsedABI,
		address:       addr,
		chainID:       big.NewInt(cfg.ChainID),
		fallbackFee:   cfg.FallbackFee,
		defaultGas:    cfg.DefaultGas,
		marginPercent: cfg.GasMarginPercent,
		poll:          cfg.PollInterval,
		signer:        cfg.Signer,
	}
	if gw.fallbackFee == nil {
		gw.fallbackFee = new(big.Int).Set(DefaultFallbackFee)
	}
	if gw.defaultGas == 0 {
		gw.defaultGas = DefaultGasUnits
	}
	if gw.marginPercent == 0 {
		gw.marginPercent = DefaultGasMarginPercent
	}
	if gw.poll <= 0 {
		gw.poll = DefaultPollInterval
	}
	return gw, nil
}

func (g *Gateway) ChainID() int64 { return g.chainID.Int64() }

func (g *Gateway) ContractAddress() common.Address { return g.address }

// Account returns the signer's address, or the zero address for a read-only gateway.
func (g *Gateway) Account() common.Address {
	if g.signer == nil {
		return common.Address{}
	}
	return g.signer.Address()
}

// MintingFee reads MINTING_FEE. It never fails: on any read error it returns
// the configured fallback and marks the quote accordingly.
func (g *Gateway) MintingFee(ctx context.Context) FeeQuote {
	var result []interface{}
	err := g.contract.Call(&bind.CallOpts{Context: ctx}, &result, methodMintingFee)
	if err == nil && len(result) > 0 {
		if fee, ok := result[0].(*big.Int); ok && fee != nil {
			return FeeQuote{MintingFee: fee, Source: FeeOnChain}
		}
		err = fmt.Errorf("unexpected result format from %s", methodMintingFee)
	}
	log.Warn().Err(err).Str("fallbackWei", g.fallbackFee.String()).Msg("minting fee read failed, using fallback")
	return FeeQuote{MintingFee: new(big.Int).Set(g.fallbackFee), Source: FeeFallback}
}

// TotalSupply returns the number of tokens minted so far.
func (g *Gateway) TotalSupply(ctx context.Context) (*big.Int, error) {
	var result []interface{}
	if err := g.contract.Call(&bind.CallOpts{Context: ctx}, &result, methodTotalSupply); err != nil {
		return nil, fmt.Errorf("%s call failed: %w", methodTotalSupply, err)
	}
	if len(result) > 0 {
		if supply, ok := result[0].(*big.Int); ok {
			return supply, nil
		}
	}
	return nil, fmt.Errorf("unexpected result format from %s", methodTotalSupply)
}

// Balance reads the latest native balance of account.
func (g *Gateway) Balance(ctx context.Context, account common.Address) (*big.Int, error) {
	bal, err := g.backend.BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, failure.Wrap(failure.NetworkUnavailable, fmt.Errorf("read balance: %w", err))
	}
	return bal, nil
}

// Simulate dry-runs mintNFT against the latest state.
func (g *Gateway) Simulate(ctx context.Context, call MintCall) error {
	msg, err := g.callMsg(call)
	if err != nil {
		return failure.Wrap(failure.InvalidRequest, err)
	}
	if _, err := g.backend.CallContract(ctx, msg, nil); err != nil {
		reason := err.Error()
		if revert := revertReason(err); revert != "" {
			reason = "execution reverted: " + revert
		}
		if failure.ClassifySignal(reason) == failure.NetworkUnavailable {
			return &failure.Error{Kind: failure.NetworkUnavailable, Reason: reason, Err: err}
		}
		return &failure.Error{Kind: failure.SimulationRejected, Reason: reason, Err: err}
	}
	return nil
}

// EstimateGas never blocks the flow: estimation errors fall back to the
// configured default. The margin is applied in both cases.
func (g *Gateway) EstimateGas(ctx context.Context, call MintCall) GasPlan {
	plan := GasPlan{EstimatedUnits: g.defaultGas, Source: GasFallback}

	msg, err := g.callMsg(call)
	if err == nil {
		var units uint64
		units, err = g.backend.EstimateGas(ctx, msg)
		if err == nil && units > 0 {
			plan = GasPlan{EstimatedUnits: units, Source: GasEstimated}
		}
	}
	if plan.Source == GasFallback {
		log.Warn().Err(err).Uint64("units", g.defaultGas).Msg("gas estimation failed, using default limit")
	}
	plan.AppliedUnits = ApplyMargin(plan.EstimatedUnits, g.marginPercent)
	return plan
}

// ApplyMargin scales units by percent/100, rounded to the nearest unit.
func ApplyMargin(units, percent uint64) uint64 {
	return (units*percent + 50) / 100
}

// Submit signs and broadcasts mintNFT with the planned gas limit.
func (g *Gateway) Submit(ctx context.Context, call MintCall, plan GasPlan) (common.Hash, error) {
	if g.signer == nil {
		return common.Hash{}, failure.New(failure.SubmissionFailed, "gateway has no signer")
	}
	if call.From != g.signer.Address() {
		return common.Hash{}, failure.New(failure.SubmissionFailed,
			fmt.Sprintf("signer %s does not control account %s", g.signer.Address().Hex(), call.From.Hex()))
	}

	opts := &bind.TransactOpts{
		From:     call.From,
		Value:    call.Value,
		GasLimit: plan.AppliedUnits,
		Context:  ctx,
		Signer: func(_ common.Address, tx *types.Transaction) (*types.Transaction, error) {
			return g.signer.SignTx(ctx, tx)
		},
	}

	tx, err := g.contract.Transact(opts, methodMint, call.ImageData, call.Mood, call.MetadataURI)
	if err != nil {
		if errors.Is(err, ErrUserRejected) || failure.ClassifySignal(err.Error()) == failure.UserRejected {
			return common.Hash{}, failure.Wrap(failure.UserRejected, err)
		}
		return common.Hash{}, failure.Wrap(failure.SubmissionFailed, fmt.Errorf("send transaction: %w", err))
	}
	return tx.Hash(), nil
}

// AwaitConfirmation polls for the receipt until it appears or timeout
// elapses. A timeout says nothing about the transaction: it may still land.
func (g *Gateway) AwaitConfirmation(ctx context.Context, hash common.Hash, timeout time.Duration) (*Outcome, error) {
	if timeout <= 0 {
		timeout = DefaultConfirmTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(g.poll)
	defer ticker.Stop()

	for {
		receipt, err := g.backend.TransactionReceipt(ctx, hash)
		if receipt != nil {
			return outcomeFromReceipt(hash, receipt), nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) && ctx.Err() == nil {
			log.Warn().Err(err).Str("tx", hash.Hex()).Msg("receipt poll failed")
		}
		select {
		case <-ctx.Done():
			return nil, &failure.Error{
				Kind:   failure.ConfirmationTimeout,
				Reason: fmt.Sprintf("timed out waiting for receipt of %s after %s", hash.Hex(), timeout),
				Err:    ctx.Err(),
			}
		case <-ticker.C:
		}
	}
}

// Ping checks the RPC channel is alive.
func (g *Gateway) Ping(ctx context.Context) error {
	_, err := g.backend.BlockNumber(ctx)
	return err
}

func (g *Gateway) callMsg(call MintCall) (ethereum.CallMsg, error) {
	data, err := g.abi.Pack(methodMint, call.ImageData, call.Mood, call.MetadataURI)
	if err != nil {
		return ethereum.CallMsg{}, fmt.Errorf("pack %s: %w", methodMint, err)
	}
	to := g.address
	return ethereum.CallMsg{
		From:  call.From,
		To:    &to,
		Value: call.Value,
		Data:  data,
	}, nil
}

func outcomeFromReceipt(hash common.Hash, receipt *types.Receipt) *Outcome {
	out := &Outcome{Hash: hash, Status: StatusConfirmed, GasUsed: receipt.GasUsed}
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		out.Status = StatusReverted
	}
	return out
}

// revertReason extracts the Error(string) payload a node attaches to an
// execution-reverted JSON-RPC error.
func revertReason(err error) string {
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		return ""
	}
	hexData, ok := dataErr.ErrorData().(string)
	if !ok {
		return ""
	}
	data, err := hexutil.Decode(hexData)
	if err != nil {
		return ""
	}
	reason, err := abi.UnpackRevert(data)
	if err != nil {
		return ""
	}
	return reason
}
