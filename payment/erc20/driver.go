// Package erc20 is a concrete payment.Driver settling payments as ERC-20
// token transfers, grounded on the teacher's oracle-attesterd EVM transfer
// verifier (services/oracle-attesterd/evm_confirm.go).
package erc20

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	geth "github.com/ethereum/go-ethereum"
	gethcommon "github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	marketcrypto "marketnode/crypto"
	"marketnode/payment"
)

var transferEventSignature = gethcrypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// EVMClient is the subset of the Ethereum RPC this driver needs.
type EVMClient interface {
	TransactionReceipt(ctx context.Context, txHash gethcommon.Hash) (*gethtypes.Receipt, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	PendingNonceAt(ctx context.Context, account gethcommon.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	NetworkID(ctx context.Context) (*big.Int, error)
	CallContract(ctx context.Context, msg geth.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// DialEVMClient opens an ethclient connection.
func DialEVMClient(endpoint string) (*ethclient.Client, error) {
	return ethclient.Dial(endpoint)
}

// Config names the platform string this driver answers to, the ERC-20
// token contract, the transfer gas limit, and the confirmation threshold
// below which a settlement is not treated as final.
type Config struct {
	PlatformName          string
	TokenContract          gethcommon.Address
	TransferGasLimit      uint64
	RequiredConfirmations uint64
	Decimals              int32
}

// Driver implements payment.Driver against one ERC-20 token deployment.
type Driver struct {
	cfg    Config
	client EVMClient
	signer *marketcrypto.PrivateKey
}

// NewDriver constructs an erc20 Driver. signer is the node's own key, used
// to sign outbound transfers on the payer's behalf when this node is paying.
func NewDriver(cfg Config, client EVMClient, signer *marketcrypto.PrivateKey) *Driver {
	return &Driver{cfg: cfg, client: client, signer: signer}
}

func (d *Driver) Platform() string               { return d.cfg.PlatformName }
func (d *Driver) RequiredConfirmations() uint64 { return d.cfg.RequiredConfirmations }

// toTokenUnits converts a decimal amount to the token's smallest unit.
func (d *Driver) toTokenUnits(amount decimal.Decimal) *uint256.Int {
	scaled := amount.Shift(d.cfg.Decimals).Truncate(0)
	out, _ := uint256.FromBig(scaled.BigInt())
	return out
}

// Pay builds, signs, and broadcasts an ERC-20 transfer(payee, amount) call.
func (d *Driver) Pay(ctx context.Context, platform, payerAddress, payeeAddress string, amount decimal.Decimal, deadline time.Time) (payment.Confirmation, error) {
	if d.signer == nil {
		return payment.Confirmation{}, fmt.Errorf("erc20: driver has no signing key")
	}
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}
	from := gethcrypto.PubkeyToAddress(d.signer.PublicKey)
	to := gethcommon.HexToAddress(payeeAddress)

	nonce, err := d.client.PendingNonceAt(ctx, from)
	if err != nil {
		return payment.Confirmation{}, fmt.Errorf("erc20: fetch nonce: %w", err)
	}
	gasPrice, err := d.client.SuggestGasPrice(ctx)
	if err != nil {
		return payment.Confirmation{}, fmt.Errorf("erc20: fetch gas price: %w", err)
	}
	chainID, err := d.client.NetworkID(ctx)
	if err != nil {
		return payment.Confirmation{}, fmt.Errorf("erc20: fetch chain id: %w", err)
	}

	data := encodeTransfer(to, d.toTokenUnits(amount))
	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &d.cfg.TokenContract,
		Value:    big.NewInt(0),
		Gas:      d.cfg.TransferGasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})

	signed, err := gethtypes.SignTx(tx, gethtypes.NewEIP155Signer(chainID), d.signer.PrivateKey)
	if err != nil {
		return payment.Confirmation{}, fmt.Errorf("erc20: sign transaction: %w", err)
	}
	if err := d.client.SendTransaction(ctx, signed); err != nil {
		return payment.Confirmation{}, fmt.Errorf("erc20: broadcast transaction: %w", err)
	}

	return payment.Confirmation{
		Sender:    from.Hex(),
		Recipient: payeeAddress,
		Amount:    amount,
		TxHash:    signed.Hash().Hex(),
	}, nil
}

// VerifyConfirmation checks that the given transaction hash settled an
// ERC-20 Transfer of the declared amount, confirmed to the driver's
// threshold, grounded on the teacher's EVMVerifier.Confirm logic.
func (d *Driver) VerifyConfirmation(ctx context.Context, confirmationBytes []byte) (payment.Confirmation, error) {
	txHash := gethcommon.HexToHash(string(confirmationBytes))
	if txHash == (gethcommon.Hash{}) {
		return payment.Confirmation{}, fmt.Errorf("erc20: malformed confirmation")
	}

	receipt, err := d.client.TransactionReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, geth.NotFound) {
			return payment.Confirmation{}, fmt.Errorf("erc20: transaction %s not found", txHash.Hex())
		}
		return payment.Confirmation{}, fmt.Errorf("erc20: fetch receipt: %w", err)
	}
	if receipt == nil || receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return payment.Confirmation{}, fmt.Errorf("erc20: transaction %s failed", txHash.Hex())
	}

	header, err := d.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return payment.Confirmation{}, fmt.Errorf("erc20: fetch head: %w", err)
	}
	if header == nil || header.Number == nil || receipt.BlockNumber == nil || header.Number.Cmp(receipt.BlockNumber) < 0 {
		return payment.Confirmation{}, fmt.Errorf("erc20: block metadata unavailable")
	}
	confirmed := new(big.Int).Sub(header.Number, receipt.BlockNumber)
	confirmed.Add(confirmed, big.NewInt(1))
	if confirmed.Cmp(new(big.Int).SetUint64(d.cfg.RequiredConfirmations)) < 0 {
		return payment.Confirmation{}, fmt.Errorf("erc20: insufficient confirmations: have %s want %d", confirmed.String(), d.cfg.RequiredConfirmations)
	}

	for _, log := range receipt.Logs {
		if log == nil || log.Address != d.cfg.TokenContract || len(log.Topics) < 3 || log.Topics[0] != transferEventSignature {
			continue
		}
		sender := gethcommon.BytesToAddress(log.Topics[1].Bytes())
		recipient := gethcommon.BytesToAddress(log.Topics[2].Bytes())
		value := new(big.Int).SetBytes(log.Data)
		amount := decimal.NewFromBigInt(value, -d.cfg.Decimals)
		return payment.Confirmation{
			Sender:    sender.Hex(),
			Recipient: recipient.Hex(),
			Amount:    amount,
			TxHash:    txHash.Hex(),
		}, nil
	}
	return payment.Confirmation{}, fmt.Errorf("erc20: no matching transfer for %s", txHash.Hex())
}

// encodeTransfer ABI-encodes a standard ERC-20 transfer(address,uint256) call.
func encodeTransfer(to gethcommon.Address, amount *uint256.Int) []byte {
	selector := gethcrypto.Keccak256([]byte("transfer(address,uint256)"))[:4]
	data := make([]byte, 4+32+32)
	copy(data[:4], selector)
	copy(data[4+12:4+32], to.Bytes())
	amountBytes := amount.Bytes32()
	copy(data[4+32:4+64], amountBytes[:])
	return data
}

// encodeBalanceOf ABI-encodes a standard ERC-20 balanceOf(address) call.
func encodeBalanceOf(owner gethcommon.Address) []byte {
	selector := gethcrypto.Keccak256([]byte("balanceOf(address)"))[:4]
	data := make([]byte, 4+32)
	copy(data[:4], selector)
	copy(data[4+12:4+32], owner.Bytes())
	return data
}

// Balance implements payment.AccountBalance by reading an ERC-20 token's
// balanceOf directly from chain state. It ignores the platform argument and
// always queries the single token contract it was configured with, which is
// correct as long as one Balance is paired with one platform's driver — the
// same one-platform-one-contract assumption the Driver itself makes.
type Balance struct {
	client        EVMClient
	tokenContract gethcommon.Address
	decimals      int32
}

// NewBalance constructs a Balance reading the given token contract.
func NewBalance(client EVMClient, tokenContract gethcommon.Address, decimals int32) *Balance {
	return &Balance{client: client, tokenContract: tokenContract, decimals: decimals}
}

// SpendableBalance implements payment.AccountBalance.
func (b *Balance) SpendableBalance(platform, address string) (decimal.Decimal, error) {
	owner := gethcommon.HexToAddress(address)
	data := encodeBalanceOf(owner)
	result, err := b.client.CallContract(context.Background(), geth.CallMsg{
		To:   &b.tokenContract,
		Data: data,
	}, nil)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("erc20: query balance: %w", err)
	}
	raw := new(big.Int).SetBytes(result)
	return decimal.NewFromBigInt(raw, -b.decimals), nil
}
