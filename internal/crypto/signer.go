package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/riskgate/internal/domain"
)

// Domain name and version bound into every order signature.
const (
	orderDomainName    = "RiskGate"
	orderDomainVersion = "1"
)

// amountScale is the fixed-point exponent for USD amounts and prices in the
// signed struct (micro-units).
const amountScale = 6

var (
	eip712DomainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId)"),
	)

	liveOrderTypeHash = ethcrypto.Keccak256(
		[]byte("LiveOrder(string signalId,string walletId,string symbol,uint8 side,uint256 notional,uint256 price,uint256 nonce)"),
	)
)

// Signer signs live orders with EIP-712 using a secp256k1 key. It satisfies
// the executor's OrderSigner.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    int64
	domainSep  []byte
}

// NewSigner creates a Signer from a hex private key and chain id.
func NewSigner(privateKeyHex string, chainID int64) (*Signer, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	return &Signer{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
		chainID:    chainID,
		domainSep:  domainSeparator(chainID),
	}, nil
}

// Address returns the signer's Ethereum address.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignOrder fills order.Signer and order.Signature (0x-hex, 65 bytes, v in
// {27,28}).
func (s *Signer) SignOrder(order *domain.LiveOrder) error {
	digest, err := OrderDigest(*order, s.chainID)
	if err != nil {
		return err
	}
	sig, err := ethcrypto.Sign(digest, s.privateKey)
	if err != nil {
		return fmt.Errorf("crypto/signer: signing %s: %w", order.SignalID, err)
	}
	sig[64] += 27

	order.Signer = s.address.Hex()
	order.Signature = "0x" + hex.EncodeToString(sig)
	return nil
}

// RecoverOrderSigner returns the address that produced order.Signature.
func RecoverOrderSigner(order domain.LiveOrder, chainID int64) (common.Address, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(order.Signature, "0x"))
	if err != nil || len(sig) != 65 {
		return common.Address{}, fmt.Errorf("crypto/signer: malformed signature")
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	digest, err := OrderDigest(order, chainID)
	if err != nil {
		return common.Address{}, err
	}
	pub, err := ethcrypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto/signer: recover: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// OrderDigest computes keccak256("\x19\x01" || domainSeparator || structHash)
// for order. Signer and Signature are not part of the digest.
func OrderDigest(order domain.LiveOrder, chainID int64) ([]byte, error) {
	var side int64
	switch order.Side.Direction() {
	case domain.SideBuy:
		side = 0
	case domain.SideSell:
		side = 1
	default:
		return nil, fmt.Errorf("crypto/signer: unsupported side %q", order.Side)
	}
	notional, err := fixedPoint(order.NotionalUSD)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: notional: %w", err)
	}
	price, err := fixedPoint(order.ReferencePrice)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: price: %w", err)
	}
	if order.Nonce < 0 {
		return nil, fmt.Errorf("crypto/signer: negative nonce")
	}

	structHash := ethcrypto.Keccak256(
		concatBytes(
			liveOrderTypeHash,
			ethcrypto.Keccak256([]byte(order.SignalID)),
			ethcrypto.Keccak256([]byte(order.WalletID)),
			ethcrypto.Keccak256([]byte(order.Symbol)),
			bigIntTo32Bytes(big.NewInt(side)),
			bigIntTo32Bytes(notional),
			bigIntTo32Bytes(price),
			bigIntTo32Bytes(big.NewInt(order.Nonce)),
		),
	)
	return ethcrypto.Keccak256(concatBytes([]byte{0x19, 0x01}, domainSeparator(chainID), structHash)), nil
}

func domainSeparator(chainID int64) []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			eip712DomainTypeHash,
			ethcrypto.Keccak256([]byte(orderDomainName)),
			ethcrypto.Keccak256([]byte(orderDomainVersion)),
			bigIntTo32Bytes(big.NewInt(chainID)),
		),
	)
}

// fixedPoint truncates d to micro-units. Negative amounts are rejected.
func fixedPoint(d decimal.Decimal) (*big.Int, error) {
	if d.IsNegative() {
		return nil, fmt.Errorf("negative amount %s", d)
	}
	return d.Shift(amountScale).Truncate(0).BigInt(), nil
}

// bigIntTo32Bytes returns a 32-byte big-endian representation of n.
func bigIntTo32Bytes(n *big.Int) []byte {
	b := n.Bytes()
	if len(b) >= 32 {
		return b[len(b)-32:]
	}
	padded := make([]byte, 32)
	copy(padded[32-len(b):], b)
	return padded
}

func concatBytes(slices ...[]byte) []byte {
	total := 0
	for _, s := range slices {
		total += len(s)
	}
	buf := make([]byte, 0, total)
	for _, s := range slices {
		buf = append(buf, s...)
	}
	return buf
}
