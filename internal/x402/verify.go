package x402

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/loa-finn/hounfour/internal/core"
	"github.com/loa-finn/hounfour/internal/wal"
)

// Authorization is an EIP-3009 TransferWithAuthorization intent signed by
// the payer's wallet.
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       int64  `json:"value"` // micro-USDC
	ValidAfter  int64  `json:"valid_after"`
	ValidBefore int64  `json:"valid_before"` // unix seconds
	Nonce       string `json:"nonce"`        // 0x-prefixed 32-byte hex
	Signature   string `json:"signature"`    // 0x-prefixed 65-byte r||s||v hex
}

// Proof is the client's payment presentation from the X-Payment header.
type Proof struct {
	QuoteID       string        `json:"quote_id"`
	ChainID       int64         `json:"chain_id"`
	Authorization Authorization `json:"authorization"`
}

// VerifyResult is the outcome of a successful verification.
type VerifyResult struct {
	Valid            bool   `json:"valid"`
	IdempotentReplay bool   `json:"idempotent_replay"`
	PaymentID        string `json:"payment_id"`
	Payer            string `json:"payer"`
}

// NonceStore reserves payment ids with set-if-absent semantics. Exactly
// one of any set of concurrent duplicates observes stored=true.
type NonceStore interface {
	SetNX(ctx context.Context, key string, ttl time.Duration) (stored bool, err error)
}

// ContractVerifier is the EIP-1271 fallback for smart-contract wallets.
type ContractVerifier interface {
	IsValidSignature(ctx context.Context, wallet common.Address, digest common.Hash, signature []byte) (bool, error)
}

// Verifier checks payment proofs against their quotes.
type Verifier struct {
	treasury      common.Address
	tokenContract common.Address
	tokenName     string
	tokenVersion  string
	nonces        NonceStore
	contracts     ContractVerifier // nil disables the EIP-1271 fallback
	wal           wal.Appender
	bypass        map[common.Address]bool
	now           func() time.Time
}

// VerifierConfig wires a Verifier. BypassAddresses lists wallets exempt
// from payment during beta programs.
type VerifierConfig struct {
	Treasury        string
	TokenContract   string
	TokenName       string // EIP-712 domain name, e.g. "USD Coin"
	TokenVersion    string // EIP-712 domain version, e.g. "2"
	BypassAddresses []string
}

func NewVerifier(cfg VerifierConfig, nonces NonceStore, contracts ContractVerifier, auditLog wal.Appender) *Verifier {
	bypass := make(map[common.Address]bool, len(cfg.BypassAddresses))
	for _, a := range cfg.BypassAddresses {
		if common.IsHexAddress(a) {
			bypass[common.HexToAddress(a)] = true
		}
	}
	if auditLog == nil {
		auditLog = wal.NopWAL{}
	}
	return &Verifier{
		treasury:      common.HexToAddress(cfg.Treasury),
		tokenContract: common.HexToAddress(cfg.TokenContract),
		tokenName:     cfg.TokenName,
		tokenVersion:  cfg.TokenVersion,
		nonces:        nonces,
		contracts:     contracts,
		wal:           auditLog,
		bypass:        bypass,
		now:           time.Now,
	}
}

// Bypassed reports whether a wallet is exempt from payment.
func (v *Verifier) Bypassed(wallet string) bool {
	return common.IsHexAddress(wallet) && v.bypass[common.HexToAddress(wallet)]
}

// minNonceTTL floors the replay-guard TTL so a proof expiring immediately
// still blocks duplicates in flight.
const minNonceTTL = 60 * time.Second

// Verify validates a proof against its quote: recipient, amount, expiry,
// then the wallet signature. A payment id seen before is reported as an
// idempotent replay rather than re-verified.
func (v *Verifier) Verify(ctx context.Context, proof Proof, quote Quote) (VerifyResult, error) {
	auth := proof.Authorization
	now := v.now()

	if !common.IsHexAddress(auth.From) || !common.IsHexAddress(auth.To) {
		return VerifyResult{}, core.Errf(core.CodePaymentInvalidSignature,
			"malformed payer or recipient address")
	}
	if common.HexToAddress(auth.To) != v.treasury {
		return VerifyResult{}, core.Errf(core.CodePaymentWrongRecipient,
			"authorization pays %s, treasury is %s", auth.To, v.treasury.Hex())
	}
	if auth.Value < quote.MaxCostMicroUSDC {
		return VerifyResult{}, core.Errf(core.CodePaymentInsufficient,
			"authorized %d micro-USDC, quote requires %d", auth.Value, quote.MaxCostMicroUSDC).
			WithContext("authorized", auth.Value).
			WithContext("required", quote.MaxCostMicroUSDC)
	}
	if auth.ValidBefore <= now.Unix() {
		return VerifyResult{}, core.Errf(core.CodePaymentExpired,
			"authorization expired at %d", auth.ValidBefore)
	}

	digest, err := v.authorizationDigest(proof.ChainID, auth)
	if err != nil {
		return VerifyResult{}, err
	}
	payer, err := v.recoverSigner(ctx, digest, auth)
	if err != nil {
		return VerifyResult{}, err
	}

	paymentID := PaymentID(proof.ChainID, auth)
	ttl := time.Duration(auth.ValidBefore-now.Unix()) * time.Second
	if ttl < minNonceTTL {
		ttl = minNonceTTL
	}
	stored, err := v.nonces.SetNX(ctx, "x402:payment:"+paymentID, ttl)
	if err != nil {
		return VerifyResult{}, core.Wrap(core.CodeInternal, err, "payment nonce reservation failed")
	}
	if !stored {
		return VerifyResult{Valid: true, IdempotentReplay: true, PaymentID: paymentID, Payer: payer.Hex()}, nil
	}

	wal.BestEffort(v.wal, ctx, "x402", "payment_verified", paymentID, map[string]interface{}{
		"payer":    payer.Hex(),
		"value":    auth.Value,
		"quote_id": proof.QuoteID,
		"chain_id": proof.ChainID,
	})
	return VerifyResult{Valid: true, PaymentID: paymentID, Payer: payer.Hex()}, nil
}

// recoverSigner tries EOA ecrecover first, then the EIP-1271 contract
// path when the recovered address does not match the claimed payer.
func (v *Verifier) recoverSigner(ctx context.Context, digest common.Hash, auth Authorization) (common.Address, error) {
	sig, err := decodeSignature(auth.Signature)
	if err != nil {
		return common.Address{}, err
	}
	claimed := common.HexToAddress(auth.From)

	pub, err := crypto.SigToPub(digest.Bytes(), sig)
	if err == nil {
		recovered := crypto.PubkeyToAddress(*pub)
		if recovered == claimed {
			return recovered, nil
		}
	}

	if v.contracts != nil {
		ok, cerr := v.contracts.IsValidSignature(ctx, claimed, digest, sig)
		if cerr == nil && ok {
			return claimed, nil
		}
	}
	return common.Address{}, core.Errf(core.CodePaymentInvalidSignature,
		"signature does not recover to %s", auth.From)
}

// decodeSignature parses a 65-byte r||s||v hex signature, normalizing
// v from {27, 28} to {0, 1} for go-ethereum.
func decodeSignature(s string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil || len(raw) != 65 {
		return nil, core.Errf(core.CodePaymentInvalidSignature, "malformed signature")
	}
	if raw[64] >= 27 {
		raw[64] -= 27
	}
	return raw, nil
}

var transferWithAuthorizationTypeHash = crypto.Keccak256Hash([]byte(
	"TransferWithAuthorization(address from,address to,uint256 value,uint256 validAfter,uint256 validBefore,bytes32 nonce)"))

var eip712DomainTypeHash = crypto.Keccak256Hash([]byte(
	"EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))

// authorizationDigest computes the EIP-712 digest the wallet signed.
func (v *Verifier) authorizationDigest(chainID int64, auth Authorization) (common.Hash, error) {
	nonce, err := decodeNonce(auth.Nonce)
	if err != nil {
		return common.Hash{}, err
	}

	domain := crypto.Keccak256Hash(
		eip712DomainTypeHash.Bytes(),
		crypto.Keccak256([]byte(v.tokenName)),
		crypto.Keccak256([]byte(v.tokenVersion)),
		abiWord(chainID),
		common.LeftPadBytes(v.tokenContract.Bytes(), 32),
	)
	structHash := crypto.Keccak256Hash(
		transferWithAuthorizationTypeHash.Bytes(),
		common.LeftPadBytes(common.HexToAddress(auth.From).Bytes(), 32),
		common.LeftPadBytes(common.HexToAddress(auth.To).Bytes(), 32),
		abiWord(auth.Value),
		abiWord(auth.ValidAfter),
		abiWord(auth.ValidBefore),
		nonce.Bytes(),
	)
	return crypto.Keccak256Hash([]byte{0x19, 0x01}, domain.Bytes(), structHash.Bytes()), nil
}

func decodeNonce(s string) (common.Hash, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil || len(raw) != 32 {
		return common.Hash{}, core.Errf(core.CodePaymentInvalidSignature, "malformed nonce")
	}
	return common.BytesToHash(raw), nil
}

// abiWord encodes a non-negative integer as a 32-byte big-endian word.
func abiWord(v int64) []byte {
	b := make([]byte, 32)
	for i := 31; i >= 24 && v != 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

// PaymentID derives the stable payment identity from the authorization
// tuple. Two presentations of the same signed intent map to one id.
func PaymentID(chainID int64, auth Authorization) string {
	material := fmt.Sprintf("%d:%s:%s:%s:%d:%d",
		chainID,
		strings.ToLower(auth.From),
		strings.ToLower(auth.To),
		auth.Nonce,
		auth.Value,
		auth.ValidBefore,
	)
	sum := sha256.Sum256([]byte(material))
	return "pid_" + hex.EncodeToString(sum[:])
}

func errQuoteNotFound(id string) error {
	return core.Errf(core.CodeQuoteNotFound, "quote %s not found", id)
}

func errQuoteExpired(id string) error {
	return core.Errf(core.CodeQuoteExpired, "quote %s expired", id)
}

// SetClock injects a clock for tests.
func (v *Verifier) SetClock(now func() time.Time) {
	v.now = now
}
