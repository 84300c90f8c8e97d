package crypto

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/arbguard/internal/domain"
)

// Signer signs EIP-1559 transactions for one chain.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	signer     types.Signer
}

// NewSigner creates a Signer for chainID.
func NewSigner(pk *ecdsa.PrivateKey, chainID int64) *Signer {
	id := big.NewInt(chainID)
	return &Signer{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
		chainID:    id,
		signer:     types.LatestSignerForChainID(id),
	}
}

// Address returns the address derived from the signer's key.
func (s *Signer) Address() common.Address { return s.address }

// ChainID returns the chain the signer signs for.
func (s *Signer) ChainID() *big.Int { return new(big.Int).Set(s.chainID) }

// SignTx builds and signs a dynamic-fee transaction from p.
func (s *Signer) SignTx(p domain.TxParams) (*types.Transaction, error) {
	if !common.IsHexAddress(p.To) {
		return nil, fmt.Errorf("crypto/signer: invalid recipient %q", p.To)
	}
	if p.GasFeeCap == nil || p.GasTipCap == nil {
		return nil, errors.New("crypto/signer: fee caps are required")
	}
	if p.GasTipCap.Cmp(p.GasFeeCap) > 0 {
		return nil, fmt.Errorf("crypto/signer: tip cap %s above fee cap %s", p.GasTipCap, p.GasFeeCap)
	}
	to := common.HexToAddress(p.To)
	value := p.Value
	if value == nil {
		value = new(big.Int)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   s.chainID,
		Nonce:     p.Nonce,
		GasTipCap: p.GasTipCap,
		GasFeeCap: p.GasFeeCap,
		Gas:       p.GasLimit,
		To:        &to,
		Value:     value,
		Data:      p.Data,
	})
	signed, err := types.SignTx(tx, s.signer, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: signing tx: %w", err)
	}
	return signed, nil
}

// BundleTx converts a signed transaction into its bundle representation.
func BundleTx(role domain.TxRole, tx *types.Transaction) (domain.BundleTx, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return domain.BundleTx{}, fmt.Errorf("crypto/signer: encoding tx: %w", err)
	}
	out := domain.BundleTx{
		Role:     role,
		Hash:     tx.Hash().Hex(),
		Nonce:    tx.Nonce(),
		Value:    tx.Value(),
		GasLimit: tx.Gas(),
		Raw:      hexutil.Encode(raw),
	}
	if to := tx.To(); to != nil {
		out.To = to.Hex()
	}
	return out, nil
}

// PayloadSigner produces relay request signatures of the form
// "<address>:<signature>", where the signature is an EIP-191 personal
// signature over the hex-encoded keccak256 of the request body.
type PayloadSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewPayloadSigner wraps pk. A nil key generates a throwaway identity.
func NewPayloadSigner(pk *ecdsa.PrivateKey) (*PayloadSigner, error) {
	if pk == nil {
		var err error
		if pk, err = ethcrypto.GenerateKey(); err != nil {
			return nil, fmt.Errorf("crypto/signer: generating relay key: %w", err)
		}
	}
	return &PayloadSigner{privateKey: pk, address: ethcrypto.PubkeyToAddress(pk.PublicKey)}, nil
}

// Address returns the relay identity address.
func (p *PayloadSigner) Address() common.Address { return p.address }

// Sign returns the header value for body.
func (p *PayloadSigner) Sign(body []byte) (string, error) {
	sig, err := ethcrypto.Sign(payloadDigest(body), p.privateKey)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: signing payload: %w", err)
	}
	return p.address.Hex() + ":" + hexutil.Encode(sig), nil
}

// RecoverPayloadSigner returns the address that produced sig over body.
func RecoverPayloadSigner(body []byte, sig string) (common.Address, error) {
	raw, err := hexutil.Decode(sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto/signer: decoding signature: %w", err)
	}
	pub, err := ethcrypto.SigToPub(payloadDigest(body), raw)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto/signer: recovering signer: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

func payloadDigest(body []byte) []byte {
	return accounts.TextHash([]byte(hexutil.Encode(ethcrypto.Keccak256(body))))
}
