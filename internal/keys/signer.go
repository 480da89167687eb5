package keys

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

var ErrBadSignature = errors.New("signature does not match signer")

// Signer holds the keeper key. Its address is the keeper role and it attests
// persisted harvest snapshots with EIP-712 signatures.
type Signer struct {
	privKey *ecdsa.PrivateKey
	address common.Address
	chainID int64
}

func NewSigner(hexKey string, chainID int64) (*Signer, error) {
	clean := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if clean == "" {
		return nil, errors.New("private key is required")
	}
	key, err := crypto.HexToECDSA(clean)
	if err != nil {
		return nil, err
	}
	return &Signer{privKey: key, address: crypto.PubkeyToAddress(key.PublicKey), chainID: chainID}, nil
}

func (s *Signer) Address() common.Address {
	return s.address
}

// Sign returns a 65 byte [R || S || V] signature over payload, with V in {27, 28}.
func (s *Signer) Sign(payload []byte) ([]byte, error) {
	digest, err := attestationHash(payload, s.chainID)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(digest, s.privKey)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

// Verify checks that sig over payload was produced by signer.
func Verify(payload, sig []byte, signer common.Address, chainID int64) error {
	if len(sig) != crypto.SignatureLength {
		return fmt.Errorf("unexpected signature length %d", len(sig))
	}
	digest, err := attestationHash(payload, chainID)
	if err != nil {
		return err
	}
	raw := append([]byte(nil), sig...)
	if raw[64] >= 27 {
		raw[64] -= 27
	}
	pub, err := crypto.SigToPub(digest, raw)
	if err != nil {
		return err
	}
	if crypto.PubkeyToAddress(*pub) != signer {
		return ErrBadSignature
	}
	return nil
}

func attestationHash(payload []byte, chainID int64) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
			},
			"Attestation": {
				{Name: "payloadHash", Type: "bytes32"},
			},
		},
		PrimaryType: "Attestation",
		Domain: apitypes.TypedDataDomain{
			Name:    "PerpStrategyKeeper",
			Version: "1",
			ChainId: math.NewHexOrDecimal256(chainID),
		},
		Message: apitypes.TypedDataMessage{
			"payloadHash": hexutil.Encode(crypto.Keccak256(payload)),
		},
	}
	domainHash, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, err
	}
	messageHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, err
	}
	return crypto.Keccak256([]byte("\x19\x01"), domainHash, messageHash), nil
}
