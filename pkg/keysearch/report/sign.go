package report

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// ErrBadSignature is returned when a signed report does not verify.
var ErrBadSignature = errors.New("report: signature verification failed")

var signTag = []byte("keysearch/report/v1")

// SignedReport carries a report together with a BIP-340 signature over the
// tagged hash of its JSON encoding.
type SignedReport struct {
	Report    Report `json:"report"`
	PublicKey string `json:"public_key"`
	Signature string `json:"signature"`
}

func digest(r Report) ([]byte, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("report: marshal: %w", err)
	}
	return chainhash.TaggedHash(signTag, raw)[:], nil
}

// Sign signs r with priv.
func Sign(r Report, priv *btcec.PrivateKey) (SignedReport, error) {
	if priv == nil {
		return SignedReport{}, errors.New("report: nil signing key")
	}
	h, err := digest(r)
	if err != nil {
		return SignedReport{}, err
	}
	sig, err := schnorr.Sign(priv, h)
	if err != nil {
		return SignedReport{}, fmt.Errorf("report: sign: %w", err)
	}
	return SignedReport{
		Report:    r,
		PublicKey: hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey())),
		Signature: hex.EncodeToString(sig.Serialize()),
	}, nil
}

// Verify checks the signature against the embedded x-only public key.
func (s SignedReport) Verify() error {
	pubBytes, err := hex.DecodeString(s.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: public key: %v", ErrBadSignature, err)
	}
	pub, err := schnorr.ParsePubKey(pubBytes)
	if err != nil {
		return fmt.Errorf("%w: public key: %v", ErrBadSignature, err)
	}
	sigBytes, err := hex.DecodeString(s.Signature)
	if err != nil {
		return fmt.Errorf("%w: signature: %v", ErrBadSignature, err)
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("%w: signature: %v", ErrBadSignature, err)
	}
	h, err := digest(s.Report)
	if err != nil {
		return err
	}
	if !sig.Verify(h, pub) {
		return ErrBadSignature
	}
	return nil
}

// SigningKeyFromHex parses a 32-byte hex secp256k1 private key.
func SigningKeyFromHex(s string) (*btcec.PrivateKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("report: signing key: %w", err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("report: signing key must be 32 bytes, got %d", len(b))
	}
	priv, _ := btcec.PrivKeyFromBytes(b)
	return priv, nil
}
