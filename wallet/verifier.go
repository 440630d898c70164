package wallet

import (
	"crypto/ed25519"
	"encoding/hex"
	"log/slog"
	"strings"

	"github.com/Finitoshi/telegram-bot/lib/sl"
)

// Verifier checks that a wallet signed a challenge. It never fails hard:
// anything malformed is simply not a valid proof.
type Verifier struct {
	log *slog.Logger
}

func NewVerifier(log *slog.Logger) *Verifier {
	return &Verifier{
		log: log.With(sl.Module("verifier")),
	}
}

// Verify reports whether signature is an Ed25519 signature of exactly challenge
// by the key behind address.
func (v *Verifier) Verify(address string, challenge, signature []byte) bool {
	key, err := ParseAddress(address)
	if err != nil {
		v.log.With(sl.Wallet(address)).Debug("verify: bad address", sl.Err(err))
		return false
	}
	if len(signature) != ed25519.SignatureSize {
		v.log.With(
			sl.Wallet(address),
			slog.Int("length", len(signature)),
		).Debug("verify: bad signature length")
		return false
	}
	if !ed25519.Verify(key, challenge, signature) {
		v.log.With(sl.Wallet(address)).Debug("verify: signature mismatch")
		return false
	}
	return true
}

// VerifyHex decodes the hex nonce and signature and calls Verify
func (v *Verifier) VerifyHex(address, nonceHex, signatureHex string) bool {
	challenge, err := hex.DecodeString(nonceHex)
	if err != nil {
		v.log.With(sl.Wallet(address)).Error("verify: stored nonce is not hex", sl.Err(err))
		return false
	}
	signature, err := decodeHex(signatureHex)
	if err != nil {
		v.log.With(sl.Wallet(address)).Debug("verify: signature is not hex", sl.Err(err))
		return false
	}
	return v.Verify(address, challenge, signature)
}

func decodeHex(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	return hex.DecodeString(s)
}
