// Package epistula signs and verifies request headers so a receiver can tie
// every call to a sender hotkey.
package epistula

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/ChainSafe/go-schnorrkel"
	"github.com/centrifuge/go-substrate-rpc-client/v4/signature"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"github.com/google/uuid"
	"github.com/vedhavyas/go-subkey/v2"
)

// AllowedClockSkew is how stale a request timestamp may be before the
// receiver rejects it outright.
const AllowedClockSkew = 8 * time.Second

func sha256Hash(str []byte) string {
	h := sha256.New()
	h.Write(str)
	sum := h.Sum(nil)
	return hex.EncodeToString(sum)
}

// GetHeaders signs body for the receiver rSS58 and returns the header set
// to attach to the request.
func GetHeaders(kp signature.KeyringPair, rSS58 string, body []byte) (map[string]string, error) {
	timestamp := time.Now().UnixMilli()
	id := uuid.New().String()
	timestampInterval := int64(math.Ceil(float64(timestamp) / 1e4))
	bodyHash := sha256Hash(body)
	message := fmt.Sprintf("%s.%s.%d.%s", bodyHash, id, timestamp, rSS58)
	requestSignature, err := signature.Sign([]byte(message), kp.URI)
	if err != nil {
		return nil, err
	}

	s1, _ := signature.Sign(fmt.Appendf([]byte{}, "%d.%s", timestampInterval-1, kp.Address), kp.URI)
	s2, _ := signature.Sign(fmt.Appendf([]byte{}, "%d.%s", timestampInterval, kp.Address), kp.URI)
	s3, _ := signature.Sign(fmt.Appendf([]byte{}, "%d.%s", timestampInterval+1, kp.Address), kp.URI)

	headers := map[string]string{
		"Epistula-Version":            "2",
		"Epistula-Timestamp":          fmt.Sprintf("%d", timestamp),
		"Epistula-Uuid":               id,
		"Epistula-Signed-By":          kp.Address,
		"Epistula-Signed-For":         rSS58,
		"Epistula-Request-Signature":  types.NewSignature(requestSignature).Hex(),
		"Epistula-Secret-Signature-0": types.NewSignature(s1).Hex(),
		"Epistula-Secret-Signature-1": types.NewSignature(s2).Hex(),
		"Epistula-Secret-Signature-2": types.NewSignature(s3).Hex(),
		"Content-Type":                "application/msgpack",
	}

	return headers, nil
}

// Verify checks a request signature against the sender's public key and
// rejects stale timestamps and requests addressed to someone else.
// selfSS58 may be empty when the receiver serves unaddressed requests.
func Verify(selfSS58, sigHex string, body []byte, timestamp, id, signedFor, signedBy string) error {
	if signedBy == "" {
		return errors.New("missing signer")
	}
	if selfSS58 != "" && signedFor != "" && signedFor != selfSS58 {
		return errors.New("request not signed for this hotkey")
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return errors.New("invalid timestamp")
	}
	oldest := time.Now().Add(-AllowedClockSkew).UnixMilli()
	if ts < oldest {
		return errors.New("request is too stale")
	}

	message := fmt.Sprintf("%s.%s.%s.%s", sha256Hash(body), id, timestamp, signedFor)
	return VerifySignature(signedBy, sigHex, []byte(message))
}

// VerifySignature checks an sr25519 signature made over message by the
// hotkey behind the ss58 address.
func VerifySignature(ss58, sigHex string, message []byte) error {
	_, pubBytes, err := subkey.SS58Decode(ss58)
	if err != nil {
		return fmt.Errorf("could not decode signer address: %s", err)
	}
	if len(pubBytes) != 32 {
		return errors.New("signer public key has wrong length")
	}
	var pubRaw [32]byte
	copy(pubRaw[:], pubBytes)
	pub := &schnorrkel.PublicKey{}
	if err := pub.Decode(pubRaw); err != nil {
		return fmt.Errorf("could not decode signer public key: %s", err)
	}

	raw, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return fmt.Errorf("could not decode signature hex: %s", err)
	}
	if len(raw) != 64 {
		return errors.New("signature has wrong length")
	}
	var sigRaw [64]byte
	copy(sigRaw[:], raw)
	sig := &schnorrkel.Signature{}
	if err := sig.Decode(sigRaw); err != nil {
		return fmt.Errorf("could not decode signature: %s", err)
	}

	transcript := schnorrkel.NewSigningContext([]byte("substrate"), message)
	ok, err := pub.Verify(sig, transcript)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("signature mismatch")
	}
	return nil
}
