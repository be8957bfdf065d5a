package cryptoutil

import (
	"bytes"
	"encoding/base64"

	"github.com/keithlinneman/linnemanlabs-gate/internal/xerrors"
)

// MaxSignatureSize bounds a sidecar signature, RSA-4096 is 512 bytes raw.
const MaxSignatureSize = 4 << 10

// DecodeSignature accepts the base64 text printed by `aws kms sign` as well as
// raw DER/PSS bytes.
func DecodeSignature(b []byte) ([]byte, error) {
	if len(b) > MaxSignatureSize {
		return nil, xerrors.Newf("signature is %d bytes, max %d", len(b), MaxSignatureSize)
	}
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 {
		return nil, xerrors.New("signature is empty")
	}
	out := make([]byte, base64.StdEncoding.DecodedLen(len(trimmed)))
	if n, err := base64.StdEncoding.Decode(out, trimmed); err == nil {
		return out[:n], nil
	}
	return b, nil
}
