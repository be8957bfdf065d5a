package cryptoutil

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
)

const testKeyARN = "arn:aws:kms:us-east-2:000000000000:key/rules-signing"

var rulesDoc = []byte("identities:\n  u1:\n    - window: 1s\n      max_requests: 2\n")

type fakeKMS struct {
	der   []byte
	usage kmstypes.KeyUsageType
	err   error
	calls atomic.Int32
}

func (f *fakeKMS) GetPublicKey(_ context.Context, in *kms.GetPublicKeyInput, _ ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &kms.GetPublicKeyOutput{KeyId: in.KeyId, PublicKey: f.der, KeyUsage: f.usage}, nil
}

func newFakeKMS(t *testing.T, pub crypto.PublicKey) *fakeKMS {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	return &fakeKMS{der: der, usage: kmstypes.KeyUsageTypeSignVerify}
}

func ecKey(t *testing.T, curve elliptic.Curve) *ecdsa.PrivateKey {
	t.Helper()
	k, err := ecdsa.GenerateKey(curve, rand.Reader)
	if err != nil {
		t.Fatalf("generate ECDSA key: %v", err)
	}
	return k
}

func rsaKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}
	return k
}

func TestVerifySignature_ECDSA(t *testing.T) {
	for _, curve := range []elliptic.Curve{elliptic.P256(), elliptic.P384()} {
		t.Run(curve.Params().Name, func(t *testing.T) {
			key := ecKey(t, curve)
			var digest []byte
			if curve == elliptic.P384() {
				d := sha512.Sum384(rulesDoc)
				digest = d[:]
			} else {
				d := sha256.Sum256(rulesDoc)
				digest = d[:]
			}
			sig, err := ecdsa.SignASN1(rand.Reader, key, digest)
			if err != nil {
				t.Fatalf("sign: %v", err)
			}
			v := NewKMSVerifier(newFakeKMS(t, &key.PublicKey), testKeyARN)

			if err := v.VerifySignature(context.Background(), rulesDoc, sig); err != nil {
				t.Fatalf("valid signature rejected: %v", err)
			}
			tampered := append([]byte{}, rulesDoc...)
			tampered[len(tampered)-2] = '9'
			if err := v.VerifySignature(context.Background(), tampered, sig); err == nil {
				t.Fatal("tampered document accepted")
			}
			other := ecKey(t, curve)
			if err := NewKMSVerifier(newFakeKMS(t, &other.PublicKey), testKeyARN).
				VerifySignature(context.Background(), rulesDoc, sig); err == nil {
				t.Fatal("signature accepted under the wrong key")
			}
		})
	}
}

func TestVerifySignature_RSA(t *testing.T) {
	key := rsaKey(t)
	digest := sha256.Sum256(rulesDoc)
	pss, err := rsa.SignPSS(rand.Reader, key, crypto.SHA256, digest[:], nil)
	if err != nil {
		t.Fatalf("sign pss: %v", err)
	}
	pkcs, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		t.Fatalf("sign pkcs1v15: %v", err)
	}
	v := NewKMSVerifier(newFakeKMS(t, &key.PublicKey), testKeyARN)

	if err := v.VerifySignature(context.Background(), rulesDoc, pss); err != nil {
		t.Fatalf("PSS rejected: %v", err)
	}
	if err := v.VerifySignature(context.Background(), rulesDoc, pkcs); err == nil {
		t.Fatal("PKCS1v15 accepted without opting in")
	}
	v.AllowPKCS1v15 = true
	if err := v.VerifySignature(context.Background(), rulesDoc, pkcs); err != nil {
		t.Fatalf("PKCS1v15 rejected with fallback on: %v", err)
	}
	if err := v.VerifySignature(context.Background(), []byte("other"), pkcs); err == nil {
		t.Fatal("wrong message accepted")
	}
}

func TestVerifySignature_EmptySignature(t *testing.T) {
	f := newFakeKMS(t, &ecKey(t, elliptic.P256()).PublicKey)
	v := NewKMSVerifier(f, testKeyARN)
	if err := v.VerifySignature(context.Background(), rulesDoc, nil); err == nil {
		t.Fatal("expected error")
	}
	if f.calls.Load() != 0 {
		t.Fatal("empty signature should fail before contacting KMS")
	}
}

func TestVerifySignature_UnsupportedKeys(t *testing.T) {
	p521 := ecKey(t, elliptic.P521())
	if err := NewKMSVerifier(newFakeKMS(t, &p521.PublicKey), testKeyARN).
		VerifySignature(context.Background(), rulesDoc, []byte{1}); err == nil {
		t.Fatal("P-521 should be unsupported")
	}

	edPub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate ed25519: %v", err)
	}
	if err := NewKMSVerifier(newFakeKMS(t, edPub), testKeyARN).
		VerifySignature(context.Background(), rulesDoc, []byte{1}); err == nil {
		t.Fatal("ed25519 should be unsupported")
	}
}

func TestPublicKey_FetchedOnce(t *testing.T) {
	key := ecKey(t, elliptic.P256())
	f := newFakeKMS(t, &key.PublicKey)
	v := NewKMSVerifier(f, testKeyARN)

	for i := 0; i < 3; i++ {
		if _, err := v.PublicKey(context.Background()); err != nil {
			t.Fatalf("PublicKey: %v", err)
		}
	}
	if got := f.calls.Load(); got != 1 {
		t.Fatalf("GetPublicKey calls = %d, want 1", got)
	}
	if v.KeyARN() != testKeyARN {
		t.Fatalf("KeyARN = %q", v.KeyARN())
	}
}

func TestPublicKey_Errors(t *testing.T) {
	key := ecKey(t, elliptic.P256())

	encrypt := newFakeKMS(t, &key.PublicKey)
	encrypt.usage = kmstypes.KeyUsageTypeEncryptDecrypt

	tests := []struct {
		name string
		v    *KMSVerifier
	}{
		{"nil client", NewKMSVerifier(nil, testKeyARN)},
		{"kms error", NewKMSVerifier(&fakeKMS{err: errors.New("AccessDenied")}, testKeyARN)},
		{"encryption key", NewKMSVerifier(encrypt, testKeyARN)},
		{"garbage DER", NewKMSVerifier(&fakeKMS{der: []byte("nope"), usage: kmstypes.KeyUsageTypeSignVerify}, testKeyARN)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.v.PublicKey(context.Background()); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestPublicKey_ErrorNotCached(t *testing.T) {
	key := ecKey(t, elliptic.P256())
	f := newFakeKMS(t, &key.PublicKey)
	f.err = errors.New("throttled")
	v := NewKMSVerifier(f, testKeyARN)

	if _, err := v.PublicKey(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	f.err = nil
	if _, err := v.PublicKey(context.Background()); err != nil {
		t.Fatalf("retry after transient error: %v", err)
	}
}
