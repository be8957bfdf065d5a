package rules

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/linnemanlabs-gate/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-gate/internal/xerrors"
)

// SignatureSuffix names the detached signature next to a document.
const SignatureSuffix = ".sig"

// Source fetches the raw document and, when one exists, its detached signature.
// A missing signature is reported as nil sig, not an error.
type Source interface {
	Fetch(ctx context.Context) (doc, sig []byte, err error)
	String() string
}

// FileSource reads a local document and Path+".sig".
type FileSource struct {
	Path string
}

func (s FileSource) String() string { return "file:" + s.Path }

func (s FileSource) Fetch(ctx context.Context) ([]byte, []byte, error) {
	doc, err := readFileLimited(s.Path, MaxDocumentSize)
	if err != nil {
		return nil, nil, xerrors.Wrapf(err, "read rules file %s", s.Path)
	}
	sig, err := readFileLimited(s.Path+SignatureSuffix, cryptoutil.MaxSignatureSize)
	if errors.Is(err, fs.ErrNotExist) {
		return doc, nil, nil
	}
	if err != nil {
		return nil, nil, xerrors.Wrapf(err, "read rules signature %s", s.Path+SignatureSuffix)
	}
	return doc, sig, nil
}

func readFileLimited(path string, limit int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readLimited(f, limit)
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > limit {
		return nil, xerrors.Newf("larger than %d bytes", limit)
	}
	return b, nil
}

// S3GetObjectAPI is the part of the S3 client S3Source uses.
type S3GetObjectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Source reads s3://Bucket/Key and s3://Bucket/Key.sig.
type S3Source struct {
	Client S3GetObjectAPI
	Bucket string
	Key    string
}

func (s S3Source) String() string { return fmt.Sprintf("s3://%s/%s", s.Bucket, s.Key) }

func (s S3Source) Fetch(ctx context.Context) ([]byte, []byte, error) {
	doc, err := s.get(ctx, s.Key, MaxDocumentSize)
	if err != nil {
		return nil, nil, err
	}
	sig, err := s.get(ctx, s.Key+SignatureSuffix, cryptoutil.MaxSignatureSize)
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return doc, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return doc, sig, nil
}

func (s S3Source) get(ctx context.Context, key string, limit int64) ([]byte, error) {
	out, err := s.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get S3 object s3://%s/%s", s.Bucket, key)
	}
	defer out.Body.Close()
	b, err := readLimited(out.Body, limit)
	if err != nil {
		return nil, xerrors.Wrapf(err, "read S3 object s3://%s/%s", s.Bucket, key)
	}
	return b, nil
}

// SSMGetParameterAPI is the part of the SSM client SSMSource uses.
type SSMGetParameterAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SSMSource reads a (SecureString or String) parameter holding the whole document.
// Parameters carry no signature, access is controlled by IAM.
type SSMSource struct {
	Client SSMGetParameterAPI
	Name   string
}

func (s SSMSource) String() string { return "ssm:" + s.Name }

func (s SSMSource) Fetch(ctx context.Context) ([]byte, []byte, error) {
	out, err := s.Client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(s.Name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return nil, nil, xerrors.Wrapf(err, "get SSM parameter %s", s.Name)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return nil, nil, xerrors.Newf("SSM parameter %s has no value", s.Name)
	}
	v := strings.TrimSpace(*out.Parameter.Value)
	if v == "" {
		return nil, nil, xerrors.Newf("SSM parameter %s is empty", s.Name)
	}
	return []byte(v), nil, nil
}
