package main

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/linnemanlabs-gate/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-gate/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-gate/internal/rules"
	"github.com/keithlinneman/linnemanlabs-gate/internal/xerrors"
)

// needsAWS reports whether the rules setup talks to any AWS API.
func needsAWS(conf cfg.App) bool {
	src := conf.RulesSource()
	return src == "s3" || src == "ssm" || conf.RulesSigningKeyARN != ""
}

// newRulesLoader builds the loader for the configured source, nil when none is configured.
func newRulesLoader(ctx context.Context, conf cfg.App) (*rules.Loader, error) {
	if conf.RulesSource() == "" {
		return nil, nil
	}

	var awsCfg aws.Config
	if needsAWS(conf) {
		c, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, xerrors.Wrap(err, "load AWS config")
		}
		awsCfg = c
	}

	loader := &rules.Loader{}
	switch conf.RulesSource() {
	case "file":
		loader.Source = rules.FileSource{Path: conf.RulesFile}
	case "s3":
		loader.Source = rules.S3Source{
			Client: s3.NewFromConfig(awsCfg),
			Bucket: conf.RulesS3Bucket,
			Key:    conf.RulesS3Key,
		}
	case "ssm":
		loader.Source = rules.SSMSource{
			Client: ssm.NewFromConfig(awsCfg),
			Name:   conf.RulesSSMParam,
		}
	}

	if conf.RulesSigningKeyARN != "" {
		loader.Verifier = cryptoutil.NewKMSVerifier(kms.NewFromConfig(awsCfg), conf.RulesSigningKeyARN)
	}
	return loader, nil
}
