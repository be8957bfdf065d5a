// Package cryptoutil verifies detached signatures over rules documents.
//
// Documents are signed with an AWS KMS asymmetric key (ECDSA P-256/P-384 or
// RSA-PSS). The public key is fetched once and verification happens locally,
// so a watcher poll costs no KMS call after startup.
package cryptoutil
