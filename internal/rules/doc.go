// Package rules loads per-identity rate rules from a versioned document and
// keeps a Limiter in step with it.
//
// A document is YAML (JSON is accepted too):
//
//	identities:
//	  u1:
//	    - window: 1s
//	      max_requests: 2
//	    - window: 1m
//	      max_requests: 60
//
// Documents come from a [Source] (local file, S3 object or SSM parameter),
// optionally carry a detached KMS signature, and are applied by an [Applier]
// which only ever removes identities a previous document introduced. The
// [Watcher] polls the source and re-applies whenever the document hash changes.
package rules
