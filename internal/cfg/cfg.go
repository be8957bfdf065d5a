package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/keithlinneman/linnemanlabs-gate/internal/log"
)

// EnvPrefix is prepended to upper-cased flag names when reading the environment.
const EnvPrefix = "LMGATE_"

type App struct {
	LogFormat       string
	LogLevel        string
	StacktraceLevel string
	ErrorLinks      int

	HTTPPort      int
	AdminPort     int
	ShutdownDrain time.Duration

	EnablePprof     bool
	EnablePyroscope bool
	EnableTracing   bool
	PyroServer      string
	PyroTenantID    string
	OTLPEndpoint    string
	TraceSample     float64

	IdentityHeader string
	IdleTTL        time.Duration
	MaxIdentities  int
	MaxBodyBytes   int64
	EnableRulesAPI bool
	TrustedHops    int

	RulesFile          string
	RulesS3Bucket      string
	RulesS3Key         string
	RulesSSMParam      string
	RulesSigningKeyARN string
	RulesPollInterval  time.Duration
	EnableRulesUpdates bool
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.StringVar(&c.LogFormat, "log-format", "json", "json|text|console")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.IntVar(&c.ErrorLinks, "error-links", 5, "error chain depth to log call sites for (0 disables, max 64)")

	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.DurationVar(&c.ShutdownDrain, "shutdown-drain", 5*time.Second, "time to report not-ready before closing listeners")

	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")

	fs.StringVar(&c.IdentityHeader, "identity-header", "X-User-Id", "request header carrying the caller identity")
	fs.DurationVar(&c.IdleTTL, "idle-ttl", 10*time.Minute, "drop window logs of identities idle this long (0 disables)")
	fs.IntVar(&c.MaxIdentities, "max-identities", 100000, "max identities with rules (0 for unlimited)")
	fs.Int64Var(&c.MaxBodyBytes, "max-body-bytes", 64<<10, "max request body size for the limiter API")
	fs.BoolVar(&c.EnableRulesAPI, "enable-rules-api", true, "Expose rule mutation routes on the public listener")
	fs.IntVar(&c.TrustedHops, "trusted-hops", 1, "reverse proxies in front of the gate whose X-Forwarded-For entries are trusted")

	fs.StringVar(&c.RulesFile, "rules-file", "", "path to a YAML rules document")
	fs.StringVar(&c.RulesS3Bucket, "rules-s3-bucket", "", "s3 bucket holding the rules document")
	fs.StringVar(&c.RulesS3Key, "rules-s3-key", "", "s3 key of the rules document (signature at key.sig)")
	fs.StringVar(&c.RulesSSMParam, "rules-ssm-param", "", "ssm parameter holding the rules document")
	fs.StringVar(&c.RulesSigningKeyARN, "rules-signing-key-arn", "", "KMS key ARN for rules document signature verification")
	fs.DurationVar(&c.RulesPollInterval, "rules-poll-interval", 30*time.Second, "how often to poll the rules source")
	fs.BoolVar(&c.EnableRulesUpdates, "enable-rules-updates", true, "Keep polling the rules source after startup")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// RulesSource names the configured rules backend: "file", "s3", "ssm" or "" for none.
func (c App) RulesSource() string {
	switch {
	case c.RulesFile != "":
		return "file"
	case c.RulesS3Bucket != "" || c.RulesS3Key != "":
		return "s3"
	case c.RulesSSMParam != "":
		return "ssm"
	}
	return ""
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}
	if c.ShutdownDrain < 0 {
		errs = append(errs, fmt.Errorf("SHUTDOWN_DRAIN must not be negative (got %s)", c.ShutdownDrain))
	}

	if _, err := log.ParseFormat(c.LogFormat); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_FORMAT %q: %w", c.LogFormat, err))
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}
	if c.ErrorLinks < 0 || c.ErrorLinks > 64 {
		errs = append(errs, fmt.Errorf("ERROR_LINKS must be 0..64 (got %d)", c.ErrorLinks))
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}
	// grpc exporter wants host:port, no scheme
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	if strings.TrimSpace(c.IdentityHeader) == "" {
		errs = append(errs, fmt.Errorf("IDENTITY_HEADER is required"))
	}
	if c.IdleTTL < 0 {
		errs = append(errs, fmt.Errorf("IDLE_TTL must not be negative (got %s)", c.IdleTTL))
	}
	if c.MaxIdentities < 0 {
		errs = append(errs, fmt.Errorf("MAX_IDENTITIES must not be negative (got %d)", c.MaxIdentities))
	}
	if c.TrustedHops < 0 || c.TrustedHops > 10 {
		errs = append(errs, fmt.Errorf("TRUSTED_HOPS must be 0..10 (got %d)", c.TrustedHops))
	}
	if c.MaxBodyBytes < 1 {
		errs = append(errs, fmt.Errorf("MAX_BODY_BYTES must be positive (got %d)", c.MaxBodyBytes))
	}

	// at most one rules backend
	sources := 0
	if c.RulesFile != "" {
		sources++
	}
	if c.RulesS3Bucket != "" || c.RulesS3Key != "" {
		sources++
		if c.RulesS3Bucket == "" || c.RulesS3Key == "" {
			errs = append(errs, fmt.Errorf("RULES_S3_BUCKET and RULES_S3_KEY must be set together"))
		}
	}
	if c.RulesSSMParam != "" {
		sources++
	}
	if sources > 1 {
		errs = append(errs, fmt.Errorf("only one of RULES_FILE, RULES_S3_BUCKET/KEY, RULES_SSM_PARAM may be set"))
	}
	if sources > 0 && c.RulesPollInterval < time.Second {
		errs = append(errs, fmt.Errorf("RULES_POLL_INTERVAL must be at least 1s (got %s)", c.RulesPollInterval))
	}
	// ssm parameters carry no detached signature, so a signing key cannot be honored
	if c.RulesSigningKeyARN != "" && c.RulesSSMParam != "" {
		errs = append(errs, fmt.Errorf("RULES_SIGNING_KEY_ARN cannot be used with RULES_SSM_PARAM"))
	}
	if c.RulesSigningKeyARN != "" && sources == 0 {
		errs = append(errs, fmt.Errorf("RULES_SIGNING_KEY_ARN set without a rules source"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
