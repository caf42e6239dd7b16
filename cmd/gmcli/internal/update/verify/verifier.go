// Package verify checks container image provenance before an update
// touches disk or running state.
//
// Verification shells out to cosign, either keyless (identity and issuer
// matched against the transparency log) or key-based (explicit public key
// or KMS reference). A tool crash, timeout, or unparseable response is
// always classified as not verified.
package verify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/elementalcollision/GraphMemory-IDE-sub006/cmd/gmcli/internal/infra/process"
)

// =============================================================================
// Error Definitions
// =============================================================================

var (
	// ErrVerifierUnavailable is returned when the cosign binary is not
	// installed. This is a configuration error surfaced before any image
	// is processed.
	ErrVerifierUnavailable = errors.New("signature verification tool not available")

	// ErrVerificationFailed is returned when an image's signature cannot
	// be verified.
	ErrVerificationFailed = errors.New("signature verification failed")

	// ErrInvalidConfig is returned when VerifierConfig is invalid.
	ErrInvalidConfig = errors.New("invalid verifier configuration")
)

// =============================================================================
// Types
// =============================================================================

// Mode selects the verification scheme.
type Mode string

const (
	// ModeKeyless verifies against a certificate identity and OIDC issuer
	// recorded in the transparency log.
	ModeKeyless Mode = "keyless"

	// ModeKey verifies against an explicit public key or KMS reference.
	ModeKey Mode = "key"
)

// VerifierConfig configures signature verification.
type VerifierConfig struct {
	// Binary is the cosign binary name or path.
	// Default: "cosign"
	Binary string

	// Mode selects keyless or key-based verification.
	// Default: ModeKeyless
	Mode Mode

	// IdentityRegexp is the certificate identity pattern for keyless mode.
	IdentityRegexp string

	// OIDCIssuer is the expected OIDC issuer for keyless mode.
	OIDCIssuer string

	// KeyRef is the public key path or KMS URI for key mode.
	KeyRef string

	// TrustedSigners optionally restricts accepted signer identities.
	// Empty means any identity matching the scheme is accepted.
	TrustedSigners []string

	// Timeout bounds each per-image verification.
	// Default: 30 seconds
	Timeout time.Duration

	// Concurrency bounds the parallel verification window.
	// Default: 3
	Concurrency int
}

// DefaultVerifierConfig returns sensible defaults (keyless, 30s, window 3).
func DefaultVerifierConfig() VerifierConfig {
	return VerifierConfig{
		Binary:      "cosign",
		Mode:        ModeKeyless,
		Timeout:     30 * time.Second,
		Concurrency: 3,
	}
}

// Result contains the outcome of verifying one image.
type Result struct {
	// Image is the reference that was verified.
	Image string

	// Verified indicates the signature checked out.
	Verified bool

	// Signer is the accepted signer identity, when available.
	Signer string

	// Details is the raw verifier output retained for audit.
	Details string

	// Err describes why verification failed (nil when Verified).
	Err error
}

// Verifier checks artifact provenance.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Verifier interface {
	// VerifyOne verifies a single image reference.
	VerifyOne(ctx context.Context, image string) Result

	// VerifyMany verifies a batch of images with a bounded concurrency
	// window. One image's failure does not abort its siblings; the
	// returned map has an entry for every input.
	VerifyMany(ctx context.Context, images []string) map[string]Result
}

// =============================================================================
// Implementation
// =============================================================================

// CosignVerifier implements Verifier by invoking cosign.
type CosignVerifier struct {
	config VerifierConfig
	runner process.Runner
}

// NewCosignVerifier creates a Verifier and fails fast when the
// verification tool is unavailable or the mode is misconfigured.
//
// # Error Conditions
//
//   - ErrVerifierUnavailable: cosign binary not found
//   - ErrInvalidConfig: keyless mode without identity/issuer, or key mode
//     without a key reference
func NewCosignVerifier(cfg VerifierConfig, runner process.Runner) (*CosignVerifier, error) {
	if cfg.Binary == "" {
		cfg.Binary = "cosign"
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeKeyless
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}

	switch cfg.Mode {
	case ModeKeyless:
		if cfg.IdentityRegexp == "" || cfg.OIDCIssuer == "" {
			return nil, fmt.Errorf("%w: keyless mode requires identity and issuer", ErrInvalidConfig)
		}
	case ModeKey:
		if cfg.KeyRef == "" {
			return nil, fmt.Errorf("%w: key mode requires a key reference", ErrInvalidConfig)
		}
	default:
		return nil, fmt.Errorf("%w: unknown mode %q", ErrInvalidConfig, cfg.Mode)
	}

	if _, err := runner.LookPath(cfg.Binary); err != nil {
		return nil, fmt.Errorf("%w: %s not found in PATH", ErrVerifierUnavailable, cfg.Binary)
	}

	return &CosignVerifier{config: cfg, runner: runner}, nil
}

// VerifyOne verifies a single image reference.
func (v *CosignVerifier) VerifyOne(ctx context.Context, image string) Result {
	args := v.buildArgs(image)

	res, err := v.runner.Run(ctx, process.RunOptions{
		Name:    v.config.Binary,
		Args:    args,
		Timeout: v.config.Timeout,
	})
	if err != nil {
		// Tool crash or non-zero exit is never treated as verified.
		return Result{
			Image:   image,
			Details: outputOf(res),
			Err:     fmt.Errorf("%w: %s: %v", ErrVerificationFailed, image, err),
		}
	}

	signer, parseErr := v.parsePayload(res.Stdout)
	if parseErr != nil {
		return Result{
			Image:   image,
			Details: outputOf(res),
			Err:     fmt.Errorf("%w: %s: %v", ErrVerificationFailed, image, parseErr),
		}
	}

	return Result{Image: image, Verified: true, Signer: signer, Details: outputOf(res)}
}

// VerifyMany verifies a batch of images with a bounded concurrency window.
func (v *CosignVerifier) VerifyMany(ctx context.Context, images []string) map[string]Result {
	results := make(map[string]Result, len(images))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.config.Concurrency)

	for _, image := range images {
		g.Go(func() error {
			r := v.VerifyOne(gctx, image)
			mu.Lock()
			results[image] = r
			mu.Unlock()
			// Sibling verifications continue; the orchestrator decides
			// whether a single failure blocks the plan.
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// buildArgs constructs the cosign command line for one image.
func (v *CosignVerifier) buildArgs(image string) []string {
	args := []string{"verify", "--output", "json"}
	switch v.config.Mode {
	case ModeKeyless:
		args = append(args,
			"--certificate-identity-regexp", v.config.IdentityRegexp,
			"--certificate-oidc-issuer", v.config.OIDCIssuer,
		)
	case ModeKey:
		args = append(args, "--key", v.config.KeyRef)
	}
	return append(args, image)
}

// parsePayload validates the structured cosign response and applies the
// trusted-signer allow-list. A payload the parser cannot interpret is a
// verification failure, never a silent pass.
func (v *CosignVerifier) parsePayload(stdout string) (string, error) {
	var payloads []struct {
		Optional struct {
			Subject string `json:"Subject"`
			Issuer  string `json:"Issuer"`
		} `json:"optional"`
	}
	if err := json.Unmarshal([]byte(stdout), &payloads); err != nil {
		return "", fmt.Errorf("malformed verification payload: %v", err)
	}
	if len(payloads) == 0 {
		return "", errors.New("verification payload contains no signatures")
	}

	signer := payloads[0].Optional.Subject
	if len(v.config.TrustedSigners) == 0 {
		return signer, nil
	}
	for _, trusted := range v.config.TrustedSigners {
		for _, p := range payloads {
			if p.Optional.Subject == trusted {
				return trusted, nil
			}
		}
	}
	return "", fmt.Errorf("signer %q is not in the trusted signer list", signer)
}

func outputOf(res *process.Result) string {
	if res == nil {
		return ""
	}
	return strings.TrimSpace(res.Stdout + "\n" + res.Stderr)
}

// Compile-time interface check.
var _ Verifier = (*CosignVerifier)(nil)
