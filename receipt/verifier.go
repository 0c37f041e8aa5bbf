package receipt

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"ProPass/metrics"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	EnvironmentProduction = "Production"
	EnvironmentSandbox    = "Sandbox"

	DefaultTimeout = 30 * time.Second

	maxResponseBytes = 4 << 20
)

// Config for the verifier
type Config struct {
	ProductionURL string
	SandboxURL    string
	SharedSecret  string
	Timeout       time.Duration
	RatePerSecond float64
	HTTPClient    *http.Client
	Now           func() time.Time
}

// Verifier posts receipts to the external verification service.
// It never touches persisted state.
type Verifier struct {
	productionURL string
	sandboxURL    string
	sharedSecret  string
	timeout       time.Duration
	httpClient    *http.Client
	limiter       *rate.Limiter
	now           func() time.Time
}

func NewVerifier(cfg Config) *Verifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	limit := rate.Inf
	burst := 1
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
		burst = int(cfg.RatePerSecond) + 1
	}

	return &Verifier{
		productionURL: cfg.ProductionURL,
		sandboxURL:    cfg.SandboxURL,
		sharedSecret:  cfg.SharedSecret,
		timeout:       cfg.Timeout,
		httpClient:    cfg.HTTPClient,
		limiter:       rate.NewLimiter(limit, burst),
		now:           cfg.Now,
	}
}

// Verify sends the raw receipt to production first and retries against sandbox only
// when production reports a sandbox receipt. All failures are *VerificationError.
func (v *Verifier) Verify(ctx context.Context, receiptBlob []byte) (*VerifiedReceipt, error) {
	logger := zerolog.Ctx(ctx)

	if len(receiptBlob) == 0 {
		return nil, &VerificationError{Kind: KindMalformedReceipt, Err: errors.New("empty receipt")}
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	body, err := json.Marshal(verifyRequest{
		ReceiptData:            base64.StdEncoding.EncodeToString(receiptBlob),
		Password:               v.sharedSecret,
		ExcludeOldTransactions: false,
	})
	if err != nil {
		return nil, &VerificationError{Kind: KindMalformedReceipt, Err: err}
	}

	environment := EnvironmentProduction
	resp, err := v.post(ctx, v.productionURL, environment, body)
	if err != nil {
		return nil, err
	}

	if resp.Status == StatusSandboxReceipt {
		logger.Info().Msg("Receipt belongs to sandbox, retrying against sandbox verifier")
		environment = EnvironmentSandbox
		resp, err = v.post(ctx, v.sandboxURL, environment, body)
		if err != nil {
			return nil, err
		}
	}

	if resp.Status != StatusOK {
		verr := errorForStatus(resp.Status)
		if verr.Kind == KindEnvironmentMismatch {
			// never surfaced; a second mismatch means the receipt is unusable
			verr.Kind = KindRejected
		}
		if verr.Kind == KindAlreadyExpired {
			if txs, _ := NormalizeAll(resp.LatestReceiptInfo); len(txs) > 0 {
				latest, _ := Latest(txs)
				verr.ExpiresAt = latest.ExpiresAt
			}
		}
		logger.Warn().
			Int("status", resp.Status).
			Str("environment", environment).
			Str("kind", string(verr.Kind)).
			Msg("Verifier rejected receipt")
		return nil, verr
	}

	txs, parseErrs := NormalizeAll(resp.LatestReceiptInfo)
	for _, perr := range parseErrs {
		logger.Warn().Err(perr).Msg("Skipping unusable receipt entry")
	}
	current, ok := Latest(txs)
	if !ok {
		return nil, &VerificationError{Kind: KindNoSubscriptionFound}
	}

	if current.ExpiresAt != nil && !current.ExpiresAt.After(v.now()) {
		return nil, &VerificationError{Kind: KindAlreadyExpired, ExpiresAt: current.ExpiresAt}
	}

	if resp.Environment != "" {
		environment = resp.Environment
	}

	return &VerifiedReceipt{
		Environment:     environment,
		Current:         current,
		Transactions:    txs,
		PendingRenewals: NormalizeRenewals(resp.PendingRenewalInfo),
	}, nil
}

// post sends one verification request and decodes the response.
func (v *Verifier) post(ctx context.Context, verifyURL, environment string, body []byte) (*verifyResponse, error) {
	logger := zerolog.Ctx(ctx)

	if err := v.limiter.Wait(ctx); err != nil {
		metrics.VerifierRequestsTotal.WithLabelValues(environment, string(KindTimeout)).Inc()
		return nil, &VerificationError{Kind: KindTimeout, Err: fmt.Errorf("rate limit wait failed: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, verifyURL, bytes.NewReader(body))
	if err != nil {
		return nil, &VerificationError{Kind: KindUnreachable, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := v.httpClient.Do(req)
	metrics.VerifierDuration.WithLabelValues(environment).Observe(time.Since(start).Seconds())
	if err != nil {
		kind := KindUnreachable
		if isTimeout(err) {
			kind = KindTimeout
		}
		metrics.VerifierRequestsTotal.WithLabelValues(environment, string(kind)).Inc()
		logger.Warn().Err(err).Str("environment", environment).Msg("Verifier request failed")
		return nil, &VerificationError{Kind: kind, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.VerifierRequestsTotal.WithLabelValues(environment, string(KindUnreachable)).Inc()
		return nil, &VerificationError{
			Kind: KindUnreachable,
			Err:  fmt.Errorf("verifier returned HTTP %d", resp.StatusCode),
		}
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		kind := KindUnreachable
		if isTimeout(err) {
			kind = KindTimeout
		}
		metrics.VerifierRequestsTotal.WithLabelValues(environment, string(kind)).Inc()
		return nil, &VerificationError{Kind: kind, Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	var decoded verifyResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		metrics.VerifierRequestsTotal.WithLabelValues(environment, string(KindUnreachable)).Inc()
		return nil, &VerificationError{Kind: KindUnreachable, Err: fmt.Errorf("failed to parse verification response: %w", err)}
	}

	result := "ok"
	if decoded.Status != StatusOK {
		result = fmt.Sprintf("status_%d", decoded.Status)
	}
	metrics.VerifierRequestsTotal.WithLabelValues(environment, result).Inc()
	return &decoded, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// MaskSecretValue keeps only the edges of a secret for logging.
func MaskSecretValue(value string) string {
	if value == "" {
		return "[empty]"
	}

	if len(value) <= 8 {
		return "****"
	}

	return value[:4] + "****" + value[len(value)-4:]
}
