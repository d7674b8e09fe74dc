package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"nodelock/internal/config"
	apperrors "nodelock/internal/errors"
	"nodelock/internal/security"
	"nodelock/pkg/contracts/domain"
)

// RemoteRegistry delegates attestation to a registry-server over HTTPS, so
// thin clients never hold database credentials.
type RemoteRegistry struct {
	endpoint string
	apiKey   string
	client   *http.Client
	logger   *slog.Logger
}

// NewRemoteRegistry creates a registry that calls POST {url}/api/attest.
func NewRemoteRegistry(cfg config.RegistryConfig, logger *slog.Logger) (*RemoteRegistry, error) {
	if logger == nil {
		logger = slog.Default()
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		TLSHandshakeTimeout: cfg.ConnectTimeout,
		// one connection per call, closed when the call returns
		DisableKeepAlives: true,
	}
	if strings.HasPrefix(cfg.URL, "https://") {
		tlsCfg, err := security.NewClientTLSConfig(security.TLSOptions{
			CAFile:     cfg.CAFile,
			ServerName: cfg.ServerName,
			PinnedSPKI: cfg.PinnedSPKI,
		})
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsCfg
	}

	return &RemoteRegistry{
		endpoint: strings.TrimRight(cfg.URL, "/") + "/api/attest",
		apiKey:   cfg.APIKey,
		client:   &http.Client{Transport: transport},
		logger:   logger.With(slog.String("component", "registry"), slog.String("driver", config.DriverHTTPS)),
	}, nil
}

// Register implements Registry.
func (r *RemoteRegistry) Register(ctx context.Context, id domain.MachineIdentity) error {
	res, err := r.attest(ctx, id, domain.ModeRegister)
	if err != nil {
		return err
	}
	if res.Status != domain.StatusAuthorized {
		return apperrors.Query(fmt.Errorf("remote registration %s: %s", res.Status, res.Reason))
	}
	return nil
}

// Exists implements Registry.
func (r *RemoteRegistry) Exists(ctx context.Context, id domain.MachineIdentity) (bool, error) {
	res, err := r.attest(ctx, id, domain.ModeQuery)
	if err != nil {
		return false, err
	}
	switch res.Status {
	case domain.StatusAuthorized:
		return true, nil
	case domain.StatusDenied:
		return false, nil
	default:
		return false, apperrors.Query(fmt.Errorf("remote attestation indeterminate: %s", res.Reason))
	}
}

func (r *RemoteRegistry) attest(ctx context.Context, id domain.MachineIdentity, mode domain.AttestationMode) (domain.AttestationResult, error) {
	var result domain.AttestationResult

	id, err := canonical(id)
	if err != nil {
		return result, err
	}

	body, err := json.Marshal(domain.AttestRequest{CPUSerial: id.CPUBrand, MACAddress: id.MACAddress, Mode: mode})
	if err != nil {
		return result, apperrors.Query(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return result, apperrors.Transport(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if r.apiKey != "" {
		req.Header.Set("X-API-Key", r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return result, apperrors.Transport(err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return result, apperrors.Transport(err)
	}
	if resp.StatusCode != http.StatusOK {
		return result, apperrors.Query(fmt.Errorf("registry-server returned %s: %s", resp.Status, strings.TrimSpace(string(payload))))
	}
	if err := json.Unmarshal(payload, &result); err != nil {
		return result, apperrors.Query(fmt.Errorf("decode attestation result: %w", err))
	}

	r.logger.DebugContext(ctx, "remote attestation answered",
		slog.String("mode", string(mode)),
		slog.String("status", string(result.Status)))
	return result, nil
}
