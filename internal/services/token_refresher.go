package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/JuluruAkhil/ingestion-service/internal/auth"
	"github.com/JuluruAkhil/ingestion-service/pkg/config"
)

// TokenRefresher renews the upstream API credential once at startup and then
// on a long fixed interval. It is fail-stop: without a valid credential no
// fetch can succeed, so any renewal failure terminates the process rather
// than letting the service grind through endless failed cycles.
type TokenRefresher struct {
	client     *http.Client
	baseURL    string
	clientID   string
	tokens     *auth.TokenStore
	interval   time.Duration
	logger     *logrus.Entry
	inProgress atomic.Bool

	// exit is os.Exit in production; injectable for tests.
	exit func(code int)
}

// NewTokenRefresher creates a new credential refresher
func NewTokenRefresher(cfg *config.DhanConfig, tokens *auth.TokenStore, logger *logrus.Logger) *TokenRefresher {
	return &TokenRefresher{
		client: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		clientID: cfg.ClientID,
		tokens:   tokens,
		interval: cfg.RenewalInterval,
		logger:   logger.WithField("component", "token-refresher"),
		exit:     os.Exit,
	}
}

// Start renews the token immediately, then keeps renewing on the configured
// interval until ctx is canceled.
func (r *TokenRefresher) Start(ctx context.Context) {
	r.renew(ctx)

	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.renew(ctx)
			}
		}
	}()
}

func (r *TokenRefresher) renew(ctx context.Context) {
	if !r.inProgress.CompareAndSwap(false, true) {
		return
	}
	defer r.inProgress.Store(false)
	r.renewTokenOrStop(ctx)
}

func (r *TokenRefresher) renewTokenOrStop(ctx context.Context) {
	token := r.tokens.Get()
	if token == "" {
		r.stopService("Missing DhanHQ access token")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/RenewToken", nil)
	if err != nil {
		r.stopService(fmt.Sprintf("DhanHQ RenewToken request failed (%v)", err))
		return
	}
	req.Header.Set("access-token", token)
	req.Header.Set("dhanClientId", r.clientID)
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		r.stopService(fmt.Sprintf("DhanHQ RenewToken failed (%v)", err))
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		r.stopService(fmt.Sprintf("DhanHQ RenewToken failed (%v)", err))
		return
	}

	if resp.StatusCode != http.StatusOK {
		r.stopService(fmt.Sprintf("DhanHQ RenewToken returned status=%d", resp.StatusCode))
		return
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		r.stopService(fmt.Sprintf("DhanHQ RenewToken returned unparseable body (%v)", err))
		return
	}

	newToken := extractAccessToken(payload)
	if newToken == "" {
		r.stopService("DhanHQ RenewToken response missing access token")
		return
	}

	r.tokens.Set(newToken)
	r.logger.Info("DhanHQ access token refreshed")
}

// extractAccessToken accepts the renewed token under any of the field names
// the endpoint has been seen to use.
func extractAccessToken(body map[string]interface{}) string {
	for _, key := range []string{"accessToken", "access-token", "token"} {
		if value, ok := body[key]; ok && value != nil {
			if s, ok := value.(string); ok && strings.TrimSpace(s) != "" {
				return s
			}
		}
	}
	return ""
}

func (r *TokenRefresher) stopService(reason string) {
	r.logger.Error(reason + "; you need to update the token from https://web.dhan.co/index/profile")
	r.exit(1)
}
