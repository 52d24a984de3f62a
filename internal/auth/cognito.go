// Package auth acquires and refreshes the bearer token used for catalog
// requests.
//
// Tokens come from a Cognito user pool. Concurrent callers share one token;
// when it expires or a request is rejected with it, exactly one refresh
// runs and every waiting caller receives its result.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cip "github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider/types"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/ligustah/csda/internal/config"
	csdahttp "github.com/ligustah/csda/internal/http"
	"github.com/ligustah/csda/internal/metrics"
)

// expiryMargin is how long before its expiry a token is replaced.
const expiryMargin = time.Minute

// loginTimeout bounds a shared login round trip.
const loginTimeout = 30 * time.Second

// InitiateAuthAPI is the subset of the Cognito client used here.
type InitiateAuthAPI interface {
	InitiateAuth(ctx context.Context, params *cip.InitiateAuthInput, optFns ...func(*cip.Options)) (*cip.InitiateAuthOutput, error)
}

// Source is a csdahttp.TokenSource backed by Cognito.
type Source struct {
	api      InitiateAuthAPI
	clientID string
	username string
	password string
	metrics  *metrics.Metrics
	now      func() time.Time

	group singleflight.Group

	mu      sync.RWMutex
	token   string
	refresh string
	expires time.Time
}

// NewCognitoSource creates a Source talking to the Cognito user pool
// described by settings.
func NewCognitoSource(settings config.Settings, m *metrics.Metrics) *Source {
	api := cip.New(cip.Options{
		Region:           settings.CognitoRegion,
		Credentials:      aws.AnonymousCredentials{},
		RetryMaxAttempts: settings.Retry.Attempts,
	})
	return NewSource(api, settings.CognitoClientID, settings.Username, settings.Password, m)
}

// NewSource creates a Source using api for the login round trips.
func NewSource(api InitiateAuthAPI, clientID, username, password string, m *metrics.Metrics) *Source {
	return &Source{
		api:      api,
		clientID: clientID,
		username: username,
		password: password,
		metrics:  m,
		now:      time.Now,
	}
}

// Token returns a valid access token, logging in if needed.
func (s *Source) Token(ctx context.Context) (string, error) {
	if token, ok := s.cached(); ok {
		return token, nil
	}

	// The login outlives the caller that started it; every caller waits
	// on its own ctx.
	ch := s.group.DoChan("token", func() (any, error) {
		// Another caller may have refreshed while we waited for the group.
		if token, ok := s.cached(); ok {
			return token, nil
		}
		loginCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loginTimeout)
		defer cancel()
		return s.renew(loginCtx)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// Invalidate drops token if it is still the current one. Stale tokens from
// requests that raced a refresh are ignored so a burst of 401s causes a
// single refresh.
func (s *Source) Invalidate(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == token {
		s.token = ""
		s.expires = time.Time{}
	}
}

func (s *Source) cached() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token != "" && s.now().Add(expiryMargin).Before(s.expires) {
		return s.token, true
	}
	return "", false
}

func (s *Source) renew(ctx context.Context) (string, error) {
	s.mu.RLock()
	refresh := s.refresh
	s.mu.RUnlock()

	if refresh != "" {
		token, err := s.initiate(ctx, types.AuthFlowTypeRefreshTokenAuth, map[string]string{
			"REFRESH_TOKEN": refresh,
		})
		if err == nil {
			return token, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		// The refresh token itself may have expired; fall back to a full login.
	}

	return s.initiate(ctx, types.AuthFlowTypeUserPasswordAuth, map[string]string{
		"USERNAME": s.username,
		"PASSWORD": s.password,
	})
}

func (s *Source) initiate(ctx context.Context, flow types.AuthFlowType, params map[string]string) (string, error) {
	s.metrics.TokenRefreshed()

	out, err := s.api.InitiateAuth(ctx, &cip.InitiateAuthInput{
		AuthFlow:       flow,
		ClientId:       aws.String(s.clientID),
		AuthParameters: params,
	})
	if err != nil {
		var notAuthorized *types.NotAuthorizedException
		var userNotFound *types.UserNotFoundException
		if errors.As(err, &notAuthorized) || errors.As(err, &userNotFound) {
			return "", fmt.Errorf("%w: login rejected for %q", csdahttp.ErrUnauthorized, s.username)
		}
		return "", fmt.Errorf("initiate auth: %w", err)
	}
	if out.ChallengeName != "" {
		return "", fmt.Errorf("%w: unsupported auth challenge %s", csdahttp.ErrUnauthorized, out.ChallengeName)
	}
	result := out.AuthenticationResult
	if result == nil || aws.ToString(result.AccessToken) == "" {
		return "", fmt.Errorf("%w: empty authentication result", csdahttp.ErrMalformedResponse)
	}

	token := aws.ToString(result.AccessToken)
	expires := tokenExpiry(token)
	if expires.IsZero() {
		expires = s.now().Add(time.Duration(result.ExpiresIn) * time.Second)
	}

	s.mu.Lock()
	s.token = token
	s.expires = expires
	if rt := aws.ToString(result.RefreshToken); rt != "" {
		s.refresh = rt
	}
	s.mu.Unlock()

	return token, nil
}

// tokenExpiry reads the exp claim without verifying the signature; the
// catalog verifies it, we only need to know when to replace it.
func tokenExpiry(token string) time.Time {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, &jwt.RegisteredClaims{})
	if err != nil {
		return time.Time{}
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
