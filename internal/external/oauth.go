package external

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"

	"commercehub/internal/types"
)

// Social graph endpoints (overridable for testing).
const (
	graphAuthURL  = "https://www.facebook.com/v19.0/dialog/oauth"
	graphTokenURL = "https://graph.facebook.com/v19.0/oauth/access_token"
	graphAPIURL   = "https://graph.facebook.com/v19.0"
)

// GraphScopes is the fixed, minimal scope set requested at consent time.
var GraphScopes = []string{
	"pages_show_list",
	"pages_read_engagement",
	"instagram_basic",
	"instagram_content_publish",
}

// GraphProviderConfig holds the configuration for the social graph provider.
type GraphProviderConfig struct {
	ClientID     string
	ClientSecret types.SecretString
	RedirectURL  string
	Logger       *slog.Logger

	// Override URLs for testing
	AuthURL  string
	TokenURL string
	APIURL   string
}

// GraphProvider implements SocialGraphProvider. Code exchange goes through
// x/oauth2; page discovery calls the graph API directly. Both share one
// BaseClient so they are bounded by the same timeout and breaker.
type GraphProvider struct {
	base   *BaseClient
	oauth  *oauth2.Config
	apiURL string
	logger *slog.Logger
}

// NewGraphProvider creates a GraphProvider with a single-attempt BaseClient.
func NewGraphProvider(httpClient *http.Client, cfg GraphProviderConfig) *GraphProvider {
	base := NewBaseClient(httpClient, "graph-oauth", "CommerceHub/1.0",
		WithUnavailableCode(types.ErrCodeUpstreamIntegration))
	return NewGraphProviderWithBase(base, cfg)
}

// NewGraphProviderWithBase creates a GraphProvider with a pre-configured
// BaseClient.
func NewGraphProviderWithBase(base *BaseClient, cfg GraphProviderConfig) *GraphProvider {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &GraphProvider{
		base: base,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret.Unmask(),
			RedirectURL:  cfg.RedirectURL,
			Scopes:       GraphScopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   orDefault(cfg.AuthURL, graphAuthURL),
				TokenURL:  orDefault(cfg.TokenURL, graphTokenURL),
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		apiURL: strings.TrimSuffix(orDefault(cfg.APIURL, graphAPIURL), "/"),
		logger: logger,
	}
}

// AuthCodeURL returns the consent URL carrying client id, redirect URI,
// scopes and state.
func (p *GraphProvider) AuthCodeURL(state string) string {
	return p.oauth.AuthCodeURL(state)
}

// Exchange trades an authorization code for a user access token. A code
// the provider rejects (expired, reused, revoked consent) is
// auth_oauth_denied; transport failures keep BaseClient's mapping.
func (p *GraphProvider) Exchange(ctx context.Context, code string) (string, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.base.HTTPClient())

	token, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) {
			return "", appErr
		}
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			msg := retrieveErr.ErrorDescription
			if msg == "" {
				msg = graphErrorMessage(retrieveErr.Body)
			}
			return "", types.NewAppError(types.ErrCodeAuthOAuthDenied,
				"authorization code was rejected: "+msg, err)
		}
		return "", types.NewAppError(types.ErrCodeUpstreamIntegration, "token exchange failed", err)
	}
	if token.AccessToken == "" {
		return "", types.NewAppError(types.ErrCodeAuthOAuthDenied, "token exchange returned no access token", nil)
	}
	return token.AccessToken, nil
}

// ListPages returns the pages the user manages, in provider order.
func (p *GraphProvider) ListPages(ctx context.Context, userToken string) ([]GraphPage, error) {
	params := url.Values{}
	params.Set("fields", "id,name,access_token")

	var result graphPageList
	if err := p.get(ctx, "/me/accounts", params, userToken, &result); err != nil {
		return nil, err
	}

	pages := make([]GraphPage, 0, len(result.Data))
	for _, page := range result.Data {
		pages = append(pages, GraphPage{ID: page.ID, Name: page.Name, AccessToken: page.AccessToken})
	}
	return pages, nil
}

// LinkedContentAccount returns the content account linked to pageID, or ""
// when the page has none.
func (p *GraphProvider) LinkedContentAccount(ctx context.Context, pageID, pageToken string) (string, error) {
	params := url.Values{}
	params.Set("fields", "instagram_business_account")

	var result graphPageDetail
	if err := p.get(ctx, "/"+url.PathEscape(pageID), params, pageToken, &result); err != nil {
		return "", err
	}
	if result.ContentAccount == nil {
		return "", nil
	}
	return result.ContentAccount.ID, nil
}

func (p *GraphProvider) get(ctx context.Context, path string, params url.Values, token string, out any) error {
	reqURL := p.apiURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build graph request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := p.base.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return types.NewAppError(types.ErrCodeUpstreamIntegration, "failed to read graph response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return handleGraphError(path, resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamIntegration, "failed to decode graph response", err)
	}
	return nil
}

type graphPageList struct {
	Data []struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		AccessToken string `json:"access_token"`
	} `json:"data"`
}

type graphPageDetail struct {
	ID             string `json:"id"`
	ContentAccount *struct {
		ID string `json:"id"`
	} `json:"instagram_business_account"`
}

type graphErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// handleGraphError maps a non-200 graph response. Token and permission
// problems are the user's consent failing, everything else is the
// provider being unavailable.
func handleGraphError(path string, status int, body []byte) error {
	msg := graphErrorMessage(body)
	switch status {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return types.NewAppError(types.ErrCodeAuthOAuthDenied,
			fmt.Sprintf("graph %s rejected the token (%d): %s", path, status, msg), nil)
	default:
		return types.NewAppError(types.ErrCodeUpstreamIntegration,
			fmt.Sprintf("graph %s: unexpected response (%d): %s", path, status, msg), nil)
	}
}

func graphErrorMessage(body []byte) string {
	var parsed graphErrorResponse
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	return truncateBody(body)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

var _ SocialGraphProvider = (*GraphProvider)(nil)
