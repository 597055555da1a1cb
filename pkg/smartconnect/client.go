// Package smartconnect is a minimal Angel One SmartAPI REST client covering
// session management and the historical candle route.
//
// Usage example:
//
//	sc := smartconnect.NewSmartConnect(smartconnect.Config{APIKey: "your_api_key"})
//	if _, err := sc.GenerateSession(ctx, "CLIENTID", "PASSWORD", "TOTP"); err != nil {
//		log.Fatal(err)
//	}
//	rows, err := sc.GetCandleData(ctx, smartconnect.CandleParams{
//		Exchange: "NSE", SymbolToken: "99926000", Interval: "FIVE_MINUTE",
//		FromDate: from, ToDate: to,
//	})
package smartconnect

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// ErrTokenExpired is returned when the API rejects the session token.
var ErrTokenExpired = errors.New("smartconnect: session token expired")

// ---- Config & client ----

type Config struct {
	APIKey       string
	AccessToken  string
	RefreshToken string
	FeedToken    string

	RootURL        string        // default: https://apiconnect.angelone.in
	Debug          bool          // log request/response bodies
	Timeout        time.Duration // default: 7s
	ProxyURL       string        // optional HTTP proxy URL
	DisableSSL     bool          // if true, InsecureSkipVerify
	UserType       string        // default: USER
	SourceID       string        // default: WEB
	ClientPublicIP string        // default resolved, else 106.193.147.98
	ClientLocalIP  string        // default resolved, else 127.0.0.1
	ClientMAC      string        // default from interface MAC
}

type SmartConnect struct {
	apiKey  string
	rootURL string
	debug   bool

	httpClient *http.Client

	userType       string
	sourceID       string
	clientPublicIP string
	clientLocalIP  string
	clientMAC      string

	mu           sync.RWMutex
	accessToken  string
	refreshToken string
	feedToken    string
	userID       string
}

const (
	defaultRoot = "https://apiconnect.angelone.in"

	// DateLayout is the API's "fromdate"/"todate" format (exchange local time).
	DateLayout = "2006-01-02 15:04"
)

var routes = map[string]string{
	"api.login":        "/rest/auth/angelbroking/user/v1/loginByPassword",
	"api.logout":       "/rest/secure/angelbroking/user/v1/logout",
	"api.refresh":      "/rest/auth/angelbroking/jwt/v1/generateTokens",
	"api.user.profile": "/rest/secure/angelbroking/user/v1/getProfile",
	"api.candle.data":  "/rest/secure/angelbroking/historical/v1/getCandleData",
}

// GetPublicIP asks ipify for the caller's public address.
func GetPublicIP(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://api.ipify.org?format=text", nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	ip, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(ip), nil
}

// GetLocalIP finds the first non-loopback IPv4 address.
func GetLocalIP() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}
	for _, address := range addrs {
		if ipNet, ok := address.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String(), nil
			}
		}
	}
	return "", fmt.Errorf("no local IP found")
}

// NewSmartConnect initializes the client. Client IPs are resolved only when
// not configured.
func NewSmartConnect(cfg Config) *SmartConnect {
	if cfg.RootURL == "" {
		cfg.RootURL = defaultRoot
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 7 * time.Second
	}
	if cfg.UserType == "" {
		cfg.UserType = "USER"
	}
	if cfg.SourceID == "" {
		cfg.SourceID = "WEB"
	}
	if cfg.ClientLocalIP == "" {
		localIP, err := GetLocalIP()
		if err != nil {
			log.Printf("[smartconnect] local IP: %v", err)
		}
		cfg.ClientLocalIP = firstNonEmpty(localIP, "127.0.0.1")
	}
	if cfg.ClientPublicIP == "" {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		publicIP, err := GetPublicIP(ctx)
		cancel()
		if err != nil {
			log.Printf("[smartconnect] public IP: %v", err)
		}
		cfg.ClientPublicIP = firstNonEmpty(publicIP, "106.193.147.98")
	}
	if cfg.ClientMAC == "" {
		cfg.ClientMAC = getMACFallback()
	}

	tr := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: cfg.DisableSSL,
		},
	}
	if cfg.ProxyURL != "" {
		if purl, err := url.Parse(cfg.ProxyURL); err == nil {
			tr.Proxy = http.ProxyURL(purl)
		}
	}

	return &SmartConnect{
		apiKey:         cfg.APIKey,
		rootURL:        strings.TrimRight(cfg.RootURL, "/"),
		debug:          cfg.Debug,
		httpClient:     &http.Client{Transport: tr, Timeout: cfg.Timeout},
		userType:       cfg.UserType,
		sourceID:       cfg.SourceID,
		clientPublicIP: cfg.ClientPublicIP,
		clientLocalIP:  cfg.ClientLocalIP,
		clientMAC:      cfg.ClientMAC,
		accessToken:    cfg.AccessToken,
		refreshToken:   cfg.RefreshToken,
		feedToken:      cfg.FeedToken,
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func getMACFallback() string {
	ifs, _ := net.Interfaces()
	for _, ifc := range ifs {
		if len(ifc.HardwareAddr) > 0 {
			return ifc.HardwareAddr.String()
		}
	}
	return "00:11:22:33:44:55"
}

// ---- Helpers ----

func (sc *SmartConnect) requestHeaders() http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json")
	h.Set("X-ClientLocalIP", sc.clientLocalIP)
	h.Set("X-ClientPublicIP", sc.clientPublicIP)
	h.Set("X-MACAddress", sc.clientMAC)
	h.Set("X-PrivateKey", sc.apiKey)
	h.Set("X-UserType", sc.userType)
	h.Set("X-SourceID", sc.sourceID)
	if tok := sc.AccessToken(); tok != "" {
		h.Set("Authorization", "Bearer "+tok)
	}
	return h
}

// response is the envelope every SmartAPI route returns.
type response struct {
	Status    bool            `json:"status"`
	Message   string          `json:"message"`
	ErrorCode string          `json:"errorcode"`
	ErrorType string          `json:"error_type"`
	Data      json.RawMessage `json:"data"`
}

func (sc *SmartConnect) doRequest(ctx context.Context, method, route string, params map[string]any) (*response, error) {
	uri, ok := routes[route]
	if !ok {
		return nil, fmt.Errorf("unknown route: %s", route)
	}
	reqURL := sc.rootURL + uri

	var body io.Reader
	if method == http.MethodGet {
		if len(params) > 0 {
			q := url.Values{}
			for k, v := range params {
				q.Set(k, fmt.Sprint(v))
			}
			reqURL += "?" + q.Encode()
		}
	} else {
		if params == nil {
			params = map[string]any{}
		}
		b, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, err
	}
	req.Header = sc.requestHeaders()

	if sc.debug {
		log.Printf("[smartconnect] request: %s %s", method, reqURL)
	}

	resp, err := sc.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, route, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if sc.debug {
		log.Printf("[smartconnect] response: code=%d body=%s", resp.StatusCode, string(raw))
	}

	var out response
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("couldn't parse JSON response (status %d): %w", resp.StatusCode, err)
	}
	if out.ErrorType == "TokenException" || (resp.StatusCode == http.StatusForbidden && out.ErrorType != "") {
		return &out, fmt.Errorf("%w: %s", ErrTokenExpired, out.Message)
	}
	if out.ErrorType != "" {
		return &out, fmt.Errorf("%s: %s", out.ErrorType, out.Message)
	}
	if !out.Status {
		return &out, fmt.Errorf("%s failed: %s (%s)", route, out.Message, out.ErrorCode)
	}
	return &out, nil
}

// ---- Tokens ----

func (sc *SmartConnect) AccessToken() string {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.accessToken
}

func (sc *SmartConnect) UserID() string {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.userID
}

func (sc *SmartConnect) setTokens(access, refresh, feed string) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if access != "" {
		sc.accessToken = access
	}
	if refresh != "" {
		sc.refreshToken = refresh
	}
	if feed != "" {
		sc.feedToken = feed
	}
}

type tokenSet struct {
	JWTToken     string `json:"jwtToken"`
	RefreshToken string `json:"refreshToken"`
	FeedToken    string `json:"feedToken"`
}

// ---- Session ----

// GenerateSession logs in with client code, password and the current TOTP
// and stores the returned tokens. It returns the client code of the profile.
func (sc *SmartConnect) GenerateSession(ctx context.Context, clientCode, password, totp string) (string, error) {
	res, err := sc.doRequest(ctx, http.MethodPost, "api.login", map[string]any{
		"clientcode": clientCode,
		"password":   password,
		"totp":       totp,
	})
	if err != nil {
		return "", fmt.Errorf("login: %w", err)
	}
	var tok tokenSet
	if err := json.Unmarshal(res.Data, &tok); err != nil || tok.JWTToken == "" {
		return "", errors.New("unexpected login response format")
	}
	sc.setTokens(tok.JWTToken, tok.RefreshToken, tok.FeedToken)

	prof, err := sc.doRequest(ctx, http.MethodGet, "api.user.profile", map[string]any{"refreshToken": tok.RefreshToken})
	if err != nil {
		return "", fmt.Errorf("profile: %w", err)
	}
	var p struct {
		ClientCode string `json:"clientcode"`
	}
	if err := json.Unmarshal(prof.Data, &p); err == nil && p.ClientCode != "" {
		sc.mu.Lock()
		sc.userID = p.ClientCode
		sc.mu.Unlock()
	}
	return sc.UserID(), nil
}

// RenewAccessToken exchanges the refresh token for a new access token.
func (sc *SmartConnect) RenewAccessToken(ctx context.Context) error {
	sc.mu.RLock()
	params := map[string]any{"jwtToken": sc.accessToken, "refreshToken": sc.refreshToken}
	sc.mu.RUnlock()

	res, err := sc.doRequest(ctx, http.MethodPost, "api.refresh", params)
	if err != nil {
		return fmt.Errorf("renew token: %w", err)
	}
	var tok tokenSet
	if err := json.Unmarshal(res.Data, &tok); err != nil {
		return fmt.Errorf("renew token: %w", err)
	}
	if tok.JWTToken == "" {
		return errors.New("renew token: response carries no access token")
	}
	sc.setTokens(tok.JWTToken, tok.RefreshToken, tok.FeedToken)
	return nil
}

// TerminateSession logs the client out and forgets the tokens.
func (sc *SmartConnect) TerminateSession(ctx context.Context) error {
	_, err := sc.doRequest(ctx, http.MethodPost, "api.logout", map[string]any{"clientcode": sc.UserID()})
	if err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	sc.mu.Lock()
	sc.accessToken, sc.refreshToken, sc.feedToken = "", "", ""
	sc.mu.Unlock()
	return nil
}

// ---- Market data ----

// CandleParams selects one historical candle request.
type CandleParams struct {
	Exchange    string
	SymbolToken string
	Interval    string // ONE_MINUTE, FIVE_MINUTE, ... ONE_DAY
	FromDate    time.Time
	ToDate      time.Time
}

// CandleRow is one [timestamp, open, high, low, close, volume] entry.
type CandleRow struct {
	TS     time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume int64
}

// GetCandleData fetches historical candles. Dates are formatted in the
// location of FromDate/ToDate.
func (sc *SmartConnect) GetCandleData(ctx context.Context, p CandleParams) ([]CandleRow, error) {
	res, err := sc.doRequest(ctx, http.MethodPost, "api.candle.data", map[string]any{
		"exchange":    p.Exchange,
		"symboltoken": p.SymbolToken,
		"interval":    p.Interval,
		"fromdate":    p.FromDate.Format(DateLayout),
		"todate":      p.ToDate.Format(DateLayout),
	})
	if err != nil {
		return nil, err
	}
	if len(res.Data) == 0 || string(res.Data) == "null" {
		return nil, nil
	}

	var raw [][]json.RawMessage
	if err := json.Unmarshal(res.Data, &raw); err != nil {
		return nil, fmt.Errorf("candle data: %w", err)
	}
	rows := make([]CandleRow, 0, len(raw))
	for i, r := range raw {
		row, err := parseCandleRow(r)
		if err != nil {
			return nil, fmt.Errorf("candle row %d: %w", i, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func parseCandleRow(r []json.RawMessage) (CandleRow, error) {
	if len(r) < 6 {
		return CandleRow{}, fmt.Errorf("expected 6 fields, got %d", len(r))
	}
	var ts string
	if err := json.Unmarshal(r[0], &ts); err != nil {
		return CandleRow{}, err
	}
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return CandleRow{}, err
	}
	row := CandleRow{TS: t}
	for i, dst := range []*float64{&row.Open, &row.High, &row.Low, &row.Close} {
		if err := json.Unmarshal(r[i+1], dst); err != nil {
			return CandleRow{}, err
		}
	}
	var vol float64
	if err := json.Unmarshal(r[5], &vol); err != nil {
		return CandleRow{}, err
	}
	row.Volume = int64(vol)
	return row, nil
}
