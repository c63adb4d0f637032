package providers

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/term"

	"github.com/berthojoris/llm-rotator-proxy/pkg/credential"
)

const (
	deviceGrantType = "urn:ietf:params:oauth:grant-type:device_code"
	maxPollInterval = 10 * time.Second
)

// deviceCodeResponse is the device authorization endpoint's reply.
type deviceCodeResponse struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	ExpiresIn               int64  `json:"expires_in"`
	Interval                int64  `json:"interval"`
}

type pollError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// deviceFlow runs the RFC 8628 device-code flow with PKCE. All
// environment interactions (browser, stdout, prompts) are injectable so
// tests can run the flow headlessly against httptest servers.
type deviceFlow struct {
	client      *http.Client
	stdout      io.Writer
	stdin       io.Reader
	openBrowser func(url string) error
	headless    func() bool
	electron    func() bool
	sleep       func(ctx context.Context, d time.Duration) error
	now         func() time.Time
}

func newDeviceFlow() *deviceFlow {
	return &deviceFlow{
		client:      &http.Client{Timeout: 30 * time.Second},
		stdout:      os.Stdout,
		stdin:       os.Stdin,
		openBrowser: openBrowser,
		headless:    IsHeadless,
		electron:    func() bool { return os.Getenv("ELECTRON_OAUTH_MODE") == "1" },
		sleep:       sleepCtx,
		now:         time.Now,
	}
}

// Run performs the device flow against a custom endpoint and merges the
// resulting token set into doc.
func (f *deviceFlow) Run(ctx context.Context, ep Endpoint, doc *credential.Document, display string) error {
	verifier, challenge, err := pkcePair()
	if err != nil {
		return err
	}

	form := url.Values{}
	form.Set("client_id", ep.ClientID)
	form.Set("scope", ep.Scope)
	form.Set("code_challenge", challenge)
	form.Set("code_challenge_method", "S256")

	dev, err := f.requestDeviceCode(ctx, ep.DeviceAuthURL, form)
	if err != nil {
		return err
	}

	f.announce(dev.VerificationURIComplete, display)

	tok, err := f.poll(ctx, ep, dev, verifier)
	if err != nil {
		return err
	}

	doc.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		doc.RefreshToken = tok.RefreshToken
	}
	if tok.ExpiresIn > 0 {
		doc.ExpiryDate = f.now().Add(time.Duration(tok.ExpiresIn) * time.Second).UnixMilli()
	}
	if tok.ResourceURL != "" {
		doc.ResourceURL = tok.ResourceURL
	}
	if tok.Scope != "" {
		doc.Scope = tok.Scope
	}
	return nil
}

// RunGoogle performs the device flow through golang.org/x/oauth2.
func (f *deviceFlow) RunGoogle(ctx context.Context, cfg *oauth2.Config, doc *credential.Document, display string) error {
	verifier := oauth2.GenerateVerifier()

	dev, err := cfg.DeviceAuth(ctx, oauth2.S256ChallengeOption(verifier))
	if err != nil {
		return fmt.Errorf("device authorization: %w", err)
	}

	uri := dev.VerificationURIComplete
	if uri == "" {
		uri = fmt.Sprintf("%s?user_code=%s", dev.VerificationURI, dev.UserCode)
	}
	f.announce(uri, display)

	tok, err := cfg.DeviceAccessToken(ctx, dev, oauth2.VerifierOption(verifier))
	if err != nil {
		return fmt.Errorf("device token poll: %w", err)
	}

	doc.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		doc.RefreshToken = tok.RefreshToken
	}
	if !tok.Expiry.IsZero() {
		doc.ExpiryDate = tok.Expiry.UnixMilli()
	}
	return nil
}

func (f *deviceFlow) requestDeviceCode(ctx context.Context, endpoint string, form url.Values) (*deviceCodeResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create device code request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("device code request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("device code request failed: HTTP %d: %s", resp.StatusCode, string(body))
	}
	var dev deviceCodeResponse
	if err := json.Unmarshal(body, &dev); err != nil {
		return nil, fmt.Errorf("parse device code response: %w", err)
	}
	if dev.DeviceCode == "" {
		return nil, fmt.Errorf("device code response missing device_code")
	}
	return &dev, nil
}

// announce shows the verification URL. In Electron mode the URL is
// printed in the OAUTH_URL protocol line and the browser is left to the
// wrapper; in a headless environment the user opens it elsewhere.
func (f *deviceFlow) announce(uri, display string) {
	fmt.Fprintf(f.stdout, "Authorize %s by visiting:\n  %s\n", display, uri)
	switch {
	case f.electron():
		fmt.Fprintf(f.stdout, "OAUTH_URL:%s\n", uri)
	case f.headless():
		fmt.Fprintln(f.stdout, "No display detected; open the URL in a browser on another machine.")
	default:
		if err := f.openBrowser(uri); err != nil {
			fmt.Fprintf(f.stdout, "Could not open a browser automatically (%v); open the URL manually.\n", err)
		}
	}
}

// poll polls the token endpoint at the server-indicated interval until
// the grant is approved, honoring authorization_pending and slow_down
// (interval x1.5 capped at 10s). The server's expires_in bounds the
// whole wait.
func (f *deviceFlow) poll(ctx context.Context, ep Endpoint, dev *deviceCodeResponse, verifier string) (*tokenResponse, error) {
	interval := time.Duration(dev.Interval) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	deadline := f.now().Add(time.Duration(dev.ExpiresIn) * time.Second)

	form := url.Values{}
	form.Set("grant_type", deviceGrantType)
	form.Set("device_code", dev.DeviceCode)
	form.Set("client_id", ep.ClientID)
	form.Set("code_verifier", verifier)

	for f.now().Before(deadline) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.TokenURL, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, fmt.Errorf("create token poll request: %w", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")

		resp, err := f.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("token poll: %w", err)
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		_ = resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK:
			var tok tokenResponse
			if err := json.Unmarshal(body, &tok); err != nil {
				return nil, fmt.Errorf("parse token response: %w", err)
			}
			return &tok, nil

		case http.StatusBadRequest:
			var perr pollError
			_ = json.Unmarshal(body, &perr)
			switch perr.Error {
			case "authorization_pending":
			case "slow_down":
				interval = time.Duration(float64(interval) * 1.5)
				if interval > maxPollInterval {
					interval = maxPollInterval
				}
			default:
				return nil, fmt.Errorf("device flow rejected: %s (%s)", perr.Error, perr.ErrorDescription)
			}

		default:
			return nil, fmt.Errorf("token poll failed: HTTP %d: %s", resp.StatusCode, string(body))
		}

		if err := f.sleep(ctx, interval); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("device flow timed out after %ds", dev.ExpiresIn)
}

// promptEmail asks for an identity email after a successful flow. The
// prompt is skipped without a terminal; deduplication then treats the
// credential as unique.
func (f *deviceFlow) promptEmail(display string) string {
	file, isFile := f.stdin.(*os.File)
	if isFile && !term.IsTerminal(int(file.Fd())) {
		return ""
	}
	fmt.Fprintf(f.stdout, "Enter an email or unique identifier for %s (optional): ", display)
	reader := bufio.NewReader(f.stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return ""
	}
	return strings.TrimSpace(line)
}

func pkcePair() (verifier, challenge string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("generate PKCE verifier: %w", err)
	}
	verifier = base64.RawURLEncoding.EncodeToString(raw)
	sum := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(sum[:])
	return verifier, challenge, nil
}

func openBrowser(target string) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", target).Start()
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", target).Start()
	default:
		return exec.Command("xdg-open", target).Start()
	}
}
