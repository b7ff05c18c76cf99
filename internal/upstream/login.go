package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"time"

	stealth "github.com/anatolykoptev/go-stealth"
	"github.com/anatolykoptev/go-stealth/ratelimit"
	"github.com/pquerna/otp/totp"

	"github.com/anatolykoptev/xgate/internal/captcha"
	"github.com/anatolykoptev/xgate/internal/credstore"
	"github.com/anatolykoptev/xgate/internal/mail"
)

// arkosePublicKey is the upstream's well-known FunCaptcha public key for
// login flows.
const arkosePublicKey = "0152B4EB-D2DC-460A-89A1-629838B529C9"

// FailureKind classifies how a login attempt ended.
type FailureKind int

const (
	// FailTransient: network blip during a step; retryable within the flow's
	// own budget.
	FailTransient FailureKind = iota
	// FailProtocol: the upstream answered with an errors[] payload.
	FailProtocol
	// FailFatal: deny subtask, unknown subtask, or exhausted 2FA retries.
	// The account is excluded until operator reset.
	FailFatal
)

// LoginError carries the failure taxonomy out of the state machine.
type LoginError struct {
	Kind    FailureKind
	Subtask string
	Err     error
}

func (e *LoginError) Error() string {
	if e.Subtask != "" {
		return fmt.Sprintf("login subtask %s: %v", e.Subtask, e.Err)
	}
	return fmt.Sprintf("login: %v", e.Err)
}

func (e *LoginError) Unwrap() error { return e.Err }

// IsFatalLogin reports whether err marks the account as permanently failed.
func IsFatalLogin(err error) bool {
	var le *LoginError
	if errors.As(err, &le) {
		return le.Kind == FailFatal
	}
	return false
}

// IsArkoseError reports whether err stems from an Arkose challenge the flow
// could not clear. The pool pauses 5s before the next candidate on these.
func IsArkoseError(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "arkose")
}

// LoginConfig wires the collaborators of the state machine.
type LoginConfig struct {
	Mail         mail.CodeFetcher         // confirmation codes for LoginAcid
	Solver       captcha.Solver           // optional Arkose solver
	TxSource     TransactionIDSource      // optional x-client-transaction-id
	HTTPTimeout  time.Duration
	GuestTimeout time.Duration
	RateLimit    ratelimit.Config
}

// LoginFlow drives the upstream's onboarding task flow to turn credentials
// into a warm session.
type LoginFlow struct {
	cfg          LoginConfig
	newTransport func(proxy string, profile stealth.BrowserProfile, timeout time.Duration) (Transport, error)
}

// NewLoginFlow builds the flow with the stealth transport factory.
func NewLoginFlow(cfg LoginConfig) *LoginFlow {
	return &LoginFlow{cfg: cfg, newTransport: NewTransport}
}

// profileFor assigns a stable browser profile per username.
func profileFor(username string) stealth.BrowserProfile {
	h := fnv.New32a()
	h.Write([]byte(username))
	return stealth.BuiltinProfiles[int(h.Sum32())%len(stealth.BuiltinProfiles)]
}

// Establish produces a warm session for the account, preferring the
// pre-seeded auth token and falling back to the interactive flow. A failed
// token path clears acct.AuthToken in place so the caller persists it.
func (f *LoginFlow) Establish(ctx context.Context, acct *credstore.Account, proxy string) (*Session, error) {
	profile := profileFor(acct.Username)
	tr, err := f.newTransport(proxy, profile, f.cfg.HTTPTimeout)
	if err != nil {
		return nil, fmt.Errorf("transport for %s: %w", acct.Username, err)
	}

	if acct.AuthToken != "" {
		sess, tokenErr := f.loginWithToken(ctx, tr, acct, proxy, profile.UserAgent)
		if tokenErr == nil {
			slog.Info("session restored from auth token", slog.String("user", acct.Username))
			return sess, nil
		}
		slog.Warn("auth token login failed, falling back to interactive flow",
			slog.String("user", acct.Username), slog.Any("error", tokenErr))
		acct.AuthToken = ""
	}

	return f.interactiveLogin(ctx, tr, acct, proxy, profile.UserAgent)
}

// loginWithToken installs the seeded session cookie, fetches the home page
// to populate the csrf cookie, and probes an authenticated GraphQL endpoint.
func (f *LoginFlow) loginWithToken(ctx context.Context, tr Transport, acct *credstore.Account, proxy, userAgent string) (*Session, error) {
	jar := NewJar()
	jar.Set("auth_token", acct.AuthToken)

	sess := NewSession(acct.Username, jar, tr, proxy, userAgent, f.cfg.RateLimit)

	homeHeaders := map[string]string{
		"user-agent":      userAgent,
		"accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
		"accept-language": "en-US,en;q=0.9",
		"cookie":          jar.Header(),
	}
	_, respHdrs, status, err := tr.Do(ctx, "GET", "https://x.com/home", homeHeaders, nil)
	if err != nil {
		return nil, fmt.Errorf("home page: %w", err)
	}
	if status >= 400 && status != 404 {
		return nil, fmt.Errorf("home page: HTTP %d", status)
	}
	if respHdrs != nil {
		jar.Absorb(respHdrs["set-cookie"])
	}
	if jar.Get("ct0") == "" {
		jar.Set("ct0", generateCT0())
	}

	probeURL := addGraphQLParams(Endpoints["Viewer"].URL(),
		map[string]any{"withCommunitiesMemberships": true}, Endpoints["Viewer"].Features)
	headers := map[string]string{}
	sess.InstallHeaders(headers, probeURL)
	f.attachTransactionID(headers, "GET", probeURL)

	body, probeHdrs, status, err := tr.Do(ctx, "GET", probeURL, headers, nil)
	if err != nil {
		return nil, fmt.Errorf("session probe: %w", err)
	}
	if status != 200 {
		return nil, fmt.Errorf("session probe: HTTP %d", status)
	}
	if msgs := upstreamErrors(body); len(msgs) > 0 {
		return nil, fmt.Errorf("session probe: %s", msgs[0])
	}
	sess.AbsorbResponse(probeHdrs)
	return sess, nil
}

// interactiveLogin runs the full subtask state machine.
func (f *LoginFlow) interactiveLogin(ctx context.Context, tr Transport, acct *credstore.Account, proxy, userAgent string) (*Session, error) {
	jar := NewJar()
	jar.Scrub(transientCookies)

	guest := NewGuestAuth(tr, f.cfg.GuestTimeout)
	guestToken, err := guest.Token(ctx)
	if err != nil {
		return nil, &LoginError{Kind: FailTransient, Err: err}
	}

	slog.Info("logging in", slog.String("user", acct.Username))

	fr, err := f.initFlow(ctx, tr, jar, guestToken)
	if err != nil {
		return nil, err
	}

	for round := 0; round < 12; round++ {
		if len(fr.Subtasks) == 0 {
			break
		}
		st := fr.Subtasks[0]
		slog.Debug("login subtask", slog.String("user", acct.Username), slog.String("subtask", st.SubtaskID))

		switch st.SubtaskID {
		case "LoginJsInstrumentationSubtask":
			fr, err = f.submit(ctx, tr, jar, guestToken, jsInstrumentationPayload(fr.FlowToken))

		case "LoginEnterUserIdentifierSSO":
			fr, err = f.submit(ctx, tr, jar, guestToken, identifierPayload(fr.FlowToken, acct.Username))

		case "LoginEnterAlternateIdentifierSubtask":
			if acct.Email == "" {
				return nil, &LoginError{Kind: FailFatal, Subtask: st.SubtaskID,
					Err: fmt.Errorf("alternate identifier required but no email on record")}
			}
			fr, err = f.submit(ctx, tr, jar, guestToken, enterTextPayload(fr.FlowToken, st.SubtaskID, acct.Email))

		case "LoginEnterPassword":
			fr, err = f.submit(ctx, tr, jar, guestToken, passwordPayload(fr.FlowToken, acct.Password))

		case "AccountDuplicationCheck":
			fr, err = f.submit(ctx, tr, jar, guestToken, duplicationCheckPayload(fr.FlowToken))

		case "LoginTwoFactorAuthChallenge":
			fr, err = f.solveTwoFactor(ctx, tr, jar, guestToken, fr.FlowToken, acct)

		case "LoginAcid":
			fr, err = f.solveAcid(ctx, tr, jar, guestToken, fr.FlowToken, st, acct)

		case "LoginArkoseChallenge", "LoginArkoseCaptcha":
			if f.cfg.Solver == nil {
				return nil, &LoginError{Kind: FailFatal, Subtask: st.SubtaskID,
					Err: fmt.Errorf("arkose challenge requires a captcha solver")}
			}
			var token string
			token, err = f.cfg.Solver.Solve(ctx, arkosePublicKey, "https://x.com")
			if err != nil {
				return nil, &LoginError{Kind: FailFatal, Subtask: st.SubtaskID,
					Err: fmt.Errorf("arkose solve: %w", err)}
			}
			fr, err = f.submit(ctx, tr, jar, guestToken, arkosePayload(fr.FlowToken, st.SubtaskID, token))

		case "LoginSuccessSubtask":
			return f.finishLogin(jar, tr, acct, proxy, userAgent)

		case "DenyLoginSubtask":
			return nil, &LoginError{Kind: FailFatal, Subtask: st.SubtaskID,
				Err: fmt.Errorf("login denied (account may be locked or disabled)")}

		default:
			return nil, &LoginError{Kind: FailFatal, Subtask: st.SubtaskID,
				Err: fmt.Errorf("unknown subtask %q", st.SubtaskID)}
		}

		if err != nil {
			return nil, err
		}
	}

	// Some flows deliver the success subtask implicitly and just stop.
	return f.finishLogin(jar, tr, acct, proxy, userAgent)
}

// solveTwoFactor submits TOTP codes, retrying on "verification code is
// invalid" with 2s/4s/6s waits, up to 3 attempts.
func (f *LoginFlow) solveTwoFactor(ctx context.Context, tr Transport, jar *Jar, guestToken, flowToken string, acct *credstore.Account) (*flowResponse, error) {
	if acct.TwoFactorSecret == "" {
		return nil, &LoginError{Kind: FailFatal, Subtask: "LoginTwoFactorAuthChallenge",
			Err: fmt.Errorf("2FA required but no TOTP secret on record")}
	}

	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		code, err := totp.GenerateCode(acct.TwoFactorSecret, time.Now())
		if err != nil {
			return nil, &LoginError{Kind: FailFatal, Subtask: "LoginTwoFactorAuthChallenge",
				Err: fmt.Errorf("TOTP generation: %w", err)}
		}

		fr, err := f.submit(ctx, tr, jar, guestToken, enterTextPayload(flowToken, "LoginTwoFactorAuthChallenge", code))
		if err == nil {
			return fr, nil
		}
		lastErr = err
		if !strings.Contains(strings.ToLower(err.Error()), "verification code is invalid") {
			return nil, err
		}

		slog.Warn("2FA code rejected, retrying", slog.String("user", acct.Username), slog.Int("attempt", attempt))
		select {
		case <-time.After(time.Duration(2*attempt) * time.Second):
		case <-ctx.Done():
			return nil, &LoginError{Kind: FailTransient, Subtask: "LoginTwoFactorAuthChallenge", Err: ctx.Err()}
		}
	}
	return nil, &LoginError{Kind: FailFatal, Subtask: "LoginTwoFactorAuthChallenge",
		Err: fmt.Errorf("2FA retries exhausted: %w", lastErr)}
}

// solveAcid answers the email confirmation step: a code when the prompt asks
// for one, the plain email address otherwise.
func (f *LoginFlow) solveAcid(ctx context.Context, tr Transport, jar *Jar, guestToken, flowToken string, st flowSubtask, acct *credstore.Account) (*flowResponse, error) {
	prompt := strings.ToLower(st.EnterText.Header.PrimaryText.Text)
	wantsCode := strings.Contains(prompt, "code") || strings.Contains(prompt, "verification")

	answer := acct.Email
	if wantsCode {
		if f.cfg.Mail == nil {
			return nil, &LoginError{Kind: FailFatal, Subtask: "LoginAcid",
				Err: fmt.Errorf("confirmation code required but no mail fetcher configured")}
		}
		code, err := f.cfg.Mail.FetchCode(ctx, acct.Email, acct.EmailPassword)
		if err != nil {
			return nil, &LoginError{Kind: FailTransient, Subtask: "LoginAcid",
				Err: fmt.Errorf("fetch confirmation code: %w", err)}
		}
		answer = code
	}
	return f.submit(ctx, tr, jar, guestToken, enterTextPayload(flowToken, "LoginAcid", answer))
}

// finishLogin validates the harvested cookies and assembles the session.
func (f *LoginFlow) finishLogin(jar *Jar, tr Transport, acct *credstore.Account, proxy, userAgent string) (*Session, error) {
	if jar.Get("auth_token") == "" {
		return nil, &LoginError{Kind: FailProtocol,
			Err: fmt.Errorf("flow completed but no auth_token cookie for %s", acct.Username)}
	}
	if jar.Get("ct0") == "" {
		jar.Set("ct0", generateCT0())
	}
	slog.Info("login successful", slog.String("user", acct.Username))
	return NewSession(acct.Username, jar, tr, proxy, userAgent, f.cfg.RateLimit), nil
}

func (f *LoginFlow) attachTransactionID(h map[string]string, method, rawurl string) {
	attachTransactionID(f.cfg.TxSource, h, method, rawurl)
}

// initFlow starts a login flow from splash_screen.
func (f *LoginFlow) initFlow(ctx context.Context, tr Transport, jar *Jar, guestToken string) (*flowResponse, error) {
	return f.postFlow(ctx, tr, jar, guestToken, apiBase+onboardingPath+"?flow_name=login", loginFlowPayload)
}

// submit sends one subtask response.
func (f *LoginFlow) submit(ctx context.Context, tr Transport, jar *Jar, guestToken, payload string) (*flowResponse, error) {
	return f.postFlow(ctx, tr, jar, guestToken, apiBase+onboardingPath, payload)
}

func (f *LoginFlow) postFlow(ctx context.Context, tr Transport, jar *Jar, guestToken, url, payload string) (*flowResponse, error) {
	headers := loginFlowHeaders(guestToken, jar)
	f.attachTransactionID(headers, "POST", url)

	body, respHdrs, status, err := tr.Do(ctx, "POST", url, headers, strings.NewReader(payload))
	if err != nil {
		if ctx.Err() != nil {
			return nil, &LoginError{Kind: FailTransient, Err: ctx.Err()}
		}
		return nil, &LoginError{Kind: FailTransient, Err: err}
	}
	if respHdrs != nil {
		jar.Absorb(respHdrs["set-cookie"])
	}
	if msgs := upstreamErrors(body); len(msgs) > 0 {
		return nil, &LoginError{Kind: FailProtocol, Err: fmt.Errorf("upstream: %s", msgs[0])}
	}
	if status != 200 {
		return nil, &LoginError{Kind: FailProtocol, Err: fmt.Errorf("flow step HTTP %d: %s", status, truncateBytes(body, 300))}
	}
	return parseFlowResponse(body)
}

// --- Flow wire types ---

type flowResponse struct {
	FlowToken string        `json:"flow_token"`
	Subtasks  []flowSubtask `json:"subtasks"`
}

type flowSubtask struct {
	SubtaskID string `json:"subtask_id"`
	EnterText struct {
		Header struct {
			PrimaryText struct {
				Text string `json:"text"`
			} `json:"primary_text"`
		} `json:"header"`
	} `json:"enter_text"`
}

func parseFlowResponse(body []byte) (*flowResponse, error) {
	var fr flowResponse
	if err := json.Unmarshal(body, &fr); err != nil {
		return nil, &LoginError{Kind: FailProtocol, Err: fmt.Errorf("parse flow response: %w", err)}
	}
	if fr.FlowToken == "" {
		return nil, &LoginError{Kind: FailProtocol,
			Err: fmt.Errorf("empty flow_token in response: %s", truncateBytes(body, 200))}
	}
	return &fr, nil
}

// --- Subtask payload builders ---

func jsInstrumentationPayload(flowToken string) string {
	return fmt.Sprintf(`{"flow_token":%q,"subtask_inputs":[{"subtask_id":"LoginJsInstrumentationSubtask","js_instrumentation":{"response":"{\"rf\":{\"a\":\"b\"},\"s\":\"s\"}","link":"next_link"}}]}`,
		flowToken)
}

func identifierPayload(flowToken, username string) string {
	return fmt.Sprintf(`{"flow_token":%q,"subtask_inputs":[{"subtask_id":"LoginEnterUserIdentifierSSO","settings_list":{"setting_responses":[{"key":"user_identifier","response_data":{"text_data":{"result":%q}}}],"link":"next_link"}}]}`,
		flowToken, username)
}

func passwordPayload(flowToken, password string) string {
	return fmt.Sprintf(`{"flow_token":%q,"subtask_inputs":[{"subtask_id":"LoginEnterPassword","enter_password":{"password":%q,"link":"next_link"}}]}`,
		flowToken, password)
}

func duplicationCheckPayload(flowToken string) string {
	return fmt.Sprintf(`{"flow_token":%q,"subtask_inputs":[{"subtask_id":"AccountDuplicationCheck","check_logged_in_account":{"link":"AccountDuplicationCheck_false"}}]}`,
		flowToken)
}

func enterTextPayload(flowToken, subtaskID, text string) string {
	return fmt.Sprintf(`{"flow_token":%q,"subtask_inputs":[{"subtask_id":%q,"enter_text":{"text":%q,"link":"next_link"}}]}`,
		flowToken, subtaskID, text)
}

func arkosePayload(flowToken, subtaskID, captchaToken string) string {
	return fmt.Sprintf(`{"flow_token":%q,"subtask_inputs":[{"subtask_id":%q,"web_modal":{"completion_deeplink":"twitter://onboarding/web_modal/next_link?access_token=%s"}}]}`,
		flowToken, subtaskID, captchaToken)
}

// loginFlowPayload is the subtask_versions body for flow_name=login.
const loginFlowPayload = `{"input_flow_data":{"flow_context":{"debug_overrides":{},"start_location":{"location":"splash_screen"}}},"subtask_versions":{"action_list":2,"alert_dialog":1,"app_download_cta":1,"check_logged_in_account":1,"choice_selection":3,"contacts_live_sync_permission_prompt":0,"cta":7,"email_verification":2,"end_flow":1,"enter_date":1,"enter_email":2,"enter_password":5,"enter_phone":2,"enter_recaptcha":1,"enter_text":5,"enter_username":2,"generic_urt":3,"in_app_notification":1,"interest_picker":3,"js_instrumentation":1,"menu_dialog":1,"notifications_permission_prompt":2,"open_account":2,"open_home_timeline":1,"open_link":1,"phone_verification":4,"privacy_options":1,"security_key":3,"select_avatar":4,"select_banner":2,"settings_list":7,"show_code":1,"sign_up":2,"sign_up_review":4,"tweet_selection_urt":1,"update_users":1,"upload_media":1,"user_recommendations_list":4,"user_recommendations_urt":1,"wait_spinner":3,"web_modal":1}}`
