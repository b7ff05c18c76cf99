package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	stealth "github.com/anatolykoptev/go-stealth"
	"github.com/anatolykoptev/go-stealth/ratelimit"

	"github.com/anatolykoptev/xgate/internal/credstore"
)

// scriptedFlow answers the guest activation and then walks the onboarding
// flow through the given subtask sequence, finishing with a set-cookie that
// carries the session token.
type scriptedFlow struct {
	steps    []string
	step     int
	payloads []string
}

func (s *scriptedFlow) transport() Transport {
	return transportFunc(func(ctx context.Context, method, url string, h map[string]string, body io.Reader) ([]byte, map[string]string, int, error) {
		if strings.Contains(url, guestActivatePath) {
			return []byte(`{"guest_token":"gt-1"}`), nil, 200, nil
		}
		if !strings.Contains(url, onboardingPath) {
			return nil, nil, 404, nil
		}
		if body != nil {
			b, _ := io.ReadAll(body)
			s.payloads = append(s.payloads, string(b))
		}
		if s.step >= len(s.steps) {
			return nil, nil, 400, fmt.Errorf("unexpected flow step %d", s.step)
		}
		subtask := s.steps[s.step]
		s.step++

		resp := fmt.Sprintf(`{"flow_token":"ft-%d","subtasks":[{"subtask_id":%q}]}`, s.step, subtask)
		var headers map[string]string
		if subtask == "LoginSuccessSubtask" {
			headers = map[string]string{"set-cookie": "auth_token=tok123; Path=/; Secure, ct0=csrf123; Path=/"}
		}
		return []byte(resp), headers, 200, nil
	})
}

func scriptedLoginFlow(script *scriptedFlow) *LoginFlow {
	flow := NewLoginFlow(LoginConfig{
		HTTPTimeout:  5 * time.Second,
		GuestTimeout: 5 * time.Second,
		RateLimit:    ratelimit.DefaultConfig,
	})
	flow.newTransport = func(proxy string, profile stealth.BrowserProfile, timeout time.Duration) (Transport, error) {
		return script.transport(), nil
	}
	return flow
}

func TestInteractiveLoginHappyPath(t *testing.T) {
	script := &scriptedFlow{steps: []string{
		"LoginJsInstrumentationSubtask",
		"LoginEnterUserIdentifierSSO",
		"LoginEnterPassword",
		"LoginSuccessSubtask",
		"LoginSuccessSubtask", // response to the success acknowledgement is never requested
	}}
	flow := scriptedLoginFlow(script)
	acct := &credstore.Account{Credential: credstore.Credential{Username: "alice", Password: "hunter2"}}

	sess, err := flow.Establish(context.Background(), acct, "")
	if err != nil {
		t.Fatal(err)
	}
	if got := sess.AuthToken(); got != "tok123" {
		t.Fatalf("auth_token = %q, want tok123", got)
	}
	if sess.CSRFToken() == "" {
		t.Fatal("expected a ct0 cookie after login")
	}

	// The identifier and password payloads must echo the rolling flow_token.
	if len(script.payloads) < 4 {
		t.Fatalf("expected 4 flow posts, got %d", len(script.payloads))
	}
	if !strings.Contains(script.payloads[2], `"flow_token":"ft-2"`) {
		t.Fatalf("identifier payload missing flow token: %s", script.payloads[2])
	}
	if !strings.Contains(script.payloads[2], "alice") {
		t.Fatalf("identifier payload missing username: %s", script.payloads[2])
	}
	if !strings.Contains(script.payloads[3], "hunter2") {
		t.Fatalf("password payload missing password: %s", script.payloads[3])
	}
}

func TestInteractiveLoginDeny(t *testing.T) {
	script := &scriptedFlow{steps: []string{
		"LoginJsInstrumentationSubtask",
		"DenyLoginSubtask",
	}}
	flow := scriptedLoginFlow(script)
	acct := &credstore.Account{Credential: credstore.Credential{Username: "alice", Password: "pw"}}

	_, err := flow.Establish(context.Background(), acct, "")
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsFatalLogin(err) {
		t.Fatalf("deny must be fatal, got %v", err)
	}
}

func TestInteractiveLoginUnknownSubtask(t *testing.T) {
	script := &scriptedFlow{steps: []string{"SomethingNew"}}
	flow := scriptedLoginFlow(script)
	acct := &credstore.Account{Credential: credstore.Credential{Username: "alice", Password: "pw"}}

	_, err := flow.Establish(context.Background(), acct, "")
	if !IsFatalLogin(err) {
		t.Fatalf("unknown subtask must be fatal, got %v", err)
	}
	var le *LoginError
	if !asLoginError(err, &le) || le.Subtask != "SomethingNew" {
		t.Fatalf("expected the subtask id in the error, got %v", err)
	}
}

func TestInteractiveLoginProtocolError(t *testing.T) {
	flow := NewLoginFlow(LoginConfig{RateLimit: ratelimit.DefaultConfig})
	flow.newTransport = func(proxy string, profile stealth.BrowserProfile, timeout time.Duration) (Transport, error) {
		return transportFunc(func(ctx context.Context, method, url string, h map[string]string, body io.Reader) ([]byte, map[string]string, int, error) {
			if strings.Contains(url, guestActivatePath) {
				return []byte(`{"guest_token":"gt-1"}`), nil, 200, nil
			}
			return []byte(`{"errors":[{"message":"Something went wrong"}]}`), nil, 200, nil
		}), nil
	}
	acct := &credstore.Account{Credential: credstore.Credential{Username: "alice", Password: "pw"}}

	_, err := flow.Establish(context.Background(), acct, "")
	var le *LoginError
	if !asLoginError(err, &le) || le.Kind != FailProtocol {
		t.Fatalf("expected protocol failure, got %v", err)
	}
}

func TestLoginWithTokenProbe(t *testing.T) {
	flow := NewLoginFlow(LoginConfig{RateLimit: ratelimit.DefaultConfig})
	flow.newTransport = func(proxy string, profile stealth.BrowserProfile, timeout time.Duration) (Transport, error) {
		return transportFunc(func(ctx context.Context, method, url string, h map[string]string, body io.Reader) ([]byte, map[string]string, int, error) {
			if url == "https://x.com/home" {
				return nil, map[string]string{"set-cookie": "ct0=fresh-csrf; Path=/"}, 200, nil
			}
			if !strings.Contains(h["cookie"], "auth_token=seeded") {
				return nil, nil, 401, nil
			}
			return []byte(`{"data":{"viewer":{}}}`), nil, 200, nil
		}), nil
	}
	acct := &credstore.Account{Credential: credstore.Credential{Username: "alice", AuthToken: "seeded"}}

	sess, err := flow.Establish(context.Background(), acct, "")
	if err != nil {
		t.Fatal(err)
	}
	if sess.AuthToken() != "seeded" {
		t.Fatalf("auth_token = %q, want seeded", sess.AuthToken())
	}
	if sess.CSRFToken() != "fresh-csrf" {
		t.Fatalf("ct0 = %q, want fresh-csrf", sess.CSRFToken())
	}
}

func TestLoginWithTokenFallsBackAndClears(t *testing.T) {
	script := &scriptedFlow{steps: []string{
		"LoginJsInstrumentationSubtask",
		"LoginEnterUserIdentifierSSO",
		"LoginEnterPassword",
		"LoginSuccessSubtask",
	}}
	inner := script.transport()
	flow := scriptedLoginFlow(script)
	flow.newTransport = func(proxy string, profile stealth.BrowserProfile, timeout time.Duration) (Transport, error) {
		return transportFunc(func(ctx context.Context, method, url string, h map[string]string, body io.Reader) ([]byte, map[string]string, int, error) {
			// The stale token fails its probe; everything else follows the
			// interactive script.
			if url == "https://x.com/home" {
				return nil, nil, 200, nil
			}
			if strings.Contains(url, "Viewer") {
				return []byte(`{}`), nil, 401, nil
			}
			return inner.Do(ctx, method, url, h, body)
		}), nil
	}
	acct := &credstore.Account{Credential: credstore.Credential{Username: "alice", Password: "pw", AuthToken: "stale"}}

	sess, err := flow.Establish(context.Background(), acct, "")
	if err != nil {
		t.Fatal(err)
	}
	if acct.AuthToken != "" {
		t.Fatalf("stale token must be cleared in place, got %q", acct.AuthToken)
	}
	if sess.AuthToken() != "tok123" {
		t.Fatalf("auth_token = %q, want tok123", sess.AuthToken())
	}
}

func TestAcidAnswersWithEmail(t *testing.T) {
	script := &scriptedFlow{}
	step := 0
	flow := scriptedLoginFlow(script)
	flow.newTransport = func(proxy string, profile stealth.BrowserProfile, timeout time.Duration) (Transport, error) {
		return transportFunc(func(ctx context.Context, method, url string, h map[string]string, body io.Reader) ([]byte, map[string]string, int, error) {
			if strings.Contains(url, guestActivatePath) {
				return []byte(`{"guest_token":"gt-1"}`), nil, 200, nil
			}
			if body != nil {
				b, _ := io.ReadAll(body)
				script.payloads = append(script.payloads, string(b))
			}
			step++
			switch step {
			case 1:
				return []byte(`{"flow_token":"ft-1","subtasks":[{"subtask_id":"LoginAcid","enter_text":{"header":{"primary_text":{"text":"Enter the email associated with your account"}}}}]}`), nil, 200, nil
			default:
				return []byte(`{"flow_token":"ft-2","subtasks":[{"subtask_id":"LoginSuccessSubtask"}]}`),
					map[string]string{"set-cookie": "auth_token=tok123; Path=/"}, 200, nil
			}
		}), nil
	}
	acct := &credstore.Account{Credential: credstore.Credential{Username: "alice", Password: "pw", Email: "a@example.com"}}

	if _, err := flow.Establish(context.Background(), acct, ""); err != nil {
		t.Fatal(err)
	}
	last := script.payloads[len(script.payloads)-1]
	var payload struct {
		SubtaskInputs []struct {
			SubtaskID string `json:"subtask_id"`
			EnterText struct {
				Text string `json:"text"`
			} `json:"enter_text"`
		} `json:"subtask_inputs"`
	}
	if err := json.Unmarshal([]byte(last), &payload); err != nil {
		t.Fatal(err)
	}
	if payload.SubtaskInputs[0].EnterText.Text != "a@example.com" {
		t.Fatalf("acid answer = %q, want the account email", payload.SubtaskInputs[0].EnterText.Text)
	}
}

func asLoginError(err error, target **LoginError) bool {
	return errors.As(err, target)
}

func TestIsFatalLoginUnwraps(t *testing.T) {
	fatal := fmt.Errorf("warm-up: %w", &LoginError{Kind: FailFatal, Err: errors.New("suspended")})
	if !IsFatalLogin(fatal) {
		t.Fatal("wrapped fatal login error not recognized")
	}
	transient := fmt.Errorf("warm-up: %w", &LoginError{Kind: FailTransient, Err: errors.New("timeout")})
	if IsFatalLogin(transient) {
		t.Fatal("transient login error reported as fatal")
	}
	if IsFatalLogin(errors.New("plain")) {
		t.Fatal("unrelated error reported as fatal")
	}
}
