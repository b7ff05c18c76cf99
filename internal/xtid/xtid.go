// Package xtid derives the x-client-transaction-id anti-bot header from
// material embedded in the upstream home page and its ondemand.s script.
// Algorithm reverse-engineered from the web app:
//   - https://github.com/iSarabjitDhiman/XClientTransaction (Python original, MIT)
//   - https://github.com/Ben-Lazrek-Yassine/X-transaction-id-generator-go-rewrite (Go port, MIT)
//   - https://antibot.blog/posts/1741552025433 (analysis)
package xtid

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"
)

const (
	homeURL       = "https://x.com"
	refreshEvery  = 30 * time.Minute
	fetchTimeout  = 30 * time.Second
	epochShiftMs  = 1682924400000
	extraByte     = 3
	hashKeyword   = "obfiowerehiring"
	animTotalTime = 4096.0
)

// Fetcher issues plain GET requests for the page material. The stealth
// transport satisfies it.
type Fetcher interface {
	Do(ctx context.Context, method, url string, headers map[string]string, body io.Reader) ([]byte, map[string]string, int, error)
}

// Source caches a signer built from the upstream pages and refreshes it in
// the background every half hour. A failed refresh keeps the stale signer;
// requests are better off with old keys than with none.
type Source struct {
	fetch Fetcher

	mu          sync.RWMutex
	signer      *signer
	refreshedAt time.Time
}

func NewSource(fetch Fetcher) *Source {
	return &Source{fetch: fetch}
}

// GenerateID returns a fresh x-client-transaction-id for the method and
// URL path, rebuilding the signer when its material is stale.
func (s *Source) GenerateID(method, path string) (string, error) {
	s.mu.RLock()
	stale := s.signer == nil || time.Since(s.refreshedAt) > refreshEvery
	s.mu.RUnlock()

	if stale {
		if err := s.refresh(); err != nil {
			s.mu.RLock()
			hasOld := s.signer != nil
			s.mu.RUnlock()
			if !hasOld {
				return "", fmt.Errorf("transaction id init: %w", err)
			}
			slog.Warn("transaction id refresh failed, keeping stale keys", slog.Any("error", err))
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.signer == nil {
		return "", fmt.Errorf("transaction id source not initialized")
	}
	return s.signer.sign(method, path), nil
}

func (s *Source) refresh() error {
	home, err := s.get(homeURL)
	if err != nil {
		return fmt.Errorf("fetch home page: %w", err)
	}

	scriptURL := ondemandScriptURL(home)
	if scriptURL == "" {
		return fmt.Errorf("ondemand.s reference not found in home page")
	}
	script, err := s.get(scriptURL)
	if err != nil {
		return fmt.Errorf("fetch ondemand.s: %w", err)
	}

	sg, err := newSigner(home, script)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.signer = sg
	s.refreshedAt = time.Now()
	s.mu.Unlock()

	key := sg.animationKey
	if len(key) > 8 {
		key = key[:8]
	}
	slog.Info("transaction id source refreshed", slog.String("animation_key", key+"..."))
	return nil
}

func (s *Source) get(url string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()
	headers := map[string]string{
		"accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
		"accept-language": "en-US,en;q=0.9",
	}
	body, _, status, err := s.fetch.Do(ctx, "GET", url, headers, nil)
	if err != nil {
		return "", err
	}
	if status != 200 {
		return "", fmt.Errorf("HTTP %d for %s", status, url)
	}
	return string(body), nil
}

// signer holds the per-session key material lifted from the home page.
type signer struct {
	keyBytes     []byte
	animationKey string
	rowSelector  int
	timeIndices  []int
}

func newSigner(homeHTML, ondemandJS string) (*signer, error) {
	sg := &signer{}
	sg.rowSelector, sg.timeIndices = keyIndices(ondemandJS)

	key := siteVerificationKey(homeHTML)
	if key == "" {
		return nil, fmt.Errorf("twitter-site-verification meta tag not found")
	}
	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("decode verification key: %w", err)
	}
	sg.keyBytes = raw

	animKey, err := sg.buildAnimationKey(homeHTML)
	if err != nil {
		return nil, fmt.Errorf("build animation key: %w", err)
	}
	sg.animationKey = animKey
	return sg, nil
}

func (sg *signer) frameRow(homeHTML string) []int {
	frames := loadingFrames(homeHTML)
	if len(frames) == 0 || len(sg.keyBytes) < 6 {
		return nil
	}
	fi := int(sg.keyBytes[5]) % 4
	if fi >= len(frames) || len(frames[fi]) == 0 {
		return nil
	}
	grid := frames[fi]

	row := 0
	if sg.rowSelector < len(sg.keyBytes) {
		row = int(sg.keyBytes[sg.rowSelector]) % 16
	}
	if row >= len(grid) {
		return nil
	}
	return grid[row]
}

func (sg *signer) buildAnimationKey(homeHTML string) (string, error) {
	if len(sg.timeIndices) == 0 {
		return "", fmt.Errorf("no key byte indices")
	}

	frameTime := 1.0
	for _, idx := range sg.timeIndices {
		if idx < len(sg.keyBytes) {
			frameTime *= float64(int(sg.keyBytes[idx]) % 16)
		}
	}
	frameTime = jsRound(frameTime/10) * 10

	row := sg.frameRow(homeHTML)
	if row == nil {
		return "", fmt.Errorf("loading animation frames not found")
	}
	return sg.animate(row, frameTime/animTotalTime), nil
}

func scaleByte(value, minVal, maxVal float64, rounding bool) float64 {
	result := value*(maxVal-minVal)/255 + minVal
	if rounding {
		return math.Floor(result)
	}
	return math.Round(result*100) / 100
}

func (sg *signer) animate(frames []int, targetTime float64) string {
	if len(frames) < 11 {
		return ""
	}
	fromColor := []float64{float64(frames[0]), float64(frames[1]), float64(frames[2]), 1}
	toColor := []float64{float64(frames[3]), float64(frames[4]), float64(frames[5]), 1}
	fromRotation := []float64{0.0}
	toRotation := []float64{scaleByte(float64(frames[6]), 60.0, 360.0, true)}

	curveFrames := frames[7:]
	curves := make([]float64, len(curveFrames))
	for i, item := range curveFrames {
		lo := 0.0
		if i%2 != 0 {
			lo = -1.0
		}
		curves[i] = scaleByte(float64(item), lo, 1.0, false)
	}

	val := bezierValue(curves, targetTime)

	color := lerp(fromColor, toColor, val)
	for i := range color {
		color[i] = math.Max(0, math.Min(255, color[i]))
	}

	rotation := lerp(fromRotation, toRotation, val)
	matrix := rotationMatrix(rotation[0])

	var parts []string
	for i := 0; i < 3; i++ {
		parts = append(parts, fmt.Sprintf("%x", int(math.Round(color[i]))))
	}
	for _, v := range matrix {
		rounded := math.Abs(math.Round(v*100) / 100)
		hex := floatToHex(rounded)
		switch {
		case strings.HasPrefix(hex, "."):
			parts = append(parts, "0"+strings.ToLower(hex))
		case hex == "":
			parts = append(parts, "0")
		default:
			parts = append(parts, hex)
		}
	}
	parts = append(parts, "0", "0")

	out := strings.Join(parts, "")
	out = strings.ReplaceAll(out, ".", "")
	out = strings.ReplaceAll(out, "-", "")
	return out
}

// sign computes the header value for a method and path. The query string
// does not participate in the hash.
func (sg *signer) sign(method, path string) string {
	if idx := strings.Index(path, "?"); idx >= 0 {
		path = path[:idx]
	}

	elapsed := int(time.Now().UnixMilli()-epochShiftMs) / 1000
	timeBytes := make([]byte, 4)
	for i := 0; i < 4; i++ {
		timeBytes[i] = byte((elapsed >> (i * 8)) & 0xFF)
	}

	digest := sha256.Sum256([]byte(fmt.Sprintf("%s!%s!%d%s%s", method, path, elapsed, hashKeyword, sg.animationKey)))

	payload := make([]byte, 0, len(sg.keyBytes)+4+16+1)
	payload = append(payload, sg.keyBytes...)
	payload = append(payload, timeBytes...)
	payload = append(payload, digest[:16]...)
	payload = append(payload, byte(extraByte))

	xor := byte(rand.Intn(256))
	out := make([]byte, len(payload)+1)
	out[0] = xor
	for i, b := range payload {
		out[i+1] = b ^ xor
	}
	return strings.TrimRight(base64.StdEncoding.EncodeToString(out), "=")
}

func jsRound(num float64) float64 {
	x := math.Floor(num)
	if num-x >= 0.5 {
		x = math.Ceil(num)
	}
	return math.Copysign(x, num)
}
