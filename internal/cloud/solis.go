// Package cloud talks to the SolisCloud API and turns its readings into the
// compensation set-point the feeder applies.
package cloud

import (
	"bytes"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/rostyslav-berezhnytskyi/SmartMeterApp/internal/alert"
	"github.com/rostyslav-berezhnytskyi/SmartMeterApp/internal/config"
)

const (
	pathInverterDetail = "/v1/api/inverterDetail"
	contentTypeJSON    = "application/json"

	// Solis sometimes reports 0.0 on one PV field while others are valid;
	// below this the field is treated as "present but not trustworthy".
	pvMinValidKw = 0.05

	retryMaxAttempts = 2 // after the first try: delays ~500ms, ~1000ms
)

// Detail is one cloud reading. Pointer fields are absent when the API did
// not supply them.
type Detail struct {
	PsumKw      float64 // + export, - import
	PacKw       *float64
	PvKw        *float64 // resolved PV power, kW
	LoadKw      *float64 // resolved site load, kW
	State       *int     // 1=online 2=offline 3=alarm
	WarningInfo *int
	FetchedAt   int64 // epoch ms
}

// SolisClient fetches inverter detail with HMAC-signed requests and
// classifies transport failures into alerts.
type SolisClient struct {
	cfg    config.Solis
	alerts *alert.Engine
	http   *http.Client
	now    func() time.Time
}

func NewSolisClient(cfg config.Solis, alerts *alert.Engine) *SolisClient {
	timeout := time.Duration(cfg.RequestTimeoutMs) * time.Millisecond
	if timeout < time.Second {
		timeout = time.Second
	}
	return &SolisClient{
		cfg:    cfg,
		alerts: alerts,
		http:   &http.Client{Timeout: timeout},
		now:    time.Now,
	}
}

// FetchInverterDetail performs one signed POST (with retries on 429/5xx and
// transport errors) and parses the reading.
func (c *SolisClient) FetchInverterDetail() (*Detail, error) {
	body := fmt.Sprintf(`{"sn":%q}`, c.cfg.SN)

	respBody, err := c.postWithRetry(pathInverterDetail, body)
	if err != nil {
		return nil, err
	}

	var root struct {
		Code json.RawMessage            `json:"code"`
		Msg  string                     `json:"msg"`
		Data map[string]json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(respBody, &root); err != nil {
		c.alerts.Raise("SOLIS_DOWN", "unparsable response: "+err.Error(), alert.WARN)
		return nil, fmt.Errorf("decode response: %w", err)
	}
	code := rawText(root.Code)
	if code != "0" {
		c.alerts.Raise("SOLIS_DOWN", fmt.Sprintf("API code %s msg=%s", code, root.Msg), alert.WARN)
		return nil, fmt.Errorf("api code %s", code)
	}
	if root.Data == nil {
		c.alerts.Raise("SOLIS_DOWN", "response missing 'data' object", alert.WARN)
		return nil, errors.New("missing data object")
	}
	d := root.Data

	psum := num(d, "psum")
	if psum == nil {
		c.alerts.Raise("SOLIS_DOWN", "missing psum in response", alert.WARN)
		return nil, errors.New("missing psum")
	}

	pac := num(d, "pac")
	pv := choosePvKw(d, pac)
	load := resolveLoadKw(d, pv, *psum)

	out := &Detail{
		PsumKw:      *psum,
		PacKw:       pac,
		PvKw:        pv,
		LoadKw:      load,
		State:       intField(d, "state"),
		WarningInfo: intField(d, "warningInfoData"),
		FetchedAt:   c.now().UnixMilli(),
	}

	log.Debug().
		Float64("psum_kw", out.PsumKw).
		Msg("solis_reading")

	c.alerts.Resolve("SOLIS_DOWN")
	c.alerts.Resolve("SOLIS_AUTH")
	c.alerts.Resolve("SOLIS_RATE_LIMIT")
	return out, nil
}

// postWithRetry signs and sends the request; 429 and 5xx and transport
// errors are retried with jittered backoff, everything else is terminal.
func (c *SolisClient) postWithRetry(path, body string) ([]byte, error) {
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(500*time.Millisecond),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(0.2),
	), retryMaxAttempts)

	attempt := 0
	return backoff.RetryWithData(func() ([]byte, error) {
		attempt++
		data, err := c.postOnce(path, body)
		if err != nil {
			var httpErr *statusError
			if errors.As(err, &httpErr) && !httpErr.retryable {
				return nil, backoff.Permanent(err)
			}
			if attempt <= retryMaxAttempts {
				log.Warn().Err(err).Int("attempt", attempt).Msg("solis_retrying")
			}
			return nil, err
		}
		return data, nil
	}, policy)
}

type statusError struct {
	status    int
	retryable bool
}

func (e *statusError) Error() string { return fmt.Sprintf("http %d", e.status) }

func (c *SolisClient) postOnce(path, body string) ([]byte, error) {
	contentMD5 := md5Base64(body)
	date := c.now().UTC().Format(http.TimeFormat)
	canonical := strings.Join([]string{"POST", contentMD5, contentTypeJSON, date, path}, "\n")
	auth := "API " + c.cfg.APIID + ":" + signHmacSHA1(canonical, c.cfg.APISecret)

	req, err := http.NewRequest(http.MethodPost, joinURL(c.cfg.BaseURI, path), bytes.NewReader([]byte(body)))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Accept", contentTypeJSON)
	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Content-MD5", contentMD5)
	req.Header.Set("Date", date)
	req.Header.Set("Authorization", auth)
	req.Header.Set("User-Agent", "SmartMeterApp/1.0 (+solis)")

	resp, err := c.http.Do(req)
	if err != nil {
		c.alerts.Raise("SOLIS_DOWN", "I/O error: "+err.Error(), alert.WARN)
		return nil, err
	}
	defer resp.Body.Close()

	c.checkClockSkew(resp.Header.Get("Date"))

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		c.alerts.Raise("SOLIS_DOWN", "read body: "+err.Error(), alert.WARN)
		return nil, err
	}

	sc := resp.StatusCode
	switch {
	case sc == http.StatusOK:
		return data, nil
	case sc == http.StatusUnauthorized || sc == http.StatusForbidden:
		c.alerts.Raise("SOLIS_AUTH", fmt.Sprintf("HTTP %d — check API id/secret/Date", sc), alert.ERROR)
		return nil, &statusError{status: sc}
	case sc == http.StatusTooManyRequests:
		c.alerts.Raise("SOLIS_RATE_LIMIT", "HTTP 429 — rate limited by Solis", alert.WARN)
		return nil, &statusError{status: sc, retryable: true}
	case sc >= 500 && sc < 600:
		c.alerts.Raise("SOLIS_DOWN", fmt.Sprintf("HTTP %d — server error", sc), alert.WARN)
		return nil, &statusError{status: sc, retryable: true}
	default:
		c.alerts.Raise("SOLIS_DOWN", fmt.Sprintf("HTTP %d — %s", sc, truncate(string(data), 240)), alert.WARN)
		return nil, &statusError{status: sc}
	}
}

func (c *SolisClient) checkClockSkew(serverDate string) {
	if serverDate == "" {
		return
	}
	t, err := http.ParseTime(serverDate)
	if err != nil {
		return
	}
	skew := c.now().Sub(t)
	if skew < 0 {
		skew = -skew
	}
	if skew.Milliseconds() > c.cfg.MaxClockSkewMs {
		c.alerts.Raise("SOLIS_CLOCK_SKEW",
			fmt.Sprintf("local time off by ~%d ms — check NTP", skew.Milliseconds()), alert.WARN)
	} else {
		c.alerts.Resolve("SOLIS_CLOCK_SKEW")
	}
}

// ---- field helpers (the API mixes numbers and numeric strings) ----

func rawText(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	return strings.Trim(s, `"`)
}

func num(d map[string]json.RawMessage, field string) *float64 {
	raw, ok := d[field]
	if !ok {
		return nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return &f
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return &f
		}
	}
	return nil
}

func intField(d map[string]json.RawMessage, field string) *int {
	f := num(d, field)
	if f == nil {
		return nil
	}
	i := int(*f)
	return &i
}

// numWithUnitKw reads valueField and converts to kW when the paired unit
// field says "W".
func numWithUnitKw(d map[string]json.RawMessage, valueField, unitField string) *float64 {
	v := num(d, valueField)
	if v == nil {
		return nil
	}
	if raw, ok := d[unitField]; ok {
		var unit string
		if json.Unmarshal(raw, &unit) == nil && strings.EqualFold(unit, "W") {
			w := *v / 1000.0
			return &w
		}
	}
	return v
}

// sumPowStringsKw: powTotal (W) if present, else the sum of pow1..pow32.
func sumPowStringsKw(d map[string]json.RawMessage) *float64 {
	if tot := num(d, "powTotal"); tot != nil {
		kw := *tot / 1000.0
		return &kw
	}
	sumW := 0.0
	any := false
	for i := 1; i <= 32; i++ {
		if v := num(d, "pow"+strconv.Itoa(i)); v != nil {
			sumW += *v
			any = true
		}
	}
	if !any {
		return nil
	}
	kw := sumW / 1000.0
	return &kw
}

// choosePvKw picks the best PV power: pac, then dcPac (unit-aware), then
// powTotal / string sum, then dcAcPower (W). The first with magnitude above
// the validity floor wins; otherwise the first non-null in the same order.
func choosePvKw(d map[string]json.RawMessage, pacKw *float64) *float64 {
	dcPacKw := numWithUnitKw(d, "dcPac", "dcPacStr")
	powSumKw := sumPowStringsKw(d)
	var dcAcKw *float64
	if w := num(d, "dcAcPower"); w != nil {
		kw := *w / 1000.0
		dcAcKw = &kw
	}

	candidates := []*float64{pacKw, dcPacKw, powSumKw, dcAcKw}
	for _, c := range candidates {
		if c != nil && math.Abs(*c) > pvMinValidKw {
			return c
		}
	}
	for _, c := range candidates {
		if c != nil {
			return c
		}
	}
	return nil
}

// resolveLoadKw prefers the API load fields when they are close to the
// physical balance pv + import - export; otherwise trusts the balance.
func resolveLoadKw(d map[string]json.RawMessage, pvKw *float64, psumKw float64) *float64 {
	pv := 0.0
	if pvKw != nil {
		pv = *pvKw
	}
	computed := pv
	if psumKw < 0 {
		computed += -psumKw
	} else {
		computed -= psumKw
	}

	tol := math.Max(0.6, math.Abs(computed)*0.35)
	if family := numWithUnitKw(d, "familyLoadPower", "familyLoadPowerStr"); family != nil && math.Abs(*family-computed) <= tol {
		return family
	}
	if total := numWithUnitKw(d, "totalLoadPower", "totalLoadPowerStr"); total != nil && math.Abs(*total-computed) <= tol {
		return total
	}
	return &computed
}

func md5Base64(s string) string {
	sum := md5.Sum([]byte(s))
	return base64.StdEncoding.EncodeToString(sum[:])
}

func signHmacSHA1(data, key string) string {
	mac := hmac.New(sha1.New, []byte(key))
	mac.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func joinURL(base, path string) string {
	switch {
	case base == "":
		return path
	case strings.HasSuffix(base, "/") && strings.HasPrefix(path, "/"):
		return base[:len(base)-1] + path
	case !strings.HasSuffix(base, "/") && !strings.HasPrefix(path, "/"):
		return base + "/" + path
	default:
		return base + path
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
