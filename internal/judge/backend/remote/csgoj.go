package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"judgeflow/internal/judge/model"
	appErr "judgeflow/pkg/errors"
	"judgeflow/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	CSGOJEndpoint = "https://cpc.csgrandeur.cn"

	csgojLoginMarker = `<form id="login_form" class="form-signin" method="post" action="/csgoj/user/login_ajax">`
	userAgent        = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"

	defaultPollInterval = 3 * time.Second
	defaultPollAttempts = 60
)

// Account is the login of one remote judge account.
type Account struct {
	Endpoint string `yaml:"endpoint"`
	Handle   string `yaml:"handle"`
	Password string `yaml:"password"`
}

// CSGOJ submits to the CSG online judge.
type CSGOJ struct {
	account  Account
	client   *http.Client
	cookies  CookieStore
	interval time.Duration
	attempts int
}

var _ Provider = (*CSGOJ)(nil)

func NewCSGOJ(account Account, cookies CookieStore, client *http.Client) *CSGOJ {
	if account.Endpoint == "" {
		account.Endpoint = CSGOJEndpoint
	}
	account.Endpoint = strings.TrimRight(account.Endpoint, "/")
	if cookies == nil {
		cookies = NewMemoryCookies()
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &CSGOJ{account: account, client: client, cookies: cookies, interval: defaultPollInterval, attempts: defaultPollAttempts}
}

func (c *CSGOJ) cookieKey() string {
	return "csgoj:" + c.account.Handle
}

func (c *CSGOJ) do(ctx context.Context, method, path string, form url.Values, header http.Header) (*http.Response, []byte, error) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.account.Endpoint+path, body)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	for k, v := range header {
		req.Header[k] = v
	}
	cookie, err := c.cookies.Load(ctx, c.cookieKey())
	if err != nil {
		return nil, nil, err
	}
	if cookie != "" {
		req.Header.Set("Cookie", cookie)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return resp, raw, fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	return resp, raw, nil
}

func (c *CSGOJ) loggedIn(ctx context.Context) (bool, error) {
	_, raw, err := c.do(ctx, http.MethodGet, "/", nil, nil)
	if err != nil {
		return false, err
	}
	return !strings.Contains(string(raw), csgojLoginMarker), nil
}

func (c *CSGOJ) EnsureLogin(ctx context.Context) error {
	ok, err := c.loggedIn(ctx)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	logger.Info(ctx, "logging in to csgoj", zap.String("handle", c.account.Handle))

	resp, _, err := c.do(ctx, http.MethodGet, "/csgoj/user/login_ajax", nil, nil)
	if err != nil {
		return err
	}
	parts := make([]string, 0, len(resp.Cookies()))
	for _, ck := range resp.Cookies() {
		parts = append(parts, ck.Name+"="+ck.Value)
	}
	if len(parts) > 0 {
		if err := c.cookies.Save(ctx, c.cookieKey(), strings.Join(parts, "; ")); err != nil {
			return err
		}
	}
	form := url.Values{"user_id": {c.account.Handle}, "password": {c.account.Password}}
	if _, _, err := c.do(ctx, http.MethodPost, "/csgoj/user/login_ajax", form, http.Header{
		"Referer":          {c.account.Endpoint + "/"},
		"X-Requested-With": {"XMLHttpRequest"},
	}); err != nil {
		return err
	}
	if ok, err = c.loggedIn(ctx); err != nil {
		return err
	}
	if !ok {
		return appErr.Newf(appErr.RemoteLoginFailed, "csgoj login as %s failed", c.account.Handle)
	}
	return nil
}

func (c *CSGOJ) Submit(ctx context.Context, target, lang, code string) (string, error) {
	_, remoteLang, ok := strings.Cut(lang, "csgoj.")
	if !ok {
		return "", appErr.Newf(appErr.LanguageNotSupported, "Language not supported: %s", lang)
	}
	pid := target
	if i := strings.IndexByte(target, 'P'); i >= 0 {
		pid = target[i+1:]
	}
	form := url.Values{"pid": {pid}, "language": {remoteLang}, "source": {code}}
	_, raw, err := c.do(ctx, http.MethodPost, "/csgoj/Problemset/submit_ajax", form, http.Header{
		"Referer":          {c.account.Endpoint + "/csgoj/problemset/problem?pid=" + pid},
		"X-Requested-With": {"XMLHttpRequest"},
	})
	if err != nil {
		return "", appErr.Wrapf(err, appErr.RemoteSubmitFailed, "submit to csgoj failed")
	}
	var body struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Data struct {
			SolutionID flexInt `json:"solution_id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return "", appErr.Wrapf(err, appErr.RemoteSubmitFailed, "unexpected csgoj submit reply")
	}
	if body.Data.SolutionID == 0 {
		return "", appErr.Newf(appErr.RemoteSubmitFailed, "csgoj rejected the submission: %s", body.Msg)
	}
	return strconv.FormatInt(int64(body.Data.SolutionID), 10), nil
}

func (c *CSGOJ) Poll(ctx context.Context, id string) (*Verdict, error) {
	for i := 0; i < c.attempts; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.interval):
		}
		_, raw, err := c.do(ctx, http.MethodGet, "/csgoj/Status/status_ajax?solution_id="+url.QueryEscape(id), nil, http.Header{
			"X-Requested-With": {"XMLHttpRequest"},
		})
		if err != nil {
			logger.Warn(ctx, "poll csgoj failed", zap.String("remote_id", id), zap.Error(err))
			continue
		}
		var body struct {
			Rows []struct {
				Result flexInt `json:"result"`
				Time   flexInt `json:"time"`
				Memory flexInt `json:"memory"`
			} `json:"rows"`
		}
		if err := json.Unmarshal(raw, &body); err != nil || len(body.Rows) == 0 {
			continue
		}
		row := body.Rows[0]
		status := csgojStatus(int(row.Result))
		if status.IsPending() {
			continue
		}
		return &Verdict{Status: status, Time: int64(row.Time), Memory: int64(row.Memory)}, nil
	}
	return nil, appErr.Newf(appErr.RemotePollTimeout, "csgoj solution %s still running after %d polls", id, c.attempts)
}

func csgojStatus(result int) model.Status {
	switch result {
	case 0, 1, 2:
		return model.StatusCompiling
	case 3:
		return model.StatusJudging
	case 4:
		return model.StatusAccepted
	case 5, 6:
		return model.StatusWrongAnswer
	case 7:
		return model.StatusTimeLimitExceeded
	case 8:
		return model.StatusMemoryLimitExceeded
	case 9:
		return model.StatusOutputLimitExceeded
	case 10:
		return model.StatusRuntimeError
	case 11:
		return model.StatusCompileError
	}
	return model.StatusSystemError
}

// flexInt accepts both JSON numbers and numeric strings.
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return err
	}
	*f = flexInt(v)
	return nil
}
