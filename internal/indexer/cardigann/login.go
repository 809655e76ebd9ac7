package cardigann

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/slipstream/indexproxy/internal/indexer/transport"
	"github.com/slipstream/indexproxy/internal/indexer/types"
)

// captchaSetting holds the captcha answer entered by the user.
const captchaSetting = "CAPTCHA"

// NeedsLogin reports whether resp shows the session is not authenticated.
func (e *Engine) NeedsLogin(_ context.Context, resp *transport.Response) (bool, error) {
	if resp.IsRedirect() {
		if hint := e.redirectDomainHint(resp.Request.URL, resp.Location()); hint != "" {
			return false, types.NewDefinitionError(
				fmt.Sprintf("Got redirected to another domain. Try changing the indexer URL to %s.", hint), nil)
		}
		return true, nil
	}

	login := e.def.Login
	if login == nil || login.Test == nil {
		return false, nil
	}
	if resp.HasHTTPError() {
		return true, nil
	}

	ct := resp.ContentType()
	if (ct == "" || strings.Contains(ct, "text/html")) && login.Test.Selector != "" {
		doc, err := parseHTML(e.text(resp))
		if err != nil {
			return true, nil
		}
		if querySelectorAll(doc.Selection, login.Test.Selector).Length() == 0 {
			return true, nil
		}
	}
	return false, nil
}

// redirectDomainHint returns the base URL of the redirect target when a request
// to the site was redirected to another host.
func (e *Engine) redirectDomainHint(requestURL, redirectURL string) string {
	site, err1 := url.Parse(e.siteLink)
	req, err2 := url.Parse(requestURL)
	redir, err3 := url.Parse(redirectURL)
	if err1 != nil || err2 != nil || err3 != nil {
		return ""
	}
	if strings.HasPrefix(req.Host, site.Host) && !strings.HasPrefix(redir.Host, site.Host) {
		return redir.Scheme + "://" + redir.Host + "/"
	}
	return ""
}

// Login authenticates the session using the definition's login method.
func (e *Engine) Login(ctx context.Context, s *transport.Session) error {
	if !e.def.HasLogin() {
		return nil
	}
	login := e.def.Login
	vars := e.baseVariables()

	e.logger.Debug().Str("method", login.Method).Msg("Logging in")

	var err error
	switch login.Method {
	case "post":
		err = e.loginPost(ctx, s, login, vars)
	case "form":
		err = e.loginForm(ctx, s, login, vars)
	case "cookie":
		err = e.loginCookie(s)
	case "get":
		err = e.loginGet(ctx, s, login, vars)
	case "oneurl":
		err = e.loginOneURL(ctx, s, login, vars)
	default:
		err = types.NewDefinitionError(fmt.Sprintf("login method %q is not supported", login.Method), nil)
	}
	if err != nil {
		return err
	}
	return e.testLogin(ctx, s, login, vars)
}

func (e *Engine) loginPost(ctx context.Context, s *transport.Session, login *LoginBlock, vars Vars) error {
	loginURL, err := e.resolvePath(login.Path.Expand(vars, nil), "")
	if err != nil {
		return types.NewDefinitionError("invalid login path", err)
	}
	s.SetCookies(nil)

	req := transport.NewRequest(loginURL)
	req.Method = http.MethodPost
	req.Body = []byte(e.encodePairs(e.expandInputs(vars, login.Inputs), "&"))
	req.ContentType = "application/x-www-form-urlencoded"
	req.AllowRedirect = true
	req.SetHeader("Referer", e.siteLink)
	applyHeaders(req, e.headers(login.Headers, vars))

	resp, err := s.Do(ctx, req)
	if err != nil {
		return err
	}
	return e.checkLoginResponse(resp, login)
}

func (e *Engine) loginForm(ctx context.Context, s *transport.Session, login *LoginBlock, vars Vars) error {
	loginURL, err := e.resolvePath(login.Path.Expand(vars, nil), "")
	if err != nil {
		return types.NewDefinitionError("invalid login path", err)
	}

	s.SetCookies(parseCookieHeader(strings.Join(login.Cookies, "; ")))
	landingReq := transport.NewRequest(loginURL)
	landingReq.AllowRedirect = true
	landingReq.SetHeader("Referer", e.siteLink)
	applyHeaders(landingReq, e.headers(login.Headers, vars))
	landing, err := s.Do(ctx, landingReq)
	if err != nil {
		return err
	}
	doc, err := parseHTML(e.text(landing))
	if err != nil {
		return types.NewParseError("invalid login page", landing.Body, err)
	}

	formSelector := login.Form
	if formSelector == "" {
		formSelector = "form"
	}
	form := querySelector(doc.Selection, formSelector)
	if form.Length() == 0 {
		return types.NewDefinitionError(fmt.Sprintf("Login failed: No form found on %s using form selector %s", loginURL, formSelector), nil)
	}

	fields := newFormFields()
	form.Find("input").Each(func(_ int, in *goquery.Selection) {
		name, ok := in.Attr("name")
		if !ok {
			return
		}
		value, _ := in.Attr("value")
		fields.set(name, value)
	})

	for _, in := range login.Inputs {
		name := in.Name
		if login.Selectors {
			el := querySelector(doc.Selection, in.Name)
			if el.Length() == 0 {
				return types.NewDefinitionError(fmt.Sprintf("Login failed: No input found using selector %s", in.Name), nil)
			}
			name = el.AttrOr("name", in.Name)
		}
		fields.set(name, in.Value.Expand(vars, nil))
	}

	env := e.filterEnv(vars)
	for _, si := range login.SelectorInputs {
		v, _, err := resolveHTML(si.Block, doc.Selection, env, true)
		if err != nil {
			return types.NewDefinitionError(fmt.Sprintf("selector input %s", si.Name), err)
		}
		fields.set(si.Name, v)
	}
	var query []pair
	for _, si := range login.GetSelectorInputs {
		v, _, err := resolveHTML(si.Block, doc.Selection, env, true)
		if err != nil {
			return types.NewDefinitionError(fmt.Sprintf("get selector input %s", si.Name), err)
		}
		query = append(query, pair{si.Name, v})
	}

	submitPath := form.AttrOr("action", "")
	if login.SubmitPath != nil {
		submitPath = login.SubmitPath.Expand(vars, nil)
	}
	if len(query) > 0 {
		submitPath += "?" + e.encodePairs(query, "&")
	}
	submitURL, err := e.resolvePath(submitPath, loginURL)
	if err != nil {
		return types.NewDefinitionError("invalid login submit path", err)
	}

	if querySelector(doc.Selection, `script[src*="simpleCaptcha"]`).Length() > 0 {
		selection, err := e.solveSimpleCaptcha(ctx, s, loginURL)
		if err != nil {
			return err
		}
		fields.set("captchaSelection", selection)
		fields.set("submitme", "X")
	}

	if c := login.Captcha; c != nil {
		answer := e.settings[captchaSetting]
		if answer == "" {
			if c.Selector == "" || querySelector(doc.Selection, c.Selector).Length() > 0 {
				return types.NewCaptchaError("login page requires a captcha answer")
			}
		} else {
			input := c.Input
			if login.Selectors {
				el := querySelector(doc.Selection, c.Input)
				if el.Length() == 0 {
					return types.NewDefinitionError(fmt.Sprintf("Login failed: No captcha input found using %s", c.Input), nil)
				}
				input = el.AttrOr("name", c.Input)
			}
			fields.set(input, answer)
		}
	}

	req := transport.NewRequest(submitURL)
	req.Method = http.MethodPost
	req.AllowRedirect = true
	applyHeaders(req, e.headers(login.Headers, vars))
	if form.AttrOr("enctype", "") == "multipart/form-data" {
		body, contentType, err := fields.multipart()
		if err != nil {
			return err
		}
		req.Body, req.ContentType = body, contentType
		req.SetHeader("Referer", e.siteLink)
	} else {
		req.Body = []byte(e.encodePairs(fields.pairs(), "&"))
		req.ContentType = "application/x-www-form-urlencoded"
		req.SetHeader("Referer", loginURL)
	}

	resp, err := s.Do(ctx, req)
	if err != nil {
		return err
	}
	return e.checkLoginResponse(resp, login)
}

// solveSimpleCaptcha answers the simpleCaptcha widget with the hash of its only image.
func (e *Engine) solveSimpleCaptcha(ctx context.Context, s *transport.Session, loginURL string) (string, error) {
	captchaURL, err := e.resolvePath("simpleCaptcha.php?numImages=1", "")
	if err != nil {
		return "", err
	}
	req := transport.NewRequest(captchaURL)
	req.AcceptType = "json"
	req.SetHeader("Referer", loginURL)
	resp, err := s.Do(ctx, req)
	if err != nil {
		return "", err
	}
	var payload struct {
		Images []struct {
			Hash string `json:"hash"`
		} `json:"images"`
	}
	if err := json.Unmarshal(resp.Body, &payload); err != nil || len(payload.Images) == 0 {
		return "", types.NewParseError("invalid simpleCaptcha response", resp.Body, err)
	}
	return payload.Images[0].Hash, nil
}

func (e *Engine) loginCookie(s *transport.Session) error {
	cookies := parseCookieHeader(e.settings["cookie"])
	if len(cookies) == 0 {
		return types.NewAuthError("no cookie configured for cookie login", nil)
	}
	s.SetCookies(cookies)
	return nil
}

func (e *Engine) loginGet(ctx context.Context, s *transport.Session, login *LoginBlock, vars Vars) error {
	path := login.Path.Expand(vars, nil)
	if qs := e.encodePairs(e.expandInputs(vars, login.Inputs), "&"); qs != "" {
		path += "?" + qs
	}
	return e.loginByURL(ctx, s, login, vars, path)
}

func (e *Engine) loginOneURL(ctx context.Context, s *transport.Session, login *LoginBlock, vars Vars) error {
	var oneURL string
	for _, in := range login.Inputs {
		if in.Name == "oneurl" {
			oneURL = in.Value.Expand(vars, nil)
		}
	}
	return e.loginByURL(ctx, s, login, vars, login.Path.Expand(vars, nil)+oneURL)
}

func (e *Engine) loginByURL(ctx context.Context, s *transport.Session, login *LoginBlock, vars Vars, path string) error {
	loginURL, err := e.resolvePath(path, "")
	if err != nil {
		return types.NewDefinitionError("invalid login path", err)
	}
	s.SetCookies(nil)

	req := transport.NewRequest(loginURL)
	req.SetHeader("Referer", e.siteLink)
	applyHeaders(req, e.headers(login.Headers, vars))
	resp, err := s.Do(ctx, req)
	if err != nil {
		return err
	}
	return e.checkLoginResponse(resp, login)
}

// checkLoginResponse fails on 401 or when an error selector matches the response.
func (e *Engine) checkLoginResponse(resp *transport.Response, login *LoginBlock) error {
	if resp.StatusCode == http.StatusUnauthorized {
		return types.NewAuthError("login was rejected", types.NewHTTPError(resp.StatusCode, resp.URL))
	}
	if len(login.Error) == 0 {
		return nil
	}
	doc, err := parseHTML(e.text(resp))
	if err != nil {
		return types.NewParseError("invalid login response", resp.Body, err)
	}
	if msg, found := e.findError(doc.Selection, login.Error, e.filterEnv(e.baseVariables())); found {
		return types.NewAuthError("Error: "+msg, nil)
	}
	return nil
}

// findError returns the message of the first error block whose selector matches.
func (e *Engine) findError(dom *goquery.Selection, blocks []ErrorBlock, env *filterEnv) (string, bool) {
	for _, b := range blocks {
		if b.Selector == "" {
			continue
		}
		sel := querySelector(dom, b.Selector)
		if sel.Length() == 0 {
			continue
		}
		msg := sel.Text()
		if b.Message != nil {
			if v, _, err := resolveHTML(b.Message, dom, env, false); err == nil && v != "" {
				msg = v
			}
		}
		return strings.TrimSpace(msg), true
	}
	return "", false
}

// testLogin fetches login.test.path, when set, and requires its selector to match.
func (e *Engine) testLogin(ctx context.Context, s *transport.Session, login *LoginBlock, vars Vars) error {
	if login.Test == nil || login.Test.Path == nil {
		return nil
	}
	testURL, err := e.resolvePath(login.Test.Path.Expand(vars, nil), "")
	if err != nil {
		return types.NewDefinitionError("invalid login test path", err)
	}
	req := transport.NewRequest(testURL)
	req.AllowRedirect = e.def.FollowRedirect
	resp, err := s.Do(ctx, req)
	if err != nil {
		return err
	}
	if resp.IsRedirect() {
		return types.NewAuthError(fmt.Sprintf("Login failed: redirected to %s", resp.Location()), nil)
	}
	if resp.HasHTTPError() {
		return types.NewAuthError("Login failed", types.NewHTTPError(resp.StatusCode, resp.URL))
	}
	if login.Test.Selector == "" {
		return nil
	}
	doc, err := parseHTML(e.text(resp))
	if err != nil {
		return types.NewParseError("invalid login test page", resp.Body, err)
	}
	if querySelectorAll(doc.Selection, login.Test.Selector).Length() == 0 {
		return types.NewAuthError(fmt.Sprintf("Login failed: selector %q didn't match", login.Test.Selector), nil)
	}
	e.logger.Debug().Msg("Login test passed")
	return nil
}

// formFields keeps submitted form fields in first-seen order; later values win.
type formFields struct {
	names  []string
	values map[string]string
}

func newFormFields() *formFields {
	return &formFields{values: map[string]string{}}
}

func (f *formFields) set(name, value string) {
	if _, ok := f.values[name]; !ok {
		f.names = append(f.names, name)
	}
	f.values[name] = value
}

func (f *formFields) pairs() []pair {
	out := make([]pair, len(f.names))
	for i, n := range f.names {
		out[i] = pair{n, f.values[n]}
	}
	return out
}

func (f *formFields) multipart() ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, n := range f.names {
		if err := w.WriteField(n, f.values[n]); err != nil {
			return nil, "", fmt.Errorf("failed to write form field %s: %w", n, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart form: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

// parseCookieHeader parses a cookie string like "name1=value1; name2=value2".
func parseCookieHeader(header string) map[string]string {
	cookies := map[string]string{}
	for part := range strings.SplitSeq(header, ";") {
		name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || strings.TrimSpace(name) == "" {
			continue
		}
		cookies[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
	return cookies
}
