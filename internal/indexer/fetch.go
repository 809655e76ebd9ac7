package indexer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/slipstream/indexproxy/internal/indexer/caps"
	"github.com/slipstream/indexproxy/internal/indexer/transport"
	"github.com/slipstream/indexproxy/internal/indexer/types"
)

// FetchResult is the outcome of one fetch against one remote. Releases holds whatever
// was gathered before a failure; an empty result with a nil Err means no matches.
type FetchResult struct {
	FetchID  string               `json:"fetchId"`
	Releases []*types.ReleaseInfo `json:"releases"`
	Pages    []types.PageInfo     `json:"pages"`
	Skipped  string               `json:"skipped,omitempty"`
	Elapsed  time.Duration        `json:"elapsed"`
	Err      error                `json:"-"`
}

// fetchState is the call-scoped state of one fetch.
type fetchState struct {
	session  *transport.Session
	pages    []types.PageInfo
	loggedIn bool
	logger   zerolog.Logger
}

// Fetch runs criteria against the remote. It never panics or returns a nil result;
// failures are logged, recorded once with the health tracker and returned in Err.
func (ix *Indexer) Fetch(ctx context.Context, criteria types.SearchCriteria) *FetchResult {
	start := ix.now()
	res := &FetchResult{FetchID: uuid.NewString()}
	log := ix.logger.With().Str("fetchId", res.FetchID).Logger()

	releases, skipped, err := ix.fetch(ctx, criteria, res, log)
	res.Releases = ix.cleanup(releases)
	res.Skipped = skipped
	res.Elapsed = ix.now().Sub(start)

	outcome := OutcomeSuccess
	switch {
	case err != nil && transport.IsCanceled(err):
		outcome = OutcomeCanceled
		res.Err = err
	case err != nil:
		outcome = OutcomeFailure
		if errors.Is(err, context.DeadlineExceeded) && !types.IsConnectionError(err) {
			err = types.NewConnectionError(ix.def.BaseURL, err)
		}
		res.Err = ix.annotate(err)
		ix.recordFailure(ctx, res.Err, log)
	case skipped != "":
		outcome = OutcomeSkipped
	default:
		if recErr := ix.status.RecordSuccess(context.WithoutCancel(ctx), ix.def.ID); recErr != nil {
			log.Error().Err(recErr).Msg("Failed to record indexer success")
		}
	}

	ix.recorder.FetchCompleted(ix.def.Name, outcome, len(res.Releases), res.Elapsed)
	log.Debug().
		Str("criteria", criteria.Base().String()).
		Str("outcome", string(outcome)).
		Int("releases", len(res.Releases)).
		Int("pages", len(res.Pages)).
		Dur("elapsed", res.Elapsed).
		Msg("Fetch completed")
	return res
}

func (ix *Indexer) fetch(ctx context.Context, criteria types.SearchCriteria, res *FetchResult, log zerolog.Logger) ([]*types.ReleaseInfo, string, error) {
	c, err := ix.c.Capabilities.Capabilities(ctx)
	if err != nil {
		return nil, "", err
	}
	if reason := preflight(c, criteria); reason != "" {
		log.Debug().Str("reason", reason).Msg("Skipping fetch")
		return nil, reason, nil
	}

	chain, err := ix.c.Generator.GetSearchRequests(ctx, criteria)
	if err != nil {
		return nil, "", err
	}

	cookies, err := ix.status.GetCookies(ctx, ix.def.ID)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load cached cookies")
	}
	f := &fetchState{
		session: transport.NewSession(ix.doer, cookies),
		logger:  log,
	}
	defer func() { res.Pages = f.pages }()

	var releases []*types.ReleaseInfo
	for i, tier := range chain.Tiers() {
		for _, seq := range tier {
			pageSize := -1
			for req := range seq {
				if pageSize < 0 {
					pageSize = req.PageSize
				}
				page, err := ix.fetchPage(ctx, f, req)
				if err != nil {
					return releases, "", err
				}
				releases = append(releases, page...)

				if pageSize == 1 {
					pageSize = len(page)
				}
				if !isFullPage(page, pageSize) {
					break
				}
			}
		}
		if len(releases) > 0 {
			log.Debug().Int("tier", i).Int("releases", len(releases)).Msg("Tier produced releases")
			break
		}
	}
	return releases, "", nil
}

// preflight returns why criteria cannot be sent to a remote with capabilities c, or "".
func preflight(c *caps.Capabilities, criteria types.SearchCriteria) string {
	if unsupported := c.Unsupported(criteria); len(unsupported) > 0 {
		return fmt.Sprintf("unsupported search parameters %v", unsupported)
	}
	base := criteria.Base()
	if base.Offset > 0 && !c.SupportsPagination {
		return "remote does not support pagination"
	}
	if len(base.Categories) > 0 && c.Categories.Len() > 0 && len(c.Categories.SupportedCategories(base.Categories)) == 0 {
		return "none of the requested categories are supported"
	}
	return ""
}

func isFullPage(page []*types.ReleaseInfo, pageSize int) bool {
	return pageSize > 0 && len(page) >= pageSize
}

func (ix *Indexer) fetchPage(ctx context.Context, f *fetchState, req *transport.Request) ([]*types.ReleaseInfo, error) {
	resp, err := ix.execute(ctx, f, req)
	if err != nil {
		return nil, err
	}

	page := types.PageInfo{URL: req.URL, StatusCode: resp.StatusCode, Elapsed: resp.Elapsed}
	if err := checkStatus(resp, ix.now()); err != nil {
		f.pages = append(f.pages, page)
		return nil, err
	}

	releases, err := ix.c.Parser.ParseResponse(ctx, resp)
	page.Releases = len(releases)
	f.pages = append(f.pages, page)
	if err != nil {
		f.logger.Warn().Err(err).Str("url", req.URL).Msg("Failed to parse response")
		return nil, err
	}
	return releases, nil
}

// execute issues req, logging in and retrying once when the remote challenges for
// authentication, and persists any cookie changes.
func (ix *Indexer) execute(ctx context.Context, f *fetchState, req *transport.Request) (*transport.Response, error) {
	resp, err := f.session.Do(ctx, req)
	if err != nil {
		return nil, err
	}

	needs, err := ix.needsLogin(ctx, resp)
	if err != nil {
		return nil, err
	}
	if needs {
		if ix.c.Authenticator == nil || f.loggedIn {
			return nil, types.NewAuthError(fmt.Sprintf("authentication required (status %d)", resp.StatusCode), nil).WithURL(req.URL)
		}
		if err := ix.login(ctx, f); err != nil {
			return nil, err
		}
		if resp, err = f.session.Do(ctx, req); err != nil {
			return nil, err
		}
		if needs, err = ix.needsLogin(ctx, resp); err != nil {
			return nil, err
		}
		if needs {
			return nil, types.NewAuthError("still unauthenticated after logging in", nil).WithURL(req.URL)
		}
	}

	ix.saveCookies(ctx, f)
	return resp, nil
}

func (ix *Indexer) needsLogin(ctx context.Context, resp *transport.Response) (bool, error) {
	if resp.StatusCode == http.StatusUnauthorized {
		return true, nil
	}
	if ix.c.Authenticator == nil {
		return false, nil
	}
	return ix.c.Authenticator.NeedsLogin(ctx, resp)
}

func (ix *Indexer) login(ctx context.Context, f *fetchState) error {
	f.loggedIn = true
	f.logger.Info().Msg("Logging in")

	if err := ix.c.Authenticator.Login(ctx, f.session); err != nil {
		var ie *types.IndexerError
		if errors.As(err, &ie) || transport.IsCanceled(err) {
			return err
		}
		return types.NewAuthError("login failed", err)
	}
	ix.saveCookies(ctx, f)
	f.logger.Info().Msg("Logged in")
	return nil
}

func (ix *Indexer) saveCookies(ctx context.Context, f *fetchState) {
	if !f.session.Changed() {
		return
	}
	expires := ix.now().Add(ix.config.CookieValidity)
	if err := ix.status.UpdateCookies(ctx, ix.def.ID, f.session.Cookies(), &expires); err != nil {
		f.logger.Warn().Err(err).Msg("Failed to cache cookies")
		return
	}
	f.session.MarkPersisted()
}

func checkStatus(resp *transport.Response, now time.Time) error {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return types.NewRateLimitError("request limit reached", resp.RetryAfter(now)).WithURL(resp.Request.URL)
	case resp.HasHTTPError():
		// Newznab remotes answer 4xx with an <error> document that says more than the status
		if strings.Contains(resp.ContentType(), "xml") {
			if err := caps.CheckError(resp.Body, resp.Request.URL); err != nil {
				return err
			}
		}
		return types.NewHTTPError(resp.StatusCode, resp.Request.URL)
	}
	return nil
}

// recordFailure translates err into exactly one health update.
func (ix *Indexer) recordFailure(ctx context.Context, err error, log zerolog.Logger) {
	ctx = context.WithoutCancel(ctx)
	var recErr error

	switch {
	case types.IsConnectionError(err):
		log.Warn().Err(err).Msg("Unable to connect to indexer")
		recErr = ix.status.RecordConnectionFailure(ctx, ix.def.ID, err)
	case types.IsRateLimitError(err):
		retryAfter := types.RetryAfterOf(err)
		if retryAfter <= 0 {
			retryAfter = ix.config.RateLimitCooldown
		}
		log.Warn().Err(err).Dur("retryAfter", retryAfter).Msg("Request limit reached")
		recErr = ix.status.RecordFailure(ctx, ix.def.ID, retryAfter, err)
	case types.IsCaptchaError(err):
		log.Error().Err(err).Msg("Captcha required, log in manually and update the cookie settings")
		recErr = ix.status.RecordFailure(ctx, ix.def.ID, 0, err)
	case types.IsAuthError(err):
		log.Warn().Err(err).Msg("Invalid credentials")
		recErr = ix.status.RecordFailure(ctx, ix.def.ID, 0, err)
	default:
		log.Error().Err(err).Msg("Fetch failed")
		recErr = ix.status.RecordFailure(ctx, ix.def.ID, 0, err)
	}

	if recErr != nil {
		log.Error().Err(recErr).Msg("Failed to record indexer failure")
	}
}
