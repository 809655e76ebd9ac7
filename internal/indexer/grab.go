package indexer

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/slipstream/indexproxy/internal/indexer/download"
	"github.com/slipstream/indexproxy/internal/indexer/transport"
	"github.com/slipstream/indexproxy/internal/indexer/types"
)

// Download retrieves the file behind a release link. Magnet links are returned as
// their UTF-8 text without any request being made.
func (ix *Indexer) Download(ctx context.Context, link string) ([]byte, error) {
	log := ix.logger.With().Str("fetchId", uuid.NewString()).Str("link", link).Logger()

	if download.IsMagnet(link) {
		return ix.magnet(link)
	}

	cookies, err := ix.status.GetCookies(ctx, ix.def.ID)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load cached cookies")
	}
	f := &fetchState{session: transport.NewSession(ix.doer, cookies), logger: log}

	req := transport.NewRequest(link)
	if ix.c.Resolver != nil {
		if req, err = ix.c.Resolver.ResolveDownload(ctx, f.session, link); err != nil {
			ix.recordDownloadFailure(ctx, err, f)
			return nil, ix.annotate(err)
		}
	}

	for hops := 0; ; hops++ {
		if download.IsMagnet(req.URL) {
			return ix.magnet(req.URL)
		}

		resp, err := ix.grab(ctx, f, req)
		if err != nil {
			ix.recordDownloadFailure(ctx, err, f)
			return nil, ix.annotate(err)
		}

		if resp.IsRedirect() && !req.AllowRedirect {
			if hops >= ix.config.MaxRedirects {
				err := types.NewReleaseDownloadError(link, nil)
				err.Message = "too many redirects"
				return nil, ix.annotate(err)
			}
			log.Debug().Str("location", resp.Location()).Msg("Following download redirect")
			req = transport.NewRequest(resp.Location())
			continue
		}

		if err := ix.c.Strategy.Validate(req.URL, resp.Body); err != nil {
			log.Warn().Err(err).Msg("Downloaded file is invalid")
			return nil, ix.annotate(err)
		}
		log.Debug().Int("bytes", len(resp.Body)).Msg("Downloaded release")
		return resp.Body, nil
	}
}

func (ix *Indexer) magnet(link string) ([]byte, error) {
	if err := ix.c.Strategy.Validate(link, nil); err != nil {
		return nil, ix.annotate(err)
	}
	return []byte(link), nil
}

// grab executes one download request, logging in once on a 401.
func (ix *Indexer) grab(ctx context.Context, f *fetchState, req *transport.Request) (*transport.Response, error) {
	resp, err := f.session.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized && ix.c.Authenticator != nil && !f.loggedIn {
		if err := ix.login(ctx, f); err != nil {
			return nil, err
		}
		if resp, err = f.session.Do(ctx, req); err != nil {
			return nil, err
		}
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, types.NewReleaseUnavailableError(req.URL)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, types.NewRateLimitError("grab limit reached", resp.RetryAfter(ix.now())).WithURL(req.URL)
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, types.NewAuthError("download requires authentication", nil).WithURL(req.URL)
	case resp.HasHTTPError():
		return nil, types.NewReleaseDownloadError(req.URL, types.NewHTTPError(resp.StatusCode, req.URL))
	}

	ix.saveCookies(ctx, f)
	return resp, nil
}

// recordDownloadFailure updates the health tracker for a failed grab. A missing
// release says nothing about the remote and is not recorded.
func (ix *Indexer) recordDownloadFailure(ctx context.Context, err error, f *fetchState) {
	switch {
	case transport.IsCanceled(err):
		return
	case types.IsReleaseUnavailable(err):
		f.logger.Warn().Err(err).Msg("Release no longer exists")
		return
	}
	ix.recordFailure(ctx, err, f.logger)
}
