package cardigann

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/slipstream/indexproxy/internal/indexer/download"
	"github.com/slipstream/indexproxy/internal/indexer/transport"
	"github.com/slipstream/indexproxy/internal/indexer/types"
)

// downloadVariables adds the parts of the download link under .DownloadUri.
func (e *Engine) downloadVariables(link *url.URL) Vars {
	v := e.baseVariables()
	v[".DownloadUri.AbsoluteUri"] = link.String()
	v[".DownloadUri.AbsolutePath"] = link.EscapedPath()
	v[".DownloadUri.Scheme"] = link.Scheme
	v[".DownloadUri.Host"] = link.Hostname()
	v[".DownloadUri.Port"] = portOf(link)
	v[".DownloadUri.PathAndQuery"] = link.RequestURI()
	query := ""
	if link.RawQuery != "" {
		query = "?" + link.RawQuery
	}
	v[".DownloadUri.Query"] = query
	for k, vals := range link.Query() {
		if len(vals) > 0 {
			v[".DownloadUri.Query."+k] = vals[0]
		}
	}
	return v
}

func portOf(u *url.URL) string {
	if p := u.Port(); p != "" {
		return p
	}
	switch u.Scheme {
	case "https":
		return "443"
	case "http":
		return "80"
	}
	return "-1"
}

// ResolveDownload turns a release link into the request that retrieves the
// release, following the definition's download block.
func (e *Engine) ResolveDownload(ctx context.Context, s *transport.Session, link string) (*transport.Request, error) {
	if download.IsMagnet(link) {
		return transport.NewRequest(link), nil
	}
	linkURL, err := url.Parse(link)
	if err != nil {
		return nil, types.NewReleaseDownloadError(link, err)
	}
	vars := e.downloadVariables(linkURL)
	headerBlock := e.def.Search.Headers
	if d := e.def.Download; d != nil && len(d.Headers) > 0 {
		headerBlock = d.Headers
	}
	headers := e.headers(headerBlock, vars)

	newRequest := func(target string) *transport.Request {
		req := transport.NewRequest(target)
		req.AllowRedirect = true
		applyHeaders(req, headers)
		return req
	}
	method := http.MethodGet
	finish := func(target string) *transport.Request {
		req := newRequest(target)
		req.Method = method
		return req
	}

	d := e.def.Download
	if d == nil {
		return finish(link), nil
	}
	if strings.EqualFold(d.Method, "post") {
		method = http.MethodPost
	}

	var before *goquery.Document
	if d.Before != nil {
		before, err = e.runBefore(ctx, s, d.Before, vars, link, newRequest)
		if err != nil {
			return nil, err
		}
	}

	page := func(useBefore bool) (*goquery.Document, error) {
		if useBefore && before != nil {
			return before, nil
		}
		resp, err := s.Do(ctx, newRequest(link))
		if err != nil {
			return nil, err
		}
		if err := downloadStatus(resp, link); err != nil {
			return nil, err
		}
		return parseHTML(e.text(resp))
	}
	env := e.filterEnv(vars)

	if ih := d.InfoHash; ih != nil {
		magnet, err := e.infoHashMagnet(ih, page, env)
		if err == nil {
			return finish(magnet), nil
		}
		e.logger.Error().Err(err).
			Str("hashSelector", ih.Hash.Selector).
			Str("titleSelector", ih.Title.Selector).
			Msg("InfoHash block failed")
		return finish(link), nil
	}

	for i := range d.Selectors {
		sel := &d.Selectors[i]
		doc, err := page(sel.UseBeforeResponse)
		if err != nil {
			return nil, err
		}
		href, found, err := resolveField(sel, doc.Selection, env)
		if err != nil {
			return nil, types.NewReleaseDownloadError(link, fmt.Errorf("download selector %q: %w", sel.Selector, err))
		}
		if !found {
			e.logger.Debug().Str("selector", sel.Selector).Msg("Download selector matched nothing")
			continue
		}
		target, err := e.resolvePath(href, link)
		if err != nil {
			return nil, types.NewReleaseDownloadError(link, err)
		}
		if !download.IsMagnet(target) && e.def.testLinkTorrent() {
			resp, err := s.Do(ctx, newRequest(target))
			if err != nil {
				return nil, err
			}
			if len(resp.Body) > 0 && resp.Body[0] != 'd' {
				e.logger.Debug().Str("selector", sel.Selector).Msg("Torrent file is invalid, trying the next selector")
				continue
			}
		}
		return finish(target), nil
	}
	return finish(link), nil
}

// runBefore issues the download.before request and returns its parsed response.
func (e *Engine) runBefore(ctx context.Context, s *transport.Session, b *BeforeBlock, vars Vars, link string, newRequest func(string) *transport.Request) (*goquery.Document, error) {
	path := b.Path.Expand(vars, nil)
	if b.PathSelector != nil {
		resp, err := s.Do(ctx, newRequest(link))
		if err != nil {
			return nil, err
		}
		if err := downloadStatus(resp, link); err != nil {
			return nil, err
		}
		doc, err := parseHTML(e.text(resp))
		if err != nil {
			return nil, types.NewReleaseDownloadError(link, err)
		}
		p, found, err := resolveField(b.PathSelector, doc.Selection, e.filterEnv(vars))
		if err != nil || !found {
			return nil, types.NewReleaseDownloadError(link, fmt.Errorf("before pathselector %q did not match: %v", b.PathSelector.Selector, err))
		}
		path = p
	}

	target, err := e.resolvePath(path, "")
	if err != nil {
		return nil, types.NewDefinitionError("invalid download.before path", err)
	}
	pairs := e.expandInputs(vars, b.Inputs)
	req := transport.NewRequest(target)
	if strings.EqualFold(b.Method, "post") {
		req.Method = http.MethodPost
		req.Body = []byte(e.encodePairs(pairs, "&"))
		req.ContentType = "application/x-www-form-urlencoded"
	} else if len(pairs) > 0 {
		sep := b.QuerySeparator
		if sep == "" {
			sep = "&"
		}
		qs := e.encodePairs(pairs, sep)
		if strings.Contains(target, "?") {
			req.URL = target + sep + qs
		} else {
			req.URL = target + "?" + qs
		}
	}
	req.SetHeader("Referer", link)

	resp, err := s.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	e.logger.Debug().Str("url", req.URL).Int("status", resp.StatusCode).Msg("download.before request completed")
	doc, err := parseHTML(e.text(resp))
	if err != nil {
		return nil, types.NewReleaseDownloadError(link, err)
	}
	return doc, nil
}

// infoHashMagnet builds a magnet from the hash and title found on the details page.
func (e *Engine) infoHashMagnet(ih *InfoHashBlock, page func(bool) (*goquery.Document, error), env *filterEnv) (string, error) {
	doc, err := page(ih.UseBeforeResponse)
	if err != nil {
		return "", err
	}
	hash, found, err := resolveField(&ih.Hash, doc.Selection, env)
	if err != nil || !found {
		return "", fmt.Errorf("infohash selectors didn't match: %v", err)
	}
	title, found, err := resolveField(&ih.Title, doc.Selection, env)
	if err != nil || !found {
		return "", fmt.Errorf("infohash selectors didn't match: %v", err)
	}
	return download.BuildMagnet(hash, title)
}

func downloadStatus(resp *transport.Response, link string) error {
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return types.NewReleaseUnavailableError(link)
	case resp.HasHTTPError():
		return types.NewReleaseDownloadError(link, types.NewHTTPError(resp.StatusCode, resp.URL))
	}
	return nil
}
