package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"

	"xrayscope/internal/artifact"
)

const DefaultDriveURL = "https://drive.google.com/uc"

// DriveFetcher downloads publicly shared files by id from a Google Drive
// style "uc?id=" endpoint. Large files are answered with an HTML interstitial
// whose form carries the confirmation token; the fetcher submits it once.
type DriveFetcher struct {
	baseURL   *url.URL
	client    *http.Client
	userAgent string
}

type DriveConfig struct {
	BaseURL string
	// Timeout bounds a whole download. Zero means no limit.
	Timeout   time.Duration
	UserAgent string
	Client    *http.Client
}

func NewDriveFetcher(cfg DriveConfig) (*DriveFetcher, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		raw = DefaultDriveURL
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse drive url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("drive url must be http(s): %s", raw)
	}
	client := cfg.Client
	if client == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, err
		}
		client = &http.Client{Jar: jar, Timeout: cfg.Timeout}
	}
	ua := strings.TrimSpace(cfg.UserAgent)
	if ua == "" {
		ua = "xrayscope-provisioner/1.0"
	}
	return &DriveFetcher{baseURL: base, client: client, userAgent: ua}, nil
}

func (d *DriveFetcher) Name() string { return "drive" }

func (d *DriveFetcher) Fetch(ctx context.Context, spec artifact.Spec) (*Download, error) {
	if d == nil {
		return nil, fmt.Errorf("drive fetcher is nil")
	}
	u := *d.baseURL
	q := u.Query()
	q.Set("id", spec.RemoteID)
	q.Set("export", "download")
	u.RawQuery = q.Encode()

	resp, err := d.get(ctx, &u)
	if err != nil {
		return nil, err
	}
	if !isHTML(resp) {
		return d.download(resp), nil
	}

	confirmURL, err := confirmationURL(&u, resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", spec.Name, err)
	}
	resp, err = d.get(ctx, confirmURL)
	if err != nil {
		return nil, err
	}
	if isHTML(resp) {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%s: %w", spec.Name, ErrUnexpectedUI)
	}
	return d.download(resp), nil
}

func (d *DriveFetcher) get(ctx context.Context, u *url.URL) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", d.userAgent)
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		_ = resp.Body.Close()
		return nil, ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		_ = resp.Body.Close()
		return nil, fmt.Errorf("drive: unexpected status %s", resp.Status)
	}
	return resp, nil
}

func (d *DriveFetcher) download(resp *http.Response) *Download {
	return &Download{Body: resp.Body, Source: d.Name(), Size: resp.ContentLength}
}

func isHTML(resp *http.Response) bool {
	if cd := resp.Header.Get("Content-Disposition"); strings.Contains(strings.ToLower(cd), "attachment") {
		return false
	}
	mt, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return false
	}
	return mt == "text/html"
}

var errNoConfirmation = errors.New("drive: no download confirmation in interstitial page")

// confirmationURL extracts the follow-up request from the interstitial page:
// either the "download-form" form with its hidden inputs, or a legacy link
// carrying a confirm= token.
func confirmationURL(page *url.URL, body io.Reader) (*url.URL, error) {
	doc, err := html.Parse(io.LimitReader(body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("drive: parse interstitial: %w", err)
	}

	var form, link *html.Node
	var title string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "form":
				if form == nil && (attr(n, "id") == "download-form" || strings.Contains(attr(n, "action"), "download")) {
					form = n
				}
			case "a":
				if link == nil && strings.Contains(attr(n, "href"), "confirm=") {
					link = n
				}
			case "title":
				if n.FirstChild != nil && n.FirstChild.Type == html.TextNode {
					title = strings.TrimSpace(n.FirstChild.Data)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	switch {
	case form != nil:
		action, err := page.Parse(attr(form, "action"))
		if err != nil {
			return nil, fmt.Errorf("drive: bad form action: %w", err)
		}
		q := action.Query()
		collectHiddenInputs(form, q)
		action.RawQuery = q.Encode()
		return action, nil
	case link != nil:
		return page.Parse(attr(link, "href"))
	}
	if title != "" {
		return nil, fmt.Errorf("%w (%s)", errNoConfirmation, title)
	}
	return nil, errNoConfirmation
}

func collectHiddenInputs(n *html.Node, q url.Values) {
	if n.Type == html.ElementNode && n.Data == "input" && strings.EqualFold(attr(n, "type"), "hidden") {
		if name := attr(n, "name"); name != "" {
			q.Set(name, attr(n, "value"))
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectHiddenInputs(c, q)
	}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
