// internal/service/template_service.go
package service

import (
	"context"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/unclebandit/massmail-backend/internal/model"
	"github.com/unclebandit/massmail-backend/internal/repository"
)

const (
	TokenUserLogin    = "user_login"
	TokenUserEmail    = "user_email"
	TokenSiteTitle    = "site_title"
	TokenLoginURL     = "login_url"
	TokenHomeURL      = "home_url"
	TokenProfileURL   = "profile_url"
	TokenResetPassURL = "resetpass_url"
)

// RenderTemplate replaces every {key} of data in one pass. Substituted values
// are not scanned again and unknown tokens are left untouched.
func RenderTemplate(template string, data map[string]string) string {
	if len(data) == 0 {
		return template
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		pairs = append(pairs, "{"+k+"}", data[k])
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

// ProfileURLProvider builds a member profile link. It is optional; without it
// {profile_url} is not substituted.
type ProfileURLProvider interface {
	ProfileURL(r *model.Recipient) string
}

// ProfileURLTemplate is a ProfileURLProvider driven by a pattern such as
// "https://example.com/members/{user_login}/". {user_id} is also recognised.
type ProfileURLTemplate string

func (p ProfileURLTemplate) ProfileURL(r *model.Recipient) string {
	return RenderTemplate(string(p), map[string]string{
		TokenUserLogin: url.PathEscape(r.Login),
		"user_id":      strconv.FormatInt(int64(r.ID), 10),
	})
}

type TemplateService struct {
	Site      model.SiteContext
	Profiles  ProfileURLProvider
	ResetKeys repository.ResetKeyIssuer
}

// RenderSubject substitutes the tokens allowed in subjects.
func (s *TemplateService) RenderSubject(tpl string, r *model.Recipient) string {
	return RenderTemplate(tpl, map[string]string{
		TokenUserLogin: r.Login,
		TokenSiteTitle: s.Site.Title,
	})
}

// RenderBody substitutes the body tokens. A reset key is issued only when the
// template asks for {resetpass_url}.
func (s *TemplateService) RenderBody(ctx context.Context, tpl string, r *model.Recipient) (string, error) {
	data := map[string]string{
		TokenUserLogin: r.Login,
		TokenUserEmail: r.Email,
		TokenLoginURL:  s.Site.LoginURL,
		TokenHomeURL:   s.Site.HomeURL,
		TokenSiteTitle: s.Site.Title,
	}
	if s.Profiles != nil {
		data[TokenProfileURL] = s.Profiles.ProfileURL(r)
	}
	if NeedsResetURL(tpl) {
		if s.ResetKeys == nil {
			return "", errors.New("template uses {resetpass_url} but no reset key issuer is configured")
		}
		key, err := s.ResetKeys.IssueResetKey(ctx, r)
		if err != nil {
			return "", errors.Wrapf(err, "issue reset key for %s", r.Login)
		}
		data[TokenResetPassURL] = ResetPassURL(s.Site.LoginURL, key, r.Login)
	}
	return RenderTemplate(tpl, data), nil
}

func NeedsResetURL(tpl string) bool {
	return strings.Contains(tpl, "{"+TokenResetPassURL+"}")
}

// ResetPassURL appends action=rp, the key and the login to loginURL. The
// login is escaped rawurlencode-style, with %20 for spaces.
func ResetPassURL(loginURL, key, login string) string {
	base, existing := loginURL, url.Values{}
	if u, err := url.Parse(loginURL); err == nil {
		existing = u.Query()
		u.RawQuery, u.Fragment, u.RawFragment = "", "", ""
		base = u.String()
	}
	existing.Del("login")
	existing.Set("action", "rp")
	existing.Set("key", key)
	return base + "?" + existing.Encode() + "&login=" + rawURLEncode(login)
}

// rawURLEncode escapes everything but letters, digits and -_.~ .
func rawURLEncode(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// SubjectTokens and BodyTokens list what operators may use in each field.
func SubjectTokens() []string {
	return []string{TokenUserLogin, TokenSiteTitle}
}

func (s *TemplateService) BodyTokens() []string {
	tokens := []string{TokenUserLogin, TokenUserEmail, TokenLoginURL, TokenHomeURL}
	if s.Profiles != nil {
		tokens = append(tokens, TokenProfileURL)
	}
	return append(tokens, TokenSiteTitle, TokenResetPassURL)
}
