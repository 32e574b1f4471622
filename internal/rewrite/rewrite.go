// Package rewrite turns upstream links into proxy-relative links.
//
// HTML rewriting is lexical: href, src and action attribute values and CSS
// url(...) references are matched with regular expressions, never parsed as a
// DOM. URLs assembled by scripts at runtime are not seen.
package rewrite

import (
	"html"
	"net/url"
	"regexp"
	"strings"

	"universal-proxy-go/internal/model"
)

var (
	// attrPattern matches href/src/action attributes with a double-quoted,
	// single-quoted or bare value. The leading whitespace keeps data-href and
	// similar names from matching.
	attrPattern = regexp.MustCompile(`(?i)(\s)(href|src|action)(\s*=\s*)(?:"([^"]*)"|'([^']*)'|([^\s"'<>]+))`)

	// cssURLPattern matches url(...) with an optional quote around the value.
	// Matches preceded by a name character (fetchurl, my-url) are skipped in
	// cssURLs.
	cssURLPattern = regexp.MustCompile(`(?i)url\(\s*(?:"([^"]*)"|'([^']*)'|([^\s"'()]+))\s*\)`)
)

// skipPrefixes are values left untouched: fragments, inline data and
// non-navigational schemes.
var skipPrefixes = []string{"data:", "#", "javascript:", "mailto:"}

// ProxyURL returns <basePath>?<param>=<escaped absolute URL>.
func ProxyURL(basePath, param, absolute string) string {
	return basePath + "?" + param + "=" + url.QueryEscape(absolute)
}

// Rewriter rewrites links found in a single upstream response.
type Rewriter struct {
	rc model.RewriteContext
}

// New creates a Rewriter for one response.
func New(rc model.RewriteContext) *Rewriter {
	return &Rewriter{rc: rc}
}

// Link resolves raw against the target and returns its proxy-relative form.
// The second result is false when raw is left as is.
func (r *Rewriter) Link(raw string) (string, bool) {
	v := strings.TrimSpace(html.UnescapeString(raw))
	if v == "" {
		return raw, false
	}
	lower := strings.ToLower(v)
	for _, p := range skipPrefixes {
		if strings.HasPrefix(lower, p) {
			return raw, false
		}
	}
	if strings.HasPrefix(v, r.rc.BasePath+"?") {
		return raw, false
	}

	ref, err := url.Parse(v)
	if err != nil {
		return raw, false
	}
	abs := r.rc.Target.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return raw, false
	}
	if r.rc.ProxyHost != "" && strings.EqualFold(abs.Host, r.rc.ProxyHost) {
		return raw, false
	}

	return ProxyURL(r.rc.BasePath, r.rc.Param, abs.String()), true
}

// HTML rewrites every matched attribute and url() reference in doc and
// reports how many links were replaced.
func (r *Rewriter) HTML(doc string) (string, int) {
	n := 0

	doc = attrPattern.ReplaceAllStringFunc(doc, func(m string) string {
		sub := attrPattern.FindStringSubmatch(m)
		value, quote := pickValue(sub[4], sub[5], sub[6])
		link, ok := r.Link(value)
		if !ok {
			return m
		}
		n++
		// Bare values stay bare: the match may sit inside another quoted
		// attribute, and proxy URLs contain no spaces or quotes.
		return sub[1] + sub[2] + sub[3] + quote + link + quote
	})

	doc, css := r.cssURLs(doc)
	return doc, n + css
}

// cssURLs rewrites url(...) references that start a CSS token.
func (r *Rewriter) cssURLs(doc string) (string, int) {
	var (
		b    strings.Builder
		last int
		n    int
	)
	for _, loc := range cssURLPattern.FindAllStringSubmatchIndex(doc, -1) {
		start, end := loc[0], loc[1]
		if start > 0 && isNameByte(doc[start-1]) {
			continue
		}
		value, quote := pickValue(submatch(doc, loc, 1), submatch(doc, loc, 2), submatch(doc, loc, 3))
		link, ok := r.Link(value)
		if !ok {
			continue
		}
		b.WriteString(doc[last:start])
		b.WriteString("url(" + quote + link + quote + ")")
		last = end
		n++
	}
	if n == 0 {
		return doc, 0
	}
	b.WriteString(doc[last:])
	return b.String(), n
}

func submatch(s string, loc []int, i int) string {
	if loc[2*i] < 0 {
		return ""
	}
	return s[loc[2*i]:loc[2*i+1]]
}

func isNameByte(c byte) bool {
	return c == '-' || c == '_' ||
		('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9')
}

// pickValue returns whichever alternative matched and the quote it used.
// An empty value comes back unquoted; Link never rewrites it.
func pickValue(double, single, bare string) (string, string) {
	switch {
	case double != "":
		return double, `"`
	case single != "":
		return single, `'`
	default:
		return bare, ""
	}
}
