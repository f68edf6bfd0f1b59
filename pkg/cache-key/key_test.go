package cachekey

import (
	"net/http"
	"testing"

	"github.com/cache-pilot/cache-pilot/pkg/category"
)

func request(t *testing.T, url string) *http.Request {
	t.Helper()
	r, err := http.NewRequest("GET", url, nil)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestDeriveBaseKeyIsHostAndPath(t *testing.T) {
	d := NewDeriver(nil)
	r := request(t, "http://example.com/videos/a.mp4?session=123")
	cfg := category.Config{Query: &category.QueryPolicy{Include: false}}

	if key := d.Derive(r, cfg); key != "example.com/videos/a.mp4" {
		t.Fatalf("key is %q", key)
	}
}

func TestDeriveIsDeterministic(t *testing.T) {
	d := NewDeriver(nil)
	cfg := category.Config{
		Query:    &category.QueryPolicy{Include: true, Sort: true},
		Variants: &category.VariantPolicy{UseAccept: true},
	}
	r := request(t, "http://example.com/a?x=1&y=2")
	r.Header.Set("Accept", "text/html")

	first := d.Derive(r, cfg)
	for i := 0; i < 10; i++ {
		if key := d.Derive(r, cfg); key != first {
			t.Fatalf("key changed between derivations: %q vs %q", first, key)
		}
	}
}

func TestLegacyQueryMode(t *testing.T) {
	d := NewDeriver(nil)
	r := request(t, "http://example.com/page?b=2&a=1")

	with := d.Derive(r, category.Config{UseQueryInCacheKey: true})
	if with != "example.com/page?b=2&a=1" {
		t.Fatalf("raw query not appended verbatim: %q", with)
	}
	without := d.Derive(r, category.Config{UseQueryInCacheKey: false})
	if without != "example.com/page" {
		t.Fatalf("key without query is %q", without)
	}
	// flipping the flag must remove exactly the query suffix
	if with != without+"?b=2&a=1" {
		t.Fatalf("flag flip changed more than the query: %q vs %q", with, without)
	}
}

func TestQueryPolicySortAndExclude(t *testing.T) {
	d := NewDeriver(nil)
	r := request(t, "http://example.com/search?q=test&page=2&token=secret")
	cfg := category.Config{Query: &category.QueryPolicy{
		Include:     true,
		ExcludeList: []string{"token"},
		Sort:        true,
	}}

	key := d.Derive(r, cfg)
	if key != "example.com/search?page=2&q=test" {
		t.Fatalf("key is %q", key)
	}
}

func TestQueryPolicyIncludeList(t *testing.T) {
	d := NewDeriver(nil)
	r := request(t, "http://example.com/list?page=3&limit=10&junk=x")
	cfg := category.Config{Query: &category.QueryPolicy{
		Include:     true,
		IncludeList: []string{"page", "limit"},
	}}

	if key := d.Derive(r, cfg); key != "example.com/list?page=3&limit=10" {
		t.Fatalf("key is %q", key)
	}
}

func TestQueryPolicyNormalize(t *testing.T) {
	d := NewDeriver(nil)
	r := request(t, "http://example.com/s?q=MiXeD")
	cfg := category.Config{Query: &category.QueryPolicy{Include: true, Normalize: true}}

	if key := d.Derive(r, cfg); key != "example.com/s?q=mixed" {
		t.Fatalf("key is %q", key)
	}
}

func TestQueryPolicyEmptyAfterFilter(t *testing.T) {
	d := NewDeriver(nil)
	r := request(t, "http://example.com/p?token=x")
	cfg := category.Config{Query: &category.QueryPolicy{
		Include:     true,
		ExcludeList: []string{"token"},
	}}

	if key := d.Derive(r, cfg); key != "example.com/p" {
		t.Fatalf("filtered-out query still left a suffix: %q", key)
	}
}

func TestQueryValuesPercentEncoded(t *testing.T) {
	d := NewDeriver(nil)
	r := request(t, "http://example.com/s?q=a%20b")
	cfg := category.Config{Query: &category.QueryPolicy{Include: true}}

	if key := d.Derive(r, cfg); key != "example.com/s?q=a+b" {
		t.Fatalf("value not re-encoded: %q", key)
	}
}

func TestVariantDimensionsInOrder(t *testing.T) {
	d := NewDeriver(nil)
	r := request(t, "http://example.com/page")
	r.Header.Set("X-Locale", "fi")
	r.Header.Set("Accept", "image/webp,image/*")
	r.Header.Set("User-Agent", "Mozilla/5.0 (iPhone; CPU iPhone OS 16_0) Mobile/15E148")
	r.Header.Set("Sec-CH-UA-Platform", "iOS")
	r.AddCookie(&http.Cookie{Name: "ab_bucket", Value: "b"})
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	cfg := category.Config{Variants: &category.VariantPolicy{
		Headers:      []string{"X-Locale"},
		ClientHints:  []string{"Sec-CH-UA-Platform"},
		Cookies:      []string{"ab_bucket"},
		UseAccept:    true,
		UseUserAgent: true,
		UseClientIP:  true,
	}}

	want := "example.com/page" +
		"|h:x-locale=fi" +
		"|accept=image" +
		"|ua=mobile" +
		"|ch:sec-ch-ua-platform=iOS" +
		"|c:ab_bucket=b" +
		"|ip=203.0.113.9"
	if key := d.Derive(r, cfg); key != want {
		t.Fatalf("key is %q, want %q", key, want)
	}
}

func TestVariantAbsentDimensionsOmitted(t *testing.T) {
	d := NewDeriver(nil)
	r := request(t, "http://example.com/page")

	cfg := category.Config{Variants: &category.VariantPolicy{
		Headers:      []string{"X-Locale"},
		Cookies:      []string{"ab_bucket"},
		UseAccept:    true,
		UseUserAgent: true,
		UseClientIP:  true,
	}}

	if key := d.Derive(r, cfg); key != "example.com/page" {
		t.Fatalf("absent dimensions produced a descriptor: %q", key)
	}
}

func TestUserAgentClassification(t *testing.T) {
	if got := classifyUserAgent("Mozilla/5.0 (Windows NT 10.0; Win64; x64)"); got != "desktop" {
		t.Fatalf("desktop UA classified as %s", got)
	}
	if got := classifyUserAgent("Mozilla/5.0 (Linux; Android 13) Mobile Safari"); got != "mobile" {
		t.Fatalf("mobile UA classified as %s", got)
	}
}

func TestAcceptMainType(t *testing.T) {
	cases := map[string]string{
		"image/avif,image/webp,*/*": "image",
		"text/html;q=0.9":           "text",
		"*/*":                       "*",
		"":                          "",
	}
	for accept, want := range cases {
		if got := acceptMainType(accept); got != want {
			t.Fatalf("acceptMainType(%q) = %q, want %q", accept, got, want)
		}
	}
}

func TestRawKeyFallback(t *testing.T) {
	r := request(t, "http://example.com/p?x=1")
	if key := RawKey(r); key != "example.com/p?x=1" {
		t.Fatalf("raw key is %q", key)
	}
}

func TestDeriveNilURLFallsBack(t *testing.T) {
	d := NewDeriver(nil)
	r := &http.Request{Host: "example.com", Header: http.Header{}}

	if key := d.Derive(r, category.Config{}); key != "example.com" {
		t.Fatalf("key is %q", key)
	}
	if key := RawKey(r); key != "example.com" {
		t.Fatalf("raw key is %q", key)
	}
}
