package cachetag

import (
	"net/http"
	"strings"
	"testing"

	"github.com/cache-pilot/cache-pilot/pkg/category"
)

func testEnv() category.Environment {
	return category.Environment{
		Name:                   "test",
		TagNamespace:           "ns",
		MaxTags:                25,
		RefreshIntervalSeconds: 30,
		SchemaVersion:          1,
	}
}

func generate(t *testing.T, url, name string, cfg category.Config, env category.Environment) []string {
	t.Helper()
	r, err := http.NewRequest("GET", url, nil)
	if err != nil {
		t.Fatal(err)
	}
	tags, err := NewGenerator("", nil, nil).Generate(r, name, cfg, env, "")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	return tags
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

func TestGenerateVideoExample(t *testing.T) {
	tags := generate(t, "http://example.com/videos/a.mp4", "video", category.Config{}, testEnv())

	for _, want := range []string{
		"ns:host:example.com",
		"ns:type:video",
		"ns:ext:mp4",
		"ns:path:/videos/a.mp4",
		"ns:prefix:/videos",
	} {
		if !hasTag(tags, want) {
			t.Fatalf("missing %s in %v", want, tags)
		}
	}
}

func TestGenerateSetProperties(t *testing.T) {
	tags := generate(t, "http://example.com/a/b/c/d.css", "frontend", category.Config{}, testEnv())

	if len(tags) > testEnv().MaxTags {
		t.Fatalf("%d tags exceeds maximum", len(tags))
	}
	seen := map[string]struct{}{}
	for _, tag := range tags {
		if !Validate(tag) {
			t.Fatalf("invalid tag generated: %q", tag)
		}
		if _, dup := seen[tag]; dup {
			t.Fatalf("duplicate tag: %q", tag)
		}
		seen[tag] = struct{}{}
	}
	if !hasTag(tags, "ns:host:example.com") || !hasTag(tags, "ns:type:frontend") {
		t.Fatalf("host or category tag missing: %v", tags)
	}
}

func TestGenerateDefaultCategoryHasNoTypeTag(t *testing.T) {
	tags := generate(t, "http://example.com/whatever", category.Default, category.DefaultConfig(), testEnv())

	for _, tag := range tags {
		if strings.HasPrefix(tag, "ns:type:") {
			t.Fatalf("default category produced a type tag: %q", tag)
		}
	}
	if !hasTag(tags, "ns:host:example.com") {
		t.Fatalf("host tag missing: %v", tags)
	}
}

func TestGenerateRootPath(t *testing.T) {
	tags := generate(t, "http://example.com/", "frontend", category.Config{}, testEnv())

	if !hasTag(tags, "ns:page:home") {
		t.Fatalf("page:home missing for root: %v", tags)
	}
	for _, tag := range tags {
		if strings.HasPrefix(tag, "ns:path:") || strings.HasPrefix(tag, "ns:prefix:") {
			t.Fatalf("root path produced path tags: %q", tag)
		}
	}
}

func TestGenerateDeepPathSkipsMiddleSegments(t *testing.T) {
	url := "http://example.com/s1/s2/s3/s4/s5/s6/s7/s8/s9/s10"
	tags := generate(t, url, "frontend", category.Config{}, testEnv())

	if len(tags) > testEnv().MaxTags {
		t.Fatalf("%d tags exceeds maximum", len(tags))
	}
	for _, tag := range tags {
		if !strings.HasPrefix(tag, "ns:prefix:") {
			continue
		}
		for _, middle := range []string{"s4", "s5", "s6", "s7"} {
			if strings.Contains(tag, middle) {
				t.Fatalf("prefix tag %q includes middle segment %s", tag, middle)
			}
		}
	}
	if !hasTag(tags, "ns:prefix:/s1/s2/s3") {
		t.Fatalf("head prefixes missing: %v", tags)
	}
	var tail bool
	for _, tag := range tags {
		if strings.HasPrefix(tag, "ns:prefix:") && strings.HasSuffix(tag, "/s10") {
			tail = true
		}
	}
	if !tail {
		t.Fatalf("tail segments missing from prefixes: %v", tags)
	}
}

func TestGeneratePriorityBound(t *testing.T) {
	env := testEnv()
	env.MaxTags = 3
	tags := generate(t, "http://example.com/a/b/c/d.js", "frontend", category.Config{}, env)

	if len(tags) > 3 {
		t.Fatalf("bound not applied: %v", tags)
	}
	// the three highest priorities are host (100), type (90), ext (85)
	if !hasTag(tags, "ns:host:example.com") || !hasTag(tags, "ns:type:frontend") || !hasTag(tags, "ns:ext:js") {
		t.Fatalf("bounding dropped the wrong tags: %v", tags)
	}
}

func TestGenerateQueryTagsAllowList(t *testing.T) {
	cfg := category.Config{Tags: &category.TagPolicy{QueryParams: []string{"page"}}}
	r, _ := http.NewRequest("GET", "http://example.com/search?q=test&page=2", nil)

	tags, err := NewGenerator("", nil, nil).Generate(r, "api", cfg, testEnv(), "")
	if err != nil {
		t.Fatal(err)
	}
	if !hasTag(tags, "ns:query:page=2") {
		t.Fatalf("allow-listed query tag missing: %v", tags)
	}
	for _, tag := range tags {
		if strings.Contains(tag, "test") {
			t.Fatalf("non-allow-listed value leaked into tags: %q", tag)
		}
	}
}

func TestGenerateNoQueryValuesWithoutPolicy(t *testing.T) {
	r, _ := http.NewRequest("GET", "http://example.com/search?q=test&page=2", nil)
	tags, err := NewGenerator("", nil, nil).Generate(r, "api", category.Config{}, testEnv(), "")
	if err != nil {
		t.Fatal(err)
	}
	for _, tag := range tags {
		if strings.Contains(tag, "test") {
			t.Fatalf("query value leaked into tags: %q", tag)
		}
	}
}

func TestGenerateVersionTag(t *testing.T) {
	cfg := category.Config{Tags: &category.TagPolicy{Version: true}}
	r, _ := http.NewRequest("GET", "http://example.com/app.js", nil)

	tags, err := NewGenerator("v1.2.3", nil, nil).Generate(r, "frontend", cfg, testEnv(), "")
	if err != nil {
		t.Fatal(err)
	}
	if !hasTag(tags, "ns:version:v1.2.3") {
		t.Fatalf("version tag missing: %v", tags)
	}

	// without a build version the tag is omitted entirely
	tags, err = NewGenerator("", nil, nil).Generate(r, "frontend", cfg, testEnv(), "")
	if err != nil {
		t.Fatal(err)
	}
	for _, tag := range tags {
		if strings.HasPrefix(tag, "ns:version:") {
			t.Fatalf("version tag emitted without a build version: %q", tag)
		}
	}
}

func TestGenerateDeduplicates(t *testing.T) {
	tags := generate(t, "http://example.com/videos/a.mp4", "video", category.Config{}, testEnv())

	seen := map[string]int{}
	for _, tag := range tags {
		seen[tag]++
	}
	for tag, n := range seen {
		if n > 1 {
			t.Fatalf("tag %q appears %d times", tag, n)
		}
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]bool{
		"ns:host:example.com": true,
		"":                    false,
		"has space":           false,
		"tab\ttab":            false,
		"ünïcode":             false,
		strings.Repeat("a", MaxTagLength):   true,
		strings.Repeat("a", MaxTagLength+1): false,
	}
	for tag, want := range cases {
		if got := Validate(tag); got != want {
			t.Fatalf("Validate(%.20q) = %v, want %v", tag, got, want)
		}
	}
}

func TestFormatForHeader(t *testing.T) {
	g := NewGenerator("", nil, nil)

	short := []string{"a", "b", "c"}
	if header := g.FormatForHeader(short); header != "a,b,c" {
		t.Fatalf("header is %q", header)
	}

	// force truncation: 20 tags of 1000 bytes exceed the 16 KiB limit
	long := make([]string, 20)
	for i := range long {
		long[i] = strings.Repeat(string(rune('a'+i)), 1000)
	}
	header := g.FormatForHeader(long)
	if len(header) > MaxHeaderLength {
		t.Fatalf("header length %d over limit", len(header))
	}
	for _, part := range strings.Split(header, ",") {
		if len(part) != 1000 {
			t.Fatalf("tag truncated mid-value: %d bytes", len(part))
		}
	}
	if !strings.HasPrefix(header, long[0]) {
		t.Fatal("leading tags dropped instead of trailing ones")
	}
}
