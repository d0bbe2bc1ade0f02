// Package catalog interprets the open-data portal's top-level catalog: the
// document listing every published category with a link to its manifest.
// It also owns the key rule that turns a category link into the stable
// identifier used for cache directories and table names.
package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Category is one descriptor from the catalog document.
type Category struct {
	Name   string // human-readable title, may be empty
	Format string // declared payload format ("json", "csv", ...), may be empty
	Link   string // manifest location; the key is derived from it
}

// MalformedKeyError reports a category link the key rule cannot interpret.
type MalformedKeyError struct {
	Link string
}

func (e *MalformedKeyError) Error() string {
	return fmt.Sprintf("catalog: malformed category link %q", e.Link)
}

// NormalizeKey derives the category key from a link: the substring after the
// first '-' up to the next '/', lower-cased. The portal publishes dataset
// folders as "<publisher id>-<categoryName>/...", so
// "2200020458-privatizationPlans/docs/x.json" yields "privatizationplans".
// A link with no '-', no '/' after it, or nothing between them is malformed.
func NormalizeKey(link string) (string, error) {
	dash := strings.Index(link, "-")
	if dash < 0 {
		return "", &MalformedKeyError{Link: link}
	}
	rest := link[dash+1:]
	slash := strings.Index(rest, "/")
	if slash <= 0 {
		return "", &MalformedKeyError{Link: link}
	}
	return strings.ToLower(rest[:slash]), nil
}

// ParseCatalog decodes the catalog document. The portal serves either a bare
// array of descriptors or an envelope object holding such an array; for an
// envelope the largest array-of-objects member is taken (key order of a
// decoded object is not preserved, so "largest" replaces "first").
// Descriptors missing fields are kept as-is: the synchronizer decides what a
// missing link means, the parser never drops entries.
func ParseCatalog(data []byte) ([]Category, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var root any
	if err := dec.Decode(&root); err != nil {
		return nil, fmt.Errorf("catalog: decode: %w", err)
	}

	entries, ok := entryArray(root)
	if !ok {
		return nil, fmt.Errorf("catalog: document has no descriptor array")
	}

	out := make([]Category, 0, len(entries))
	for _, el := range entries {
		obj, ok := el.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, Category{
			Name:   stringField(obj, "name"),
			Format: stringField(obj, "format"),
			Link:   stringField(obj, "link"),
		})
	}
	return out, nil
}

// entryArray locates the descriptor list: the document itself when it is an
// array, otherwise the largest array-of-objects member of the envelope.
// Envelope keys are visited sorted so ties resolve deterministically.
func entryArray(root any) ([]any, bool) {
	switch v := root.(type) {
	case []any:
		if len(v) == 0 || arrayOfObjects(v) {
			return v, true
		}
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var best []any
		found := false
		for _, k := range keys {
			arr, ok := v[k].([]any)
			if !ok || !arrayOfObjects(arr) {
				continue
			}
			if !found || len(arr) > len(best) {
				best, found = arr, true
			}
		}
		return best, found
	}
	return nil, false
}

// arrayOfObjects reports whether arr holds at least one object and nothing
// but objects (nils tolerated, skipped later).
func arrayOfObjects(arr []any) bool {
	objs := 0
	for _, el := range arr {
		if el == nil {
			continue
		}
		if _, ok := el.(map[string]any); !ok {
			return false
		}
		objs++
	}
	return objs > 0
}

func stringField(obj map[string]any, key string) string {
	s, _ := obj[key].(string)
	return strings.TrimSpace(s)
}

// catalogHrefRE matches dataset folder links on the portal's HTML index
// page: a numeric publisher id, a dash, and the category name as the last
// path segment.
var catalogHrefRE = regexp.MustCompile(`(?:^|/)\d+-\w+/?$`)

// ParseCatalogHTML scrapes category descriptors from an HTML index page.
// The portal intermittently serves the catalog endpoint as a rendered
// directory listing instead of JSON; dataset anchors are recognized by
// their folder-link shape. Hrefs are deduplicated in document order and
// the anchor text becomes the category name. Format stays empty: the HTML
// listing does not declare one.
func ParseCatalogHTML(data []byte) ([]Category, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("catalog: parse html: %w", err)
	}

	var out []Category
	seen := make(map[string]bool)
	doc.Find("a").Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok {
			return
		}
		href = strings.TrimSpace(href)
		if href == "" || seen[href] || !catalogHrefRE.MatchString(href) {
			return
		}
		seen[href] = true
		out = append(out, Category{
			Name: strings.TrimSpace(sel.Text()),
			Link: href,
		})
	})
	return out, nil
}
