package models

import (
	"strings"

	"github.com/Ramsey-B/fern/pkg/comparators"
)

// Platform identifies the store a record was crawled from
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
)

// NamedLink is a link shown on a store page together with its label
type NamedLink struct {
	LinkName string `json:"link_name"`
	Link     string `json:"link"`
}

// AppURLs holds the links a store page exposes.
// iOS pages only carry labelled Links; Android pages carry the dedicated fields.
type AppURLs struct {
	Links            []NamedLink `json:"links,omitempty"`
	PrivacyPolicy    string      `json:"privacy_policy,omitempty"`
	DeveloperWebsite string      `json:"developer_website,omitempty"`
}

// IconHashes holds hex encoded perceptual hashes of the app icon
type IconHashes struct {
	AHash  string `json:"ahash,omitempty"`
	PHash  string `json:"phash,omitempty"`
	WHash  string `json:"whash,omitempty"`
	CRHash string `json:"crhash,omitempty"` // comma separated segments
}

// DeepLinks describes the URL schemes and verified hosts an app handles
type DeepLinks struct {
	CustomSchemes  []string `json:"custom_schemes,omitempty"`
	AppLinks       []string `json:"app_links,omitempty"`
	UniversalLinks []string `json:"universal_links,omitempty"` // iOS entitlements, "applinks:" prefixed
}

// ParsedIcon holds icon hashes decoded by the image hash pre-pass
type ParsedIcon struct {
	AHash  *comparators.ImageHash `json:"ahash,omitempty"`
	PHash  *comparators.ImageHash `json:"phash,omitempty"`
	WHash  *comparators.ImageHash `json:"whash,omitempty"`
	CRHash *comparators.MultiHash `json:"crhash,omitempty"`
}

// Derived holds fields written by pre-pass steps. Nothing else may write to a record.
type Derived struct {
	Text            string      `json:"text,omitempty"`
	Icon            *ParsedIcon `json:"icon,omitempty"`
	IconError       string      `json:"icon_error,omitempty"`
	FoldedName      string      `json:"folded_name,omitempty"`
	FoldedDeveloper string      `json:"folded_developer,omitempty"`
}

// AppRecord is one catalog entry. Records are read once per run and treated as immutable
// apart from Derived.
type AppRecord struct {
	ID                   string      `json:"id" validate:"required"`
	Catalog              string      `json:"catalog"`
	Platform             Platform    `json:"platform"`
	Name                 string      `json:"name"`
	Developer            string      `json:"developer"`
	Description          string      `json:"description,omitempty"`
	DescriptionFragments []string    `json:"description_fragments,omitempty"`
	DescriptionLanguage  string      `json:"description_language,omitempty"`
	URLs                 AppURLs     `json:"urls"`
	Icon                 *IconHashes `json:"icon,omitempty"`
	DeepLinks            *DeepLinks  `json:"deep_links,omitempty"`
	Derived              Derived     `json:"derived"`
}

// FindLink returns the link of the last entry whose lowercased label contains one of the needles
func (r *AppRecord) FindLink(needles ...string) string {
	found := ""
	for _, l := range r.URLs.Links {
		if containsAny(l.LinkName, needles) {
			found = l.Link
		}
	}
	return found
}

func containsAny(label string, needles []string) bool {
	label = strings.ToLower(label)
	for _, n := range needles {
		if strings.Contains(label, n) {
			return true
		}
	}
	return false
}
