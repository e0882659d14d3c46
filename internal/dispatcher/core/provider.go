package core

import (
	"net/url"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Provider identifies the job board platform behind an application URL.
// Agents pick their form-filling strategy from it.
type Provider string

const (
	ProviderLinkedIn   Provider = "LINKEDIN"
	ProviderGreenhouse Provider = "GREENHOUSE"
	ProviderLever      Provider = "LEVER"
	ProviderWorkday    Provider = "WORKDAY"
	ProviderGeneric    Provider = "GENERIC"
)

var providerHostPatterns = []struct {
	provider Provider
	patterns []string
}{
	{ProviderLinkedIn, []string{"linkedin.com", "*.linkedin.com"}},
	{ProviderGreenhouse, []string{"greenhouse.io", "*.greenhouse.io"}},
	{ProviderLever, []string{"lever.co", "*.lever.co"}},
	{ProviderWorkday, []string{"*.myworkdayjobs.com", "*.workday.com"}},
}

// DetectProvider classifies an apply URL by host. Unparseable or unmatched
// URLs fall back to GENERIC so enqueue never rejects a task over its URL.
func DetectProvider(applyURL string) Provider {
	u, err := url.Parse(applyURL)
	if err != nil {
		return ProviderGeneric
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return ProviderGeneric
	}

	for _, entry := range providerHostPatterns {
		for _, pattern := range entry.patterns {
			if ok, err := doublestar.Match(pattern, host); err == nil && ok {
				return entry.provider
			}
		}
	}
	return ProviderGeneric
}
