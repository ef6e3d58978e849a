// Package cache stores previously accepted field values so a repeated request
// for the same contact skips the provider waterfall.
package cache

import (
	"context"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/lead-enrichment/internal/model"
)

// Cache is the enrichment cache contract. A nil entry from Get is a miss;
// expired entries are never returned.
type Cache interface {
	Get(ctx context.Context, orgID, field string, identity model.ContactIdentity) (*model.CacheEntry, error)
	// Put stores or overwrites a value valid for ttlDays. A non-positive
	// ttlDays stores nothing.
	Put(ctx context.Context, orgID, field string, identity model.ContactIdentity,
		value any, confidence float64, provider string, ttlDays int) error
}

// fold applies NFKC normalization and Unicode case folding. A Caser is
// stateful, so each call gets its own.
func fold(s string) string {
	return cases.Fold().String(norm.NFKC.String(strings.TrimSpace(s)))
}

// NormalizeIdentity returns the cache key for a contact, built from the
// strongest identifier available: email, LinkedIn URL, phone digits, then
// domain plus name. An empty key means the contact cannot be cached.
func NormalizeIdentity(id model.ContactIdentity) string {
	if email := fold(id.Email); strings.Contains(email, "@") {
		return "email:" + email
	}
	if li := normalizeLinkedIn(id.LinkedInURL); li != "" {
		return "linkedin:" + li
	}
	if digits := onlyDigits(id.Phone); len(digits) >= 7 {
		return "phone:" + digits
	}
	domain := fold(id.Domain)
	if domain == "" {
		domain = fold(id.Company)
	}
	name := strings.Join(strings.Fields(fold(id.FullName())), " ")
	if domain != "" && name != "" {
		return "name:" + domain + "|" + name
	}
	return ""
}

func normalizeLinkedIn(raw string) string {
	s := fold(raw)
	for _, prefix := range []string{"https://", "http://", "www.", "linkedin.com"} {
		s = strings.TrimPrefix(s, prefix)
	}
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		s = s[:i]
	}
	return strings.Trim(s, "/")
}

func onlyDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func newEntry(orgID, field, key string, value any, confidence float64, provider string, ttlDays int, now time.Time) model.CacheEntry {
	now = now.UTC()
	return model.CacheEntry{
		OrganizationID: orgID,
		Field:          field,
		IdentityKey:    key,
		Value:          value,
		Confidence:     confidence,
		Provider:       provider,
		CachedAt:       now,
		ExpiresAt:      now.Add(time.Duration(ttlDays) * 24 * time.Hour),
	}
}

// advisory degrades backend failures to misses and no-op writes.
type advisory struct {
	next Cache
}

// Advisory wraps c so cache failures are logged and never reach the caller.
func Advisory(c Cache) Cache {
	if c == nil {
		return nil
	}
	return &advisory{next: c}
}

func (a *advisory) Get(ctx context.Context, orgID, field string, identity model.ContactIdentity) (*model.CacheEntry, error) {
	e, err := a.next.Get(ctx, orgID, field, identity)
	if err != nil {
		zap.L().Warn("cache: get failed, treating as miss",
			zap.String("org_id", orgID),
			zap.String("field", field),
			zap.Error(err),
		)
		return nil, nil
	}
	return e, nil
}

func (a *advisory) Put(ctx context.Context, orgID, field string, identity model.ContactIdentity,
	value any, confidence float64, provider string, ttlDays int) error {
	if err := a.next.Put(ctx, orgID, field, identity, value, confidence, provider, ttlDays); err != nil {
		zap.L().Warn("cache: put failed",
			zap.String("org_id", orgID),
			zap.String("field", field),
			zap.String("provider", provider),
			zap.Error(err),
		)
	}
	return nil
}
