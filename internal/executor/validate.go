package executor

import (
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"snspilot/internal/storage"
)

// LimitValidator is a minimal stand-in for the platform validation
// service: rune-count limits for publish payloads, URL shape for like
// targets. The real weighted-character rules live outside the engine.
type LimitValidator struct{}

var publishLimits = map[string]int{
	"x":       280,
	"twitter": 280,
}

const defaultPublishLimit = 280

func (LimitValidator) Validate(platform string, kind storage.ActionKind, payload string) error {
	switch kind {
	case storage.KindPublish:
		if strings.TrimSpace(payload) == "" {
			return fmt.Errorf("empty content")
		}
		limit, ok := publishLimits[platform]
		if !ok {
			limit = defaultPublishLimit
		}
		if n := utf8.RuneCountInString(payload); n > limit {
			return fmt.Errorf("content is %d characters, limit for %s is %d", n, platform, limit)
		}
	case storage.KindLike:
		u, err := url.Parse(payload)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("target is not a valid URL: %q", payload)
		}
	}
	return nil
}

var _ Validator = LimitValidator{}
