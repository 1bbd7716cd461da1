// Package cache stores classifier verdicts keyed by a fingerprint of the
// classified text, so the same window is never sent to the classifier twice.
package cache

import (
	"context"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/whisper/pageguard/internal/classify"
)

// Cache is a verdict store. Implementations are safe for concurrent use.
type Cache interface {
	Get(ctx context.Context, text string) (classify.Verdict, bool)
	Put(ctx context.Context, text string, v classify.Verdict)
	Len() int
}

// Fingerprint reduces text to a fixed 16 character key. Case and surrounding
// whitespace are ignored. Distinct texts can collide; a collision returns the
// other text's verdict.
func Fingerprint(text string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(strings.ToLower(strings.TrimSpace(text))))
}
