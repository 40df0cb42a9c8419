package webhooks

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// TokenWindow buckets lifecycle-event tokens: rapid repeats of the same
// state notification inside one window collapse into one event, while a
// genuinely new state change a window later passes through.
const TokenWindow = 30 * time.Second

// DeriveToken computes the idempotency token for a normalized delivery.
//
// Content events use the provider's own message identifier, which is
// stable across provider retries. State-only events carry no natural
// identifier, so the token is a hash of
// (provider, instance, event, state, body digest) plus the time bucket.
func DeriveToken(provider string, env *Envelope, body []byte, now time.Time) string {
	if env.Content() {
		return env.MessageId
	}

	bucket := now.UTC().Unix() / int64(TokenWindow/time.Second)
	digest := sha256.Sum256(body)

	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%d",
		provider, env.Instance, env.EventType, env.State,
		hex.EncodeToString(digest[:]), bucket)
	return hex.EncodeToString(h.Sum(nil))
}
