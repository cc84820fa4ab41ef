package middleware

import (
	"context"

	"github.com/Mindburn-Labs/eventfabric/pkg/envelope"
)

// Fingerprint annotates each envelope with the canonical hash of its
// payload. Payloads that cannot be hashed pass without the annotation.
func Fingerprint() Middleware {
	return Func("fingerprint", func(_ context.Context, env *envelope.Envelope) Decision {
		if fp, err := env.Fingerprint(); err == nil {
			env.Annotate(envelope.MetaFingerprint, fp)
		}
		return Pass()
	})
}
