package middleware

import (
	"context"
	"strings"

	"github.com/Mindburn-Labs/eventfabric/pkg/envelope"
)

// Verifier checks the signature carried by an envelope. Without a Verifier
// the quarantine only checks that a signature is present.
type Verifier interface {
	Verify(ctx context.Context, env *envelope.Envelope) error
}

// QuarantineConfig lists the channels that require a trust marker and the
// sources that are never admitted.
type QuarantineConfig struct {
	CriticalChannels []string
	UntrustedSources []string
	Verifier         Verifier
}

type quarantine struct {
	critical  map[string]struct{}
	untrusted map[string]struct{}
	verifier  Verifier
}

// Quarantine drops envelopes from untrusted sources on every channel, and
// envelopes on critical channels that lack a trust marker. The marker is a
// signature plus either proofOfMastery or isSystem == "true".
func Quarantine(cfg QuarantineConfig) Middleware {
	q := &quarantine{
		critical:  make(map[string]struct{}, len(cfg.CriticalChannels)),
		untrusted: make(map[string]struct{}, len(cfg.UntrustedSources)),
		verifier:  cfg.Verifier,
	}
	for _, c := range cfg.CriticalChannels {
		q.critical[envelope.NormalizeChannel(c)] = struct{}{}
	}
	for _, s := range cfg.UntrustedSources {
		q.untrusted[strings.TrimSpace(s)] = struct{}{}
	}
	return q
}

func (q *quarantine) Name() string { return "quarantine" }

func (q *quarantine) Handle(ctx context.Context, env *envelope.Envelope) Decision {
	if src := env.Source(); src != "" {
		if _, bad := q.untrusted[src]; bad {
			return Drop("untrusted source " + src)
		}
	}

	if _, critical := q.critical[env.Channel()]; !critical {
		return Pass()
	}

	sig, _ := env.Meta(envelope.MetaSignature)
	if sig == "" {
		return Drop("missing signature on critical channel")
	}
	proof, _ := env.Meta(envelope.MetaProofOfMastery)
	system, _ := env.Meta(envelope.MetaIsSystem)
	if proof == "" && system != "true" {
		return Drop("missing proof of mastery on critical channel")
	}

	if q.verifier != nil {
		if err := q.verifier.Verify(ctx, env); err != nil {
			return Drop("signature rejected: " + err.Error())
		}
	}
	return Pass()
}
