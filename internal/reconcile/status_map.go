package reconcile

import (
	"strings"

	"github.com/ignite/textpulse/internal/domain"
	"github.com/ignite/textpulse/internal/provider"
)

// StatusMap translates a gateway's raw delivery-report vocabulary into the
// internal message status. Keys are lowercase raw statuses.
type StatusMap map[string]domain.MessageStatus

// DefaultStatusMaps covers the stock vocabularies of the supported gateways.
// Deployments facing a regional carrier with odd statuses can extend these
// via config overrides.
var DefaultStatusMaps = map[provider.Kind]StatusMap{
	provider.KindTwilio: {
		"queued":      domain.MessagePending,
		"accepted":    domain.MessagePending,
		"sending":     domain.MessagePending,
		"sent":        domain.MessageSent,
		"delivered":   domain.MessageDelivered,
		"undelivered": domain.MessageFailed,
		"failed":      domain.MessageFailed,
	},
	provider.KindVonage: {
		"buffered":  domain.MessagePending,
		"submitted": domain.MessageSent,
		"accepted":  domain.MessageSent,
		"delivered": domain.MessageDelivered,
		"expired":   domain.MessageFailed,
		"failed":    domain.MessageFailed,
		"rejected":  domain.MessageFailed,
	},
	provider.KindSNS: {
		"pending": domain.MessagePending,
		"success": domain.MessageDelivered,
		"failure": domain.MessageFailed,
	},
	provider.KindMock: {
		"pending":   domain.MessagePending,
		"sent":      domain.MessageSent,
		"delivered": domain.MessageDelivered,
		"failed":    domain.MessageFailed,
	},
}

// MapStatus resolves a raw gateway status against the map for the given
// provider. Unknown statuses resolve to pending so a later, recognizable
// report can still advance the message.
func MapStatus(maps map[provider.Kind]StatusMap, kind provider.Kind, raw string) domain.MessageStatus {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if m, ok := maps[kind]; ok {
		if s, ok := m[raw]; ok {
			return s
		}
	}
	return domain.MessagePending
}

// MergeOverrides layers config-supplied status overrides on top of the
// defaults without mutating them.
func MergeOverrides(overrides map[provider.Kind]map[string]string) map[provider.Kind]StatusMap {
	merged := make(map[provider.Kind]StatusMap, len(DefaultStatusMaps))
	for kind, m := range DefaultStatusMaps {
		copied := make(StatusMap, len(m))
		for k, v := range m {
			copied[k] = v
		}
		merged[kind] = copied
	}
	for kind, m := range overrides {
		if merged[kind] == nil {
			merged[kind] = make(StatusMap, len(m))
		}
		for raw, status := range m {
			merged[kind][strings.ToLower(raw)] = domain.MessageStatus(status)
		}
	}
	return merged
}
