package engine

import (
	"context"
	"log/slog"

	"nostr-sync/internal/facts"
	"nostr-sync/internal/metrics"
	"nostr-sync/internal/nostr"
	"nostr-sync/internal/relay"
	"nostr-sync/internal/store"
	"nostr-sync/internal/types"
)

// Ingester persists events on the relay reader goroutines and works out
// which references the store cannot satisfy, so the update loop never
// touches the store itself.
type Ingester struct {
	store store.Store
	facts *facts.Cache
	log   *slog.Logger
}

// NewIngester creates the ingest hook handed to the connection set
func NewIngester(st store.Store, fc *facts.Cache, log *slog.Logger) *Ingester {
	if log == nil {
		log = slog.Default()
	}
	return &Ingester{store: st, facts: fc, log: log.With("component", "ingest")}
}

// Ingest implements relay.Ingester. Duplicates still get their missing
// references computed: a second view may be waiting on them.
func (i *Ingester) Ingest(ctx context.Context, relayURL string, evt *types.Event) relay.Ingested {
	res, err := i.store.Ingest(ctx, evt)
	if err != nil {
		i.log.Warn("store ingest failed", "relay", relayURL, "id", nostr.ShortID(evt.ID), "error", err)
		return relay.Ingested{Err: err, Missing: i.Missing(ctx, evt)}
	}
	if res == store.Duplicate {
		metrics.EventsDuplicate.Inc()
	}
	i.Facts(evt)
	return relay.Ingested{Fresh: res == store.New, Missing: i.Missing(ctx, evt)}
}

// Facts returns the derived facts of evt, computing them once
func (i *Ingester) Facts(evt *types.Event) facts.Facts {
	return i.facts.GetOrCompute(evt.ID, func() facts.Facts { return facts.Compute(evt) })
}

// Missing lists the references of evt the store does not hold. A failed
// lookup counts as missing; the follow-up query is harmless.
func (i *Ingester) Missing(ctx context.Context, evt *types.Event) []nostr.Reference {
	var missing []nostr.Reference
	for _, ref := range nostr.References(evt) {
		var known bool
		var err error
		switch ref.Kind {
		case nostr.RefProfile:
			known, err = i.store.HasProfile(ctx, ref.ID)
		case nostr.RefEvent:
			known, err = i.store.HasEvent(ctx, ref.ID)
		}
		if err != nil {
			i.log.Debug("store lookup failed", "kind", ref.Kind.String(), "id", nostr.ShortID(ref.ID), "error", err)
		}
		if !known {
			missing = append(missing, ref)
		}
	}
	return missing
}
