package ingress

import (
	"time"

	"github.com/ashita-ai/kakehashi/internal/model"
	"github.com/ashita-ai/kakehashi/internal/normalize"
)

// QueueItem is a request that was enqueued earlier and is now being drained.
type QueueItem struct {
	ID         string           `json:"id"`
	BatchID    string           `json:"batchId,omitempty"`
	Request    model.RawRequest `json:"request"`
	EnqueuedAt time.Time        `json:"enqueuedAt,omitzero"`
}

// Queue normalizes a drained queue item. The item's own id becomes the
// request id so the queued entry and its normalized form can be traced as
// one entity. The source is always the system; queued work has no stream
// listener, so stream response mode is downgraded to batch. Caller options
// run after the adapter's own overrides.
func Queue(item QueueItem, opts ...normalize.Option) (model.NormalizedRequest, error) {
	if item.ID == "" {
		return model.NormalizedRequest{}, ErrQueueItemIDRequired
	}
	raw := item.Request

	meta := map[string]any{"queue_item_id": item.ID, "channel": ChannelQueue}
	if raw.Source != nil {
		for k, v := range raw.Source.Metadata {
			if _, reserved := meta[k]; !reserved {
				meta[k] = v
			}
		}
	}
	if item.BatchID != "" {
		meta["batch_id"] = item.BatchID
	}
	if !item.EnqueuedAt.IsZero() {
		meta["enqueued_at"] = item.EnqueuedAt.UTC().Format(time.RFC3339Nano)
	}

	src := model.Source{Type: model.SourceSystem, Metadata: meta}
	if raw.Source != nil {
		src.ID = raw.Source.ID
		src.Name = raw.Source.Name
	}
	if src.Name == "" {
		src.Name = raw.TaskName
	}

	forced := normalize.Overrides{Source: &src, RequestID: &item.ID}
	if !raw.ResponseMode.Valid() {
		rt := normalize.DetectRequestType(raw)
		if model.DefaultsFor(rt).ResponseMode == model.ResponseStream {
			mode := model.ResponseBatch
			forced.ResponseMode = &mode
		}
	}
	return normalize.Normalize(raw, append([]normalize.Option{normalize.WithOverrides(forced)}, opts...)...), nil
}
