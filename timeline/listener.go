package timeline

import (
	"context"

	"github.com/teranos/drover/pulse/broadcast"
)

// RebuildListener refreshes the timeline after a material update completes,
// picking up runs scheduled from the new modifications
type RebuildListener struct {
	Timeline *Timeline
}

func (l RebuildListener) OnEvent(ctx context.Context, e broadcast.Event) error {
	if e.Kind != broadcast.KindCompleted {
		return nil
	}
	return l.Timeline.Update(ctx)
}
