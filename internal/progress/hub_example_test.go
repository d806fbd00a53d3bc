package progress_test

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
	"github.com/JakeFAU/crawl-scheduler/internal/progress"
)

type dispositionTally map[string]int

func (d dispositionTally) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		if evt.Stage == progress.StageDisposition {
			d[evt.Disposition]++
		}
	}
	return nil
}

func (dispositionTally) Close(context.Context) error { return nil }

// Events emitted without a run ID or timestamp take the hub's.
func ExampleNewHub() {
	tally := dispositionTally{}
	hub := progress.NewHub(progress.Config{
		MaxBatchEvents: 2,
		MaxBatchWait:   time.Second,
		RunID:          progress.UUIDToBytes(uuid.MustParse("00000000-0000-0000-0000-00000000000a")),
	}, tally)

	for _, disp := range []string{"completed", "retry", "completed"} {
		hub.Emit(progress.Event{
			Stage:       progress.StageDisposition,
			Host:        "shop.example",
			Disposition: disp,
		})
	}
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	emitted, dropped := hub.Stats()
	fmt.Println(tally["completed"], tally["retry"], emitted, dropped)
	// Output:
	// 2 1 3 0
}

type networkBytes struct{ total int64 }

func (n *networkBytes) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		if evt.Stage == progress.StageAttempt && evt.Source == crawler.SourceNetwork {
			n.total += evt.Bytes
		}
	}
	return nil
}

func (*networkBytes) Close(context.Context) error { return nil }

func ExampleSink() {
	sink := &networkBytes{}
	hub := progress.NewHub(progress.Config{
		RunID: progress.UUIDToBytes(uuid.MustParse("00000000-0000-0000-0000-00000000000b")),
	}, sink)

	for _, src := range []crawler.Source{crawler.SourceNetwork, crawler.SourceCache, crawler.SourceNetwork} {
		hub.Emit(progress.Event{
			Stage:  progress.StageAttempt,
			Host:   "shop.example",
			Policy: crawler.PolicyNetworkFirst,
			Source: src,
			Bytes:  256,
		})
	}
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Println("network bytes:", sink.total)
	// Output:
	// network bytes: 512
}
