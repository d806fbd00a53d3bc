package sinks

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
	"github.com/JakeFAU/crawl-scheduler/internal/progress"
)

func TestPubSubSinkPublishesEvents(t *testing.T) {
	ctx := context.Background()

	srv := pstest.NewServer()
	defer func() { _ = srv.Close() }()

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	client, err := pubsub.NewClient(ctx, "project-id", option.WithGRPCConn(conn))
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	_, err = client.CreateTopic(ctx, "telemetry")
	require.NoError(t, err)

	sink := NewPubSubSinkWithClient(client, "telemetry", nil)
	runID := uuid.New()
	batch := []progress.Event{
		{
			RunID:           progress.UUIDToBytes(runID),
			TS:              time.Unix(0, 0).UTC(),
			Stage:           progress.StageAttempt,
			Host:            "a.example",
			URL:             "https://a.example/",
			Policy:          crawler.PolicyNetworkFirst,
			Source:          crawler.SourceCache,
			FallbackApplied: true,
		},
		{RunID: progress.UUIDToBytes(runID), TS: time.Unix(1, 0).UTC(), Stage: progress.StageRunDone},
	}
	require.NoError(t, sink.Consume(ctx, batch))
	require.NoError(t, sink.Close(ctx))

	msgs := srv.Messages()
	require.Len(t, msgs, 2)

	byStage := map[string]*pstest.Message{}
	for _, m := range msgs {
		byStage[m.Attributes["stage"]] = m
	}
	attempt := byStage[string(progress.StageAttempt)]
	require.NotNil(t, attempt)
	require.Equal(t, "a.example", attempt.Attributes["host"])
	require.Equal(t, runID.String(), attempt.Attributes["run_id"])

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(attempt.Data, &decoded))
	require.Equal(t, runID.String(), decoded["run_id"])
	require.Equal(t, "network-first", decoded["policy_requested"])
	require.Equal(t, "cache", decoded["source_used"])
	require.Equal(t, true, decoded["fallback_applied"])
}
