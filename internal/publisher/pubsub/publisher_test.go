package pubsub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func TestPublisherPublishesJSON(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srv := pstest.NewServer()
	defer srv.Close()

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	client, err := pubsub.NewClient(ctx, "project-id", option.WithGRPCConn(conn))
	require.NoError(t, err)

	topic, err := client.CreateTopic(ctx, "crawl-runs")
	require.NoError(t, err)

	pub := New(client, topic)
	id, err := pub.Publish(ctx, "run.finished", map[string]any{"run_id": "r1", "processed": 2})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	var body map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].Data, &body))
	assert.Equal(t, "r1", body["run_id"])
	assert.Equal(t, "run.finished", msgs[0].Attributes["event"])
	assert.Equal(t, "application/json", msgs[0].Attributes["content_type"])

	require.NoError(t, pub.Close())
}

func TestPublisherWithoutTopic(t *testing.T) {
	t.Parallel()

	_, err := New(nil, nil).Publish(context.Background(), "run.finished", "x")
	require.Error(t, err)
	assert.NoError(t, New(nil, nil).Close())
}
