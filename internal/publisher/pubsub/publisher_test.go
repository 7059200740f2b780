package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/leadflow/internal/workflow"
)

func TestNotifyPublishesAlert(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	srv := pstest.NewServer()
	defer func() { _ = srv.Close() }()

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	client, err := pubsub.NewClient(ctx, "leadflow-test", option.WithGRPCConn(conn))
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	topic, err := client.CreateTopic(ctx, "compensations")
	require.NoError(t, err)
	pub := New(topic)
	defer pub.Stop()

	alert := workflow.Alert{Workflow: "profile", Key: "profile:7", Activity: "save-profile", Cause: "boom"}
	require.NoError(t, pub.Notify(ctx, alert))

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "save-profile", msgs[0].Attributes["activity"])
	var got workflow.Alert
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	require.Equal(t, "profile:7", got.Key)
}

func TestPublishWithoutTopicFails(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Publish(context.Background(), nil, "x")
	require.Error(t, err)
}
