package pubsub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/rankwatch/internal/rank"
	"github.com/JakeFAU/rankwatch/internal/sink"
)

func TestEmitPublishesRecord(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	admin, err := pubsub.NewClient(ctx, "rank-project", option.WithGRPCConn(conn))
	require.NoError(t, err)
	_, err = admin.CreateTopic(ctx, "rank-results")
	require.NoError(t, err)

	pub, err := New(ctx, Config{ProjectID: "rank-project", TopicName: "rank-results"}, option.WithGRPCConn(conn))
	require.NoError(t, err)
	pub.now = func() time.Time { return time.Unix(1700000000, 0) }

	item := rank.WorkItem{ID: 12, Keyword: "mouse", Target: "82001"}
	res := rank.RankResult{
		Status:       rank.StatusFound,
		Entry:        rank.ProductEntry{Identifier: "82001", TotalRank: 3, OrganicRank: 2},
		PageNumber:   1,
		PagePosition: 3,
		PagesScanned: 1,
		Source:       rank.SourceScraped,
	}
	require.NoError(t, pub.Emit(ctx, item, res))
	require.NoError(t, pub.Close())

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "found", msgs[0].Attributes["status"])
	require.Equal(t, "12", msgs[0].Attributes["task_id"])

	var rec sink.Record
	require.NoError(t, json.Unmarshal(msgs[0].Data, &rec))
	require.Equal(t, 3, rec.TotalRank)
	require.Equal(t, 2, rec.OrganicRank)
	require.Equal(t, rank.SourceScraped, rec.Source)
}

func TestNewRequiresTopic(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{ProjectID: "p"})
	require.Error(t, err)
}
