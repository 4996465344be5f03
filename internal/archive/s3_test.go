package archive

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outcome-exchange/internal/fixed"
	"outcome-exchange/internal/model"
)

type fakePutter struct {
	key, bucket, contentType string
	body                     []byte
	err                      error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.key = aws.ToString(in.Key)
	f.bucket = aws.ToString(in.Bucket)
	f.contentType = aws.ToString(in.ContentType)
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.body = b
	return &s3.PutObjectOutput{}, nil
}

func report() model.SettlementReport {
	w := uint32(1)
	return model.SettlementReport{
		Pool: model.Pool{
			ID:             "pool-9",
			Status:         model.PoolResolved,
			WinningOutcome: &w,
			TotalLiquidity: fixed.FromUnits(300),
		},
		Positions:  []model.Position{{PoolID: "pool-9", UserID: "alice", OutcomeIndex: 1, Shares: fixed.FromUnits(5)}},
		ResolvedBy: model.Caller{ID: "admin", Role: model.RoleAdmin},
		ResolvedAt: time.Date(2026, 4, 5, 6, 7, 8, 0, time.UTC),
	}
}

func TestArchiveSettlementWritesJSON(t *testing.T) {
	fp := &fakePutter{}
	a := &S3{client: fp, bucket: "settlements", prefix: "prod"}

	require.NoError(t, a.ArchiveSettlement(context.Background(), report()))
	assert.Equal(t, "settlements", fp.bucket)
	assert.Equal(t, "prod/settlements/2026/04/05/pool-9.json", fp.key)
	assert.Equal(t, "application/json", fp.contentType)

	var got model.SettlementReport
	require.NoError(t, json.Unmarshal(fp.body, &got))
	assert.Equal(t, "pool-9", got.Pool.ID)
	assert.True(t, got.Pool.TotalLiquidity.Eq(fixed.FromUnits(300)))
	require.Len(t, got.Positions, 1)
	assert.Equal(t, "alice", got.Positions[0].UserID)
}

func TestArchiveSettlementWrapsErrors(t *testing.T) {
	boom := errors.New("access denied")
	a := &S3{client: &fakePutter{err: boom}, bucket: "b"}
	err := a.ArchiveSettlement(context.Background(), report())
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "pool-9.json")
}

func TestNewS3RequiresBucketAndRegion(t *testing.T) {
	_, err := NewS3(context.Background(), Config{Region: "us-east-1"})
	assert.Error(t, err)
	_, err = NewS3(context.Background(), Config{Bucket: "b"})
	assert.Error(t, err)
}
