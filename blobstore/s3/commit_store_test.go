package s3

import (
	"context"
	"strconv"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockDDBClient is an in-memory DynamoDB double implementing the conditional
// put and reverse-ordered query the commit store relies on.
type mockDDBClient struct {
	mu sync.Mutex
	// baseURI -> version -> snapshot name
	items map[string]map[uint64]string
}

func newMockDDBClient() *mockDDBClient {
	return &mockDDBClient{items: make(map[string]map[uint64]string)}
}

func (m *mockDDBClient) PutItem(_ context.Context, params *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	baseURI := params.Item["base_uri"].(*types.AttributeValueMemberS).Value
	version, err := strconv.ParseUint(params.Item["version"].(*types.AttributeValueMemberN).Value, 10, 64)
	if err != nil {
		return nil, err
	}
	name := params.Item["snapshot"].(*types.AttributeValueMemberS).Value

	versions, ok := m.items[baseURI]
	if !ok {
		versions = make(map[uint64]string)
		m.items[baseURI] = versions
	}

	if params.ConditionExpression != nil && *params.ConditionExpression == "attribute_not_exists(version)" {
		if _, exists := versions[version]; exists {
			return nil, &types.ConditionalCheckFailedException{
				Message: aws.String("The conditional request failed"),
			}
		}
	}

	versions[version] = name
	return &dynamodb.PutItemOutput{}, nil
}

func (m *mockDDBClient) Query(_ context.Context, params *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	baseURI := params.ExpressionAttributeValues[":uri"].(*types.AttributeValueMemberS).Value

	var maxVersion uint64
	var name string
	for version, n := range m.items[baseURI] {
		if version >= maxVersion {
			maxVersion = version
			name = n
		}
	}
	if maxVersion == 0 {
		return &dynamodb.QueryOutput{}, nil
	}

	return &dynamodb.QueryOutput{
		Items: []map[string]types.AttributeValue{
			{
				"base_uri": &types.AttributeValueMemberS{Value: baseURI},
				"version":  &types.AttributeValueMemberN{Value: strconv.FormatUint(maxVersion, 10)},
				"snapshot": &types.AttributeValueMemberS{Value: name},
			},
		},
	}, nil
}

func TestCommitStoreLatestEmpty(t *testing.T) {
	c := NewCommitStore(newMockDDBClient(), "commits", "s3://bucket/graph")

	name, version, err := c.Latest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(0), version)
	assert.Empty(t, name)
}

func TestCommitStoreCommitAndLatest(t *testing.T) {
	ctx := context.Background()
	c := NewCommitStore(newMockDDBClient(), "commits", "s3://bucket/graph")

	require.NoError(t, c.Commit(ctx, "snap-000001.sketch", 1))

	name, version, err := c.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), version)
	assert.Equal(t, "snap-000001.sketch", name)

	require.NoError(t, c.Commit(ctx, "snap-000002.sketch", 2))

	name, version, err = c.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), version)
	assert.Equal(t, "snap-000002.sketch", name)
}

func TestCommitStoreConcurrentCommit(t *testing.T) {
	ctx := context.Background()
	ddb := newMockDDBClient()

	a := NewCommitStore(ddb, "commits", "s3://bucket/graph")
	b := NewCommitStore(ddb, "commits", "s3://bucket/graph")

	require.NoError(t, a.Commit(ctx, "snap-a.sketch", 1))
	assert.ErrorIs(t, b.Commit(ctx, "snap-b.sketch", 1), ErrConcurrentCommit)

	// The loser re-reads the pointer and retries with the next version.
	name, version, err := b.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), version)
	assert.Equal(t, "snap-a.sketch", name)
	require.NoError(t, b.Commit(ctx, "snap-b.sketch", version+1))
}

func TestCommitStoreSeparateBaseURIs(t *testing.T) {
	ctx := context.Background()
	ddb := newMockDDBClient()

	a := NewCommitStore(ddb, "commits", "s3://bucket/graph-a")
	b := NewCommitStore(ddb, "commits", "s3://bucket/graph-b")

	require.NoError(t, a.Commit(ctx, "a.sketch", 1))

	_, version, err := b.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), version, "pointers must be isolated per base URI")
}
