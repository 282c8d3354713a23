package s3

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// ErrConcurrentCommit is returned when another publisher committed the same
// snapshot version first.
var ErrConcurrentCommit = errors.New("concurrent snapshot commit detected")

// DDBClient is the interface for the DynamoDB operations the commit store
// needs. *dynamodb.Client satisfies it.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// CommitStore records which snapshot blob is current. S3 has no atomic
// compare-and-swap, so the pointer lives in a DynamoDB table and advances
// with a conditional write; concurrent publishers race safely and exactly
// one wins each version.
//
// Table schema:
//   - Partition key: base_uri (string) - the S3 bucket/prefix
//   - Sort key: version (number) - monotonically increasing version
type CommitStore struct {
	ddb       DDBClient
	tableName string
	baseURI   string
}

// NewCommitStore creates a commit store over an existing DynamoDB table.
// baseURI should identify the snapshot location, e.g. "s3://bucket/prefix".
func NewCommitStore(ddb DDBClient, tableName, baseURI string) *CommitStore {
	return &CommitStore{
		ddb:       ddb,
		tableName: tableName,
		baseURI:   baseURI,
	}
}

// Latest returns the most recently committed snapshot name and its version.
// A zero version means nothing has been committed yet.
func (c *CommitStore) Latest(ctx context.Context) (string, uint64, error) {
	resp, err := c.ddb.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("base_uri = :uri"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uri": &types.AttributeValueMemberS{Value: c.baseURI},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
	})
	if err != nil {
		return "", 0, err
	}
	if len(resp.Items) == 0 {
		return "", 0, nil
	}

	versionAttr, ok := resp.Items[0]["version"].(*types.AttributeValueMemberN)
	if !ok {
		return "", 0, fmt.Errorf("commit store: malformed version attribute")
	}
	version, err := strconv.ParseUint(versionAttr.Value, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("commit store: parse version: %w", err)
	}
	nameAttr, ok := resp.Items[0]["snapshot"].(*types.AttributeValueMemberS)
	if !ok {
		return "", 0, fmt.Errorf("commit store: malformed snapshot attribute")
	}
	return nameAttr.Value, version, nil
}

// Commit publishes name as version. The conditional put fails with
// ErrConcurrentCommit if that version already exists, in which case the
// caller should re-read Latest and retry with version+1.
func (c *CommitStore) Commit(ctx context.Context, name string, version uint64) error {
	_, err := c.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]types.AttributeValue{
			"base_uri": &types.AttributeValueMemberS{Value: c.baseURI},
			"version":  &types.AttributeValueMemberN{Value: strconv.FormatUint(version, 10)},
			"snapshot": &types.AttributeValueMemberS{Value: name},
		},
		ConditionExpression: aws.String("attribute_not_exists(version)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrConcurrentCommit
		}
		return err
	}
	return nil
}
