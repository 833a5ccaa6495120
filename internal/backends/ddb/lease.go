package ddb

import (
	"context"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbTypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Lease implements ports.RefreshLease with conditional writes: PK=LEASE#<domain>, SK=REFRESH.
// An item whose expires_at is in the past can be taken over. The ttl attribute lets DynamoDB TTL reap it.
type Lease struct {
	table   string
	cli     *dynamodb.Client
	timeNow func() time.Time
}

type leaseItem struct {
	PK        string `dynamodbav:"PK"`
	SK        string `dynamodbav:"SK"`
	Owner     string `dynamodbav:"owner"`
	ExpiresAt int64  `dynamodbav:"expires_at"` // unix ms
	TTL       int64  `dynamodbav:"ttl"`        // unix s
}

func NewLease(table string, cli *dynamodb.Client) *Lease {
	createTableIfNotExists(cli, table)
	return &Lease{table: table, cli: cli, timeNow: time.Now}
}

func (l *Lease) Acquire(ctx context.Context, domain, owner string, ttl time.Duration) (bool, error) {
	now := l.timeNow()
	expires := now.Add(ttl)
	av, err := attributevalue.MarshalMap(leaseItem{
		PK:        pkLease(domain),
		SK:        skRefresh(),
		Owner:     owner,
		ExpiresAt: expires.UnixMilli(),
		TTL:       expires.Add(time.Minute).Unix(),
	})
	if err != nil {
		return false, err
	}
	_, err = l.cli.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           &l.table,
		Item:                av,
		ConditionExpression: awsString("attribute_not_exists(PK) OR expires_at < :now"),
		ExpressionAttributeValues: map[string]ddbTypes.AttributeValue{
			":now": &ddbTypes.AttributeValueMemberN{Value: itoa(now.UnixMilli())},
		},
	})
	if err != nil {
		var cc *ddbTypes.ConditionalCheckFailedException
		if errorAs(err, &cc) {
			return false, nil // held by someone else
		}
		return false, err
	}
	return true, nil
}

func (l *Lease) Release(ctx context.Context, domain, owner string) error {
	_, err := l.cli.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: &l.table,
		Key: map[string]ddbTypes.AttributeValue{
			"PK": &ddbTypes.AttributeValueMemberS{Value: pkLease(domain)},
			"SK": &ddbTypes.AttributeValueMemberS{Value: skRefresh()},
		},
		ConditionExpression: awsString("#owner = :owner"),
		ExpressionAttributeNames: map[string]string{
			"#owner": "owner",
		},
		ExpressionAttributeValues: map[string]ddbTypes.AttributeValue{
			":owner": &ddbTypes.AttributeValueMemberS{Value: owner},
		},
	})
	if err != nil {
		var cc *ddbTypes.ConditionalCheckFailedException
		if errorAs(err, &cc) {
			return nil // already taken over or expired
		}
		return err
	}
	return nil
}

func itoa(i int64) string { return strconv.FormatInt(i, 10) }
