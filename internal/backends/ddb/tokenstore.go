package ddb

import (
	"context"
	"credproxy/internal/types"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbTypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// TokenStore keeps one item per tenant: PK=TENANT#<domain>, SK=TOKEN.
type TokenStore struct {
	table string
	cli   *dynamodb.Client
}

type tokenItem struct {
	PK string `dynamodbav:"PK"`
	SK string `dynamodbav:"SK"`
	types.TokenRecord
}

func NewTokenStore(table string, cli *dynamodb.Client) *TokenStore {
	// Creates the table only if it doesn't exist.
	createTableIfNotExists(cli, table)
	return &TokenStore{table: table, cli: cli}
}

func (s *TokenStore) Load(ctx context.Context, domain string) (*types.TokenRecord, error) {
	out, err := s.cli.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: &s.table,
		Key: map[string]ddbTypes.AttributeValue{
			"PK": &ddbTypes.AttributeValueMemberS{Value: pkTenant(domain)},
			"SK": &ddbTypes.AttributeValueMemberS{Value: skToken()},
		},
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, types.Err(types.ErrDataStoreAccess, err, "")
	}
	if out.Item == nil {
		return nil, nil
	}
	var item tokenItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, types.Err(types.ErrDataStoreAccess, err, "decode record of %s", domain)
	}
	return &item.TokenRecord, nil
}

func (s *TokenStore) Put(ctx context.Context, domain string, record types.TokenRecord) error {
	item, err := attributevalue.MarshalMap(tokenItem{
		PK:          pkTenant(domain),
		SK:          skToken(),
		TokenRecord: record,
	})
	if err != nil {
		return err
	}
	_, err = s.cli.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: &s.table,
		Item:      item,
	})
	if err != nil {
		return types.Err(types.ErrDataStoreAccess, err, "")
	}
	return nil
}

func (s *TokenStore) ListDomains(ctx context.Context) ([]string, error) {
	// Token items are the only ones with SK=TOKEN; only the PK is projected.
	p := dynamodb.NewScanPaginator(s.cli, &dynamodb.ScanInput{
		TableName:                 &s.table,
		FilterExpression:          awsString("SK = :sk"),
		ExpressionAttributeValues: map[string]ddbTypes.AttributeValue{":sk": &ddbTypes.AttributeValueMemberS{Value: skToken()}},
		ProjectionExpression:      awsString("PK"),
	})
	var domains []string
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, types.Err(types.ErrDataStoreAccess, err, "")
		}
		for _, it := range page.Items {
			var pk struct {
				PK string `dynamodbav:"PK"`
			}
			if err := attributevalue.UnmarshalMap(it, &pk); err != nil {
				return nil, err
			}
			d, err := parseDomain(pk.PK)
			if err != nil {
				return nil, err
			}
			domains = append(domains, d)
		}
	}
	sort.Strings(domains)
	return domains, nil
}

func (s *TokenStore) Delete(ctx context.Context, domain string) error {
	_, err := s.cli.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: &s.table,
		Key: map[string]ddbTypes.AttributeValue{
			"PK": &ddbTypes.AttributeValueMemberS{Value: pkTenant(domain)},
			"SK": &ddbTypes.AttributeValueMemberS{Value: skToken()},
		},
	})
	return err
}

func (s *TokenStore) ClearAll(ctx context.Context) error {
	// delete all items in the table
	_, err := s.cli.DeleteTable(ctx, &dynamodb.DeleteTableInput{
		TableName: &s.table,
	})
	if err != nil {
		return err
	}
	// wait until the table is deleted
	err = dynamodb.NewTableNotExistsWaiter(s.cli).Wait(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.table),
	}, 30*time.Second)
	if err != nil {
		return err
	}
	// Recreate the table
	createTableIfNotExists(s.cli, s.table)
	return nil
}
