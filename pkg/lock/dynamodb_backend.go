package lock

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/nimburion/shardmesh/pkg/observability/logger"
)

const (
	defaultDynamoDBLockTable     = "shardmesh_locks"
	defaultDynamoDBLockOperation = 5 * time.Second

	dynamoKeyAttr     = "lock_key"
	dynamoValueAttr   = "lock_value"
	dynamoExpiresAttr = "expires_at"
)

// dynamoAPI is the subset of the DynamoDB client the backend uses.
type dynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// DynamoDBBackendConfig configures a DynamoDB lock backend. The table must have a string
// partition key named lock_key.
type DynamoDBBackendConfig struct {
	Region           string
	Endpoint         string
	AccessKeyID      string
	SecretAccessKey  string
	SessionToken     string
	Table            string
	OperationTimeout time.Duration
	Defaults         Options
}

func (c *DynamoDBBackendConfig) normalize() {
	c.Table = strings.TrimSpace(c.Table)
	if c.Table == "" {
		c.Table = defaultDynamoDBLockTable
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultDynamoDBLockOperation
	}
	c.Defaults = c.Defaults.WithDefaults(DefaultOptions())
}

// DynamoDBBackend stores lock items with conditional writes. DynamoDB exposes no server clock,
// so expiry is stamped in unix milliseconds from the caller's clock.
type DynamoDBBackend struct {
	client dynamoAPI
	log    logger.Logger
	config DynamoDBBackendConfig
	now    func() time.Time
}

// NewDynamoDBBackend builds an AWS SDK v2 client for cfg and verifies the lock table exists.
func NewDynamoDBBackend(cfg DynamoDBBackendConfig, log logger.Logger) (*DynamoDBBackend, error) {
	if log == nil {
		return nil, lockError(ErrInvalidArgument, "logger is required")
	}
	if strings.TrimSpace(cfg.Region) == "" {
		return nil, lockError(ErrInvalidArgument, "aws region is required")
	}
	cfg.normalize()

	loadOptions := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" || cfg.SecretAccessKey != "" {
		loadOptions = append(loadOptions, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOptions...)
	if err != nil {
		return nil, errors.Join(lockError(ErrValidation, "load aws config failed"), err)
	}

	var opts []func(*dynamodb.Options)
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	backend := &DynamoDBBackend{
		client: dynamodb.NewFromConfig(awsCfg, opts...),
		log:    log,
		config: cfg,
		now:    time.Now,
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.OperationTimeout)
	defer cancel()
	if err := backend.HealthCheck(ctx); err != nil {
		return nil, err
	}
	log.Info("dynamodb lock backend ready", "region", cfg.Region, "table", cfg.Table)
	return backend, nil
}

func newDynamoDBBackendWithClient(client dynamoAPI, cfg DynamoDBBackendConfig, log logger.Logger, now func() time.Time) (*DynamoDBBackend, error) {
	if client == nil {
		return nil, lockError(ErrInvalidArgument, "dynamodb client is required")
	}
	if log == nil {
		return nil, lockError(ErrInvalidArgument, "logger is required")
	}
	if now == nil {
		now = time.Now
	}
	cfg.normalize()
	return &DynamoDBBackend{client: client, log: log, config: cfg, now: now}, nil
}

// TryAcquire implements Backend.
func (b *DynamoDBBackend) TryAcquire(ctx context.Context, key, value string, ttl time.Duration) (bool, time.Time, error) {
	if err := b.ready(key, ttl); err != nil {
		return false, time.Time{}, err
	}
	opCtx, cancel := b.operationContext(ctx)
	defer cancel()

	now := b.now()
	_, err := b.client.PutItem(opCtx, &dynamodb.PutItemInput{
		TableName: aws.String(b.config.Table),
		Item: map[string]types.AttributeValue{
			dynamoKeyAttr:     &types.AttributeValueMemberS{Value: key},
			dynamoValueAttr:   &types.AttributeValueMemberS{Value: value},
			dynamoExpiresAttr: millisAttr(now.Add(ttl)),
		},
		ConditionExpression:                 aws.String("attribute_not_exists(#k) OR #e <= :now"),
		ExpressionAttributeNames:            map[string]string{"#k": dynamoKeyAttr, "#e": dynamoExpiresAttr},
		ExpressionAttributeValues:           map[string]types.AttributeValue{":now": millisAttr(now)},
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err == nil {
		return true, time.Time{}, nil
	}

	var conditionFailed *types.ConditionalCheckFailedException
	if errors.As(err, &conditionFailed) {
		record, _ := recordFromItem(key, conditionFailed.Item)
		if record == nil {
			return false, time.Time{}, nil
		}
		return false, record.ExpiresAt, nil
	}
	return false, time.Time{}, errors.Join(lockError(ErrRetryable, "acquire lock failed"), err)
}

// TryRenew implements Backend.
func (b *DynamoDBBackend) TryRenew(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := b.ready(key, ttl); err != nil {
		return false, err
	}
	opCtx, cancel := b.operationContext(ctx)
	defer cancel()

	now := b.now()
	_, err := b.client.UpdateItem(opCtx, &dynamodb.UpdateItemInput{
		TableName:                b.tableName(),
		Key:                      keyAttr(key),
		UpdateExpression:         aws.String("SET #e = :exp"),
		ConditionExpression:      aws.String("#v = :v AND #e > :now"),
		ExpressionAttributeNames: map[string]string{"#v": dynamoValueAttr, "#e": dynamoExpiresAttr},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":exp": millisAttr(now.Add(ttl)),
			":v":   &types.AttributeValueMemberS{Value: value},
			":now": millisAttr(now),
		},
	})
	return conditionalResult(err, "renew lock failed")
}

// TryRelease implements Backend.
func (b *DynamoDBBackend) TryRelease(ctx context.Context, key, value string) (bool, error) {
	if err := b.ready(key, time.Second); err != nil {
		return false, err
	}
	opCtx, cancel := b.operationContext(ctx)
	defer cancel()

	_, err := b.client.DeleteItem(opCtx, &dynamodb.DeleteItemInput{
		TableName:                 b.tableName(),
		Key:                       keyAttr(key),
		ConditionExpression:       aws.String("#v = :v"),
		ExpressionAttributeNames:  map[string]string{"#v": dynamoValueAttr},
		ExpressionAttributeValues: map[string]types.AttributeValue{":v": &types.AttributeValueMemberS{Value: value}},
	})
	return conditionalResult(err, "release lock failed")
}

// TryQuery implements Backend.
func (b *DynamoDBBackend) TryQuery(ctx context.Context, key string) (*Record, error) {
	if err := b.ready(key, time.Second); err != nil {
		return nil, err
	}
	opCtx, cancel := b.operationContext(ctx)
	defer cancel()

	out, err := b.client.GetItem(opCtx, &dynamodb.GetItemInput{
		TableName:      b.tableName(),
		Key:            keyAttr(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, errors.Join(lockError(ErrRetryable, "query lock failed"), err)
	}
	record, err := recordFromItem(key, out.Item)
	if err != nil {
		return nil, err
	}
	if record == nil || record.Expired(b.now()) {
		return nil, nil
	}
	return record, nil
}

// WhenChanged implements Backend. DynamoDB has no change notification, so waiters poll.
func (b *DynamoDBBackend) WhenChanged(ctx context.Context, _ string) error {
	<-ctx.Done()
	return ctx.Err()
}

// DefaultOptions implements Backend.
func (b *DynamoDBBackend) DefaultOptions() Options {
	return b.config.Defaults
}

// HealthCheck verifies the lock table is reachable.
func (b *DynamoDBBackend) HealthCheck(ctx context.Context) error {
	if b == nil || b.client == nil {
		return lockError(ErrNotInitialized, "dynamodb lock backend is not initialized")
	}
	opCtx, cancel := b.operationContext(ctx)
	defer cancel()
	if _, err := b.client.DescribeTable(opCtx, &dynamodb.DescribeTableInput{TableName: b.tableName()}); err != nil {
		return errors.Join(lockError(ErrRetryable, "dynamodb healthcheck failed"), err)
	}
	return nil
}

// Close is a no-op; the SDK client holds no resources that need closing.
func (b *DynamoDBBackend) Close() error {
	return nil
}

func (b *DynamoDBBackend) ready(key string, ttl time.Duration) error {
	if b == nil || b.client == nil {
		return lockError(ErrNotInitialized, "dynamodb lock backend is not initialized")
	}
	if strings.TrimSpace(key) == "" {
		return lockError(ErrInvalidArgument, "lock key is required")
	}
	if ttl <= 0 {
		return lockError(ErrInvalidArgument, "ttl must be > 0")
	}
	return nil
}

func (b *DynamoDBBackend) tableName() *string {
	return aws.String(b.config.Table)
}

func (b *DynamoDBBackend) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, b.config.OperationTimeout)
}

func conditionalResult(err error, message string) (bool, error) {
	if err == nil {
		return true, nil
	}
	var conditionFailed *types.ConditionalCheckFailedException
	if errors.As(err, &conditionFailed) {
		return false, nil
	}
	return false, errors.Join(lockError(ErrRetryable, message), err)
}

func keyAttr(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{dynamoKeyAttr: &types.AttributeValueMemberS{Value: key}}
}

func millisAttr(t time.Time) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(t.UnixMilli(), 10)}
}

func recordFromItem(key string, item map[string]types.AttributeValue) (*Record, error) {
	if len(item) == 0 {
		return nil, nil
	}
	value, ok := item[dynamoValueAttr].(*types.AttributeValueMemberS)
	if !ok {
		return nil, lockError(ErrRetryable, "lock item has no value attribute")
	}
	expires, ok := item[dynamoExpiresAttr].(*types.AttributeValueMemberN)
	if !ok {
		return nil, lockError(ErrRetryable, "lock item has no expiry attribute")
	}
	millis, err := strconv.ParseInt(expires.Value, 10, 64)
	if err != nil {
		return nil, errors.Join(lockError(ErrRetryable, "parse lock expiry failed"), err)
	}
	return &Record{Key: key, Value: value.Value, ExpiresAt: time.UnixMilli(millis)}, nil
}
