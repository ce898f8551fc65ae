// Package dynamodb implements evstore.PersistenceProvider on a single
// DynamoDB table with a string partition key (pk) and sort key (sk).
//
//	pk                                   sk                 item
//	events#<len(agg)>#<agg>#<id>         %020d sequence     event
//	aggregations                         <agg>              aggregation index
//	streams#<agg>                        <id>               stream index
//
// Sort keys compare as UTF-8 bytes, so index queries return names in
// lexicographic order. An append reads the stream's last sort key and puts
// the next one under attribute_not_exists; a writer losing that race retries.
package dynamodb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/codewandler/evstore-go/core/cache"
	"github.com/codewandler/evstore-go/core/evstore"
	"github.com/codewandler/evstore-go/core/sf"
	"github.com/codewandler/evstore-go/internal/awsconf"
)

const (
	defaultTable      = "evstore"
	defaultMaxRetries = 64

	attrPK        = "pk"
	attrSK        = "sk"
	attrPayload   = "payload"
	attrTimestamp = "commit_timestamp"

	pkAggregations = "aggregations"
)

type ProviderConfig struct {
	// Client to use. If nil, one is built from AWS.
	Client *awsdynamodb.Client
	AWS    awsconf.Config
	Log    *slog.Logger
	// Table name (default "evstore").
	Table string
	// CreateTable creates the table on first use if it does not exist.
	CreateTable bool
	// MaxRetries of an append losing a sequence race (default 64).
	MaxRetries int
	// IndexCacheSize bounds the set of streams known to be indexed.
	// Negative disables the cache.
	IndexCacheSize int
}

type Provider struct {
	client      *awsdynamodb.Client
	log         *slog.Logger
	table       string
	createTable bool
	maxRetries  int
	ready       sf.Gate
	indexed     cache.Cache
	now         func() time.Time
}

var _ evstore.PersistenceProvider = (*Provider)(nil)

func NewProvider(ctx context.Context, cfg ProviderConfig) (*Provider, error) {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	table := cfg.Table
	if table == "" {
		table = defaultTable
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	client := cfg.Client
	if client == nil {
		awsCfg, err := awsconf.Load(ctx, cfg.AWS)
		if err != nil {
			return nil, err
		}
		client = awsdynamodb.NewFromConfig(awsCfg)
	}

	return &Provider{
		client:      client,
		log:         log.With(slog.String("provider", "dynamodb"), slog.String("table", table)),
		table:       table,
		createTable: cfg.CreateTable,
		maxRetries:  maxRetries,
		indexed:     cache.New(cfg.IndexCacheSize),
		now:         time.Now,
	}, nil
}

func eventsPK(stream evstore.Stream) string {
	// the length prefix keeps aggregation and id apart when either contains '#'
	return "events#" + strconv.Itoa(len(stream.Aggregation)) + "#" + stream.Aggregation + "#" + stream.ID
}

func streamsPK(aggregation string) string {
	return "streams#" + aggregation
}

func sequenceSK(seq uint64) string {
	return fmt.Sprintf("%020d", seq)
}

func str(v string) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: v}
}

func num(v int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}

// EnsureTable creates the table if CreateTable is set and waits until it
// is active. It runs once per provider.
func (p *Provider) EnsureTable(ctx context.Context) error {
	if !p.createTable {
		return nil
	}
	return p.ready.Do(func() error {
		_, err := p.client.CreateTable(ctx, &awsdynamodb.CreateTableInput{
			TableName: aws.String(p.table),
			AttributeDefinitions: []types.AttributeDefinition{
				{AttributeName: aws.String(attrPK), AttributeType: types.ScalarAttributeTypeS},
				{AttributeName: aws.String(attrSK), AttributeType: types.ScalarAttributeTypeS},
			},
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String(attrPK), KeyType: types.KeyTypeHash},
				{AttributeName: aws.String(attrSK), KeyType: types.KeyTypeRange},
			},
			BillingMode: types.BillingModePayPerRequest,
		})
		var inUse *types.ResourceInUseException
		if err != nil && !errors.As(err, &inUse) {
			return fmt.Errorf("create table: %w", err)
		}

		waiter := awsdynamodb.NewTableExistsWaiter(p.client)
		if err := waiter.Wait(ctx, &awsdynamodb.DescribeTableInput{TableName: aws.String(p.table)}, 2*time.Minute); err != nil {
			return fmt.Errorf("wait for table: %w", err)
		}
		p.log.Debug("table ready")
		return nil
	})
}

func (p *Provider) AddEvent(ctx context.Context, stream evstore.Stream, payload json.RawMessage) (evstore.Event, error) {
	if err := p.EnsureTable(ctx); err != nil {
		return evstore.Event{}, evstore.NewPersistenceError(evstore.OpAddEvent, stream, err)
	}
	if err := p.index(ctx, stream); err != nil {
		return evstore.Event{}, evstore.NewPersistenceError(evstore.OpAddEvent, stream, err)
	}

	for attempt := 0; attempt < p.maxRetries; attempt++ {
		ev, err := p.tryAppend(ctx, stream, payload)
		if err == nil {
			p.log.Debug("event added", stream.SlogAttr(), slog.Uint64("sequence", ev.Sequence))
			return ev, nil
		}
		var conflict *types.ConditionalCheckFailedException
		if !errors.As(err, &conflict) {
			return evstore.Event{}, evstore.NewPersistenceError(evstore.OpAddEvent, stream, err)
		}
		p.log.Debug("sequence taken, retrying", stream.SlogAttr(), slog.Int("attempt", attempt))
	}
	return evstore.Event{}, evstore.NewPersistenceError(
		evstore.OpAddEvent, stream,
		fmt.Errorf("gave up after %d conflicting appends", p.maxRetries),
	)
}

// index writes both index items before the stream's first event.
func (p *Provider) index(ctx context.Context, stream evstore.Stream) error {
	if _, ok := p.indexed.Get(stream.Key()); ok {
		return nil
	}
	requests := map[string][]types.WriteRequest{
		p.table: {
			{PutRequest: &types.PutRequest{Item: map[string]types.AttributeValue{
				attrPK: str(pkAggregations),
				attrSK: str(stream.Aggregation),
			}}},
			{PutRequest: &types.PutRequest{Item: map[string]types.AttributeValue{
				attrPK: str(streamsPK(stream.Aggregation)),
				attrSK: str(stream.ID),
			}}},
		},
	}
	for attempt := 0; len(requests) > 0; attempt++ {
		if attempt == p.maxRetries {
			return errors.New("index stream: items left unprocessed")
		}
		out, err := p.client.BatchWriteItem(ctx, &awsdynamodb.BatchWriteItemInput{RequestItems: requests})
		if err != nil {
			return fmt.Errorf("index stream: %w", err)
		}
		requests = out.UnprocessedItems
	}
	p.indexed.Put(stream.Key(), struct{}{})
	return nil
}

func (p *Provider) tryAppend(ctx context.Context, stream evstore.Stream, payload json.RawMessage) (evstore.Event, error) {
	next, err := p.nextSequence(ctx, stream)
	if err != nil {
		return evstore.Event{}, err
	}

	ev := evstore.Event{
		Payload:         append(json.RawMessage(nil), payload...),
		CommitTimestamp: p.now().UnixMilli(),
		Sequence:        next,
	}
	_, err = p.client.PutItem(ctx, &awsdynamodb.PutItemInput{
		TableName: aws.String(p.table),
		Item: map[string]types.AttributeValue{
			attrPK:        str(eventsPK(stream)),
			attrSK:        str(sequenceSK(next)),
			attrPayload:   str(string(payload)),
			attrTimestamp: num(ev.CommitTimestamp),
		},
		ConditionExpression: aws.String("attribute_not_exists(#sk)"),
		ExpressionAttributeNames: map[string]string{
			"#sk": attrSK,
		},
	})
	if err != nil {
		return evstore.Event{}, err
	}
	return ev, nil
}

func (p *Provider) nextSequence(ctx context.Context, stream evstore.Stream) (uint64, error) {
	out, err := p.client.Query(ctx, &awsdynamodb.QueryInput{
		TableName:              aws.String(p.table),
		KeyConditionExpression: aws.String("#pk = :pk"),
		ExpressionAttributeNames: map[string]string{
			"#pk": attrPK,
			"#sk": attrSK,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": str(eventsPK(stream)),
		},
		ProjectionExpression: aws.String("#sk"),
		ScanIndexForward:     aws.Bool(false),
		Limit:                aws.Int32(1),
		ConsistentRead:       aws.Bool(true),
	})
	if err != nil {
		return 0, fmt.Errorf("read last sequence: %w", err)
	}
	if len(out.Items) == 0 {
		return 0, nil
	}
	last, err := parseSequence(out.Items[0])
	if err != nil {
		return 0, err
	}
	return last + 1, nil
}

func parseSequence(item map[string]types.AttributeValue) (uint64, error) {
	sk, ok := item[attrSK].(*types.AttributeValueMemberS)
	if !ok {
		return 0, errors.New("item without sort key")
	}
	seq, err := strconv.ParseUint(sk.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse sequence %q: %w", sk.Value, err)
	}
	return seq, nil
}

func (p *Provider) GetEvents(ctx context.Context, stream evstore.Stream, page evstore.Page) ([]evstore.Event, error) {
	if err := p.EnsureTable(ctx); err != nil {
		return nil, evstore.NewPersistenceError(evstore.OpGetEvents, stream, err)
	}

	events := make([]evstore.Event, 0)
	// sequences are contiguous, so the offset is a sort key bound
	err := p.query(ctx, &awsdynamodb.QueryInput{
		TableName:              aws.String(p.table),
		KeyConditionExpression: aws.String("#pk = :pk AND #sk >= :from"),
		ExpressionAttributeNames: map[string]string{
			"#pk": attrPK,
			"#sk": attrSK,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":   str(eventsPK(stream)),
			":from": str(sequenceSK(page.Offset)),
		},
		ConsistentRead: aws.Bool(true),
	}, func(item map[string]types.AttributeValue) (bool, error) {
		ev, err := decodeEvent(item)
		if err != nil {
			return false, err
		}
		events = append(events, ev)
		return !page.Bounded() || uint64(len(events)) < page.Limit, nil
	})
	if err != nil {
		return nil, evstore.NewPersistenceError(evstore.OpGetEvents, stream, err)
	}
	return events, nil
}

func decodeEvent(item map[string]types.AttributeValue) (evstore.Event, error) {
	seq, err := parseSequence(item)
	if err != nil {
		return evstore.Event{}, err
	}
	payload, ok := item[attrPayload].(*types.AttributeValueMemberS)
	if !ok {
		return evstore.Event{}, fmt.Errorf("event %d without payload", seq)
	}
	tsAttr, ok := item[attrTimestamp].(*types.AttributeValueMemberN)
	if !ok {
		return evstore.Event{}, fmt.Errorf("event %d without timestamp", seq)
	}
	ts, err := strconv.ParseInt(tsAttr.Value, 10, 64)
	if err != nil {
		return evstore.Event{}, fmt.Errorf("parse timestamp of event %d: %w", seq, err)
	}
	return evstore.Event{
		Payload:         json.RawMessage(payload.Value),
		CommitTimestamp: ts,
		Sequence:        seq,
	}, nil
}

func (p *Provider) GetAggregations(ctx context.Context, page evstore.Page) ([]string, error) {
	if err := p.EnsureTable(ctx); err != nil {
		return nil, evstore.NewPersistenceError(evstore.OpGetAggregations, evstore.Stream{}, err)
	}
	out, err := p.sortKeys(ctx, pkAggregations, page)
	if err != nil {
		return nil, evstore.NewPersistenceError(evstore.OpGetAggregations, evstore.Stream{}, err)
	}
	return out, nil
}

func (p *Provider) GetStreams(ctx context.Context, aggregation string, page evstore.Page) ([]string, error) {
	if err := p.EnsureTable(ctx); err != nil {
		return nil, evstore.NewPersistenceError(evstore.OpGetStreams, evstore.Stream{Aggregation: aggregation}, err)
	}
	out, err := p.sortKeys(ctx, streamsPK(aggregation), page)
	if err != nil {
		return nil, evstore.NewPersistenceError(evstore.OpGetStreams, evstore.Stream{Aggregation: aggregation}, err)
	}
	return out, nil
}

// sortKeys pages through the index partition pk, skipping page.Offset
// items and stopping after page.Limit.
func (p *Provider) sortKeys(ctx context.Context, pk string, page evstore.Page) ([]string, error) {
	var (
		out     = make([]string, 0)
		skipped uint64
	)
	err := p.query(ctx, &awsdynamodb.QueryInput{
		TableName:              aws.String(p.table),
		KeyConditionExpression: aws.String("#pk = :pk"),
		ExpressionAttributeNames: map[string]string{
			"#pk": attrPK,
			"#sk": attrSK,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": str(pk),
		},
		ProjectionExpression: aws.String("#sk"),
	}, func(item map[string]types.AttributeValue) (bool, error) {
		if skipped < page.Offset {
			skipped++
			return true, nil
		}
		sk, ok := item[attrSK].(*types.AttributeValueMemberS)
		if !ok {
			return false, errors.New("item without sort key")
		}
		out = append(out, sk.Value)
		return !page.Bounded() || uint64(len(out)) < page.Limit, nil
	})
	return out, err
}

// query runs input through all result pages and hands every item to fn
// until fn returns false.
func (p *Provider) query(ctx context.Context, input *awsdynamodb.QueryInput, fn func(map[string]types.AttributeValue) (bool, error)) error {
	paginator := awsdynamodb.NewQueryPaginator(p.client, input)
	for paginator.HasMorePages() {
		out, err := paginator.NextPage(ctx)
		if err != nil {
			return err
		}
		for _, item := range out.Items {
			more, err := fn(item)
			if err != nil || !more {
				return err
			}
		}
	}
	return nil
}
