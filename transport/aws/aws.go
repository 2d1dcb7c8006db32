// Package aws provides an AWS SNS/SQS transport.
//
// Every topic is an SNS topic fanned out to SQS queues. Responders share one
// queue per topic named after the consumer group. Each waiter call gets a
// queue of its own, which is unsubscribed and deleted on release.
package aws

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	amazonsns "github.com/aws/aws-sdk-go-v2/service/sns"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"
	smithyendpoints "github.com/aws/smithy-go/endpoints"

	"github.com/drblury/idflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "aws"

const (
	localstackAccountID = "000000000000"
	awsAccountIDLength  = 12

	// maxQueueNameLength is the SQS limit for standard queue names.
	maxQueueNameLength = 80

	cleanupTimeout = 30 * time.Second
)

// SNSCleanupAPI is the slice of the SNS client used to drop scoped subscriptions.
type SNSCleanupAPI interface {
	ListSubscriptionsByTopic(ctx context.Context, params *amazonsns.ListSubscriptionsByTopicInput, optFns ...func(*amazonsns.Options)) (*amazonsns.ListSubscriptionsByTopicOutput, error)
	Unsubscribe(ctx context.Context, params *amazonsns.UnsubscribeInput, optFns ...func(*amazonsns.Options)) (*amazonsns.UnsubscribeOutput, error)
}

// SQSCleanupAPI is the slice of the SQS client used to drop scoped queues.
type SQSCleanupAPI interface {
	GetQueueUrl(ctx context.Context, params *amazonsqs.GetQueueUrlInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.GetQueueUrlOutput, error)
	GetQueueAttributes(ctx context.Context, params *amazonsqs.GetQueueAttributesInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.GetQueueAttributesOutput, error)
	DeleteQueue(ctx context.Context, params *amazonsqs.DeleteQueueInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.DeleteQueueOutput, error)
}

// DefaultConfigLoader allows overriding the AWS config loader for testing.
var DefaultConfigLoader = awsconfig.LoadDefaultConfig

// TopicResolverFactory allows overriding the topic resolver creation for testing.
var TopicResolverFactory = sns.NewGenerateArnTopicResolver

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return sns.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return sns.NewSubscriber(cfg, sqsCfg, logger)
}

// CleanupClientsFactory allows overriding the clients used to release scoped queues.
var CleanupClientsFactory = func(awsCfg aws.Config, endpoint string) (SNSCleanupAPI, SQSCleanupAPI) {
	if endpoint == "" {
		return amazonsns.NewFromConfig(awsCfg), amazonsqs.NewFromConfig(awsCfg)
	}
	return amazonsns.NewFromConfig(awsCfg, func(o *amazonsns.Options) { o.BaseEndpoint = aws.String(endpoint) }),
		amazonsqs.NewFromConfig(awsCfg, func(o *amazonsqs.Options) { o.BaseEndpoint = aws.String(endpoint) })
}

func init() {
	Register()
}

// Register registers the AWS transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.AWSCapabilities)
}

// Build creates a new AWS SNS/SQS transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	awsCfg, err := createAWSConfig(ctx, cfg, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	logger.Info("Created AWS config", watermill.LogFields{
		"region":          safeAWSRegion(awsCfg),
		"custom_endpoint": hasCustomEndpoint(awsCfg),
	})

	accountID, region := resolveAccountAndRegion(cfg, logger, safeAWSRegion(awsCfg))
	topicResolver, err := createTopicResolver(accountID, region, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	publisher, err := createPublisher(cfg, logger, awsCfg, topicResolver)
	if err != nil {
		return transport.Transport{}, err
	}

	subCfg, sqsCfg, err := subscriberConfigs(cfg, awsCfg, topicResolver)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	group := cfg.GetConsumerGroup()
	subCfg.GenerateSqsQueueName = queueNameGenerator(group)
	subscriber, err := SubscriberFactory(subCfg, sqsCfg, logger)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	snsAPI, sqsAPI := CleanupClientsFactory(*awsCfg, cfg.GetAWSEndpoint())
	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
		Scoped: &scopedFactory{
			subCfg:   subCfg,
			sqsCfg:   sqsCfg,
			resolver: topicResolver,
			sns:      snsAPI,
			sqs:      sqsAPI,
			logger:   logger,
		},
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.AWSCapabilities
}

// QueueName builds an SQS queue name for owner and topic. Characters SQS does
// not accept are replaced and the result is cut to the SQS length limit.
func QueueName(owner, topic string) string {
	name := sanitizeQueueName(owner + "_" + topic)
	if len(name) > maxQueueNameLength {
		name = name[:maxQueueNameLength]
	}
	return name
}

func sanitizeQueueName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}

func queueNameGenerator(owner string) func(context.Context, sns.TopicArn) (string, error) {
	return func(_ context.Context, snsTopic sns.TopicArn) (string, error) {
		topic, err := sns.ExtractTopicNameFromTopicArn(snsTopic)
		if err != nil {
			return "", err
		}
		return QueueName(owner, string(topic)), nil
	}
}

func createAWSConfig(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (*aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error

	if cfg != nil {
		region := cfg.GetAWSRegion()
		accessKey := cfg.GetAWSAccessKeyID()
		secretKey := cfg.GetAWSSecretAccessKey()

		if region != "" {
			logger.Info("Setting AWS region from config", watermill.LogFields{"region": region})
			opts = append(opts, awsconfig.WithRegion(region))
		}
		if accessKey != "" && secretKey != "" {
			logger.Info("Using static AWS credentials from config", watermill.LogFields{})
			opts = append(opts, awsconfig.WithCredentialsProvider(staticCredentialsProvider(accessKey, secretKey)))
		}
	}

	awsCfg, err := DefaultConfigLoader(ctx, opts...)
	if err != nil {
		fields := watermill.LogFields{}
		if cfg != nil && cfg.GetAWSRegion() != "" {
			fields["requested_region"] = cfg.GetAWSRegion()
		}
		logger.Error("Failed to load AWS default config", err, fields)
		return nil, err
	}

	// Ensure region is set even if the loader ignores options
	if cfg != nil && cfg.GetAWSRegion() != "" {
		awsCfg.Region = cfg.GetAWSRegion()
	}
	if cfg != nil && cfg.GetAWSEndpoint() != "" {
		awsCfg.BaseEndpoint = aws.String(cfg.GetAWSEndpoint())
	}

	return &awsCfg, nil
}

func createPublisher(cfg transport.Config, logger watermill.LoggerAdapter, awsCfg *aws.Config, topicResolver sns.TopicResolver) (message.Publisher, error) {
	logger.Info("Create AWS Publisher", watermill.LogFields{"region": safeAWSRegion(awsCfg)})

	publisherConfig, err := buildPublisherConfig(cfg, awsCfg, topicResolver, logger)
	if err != nil {
		return nil, err
	}
	return PublisherFactory(publisherConfig, logger)
}

func subscriberConfigs(cfg transport.Config, awsCfg *aws.Config, topicResolver sns.TopicResolver) (sns.SubscriberConfig, sqs.SubscriberConfig, error) {
	snsOpts, sqsOpts, err := endpointResolvers(awsCfg)
	if err != nil {
		return sns.SubscriberConfig{}, sqs.SubscriberConfig{}, err
	}

	return sns.SubscriberConfig{
			AWSConfig:     *awsCfg,
			OptFns:        snsOpts,
			TopicResolver: topicResolver,
		}, sqs.SubscriberConfig{
			AWSConfig: *awsCfg,
			OptFns:    sqsOpts,
		}, nil
}

func endpointResolvers(awsCfg *aws.Config) ([]func(*amazonsns.Options), []func(*amazonsqs.Options), error) {
	if !hasCustomEndpoint(awsCfg) {
		return nil, nil, nil
	}
	parsedURL, err := url.Parse(*awsCfg.BaseEndpoint)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse BaseEndpoint: %w", err)
	}
	snsOpts := []func(*amazonsns.Options){
		amazonsns.WithEndpointResolverV2(sns.OverrideEndpointResolver{
			Endpoint: smithyendpoints.Endpoint{URI: *parsedURL},
		}),
	}
	sqsOpts := []func(*amazonsqs.Options){
		amazonsqs.WithEndpointResolverV2(sqs.OverrideEndpointResolver{
			Endpoint: smithyendpoints.Endpoint{URI: *parsedURL},
		}),
	}
	return snsOpts, sqsOpts, nil
}

func resolveAccountAndRegion(cfg transport.Config, logger watermill.LoggerAdapter, fallbackRegion string) (string, string) {
	if cfg == nil {
		return "", fallbackRegion
	}

	accountID := strings.Trim(cfg.GetAWSAccountID(), "\"' ")
	region := cfg.GetAWSRegion()
	if region == "" {
		region = fallbackRegion
	}

	if accountID == "" && useLocalstackEndpoint(cfg) {
		accountID = localstackAccountID
		logger.Info("AWS account ID empty; using LocalStack default", watermill.LogFields{"accountID": accountID})
		return accountID, region
	}

	if accountID != "" && len(accountID) != awsAccountIDLength && useLocalstackEndpoint(cfg) {
		logger.Info("Invalid AWS account ID; falling back to LocalStack default", watermill.LogFields{"accountID": accountID})
		accountID = localstackAccountID
	}

	return accountID, region
}

func useLocalstackEndpoint(cfg transport.Config) bool {
	return cfg != nil && cfg.GetAWSEndpoint() != ""
}

func createTopicResolver(accountID, region string, logger watermill.LoggerAdapter) (sns.TopicResolver, error) {
	topicResolver, err := TopicResolverFactory(accountID, region)
	if err != nil {
		logger.Error("Failed to create SNS topic resolver", err, watermill.LogFields{
			"accountID": accountID,
			"region":    region,
		})
		return nil, err
	}
	return topicResolver, nil
}

func buildPublisherConfig(cfg transport.Config, awsCfg *aws.Config, topicResolver sns.TopicResolver, logger watermill.LoggerAdapter) (sns.PublisherConfig, error) {
	endpoint, err := awsEndpointURL(cfg)
	if err != nil {
		logger.Error("Failed to parse AWS endpoint", err, watermill.LogFields{"endpoint": cfg.GetAWSEndpoint()})
		return sns.PublisherConfig{}, err
	}

	publisherConfig := sns.PublisherConfig{
		TopicResolver: topicResolver,
		AWSConfig:     *awsCfg,
		Marshaler:     sns.DefaultMarshalerUnmarshaler{},
	}

	if endpoint != nil {
		endpointStr := endpoint.String()
		publisherConfig.OptFns = []func(*amazonsns.Options){
			func(o *amazonsns.Options) {
				o.BaseEndpoint = aws.String(endpointStr)
			},
		}
	}

	return publisherConfig, nil
}

func awsEndpointURL(cfg transport.Config) (*url.URL, error) {
	if cfg == nil || cfg.GetAWSEndpoint() == "" {
		return nil, nil
	}

	parsedURL, err := url.Parse(cfg.GetAWSEndpoint())
	if err != nil {
		return nil, fmt.Errorf("failed to parse AWS endpoint: %w", err)
	}
	return parsedURL, nil
}

func safeAWSRegion(cfg *aws.Config) string {
	if cfg == nil {
		return ""
	}
	return cfg.Region
}

func hasCustomEndpoint(cfg *aws.Config) bool {
	return cfg != nil && cfg.BaseEndpoint != nil && *cfg.BaseEndpoint != ""
}

func staticCredentialsProvider(accessKeyID, secretAccessKey string) aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
		return aws.Credentials{
			AccessKeyID:     accessKeyID,
			SecretAccessKey: secretAccessKey,
		}, nil
	})
}

type scopedFactory struct {
	subCfg   sns.SubscriberConfig
	sqsCfg   sqs.SubscriberConfig
	resolver sns.TopicResolver
	sns      SNSCleanupAPI
	sqs      SQSCleanupAPI
	logger   watermill.LoggerAdapter
}

func (f *scopedFactory) NewScopedSubscriber(_ context.Context, identity string) (message.Subscriber, error) {
	subCfg := f.subCfg
	subCfg.GenerateSqsQueueName = queueNameGenerator(identity)

	sub, err := SubscriberFactory(subCfg, f.sqsCfg, f.logger)
	if err != nil {
		return nil, fmt.Errorf("create scoped subscriber %q: %w", identity, err)
	}
	return &scopedSubscriber{factory: f, identity: identity, sub: sub}, nil
}

type scopedSubscriber struct {
	factory  *scopedFactory
	identity string
	sub      message.Subscriber

	mu     sync.Mutex
	closed bool
	topics []string
}

func (s *scopedSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, transport.ErrScopeClosed
	}
	s.topics = append(s.topics, topic)
	s.mu.Unlock()

	return s.sub.Subscribe(ctx, topic)
}

// Close stops consuming, then unsubscribes and deletes every queue created
// for the scope.
func (s *scopedSubscriber) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	topics := s.topics
	s.mu.Unlock()

	errs := []error{s.sub.Close()}

	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	for _, topic := range topics {
		if err := s.factory.release(ctx, s.identity, topic); err != nil {
			errs = append(errs, fmt.Errorf("release queue for %q: %w", topic, err))
		}
	}
	return errors.Join(errs...)
}

func (f *scopedFactory) release(ctx context.Context, identity, topic string) error {
	topicArn, err := f.resolver.ResolveTopic(ctx, topic)
	if err != nil {
		return err
	}
	topicName, err := sns.ExtractTopicNameFromTopicArn(topicArn)
	if err != nil {
		return err
	}
	queueName := QueueName(identity, string(topicName))

	urlOut, err := f.sqs.GetQueueUrl(ctx, &amazonsqs.GetQueueUrlInput{QueueName: aws.String(queueName)})
	if err != nil {
		if isQueueMissing(err) {
			return nil
		}
		return err
	}

	attrs, err := f.sqs.GetQueueAttributes(ctx, &amazonsqs.GetQueueAttributesInput{
		QueueUrl:       urlOut.QueueUrl,
		AttributeNames: []sqstypes.QueueAttributeName{sqstypes.QueueAttributeNameQueueArn},
	})
	if err != nil {
		return err
	}
	if queueArn := attrs.Attributes[string(sqstypes.QueueAttributeNameQueueArn)]; queueArn != "" {
		if err := f.unsubscribe(ctx, string(topicArn), queueArn); err != nil {
			return err
		}
	}

	_, err = f.sqs.DeleteQueue(ctx, &amazonsqs.DeleteQueueInput{QueueUrl: urlOut.QueueUrl})
	return err
}

func (f *scopedFactory) unsubscribe(ctx context.Context, topicArn, queueArn string) error {
	var next *string
	for {
		out, err := f.sns.ListSubscriptionsByTopic(ctx, &amazonsns.ListSubscriptionsByTopicInput{
			TopicArn:  aws.String(topicArn),
			NextToken: next,
		})
		if err != nil {
			return err
		}
		for _, sub := range out.Subscriptions {
			if aws.ToString(sub.Endpoint) != queueArn {
				continue
			}
			if _, err := f.sns.Unsubscribe(ctx, &amazonsns.UnsubscribeInput{SubscriptionArn: sub.SubscriptionArn}); err != nil {
				return err
			}
		}
		if aws.ToString(out.NextToken) == "" {
			return nil
		}
		next = out.NextToken
	}
}

func isQueueMissing(err error) bool {
	var missing *sqstypes.QueueDoesNotExist
	if errors.As(err, &missing) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "AWS.SimpleQueueService.NonExistentQueue"
}
