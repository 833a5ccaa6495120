//go:build lambda

package main

import (
	"context"
	"credproxy/internal/backends"
	"credproxy/internal/caller"
	"credproxy/internal/credentials"
	"credproxy/internal/oauth"
	"credproxy/internal/ports"
	"credproxy/internal/pub"
	"credproxy/internal/types"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/goccy/go-json"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

// ReplyTopicAttr names the message attribute carrying the SNS topic that receives the call result.
const ReplyTopicAttr = "reply-topic-arn"

// Caller is the part of the executor the queue consumer drives.
type Caller interface {
	Call(ctx context.Context, domain, method string, params any) (json.RawMessage, error)
	Batch(ctx context.Context, domain string, calls []caller.Command, opts ...caller.BatchOption) (json.RawMessage, error)
}

// LambdaHandler holds the dependencies needed to process SQS messages
type LambdaHandler struct {
	Caller    Caller
	Publisher ports.Publisher
}

// CallMessage is the body of one queued call: a single method, or a batch when Calls is set.
type CallMessage struct {
	Domain string           `json:"domain"`
	Method string           `json:"method,omitempty"`
	Params map[string]any   `json:"params,omitempty"`
	Calls  []caller.Command `json:"calls,omitempty"`
	Halt   bool             `json:"halt,omitempty"`
}

// CallResult is published to the reply topic for every processed message.
type CallResult struct {
	MessageID string          `json:"message_id"`
	Success   bool            `json:"success"`
	Domain    string          `json:"domain"`
	Method    string          `json:"method"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Message   string          `json:"message,omitempty"`
}

func main() {
	// Load environment variables
	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	err := godotenv.Load(envFile)
	if err != nil {
		log.Info("The .env file not found.")
	}

	ctx := context.Background()
	cfg, err := types.AppConfigFromEnv()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if lvl, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}
	log.SetFormatter(&log.JSONFormatter{})

	publisher, err := pub.NewSNSFromEnv(ctx)
	if err != nil {
		log.Fatalf("Failed to load AWS config: %v", err)
	}

	tokens, err := backends.TokenBackendFromEnv(ctx)
	if err != nil {
		log.Fatalf("Failed to initialize token store: %v", err)
	}
	lease, err := backends.LeaseBackendFromEnv()
	if err != nil {
		log.Fatalf("Failed to initialize refresh lease: %v", err)
	}

	opts := []credentials.Option{credentials.WithCache(cfg.CacheTTL)}
	if lease != nil {
		opts = append(opts, credentials.WithLease(lease, cfg.LeaseTTL))
	}
	if cfg.EventsTopicArn != "" {
		opts = append(opts, credentials.WithPublisher(publisher, cfg.EventsTopicArn))
	}
	store := credentials.NewStore(tokens,
		oauth.NewClient(cfg.ClientID, cfg.ClientSecret, cfg.TokenURL, cfg.RedirectURL,
			oauth.WithHTTPClient(&http.Client{Timeout: cfg.CallTimeout})), opts...)

	handler := &LambdaHandler{
		Caller: caller.New(store,
			caller.WithHTTPClient(&http.Client{Timeout: cfg.CallTimeout}),
			caller.WithMaxRateLimitRetries(cfg.MaxRateLimitRetries),
			caller.WithMaxRetryAfter(cfg.MaxRetryAfter),
		),
		Publisher: publisher,
	}

	// Start Lambda runtime
	lambda.Start(handler.HandleSQSEvent)
}

// HandleSQSEvent processes a batch of queued calls. Messages that failed for a reason worth retrying are
// reported back so SQS redelivers them.
func (h *LambdaHandler) HandleSQSEvent(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	log.Infof("Processing batch of %d messages", len(sqsEvent.Records))

	var batchItemFailures []events.SQSBatchItemFailure

	for _, record := range sqsEvent.Records {
		if err := h.processMessage(ctx, record); err != nil {
			log.WithError(err).Errorf("Failed to process message %s", record.MessageId)
			batchItemFailures = append(batchItemFailures, events.SQSBatchItemFailure{
				ItemIdentifier: record.MessageId,
			})
		}
	}

	return events.SQSEventResponse{
		BatchItemFailures: batchItemFailures,
	}, nil
}

func (h *LambdaHandler) processMessage(ctx context.Context, record events.SQSMessage) error {
	var msg CallMessage
	if err := json.Unmarshal([]byte(record.Body), &msg); err != nil {
		// Redelivery cannot fix a malformed body.
		log.WithError(err).WithField("messageID", record.MessageId).Warn("Dropping unparsable message")
		return nil
	}

	res := CallResult{MessageID: record.MessageId, Domain: msg.Domain, Method: msg.Method}
	var data json.RawMessage
	var err error
	switch {
	case msg.Domain == "":
		err = types.Err(types.ErrInvalidArgument, nil, "domain is required")
	case len(msg.Calls) > 0:
		res.Method = caller.BatchMethod
		var opts []caller.BatchOption
		if msg.Halt {
			opts = append(opts, caller.Halt())
		}
		data, err = h.Caller.Batch(ctx, msg.Domain, msg.Calls, opts...)
	default:
		var params any
		if msg.Params != nil {
			params = msg.Params
		}
		data, err = h.Caller.Call(ctx, msg.Domain, msg.Method, params)
	}

	logger := log.WithFields(log.Fields{
		"domain":    msg.Domain,
		"method":    res.Method,
		"messageID": record.MessageId,
	})
	if err != nil {
		if retryable(err) {
			return fmt.Errorf("call %s: %w", res.Method, err)
		}
		logger.WithError(err).Warn("Call failed")
		res.Error = types.Code(err)
		res.Message = types.Message(err)
	} else {
		res.Success = true
		res.Data = data
		logger.Debug("Call succeeded")
	}

	arn := replyTopic(record)
	if arn == "" {
		return nil
	}
	b, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if err := h.Publisher.PublishRaw(ctx, arn, b); err != nil {
		return fmt.Errorf("publish result to SNS: %w", err)
	}
	logger.WithField("snsArn", arn).Info("Result sent to SNS")
	return nil
}

// retryable reports whether a later attempt can succeed without changing the message.
func retryable(err error) bool {
	return errors.Is(err, types.ErrTransport) ||
		errors.Is(err, types.ErrRateLimited) ||
		errors.Is(err, types.ErrPersistence) ||
		errors.Is(err, context.DeadlineExceeded)
}

func replyTopic(record events.SQSMessage) string {
	if attr, ok := record.MessageAttributes[ReplyTopicAttr]; ok && attr.StringValue != nil {
		return *attr.StringValue
	}
	return ""
}
