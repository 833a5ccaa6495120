//go:build lambda

package main

import (
	"context"
	"credproxy/internal/caller"
	"credproxy/internal/types"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/suite"
)

const replyArn = "arn:aws:sns:us-east-1:000000000000:results"

type fakeCaller struct {
	data      json.RawMessage
	err       error
	calls     []string
	batches   [][]caller.Command
	batchOpts []int
}

func (f *fakeCaller) Call(_ context.Context, domain, method string, _ any) (json.RawMessage, error) {
	f.calls = append(f.calls, domain+" "+method)
	return f.data, f.err
}

func (f *fakeCaller) Batch(_ context.Context, _ string, calls []caller.Command, opts ...caller.BatchOption) (json.RawMessage, error) {
	f.batches = append(f.batches, calls)
	f.batchOpts = append(f.batchOpts, len(opts))
	return f.data, f.err
}

type published struct {
	arn     string
	payload []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	err  error
	sent []published
}

func (p *fakePublisher) PublishRaw(_ context.Context, arn string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, published{arn: arn, payload: payload})
	return nil
}

type HandlerTestSuite struct {
	suite.Suite
	ctx     context.Context
	caller  *fakeCaller
	pub     *fakePublisher
	handler *LambdaHandler
}

func (s *HandlerTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.caller = &fakeCaller{data: json.RawMessage(`{"result":{"ID":"1"}}`)}
	s.pub = &fakePublisher{}
	s.handler = &LambdaHandler{Caller: s.caller, Publisher: s.pub}
}

func message(id, body string, withReply bool) events.SQSMessage {
	m := events.SQSMessage{MessageId: id, Body: body}
	if withReply {
		arn := replyArn
		m.MessageAttributes = map[string]events.SQSMessageAttribute{
			ReplyTopicAttr: {DataType: "String", StringValue: &arn},
		}
	}
	return m
}

func (s *HandlerTestSuite) handle(msgs ...events.SQSMessage) []string {
	resp, err := s.handler.HandleSQSEvent(s.ctx, events.SQSEvent{Records: msgs})
	s.Require().NoError(err)
	var failed []string
	for _, f := range resp.BatchItemFailures {
		failed = append(failed, f.ItemIdentifier)
	}
	return failed
}

func (s *HandlerTestSuite) results() []CallResult {
	s.pub.mu.Lock()
	defer s.pub.mu.Unlock()
	var out []CallResult
	for _, p := range s.pub.sent {
		s.Equal(replyArn, p.arn)
		var r CallResult
		s.Require().NoError(json.Unmarshal(p.payload, &r))
		out = append(out, r)
	}
	return out
}

func (s *HandlerTestSuite) TestSuccessPublishesResult() {
	failed := s.handle(message("m-1", `{"domain":"acme.bitrix24.com","method":"crm.contact.get","params":{"ID":1}}`, true))

	s.Empty(failed)
	s.Equal([]string{"acme.bitrix24.com crm.contact.get"}, s.caller.calls)
	res := s.results()
	s.Require().Len(res, 1)
	s.Equal(CallResult{
		MessageID: "m-1",
		Success:   true,
		Domain:    "acme.bitrix24.com",
		Method:    "crm.contact.get",
		Data:      json.RawMessage(`{"result":{"ID":"1"}}`),
	}, res[0])
}

func (s *HandlerTestSuite) TestRetryableFailuresAreRedelivered() {
	cases := map[string]error{
		"transport":    types.Err(types.ErrTransport, errors.New("connection reset"), ""),
		"rate limited": types.Err(types.ErrRateLimited, &types.RemoteError{StatusCode: http.StatusTooManyRequests}, ""),
		"persistence":  types.Err(types.ErrPersistence, errors.New("disk full"), ""),
		"deadline":     context.DeadlineExceeded,
	}
	for name, err := range cases {
		s.Run(name, func() {
			s.SetupTest()
			s.caller.err = err
			failed := s.handle(message("m-1", `{"domain":"acme.bitrix24.com","method":"user.current"}`, true))
			s.Equal([]string{"m-1"}, failed)
			s.Empty(s.results())
		})
	}
}

func (s *HandlerTestSuite) TestPermanentFailurePublishedAndAcked() {
	s.caller.err = &types.RemoteError{StatusCode: http.StatusBadRequest, Code: "ERROR_METHOD_NOT_FOUND", Description: "Method not found!"}
	failed := s.handle(message("m-1", `{"domain":"acme.bitrix24.com","method":"no.such"}`, true))

	s.Empty(failed)
	res := s.results()
	s.Require().Len(res, 1)
	s.False(res[0].Success)
	s.Equal(types.CodeRemoteAPI, res[0].Error)
	s.Contains(res[0].Message, "Method not found!")
	s.Empty(res[0].Data)
}

func (s *HandlerTestSuite) TestMissingDomainIsAnsweredWithoutCalling() {
	failed := s.handle(message("m-1", `{"method":"user.current"}`, true))

	s.Empty(failed)
	s.Empty(s.caller.calls)
	res := s.results()
	s.Require().Len(res, 1)
	s.Equal(types.CodeInvalidArgument, res[0].Error)
}

func (s *HandlerTestSuite) TestUnparsableBodyIsDropped() {
	failed := s.handle(message("m-1", `{not json`, true))

	s.Empty(failed)
	s.Empty(s.caller.calls)
	s.Empty(s.results())
}

func (s *HandlerTestSuite) TestNoReplyTopicNoPublish() {
	failed := s.handle(message("m-1", `{"domain":"acme.bitrix24.com","method":"user.current"}`, false))

	s.Empty(failed)
	s.Len(s.caller.calls, 1)
	s.Empty(s.results())
}

func (s *HandlerTestSuite) TestPublishFailureIsRedelivered() {
	s.pub.err = errors.New("sns unavailable")
	failed := s.handle(message("m-1", `{"domain":"acme.bitrix24.com","method":"user.current"}`, true))
	s.Equal([]string{"m-1"}, failed)
}

func (s *HandlerTestSuite) TestBatchMessage() {
	failed := s.handle(message("m-1", `{"domain":"acme.bitrix24.com","calls":[{"method":"user.current"},{"method":"crm.deal.list","params":{"start":0}}],"halt":true}`, true))

	s.Empty(failed)
	s.Empty(s.caller.calls)
	s.Require().Len(s.caller.batches, 1)
	s.Equal([]caller.Command{
		{Method: "user.current"},
		{Method: "crm.deal.list", Params: map[string]any{"start": float64(0)}},
	}, s.caller.batches[0])
	s.Equal([]int{1}, s.caller.batchOpts)
	res := s.results()
	s.Require().Len(res, 1)
	s.Equal(caller.BatchMethod, res[0].Method)
	s.True(res[0].Success)
}

func (s *HandlerTestSuite) TestOnlyFailedMessagesReported() {
	s.caller.err = types.Err(types.ErrTransport, errors.New("timeout"), "")
	failed := s.handle(
		message("m-1", `garbage`, true),
		message("m-2", `{"domain":"acme.bitrix24.com","method":"user.current"}`, true),
	)
	s.Equal([]string{"m-2"}, failed)
}

func TestHandlerTestSuite(t *testing.T) {
	suite.Run(t, new(HandlerTestSuite))
}
