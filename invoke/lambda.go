// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package invoke

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/lambda"
	"github.com/aws/aws-sdk-go/service/lambda/lambdaiface"
	"github.com/grailbio/base/errors"
)

// MaxLambdaPayload is the largest event accepted by asynchronous
// Lambda invocations.
const MaxLambdaPayload = 256 << 10

// LambdaEvent is the event delivered to bigmap Lambda functions.
// Events are JSON-encoded, as required by Lambda; the payload is
// carried as base64.
type LambdaEvent struct {
	Target  string `json:"target"`
	Payload []byte `json:"payload"`
}

// Lambda is an invoker that triggers AWS Lambda functions with
// asynchronous ("Event") invocations. Each target is served by a
// named function; a single function may serve all targets.
type Lambda struct {
	client    lambdaiface.LambdaAPI
	functions map[string]string
}

// NewLambda returns a Lambda invoker that uses the provided client.
// Functions maps targets to function names or ARNs.
func NewLambda(client lambdaiface.LambdaAPI, functions map[string]string) *Lambda {
	return &Lambda{client: client, functions: functions}
}

// NewLambdaSession returns a Lambda invoker with a client constructed
// from the provided AWS session.
func NewLambdaSession(sess *session.Session, functions map[string]string) *Lambda {
	return NewLambda(lambda.New(sess), functions)
}

// Invoke implements Invoker.
func (l *Lambda) Invoke(ctx context.Context, target string, payload []byte) error {
	name, ok := l.functions[target]
	if !ok || name == "" {
		return errors.E(errors.Invalid, fmt.Sprintf("invoke %s: no lambda function configured", target))
	}
	event, err := json.Marshal(LambdaEvent{Target: target, Payload: payload})
	if err != nil {
		return errors.E(errors.Invalid, fmt.Sprintf("invoke %s", target), err)
	}
	if len(event) > MaxLambdaPayload {
		return errors.E(errors.Invalid, fmt.Sprintf("invoke %s: event size %d exceeds lambda limit %d", target, len(event), MaxLambdaPayload))
	}
	out, err := l.client.InvokeWithContext(ctx, &lambda.InvokeInput{
		FunctionName:   aws.String(name),
		InvocationType: aws.String(lambda.InvocationTypeEvent),
		Payload:        event,
	})
	if err != nil {
		return lambdaError(fmt.Sprintf("invoke %s (%s)", target, name), err)
	}
	if code := aws.Int64Value(out.StatusCode); code != 202 {
		return errors.E(errors.Unavailable, fmt.Sprintf("invoke %s (%s): unexpected status %d", target, name, code))
	}
	return nil
}

// lambdaError classifies errors returned by the Lambda API.
func lambdaError(msg string, err error) error {
	if aerr, ok := err.(awserr.Error); ok {
		switch aerr.Code() {
		case lambda.ErrCodeTooManyRequestsException,
			lambda.ErrCodeEC2ThrottledException,
			lambda.ErrCodeServiceException,
			lambda.ErrCodeResourceConflictException:
			return errors.E(errors.Unavailable, errors.Temporary, msg, err)
		case lambda.ErrCodeResourceNotFoundException:
			return errors.E(errors.NotExist, msg, err)
		case lambda.ErrCodeInvalidParameterValueException,
			lambda.ErrCodeRequestTooLargeException,
			lambda.ErrCodeInvalidRequestContentException:
			return errors.E(errors.Invalid, msg, err)
		case request.CanceledErrorCode:
			return errors.E(errors.Canceled, msg, err)
		}
	}
	if request.IsErrorThrottle(err) || request.IsErrorRetryable(err) {
		return errors.E(errors.Net, errors.Temporary, msg, err)
	}
	return errors.E(errors.Net, msg, err)
}

// LambdaHandler adapts h to the handler signature expected by
// github.com/aws/aws-lambda-go/lambda.Start. An error returned by the
// handler causes Lambda to retry the event.
func LambdaHandler(h Handler) func(context.Context, LambdaEvent) error {
	return func(ctx context.Context, event LambdaEvent) error {
		if !ValidTarget(event.Target) {
			return errors.E(errors.Invalid, fmt.Sprintf("lambda event: invalid target %q", event.Target))
		}
		return h.Handle(ctx, event.Target, event.Payload)
	}
}
