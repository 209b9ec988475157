package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"csecbridge/internal/action"
	"csecbridge/internal/models"
)

type fakeIAM struct {
	attachIn  *iam.AttachRolePolicyInput
	detachIn  *iam.DetachRolePolicyInput
	attachErr error
	detachErr error
}

func (f *fakeIAM) AttachRolePolicy(ctx context.Context, params *iam.AttachRolePolicyInput, optFns ...func(*iam.Options)) (*iam.AttachRolePolicyOutput, error) {
	f.attachIn = params
	if f.attachErr != nil {
		return nil, f.attachErr
	}
	return &iam.AttachRolePolicyOutput{}, nil
}

func (f *fakeIAM) DetachRolePolicy(ctx context.Context, params *iam.DetachRolePolicyInput, optFns ...func(*iam.Options)) (*iam.DetachRolePolicyOutput, error) {
	f.detachIn = params
	if f.detachErr != nil {
		return nil, f.detachErr
	}
	return &iam.DetachRolePolicyOutput{}, nil
}

func testMessage(act string) models.QueueMessage {
	return models.QueueMessage{
		CorrelationID:  "c1",
		AccountID:      "123456789012",
		Principal:      "developer-access",
		Role:           "app-role",
		Action:         act,
		TargetProvider: "aws",
	}
}

func TestExecuteAttachPolicy(t *testing.T) {
	client := &fakeIAM{}
	e := NewIAMExecutor(client, nil)

	res, err := e.Execute(context.Background(), testMessage(ActionAttachPolicy))
	require.NoError(t, err)
	assert.Equal(t, "not-defined", res.ExternalRef, "no request id on the fake response")

	require.NotNil(t, client.attachIn)
	assert.Equal(t, "app-role", *client.attachIn.RoleName)
	assert.Equal(t, "arn:aws:iam::123456789012:policy/developer-access", *client.attachIn.PolicyArn)
}

func TestExecuteDetachPolicyWithARNPrincipal(t *testing.T) {
	client := &fakeIAM{}
	e := NewIAMExecutor(client, nil)

	msg := testMessage(ActionDetachPolicy)
	msg.Principal = "arn:aws:iam::aws:policy/ReadOnlyAccess"
	_, err := e.Execute(context.Background(), msg)
	require.NoError(t, err)

	require.NotNil(t, client.detachIn)
	assert.Equal(t, "arn:aws:iam::aws:policy/ReadOnlyAccess", *client.detachIn.PolicyArn)
}

func TestExecuteUnsupportedActionIsPermanent(t *testing.T) {
	e := NewIAMExecutor(&fakeIAM{}, nil)

	_, err := e.Execute(context.Background(), testMessage("delete-account"))
	var aerr *action.Error
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, action.KindPermanent, aerr.Kind)
}

func TestClassifyThrottlingIsTransient(t *testing.T) {
	client := &fakeIAM{attachErr: &smithy.GenericAPIError{Code: "Throttling", Message: "rate exceeded"}}
	e := NewIAMExecutor(client, nil)

	_, err := e.Execute(context.Background(), testMessage(ActionAttachPolicy))
	var aerr *action.Error
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, action.KindTransient, aerr.Kind)
}

func TestClassifyAccessDeniedIsPermanent(t *testing.T) {
	client := &fakeIAM{attachErr: &smithy.GenericAPIError{Code: "AccessDenied", Message: "not authorized"}}
	e := NewIAMExecutor(client, nil)

	_, err := e.Execute(context.Background(), testMessage(ActionAttachPolicy))
	var aerr *action.Error
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, action.KindPermanent, aerr.Kind)
}

func TestClassifyUnknownCodeStaysUnclassified(t *testing.T) {
	client := &fakeIAM{attachErr: &smithy.GenericAPIError{Code: "SomethingNew", Message: "?"}}
	e := NewIAMExecutor(client, nil)

	_, err := e.Execute(context.Background(), testMessage(ActionAttachPolicy))
	require.Error(t, err)
	var aerr *action.Error
	assert.False(t, errors.As(err, &aerr), "unknown codes are left for the retry-by-policy path")
}

func TestClassifyNonAPIErrorStaysUnclassified(t *testing.T) {
	client := &fakeIAM{attachErr: errors.New("dial tcp: i/o timeout")}
	e := NewIAMExecutor(client, nil)

	_, err := e.Execute(context.Background(), testMessage(ActionAttachPolicy))
	require.Error(t, err)
	var aerr *action.Error
	assert.False(t, errors.As(err, &aerr))
}
