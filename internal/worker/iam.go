package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsmiddleware "github.com/aws/aws-sdk-go-v2/aws/middleware"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/smithy-go"
	"github.com/aws/smithy-go/middleware"

	"csecbridge/internal/action"
	"csecbridge/internal/models"
)

// Request actions the AWS executor understands.
const (
	ActionAttachPolicy = "attach-policy"
	ActionDetachPolicy = "detach-policy"
)

// IAMAPI is the subset of the IAM client the executor calls.
type IAMAPI interface {
	AttachRolePolicy(ctx context.Context, params *iam.AttachRolePolicyInput, optFns ...func(*iam.Options)) (*iam.AttachRolePolicyOutput, error)
	DetachRolePolicy(ctx context.Context, params *iam.DetachRolePolicyInput, optFns ...func(*iam.Options)) (*iam.DetachRolePolicyOutput, error)
}

// IAMExecutor applies access-provisioning actions against AWS IAM. The
// AWS request id of the successful call becomes the request's external
// reference.
type IAMExecutor struct {
	client IAMAPI
	log    *slog.Logger
}

// NewIAMExecutor wraps an already-configured IAM client.
func NewIAMExecutor(client IAMAPI, log *slog.Logger) *IAMExecutor {
	if log == nil {
		log = slog.Default()
	}
	return &IAMExecutor{client: client, log: log}
}

// Execute dispatches on the message's action and classifies any AWS
// failure as transient or permanent. Error codes the classifier does
// not know stay unwrapped, which the processor retries by policy.
func (e *IAMExecutor) Execute(ctx context.Context, msg models.QueueMessage) (action.Result, error) {
	policyARN := policyARN(msg)

	var md middleware.Metadata
	switch msg.Action {
	case ActionAttachPolicy:
		out, err := e.client.AttachRolePolicy(ctx, &iam.AttachRolePolicyInput{
			RoleName:  aws.String(msg.Role),
			PolicyArn: aws.String(policyARN),
		})
		if err != nil {
			return action.Result{}, classifyAWSError("attach role policy", err)
		}
		md = out.ResultMetadata
	case ActionDetachPolicy:
		out, err := e.client.DetachRolePolicy(ctx, &iam.DetachRolePolicyInput{
			RoleName:  aws.String(msg.Role),
			PolicyArn: aws.String(policyARN),
		})
		if err != nil {
			return action.Result{}, classifyAWSError("detach role policy", err)
		}
		md = out.ResultMetadata
	default:
		return action.Result{}, action.Permanent(fmt.Sprintf("unsupported action %q", msg.Action), nil)
	}

	ref, ok := awsmiddleware.GetRequestIDMetadata(md)
	if !ok || ref == "" {
		ref = "not-defined"
	}
	e.log.Info("iam action applied",
		"correlation_id", msg.CorrelationID,
		"action", msg.Action,
		"role", msg.Role,
		"aws_request_id", ref)
	return action.Result{ExternalRef: ref}, nil
}

// policyARN resolves the managed policy named by the request. Principals
// already in ARN form are used verbatim; otherwise the policy lives in
// the request's own account.
func policyARN(msg models.QueueMessage) string {
	if strings.HasPrefix(msg.Principal, "arn:") {
		return msg.Principal
	}
	return fmt.Sprintf("arn:aws:iam::%s:policy/%s", msg.AccountID, msg.Principal)
}

// classifyAWSError maps IAM error codes onto the transient/permanent
// taxonomy. Throttling and availability codes resolve on retry; denial
// and bad-entity codes never will.
func classifyAWSError(op string, err error) error {
	var ae smithy.APIError
	if !errors.As(err, &ae) {
		return fmt.Errorf("%s: %w", op, err)
	}
	switch ae.ErrorCode() {
	case "Throttling", "ThrottlingException", "RequestLimitExceeded",
		"ServiceUnavailable", "ServiceFailure", "ServiceFailureException":
		return action.Transient(op+": "+ae.ErrorCode(), err)
	case "AccessDenied", "AccessDeniedException", "NoSuchEntity",
		"NoSuchEntityException", "MalformedPolicyDocument", "InvalidInput",
		"LimitExceeded", "UnmodifiableEntity":
		return action.Permanent(op+": "+ae.ErrorCode(), err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
