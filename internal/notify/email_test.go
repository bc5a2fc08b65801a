package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSendGridSender_NilWithoutAPIKey(t *testing.T) {
	sender := NewSendGridSender(SendGridConfig{FromEmail: "ops@example.com"}, nil)
	assert.Nil(t, sender)
}

func TestNewSendGridSender_FromName(t *testing.T) {
	sender := NewSendGridSender(SendGridConfig{APIKey: "test-key", FromEmail: "ops@example.com"}, nil)
	require.NotNil(t, sender)
	assert.Equal(t, defaultFromName, sender.fromName)

	sender = NewSendGridSender(SendGridConfig{APIKey: "test-key", FromEmail: "ops@example.com", FromName: "Clinic Ops"}, nil)
	require.NotNil(t, sender)
	assert.Equal(t, "Clinic Ops", sender.fromName)
}

func TestSendGridSender_Send_NilClient(t *testing.T) {
	sender := &SendGridSender{}
	err := sender.Send(context.Background(), EmailMessage{To: "recipient@example.com", Subject: "Test"})
	assert.Error(t, err)
}

func TestStubEmailSender_Send(t *testing.T) {
	err := NewStubEmailSender(nil).Send(context.Background(), EmailMessage{To: "recipient@example.com", Subject: "Test"})
	assert.NoError(t, err)
}

type fakeSES struct {
	input *sesv2.SendEmailInput
	err   error
}

func (f *fakeSES) SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.input = params
	if f.err != nil {
		return nil, f.err
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("msg-1")}, nil
}

func TestSESSender_Send(t *testing.T) {
	api := &fakeSES{}
	sender := newSESSender(api, SESConfig{FromEmail: "ops@example.com"}, nil)

	err := sender.Send(context.Background(), EmailMessage{To: "oncall@example.com", Subject: "Refund", Body: "text"})
	require.NoError(t, err)
	require.NotNil(t, api.input)
	assert.Equal(t, "HCOIN Appointments <ops@example.com>", aws.ToString(api.input.FromEmailAddress))
	assert.Equal(t, []string{"oncall@example.com"}, api.input.Destination.ToAddresses)
	assert.Equal(t, "text", aws.ToString(api.input.Content.Simple.Body.Text.Data))
	assert.Nil(t, api.input.Content.Simple.Body.Html)
}

func TestSESSender_SendError(t *testing.T) {
	sender := newSESSender(&fakeSES{err: errors.New("throttled")}, SESConfig{FromEmail: "ops@example.com"}, nil)
	err := sender.Send(context.Background(), EmailMessage{To: "oncall@example.com", Subject: "Refund", Body: "text"})
	assert.ErrorContains(t, err, "throttled")
}

func TestNewSESSender_NilClient(t *testing.T) {
	assert.Nil(t, NewSESSender(nil, SESConfig{}, nil))
}
