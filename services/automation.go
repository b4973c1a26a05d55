package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"outreach/models"
	"outreach/utils"

	"github.com/aws/aws-sdk-go-v2/aws"
	configv2 "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/sirupsen/logrus"
)

type EventKind string

const (
	EventCompleted    EventKind = "COMPLETED"
	EventReplied      EventKind = "REPLIED"
	EventBounced      EventKind = "BOUNCED"
	EventUnsubscribed EventKind = "UNSUBSCRIBED"
)

// AutomationEvent is what the external rule engine learns about a recipient.
type AutomationEvent struct {
	Kind           EventKind `json:"kind"`
	OrganizationID uint      `json:"organizationId"`
	RecipientID    uint      `json:"recipientId"`
	CampaignID     uint      `json:"campaignId"`
	LeadID         uint      `json:"contactId"`
	SentEmailID    uint      `json:"sentEmailId,omitempty"`
	OccurredAt     time.Time `json:"occurredAt"`
}

// AutomationHook receives terminal recipient events. Implementations must
// not assume they are called exactly once; the engine never retries.
type AutomationHook interface {
	Notify(ctx context.Context, evt AutomationEvent) error
}

// Notifier delivers events without blocking the caller. Failures are
// logged and never reach the engine's own state.
type Notifier struct {
	Hook    AutomationHook
	Timeout time.Duration

	wg sync.WaitGroup
}

func NewNotifier(hook AutomationHook, timeout time.Duration) *Notifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Notifier{Hook: hook, Timeout: timeout}
}

func (n *Notifier) Fire(evt AutomationEvent) {
	if n == nil || n.Hook == nil {
		return
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				logrus.WithField("panic", r).Error("Automation hook panicked")
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), n.Timeout)
		defer cancel()

		if err := n.Hook.Notify(ctx, evt); err != nil {
			utils.AutomationHooks.WithLabelValues(string(evt.Kind), "error").Inc()
			utils.LogError("automation_hook_failed", err, map[string]interface{}{
				"kind":         evt.Kind,
				"recipient_id": evt.RecipientID,
				"campaign_id":  evt.CampaignID,
			})
			return
		}
		utils.AutomationHooks.WithLabelValues(string(evt.Kind), "ok").Inc()
	}()
}

// Wait blocks until in-flight deliveries finish. Used on shutdown and in tests.
func (n *Notifier) Wait() {
	if n != nil {
		n.wg.Wait()
	}
}

// LogHook only logs.
type LogHook struct{}

func (LogHook) Notify(_ context.Context, evt AutomationEvent) error {
	logrus.WithFields(logrus.Fields{
		"kind":         evt.Kind,
		"recipient_id": evt.RecipientID,
		"campaign_id":  evt.CampaignID,
		"lead_id":      evt.LeadID,
	}).Info("Automation event")
	return nil
}

// HistoryHook writes the event to the contact's activity trail.
type HistoryHook struct {
	History HistoryWriter
}

func (h HistoryHook) Notify(ctx context.Context, evt AutomationEvent) error {
	campaignID, recipientID := evt.CampaignID, evt.RecipientID
	return h.History.Record(ctx, models.LeadActivity{
		LeadID:       evt.LeadID,
		CampaignID:   &campaignID,
		RecipientID:  &recipientID,
		ActivityType: strings.ToLower(string(evt.Kind)),
		ActivityAt:   evt.OccurredAt,
	})
}

// SQSAPI is the subset of the SQS client the hook needs.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSHook publishes one message per event for the automation service.
type SQSHook struct {
	SQS      SQSAPI
	QueueURL string
}

func NewSQSClient(ctx context.Context, region, endpoint string) (*sqs.Client, error) {
	opts := []func(*configv2.LoadOptions) error{
		configv2.WithRegion(region),
	}

	// LocalStack accepts any static credentials
	if endpoint != "" {
		opts = append(opts, configv2.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("test", "test", ""),
		))
	}

	cfg, err := configv2.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	if endpoint != "" {
		return sqs.NewFromConfig(cfg, func(o *sqs.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		}), nil
	}
	return sqs.NewFromConfig(cfg), nil
}

func (h *SQSHook) Notify(ctx context.Context, evt AutomationEvent) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(h.QueueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"kind": {DataType: aws.String("String"), StringValue: aws.String(string(evt.Kind))},
		},
	}
	if strings.HasSuffix(h.QueueURL, ".fifo") {
		input.MessageGroupId = aws.String(fmt.Sprintf("recipient-%d", evt.RecipientID))
		input.MessageDeduplicationId = aws.String(fmt.Sprintf("%s-%d", evt.Kind, evt.RecipientID))
	}

	_, err = h.SQS.SendMessage(ctx, input)
	return err
}

// MultiHook fans an event out to every hook and joins their errors.
type MultiHook []AutomationHook

func (m MultiHook) Notify(ctx context.Context, evt AutomationEvent) error {
	var errs []error
	for _, h := range m {
		if err := h.Notify(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
