package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"outreach/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSQS struct {
	mu     sync.Mutex
	inputs []*sqs.SendMessageInput
	err    error
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return nil, f.err
	}
	return &sqs.SendMessageOutput{MessageId: aws.String("m-1")}, nil
}

var sampleEvent = AutomationEvent{
	Kind:           EventReplied,
	OrganizationID: 3,
	RecipientID:    11,
	CampaignID:     5,
	LeadID:         8,
	SentEmailID:    21,
	OccurredAt:     time.Date(2024, 1, 8, 10, 0, 0, 0, time.UTC),
}

func TestSQSHookPublishesEvent(t *testing.T) {
	client := &fakeSQS{}
	hook := &SQSHook{SQS: client, QueueURL: "https://sqs.eu-west-1.amazonaws.com/1/automation"}

	require.NoError(t, hook.Notify(context.Background(), sampleEvent))
	require.Len(t, client.inputs, 1)
	in := client.inputs[0]
	assert.Equal(t, hook.QueueURL, aws.ToString(in.QueueUrl))
	assert.Nil(t, in.MessageGroupId)
	assert.Equal(t, "REPLIED", aws.ToString(in.MessageAttributes["kind"].StringValue))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(in.MessageBody)), &body))
	assert.Equal(t, "REPLIED", body["kind"])
	assert.EqualValues(t, 8, body["contactId"])
	assert.EqualValues(t, 11, body["recipientId"])
	assert.Equal(t, "2024-01-08T10:00:00Z", body["occurredAt"])
}

func TestSQSHookFifoAttributes(t *testing.T) {
	client := &fakeSQS{}
	hook := &SQSHook{SQS: client, QueueURL: "https://sqs.eu-west-1.amazonaws.com/1/automation.fifo"}

	require.NoError(t, hook.Notify(context.Background(), sampleEvent))
	in := client.inputs[0]
	assert.Equal(t, "recipient-11", aws.ToString(in.MessageGroupId))
	assert.Equal(t, "REPLIED-11", aws.ToString(in.MessageDeduplicationId))

	client.err = errors.New("throttled")
	assert.Error(t, hook.Notify(context.Background(), sampleEvent))
}

func TestMultiHookJoinsErrors(t *testing.T) {
	first := &recordingHook{err: errors.New("first down")}
	second := &recordingHook{}
	third := &recordingHook{err: errors.New("third down")}

	err := MultiHook{first, second, third}.Notify(context.Background(), sampleEvent)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "first down")
	assert.Contains(t, err.Error(), "third down")
	assert.Len(t, second.Kinds(), 1)

	assert.NoError(t, MultiHook{second}.Notify(context.Background(), sampleEvent))
}

type blockingHook struct {
	release chan struct{}
	done    chan AutomationEvent
}

func (b *blockingHook) Notify(ctx context.Context, evt AutomationEvent) error {
	select {
	case <-b.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	b.done <- evt
	return nil
}

func TestNotifierDoesNotBlockCaller(t *testing.T) {
	hook := &blockingHook{release: make(chan struct{}), done: make(chan AutomationEvent, 1)}
	n := NewNotifier(hook, time.Second)

	n.Fire(AutomationEvent{Kind: EventCompleted, RecipientID: 1})
	select {
	case <-hook.done:
		t.Fatal("hook finished before it was released")
	default:
	}

	close(hook.release)
	n.Wait()
	evt := <-hook.done
	assert.Equal(t, EventCompleted, evt.Kind)
	assert.False(t, evt.OccurredAt.IsZero())
}

func TestNotifierSwallowsHookFailures(t *testing.T) {
	hook := &recordingHook{err: errors.New("unreachable")}
	n := NewNotifier(hook, time.Second)
	n.Fire(sampleEvent)
	n.Wait()
	assert.Equal(t, []EventKind{EventReplied}, hook.Kinds())

	var nilNotifier *Notifier
	nilNotifier.Fire(sampleEvent)
	nilNotifier.Wait()
}

func TestHistoryHookRecordsActivity(t *testing.T) {
	db := setupTestDB(t)
	store := NewLeadStore(db)

	require.NoError(t, HistoryHook{History: store}.Notify(context.Background(), sampleEvent))

	var activity models.LeadActivity
	require.NoError(t, db.Where("lead_id = ?", sampleEvent.LeadID).First(&activity).Error)
	assert.Equal(t, "replied", activity.ActivityType)
	require.NotNil(t, activity.CampaignID)
	assert.EqualValues(t, 5, *activity.CampaignID)
}
