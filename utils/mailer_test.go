package utils

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"outreach/config"
	"outreach/models"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func gormModel(id uint) gorm.Model { return gorm.Model{ID: id} }

type fakeTransport struct {
	mu    sync.Mutex
	sent  []*OutboundMessage
	err   error
	calls int
}

func (f *fakeTransport) Send(_ context.Context, _ *models.Sender, msg *OutboundMessage) (SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return SendResult{}, f.err
	}
	f.sent = append(f.sent, msg)
	return SendResult{ProviderMessageID: "p-1"}, nil
}

func TestTransportRouterPicksProvider(t *testing.T) {
	smtpT, sgT := &fakeTransport{}, &fakeTransport{}
	r := NewTransportRouter(smtpT, sgT, config.SchedulerConfig{})

	_, err := r.Send(context.Background(), &models.Sender{Model: gormModel(1), ProviderType: models.ProviderSMTP}, &OutboundMessage{To: "a@x.com"})
	require.NoError(t, err)
	res, err := r.Send(context.Background(), &models.Sender{Model: gormModel(2), ProviderType: models.ProviderSendGrid}, &OutboundMessage{To: "b@x.com"})
	require.NoError(t, err)
	assert.Equal(t, "p-1", res.ProviderMessageID)

	assert.Len(t, smtpT.sent, 1)
	assert.Len(t, sgT.sent, 1)

	_, err = r.Send(context.Background(), &models.Sender{Model: gormModel(3), ProviderType: "carrier-pigeon"}, &OutboundMessage{})
	assert.ErrorIs(t, err, ErrCredentials)
}

func TestTransportRouterBreakerIsPerSender(t *testing.T) {
	failing := &fakeTransport{err: errors.New("421 try later")}
	r := NewTransportRouter(failing, nil, config.SchedulerConfig{})
	bad := &models.Sender{Model: gormModel(1)}

	for i := 0; i < 5; i++ {
		_, err := r.Send(context.Background(), bad, &OutboundMessage{})
		require.Error(t, err)
	}
	_, err := r.Send(context.Background(), bad, &OutboundMessage{})
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 5, failing.calls)

	failing.err = nil
	_, err = r.Send(context.Background(), &models.Sender{Model: gormModel(2)}, &OutboundMessage{})
	assert.NoError(t, err)
}

func TestNewMessageID(t *testing.T) {
	id := NewMessageID("Sales@Example.COM")
	assert.True(t, strings.HasSuffix(id, "@example.com"))
	assert.NotEqual(t, id, NewMessageID("sales@example.com"))
	assert.True(t, strings.HasSuffix(NewMessageID("broken"), "@localhost"))
}

func TestSendGridTest(t *testing.T) {
	config.AppConfig.EncryptionKey = "0123456789abcdef0123456789abcdef"
	key, err := Encrypt("SG.valid")
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3/scopes", r.URL.Path)
		if r.Header.Get("Authorization") != "Bearer SG.valid" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"scopes":["mail.send"]}`))
	}))
	defer srv.Close()

	sg := &SendGridTransport{Host: srv.URL}
	require.NoError(t, sg.Test(context.Background(), &models.Sender{SMTPPassword: key}))

	other, err := Encrypt("SG.revoked")
	require.NoError(t, err)
	err = sg.Test(context.Background(), &models.Sender{SMTPPassword: other})
	assert.ErrorIs(t, err, ErrCredentials)
}
