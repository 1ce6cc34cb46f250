package notify

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-telegram/bot/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaborv/autoreply/internal/pairing"
)

func newStore(t *testing.T) *pairing.Store {
	t.Helper()
	s, err := pairing.NewStore(filepath.Join(t.TempDir(), "pairing.db"), pairing.Options{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEmptyTokenDisablesBot(t *testing.T) {
	b, err := New("", 0, nil, newStore(t), nil)
	require.NoError(t, err)
	assert.False(t, b.Enabled())

	// No-op paths must not panic without a bot.
	b.NotifyPairingRequest(context.Background(), "user@s.whatsapp.net", "Alice", "123456")
	b.reply(context.Background(), 1, "hello")
}

func TestDisabledBotStartReturnsOnCancel(t *testing.T) {
	b, err := New("", 0, nil, newStore(t), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Start(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestAllowedUserGate(t *testing.T) {
	b, err := New("", 0, []int64{42, 99}, newStore(t), nil)
	require.NoError(t, err)

	assert.True(t, b.allowed(42))
	assert.True(t, b.allowed(99))
	assert.False(t, b.allowed(7))
}

func TestApproveCommandFiresHook(t *testing.T) {
	store := newStore(t)
	code, err := store.GeneratePairingCode("new@s.whatsapp.net", "Newcomer")
	require.NoError(t, err)

	b, err := New("", 0, nil, store, nil)
	require.NoError(t, err)

	var approvedJID string
	b.OnApproved(func(_ context.Context, jid string) { approvedJID = jid })

	b.handleMessage(context.Background(), &models.Message{
		From: &models.User{ID: 1},
		Chat: models.Chat{ID: 5},
		Text: "/approve " + code,
	})

	assert.Equal(t, "new@s.whatsapp.net", approvedJID)
	contact, err := store.GetContact("new@s.whatsapp.net")
	require.NoError(t, err)
	assert.Equal(t, pairing.StatusApproved, contact.Status)
}

func TestCallbackWithInaccessibleMessage(t *testing.T) {
	store := newStore(t)
	_, err := store.GeneratePairingCode("new@s.whatsapp.net", "Newcomer")
	require.NoError(t, err)

	b, err := New("", 7, nil, store, nil)
	require.NoError(t, err)

	// No accessible message attached to the callback.
	b.handleCallback(context.Background(), nil, &models.CallbackQuery{
		ID:      "cb-1",
		From:    models.User{ID: 1},
		Data:    callbackApprove + "new@s.whatsapp.net",
		Message: models.MaybeInaccessibleMessage{},
	})

	contact, err := store.GetContact("new@s.whatsapp.net")
	require.NoError(t, err)
	assert.Equal(t, pairing.StatusApproved, contact.Status)
}

func TestCallbackBlockUpdatesStore(t *testing.T) {
	store := newStore(t)
	b, err := New("", 0, nil, store, nil)
	require.NoError(t, err)

	b.handleCallback(context.Background(), nil, &models.CallbackQuery{
		ID:   "cb-2",
		From: models.User{ID: 1},
		Data: callbackBlock + "spam@s.whatsapp.net",
		Message: models.MaybeInaccessibleMessage{
			Message: &models.Message{Chat: models.Chat{ID: 5}},
		},
	})

	contact, err := store.GetContact("spam@s.whatsapp.net")
	require.NoError(t, err)
	assert.Equal(t, pairing.StatusBlocked, contact.Status)
}

func TestBlockCommandUpdatesStore(t *testing.T) {
	store := newStore(t)
	b, err := New("", 0, nil, store, nil)
	require.NoError(t, err)

	b.handleMessage(context.Background(), &models.Message{
		From: &models.User{ID: 1},
		Chat: models.Chat{ID: 5},
		Text: "/block spam@s.whatsapp.net",
	})

	contact, err := store.GetContact("spam@s.whatsapp.net")
	require.NoError(t, err)
	assert.Equal(t, pairing.StatusBlocked, contact.Status)
}

func TestUnauthorizedCommandIgnored(t *testing.T) {
	store := newStore(t)
	b, err := New("", 0, []int64{42}, store, nil)
	require.NoError(t, err)

	b.handleMessage(context.Background(), &models.Message{
		From: &models.User{ID: 7},
		Chat: models.Chat{ID: 5},
		Text: "/block victim@s.whatsapp.net",
	})

	contact, err := store.GetContact("victim@s.whatsapp.net")
	require.NoError(t, err)
	assert.Equal(t, pairing.StatusUnknown, contact.Status)
}

func TestEmptyAllowlistAllowsEveryone(t *testing.T) {
	b, err := New("", 0, nil, newStore(t), nil)
	require.NoError(t, err)
	assert.True(t, b.allowed(12345))
}
