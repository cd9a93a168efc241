package guildhall

import (
	"context"
	"fmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func TestAFK(t *testing.T) {
	tb := newTestBot(t)
	ctx := context.Background()
	alice := testUser("300000000000000001", "alice")
	bob := testUser("300000000000000002", "bob")

	tb.sendMessage(alice, "!afk lunch")
	assert.Equal(t, "you're now AFK: lunch", tb.lastReply(t))

	status, err := tb.store.AFK(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, "lunch", status.Reason)
	assert.Equal(t, tb.clock.Now().UnixMilli(), status.Since)

	tb.sendMessage(bob, "hey <@"+alice.ID+"> are you there")
	assert.Equal(
		t,
		fmt.Sprintf("**user-%s** is AFK: lunch (<t:%d:R>)", alice.ID, tb.clock.Now().Unix()),
		tb.lastReply(t),
	)

	tb.sendMessage(alice, "back now")
	assert.Equal(t, "welcome back <@"+alice.ID+">, I removed your AFK status", tb.lastReply(t))

	_, err = tb.store.AFK(ctx, alice.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// no longer AFK, so mentions get no reply
	sent := tb.mock.calls.sentCount()
	tb.sendMessage(bob, "<@"+alice.ID+">")
	assert.Equal(t, sent, tb.mock.calls.sentCount())
}

func TestAFKDefaultReason(t *testing.T) {
	tb := newTestBot(t)
	alice := testUser("300000000000000001", "alice")

	tb.sendMessage(alice, "!afk")
	assert.Equal(t, "you're now AFK: AFK", tb.lastReply(t))
}
