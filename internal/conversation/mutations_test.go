// ABOUTME: Tests for the mutation applier: withdraw, edit with regeneration,
// ABOUTME: and batch delete. All operations are total over missing ids.

package conversation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/loom/internal/timeline"
)

// buildConversation streams two completed turns and one operator message,
// returning the controller plus the ids involved.
func buildConversation(t *testing.T) (c *Controller, firstUser, firstAnswer, secondUser string) {
	t.Helper()
	c = newTestController(t)

	firstUser, gen, err := c.BeginTurn("user", "first question")
	require.NoError(t, err)
	c.ApplyStream(gen, callStart("L1", 1))
	c.ApplyStream(gen, contentDelta("first answer"))
	c.ApplyStream(gen, finalEvent("first answer"))
	_, ok := c.FinishTurn(gen)
	require.True(t, ok)
	for _, it := range c.Timeline() {
		if it.Kind == timeline.KindContent {
			firstAnswer = it.ID
		}
	}

	secondUser, gen2, err := c.BeginTurn("user", "second question")
	require.NoError(t, err)
	c.ApplyStream(gen2, callStart("L2", 1))
	c.ApplyStream(gen2, contentDelta("second answer"))
	c.ApplyStream(gen2, finalEvent("second answer"))
	_, ok = c.FinishTurn(gen2)
	require.True(t, ok)
	return c, firstUser, firstAnswer, secondUser
}

func TestController_WithdrawFlagsWithoutRemoving(t *testing.T) {
	c, firstUser, _, _ := buildConversation(t)
	at := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

	require.True(t, c.Withdraw(firstUser, at, "dana"))

	got, ok := timelineItem(c, firstUser)
	require.True(t, ok)
	assert.True(t, got.Withdrawn)
	assert.Equal(t, at, got.WithdrawnAt)
	assert.Equal(t, "dana", got.WithdrawnBy)
	assert.Equal(t, "first question", got.User.Text, "content is retained")
}

func TestController_WithdrawReplayedConverges(t *testing.T) {
	c, firstUser, _, _ := buildConversation(t)
	at := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

	require.True(t, c.Withdraw(firstUser, at, "dana"))
	assert.False(t, c.Withdraw(firstUser, at.Add(time.Hour), "eve"))

	got, _ := timelineItem(c, firstUser)
	assert.Equal(t, at, got.WithdrawnAt, "first withdrawal wins")
	assert.Equal(t, "dana", got.WithdrawnBy)
}

func TestController_WithdrawUnknownIdIsNoOp(t *testing.T) {
	c, _, _, _ := buildConversation(t)
	before := c.Timeline()

	assert.False(t, c.Withdraw("ghost", time.Now(), "dana"))
	assert.Equal(t, before, c.Timeline())
}

func TestController_EditReplacesContentInPlace(t *testing.T) {
	c, _, firstAnswer, _ := buildConversation(t)
	at := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

	require.True(t, c.Edit(firstAnswer, "corrected answer", at, "dana", false))

	got, _ := timelineItem(c, firstAnswer)
	assert.Equal(t, "corrected answer", got.Content.Text)
	assert.True(t, got.Edited)
	assert.Equal(t, "dana", got.EditedBy)
}

func TestController_EditRegenerateRemovesDownstreamTurns(t *testing.T) {
	c, firstUser, _, secondUser := buildConversation(t)
	at := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

	require.True(t, c.Edit(firstUser, "new first question", at, "user", true))

	items := c.Timeline()
	require.Equal(t, 1, len(items), "everything after the edited message is removed")
	assert.Equal(t, firstUser, items[0].ID)
	assert.Equal(t, "new first question", items[0].User.Text)
	assert.True(t, items[0].Edited)

	_, ok := timelineItem(c, secondUser)
	assert.False(t, ok)
}

func TestController_EditRegenerateKeepsEarlierTurns(t *testing.T) {
	c, firstUser, firstAnswer, secondUser := buildConversation(t)
	at := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

	require.True(t, c.Edit(secondUser, "new second question", at, "user", true))

	// The first turn is fully intact; the second turn keeps only the edited
	// user message.
	_, ok := timelineItem(c, firstUser)
	assert.True(t, ok)
	_, ok = timelineItem(c, firstAnswer)
	assert.True(t, ok)

	got, ok := timelineItem(c, secondUser)
	require.True(t, ok)
	assert.Equal(t, "new second question", got.User.Text)

	var secondTurnItems int
	for _, it := range c.Timeline() {
		if it.TurnID == got.TurnID {
			secondTurnItems++
		}
	}
	assert.Equal(t, 1, secondTurnItems, "stale answer to the pre-edit question is gone")
}

func TestController_EditRegenerateIgnoredForAssistantItems(t *testing.T) {
	c, _, firstAnswer, _ := buildConversation(t)
	before := len(c.Timeline())

	require.True(t, c.Edit(firstAnswer, "rewritten", time.Now(), "dana", true))

	assert.Equal(t, before, len(c.Timeline()), "regeneration only applies to user messages")
}

func TestController_EditUnknownOrUneditableIsNoOp(t *testing.T) {
	c, _, _, _ := buildConversation(t)
	before := c.Timeline()

	assert.False(t, c.Edit("ghost", "text", time.Now(), "dana", false))

	// LLM call items carry no editable text.
	var callID string
	for _, it := range before {
		if it.Kind == timeline.KindLLMCall {
			callID = it.ID
		}
	}
	require.NotEmpty(t, callID)
	assert.False(t, c.Edit(callID, "text", time.Now(), "dana", false))
	assert.Equal(t, before, c.Timeline())
}

func TestController_DeleteManyRemovesBatch(t *testing.T) {
	c, firstUser, firstAnswer, secondUser := buildConversation(t)

	n := c.DeleteMany([]string{firstUser, firstAnswer, "ghost"})

	assert.Equal(t, 2, n)
	_, ok := timelineItem(c, firstUser)
	assert.False(t, ok)
	_, ok = timelineItem(c, secondUser)
	assert.True(t, ok)

	// Replaying the same batch converges to a no-op.
	assert.Equal(t, 0, c.DeleteMany([]string{firstUser, firstAnswer}))
}

func timelineItem(c *Controller, id string) (timeline.Item, bool) {
	for _, it := range c.Timeline() {
		if it.ID == id {
			return it, true
		}
	}
	return timeline.Item{}, false
}
