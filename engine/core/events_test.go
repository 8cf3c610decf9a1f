package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventsStopAtFirstHandler(t *testing.T) {
	require.True(t, EventInitialize())
	defer EventShutdown()

	var calls []string
	first, second := "first", "second"
	assert.True(t, EventRegister(EVENT_CODE_RESIZED, first, func(code SystemEventCode, sender, listener interface{}, data EventContext) bool {
		calls = append(calls, listener.(string))
		return data.Data.U16[0] == 0
	}))
	assert.True(t, EventRegister(EVENT_CODE_RESIZED, second, func(code SystemEventCode, sender, listener interface{}, data EventContext) bool {
		calls = append(calls, listener.(string))
		return true
	}))
	assert.False(t, EventRegister(EVENT_CODE_RESIZED, first, nil), "duplicate listener")

	var ctx EventContext
	ctx.Data.U16[0] = 640
	assert.True(t, EventFire(EVENT_CODE_RESIZED, nil, ctx))
	assert.Equal(t, []string{"first", "second"}, calls)

	calls = nil
	assert.True(t, EventFire(EVENT_CODE_RESIZED, nil, EventContext{}))
	assert.Equal(t, []string{"first"}, calls)

	assert.True(t, EventUnregister(EVENT_CODE_RESIZED, first))
	assert.False(t, EventUnregister(EVENT_CODE_RESIZED, first))
	assert.False(t, EventFire(EVENT_CODE_APPLICATION_QUIT, nil, EventContext{}))
}

func TestInputFiresOnChangeOnly(t *testing.T) {
	require.True(t, EventInitialize())
	defer EventShutdown()
	require.NoError(t, InputInitialize())
	defer InputShutdown()

	var pressed, released []KeyCode
	EventRegister(EVENT_CODE_KEY_PRESSED, t, func(code SystemEventCode, sender, listener interface{}, data EventContext) bool {
		pressed = append(pressed, KeyCode(data.Data.U16[0]))
		return true
	})
	EventRegister(EVENT_CODE_KEY_RELEASED, t, func(code SystemEventCode, sender, listener interface{}, data EventContext) bool {
		released = append(released, KeyCode(data.Data.U16[0]))
		return true
	})

	InputProcessKey(KEY_F1, true)
	InputProcessKey(KEY_F1, true)
	assert.True(t, InputIsKeyDown(KEY_F1))
	assert.False(t, InputWasKeyDown(KEY_F1))

	InputUpdate()
	assert.True(t, InputWasKeyDown(KEY_F1))
	InputProcessKey(KEY_F1, false)
	assert.False(t, InputIsKeyDown(KEY_F1))

	assert.Equal(t, []KeyCode{KEY_F1}, pressed)
	assert.Equal(t, []KeyCode{KEY_F1}, released)

	InputProcessKey(KEYS_MAX_KEYS, true)
	assert.False(t, InputIsKeyDown(KEYS_MAX_KEYS))
}
