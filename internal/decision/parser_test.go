package decision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParser_Parse(t *testing.T) {
	p, err := NewParser()
	require.NoError(t, err)

	t.Run("fenced block", func(t *testing.T) {
		raw := "sure:\n```json\n{\"action\":\"SELL\",\"confidence\":0.82,\"reason\":\"momentum fading\"}\n```"
		v, err := p.Parse(KindExit, raw)
		require.NoError(t, err)
		assert.Equal(t, ActionSell, v.Action)
		assert.InDelta(t, 0.82, *v.Confidence, 1e-9)
		assert.Equal(t, "momentum fading", v.Reason)
	})

	t.Run("lenient fields", func(t *testing.T) {
		v, err := p.Parse(KindExit, `{"action":"wait","confidence":"70%","reasoning":"chop","defer_minutes":"90"}`)
		require.NoError(t, err)
		assert.Equal(t, ActionWait, v.Action)
		assert.InDelta(t, 0.7, *v.Confidence, 1e-9)
		assert.Equal(t, "chop", v.Reason)
		require.NotNil(t, v.DeferMinutes)
		assert.Equal(t, 30, *v.DeferMinutes)
	})

	t.Run("missing confidence", func(t *testing.T) {
		v, err := p.Parse(KindTrade, `{"action":"PUT"}`)
		require.NoError(t, err)
		assert.Nil(t, v.Confidence)
	})

	bad := map[string]string{
		"no json":             "I think you should sell",
		"action wrong kind":   `{"action":"CALL","confidence":0.9}`,
		"missing action":      `{"confidence":0.9}`,
		"numeric action":      `{"action":1}`,
		"confidence too high": `{"action":"SELL","confidence":250}`,
	}
	for name, raw := range bad {
		t.Run(name, func(t *testing.T) {
			_, err := p.Parse(KindExit, raw)
			assert.ErrorIs(t, err, ErrMalformedResponse)
		})
	}
}
