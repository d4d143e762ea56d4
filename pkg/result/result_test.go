package result

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyOk(t *testing.T) {
	r := Classify(200, nil)
	assert.Equal(t, KindOk, r.Kind)
}

func TestClassifyFatalKnownReasons(t *testing.T) {
	for _, status := range []int{400, 403, 405, 410, 413} {
		for raw, want := range knownFatalReasons {
			body := []byte(`{"reason":"` + raw + `"}`)
			r := Classify(status, body)
			assert.Equal(t, KindFatal, r.Kind)
			assert.False(t, r.IsFatalOther())
			assert.Equal(t, want, r.FatalReason)
		}
	}
}

func TestClassifyFatalUnknownReasonIsOther(t *testing.T) {
	r := Classify(400, []byte(`{"reason":"BadcollapseId"}`))
	assert.Equal(t, KindFatal, r.Kind)
	assert.True(t, r.IsFatalOther())
	assert.Equal(t, "BadcollapseId", r.FatalOther)
}

func TestClassifyKnownFatalCollapseId(t *testing.T) {
	r := Classify(400, []byte(`{"reason":"BadCollapseId"}`))
	assert.Equal(t, KindFatal, r.Kind)
	assert.Equal(t, FatalBadCollapseId, r.FatalReason)
}

func TestClassifyTemporaryKnownReason(t *testing.T) {
	r := Classify(429, []byte(`{"reason":"TooManyProviderTokenUpdates"}`))
	assert.Equal(t, KindTemporary, r.Kind)
	assert.Equal(t, TempTooManyProviderTokenUpdates, r.TemporaryReason)
}

func TestClassifyTemporaryUnknownReasonIsOtherDivergence(t *testing.T) {
	r := Classify(500, []byte(`{"reason":"SomeNewTransientThing"}`))
	assert.Equal(t, KindTemporary, r.Kind)
	assert.True(t, r.IsTemporaryOther())
	assert.Equal(t, "SomeNewTransientThing", r.TemporaryOther)
}

func TestClassifyUnhandledStatus(t *testing.T) {
	r := Classify(418, nil)
	assert.Equal(t, KindFatal, r.Kind)
	assert.True(t, r.IsFatalOther())
	assert.Contains(t, r.FatalOther, "418")
}

func TestClassifyMalformedBodyIsClientError(t *testing.T) {
	r := Classify(400, []byte(`not json`))
	assert.Equal(t, KindClientError, r.Kind)
	assert.Error(t, r.Err)
}
