package conflict

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassifyDeleted(t *testing.T) {
	got := Classify([]byte(`{"title":"x"}`), RemoteState{Exists: false}, 0)
	assert.Equal(t, TypeDeleted, got)
}

func TestClassifyVersion(t *testing.T) {
	got := Classify(
		[]byte(`{"version":3}`),
		remoteState(`{"version":5}`),
		0,
	)
	assert.Equal(t, TypeVersion, got)
}

func TestClassifyConcurrent(t *testing.T) {
	got := Classify(
		[]byte(`{"version":1,"updated_at":10000}`),
		remoteState(`{"version":1,"updated_at":12000}`),
		5*time.Second,
	)
	assert.Equal(t, TypeConcurrent, got)
}

func TestClassifyField(t *testing.T) {
	got := Classify(
		[]byte(`{"version":1,"updated_at":10000}`),
		remoteState(`{"version":1,"updated_at":90000}`),
		5*time.Second,
	)
	assert.Equal(t, TypeField, got)
}

func TestHasSignificantChangeIgnoresConfiguredFields(t *testing.T) {
	local := []byte(`{"title":"a","updated_at":1}`)
	rem := []byte(`{"title":"a","updated_at":2}`)

	assert.True(t, HasSignificantChange(local, rem))
	assert.False(t, HasSignificantChange(local, rem, "updated_at"))
}

func TestHasSignificantChangeDetectsMissingFields(t *testing.T) {
	assert.True(t, HasSignificantChange([]byte(`{"a":1,"b":2}`), []byte(`{"a":1}`)))
	assert.True(t, HasSignificantChange([]byte(`{"a":1}`), []byte(`{"a":1,"c":3}`)))
	assert.False(t, HasSignificantChange([]byte(`{"a":1}`), []byte(`{"a":1}`)))
}

func TestDiffReport(t *testing.T) {
	report := Diff(
		[]byte(`{"title":"local","done":true,"tags":["x"]}`),
		[]byte(`{"title":"remote","priority":1,"tags":["x"]}`),
	)

	assert.ElementsMatch(t, []string{"title"}, report.Changed)
	assert.ElementsMatch(t, []string{"done"}, report.LocalOnly)
	assert.ElementsMatch(t, []string{"priority"}, report.ServerOnly)
	assert.False(t, report.Empty())
}

func TestDiffNonObjectPayloads(t *testing.T) {
	assert.True(t, Diff([]byte(`"a"`), []byte(`"b"`)).Empty() == false)
	assert.True(t, Diff([]byte(`"a"`), []byte(`"a"`)).Empty())
}

func remoteState(payload string) RemoteState {
	return RemoteState{Exists: true, Payload: json.RawMessage(payload)}
}
