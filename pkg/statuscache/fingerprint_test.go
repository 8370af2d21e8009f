package statuscache

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dockgate/dockgate/pkg/engine"
)

func TestFingerprintTracksSalientFields(t *testing.T) {
	base := engine.Container{
		ID:      "abc123",
		Names:   []string{"/web"},
		Image:   "nginx:1.25",
		State:   "running",
		Status:  "Up 3 minutes",
		Created: 1700000000,
	}

	assert.Equal(t, fingerprint(base), fingerprint(base))

	stateChanged := base
	stateChanged.State = "exited"
	assert.NotEqual(t, fingerprint(base), fingerprint(stateChanged))

	imageChanged := base
	imageChanged.Image = "nginx:1.26"
	assert.NotEqual(t, fingerprint(base), fingerprint(imageChanged))

	recreated := base
	recreated.Created = 1700000600
	assert.NotEqual(t, fingerprint(base), fingerprint(recreated))
}

func TestFingerprintIgnoresUptimeChurn(t *testing.T) {
	a := engine.Container{ID: "abc", Names: []string{"/web"}, State: "running", Status: "Up 3 minutes"}
	b := a
	b.Status = "Up 4 minutes"

	assert.Equal(t, fingerprint(a), fingerprint(b),
		"the human-readable status line must not count as a change")
}

func TestFingerprintSeparatesFields(t *testing.T) {
	// "ab"+"c" vs "a"+"bc" across the field boundary must not collide.
	a := engine.Container{ID: "ab", Names: []string{"/c"}}
	b := engine.Container{ID: "a", Names: []string{"/bc"}}
	assert.NotEqual(t, fingerprint(a), fingerprint(b))
}
