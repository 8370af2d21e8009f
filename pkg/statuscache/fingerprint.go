package statuscache

import (
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/dockgate/dockgate/pkg/engine"
)

// fingerprint hashes the salient fields of a container summary. It only
// answers "did anything a consumer cares about change"; cache validity is
// driven by timestamps, never by this value. The human-readable Status line
// is excluded: its embedded uptime would flip the hash on every refresh.
func fingerprint(ct engine.Container) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(ct.ID)
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(ct.Name())
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(ct.Image)
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(ct.State)
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(strconv.FormatInt(ct.Created, 10))
	return d.Sum64()
}
