// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package metadb

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestCheckpointDecisions exercises the frame-count thresholds of
// spec §4.3 directly, independent of actually driving a WAL to a
// given size (see walcheckpoint_test.go for the scaled-down
// end-to-end version of scenario 5).
func TestCheckpointDecisions(t *testing.T) {
	const passiveFrames = 1000
	const truncateFrames = 4000

	assert.False(t, shouldProbe(500, passiveFrames), "a WAL known to be well under the passive threshold should not be re-probed")
	assert.True(t, shouldProbe(1001, passiveFrames), "a WAL known to be over the passive threshold must be probed")

	assert.False(t, shouldTruncate(1500, truncateFrames), "frames between the passive and truncate thresholds only need the passive attempt already made")
	assert.True(t, shouldTruncate(4001, truncateFrames), "frames over the truncate threshold must escalate")
}
