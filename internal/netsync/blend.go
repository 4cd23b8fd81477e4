package netsync

import (
	"math"

	"github.com/blukai/acewing/internal/protocol"
)

func lerpVec3(from, to protocol.Vec3, t float64) protocol.Vec3 {
	return protocol.Vec3{
		X: from.X + (to.X-from.X)*t,
		Y: from.Y + (to.Y-from.Y)*t,
		Z: from.Z + (to.Z-from.Z)*t,
	}
}

// nlerpQuat blends two orientations along the shorter arc and renormalizes.
// For the small per-tick steps used here it is indistinguishable from slerp.
func nlerpQuat(from, to protocol.Quat, t float64) protocol.Quat {
	dot := from.X*to.X + from.Y*to.Y + from.Z*to.Z + from.W*to.W
	if dot < 0 {
		to = protocol.Quat{X: -to.X, Y: -to.Y, Z: -to.Z, W: -to.W}
	}

	q := protocol.Quat{
		X: from.X + (to.X-from.X)*t,
		Y: from.Y + (to.Y-from.Y)*t,
		Z: from.Z + (to.Z-from.Z)*t,
		W: from.W + (to.W-from.W)*t,
	}
	return normalizeQuat(q)
}

func normalizeQuat(q protocol.Quat) protocol.Quat {
	n := math.Sqrt(q.X*q.X + q.Y*q.Y + q.Z*q.Z + q.W*q.W)
	if n == 0 || math.IsNaN(n) || math.IsInf(n, 0) {
		return protocol.IdentityQuat
	}
	return protocol.Quat{X: q.X / n, Y: q.Y / n, Z: q.Z / n, W: q.W / n}
}
