package agent

import "fmt"

// UnknownDiskSpace is how an unreported usable space is displayed
const UnknownDiskSpace = "Unknown"

// DiskSpace is an agent's usable space, possibly unknown
type DiskSpace struct {
	bytes int64
	known bool
}

// KnownDiskSpace wraps a reported byte count
func KnownDiskSpace(bytes int64) DiskSpace {
	return DiskSpace{bytes: bytes, known: true}
}

// Bytes returns the byte count and whether it is known
func (d DiskSpace) Bytes() (int64, bool) {
	return d.bytes, d.known
}

// IsLow reports whether a known space is below limit. Unknown is never low.
func (d DiskSpace) IsLow(limit int64) bool {
	return d.known && d.bytes < limit
}

func (d DiskSpace) String() string {
	if !d.known {
		return UnknownDiskSpace
	}
	const unit = 1024
	if d.bytes < unit {
		return fmt.Sprintf("%d bytes", d.bytes)
	}
	value, exp := float64(d.bytes)/unit, 0
	for value >= unit && exp < 3 {
		value /= unit
		exp++
	}
	return fmt.Sprintf("%.1f %s", value, []string{"KB", "MB", "GB", "TB"}[exp])
}
