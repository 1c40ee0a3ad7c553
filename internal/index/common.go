package index

import (
	"time"

	"dedupvault/internal/format"
)

const (
	dynamicType = format.TypeDynamicIdx
	fixedType   = format.TypeFixedIdx
)

func formatHeaderFor(t byte) format.Header {
	return format.Header{Type: t, Version: indexVersion, Flags: 0}
}

func unixTime(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}
