package platform

import (
	"os"
	"strconv"
	"time"
)

func GetCurrentTimeMS() uint64 {
	return uint64(time.Now().UnixNano() / int64(time.Millisecond))
}

// GetConfigInt reads an integer development knob from the environment,
// returning 0 when unset or unparsable.
func GetConfigInt(key string) int64 {
	val, ok := os.LookupEnv(key)
	if !ok {
		return 0
	}
	result, err := strconv.Atoi(val)
	if err != nil {
		return 0
	}
	return int64(result)
}
