package util

import (
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
)

var log = logrus.New()

// Debug is the verbosity threshold for DPrintf, taken from TEFS_DEBUG.
var Debug uint64

func init() {
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	if s := os.Getenv("TEFS_DEBUG"); s != "" {
		if lvl, err := strconv.ParseUint(s, 10, 64); err == nil {
			Debug = lvl
		}
	}
	if Debug > 0 {
		log.SetLevel(logrus.DebugLevel)
	}
}

func DPrintf(level uint64, format string, a ...interface{}) {
	if level <= Debug {
		log.Debugf(format, a...)
	}
}

func RoundUp(n uint32, sz uint32) uint32 {
	return (n + sz - 1) / sz
}

func Min(n uint32, m uint32) uint32 {
	if n < m {
		return n
	}
	return m
}
