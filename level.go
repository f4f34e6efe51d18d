package main

import (
	"log"
	"os"
)

// logLevel mirrors original_source/logger.c's three-level scheme:
// info is always printed, verbose adds per-datagram protocol
// rejections, debug adds sequence/sink chatter.
type logLevel int

const (
	levelInfo logLevel = iota
	levelVerbose
	levelDebug
)

// currentLevel is set once at startup, same as the teacher's
// DebugMode/StatsMode globals in main.go.
var currentLevel logLevel

// resolveLevel applies VERBOSE/DEBUG env vars over the default info
// level; DEBUG wins when both are set. The level comes from the
// environment only: no command-line flag changes it.
func resolveLevel() logLevel {
	if envTruthy(os.Getenv("DEBUG")) {
		return levelDebug
	}
	if envTruthy(os.Getenv("VERBOSE")) {
		return levelVerbose
	}
	return levelInfo
}

func envTruthy(v string) bool {
	return v == "1" || v == "true" || v == "yes"
}

// logf prints one line to stderr if the process's current level is
// at or above level.
func logf(level logLevel, format string, args ...interface{}) {
	if level > currentLevel {
		return
	}
	log.Printf(format, args...)
}

// fatalf logs and exits 1, the only path spec.md §7 allows out of a
// fatal startup/runtime error.
func fatalf(format string, args ...interface{}) {
	log.Fatalf(format, args...)
}
