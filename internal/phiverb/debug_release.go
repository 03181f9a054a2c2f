//go:build !debug
// +build !debug

package phiverb

func DebugLog(format string, args ...interface{})     {}
func DebugLogOnce(format string, args ...interface{}) {}
