//go:build !linux

package proc

func blockUntilExited(int) error { return nil }
