//go:build !unix

package process

const reapSupported = false

func reap(int) (*Death, bool) { return nil, false }
