//go:build !unix

package main

type instanceLock struct{}

func acquireLock(path string) (*instanceLock, error) {
	return &instanceLock{}, nil
}

func (l *instanceLock) release() {}
