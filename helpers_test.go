package main

import (
	"bytes"
	"path/filepath"
	"testing"
)

// captureOutput 在测试期间把 CLI 输出重定向到内存，返回 stdout/stderr 缓冲。
func captureOutput(t *testing.T) (out, errOut *bytes.Buffer) {
	t.Helper()
	out, errOut = &bytes.Buffer{}, &bytes.Buffer{}
	prevOut, prevErr := stdOut, stdErr
	stdOut, stdErr = out, errOut
	t.Cleanup(func() {
		stdOut, stdErr = prevOut, prevErr
	})
	return out, errOut
}

// configFixture 指向 internal/config/testdata 下的样例；go test 以包目录为工作目录。
func configFixture(name string) string {
	return filepath.Join("internal", "config", "testdata", name)
}
