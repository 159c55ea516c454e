// Package version 保存构建时注入的版本信息。
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Version/Commit 可通过 -ldflags "-X" 注入；未注入时从模块构建信息推断。
var (
	Version = ""
	Commit  = ""
)

// Full 返回 CLI 打印用的版本串，例如 any-cache v0.3.0 (1a2b3c4, go1.24.4)。
func Full() string {
	v, c := resolve()
	return fmt.Sprintf("any-cache %s (%s, %s)", v, c, runtime.Version())
}

func resolve() (string, string) {
	v, c := Version, Commit
	if info, ok := debug.ReadBuildInfo(); ok {
		if v == "" && info.Main.Version != "" && info.Main.Version != "(devel)" {
			v = info.Main.Version
		}
		for _, s := range info.Settings {
			if c == "" && s.Key == "vcs.revision" && len(s.Value) >= 7 {
				c = s.Value[:7]
			}
		}
	}
	if v == "" {
		v = "devel"
	}
	if c == "" {
		c = "unknown"
	}
	return v, c
}
