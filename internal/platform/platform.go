package platform

import (
	"fmt"
	"runtime"
	"strings"
)

// Tag identifies a platform in the patch manifest's "only" lists
type Tag string

const (
	Win32  Tag = "win32"
	Win64  Tag = "win64"
	Linux  Tag = "linux"
	Darwin Tag = "darwin"
)

// Known lists every tag the manifest is known to use
var Known = []Tag{Win32, Win64, Linux, Darwin}

// Detect returns the tag for the running host
func Detect() (Tag, error) {
	return FromRuntime(runtime.GOOS, runtime.GOARCH)
}

// FromRuntime maps a GOOS/GOARCH pair onto a manifest tag
func FromRuntime(goos, goarch string) (Tag, error) {
	switch goos {
	case "windows":
		switch goarch {
		case "386", "arm":
			return Win32, nil
		default:
			return Win64, nil
		}
	case "linux":
		return Linux, nil
	case "darwin":
		return Darwin, nil
	default:
		return "", fmt.Errorf("unsupported operating system %s/%s", goos, goarch)
	}
}

// Parse validates a user-supplied platform tag
func Parse(s string) (Tag, error) {
	tag := Tag(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Known {
		if tag == known {
			return tag, nil
		}
	}
	return "", fmt.Errorf("unknown platform %q (must be one of win32, win64, linux, darwin)", s)
}

// Resolve returns the parsed override when set, otherwise the detected host tag
func Resolve(override string) (Tag, error) {
	if override != "" {
		return Parse(override)
	}
	return Detect()
}

// Contains reports whether tags includes t
func Contains(tags []Tag, t Tag) bool {
	for _, tag := range tags {
		if tag == t {
			return true
		}
	}
	return false
}

// IsWindows reports whether the tag is one of the Windows variants
func (t Tag) IsWindows() bool {
	return t == Win32 || t == Win64
}

func (t Tag) String() string {
	return string(t)
}
