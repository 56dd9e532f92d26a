package util

import (
	"fmt"
)

var (
	VERSION_NUMBER = fmt.Sprintf("%.02f", 0.10)
	VERSION        = sizeLimit + " " + VERSION_NUMBER
	COMMIT         = ""
)

// sizeLimit names the address width of the build.
const sizeLimit = "64bit"

func Version() string {
	return VERSION + " " + COMMIT
}
