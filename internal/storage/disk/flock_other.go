//go:build !unix

package disk

import "os"

// Only the in-process stripe mutex applies here.
func flock(*os.File, bool) error { return nil }
