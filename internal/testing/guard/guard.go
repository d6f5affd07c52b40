// Package guard mirrors the testing package for internal-only test trees.
package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("ASTRID_TEST_MODE") == "" {
			_ = os.Setenv("ASTRID_TEST_MODE", "1")
		}
	})
}
