package winsize

import (
	"os"
	"testing"
)

// osPipe is a tiny os.Pipe wrapper so tests can get a non-terminal fd.
func osPipe(t *testing.T) (*os.File, *os.File, error) {
	t.Helper()
	return os.Pipe()
}
