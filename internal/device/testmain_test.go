package device

import (
	"os"
	"testing"

	"github.com/banshee-data/trackd/internal/monitoring"
)

func TestMain(m *testing.M) {
	// Source logging is noise in test output.
	monitoring.SetLogger(nil)
	os.Exit(m.Run())
}
