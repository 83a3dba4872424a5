// ergosockets/common.go
package ergosockets

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// GenerateID creates a new random hex string ID.
func GenerateID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("fallback-%x", TimeNow().UnixNano())
	}
	return hex.EncodeToString(bytes)
}

// TimeNow is a wrapper for time.Now so tests can pin the clock.
var TimeNow = time.Now
