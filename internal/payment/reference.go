package payment

import (
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// The provider caps references at 15 characters: a 4-char prefix plus
// exactly 11 digits.
const referencePrefix = "AKA-"

var (
	refMu  sync.Mutex
	refRnd = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// NewReference generates a fresh payment reference. Every submission attempt
// gets its own; references are never reused after a failed charge.
func NewReference() string {
	refMu.Lock()
	n := refRnd.Int63n(100_000_000_000)
	refMu.Unlock()
	return fmt.Sprintf("%s%011d", referencePrefix, n)
}
