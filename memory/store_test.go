package memory

import (
	"testing"

	"go.pilab.hu/nucleus/internal/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Store {
		return New()
	})
}
