package memstore

import (
	"testing"

	"github.com/mycelian/docdispatch/internal/store"
	"github.com/mycelian/docdispatch/internal/store/storetest"
)

func TestMemstoreCompliance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return New() })
}
