package sqlitestore

import (
	"fmt"
	"testing"

	"github.com/mycelian/docdispatch/internal/store"
	"github.com/mycelian/docdispatch/internal/store/storetest"
)

func TestSqlitestoreCompliance(t *testing.T) {
	n := 0
	storetest.Run(t, func(t *testing.T) store.Store {
		n++
		dir := t.TempDir()
		s, err := Open(fmt.Sprintf("%s/test-%d.db", dir, n))
		if err != nil {
			t.Fatalf("open sqlite store: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}
