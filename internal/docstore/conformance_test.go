package docstore_test

import (
	"testing"

	"github.com/legalmind/roomchat/internal/docstore"
	"github.com/legalmind/roomchat/internal/docstore/storetest"
)

func TestMemoryConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T, prefix string) docstore.Store {
		return docstore.NewMemory(nil)
	})
}
