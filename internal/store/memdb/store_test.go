package memdb

import (
	"testing"

	"github.com/medfl/fedavg/internal/store/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, NewStore())
}
