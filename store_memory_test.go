package jobhub_test

import (
	"testing"

	"github.com/UniQw/jobhub"
	"github.com/UniQw/jobhub/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) jobhub.Store { return jobhub.NewMemoryStore() })
}
